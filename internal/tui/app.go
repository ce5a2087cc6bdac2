// Package tui provides the interactive watch view for leash: a live task
// list, an output pane that follows a task through poll, a stdin send bar,
// and kills.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/leash/internal/fingerprint"
	"github.com/fentz26/leash/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	taskItemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	daemonOnStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	daemonOffStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// refreshInterval drives the background tick. Polls and list fetches are
// guarded so a slow daemon cannot stack requests.
const refreshInterval = 2 * time.Second

// App is the watch application model.
type App struct {
	client      *Client
	tasks       []models.TaskSnapshot
	selectedIdx int
	input       textinput.Model
	viewport    viewport.Model
	width       int
	height      int
	mode        string // "list" or "detail"

	// Detail view state. Output accumulates across polls; the daemon only
	// hands each byte out once.
	detailID     string
	detailCmd    string
	output       strings.Builder
	last         *models.RunResult
	detailDone   bool
	pollInFlight bool
	inputFocused bool

	health  *models.HealthStatus
	hot     []models.PatternActivity
	message string
	loading bool
}

// New creates the watch application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "input for the task's stdin"
	ti.CharLimit = 512
	ti.Width = 80

	vp := viewport.New(80, 20)

	return &App{
		client:   NewClient(apiAddr),
		input:    ti,
		viewport: vp,
		mode:     "list",
		loading:  true,
	}
}

// Run starts the watch application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchTasks(),
		a.fetchHealth(),
		a.fetchStats(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.inputFocused {
			switch msg.String() {
			case "esc":
				a.blurInput()
				return a, nil
			case "enter":
				input := strings.TrimSpace(a.input.Value())
				a.blurInput()
				if input == "" || a.detailID == "" {
					return a, nil
				}
				return a, a.sendInput(a.detailID, input)
			}
			var cmd tea.Cmd
			a.input, cmd = a.input.Update(msg)
			return a, cmd
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit

		case "esc":
			if a.mode == "detail" {
				a.closeDetail()
				return a, a.fetchTasks()
			}

		case "up":
			if a.mode == "list" && a.selectedIdx > 0 {
				a.selectedIdx--
				return a, nil
			}

		case "down":
			if a.mode == "list" && a.selectedIdx < len(a.tasks)-1 {
				a.selectedIdx++
				return a, nil
			}

		case "enter":
			if a.mode == "list" && len(a.tasks) > 0 {
				a.openDetail(a.tasks[a.selectedIdx])
				a.pollInFlight = true
				return a, a.pollTask(a.detailID)
			}

		case "k":
			if a.mode == "detail" && a.detailID != "" && !a.detailDone {
				return a, a.killTask(a.detailID)
			}
			if a.mode == "list" && len(a.tasks) > 0 {
				return a, a.killTask(a.tasks[a.selectedIdx].TaskID)
			}

		case "s":
			if a.mode == "detail" && !a.detailDone {
				a.inputFocused = true
				a.input.Focus()
				return a, textinput.Blink
			}

		case "r":
			if a.mode == "detail" && !a.pollInFlight && !a.detailDone {
				a.pollInFlight = true
				return a, a.pollTask(a.detailID)
			}
			if a.mode == "list" {
				return a, tea.Batch(a.fetchTasks(), a.fetchStats())
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		a.viewport.Width = msg.Width
		a.viewport.Height = max(5, msg.Height-13)

	case tickMsg:
		// Exactly one tick is in flight at any time.
		cmds = append(cmds, a.tickCmd())
		cmds = append(cmds, a.fetchHealth())
		switch a.mode {
		case "list":
			if !a.loading {
				cmds = append(cmds, a.fetchTasks(), a.fetchStats())
			}
		case "detail":
			if !a.pollInFlight && !a.detailDone {
				a.pollInFlight = true
				cmds = append(cmds, a.pollTask(a.detailID))
			}
		}
		return a, tea.Batch(cmds...)

	case tasksLoadedMsg:
		a.loading = false
		a.tasks = msg.tasks
		if a.selectedIdx >= len(a.tasks) {
			a.selectedIdx = max(0, len(a.tasks)-1)
		}

	case healthMsg:
		a.health = msg.health

	case statsMsg:
		if msg.stats != nil {
			a.hot = msg.stats.HotPatterns
		}

	case pollResultMsg:
		if msg.taskID == a.detailID {
			a.pollInFlight = false
			if msg.err != nil {
				a.absorbPollError(msg.err)
			} else {
				a.absorbResult(msg.res)
			}
		}

	case sendResultMsg:
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
			break
		}
		a.message = "Input sent."
		if a.mode == "detail" && !a.pollInFlight && !a.detailDone {
			a.pollInFlight = true
			cmds = append(cmds, a.pollTask(a.detailID))
		}

	case killResultMsg:
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
			break
		}
		if a.mode == "detail" && msg.taskID == a.detailID {
			a.absorbResult(msg.res)
		} else {
			a.message = fmt.Sprintf("Killed %s.", msg.taskID)
			cmds = append(cmds, a.fetchTasks())
		}

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
	}

	if a.inputFocused {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		cmds = append(cmds, cmd)
	} else if a.mode == "detail" {
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}

	return a, tea.Batch(cmds...)
}

// openDetail switches to the output view for one task.
func (a *App) openDetail(t models.TaskSnapshot) {
	a.mode = "detail"
	a.detailID = t.TaskID
	a.detailCmd = t.Command
	a.output.Reset()
	a.last = nil
	a.detailDone = false
	a.message = ""
	a.viewport.SetContent("")
	a.viewport.GotoTop()
}

func (a *App) closeDetail() {
	a.mode = "list"
	a.detailID = ""
	a.detailDone = false
	a.pollInFlight = false
	a.blurInput()
}

func (a *App) blurInput() {
	a.inputFocused = false
	a.input.Blur()
	a.input.SetValue("")
}

// absorbResult folds a poll, send or kill result into the detail view.
// Terminal results end the poll loop but leave the output on screen.
func (a *App) absorbResult(res *models.RunResult) {
	if res == nil {
		return
	}
	a.last = res

	follow := a.viewport.AtBottom()
	if res.Output != "" {
		a.output.WriteString(res.Output)
		a.viewport.SetContent(a.output.String())
		if follow {
			a.viewport.GotoBottom()
		}
	}

	if res.Status.Terminal() {
		a.detailDone = true
		a.message = fmt.Sprintf("Task %s: %s.", a.detailID, res.Status)
		if res.ExitCode != nil {
			a.message = fmt.Sprintf("Task %s: %s (exit %d).", a.detailID, res.Status, *res.ExitCode)
		}
		a.blurInput()
	}
}

// absorbPollError handles a failed poll. An unknown task means another
// client collected the terminal result first.
func (a *App) absorbPollError(err error) {
	if strings.Contains(err.Error(), "unknown task") {
		a.detailDone = true
		a.message = "Task finished; its result was collected by another client."
		return
	}
	a.message = "Error: " + err.Error()
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := daemonOnStyle.Render("● daemon")
	if a.health == nil {
		daemonStatus = daemonOffStyle.Render("○ daemon")
	}

	header := titleStyle.Render("leash watch")
	header += "  " + daemonStatus
	if a.health != nil {
		header += "  " + lipgloss.NewStyle().Foreground(mutedColor).Render(a.health.Shell)
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d active]", a.health.ActiveTasks))
		if a.health.OpenCircuits > 0 {
			header += "  " + lipgloss.NewStyle().Foreground(errorColor).Render(fmt.Sprintf("[%d circuits open]", a.health.OpenCircuits))
		}
	}

	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(1, a.width)) + "\n")

	contentHeight := a.height - 8
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case "list":
		b.WriteString(a.renderHotPatterns() + "\n")
		b.WriteString(a.renderTaskList(contentHeight - 1))
	case "detail":
		b.WriteString(a.renderDetail())
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	if a.mode == "detail" && !a.detailDone {
		b.WriteString("\n")
		b.WriteString(inputBoxStyle.Render(a.input.View()))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case "list":
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:watch | k:kill | r:refresh | q:quit", len(a.tasks))
	case "detail":
		if a.detailDone {
			status = fmt.Sprintf(" %s | finished | Esc:back | q:quit", a.detailID)
		} else {
			status = fmt.Sprintf(" %s | s:stdin | k:kill | r:poll now | Esc:back | q:quit", a.detailID)
		}
	}
	b.WriteString(statusBarStyle.Width(max(1, a.width)).Render(status))

	return b.String()
}

// renderHotPatterns shows the most active learned templates.
func (a *App) renderHotPatterns() string {
	if len(a.hot) == 0 {
		return helpStyle.Render("  no learned patterns yet")
	}

	parts := make([]string, 0, 3)
	for i, p := range a.hot {
		if i >= 3 {
			break
		}
		parts = append(parts, fmt.Sprintf("%s (%.0f%%, ~%s)",
			fingerprint.Preview(p.Template, 30),
			p.SuccessRate*100,
			formatMs(p.AvgDurationMs)))
	}
	return helpStyle.Render("  hot: " + strings.Join(parts, " · "))
}

func (a *App) renderTaskList(height int) string {
	if a.loading {
		return "\n  Contacting daemon...\n"
	}
	if len(a.tasks) == 0 {
		return "\n  No live tasks. Runs show up here while they execute.\n"
	}

	var lines []string
	for i, task := range a.tasks {
		elapsed := formatDuration(time.Since(task.StartedAt))
		preview := fingerprint.Preview(task.Command, max(20, a.width-36))

		if i == a.selectedIdx {
			line := selectedStyle.Render(fmt.Sprintf("▶ %s %-9s %6s  %-8s  %s",
				statusGlyph(task.Status), task.Status, elapsed, task.TaskID, preview))
			lines = append(lines, line)
		} else {
			line := taskItemStyle.Render(fmt.Sprintf("  %s %-9s %6s  %-8s  %s",
				styledGlyph(task.Status), task.Status, elapsed, task.TaskID, preview))
			lines = append(lines, line)
		}
	}

	// Limit visible lines, keeping the selection centered.
	if len(lines) > height {
		start := a.selectedIdx - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}

	return strings.Join(lines, "\n")
}

func (a *App) renderDetail() string {
	var b strings.Builder

	b.WriteString("  " + lipgloss.NewStyle().Bold(true).Render(fingerprint.Preview(a.detailCmd, max(20, a.width-10))))
	if a.last != nil && a.last.PTY {
		b.WriteString(" " + helpStyle.Render("[pty]"))
	}
	b.WriteString("\n")

	if a.last == nil {
		b.WriteString("  Collecting output...\n")
		return b.String()
	}

	b.WriteString("  " + a.renderDetailStatus() + "\n")
	if est := a.renderEstimate(); est != "" {
		b.WriteString("  " + est + "\n")
	}
	if a.last.Suggestion != "" {
		b.WriteString("  " + lipgloss.NewStyle().Foreground(warningColor).Render(a.last.Suggestion) + "\n")
	}
	for _, in := range a.last.Insights {
		color := mutedColor
		if in.Level == models.InsightWarning {
			color = warningColor
		}
		b.WriteString("  " + lipgloss.NewStyle().Foreground(color).Render("• "+in.Message) + "\n")
	}

	b.WriteString(strings.Repeat("─", max(1, a.width)) + "\n")
	b.WriteString(a.viewport.View())
	return b.String()
}

func (a *App) renderDetailStatus() string {
	res := a.last
	parts := []string{
		fmt.Sprintf("%s %s", styledGlyph(res.Status), res.Status),
		formatMs(res.ElapsedMs),
	}
	if res.ExitCode != nil {
		parts = append(parts, fmt.Sprintf("exit %d", *res.ExitCode))
	}
	if len(res.Pipestatus) > 1 {
		parts = append(parts, fmt.Sprintf("pipestatus %v", res.Pipestatus))
	}
	parts = append(parts, fmt.Sprintf("polls %d (%d idle)", res.PollCount, res.IdlePolls))
	parts = append(parts, fmt.Sprintf("%d bytes", res.TotalOutputBytes))
	if res.OutputTruncated {
		parts = append(parts, lipgloss.NewStyle().Foreground(warningColor).Render("truncated"))
	}
	return strings.Join(parts, " · ")
}

func (a *App) renderEstimate() string {
	est := a.last.Estimate
	if est == nil || est.Samples == 0 {
		return ""
	}
	s := fmt.Sprintf("typical ~%s · p90 %s · %d runs",
		formatMs(est.MedianMs), formatMs(est.P90Ms), est.Samples)
	if !a.detailDone && est.CompletionProbability > 0 {
		s += fmt.Sprintf(" · %.0f%% of past runs finished by now", est.CompletionProbability*100)
	}
	return helpStyle.Render(s)
}

func statusGlyph(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusRunning:
		return "◑"
	case models.TaskStatusCompleted:
		return "●"
	case models.TaskStatusTimeout:
		return "◷"
	case models.TaskStatusKilled:
		return "○"
	default:
		return "✗"
	}
}

func styledGlyph(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusRunning:
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑")
	case models.TaskStatusCompleted:
		return lipgloss.NewStyle().Foreground(successColor).Render("●")
	case models.TaskStatusTimeout:
		return lipgloss.NewStyle().Foreground(warningColor).Render("◷")
	case models.TaskStatusKilled:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("○")
	default:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗")
	}
}

func (a *App) fetchTasks() tea.Cmd {
	return func() tea.Msg {
		tasks, err := a.client.ListTasks()
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (a *App) fetchHealth() tea.Cmd {
	return func() tea.Msg {
		health, err := a.client.Health()
		if err != nil {
			return healthMsg{nil}
		}
		return healthMsg{health}
	}
}

func (a *App) fetchStats() tea.Cmd {
	return func() tea.Msg {
		stats, err := a.client.LearnStats()
		if err != nil {
			return statsMsg{nil}
		}
		return statsMsg{stats}
	}
}

func (a *App) pollTask(taskID string) tea.Cmd {
	return func() tea.Msg {
		res, err := a.client.Poll(taskID)
		return pollResultMsg{taskID: taskID, res: res, err: err}
	}
}

func (a *App) sendInput(taskID, input string) tea.Cmd {
	return func() tea.Msg {
		_, err := a.client.Send(taskID, input)
		return sendResultMsg{err: err}
	}
}

func (a *App) killTask(taskID string) tea.Cmd {
	return func() tea.Msg {
		res, err := a.client.Kill(taskID)
		return killResultMsg{taskID: taskID, res: res, err: err}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatMs(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	return formatDuration(time.Duration(ms) * time.Millisecond)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

type tasksLoadedMsg struct {
	tasks []models.TaskSnapshot
}

type healthMsg struct {
	health *models.HealthStatus
}

type statsMsg struct {
	stats *models.LearnStats
}

type pollResultMsg struct {
	taskID string
	res    *models.RunResult
	err    error
}

type sendResultMsg struct {
	err error
}

type killResultMsg struct {
	taskID string
	res    *models.RunResult
	err    error
}

type errMsg struct {
	err error
}

type tickMsg time.Time
