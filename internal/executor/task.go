package executor

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/leash/internal/fingerprint"
	"github.com/fentz26/leash/internal/learn"
	"github.com/fentz26/leash/internal/models"
	"github.com/fentz26/leash/internal/shells"
)

const (
	ptyCols = 120
	ptyRows = 40

	readBufSize = 32 * 1024
	snapshotLen = 50

	// drainGrace bounds how long finalize waits for the collector to reach
	// EOF after the process died. A surviving grandchild holding the pipe
	// must not stall the terminal result.
	drainGrace = 500 * time.Millisecond

	// killGrace separates SIGTERM from SIGKILL on caller-issued kills.
	killGrace = 100 * time.Millisecond

	sendTimeout = 2 * time.Second
	killWait    = 10 * time.Second
)

type killRequest struct {
	elapsedMs int64
}

// Task is one live command: its process handles, output buffer, and
// delivery bookkeeping. The collector goroutine is the only buffer writer;
// callers read and advance the cursor under mu.
type Task struct {
	ID          string
	Command     string
	Description string
	PTY         bool
	TimeoutSec  int
	StartedAt   time.Time

	cmd   *exec.Cmd
	ptmx  *os.File // PTY master; nil in pipe mode
	outR  *os.File // merged stdout+stderr read end; nil in PTY mode
	stdin *os.File // stdin write end; nil in PTY mode

	killCh   chan killRequest
	readDone chan struct{} // closed when the collector exits
	done     chan struct{} // closed after terminal bookkeeping finishes

	mu            sync.Mutex
	buf           []byte
	growCh        chan struct{} // closed and replaced on every append
	status        models.TaskStatus
	lastGrowth    time.Time
	endedAt       time.Time
	exitCode      int
	pipestatus    []int
	finalOutput   string
	readCursor    int
	pollCount     int
	idlePolls     int
	killElapsedMs *int64
	estimate      *learn.Estimate
	estimateSet   bool
	insights      []models.Insight
}

func (t *Task) statusNow() models.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) snapshot() models.TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.StartedAt)
	total := safeVisible(t.buf)
	if t.status.Terminal() {
		elapsed = t.endedAt.Sub(t.StartedAt)
		total = len(t.finalOutput)
	}
	return models.TaskSnapshot{
		TaskID:           t.ID,
		Command:          fingerprint.Preview(t.Command, snapshotLen),
		Description:      t.Description,
		Status:           t.status,
		PTY:              t.PTY,
		StartedAt:        t.StartedAt,
		ElapsedMs:        elapsed.Milliseconds(),
		TimeoutSec:       t.TimeoutSec,
		PollCount:        t.pollCount,
		TotalOutputBytes: total,
	}
}

// spawn starts the wrapped command and its three goroutines: waiter,
// collector, supervisor.
func (ex *Executor) spawn(req models.RunRequest, timeout time.Duration) (*Task, error) {
	wrapped := ex.shell.Wrap(req.Command)
	cmd := exec.Command(ex.shell.Path, "-c", wrapped)

	t := &Task{
		ID:          uuid.New().String()[:8],
		Command:     req.Command,
		Description: req.Description,
		PTY:         req.PTY,
		TimeoutSec:  int(timeout.Seconds()),
		StartedAt:   time.Now(),
		cmd:         cmd,
		killCh:      make(chan killRequest, 1),
		readDone:    make(chan struct{}),
		done:        make(chan struct{}),
		growCh:      make(chan struct{}),
		status:      models.TaskStatusRunning,
	}

	if req.PTY {
		// pty.Start makes the child a session leader on its own controlling
		// terminal and merges stdout/stderr inherently.
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ptyRows, Cols: ptyCols})
		if err != nil {
			return nil, err
		}
		t.ptmx = ptmx
	} else {
		outR, outW, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		inR, inW, err := os.Pipe()
		if err != nil {
			outR.Close()
			outW.Close()
			return nil, err
		}
		cmd.Stdout = outW
		cmd.Stderr = outW
		cmd.Stdin = inR
		// Own process group so kills reach the whole pipeline.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			outR.Close()
			outW.Close()
			inR.Close()
			inW.Close()
			return nil, err
		}
		// The child holds its own copies.
		outW.Close()
		inR.Close()
		t.outR = outR
		t.stdin = inW
	}

	ex.mu.Lock()
	ex.tasks[t.ID] = t
	ex.mu.Unlock()

	waitCh := make(chan error, 1)
	ex.wg.Add(3)
	go func() {
		defer ex.wg.Done()
		waitCh <- cmd.Wait()
	}()
	go ex.collect(t)
	go ex.supervise(t, waitCh)
	return t, nil
}

// collect appends everything the process writes to the task buffer and
// wakes pollers through the growth channel. It is the buffer's only
// writer.
func (ex *Executor) collect(t *Task) {
	defer ex.wg.Done()
	defer close(t.readDone)

	src := t.outR
	if t.PTY {
		src = t.ptmx
	}
	buf := make([]byte, readBufSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			t.mu.Lock()
			t.buf = append(t.buf, buf[:n]...)
			t.lastGrowth = time.Now()
			close(t.growCh)
			t.growCh = make(chan struct{})
			t.mu.Unlock()
		}
		if err != nil {
			// EOF on the pipe; a closed PTY surfaces as EIO.
			return
		}
	}
}

// supervise waits for the first of natural exit, timeout, or kill, then
// reaps, drains, and finalizes. The timeout fires regardless of whether
// anyone is polling.
func (ex *Executor) supervise(t *Task, waitCh <-chan error) {
	defer ex.wg.Done()

	timer := time.NewTimer(time.Duration(t.TimeoutSec) * time.Second)
	defer timer.Stop()

	var terminal models.TaskStatus
	var killElapsed *int64
	var waitErr error

	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		terminal = models.TaskStatusTimeout
		ex.killGroup(t, false)
		waitErr = <-waitCh
	case req := <-t.killCh:
		terminal = models.TaskStatusKilled
		killElapsed = &req.elapsedMs
		ex.killGroup(t, true)
		waitErr = <-waitCh
	}

	// Let the collector drain what the kernel still buffers, then close
	// the descriptors so it cannot stay blocked on a pipe a surviving
	// grandchild holds open.
	select {
	case <-t.readDone:
	case <-time.After(drainGrace):
	}
	t.closeIO()
	<-t.readDone

	ex.finalize(t, terminal, killElapsed, waitErr)
}

func (ex *Executor) killGroup(t *Task, graceful bool) {
	pid := t.cmd.Process.Pid
	// The child leads its own group (pipe mode) or session (PTY), so the
	// negative pid reaches the whole pipeline.
	if graceful {
		syscall.Kill(-pid, syscall.SIGTERM)
		time.Sleep(killGrace)
	}
	syscall.Kill(-pid, syscall.SIGKILL)
}

func (t *Task) closeIO() {
	if t.ptmx != nil {
		t.ptmx.Close()
	}
	if t.outR != nil {
		t.outR.Close()
	}
	if t.stdin != nil {
		t.stdin.Close()
	}
}

// finalize fixes the terminal status, strips the marker line, records the
// outcome through the observer, and only then marks the task deliverable.
func (ex *Executor) finalize(t *Task, terminal models.TaskStatus, killElapsed *int64, waitErr error) {
	t.mu.Lock()
	raw := string(t.buf)
	clean, codes, ok := shells.ParseMarker(raw)
	if !ok {
		codes = nil
	}

	var exitCode int
	switch terminal {
	case models.TaskStatusTimeout:
		exitCode = -1
	case models.TaskStatusKilled:
		exitCode = -9
	default:
		if len(codes) > 0 {
			exitCode = codes[len(codes)-1]
		} else {
			exitCode = exitCodeFromWait(waitErr)
		}
		if exitCode == 0 {
			terminal = models.TaskStatusCompleted
		} else {
			terminal = models.TaskStatusError
		}
	}

	t.status = terminal
	t.exitCode = exitCode
	t.pipestatus = codes
	t.finalOutput = clean
	t.endedAt = time.Now()
	t.killElapsedMs = killElapsed
	elapsedMs := t.endedAt.Sub(t.StartedAt).Milliseconds()
	t.mu.Unlock()

	var insights []models.Insight
	if ex.obs != nil {
		insights = ex.obs.TaskFinished(Outcome{
			TaskID:        t.ID,
			Command:       t.Command,
			Status:        terminal,
			ExitCode:      exitCode,
			Pipestatus:    codes,
			DurationMs:    elapsedMs,
			KillElapsedMs: killElapsed,
			Output:        clean,
		})
	}

	t.mu.Lock()
	t.insights = insights
	t.mu.Unlock()
	close(t.done)

	ex.log.Info("task finished",
		zap.String("task_id", t.ID),
		zap.String("status", string(terminal)),
		zap.Int("exit_code", exitCode),
		zap.Int64("elapsed_ms", elapsedMs))
}

func exitCodeFromWait(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if ee, ok := waitErr.(*exec.ExitError); ok {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}

// deliverTerminal hands the caller the terminal result and removes the
// task from the registry. Outcome recording already happened in finalize.
func (ex *Executor) deliverTerminal(t *Task) *models.RunResult {
	t.mu.Lock()
	cursor := t.readCursor
	if cursor > len(t.finalOutput) {
		cursor = len(t.finalOutput)
	}
	out, truncated := clipTerminal(t.finalOutput[cursor:], ex.cfg.TruncateOutputAt)
	ec := t.exitCode
	res := &models.RunResult{
		TaskID:           t.ID,
		Command:          t.Command,
		Description:      t.Description,
		Status:           t.status,
		PTY:              t.PTY,
		ExitCode:         &ec,
		Pipestatus:       append([]int(nil), t.pipestatus...),
		Output:           out,
		OutputTruncated:  truncated,
		TotalOutputBytes: len(t.finalOutput),
		ElapsedMs:        t.endedAt.Sub(t.StartedAt).Milliseconds(),
		TimeoutSec:       t.TimeoutSec,
		PollCount:        t.pollCount,
		IdlePolls:        t.idlePolls,
		Insights:         append([]models.Insight(nil), t.insights...),
	}
	t.mu.Unlock()

	ex.remove(t.ID)
	return res
}

// runningResult builds a running snapshot, delivering new output and
// advancing the cursor. countIdle marks poll calls, which maintain the
// idle counter; the initial yield return does not.
func (ex *Executor) runningResult(t *Task, countIdle bool) *models.RunResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	visible := safeVisible(t.buf)
	span := string(t.buf[t.readCursor:visible])
	if countIdle {
		if len(span) > 0 {
			t.idlePolls = 0
		} else {
			t.idlePolls++
		}
	}
	out, truncated, advance := clipRunning(span, ex.cfg.TruncateOutputAt)
	t.readCursor += advance

	elapsedMs := time.Since(t.StartedAt).Milliseconds()
	res := &models.RunResult{
		TaskID:           t.ID,
		Command:          t.Command,
		Description:      t.Description,
		Status:           models.TaskStatusRunning,
		PTY:              t.PTY,
		Output:           out,
		OutputTruncated:  truncated,
		TotalOutputBytes: visible,
		ElapsedMs:        elapsedMs,
		TimeoutSec:       t.TimeoutSec,
		PollCount:        t.pollCount,
		IdlePolls:        t.idlePolls,
		HasStdin:         true,
	}
	if t.estimate != nil {
		res.Estimate = &models.DurationEstimate{
			MedianMs:              t.estimate.MedianMs,
			P90Ms:                 t.estimate.P90Ms,
			Samples:               t.estimate.Samples,
			CompletionProbability: t.estimate.CompletionProbability(elapsedMs),
		}
	}
	if countIdle {
		sinceGrowth := time.Since(t.StartedAt)
		if !t.lastGrowth.IsZero() {
			sinceGrowth = time.Since(t.lastGrowth)
		}
		res.Suggestion = suggest(t.estimate, elapsedMs, t.idlePolls, sinceGrowth)
	}
	return res
}

// safeVisible returns how many buffered bytes may be shown while running.
// Once the wrapper's marker line appears, everything from the injected
// newline onward is withheld until finalize strips it.
func safeVisible(buf []byte) int {
	idx := bytes.Index(buf, []byte(shells.PipestatusMarker))
	if idx == -1 {
		return len(buf)
	}
	n := idx
	if n > 0 && buf[n-1] == '\n' {
		n--
	}
	if n > 0 && buf[n-1] == '\r' {
		n--
	}
	return n
}

// clipTerminal bounds a final delivery. The task is removed afterwards, so
// the notice reports what was withheld.
func clipTerminal(out string, max int) (string, bool) {
	if max <= 0 || len(out) <= max {
		return out, false
	}
	return fmt.Sprintf("%s\n\n[OUTPUT TRUNCATED - %d bytes total, showing first %d]",
		out[:max], len(out), max), true
}

// clipRunning bounds one running delivery. The cursor advances only past
// delivered bytes; the remainder arrives on later polls.
func clipRunning(span string, max int) (out string, truncated bool, advance int) {
	if max <= 0 || len(span) <= max {
		return span, false, len(span)
	}
	out = fmt.Sprintf("%s\n\n[OUTPUT TRUNCATED - %d new bytes, showing first %d; poll again for the rest]",
		span[:max], len(span), max)
	return out, true, max
}

func suggest(est *learn.Estimate, elapsedMs int64, idlePolls int, sinceGrowth time.Duration) string {
	if est != nil {
		if elapsedMs > est.P90Ms {
			return fmt.Sprintf("Running %.0fs, past p90 ~%.0fs for this pattern. Kill or keep waiting.",
				float64(elapsedMs)/1000, float64(est.P90Ms)/1000)
		}
		return fmt.Sprintf("Typically ~%.0fs (p90 ~%.0fs). %.0f%% of past runs finished by now.",
			float64(est.MedianMs)/1000, float64(est.P90Ms)/1000,
			est.CompletionProbability(elapsedMs)*100)
	}
	if idlePolls >= 3 {
		return fmt.Sprintf("No new output for %d polls (%.0fs).", idlePolls, sinceGrowth.Seconds())
	}
	return ""
}
