// Package executor owns live command processes: spawning in pipe or PTY
// mode, background output collection, yield-then-poll delivery, input,
// kills, and executor-enforced timeouts.
package executor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/leash/internal/config"
	"github.com/fentz26/leash/internal/fingerprint"
	"github.com/fentz26/leash/internal/learn"
	"github.com/fentz26/leash/internal/models"
	"github.com/fentz26/leash/internal/shells"
)

// Sentinel errors for transport-level mapping.
var (
	ErrEmptyCommand = errors.New("command must not be empty")
	ErrUnknownTask  = errors.New("unknown task")
	ErrNotRunning   = errors.New("task is not running")
	ErrShuttingDown = errors.New("executor is shutting down")
)

// Outcome is the terminal record handed to the observer for one task.
type Outcome struct {
	TaskID        string
	Command       string
	Status        models.TaskStatus
	ExitCode      int
	Pipestatus    []int
	DurationMs    int64
	KillElapsedMs *int64
	Output        string
}

// Observer receives every terminal outcome before the result becomes
// deliverable to any caller, and serves duration estimates for poll
// metadata. Returned insights are attached to the delivered result.
type Observer interface {
	TaskFinished(o Outcome) []models.Insight
	DurationEstimate(command string) *learn.Estimate
}

// Executor spawns commands through the detected shell and supervises them.
// The task registry is owned here; nothing about a task outlives delivery
// of its terminal result.
type Executor struct {
	shell shells.Shell
	cfg   config.Config
	obs   Observer
	log   *zap.Logger

	mu     sync.RWMutex
	tasks  map[string]*Task
	closed bool

	wg sync.WaitGroup
}

// New creates an executor. obs may be nil, in which case terminal outcomes
// are not recorded anywhere and poll metadata carries no estimates.
func New(shell shells.Shell, cfg config.Config, obs Observer, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		shell: shell,
		cfg:   cfg,
		obs:   obs,
		log:   logger,
		tasks: make(map[string]*Task),
	}
}

// Start spawns the command and waits up to the yield interval for it to
// finish. A fast command returns its terminal result directly; a slow one
// returns a running snapshot and stays registered. Spawn failures are
// terminal error results, not transport errors, and are never retried.
func (ex *Executor) Start(req models.RunRequest) (*models.RunResult, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return nil, ErrEmptyCommand
	}

	ex.mu.RLock()
	closed := ex.closed
	ex.mu.RUnlock()
	if closed {
		return nil, ErrShuttingDown
	}

	timeout := ex.cfg.ClampTimeout(req.TimeoutSec)
	yield := ex.cfg.ClampYield(req.YieldAfterSec, timeout)
	req.Command = command

	t, err := ex.spawn(req, timeout)
	if err != nil {
		ex.log.Warn("spawn failed", zap.String("command", fingerprint.Preview(command, 80)), zap.Error(err))
		ec := -1
		return &models.RunResult{
			Command:    command,
			Status:     models.TaskStatusError,
			PTY:        req.PTY,
			ExitCode:   &ec,
			Output:     fmt.Sprintf("failed to spawn: %v", err),
			TimeoutSec: int(timeout.Seconds()),
		}, nil
	}

	ex.log.Debug("task started",
		zap.String("task_id", t.ID),
		zap.String("command", fingerprint.Preview(command, 80)),
		zap.Bool("pty", t.PTY),
		zap.Int("timeout_sec", t.TimeoutSec))

	select {
	case <-t.done:
		return ex.deliverTerminal(t), nil
	case <-time.After(yield):
		return ex.runningResult(t, false), nil
	}
}

// Poll returns new output for a running task, waiting up to the listen
// window for the buffer to grow or the task to end. A terminal task is
// delivered and removed; polling it again reports an unknown task.
func (ex *Executor) Poll(taskID string) (*models.RunResult, error) {
	t := ex.lookup(taskID)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	t.mu.Lock()
	t.pollCount++
	pending := safeVisible(t.buf) > t.readCursor
	grow := t.growCh
	t.mu.Unlock()

	select {
	case <-t.done:
		return ex.deliverTerminal(t), nil
	default:
	}

	ex.ensureEstimate(t)

	// Listen window: only when nothing is already waiting.
	if !pending {
		select {
		case <-grow:
		case <-t.done:
		case <-time.After(ex.cfg.PollWindow):
		}
	}

	select {
	case <-t.done:
		return ex.deliverTerminal(t), nil
	default:
	}
	return ex.runningResult(t, true), nil
}

// Send writes input to the task's stdin pipe or PTY master. Writes carry a
// deadline so a dead or saturated process fails the call instead of
// hanging it.
func (ex *Executor) Send(taskID, input string) (*models.RunResult, error) {
	t := ex.lookup(taskID)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	select {
	case <-t.done:
		return nil, fmt.Errorf("%w: task %s already %s", ErrNotRunning, taskID, t.statusNow())
	default:
	}

	w := t.stdin
	if t.PTY {
		w = t.ptmx
	}
	if w == nil {
		return nil, fmt.Errorf("%w: task %s accepts no input", ErrNotRunning, taskID)
	}

	if !strings.HasSuffix(input, "\n") {
		input += "\n"
	}
	w.SetWriteDeadline(time.Now().Add(sendTimeout))
	_, err := w.WriteString(input)
	w.SetWriteDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return &models.RunResult{
		TaskID:     t.ID,
		Command:    t.Command,
		Status:     models.TaskStatusRunning,
		PTY:        t.PTY,
		ElapsedMs:  time.Since(t.StartedAt).Milliseconds(),
		TimeoutSec: t.TimeoutSec,
		PollCount:  t.pollCount,
		IdlePolls:  t.idlePolls,
		HasStdin:   true,
	}, nil
}

// Kill captures elapsed time, terminates the task's process group, and
// delivers the killed result once the terminal bookkeeping has run. A task
// that reached a terminal state concurrently just has that result
// delivered instead.
func (ex *Executor) Kill(taskID string) (*models.RunResult, error) {
	t := ex.lookup(taskID)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	elapsed := time.Since(t.StartedAt).Milliseconds()
	select {
	case t.killCh <- killRequest{elapsedMs: elapsed}:
	default:
		// A kill or terminal transition is already in hand.
	}

	select {
	case <-t.done:
	case <-time.After(killWait):
		return nil, fmt.Errorf("task %s did not terminate after kill", taskID)
	}
	return ex.deliverTerminal(t), nil
}

// List returns a snapshot of every registered task, oldest first.
// Undelivered terminal tasks stay visible here until a caller collects
// them.
func (ex *Executor) List() []models.TaskSnapshot {
	ex.mu.RLock()
	tasks := make([]*Task, 0, len(ex.tasks))
	for _, t := range ex.tasks {
		tasks = append(tasks, t)
	}
	ex.mu.RUnlock()

	out := make([]models.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveCount reports how many tasks are still running.
func (ex *Executor) ActiveCount() int {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	n := 0
	for _, t := range ex.tasks {
		if t.statusNow() == models.TaskStatusRunning {
			n++
		}
	}
	return n
}

// Shutdown kills every live task, waits for all task goroutines, and
// empties the registry. Each kill is recorded through the observer the
// same way a caller-issued kill would be.
func (ex *Executor) Shutdown() {
	ex.mu.Lock()
	ex.closed = true
	tasks := make([]*Task, 0, len(ex.tasks))
	for _, t := range ex.tasks {
		tasks = append(tasks, t)
	}
	ex.mu.Unlock()

	for _, t := range tasks {
		elapsed := time.Since(t.StartedAt).Milliseconds()
		select {
		case t.killCh <- killRequest{elapsedMs: elapsed}:
		default:
		}
	}
	ex.wg.Wait()

	ex.mu.Lock()
	ex.tasks = make(map[string]*Task)
	ex.mu.Unlock()
}

func (ex *Executor) lookup(taskID string) *Task {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	return ex.tasks[taskID]
}

func (ex *Executor) remove(taskID string) {
	ex.mu.Lock()
	delete(ex.tasks, taskID)
	ex.mu.Unlock()
}

// ensureEstimate fetches the duration estimate once per task. The lookup
// runs outside the task lock; a racing double fetch resolves to whichever
// writer lands first.
func (ex *Executor) ensureEstimate(t *Task) {
	t.mu.Lock()
	have := t.estimateSet
	t.mu.Unlock()
	if have || ex.obs == nil {
		return
	}

	est := ex.obs.DurationEstimate(t.Command)

	t.mu.Lock()
	if !t.estimateSet {
		t.estimate = est
		t.estimateSet = true
	}
	t.mu.Unlock()
}
