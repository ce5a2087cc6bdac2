package executor

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/fentz26/leash/internal/config"
	"github.com/fentz26/leash/internal/learn"
	"github.com/fentz26/leash/internal/models"
	"github.com/fentz26/leash/internal/shells"
)

// stubObserver records terminal outcomes and serves a fixed estimate.
type stubObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
	insights []models.Insight
	estimate *learn.Estimate
}

func (s *stubObserver) TaskFinished(o Outcome) []models.Insight {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return s.insights
}

func (s *stubObserver) DurationEstimate(command string) *learn.Estimate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimate
}

func (s *stubObserver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

func (s *stubObserver) last(t *testing.T) Outcome {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) == 0 {
		t.Fatal("No outcome recorded")
	}
	return s.outcomes[len(s.outcomes)-1]
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PollWindow = 200 * time.Millisecond
	return cfg
}

func newTestExecutor(t *testing.T, obs Observer) *Executor {
	t.Helper()
	ex := New(shells.Detect().Shell, testConfig(), obs, zap.NewNop())
	t.Cleanup(ex.Shutdown)
	return ex
}

// pollUntilTerminal polls the task collecting all delivered output until a
// terminal result arrives.
func pollUntilTerminal(t *testing.T, ex *Executor, taskID string) (*models.RunResult, string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var collected strings.Builder
	for time.Now().Before(deadline) {
		res, err := ex.Poll(taskID)
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		collected.WriteString(res.Output)
		if res.Status.Terminal() {
			return res, collected.String()
		}
	}
	t.Fatal("Task never reached a terminal state")
	return nil, ""
}

func TestStartFastCommand(t *testing.T) {
	obs := &stubObserver{}
	ex := newTestExecutor(t, obs)

	res, err := ex.Start(models.RunRequest{Command: "echo hello"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != models.TaskStatusCompleted {
		t.Fatalf("Expected completed, got %s (output %q)", res.Status, res.Output)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("Expected exit 0, got %v", res.ExitCode)
	}
	if res.Output != "hello\n" {
		t.Errorf("Expected 'hello\\n', got %q", res.Output)
	}
	if strings.Contains(res.Output, shells.PipestatusMarker) {
		t.Error("Marker leaked into output")
	}
	if len(res.Pipestatus) != 1 || res.Pipestatus[0] != 0 {
		t.Errorf("Expected pipestatus [0], got %v", res.Pipestatus)
	}
	if res.TaskID == "" {
		t.Error("Expected a task id")
	}
	if n := len(ex.List()); n != 0 {
		t.Errorf("Expected empty registry after direct delivery, got %d", n)
	}

	o := obs.last(t)
	if o.Status != models.TaskStatusCompleted || o.ExitCode != 0 {
		t.Errorf("Unexpected outcome %+v", o)
	}
}

func TestStartNonZeroExit(t *testing.T) {
	obs := &stubObserver{}
	ex := newTestExecutor(t, obs)

	res, err := ex.Start(models.RunRequest{Command: "exit 3"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != models.TaskStatusError {
		t.Errorf("Expected error status, got %s", res.Status)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("Expected exit 3, got %v", res.ExitCode)
	}
}

func TestStartEmptyCommand(t *testing.T) {
	ex := newTestExecutor(t, &stubObserver{})

	if _, err := ex.Start(models.RunRequest{Command: "   "}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("Expected ErrEmptyCommand, got %v", err)
	}
}

func TestStartYieldsOnSlowCommand(t *testing.T) {
	obs := &stubObserver{}
	ex := newTestExecutor(t, obs)

	res, err := ex.Start(models.RunRequest{
		Command:       "echo started; sleep 1; echo finished",
		YieldAfterSec: 0.2,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != models.TaskStatusRunning {
		t.Fatalf("Expected running snapshot, got %s", res.Status)
	}
	if !res.HasStdin {
		t.Error("Expected running task to accept input")
	}

	final, all := pollUntilTerminal(t, ex, res.TaskID)
	if final.Status != models.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", final.Status)
	}
	if strings.Count(all+res.Output, "started") != 1 || strings.Count(all, "finished") != 1 {
		t.Errorf("Output delivered wrong: snapshot %q, polled %q", res.Output, all)
	}

	// Terminal delivery removed the task.
	if _, err := ex.Poll(res.TaskID); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Expected ErrUnknownTask after delivery, got %v", err)
	}
	if obs.count() != 1 {
		t.Errorf("Expected exactly one recorded outcome, got %d", obs.count())
	}
}

func TestPollDeliversIncrementally(t *testing.T) {
	ex := newTestExecutor(t, &stubObserver{})

	res, err := ex.Start(models.RunRequest{
		Command:       "echo one; sleep 1; echo two",
		YieldAfterSec: 0.05,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != models.TaskStatusRunning {
		t.Fatalf("Expected running, got %s", res.Status)
	}

	final, polled := pollUntilTerminal(t, ex, res.TaskID)
	all := res.Output + polled
	if strings.Count(all, "one") != 1 {
		t.Errorf("Expected 'one' delivered exactly once, got %q", all)
	}
	if strings.Count(all, "two") != 1 {
		t.Errorf("Expected 'two' delivered exactly once, got %q", all)
	}
	if final.TotalOutputBytes != len("one\ntwo\n") {
		t.Errorf("Expected %d total bytes, got %d", len("one\ntwo\n"), final.TotalOutputBytes)
	}
}

func TestPollCountsAndIdlePolls(t *testing.T) {
	ex := newTestExecutor(t, &stubObserver{})

	res, err := ex.Start(models.RunRequest{Command: "sleep 3", YieldAfterSec: 0.05})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first, err := ex.Poll(res.TaskID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if first.PollCount != 1 {
		t.Errorf("Expected poll count 1, got %d", first.PollCount)
	}
	if first.IdlePolls != 1 {
		t.Errorf("Expected one idle poll for a silent command, got %d", first.IdlePolls)
	}

	second, err := ex.Poll(res.TaskID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if second.PollCount != 2 || second.IdlePolls != 2 {
		t.Errorf("Expected counts 2/2, got %d/%d", second.PollCount, second.IdlePolls)
	}
}

func TestExecutorEnforcesTimeout(t *testing.T) {
	obs := &stubObserver{}
	ex := newTestExecutor(t, obs)

	res, err := ex.Start(models.RunRequest{
		Command:       "sleep 30",
		TimeoutSec:    1,
		YieldAfterSec: 0.1,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != models.TaskStatusRunning {
		t.Fatalf("Expected running, got %s", res.Status)
	}

	// No polling: the supervisor must time the task out on its own.
	deadline := time.Now().Add(5 * time.Second)
	for obs.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	o := obs.last(t)
	if o.Status != models.TaskStatusTimeout {
		t.Fatalf("Expected timeout outcome, got %s", o.Status)
	}
	if o.ExitCode != -1 {
		t.Errorf("Expected exit -1 on timeout, got %d", o.ExitCode)
	}

	// The undelivered timeout result is still collectable.
	final, err := ex.Poll(res.TaskID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if final.Status != models.TaskStatusTimeout {
		t.Errorf("Expected timeout, got %s", final.Status)
	}
	if n := len(ex.List()); n != 0 {
		t.Errorf("Expected empty registry, got %d", n)
	}
}

func TestKill(t *testing.T) {
	obs := &stubObserver{insights: []models.Insight{models.Info("killed early")}}
	ex := newTestExecutor(t, obs)

	res, err := ex.Start(models.RunRequest{Command: "sleep 30", YieldAfterSec: 0.1})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	killed, err := ex.Kill(res.TaskID)
	if err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if killed.Status != models.TaskStatusKilled {
		t.Errorf("Expected killed, got %s", killed.Status)
	}
	if killed.ExitCode == nil || *killed.ExitCode != -9 {
		t.Errorf("Expected exit -9, got %v", killed.ExitCode)
	}
	if len(killed.Insights) != 1 || killed.Insights[0].Message != "killed early" {
		t.Errorf("Expected the observer's insight attached, got %+v", killed.Insights)
	}

	o := obs.last(t)
	if o.Status != models.TaskStatusKilled {
		t.Errorf("Expected killed outcome, got %s", o.Status)
	}
	if o.KillElapsedMs == nil || *o.KillElapsedMs < 0 || *o.KillElapsedMs > 10000 {
		t.Errorf("Unexpected kill elapsed %v", o.KillElapsedMs)
	}

	if _, err := ex.Kill(res.TaskID); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Expected ErrUnknownTask after delivery, got %v", err)
	}
}

func TestKillDeliversConcurrentTerminal(t *testing.T) {
	obs := &stubObserver{}
	ex := newTestExecutor(t, obs)

	res, err := ex.Start(models.RunRequest{Command: "sleep 0.3", YieldAfterSec: 0.05})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != models.TaskStatusRunning {
		t.Fatalf("Expected running, got %s", res.Status)
	}

	// Let the task finish on its own, undelivered.
	deadline := time.Now().Add(5 * time.Second)
	for obs.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	killed, err := ex.Kill(res.TaskID)
	if err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if killed.Status != models.TaskStatusCompleted {
		t.Errorf("Expected the natural terminal result, got %s", killed.Status)
	}
	if obs.count() != 1 {
		t.Errorf("Expected a single outcome, got %d", obs.count())
	}
}

func TestSendPipe(t *testing.T) {
	ex := newTestExecutor(t, &stubObserver{})

	res, err := ex.Start(models.RunRequest{
		Command:       `read line; echo "got: $line"`,
		YieldAfterSec: 0.1,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != models.TaskStatusRunning {
		t.Fatalf("Expected running, got %s (output %q)", res.Status, res.Output)
	}

	if _, err := ex.Send(res.TaskID, "ping"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	final, all := pollUntilTerminal(t, ex, res.TaskID)
	if final.Status != models.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", final.Status)
	}
	if !strings.Contains(res.Output+all, "got: ping") {
		t.Errorf("Expected echoed input, got %q", all)
	}
}

func TestSendPTY(t *testing.T) {
	ex := newTestExecutor(t, &stubObserver{})

	res, err := ex.Start(models.RunRequest{
		Command:       `read line; echo "got: $line"`,
		PTY:           true,
		YieldAfterSec: 0.1,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status == models.TaskStatusError && strings.Contains(res.Output, "failed to spawn") {
		t.Skip("no pty available")
	}
	if res.Status != models.TaskStatusRunning {
		t.Fatalf("Expected running, got %s (output %q)", res.Status, res.Output)
	}

	if _, err := ex.Send(res.TaskID, "ping"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	final, all := pollUntilTerminal(t, ex, res.TaskID)
	if final.Status != models.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", final.Status)
	}
	if !strings.Contains(res.Output+all, "got: ping") {
		t.Errorf("Expected echoed input, got %q", all)
	}
}

func TestSendErrors(t *testing.T) {
	ex := newTestExecutor(t, &stubObserver{})

	if _, err := ex.Send("nope", "x"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Expected ErrUnknownTask, got %v", err)
	}

	res, err := ex.Start(models.RunRequest{Command: "sleep 0.2", YieldAfterSec: 0.05})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(1 * time.Second)
	if _, err := ex.Send(res.TaskID, "x"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning for a finished task, got %v", err)
	}
}

func TestPipestatusExtraction(t *testing.T) {
	det := shells.Detect()
	if det.Shell.Kind == shells.KindSh {
		t.Skip("plain sh reports only the overall code")
	}
	ex := newTestExecutor(t, &stubObserver{})

	res, err := ex.Start(models.RunRequest{Command: "false | true"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != models.TaskStatusCompleted {
		t.Errorf("Expected completed (last segment wins), got %s", res.Status)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("Expected overall exit 0, got %v", res.ExitCode)
	}
	if len(res.Pipestatus) != 2 || res.Pipestatus[0] != 1 || res.Pipestatus[1] != 0 {
		t.Errorf("Expected pipestatus [1 0], got %v", res.Pipestatus)
	}
}

func TestSpawnFailureIsTerminalError(t *testing.T) {
	obs := &stubObserver{}
	ex := New(shells.Shell{Kind: shells.KindSh, Path: "/nonexistent/shell"}, testConfig(), obs, zap.NewNop())
	t.Cleanup(ex.Shutdown)

	res, err := ex.Start(models.RunRequest{Command: "echo hi"})
	if err != nil {
		t.Fatalf("Expected a terminal result, got error %v", err)
	}
	if res.Status != models.TaskStatusError {
		t.Errorf("Expected error status, got %s", res.Status)
	}
	if !strings.Contains(res.Output, "failed to spawn") {
		t.Errorf("Expected spawn failure message, got %q", res.Output)
	}
	if obs.count() != 0 {
		t.Error("Spawn failures must not be recorded as outcomes")
	}
	if n := len(ex.List()); n != 0 {
		t.Errorf("Expected empty registry, got %d", n)
	}
}

func TestListSnapshots(t *testing.T) {
	ex := newTestExecutor(t, &stubObserver{})

	first, err := ex.Start(models.RunRequest{Command: "sleep 5", YieldAfterSec: 0.05})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	second, err := ex.Start(models.RunRequest{Command: "sleep 6", YieldAfterSec: 0.05})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snaps := ex.List()
	if len(snaps) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(snaps))
	}
	if snaps[0].TaskID != first.TaskID || snaps[1].TaskID != second.TaskID {
		t.Errorf("Expected oldest-first order, got %s then %s", snaps[0].TaskID, snaps[1].TaskID)
	}
	for _, s := range snaps {
		if s.Status != models.TaskStatusRunning {
			t.Errorf("Expected running, got %s", s.Status)
		}
	}
	if got := ex.ActiveCount(); got != 2 {
		t.Errorf("Expected 2 active tasks, got %d", got)
	}
}

func TestShutdownKillsRunning(t *testing.T) {
	obs := &stubObserver{}
	ex := New(shells.Detect().Shell, testConfig(), obs, zap.NewNop())

	_, err := ex.Start(models.RunRequest{Command: "sleep 30", YieldAfterSec: 0.05})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ex.Shutdown()
	if obs.count() != 1 {
		t.Fatalf("Expected one outcome after shutdown, got %d", obs.count())
	}
	if o := obs.last(t); o.Status != models.TaskStatusKilled {
		t.Errorf("Expected killed, got %s", o.Status)
	}
	if _, err := ex.Start(models.RunRequest{Command: "echo x"}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
}

func TestNoGoroutineLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	obs := &stubObserver{}
	ex := New(shells.Detect().Shell, testConfig(), obs, zap.NewNop())

	// start -> poll -> terminal
	res, err := ex.Start(models.RunRequest{Command: "echo a; sleep 0.4; echo b", YieldAfterSec: 0.05})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status == models.TaskStatusRunning {
		pollUntilTerminal(t, ex, res.TaskID)
	}

	// start -> kill
	res, err = ex.Start(models.RunRequest{Command: "sleep 30", YieldAfterSec: 0.05})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := ex.Kill(res.TaskID); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	ex.Shutdown()
}

func TestRunningOutputTruncation(t *testing.T) {
	cfg := testConfig()
	cfg.TruncateOutputAt = 100
	ex := New(shells.Detect().Shell, cfg, &stubObserver{}, zap.NewNop())
	t.Cleanup(ex.Shutdown)

	res, err := ex.Start(models.RunRequest{
		Command:       "yes | head -n 300; sleep 2",
		YieldAfterSec: 0.5,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != models.TaskStatusRunning {
		t.Fatalf("Expected running, got %s", res.Status)
	}
	if !res.OutputTruncated || !strings.Contains(res.Output, "OUTPUT TRUNCATED") {
		t.Errorf("Expected truncated delivery, got %d bytes", len(res.Output))
	}

	// The withheld remainder arrives on later polls.
	next, err := ex.Poll(res.TaskID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if next.Output == "" {
		t.Error("Expected the next chunk on poll")
	}
}

func TestClipRunning(t *testing.T) {
	out, truncated, advance := clipRunning("abcdefghij", 4)
	if !truncated || advance != 4 {
		t.Fatalf("Expected truncation advancing 4, got %v %d", truncated, advance)
	}
	if !strings.HasPrefix(out, "abcd\n\n[OUTPUT TRUNCATED - 10 new bytes, showing first 4") {
		t.Errorf("Unexpected clip %q", out)
	}

	out, truncated, advance = clipRunning("ab", 4)
	if truncated || advance != 2 || out != "ab" {
		t.Errorf("Expected short span unchanged, got %q %v %d", out, truncated, advance)
	}
}

func TestClipTerminal(t *testing.T) {
	out, truncated := clipTerminal("abcdefghij", 4)
	if !truncated {
		t.Fatal("Expected truncation")
	}
	want := "abcd\n\n[OUTPUT TRUNCATED - 10 bytes total, showing first 4]"
	if out != want {
		t.Errorf("Expected %q, got %q", want, out)
	}
}

func TestSafeVisible(t *testing.T) {
	if n := safeVisible([]byte("plain output")); n != 12 {
		t.Errorf("Expected 12, got %d", n)
	}
	buf := []byte("out\n" + shells.PipestatusMarker + " 0\n")
	if n := safeVisible(buf); n != 3 {
		t.Errorf("Expected marker and injected newline withheld, got %d", n)
	}
	buf = []byte("out\r\n" + shells.PipestatusMarker + " 0\r\n")
	if n := safeVisible(buf); n != 3 {
		t.Errorf("Expected CRLF withheld, got %d", n)
	}
	if n := safeVisible([]byte(shells.PipestatusMarker + " 0\n")); n != 0 {
		t.Errorf("Expected 0 for marker-only buffer, got %d", n)
	}
}

func TestSuggest(t *testing.T) {
	est := &learn.Estimate{
		DurationEstimate: models.DurationEstimate{MedianMs: 10000, P90Ms: 20000, Samples: 5},
		Durations:        []int64{5000, 10000, 15000, 20000, 25000},
	}

	got := suggest(est, 25000, 0, 0)
	if got != "Running 25s, past p90 ~20s for this pattern. Kill or keep waiting." {
		t.Errorf("Unexpected past-p90 suggestion %q", got)
	}

	got = suggest(est, 5000, 0, 0)
	if got != "Typically ~10s (p90 ~20s). 20% of past runs finished by now." {
		t.Errorf("Unexpected typical suggestion %q", got)
	}

	got = suggest(nil, 1000, 3, 5*time.Second)
	if got != "No new output for 3 polls (5s)." {
		t.Errorf("Unexpected idle suggestion %q", got)
	}
	if got := suggest(nil, 1000, 2, time.Second); got != "" {
		t.Errorf("Expected no suggestion, got %q", got)
	}
}
