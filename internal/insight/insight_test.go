package insight

import (
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/fentz26/leash/internal/config"
	"github.com/fentz26/leash/internal/learn"
	"github.com/fentz26/leash/internal/models"
)

func TestPreNewPattern(t *testing.T) {
	e, _ := newTestEngine(t)

	insights := e.Pre("s1", "deploy run ./x")
	if len(insights) != 1 {
		t.Fatalf("Expected exactly 1 insight, got %+v", insights)
	}
	if !hasInsight(insights, models.InsightInfo, "New pattern. No history yet.") {
		t.Errorf("Expected new-pattern insight, got %+v", insights)
	}
}

func TestPreRetryAllFailed(t *testing.T) {
	e, s := newTestEngine(t)

	record(t, s, "s1", "go build ./x", 1, 100)
	record(t, s, "s1", "go build ./x", 1, 100)

	insights := e.Pre("s1", "go build ./x")
	if !hasInsight(insights, models.InsightWarning, "Retry #3. Previous 2 all failed. Different approach?") {
		t.Errorf("Expected all-failed retry warning, got %+v", insights)
	}
}

func TestPreRetryAllSucceeded(t *testing.T) {
	e, s := newTestEngine(t)

	record(t, s, "s1", "go build ./x", 0, 100)
	record(t, s, "s1", "go build ./x", 0, 100)

	insights := e.Pre("s1", "go build ./x")
	if !hasInsight(insights, models.InsightInfo, "Retry #3. Previous 2 succeeded.") {
		t.Errorf("Expected all-succeeded retry info, got %+v", insights)
	}
}

func TestPreRetryMixed(t *testing.T) {
	e, s := newTestEngine(t)

	record(t, s, "s1", "go build ./x", 0, 100)
	record(t, s, "s1", "go build ./x", 1, 100)

	insights := e.Pre("s1", "go build ./x")
	if !hasInsight(insights, models.InsightInfo, "Retry #3 in last 10m. 1/2 succeeded.") {
		t.Errorf("Expected mixed retry info, got %+v", insights)
	}
}

func TestPreSimilar(t *testing.T) {
	e, s := newTestEngine(t)

	record(t, s, "s1", "go build ./a", 0, 100)

	insights := e.Pre("s1", "go build ./b")
	if !hasInsight(insights, models.InsightInfo, "Similar to 'go build *' - 1/1 succeeded recently.") {
		t.Errorf("Expected similar insight, got %+v", insights)
	}

	// A retry of the exact command reports as a retry, not as similar.
	insights = e.Pre("s1", "go build ./a")
	for _, in := range insights {
		if strings.HasPrefix(in.Message, "Similar to") {
			t.Errorf("Similar insight should not appear on exact retries: %+v", insights)
		}
	}
}

func TestPreStreaks(t *testing.T) {
	e, s := newTestEngine(t)

	for i := 0; i < 3; i++ {
		record(t, s, "s1", "go build ./a", 0, 100)
	}
	insights := e.Pre("s1", "go build ./b")
	if !hasInsight(insights, models.InsightInfo, "Streak: 3 successes in a row. Solid.") {
		t.Errorf("Expected success streak insight, got %+v", insights)
	}

	for i := 0; i < 3; i++ {
		record(t, s, "s1", "cargo test ./y", 101, 100)
	}
	insights = e.Pre("s1", "cargo test ./z")
	if !hasInsight(insights, models.InsightWarning, "Failing streak: 3. Same approach?") {
		t.Errorf("Expected failing streak warning, got %+v", insights)
	}
}

func TestPreTimeoutRate(t *testing.T) {
	e, s := newTestEngine(t)

	for _, arg := range []string{"a", "b", "c"} {
		recordTimeout(t, s, "s1", "npm install "+arg)
	}
	record(t, s, "s1", "npm install d", 0, 100)

	insights := e.Pre("s1", "npm install e")
	if !hasInsight(insights, models.InsightWarning, "75% timeout rate for this pattern.") {
		t.Errorf("Expected timeout rate warning, got %+v", insights)
	}
}

func TestPreReliablePattern(t *testing.T) {
	e, s := newTestEngine(t)

	for _, arg := range []string{"a", "b", "c", "d", "e"} {
		record(t, s, "s1", "make -j4 "+arg, 0, 100)
	}

	insights := e.Pre("s1", "make -j4 z")
	if !hasInsight(insights, models.InsightInfo, "Reliable pattern: 100% success (5 runs).") {
		t.Errorf("Expected reliable pattern insight, got %+v", insights)
	}
}

func TestPreUsuallyTakes(t *testing.T) {
	e, s := newTestEngine(t)

	for _, arg := range []string{"a", "b", "c"} {
		record(t, s, "s1", "go test ./slow/"+arg, 0, 15000)
	}

	insights := e.Pre("s1", "go test ./slow/z")
	if !hasInsight(insights, models.InsightInfo, "Usually takes ~15s.") {
		t.Errorf("Expected duration insight, got %+v", insights)
	}
}

func TestPreManoptSurfacing(t *testing.T) {
	e, s := newTestEngine(t)

	if err := s.ManoptPut("git", "-f, --force  force update"); err != nil {
		t.Fatalf("ManoptPut failed: %v", err)
	}

	// One failure is not enough to surface the table.
	record(t, s, "s2", "git push origin main", 1, 100)
	insights := e.Pre("s2", "git push origin main")
	for _, in := range insights {
		if strings.HasPrefix(in.Message, "Options for") {
			t.Errorf("Options should not surface after one failure: %+v", insights)
		}
	}

	record(t, s, "s1", "git push origin main", 1, 100)
	record(t, s, "s1", "git push origin main", 1, 100)
	insights = e.Pre("s1", "git push origin main")
	if !hasInsight(insights, models.InsightInfo, "Options for 'git':\n-f, --force  force update") {
		t.Errorf("Expected cached options after repeated failures, got %+v", insights)
	}
}

func TestPreSSHHostFailureRate(t *testing.T) {
	e, s := newTestEngine(t)

	record(t, s, "s1", "ssh web1 uptime", 255, 4000)
	record(t, s, "s1", "ssh web1 uptime", 255, 4000)
	record(t, s, "s1", "ssh web1 uptime", 0, 500)
	record(t, s, "s1", "ssh web1 uptime", 0, 500)

	insights := e.Pre("s1", "ssh web1 uptime")
	if !hasInsight(insights, models.InsightWarning, "Host 'web1' has 50% connection failure rate (2/4).") {
		t.Errorf("Expected host failure warning, got %+v", insights)
	}
}

func TestPreSSHReliable(t *testing.T) {
	e, s := newTestEngine(t)

	for i := 0; i < 3; i++ {
		record(t, s, "s1", "ssh web2 uptime", 0, 500)
	}

	insights := e.Pre("s1", "ssh web2 uptime")
	if !hasInsight(insights, models.InsightInfo, "Host 'web2' is reliable: 3 successful connections.") {
		t.Errorf("Expected reliable host insight, got %+v", insights)
	}
	if !hasInsight(insights, models.InsightInfo, "Remote command 'uptime' reliable across 1 hosts (100% success).") {
		t.Errorf("Expected reliable remote command insight, got %+v", insights)
	}
}

func TestPreSSHRemoteFailsOften(t *testing.T) {
	e, s := newTestEngine(t)

	record(t, s, "s1", "ssh web3 systemctl restart app", 1, 700)
	record(t, s, "s1", "ssh web3 systemctl restart app", 1, 700)
	record(t, s, "s1", "ssh web3 systemctl restart app", 0, 700)

	insights := e.Pre("s1", "ssh web3 systemctl restart app")
	if !hasInsight(insights, models.InsightWarning, "Remote command 'systemctl restart *' fails often (2/3 across 1 hosts).") {
		t.Errorf("Expected remote failure warning, got %+v", insights)
	}
}

func TestPostEmptyPipestatus(t *testing.T) {
	e, _ := newTestEngine(t)

	if insights := e.Post("echo hi", nil, "output"); len(insights) != 0 {
		t.Errorf("Expected no insights without pipestatus, got %+v", insights)
	}
}

func TestPostSilentSuccess(t *testing.T) {
	e, _ := newTestEngine(t)

	insights := e.Post("touch /tmp/x", []int{0}, "  \n ")
	if !hasInsight(insights, models.InsightInfo, "No output produced.") {
		t.Errorf("Expected silent-success insight, got %+v", insights)
	}

	if insights := e.Post("echo hi", []int{0}, "hi\n"); len(insights) != 0 {
		t.Errorf("Expected no insights for noisy success, got %+v", insights)
	}
}

func TestPostUniversalExitCodes(t *testing.T) {
	e, _ := newTestEngine(t)

	insights := e.Post("./missing-script", []int{127}, "")
	if !hasInsight(insights, models.InsightWarning, "command not found (exit 127)") {
		t.Errorf("Expected command-not-found warning, got %+v", insights)
	}

	insights = e.Post("ssh web1 uptime", []int{255}, "")
	if !hasInsight(insights, models.InsightWarning, "SSH connection failed (exit 255)") {
		t.Errorf("Expected ssh failure warning, got %+v", insights)
	}
}

func TestPostKnownExitCodes(t *testing.T) {
	e, _ := newTestEngine(t)

	insights := e.Post("grep needle haystack.txt", []int{1}, "")
	if !hasInsight(insights, models.InsightInfo, "grep exit 1 = no match (normal)") {
		t.Errorf("Expected grep-no-match insight, got %+v", insights)
	}

	// Unmapped codes stay silent.
	if insights := e.Post("grep needle haystack.txt", []int{2}, "err"); len(insights) != 0 {
		t.Errorf("Expected no insight for grep exit 2, got %+v", insights)
	}

	insights = e.Post("/usr/bin/diff a b", []int{1}, "1c1")
	if !hasInsight(insights, models.InsightInfo, "diff exit 1 = files differ (normal)") {
		t.Errorf("Expected diff insight with path stripped, got %+v", insights)
	}
}

func TestPostPipeMasking(t *testing.T) {
	e, _ := newTestEngine(t)

	insights := e.Post("cat missing | grep x | sort", []int{1, 0, 0}, "data")
	if !hasInsight(insights, models.InsightWarning, "pipe segment 1 exited 1 (masked by downstream)") {
		t.Errorf("Expected masking warning, got %+v", insights)
	}

	// SIGPIPE on the left side is normal when the reader exits early.
	if insights := e.Post("yes | head -1", []int{141, 0}, "y"); len(insights) != 0 {
		t.Errorf("Expected no insight for SIGPIPE, got %+v", insights)
	}

	insights = e.Post("a | b | c", []int{2, 3, 0}, "data")
	if !hasInsight(insights, models.InsightWarning, "pipe segment 1 exited 2 (masked by downstream)") ||
		!hasInsight(insights, models.InsightWarning, "pipe segment 2 exited 3 (masked by downstream)") {
		t.Errorf("Expected warnings for both masked segments, got %+v", insights)
	}

	// The last segment is the overall exit, never masked.
	if insights := e.Post("a | b", []int{0, 3}, "data"); len(insights) != 0 {
		t.Errorf("Expected no masking warning for the last segment, got %+v", insights)
	}
}

// --- helpers ---

func newTestEngine(t *testing.T) (*Engine, *learn.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := learn.New(dbPath, config.Default().Learn, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return New(store, config.Default(), zap.NewNop()), store
}

func record(t *testing.T, s *learn.Store, sessionID, command string, exitCode int, durationMs int64) {
	t.Helper()
	err := s.Record(models.Execution{
		SessionID:  sessionID,
		Command:    command,
		ExitCode:   exitCode,
		DurationMs: durationMs,
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
}

func recordTimeout(t *testing.T, s *learn.Store, sessionID, command string) {
	t.Helper()
	err := s.Record(models.Execution{
		SessionID:  sessionID,
		Command:    command,
		ExitCode:   -1,
		DurationMs: 120000,
		TimedOut:   true,
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
}

func hasInsight(insights []models.Insight, level models.InsightLevel, message string) bool {
	for _, in := range insights {
		if in.Level == level && in.Message == message {
			return true
		}
	}
	return false
}
