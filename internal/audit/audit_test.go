package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/leash/internal/breaker"
	"github.com/fentz26/leash/internal/models"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	var recs []Record
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("Bad record %q: %v", line, err)
		}
		recs = append(recs, rec)
	}
	return recs
}

func verifyChain(t *testing.T, recs []Record) {
	t.Helper()
	prev := ""
	for i, rec := range recs {
		if rec.PrevHash != prev {
			t.Errorf("Record %d prev_hash = %q, want %q", i, rec.PrevHash, prev)
		}
		clone := rec
		clone.Hash = ""
		payload, err := json.Marshal(clone)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		sum := sha256.Sum256(payload)
		if want := hex.EncodeToString(sum[:]); rec.Hash != want {
			t.Errorf("Record %d hash = %q, want %q", i, rec.Hash, want)
		}
		prev = rec.Hash
	}
}

func TestGateAndOutcomeChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	log := Open(path, zap.NewNop())

	log.Gate("abc123", "echo hi", breaker.Decision{Allowed: true, State: breaker.StateClosed})
	log.Outcome("t1", "abc123", models.TaskStatusCompleted, 0, 42)
	log.Gate("def456", "curl example.com", breaker.Decision{
		Allowed: false,
		State:   breaker.StateOpen,
		RetryIn: 90 * time.Second,
	})

	recs := readRecords(t, path)
	if len(recs) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(recs))
	}
	verifyChain(t, recs)

	if recs[0].Kind != KindGate || recs[0].Decision != "allow" || recs[0].State != "closed" {
		t.Errorf("Unexpected gate record %+v", recs[0])
	}
	if recs[1].Kind != KindOutcome || recs[1].TaskID != "t1" || recs[1].Outcome != "completed" {
		t.Errorf("Unexpected outcome record %+v", recs[1])
	}
	if recs[1].ExitCode == nil || *recs[1].ExitCode != 0 {
		t.Errorf("Expected exit code 0 recorded, got %v", recs[1].ExitCode)
	}
	if recs[2].Decision != "block" || recs[2].RetryInSec != 90 {
		t.Errorf("Unexpected block record %+v", recs[2])
	}
}

func TestProbeDecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	log := Open(path, zap.NewNop())

	log.Gate("abc123", "make build", breaker.Decision{Allowed: true, State: breaker.StateHalfOpen})

	recs := readRecords(t, path)
	if len(recs) != 1 || recs[0].Decision != "probe" {
		t.Fatalf("Expected a probe record, got %+v", recs)
	}
}

func TestChainContinuesAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")

	first := Open(path, zap.NewNop())
	first.Gate("abc123", "echo hi", breaker.Decision{Allowed: true, State: breaker.StateClosed})

	second := Open(path, zap.NewNop())
	second.Outcome("t2", "abc123", models.TaskStatusError, 1, 10)

	recs := readRecords(t, path)
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	verifyChain(t, recs)
	if recs[1].PrevHash != recs[0].Hash {
		t.Errorf("Chain broken across reopen: %q != %q", recs[1].PrevHash, recs[0].Hash)
	}
}

func TestWriteFailureDoesNotFailCaller(t *testing.T) {
	log := Open("/dev/null/nope/decisions.jsonl", zap.NewNop())
	log.Gate("abc123", "echo hi", breaker.Decision{Allowed: true, State: breaker.StateClosed})
	log.Outcome("t1", "abc123", models.TaskStatusCompleted, 0, 1)
}
