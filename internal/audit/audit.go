// Package audit appends decision records for leash to a hash-chained
// JSONL log.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/leash/internal/breaker"
	"github.com/fentz26/leash/internal/models"
)

// Record kinds.
const (
	KindGate    = "gate"
	KindOutcome = "outcome"
)

// Record is one audit entry. Hash is the sha256 of the record's JSON with
// the Hash field empty; PrevHash carries the previous record's hash, so
// editing any line breaks every line after it.
type Record struct {
	Time        time.Time `json:"time"`
	Kind        string    `json:"kind"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Command     string    `json:"command,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	Decision    string    `json:"decision,omitempty"`
	State       string    `json:"state,omitempty"`
	RetryInSec  float64   `json:"retry_in_sec,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// Log is an append-only decision log. Writes are best-effort: failures
// are logged and never surface to the caller.
type Log struct {
	mu   sync.Mutex
	path string
	prev string
	log  *zap.Logger
}

// Open prepares the log at path, picking the hash chain back up from the
// last existing record.
func Open(path string, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{path: path, log: logger}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("audit log directory unavailable", zap.String("path", path), zap.Error(err))
		return l
	}
	l.prev = lastHash(path, logger)
	return l
}

// Gate records a breaker admission decision for one fingerprint.
func (l *Log) Gate(fp, preview string, d breaker.Decision) {
	decision := "allow"
	switch {
	case !d.Allowed:
		decision = "block"
	case d.State == breaker.StateHalfOpen:
		decision = "probe"
	}
	l.append(Record{
		Time:        time.Now().UTC(),
		Kind:        KindGate,
		Fingerprint: fp,
		Command:     preview,
		Decision:    decision,
		State:       string(d.State),
		RetryInSec:  d.RetryIn.Seconds(),
	})
}

// Outcome records a terminal task result.
func (l *Log) Outcome(taskID, fp string, status models.TaskStatus, exitCode int, durationMs int64) {
	ec := exitCode
	l.append(Record{
		Time:        time.Now().UTC(),
		Kind:        KindOutcome,
		TaskID:      taskID,
		Fingerprint: fp,
		Outcome:     string(status),
		ExitCode:    &ec,
		DurationMs:  durationMs,
	})
}

func (l *Log) append(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.PrevHash = l.prev
	rec.Hash = ""
	payload, err := json.Marshal(rec)
	if err != nil {
		l.log.Warn("audit record not serializable", zap.Error(err))
		return
	}
	rec.Hash = seal(payload)

	line, err := json.Marshal(rec)
	if err != nil {
		l.log.Warn("audit record not serializable", zap.Error(err))
		return
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.log.Warn("audit log not writable", zap.String("path", l.path), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.log.Warn("audit append failed", zap.Error(err))
		return
	}
	l.prev = rec.Hash
}

// seal hashes one record's canonical JSON. PrevHash sits inside the
// payload, which is what chains the records together.
func seal(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func lastHash(path string, logger *zap.Logger) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if last == "" {
		return ""
	}
	var rec Record
	if err := json.Unmarshal([]byte(last), &rec); err != nil {
		logger.Warn("audit log tail unreadable, restarting chain", zap.Error(err))
		return ""
	}
	return rec.Hash
}
