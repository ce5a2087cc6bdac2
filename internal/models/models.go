// Package models defines the core domain types for Leash.
package models

import "time"

// TaskStatus represents the current state of a live task.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusTimeout   TaskStatus = "timeout"
	TaskStatusKilled    TaskStatus = "killed"
	TaskStatusError     TaskStatus = "error"
	// TaskStatusRefused marks a run the circuit breaker rejected. No task
	// was spawned and no task ID exists.
	TaskStatusRefused TaskStatus = "refused"
)

// Terminal reports whether a status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusTimeout, TaskStatusKilled, TaskStatusError:
		return true
	}
	return false
}

// Outcome classifies a finished execution for the learning store.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
	OutcomeKilled  Outcome = "killed"
)

// DeriveOutcome reconstructs an outcome from the fields every observation
// row has carried since v1. Rows written before the outcome column existed
// classify through this.
func DeriveOutcome(exitCode int, timedOut bool) Outcome {
	if timedOut {
		return OutcomeTimeout
	}
	if exitCode == 0 {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// InsightLevel is the severity of an insight.
type InsightLevel string

const (
	InsightInfo    InsightLevel = "info"
	InsightWarning InsightLevel = "warning"
)

// Insight is one advisory note attached to a run or poll result.
type Insight struct {
	Level   InsightLevel `json:"level"`
	Message string       `json:"message"`
}

// Info builds an info-level insight.
func Info(message string) Insight { return Insight{Level: InsightInfo, Message: message} }

// Warning builds a warning-level insight.
func Warning(message string) Insight { return Insight{Level: InsightWarning, Message: message} }

// RunRequest is the input to the run operation.
type RunRequest struct {
	Command       string  `json:"command"`
	Description   string  `json:"description,omitempty"`
	TimeoutSec    int     `json:"timeout_sec,omitempty"`
	YieldAfterSec float64 `json:"yield_after_sec,omitempty"`
	PTY           bool    `json:"pty,omitempty"`
}

// Refusal describes a run the circuit breaker turned away.
type Refusal struct {
	Fingerprint string `json:"fingerprint"`
	State       string `json:"state"`
	RetryInSec  int    `json:"retry_in_sec"`
	Message     string `json:"message"`
}

// DurationEstimate summarizes historical durations for a command template.
type DurationEstimate struct {
	MedianMs int64 `json:"median_ms"`
	P90Ms    int64 `json:"p90_ms"`
	Samples  int   `json:"samples"`
	// CompletionProbability is the fraction of historical runs that had
	// finished by the current elapsed time. Set on poll results.
	CompletionProbability float64 `json:"completion_probability,omitempty"`
}

// KillClass categorizes a kill against the template's duration history.
type KillClass string

const (
	KillEarly          KillClass = "early_kill"
	KillLate           KillClass = "late_kill"
	KillNormal         KillClass = "normal_kill"
	KillPatternProblem KillClass = "pattern_problem"
	KillUnknown        KillClass = "unknown"
)

// KillClassification is the learning store's read on a kill.
type KillClassification struct {
	Class   KillClass `json:"class"`
	Message string    `json:"message"`
}

// RunResult is the response shape for run, poll, send and kill.
type RunResult struct {
	TaskID      string     `json:"task_id,omitempty"`
	Command     string     `json:"command"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	PTY         bool       `json:"pty,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Pipestatus  []int      `json:"pipestatus,omitempty"`
	// Output holds bytes not yet delivered to the caller, possibly
	// truncated. TotalOutputBytes counts everything collected so far.
	Output           string            `json:"output"`
	OutputTruncated  bool              `json:"output_truncated,omitempty"`
	TotalOutputBytes int               `json:"total_output_bytes"`
	ElapsedMs        int64             `json:"elapsed_ms"`
	TimeoutSec       int               `json:"timeout_sec"`
	PollCount        int               `json:"poll_count"`
	IdlePolls        int               `json:"idle_polls"`
	HasStdin         bool              `json:"has_stdin"`
	Estimate         *DurationEstimate `json:"estimate,omitempty"`
	Suggestion       string            `json:"suggestion,omitempty"`
	Insights         []Insight         `json:"insights,omitempty"`
	Refusal          *Refusal          `json:"refusal,omitempty"`
}

// TaskSnapshot is the registry view returned by list_tasks.
type TaskSnapshot struct {
	TaskID           string     `json:"task_id"`
	Command          string     `json:"command"`
	Description      string     `json:"description,omitempty"`
	Status           TaskStatus `json:"status"`
	PTY              bool       `json:"pty,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	ElapsedMs        int64      `json:"elapsed_ms"`
	TimeoutSec       int        `json:"timeout_sec"`
	PollCount        int        `json:"poll_count"`
	TotalOutputBytes int        `json:"total_output_bytes"`
}

// Execution is one finished run handed to the learning store.
type Execution struct {
	SessionID     string
	Command       string
	ExitCode      int
	DurationMs    int64
	TimedOut      bool
	Outcome       Outcome // empty means derive from ExitCode/TimedOut
	KillElapsedMs *int64
	Pipestatus    []int
	Stdout        string
	Stderr        string
}

// BreakerStatus reports one fingerprint's circuit state.
type BreakerStatus struct {
	Fingerprint    string    `json:"fingerprint"`
	Preview        string    `json:"preview,omitempty"`
	State          string    `json:"state"`
	WindowTimeouts int       `json:"window_timeouts"`
	RetryInSec     int       `json:"retry_in_sec,omitempty"`
	LastTransition time.Time `json:"last_transition"`
}

// SessionStats aggregates the current daemon session.
type SessionStats struct {
	SessionID     string  `json:"session_id"`
	Commands      int     `json:"commands"`
	Successes     int     `json:"successes"`
	Failures      int     `json:"failures"`
	Timeouts      int     `json:"timeouts"`
	Retries       int     `json:"retries"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs int64   `json:"avg_duration_ms"`
}

// PatternActivity is one entry in the hot-pattern list.
type PatternActivity struct {
	Template      string  `json:"template"`
	Weight        float64 `json:"weight"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs int64   `json:"avg_duration_ms"`
}

// LearnStats is the learning store's aggregate view.
type LearnStats struct {
	TotalObservations int64             `json:"total_observations"`
	DistinctTemplates int64             `json:"distinct_templates"`
	TotalWeight       float64           `json:"total_weight"`
	OldestObservation *time.Time        `json:"oldest_observation,omitempty"`
	NewestObservation *time.Time        `json:"newest_observation,omitempty"`
	Session           SessionStats      `json:"session"`
	HotPatterns       []PatternActivity `json:"hot_patterns,omitempty"`
}

// PatternStats answers a learning query for one command template.
type PatternStats struct {
	Template      string  `json:"template"`
	Known         bool    `json:"known"`
	Observations  float64 `json:"observations"` // decayed weight sum
	SuccessRate   float64 `json:"success_rate"`
	TimeoutRate   float64 `json:"timeout_rate"`
	AvgDurationMs int64   `json:"avg_duration_ms"`
	Streak        int     `json:"streak"`
}

// HealthStatus is the health endpoint payload.
type HealthStatus struct {
	OK           bool      `json:"ok"`
	DB           string    `json:"db"`
	Version      string    `json:"version"`
	Time         time.Time `json:"time"`
	SessionID    string    `json:"session_id"`
	Shell        string    `json:"shell"`
	ActiveTasks  int       `json:"active_tasks"`
	OpenCircuits int       `json:"open_circuits"`
	Observations int64     `json:"observations"`
}
