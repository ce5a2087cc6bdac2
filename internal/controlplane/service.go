// Package controlplane provides the HTTP API and service layer for leash.
package controlplane

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/leash/internal/audit"
	"github.com/fentz26/leash/internal/breaker"
	"github.com/fentz26/leash/internal/config"
	"github.com/fentz26/leash/internal/executor"
	"github.com/fentz26/leash/internal/fingerprint"
	"github.com/fentz26/leash/internal/insight"
	"github.com/fentz26/leash/internal/learn"
	"github.com/fentz26/leash/internal/manopt"
	"github.com/fentz26/leash/internal/models"
	"github.com/fentz26/leash/internal/shells"
)

const previewLen = 50

// Service orchestrates runs end to end: breaker gate, pre-execution
// insights, spawn, and on every terminal outcome the learning store,
// the breaker report, the audit record and post-execution insights.
type Service struct {
	cfg       config.Config
	sessionID string
	version   string
	detection shells.Detection

	store    *learn.Store
	circuits *breaker.Breaker
	insights *insight.Engine
	manopt   *manopt.Runner
	auditLog *audit.Log
	log      *zap.Logger

	exec *executor.Executor
}

// NewService builds the service and its collaborators around one store.
// It registers itself as the executor's observer so asynchronous
// terminations (timeouts with no caller polling) are still recorded.
func NewService(cfg config.Config, sessionID, version string, store *learn.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	det := shells.Detect()
	s := &Service{
		cfg:       cfg,
		sessionID: sessionID,
		version:   version,
		detection: det,
		store:     store,
		circuits:  breaker.New(cfg.Breaker.Threshold, cfg.Breaker.Window, cfg.Breaker.Cooldown),
		insights:  insight.New(store, cfg, logger),
		manopt:    manopt.NewRunner(store, cfg.Manopt, det, logger),
		auditLog:  audit.Open(cfg.AuditPath, logger),
		log:       logger,
	}
	s.exec = executor.New(det.Shell, cfg, s, logger)
	return s
}

// Run admits a command through the circuit breaker and starts it. A
// rejected run is a domain outcome, not an error: the result carries
// status refused and the refusal details.
func (s *Service) Run(req models.RunRequest) (*models.RunResult, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return nil, executor.ErrEmptyCommand
	}

	fp := fingerprint.Hash(command)
	preview := fingerprint.Preview(command, previewLen)
	decision := s.circuits.Allow(fp, preview)
	s.auditLog.Gate(fp, preview, decision)
	if !decision.Allowed {
		s.log.Info("run refused",
			zap.String("fingerprint", fp),
			zap.String("command", preview),
			zap.Duration("retry_in", decision.RetryIn))
		return &models.RunResult{
			Command: command,
			Status:  models.TaskStatusRefused,
			Refusal: &models.Refusal{
				Fingerprint: fp,
				State:       string(decision.State),
				RetryInSec:  int(math.Ceil(decision.RetryIn.Seconds())),
				Message:     decision.Message,
			},
		}, nil
	}

	pre := s.insights.Pre(s.sessionID, command)
	res, err := s.exec.Start(req)
	if err != nil {
		return nil, err
	}
	res.Insights = append(pre, res.Insights...)
	return res, nil
}

// Poll returns new output or the terminal result for a task.
func (s *Service) Poll(taskID string) (*models.RunResult, error) {
	return s.exec.Poll(taskID)
}

// Send writes input to a running task's stdin.
func (s *Service) Send(taskID, input string) (*models.RunResult, error) {
	return s.exec.Send(taskID, input)
}

// Kill terminates a task and returns its terminal result.
func (s *Service) Kill(taskID string) (*models.RunResult, error) {
	return s.exec.Kill(taskID)
}

// Tasks lists every task in the registry, including undelivered
// terminal results.
func (s *Service) Tasks() []models.TaskSnapshot {
	return s.exec.List()
}

// LearnStats returns the learning store's aggregate view.
func (s *Service) LearnStats() (*models.LearnStats, error) {
	return s.store.Stats(s.sessionID)
}

// LearnQuery answers what the store knows about one command.
func (s *Service) LearnQuery(command string) (*models.PatternStats, error) {
	return s.store.Query(command)
}

// BreakerStatus reports every tracked circuit.
func (s *Service) BreakerStatus() []models.BreakerStatus {
	return s.circuits.Status()
}

// BreakerReset closes circuits. An empty fingerprint resets all of them;
// found is false when a named fingerprint is unknown.
func (s *Service) BreakerReset(fp string) (reset int, found bool) {
	if fp == "" {
		return s.circuits.ResetAll(), true
	}
	if s.circuits.Reset(fp) {
		return 1, true
	}
	return 0, false
}

// Health assembles the health payload.
func (s *Service) Health() models.HealthStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok := true
	db := "ok"
	if err := s.store.Ping(ctx); err != nil {
		ok = false
		db = err.Error()
	}
	obs, err := s.store.TotalObservations()
	if err != nil {
		s.log.Debug("observation count unavailable", zap.Error(err))
	}
	return models.HealthStatus{
		OK:           ok,
		DB:           db,
		Version:      s.version,
		Time:         time.Now().UTC(),
		SessionID:    s.sessionID,
		Shell:        s.detection.Shell.Name(),
		ActiveTasks:  s.exec.ActiveCount(),
		OpenCircuits: s.circuits.OpenCount(),
		Observations: obs,
	}
}

// Shutdown kills every live task, waits for their bookkeeping, then
// stops the background lookups. The executor goes first so no further
// manopt triggers arrive after the runner closes.
func (s *Service) Shutdown() {
	s.exec.Shutdown()
	s.manopt.Close()
}

// TaskFinished implements executor.Observer. It runs on the task's
// supervisor goroutine before the terminal result becomes deliverable,
// so a caller never sees an outcome that was not recorded.
func (s *Service) TaskFinished(o executor.Outcome) []models.Insight {
	fp := fingerprint.Hash(o.Command)

	ex := models.Execution{
		SessionID:     s.sessionID,
		Command:       o.Command,
		ExitCode:      o.ExitCode,
		DurationMs:    o.DurationMs,
		TimedOut:      o.Status == models.TaskStatusTimeout,
		Outcome:       outcomeOf(o.Status),
		KillElapsedMs: o.KillElapsedMs,
		Pipestatus:    o.Pipestatus,
		Stdout:        o.Output,
	}
	if o.Status == models.TaskStatusKilled && o.KillElapsedMs != nil {
		// The caller decided at this elapsed time; the remainder was
		// teardown overhead.
		ex.DurationMs = *o.KillElapsedMs
	}
	if err := s.store.Record(ex); err != nil {
		s.log.Warn("outcome not recorded",
			zap.String("task_id", o.TaskID),
			zap.Error(err))
	}

	switch o.Status {
	case models.TaskStatusTimeout:
		s.circuits.RecordTimeout(fp)
	case models.TaskStatusCompleted, models.TaskStatusError:
		// A kill reports neither: the command never showed its nature.
		s.circuits.RecordSuccess(fp)
	}

	s.auditLog.Outcome(o.TaskID, fp, o.Status, o.ExitCode, o.DurationMs)

	var insights []models.Insight
	switch o.Status {
	case models.TaskStatusKilled:
		if o.KillElapsedMs != nil {
			kc := s.store.ClassifyKill(o.Command, *o.KillElapsedMs)
			if kc.Message != "" {
				build := models.Info
				if kc.Class == models.KillPatternProblem || kc.Class == models.KillLate {
					build = models.Warning
				}
				insights = append(insights, build(kc.Message))
			}
		}
	case models.TaskStatusCompleted, models.TaskStatusError:
		insights = s.insights.Post(o.Command, o.Pipestatus, o.Output)
	}

	s.maybeTriggerManopt(o)
	return insights
}

// DurationEstimate implements executor.Observer.
func (s *Service) DurationEstimate(command string) *learn.Estimate {
	est, err := s.store.DurationEstimate(command)
	if err != nil {
		s.log.Debug("duration estimate unavailable", zap.Error(err))
		return nil
	}
	return est
}

// maybeTriggerManopt asks for a man-page option table exactly on the
// configured consecutive-failure count for the template. Timeouts and
// kills do not count as failures here.
func (s *Service) maybeTriggerManopt(o executor.Outcome) {
	if o.Status != models.TaskStatusError {
		return
	}
	n, err := s.store.ConsecutiveTemplateFailures(s.sessionID, fingerprint.Template(o.Command))
	if err != nil || n != s.cfg.Manopt.FailTrigger {
		return
	}
	s.manopt.MaybeLookup(o.Command)
}

func outcomeOf(status models.TaskStatus) models.Outcome {
	switch status {
	case models.TaskStatusCompleted:
		return models.OutcomeSuccess
	case models.TaskStatusTimeout:
		return models.OutcomeTimeout
	case models.TaskStatusKilled:
		return models.OutcomeKilled
	default:
		return models.OutcomeFailure
	}
}
