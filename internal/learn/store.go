// Package learn provides the SQLite-backed learning store: a time-decayed
// history of command executions and the statistics the insight layer
// reads from it. Observation weight decays with a configurable half-life
// and is always computed at read time from the row's age; fully decayed
// rows are pruned opportunistically on the write path.
package learn

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fentz26/leash/internal/config"
	"github.com/fentz26/leash/internal/fingerprint"
	"github.com/fentz26/leash/internal/models"
)

const previewLimit = 200

// Store provides access to the learning database.
type Store struct {
	db  *sql.DB
	cfg config.LearnConfig
	log *zap.Logger

	snippetLimit int
}

// New opens (or creates) the learning database and runs migrations.
func New(dbPath string, cfg config.LearnConfig, logger *zap.Logger) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency. _time_format=sqlite makes
	// bound time.Time values readable by SQLite's date functions, which the
	// decay arithmetic depends on.
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, cfg: cfg, log: logger, snippetLimit: 500}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// SetSnippetLimit bounds how many bytes of stdout/stderr one observation
// keeps.
func (s *Store) SetSnippetLimit(n int) {
	if n > 0 {
		s.snippetLimit = n
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) halfLifeHours() float64 {
	h := s.cfg.HalfLife.Hours()
	if h <= 0 {
		h = 24
	}
	return h
}

// DecayWeight is the read-time weight of an observation of the given age.
func DecayWeight(age time.Duration, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		halfLife = 24 * time.Hour
	}
	return math.Pow(0.5, age.Hours()/halfLife.Hours())
}

// --- Recording ---

// Record stores one finished execution: the long-term observation, the
// session-scoped recent entry, the per-template streak, an SSH row when
// the command is an ssh invocation, and per-segment rows when the
// command was a pipeline whose pipestatus is fully known. A prune runs
// afterwards if one is due.
func (s *Store) Record(ex models.Execution) error {
	outcome := ex.Outcome
	if outcome == "" {
		outcome = models.DeriveOutcome(ex.ExitCode, ex.TimedOut)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin record: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	obsID, err := s.insertObservation(tx, observationRow{
		fingerprint:   fingerprint.Hash(ex.Command),
		template:      fingerprint.Template(ex.Command),
		preview:       fingerprint.Preview(ex.Command, previewLimit),
		exitCode:      ex.ExitCode,
		durationMs:    ex.DurationMs,
		timedOut:      ex.TimedOut,
		outcome:       outcome,
		killElapsedMs: ex.KillElapsedMs,
		stdout:        ex.Stdout,
		stderr:        ex.Stderr,
		createdAt:     now,
	})
	if err != nil {
		return err
	}

	if err := s.insertRecent(tx, ex.SessionID, ex.Command, ex.ExitCode, ex.DurationMs, ex.TimedOut, outcome, now); err != nil {
		return err
	}
	if err := updateStreak(tx, fingerprint.Template(ex.Command), outcome == models.OutcomeSuccess, now); err != nil {
		return err
	}
	if err := s.recordSSH(tx, obsID, ex, now); err != nil {
		return err
	}

	// Pipeline segments get their own observations when every segment's
	// exit code is known.
	if len(ex.Pipestatus) > 1 {
		segments := fingerprint.SplitPipeline(ex.Command)
		if len(segments) == len(ex.Pipestatus) {
			for i, seg := range segments {
				segExit := ex.Pipestatus[i]
				segOutcome := models.DeriveOutcome(segExit, false)
				if _, err := s.insertObservation(tx, observationRow{
					fingerprint: fingerprint.Hash(seg),
					template:    fingerprint.Template(seg),
					preview:     fingerprint.Preview(seg, previewLimit),
					exitCode:    segExit,
					outcome:     segOutcome,
					createdAt:   now,
				}); err != nil {
					return err
				}
				if err := s.insertRecent(tx, ex.SessionID, seg, segExit, 0, false, segOutcome, now); err != nil {
					return err
				}
				if err := updateStreak(tx, fingerprint.Template(seg), segOutcome == models.OutcomeSuccess, now); err != nil {
					return err
				}
			}
		}
	}

	// Recents only serve the retry window; keep ten windows of history.
	cutoff := epochSeconds(now) - 10*s.cfg.RecentWindow.Seconds()
	if _, err := tx.Exec(`DELETE FROM recent_commands WHERE recorded_at < ?`, cutoff); err != nil {
		return fmt.Errorf("trim recents: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}

	s.maybePrune()
	return nil
}

type observationRow struct {
	fingerprint   string
	template      string
	preview       string
	exitCode      int
	durationMs    int64
	timedOut      bool
	outcome       models.Outcome
	killElapsedMs *int64
	stdout        string
	stderr        string
	createdAt     time.Time
}

func (s *Store) insertObservation(tx *sql.Tx, row observationRow) (string, error) {
	id := uuid.New().String()
	_, err := tx.Exec(
		`INSERT INTO observations
		 (id, fingerprint, template, preview, exit_code, duration_ms, timed_out,
		  outcome_type, kill_elapsed_ms, stdout_snippet, stderr_snippet, weight, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1.0, ?)`,
		id, row.fingerprint, row.template, row.preview, row.exitCode, row.durationMs,
		boolInt(row.timedOut), string(row.outcome), row.killElapsedMs,
		nullableSnippet(row.stdout, s.snippetLimit), nullableSnippet(row.stderr, s.snippetLimit),
		row.createdAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert observation: %w", err)
	}
	return id, nil
}

func (s *Store) insertRecent(tx *sql.Tx, sessionID, command string, exitCode int, durationMs int64, timedOut bool, outcome models.Outcome, now time.Time) error {
	_, err := tx.Exec(
		`INSERT INTO recent_commands
		 (session_id, fingerprint, template, preview, recorded_at, duration_ms,
		  exit_code, timed_out, success, outcome_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, fingerprint.Hash(command), fingerprint.Template(command),
		fingerprint.Preview(command, previewLimit), epochSeconds(now), durationMs,
		exitCode, boolInt(timedOut), boolInt(outcome == models.OutcomeSuccess), string(outcome),
	)
	if err != nil {
		return fmt.Errorf("insert recent: %w", err)
	}
	return nil
}

// updateStreak continues or flips the signed per-template streak counter.
func updateStreak(tx *sql.Tx, template string, success bool, now time.Time) error {
	if template == "" {
		return nil
	}

	var current, longestSuccess, longestFail, lastResult int64
	err := tx.QueryRow(
		`SELECT current, longest_success, longest_fail, last_result FROM streaks WHERE template = ?`,
		template,
	).Scan(&current, &longestSuccess, &longestFail, &lastResult)

	if err == sql.ErrNoRows {
		initial := int64(-1)
		initialSuccess, initialFail := int64(0), int64(1)
		if success {
			initial, initialSuccess, initialFail = 1, 1, 0
		}
		_, err = tx.Exec(
			`INSERT INTO streaks (template, current, longest_success, longest_fail, last_result, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			template, initial, initialSuccess, initialFail, boolInt(success), epochSeconds(now),
		)
		if err != nil {
			return fmt.Errorf("insert streak: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("query streak: %w", err)
	}

	resultBit := int64(boolInt(success))
	if resultBit == lastResult {
		if success {
			current++
			if current > longestSuccess {
				longestSuccess = current
			}
		} else {
			current--
			if -current > longestFail {
				longestFail = -current
			}
		}
	} else {
		if success {
			current = 1
		} else {
			current = -1
		}
	}

	_, err = tx.Exec(
		`UPDATE streaks SET current = ?, longest_success = ?, longest_fail = ?, last_result = ?, updated_at = ?
		 WHERE template = ?`,
		current, longestSuccess, longestFail, resultBit, epochSeconds(now), template,
	)
	if err != nil {
		return fmt.Errorf("update streak: %w", err)
	}
	return nil
}

func classifySSHExit(exitCode int) string {
	switch {
	case exitCode == 0:
		return "success"
	case exitCode == 255:
		return "connection_failed"
	case exitCode >= 1 && exitCode <= 254:
		return "command_failed"
	default:
		return "unknown"
	}
}

func (s *Store) recordSSH(tx *sql.Tx, observationID string, ex models.Execution, now time.Time) error {
	info := fingerprint.ParseSSH(ex.Command)
	if info == nil {
		return nil
	}

	remoteTemplate := ""
	if info.RemoteCommand != "" {
		remoteTemplate = fingerprint.Template(info.RemoteCommand)
	}
	_, err := tx.Exec(
		`INSERT INTO ssh_observations
		 (id, observation_id, host, user, port, remote_template, exit_class,
		  exit_code, timed_out, weight, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1.0, ?)`,
		uuid.New().String(), observationID, info.Host, info.User, info.Port,
		remoteTemplate, classifySSHExit(ex.ExitCode), ex.ExitCode, boolInt(ex.TimedOut), now,
	)
	if err != nil {
		return fmt.Errorf("insert ssh observation: %w", err)
	}
	return nil
}

// --- Pruning ---

// maybePrune runs a prune when the last one is older than the configured
// interval. Failures are logged and swallowed; pruning is housekeeping,
// never a reason to fail a write.
func (s *Store) maybePrune() {
	var last string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'last_prune'`).Scan(&last)
	if err == nil {
		if t, perr := time.Parse(time.RFC3339, last); perr == nil {
			if time.Since(t) < s.cfg.PruneInterval {
				return
			}
		}
	} else if err != sql.ErrNoRows {
		s.log.Warn("read last_prune", zap.Error(err))
		return
	}

	if err := s.prune(); err != nil {
		s.log.Warn("opportunistic prune failed", zap.Error(err))
	}
}

// prune deletes observations whose decayed weight fell below the
// threshold, enforces the max-entry cap keeping the heaviest (newest)
// rows, and drops SSH rows that lost their parent observation.
func (s *Store) prune() error {
	now := time.Now().UTC()

	if thr := s.cfg.PruneThreshold; thr > 0 && thr < 1 {
		// weight < threshold is the same as age > half_life * log2(1/threshold)
		maxAgeHours := s.halfLifeHours() * math.Log2(1.0/thr)
		cutoff := now.Add(-time.Duration(maxAgeHours * float64(time.Hour)))

		if _, err := s.db.Exec(`DELETE FROM observations WHERE created_at < ?`, cutoff); err != nil {
			return fmt.Errorf("prune observations: %w", err)
		}
		if _, err := s.db.Exec(`DELETE FROM ssh_observations WHERE created_at < ?`, cutoff); err != nil {
			return fmt.Errorf("prune ssh observations: %w", err)
		}
	}

	if max := s.cfg.MaxObservations; max > 0 {
		_, err := s.db.Exec(
			`DELETE FROM observations WHERE id NOT IN (
				SELECT id FROM observations ORDER BY created_at DESC LIMIT ?
			)`, max)
		if err != nil {
			return fmt.Errorf("enforce max observations: %w", err)
		}
	}

	if _, err := s.db.Exec(
		`DELETE FROM ssh_observations
		 WHERE observation_id IS NOT NULL
		   AND observation_id NOT IN (SELECT id FROM observations)`); err != nil {
		return fmt.Errorf("prune orphaned ssh observations: %w", err)
	}

	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO meta (key, value) VALUES ('last_prune', ?)`,
		now.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record last_prune: %w", err)
	}
	return nil
}

// --- Manopt cache ---

// ManoptGet returns the cached option table for a base command.
func (s *Store) ManoptGet(baseCommand string) (string, bool, error) {
	var text string
	err := s.db.QueryRow(
		`SELECT options_text FROM manopt_cache WHERE base_command = ?`, baseCommand,
	).Scan(&text)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query manopt cache: %w", err)
	}
	return text, true, nil
}

// ManoptPut caches an option table. Write-once: a concurrent lookup that
// lost the race leaves the existing row alone.
func (s *Store) ManoptPut(baseCommand, text string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO manopt_cache (base_command, options_text, created_at) VALUES (?, ?, ?)`,
		baseCommand, text, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert manopt cache: %w", err)
	}
	return nil
}

// ManoptInvalidate drops a cached option table so the next lookup
// re-parses the man page. Invalidating an uncached base is a no-op.
func (s *Store) ManoptInvalidate(baseCommand string) error {
	_, err := s.db.Exec(`DELETE FROM manopt_cache WHERE base_command = ?`, baseCommand)
	if err != nil {
		return fmt.Errorf("invalidate manopt cache: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// epochSeconds keeps sub-second precision so same-second runs still
// order correctly in the recents window.
func epochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func nullableSnippet(text string, limit int) interface{} {
	if text == "" {
		return nil
	}
	if len(text) > limit {
		text = text[:limit]
	}
	return text
}
