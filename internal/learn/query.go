package learn

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/leash/internal/fingerprint"
	"github.com/fentz26/leash/internal/models"
)

// decayedObs selects observations with their read-time decayed weight.
// Callers bind the half-life in hours as the first parameter.
const decayedObs = `
	SELECT template, exit_code, duration_ms, timed_out, outcome_type,
	       POWER(0.5, (JULIANDAY('now') - JULIANDAY(created_at)) * 24.0 / ?) AS w
	FROM observations`

// --- Duration estimates ---

// Estimate carries the rank statistics for a template plus the sorted
// sample durations, so completion probability at any elapsed time can be
// computed without going back to the database.
type Estimate struct {
	models.DurationEstimate
	Durations []int64 // ascending
}

// CompletionProbability is the fraction of historical runs that finished
// within the given elapsed time.
func (e *Estimate) CompletionProbability(elapsedMs int64) float64 {
	if e == nil || len(e.Durations) == 0 {
		return 0
	}
	done := 0
	for _, d := range e.Durations {
		if d <= elapsedMs {
			done++
		}
	}
	return float64(done) / float64(len(e.Durations))
}

// DurationEstimate computes rank-based median and p90 durations for the
// command's template. Only completed runs count: timeouts and kills are
// censored durations and would poison the estimate. Returns nil when
// fewer than three samples exist.
func (s *Store) DurationEstimate(command string) (*Estimate, error) {
	template := fingerprint.Template(command)
	if template == "" {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT duration_ms FROM observations
		 WHERE template = ? AND duration_ms > 0 AND timed_out = 0
		   AND (outcome_type IS NULL OR outcome_type IN ('success', 'failure'))
		 ORDER BY duration_ms ASC`,
		template,
	)
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()

	var durations []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		durations = append(durations, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	n := len(durations)
	if n < 3 {
		return nil, nil
	}

	p90Idx := int(0.9 * float64(n))
	if p90Idx > n-1 {
		p90Idx = n - 1
	}
	return &Estimate{
		DurationEstimate: models.DurationEstimate{
			MedianMs: durations[n/2],
			P90Ms:    durations[p90Idx],
			Samples:  n,
		},
		Durations: durations,
	}, nil
}

// --- Kill classification ---

// ClassifyKill grades a kill against the template's history. A pattern
// that gets killed more often than not is flagged regardless of timing;
// otherwise the kill is early, late or normal relative to the median
// duration, or unknown without an estimate.
func (s *Store) ClassifyKill(command string, killElapsedMs int64) models.KillClassification {
	template := fingerprint.Template(command)

	var total, kills int64
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome_type = 'killed' THEN 1 ELSE 0 END), 0)
		 FROM observations WHERE template = ?`,
		template,
	).Scan(&total, &kills)
	if err == nil && kills >= 3 && total > 0 && float64(kills)/float64(total) > 0.5 {
		return models.KillClassification{
			Class:   models.KillPatternProblem,
			Message: fmt.Sprintf("Killed %d of %d runs of this pattern. Pattern problem?", kills, total),
		}
	}

	est, err := s.DurationEstimate(command)
	if err != nil || est == nil {
		return models.KillClassification{
			Class:   models.KillUnknown,
			Message: "No duration history for this pattern yet.",
		}
	}

	killSec := float64(killElapsedMs) / 1000.0
	medianSec := float64(est.MedianMs) / 1000.0
	ratio := float64(killElapsedMs) / float64(est.MedianMs)

	switch {
	case ratio < 0.5:
		return models.KillClassification{
			Class:   models.KillEarly,
			Message: fmt.Sprintf("Killed at %.1fs. This typically runs ~%.1fs. Early kill.", killSec, medianSec),
		}
	case ratio > 2.0:
		return models.KillClassification{
			Class:   models.KillLate,
			Message: fmt.Sprintf("Killed at %.1fs, past 2x the typical ~%.1fs. Likely hung.", killSec, medianSec),
		}
	default:
		return models.KillClassification{
			Class:   models.KillNormal,
			Message: fmt.Sprintf("Killed at %.1fs, near the typical ~%.1fs.", killSec, medianSec),
		}
	}
}

// --- Streaks and recents ---

// StreakInfo is the per-template streak state. Current is signed:
// positive counts successes in a row, negative failures.
type StreakInfo struct {
	Current        int64
	LongestSuccess int64
	LongestFail    int64
}

// Streak returns the streak state for a template, or nil when the
// template has never been recorded.
func (s *Store) Streak(template string) (*StreakInfo, error) {
	var st StreakInfo
	err := s.db.QueryRow(
		`SELECT current, longest_success, longest_fail FROM streaks WHERE template = ?`,
		template,
	).Scan(&st.Current, &st.LongestSuccess, &st.LongestFail)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query streak: %w", err)
	}
	return &st, nil
}

// RecentExact returns the success flags of recent runs with the same
// fingerprint inside the window, newest first.
func (s *Store) RecentExact(fp string, window time.Duration) ([]bool, error) {
	windowStart := epochSeconds(time.Now()) - window.Seconds()
	rows, err := s.db.Query(
		`SELECT success FROM recent_commands
		 WHERE fingerprint = ? AND recorded_at > ?
		 ORDER BY recorded_at DESC`,
		fp, windowStart,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent exact: %w", err)
	}
	defer rows.Close()

	var out []bool
	for rows.Next() {
		var success int
		if err := rows.Scan(&success); err != nil {
			return nil, fmt.Errorf("scan recent: %w", err)
		}
		out = append(out, success == 1)
	}
	return out, rows.Err()
}

// RecentRun is one entry from the recent-command window.
type RecentRun struct {
	Preview string
	Success bool
}

// RecentSimilar returns recent runs sharing the template but not the
// exact fingerprint, newest first, capped at limit.
func (s *Store) RecentSimilar(template, excludeFP string, window time.Duration, limit int) ([]RecentRun, error) {
	windowStart := epochSeconds(time.Now()) - window.Seconds()
	rows, err := s.db.Query(
		`SELECT preview, success FROM recent_commands
		 WHERE template = ? AND fingerprint != ? AND recorded_at > ?
		 ORDER BY recorded_at DESC LIMIT ?`,
		template, excludeFP, windowStart, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent similar: %w", err)
	}
	defer rows.Close()

	var out []RecentRun
	for rows.Next() {
		var r RecentRun
		var success int
		if err := rows.Scan(&r.Preview, &success); err != nil {
			return nil, fmt.Errorf("scan recent similar: %w", err)
		}
		r.Success = success == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// ConsecutiveTemplateFailures counts, from the most recent run backwards,
// how many this-session runs of the template failed outright in a row.
// Timeouts and kills break the chain: an option table will not fix a
// hang.
func (s *Store) ConsecutiveTemplateFailures(sessionID, template string) (int, error) {
	rows, err := s.db.Query(
		`SELECT exit_code, timed_out, outcome_type FROM recent_commands
		 WHERE session_id = ? AND template = ?
		 ORDER BY recorded_at DESC LIMIT 10`,
		sessionID, template,
	)
	if err != nil {
		return 0, fmt.Errorf("query template failures: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var exitCode, timedOut int
		var outcome sql.NullString
		if err := rows.Scan(&exitCode, &timedOut, &outcome); err != nil {
			return 0, fmt.Errorf("scan template failure: %w", err)
		}

		o := models.Outcome(outcome.String)
		if !outcome.Valid || o == "" {
			o = models.DeriveOutcome(exitCode, timedOut == 1)
		}
		if o != models.OutcomeFailure {
			break
		}
		count++
	}
	return count, rows.Err()
}

// --- Pattern statistics ---

// TemplateStats are decayed aggregates for one template.
type TemplateStats struct {
	Observations  int64
	WeightedTotal float64
	SuccessRate   float64
	TimeoutRate   float64
	AvgDurationMs *float64
}

// TemplateStats returns decayed statistics for a template, or nil when
// nothing has been recorded for it.
func (s *Store) TemplateStats(template string) (*TemplateStats, error) {
	var (
		total         int64
		weightedTotal sql.NullFloat64
		timeoutWeight sql.NullFloat64
		successWeight sql.NullFloat64
		avgDuration   sql.NullFloat64
	)
	err := s.db.QueryRow(
		`WITH weighted AS (`+decayedObs+` WHERE template = ?)
		 SELECT COUNT(*),
		        SUM(w),
		        SUM(CASE WHEN timed_out = 1 THEN w ELSE 0 END),
		        SUM(CASE WHEN exit_code = 0 AND timed_out = 0 THEN w ELSE 0 END),
		        AVG(duration_ms)
		 FROM weighted`,
		s.halfLifeHours(), template,
	).Scan(&total, &weightedTotal, &timeoutWeight, &successWeight, &avgDuration)
	if err != nil {
		return nil, fmt.Errorf("query template stats: %w", err)
	}
	if total == 0 {
		return nil, nil
	}

	denom := weightedTotal.Float64
	if denom <= 0 {
		denom = 1
	}
	st := &TemplateStats{
		Observations:  total,
		WeightedTotal: weightedTotal.Float64,
		SuccessRate:   successWeight.Float64 / denom,
		TimeoutRate:   timeoutWeight.Float64 / denom,
	}
	if avgDuration.Valid {
		st.AvgDurationMs = &avgDuration.Float64
	}
	return st, nil
}

// TotalObservations counts stored observations, for health reporting.
func (s *Store) TotalObservations() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM observations`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	return n, nil
}

// Stats returns the aggregate learning view: store totals, the current
// session's numbers, and the hottest patterns by decayed weight.
func (s *Store) Stats(sessionID string) (*models.LearnStats, error) {
	out := &models.LearnStats{}

	var (
		totalWeight sql.NullFloat64
		oldest      sql.NullString
		newest      sql.NullString
	)
	err := s.db.QueryRow(
		`WITH weighted AS (
			SELECT template, created_at,
			       POWER(0.5, (JULIANDAY('now') - JULIANDAY(created_at)) * 24.0 / ?) AS w
			FROM observations)
		 SELECT COUNT(*), COUNT(DISTINCT template), SUM(w), MIN(created_at), MAX(created_at)
		 FROM weighted`,
		s.halfLifeHours(),
	).Scan(&out.TotalObservations, &out.DistinctTemplates, &totalWeight, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	out.TotalWeight = totalWeight.Float64
	if t, ok := parseStoredTime(oldest.String); ok {
		out.OldestObservation = &t
	}
	if t, ok := parseStoredTime(newest.String); ok {
		out.NewestObservation = &t
	}

	session, err := s.sessionStats(sessionID)
	if err != nil {
		return nil, err
	}
	out.Session = session

	hot, err := s.hotPatterns(5)
	if err != nil {
		return nil, err
	}
	out.HotPatterns = hot
	return out, nil
}

func (s *Store) sessionStats(sessionID string) (models.SessionStats, error) {
	st := models.SessionStats{SessionID: sessionID}

	var (
		successes   sql.NullInt64
		timeouts    sql.NullInt64
		avgDuration sql.NullFloat64
	)
	err := s.db.QueryRow(
		`SELECT COUNT(*), SUM(success), SUM(timed_out), AVG(duration_ms)
		 FROM recent_commands WHERE session_id = ?`,
		sessionID,
	).Scan(&st.Commands, &successes, &timeouts, &avgDuration)
	if err != nil {
		return st, fmt.Errorf("query session stats: %w", err)
	}

	st.Successes = int(successes.Int64)
	st.Timeouts = int(timeouts.Int64)
	st.Failures = st.Commands - st.Successes
	if st.Commands > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Commands)
	}
	if avgDuration.Valid {
		st.AvgDurationMs = int64(avgDuration.Float64)
	}

	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM (
			SELECT fingerprint FROM recent_commands
			WHERE session_id = ?
			GROUP BY fingerprint HAVING COUNT(*) > 1
		)`,
		sessionID,
	).Scan(&st.Retries)
	if err != nil {
		return st, fmt.Errorf("query session retries: %w", err)
	}
	return st, nil
}

func (s *Store) hotPatterns(limit int) ([]models.PatternActivity, error) {
	rows, err := s.db.Query(
		`WITH weighted AS (`+decayedObs+` WHERE template != '')
		 SELECT template,
		        SUM(w),
		        SUM(CASE WHEN exit_code = 0 AND timed_out = 0 THEN w ELSE 0 END),
		        AVG(duration_ms)
		 FROM weighted
		 GROUP BY template
		 ORDER BY SUM(w) DESC
		 LIMIT ?`,
		s.halfLifeHours(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query hot patterns: %w", err)
	}
	defer rows.Close()

	var out []models.PatternActivity
	for rows.Next() {
		var (
			p             models.PatternActivity
			weight        sql.NullFloat64
			successWeight sql.NullFloat64
			avgDuration   sql.NullFloat64
		)
		if err := rows.Scan(&p.Template, &weight, &successWeight, &avgDuration); err != nil {
			return nil, fmt.Errorf("scan hot pattern: %w", err)
		}
		p.Weight = weight.Float64
		if weight.Float64 > 0 {
			p.SuccessRate = successWeight.Float64 / weight.Float64
		}
		if avgDuration.Valid {
			p.AvgDurationMs = int64(avgDuration.Float64)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// parseStoredTime reads a timestamp back out of an aggregate column,
// where the driver no longer knows the declared type and hands us the
// raw text.
func parseStoredTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Query answers a learning lookup for one command's template.
func (s *Store) Query(command string) (*models.PatternStats, error) {
	template := fingerprint.Template(command)
	result := &models.PatternStats{Template: template}

	stats, err := s.TemplateStats(template)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return result, nil
	}

	result.Known = true
	result.Observations = stats.WeightedTotal
	result.SuccessRate = stats.SuccessRate
	result.TimeoutRate = stats.TimeoutRate
	if stats.AvgDurationMs != nil {
		result.AvgDurationMs = int64(*stats.AvgDurationMs)
	}

	streak, err := s.Streak(template)
	if err != nil {
		return nil, err
	}
	if streak != nil {
		result.Streak = int(streak.Current)
	}
	return result, nil
}

// --- SSH statistics ---

// SSHHostStats aggregates connection history for one host.
type SSHHostStats struct {
	Total        int64
	Successes    int64
	ConnFailures int64
}

// SSHHostStats returns connectivity counts for a host.
func (s *Store) SSHHostStats(host string) (SSHHostStats, error) {
	var st SSHHostStats
	var successes, connFailures sql.NullInt64
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        SUM(CASE WHEN exit_class = 'success' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN exit_class = 'connection_failed' THEN 1 ELSE 0 END)
		 FROM ssh_observations WHERE host = ?`,
		host,
	).Scan(&st.Total, &successes, &connFailures)
	if err != nil {
		return st, fmt.Errorf("query ssh host stats: %w", err)
	}
	st.Successes = successes.Int64
	st.ConnFailures = connFailures.Int64
	return st, nil
}

// SSHRemoteStats aggregates history for a remote command template across
// hosts.
type SSHRemoteStats struct {
	Total       int64
	Successes   int64
	CmdFailures int64
	HostCount   int64
}

// SSHRemoteStats returns cross-host counts for a remote command template.
func (s *Store) SSHRemoteStats(remoteTemplate string) (SSHRemoteStats, error) {
	var st SSHRemoteStats
	var successes, cmdFailures, hosts sql.NullInt64
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        SUM(CASE WHEN exit_class = 'success' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN exit_class = 'command_failed' THEN 1 ELSE 0 END),
		        COUNT(DISTINCT host)
		 FROM ssh_observations WHERE remote_template = ?`,
		remoteTemplate,
	).Scan(&st.Total, &successes, &cmdFailures, &hosts)
	if err != nil {
		return st, fmt.Errorf("query ssh remote stats: %w", err)
	}
	st.Successes = successes.Int64
	st.CmdFailures = cmdFailures.Int64
	st.HostCount = hosts.Int64
	return st, nil
}
