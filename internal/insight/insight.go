// Package insight turns learning-store history into short advisory notes
// attached to run and poll results. Insights never block a command; a
// failed lookup just means fewer notes.
package insight

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fentz26/leash/internal/config"
	"github.com/fentz26/leash/internal/fingerprint"
	"github.com/fentz26/leash/internal/learn"
	"github.com/fentz26/leash/internal/models"
)

// universalExitCodes mean the same thing for every command.
var universalExitCodes = map[int]string{
	126: "permission denied",
	127: "command not found",
	255: "SSH connection failed",
}

// knownExitCodes are per-command codes that look like failures but are
// ordinary answers.
var knownExitCodes = map[string]map[int]string{
	"grep": {1: "no match"},
	"diff": {1: "files differ"},
	"test": {1: "condition false"},
	"[":    {1: "condition false"},
	"cmp":  {1: "files differ"},
}

// Engine generates insights from the learning store.
type Engine struct {
	store *learn.Store
	cfg   config.Config
	log   *zap.Logger
}

// New returns an insight engine backed by the given store.
func New(store *learn.Store, cfg config.Config, logger *zap.Logger) *Engine {
	return &Engine{store: store, cfg: cfg, log: logger}
}

// Pre generates insights before a command runs: retry detection, similar
// commands, streaks, pattern history, ssh history and cached option
// tables after repeated failures.
func (e *Engine) Pre(sessionID, command string) []models.Insight {
	var insights []models.Insight

	fp := fingerprint.Hash(command)
	template := fingerprint.Template(command)
	window := e.cfg.Learn.RecentWindow

	recent, err := e.store.RecentExact(fp, window)
	if err != nil {
		e.log.Debug("recent lookup failed", zap.Error(err))
	}
	retries := len(recent)
	successes := 0
	for _, ok := range recent {
		if ok {
			successes++
		}
	}
	failures := retries - successes

	if retries > 0 {
		switch {
		case failures > 0 && successes == 0:
			insights = append(insights, models.Warning(fmt.Sprintf(
				"Retry #%d. Previous %d all failed. Different approach?", retries+1, failures)))
		case successes > 0 && failures == 0:
			insights = append(insights, models.Info(fmt.Sprintf(
				"Retry #%d. Previous %d succeeded.", retries+1, successes)))
		default:
			insights = append(insights, models.Info(fmt.Sprintf(
				"Retry #%d in last %dm. %d/%d succeeded.",
				retries+1, int(window.Minutes()), successes, retries)))
		}
	} else {
		similar, err := e.store.RecentSimilar(template, fp, window, 5)
		if err != nil {
			e.log.Debug("similar lookup failed", zap.Error(err))
		}
		if len(similar) > 0 {
			simSuccess := 0
			for _, r := range similar {
				if r.Success {
					simSuccess++
				}
			}
			insights = append(insights, models.Info(fmt.Sprintf(
				"Similar to '%s' - %d/%d succeeded recently.", template, simSuccess, len(similar))))
		}
	}

	if streak, err := e.store.Streak(template); err == nil && streak != nil {
		threshold := int64(e.cfg.Learn.StreakThreshold)
		if streak.Current >= threshold {
			insights = append(insights, models.Info(fmt.Sprintf(
				"Streak: %d successes in a row. Solid.", streak.Current)))
		} else if streak.Current <= -threshold {
			insights = append(insights, models.Warning(fmt.Sprintf(
				"Failing streak: %d. Same approach?", -streak.Current)))
		}
	}

	stats, err := e.store.TemplateStats(template)
	if err != nil {
		e.log.Debug("template stats failed", zap.Error(err))
	}
	if stats != nil {
		if stats.TimeoutRate > 0.5 {
			insights = append(insights, models.Warning(fmt.Sprintf(
				"%.0f%% timeout rate for this pattern.", stats.TimeoutRate*100)))
		} else if stats.SuccessRate > 0.9 && stats.Observations >= 5 {
			insights = append(insights, models.Info(fmt.Sprintf(
				"Reliable pattern: %.0f%% success (%d runs).", stats.SuccessRate*100, stats.Observations)))
		}
		if stats.AvgDurationMs != nil {
			if avgSec := *stats.AvgDurationMs / 1000.0; avgSec > 10.0 {
				insights = append(insights, models.Info(fmt.Sprintf("Usually takes ~%.0fs.", avgSec)))
			}
		}
	} else {
		insights = append(insights, models.Info("New pattern. No history yet."))
	}

	insights = append(insights, e.sshInsights(command)...)

	// Surface threshold minus one: the current attempt is not recorded yet.
	failCount, err := e.store.ConsecutiveTemplateFailures(sessionID, template)
	if err != nil {
		e.log.Debug("failure count lookup failed", zap.Error(err))
	}
	if failCount >= e.cfg.Manopt.FailSurface-1 {
		if base := fingerprint.BaseCommand(command); base != "" {
			if text, ok, err := e.store.ManoptGet(base); err == nil && ok {
				insights = append(insights, models.Info(fmt.Sprintf("Options for '%s':\n%s", base, text)))
			}
		}
	}

	return insights
}

func (e *Engine) sshInsights(command string) []models.Insight {
	sshInfo := fingerprint.ParseSSH(command)
	if sshInfo == nil {
		return nil
	}

	var insights []models.Insight

	host, err := e.store.SSHHostStats(sshInfo.Host)
	if err != nil {
		e.log.Debug("ssh host stats failed", zap.Error(err))
	}
	if err == nil && host.Total > 0 {
		connFailRate := float64(host.ConnFailures) / float64(host.Total)
		if connFailRate > 0.3 {
			insights = append(insights, models.Warning(fmt.Sprintf(
				"Host '%s' has %.0f%% connection failure rate (%d/%d).",
				sshInfo.Host, connFailRate*100, host.ConnFailures, host.Total)))
		} else if host.Successes == host.Total && host.Total >= 3 {
			insights = append(insights, models.Info(fmt.Sprintf(
				"Host '%s' is reliable: %d successful connections.", sshInfo.Host, host.Total)))
		}
	}

	if sshInfo.RemoteCommand != "" {
		remoteTemplate := fingerprint.Template(sshInfo.RemoteCommand)
		if remoteTemplate != "" {
			remote, err := e.store.SSHRemoteStats(remoteTemplate)
			if err == nil && remote.Total > 0 {
				successRate := float64(remote.Successes) / float64(remote.Total)
				if remote.CmdFailures > 0 && successRate < 0.5 {
					insights = append(insights, models.Warning(fmt.Sprintf(
						"Remote command '%s' fails often (%d/%d across %d hosts).",
						remoteTemplate, remote.CmdFailures, remote.Total, remote.HostCount)))
				} else if successRate > 0.9 && remote.Total >= 3 {
					insights = append(insights, models.Info(fmt.Sprintf(
						"Remote command '%s' reliable across %d hosts (%.0f%% success).",
						remoteTemplate, remote.HostCount, successRate*100)))
				}
			}
		}
	}

	return insights
}

// Post generates insights after a command finishes, from its pipestatus
// and collected output. An empty pipestatus produces nothing: without
// real exit codes any note would be a guess.
func (e *Engine) Post(command string, pipestatus []int, output string) []models.Insight {
	if len(pipestatus) == 0 {
		return nil
	}

	var insights []models.Insight
	overall := pipestatus[len(pipestatus)-1]

	if overall == 0 && strings.TrimSpace(output) == "" {
		insights = append(insights, models.Info("No output produced."))
	}

	base := fingerprint.BaseCommand(command)
	if meaning, ok := universalExitCodes[overall]; ok {
		insights = append(insights, models.Warning(fmt.Sprintf("%s (exit %d)", meaning, overall)))
	} else if codes, ok := knownExitCodes[base]; ok {
		if meaning, ok := codes[overall]; ok {
			insights = append(insights, models.Info(fmt.Sprintf(
				"%s exit %d = %s (normal)", base, overall, meaning)))
		}
	}

	// Left-side pipeline failures hidden by a succeeding downstream
	// segment. 141 is SIGPIPE, normal when a reader exits early.
	if len(pipestatus) > 1 {
		for i, code := range pipestatus[:len(pipestatus)-1] {
			if code != 0 && code != 141 {
				insights = append(insights, models.Warning(fmt.Sprintf(
					"pipe segment %d exited %d (masked by downstream)", i+1, code)))
			}
		}
	}

	return insights
}
