// Package config resolves daemon configuration from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds every tunable the daemon reads. All values come from
// LEASH_* environment variables; unset or unparseable values keep their
// defaults.
type Config struct {
	Listen           string
	DBPath           string
	AuditPath        string
	TimeoutDefault   time.Duration
	TimeoutMax       time.Duration
	YieldAfter       time.Duration
	PollWindow       time.Duration
	TruncateOutputAt int
	SnippetLimit     int

	Breaker BreakerConfig
	Learn   LearnConfig
	Manopt  ManoptConfig

	OTLPEndpoint string
	Debug        bool
}

// BreakerConfig tunes the per-fingerprint circuit breaker.
type BreakerConfig struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

// LearnConfig tunes the learning store's decay and retention.
type LearnConfig struct {
	HalfLife        time.Duration
	PruneThreshold  float64
	PruneInterval   time.Duration
	MaxObservations int
	RecentWindow    time.Duration
	StreakThreshold int
}

// ManoptConfig tunes the background option-table lookup.
type ManoptConfig struct {
	Enabled     bool
	Timeout     time.Duration
	FailTrigger int
	FailSurface int
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:           "127.0.0.1:7468",
		DBPath:           filepath.Join(homeDir(), ".leash", "leash.db"),
		AuditPath:        filepath.Join(homeDir(), ".leash", "decisions.jsonl"),
		TimeoutDefault:   120 * time.Second,
		TimeoutMax:       600 * time.Second,
		YieldAfter:       7 * time.Second,
		PollWindow:       2 * time.Second,
		TruncateOutputAt: 30000,
		SnippetLimit:     500,
		Breaker: BreakerConfig{
			Threshold: 3,
			Window:    time.Hour,
			Cooldown:  5 * time.Minute,
		},
		Learn: LearnConfig{
			HalfLife:        24 * time.Hour,
			PruneThreshold:  0.01,
			PruneInterval:   6 * time.Hour,
			MaxObservations: 10000,
			RecentWindow:    10 * time.Minute,
			StreakThreshold: 3,
		},
		Manopt: ManoptConfig{
			Enabled:     true,
			Timeout:     2 * time.Second,
			FailTrigger: 2,
			FailSurface: 3,
		},
	}
}

// FromEnv returns the default configuration with environment overrides
// applied.
func FromEnv() Config {
	c := Default()

	c.Listen = envString("LEASH_LISTEN", c.Listen)
	c.DBPath = expandTilde(envString("LEASH_DB_PATH", c.DBPath))
	c.AuditPath = expandTilde(envString("LEASH_AUDIT_PATH", c.AuditPath))
	c.TimeoutDefault = envSeconds("LEASH_TIMEOUT_DEFAULT", c.TimeoutDefault)
	c.TimeoutMax = envSeconds("LEASH_TIMEOUT_MAX", c.TimeoutMax)
	c.YieldAfter = envSeconds("LEASH_YIELD_AFTER", c.YieldAfter)
	c.PollWindow = envSeconds("LEASH_POLL_WINDOW", c.PollWindow)
	c.TruncateOutputAt = envInt("LEASH_TRUNCATE_OUTPUT", c.TruncateOutputAt)
	c.SnippetLimit = envInt("LEASH_SNIPPET_LIMIT", c.SnippetLimit)

	c.Breaker.Threshold = envInt("LEASH_BREAKER_THRESHOLD", c.Breaker.Threshold)
	c.Breaker.Window = envSeconds("LEASH_BREAKER_WINDOW", c.Breaker.Window)
	c.Breaker.Cooldown = envSeconds("LEASH_BREAKER_COOLDOWN", c.Breaker.Cooldown)

	c.Learn.HalfLife = envHours("LEASH_HALF_LIFE_HOURS", c.Learn.HalfLife)
	c.Learn.PruneThreshold = envFloat("LEASH_PRUNE_THRESHOLD", c.Learn.PruneThreshold)
	c.Learn.PruneInterval = envHours("LEASH_PRUNE_INTERVAL_HOURS", c.Learn.PruneInterval)
	c.Learn.MaxObservations = envInt("LEASH_MAX_OBSERVATIONS", c.Learn.MaxObservations)
	c.Learn.RecentWindow = envMinutes("LEASH_RECENT_WINDOW_MINUTES", c.Learn.RecentWindow)
	c.Learn.StreakThreshold = envInt("LEASH_STREAK_THRESHOLD", c.Learn.StreakThreshold)

	c.Manopt.Enabled = envBool("LEASH_MANOPT_ENABLED", c.Manopt.Enabled)
	c.Manopt.Timeout = envSeconds("LEASH_MANOPT_TIMEOUT", c.Manopt.Timeout)
	c.Manopt.FailTrigger = envInt("LEASH_MANOPT_FAIL_TRIGGER", c.Manopt.FailTrigger)
	c.Manopt.FailSurface = envInt("LEASH_MANOPT_FAIL_SURFACE", c.Manopt.FailSurface)

	c.OTLPEndpoint = envString("LEASH_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.Debug = envBool("LEASH_DEBUG", c.Debug)

	if c.TimeoutDefault > c.TimeoutMax {
		c.TimeoutDefault = c.TimeoutMax
	}
	return c
}

// ClampTimeout resolves a caller-supplied timeout in seconds against the
// configured default and ceiling.
func (c Config) ClampTimeout(sec int) time.Duration {
	if sec <= 0 {
		return c.TimeoutDefault
	}
	d := time.Duration(sec) * time.Second
	if d > c.TimeoutMax {
		return c.TimeoutMax
	}
	return d
}

// ClampYield resolves a caller-supplied yield interval in seconds. The
// yield never exceeds the timeout.
func (c Config) ClampYield(sec float64, timeout time.Duration) time.Duration {
	d := c.YieldAfter
	if sec > 0 {
		d = time.Duration(sec * float64(time.Second))
	}
	if d > timeout {
		d = timeout
	}
	return d
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func expandTilde(path string) string {
	if path == "~" {
		return homeDir()
	}
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

func envMinutes(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Minute))
		}
	}
	return def
}

func envHours(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Hour))
		}
	}
	return def
}
