// Package breaker implements a per-command-fingerprint circuit breaker.
//
// Each fingerprint gets its own circuit: repeated timeouts open it,
// an open circuit rejects runs until a cool-down passes, then a single
// probe run decides whether it closes again. State machine:
// closed -> open -> half_open -> closed.
package breaker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/leash/internal/models"
)

// State is the condition of one fingerprint's circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed        bool
	State          State
	RetryIn        time.Duration
	WindowTimeouts int
	Message        string
}

type circuit struct {
	state          State
	preview        string
	timeouts       []time.Time
	openedAt       time.Time
	lastTransition time.Time
	probeInFlight  bool
}

// Breaker tracks circuits for every fingerprint seen this process.
// State is in-memory only; a restart means every circuit is closed.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit

	threshold int
	window    time.Duration
	cooldown  time.Duration

	now func() time.Time // injectable for tests
}

// New creates a breaker that opens a circuit after threshold timeouts
// inside the trailing window and holds it open for cooldown.
func New(threshold int, window, cooldown time.Duration) *Breaker {
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *Breaker) get(fp string) *circuit {
	c, ok := b.circuits[fp]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[fp] = c
	}
	return c
}

func (c *circuit) pruneWindow(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := c.timeouts[:0]
	for _, t := range c.timeouts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.timeouts = kept
}

// Allow decides whether a run of the given fingerprint may start.
// An open circuit past its cool-down transitions to half-open and admits
// the caller as the probe; while that probe is in flight everyone else
// is rejected. A probe that never reports back frees the slot after
// another full cool-down.
func (b *Breaker) Allow(fp, preview string) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	c := b.get(fp)
	if preview != "" {
		c.preview = preview
	}
	c.pruneWindow(now, b.window)

	switch c.state {
	case StateOpen:
		elapsed := now.Sub(c.openedAt)
		if elapsed >= b.cooldown {
			c.state = StateHalfOpen
			c.lastTransition = now
			c.probeInFlight = true
			return Decision{
				Allowed:        true,
				State:          StateHalfOpen,
				WindowTimeouts: len(c.timeouts),
				Message:        "circuit half-open, probing recovery with this run",
			}
		}
		remaining := b.cooldown - elapsed
		return Decision{
			Allowed:        false,
			State:          StateOpen,
			RetryIn:        remaining,
			WindowTimeouts: len(c.timeouts),
			Message: fmt.Sprintf("circuit open after %d timeouts, retry in %ds",
				len(c.timeouts), int(remaining.Seconds())),
		}
	case StateHalfOpen:
		if !c.probeInFlight {
			c.probeInFlight = true
			return Decision{
				Allowed:        true,
				State:          StateHalfOpen,
				WindowTimeouts: len(c.timeouts),
				Message:        "circuit half-open, probing recovery with this run",
			}
		}
		since := now.Sub(c.lastTransition)
		if since >= b.cooldown {
			// The previous probe never reported (killed, lost). Re-arm.
			c.lastTransition = now
			return Decision{
				Allowed:        true,
				State:          StateHalfOpen,
				WindowTimeouts: len(c.timeouts),
				Message:        "circuit half-open, probing recovery with this run",
			}
		}
		remaining := b.cooldown - since
		return Decision{
			Allowed:        false,
			State:          StateHalfOpen,
			RetryIn:        remaining,
			WindowTimeouts: len(c.timeouts),
			Message:        "circuit half-open, probe already in flight",
		}
	default:
		return Decision{Allowed: true, State: StateClosed, WindowTimeouts: len(c.timeouts)}
	}
}

// RecordTimeout notes a timeout for the fingerprint. The exact
// threshold-th timeout inside the window opens the circuit; a timeout
// while half-open reopens it with a fresh cool-down; a timeout while
// already open changes nothing beyond the window bookkeeping.
func (b *Breaker) RecordTimeout(fp string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	c := b.get(fp)
	c.timeouts = append(c.timeouts, now)
	c.pruneWindow(now, b.window)

	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = now
		c.lastTransition = now
		c.probeInFlight = false
	case StateClosed:
		if len(c.timeouts) >= b.threshold {
			c.state = StateOpen
			c.openedAt = now
			c.lastTransition = now
		}
	}
}

// RecordSuccess notes a non-timeout terminal outcome. Only a half-open
// probe reacts: the circuit closes and its timeout window clears.
func (b *Breaker) RecordSuccess(fp string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[fp]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		c.state = StateClosed
		c.timeouts = nil
		c.probeInFlight = false
		c.lastTransition = b.now()
	}
}

// Reset forces one fingerprint's circuit back to closed. Reports whether
// the fingerprint was known.
func (b *Breaker) Reset(fp string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.circuits[fp]
	delete(b.circuits, fp)
	return ok
}

// ResetAll closes every circuit and returns how many were tracked.
func (b *Breaker) ResetAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.circuits)
	b.circuits = make(map[string]*circuit)
	return n
}

// OpenCount returns how many circuits are currently open.
func (b *Breaker) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.circuits {
		if c.state == StateOpen {
			n++
		}
	}
	return n
}

func (b *Breaker) statusLocked(fp string, c *circuit, now time.Time) models.BreakerStatus {
	c.pruneWindow(now, b.window)
	st := models.BreakerStatus{
		Fingerprint:    fp,
		Preview:        c.preview,
		State:          string(c.state),
		WindowTimeouts: len(c.timeouts),
		LastTransition: c.lastTransition,
	}
	if c.state == StateOpen {
		if remaining := b.cooldown - now.Sub(c.openedAt); remaining > 0 {
			st.RetryInSec = int(remaining.Seconds())
		}
	}
	return st
}

// Status returns every tracked circuit sorted by fingerprint.
func (b *Breaker) Status() []models.BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]models.BreakerStatus, 0, len(b.circuits))
	for fp, c := range b.circuits {
		out = append(out, b.statusLocked(fp, c, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// StatusOf returns one fingerprint's circuit status.
func (b *Breaker) StatusOf(fp string) (models.BreakerStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[fp]
	if !ok {
		return models.BreakerStatus{}, false
	}
	return b.statusLocked(fp, c, b.now()), true
}
