// Package resilience provides failover composition for provider backends.
//
// A [Breaker] is a three-state circuit breaker (closed, open, half-open)
// that stops calls to a backend after repeated failures and probes it again
// after a cooldown. A [FallbackGroup] chains several backends of one
// provider type behind per-entry breakers; [ASRFallback], [WakeFallback]
// and [TTSFallback] wrap a group in the corresponding provider interface,
// so a composed chain drops into any place a single provider fits.
//
// The core never requires these wrappers. Integrations that own real
// backends compose them before handing providers to the app.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Execute] while the breaker is open
// and the cooldown has not elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrBreakerOpen] until the
	// cooldown elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. Probes all
	// succeeding closes the breaker; any probe failing re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. The zero value gets usable defaults.
type BreakerConfig struct {
	// Name labels the breaker in log records.
	Name string

	// MaxFailures is the consecutive-failure count that opens a closed
	// breaker. Default 5.
	MaxFailures int

	// Cooldown is how long an open breaker rejects calls before probing.
	// Default 30s.
	Cooldown time.Duration

	// ProbeBudget is how many half-open calls may run, and how many must
	// succeed to close the breaker. Default 3.
	ProbeBudget int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProbeBudget <= 0 {
		c.ProbeBudget = 3
	}
	return c
}

// Breaker is a three-state circuit breaker around one backend.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       State
	fails       int
	lastFailure time.Time
	probes      int
	probeOK     int
}

// NewBreaker returns a closed breaker with cfg applied over defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Execute runs fn unless the breaker rejects the call. The error of fn is
// returned unwrapped so callers can match their own sentinels.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeOK = 0
		slog.Info("resilience: breaker probing", "name", b.cfg.Name)
	case StateHalfOpen:
		if b.probes >= b.cfg.ProbeBudget {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}
	probe := b.state == StateHalfOpen
	if probe {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probe)
	} else {
		b.onSuccess(probe)
	}
	return err
}

// onFailure runs with b.mu held.
func (b *Breaker) onFailure(probe bool) {
	b.lastFailure = time.Now()
	if probe {
		b.state = StateOpen
		b.fails = b.cfg.MaxFailures
		slog.Warn("resilience: breaker re-opened", "name", b.cfg.Name)
		return
	}
	b.fails++
	if b.state == StateClosed && b.fails >= b.cfg.MaxFailures {
		b.state = StateOpen
		slog.Warn("resilience: breaker opened",
			"name", b.cfg.Name, "consecutive_failures", b.fails)
	}
}

// onSuccess runs with b.mu held.
func (b *Breaker) onSuccess(probe bool) {
	if probe {
		b.probeOK++
		if b.probeOK >= b.cfg.ProbeBudget {
			b.state = StateClosed
			b.fails = 0
			slog.Info("resilience: breaker closed", "name", b.cfg.Name)
		}
		return
	}
	b.fails = 0
}

// State reports the current mode. An open breaker past its cooldown reports
// half-open; the transition itself happens on the next Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears failure accounting.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.fails = 0
	b.probes = 0
	b.probeOK = 0
}
