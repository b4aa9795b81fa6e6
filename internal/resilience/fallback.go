package resilience

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/irbis-voice/irbis/internal/metrics"
)

// ErrExhausted is returned when every entry of a [FallbackGroup] failed or
// was skipped by an open breaker.
var ErrExhausted = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// Breaker is the per-entry breaker tuning. The entry name overrides
	// Breaker.Name.
	Breaker BreakerConfig

	// Collector optionally receives failover counts under the
	// "resilience" component. Nil disables recording.
	Collector *metrics.Collector
}

// entry pairs one backend with its dedicated breaker.
type entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// FallbackGroup chains a primary and zero or more fallback backends of the
// same provider type. Calls try entries in registration order; an entry
// whose breaker is open is skipped without counting as an attempt against
// the backend.
type FallbackGroup[T any] struct {
	entries []entry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as the first entry.
// Register more backends with [FallbackGroup.AddFallback] before use; the
// group itself is not safe for mutation after calls begin.
func NewFallbackGroup[T any](primary T, name string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.add(name, primary)
	return g
}

// AddFallback appends a backend tried after all earlier entries.
func (g *FallbackGroup[T]) AddFallback(name string, fallback T) {
	g.add(name, fallback)
}

func (g *FallbackGroup[T]) add(name string, value T) {
	bc := g.cfg.Breaker
	bc.Name = name
	g.entries = append(g.entries, entry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(bc),
	})
}

// Names returns the entry names in try order.
func (g *FallbackGroup[T]) Names() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return names
}

// Execute tries fn against each entry until one succeeds. When every entry
// fails it returns [ErrExhausted] wrapping the last error.
func (g *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry of g until one succeeds and
// returns its result. A package-level function because methods cannot add
// type parameters.
func ExecuteWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.entries {
		e := &g.entries[i]
		var res R
		err := e.breaker.Execute(func() error {
			var callErr error
			res, callErr = fn(e.value)
			return callErr
		})
		if err == nil {
			if i > 0 {
				g.count("failovers")
			}
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			g.count("breaker_skips")
			slog.Debug("resilience: provider skipped, breaker open", "provider", e.name)
		} else {
			slog.Warn("resilience: provider failed, trying next",
				"provider", e.name, "err", err)
		}
	}
	g.count("exhausted")
	return zero, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

func (g *FallbackGroup[T]) count(name string) {
	if g.cfg.Collector != nil {
		g.cfg.Collector.RecordComponentMetric("resilience", name, 1)
	}
}
