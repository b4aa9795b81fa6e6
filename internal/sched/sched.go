// Package sched runs named one-shot timers with cancellable opaque handles.
//
// Timers fire at most once and never before their delay. Callbacks run on
// their own goroutine with panics recovered, so a misbehaving handler
// cannot take down the process. The registry is in-memory only; Shutdown
// cancels everything pending and waits for callbacks already running.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/irbis-voice/irbis/internal/observe"
)

// ID is an opaque timer handle. The zero value is never a live timer.
type ID string

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserve wires OpenTelemetry instruments.
func WithObserve(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.obs = m }
}

type entry struct {
	name  string
	timer *time.Timer
}

// Scheduler owns a set of pending one-shot timers.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[ID]*entry
	closed  bool
	running sync.WaitGroup

	obs *observe.Metrics
}

// New builds an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{timers: make(map[ID]*entry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule arms a timer that runs fn once, no earlier than delay from now.
// The returned handle cancels it. After Shutdown, Schedule is a no-op
// returning the zero ID.
func (s *Scheduler) Schedule(name string, delay time.Duration, fn func()) ID {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		slog.Warn("sched: schedule after shutdown ignored", "name", name)
		return ""
	}
	id := ID(uuid.NewString())
	e := &entry{name: name}
	e.timer = time.AfterFunc(delay, func() { s.fire(id, name, fn) })
	s.timers[id] = e
	s.mu.Unlock()

	if s.obs != nil {
		s.obs.ActiveTimers.Add(context.Background(), 1)
	}
	slog.Debug("sched: timer armed", "name", name, "delay", delay)
	return id
}

// Cancel disarms a pending timer. It reports false for handles that
// already fired or were cancelled, and for IDs that never existed.
func (s *Scheduler) Cancel(id ID) bool {
	s.mu.Lock()
	e, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
		e.timer.Stop()
	}
	s.mu.Unlock()

	if ok {
		if s.obs != nil {
			s.obs.ActiveTimers.Add(context.Background(), -1)
		}
		slog.Debug("sched: timer cancelled", "name", e.name)
	}
	return ok
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Alive reports whether the scheduler still accepts timers. It turns
// false permanently once Shutdown begins.
func (s *Scheduler) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Shutdown cancels all pending timers and waits for callbacks already
// running, bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	cancelled := len(s.timers)
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if s.obs != nil && cancelled > 0 {
		s.obs.ActiveTimers.Add(context.Background(), int64(-cancelled))
	}
	slog.Info("sched: shutdown", "cancelled", cancelled)

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fire consumes the registry entry and runs the callback. A timer whose
// entry was already cancelled (or consumed by Shutdown) does nothing, so
// Cancel stays authoritative even when it races the firing goroutine.
func (s *Scheduler) fire(id ID, name string, fn func()) {
	s.mu.Lock()
	if _, ok := s.timers[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	if s.obs != nil {
		s.obs.TimersFired.Add(context.Background(), 1)
		s.obs.ActiveTimers.Add(context.Background(), -1)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("sched: timer callback panicked", "name", name, "panic", r)
		}
	}()
	fn()
}
