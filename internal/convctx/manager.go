package convctx

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultIdleTimeout retires sessions that saw no activity.
const DefaultIdleTimeout = 30 * time.Minute

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithScheduler wires the timer scheduler handed to every new context.
func WithScheduler(t TimerScheduler) ManagerOption {
	return func(m *Manager) { m.timers = t }
}

// WithIdleTimeout overrides how long an untouched session survives.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.idle = d
		}
	}
}

// WithSessionMemoryLimit overrides the per-session cleanup threshold.
func WithSessionMemoryLimit(mb float64) ManagerOption {
	return func(m *Manager) {
		if mb > 0 {
			m.memoryLimitMB = mb
		}
	}
}

// Manager owns the session contexts. Contexts come into existence on first
// reference and are retired by RetireIdle or Remove.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Context

	timers        TimerScheduler
	idle          time.Duration
	memoryLimitMB float64
}

// NewManager builds an empty session manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:      make(map[string]*Context),
		idle:          DefaultIdleTimeout,
		memoryLimitMB: DefaultMemoryLimitMB,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session returns the context for sessionID, creating it on first touch.
// Options apply only on creation.
func (m *Manager) Session(sessionID string, opts ...ContextOption) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.sessions[sessionID]; ok {
		return c
	}
	all := make([]ContextOption, 0, len(opts)+2)
	all = append(all, WithTimers(m.timers), WithMemoryLimit(m.memoryLimitMB))
	all = append(all, opts...)
	c := NewContext(sessionID, all...)
	m.sessions[sessionID] = c
	slog.Debug("convctx: session created", "session_id", sessionID)
	return c
}

// Get returns an existing context without creating one.
func (m *Manager) Get(sessionID string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[sessionID]
	return c, ok
}

// Remove retires one session, cancelling its pending continuation.
func (m *Manager) Remove(sessionID string) bool {
	m.mu.Lock()
	c, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok {
		c.Close()
		slog.Debug("convctx: session removed", "session_id", sessionID)
	}
	return ok
}

// RetireIdle removes sessions untouched for longer than the idle timeout,
// measured against the given time, and returns how many were retired.
func (m *Manager) RetireIdle(now time.Time) int {
	m.mu.Lock()
	var retired []*Context
	for id, c := range m.sessions {
		if now.Sub(c.LastUpdated()) > m.idle {
			retired = append(retired, c)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, c := range retired {
		c.Close()
	}
	if len(retired) > 0 {
		slog.Info("convctx: idle sessions retired", "count", len(retired))
	}
	return len(retired)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SessionIDs returns the live session ids, sorted.
func (m *Manager) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close cancels the pending continuation, if any. Called when the session
// is retired.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropContinuationLocked()
}
