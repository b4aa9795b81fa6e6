// Package convctx holds per-session conversation state: bounded histories,
// at most one active action per domain, one-shot continuations with an
// expiry timer, per-plugin data spaces and memory accounting.
//
// A Context is owned by its session's goroutine; the internal mutex exists
// for cross-task readers (snapshots, cleanup sweeps), not to make the
// session loop concurrent with itself.
package convctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/irbis-voice/irbis/internal/sched"
)

// DefaultLanguage is assumed for sessions that do not announce one.
const DefaultLanguage = "ru"

// History quotas. Inserts are ring-bounded at the hard caps; cleanup trims
// further down to the keep levels.
const (
	maxConversationEntries = 100
	maxCommandEntries      = 50
	maxActionRecords       = 50

	keepConversation = 50
	keepCommands     = 25
	keepActions      = 25

	aggressiveKeep = 10
)

// DefaultMemoryLimitMB triggers the memory cleanup flag.
const DefaultMemoryLimitMB = 10.0

// ErrActionActive rejects a second concurrent action in one domain.
var ErrActionActive = errors.New("convctx: action already active for domain")

// ActionStatus tracks an action through its lifecycle.
type ActionStatus string

const (
	ActionRunning   ActionStatus = "running"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionCancelled ActionStatus = "cancelled"
)

// ActionInfo describes one in-flight domain action.
type ActionInfo struct {
	Action     string
	Handler    string
	Status     ActionStatus
	StartedAt  time.Time
	TaskID     string
	Timeout    time.Duration
	TimeoutAt  time.Time
	MaxRetries int
	RetryCount int
	RetryDelay time.Duration
}

// ActionRecord is a finished action in the recent or failed log.
type ActionRecord struct {
	Domain     string
	Action     string
	Status     ActionStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// ConversationEntry is one exchange line.
type ConversationEntry struct {
	Speaker   string
	Text      string
	Timestamp time.Time
}

// CommandRecord is one recognized command.
type CommandRecord struct {
	Text      string
	Intent    string
	Success   bool
	Timestamp time.Time
}

// ContinuationFunc consumes the next user input when a dialog awaits an
// answer.
type ContinuationFunc func(ctx context.Context, input string) error

// TimerScheduler arms continuation expiries. *sched.Scheduler satisfies it.
type TimerScheduler interface {
	Schedule(name string, delay time.Duration, fn func()) sched.ID
	Cancel(id sched.ID) bool
}

// CleanupFlags reports which dimensions exceeded their thresholds.
type CleanupFlags struct {
	Conversation bool
	Commands     bool
	Actions      bool
	Memory       bool
}

// Any reports whether any dimension wants a cleanup.
func (f CleanupFlags) Any() bool {
	return f.Conversation || f.Commands || f.Actions || f.Memory
}

// Context is the mutable state of one conversation session.
type Context struct {
	mu sync.Mutex

	sessionID string
	userID    string
	clientID  string
	language  string
	createdAt time.Time
	updatedAt time.Time

	conversation []ConversationEntry
	commands     []CommandRecord
	recent       []ActionRecord
	failed       []ActionRecord
	active       map[string]ActionInfo

	plugins   map[string]map[string]any
	variables map[string]any

	cont        ContinuationFunc
	contSeq     uint64
	contTimerID sched.ID

	memoryLimitMB float64
	timers        TimerScheduler
	now           func() time.Time
}

// ContextOption configures a new Context.
type ContextOption func(*Context)

// WithUser sets the owning user id.
func WithUser(userID string) ContextOption {
	return func(c *Context) { c.userID = userID }
}

// WithClient binds the session to a registered client.
func WithClient(clientID string) ContextOption {
	return func(c *Context) { c.clientID = clientID }
}

// WithLanguage overrides the default session language.
func WithLanguage(lang string) ContextOption {
	return func(c *Context) {
		if lang != "" {
			c.language = lang
		}
	}
}

// WithTimers wires the scheduler used for continuation expiry. Without one,
// continuations never expire on their own.
func WithTimers(t TimerScheduler) ContextOption {
	return func(c *Context) { c.timers = t }
}

// WithMemoryLimit overrides the cleanup threshold in megabytes.
func WithMemoryLimit(mb float64) ContextOption {
	return func(c *Context) {
		if mb > 0 {
			c.memoryLimitMB = mb
		}
	}
}

// NewContext builds a fresh session context.
func NewContext(sessionID string, opts ...ContextOption) *Context {
	c := &Context{
		sessionID:     sessionID,
		language:      DefaultLanguage,
		active:        make(map[string]ActionInfo),
		plugins:       make(map[string]map[string]any),
		variables:     make(map[string]any),
		memoryLimitMB: DefaultMemoryLimitMB,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.createdAt = c.now()
	c.updatedAt = c.createdAt
	return c
}

// SessionID returns the immutable session identifier.
func (c *Context) SessionID() string { return c.sessionID }

// Language returns the session language.
func (c *Context) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

// ClientID returns the bound client id, if any.
func (c *Context) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// LastUpdated returns the time of the last mutation.
func (c *Context) LastUpdated() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatedAt
}

// AddConversationEntry appends one exchange line, stamped now.
func (c *Context) AddConversationEntry(speaker, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := ConversationEntry{Speaker: speaker, Text: text, Timestamp: c.now()}
	c.conversation = pushBounded(c.conversation, e, maxConversationEntries)
	c.updatedAt = e.Timestamp
}

// AddCommand appends one recognized command, stamped now.
func (c *Context) AddCommand(text, intentName string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := CommandRecord{Text: text, Intent: intentName, Success: success, Timestamp: c.now()}
	c.commands = pushBounded(c.commands, r, maxCommandEntries)
	c.updatedAt = r.Timestamp
}

// Conversation returns a copy of the conversation history, oldest first.
func (c *Context) Conversation() []ConversationEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ConversationEntry(nil), c.conversation...)
}

// Commands returns a copy of the command history, oldest first.
func (c *Context) Commands() []CommandRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CommandRecord(nil), c.commands...)
}

// StartAction registers a running action for a domain. A second action in
// the same domain is rejected with ErrActionActive until the first one
// finishes.
func (c *Context) StartAction(domain string, info ActionInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.active[domain]; ok {
		return fmt.Errorf("%w: %s (running %q)", ErrActionActive, domain, cur.Action)
	}
	now := c.now()
	info.Status = ActionRunning
	if info.StartedAt.IsZero() {
		info.StartedAt = now
	}
	if info.Timeout > 0 {
		info.TimeoutAt = info.StartedAt.Add(info.Timeout)
	}
	c.active[domain] = info
	c.updatedAt = now
	return nil
}

// CompleteAction finishes a domain's action successfully.
func (c *Context) CompleteAction(domain string) bool {
	return c.finishAction(domain, ActionCompleted, "")
}

// FailAction finishes a domain's action with an error, recording it in
// both the recent and failed logs.
func (c *Context) FailAction(domain, errText string) bool {
	return c.finishAction(domain, ActionFailed, errText)
}

// CancelAction finishes a domain's action as cancelled.
func (c *Context) CancelAction(domain string) bool {
	return c.finishAction(domain, ActionCancelled, "")
}

func (c *Context) finishAction(domain string, status ActionStatus, errText string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.active[domain]
	if !ok {
		return false
	}
	delete(c.active, domain)

	now := c.now()
	rec := ActionRecord{
		Domain:     domain,
		Action:     info.Action,
		Status:     status,
		StartedAt:  info.StartedAt,
		FinishedAt: now,
		Error:      errText,
	}
	c.recent = pushBounded(c.recent, rec, maxActionRecords)
	if status == ActionFailed {
		c.failed = pushBounded(c.failed, rec, maxActionRecords)
	}
	c.updatedAt = now
	return true
}

// ActiveAction returns the running action for a domain.
func (c *Context) ActiveAction(domain string) (ActionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.active[domain]
	return info, ok
}

// ActiveActions returns a copy of all running actions keyed by domain.
func (c *Context) ActiveActions() map[string]ActionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ActionInfo, len(c.active))
	for d, info := range c.active {
		out[d] = info
	}
	return out
}

// RecentActions returns a copy of the finished-action log, oldest first.
func (c *Context) RecentActions() []ActionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ActionRecord(nil), c.recent...)
}

// FailedActions returns a copy of the failed-action log, oldest first.
func (c *Context) FailedActions() []ActionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ActionRecord(nil), c.failed...)
}

// SetContinuation registers a one-shot handler for the next input. Any
// previous continuation is cancelled first. With a scheduler attached the
// continuation expires on its own after timeout.
func (c *Context) SetContinuation(fn ContinuationFunc, timeout time.Duration) {
	c.mu.Lock()
	c.dropContinuationLocked()
	c.contSeq++
	seq := c.contSeq
	c.cont = fn
	c.updatedAt = c.now()
	if c.timers != nil && timeout > 0 {
		c.contTimerID = c.timers.Schedule("continuation:"+c.sessionID, timeout, func() {
			c.expireContinuation(seq)
		})
	}
	c.mu.Unlock()
}

// TakeContinuation removes and returns the pending continuation. The
// second caller gets nothing: continuations are strictly one-shot.
func (c *Context) TakeContinuation() (ContinuationFunc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn := c.cont
	if fn == nil {
		return nil, false
	}
	c.dropContinuationLocked()
	c.updatedAt = c.now()
	return fn, true
}

// HasContinuation reports whether an input handler is pending.
func (c *Context) HasContinuation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cont != nil
}

// expireContinuation clears the continuation armed under seq. A newer
// continuation (or a consumed one) is left alone.
func (c *Context) expireContinuation(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.contSeq != seq || c.cont == nil {
		return
	}
	c.cont = nil
	c.contTimerID = ""
	slog.Debug("convctx: continuation expired", "session_id", c.sessionID)
}

func (c *Context) dropContinuationLocked() {
	if c.contTimerID != "" && c.timers != nil {
		c.timers.Cancel(c.contTimerID)
	}
	c.cont = nil
	c.contTimerID = ""
}

// SetPluginData stores a value in one plugin's isolated key-space.
func (c *Context) SetPluginData(plugin, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	space, ok := c.plugins[plugin]
	if !ok {
		space = make(map[string]any)
		c.plugins[plugin] = space
	}
	space[key] = value
	c.updatedAt = c.now()
}

// GetPluginData reads one value from a plugin's key-space.
func (c *Context) GetPluginData(plugin, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	space, ok := c.plugins[plugin]
	if !ok {
		return nil, false
	}
	v, ok := space[key]
	return v, ok
}

// PluginData returns a copy of one plugin's whole key-space.
func (c *Context) PluginData(plugin string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	space, ok := c.plugins[plugin]
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(space))
	for k, v := range space {
		out[k] = v
	}
	return out
}

// SetVariable stores a session variable.
func (c *Context) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
	c.updatedAt = c.now()
}

// Variable reads a session variable.
func (c *Context) Variable(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.variables[key]
	return v, ok
}

// pushBounded appends to a slice capped at limit, dropping the oldest
// entry once full.
func pushBounded[T any](s []T, v T, limit int) []T {
	if len(s) >= limit {
		copy(s, s[len(s)-limit+1:])
		s = s[:limit-1]
	}
	return append(s, v)
}
