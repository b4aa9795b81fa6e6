package convctx

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Cleanup trigger thresholds, as fractions of the hard caps.
const cleanupTriggerFraction = 0.9

// Snapshot is a read-only copy of the session state, handed to consumers
// that must not mutate the live context (notification preferences, status
// endpoints).
type Snapshot struct {
	SessionID   string
	UserID      string
	ClientID    string
	Language    string
	CreatedAt   time.Time
	LastUpdated time.Time

	Conversation  []ConversationEntry
	Commands      []CommandRecord
	ActiveActions map[string]ActionInfo
	RecentActions []ActionRecord
	FailedActions []ActionRecord
	Variables     map[string]any

	HasContinuation bool
	MemoryMB        float64
}

// CleanupReport counts what PerformCleanup dropped.
type CleanupReport struct {
	ConversationDropped int
	CommandsDropped     int
	ActionsDropped      int
	PluginsCleared      bool
}

// Snapshot returns a deep read-only copy of the context.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := make(map[string]ActionInfo, len(c.active))
	for d, info := range c.active {
		active[d] = info
	}
	vars := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		vars[k] = v
	}
	return Snapshot{
		SessionID:       c.sessionID,
		UserID:          c.userID,
		ClientID:        c.clientID,
		Language:        c.language,
		CreatedAt:       c.createdAt,
		LastUpdated:     c.updatedAt,
		Conversation:    append([]ConversationEntry(nil), c.conversation...),
		Commands:        append([]CommandRecord(nil), c.commands...),
		ActiveActions:   active,
		RecentActions:   append([]ActionRecord(nil), c.recent...),
		FailedActions:   append([]ActionRecord(nil), c.failed...),
		Variables:       vars,
		HasContinuation: c.cont != nil,
		MemoryMB:        c.memoryEstimateLocked(),
	}
}

// MemoryEstimate returns the approximate footprint of the session state in
// megabytes, computed from serialized sizes.
func (c *Context) MemoryEstimate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoryEstimateLocked()
}

func (c *Context) memoryEstimateLocked() float64 {
	var total int
	total += serializedSize(c.conversation)
	total += serializedSize(c.commands)
	total += serializedSize(c.recent)
	total += serializedSize(c.failed)
	total += serializedSize(c.active)
	total += serializedSize(c.plugins)
	total += serializedSize(c.variables)
	return float64(total) / (1 << 20)
}

// serializedSize measures one dimension. Values that cannot be serialized
// count as zero rather than failing the estimate.
func serializedSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

// ShouldTriggerCleanup reports, per dimension, whether the session state
// approaches its quota.
func (c *Context) ShouldTriggerCleanup() CleanupFlags {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CleanupFlags{
		Conversation: len(c.conversation) >= int(cleanupTriggerFraction*maxConversationEntries),
		Commands:     len(c.commands) >= int(cleanupTriggerFraction*maxCommandEntries),
		Actions: len(c.recent) >= int(cleanupTriggerFraction*maxActionRecords) ||
			len(c.failed) >= int(cleanupTriggerFraction*maxActionRecords),
		Memory: c.memoryEstimateLocked() > c.memoryLimitMB,
	}
}

// PerformCleanup trims histories to their keep levels. Aggressive mode
// keeps only the newest handful of entries and clears plugin data and
// variables as well.
func (c *Context) PerformCleanup(aggressive bool) CleanupReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	keepConv, keepCmd, keepAct := keepConversation, keepCommands, keepActions
	if aggressive {
		keepConv, keepCmd, keepAct = aggressiveKeep, aggressiveKeep, aggressiveKeep
	}

	var rep CleanupReport
	c.conversation, rep.ConversationDropped = trimOldest(c.conversation, keepConv)
	c.commands, rep.CommandsDropped = trimOldest(c.commands, keepCmd)

	var droppedRecent, droppedFailed int
	c.recent, droppedRecent = trimOldest(c.recent, keepAct)
	c.failed, droppedFailed = trimOldest(c.failed, keepAct)
	rep.ActionsDropped = droppedRecent + droppedFailed

	if aggressive {
		if len(c.plugins) > 0 || len(c.variables) > 0 {
			rep.PluginsCleared = true
		}
		c.plugins = make(map[string]map[string]any)
		c.variables = make(map[string]any)
	}
	c.updatedAt = c.now()

	if rep.ConversationDropped+rep.CommandsDropped+rep.ActionsDropped > 0 || rep.PluginsCleared {
		slog.Debug("convctx: cleanup performed",
			"session_id", c.sessionID,
			"aggressive", aggressive,
			"conversation_dropped", rep.ConversationDropped,
			"commands_dropped", rep.CommandsDropped,
			"actions_dropped", rep.ActionsDropped)
	}
	return rep
}

// trimOldest keeps the newest keep entries and returns how many were cut.
func trimOldest[T any](s []T, keep int) ([]T, int) {
	if len(s) <= keep {
		return s, 0
	}
	dropped := len(s) - keep
	out := make([]T, keep)
	copy(out, s[dropped:])
	return out, dropped
}
