// Package intent defines the recognized-command types exchanged between the
// recognition pipeline, the entity resolver and downstream skill handlers.
package intent

import (
	"strings"
	"time"
)

// Intent is a recognized user command. Name follows the "domain.action"
// convention (e.g. "lights.turn_on"); Entities holds the raw slot values
// extracted from the utterance plus any resolved companions added by the
// entity resolver.
type Intent struct {
	Name       string         `json:"name"`
	Entities   map[string]any `json:"entities,omitempty"`
	Confidence float64        `json:"confidence"`
	RawText    string         `json:"raw_text,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Domain returns the part of Name before the first dot, or the whole name
// when no dot is present.
func (i Intent) Domain() string {
	if idx := strings.IndexByte(i.Name, '.'); idx >= 0 {
		return i.Name[:idx]
	}
	return i.Name
}

// Action returns the part of Name after the first dot, or "" when no dot is
// present.
func (i Intent) Action() string {
	if idx := strings.IndexByte(i.Name, '.'); idx >= 0 {
		return i.Name[idx+1:]
	}
	return ""
}

// Clone returns a copy with its own Entities map. The resolver enriches
// clones so callers' intents are never mutated.
func (i Intent) Clone() Intent {
	out := i
	out.Entities = make(map[string]any, len(i.Entities))
	for k, v := range i.Entities {
		out.Entities[k] = v
	}
	return out
}

// ResolutionType classifies how an entity value was resolved.
type ResolutionType string

const (
	// ResolutionExact means the value matched a known entity verbatim.
	ResolutionExact ResolutionType = "exact"

	// ResolutionFuzzy means the value matched through approximate string
	// similarity.
	ResolutionFuzzy ResolutionType = "fuzzy"

	// ResolutionContextual means the value was taken from session context
	// (e.g. the client's own room for "here").
	ResolutionContextual ResolutionType = "contextual"

	// ResolutionTypeSingle means the value named a device category with
	// exactly one registered device of that type.
	ResolutionTypeSingle ResolutionType = "type_single"

	// ResolutionTypeMultiple means the value named a device category with
	// several candidates; the resolved value lists them all.
	ResolutionTypeMultiple ResolutionType = "type_multiple"

	// ResolutionClock means the value parsed as an absolute HH:MM time.
	ResolutionClock ResolutionType = "clock"

	// ResolutionDuration means the value parsed as an amount with a time
	// unit.
	ResolutionDuration ResolutionType = "duration"

	// ResolutionRelative means the value matched a relative day or moment
	// keyword.
	ResolutionRelative ResolutionType = "relative"

	// ResolutionNumeric means the value parsed as digits, optionally with
	// a measurement unit.
	ResolutionNumeric ResolutionType = "numeric"

	// ResolutionWordNumber means the value matched a spelled-out number
	// word.
	ResolutionWordNumber ResolutionType = "word_number"
)

// Resolution is the outcome of resolving a single entity value.
type Resolution struct {
	// Value is the resolved, canonical value.
	Value any `json:"value"`

	// Original is the raw value the user said.
	Original any `json:"original"`

	// Confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Type records the resolution strategy that produced Value.
	Type ResolutionType `json:"type"`

	// Metadata carries strategy specifics (candidate lists, offsets).
	Metadata map[string]any `json:"metadata,omitempty"`
}
