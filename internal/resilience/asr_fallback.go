package resilience

import (
	"context"

	"github.com/irbis-voice/irbis/pkg/audio"
	"github.com/irbis-voice/irbis/pkg/provider/asr"
)

// ASRFallback implements [asr.Provider] with failover across several
// recognition backends, each behind its own breaker. Failover triggers on
// provider errors only; an empty transcript is a valid result and stays
// with the entry that produced it, since retrying empties is the
// dispatcher's normalization policy.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
}

var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates a fallback recognizer with primary preferred.
func NewASRFallback(primary asr.Provider, name string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another recognizer tried after earlier entries.
func (f *ASRFallback) AddFallback(name string, p asr.Provider) {
	f.group.AddFallback(name, p)
}

// Transcribe recognizes the segment against the first healthy backend.
func (f *ASRFallback) Transcribe(ctx context.Context, seg *audio.Segment, language string) (asr.Result, error) {
	return ExecuteWithResult(f.group, func(p asr.Provider) (asr.Result, error) {
		return p.Transcribe(ctx, seg, language)
	})
}

// ResetState clears decoder state on every backend. Which entry served the
// failed call is not tracked, and resetting a clean backend is a no-op.
func (f *ASRFallback) ResetState() {
	for i := range f.group.entries {
		f.group.entries[i].value.ResetState()
	}
}

// Capabilities merges the entries' declarations. Languages stay empty
// (auto-detect) when any entry auto-detects; otherwise they union. Formats
// union. Streaming and ThreadSafe hold only when every entry declares them,
// because any entry may end up serving a call.
func (f *ASRFallback) Capabilities() asr.Capabilities {
	merged := asr.Capabilities{Streaming: true, ThreadSafe: true}
	autoDetect := false
	for i := range f.group.entries {
		c := f.group.entries[i].value.Capabilities()
		if len(c.Languages) == 0 {
			autoDetect = true
		}
		merged.Languages = mergeStrings(merged.Languages, c.Languages)
		merged.Formats = mergeStrings(merged.Formats, c.Formats)
		merged.Streaming = merged.Streaming && c.Streaming
		merged.ThreadSafe = merged.ThreadSafe && c.ThreadSafe
	}
	if autoDetect {
		merged.Languages = nil
	}
	return merged
}

// mergeStrings appends the values of src missing from dst, keeping order.
func mergeStrings(dst, src []string) []string {
	for _, s := range src {
		seen := false
		for _, d := range dst {
			if d == s {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, s)
		}
	}
	return dst
}
