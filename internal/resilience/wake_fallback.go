package resilience

import (
	"context"

	"github.com/irbis-voice/irbis/pkg/audio"
	"github.com/irbis-voice/irbis/pkg/provider/wake"
)

// WakeFallback implements [wake.Provider] with failover across several
// wake-word backends. A negative detection is a valid result, not a
// failure; only provider errors advance to the next entry.
type WakeFallback struct {
	group *FallbackGroup[wake.Provider]
}

var _ wake.Provider = (*WakeFallback)(nil)

// NewWakeFallback creates a fallback detector with primary preferred.
func NewWakeFallback(primary wake.Provider, name string, cfg FallbackConfig) *WakeFallback {
	return &WakeFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another detector tried after earlier entries.
func (f *WakeFallback) AddFallback(name string, p wake.Provider) {
	f.group.AddFallback(name, p)
}

// Detect scans the segment against the first healthy backend.
func (f *WakeFallback) Detect(ctx context.Context, seg *audio.Segment) (wake.Detection, error) {
	return ExecuteWithResult(f.group, func(p wake.Provider) (wake.Detection, error) {
		return p.Detect(ctx, seg)
	})
}

// Capabilities merges the entries' declarations: phrase and format unions,
// Streaming and ThreadSafe only when every entry declares them.
func (f *WakeFallback) Capabilities() wake.Capabilities {
	merged := wake.Capabilities{Streaming: true, ThreadSafe: true}
	for i := range f.group.entries {
		c := f.group.entries[i].value.Capabilities()
		merged.WakeWords = mergeStrings(merged.WakeWords, c.WakeWords)
		merged.Formats = mergeStrings(merged.Formats, c.Formats)
		merged.Streaming = merged.Streaming && c.Streaming
		merged.ThreadSafe = merged.ThreadSafe && c.ThreadSafe
	}
	return merged
}
