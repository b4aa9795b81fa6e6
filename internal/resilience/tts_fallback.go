package resilience

import (
	"context"

	"github.com/irbis-voice/irbis/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across several
// synthesis backends. The notification service treats the wrapper as one
// provider; a chain where any entry delivers keeps spoken notifications
// flowing while a cloud voice is down.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a fallback synthesizer with primary preferred.
func NewTTSFallback(primary tts.Provider, name string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another synthesizer tried after earlier entries.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) {
	f.group.AddFallback(name, p)
}

// SynthToFile renders text to path through the first healthy backend.
func (f *TTSFallback) SynthToFile(ctx context.Context, text, path string, opts tts.Options) error {
	return f.group.Execute(func(p tts.Provider) error {
		return p.SynthToFile(ctx, text, path, opts)
	})
}

// Speak renders and plays text through the first healthy backend.
func (f *TTSFallback) Speak(ctx context.Context, text string, opts tts.Options) error {
	return f.group.Execute(func(p tts.Provider) error {
		return p.Speak(ctx, text, opts)
	})
}

// Capabilities merges the entries' declarations: language and voice
// unions, ThreadSafe only when every entry declares it. A requested voice
// must still exist on whichever entry serves the call; chains should list
// voices their fallbacks share when callers pin one.
func (f *TTSFallback) Capabilities() tts.Capabilities {
	merged := tts.Capabilities{ThreadSafe: true}
	for i := range f.group.entries {
		c := f.group.entries[i].value.Capabilities()
		merged.Languages = mergeStrings(merged.Languages, c.Languages)
		merged.Voices = mergeStrings(merged.Voices, c.Voices)
		merged.ThreadSafe = merged.ThreadSafe && c.ThreadSafe
	}
	return merged
}
