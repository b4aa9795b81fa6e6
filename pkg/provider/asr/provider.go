// Package asr defines the Provider interface for speech-recognition backends.
//
// An ASR provider wraps a recognition engine (a local whisper.cpp server, a
// cloud API, an on-device model) and exposes a uniform segment-level
// interface: the pipeline hands it a complete voiced segment and receives a
// transcription result. Streaming recognizers adapt to this surface by
// flushing their stream per segment.
//
// Providers declare what they support through [Capabilities], returned once
// at registration; the dispatcher consults the declaration instead of
// probing. Unless Capabilities.ThreadSafe is true, callers serialize
// Transcribe calls.
package asr

import (
	"context"

	"github.com/irbis-voice/irbis/pkg/audio"
)

// Capabilities enumerates what a recognition backend supports. Returned once
// at registration; the declaration is authoritative.
type Capabilities struct {
	// Languages lists BCP-47 tags the provider recognizes. Empty means the
	// provider auto-detects.
	Languages []string

	// Formats lists accepted sample encodings (e.g. [audio.FormatPCM16LE]).
	Formats []string

	// Streaming reports whether the backend consumes audio incrementally.
	// Segment dispatch works either way; this is a hint for input adapters.
	Streaming bool

	// ThreadSafe reports whether Transcribe may be called concurrently.
	// When false the dispatcher serializes all calls.
	ThreadSafe bool
}

// Result is the outcome of transcribing one segment.
type Result struct {
	// Text is the recognized utterance, empty when nothing was recognized.
	Text string

	// Confidence in [0, 1], 0 when the backend reports none.
	Confidence float64

	// AudioDuration is the length of audio the provider consumed.
	AudioDuration float64
}

// Provider is the abstraction over any speech-recognition backend.
type Provider interface {
	// Transcribe recognizes speech in the segment's combined PCM. The
	// language hint may be empty for auto-detection. Implementations must
	// honor ctx cancellation; the dispatcher imposes a per-call deadline.
	Transcribe(ctx context.Context, seg *audio.Segment, language string) (Result, error)

	// ResetState clears any accumulated decoder state after an error so the
	// next call starts clean. Idempotent; calling it on a stateless backend
	// is a no-op.
	ResetState()

	// Capabilities returns the provider's declared capability set.
	Capabilities() Capabilities
}
