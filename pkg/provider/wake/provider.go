// Package wake defines the Provider interface for wake-word backends.
//
// A wake-word provider examines a voiced segment and reports whether it
// contains the assistant's activation phrase. The dispatcher uses this to
// gate recognition: a session stays asleep until a segment wakes it, and the
// waking segment itself is consumed rather than transcribed.
//
// Providers declare concurrency support through [Capabilities]; unless
// ThreadSafe is true, callers serialize Detect calls.
package wake

import (
	"context"

	"github.com/irbis-voice/irbis/pkg/audio"
)

// Capabilities enumerates what a wake-word backend supports.
type Capabilities struct {
	// WakeWords lists the activation phrases the model was trained on.
	WakeWords []string

	// Formats lists accepted sample encodings.
	Formats []string

	// Streaming reports whether the backend consumes audio incrementally.
	Streaming bool

	// ThreadSafe reports whether Detect may be called concurrently.
	ThreadSafe bool
}

// Detection is the outcome of scanning one segment for the wake word.
type Detection struct {
	// Detected reports that the segment contains an activation phrase.
	Detected bool

	// Confidence in [0, 1].
	Confidence float64

	// WakeWord names the phrase that matched, when the model distinguishes
	// several.
	WakeWord string
}

// Provider is the abstraction over any wake-word backend.
type Provider interface {
	// Detect scans the segment's combined PCM for an activation phrase.
	// Implementations must honor ctx cancellation; the dispatcher imposes a
	// per-call deadline.
	Detect(ctx context.Context, seg *audio.Segment) (Detection, error)

	// Capabilities returns the provider's declared capability set.
	Capabilities() Capabilities
}
