// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a synthesis engine (a local Piper instance, a cloud
// voice, the platform speech stack) and presents two uniform entry points:
// SynthToFile renders an utterance to an audio file for later playback, and
// Speak renders and plays in one call for immediate spoken feedback.
//
// The notification service is the main caller; it holds a per-call deadline,
// so implementations must honor ctx cancellation.
package tts

import "context"

// Capabilities enumerates what a synthesis backend supports.
type Capabilities struct {
	// Languages lists BCP-47 tags the provider can synthesize.
	Languages []string

	// Voices lists selectable voice names, empty when the backend has a
	// single fixed voice.
	Voices []string

	// ThreadSafe reports whether synthesis calls may run concurrently.
	ThreadSafe bool
}

// Options tunes a single synthesis call. The zero value selects the
// provider's defaults.
type Options struct {
	// Voice selects a voice from Capabilities.Voices.
	Voice string

	// Language is a BCP-47 tag, empty for the provider default.
	Language string

	// Speed is a playback-rate multiplier; 0 means the provider default.
	Speed float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthToFile renders text to the audio file at path. The container
	// format follows the path extension where the backend supports several.
	SynthToFile(ctx context.Context, text, path string, opts Options) error

	// Speak renders text and plays it through the provider's output route,
	// returning after playback completes or ctx is cancelled.
	Speak(ctx context.Context, text string, opts Options) error

	// Capabilities returns the provider's declared capability set.
	Capabilities() Capabilities
}
