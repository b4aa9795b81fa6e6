// Package audioout defines the interface for audio playback platforms.
//
// A playback platform wraps the host audio stack (ALSA, PulseAudio, a
// network speaker) and exposes uniform file and stream playback with
// transport control. The notification service and skill handlers are the
// callers; the core never talks to sound hardware directly.
//
// Implementations must be safe for concurrent use.
package audioout

import (
	"context"
	"fmt"
)

// Device describes one playback device offered by the platform.
type Device struct {
	// ID is the platform-specific stable identifier.
	ID string

	// Name is the human-readable device name.
	Name string

	// Default reports whether the platform selects this device absent a
	// SetDevice call.
	Default bool
}

// StreamSpec describes raw PCM handed to PlayStream. Zero-value fields fall
// back to 16 kHz mono s16le.
type StreamSpec struct {
	Format     string
	SampleRate int
	Channels   int
}

// PlayOpts tunes a single PlayFile call. The zero value plays on the current
// device at the current volume.
type PlayOpts struct {
	// DeviceID routes this playback to a specific device without changing
	// the platform default.
	DeviceID string

	// Volume overrides the platform volume for this playback when > 0.
	// Range (0, 1].
	Volume float64
}

// ErrBadVolume is returned by SetVolume for values outside [0, 1].
var ErrBadVolume = fmt.Errorf("audioout: volume outside [0, 1]")

// Platform is the abstraction over any audio playback backend.
type Platform interface {
	// PlayFile plays the audio file at path, returning after playback
	// completes or ctx is cancelled.
	PlayFile(ctx context.Context, path string, opts PlayOpts) error

	// PlayStream plays raw PCM described by spec.
	PlayStream(ctx context.Context, pcm []byte, spec StreamSpec) error

	// Stop aborts the current playback, if any.
	Stop() error

	// Pause suspends the current playback; Resume continues it.
	Pause() error
	Resume() error

	// ListDevices returns the playback devices currently available.
	ListDevices() ([]Device, error)

	// SetDevice selects the default playback device by ID.
	SetDevice(id string) error

	// SetVolume sets the platform volume. v must be in [0, 1]; out-of-range
	// values are rejected with [ErrBadVolume], not clamped.
	SetVolume(v float64) error
}
