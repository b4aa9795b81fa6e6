// Package audio defines the frame, segment and PCM helper types shared by
// every stage of the voice pipeline.
//
// The atomic unit of transport is the [Frame]: a small slice of PCM captured
// from an input stream, stamped with its capture offset. Frames flow through
// voice activity detection and accumulate into [Segment] values, which are
// the unit handed to speech recognition.
//
// This package lives under pkg/ because external code (input adapters,
// provider implementations) is expected to produce and consume these types.
package audio

import (
	"errors"
	"time"
)

// FormatPCM16LE is the canonical frame format: 16-bit signed little-endian PCM.
const FormatPCM16LE = "pcm_s16le"

// ErrNotSampleAligned is returned by [Frame.Validate] when the PCM byte count
// does not divide evenly into 16-bit samples.
var ErrNotSampleAligned = errors.New("audio: pcm data not sample-aligned")

// Frame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport: captured from input streams,
// classified by VAD, buffered into segments, and handed to providers.
//
// Consumers must treat Data as read-only; stages that transform samples
// allocate a new slice.
type Frame struct {
	// PCM audio data, interpreted according to Format.
	Data []byte

	// SampleRate in Hz (e.g. 16000 for the recognition path).
	SampleRate int

	// Channels: 1 for mono (the recognition path), 2 for stereo capture.
	Channels int

	// Format names the sample encoding. Empty means [FormatPCM16LE].
	Format string

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration

	// Metadata carries optional transport hints (device id, source tag).
	// Nil for the common case.
	Metadata map[string]string
}

// Samples returns the number of PCM samples in the frame across all channels.
func (f Frame) Samples() int {
	return len(f.Data) / 2
}

// Duration returns the play time of the frame, derived from its byte length,
// sample rate and channel count. Returns 0 when the format fields are unset.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samplesPerChannel := len(f.Data) / 2 / f.Channels
	return time.Duration(samplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}

// Validate reports whether the frame carries well-formed 16-bit PCM.
func (f Frame) Validate() error {
	if len(f.Data)%2 != 0 {
		return ErrNotSampleAligned
	}
	return nil
}

// Clone returns a deep copy of the frame. Buffering stages clone before
// retaining a frame so producers may reuse their capture buffers.
func (f Frame) Clone() Frame {
	out := f
	out.Data = make([]byte, len(f.Data))
	copy(out.Data, f.Data)
	if f.Metadata != nil {
		out.Metadata = make(map[string]string, len(f.Metadata))
		for k, v := range f.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// VADResult is the per-frame verdict of a voice activity detector.
// Energy, ZCR and AdaptiveThreshold are normalized to [0, 1].
//
// IsVoice and RawVoice differ at run boundaries. RawVoice is the detector's
// verdict on this frame alone; IsVoice is the debounced run state, which lags
// onsets until enough voiced frames confirm and holds through short pauses
// until enough silent frames release. Segmentation opens and closes on
// IsVoice but buffers only RawVoice frames, so trailing release-hold silence
// never pads a segment.
type VADResult struct {
	// IsVoice is the hysteresis-stable run state as of this frame.
	IsVoice bool

	// RawVoice is the per-frame decision that feeds hysteresis: the plain
	// threshold comparison for the simple detector, the smoothed decision
	// for the advanced one.
	RawVoice bool

	// Confidence expresses how far the frame's energy sits above (or below)
	// the effective threshold, bounded to [0, 1].
	Confidence float64

	// Energy is the normalized RMS energy of the frame after preprocessing.
	Energy float64

	// ZCR is the zero-crossing rate: sign changes per sample pair.
	ZCR float64

	// AdaptiveThreshold is the effective decision threshold used for this
	// frame. For the simple detector this is the configured threshold.
	AdaptiveThreshold float64

	// ProcessingTime is how long classification of this frame took.
	ProcessingTime time.Duration

	// CacheHit reports that the detector reused a memoized feature set.
	CacheHit bool
}
