package audio

import "time"

// Metadata keys set by the segment assembler. Values live in [Segment.Metadata].
const (
	// MetaTimeoutForced marks a segment emitted because the maximum segment
	// duration elapsed while voice was still active.
	MetaTimeoutForced = "timeout_forced"

	// MetaOverflowForced marks a segment emitted because the voice buffer
	// reached capacity.
	MetaOverflowForced = "overflow_forced"

	// MetaAvgEnergy holds the mean normalized frame energy (float64).
	MetaAvgEnergy = "avg_energy"

	// MetaTotalBytes holds the combined PCM byte count (int).
	MetaTotalBytes = "total_bytes"

	// MetaNormalizedForASR marks a segment copy whose samples were
	// RMS-normalized before recognition.
	MetaNormalizedForASR = "normalized_for_asr"

	// MetaChunkTimestamps holds the capture offsets of every buffered frame
	// ([]time.Duration), for consumers working from Combined alone.
	MetaChunkTimestamps = "chunk_timestamps"
)

// Segment is a complete voiced utterance assembled from consecutive frames.
// Frames are in capture order and share one sample rate and channel count;
// Combined is their concatenated PCM.
type Segment struct {
	// ID uniquely identifies the segment within the process.
	ID string

	// Frames holds the constituent frames in capture order, including any
	// pre-buffered frames from just before voice onset.
	Frames []Frame

	// Start and End are the capture offsets of the first and last frame.
	Start time.Duration
	End   time.Duration

	// SampleRate and Channels describe every frame in the segment.
	SampleRate int
	Channels   int

	// ChunkCount is len(Frames) at emission time.
	ChunkCount int

	// Combined is the concatenation of all frame PCM, ready for providers
	// that want a single buffer.
	Combined []byte

	// Metadata carries assembly facts (see the Meta* keys). Never nil on
	// emitted segments.
	Metadata map[string]any
}

// Duration returns the play time covered by the combined PCM.
func (s *Segment) Duration() time.Duration {
	if s.SampleRate <= 0 || s.Channels <= 0 {
		return 0
	}
	samplesPerChannel := len(s.Combined) / 2 / s.Channels
	return time.Duration(samplesPerChannel) * time.Second / time.Duration(s.SampleRate)
}

// TimeoutForced reports whether the segment was cut short by the maximum
// segment duration.
func (s *Segment) TimeoutForced() bool {
	v, _ := s.Metadata[MetaTimeoutForced].(bool)
	return v
}

// OverflowForced reports whether the segment was emitted due to a full
// voice buffer.
func (s *Segment) OverflowForced() bool {
	v, _ := s.Metadata[MetaOverflowForced].(bool)
	return v
}

// Normalized reports whether the segment's samples were RMS-normalized.
func (s *Segment) Normalized() bool {
	v, _ := s.Metadata[MetaNormalizedForASR].(bool)
	return v
}
