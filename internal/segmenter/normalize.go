package segmenter

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/irbis-voice/irbis/pkg/audio"
)

// DefaultTargetRMS is the normalization target used when the caller passes a
// non-positive value.
const DefaultTargetRMS = 0.15

// Speech-aware normalization limits. Low-variation or very quiet audio is
// treated as noise and never amplified.
const (
	normScale          = 32767.0
	silentRMS          = 1e-6
	minSpeechRMS       = 0.01
	minSpeechVariation = 0.3
	minGain            = 0.3
	maxGain            = 2.0
)

// NormalizeForASR returns a copy of the segment whose combined audio is
// scaled toward targetRMS. The original segment is never modified.
//
// Audio that looks like noise rather than speech is passed through
// unchanged: near-silent buffers, buffers whose RMS is below the speech
// floor, and buffers with too little sample variation. The applied gain is
// bounded so recognition never receives wildly amplified or crushed audio,
// and scaled samples are hard-clipped before conversion back to PCM.
//
// The returned copy always carries the normalized-for-recognition metadata
// flag, marking which audio went through this step.
func NormalizeForASR(seg *audio.Segment, targetRMS float64) *audio.Segment {
	if targetRMS <= 0 {
		targetRMS = DefaultTargetRMS
	}

	out := *seg
	out.Metadata = make(map[string]any, len(seg.Metadata)+1)
	for k, v := range seg.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata[audio.MetaNormalizedForASR] = true

	samples := audio.BytesToSamples(seg.Combined)
	if len(samples) == 0 {
		return &out
	}

	x := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = float64(s) / normScale
	}

	cur := rms(x)
	if cur < silentRMS {
		return &out
	}
	variation := stat.PopStdDev(x, nil) / cur
	if variation < minSpeechVariation || cur < minSpeechRMS {
		return &out
	}

	gain := clampF(targetRMS/cur, minGain, maxGain)
	scaled := make([]int16, len(x))
	for i, v := range x {
		v *= gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		scaled[i] = int16(math.Round(v * normScale))
	}
	out.Combined = audio.SamplesToBytes(scaled)
	return &out
}

func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
