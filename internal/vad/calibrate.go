package vad

import (
	"errors"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/irbis-voice/irbis/pkg/audio"
)

// ErrNoFrames is returned by [Calibrate] when no non-empty frames are
// supplied.
var ErrNoFrames = errors.New("vad: calibrate: no usable frames")

// Calibration summarizes an ambient-noise measurement.
type Calibration struct {
	// NoiseFloor is the configured percentile of per-frame energies.
	NoiseFloor float64

	// SuggestedThreshold is the noise floor scaled by the voice multiplier
	// and clamped to the valid threshold range. Suitable for
	// [Config.EnergyThreshold].
	SuggestedThreshold float64

	// Frames is the number of frames that contributed energies.
	Frames int
}

// Calibrate measures the noise floor of the supplied frames and suggests an
// energy threshold. Callers typically record a second or two of ambient
// audio before opening a session and feed the frames here. Frames are
// preprocessed the same way [Advanced] preprocesses live audio so the
// suggestion is directly comparable to detection energies.
func Calibrate(frames []audio.Frame, cfg Config) (Calibration, error) {
	cfg = cfg.withDefaults()

	energies := make([]float64, 0, len(frames))
	for _, f := range frames {
		if len(f.Data) == 0 {
			continue
		}
		samples := audio.FloatSamples(f.Data)
		preprocess(samples)
		if e := rmsFloats(samples); finite(e) {
			energies = append(energies, e)
		}
	}
	if len(energies) == 0 {
		return Calibration{}, ErrNoFrames
	}

	sort.Float64s(energies)
	floor := stat.Quantile(float64(cfg.NoisePercentile)/100, stat.Empirical, energies, nil)

	return Calibration{
		NoiseFloor:         floor,
		SuggestedThreshold: clamp(floor*cfg.VoiceMultiplier, thresholdFloor, thresholdCeil),
		Frames:             len(energies),
	}, nil
}
