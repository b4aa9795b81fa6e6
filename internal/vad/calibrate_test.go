package vad_test

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/irbis-voice/irbis/internal/vad"
	"github.com/irbis-voice/irbis/pkg/audio"
)

func TestCalibrate(t *testing.T) {
	t.Parallel()

	t.Run("digital silence suggests the minimum threshold", func(t *testing.T) {
		t.Parallel()
		frames := make([]audio.Frame, 20)
		for i := range frames {
			frames[i] = silence(frameLen)
		}
		cal, err := vad.Calibrate(frames, advancedConfig())
		if err != nil {
			t.Fatalf("Calibrate: unexpected error: %v", err)
		}
		if cal.NoiseFloor != 0 {
			t.Fatalf("Calibrate: noise floor = %v, want 0 for digital silence", cal.NoiseFloor)
		}
		if cal.SuggestedThreshold != 1e-4 {
			t.Fatalf("Calibrate: suggested threshold = %v, want the 1e-4 clamp floor", cal.SuggestedThreshold)
		}
		if cal.Frames != 20 {
			t.Fatalf("Calibrate: frames = %d, want 20", cal.Frames)
		}
	})

	t.Run("loud ambient noise is clamped to the ceiling", func(t *testing.T) {
		t.Parallel()
		rng := rand.New(rand.NewPCG(3, 5))
		cal, err := vad.Calibrate(noiseSeq(rng, 0.2, 30), advancedConfig())
		if err != nil {
			t.Fatalf("Calibrate: unexpected error: %v", err)
		}
		if cal.NoiseFloor <= 0.05 {
			t.Fatalf("Calibrate: noise floor = %v, want a substantial floor for loud noise", cal.NoiseFloor)
		}
		if cal.SuggestedThreshold != 0.1 {
			t.Fatalf("Calibrate: suggested threshold = %v, want the 0.1 clamp ceiling", cal.SuggestedThreshold)
		}
	})

	t.Run("empty frames are skipped", func(t *testing.T) {
		t.Parallel()
		frames := []audio.Frame{silence(frameLen), {}, silence(frameLen), {}}
		cal, err := vad.Calibrate(frames, advancedConfig())
		if err != nil {
			t.Fatalf("Calibrate: unexpected error: %v", err)
		}
		if cal.Frames != 2 {
			t.Fatalf("Calibrate: frames = %d, want 2 with empty frames skipped", cal.Frames)
		}
	})

	t.Run("no usable frames", func(t *testing.T) {
		t.Parallel()
		if _, err := vad.Calibrate(nil, advancedConfig()); !errors.Is(err, vad.ErrNoFrames) {
			t.Fatalf("Calibrate(nil): error = %v, want ErrNoFrames", err)
		}
		if _, err := vad.Calibrate([]audio.Frame{{}, {}}, advancedConfig()); !errors.Is(err, vad.ErrNoFrames) {
			t.Fatalf("Calibrate(empty frames): error = %v, want ErrNoFrames", err)
		}
	})
}
