package vad_test

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/irbis-voice/irbis/internal/vad"
	"github.com/irbis-voice/irbis/pkg/audio"
)

const (
	testRate    = 16000
	frameLen    = 320 // 20 ms at 16 kHz
	speechFreq  = 1970
	speechLevel = 0.3
)

// toneAt builds a mono PCM frame of a sine tone. phase is expressed in
// samples so that consecutive frames of a continuous tone can be produced
// with phase, phase+n, phase+2n, ...
func toneAt(freqHz, amplitude float64, n, phase int) audio.Frame {
	data := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(amplitude * 32767 * math.Sin(2*math.Pi*freqHz*float64(phase+i)/testRate))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return audio.Frame{Data: data, SampleRate: testRate, Channels: 1, Format: audio.FormatPCM16LE}
}

// toneSeq builds count consecutive frames of one continuous tone.
func toneSeq(freqHz, amplitude float64, count int) []audio.Frame {
	frames := make([]audio.Frame, count)
	for i := range frames {
		frames[i] = toneAt(freqHz, amplitude, frameLen, i*frameLen)
	}
	return frames
}

// silence builds a frame of digital zeros.
func silence(n int) audio.Frame {
	return audio.Frame{Data: make([]byte, n*2), SampleRate: testRate, Channels: 1, Format: audio.FormatPCM16LE}
}

// noiseSeq builds deterministic broadband noise frames.
func noiseSeq(rng *rand.Rand, amplitude float64, count int) []audio.Frame {
	frames := make([]audio.Frame, count)
	for i := range frames {
		data := make([]byte, frameLen*2)
		for s := 0; s < frameLen; s++ {
			v := int16((rng.Float64()*2 - 1) * amplitude * 32767)
			binary.LittleEndian.PutUint16(data[s*2:], uint16(v))
		}
		frames[i] = audio.Frame{Data: data, SampleRate: testRate, Channels: 1, Format: audio.FormatPCM16LE}
	}
	return frames
}

// runDetector feeds every frame through d and returns the voiced flag per
// frame.
func runDetector(d vad.Detector, frames []audio.Frame) []bool {
	flags := make([]bool, len(frames))
	for i, f := range frames {
		flags[i] = d.ProcessFrame(f).IsVoice
	}
	return flags
}

// countOnsets counts false→true transitions, treating the stream as starting
// from silence.
func countOnsets(flags []bool) int {
	onsets := 0
	prev := false
	for _, v := range flags {
		if v && !prev {
			onsets++
		}
		prev = v
	}
	return onsets
}

func simpleConfig() vad.Config {
	return vad.Config{
		SampleRate:            testRate,
		EnergyThreshold:       0.01,
		Sensitivity:           1.0,
		VoiceFramesRequired:   2,
		SilenceFramesRequired: 5,
	}
}

func TestSimpleDetection(t *testing.T) {
	t.Parallel()

	t.Run("loud tone confirms after required voice frames", func(t *testing.T) {
		t.Parallel()
		d := vad.NewSimple(simpleConfig())

		first := d.ProcessFrame(toneAt(440, 0.1, frameLen, 0))
		if first.IsVoice {
			t.Fatal("ProcessFrame: voiced on the first frame, want hysteresis delay")
		}
		if first.Energy < 0.05 || first.Energy > 0.09 {
			t.Fatalf("ProcessFrame: energy = %v, want about 0.07 for a 0.1 amplitude tone", first.Energy)
		}

		second := d.ProcessFrame(toneAt(440, 0.1, frameLen, frameLen))
		if !second.IsVoice {
			t.Fatal("ProcessFrame: expected voiced on the second consecutive voice frame")
		}
		if second.Confidence < 0.9 {
			t.Fatalf("ProcessFrame: confidence = %v, want near 1 for energy far above threshold", second.Confidence)
		}
	})

	t.Run("silence stays silent", func(t *testing.T) {
		t.Parallel()
		d := vad.NewSimple(simpleConfig())
		for i := 0; i < 50; i++ {
			res := d.ProcessFrame(silence(frameLen))
			if res.IsVoice {
				t.Fatalf("ProcessFrame: frame %d voiced on digital silence", i)
			}
			if res.Energy != 0 {
				t.Fatalf("ProcessFrame: frame %d energy = %v, want 0", i, res.Energy)
			}
		}
	})

	t.Run("zero threshold marks every non-empty frame as voice", func(t *testing.T) {
		t.Parallel()
		cfg := simpleConfig()
		cfg.EnergyThreshold = 0
		d := vad.NewSimple(cfg)

		d.ProcessFrame(silence(frameLen))
		res := d.ProcessFrame(silence(frameLen))
		if !res.IsVoice {
			t.Fatal("ProcessFrame: with threshold 0 even digital silence should confirm as voice")
		}
	})
}

func TestSimpleHysteresis(t *testing.T) {
	t.Parallel()

	t.Run("short voice burst never opens a run", func(t *testing.T) {
		t.Parallel()
		d := vad.NewSimple(simpleConfig())

		frames := []audio.Frame{silence(frameLen), silence(frameLen), toneAt(440, 0.1, frameLen, 0)}
		for i := 0; i < 10; i++ {
			frames = append(frames, silence(frameLen))
		}
		flags := runDetector(d, frames)
		if got := countOnsets(flags); got != 0 {
			t.Fatalf("countOnsets = %d, want 0 for a single-frame burst below the voice requirement", got)
		}
	})

	t.Run("sustained voice opens exactly one run and releases", func(t *testing.T) {
		t.Parallel()
		d := vad.NewSimple(simpleConfig())

		var frames []audio.Frame
		for i := 0; i < 3; i++ {
			frames = append(frames, silence(frameLen))
		}
		frames = append(frames, toneSeq(440, 0.1, 8)...)
		for i := 0; i < 10; i++ {
			frames = append(frames, silence(frameLen))
		}

		flags := runDetector(d, frames)
		if got := countOnsets(flags); got != 1 {
			t.Fatalf("countOnsets = %d, want exactly 1", got)
		}
		if flags[len(flags)-1] {
			t.Fatal("ProcessFrame: still voiced after ten trailing silence frames")
		}
		// Release happens on the fifth silence frame after the run.
		if !flags[3+8+3] {
			t.Fatal("ProcessFrame: released before the silence requirement was met")
		}
		if flags[3+8+5] {
			t.Fatal("ProcessFrame: not released once the silence requirement was met")
		}
	})
}

func TestSimpleEmptyFrame(t *testing.T) {
	t.Parallel()

	d := vad.NewSimple(simpleConfig())

	d.ProcessFrame(toneAt(440, 0.1, frameLen, 0))
	empty := d.ProcessFrame(audio.Frame{SampleRate: testRate, Channels: 1})
	if empty.IsVoice || empty.Energy != 0 || empty.ZCR != 0 {
		t.Fatalf("ProcessFrame: empty frame produced %+v, want zero result", empty)
	}

	// The empty frame must not have disturbed the voice run counter.
	res := d.ProcessFrame(toneAt(440, 0.1, frameLen, frameLen))
	if !res.IsVoice {
		t.Fatal("ProcessFrame: empty frame reset hysteresis state")
	}
}

func TestSimpleRetune(t *testing.T) {
	t.Parallel()

	d := vad.NewSimple(simpleConfig())
	flags := runDetector(d, toneSeq(440, 0.1, 4))
	if !flags[len(flags)-1] {
		t.Fatal("ProcessFrame: tone not detected before retune")
	}

	cfg := simpleConfig()
	cfg.EnergyThreshold = 0.5
	d.Retune(cfg)

	// The 0.07 RMS tone now sits far below the threshold, so the run ends
	// after the silence requirement.
	flags = runDetector(d, toneSeq(440, 0.1, 10))
	if flags[len(flags)-1] {
		t.Fatal("ProcessFrame: tone still voiced after retuning the threshold above its energy")
	}
}

func TestSimpleReset(t *testing.T) {
	t.Parallel()

	d := vad.NewSimple(simpleConfig())
	runDetector(d, toneSeq(440, 0.1, 4))

	d.Reset()

	res := d.ProcessFrame(toneAt(440, 0.1, frameLen, 0))
	if res.IsVoice {
		t.Fatal("ProcessFrame: voiced on the first frame after Reset")
	}
}

func TestNewSelectsDetector(t *testing.T) {
	t.Parallel()

	cfg := simpleConfig()
	if _, ok := vad.New(cfg).(*vad.Simple); !ok {
		t.Fatalf("New: expected *Simple when no advanced feature is enabled, got %T", vad.New(cfg))
	}

	cfg.AdaptiveThreshold = true
	if _, ok := vad.New(cfg).(*vad.Advanced); !ok {
		t.Fatalf("New: expected *Advanced with adaptive threshold enabled, got %T", vad.New(cfg))
	}

	cfg = simpleConfig()
	cfg.UseZeroCrossingRate = true
	if _, ok := vad.New(cfg).(*vad.Advanced); !ok {
		t.Fatalf("New: expected *Advanced with ZCR gating enabled, got %T", vad.New(cfg))
	}
}
