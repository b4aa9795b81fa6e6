package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/irbis-voice/irbis/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMonoToStereo(t *testing.T) {
	mono := samplesToBytes([]int16{100, 200, 300})
	stereo := audio.MonoToStereo(mono)
	got := bytesToSamples(stereo)
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	// Two max-positive samples should clamp to 32767 (not overflow).
	stereo := samplesToBytes([]int16{32767, 32767})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	if len(got) != 1 {
		t.Fatalf("length mismatch: got %d, want 1", len(got))
	}
	if got[0] != 32767 {
		t.Errorf("got %d, want 32767", got[0])
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 48000, 16000)
	if got := len(out) / 2; got != 2 {
		t.Fatalf("expected 2 samples, got %d", got)
	}
}

func TestResampleMono16_DegenerateRates(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	for _, tc := range []struct {
		name     string
		src, dst int
	}{
		{"same rate", 48000, 48000},
		{"zero src", 0, 48000},
		{"zero dst", 48000, 0},
		{"negative src", -1, 48000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := audio.ResampleMono16(pcm, tc.src, tc.dst)
			if len(out) != len(pcm) {
				t.Errorf("expected unchanged output, got len %d", len(out))
			}
		})
	}
}

func TestResampleStereo16(t *testing.T) {
	// 2 stereo frames at 16kHz → 6 stereo frames (12 samples) at 48kHz
	pcm := samplesToBytes([]int16{100, 200, 300, 400})
	out := audio.ResampleStereo16(pcm, 16000, 48000)
	if got := len(out) / 2; got != 12 {
		t.Fatalf("expected 12 samples, got %d", got)
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	conv := audio.FormatConverter{
		Target: audio.Format{SampleRate: 16000, Channels: 1},
	}
	frame := audio.Frame{
		Data:       samplesToBytes([]int16{100, 200}),
		SampleRate: 16000,
		Channels:   1,
	}
	result := conv.Convert(frame)
	// Same slice, so pointer equality holds.
	if &result.Data[0] != &frame.Data[0] {
		t.Error("expected same slice (zero allocation) for matching format")
	}
}

func TestFormatConverter_StereoToMonoDownsample(t *testing.T) {
	// 48000 Hz stereo capture → 16000 Hz mono recognition format.
	conv := audio.FormatConverter{
		Target: audio.Format{SampleRate: 16000, Channels: 1},
	}
	frame := audio.Frame{
		Data:       samplesToBytes([]int16{1000, 1000, 2000, 2000, 3000, 3000}),
		SampleRate: 48000,
		Channels:   2,
	}
	result := conv.Convert(frame)
	if result.SampleRate != 16000 {
		t.Errorf("expected 16000Hz, got %d", result.SampleRate)
	}
	if result.Channels != 1 {
		t.Errorf("expected mono, got %d channels", result.Channels)
	}
	if len(result.Data) == 0 {
		t.Error("expected non-empty output")
	}
	if result.Format != audio.FormatPCM16LE {
		t.Errorf("expected %q format, got %q", audio.FormatPCM16LE, result.Format)
	}
}

func TestFormatConverter_CorruptFrame(t *testing.T) {
	var corrupt int
	conv := audio.FormatConverter{
		Target:    audio.Format{SampleRate: 16000, Channels: 1},
		OnCorrupt: func() { corrupt++ },
	}
	frame := audio.Frame{
		Data:       []byte{1, 2, 3}, // odd byte count, invalid int16 PCM
		SampleRate: 22050,
		Channels:   1,
	}
	result := conv.Convert(frame)
	if len(result.Data) != 0 {
		t.Errorf("expected empty data for odd byte count, got %d bytes", len(result.Data))
	}
	// Dropped frame carries target format, not source format.
	if result.SampleRate != 16000 || result.Channels != 1 {
		t.Errorf("expected target format on dropped frame, got %dHz %dch",
			result.SampleRate, result.Channels)
	}
	if corrupt != 1 {
		t.Errorf("expected 1 corrupt callback, got %d", corrupt)
	}

	// Alignment is checked even when formats already match.
	result = conv.Convert(audio.Frame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if len(result.Data) != 0 {
		t.Errorf("expected empty data when formats match, got %d bytes", len(result.Data))
	}
	if corrupt != 2 {
		t.Errorf("expected 2 corrupt callbacks, got %d", corrupt)
	}
}

func TestMonoToStereo_OddLengthInput(t *testing.T) {
	// 5 bytes = 2 complete samples + 1 trailing byte; trailing byte must not
	// produce a zero sample.
	pcm := []byte{0x64, 0x00, 0xC8, 0x00, 0xFF}
	stereo := audio.MonoToStereo(pcm)
	if len(stereo) != 8 {
		t.Fatalf("expected 8 bytes for 2 complete mono samples, got %d", len(stereo))
	}
	got := bytesToSamples(stereo)
	want := []int16{100, 100, 200, 200}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestConvertStream(t *testing.T) {
	in := make(chan audio.Frame, 3)
	target := audio.Format{SampleRate: 16000, Channels: 1}

	var corrupt int
	out := audio.ConvertStream(in, target, func() { corrupt++ })

	// A valid stereo frame that needs conversion.
	in <- audio.Frame{
		Data:       samplesToBytes([]int16{100, 100, 200, 200}),
		SampleRate: 16000,
		Channels:   2,
	}
	// An odd-byte frame that should be dropped.
	in <- audio.Frame{
		Data:       []byte{1, 2, 3},
		SampleRate: 16000,
		Channels:   1,
	}
	// A frame that matches the target (pass-through).
	in <- audio.Frame{
		Data:       samplesToBytes([]int16{500, 600}),
		SampleRate: 16000,
		Channels:   1,
	}
	close(in)

	var results []audio.Frame
	for frame := range out {
		results = append(results, frame)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 frames (corrupt one dropped), got %d", len(results))
	}
	if corrupt != 1 {
		t.Errorf("expected 1 corrupt callback, got %d", corrupt)
	}

	got := bytesToSamples(results[0].Data)
	want := []int16{100, 200}
	if len(got) != len(want) {
		t.Fatalf("frame 0: expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame 0 sample %d: got %d, want %d", i, got[i], want[i])
		}
	}

	got2 := bytesToSamples(results[1].Data)
	want2 := []int16{500, 600}
	for i := range want2 {
		if got2[i] != want2[i] {
			t.Errorf("frame 1 sample %d: got %d, want %d", i, got2[i], want2[i])
		}
	}
}
