package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FormatConverter converts Frames to a target format. The recognition path
// expects 16 kHz mono; input adapters run their capture format through a
// converter before frames reach voice detection. It logs a warning on the
// first format mismatch and validates PCM sample alignment.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target Format

	// OnCorrupt, when set, is invoked once per dropped frame so callers can
	// count corrupt input. Invoked on the converting goroutine.
	OnCorrupt func()

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Frames whose byte count is not sample-aligned are dropped: the returned
// frame carries the target format and no data.
// Conversion order: resample first, then channel convert.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if frame.Validate() != nil {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: pcm not sample-aligned, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		if c.OnCorrupt != nil {
			c.OnCorrupt()
		}
		return Frame{
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Format:     FormatPCM16LE,
			Timestamp:  frame.Timestamp,
			Metadata:   frame.Metadata,
		}
	}

	// Fast path: source matches target.
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := frame.Data
	rate := frame.SampleRate
	channels := frame.Channels

	// Resample first; this avoids resampling stereo when the target is mono
	// only in the mono-source case, but keeps the rate math in one place.
	if rate != c.Target.SampleRate {
		if channels == 1 {
			pcm = ResampleMono16(pcm, rate, c.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, rate, c.Target.SampleRate)
		}
		rate = c.Target.SampleRate
	}

	if channels != c.Target.Channels {
		switch {
		case channels == 1 && c.Target.Channels == 2:
			pcm = MonoToStereo(pcm)
		case channels == 2 && c.Target.Channels == 1:
			pcm = StereoToMono(pcm)
		}
		channels = c.Target.Channels
	}

	return Frame{
		Data:       pcm,
		SampleRate: rate,
		Channels:   channels,
		Format:     FormatPCM16LE,
		Timestamp:  frame.Timestamp,
		Metadata:   frame.Metadata,
	}
}

// ConvertStream wraps an input channel with a conversion goroutine. It closes
// the returned channel when in closes. Uses cap(in) for the output channel
// buffer. Frames dropped as corrupt do not appear on the output channel.
func ConvertStream(in <-chan Frame, target Format, onCorrupt func()) <-chan Frame {
	out := make(chan Frame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target, OnCorrupt: onCorrupt}
		for frame := range in {
			converted := conv.Convert(frame)
			if len(converted.Data) == 0 {
				continue
			}
			out <- converted
		}
	}()
	return out
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples.
// If srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interp := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interp)
		out[i*2+1] = byte(interp >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. Each stereo frame is 4 bytes (L+R interleaved).
// If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8

		l1, r1 := l0, r0
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		}

		lInterp := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rInterp := int16(float64(r0)*(1-frac) + float64(r1)*frac)

		out[i*4] = byte(lInterp)
		out[i*4+1] = byte(lInterp >> 8)
		out[i*4+2] = byte(rInterp)
		out[i*4+3] = byte(rInterp >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
