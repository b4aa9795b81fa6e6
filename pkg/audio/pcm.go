package audio

import "math"

// pcmScale is the divisor used to map int16 amplitudes into [-1, 1].
const pcmScale = 32768.0

// BytesToSamples decodes little-endian 16-bit PCM into int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes encodes int16 samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// FloatSamples decodes little-endian 16-bit PCM into float64 samples
// normalized to [-1, 1].
func FloatSamples(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float64(s) / pcmScale
	}
	return out
}

// FloatsToPCM encodes normalized float64 samples as little-endian 16-bit
// PCM, clamping to the int16 range.
func FloatsToPCM(samples []float64) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := f * pcmScale
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		s := int16(v)
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// RMS computes the root-mean-square energy of 16-bit PCM, normalized to
// [0, 1]. Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / pcmScale
}

// ZeroCrossingRate counts sign changes between consecutive samples and
// returns the rate in [0, 1]. Fewer than two samples yields 0. Samples equal
// to zero carry the preceding sign, so silence does not register crossings.
func ZeroCrossingRate(pcm []byte) float64 {
	n := len(pcm) / 2
	if n < 2 {
		return 0
	}
	crossings := 0
	prev := int16(pcm[0]) | int16(pcm[1])<<8
	for i := 1; i < n; i++ {
		cur := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if cur == 0 {
			continue
		}
		if (prev < 0) != (cur < 0) && prev != 0 {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(n-1)
}
