// Package audio converts between the capture device's float sample
// format and the PCM16 wire format, batches outbound microphone audio,
// and queues inbound assistant audio for sequential playback.
package audio

import "encoding/binary"

// TargetSampleRate is the rate the backend expects for microphone
// input. Capture at other rates is resampled before framing.
const TargetSampleRate = 16000

// Resample converts samples from one rate to another by linear
// interpolation. It returns the input untouched when the rates match.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(from) / float64(to)
	outLen := int(float64(len(samples)) / ratio)
	if outLen == 0 {
		return nil
	}

	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

// FloatToPCM16 encodes samples as little-endian signed 16-bit PCM,
// clamping to [-1, 1].
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat decodes little-endian signed 16-bit PCM into float
// samples in [-1, 1]. A trailing odd byte is ignored.
func PCM16ToFloat(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32767
	}
	return out
}
