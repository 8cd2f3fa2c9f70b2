package capture

import "encoding/binary"

// TargetRate is the canonical sample rate expected by the transcription
// service.
const TargetRate = 16000

// ToCanonical converts one raw capture buffer (16-bit little-endian PCM at the
// source rate and channel count) into 16-bit mono PCM at TargetRate. Each
// capture buffer is converted on its own so latency stays bounded by the
// buffer duration.
func ToCanonical(src []byte, srcRate, srcChannels int) []byte {
	if srcRate <= 0 || srcChannels <= 0 {
		return nil
	}

	samples := decodeInt16(src)
	if srcChannels > 1 {
		samples = downmix(samples, srcChannels)
	}
	if srcRate != TargetRate {
		samples = resampleLinear(samples, srcRate, TargetRate)
	}
	return encodeInt16(samples)
}

func decodeInt16(src []byte) []int16 {
	samples := make([]int16, len(src)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(src[i*2 : i*2+2]))
	}
	return samples
}

func encodeInt16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

// downmix averages interleaved channels into mono.
func downmix(samples []int16, channels int) []int16 {
	frames := len(samples) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}

// resampleLinear converts samples from srcRate to dstRate using linear
// interpolation between neighboring source samples.
func resampleLinear(samples []int16, srcRate, dstRate int) []int16 {
	if len(samples) == 0 || srcRate == dstRate {
		return samples
	}
	outLen := len(samples) * dstRate / srcRate
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}
