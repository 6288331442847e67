package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// SamplesPerFrame returns the number of PCM samples per channel carried by one
// frame of the given duration. It fails when the duration does not map to a
// whole number of samples at sampleRate.
func SamplesPerFrame(sampleRate int, frameDuration time.Duration) (int, error) {
	if sampleRate <= 0 || frameDuration <= 0 {
		return 0, fmt.Errorf("invalid frame geometry: rate=%d duration=%s", sampleRate, frameDuration)
	}

	// 48000 Hz * 7.5 ms = 360, 48000 Hz * 10 ms = 480
	num := int64(sampleRate) * int64(frameDuration)
	if num%int64(time.Second) != 0 {
		return 0, fmt.Errorf("frame duration %s is not a whole number of samples at %d Hz", frameDuration, sampleRate)
	}
	return int(num / int64(time.Second)), nil
}

// Silence zeroes pcm in place.
func Silence(pcm []int16) {
	clear(pcm)
}

// IsSilent reports whether every sample is zero.
func IsSilent(pcm []int16) bool {
	for _, s := range pcm {
		if s != 0 {
			return false
		}
	}
	return true
}

// Int16ToBytes packs samples as signed 16-bit little-endian.
func Int16ToBytes(samples []int16, dst []byte) []byte {
	need := len(samples) * 2
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}

// BytesToInt16 unpacks signed 16-bit little-endian samples. A trailing odd
// byte is ignored.
func BytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// Int16ToFloat32 converts int16 PCM to float32 [-1.0, 1.0]
func Int16ToFloat32(samples []int16) []float32 {
	result := make([]float32, len(samples))
	for i, sample := range samples {
		result[i] = float32(sample) / 32768.0
	}
	return result
}

// Float32ToInt16 converts float32 PCM to int16, clamping to [-1.0, 1.0] first.
func Float32ToInt16(samples []float32) []int16 {
	result := make([]int16, len(samples))
	for i, v := range samples {
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		result[i] = int16(v * 32767)
	}
	return result
}

// Downmix averages interleaved channels into mono.
func Downmix(interleaved []int16, channels int) []int16 {
	if channels <= 1 {
		out := make([]int16, len(interleaved))
		copy(out, interleaved)
		return out
	}
	n := len(interleaved) / channels
	mono := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(interleaved[i*channels+ch])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

// Upmix duplicates mono samples into interleaved channels.
func Upmix(mono []int16, channels int) []int16 {
	if channels <= 1 {
		out := make([]int16, len(mono))
		copy(out, mono)
		return out
	}
	out := make([]int16, len(mono)*channels)
	for i, s := range mono {
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] = s
		}
	}
	return out
}
