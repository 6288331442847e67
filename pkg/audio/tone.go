package audio

import "math"

// toneAmplitude matches a loud but unclipped test tone.
const toneAmplitude = 28000

// ToneGenerator produces a phase-continuous sine wave.
type ToneGenerator struct {
	step  float64
	phase float64
}

// NewToneGenerator returns a generator for freq Hz at sampleRate.
func NewToneGenerator(sampleRate int, freq float64) *ToneGenerator {
	return &ToneGenerator{step: 2 * math.Pi * freq / float64(sampleRate)}
}

// Fill writes len(pcm)/channels sine samples, duplicated across channels.
func (g *ToneGenerator) Fill(pcm []int16, channels int) {
	if channels < 1 {
		channels = 1
	}
	for i := 0; i+channels <= len(pcm); i += channels {
		v := int16(math.Sin(g.phase) * toneAmplitude)
		for ch := 0; ch < channels; ch++ {
			pcm[i+ch] = v
		}
		g.phase += g.step
		if g.phase > 2*math.Pi {
			g.phase -= 2 * math.Pi
		}
	}
}
