package audio

import (
	"fmt"
	"log/slog"
)

// Resampler handles audio resampling from one sample rate to another
type Resampler struct {
	inputRate  int
	outputRate int
	ratio      float64
	logger     *slog.Logger
}

// NewResampler creates a new resampler
func NewResampler(inputRate, outputRate int, logger *slog.Logger) (*Resampler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", inputRate, outputRate)
	}

	if inputRate == outputRate {
		logger.Debug("input and output sample rates are equal, no resampling needed",
			"sample_rate", inputRate)
	}

	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		ratio:      float64(outputRate) / float64(inputRate),
		logger:     logger,
	}, nil
}

// Passthrough reports whether Resample returns its input unchanged.
func (r *Resampler) Passthrough() bool {
	return r.inputRate == r.outputRate
}

// Resample performs simple linear interpolation resampling on mono int16 PCM.
// For production, consider libsoxr via cgo for higher quality
func (r *Resampler) Resample(input []int16) []int16 {
	if len(input) == 0 {
		return []int16{}
	}
	if r.Passthrough() {
		return input
	}

	outputSize := int(float64(len(input)) * r.ratio)
	if outputSize == 0 {
		return []int16{}
	}

	output := make([]int16, outputSize)

	for i := 0; i < outputSize; i++ {
		pos := float64(i) / r.ratio
		idx := int(pos)

		if idx >= len(input)-1 {
			output[i] = input[len(input)-1]
			continue
		}

		frac := pos - float64(idx)
		v := float64(input[idx])*(1-frac) + float64(input[idx+1])*frac
		output[i] = int16(v)
	}

	return output
}
