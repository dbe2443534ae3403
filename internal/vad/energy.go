package vad

import (
	"math"
)

const (
	defaultReferenceRMS = 0.02
	defaultSlopeDB      = 3.0
	// Frames whose zero-crossing rate exceeds this look like broadband hiss.
	noisyZeroCrossingRate = 0.45
)

// EnergyClassifier scores frames from their RMS level relative to a
// reference level, mapped through a logistic curve in the dB domain.
type EnergyClassifier struct {
	ReferenceRMS float64
	SlopeDB      float64
}

// NewEnergyClassifier returns a classifier centred on referenceRMS. Zero or
// negative values fall back to the default reference level.
func NewEnergyClassifier(referenceRMS float64) *EnergyClassifier {
	if referenceRMS <= 0 {
		referenceRMS = defaultReferenceRMS
	}
	return &EnergyClassifier{ReferenceRMS: referenceRMS, SlopeDB: defaultSlopeDB}
}

func (c *EnergyClassifier) Classify(frame Frame) (float32, error) {
	if len(frame) == 0 {
		return 0, ErrEmptyFrame
	}
	var (
		sum       float64
		crossings int
	)
	for i, s := range frame {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, ErrInvalidFrame
		}
		sum += v * v
		if i > 0 && (frame[i-1] >= 0) != (s >= 0) {
			crossings++
		}
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms == 0 {
		return 0, nil
	}

	ref := c.ReferenceRMS
	if ref <= 0 {
		ref = defaultReferenceRMS
	}
	slope := c.SlopeDB
	if slope <= 0 {
		slope = defaultSlopeDB
	}
	deltaDB := 20 * math.Log10(rms/ref)
	score := 1 / (1 + math.Exp(-deltaDB/slope))

	if len(frame) > 1 {
		zcr := float64(crossings) / float64(len(frame)-1)
		if zcr > noisyZeroCrossingRate {
			score *= 0.5
		}
	}
	return float32(score), nil
}
