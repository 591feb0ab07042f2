package vad

import (
	"fmt"
	"math"
)

// Classifier scores a single frame with a speech probability in [0, 1]
type Classifier interface {
	Probability(frame []int16) (float32, error)
}

// DefaultEnergyReference is the RMS level treated as certain speech
const DefaultEnergyReference = 3000.0

// EnergyClassifier is an RMS-energy speech classifier
type EnergyClassifier struct {
	reference float64
}

// NewEnergyClassifier creates an energy classifier; reference is the RMS that maps to probability 1
func NewEnergyClassifier(reference float64) (*EnergyClassifier, error) {
	if reference <= 0 {
		return nil, fmt.Errorf("energy reference must be positive, got %f", reference)
	}
	return &EnergyClassifier{reference: reference}, nil
}

// Probability returns the normalized RMS energy of the frame
func (c *EnergyClassifier) Probability(frame []int16) (float32, error) {
	if len(frame) == 0 {
		return 0, fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}

	var energy float64
	for _, sample := range frame {
		energy += float64(sample) * float64(sample)
	}
	energy = math.Sqrt(energy / float64(len(frame)))

	probability := energy / c.reference
	if probability > 1 {
		probability = 1
	}
	return float32(probability), nil
}
