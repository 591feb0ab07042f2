package vad

import (
	"errors"
	"testing"
)

func TestEnergyClassifier(t *testing.T) {
	classifier, err := NewEnergyClassifier(1000)
	if err != nil {
		t.Fatalf("Failed to create classifier: %v", err)
	}

	tests := []struct {
		name      string
		amplitude int16
		expected  float32
	}{
		{name: "silence", amplitude: 0, expected: 0},
		{name: "half reference", amplitude: 500, expected: 0.5},
		{name: "at reference", amplitude: 1000, expected: 1},
		{name: "clamped above reference", amplitude: 20000, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := make([]int16, 160)
			for i := range frame {
				// Alternating sign keeps the RMS equal to the amplitude
				if i%2 == 0 {
					frame[i] = tt.amplitude
				} else {
					frame[i] = -tt.amplitude
				}
			}

			p, err := classifier.Probability(frame)
			if err != nil {
				t.Fatalf("Probability failed: %v", err)
			}
			if diff := p - tt.expected; diff > 0.001 || diff < -0.001 {
				t.Errorf("Expected probability %f, got %f", tt.expected, p)
			}
		})
	}

	if _, err := classifier.Probability(nil); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame for empty frame, got %v", err)
	}

	if _, err := NewEnergyClassifier(0); err == nil {
		t.Error("Expected error for zero reference")
	}
}
