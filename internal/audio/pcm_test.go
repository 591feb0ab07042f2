package audio

import (
	"errors"
	"testing"
	"time"
)

func TestBytesToSamples(t *testing.T) {
	samples, err := BytesToSamples([]byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80})
	if err != nil {
		t.Fatalf("BytesToSamples failed: %v", err)
	}

	expected := []int16{1, -1, -32768}
	for i, want := range expected {
		if samples[i] != want {
			t.Errorf("Sample %d: expected %d, got %d", i, want, samples[i])
		}
	}

	if back := SamplesToBytes(samples); string(back) != string([]byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80}) {
		t.Errorf("SamplesToBytes mismatch: %v", back)
	}

	if _, err := BytesToSamples([]byte{0x01}); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Expected ErrInvalidFormat for odd byte count, got %v", err)
	}
}

func TestDurations(t *testing.T) {
	if got := SamplesDuration(16000, 16000); got != time.Second {
		t.Errorf("Expected 1s, got %v", got)
	}
	if got := SamplesDuration(10, 0); got != 0 {
		t.Errorf("Expected 0 for invalid rate, got %v", got)
	}
	if got := DurationSamples(30*time.Millisecond, 16000); got != 480 {
		t.Errorf("Expected 480 samples, got %d", got)
	}
	if got := RMS([]int16{3, -3, 3, -3}); got != 3 {
		t.Errorf("Expected RMS 3, got %f", got)
	}
}
