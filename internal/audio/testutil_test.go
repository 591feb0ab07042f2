package audio

import (
	"math"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/vad"
)

const testRate = 16000

// tone generates a sine tone of the given duration in seconds
func tone(seconds float64, amplitude float64) []int16 {
	n := int(seconds * testRate)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*200*float64(i)/testRate))
	}
	return samples
}

// silence generates zeroed samples of the given duration in seconds
func silence(seconds float64) []int16 {
	return make([]int16, int(seconds*testRate))
}

func speechFrame(kind vad.EventKind) vad.Event {
	return vad.Event{Kind: kind, Speech: true, Probability: 0.9}
}

func silenceFrame(kind vad.EventKind) vad.Event {
	return vad.Event{Kind: kind, Speech: false, Probability: 0.1}
}
