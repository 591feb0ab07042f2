package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNativeUnavailable is returned when the native backend was not compiled in
	ErrNativeUnavailable = errors.New("native inference engine not available in this build")

	// ErrResultMismatch is returned when an engine answers with the wrong number of results
	ErrResultMismatch = errors.New("engine returned a result count different from the batch size")
)

// Engine runs speech recognition over a batch of audio inputs.
// It returns exactly one Result per input, in input order.
type Engine interface {
	Infer(ctx context.Context, inputs []Input, language string) ([]Result, error)
}

// Input is one chunk of mono PCM16 audio
type Input struct {
	ID         string
	SampleRate int
	Samples    []int16
}

// Duration returns the playback duration of the input
func (in Input) Duration() time.Duration {
	if in.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(in.Samples)) * time.Second / time.Duration(in.SampleRate)
}

// Word is a recognised word with times relative to the start of its input
type Word struct {
	Text  string        `json:"word"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Segment is a recognised phrase with times relative to the start of its input
type Segment struct {
	Text  string        `json:"text"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Result is the recognition output for one input.
// Duration is the length of the audio it covers; the scheduler fills it when the backend leaves it zero.
type Result struct {
	Text     string        `json:"text"`
	Words    []Word        `json:"words,omitempty"`
	Segments []Segment     `json:"segments,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Seconds converts float seconds from a wire format into a duration
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
