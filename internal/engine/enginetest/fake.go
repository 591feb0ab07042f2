// Package enginetest provides a scriptable engine.Engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/engine"
)

// Call records one Infer invocation
type Call struct {
	Language string
	Inputs   []engine.Input
	At       time.Time
}

// Fake is a test double for engine.Engine. The zero value answers every
// input with the text "chunk-<ID>" and a single word spanning the input.
type Fake struct {
	// Delay is slept before answering, honouring ctx
	Delay time.Duration
	// Err, when set, fails every call
	Err error
	// Respond, when set, produces the results for a call
	Respond func(inputs []engine.Input, language string) ([]engine.Result, error)
	// Block, when set, is received from before answering
	Block chan struct{}

	mu    sync.Mutex
	calls []Call
}

// Infer records the call and answers per the configured behaviour
func (f *Fake) Infer(ctx context.Context, inputs []engine.Input, language string) ([]engine.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Language: language, Inputs: inputs, At: time.Now()})
	f.mu.Unlock()

	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.Err != nil {
		return nil, f.Err
	}
	if f.Respond != nil {
		return f.Respond(inputs, language)
	}

	results := make([]engine.Result, len(inputs))
	for i, in := range inputs {
		text := fmt.Sprintf("chunk-%s", in.ID)
		results[i] = engine.Result{
			Text:  text,
			Words: []engine.Word{{Text: text, Start: 0, End: in.Duration()}},
		}
	}
	return results, nil
}

// Calls returns a copy of the recorded calls
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// BatchSizes returns the number of inputs per recorded call
func (f *Fake) BatchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	sizes := make([]int, len(f.calls))
	for i, c := range f.calls {
		sizes[i] = len(c.Inputs)
	}
	return sizes
}
