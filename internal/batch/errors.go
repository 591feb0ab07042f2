package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned synchronously when the queue is full
	ErrCapacityExceeded = errors.New("scheduler queue capacity exceeded")

	// ErrRequestTooLarge is returned for a chunk set that could never fit the queue
	ErrRequestTooLarge = errors.New("request exceeds scheduler queue depth")

	// ErrInferenceEngineFailure is matched by every *EngineError
	ErrInferenceEngineFailure = errors.New("inference engine failure")

	// ErrProcessingTimeout is returned when a request outlives the processing timeout
	ErrProcessingTimeout = errors.New("processing timeout")

	// ErrSchedulerClosed is returned for work submitted to, or abandoned by, a closed scheduler
	ErrSchedulerClosed = errors.New("scheduler closed")

	// ErrInvalidChunk is returned for nil or empty chunks
	ErrInvalidChunk = errors.New("invalid chunk")
)

// EngineError reports a failed batch. Every request of the batch receives the same error.
type EngineError struct {
	BatchID   string
	BatchSize int
	Err       error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("inference engine failure in batch %s (%d requests): %v", e.BatchID, e.BatchSize, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches ErrInferenceEngineFailure
func (e *EngineError) Is(target error) bool {
	return target == ErrInferenceEngineFailure
}
