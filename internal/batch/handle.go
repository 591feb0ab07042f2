package batch

import (
	"context"
	"sync"
	"time"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/audio"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/engine"
)

type requestState int

const (
	stateQueued requestState = iota
	stateDispatched
	stateWithdrawn
)

// request is one chunk waiting for inference. state is guarded by the scheduler lock.
type request struct {
	id       string
	chunk    *audio.Chunk
	language string
	enqueued time.Time
	state    requestState

	once   sync.Once
	done   chan struct{}
	result engine.Result
	err    error
}

func newRequest(id string, chunk *audio.Chunk, language string) *request {
	return &request{
		id:       id,
		chunk:    chunk,
		language: language,
		enqueued: time.Now(),
		done:     make(chan struct{}),
	}
}

// complete fulfils the request; only the first call has an effect
func (r *request) complete(result engine.Result, err error) bool {
	fulfilled := false
	r.once.Do(func() {
		r.result = result
		r.err = err
		close(r.done)
		fulfilled = true
	})
	return fulfilled
}

// Handle is the completion handle returned by Enqueue
type Handle struct {
	req       *request
	scheduler *Scheduler
}

// ID returns the request id
func (h *Handle) ID() string {
	return h.req.id
}

// Chunk returns the chunk this handle was enqueued for
func (h *Handle) Chunk() *audio.Chunk {
	return h.req.chunk
}

// Done is closed once the handle is fulfilled
func (h *Handle) Done() <-chan struct{} {
	return h.req.done
}

// Deadline returns when the request times out
func (h *Handle) Deadline() time.Time {
	return h.req.enqueued.Add(h.scheduler.config.ProcessingTimeout)
}

// Wait blocks until the result is available, the processing timeout passes or ctx ends.
// Cancelling ctx does not withdraw the request.
func (h *Handle) Wait(ctx context.Context) (engine.Result, error) {
	select {
	case <-h.req.done:
		return h.req.result, h.req.err
	default:
	}

	timer := time.NewTimer(time.Until(h.Deadline()))
	defer timer.Stop()

	select {
	case <-h.req.done:
	case <-ctx.Done():
		return engine.Result{}, ctx.Err()
	case <-timer.C:
		h.scheduler.expire(h.req)
	}
	return h.req.result, h.req.err
}
