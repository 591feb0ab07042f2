package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/audio"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/engine"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/metrics"
)

const tracerName = "github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/batch"

// Scheduler groups chunks from all sessions and files into micro-batches and
// runs them through the engine, one batch at a time
type Scheduler struct {
	config  Config
	engine  engine.Engine
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	queue       []*request
	lastArrival time.Time
	closed      bool
	inFlight    int

	// Statistics
	batches        uint64
	requests       uint64
	failedBatches  uint64
	failedRequests uint64
	rejections     uint64
	timeouts       uint64
	batchedTotal   uint64

	mu sync.Mutex

	notify    chan struct{}
	abort     chan struct{}
	abortOnce sync.Once
	stopped   chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// Stats represents scheduler statistics
type Stats struct {
	QueueDepth     int     `json:"queue_depth"`
	InFlight       int     `json:"in_flight"`
	Batches        uint64  `json:"batches"`
	Requests       uint64  `json:"requests"`
	FailedBatches  uint64  `json:"failed_batches"`
	FailedRequests uint64  `json:"failed_requests"`
	Rejections     uint64  `json:"rejections"`
	Timeouts       uint64  `json:"timeouts"`
	AvgBatchSize   float64 `json:"avg_batch_size"`
	Closed         bool    `json:"closed"`
}

// New creates a scheduler and starts its dispatch loop
func New(config Config, eng engine.Engine, logger *slog.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch config: %w", err)
	}
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		config:  config,
		engine:  eng,
		logger:  logger.With(slog.String("component", "batch_scheduler")),
		metrics: m,
		tracer:  otel.Tracer(tracerName),
		notify:  make(chan struct{}, 1),
		abort:   make(chan struct{}),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	go s.run()

	s.logger.Info("Batch scheduler started",
		slog.Int("max_batch_size", config.MaxBatchSize),
		slog.Duration("max_wait", config.MaxWait),
		slog.Int("max_queue_depth", config.MaxQueueDepth))

	return s, nil
}

// Enqueue adds a chunk to the queue without blocking and returns its completion handle
func (s *Scheduler) Enqueue(chunk *audio.Chunk, language string) (*Handle, error) {
	handles, err := s.EnqueueAll([]*audio.Chunk{chunk}, language)
	if err != nil {
		return nil, err
	}
	return handles[0], nil
}

// EnqueueAll adds every chunk or none of them. A set that does not fit the
// remaining queue capacity is rejected as a whole with ErrCapacityExceeded; a
// set larger than MaxQueueDepth fails with ErrRequestTooLarge.
func (s *Scheduler) EnqueueAll(chunks []*audio.Chunk, language string) ([]*Handle, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", ErrInvalidChunk)
	}
	for _, chunk := range chunks {
		if err := validateChunk(chunk); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	if len(chunks) > s.config.MaxQueueDepth {
		s.rejections++
		s.mu.Unlock()
		s.metrics.RecordRejection()
		return nil, fmt.Errorf("%w: %d chunks, queue depth %d", ErrRequestTooLarge, len(chunks), s.config.MaxQueueDepth)
	}
	if len(s.queue)+len(chunks) > s.config.MaxQueueDepth {
		s.rejections++
		depth := len(s.queue)
		s.mu.Unlock()
		s.metrics.RecordRejection()
		return nil, fmt.Errorf("%w: %d requests pending, %d offered", ErrCapacityExceeded, depth, len(chunks))
	}

	handles := make([]*Handle, 0, len(chunks))
	for _, chunk := range chunks {
		req := newRequest(xid.New().String(), chunk, language)
		s.queue = append(s.queue, req)
		s.lastArrival = req.enqueued
		s.requests++
		handles = append(handles, &Handle{req: req, scheduler: s})
	}
	depth := len(s.queue)
	s.mu.Unlock()

	for range chunks {
		s.metrics.RecordEnqueued()
	}
	s.metrics.SetQueueDepth(depth)
	s.wake()

	return handles, nil
}

func validateChunk(chunk *audio.Chunk) error {
	if chunk == nil || len(chunk.Samples) == 0 {
		return fmt.Errorf("%w: %w: no samples", ErrInvalidChunk, audio.ErrInvalidFormat)
	}
	if chunk.SampleRate <= 0 {
		return fmt.Errorf("%w: %w: sample rate %d", ErrInvalidChunk, audio.ErrInvalidFormat, chunk.SampleRate)
	}
	return nil
}

// Submit enqueues a chunk and waits for its result
func (s *Scheduler) Submit(ctx context.Context, chunk *audio.Chunk, language string) (engine.Result, error) {
	handle, err := s.Enqueue(chunk, language)
	if err != nil {
		return engine.Result{}, err
	}
	return handle.Wait(ctx)
}

// Close stops accepting work and dispatches everything still queued. Requests
// still queued when ctx ends fail with ErrSchedulerClosed.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	pending := len(s.queue)
	s.mu.Unlock()
	s.wake()

	s.logger.Info("Draining batch scheduler", slog.Int("pending", pending))

	select {
	case <-s.stopped:
		s.cancel()
		return nil
	case <-ctx.Done():
	}

	s.abortOnce.Do(func() { close(s.abort) })
	s.cancel()

	s.mu.Lock()
	abandoned := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, req := range abandoned {
		req.complete(engine.Result{}, ErrSchedulerClosed)
	}
	s.metrics.SetQueueDepth(0)

	<-s.stopped
	s.logger.Warn("Batch scheduler closed before draining", slog.Int("abandoned", len(abandoned)))
	return ctx.Err()
}

// Stats returns current scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	avg := float64(0)
	if s.batches > 0 {
		avg = float64(s.batchedTotal) / float64(s.batches)
	}

	return Stats{
		QueueDepth:     len(s.queue),
		InFlight:       s.inFlight,
		Batches:        s.batches,
		Requests:       s.requests,
		FailedBatches:  s.failedBatches,
		FailedRequests: s.failedRequests,
		Rejections:     s.rejections,
		Timeouts:       s.timeouts,
		AvgBatchSize:   avg,
		Closed:         s.closed,
	}
}

// QueueDepth returns the number of requests waiting for a batch
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// expire times out a request. A queued request is withdrawn; a dispatched one
// keeps running for its batch and its late result is dropped.
func (s *Scheduler) expire(req *request) {
	s.mu.Lock()
	if req.state == stateQueued {
		for i, q := range s.queue {
			if q == req {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		req.state = stateWithdrawn
	}
	depth := len(s.queue)
	s.mu.Unlock()

	if req.complete(engine.Result{}, fmt.Errorf("%w: request %s exceeded %v", ErrProcessingTimeout, req.id, s.config.ProcessingTimeout)) {
		s.mu.Lock()
		s.timeouts++
		s.mu.Unlock()
		s.metrics.RecordTimeout()
		s.metrics.SetQueueDepth(depth)
		s.logger.Warn("Request timed out",
			slog.String("request_id", req.id),
			slog.String("session_id", req.chunk.SessionID),
			slog.Uint64("sequence", req.chunk.Sequence))
	}
}

// run is the dispatch loop; exactly one batch is in flight at a time
func (s *Scheduler) run() {
	defer close(s.stopped)

	for {
		batch := s.nextBatch()
		if batch == nil {
			return
		}
		s.dispatch(batch)
	}
}

// nextBatch blocks until a batch is ready. It returns nil once the scheduler
// is closed and drained, or aborted.
func (s *Scheduler) nextBatch() []*request {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			select {
			case <-s.notify:
				continue
			case <-s.abort:
				return nil
			}
		}

		now := time.Now()
		head := s.queue[0]
		language := head.language
		deadline := head.enqueued.Add(s.config.MaxWait)
		ready := s.closed || !now.Before(deadline)
		if !ready {
			// A full group of any language goes out without waiting behind the head
			if full, ok := s.fullLanguage(); ok {
				language, ready = full, true
			}
		}

		if !ready && s.config.IdleInterval > 0 {
			idle := s.lastArrival.Add(s.config.IdleInterval)
			if !now.Before(idle) {
				ready = true
			} else if idle.Before(deadline) {
				deadline = idle
			}
		}

		if ready {
			batch := s.take(language)
			depth := len(s.queue)
			s.mu.Unlock()
			s.metrics.SetQueueDepth(depth)
			return batch
		}
		s.mu.Unlock()

		timer := time.NewTimer(deadline.Sub(now))
		select {
		case <-s.notify:
		case <-timer.C:
		case <-s.abort:
			timer.Stop()
			return nil
		}
		timer.Stop()
	}
}

// fullLanguage returns the language, in order of its oldest request, that has
// at least MaxBatchSize requests queued
func (s *Scheduler) fullLanguage() (string, bool) {
	counts := make(map[string]int)
	for _, req := range s.queue {
		counts[req.language]++
	}
	for _, req := range s.queue {
		if counts[req.language] >= s.config.MaxBatchSize {
			return req.language, true
		}
	}
	return "", false
}

// take removes up to MaxBatchSize requests for language in FIFO order.
// Requests for other languages keep their position.
func (s *Scheduler) take(language string) []*request {
	batch := make([]*request, 0, s.config.MaxBatchSize)
	rest := s.queue[:0]
	for _, req := range s.queue {
		if req.language == language && len(batch) < s.config.MaxBatchSize {
			req.state = stateDispatched
			batch = append(batch, req)
			continue
		}
		rest = append(rest, req)
	}
	for i := len(rest); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = rest
	s.inFlight = len(batch)
	return batch
}

// dispatch runs one batch through the engine and fulfils every handle in it
func (s *Scheduler) dispatch(batch []*request) {
	batchID := xid.New().String()
	language := batch[0].language

	ctx := s.ctx
	if s.config.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.InferenceTimeout)
		defer cancel()
	}

	ctx, span := s.tracer.Start(ctx, "batch.infer", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.String("batch.language", language),
		attribute.Int("batch.size", len(batch)),
	))
	defer span.End()

	inputs := make([]engine.Input, len(batch))
	for i, req := range batch {
		id := req.id
		if req.chunk.SessionID != "" {
			id = fmt.Sprintf("%s-%d", req.chunk.SessionID, req.chunk.Sequence)
		}
		inputs[i] = engine.Input{ID: id, SampleRate: req.chunk.SampleRate, Samples: req.chunk.Samples}
	}

	start := time.Now()
	results, err := s.infer(ctx, inputs, language)
	if err == nil && len(results) != len(batch) {
		err = fmt.Errorf("%w: %d inputs, %d results", engine.ErrResultMismatch, len(batch), len(results))
	}
	elapsed := time.Since(start)

	s.mu.Lock()
	s.inFlight = 0
	s.batches++
	s.batchedTotal += uint64(len(batch))
	if err != nil {
		s.failedBatches++
		s.failedRequests += uint64(len(batch))
	}
	s.mu.Unlock()

	s.metrics.RecordBatch(len(batch), elapsed.Seconds(), err != nil)

	if err != nil {
		engineErr := &EngineError{BatchID: batchID, BatchSize: len(batch), Err: err}
		for _, req := range batch {
			req.complete(engine.Result{}, engineErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference failed")
		s.logger.Warn("Batch inference failed",
			slog.String("batch_id", batchID),
			slog.Int("size", len(batch)),
			slog.String("language", language),
			slog.String("error", err.Error()))
	} else {
		for i, req := range batch {
			result := results[i]
			if result.Duration == 0 {
				result.Duration = inputs[i].Duration()
			}
			req.complete(result, nil)
		}
		s.logger.Debug("Batch completed",
			slog.String("batch_id", batchID),
			slog.Int("size", len(batch)),
			slog.String("language", language),
			slog.Duration("latency", elapsed))
	}
}

// infer calls the engine, converting a panic into an error
func (s *Scheduler) infer(ctx context.Context, inputs []engine.Input, language string) (results []engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Inference engine panicked", slog.Any("panic", r))
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return s.engine.Infer(ctx, inputs, language)
}
