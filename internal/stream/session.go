package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/audio"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/batch"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/metrics"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/transcript"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/vad"
)

// Session lifecycle states
const (
	StateActive   = "active"
	StateDraining = "draining"
	StateClosed   = "closed"
)

const (
	eventDrain = "drain"
	eventClose = "close"
	eventAbort = "abort"
)

// Scheduler accepts chunks for batched inference
type Scheduler interface {
	Enqueue(chunk *audio.Chunk, language string) (*batch.Handle, error)
}

// UpdateKind classifies a session update
type UpdateKind int

const (
	UpdatePartial UpdateKind = iota
	UpdateFinal
	UpdateError
)

func (k UpdateKind) String() string {
	switch k {
	case UpdatePartial:
		return "partial"
	case UpdateFinal:
		return "final"
	default:
		return "error"
	}
}

// Update is an asynchronous result for one chunk of the session
type Update struct {
	Kind     UpdateKind
	Sequence uint64
	Offset   time.Duration
	Text     string // utterance text so far
	Err      error
}

// SessionInfo contains session information for monitoring
type SessionInfo struct {
	ID              string             `json:"id"`
	Language        string             `json:"language"`
	State           string             `json:"state"`
	StartTime       time.Time          `json:"start_time"`
	LastActivity    time.Time          `json:"last_activity"`
	Duration        time.Duration      `json:"duration"`
	BytesReceived   uint64             `json:"bytes_received"`
	ChunksSubmitted uint64             `json:"chunks_submitted"`
	ChunksCompleted uint64             `json:"chunks_completed"`
	ChunksFailed    uint64             `json:"chunks_failed"`
	Rejections      uint64             `json:"rejections"`
	Backlog         int                `json:"backlog"`
	Pending         int                `json:"pending"`
	VAD             vad.SegmenterStats `json:"vad"`
	Chunker         audio.ChunkerStats `json:"chunker"`
}

type pendingChunk struct {
	chunk  *audio.Chunk
	handle *batch.Handle
}

// Session is one streaming transcription session. Audio flows
// Framer -> Segmenter -> StreamChunker -> Scheduler; a collector goroutine
// awaits results in submission order.
type Session struct {
	ID        string
	Language  string
	StartTime time.Time

	config    SessionConfig
	scheduler Scheduler
	logger    *slog.Logger
	metrics   *metrics.Metrics
	state     *fsm.FSM

	// Audio pipeline, guarded by mu
	mu           sync.Mutex
	framer       *audio.Framer
	segmenter    *vad.Segmenter
	chunker      *audio.StreamChunker
	backlog      []*audio.Chunk
	lastActivity time.Time
	aborted      bool

	// Submitted chunks awaiting results, guarded by pendingMu
	pendingMu    sync.Mutex
	pending      []pendingChunk
	inputDone    bool
	pendingReady chan struct{}

	updates   chan Update
	builder   *transcript.Builder
	collected chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	// Statistics
	bytesReceived   uint64
	chunksSubmitted uint64
	chunksCompleted uint64
	chunksFailed    uint64
	rejections      uint64
	statsMu         sync.Mutex
}

// NewSession creates an ACTIVE session and starts its collector
func NewSession(id, language string, config SessionConfig, scheduler Scheduler, logger *slog.Logger, m *metrics.Metrics) (*Session, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	classifier, err := vad.NewEnergyClassifier(config.EnergyReference)
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD classifier: %w", err)
	}
	segmenter, err := vad.NewSegmenter(config.VAD, classifier)
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD segmenter: %w", err)
	}
	chunker, err := audio.NewStreamChunker(id, config.Chunking)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunker: %w", err)
	}
	framer, err := audio.NewFramer(config.VAD.FrameSize, config.FramerCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create framer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	s := &Session{
		ID:           id,
		Language:     language,
		StartTime:    now,
		config:       config,
		scheduler:    scheduler,
		logger:       logger.With(slog.String("session_id", id)),
		metrics:      m,
		framer:       framer,
		segmenter:    segmenter,
		chunker:      chunker,
		lastActivity: now,
		pendingReady: make(chan struct{}, 1),
		updates:      make(chan Update, config.UpdateBuffer),
		builder:      transcript.NewBuilder(config.SegmentGap),
		collected:    make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}

	s.state = fsm.NewFSM(
		StateActive,
		fsm.Events{
			{Name: eventDrain, Src: []string{StateActive}, Dst: StateDraining},
			{Name: eventClose, Src: []string{StateDraining}, Dst: StateClosed},
			{Name: eventAbort, Src: []string{StateActive, StateDraining}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("Session state changed",
					slog.String("event", e.Event),
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)

	go s.collect()

	return s, nil
}

// State returns the lifecycle state
func (s *Session) State() string {
	return s.state.Current()
}

// Updates returns the channel of asynchronous results, closed when the session ends.
// Consumers must drain it; the collector blocks while it is full.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// LastActivity returns when audio was last pushed
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// PushAudio feeds PCM16LE bytes of any length into the session pipeline.
// Capacity errors wrap batch.ErrCapacityExceeded; with ErrBacklogFull the data
// was not consumed.
func (s *Session) PushAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acceptingLocked(); err != nil {
		return err
	}
	s.lastActivity = time.Now()

	s.flushBacklogLocked()
	if len(s.backlog) >= s.config.BacklogSize {
		s.addStats(func() { s.rejections++ })
		return fmt.Errorf("%w: %w: %d chunks waiting", ErrBacklogFull, batch.ErrCapacityExceeded, len(s.backlog))
	}

	s.addStats(func() { s.bytesReceived += uint64(len(data)) })

	capacityHit := false
	err := s.framer.Feed(data, func(frame []int16) error {
		event, err := s.segmenter.Process(frame)
		if err != nil {
			return err
		}
		s.metrics.RecordVADFrame(event.Speech)

		for _, chunk := range s.chunker.Push(frame, event) {
			hit, err := s.submitLocked(chunk)
			if err != nil {
				return err
			}
			capacityHit = capacityHit || hit
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("process audio: %w", err)
	}
	if capacityHit {
		return fmt.Errorf("%w: %d chunks held in session backlog", batch.ErrCapacityExceeded, len(s.backlog))
	}
	return nil
}

// Close flushes buffered speech as a FINAL chunk, waits for every outstanding
// result and returns the session transcript
func (s *Session) Close(ctx context.Context) (transcript.Transcript, error) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return transcript.Transcript{}, ErrSessionClosedPrematurely
	}
	if err := s.state.Event(context.Background(), eventDrain); err != nil {
		s.mu.Unlock()
		return transcript.Transcript{}, fmt.Errorf("%w: %s", ErrSessionNotActive, s.state.Current())
	}

	var submitErr error
	for _, chunk := range s.chunker.Flush() {
		if _, err := s.submitLocked(chunk); err != nil {
			submitErr = err
			break
		}
	}
	s.framer.Reset()
	s.mu.Unlock()

	if submitErr != nil {
		s.Abort()
		return transcript.Transcript{}, fmt.Errorf("flush session: %w", submitErr)
	}

	if err := s.drainBacklog(ctx); err != nil {
		s.Abort()
		return transcript.Transcript{}, err
	}

	s.pendingMu.Lock()
	s.inputDone = true
	s.pendingMu.Unlock()
	s.signalPending()

	select {
	case <-s.collected:
	case <-ctx.Done():
		s.Abort()
		return transcript.Transcript{}, ctx.Err()
	}

	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return transcript.Transcript{}, ErrSessionClosedPrematurely
	}
	result := s.builder.Transcript()
	_ = s.state.Event(context.Background(), eventClose)
	s.mu.Unlock()

	s.cancel()
	s.metrics.RecordSessionEnded("closed", time.Since(s.StartTime).Seconds())

	info := s.GetSessionInfo()
	s.logger.Info("Session closed",
		slog.Duration("duration", info.Duration),
		slog.Uint64("chunks_submitted", info.ChunksSubmitted),
		slog.Uint64("chunks_completed", info.ChunksCompleted),
		slog.Uint64("chunks_failed", info.ChunksFailed))

	return result, nil
}

// Abort ends the session immediately. Buffered audio is discarded and results
// of chunks already enqueued are dropped. It reports whether this call ended the session.
func (s *Session) Abort() bool {
	s.mu.Lock()
	if s.aborted || s.state.Is(StateClosed) {
		s.mu.Unlock()
		return false
	}
	_ = s.state.Event(context.Background(), eventAbort)
	s.aborted = true
	s.chunker.Discard()
	s.framer.Reset()
	s.backlog = nil
	s.mu.Unlock()

	s.cancel()
	s.metrics.RecordSessionEnded("aborted", time.Since(s.StartTime).Seconds())
	s.logger.Info("Session aborted", slog.Duration("duration", time.Since(s.StartTime)))
	return true
}

// Aborted reports whether the session ended without a final result
func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *Session) acceptingLocked() error {
	if s.aborted {
		return ErrSessionClosedPrematurely
	}
	if !s.state.Is(StateActive) {
		return fmt.Errorf("%w: %s", ErrSessionNotActive, s.state.Current())
	}
	return nil
}

// submitLocked enqueues a chunk behind any backlog. It reports whether the
// scheduler was at capacity; the chunk is then kept for resubmission.
func (s *Session) submitLocked(chunk *audio.Chunk) (bool, error) {
	s.metrics.RecordChunkGenerated(chunk.Flag.String(), chunk.Duration().Seconds())

	if len(s.backlog) > 0 {
		s.backlog = append(s.backlog, chunk)
		s.flushBacklogLocked()
		return len(s.backlog) > 0, nil
	}

	handle, err := s.scheduler.Enqueue(chunk, s.Language)
	if errors.Is(err, batch.ErrCapacityExceeded) {
		s.backlog = append(s.backlog, chunk)
		s.addStats(func() { s.rejections++ })
		s.logger.Warn("Scheduler at capacity, chunk held back",
			slog.Uint64("sequence", chunk.Sequence),
			slog.Int("backlog", len(s.backlog)))
		return true, nil
	}
	if err != nil {
		return false, err
	}

	s.addPending(chunk, handle)
	return false, nil
}

// flushBacklogLocked resubmits held-back chunks in order until one is rejected
func (s *Session) flushBacklogLocked() {
	for len(s.backlog) > 0 {
		chunk := s.backlog[0]
		handle, err := s.scheduler.Enqueue(chunk, s.Language)
		if err != nil {
			if !errors.Is(err, batch.ErrCapacityExceeded) {
				s.logger.Error("Dropping held-back chunk",
					slog.Uint64("sequence", chunk.Sequence),
					slog.String("error", err.Error()))
				s.backlog = s.backlog[1:]
				continue
			}
			return
		}
		s.backlog = s.backlog[1:]
		s.addPending(chunk, handle)
	}
}

// drainBacklog keeps resubmitting held-back chunks until none remain
func (s *Session) drainBacklog(ctx context.Context) error {
	ticker := time.NewTicker(s.config.RetryInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		s.flushBacklogLocked()
		remaining := len(s.backlog)
		s.mu.Unlock()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("drain session backlog: %w", ctx.Err())
		}
	}
}

func (s *Session) addPending(chunk *audio.Chunk, handle *batch.Handle) {
	s.addStats(func() { s.chunksSubmitted++ })

	s.pendingMu.Lock()
	s.pending = append(s.pending, pendingChunk{chunk: chunk, handle: handle})
	s.pendingMu.Unlock()
	s.signalPending()
}

func (s *Session) signalPending() {
	select {
	case s.pendingReady <- struct{}{}:
	default:
	}
}

// nextPending blocks until a submitted chunk is available. It returns false
// once input is done and everything was collected, or the session was aborted.
func (s *Session) nextPending() (pendingChunk, bool) {
	for {
		s.pendingMu.Lock()
		if len(s.pending) > 0 {
			next := s.pending[0]
			s.pending[0] = pendingChunk{}
			s.pending = s.pending[1:]
			s.pendingMu.Unlock()
			return next, true
		}
		done := s.inputDone
		s.pendingMu.Unlock()
		if done {
			return pendingChunk{}, false
		}

		select {
		case <-s.pendingReady:
		case <-s.ctx.Done():
			return pendingChunk{}, false
		}
	}
}

// collect awaits results strictly in submission order and publishes updates
func (s *Session) collect() {
	defer close(s.collected)
	defer close(s.updates)

	var utterance []string
	for {
		next, ok := s.nextPending()
		if !ok {
			return
		}

		result, err := next.handle.Wait(s.ctx)
		if s.ctx.Err() != nil {
			return
		}

		update := Update{Sequence: next.chunk.Sequence, Offset: next.chunk.Offset}
		if err != nil {
			s.addStats(func() { s.chunksFailed++ })
			s.logger.Warn("Chunk transcription failed",
				slog.Uint64("sequence", next.chunk.Sequence),
				slog.String("error", err.Error()))
			update.Kind = UpdateError
			update.Err = err
			if next.chunk.IsFinal() {
				utterance = nil
			}
		} else {
			s.addStats(func() { s.chunksCompleted++ })
			if addErr := s.builder.Add(next.chunk.Sequence, next.chunk.Offset, result); addErr != nil {
				s.logger.Error("Result out of order", slog.String("error", addErr.Error()))
			}
			if text := strings.TrimSpace(result.Text); text != "" {
				utterance = append(utterance, text)
			}
			update.Text = strings.Join(utterance, " ")
			update.Kind = UpdatePartial
			if next.chunk.IsFinal() {
				update.Kind = UpdateFinal
				utterance = nil
			}
		}

		select {
		case s.updates <- update:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) addStats(fn func()) {
	s.statsMu.Lock()
	fn()
	s.statsMu.Unlock()
}

// GetSessionInfo returns session information including pipeline statistics
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.Lock()
	lastActivity := s.lastActivity
	backlog := len(s.backlog)
	s.mu.Unlock()

	s.pendingMu.Lock()
	pending := len(s.pending)
	s.pendingMu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	return SessionInfo{
		ID:              s.ID,
		Language:        s.Language,
		State:           s.state.Current(),
		StartTime:       s.StartTime,
		LastActivity:    lastActivity,
		Duration:        time.Since(s.StartTime),
		BytesReceived:   s.bytesReceived,
		ChunksSubmitted: s.chunksSubmitted,
		ChunksCompleted: s.chunksCompleted,
		ChunksFailed:    s.chunksFailed,
		Rejections:      s.rejections,
		Backlog:         backlog,
		Pending:         pending,
		VAD:             s.segmenter.GetStats(),
		Chunker:         s.chunker.GetStats(),
	}
}
