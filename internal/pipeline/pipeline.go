package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/audio"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/batch"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/engine"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/stream"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/transcript"
)

// DefaultLanguage is used when a request carries no language hint
const DefaultLanguage = "en"

// ErrEmptyAudio is returned when an upload carries no bytes
var ErrEmptyAudio = errors.New("empty audio file")

// Scheduler is the part of the batch scheduler the pipeline needs
type Scheduler interface {
	EnqueueAll(chunks []*audio.Chunk, language string) ([]*batch.Handle, error)
}

// Config contains whole-file pipeline configuration
type Config struct {
	Chunking   audio.ChunkingConfig // SampleRate is the model input rate
	SegmentGap time.Duration
}

// FileOptions tunes a single SubmitFile call
type FileOptions struct {
	// DisableChunking sends the whole recording as one chunk
	DisableChunking bool
}

// Pipeline is the service API: whole-file transcription through the shared
// scheduler, and streaming sessions through the session manager
type Pipeline struct {
	splitter  *audio.Splitter
	scheduler Scheduler
	sessions  *stream.Manager
	config    Config
	logger    *slog.Logger
}

// New creates a pipeline
func New(config Config, scheduler Scheduler, sessions *stream.Manager, logger *slog.Logger) (*Pipeline, error) {
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session manager cannot be nil")
	}
	splitter, err := audio.NewSplitter(config.Chunking)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		splitter:  splitter,
		scheduler: scheduler,
		sessions:  sessions,
		config:    config,
		logger:    logger.With(slog.String("component", "pipeline")),
	}, nil
}

// SampleRate returns the model input sample rate
func (p *Pipeline) SampleRate() int {
	return p.splitter.Config().SampleRate
}

// SubmitFile transcribes a complete WAV recording. All chunks are enqueued
// together, so a file that does not fit the queue fails with
// batch.ErrCapacityExceeded before any inference runs.
func (p *Pipeline) SubmitFile(ctx context.Context, r io.Reader, language string, opts FileOptions) (transcript.Transcript, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return transcript.Transcript{}, fmt.Errorf("read audio: %w", err)
	}
	if len(data) == 0 {
		return transcript.Transcript{}, fmt.Errorf("%w: %w", audio.ErrInvalidFormat, ErrEmptyAudio)
	}

	samples, err := audio.Decode(bytes.NewReader(data), p.SampleRate())
	if err != nil {
		return transcript.Transcript{}, err
	}
	return p.SubmitSamples(ctx, samples, language, opts)
}

// SubmitSamples transcribes mono PCM16 samples already at the model sample rate
func (p *Pipeline) SubmitSamples(ctx context.Context, samples []int16, language string, opts FileOptions) (transcript.Transcript, error) {
	if language == "" {
		language = DefaultLanguage
	}
	started := time.Now()
	fileID := "file-" + xid.New().String()
	logger := p.logger.With(slog.String("file_id", fileID), slog.String("language", language))

	var chunks []*audio.Chunk
	if opts.DisableChunking {
		chunks = p.splitter.Single(fileID, samples)
	} else {
		chunks = p.splitter.Split(fileID, samples)
	}
	audioDuration := audio.SamplesDuration(len(samples), p.SampleRate())
	if len(chunks) == 0 {
		logger.Info("No speech in file", slog.Duration("audio_duration", audioDuration))
		return transcript.Transcript{Duration: audioDuration}, nil
	}

	handles, err := p.scheduler.EnqueueAll(chunks, language)
	if err != nil {
		return transcript.Transcript{}, fmt.Errorf("submit %d chunks: %w", len(chunks), err)
	}

	results := make([]engine.Result, len(handles))
	g, gctx := errgroup.WithContext(ctx)
	for i, handle := range handles {
		g.Go(func() error {
			result, err := handle.Wait(gctx)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", handle.Chunk().Sequence, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return transcript.Transcript{}, err
	}

	builder := transcript.NewBuilder(p.config.SegmentGap)
	for i, chunk := range chunks {
		if err := builder.Add(chunk.Sequence, chunk.Offset, results[i]); err != nil {
			return transcript.Transcript{}, err
		}
	}
	result := builder.Transcript()
	if result.Duration < audioDuration {
		result.Duration = audioDuration
	}

	logger.Info("File transcribed",
		slog.Int("chunks", len(chunks)),
		slog.Duration("audio_duration", audioDuration),
		slog.Duration("elapsed", time.Since(started)))

	return result, nil
}

// OpenSession starts a streaming session
func (p *Pipeline) OpenSession(language string) (*stream.Session, error) {
	if language == "" {
		language = DefaultLanguage
	}
	return p.sessions.OpenSession(language)
}

// PushFrame feeds PCM16LE audio to a streaming session
func (p *Pipeline) PushFrame(id string, data []byte) error {
	return p.sessions.PushFrame(id, data)
}

// CloseSession ends a session's input and returns its full transcript
func (p *Pipeline) CloseSession(ctx context.Context, id string) (transcript.Transcript, error) {
	return p.sessions.CloseSession(ctx, id)
}

// AbortSession drops a session without a final result
func (p *Pipeline) AbortSession(id string) error {
	return p.sessions.AbortSession(id)
}

// Sessions exposes the session manager for monitoring
func (p *Pipeline) Sessions() *stream.Manager {
	return p.sessions
}
