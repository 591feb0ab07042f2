//go:build whispercpp

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperEngine runs whisper.cpp in-process. The model is shared; each input gets its own context.
type WhisperEngine struct {
	model  whisperlib.Model
	logger *slog.Logger
	mu     sync.Mutex // whisper.cpp contexts are not safe to run concurrently on one model
}

// NewWhisperEngine loads a whisper.cpp model from modelPath
func NewWhisperEngine(modelPath string, logger *slog.Logger) (*WhisperEngine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("model path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", modelPath, err)
	}

	return &WhisperEngine{
		model:  model,
		logger: logger.With(slog.String("component", "whisper_engine")),
	}, nil
}

// Infer transcribes each input in turn
func (w *WhisperEngine) Infer(ctx context.Context, inputs []Input, language string) ([]Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	results := make([]Result, 0, len(inputs))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := w.process(in, language)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.ID, err)
		}
		results = append(results, result)
	}
	return results, nil
}

func (w *WhisperEngine) process(in Input, language string) (Result, error) {
	wctx, err := w.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("create context: %w", err)
	}
	if language != "" {
		if err := wctx.SetLanguage(language); err != nil {
			w.logger.Warn("Failed to set language, using model default",
				slog.String("language", language),
				slog.String("error", err.Error()))
		}
	}
	wctx.SetTokenTimestamps(true)

	samples := make([]float32, len(in.Samples))
	for i, s := range in.Samples {
		samples[i] = float32(s) / 32768
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("process audio: %w", err)
	}

	var (
		result Result
		texts  []string
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read segment: %w", err)
		}

		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		texts = append(texts, text)
		result.Segments = append(result.Segments, Segment{Text: text, Start: segment.Start, End: segment.End})
		result.Words = append(result.Words, tokenWords(segment.Tokens)...)
	}
	result.Text = strings.Join(texts, " ")
	return result, nil
}

// tokenWords merges sub-word tokens into words; a leading space starts a new word
func tokenWords(tokens []whisperlib.Token) []Word {
	var words []Word
	for _, tok := range tokens {
		if strings.HasPrefix(tok.Text, "[_") || strings.HasPrefix(tok.Text, "<|") {
			continue
		}
		if len(words) == 0 || strings.HasPrefix(tok.Text, " ") {
			words = append(words, Word{Text: strings.TrimSpace(tok.Text), Start: tok.Start, End: tok.End})
			continue
		}
		last := &words[len(words)-1]
		last.Text += tok.Text
		last.End = tok.End
	}

	out := words[:0]
	for _, w := range words {
		if w.Text != "" {
			out = append(out, w)
		}
	}
	return out
}

// Close releases the model
func (w *WhisperEngine) Close() error {
	return w.model.Close()
}
