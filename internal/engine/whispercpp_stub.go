//go:build !whispercpp

package engine

import (
	"context"
	"log/slog"
)

// WhisperEngine is unavailable without the whispercpp build tag
type WhisperEngine struct{}

// NewWhisperEngine always fails in builds without whisper.cpp
func NewWhisperEngine(modelPath string, logger *slog.Logger) (*WhisperEngine, error) {
	return nil, ErrNativeUnavailable
}

// Infer always fails in builds without whisper.cpp
func (w *WhisperEngine) Infer(ctx context.Context, inputs []Input, language string) ([]Result, error) {
	return nil, ErrNativeUnavailable
}

// Close is a no-op
func (w *WhisperEngine) Close() error {
	return nil
}
