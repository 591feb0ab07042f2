package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Factory builds the backend serving one model
type Factory func(model string) (Engine, error)

// Router dispatches each batch to the backend for its language's model.
// Backends are created on first use and cached per model.
type Router struct {
	models       map[string]string // language -> model
	defaultModel string
	factory      Factory
	logger       *slog.Logger

	backends map[string]Engine
	mu       sync.Mutex
}

// NewRouter creates a language router. Languages missing from models use defaultModel.
func NewRouter(models map[string]string, defaultModel string, factory Factory, logger *slog.Logger) (*Router, error) {
	if defaultModel == "" {
		return nil, fmt.Errorf("default model cannot be empty")
	}
	if factory == nil {
		return nil, fmt.Errorf("engine factory cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	normalized := make(map[string]string, len(models))
	for lang, model := range models {
		normalized[normalizeLanguage(lang)] = model
	}

	return &Router{
		models:       normalized,
		defaultModel: defaultModel,
		factory:      factory,
		logger:       logger.With(slog.String("component", "engine_router")),
		backends:     make(map[string]Engine),
	}, nil
}

// ModelFor returns the model serving language
func (r *Router) ModelFor(language string) string {
	if model, ok := r.models[normalizeLanguage(language)]; ok {
		return model
	}
	return r.defaultModel
}

// Infer forwards the batch to the backend of the language's model
func (r *Router) Infer(ctx context.Context, inputs []Input, language string) ([]Result, error) {
	backend, err := r.backend(r.ModelFor(language))
	if err != nil {
		return nil, err
	}
	return backend.Infer(ctx, inputs, language)
}

func (r *Router) backend(model string) (Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if backend, ok := r.backends[model]; ok {
		return backend, nil
	}

	backend, err := r.factory(model)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", model, err)
	}
	r.backends[model] = backend
	r.logger.Info("Loaded inference backend", slog.String("model", model))
	return backend, nil
}

// Backends returns the models loaded so far and their backends
func (r *Router) Backends() map[string]Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Engine, len(r.backends))
	for model, backend := range r.backends {
		out[model] = backend
	}
	return out
}

// Close closes every loaded backend that supports closing
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for model, backend := range r.backends {
		closer, ok := backend.(interface{ Close() error })
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close model %s: %w", model, err)
		}
	}
	r.backends = make(map[string]Engine)
	return firstErr
}

// normalizeLanguage reduces a language tag such as "ja-JP" to its primary subtag
func normalizeLanguage(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(language, "-_"); i > 0 {
		language = language[:i]
	}
	return language
}
