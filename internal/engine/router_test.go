package engine

import (
	"context"
	"errors"
	"testing"
)

type modelEngine struct {
	model  string
	closed bool
}

func (m *modelEngine) Infer(ctx context.Context, inputs []Input, language string) ([]Result, error) {
	results := make([]Result, len(inputs))
	for i := range inputs {
		results[i] = Result{Text: m.model}
	}
	return results, nil
}

func (m *modelEngine) Close() error {
	m.closed = true
	return nil
}

func TestRouterModelFor(t *testing.T) {
	router, err := NewRouter(map[string]string{"JA": "reazonspeech"}, "parakeet", func(string) (Engine, error) {
		return nil, nil
	}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}

	tests := []struct {
		language string
		expected string
	}{
		{"ja", "reazonspeech"},
		{"ja-JP", "reazonspeech"},
		{" JA_jp ", "reazonspeech"},
		{"en", "parakeet"},
		{"", "parakeet"},
		{"de", "parakeet"},
	}

	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			if got := router.ModelFor(tt.language); got != tt.expected {
				t.Errorf("ModelFor(%q) = %q, want %q", tt.language, got, tt.expected)
			}
		})
	}
}

func TestRouterCachesBackends(t *testing.T) {
	created := map[string]*modelEngine{}
	router, err := NewRouter(map[string]string{"ja": "reazonspeech"}, "parakeet", func(model string) (Engine, error) {
		eng := &modelEngine{model: model}
		created[model] = eng
		return eng, nil
	}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}

	ctx := context.Background()
	for _, lang := range []string{"en", "ja", "fr", "ja"} {
		results, err := router.Infer(ctx, testInputs(1), lang)
		if err != nil {
			t.Fatalf("Infer(%s) failed: %v", lang, err)
		}
		if want := router.ModelFor(lang); results[0].Text != want {
			t.Errorf("Language %s served by %s, want %s", lang, results[0].Text, want)
		}
	}

	if len(created) != 2 || len(router.Backends()) != 2 {
		t.Errorf("Expected 2 cached backends, created %d", len(created))
	}

	if err := router.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for model, eng := range created {
		if !eng.closed {
			t.Errorf("Backend %s was not closed", model)
		}
	}
}

func TestRouterFactoryError(t *testing.T) {
	boom := errors.New("no such model")
	router, err := NewRouter(nil, "parakeet", func(string) (Engine, error) { return nil, boom }, testLogger())
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}
	if _, err := router.Infer(context.Background(), testInputs(1), "en"); !errors.Is(err, boom) {
		t.Errorf("Expected factory error, got %v", err)
	}
	if len(router.Backends()) != 0 {
		t.Error("Failed backend must not be cached")
	}
}

func TestNewRouterValidation(t *testing.T) {
	if _, err := NewRouter(nil, "", func(string) (Engine, error) { return nil, nil }, nil); err == nil {
		t.Error("Expected error for empty default model")
	}
	if _, err := NewRouter(nil, "parakeet", nil, nil); err == nil {
		t.Error("Expected error for nil factory")
	}
}
