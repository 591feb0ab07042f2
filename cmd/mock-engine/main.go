// Command mock-engine is a local inference server speaking the HTTP engine
// protocol. Every uploaded WAV is answered with one word per second of audio.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/audio"
)

const maxRequestBytes = 256 << 20

type word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type result struct {
	Text     string    `json:"text"`
	Words    []word    `json:"words"`
	Segments []segment `json:"segments"`
}

type response struct {
	RequestID string   `json:"request_id"`
	Results   []result `json:"results"`
}

// mockEngine answers inference requests deterministically
type mockEngine struct {
	logger *slog.Logger
	delay  time.Duration
	apiKey string
}

// transcribe builds the answer for one recording of the given length
func transcribe(duration float64, language string) result {
	n := int(math.Ceil(duration))
	if duration <= 0 {
		return result{Words: []word{}, Segments: []segment{}}
	}

	words := make([]word, n)
	texts := make([]string, n)
	for i := range words {
		end := math.Min(float64(i)+0.8, duration)
		texts[i] = fmt.Sprintf("%s%d", language, i+1)
		words[i] = word{Word: texts[i], Start: float64(i), End: end}
	}
	texts[n-1] += "."
	words[n-1].Word = texts[n-1]

	text := strings.Join(texts, " ")
	return result{
		Text:     text,
		Words:    words,
		Segments: []segment{{Text: text, Start: 0, End: words[n-1].End}},
	}
}

func (m *mockEngine) handleInfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if m.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+m.apiKey {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	language := r.FormValue("language")
	if language == "" {
		language = "en"
	}
	requestID := r.FormValue("request_id")
	if requestID == "" {
		requestID = xid.New().String()
	}

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		http.Error(w, "No audio files", http.StatusBadRequest)
		return
	}

	resp := response{RequestID: requestID, Results: make([]result, 0, len(files))}
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			http.Error(w, "Error opening audio file", http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			http.Error(w, "Error reading audio file", http.StatusBadRequest)
			return
		}

		samples, rate, err := audio.DecodeWAV(data)
		if err != nil {
			http.Error(w, fmt.Sprintf("%s: %v", fh.Filename, err), http.StatusBadRequest)
			return
		}
		resp.Results = append(resp.Results, transcribe(audio.SamplesDuration(len(samples), rate).Seconds(), language))
	}

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-r.Context().Done():
			return
		}
	}

	m.logger.Info("Inference request",
		slog.String("request_id", requestID),
		slog.String("model", r.FormValue("model")),
		slog.String("language", language),
		slog.Int("batch_size", len(files)),
	)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *mockEngine) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/infer", m.handleInfer)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated inference time per batch")
	apiKey := flag.String("api-key", "", "Require this bearer token when set")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	m := &mockEngine{logger: logger, delay: *delay, apiKey: *apiKey}

	logger.Info("Mock inference engine starting",
		slog.String("address", *addr),
		slog.String("endpoint", "/v1/infer"),
		slog.Duration("delay", *delay),
	)
	if err := http.ListenAndServe(*addr, m.routes()); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
