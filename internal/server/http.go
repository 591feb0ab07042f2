package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/audio"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/batch"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/config"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/engine"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/metrics"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/pipeline"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/stream"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/transcript"
)

const (
	serviceName    = "parakeet-transcription-service"
	serviceVersion = "1.0.0"

	// ModelSRTWords selects SRT output followed by the word list
	ModelSRTWords = "parakeet_srt_words"

	maxMemoryMultipart = 32 << 20
)

// SchedulerStats is implemented by the batch scheduler
type SchedulerStats interface {
	Stats() batch.Stats
}

// HTTPServer provides the transcription API plus monitoring endpoints
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	pipeline  *pipeline.Pipeline
	scheduler SchedulerStats
	router    *engine.Router
	metrics   *metrics.Metrics
	handler   http.Handler
	udp       *UDPServer

	// Server state
	startTime time.Time
	mu        sync.RWMutex
	listener  net.Listener
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port           int
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxUploadBytes int64
}

// NewHTTPServer creates a new HTTP API server. router may be nil.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	pipe *pipeline.Pipeline, scheduler SchedulerStats, router *engine.Router, m *metrics.Metrics) *HTTPServer {

	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 512 << 20
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		pipeline:  pipe,
		scheduler: scheduler,
		router:    router,
		metrics:   m,
		startTime: time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux, cfg.MaxUploadBytes)
	h.handler = mux

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// AttachUDP adds the UDP ingest counters to /stats
func (h *HTTPServer) AttachUDP(u *UDPServer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.udp = u
}

// Handler returns the routed handler, for embedding and tests
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux, maxUpload int64) {
	// Transcription
	mux.HandleFunc("/transcribe", h.withMetrics("/transcribe", h.handleTranscribe(maxUpload)))
	mux.HandleFunc("/v1/audio/transcriptions", h.withMetrics("/v1/audio/transcriptions", h.handleTranscribe(maxUpload)))

	// Streaming over WebSocket; the connection outlives the request so no metrics wrapper
	mux.HandleFunc("/v1/stream", h.handleStream)

	// Health check endpoint
	mux.HandleFunc("/healthz", h.withMetrics("/healthz", h.handleHealth))

	// Streams monitoring endpoints
	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/", h.withMetrics("/streams/{id}", h.handleStreamDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (h *HTTPServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// timestampsJSON mirrors the offsets block of the transcription response
type timestampsJSON struct {
	Word    []wordJSON    `json:"word"`
	Segment []segmentJSON `json:"segment"`
}

type wordJSON struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

type segmentJSON struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Segment string  `json:"segment"`
}

// TranscriptionResponse is the JSON body of a transcription
type TranscriptionResponse struct {
	Text       string          `json:"text"`
	Duration   float64         `json:"duration"`
	Timestamps *timestampsJSON `json:"timestamps,omitempty"`
}

func newTranscriptionResponse(t transcript.Transcript, withTimestamps bool) TranscriptionResponse {
	resp := TranscriptionResponse{Text: t.Text, Duration: t.Duration.Seconds()}
	if !withTimestamps {
		return resp
	}

	ts := &timestampsJSON{
		Word:    make([]wordJSON, 0, len(t.Words)),
		Segment: make([]segmentJSON, 0, len(t.Segments)),
	}
	for _, w := range t.Words {
		ts.Word = append(ts.Word, wordJSON{Start: w.Start.Seconds(), End: w.End.Seconds(), Word: w.Text})
	}
	for _, s := range t.Segments {
		ts.Segment = append(ts.Segment, segmentJSON{Start: s.Start.Seconds(), End: s.End.Seconds(), Segment: s.Text})
	}
	resp.Timestamps = ts
	return resp
}

// handleTranscribe implements /transcribe and /v1/audio/transcriptions
func (h *HTTPServer) handleTranscribe(maxUpload int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
		if err := r.ParseMultipartForm(maxMemoryMultipart); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
				return
			}
			writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		defer file.Close()

		includeTimestamps, err := formBool(r, "include_timestamps", false)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		shouldChunk, err := formBool(r, "should_chunk", true)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		model := r.FormValue("model")
		format := strings.ToLower(r.FormValue("response_format"))
		if format == "" {
			format = "json"
		}
		if format != "json" && format != "srt" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("response_format must be 'json' or 'srt', got '%s'", format))
			return
		}

		language := r.FormValue("language")
		if language == "" {
			language = r.FormValue("prompt")
		}
		if language == "" {
			language = pipeline.DefaultLanguage
		}

		h.logger.Info("Transcription request",
			slog.String("filename", header.Filename),
			slog.Int64("size", header.Size),
			slog.String("language", language),
			slog.String("model", model),
			slog.String("response_format", format),
			slog.Bool("should_chunk", shouldChunk),
		)

		result, err := h.pipeline.SubmitFile(r.Context(), file, language, pipeline.FileOptions{DisableChunking: !shouldChunk})
		if err != nil {
			status := statusFor(err)
			h.logger.Warn("Transcription failed",
				slog.String("filename", header.Filename),
				slog.Int("status", status),
				slog.String("error", err.Error()))
			writeError(w, status, err.Error())
			return
		}

		if format == "srt" || model == ModelSRTWords {
			body := transcript.FormatSRT(transcript.Captions(result.Segments))
			if model == ModelSRTWords {
				if body, err = transcript.FormatSRTWithWords(result); err != nil {
					writeError(w, http.StatusInternalServerError, err.Error())
					return
				}
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(body))
			return
		}

		writeJSON(w, http.StatusOK, newTranscriptionResponse(result, includeTimestamps))
	}
}

func formBool(r *http.Request, key string, fallback bool) (bool, error) {
	raw := r.FormValue(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got '%s'", key, raw)
	}
	return v, nil
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, audio.ErrInvalidFormat), errors.Is(err, batch.ErrInvalidChunk):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrSessionNotActive):
		return http.StatusConflict
	case errors.Is(err, stream.ErrSessionClosedPrematurely):
		return http.StatusGone
	case errors.Is(err, batch.ErrRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, batch.ErrCapacityExceeded), errors.Is(err, batch.ErrSchedulerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, batch.ErrInferenceEngineFailure):
		return http.StatusBadGateway
	case errors.Is(err, batch.ErrProcessingTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// handleHealth implements the /healthz endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats := h.scheduler.Stats()
	status := "ok"
	code := http.StatusOK
	if stats.Closed {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]any{
			"scheduler": map[string]any{
				"queue_depth": stats.QueueDepth,
				"in_flight":   stats.InFlight,
			},
			"stream_manager": map[string]any{
				"active_sessions": h.pipeline.Sessions().ActiveCount(),
			},
		},
	})
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessionInfos := h.pipeline.Sessions().Sessions()
	sort.Slice(sessionInfos, func(i, j int) bool {
		return sessionInfos[i].StartTime.Before(sessionInfos[j].StartTime)
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"total_streams": len(sessionInfos),
		"timestamp":     time.Now().UTC(),
		"streams":       sessionInfos,
	})
}

// handleStreamDetail implements the /streams/{id} endpoint
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/streams/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Stream ID required")
		return
	}

	session, exists := h.pipeline.Sessions().GetSession(id)
	if !exists {
		writeError(w, http.StatusNotFound, "Stream not found")
		return
	}

	writeJSON(w, http.StatusOK, session.GetSessionInfo())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, h.config.Redacted())
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	engines := map[string]any{}
	if h.router != nil {
		for model, backend := range h.router.Backends() {
			if s, ok := backend.(interface{ GetStats() engine.HTTPStats }); ok {
				engines[model] = s.GetStats()
			} else {
				engines[model] = map[string]string{"status": "loaded"}
			}
		}
	}

	body := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"scheduler": h.scheduler.Stats(),
		"engines":   engines,
		"streams": map[string]any{
			"active_count": h.pipeline.Sessions().ActiveCount(),
		},
	}

	h.mu.RLock()
	udp := h.udp
	h.mu.RUnlock()
	if udp != nil {
		body["udp"] = udp.GetStatistics()
	}

	writeJSON(w, http.StatusOK, body)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]string{
			"GET /":                         "API documentation",
			"POST /transcribe":              "Transcribe an audio file",
			"POST /v1/audio/transcriptions": "Transcribe an audio file (OpenAI compatible)",
			"GET /v1/stream":                "Streaming transcription over WebSocket (PCM16LE binary frames)",
			"GET /healthz":                  "Liveness/readiness probe",
			"GET /streams":                  "List active streaming sessions",
			"GET /streams/{id}":             "Get detailed session information",
			"GET /config":                   "Get service configuration",
			"GET /stats":                    "Get scheduler and engine statistics",
			"GET /metrics":                  "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
