package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/audio"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/metrics"
)

const tracerName = "github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/engine"

// HTTPEngine sends batches to a remote inference server over HTTP
type HTTPEngine struct {
	config     HTTPConfig
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// HTTPConfig contains HTTP engine configuration
type HTTPConfig struct {
	Endpoint      string
	APIKey        string
	Model         string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	RetryBackoff  time.Duration // first retry delay, doubled per attempt
	MaxBackoff    time.Duration
}

// HTTPStats represents HTTP engine statistics
type HTTPStats struct {
	Model           string        `json:"model"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// StatusError is returned for non-2xx responses from the inference server
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

type wireWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type wireSegment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type wireResult struct {
	Text     string        `json:"text"`
	Words    []wireWord    `json:"words,omitempty"`
	Segments []wireSegment `json:"segments,omitempty"`
}

type wireResponse struct {
	RequestID string       `json:"request_id,omitempty"`
	Results   []wireResult `json:"results"`
}

// NewHTTPEngine creates a new HTTP inference engine
func NewHTTPEngine(config HTTPConfig, logger *slog.Logger, m *metrics.Metrics) (*HTTPEngine, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPEngine{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger.With(slog.String("component", "http_engine"), slog.String("model", config.Model)),
		metrics:    m,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// Infer transcribes a batch with one HTTP request, retrying transient failures
func (e *HTTPEngine) Infer(ctx context.Context, inputs []Input, language string) ([]Result, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	// Acquire semaphore for rate limiting
	select {
	case e.semaphore <- struct{}{}:
		defer func() { <-e.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	requestID := xid.New().String()
	ctx, span := e.tracer.Start(ctx, "engine.http",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("engine.request_id", requestID),
			attribute.String("engine.model", e.config.Model),
			attribute.String("engine.language", language),
			attribute.Int("engine.batch_size", len(inputs)),
		))
	defer span.End()

	body, contentType, err := e.createMultipartRequest(inputs, language, requestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode request")
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	startTime := time.Now()
	e.incrementTotalRequests()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			e.incrementTotalRetries()
			e.metrics.RecordEngineRetry()

			backoffTime := e.backoff(attempt)
			e.logger.Debug("Retrying inference request",
				slog.String("request_id", requestID),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoffTime),
				slog.String("error", lastErr.Error()))

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				e.incrementFailedRequests()
				return nil, ctx.Err()
			}
		}

		results, err := e.doRequest(ctx, body, contentType, requestID)
		if err == nil && len(results) != len(inputs) {
			err = fmt.Errorf("%w: sent %d inputs, got %d results", ErrResultMismatch, len(inputs), len(results))
		}
		if err == nil {
			elapsed := time.Since(startTime)
			e.incrementSuccessRequests()
			e.updateAvgResponseTime(elapsed)
			e.metrics.RecordEngineRequest(true, elapsed.Seconds())
			span.SetAttributes(attribute.Int("engine.attempts", attempt+1))
			return results, nil
		}

		lastErr = err

		// Check if error is retryable
		if !isRetryableError(err) {
			break
		}
	}

	e.incrementFailedRequests()
	e.metrics.RecordEngineRequest(false, time.Since(startTime).Seconds())
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "inference failed")
	return nil, fmt.Errorf("inference failed after %d attempts: %w", e.config.MaxRetries+1, lastErr)
}

func (e *HTTPEngine) backoff(attempt int) time.Duration {
	backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * e.config.RetryBackoff
	if backoffTime > e.config.MaxBackoff {
		backoffTime = e.config.MaxBackoff
	}
	return backoffTime
}

// doRequest performs a single HTTP request to the inference server
func (e *HTTPEngine) doRequest(ctx context.Context, body []byte, contentType, requestID string) ([]Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "parakeet-batcher/1.0")
	httpReq.Header.Set("X-Request-ID", requestID)
	if e.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return fromWire(wire.Results), nil
}

// createMultipartRequest encodes every input as a WAV file part of one multipart body
func (e *HTTPEngine) createMultipartRequest(inputs []Input, language, requestID string) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for i, in := range inputs {
		wav, err := audio.EncodeWAV(in.Samples, in.SampleRate)
		if err != nil {
			return nil, "", fmt.Errorf("input %d: %w", i, err)
		}

		name := in.ID
		if name == "" {
			name = strconv.Itoa(i)
		}
		fileWriter, err := writer.CreateFormFile("file", name+".wav")
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := fileWriter.Write(wav); err != nil {
			return nil, "", fmt.Errorf("failed to write audio data: %w", err)
		}
	}

	fields := [][2]string{
		{"request_id", requestID},
		{"batch_size", strconv.Itoa(len(inputs))},
		{"response_format", "json"},
	}
	if language != "" {
		fields = append(fields, [2]string{"language", language})
	}
	if e.config.Model != "" {
		fields = append(fields, [2]string{"model", e.config.Model})
	}

	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

func fromWire(in []wireResult) []Result {
	results := make([]Result, len(in))
	for i, r := range in {
		result := Result{Text: strings.TrimSpace(r.Text)}
		for _, w := range r.Words {
			result.Words = append(result.Words, Word{Text: w.Word, Start: Seconds(w.Start), End: Seconds(w.End)})
		}
		for _, s := range r.Segments {
			result.Segments = append(result.Segments, Segment{Text: s.Text, Start: Seconds(s.Start), End: Seconds(s.End)})
		}
		results[i] = result
	}
	return results
}

// isRetryableError reports whether a failed attempt may succeed when repeated
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (e *HTTPEngine) incrementTotalRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
}

func (e *HTTPEngine) incrementSuccessRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.successRequests++
}

func (e *HTTPEngine) incrementFailedRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failedRequests++
}

func (e *HTTPEngine) incrementTotalRetries() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRetries++
}

func (e *HTTPEngine) updateAvgResponseTime(responseTime time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Simple moving average
	if e.avgResponseTime == 0 {
		e.avgResponseTime = responseTime
	} else {
		e.avgResponseTime = (e.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current engine statistics
func (e *HTTPEngine) GetStats() HTTPStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	successRate := float64(0)
	if e.totalRequests > 0 {
		successRate = float64(e.successRequests) / float64(e.totalRequests) * 100
	}

	return HTTPStats{
		Model:           e.config.Model,
		TotalRequests:   e.totalRequests,
		SuccessRequests: e.successRequests,
		FailedRequests:  e.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    e.totalRetries,
		AvgResponseTime: e.avgResponseTime,
		ActiveRequests:  len(e.semaphore),
	}
}

// Close waits for in-flight requests to finish
func (e *HTTPEngine) Close() error {
	for i := 0; i < e.config.MaxConcurrent; i++ {
		e.semaphore <- struct{}{}
	}
	e.httpClient.CloseIdleConnections()
	return nil
}
