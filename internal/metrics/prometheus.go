package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// VAD metrics
	VADFramesProcessed prometheus.Counter
	VADSpeechFrames    prometheus.Counter

	// Audio chunking metrics
	ChunksGenerated *prometheus.CounterVec
	ChunkDuration   prometheus.Histogram

	// Scheduler metrics
	QueueDepth        prometheus.Gauge
	BatchSize         prometheus.Histogram
	BatchLatency      prometheus.Histogram
	SchedulerRequests prometheus.Counter
	Rejections        prometheus.Counter
	Timeouts          prometheus.Counter
	EngineFailures    prometheus.Counter

	// Engine metrics
	EngineRequests *prometheus.CounterVec
	EngineRetries  prometheus.Counter
	EngineDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec

	// UDP ingest metrics
	UDPPackets *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parakeet_active_sessions",
			Help: "Current number of open streaming sessions",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "parakeet_sessions_opened_total",
			Help: "Total number of streaming sessions opened",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parakeet_sessions_closed_total",
			Help: "Total number of streaming sessions ended, by outcome",
		}, []string{"outcome"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parakeet_session_duration_seconds",
			Help:    "Duration of streaming sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// VAD metrics
		VADFramesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "parakeet_vad_frames_processed_total",
			Help: "Total number of frames classified by the VAD",
		}),
		VADSpeechFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "parakeet_vad_speech_frames_total",
			Help: "Total number of frames classified as speech",
		}),

		// Audio chunking metrics
		ChunksGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parakeet_audio_chunks_generated_total",
			Help: "Total number of audio chunks generated, by flag",
		}, []string{"flag"}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parakeet_chunk_duration_seconds",
			Help:    "Duration of generated audio chunks",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),

		// Scheduler metrics
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parakeet_scheduler_queue_depth",
			Help: "Current number of requests waiting for a batch",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parakeet_batch_size",
			Help:    "Number of requests per dispatched batch",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		}),
		BatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parakeet_batch_latency_seconds",
			Help:    "Inference time per dispatched batch",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}),
		SchedulerRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "parakeet_scheduler_requests_total",
			Help: "Total number of requests accepted by the scheduler",
		}),
		Rejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "parakeet_scheduler_rejections_total",
			Help: "Total number of requests rejected because the queue was full",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "parakeet_scheduler_timeouts_total",
			Help: "Total number of requests that exceeded the processing timeout",
		}),
		EngineFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "parakeet_scheduler_engine_failures_total",
			Help: "Total number of batches that failed in the inference engine",
		}),

		// Engine metrics
		EngineRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parakeet_engine_requests_total",
			Help: "Total number of inference engine calls, by result",
		}, []string{"result"}),
		EngineRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "parakeet_engine_retries_total",
			Help: "Total number of inference engine call retries",
		}),
		EngineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parakeet_engine_duration_seconds",
			Help:    "Duration of inference engine calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parakeet_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parakeet_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parakeet_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),

		// UDP ingest metrics
		UDPPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parakeet_udp_packets_total",
			Help: "Total number of UDP packets received, by outcome",
		}, []string{"outcome"}),
	}
}

// SetActiveSessions sets the current number of open sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionOpened increments the sessions opened counter
func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
}

// RecordSessionEnded records how a session ended and how long it lived
func (m *Metrics) RecordSessionEnded(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordVADFrame increments VAD frames processed and optionally speech frames
func (m *Metrics) RecordVADFrame(speech bool) {
	if m == nil {
		return
	}
	m.VADFramesProcessed.Inc()
	if speech {
		m.VADSpeechFrames.Inc()
	}
}

// RecordChunkGenerated records a generated audio chunk
func (m *Metrics) RecordChunkGenerated(flag string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ChunksGenerated.WithLabelValues(flag).Inc()
	m.ChunkDuration.Observe(durationSeconds)
}

// SetQueueDepth sets the current scheduler queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordEnqueued increments the accepted requests counter
func (m *Metrics) RecordEnqueued() {
	if m == nil {
		return
	}
	m.SchedulerRequests.Inc()
}

// RecordRejection increments the capacity rejections counter
func (m *Metrics) RecordRejection() {
	if m == nil {
		return
	}
	m.Rejections.Inc()
}

// RecordTimeout increments the processing timeouts counter
func (m *Metrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.Timeouts.Inc()
}

// RecordBatch records a dispatched batch and its inference time
func (m *Metrics) RecordBatch(size int, durationSeconds float64, failed bool) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(size))
	m.BatchLatency.Observe(durationSeconds)
	if failed {
		m.EngineFailures.Inc()
	}
}

// RecordEngineRequest records one inference engine call
func (m *Metrics) RecordEngineRequest(success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.EngineRequests.WithLabelValues(result).Inc()
	m.EngineDuration.Observe(durationSeconds)
}

// RecordEngineRetry increments the engine retry counter
func (m *Metrics) RecordEngineRetry() {
	if m == nil {
		return
	}
	m.EngineRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

// RecordUDPPacket records a received UDP packet and what became of it
func (m *Metrics) RecordUDPPacket(outcome string) {
	if m == nil {
		return
	}
	m.UDPPackets.WithLabelValues(outcome).Inc()
}
