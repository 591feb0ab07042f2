package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	UDP     UDPConfig     `yaml:"udp" json:"udp"`
	Audio   AudioConfig   `yaml:"audio" json:"audio"`
	VAD     VADConfig     `yaml:"vad" json:"vad"`
	Batch   BatchConfig   `yaml:"batch" json:"batch"`
	Engine  EngineConfig  `yaml:"engine" json:"engine"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port         int     `yaml:"port" json:"port"`
	Address      string  `yaml:"address" json:"address"`
	ReadTimeout  float64 `yaml:"read_timeout" json:"read_timeout"`   // seconds
	WriteTimeout float64 `yaml:"write_timeout" json:"write_timeout"` // seconds
	MaxUploadMB  int     `yaml:"max_upload_mb" json:"max_upload_mb"`
}

// UDPConfig contains the datagram ingest configuration
type UDPConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Port       int    `yaml:"port" json:"port"`
	Address    string `yaml:"address" json:"address"`
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"` // socket read buffer, bytes
	Workers    int    `yaml:"workers" json:"workers"`
	QueueSize  int    `yaml:"queue_size" json:"queue_size"` // packets queued per worker
}

// AudioConfig contains audio processing and chunking parameters
type AudioConfig struct {
	TargetSampleRate int     `yaml:"target_sample_rate" json:"target_sample_rate"`
	FrameDurationMs  int     `yaml:"frame_duration_ms" json:"frame_duration_ms"`
	ChunkMinDuration float64 `yaml:"chunk_min_duration" json:"chunk_min_duration"` // seconds
	MaxChunkDuration float64 `yaml:"max_chunk_duration" json:"max_chunk_duration"` // seconds
	LookbackDuration float64 `yaml:"lookback_duration" json:"lookback_duration"`   // seconds
	FileSearchWindow float64 `yaml:"file_search_window" json:"file_search_window"` // seconds
	SilenceRMS       float64 `yaml:"silence_rms" json:"silence_rms"`
	SessionTimeout   float64 `yaml:"session_timeout" json:"session_timeout"` // seconds
	MaxSessions      int     `yaml:"max_sessions" json:"max_sessions"`
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	Threshold         float32 `yaml:"vad_threshold" json:"vad_threshold"`
	MinSpeechDuration float64 `yaml:"min_speech_duration" json:"min_speech_duration"` // seconds
	HangoverDuration  float64 `yaml:"hangover_duration" json:"hangover_duration"`     // seconds
	EnergyReference   float64 `yaml:"energy_reference" json:"energy_reference"`
}

// BatchConfig contains micro-batch scheduler configuration
type BatchConfig struct {
	MaxBatchSize      int     `yaml:"max_batch_size" json:"max_batch_size"`
	MaxWaitTimeoutMs  int     `yaml:"max_wait_timeout_ms" json:"max_wait_timeout_ms"`
	IdleIntervalMs    int     `yaml:"idle_interval_ms" json:"idle_interval_ms"`
	MaxQueueDepth     int     `yaml:"max_queue_depth" json:"max_queue_depth"`
	ProcessingTimeout float64 `yaml:"processing_timeout" json:"processing_timeout"` // seconds
	InferenceTimeout  float64 `yaml:"inference_timeout" json:"inference_timeout"`   // seconds
}

// EngineConfig contains inference backend configuration
type EngineConfig struct {
	Backend       string            `yaml:"backend" json:"backend"`
	Endpoint      string            `yaml:"endpoint" json:"endpoint"`
	APIKey        string            `yaml:"api_key" json:"api_key"`
	Timeout       float64           `yaml:"timeout" json:"timeout"` // seconds
	MaxRetries    int               `yaml:"max_retries" json:"max_retries"`
	MaxConcurrent int               `yaml:"max_concurrent" json:"max_concurrent"`
	Models        map[string]string `yaml:"models" json:"models"` // language -> model
	DefaultModel  string            `yaml:"default_model" json:"default_model"`
	ModelPath     string            `yaml:"model_path" json:"model_path"` // whispercpp: model file, may contain {model}
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

const (
	BackendHTTP       = "http"
	BackendWhisperCpp = "whispercpp"
)

// Default returns a configuration that runs against a local inference server
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:         8000,
			Address:      "0.0.0.0",
			ReadTimeout:  60,
			WriteTimeout: 300,
			MaxUploadMB:  512,
		},
		UDP: UDPConfig{
			Enabled:    false,
			Port:       4000,
			Address:    "0.0.0.0",
			BufferSize: 1 << 20,
			Workers:    4,
			QueueSize:  1000,
		},
		Audio: AudioConfig{
			TargetSampleRate: 16000,
			FrameDurationMs:  30,
			ChunkMinDuration: 1,
			MaxChunkDuration: 30,
			LookbackDuration: 3,
			FileSearchWindow: 5,
			SilenceRMS:       100,
			SessionTimeout:   60,
			MaxSessions:      100,
		},
		VAD: VADConfig{
			Threshold:         0.5,
			MinSpeechDuration: 0.06,
			HangoverDuration:  0.3,
			EnergyReference:   3000,
		},
		Batch: BatchConfig{
			MaxBatchSize:      8,
			MaxWaitTimeoutMs:  200,
			IdleIntervalMs:    50,
			MaxQueueDepth:     256,
			ProcessingTimeout: 60,
			InferenceTimeout:  30,
		},
		Engine: EngineConfig{
			Backend:       BackendHTTP,
			Endpoint:      "http://localhost:9000/v1/infer",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 4,
			Models:        map[string]string{"ja": "parakeet-tdt_ctc-0.6b-ja"},
			DefaultModel:  "parakeet-tdt-0.6b-v3",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of Default()
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.UDP.Validate(); err != nil {
		return fmt.Errorf("udp config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("batch config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Redacted returns a copy safe to expose over the API
func (c *Config) Redacted() Config {
	out := *c
	if out.Engine.APIKey != "" {
		out.Engine.APIKey = "***"
	}
	return out
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if h.ReadTimeout < 0 || h.WriteTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if h.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", h.MaxUploadMB)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.TargetSampleRate < 8000 || a.TargetSampleRate > 48000 {
		return fmt.Errorf("target_sample_rate must be between 8000 and 48000 Hz, got %d", a.TargetSampleRate)
	}

	if a.FrameDurationMs < 10 || a.FrameDurationMs > 100 {
		return fmt.Errorf("frame_duration_ms must be between 10 and 100, got %d", a.FrameDurationMs)
	}

	if a.ChunkMinDuration <= 0 {
		return fmt.Errorf("chunk_min_duration must be positive, got %f", a.ChunkMinDuration)
	}

	if a.MaxChunkDuration <= a.ChunkMinDuration {
		return fmt.Errorf("max_chunk_duration (%f) must be greater than chunk_min_duration (%f)",
			a.MaxChunkDuration, a.ChunkMinDuration)
	}

	if a.LookbackDuration < 0 || a.FileSearchWindow < 0 {
		return fmt.Errorf("lookback_duration and file_search_window cannot be negative")
	}

	if a.SilenceRMS < 0 {
		return fmt.Errorf("silence_rms cannot be negative, got %f", a.SilenceRMS)
	}

	if a.SessionTimeout < 1 {
		return fmt.Errorf("session_timeout must be at least 1 second, got %f", a.SessionTimeout)
	}

	if a.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", a.MaxSessions)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold <= 0 || v.Threshold > 1 {
		return fmt.Errorf("vad_threshold must be in (0, 1], got %f", v.Threshold)
	}

	if v.MinSpeechDuration < 0 {
		return fmt.Errorf("min_speech_duration cannot be negative, got %f", v.MinSpeechDuration)
	}

	if v.HangoverDuration < 0 {
		return fmt.Errorf("hangover_duration cannot be negative, got %f", v.HangoverDuration)
	}

	if v.EnergyReference <= 0 {
		return fmt.Errorf("energy_reference must be positive, got %f", v.EnergyReference)
	}

	return nil
}

// Validate validates batch scheduler configuration
func (b *BatchConfig) Validate() error {
	if b.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be at least 1, got %d", b.MaxBatchSize)
	}

	if b.MaxWaitTimeoutMs < 1 {
		return fmt.Errorf("max_wait_timeout_ms must be at least 1, got %d", b.MaxWaitTimeoutMs)
	}

	if b.IdleIntervalMs < 0 {
		return fmt.Errorf("idle_interval_ms cannot be negative, got %d", b.IdleIntervalMs)
	}

	if b.MaxQueueDepth < b.MaxBatchSize {
		return fmt.Errorf("max_queue_depth (%d) must be at least max_batch_size (%d)", b.MaxQueueDepth, b.MaxBatchSize)
	}

	if b.ProcessingTimeout <= 0 {
		return fmt.Errorf("processing_timeout must be positive, got %f", b.ProcessingTimeout)
	}

	if b.InferenceTimeout < 0 {
		return fmt.Errorf("inference_timeout cannot be negative, got %f", b.InferenceTimeout)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	switch e.Backend {
	case BackendHTTP:
		if e.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http backend")
		}
	case BackendWhisperCpp:
		if e.ModelPath == "" {
			return fmt.Errorf("model_path cannot be empty for the whispercpp backend")
		}
	default:
		return fmt.Errorf("backend must be '%s' or '%s', got '%s'", BackendHTTP, BackendWhisperCpp, e.Backend)
	}

	if e.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %f", e.Timeout)
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
	}

	if e.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", e.MaxConcurrent)
	}

	if e.DefaultModel == "" {
		return fmt.Errorf("default_model cannot be empty")
	}

	for language, model := range e.Models {
		if language == "" || model == "" {
			return fmt.Errorf("models entries need a language and a model, got %q: %q", language, model)
		}
	}

	return nil
}

// Validate validates UDP ingest configuration. Nothing is checked when disabled.
func (u *UDPConfig) Validate() error {
	if !u.Enabled {
		return nil
	}

	if u.Port < 1 || u.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", u.Port)
	}

	if u.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if u.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", u.BufferSize)
	}

	if u.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", u.Workers)
	}

	if u.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", u.QueueSize)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// GetReadTimeout returns the HTTP read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeout() time.Duration {
	return seconds(h.ReadTimeout)
}

// GetWriteTimeout returns the HTTP write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeout() time.Duration {
	return seconds(h.WriteTimeout)
}

// GetMaxUploadBytes returns the upload limit in bytes
func (h *HTTPConfig) GetMaxUploadBytes() int64 {
	return int64(h.MaxUploadMB) << 20
}

// GetFrameSize returns the number of samples per VAD frame
func (a *AudioConfig) GetFrameSize() int {
	return a.TargetSampleRate * a.FrameDurationMs / 1000
}

// GetFrameDuration returns the VAD frame duration as a time.Duration
func (a *AudioConfig) GetFrameDuration() time.Duration {
	return time.Duration(a.FrameDurationMs) * time.Millisecond
}

// GetChunkMinDuration returns the minimum chunk duration as a time.Duration
func (a *AudioConfig) GetChunkMinDuration() time.Duration {
	return seconds(a.ChunkMinDuration)
}

// GetMaxChunkDuration returns the maximum chunk duration as a time.Duration
func (a *AudioConfig) GetMaxChunkDuration() time.Duration {
	return seconds(a.MaxChunkDuration)
}

// GetLookbackDuration returns the streaming split lookback as a time.Duration
func (a *AudioConfig) GetLookbackDuration() time.Duration {
	return seconds(a.LookbackDuration)
}

// GetFileSearchWindow returns the whole-file cut search window as a time.Duration
func (a *AudioConfig) GetFileSearchWindow() time.Duration {
	return seconds(a.FileSearchWindow)
}

// GetSessionTimeout returns the idle session timeout as a time.Duration
func (a *AudioConfig) GetSessionTimeout() time.Duration {
	return seconds(a.SessionTimeout)
}

// GetStartFrames converts the minimum speech duration into consecutive frames
func (v *VADConfig) GetStartFrames(frame time.Duration) int {
	return framesFor(v.MinSpeechDuration, frame)
}

// GetHangoverFrames converts the hangover duration into consecutive frames
func (v *VADConfig) GetHangoverFrames(frame time.Duration) int {
	return framesFor(v.HangoverDuration, frame)
}

// framesFor rounds a duration up to whole frames, at least one
func framesFor(secs float64, frame time.Duration) int {
	if frame <= 0 {
		return 1
	}
	d := seconds(secs)
	n := int((d + frame - 1) / frame)
	if n < 1 {
		n = 1
	}
	return n
}

// GetMaxWait returns the batch fill timeout as a time.Duration
func (b *BatchConfig) GetMaxWait() time.Duration {
	return time.Duration(b.MaxWaitTimeoutMs) * time.Millisecond
}

// GetIdleInterval returns the idle dispatch interval as a time.Duration
func (b *BatchConfig) GetIdleInterval() time.Duration {
	return time.Duration(b.IdleIntervalMs) * time.Millisecond
}

// GetProcessingTimeout returns the per-request timeout as a time.Duration
func (b *BatchConfig) GetProcessingTimeout() time.Duration {
	return seconds(b.ProcessingTimeout)
}

// GetInferenceTimeout returns the per-batch engine timeout as a time.Duration
func (b *BatchConfig) GetInferenceTimeout() time.Duration {
	return seconds(b.InferenceTimeout)
}

// GetTimeoutDuration returns the engine request timeout as a time.Duration
func (e *EngineConfig) GetTimeoutDuration() time.Duration {
	return seconds(e.Timeout)
}
