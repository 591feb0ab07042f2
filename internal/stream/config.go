package stream

import (
	"fmt"
	"time"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/audio"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/vad"
)

// SessionConfig contains the per-session pipeline configuration
type SessionConfig struct {
	VAD             vad.Config
	EnergyReference float64
	Chunking        audio.ChunkingConfig
	FramerCapacity  int           // frames buffered between writes
	BacklogSize     int           // chunks held back while the scheduler is full
	UpdateBuffer    int           // Updates channel capacity
	SegmentGap      time.Duration // pause that starts a new transcript segment
	RetryInterval   time.Duration // backlog resubmission interval while closing
}

// WithDefaults fills unset optional fields
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.EnergyReference <= 0 {
		c.EnergyReference = vad.DefaultEnergyReference
	}
	if c.FramerCapacity <= 0 {
		c.FramerCapacity = 64
	}
	if c.BacklogSize <= 0 {
		c.BacklogSize = 16
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = 256
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 20 * time.Millisecond
	}
	if c.Chunking.SampleRate == 0 {
		c.Chunking.SampleRate = c.VAD.SampleRate
	}
	return c
}

// Validate checks the session configuration
func (c SessionConfig) Validate() error {
	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad: %w", err)
	}
	if c.Chunking.SampleRate != c.VAD.SampleRate {
		return fmt.Errorf("chunking sample rate %d does not match VAD sample rate %d", c.Chunking.SampleRate, c.VAD.SampleRate)
	}
	if err := c.Chunking.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("chunking: %w", err)
	}
	return nil
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Session         SessionConfig
	MaxSessions     int           // 0 means unlimited
	SessionTimeout  time.Duration // idle sessions are aborted after this long
	CleanupInterval time.Duration
}
