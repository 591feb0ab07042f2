package batch

import (
	"fmt"
	"time"
)

// Config contains batch scheduler configuration
type Config struct {
	MaxBatchSize      int
	MaxWait           time.Duration // dispatch once the oldest request has waited this long
	IdleInterval      time.Duration // dispatch after this long without arrivals; 0 disables
	MaxQueueDepth     int
	ProcessingTimeout time.Duration // measured from enqueue
	InferenceTimeout  time.Duration // bounds one engine call; 0 disables
}

// DefaultConfig returns a working scheduler configuration
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:      8,
		MaxWait:           200 * time.Millisecond,
		MaxQueueDepth:     256,
		ProcessingTimeout: 60 * time.Second,
		InferenceTimeout:  30 * time.Second,
	}
}

// Validate checks the scheduler configuration
func (c Config) Validate() error {
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max batch size must be at least 1, got %d", c.MaxBatchSize)
	}
	if c.MaxWait <= 0 {
		return fmt.Errorf("max wait must be positive, got %v", c.MaxWait)
	}
	if c.IdleInterval < 0 {
		return fmt.Errorf("idle interval cannot be negative, got %v", c.IdleInterval)
	}
	if c.MaxQueueDepth < 1 {
		return fmt.Errorf("max queue depth must be at least 1, got %d", c.MaxQueueDepth)
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("processing timeout must be positive, got %v", c.ProcessingTimeout)
	}
	if c.InferenceTimeout < 0 {
		return fmt.Errorf("inference timeout cannot be negative, got %v", c.InferenceTimeout)
	}
	return nil
}
