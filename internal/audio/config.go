package audio

import (
	"fmt"
	"time"
)

// ChunkingConfig contains configuration for both chunking modes
type ChunkingConfig struct {
	SampleRate     int
	MinDuration    time.Duration
	MaxDuration    time.Duration
	Lookback       time.Duration // streaming: forced-split search window
	SearchWindow   time.Duration // whole file: cut search window
	AnalysisWindow time.Duration // energy window used to rank cut points
	SilenceRMS     float64       // whole file: loudest window below this is silence
	PreRollFrames  int           // streaming: frames kept before SpeechStart
}

const (
	defaultAnalysisWindow = 20 * time.Millisecond
	defaultLookback       = 3 * time.Second
	defaultSearchWindow   = 5 * time.Second
	defaultSilenceRMS     = 100
)

// WithDefaults fills unset optional fields
func (c ChunkingConfig) WithDefaults() ChunkingConfig {
	if c.AnalysisWindow <= 0 {
		c.AnalysisWindow = defaultAnalysisWindow
	}
	if c.Lookback <= 0 {
		c.Lookback = defaultLookback
	}
	if c.SearchWindow <= 0 {
		c.SearchWindow = defaultSearchWindow
	}
	if c.SilenceRMS <= 0 {
		c.SilenceRMS = defaultSilenceRMS
	}
	if c.MaxDuration > 0 && c.Lookback > c.MaxDuration {
		c.Lookback = c.MaxDuration
	}
	if c.MaxDuration > 0 && c.SearchWindow > c.MaxDuration {
		c.SearchWindow = c.MaxDuration
	}
	return c
}

// Validate checks the chunking configuration
func (c ChunkingConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.MinDuration <= 0 {
		return fmt.Errorf("min duration must be positive, got %v", c.MinDuration)
	}
	if c.MaxDuration <= c.MinDuration {
		return fmt.Errorf("max duration (%v) must be greater than min duration (%v)", c.MaxDuration, c.MinDuration)
	}
	if c.Lookback > c.MaxDuration {
		return fmt.Errorf("lookback (%v) cannot exceed max duration (%v)", c.Lookback, c.MaxDuration)
	}
	if c.PreRollFrames < 0 {
		return fmt.Errorf("pre-roll frames cannot be negative, got %d", c.PreRollFrames)
	}
	if c.SearchWindow > c.MaxDuration {
		return fmt.Errorf("search window (%v) cannot exceed max duration (%v)", c.SearchWindow, c.MaxDuration)
	}
	return nil
}

func (c ChunkingConfig) samples(d time.Duration) int {
	return DurationSamples(d, c.SampleRate)
}
