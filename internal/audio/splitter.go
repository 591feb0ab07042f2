package audio

import "fmt"

// Splitter cuts a complete recording into inference chunks at low-energy points
type Splitter struct {
	config ChunkingConfig
}

// NewSplitter creates a whole-file splitter
func NewSplitter(config ChunkingConfig) (*Splitter, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunking config: %w", err)
	}
	return &Splitter{config: config}, nil
}

// Split returns chunks no longer than MaxDuration. Silence-only input yields none.
func (s *Splitter) Split(sessionID string, samples []int16) []*Chunk {
	if len(samples) == 0 {
		return nil
	}

	window := s.config.samples(s.config.AnalysisWindow)
	profile := newEnergyProfile(samples)
	if profile.maxWindowRMS(window) < s.config.SilenceRMS {
		return nil
	}

	maxSamples := s.config.samples(s.config.MaxDuration)
	minSamples := s.config.samples(s.config.MinDuration)
	search := s.config.samples(s.config.SearchWindow)
	total := len(samples)

	var cuts []int
	pos := 0
	for total-pos > maxSamples {
		hi := pos + maxSamples
		if tail := total - minSamples; tail < hi && tail >= pos+minSamples {
			hi = tail
		}
		lo := hi - search
		if lo < pos+minSamples {
			lo = pos + minSamples
		}
		if lo > hi {
			lo = hi
		}

		cut := profile.quietestCut(lo, hi, window)
		cuts = append(cuts, cut)
		pos = cut
	}
	cuts = append(cuts, total)

	chunks := make([]*Chunk, 0, len(cuts))
	start := 0
	for i, end := range cuts {
		flag := Partial
		if i == len(cuts)-1 {
			flag = Final
		}
		chunks = append(chunks, &Chunk{
			SessionID:  sessionID,
			Sequence:   uint64(i),
			Flag:       flag,
			Offset:     SamplesDuration(start, s.config.SampleRate),
			SampleRate: s.config.SampleRate,
			Samples:    samples[start:end:end],
		})
		start = end
	}
	return chunks
}

// Single wraps a whole recording as one FINAL chunk without splitting
func (s *Splitter) Single(sessionID string, samples []int16) []*Chunk {
	if len(samples) == 0 {
		return nil
	}
	return []*Chunk{{
		SessionID:  sessionID,
		Flag:       Final,
		SampleRate: s.config.SampleRate,
		Samples:    samples,
	}}
}

// Config returns the splitter configuration
func (s *Splitter) Config() ChunkingConfig {
	return s.config
}
