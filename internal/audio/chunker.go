package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/vad"
)

// ChunkState represents the current state of the chunking process
type ChunkState int

const (
	StateIdle ChunkState = iota
	StateCollecting
)

func (s ChunkState) String() string {
	if s == StateCollecting {
		return "collecting"
	}
	return "idle"
}

// StreamChunker turns VAD-delimited speech of one session into chunks
type StreamChunker struct {
	config    ChunkingConfig
	sessionID string

	state    ChunkState
	buf      []int16
	bufStart int       // session sample index of buf[0]
	cursor   int       // samples consumed so far
	preRoll  [][]int16 // recent frames while idle
	silentAt int       // buf index where the current non-speech run began, -1 if none
	sequence uint64

	// Statistics
	chunksCreated uint64
	forcedSplits  uint64
	vadSplits     uint64
	totalDuration time.Duration

	mu sync.RWMutex
}

// ChunkerStats represents chunker statistics
type ChunkerStats struct {
	State            string        `json:"state"`
	ChunksCreated    uint64        `json:"chunks_created"`
	ForcedSplits     uint64        `json:"forced_splits"`
	SilenceSplits    uint64        `json:"silence_splits"`
	TotalDuration    time.Duration `json:"total_duration"`
	BufferedDuration time.Duration `json:"buffered_duration"`
	AvgChunkDuration float64       `json:"avg_chunk_duration_sec"`
	NextSequence     uint64        `json:"next_sequence"`
}

// NewStreamChunker creates a streaming chunker for one session
func NewStreamChunker(sessionID string, config ChunkingConfig) (*StreamChunker, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunking config: %w", err)
	}

	return &StreamChunker{
		config:    config,
		sessionID: sessionID,
		state:     StateIdle,
		silentAt:  -1,
	}, nil
}

// Push consumes one frame with its VAD event and returns any chunks that became ready
func (c *StreamChunker) Push(frame []int16, event vad.Event) []*Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.cursor
	c.cursor += len(frame)

	switch c.state {
	case StateIdle:
		if event.Kind != vad.EventSpeechStart {
			c.rememberFrame(frame)
			return nil
		}
		c.begin(start)
		c.appendFrame(frame, event.Speech)
		return c.splitOversized()

	default:
		c.appendFrame(frame, event.Speech)
		chunks := c.splitOversized()
		if event.Kind == vad.EventSpeechEnd {
			chunks = append(chunks, c.emit(len(c.buf), Final))
			c.reset()
		}
		return chunks
	}
}

// Flush emits buffered speech as a FINAL chunk, or nil when idle
func (c *StreamChunker) Flush() []*Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle || len(c.buf) == 0 {
		c.reset()
		return nil
	}

	chunks := c.splitOversized()
	chunks = append(chunks, c.emit(len(c.buf), Final))
	c.reset()
	return chunks
}

// Discard drops buffered audio without emitting anything
func (c *StreamChunker) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// begin opens a new utterance, prepending the pre-roll
func (c *StreamChunker) begin(start int) {
	c.state = StateCollecting
	c.silentAt = -1
	c.buf = c.buf[:0]
	c.bufStart = start
	for _, f := range c.preRoll {
		c.buf = append(c.buf, f...)
		c.bufStart -= len(f)
	}
	c.preRoll = c.preRoll[:0]
}

func (c *StreamChunker) rememberFrame(frame []int16) {
	if c.config.PreRollFrames == 0 {
		return
	}
	if len(c.preRoll) == c.config.PreRollFrames {
		c.preRoll = append(c.preRoll[:0], c.preRoll[1:]...)
	}
	c.preRoll = append(c.preRoll, append([]int16(nil), frame...))
}

func (c *StreamChunker) appendFrame(frame []int16, speech bool) {
	if speech {
		c.silentAt = -1
	} else if c.silentAt < 0 {
		c.silentAt = len(c.buf)
	}
	c.buf = append(c.buf, frame...)
}

// splitOversized emits PARTIAL chunks while the buffer exceeds the maximum duration
func (c *StreamChunker) splitOversized() []*Chunk {
	maxSamples := c.config.samples(c.config.MaxDuration)

	var chunks []*Chunk
	for len(c.buf) > maxSamples {
		chunks = append(chunks, c.emit(c.splitPoint(maxSamples), Partial))
	}
	return chunks
}

// splitPoint picks the cut for an oversized buffer. A VAD silence onset inside the
// lookback window wins over the lowest-energy point.
func (c *StreamChunker) splitPoint(maxSamples int) int {
	minSamples := c.config.samples(c.config.MinDuration)

	hi := maxSamples
	lo := hi - c.config.samples(c.config.Lookback)
	if lo < minSamples {
		lo = minSamples
	}
	if lo > hi {
		lo = hi
	}

	if c.silentAt > 0 && c.silentAt >= lo && c.silentAt <= hi {
		c.vadSplits++
		return c.silentAt
	}

	c.forcedSplits++
	profile := newEnergyProfile(c.buf)
	return profile.quietestCut(lo, hi, c.config.samples(c.config.AnalysisWindow))
}

// emit cuts buf[:cut] into a chunk and keeps the remainder buffered
func (c *StreamChunker) emit(cut int, flag ChunkFlag) *Chunk {
	chunk := &Chunk{
		SessionID:  c.sessionID,
		Sequence:   c.sequence,
		Flag:       flag,
		Offset:     SamplesDuration(c.bufStart, c.config.SampleRate),
		SampleRate: c.config.SampleRate,
		Samples:    append([]int16(nil), c.buf[:cut]...),
	}
	c.sequence++

	c.buf = append(c.buf[:0], c.buf[cut:]...)
	c.bufStart += cut
	if c.silentAt >= 0 {
		c.silentAt -= cut
		if c.silentAt < 0 {
			c.silentAt = 0
		}
	}

	c.chunksCreated++
	c.totalDuration += chunk.Duration()
	return chunk
}

func (c *StreamChunker) reset() {
	c.state = StateIdle
	c.buf = c.buf[:0]
	c.silentAt = -1
	c.preRoll = c.preRoll[:0]
}

// GetStats returns current chunker statistics
func (c *StreamChunker) GetStats() ChunkerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	avgDuration := float64(0)
	if c.chunksCreated > 0 {
		avgDuration = c.totalDuration.Seconds() / float64(c.chunksCreated)
	}

	return ChunkerStats{
		State:            c.state.String(),
		ChunksCreated:    c.chunksCreated,
		ForcedSplits:     c.forcedSplits,
		SilenceSplits:    c.vadSplits,
		TotalDuration:    c.totalDuration,
		BufferedDuration: SamplesDuration(len(c.buf), c.config.SampleRate),
		AvgChunkDuration: avgDuration,
		NextSequence:     c.sequence,
	}
}

// IsIdle returns whether the chunker is outside an utterance
func (c *StreamChunker) IsIdle() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateIdle
}

// HasPendingAudio returns whether speech is currently buffered
func (c *StreamChunker) HasPendingAudio() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateCollecting && len(c.buf) > 0
}
