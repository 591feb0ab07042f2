package audio

import (
	"fmt"
	"time"
)

// ChunkFlag tells whether more audio of the same utterance may follow
type ChunkFlag int

const (
	Partial ChunkFlag = iota
	Final
)

func (f ChunkFlag) String() string {
	switch f {
	case Partial:
		return "partial"
	case Final:
		return "final"
	default:
		return fmt.Sprintf("ChunkFlag(%d)", int(f))
	}
}

// Chunk is a bounded audio unit submitted to inference as one request
type Chunk struct {
	SessionID  string        `json:"session_id"`
	Sequence   uint64        `json:"sequence"` // monotonic per session
	Flag       ChunkFlag     `json:"flag"`
	Offset     time.Duration `json:"offset"` // start on the session timeline
	SampleRate int           `json:"sample_rate"`
	Samples    []int16       `json:"-"`
}

// Duration returns the chunk duration
func (c *Chunk) Duration() time.Duration {
	return SamplesDuration(len(c.Samples), c.SampleRate)
}

// End returns the end of the chunk on the session timeline
func (c *Chunk) End() time.Duration {
	return c.Offset + c.Duration()
}

// IsFinal reports whether the chunk closes its utterance
func (c *Chunk) IsFinal() bool {
	return c.Flag == Final
}
