package transcript

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/engine"
)

// DefaultSegmentGap is the pause that starts a new derived segment
const DefaultSegmentGap = 800 * time.Millisecond

// ErrOutOfOrder is returned when a chunk result arrives behind an already added one
var ErrOutOfOrder = errors.New("chunk result out of order")

// Word is a recognised word on the session timeline
type Word struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// Segment is a phrase on the session timeline
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// Transcript is the aggregated result of a file or session
type Transcript struct {
	Text     string
	Words    []Word
	Segments []Segment
	Duration time.Duration
}

// Builder stitches per-chunk results into one transcript in sequence order
type Builder struct {
	gap      time.Duration
	started  bool
	last     uint64
	count    int
	texts    []string
	words    []Word
	segments []Segment
	end      time.Duration
}

// NewBuilder creates a builder; a non-positive gap uses DefaultSegmentGap
func NewBuilder(gap time.Duration) *Builder {
	if gap <= 0 {
		gap = DefaultSegmentGap
	}
	return &Builder{gap: gap}
}

// Add appends the result of chunk sequence, whose audio starts at offset
func (b *Builder) Add(sequence uint64, offset time.Duration, r engine.Result) error {
	if b.started && sequence <= b.last {
		return fmt.Errorf("%w: sequence %d after %d", ErrOutOfOrder, sequence, b.last)
	}
	b.started = true
	b.last = sequence
	b.count++

	if text := strings.TrimSpace(r.Text); text != "" {
		b.texts = append(b.texts, text)
	}

	words := make([]Word, 0, len(r.Words))
	for _, w := range r.Words {
		words = append(words, Word{Text: w.Text, Start: offset + w.Start, End: offset + w.End})
	}
	b.words = append(b.words, words...)

	switch {
	case len(r.Segments) > 0:
		for _, s := range r.Segments {
			b.segments = append(b.segments, Segment{Text: s.Text, Start: offset + s.Start, End: offset + s.End})
		}
	case len(words) > 0:
		b.segments = append(b.segments, SegmentsFromWords(words, b.gap)...)
	case strings.TrimSpace(r.Text) != "":
		b.segments = append(b.segments, Segment{Text: strings.TrimSpace(r.Text), Start: offset, End: offset + r.Duration})
	}

	if end := offset + r.Duration; end > b.end {
		b.end = end
	}
	if n := len(b.words); n > 0 && b.words[n-1].End > b.end {
		b.end = b.words[n-1].End
	}
	return nil
}

// Len returns the number of results added
func (b *Builder) Len() int {
	return b.count
}

// Text returns the text aggregated so far
func (b *Builder) Text() string {
	return strings.Join(b.texts, " ")
}

// Transcript returns the aggregate of everything added so far
func (b *Builder) Transcript() Transcript {
	return Transcript{
		Text:     b.Text(),
		Words:    append([]Word(nil), b.words...),
		Segments: append([]Segment(nil), b.segments...),
		Duration: b.end,
	}
}

// SegmentsFromWords groups contiguous words into segments, breaking on pauses
// longer than gap and after sentence-ending punctuation
func SegmentsFromWords(words []Word, gap time.Duration) []Segment {
	var (
		segments []Segment
		current  []string
		start    time.Duration
		prev     Word
	)

	flush := func() {
		if len(current) == 0 {
			return
		}
		segments = append(segments, Segment{Text: strings.Join(current, " "), Start: start, End: prev.End})
		current = current[:0]
	}

	for i, w := range words {
		if i > 0 && (w.Start-prev.End > gap || endsSentence(prev.Text)) {
			flush()
		}
		if len(current) == 0 {
			start = w.Start
		}
		current = append(current, w.Text)
		prev = w
	}
	flush()
	return segments
}

func endsSentence(word string) bool {
	word = strings.TrimSpace(word)
	for _, suffix := range []string{".", "?", "!", "。", "？", "！"} {
		if strings.HasSuffix(word, suffix) {
			return true
		}
	}
	return false
}
