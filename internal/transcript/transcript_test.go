package transcript

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/engine"
)

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func TestBuilderShiftsToSessionTimeline(t *testing.T) {
	b := NewBuilder(0)

	err := b.Add(0, 0, engine.Result{
		Text:     "hello world",
		Words:    []engine.Word{{Text: "hello", Start: ms(100), End: ms(400)}, {Text: "world", Start: ms(450), End: ms(900)}},
		Duration: ms(1000),
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	err = b.Add(1, ms(1000), engine.Result{
		Text:     " again ",
		Words:    []engine.Word{{Text: "again", Start: ms(200), End: ms(600)}},
		Segments: []engine.Segment{{Text: "again", Start: ms(200), End: ms(600)}},
		Duration: ms(800),
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	want := Transcript{
		Text: "hello world again",
		Words: []Word{
			{Text: "hello", Start: ms(100), End: ms(400)},
			{Text: "world", Start: ms(450), End: ms(900)},
			{Text: "again", Start: ms(1200), End: ms(1600)},
		},
		Segments: []Segment{
			{Text: "hello world", Start: ms(100), End: ms(900)},
			{Text: "again", Start: ms(1200), End: ms(1600)},
		},
		Duration: ms(1800),
	}
	if diff := cmp.Diff(want, b.Transcript()); diff != "" {
		t.Errorf("Transcript mismatch (-want +got):\n%s", diff)
	}
	if b.Len() != 2 {
		t.Errorf("Expected 2 results, got %d", b.Len())
	}
}

func TestBuilderRejectsOutOfOrder(t *testing.T) {
	b := NewBuilder(0)
	if err := b.Add(3, 0, engine.Result{Text: "three"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	for _, seq := range []uint64{3, 2, 0} {
		if err := b.Add(seq, 0, engine.Result{Text: "late"}); !errors.Is(err, ErrOutOfOrder) {
			t.Errorf("Add(%d): expected ErrOutOfOrder, got %v", seq, err)
		}
	}

	// Gaps from failed chunks are allowed
	if err := b.Add(5, 0, engine.Result{Text: "five"}); err != nil {
		t.Errorf("Add after gap failed: %v", err)
	}
	if got := b.Text(); got != "three five" {
		t.Errorf("Unexpected text %q", got)
	}
}

func TestBuilderTextOnlyResult(t *testing.T) {
	b := NewBuilder(0)
	if err := b.Add(0, ms(2000), engine.Result{Text: "no timing", Duration: ms(1500)}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := b.Add(1, ms(3500), engine.Result{Text: "  ", Duration: ms(500)}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got := b.Transcript()
	want := []Segment{{Text: "no timing", Start: ms(2000), End: ms(3500)}}
	if diff := cmp.Diff(want, got.Segments); diff != "" {
		t.Errorf("Segments mismatch (-want +got):\n%s", diff)
	}
	if got.Text != "no timing" {
		t.Errorf("Blank results must not add separators, got %q", got.Text)
	}
	if got.Duration != ms(4000) {
		t.Errorf("Expected duration 4s, got %v", got.Duration)
	}
}

func TestSegmentsFromWords(t *testing.T) {
	tests := []struct {
		name     string
		words    []Word
		expected []Segment
	}{
		{
			name:     "empty",
			words:    nil,
			expected: nil,
		},
		{
			name: "contiguous",
			words: []Word{
				{Text: "one", Start: 0, End: ms(300)},
				{Text: "two", Start: ms(400), End: ms(700)},
			},
			expected: []Segment{{Text: "one two", Start: 0, End: ms(700)}},
		},
		{
			name: "split on pause",
			words: []Word{
				{Text: "one", Start: 0, End: ms(300)},
				{Text: "two", Start: ms(1200), End: ms(1500)},
			},
			expected: []Segment{
				{Text: "one", Start: 0, End: ms(300)},
				{Text: "two", Start: ms(1200), End: ms(1500)},
			},
		},
		{
			name: "split after punctuation",
			words: []Word{
				{Text: "Done.", Start: 0, End: ms(300)},
				{Text: "Next", Start: ms(350), End: ms(600)},
				{Text: "one?", Start: ms(650), End: ms(900)},
			},
			expected: []Segment{
				{Text: "Done.", Start: 0, End: ms(300)},
				{Text: "Next one?", Start: ms(350), End: ms(900)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SegmentsFromWords(tt.words, DefaultSegmentGap)
			if diff := cmp.Diff(tt.expected, got); diff != "" {
				t.Errorf("Segments mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
