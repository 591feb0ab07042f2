package transcript

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		in       time.Duration
		expected string
	}{
		{0, "00:00:00,000"},
		{1500 * time.Millisecond, "00:00:01,500"},
		{61*time.Second + 7*time.Millisecond, "00:01:01,007"},
		{2*time.Hour + 3*time.Minute + 4*time.Second + 999*time.Millisecond, "02:03:04,999"},
		{-time.Second, "00:00:00,000"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := FormatTimestamp(tt.in); got != tt.expected {
				t.Errorf("FormatTimestamp(%v) = %q, want %q", tt.in, got, tt.expected)
			}
		})
	}
}

func TestCaptionsSkipEmpty(t *testing.T) {
	segments := []Segment{
		{Text: "first", Start: 0, End: ms(1000)},
		{Text: "   ", Start: ms(1000), End: ms(1500)},
		{Text: " second ", Start: ms(1500), End: ms(2500)},
	}

	want := []Caption{
		{Index: 1, Start: 0, End: ms(1000), Text: "first"},
		{Index: 2, Start: ms(1500), End: ms(2500), Text: "second"},
	}
	if diff := cmp.Diff(want, Captions(segments)); diff != "" {
		t.Errorf("Captions mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatSRT(t *testing.T) {
	captions := []Caption{
		{Index: 1, Start: 0, End: ms(1000), Text: "first"},
		{Index: 2, Start: ms(1500), End: ms(2500), Text: "second"},
	}

	want := "1\n00:00:00,000 --> 00:00:01,000\nfirst\n" +
		"\n" +
		"2\n00:00:01,500 --> 00:00:02,500\nsecond\n"
	if got := FormatSRT(captions); got != want {
		t.Errorf("FormatSRT mismatch:\n%q\nwant\n%q", got, want)
	}
	if got := FormatSRT(nil); got != "" {
		t.Errorf("Expected empty SRT, got %q", got)
	}
}

func TestFormatSRTWithWords(t *testing.T) {
	tr := Transcript{
		Text:     "hi there",
		Words:    []Word{{Text: "hi", Start: ms(250), End: ms(500)}, {Text: "there", Start: ms(600), End: ms(1000)}},
		Segments: []Segment{{Text: "hi there", Start: ms(250), End: ms(1000)}},
	}

	got, err := FormatSRTWithWords(tr)
	if err != nil {
		t.Fatalf("FormatSRTWithWords failed: %v", err)
	}

	parts := strings.SplitN(got, WordsSeparator, 2)
	if len(parts) != 2 {
		t.Fatalf("Expected separator in output, got %q", got)
	}
	if want := "1\n00:00:00,250 --> 00:00:01,000\nhi there\n"; parts[0] != want {
		t.Errorf("SRT part mismatch: %q", parts[0])
	}
	if want := `[{"start":0.25,"end":0.5,"word":"hi"},{"start":0.6,"end":1,"word":"there"}]`; parts[1] != want {
		t.Errorf("Words part mismatch: %s", parts[1])
	}
}
