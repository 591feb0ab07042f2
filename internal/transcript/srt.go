package transcript

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WordsSeparator divides the SRT body from the word list in SRT-with-words output
const WordsSeparator = "----..----"

// Caption is one numbered SRT block
type Caption struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

// Captions converts segments to captions, skipping empty text and numbering from 1
func Captions(segments []Segment) []Caption {
	captions := make([]Caption, 0, len(segments))
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		captions = append(captions, Caption{
			Index: len(captions) + 1,
			Start: s.Start,
			End:   s.End,
			Text:  text,
		})
	}
	return captions
}

// FormatTimestamp renders d as HH:MM:SS,mmm
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}

// FormatSRT renders captions as an SRT document
func FormatSRT(captions []Caption) string {
	var sb strings.Builder
	for i, c := range captions {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(strconv.Itoa(c.Index))
		sb.WriteString("\n")
		sb.WriteString(FormatTimestamp(c.Start))
		sb.WriteString(" --> ")
		sb.WriteString(FormatTimestamp(c.End))
		sb.WriteString("\n")
		sb.WriteString(c.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

type srtWord struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

// FormatSRTWithWords renders the transcript's segments as SRT followed by
// WordsSeparator and a JSON array of its words with times in seconds
func FormatSRTWithWords(t Transcript) (string, error) {
	words := make([]srtWord, len(t.Words))
	for i, w := range t.Words {
		words[i] = srtWord{Start: w.Start.Seconds(), End: w.End.Seconds(), Word: w.Text}
	}

	data, err := json.Marshal(words)
	if err != nil {
		return "", fmt.Errorf("encode words: %w", err)
	}
	return FormatSRT(Captions(t.Segments)) + WordsSeparator + string(data), nil
}
