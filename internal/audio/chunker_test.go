package audio

import (
	"math/rand"
	"testing"
	"time"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/vad"
)

const testFrame = 480 // 30ms at 16kHz

func streamConfig() ChunkingConfig {
	return ChunkingConfig{
		SampleRate:     testRate,
		MinDuration:    1 * time.Second,
		MaxDuration:    3 * time.Second,
		Lookback:       1 * time.Second,
		AnalysisWindow: 20 * time.Millisecond,
		PreRollFrames:  2,
	}
}

func newTestChunker(t *testing.T, config ChunkingConfig) *StreamChunker {
	t.Helper()
	chunker, err := NewStreamChunker("session-1", config)
	if err != nil {
		t.Fatalf("Failed to create chunker: %v", err)
	}
	return chunker
}

// feed pushes samples frame by frame, tagging each frame with the event returned by eventAt
func feed(c *StreamChunker, samples []int16, eventAt func(i int) vad.Event) []*Chunk {
	var out []*Chunk
	for i := 0; i+testFrame <= len(samples); i += testFrame {
		out = append(out, c.Push(samples[i:i+testFrame], eventAt(i/testFrame))...)
	}
	return out
}

func TestNewStreamChunker(t *testing.T) {
	chunker := newTestChunker(t, streamConfig())
	if !chunker.IsIdle() {
		t.Error("New chunker should be idle")
	}
	if chunker.HasPendingAudio() {
		t.Error("New chunker should not have pending audio")
	}

	bad := streamConfig()
	bad.MaxDuration = bad.MinDuration
	if _, err := NewStreamChunker("s", bad); err == nil {
		t.Error("Expected error when max duration does not exceed min duration")
	}
}

func TestStreamChunkerUtterance(t *testing.T) {
	chunker := newTestChunker(t, streamConfig())
	frame := tone(float64(testFrame)/testRate, 3000)
	quiet := make([]int16, testFrame)

	for i := 0; i < 5; i++ {
		if chunks := chunker.Push(quiet, silenceFrame(vad.EventFrame)); len(chunks) != 0 {
			t.Fatalf("Idle frame produced %d chunks", len(chunks))
		}
	}

	chunker.Push(frame, speechFrame(vad.EventSpeechStart))
	for i := 0; i < 20; i++ {
		chunker.Push(frame, speechFrame(vad.EventFrame))
	}
	for i := 0; i < 3; i++ {
		chunker.Push(quiet, silenceFrame(vad.EventFrame))
	}
	if !chunker.HasPendingAudio() {
		t.Fatal("Expected buffered speech before SpeechEnd")
	}

	chunks := chunker.Push(quiet, silenceFrame(vad.EventSpeechEnd))
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk at SpeechEnd, got %d", len(chunks))
	}

	chunk := chunks[0]
	if chunk.Flag != Final {
		t.Errorf("Expected FINAL chunk, got %s", chunk.Flag)
	}
	if chunk.Sequence != 0 {
		t.Errorf("Expected sequence 0, got %d", chunk.Sequence)
	}
	if chunk.SessionID != "session-1" {
		t.Errorf("Expected session id session-1, got %s", chunk.SessionID)
	}
	// pre-roll (2) + start (1) + speech (20) + trailing (3) + end (1)
	if want := 27 * testFrame; len(chunk.Samples) != want {
		t.Errorf("Expected %d samples, got %d", want, len(chunk.Samples))
	}
	// Utterance begins with the pre-roll, three frames into the stream
	if want := 90 * time.Millisecond; chunk.Offset != want {
		t.Errorf("Expected offset %v, got %v", want, chunk.Offset)
	}
	if !chunker.IsIdle() {
		t.Error("Chunker should be idle after SpeechEnd")
	}
}

func TestStreamChunkerForcedSplitAtQuietPoint(t *testing.T) {
	chunker := newTestChunker(t, streamConfig())
	chunker.config.PreRollFrames = 0

	// 5s of speech with a quiet dip at 2.5s-2.6s that the VAD does not flag
	samples := tone(5, 3000)
	for i := 40000; i < 41600; i++ {
		samples[i] = 0
	}

	chunks := feed(chunker, samples, func(i int) vad.Event {
		if i == 0 {
			return speechFrame(vad.EventSpeechStart)
		}
		return speechFrame(vad.EventFrame)
	})
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 partial chunk, got %d", len(chunks))
	}

	first := chunks[0]
	if first.Flag != Partial {
		t.Errorf("Forced split must be PARTIAL, got %s", first.Flag)
	}
	if d := first.Duration(); d < 2500*time.Millisecond || d > 2600*time.Millisecond {
		t.Errorf("Expected cut inside the quiet dip, got chunk of %v", d)
	}
	if chunker.GetStats().ForcedSplits != 1 {
		t.Errorf("Expected 1 forced split, got %d", chunker.GetStats().ForcedSplits)
	}

	rest := chunker.Flush()
	if len(rest) != 1 || rest[0].Flag != Final {
		t.Fatalf("Expected a single FINAL chunk on flush, got %d", len(rest))
	}
	if rest[0].Sequence != 1 {
		t.Errorf("Expected sequence 1, got %d", rest[0].Sequence)
	}
	if rest[0].Offset != first.End() {
		t.Errorf("Chunks must be contiguous: %v != %v", rest[0].Offset, first.End())
	}
}

func TestStreamChunkerPrefersVADBoundary(t *testing.T) {
	chunker := newTestChunker(t, streamConfig())
	chunker.config.PreRollFrames = 0

	// 84 speech frames (2.52s) followed by non-speech frames still inside the hangover
	samples := tone(3.3, 3000)
	chunks := feed(chunker, samples, func(i int) vad.Event {
		switch {
		case i == 0:
			return speechFrame(vad.EventSpeechStart)
		case i < 84:
			return speechFrame(vad.EventFrame)
		default:
			return silenceFrame(vad.EventFrame)
		}
	})
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	if want := 84 * testFrame; len(chunks[0].Samples) != want {
		t.Errorf("Expected cut at the silence onset (%d samples), got %d", want, len(chunks[0].Samples))
	}
	if chunker.GetStats().SilenceSplits != 1 {
		t.Errorf("Expected 1 silence split, got %d", chunker.GetStats().SilenceSplits)
	}
}

func TestStreamChunkerNeverExceedsMax(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	config := streamConfig()
	maxSamples := DurationSamples(config.MaxDuration, config.SampleRate)

	for run := 0; run < 20; run++ {
		chunker := newTestChunker(t, config)
		samples := tone(10+rng.Float64()*10, 1000+rng.Float64()*5000)

		var all []*Chunk
		all = append(all, feed(chunker, samples, func(i int) vad.Event {
			if i == 0 {
				return speechFrame(vad.EventSpeechStart)
			}
			if rng.Intn(4) == 0 {
				return silenceFrame(vad.EventFrame)
			}
			return speechFrame(vad.EventFrame)
		})...)
		all = append(all, chunker.Flush()...)

		var lastSeq uint64
		for i, chunk := range all {
			if len(chunk.Samples) > maxSamples {
				t.Fatalf("Run %d chunk %d: %d samples exceeds max %d", run, i, len(chunk.Samples), maxSamples)
			}
			if i > 0 && chunk.Sequence <= lastSeq {
				t.Fatalf("Run %d: sequence not increasing (%d after %d)", run, chunk.Sequence, lastSeq)
			}
			lastSeq = chunk.Sequence
		}
		if last := all[len(all)-1]; last.Flag != Final {
			t.Errorf("Run %d: last chunk should be FINAL", run)
		}
	}
}

func TestStreamChunkerFlushAndDiscard(t *testing.T) {
	chunker := newTestChunker(t, streamConfig())
	if chunks := chunker.Flush(); chunks != nil {
		t.Errorf("Flush on idle chunker should return nil, got %d chunks", len(chunks))
	}

	frame := tone(float64(testFrame)/testRate, 3000)
	chunker.Push(frame, speechFrame(vad.EventSpeechStart))
	chunker.Push(frame, speechFrame(vad.EventFrame))

	chunker.Discard()
	if !chunker.IsIdle() || chunker.HasPendingAudio() {
		t.Error("Discard should drop buffered speech")
	}
	if chunks := chunker.Flush(); chunks != nil {
		t.Error("Nothing should be flushed after discard")
	}

	chunker.Push(frame, speechFrame(vad.EventSpeechStart))
	chunks := chunker.Flush()
	if len(chunks) != 1 {
		t.Fatalf("Expected one flushed chunk, got %d", len(chunks))
	}
	if chunks[0].Sequence != 0 {
		t.Errorf("Discarded audio must not consume a sequence number, got %d", chunks[0].Sequence)
	}

	stats := chunker.GetStats()
	if stats.ChunksCreated != 1 || stats.NextSequence != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}
