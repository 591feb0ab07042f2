package stream

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/audio"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/batch"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/engine/enginetest"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/vad"
)

const testRate = 16000

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		VAD: vad.Config{
			SampleRate:     testRate,
			FrameSize:      480,
			Threshold:      0.5,
			StartFrames:    2,
			HangoverFrames: 5,
		},
		EnergyReference: 3000,
		Chunking: audio.ChunkingConfig{
			SampleRate:  testRate,
			MinDuration: 1 * time.Second,
			MaxDuration: 3 * time.Second,
			Lookback:    1 * time.Second,
		},
	}
}

func newTestScheduler(t *testing.T, config batch.Config, fake *enginetest.Fake) *batch.Scheduler {
	t.Helper()
	s, err := batch.New(config, fake, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func fastBatchConfig() batch.Config {
	return batch.Config{
		MaxBatchSize:      4,
		MaxWait:           20 * time.Millisecond,
		MaxQueueDepth:     64,
		ProcessingTimeout: 5 * time.Second,
		InferenceTimeout:  5 * time.Second,
	}
}

// toneBytes returns PCM16LE bytes of a 200Hz tone loud enough to count as speech
func toneBytes(seconds float64) []byte {
	samples := make([]int16, int(seconds*testRate))
	for i := range samples {
		samples[i] = int16(6000 * math.Sin(2*math.Pi*200*float64(i)/testRate))
	}
	return audio.SamplesToBytes(samples)
}

func silenceBytes(seconds float64) []byte {
	return make([]byte, int(seconds*testRate)*audio.BytesPerSample)
}

// nextUpdate reads one update or fails after a timeout
func nextUpdate(t *testing.T, s *Session) Update {
	t.Helper()
	select {
	case u, ok := <-s.Updates():
		if !ok {
			t.Fatal("Updates channel closed unexpectedly")
		}
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for update")
	}
	return Update{}
}

// drainUpdates collects updates until the channel closes
func drainUpdates(t *testing.T, s *Session) []Update {
	t.Helper()
	var updates []Update
	timeout := time.After(3 * time.Second)
	for {
		select {
		case u, ok := <-s.Updates():
			if !ok {
				return updates
			}
			updates = append(updates, u)
		case <-timeout:
			t.Fatal("Timed out waiting for Updates to close")
		}
	}
}

func waitForCalls(t *testing.T, fake *enginetest.Fake, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(fake.Calls()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d engine calls", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
