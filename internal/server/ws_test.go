package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/audio"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/engine/enginetest"
)

func dialStream(t *testing.T, ctx context.Context, env *testEnv, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/stream" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) StreamMessage {
	t.Helper()
	var msg StreamMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return msg
}

func writeAudio(t *testing.T, ctx context.Context, conn *websocket.Conn, data []byte) {
	t.Helper()
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func toneBytes(seconds float64) []byte {
	return audio.SamplesToBytes(toneSamples(seconds))
}

func silenceBytes(seconds float64) []byte {
	return make([]byte, 2*int(seconds*testRate))
}

func TestStreamTranscription(t *testing.T) {
	env := newTestEnv(t, &enginetest.Fake{}, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialStream(t, ctx, env, "?language=en")

	hello := readMessage(t, ctx, conn)
	if hello.Type != MessageSession || hello.SessionID == "" {
		t.Fatalf("Expected session message, got %+v", hello)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if msg := readMessage(t, ctx, conn); msg.Type != MessageError {
		t.Fatalf("Expected error for unsupported control message, got %+v", msg)
	}

	// Uneven message sizes exercise frame reassembly
	data := append(append(silenceBytes(0.2), toneBytes(1.2)...), silenceBytes(0.5)...)
	for len(data) > 0 {
		n := min(len(data), 3001)
		writeAudio(t, ctx, conn, data[:n])
		data = data[n:]
	}
	if err := wsjson.Write(ctx, conn, StreamMessage{Type: MessageEnd}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	want := "chunk-" + hello.SessionID + "-0"
	var final StreamMessage
	for {
		msg := readMessage(t, ctx, conn)
		if msg.Type == MessageFinal {
			final = msg
			continue
		}
		if msg.Type != MessageTranscript {
			t.Fatalf("Unexpected message %+v", msg)
		}
		if msg.Text != want || msg.SessionID != hello.SessionID {
			t.Errorf("Unexpected transcript %+v", msg)
		}
		if len(msg.Words) != 1 || msg.Duration <= 1 {
			t.Errorf("Transcript should carry word timings and duration, got %+v", msg)
		}
		break
	}
	if final.Text != want || final.Sequence == nil || *final.Sequence != 0 {
		t.Errorf("Expected final update for chunk 0, got %+v", final)
	}
	if final.Offset <= 0 {
		t.Errorf("Final offset should reflect leading silence, got %v", final.Offset)
	}

	_, _, err := conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("Expected normal closure, got %v (%v)", status, err)
	}
	if env.manager.ActiveCount() != 0 {
		t.Errorf("Session should be closed, %d active", env.manager.ActiveCount())
	}
}

func TestStreamDroppedConnectionAborts(t *testing.T) {
	env := newTestEnv(t, &enginetest.Fake{}, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialStream(t, ctx, env, "")
	hello := readMessage(t, ctx, conn)
	session, ok := env.manager.GetSession(hello.SessionID)
	if !ok {
		t.Fatalf("Session %s not registered", hello.SessionID)
	}
	if session.Language != "en" {
		t.Errorf("Expected default language, got %q", session.Language)
	}

	writeAudio(t, ctx, conn, toneBytes(0.5))
	conn.CloseNow()

	deadline := time.Now().Add(3 * time.Second)
	for env.manager.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Dropped stream was not aborted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !session.Aborted() {
		t.Error("Session should be aborted")
	}
	if len(env.fake.Calls()) != 0 {
		t.Error("Aborted audio should not reach the engine")
	}
}

func TestStreamRejectedAtSessionLimit(t *testing.T) {
	env := newTestEnv(t, &enginetest.Fake{}, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := dialStream(t, ctx, env, "")
	readMessage(t, ctx, first)

	second := dialStream(t, ctx, env, "")
	msg := readMessage(t, ctx, second)
	if msg.Type != MessageError || !msg.Retryable {
		t.Errorf("Expected retryable error, got %+v", msg)
	}
	_, _, err := second.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusTryAgainLater {
		t.Errorf("Expected try-again-later closure, got %v (%v)", status, err)
	}
}

func TestCloseStatusFor(t *testing.T) {
	if got := closeStatusFor(errors.New("other")); got != websocket.StatusInternalError {
		t.Errorf("Unexpected status %v", got)
	}
}
