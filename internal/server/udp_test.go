package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/engine/enginetest"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/protocol"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/stream"
)

// recordingIngest wraps a real pipeline and records pushed audio
type recordingIngest struct {
	StreamIngest

	mu      sync.Mutex
	pushes  [][]byte
	pushErr error
}

func (r *recordingIngest) PushFrame(id string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pushErr != nil {
		return r.pushErr
	}
	r.pushes = append(r.pushes, data)
	return r.StreamIngest.PushFrame(id, data)
}

func (r *recordingIngest) pushed() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.pushes...)
}

func audioPacket(t *testing.T, streamID, sequence uint32, pcm []byte) []byte {
	t.Helper()
	packet, err := protocol.EncodeAudio(streamID, sequence, pcm)
	if err != nil {
		t.Fatalf("EncodeAudio failed: %v", err)
	}
	return packet
}

func waitResult(t *testing.T, results <-chan StreamResult) StreamResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for stream result")
		return StreamResult{}
	}
}

func TestUDPStreamTranscription(t *testing.T) {
	env := newTestEnv(t, &enginetest.Fake{}, 16)

	results := make(chan StreamResult, 1)
	udp := NewUDPServer(UDPServerConfig{
		Address:  "127.0.0.1",
		Workers:  2,
		OnResult: func(r StreamResult) { results <- r },
	}, testLogger(), env.pipeline, nil)
	if err := udp.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = udp.Stop(context.Background()) })
	env.http.AttachUDP(udp)

	conn, err := net.DialUDP("udp", nil, udp.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	send := func(packet []byte) {
		t.Helper()
		if _, err := conn.Write(packet); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	const streamID = 42
	send(protocol.EncodeStart(streamID, "en", "line-1", uint32(time.Now().Unix())))

	audio := append(append(silenceBytes(0.2), toneBytes(1.2)...), silenceBytes(0.5)...)
	var sequence uint32
	for len(audio) > 0 {
		n := min(len(audio), 960)
		send(audioPacket(t, streamID, sequence, audio[:n]))
		audio = audio[n:]
		sequence++
		// Pace the sender so the loopback socket buffer never overflows
		if sequence%16 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	send(protocol.EncodeEnd(streamID))

	result := waitResult(t, results)
	if result.Err != nil {
		t.Fatalf("Stream failed: %v", result.Err)
	}
	if result.StreamID != streamID || result.Label != "line-1" {
		t.Errorf("Unexpected stream identity %+v", result)
	}
	if want := "chunk-" + result.SessionID + "-0"; result.Transcript.Text != want {
		t.Errorf("Expected transcript %q, got %q", want, result.Transcript.Text)
	}

	stats := udp.GetStatistics()
	if stats.PacketsProcessed != uint64(sequence)+2 || stats.ParseErrors != 0 || stats.ActiveStreams != 0 {
		t.Errorf("Unexpected statistics %+v", stats)
	}

	resp, err := http.Get(env.server.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats failed: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		UDP UDPStatistics `json:"udp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if body.UDP.PacketsReceived != stats.PacketsReceived {
		t.Errorf("Expected UDP counters in /stats, got %+v", body.UDP)
	}
}

func TestUDPSequenceHandling(t *testing.T) {
	env := newTestEnv(t, &enginetest.Fake{}, 16)
	ingest := &recordingIngest{StreamIngest: env.pipeline}

	results := make(chan StreamResult, 1)
	udp := NewUDPServer(UDPServerConfig{OnResult: func(r StreamResult) { results <- r }}, testLogger(), ingest, nil)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
	deliver := func(data []byte) {
		udp.handlePacket(&incomingPacket{data: data, remoteAddr: from})
	}

	deliver(audioPacket(t, 1, 0, []byte{0, 0}))
	if len(ingest.pushed()) != 0 {
		t.Fatal("Audio before start must be ignored")
	}

	deliver(protocol.EncodeStart(1, "", "", 0))
	deliver(protocol.EncodeStart(1, "", "", 0))
	if env.manager.ActiveCount() != 1 {
		t.Fatalf("Expected one session for a repeated start, got %d", env.manager.ActiveCount())
	}

	deliver(audioPacket(t, 1, 0, []byte{1, 0}))
	deliver(audioPacket(t, 1, 2, []byte{2, 0}))
	deliver(audioPacket(t, 1, 1, []byte{3, 0}))
	deliver(audioPacket(t, 1, 2, []byte{4, 0}))
	deliver([]byte{0x02, 0x00})

	pushed := ingest.pushed()
	if len(pushed) != 2 || pushed[0][0] != 1 || pushed[1][0] != 2 {
		t.Errorf("Expected packets 0 and 2 only, got %v", pushed)
	}
	stats := udp.GetStatistics()
	if stats.LostPackets != 1 || stats.LatePackets != 2 || stats.ParseErrors != 1 {
		t.Errorf("Unexpected statistics %+v", stats)
	}

	deliver(protocol.EncodeEnd(1))
	result := waitResult(t, results)
	if result.Err != nil || result.Transcript.Text != "" {
		t.Errorf("Expected an empty transcript for silence, got %+v", result)
	}
	if stats := udp.GetStatistics(); stats.ActiveStreams != 0 {
		t.Errorf("Ended stream should be forgotten, %d active", stats.ActiveStreams)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := udp.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestUDPForgetsExpiredSession(t *testing.T) {
	env := newTestEnv(t, &enginetest.Fake{}, 16)
	ingest := &recordingIngest{StreamIngest: env.pipeline}
	udp := NewUDPServer(UDPServerConfig{}, testLogger(), ingest, nil)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}

	udp.handlePacket(&incomingPacket{data: protocol.EncodeStart(9, "en", "", 0), remoteAddr: from})
	ingest.pushErr = stream.ErrSessionClosedPrematurely
	udp.handlePacket(&incomingPacket{data: audioPacket(t, 9, 0, []byte{0, 0}), remoteAddr: from})

	if _, ok := udp.lookup(9); ok {
		t.Error("Stream with a vanished session should be forgotten")
	}

	ingest.pushErr = nil
	udp.handlePacket(&incomingPacket{data: protocol.EncodeStart(10, "en", "", 0), remoteAddr: from})
	if _, ok := udp.lookup(10); ok {
		t.Error("Start beyond the session limit must not register a stream")
	}
}

func TestUDPStopEndsOpenStreams(t *testing.T) {
	env := newTestEnv(t, &enginetest.Fake{}, 16)

	results := make(chan StreamResult, 1)
	udp := NewUDPServer(UDPServerConfig{OnResult: func(r StreamResult) { results <- r }}, testLogger(), env.pipeline, nil)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
	deliver := func(data []byte) {
		udp.handlePacket(&incomingPacket{data: data, remoteAddr: from})
	}

	deliver(protocol.EncodeStart(7, "en", "open-line", 0))
	audio := append(silenceBytes(0.2), toneBytes(1.2)...)
	for sequence := uint32(0); len(audio) > 0; sequence++ {
		n := min(len(audio), 960)
		deliver(audioPacket(t, 7, sequence, audio[:n]))
		audio = audio[n:]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := udp.Stop(ctx); err != nil {
		t.Fatalf("Stop with an open stream failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v, open streams should be drained promptly", elapsed)
	}

	result := waitResult(t, results)
	if result.Err != nil {
		t.Fatalf("Open stream should finish cleanly, got %v", result.Err)
	}
	if result.StreamID != 7 || result.Label != "open-line" {
		t.Errorf("Unexpected stream identity %+v", result)
	}
	if want := "chunk-" + result.SessionID + "-0"; result.Transcript.Text != want {
		t.Errorf("Expected transcript %q, got %q", want, result.Transcript.Text)
	}
	if env.manager.ActiveCount() != 0 {
		t.Errorf("Session should be closed by Stop, %d active", env.manager.ActiveCount())
	}
	if stats := udp.GetStatistics(); stats.ActiveStreams != 0 {
		t.Errorf("Expected no active streams after Stop, got %d", stats.ActiveStreams)
	}
}
