package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/batch"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/stream"
	"github.com/groxaxo/parakeet-tdt-0.6b-v3-fastapi-openai/internal/transcript"
)

const (
	streamReadLimit     = 1 << 20
	defaultCloseTimeout = 60 * time.Second
)

// Stream message types
const (
	MessageSession    = "session"
	MessagePartial    = "partial"
	MessageFinal      = "final"
	MessageError      = "error"
	MessageTranscript = "transcript"
	MessageEnd        = "end"
)

// StreamMessage is the JSON envelope exchanged on /v1/stream
type StreamMessage struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Sequence  *uint64       `json:"sequence,omitempty"`
	Offset    float64       `json:"offset,omitempty"`
	Text      string        `json:"text,omitempty"`
	Error     string        `json:"error,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
	Duration  float64       `json:"duration,omitempty"`
	Words     []wordJSON    `json:"words,omitempty"`
	Segments  []segmentJSON `json:"segments,omitempty"`
}

func updateMessage(u stream.Update) StreamMessage {
	seq := u.Sequence
	msg := StreamMessage{Sequence: &seq, Offset: u.Offset.Seconds(), Text: u.Text}
	switch u.Kind {
	case stream.UpdateFinal:
		msg.Type = MessageFinal
	case stream.UpdatePartial:
		msg.Type = MessagePartial
	default:
		msg.Type = MessageError
		if u.Err != nil {
			msg.Error = u.Err.Error()
		}
	}
	return msg
}

func transcriptMessage(id string, t transcript.Transcript) StreamMessage {
	resp := newTranscriptionResponse(t, true)
	return StreamMessage{
		Type:      MessageTranscript,
		SessionID: id,
		Text:      t.Text,
		Duration:  resp.Duration,
		Words:     resp.Timestamps.Word,
		Segments:  resp.Timestamps.Segment,
	}
}

// closeStatusFor picks the WebSocket close code for a session error
func closeStatusFor(err error) websocket.StatusCode {
	switch {
	case errors.Is(err, batch.ErrCapacityExceeded), errors.Is(err, batch.ErrSchedulerClosed):
		return websocket.StatusTryAgainLater
	case errors.Is(err, stream.ErrSessionClosedPrematurely):
		return websocket.StatusGoingAway
	default:
		return websocket.StatusInternalError
	}
}

// handleStream implements GET /v1/stream. Binary messages carry PCM16LE audio at
// the model sample rate; a {"type":"end"} text message ends the input.
func (h *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(streamReadLimit)

	ctx := r.Context()
	session, err := h.pipeline.OpenSession(r.URL.Query().Get("language"))
	if err != nil {
		h.logger.Warn("Stream rejected", slog.String("error", err.Error()))
		_ = wsjson.Write(ctx, conn, StreamMessage{Type: MessageError, Error: err.Error(), Retryable: errors.Is(err, batch.ErrCapacityExceeded)})
		conn.Close(closeStatusFor(err), "session rejected")
		return
	}
	logger := h.logger.With(slog.String("session_id", session.ID))

	if err := wsjson.Write(ctx, conn, StreamMessage{Type: MessageSession, SessionID: session.ID}); err != nil {
		_ = h.pipeline.AbortSession(session.ID)
		return
	}

	// Forward results until the session ends; Updates must always be drained
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for u := range session.Updates() {
			if err := wsjson.Write(ctx, conn, updateMessage(u)); err != nil {
				logger.Debug("Dropping stream update", slog.String("error", err.Error()))
			}
		}
	}()

	ended, err := h.readStream(ctx, conn, session.ID)
	if !ended {
		if abortErr := h.pipeline.AbortSession(session.ID); abortErr == nil {
			logger.Info("Stream connection dropped, session aborted")
		}
		<-forwarded
		if err != nil {
			conn.Close(closeStatusFor(err), "session ended")
		}
		return
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), h.streamCloseTimeout())
	defer cancel()
	result, err := h.pipeline.CloseSession(closeCtx, session.ID)
	<-forwarded
	if err != nil {
		logger.Warn("Stream close failed", slog.String("error", err.Error()))
		_ = wsjson.Write(ctx, conn, StreamMessage{Type: MessageError, SessionID: session.ID, Error: err.Error()})
		conn.Close(closeStatusFor(err), "session failed")
		return
	}

	if err := wsjson.Write(ctx, conn, transcriptMessage(session.ID, result)); err != nil {
		logger.Warn("Failed to send transcript", slog.String("error", err.Error()))
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// readStream pumps client messages into the session. It reports whether the
// client ended the input; false means the connection or session is gone.
func (h *HTTPServer) readStream(ctx context.Context, conn *websocket.Conn, id string) (bool, error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return false, nil
		}

		switch typ {
		case websocket.MessageBinary:
			err := h.pipeline.PushFrame(id, data)
			if err == nil {
				continue
			}
			if errors.Is(err, batch.ErrCapacityExceeded) {
				// With ErrBacklogFull the audio was not consumed and should be resent
				resend := errors.Is(err, stream.ErrBacklogFull)
				msg := StreamMessage{Type: MessageError, Error: err.Error(), Retryable: resend}
				if werr := wsjson.Write(ctx, conn, msg); werr != nil {
					return false, nil
				}
				continue
			}
			_ = wsjson.Write(ctx, conn, StreamMessage{Type: MessageError, Error: err.Error()})
			return false, err

		case websocket.MessageText:
			var msg StreamMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type != MessageEnd {
				if werr := wsjson.Write(ctx, conn, StreamMessage{Type: MessageError, Error: "unsupported control message"}); werr != nil {
					return false, nil
				}
				continue
			}
			return true, nil
		}
	}
}

func (h *HTTPServer) streamCloseTimeout() time.Duration {
	if h.config == nil {
		return defaultCloseTimeout
	}
	return h.config.Batch.GetProcessingTimeout() + 10*time.Second
}
