// Package stream manages streaming transcription sessions.
//
// A Session moves through ACTIVE, DRAINING and CLOSED. While ACTIVE it turns
// pushed PCM bytes into VAD-bounded chunks and hands them to the batch
// scheduler; results come back in sequence order on Updates. The Manager
// owns all sessions, enforces MaxSessions and aborts idle ones.
package stream
