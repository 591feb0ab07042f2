package stream

import "errors"

var (
	// ErrSessionClosedPrematurely is returned for calls on a session whose connection was dropped
	ErrSessionClosedPrematurely = errors.New("session closed prematurely")

	// ErrSessionNotActive is returned when audio arrives after Close started
	ErrSessionNotActive = errors.New("session is not accepting audio")

	// ErrSessionNotFound is returned for unknown session ids
	ErrSessionNotFound = errors.New("session not found")

	// ErrTooManySessions is returned when MaxSessions sessions are already open
	ErrTooManySessions = errors.New("too many open sessions")

	// ErrBacklogFull is returned when the session's resubmission backlog is full.
	// The rejected audio was not consumed and may be sent again.
	ErrBacklogFull = errors.New("session backlog full")
)
