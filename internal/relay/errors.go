package relay

import "errors"

var (
	// ErrSessionFull is returned when a third endpoint tries to join a
	// session id that already has two parties.
	ErrSessionFull = errors.New("relay: session already has two endpoints")

	// ErrTooManySessions is returned when the manager is at its configured
	// concurrent-session cap.
	ErrTooManySessions = errors.New("relay: too many concurrent sessions")
)
