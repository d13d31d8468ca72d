package rtms

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeTimeout is reported when a channel does not finish its handshake in time.
	ErrHandshakeTimeout = errors.New("rtms: handshake timeout")
	// ErrSessionStopped is the end reason of a session closed by StopSession.
	ErrSessionStopped = errors.New("rtms: session stopped")
	// ErrSessionReplaced is the end reason of a session superseded by a new start for its meeting.
	ErrSessionReplaced = errors.New("rtms: session replaced")
	// ErrMissingMediaURL is reported when a successful signaling ack carries no media address.
	ErrMissingMediaURL = errors.New("rtms: handshake response has no media server url")
)

// HandshakeError is a non-success status code in a handshake acknowledgment.
type HandshakeError struct {
	Stage      string // "signaling" or "media"
	StatusCode int
	Reason     string
}

func (e *HandshakeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("rtms: %s handshake rejected: status %d: %s", e.Stage, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("rtms: %s handshake rejected: status %d", e.Stage, e.StatusCode)
}
