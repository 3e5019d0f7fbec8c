// Package stream implements the brokerage streaming session: the frame
// codec, subscription registry, event dispatcher, and the reconnecting
// session state machine that ties them to a websocket transport.
package stream

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Subscribe and Unsubscribe in strict mode
// when the session is not ACTIVE. The default (queueing) mode never returns
// it.
var ErrNotConnected = errors.New("stream: not connected")

// AuthError wraps a credential-store failure during a connection attempt.
// It fails the attempt and triggers the reconnect loop.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "stream: token renewal failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// PayloadError wraps a login-payload fetch failure. Same handling as
// AuthError.
type PayloadError struct {
	Err error
}

func (e *PayloadError) Error() string { return "stream: login payload fetch failed: " + e.Err.Error() }
func (e *PayloadError) Unwrap() error { return e.Err }

// DecodeError marks a single malformed inbound frame. The session logs it
// and keeps reading; one bad frame never invalidates the connection.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream: %s: %v", e.Reason, e.Err)
	}
	return "stream: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// LoginRejectedError is a server-side refusal of the LOGIN handshake. The
// session reports it and retries with backoff.
type LoginRejectedError struct {
	Code int
	Msg  string
}

func (e *LoginRejectedError) Error() string {
	return fmt.Sprintf("stream: login rejected (code %d): %s", e.Code, e.Msg)
}
