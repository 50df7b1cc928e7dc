package hubclient

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

var (
	// ErrNotConnected is returned by Invoke when the connection is not in
	// the Connected state.
	ErrNotConnected = errors.New("hub connection is not connected")
	// ErrStopped is returned when Stop interrupts a pending connect or
	// invocation.
	ErrStopped = errors.New("hub connection was stopped")
	// ErrConnectionLost fails invocations still pending when the
	// connection drops.
	ErrConnectionLost = errors.New("connection was stopped before the invocation completed")
	// ErrReconnectExhausted is passed to OnClosed callbacks when the
	// reconnect schedule runs out of attempts.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrEmptyURL is returned by Config.Validate.
	ErrEmptyURL = errors.New("hub URL cannot be empty")
)

// RemoteInvocationError is returned by Invoke when the server completes an
// invocation with an error.
type RemoteInvocationError struct {
	Method  string
	Message string
}

func (e *RemoteInvocationError) Error() string {
	return fmt.Sprintf("remote invocation %s failed: %s", e.Method, e.Message)
}

// HandshakeError reports that the server refused to open the channel.
type HandshakeError struct {
	StatusCode int
	Body       string
}

func (e *HandshakeError) Error() string {
	if e.Unauthorized() {
		return fmt.Sprintf("hub rejected credentials (status %d)", e.StatusCode)
	}
	if e.NotFound() {
		return fmt.Sprintf("hub not found (status %d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("negotiation failed with status %d: %s", e.StatusCode, e.Body)
}

// Unauthorized reports whether the server rejected the credentials.
func (e *HandshakeError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// NotFound reports whether the server does not know the hub or group.
func (e *HandshakeError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// ServerCloseError is produced when the server sends a close frame.
type ServerCloseError struct {
	Reason string
}

func (e *ServerCloseError) Error() string {
	if e.Reason == "" {
		return "server closed the connection"
	}
	return "server closed the connection: " + e.Reason
}

// FrameError wraps a frame that could not be decoded. The connection itself
// is still usable.
type FrameError struct {
	Err error
}

func (e *FrameError) Error() string { return "malformed frame: " + e.Err.Error() }

func (e *FrameError) Unwrap() error { return e.Err }

// ErrorClass separates errors that heal on their own from errors that need
// the user.
type ErrorClass int

const (
	// Transient errors are logged and retried automatically.
	Transient ErrorClass = iota
	// Fatal errors are surfaced once and never retried.
	Fatal
)

func (c ErrorClass) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "transient"
}

var transientPattern = regexp.MustCompile(`(?i)negotiat|connection was stopped|failed to start`)

// Classify returns Transient when err's message matches the transient I/O
// pattern (negotiation failure, "connection was stopped", "failed to start")
// and Fatal for everything else, including authorization failures and
// refusals of an unknown hub or group.
func Classify(err error) ErrorClass {
	if err == nil {
		return Transient
	}
	var handshake *HandshakeError
	if errors.As(err, &handshake) && (handshake.Unauthorized() || handshake.NotFound()) {
		return Fatal
	}
	if transientPattern.MatchString(err.Error()) {
		return Transient
	}
	return Fatal
}

// IsTransient is shorthand for Classify(err) == Transient.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == Transient
}
