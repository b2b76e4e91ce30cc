package session

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by sessions.
var (
	// ErrNotReady indicates a request was attempted before the session
	// completed its handshake. Requests fail fast rather than queue.
	ErrNotReady = errors.New("session not ready")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrTerminated indicates the session was shut down.
	ErrTerminated = errors.New("session terminated")

	// ErrHandshakeTimeout indicates the backend did not answer the
	// initialize request before the deadline. The process is torn down
	// before this surfaces; a session is never left half-initialized.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrServerExited indicates the backend process died during or
	// after the handshake. Pending requests fail with this error;
	// responses already delivered are unaffected.
	ErrServerExited = errors.New("backend process exited unexpectedly")
)

// BackendError wraps a session-level failure with the backend id so
// every user-visible failure names the backend involved.
type BackendError struct {
	BackendID string
	Err       error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.BackendID, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// CapabilityError reports capability flags the backend did not
// advertise. Under StrictnessWarn it is only logged; under
// StrictnessFail it aborts the handshake.
type CapabilityError struct {
	BackendID string
	Missing   []string
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	return fmt.Sprintf("backend %s did not advertise: %s",
		e.BackendID, strings.Join(e.Missing, ", "))
}
