// Package server defines the error taxonomy shared by the handshake, router,
// and session machinery.
package server

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the relay core. Auth and protocol errors are fatal to
// the offending connection only; routing errors are reported back to the
// requesting client and never terminate a connection.
var (
	// ErrUnknownToken indicates the presented token has no registry entry.
	ErrUnknownToken = errors.New("unknown token")

	// ErrNameMismatch indicates the client-declared name does not match the
	// name registered for its token.
	ErrNameMismatch = errors.New("token does not match declared name")

	// ErrNotAuthenticated indicates a routing attempt before the handshake
	// completed.
	ErrNotAuthenticated = errors.New("session not authenticated")

	// ErrDestinationUnreachable indicates the addressed client is not
	// currently connected.
	ErrDestinationUnreachable = errors.New("destination unreachable")

	// ErrDuplicateCorrelation indicates a request reused a correlation id
	// that is still pending.
	ErrDuplicateCorrelation = errors.New("duplicate correlation id")
)

// ProtocolViolation describes a frame the server refused to process: not
// decodable, wrong kind for the session state, or otherwise outside the
// protocol. A violation is fatal to the connection that produced it.
type ProtocolViolation struct {
	Reason string
	Err    error
}

func (e *ProtocolViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol violation (%s)", e.Reason)
}

func (e *ProtocolViolation) Unwrap() error {
	return e.Err
}

// RelayError wraps an underlying error with the operation and the client it
// concerned, for log and diagnostic output.
type RelayError struct {
	Op     string // operation that failed, e.g. "forward", "handshake"
	Client string // client name if known
	Err    error
}

func (e *RelayError) Error() string {
	if e.Client != "" {
		return fmt.Sprintf("relay %s %s: %v", e.Op, e.Client, e.Err)
	}
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
