package transport

import (
	"errors"
	"fmt"
)

// ErrNotOpen is returned by Send when the session is not in StateOpen
var ErrNotOpen = errors.New("connection is not open")

// ConnectionError reports a transport-level open, send or receive failure
type ConnectionError struct {
	Op  string // "dial", "write" or "read"
	Err error
}

// Error implements error
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying network error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// MalformedPayloadError reports an inbound frame that cannot be read as text
type MalformedPayloadError struct {
	Reason string
}

// Error implements error
func (e *MalformedPayloadError) Error() string {
	return "malformed payload: " + e.Reason
}
