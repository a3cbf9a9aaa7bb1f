package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConnected is returned when connecting a port that is already tracked
	ErrAlreadyConnected = errors.New("port already connected")

	// ErrNotConnected is returned for operations on a port that is not tracked
	// or not open
	ErrNotConnected = errors.New("port not connected")

	// ErrClosed is returned by Connect after Shutdown
	ErrClosed = errors.New("connection manager closed")
)

// ValidationError reports malformed input
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// OpenError reports a failure to open a port
type OpenError struct {
	Port   string
	Reason string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open %s: %s", e.Port, e.Reason)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// WriteError reports a failed send. The connection stays open.
type WriteError struct {
	Port string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write to %s: %v", e.Port, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ReadError is recorded on a connection whose reader faulted
type ReadError struct {
	Port string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read failed on %s: %v", e.Port, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// AuthError reports a rejected forwarding token
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "unauthorized: " + e.Reason
}
