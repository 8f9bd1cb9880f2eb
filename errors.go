package snapmux

import (
	"errors"
	"fmt"
)

// FatalError marks an error after which the connection it came from is closed
// and must not be used again.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func IsFatalErr(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe)
}

func Fatal(err error) error {
	if err == nil || IsFatalErr(err) {
		return err
	}
	return &FatalError{Err: err}
}

// ConnectionError is returned by Manager.Acquire when the dial failed.
// It matches ErrConnectionFailed with errors.Is.
type ConnectionError struct {
	ConnID string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s (conn %s): %v", ErrConnectionFailed, e.ConnID, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnectionFailed, e.Err}
}

// CloseError carries the close code and reason of a close frame.
type CloseError struct {
	Code   uint16
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket closed with code %d", e.Code)
	}
	return fmt.Sprintf("websocket closed with code %d: %s", e.Code, e.Reason)
}

var (
	// ErrConnectionFailed is reported when a connection attempt could not open.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrSendDropped is reported when a payload is sent while no connection is open.
	// The payload is discarded, it is never queued.
	ErrSendDropped = errors.New("send dropped: no open connection")
	// ErrDecode is reported when an inbound payload is not a valid envelope.
	ErrDecode = errors.New("malformed envelope")
	// ErrConnReleased is returned to acquirers whose dial finished after every
	// interested subscriber had already left.
	ErrConnReleased = errors.New("connection released before it opened")

	ErrInvalidScheme         = errors.New("url scheme must be ws or wss")
	ErrBadHandshakeStatus    = errors.New("server did not switch protocols")
	ErrInvalidUpgradeHeader  = errors.New("invalid or missing Upgrade header")
	ErrInvalidConnectionHdr  = errors.New("invalid or missing Connection header")
	ErrInvalidAcceptKey      = errors.New("invalid Sec-WebSocket-Accept header")
	ErrUnexpectedSubProtocol = errors.New("server selected a sub-protocol that was not offered")

	ErrExpectedUnmaskedFrame  = errors.New("received masked frame, frames from the server must not be masked")
	ErrExpectedContinuation   = errors.New("invalid frame sequence: expected continuation")
	ErrUnexpectedContinuation = errors.New("continuation frame without a message in progress")
	ErrMessageTooLarge        = errors.New("message received from server was too large")
	ErrInvalidUTF8            = errors.New("invalid utf8 data")
	// ErrMessageTypeMismatch is returned when the received WebSocket message type
	// does not match the expected type (e.g., expecting text but received binary).
	ErrMessageTypeMismatch = errors.New("websocket message type did not match expected type")
	ErrRateLimited         = errors.New("message skipped: rate limited")
	ErrEmptyPayload        = errors.New("cannot send empty payload")
	ErrConnClosed          = errors.New("connection is closed")
)
