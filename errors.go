package chatsync

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by commands that need live delivery
	// while the connection is not established.
	ErrNotConnected = errors.New("chatsync: not connected")

	// ErrClosed is returned once the engine has been closed.
	ErrClosed = errors.New("chatsync: engine closed")

	// ErrReconnectExhausted is attached to the failed connection state.
	ErrReconnectExhausted = errors.New("chatsync: reconnect attempts exhausted")

	// ErrUnknownMessage is returned when a command names a message that
	// is not in the store.
	ErrUnknownMessage = errors.New("chatsync: unknown message")

	// ErrNotFailed is returned by RetryMessage and DiscardMessage for a
	// message that is not in the failed state.
	ErrNotFailed = errors.New("chatsync: message is not failed")

	// ErrNoCredentials is returned by Connect without a credential provider.
	ErrNoCredentials = errors.New("chatsync: no credential provider")
)

// TransportError wraps connection drops and handshake failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendTimeoutError marks a message that saw no authoritative echo in time.
type SendTimeoutError struct {
	TempID  string
	Timeout time.Duration
}

func (e *SendTimeoutError) Error() string {
	return fmt.Sprintf("message %s: no confirmation within %s", e.TempID, e.Timeout)
}

// DuplicateEventError describes a redelivered durable message. It is
// absorbed by the synchronizer and never returned to callers.
type DuplicateEventError struct {
	ID string
}

func (e *DuplicateEventError) Error() string {
	return "duplicate message " + e.ID
}

// MalformedEventError describes an inbound payload that could not be
// decoded. It is logged and dropped.
type MalformedEventError struct {
	Type string
	Err  error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %q event: %v", e.Type, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// RestError is surfaced to callers of REST-backed operations so they
// can retry.
type RestError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *RestError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
}

func (e *RestError) Unwrap() error { return e.Err }
