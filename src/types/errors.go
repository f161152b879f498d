package types

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired is returned by Connect when no credential is present.
	ErrAuthRequired = errors.New("auth required")
	// ErrTransport marks handshake and in-flight transport failures.
	ErrTransport = errors.New("transport error")
	// ErrReconnectExhausted is surfaced once when reconnect attempts run out.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrValidation marks content rejected before any network call.
	ErrValidation = errors.New("validation failed")
	// ErrRequestFailed marks REST call failures.
	ErrRequestFailed = errors.New("request failed")
	// ErrUnauthorized is returned when the server rejects the credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBusy is returned when the same kind of request is already pending.
	ErrBusy = errors.New("request already in progress")
	// ErrSessionActive is returned when a second session is opened on a credential store.
	ErrSessionActive = errors.New("session already active")
)

// TransportError wraps a dial, handshake or read failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ValidationError describes rejected message input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// RequestFailedError is a REST failure: network error or non-2xx status.
type RequestFailedError struct {
	Op     string
	Status int
	Err    error
}

func (e *RequestFailedError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *RequestFailedError) Unwrap() error { return e.Err }

func (e *RequestFailedError) Is(target error) bool { return target == ErrRequestFailed }
