package mailsync

import (
	"errors"
	"fmt"
)

var (
	ErrSnapshotFailure  = errors.New("snapshot failure")
	ErrDecodeFailure    = errors.New("decode failure")
	ErrTransportFailure = errors.New("transport failure")
	ErrCreationFailure  = errors.New("creation failure")
	ErrInvalidInput     = errors.New("invalid input")
	ErrClosed           = errors.New("closed")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// SnapshotError reports a failed one-shot fetch. The store keeps whatever it
// already held; retrying is the caller's decision.
type SnapshotError struct {
	Op  string
	Err error
}

func (e *SnapshotError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("snapshot failure: %v", e.Err)
	}
	return fmt.Sprintf("snapshot failure (%s): %v", e.Op, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

func (e *SnapshotError) Is(target error) bool {
	return target == ErrSnapshotFailure
}

// DecodeError describes one dropped inbound frame.
type DecodeError struct {
	FrameType string
	Reason    string
	Err       error
}

func (e *DecodeError) Error() string {
	msg := "decode failure"
	if e.FrameType != "" {
		msg += " for " + e.FrameType + " frame"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecodeFailure
}

type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransportFailure
}

// CreationError is returned to the caller that initiated a task creation.
// It is never retried.
type CreationError struct {
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("task creation failed: %v", e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

func (e *CreationError) Is(target error) bool {
	return target == ErrCreationFailure
}
