package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/sony/gobreaker"
)

var (
	// ErrNotFound is returned when a shape document does not exist.
	ErrNotFound = errors.New("shape not found")

	// ErrPermissionDenied is returned when the actor may not write the board.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrOffline is returned for writes attempted while the client knows it is offline.
	ErrOffline = errors.New("client is offline")
)

// Code classifies a backend failure.
type Code string

const (
	CodeUnavailable       Code = "unavailable"
	CodeDeadlineExceeded  Code = "deadline-exceeded"
	CodeResourceExhausted Code = "resource-exhausted"
	CodeAborted           Code = "aborted"
	CodePermissionDenied  Code = "permission-denied"
	CodeNotFound          Code = "not-found"
	CodeInvalidArgument   Code = "invalid-argument"
	CodeInternal          Code = "internal"
)

// StatusError is a backend failure with its classification.
type StatusError struct {
	Code Code
	Op   string
	Err  error
}

// Status wraps err as a StatusError for op.
func Status(code Code, op string, err error) error {
	return &StatusError{Code: code, Op: op, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Is lets errors.Is match the package sentinels by code.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrPermissionDenied:
		return e.Code == CodePermissionDenied
	}
	return false
}

// CodeOf returns the classification of err, or "" when it carries none.
func CodeOf(err error) Code {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsRetryable reports whether err is transient and the write should be queued.
func IsRetryable(err error) bool {
	if err == nil || IsPermission(err) {
		return false
	}
	switch CodeOf(err) {
	case CodeUnavailable, CodeDeadlineExceeded, CodeResourceExhausted, CodeAborted:
		return true
	case CodeNotFound, CodeInvalidArgument, CodeInternal:
		return false
	}
	if errors.Is(err, ErrOffline) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsPermission reports whether err is a permission failure. Those are fatal.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
