package qdma

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-qdma/internal/descq"
	"github.com/ehrlich-b/go-qdma/internal/sg"
	"github.com/ehrlich-b/go-qdma/internal/wq"
)

// Error represents a structured queue error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "CREATE_QUEUE", "POST")
	Queue int           // Queue number (-1 if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("qdma: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("qdma: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel errors and other structured errors by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if qe, ok := target.(QdmaError); ok {
		return e.Code == ErrorCode(qe)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeQueueFull          ErrorCode = "queue full"
	ErrCodeCanceled           ErrorCode = "canceled"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeOrderViolation     ErrorCode = "ordering violation"
	ErrCodeDeviceOffline      ErrorCode = "device offline"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeTimeout            ErrorCode = "timeout"
)

// QdmaError is a sentinel error matched by code
type QdmaError string

func (e QdmaError) Error() string {
	return string(e)
}

// Sentinel errors, comparable with errors.Is against any *Error
const (
	ErrInvalidParameters  QdmaError = "invalid parameters"
	ErrQueueFull          QdmaError = "queue full"
	ErrCanceled           QdmaError = "canceled"
	ErrIO                 QdmaError = "I/O error"
	ErrDeviceOffline      QdmaError = "device offline"
	ErrInsufficientMemory QdmaError = "insufficient memory"
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with operation context. Errors from the
// work queue, segmenter and descriptor ring are mapped onto error codes.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var qe *Error
	if errors.As(inner, &qe) {
		return &Error{
			Op:    op,
			Queue: qe.Queue,
			Code:  qe.Code,
			Errno: qe.Errno,
			Msg:   qe.Msg,
			Inner: qe.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  mapErrorToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrorToCode maps internal sentinel errors to error codes
func mapErrorToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, wq.ErrQueueFull), errors.Is(err, descq.ErrRingFull):
		return ErrCodeQueueFull
	case errors.Is(err, wq.ErrInvalid),
		errors.Is(err, sg.ErrMisaligned),
		errors.Is(err, sg.ErrShortList),
		errors.Is(err, sg.ErrOffsetRange),
		errors.Is(err, descq.ErrInvalidDepth),
		errors.Is(err, descq.ErrInvalidBufSize):
		return ErrCodeInvalidParameters
	case errors.Is(err, wq.ErrClosed), errors.Is(err, descq.ErrStopped):
		return ErrCodeDeviceOffline
	case errors.Is(err, context.Canceled):
		return ErrCodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// mapErrnoToCode maps syscall errno to error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EAGAIN, syscall.EBUSY:
		return ErrCodeQueueFull
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ECANCELED:
		return ErrCodeCanceled
	case syscall.ENODEV, syscall.ESHUTDOWN:
		return ErrCodeDeviceOffline
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Errno == errno
	}
	return false
}

// IsTemporary reports whether the failed call may succeed if retried later
func IsTemporary(err error) bool {
	return IsCode(err, ErrCodeQueueFull)
}
