package qdma

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/ehrlich-b/go-qdma/internal/descq"
	"github.com/ehrlich-b/go-qdma/internal/sg"
	"github.com/ehrlich-b/go-qdma/internal/wq"
)

func TestStructuredError(t *testing.T) {
	err := NewQueueError("CREATE_QUEUE", 0, ErrCodeInvalidParameters, "invalid ring depth")

	if err.Op != "CREATE_QUEUE" {
		t.Errorf("Expected Op=CREATE_QUEUE, got %s", err.Op)
	}

	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "qdma: invalid ring depth (op=CREATE_QUEUE, queue=0)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	if got := NewError("", ErrCodeTimeout, "").Error(); got != "qdma: timeout" {
		t.Errorf("Expected bare code message, got %q", got)
	}
}

func TestWrapError(t *testing.T) {
	inner := syscall.ENODEV
	err := WrapError("POST", inner)

	if err.Code != ErrCodeDeviceOffline {
		t.Errorf("Expected Code=ErrCodeDeviceOffline, got %s", err.Code)
	}

	if err.Errno != syscall.ENODEV {
		t.Errorf("Expected Errno=ENODEV, got %v", err.Errno)
	}

	if !errors.Is(err, syscall.ENODEV) {
		t.Error("Expected wrapped error to satisfy errors.Is for ENODEV")
	}

	if WrapError("POST", nil) != nil {
		t.Error("Expected nil for nil inner error")
	}
}

func TestWrapErrorKeepsStructured(t *testing.T) {
	inner := NewQueueError("SUBMIT", 3, ErrCodeQueueFull, "no free slot")
	err := WrapError("POST", fmt.Errorf("retry: %w", inner))

	if err.Op != "POST" || err.Queue != 3 || err.Code != ErrCodeQueueFull {
		t.Errorf("Expected op/queue/code to carry over, got %+v", err)
	}
}

func TestWrapErrorInternalSentinels(t *testing.T) {
	testCases := []struct {
		inner    error
		expected ErrorCode
	}{
		{wq.ErrQueueFull, ErrCodeQueueFull},
		{descq.ErrRingFull, ErrCodeQueueFull},
		{fmt.Errorf("%w: %w", wq.ErrInvalid, sg.ErrMisaligned), ErrCodeInvalidParameters},
		{sg.ErrShortList, ErrCodeInvalidParameters},
		{fmt.Errorf("%w: 3", descq.ErrInvalidDepth), ErrCodeInvalidParameters},
		{descq.ErrInvalidBufSize, ErrCodeInvalidParameters},
		{wq.ErrClosed, ErrCodeDeviceOffline},
		{descq.ErrStopped, ErrCodeDeviceOffline},
		{context.Canceled, ErrCodeCanceled},
		{context.DeadlineExceeded, ErrCodeTimeout},
		{errors.New("card memory parity"), ErrCodeIOError},
	}

	for _, tc := range testCases {
		err := WrapError("TEST", tc.inner)
		if err.Code != tc.expected {
			t.Errorf("WrapError(%v) code = %s, want %s", tc.inner, err.Code, tc.expected)
		}
		if !errors.Is(err, tc.inner) {
			t.Errorf("WrapError(%v) lost the inner error", tc.inner)
		}
	}
}

func TestSentinelErrors(t *testing.T) {
	structuredErr := &Error{Code: ErrCodeQueueFull, Queue: -1}

	if !errors.Is(structuredErr, ErrQueueFull) {
		t.Error("Structured error should match sentinel via errors.Is")
	}
	if errors.Is(structuredErr, ErrDeviceOffline) {
		t.Error("Structured error should not match a different sentinel")
	}

	var sentinelErr error = ErrQueueFull
	if sentinelErr.Error() != "queue full" {
		t.Errorf("Expected sentinel error message, got %q", sentinelErr.Error())
	}

	wrappedErr := WrapError("TEST_OP", wq.ErrQueueFull)
	if !errors.Is(wrappedErr, ErrQueueFull) {
		t.Error("Wrapped wq.ErrQueueFull should match ErrQueueFull")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", ErrCodeTimeout, "operation timed out")

	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeIOError) {
		t.Error("IsCode should return false for non-matching code")
	}

	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestIsErrno(t *testing.T) {
	err := WrapError("TEST", syscall.EIO)

	if !IsErrno(err, syscall.EIO) {
		t.Error("IsErrno should return true for matching errno")
	}

	if IsErrno(err, syscall.EPERM) {
		t.Error("IsErrno should return false for non-matching errno")
	}

	if IsErrno(nil, syscall.EIO) {
		t.Error("IsErrno should return false for nil error")
	}
}

func TestIsTemporary(t *testing.T) {
	if !IsTemporary(WrapError("POST", wq.ErrQueueFull)) {
		t.Error("queue full should be temporary")
	}
	if IsTemporary(WrapError("POST", sg.ErrMisaligned)) {
		t.Error("misaligned request should not be temporary")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.EAGAIN, ErrCodeQueueFull},
		{syscall.EBUSY, ErrCodeQueueFull},
		{syscall.EINVAL, ErrCodeInvalidParameters},
		{syscall.ECANCELED, ErrCodeCanceled},
		{syscall.ENODEV, ErrCodeDeviceOffline},
		{syscall.ENOMEM, ErrCodeInsufficientMemory},
		{syscall.ETIMEDOUT, ErrCodeTimeout},
		{syscall.EIO, ErrCodeIOError},
	}

	for _, tc := range testCases {
		code := mapErrnoToCode(tc.errno)
		if code != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}
