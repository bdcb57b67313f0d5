//go:build unit

package driver

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAllStatusCodesHaveMessages(t *testing.T) {
	for status := StatusSuccess; status <= StatusBusy; status++ {
		msg := status.String()
		if msg == "" {
			t.Errorf("status %d has empty message", status)
		}
		if len(msg) >= 8 && msg[:8] == "unknown " {
			t.Errorf("status %d has no defined message: %s", status, msg)
		}
	}
}

func TestStatusStringReturnsUnknownForUndefinedStatus(t *testing.T) {
	msg := Status(9999).String()
	if msg != "unknown status (9999)" {
		t.Errorf("expected 'unknown status (9999)', got '%s'", msg)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "status only",
			err:      &Error{Status: StatusInvalidArgument},
			expected: "invalid argument",
		},
		{
			name:     "with context",
			err:      &Error{Status: StatusTimeout, Context: "waiting for ready flag"},
			expected: "waiting for ready flag: timeout",
		},
		{
			name:     "with cause",
			err:      &Error{Status: StatusNotFound, Cause: unix.ENOENT},
			expected: "not found: no such file or directory",
		},
		{
			name:     "with context and cause",
			err:      &Error{Status: StatusIOError, Context: "config read", Cause: unix.EIO},
			expected: "config read: I/O error: input/output error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	err := &Error{Status: StatusNotFound, Cause: unix.ENOENT}
	if err.Unwrap() != unix.ENOENT {
		t.Errorf("Unwrap() returned %v", err.Unwrap())
	}
	if (&Error{Status: StatusNotFound}).Unwrap() != nil {
		t.Error("Unwrap() should be nil without a cause")
	}
}

func TestErrorIs(t *testing.T) {
	err := NewError(StatusTimeout, "pending")
	wrapped := fmt.Errorf("loading chunk 2: %w", err)

	if !errors.Is(wrapped, ErrTimeout) {
		t.Error("errors.Is should match on status through wrapping")
	}
	if errors.Is(wrapped, ErrProtocol) {
		t.Error("errors.Is should not match a different status")
	}
}

func TestStatusOf(t *testing.T) {
	if StatusOf(nil) != StatusSuccess {
		t.Error("nil error should map to success")
	}
	if StatusOf(fmt.Errorf("x: %w", ErrModeMismatch)) != StatusModeMismatch {
		t.Error("wrapped error should keep its status")
	}
	if StatusOf(errors.New("plain")) != StatusDriverOperationFailed {
		t.Error("foreign error should map to operation failed")
	}
}

func TestErrnoToStatus(t *testing.T) {
	tests := []struct {
		errno    unix.Errno
		expected Status
	}{
		{unix.ENOMEM, StatusOutOfHostMemory},
		{unix.ENOBUFS, StatusOutOfHostMemory},
		{unix.ETIMEDOUT, StatusTimeout},
		{unix.EIO, StatusIOError},
		{unix.ENOENT, StatusNotFound},
		{unix.ENODEV, StatusNotFound},
		{unix.EINVAL, StatusInvalidArgument},
		{unix.EBUSY, StatusBusy},
		{unix.EPERM, StatusDriverOperationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			if got := ErrnoToStatus(tt.errno); got != tt.expected {
				t.Errorf("ErrnoToStatus(%v) = %d, expected %d", tt.errno, got, tt.expected)
			}
		})
	}
}

func TestFromSyscall(t *testing.T) {
	if FromSyscall(nil, "x") != nil {
		t.Error("nil should stay nil")
	}

	err := FromSyscall(fmt.Errorf("open: %w", unix.ENOENT), "opening config")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	err = FromSyscall(errors.New("short read"), "reading config")
	if StatusOf(err) != StatusDriverOperationFailed {
		t.Errorf("expected operation failed, got %v", err)
	}
}
