package driver

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Status represents a transport operation status code
type Status int

const (
	StatusSuccess Status = iota
	StatusUninitialized
	StatusInvalidArgument
	StatusOutOfHostMemory
	StatusTimeout
	StatusProtocolError
	StatusModeMismatch
	StatusIOError
	StatusDeviceStatus
	StatusVersionMismatch
	StatusNotFound
	StatusAlreadyOpen
	StatusNotOpen
	StatusDmaMapFailed
	StatusDriverOperationFailed
	StatusBusy
)

var statusMessages = map[Status]string{
	StatusSuccess:               "success",
	StatusUninitialized:         "uninitialized",
	StatusInvalidArgument:       "invalid argument",
	StatusOutOfHostMemory:       "out of host memory",
	StatusTimeout:               "timeout",
	StatusProtocolError:         "protocol error",
	StatusModeMismatch:          "unexpected device mode",
	StatusIOError:               "I/O error",
	StatusDeviceStatus:          "unexpected device status",
	StatusVersionMismatch:       "version mismatch",
	StatusNotFound:              "not found",
	StatusAlreadyOpen:           "already open",
	StatusNotOpen:               "not open",
	StatusDmaMapFailed:          "DMA mapping failed",
	StatusDriverOperationFailed: "driver operation failed",
	StatusBusy:                  "device busy",
}

// String returns the human-readable status message
func (s Status) String() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status (%d)", int(s))
}

// Error represents an error from the transport stack
type Error struct {
	Status  Status
	Context string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Context != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Context, e.Status.String(), e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Context, e.Status.String())
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Status.String(), e.Cause)
	}
	return e.Status.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target status
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Status == t.Status
	}
	return false
}

// NewError creates a new Error with the given status
func NewError(status Status, context string) *Error {
	return &Error{
		Status:  status,
		Context: context,
	}
}

// NewErrorWithCause creates a new Error with an underlying cause
func NewErrorWithCause(status Status, context string, cause error) *Error {
	return &Error{
		Status:  status,
		Context: context,
		Cause:   cause,
	}
}

// Sentinels for errors.Is comparisons
var (
	ErrUninitialized   = NewError(StatusUninitialized, "")
	ErrInvalidArgument = NewError(StatusInvalidArgument, "")
	ErrTimeout         = NewError(StatusTimeout, "")
	ErrProtocol        = NewError(StatusProtocolError, "")
	ErrModeMismatch    = NewError(StatusModeMismatch, "")
	ErrIO              = NewError(StatusIOError, "")
	ErrDeviceStatus    = NewError(StatusDeviceStatus, "")
	ErrVersionMismatch = NewError(StatusVersionMismatch, "")
	ErrNotFound        = NewError(StatusNotFound, "")
	ErrAlreadyOpen     = NewError(StatusAlreadyOpen, "")
	ErrNotOpen         = NewError(StatusNotOpen, "")
	ErrDmaMap          = NewError(StatusDmaMapFailed, "")
	ErrBusy            = NewError(StatusBusy, "")
)

// StatusOf returns the status carried by err, or StatusDriverOperationFailed
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusDriverOperationFailed
}

// ErrnoToStatus converts a Linux errno to a transport status
func ErrnoToStatus(errno unix.Errno) Status {
	switch errno {
	case unix.ENOMEM, unix.ENOBUFS:
		return StatusOutOfHostMemory
	case unix.ETIMEDOUT:
		return StatusTimeout
	case unix.EIO, unix.EFAULT:
		return StatusIOError
	case unix.ENOENT, unix.ENODEV:
		return StatusNotFound
	case unix.EINVAL:
		return StatusInvalidArgument
	case unix.EBUSY:
		return StatusBusy
	default:
		return StatusDriverOperationFailed
	}
}

// StatusFromErrno creates an Error from an errno
func StatusFromErrno(errno unix.Errno, context string) *Error {
	return &Error{
		Status:  ErrnoToStatus(errno),
		Context: context,
		Cause:   errno,
	}
}

// FromSyscall wraps a syscall failure, translating errnos when possible
func FromSyscall(err error, context string) error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return StatusFromErrno(errno, context)
	}
	return NewErrorWithCause(StatusDriverOperationFailed, context, err)
}
