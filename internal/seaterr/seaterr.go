// Package seaterr carries the POSIX errno that a seat/client operation
// wants reflected back on the wire as an ERROR(errno) response (spec §7),
// independent of whatever Go error wrapping happened internally.
package seaterr

import (
	"errors"
	"syscall"
)

// Error pairs a wire errno with an internal, loggable cause.
type Error struct {
	Errno syscall.Errno
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Errno.Error() + ": " + e.Cause.Error()
	}
	return e.Errno.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps errno with no further detail.
func New(errno syscall.Errno) *Error {
	return &Error{Errno: errno}
}

// Wrap wraps errno with cause for logging; cause is not sent to the client.
func Wrap(errno syscall.Errno, cause error) *Error {
	return &Error{Errno: errno, Cause: cause}
}

// Errno extracts the wire errno from err, defaulting to EIO if err does
// not carry one — every internal error reaching the client boundary
// should be wrapped via New/Wrap, so EIO signals a bug, not a normal
// failure mode.
func Errno(err error) syscall.Errno {
	var se *Error
	if errors.As(err, &se) {
		return se.Errno
	}
	return syscall.EIO
}
