// Package core defines the transport error taxonomy.
package core

import (
	"errors"
	"fmt"
	"syscall"
)

// Sentinel errors. Every error returned by the transport packages matches
// exactly one of them through errors.Is.
var (
	// Caller errors
	ErrInvalidArgument = errors.New("arnet: invalid argument")
	ErrAlreadyStarted  = errors.New("arnet: transport already started")
	ErrClosed          = errors.New("arnet: transport closed")

	// Resource errors
	ErrResourceExhausted = errors.New("arnet: resource exhausted")
	ErrSocket            = errors.New("arnet: socket error")

	// Per-packet conditions
	ErrWouldBlock     = errors.New("arnet: operation would block")
	ErrSendBufferFull = errors.New("arnet: send buffer full")
	ErrPartialWrite   = errors.New("arnet: partial write")

	// Decoding errors
	ErrTruncatedHeader = errors.New("arnet: truncated frame header")
	ErrMalformedFrame  = errors.New("arnet: malformed frame")
)

// ErrRxPortLocked is an invalid argument: the rx port of a bound socket
// cannot be changed.
var ErrRxPortLocked = fmt.Errorf("%w: rx port cannot change once bound", ErrInvalidArgument)

// Error is the tagged result of a failed transport operation. Kind is one of
// the sentinels above; Errno is set when the failure came from the OS.
type Error struct {
	Op    string
	Kind  error
	Errno syscall.Errno
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Errno)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

// Unwrap exposes both the kind and the errno so that errors.Is works
// against either (e.g. ErrSocket and unix.EADDRINUSE).
func (e *Error) Unwrap() []error {
	if e.Errno != 0 {
		return []error{e.Kind, e.Errno}
	}
	return []error{e.Kind}
}

// NewError builds an Error of the given kind.
func NewError(op string, kind error) *Error {
	return &Error{Op: op, Kind: kind}
}

// FromErrno classifies an OS error number into the taxonomy.
func FromErrno(op string, errno syscall.Errno) *Error {
	return &Error{Op: op, Kind: KindOf(errno), Errno: errno}
}

// KindOf maps an errno onto its sentinel.
func KindOf(errno syscall.Errno) error {
	switch {
	case IsWouldBlock(errno):
		return ErrWouldBlock
	case errno == syscall.ENOBUFS:
		return ErrSendBufferFull
	case errno == syscall.ENOMEM:
		return ErrResourceExhausted
	case errno == syscall.EINVAL:
		return ErrInvalidArgument
	default:
		return ErrSocket
	}
}

// IsWouldBlock reports whether errno means a non-blocking call could not
// complete. POSIX allows either value and does not require them to be equal.
func IsWouldBlock(errno syscall.Errno) bool {
	return errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK
}

// Wrap converts err into an *Error, keeping it as is when it already is one.
// Raw errnos are classified, anything else becomes ErrSocket.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return FromErrno(op, errno)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrSocket, err)
}

// Errno recovers the underlying OS error number, if any.
func Errno(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// Code returns the negated errno of err (0 when nil, -EIO when err carries
// no OS error). Send failures log it as the code field.
func Code(err error) int {
	if err == nil {
		return 0
	}
	if errno, ok := Errno(err); ok {
		return -int(errno)
	}
	return -int(syscall.EIO)
}
