package core

import (
	"errors"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		errno syscall.Errno
		want  error
	}{
		{syscall.EAGAIN, ErrWouldBlock},
		{syscall.EWOULDBLOCK, ErrWouldBlock},
		{syscall.ENOBUFS, ErrSendBufferFull},
		{syscall.ENOMEM, ErrResourceExhausted},
		{syscall.EINVAL, ErrInvalidArgument},
		{syscall.ECONNREFUSED, ErrSocket},
		{syscall.EADDRINUSE, ErrSocket},
	}
	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.errno))
		})
	}
}

func TestErrorMatchesKindAndErrno(t *testing.T) {
	err := FromErrno("sendmsg", syscall.ECONNREFUSED)

	assert.ErrorIs(t, err, ErrSocket)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.NotErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, "sendmsg: arnet: socket error: connection refused", err.Error())

	plain := NewError("start", ErrAlreadyStarted)
	assert.ErrorIs(t, plain, ErrAlreadyStarted)
	assert.Equal(t, "start: arnet: transport already started", plain.Error())
	_, ok := Errno(plain)
	assert.False(t, ok)
}

func TestRxPortLockedIsInvalidArgument(t *testing.T) {
	err := NewError("update", ErrRxPortLocked)
	assert.ErrorIs(t, err, ErrRxPortLocked)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("op", nil))

	orig := NewError("inner", ErrClosed)
	assert.Same(t, orig, Wrap("outer", orig))

	err := Wrap("bind", syscall.EADDRINUSE)
	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, "bind", e.Op)
	assert.Equal(t, syscall.EADDRINUSE, e.Errno)

	other := Wrap("read", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, other, ErrSocket)
	assert.ErrorIs(t, other, io.ErrUnexpectedEOF)
}

func TestCode(t *testing.T) {
	assert.Equal(t, 0, Code(nil))
	assert.Equal(t, -int(syscall.EPIPE), Code(&Error{Op: "send", Kind: ErrClosed, Errno: syscall.EPIPE}))
	assert.Equal(t, -int(syscall.EIO), Code(NewError("x", ErrPartialWrite)))
}

func TestIsWouldBlock(t *testing.T) {
	assert.True(t, IsWouldBlock(syscall.EAGAIN))
	assert.False(t, IsWouldBlock(syscall.EINTR))
}
