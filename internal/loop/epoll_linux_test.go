//go:build linux

package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"firestige.xyz/arnet/internal/core"
)

func newTestLoop(t *testing.T) (*Loop, context.CancelFunc, <-chan error) {
	t.Helper()
	l, err := New(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- l.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
		l.Close()
	})
	return l, cancel, done
}

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestLoopDispatchesReadable(t *testing.T) {
	l, _, _ := newTestLoop(t)
	r, w := pipe(t)

	got := make(chan Events, 4)
	require.NoError(t, l.Post(func() {
		err := l.Add(r, Readable, func(fd int, ev Events) {
			var buf [16]byte
			unix.Read(fd, buf[:])
			got <- ev
		})
		assert.NoError(t, err)
	}))

	assert.Eventually(t, func() bool { return l.has(r) }, time.Second, 5*time.Millisecond)
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.NotZero(t, ev&Readable)
	case <-time.After(2 * time.Second):
		t.Fatal("no readiness callback")
	}
}

func TestLoopRemoveStopsCallbacks(t *testing.T) {
	l, _, _ := newTestLoop(t)
	r, w := pipe(t)

	var calls atomic.Int32
	require.NoError(t, l.Add(r, Readable, func(int, Events) { calls.Add(1) }))
	require.NoError(t, l.Remove(r))
	assert.False(t, l.has(r))

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	done := make(chan struct{})
	require.NoError(t, l.Post(func() { close(done) }))
	<-done
	assert.Zero(t, calls.Load())

	err = l.Remove(r)
	assert.ErrorIs(t, err, unix.ENOENT)
}

func TestLoopAddErrors(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	r, _ := pipe(t)

	assert.ErrorIs(t, l.Add(-1, Readable, func(int, Events) {}), core.ErrInvalidArgument)
	assert.ErrorIs(t, l.Add(r, Readable, nil), core.ErrInvalidArgument)

	require.NoError(t, l.Add(r, Readable, func(int, Events) {}))
	err = l.Add(r, Readable, func(int, Events) {})
	assert.ErrorIs(t, err, unix.EEXIST)
	assert.ErrorIs(t, err, core.ErrSocket)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Add(r, Readable, func(int, Events) {}), core.ErrClosed)
	assert.ErrorIs(t, l.Post(func() {}), core.ErrClosed)
}

func TestLoopRunReturnsOnCancel(t *testing.T) {
	_, cancel, done := newTestLoop(t)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestEventsString(t *testing.T) {
	assert.Equal(t, "none", Events(0).String())
	assert.Equal(t, "in", Readable.String())
	assert.Equal(t, "in|hup", (Readable | Hangup).String())
}
