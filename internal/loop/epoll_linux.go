//go:build linux

package loop

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"firestige.xyz/arnet/internal/core"
	"firestige.xyz/arnet/internal/log"
)

const maxEvents = 64

// Loop is a single goroutine epoll reactor. Callbacks and posted functions
// all run on the goroutine that calls Run.
type Loop struct {
	epfd   int
	wakefd int
	logger log.Logger

	mu       sync.Mutex
	handlers map[int]Callback
	posted   []func()
	closed   bool
}

// New creates a loop. logger may be nil.
func New(logger log.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, core.Wrap("epoll_create", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, core.Wrap("eventfd", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, core.Wrap("epoll_ctl", err)
	}
	return &Loop{
		epfd:     epfd,
		wakefd:   wakefd,
		logger:   log.Or(logger),
		handlers: make(map[int]Callback),
	}, nil
}

// Add implements EventSource.
func (l *Loop) Add(fd int, events Events, cb Callback) error {
	if fd < 0 || cb == nil {
		return core.NewError("loop add", core.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.NewError("loop add", core.ErrClosed)
	}
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return core.Wrap("epoll_ctl add", err)
	}
	l.handlers[fd] = cb
	return nil
}

// Remove implements EventSource.
func (l *Loop) Remove(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; !ok {
		return core.FromErrno("epoll_ctl del", unix.ENOENT)
	}
	delete(l.handlers, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return core.Wrap("epoll_ctl del", err)
	}
	return nil
}

// has reports whether fd is registered.
func (l *Loop) has(fd int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.handlers[fd]
	return ok
}

// Post queues fn to run on the loop goroutine. It is the only Loop method
// meant to be called while Run is active on another goroutine for work that
// touches loop-owned state.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return core.NewError("loop post", core.ErrClosed)
	}
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	return l.wakeup()
}

func (l *Loop) wakeup() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(l.wakefd, buf[:])
	// A full counter already guarantees a wakeup.
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return core.Wrap("eventfd write", err)
	}
	return nil
}

// Run dispatches events until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.wakeup() })
	defer stop()

	events := make([]unix.EpollEvent, maxEvents)
	for ctx.Err() == nil {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			l.logger.WithError(err).Error("epoll wait failed")
			return core.Wrap("epoll_wait", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakefd {
				l.drainWakeup()
				l.runPosted()
				continue
			}
			l.mu.Lock()
			cb := l.handlers[fd]
			l.mu.Unlock()
			// Removed by an earlier callback of this batch.
			if cb == nil {
				continue
			}
			cb(fd, fromEpoll(events[i].Events))
		}
	}
	return nil
}

func (l *Loop) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range posted {
		fn()
	}
}

// Close releases the epoll and eventfd descriptors. Registered descriptors
// are not closed.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.handlers = nil
	err := unix.Close(l.epfd)
	if e := unix.Close(l.wakefd); err == nil {
		err = e
	}
	return err
}

func toEpoll(e Events) uint32 {
	var out uint32
	if e&Readable != 0 {
		out |= unix.EPOLLIN
	}
	if e&Writable != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpoll(ev uint32) Events {
	var out Events
	if ev&unix.EPOLLIN != 0 {
		out |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		out |= Writable
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		out |= Hangup
	}
	if ev&unix.EPOLLERR != 0 {
		out |= Failed
	}
	return out
}
