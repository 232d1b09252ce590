// Package endpoint owns one non-blocking UDP socket: setup with dynamic port
// fallback, buffer sizing, QoS marking, event loop registration and the raw
// read/write calls, including simulated packet loss.
package endpoint

import (
	"errors"
	"math/rand"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"firestige.xyz/arnet/internal/core"
	"firestige.xyz/arnet/internal/link"
	"firestige.xyz/arnet/internal/log"
	"firestige.xyz/arnet/internal/loop"
)

// Requested socket buffer sizes.
const (
	RcvBufSize = 65536
	SndBufSize = 65536
)

// SendFunc performs one scatter-gather send of bufs to to.
type SendFunc func(fd int, bufs [][]byte, to unix.Sockaddr) (int, error)

func sendmsg(fd int, bufs [][]byte, to unix.Sockaddr) (int, error) {
	return unix.SendmsgBuffers(fd, bufs, nil, to, 0)
}

// Options configures an Endpoint.
type Options struct {
	Kind    Kind
	Rx      bool
	Tx      bool
	Binding *Binding

	// Simulated loss, in percent.
	RxDropRatio int
	TxDropRatio int

	// OnOpen runs once the socket is fully set up, before any traffic.
	OnOpen func(fd int, kind Kind)
	Logger log.Logger
}

// Stats are cumulative endpoint counters.
type Stats struct {
	RxDatagrams uint64
	RxBytes     uint64
	RxDropped   uint64
	TxDatagrams uint64
	TxBytes     uint64
	TxDropped   uint64
}

// Endpoint is one UDP socket. It is not safe for concurrent use, except for
// Stats.
type Endpoint struct {
	opts    Options
	logger  log.Logger
	fd      int
	buf     []byte
	src     loop.EventSource
	started bool

	send SendFunc
	rand func(n int) int

	rxDatagrams, rxBytes, rxDropped atomic.Uint64
	txDatagrams, txBytes, txDropped atomic.Uint64
}

// New returns a closed endpoint.
func New(opts Options) *Endpoint {
	if opts.Binding == nil {
		opts.Binding = &Binding{}
	}
	e := &Endpoint{
		opts: opts,
		fd:   -1,
		send: sendmsg,
		rand: rand.Intn,
	}
	e.logger = log.Or(opts.Logger).WithField("kind", opts.Kind.String())
	return e
}

// SetSendFunc replaces the send call, nil restores the default.
func (e *Endpoint) SetSendFunc(fn SendFunc) {
	if fn == nil {
		fn = sendmsg
	}
	e.send = fn
}

// SetDropRatios changes the simulated loss.
func (e *Endpoint) SetDropRatios(rx, tx int) {
	e.opts.RxDropRatio = rx
	e.opts.TxDropRatio = tx
}

func (e *Endpoint) FD() int           { return e.fd }
func (e *Endpoint) IsOpen() bool      { return e.fd >= 0 }
func (e *Endpoint) Started() bool     { return e.started }
func (e *Endpoint) Kind() Kind        { return e.opts.Kind }
func (e *Endpoint) Binding() *Binding { return e.opts.Binding }
func (e *Endpoint) Buffer() []byte    { return e.buf }
func (e *Endpoint) RxEnabled() bool   { return e.opts.Rx }
func (e *Endpoint) TxEnabled() bool   { return e.opts.Tx }

// Setup opens the socket. When rx is enabled it binds the wildcard address
// on the binding rx port, falling back to an ephemeral port if the port is
// in use, and writes the bound port back into the binding. On failure
// nothing is left open.
func (e *Endpoint) Setup() (err error) {
	if !e.opts.Rx && !e.opts.Tx {
		return nil
	}
	if e.fd >= 0 {
		return core.NewError("setup", core.ErrInvalidArgument)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		e.logger.WithError(err).Error("socket failed")
		return core.Wrap("socket", err)
	}
	defer func() {
		if err != nil {
			e.buf = nil
			unix.Close(fd)
		}
	}()

	if err := unix.SetNonblock(fd, true); err != nil {
		e.logger.WithField("fd", fd).WithError(err).Error("set non-blocking failed")
		return core.Wrap("fcntl", err)
	}
	unix.CloseOnExec(fd)

	if e.opts.Rx {
		if err := e.bind(fd); err != nil {
			return err
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, RcvBufSize); err != nil {
			e.logger.WithField("fd", fd).WithError(err).Error("setsockopt SO_RCVBUF failed")
			return core.Wrap("setsockopt SO_RCVBUF", err)
		}
		// The kernel reports twice the usable size.
		size, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
		if err != nil {
			e.logger.WithField("fd", fd).WithError(err).Error("getsockopt SO_RCVBUF failed")
			return core.Wrap("getsockopt SO_RCVBUF", err)
		}
		size /= 2
		if size <= 0 {
			return core.NewError("rx buffer", core.ErrResourceExhausted)
		}
		e.buf = make([]byte, size)
	}

	if e.opts.Tx {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, SndBufSize); err != nil {
			e.logger.WithField("fd", fd).WithError(err).Error("setsockopt SO_SNDBUF failed")
			return core.Wrap("setsockopt SO_SNDBUF", err)
		}
	}

	e.fd = fd
	if e.opts.OnOpen != nil {
		e.opts.OnOpen(fd, e.opts.Kind)
	}
	return nil
}

func (e *Endpoint) bind(fd int) error {
	requested := e.opts.Binding.RxPort()
	sa := &unix.SockaddrInet4{Port: int(requested)}
	err := unix.Bind(fd, sa)
	if errors.Is(err, unix.EADDRINUSE) && sa.Port != 0 {
		sa.Port = 0
		err = unix.Bind(fd, sa)
	}
	if err != nil {
		e.logger.WithField("fd", fd).WithField("port", requested).WithError(err).Error("bind failed")
		return core.Wrap("bind", err)
	}

	name, err := unix.Getsockname(fd)
	if err != nil {
		e.logger.WithField("fd", fd).WithError(err).Error("getsockname failed")
		return core.Wrap("getsockname", err)
	}
	in4, ok := name.(*unix.SockaddrInet4)
	if !ok {
		return core.NewError("getsockname", core.ErrSocket)
	}
	bound := uint16(in4.Port)
	if bound != requested {
		e.logger.WithField("fd", fd).Infof("use dynamic port %d (%d)", bound, requested)
	}
	e.opts.Binding.SetRxPort(bound)
	return nil
}

// Start registers the socket with src for readability when rx is enabled,
// then applies the QoS marking of the socket kind when qos is set. A failed
// start leaves nothing registered.
func (e *Endpoint) Start(src loop.EventSource, qos bool, cb loop.Callback) error {
	if e.fd < 0 {
		return core.NewError("start", core.ErrClosed)
	}
	if e.started {
		return core.NewError("start", core.ErrAlreadyStarted)
	}

	if e.opts.Rx {
		if src == nil {
			return core.NewError("start", core.ErrInvalidArgument)
		}
		if err := src.Add(e.fd, loop.Readable, cb); err != nil {
			e.logger.WithField("fd", e.fd).WithError(err).Error("event loop add failed")
			return core.Wrap("loop add", err)
		}
		e.src = src
	}

	if qos {
		if tos := e.opts.Kind.TOS(); tos != 0 {
			if err := unix.SetsockoptInt(e.fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
				e.logger.WithField("fd", e.fd).WithError(err).Error("setsockopt IP_TOS failed")
				if e.src != nil {
					_ = e.src.Remove(e.fd)
					e.src = nil
				}
				return core.Wrap("setsockopt IP_TOS", err)
			}
		}
	}

	e.started = true
	return nil
}

// Stop removes the socket from the event loop. The socket stays open.
func (e *Endpoint) Stop() error {
	if !e.started {
		return nil
	}
	e.started = false
	if e.opts.Rx && e.src != nil {
		src := e.src
		e.src = nil
		if err := src.Remove(e.fd); err != nil {
			return core.Wrap("loop remove", err)
		}
	}
	return nil
}

// Cleanup stops and closes the socket and releases the receive buffer.
// It can be called any number of times.
func (e *Endpoint) Cleanup() {
	if e.fd >= 0 {
		if err := e.Stop(); err != nil {
			e.logger.WithField("fd", e.fd).WithError(err).Warn("stop on cleanup failed")
		}
		unix.Close(e.fd)
		e.fd = -1
	}
	if e.opts.Rx {
		e.buf = nil
	}
}

// Read receives one datagram into Buffer and returns its length. A zero
// length means end of stream and is not an error. With a tracker, a
// non-transient error is only logged while the link is OK, and the link is
// flipped to KO; without one every such error is logged.
func (e *Endpoint) Read(tracker link.Tracker) (int, error) {
	if e.fd < 0 {
		return 0, core.NewError("read", core.ErrClosed)
	}

	var (
		n   int
		err error
	)
	for {
		n, _, err = unix.Recvfrom(e.fd, e.buf, 0)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}

	if err == nil && n > 0 {
		if e.opts.RxDropRatio != 0 && e.rand(100) < e.opts.RxDropRatio {
			e.rxDropped.Add(1)
			e.logger.WithField("fd", e.fd).Infof("rx drop %d bytes", n)
			return 0, core.FromErrno("read", unix.EAGAIN)
		}
		e.rxDatagrams.Add(1)
		e.rxBytes.Add(uint64(n))
		return n, nil
	}

	if err == nil {
		e.logger.WithField("fd", e.fd).Info("EOF")
		return 0, nil
	}

	errno, _ := core.Errno(err)
	if !core.IsWouldBlock(errno) && link.ShouldReport(tracker, tracker != nil) {
		e.logger.WithField("fd", e.fd).WithError(err).Error("read failed")
	}
	return 0, core.Wrap("read", err)
}

// Write sends bufs as one datagram to the binding tx target and returns the
// number of bytes sent.
func (e *Endpoint) Write(bufs [][]byte) (int, error) {
	if e.fd < 0 {
		return 0, core.NewError("write", core.ErrClosed)
	}

	total := 0
	for _, b := range bufs {
		total += len(b)
	}

	if e.opts.TxDropRatio != 0 && e.rand(100) < e.opts.TxDropRatio {
		e.txDropped.Add(1)
		e.logger.WithField("fd", e.fd).Infof("tx drop %d bytes", total)
		return total, nil
	}

	addr, port := e.opts.Binding.Tx()
	if !addr.Is4() {
		return 0, core.NewError("write", core.ErrInvalidArgument)
	}
	to := &unix.SockaddrInet4{Port: int(port), Addr: addr.As4()}

	for {
		n, err := e.send(e.fd, bufs, to)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, core.Wrap("write", err)
		}
		e.txDatagrams.Add(1)
		e.txBytes.Add(uint64(n))
		return n, nil
	}
}

// Stats returns a snapshot of the counters.
func (e *Endpoint) Stats() Stats {
	return Stats{
		RxDatagrams: e.rxDatagrams.Load(),
		RxBytes:     e.rxBytes.Load(),
		RxDropped:   e.rxDropped.Load(),
		TxDatagrams: e.txDatagrams.Load(),
		TxBytes:     e.txBytes.Load(),
		TxDropped:   e.txDropped.Load(),
	}
}
