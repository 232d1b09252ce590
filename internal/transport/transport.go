// Package transport implements the UDP net transport: it owns the data
// socket, frames outgoing data, decodes incoming datagrams and forwards
// frames to the parent transport.
//
// A Transport is driven by a single event loop goroutine. All its methods
// must run on that goroutine; other goroutines hand work over with the
// loop's Post.
package transport

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"

	"firestige.xyz/arnet/internal/core"
	"firestige.xyz/arnet/internal/endpoint"
	"firestige.xyz/arnet/internal/frame"
	"firestige.xyz/arnet/internal/link"
	"firestige.xyz/arnet/internal/log"
	"firestige.xyz/arnet/internal/loop"
	"firestige.xyz/arnet/internal/metrics"
)

// Direction tags logged frames.
type Direction int

const (
	Tx Direction = iota
	Rx
)

func (d Direction) String() string {
	if d == Rx {
		return metrics.DirectionRx
	}
	return metrics.DirectionTx
}

// Parent is the transport-agnostic owner of the transport. It owns the link
// status, receives decoded frames and logs raw frames in both directions.
type Parent interface {
	link.Tracker
	LogFrame(dir Direction, header, payload []byte)
	RecvData(h frame.Header, payload []byte)
}

// SocketObserver is told about every socket the transport opens, before any
// traffic flows, so it can apply platform policy to it.
type SocketObserver interface {
	SocketOpened(t *Transport, fd int, kind endpoint.Kind)
}

// SocketObserverFunc adapts a function to SocketObserver.
type SocketObserverFunc func(t *Transport, fd int, kind endpoint.Kind)

func (f SocketObserverFunc) SocketOpened(t *Transport, fd int, kind endpoint.Kind) {
	f(t, fd, kind)
}

// Config is the addressing of the data socket. RxPort 0 asks for an
// ephemeral port; after New it holds the bound port.
type Config struct {
	TxAddr netip.Addr
	TxPort uint16
	RxPort uint16
	QoS    bool
}

// FaultInjection simulates packet loss, in percent. Zero disables it.
type FaultInjection struct {
	RxDropRatio int
	TxDropRatio int
}

// Options configures a Transport. Loop, Config, Parent and Observer are
// required.
type Options struct {
	// Name labels metrics, "net" by default.
	Name     string
	Loop     loop.EventSource
	Config   *Config
	Parent   Parent
	Observer SocketObserver
	Faults   FaultInjection
	Logger   log.Logger
}

// Transport is the net transport.
type Transport struct {
	name     string
	src      loop.EventSource
	parent   Parent
	observer SocketObserver
	logger   log.Logger

	binding *endpoint.Binding
	qos     bool
	ep      *endpoint.Endpoint

	started  bool
	disposed bool
	txFail   int
	hdr      [frame.HeaderSize]byte
}

// New creates the transport and opens its data socket (rx and tx, command
// kind). The bound rx port is written back into opts.Config.
func New(opts Options) (*Transport, error) {
	if opts.Loop == nil || opts.Config == nil || opts.Parent == nil || opts.Observer == nil {
		return nil, core.NewError("transport new", core.ErrInvalidArgument)
	}
	name := opts.Name
	if name == "" {
		name = "net"
	}

	t := &Transport{
		name:     name,
		src:      opts.Loop,
		parent:   opts.Parent,
		observer: opts.Observer,
		logger:   log.Or(opts.Logger).WithField("transport", name),
		binding:  endpoint.NewBinding(opts.Config.TxAddr, opts.Config.TxPort, opts.Config.RxPort),
		qos:      opts.Config.QoS,
	}

	// The endpoint exists closed before anything can fail.
	t.ep = endpoint.New(endpoint.Options{
		Kind:        endpoint.Command,
		Rx:          true,
		Tx:          true,
		Binding:     t.binding,
		RxDropRatio: opts.Faults.RxDropRatio,
		TxDropRatio: opts.Faults.TxDropRatio,
		OnOpen: func(fd int, kind endpoint.Kind) {
			t.observer.SocketOpened(t, fd, kind)
		},
		Logger: t.logger,
	})
	if opts.Faults.RxDropRatio != 0 || opts.Faults.TxDropRatio != 0 {
		t.logger.WithField("rx_drop_ratio", opts.Faults.RxDropRatio).
			WithField("tx_drop_ratio", opts.Faults.TxDropRatio).
			Warn("packet loss simulation enabled")
	}

	if err := t.ep.Setup(); err != nil {
		t.ep.Cleanup()
		return nil, err
	}
	opts.Config.RxPort = t.binding.RxPort()
	metrics.TxConsecutiveFailures.WithLabelValues(t.name).Set(0)
	return t, nil
}

// Name returns the metrics label of the transport.
func (t *Transport) Name() string { return t.name }

// RxPort returns the bound local port.
func (t *Transport) RxPort() uint16 { return t.binding.RxPort() }

// Started reports whether the transport is registered with the loop.
func (t *Transport) Started() bool { return t.started }

// Stats returns the data socket counters.
func (t *Transport) Stats() endpoint.Stats { return t.ep.Stats() }

// TxFailures returns the number of consecutive sends dropped because the
// send buffer was full.
func (t *Transport) TxFailures() int { return t.txFail }

// Start registers the data socket with the event loop and applies the QoS
// marking.
func (t *Transport) Start() error {
	if t.disposed {
		return core.NewError("transport start", core.ErrClosed)
	}
	if t.started {
		return core.NewError("transport start", core.ErrAlreadyStarted)
	}
	if err := t.ep.Start(t.src, t.qos, t.onReadable); err != nil {
		_ = t.ep.Stop()
		return err
	}
	t.started = true
	t.logger.WithField("rx_port", t.RxPort()).Debug("transport started")
	return nil
}

// Stop unregisters the data socket. It is a no-op when not started.
func (t *Transport) Stop() error {
	if !t.started {
		return nil
	}
	if err := t.ep.Stop(); err != nil {
		t.logger.WithError(err).Warn("stop data socket")
	}
	t.started = false
	return nil
}

// Dispose closes the data socket. The transport must be stopped first.
func (t *Transport) Dispose() error {
	if t.disposed {
		return nil
	}
	t.ep.Cleanup()
	t.started = false
	t.disposed = true
	return nil
}

// Config returns the current configuration; RxPort is the bound port.
func (t *Transport) Config() Config {
	addr, port := t.binding.Tx()
	return Config{TxAddr: addr, TxPort: port, RxPort: t.binding.RxPort(), QoS: t.qos}
}

// UpdateConfig retargets the peer. The rx port of the bound socket cannot
// change: cfg.RxPort must be 0 or the bound port. QoS takes effect at the
// next Start.
func (t *Transport) UpdateConfig(cfg Config) error {
	if cfg.RxPort != 0 && cfg.RxPort != t.binding.RxPort() && t.ep.IsOpen() {
		return core.NewError("transport update config", core.ErrRxPortLocked)
	}
	t.binding.SetTx(cfg.TxAddr, cfg.TxPort)
	t.qos = cfg.QoS
	return nil
}

// SetFaultInjection changes the simulated packet loss.
func (t *Transport) SetFaultInjection(f FaultInjection) {
	t.ep.SetDropRatios(f.RxDropRatio, f.TxDropRatio)
}

// NotifySocket forwards a socket opened outside the transport to the
// observer.
func (t *Transport) NotifySocket(fd int, kind endpoint.Kind) {
	t.observer.SocketOpened(t, fd, kind)
}

// SendData frames payload, preceded by the optional extra header, and
// sends it as one datagram. A full send buffer drops the frame silently.
func (t *Transport) SendData(h frame.Header, payload, extra []byte) error {
	size := frame.Size(extra, payload)
	if int(size) > frame.MaxDatagram {
		return core.NewError("send", core.ErrInvalidArgument)
	}
	if !t.started || !t.ep.IsOpen() {
		return &core.Error{Op: "send", Kind: core.ErrClosed, Errno: unix.EPIPE}
	}

	segs := frame.EncodeInto(t.hdr[:], h, extra, payload)
	t.parent.LogFrame(Tx, t.hdr[:], payload)

	droppedBefore := t.ep.Stats().TxDropped
	n, err := t.ep.Write(segs)
	fd := t.ep.FD()

	if err != nil {
		switch {
		case errors.Is(err, core.ErrSendBufferFull):
			t.txFail++
			t.logger.WithField("fd", fd).WithField("size", size).WithField("code", core.Code(err)).WithError(err).Warn("sendmsg")
			metrics.DropsTotal.WithLabelValues(t.name, metrics.DropSendBufferFull).Inc()
			metrics.TxConsecutiveFailures.WithLabelValues(t.name).Set(float64(t.txFail))
			return nil
		case errors.Is(err, core.ErrWouldBlock):
			metrics.SendErrorsTotal.WithLabelValues(t.name, "would_block").Inc()
		default:
			metrics.SendErrorsTotal.WithLabelValues(t.name, "socket").Inc()
			if link.ShouldReport(t.parent, true) {
				t.logger.WithField("fd", fd).WithField("code", core.Code(err)).WithError(err).Error("sendmsg")
			}
		}
		return err
	}

	if n != int(size) {
		metrics.SendErrorsTotal.WithLabelValues(t.name, "partial_write").Inc()
		t.logger.WithField("fd", fd).Errorf("partial write (%d/%d)", n, size)
		return core.NewError("send", core.ErrPartialWrite)
	}

	if t.txFail > 0 {
		t.logger.WithField("fd", fd).WithField("size", size).
			Infof("sendmsg succeed after %d failures", t.txFail)
		t.txFail = 0
		metrics.TxConsecutiveFailures.WithLabelValues(t.name).Set(0)
	}

	if t.ep.Stats().TxDropped != droppedBefore {
		metrics.DropsTotal.WithLabelValues(t.name, metrics.DropTxInjected).Inc()
		return nil
	}
	metrics.FramesTotal.WithLabelValues(t.name, metrics.DirectionTx, h.ID.String()).Inc()
	metrics.BytesTotal.WithLabelValues(t.name, metrics.DirectionTx).Add(float64(n))
	metrics.FrameSizeBytes.WithLabelValues(t.name, metrics.DirectionTx).Observe(float64(size))
	return nil
}

func (t *Transport) onReadable(fd int, events loop.Events) {
	droppedBefore := t.ep.Stats().RxDropped
	n, err := t.ep.Read(t.parent)
	if err != nil {
		if t.ep.Stats().RxDropped != droppedBefore {
			metrics.DropsTotal.WithLabelValues(t.name, metrics.DropRxInjected).Inc()
		}
		return
	}
	if n > 0 {
		metrics.BytesTotal.WithLabelValues(t.name, metrics.DirectionRx).Add(float64(n))
		t.process(t.ep.Buffer()[:n])
	}
}

// process decodes every frame of one datagram and forwards them to the
// parent. The first bad frame drops the rest of the datagram.
func (t *Transport) process(buf []byte) {
	d := frame.NewDecoder(buf)
	for d.Next() {
		h := d.Header()
		t.parent.LogFrame(Rx, d.Raw(), d.Payload())
		t.parent.RecvData(h, d.Payload())
		metrics.FramesTotal.WithLabelValues(t.name, metrics.DirectionRx, h.ID.String()).Inc()
		metrics.FrameSizeBytes.WithLabelValues(t.name, metrics.DirectionRx).Observe(float64(h.Size))
	}
	if err := d.Err(); err != nil {
		errType := "malformed"
		if errors.Is(err, core.ErrTruncatedHeader) {
			errType = "truncated"
		}
		t.logger.WithField("dropped", d.Dropped()).WithError(err).Error("bad frame")
		metrics.DecodeErrorsTotal.WithLabelValues(t.name, errType).Inc()
		metrics.DropsTotal.WithLabelValues(t.name, metrics.DropDecode).Inc()
	}
}
