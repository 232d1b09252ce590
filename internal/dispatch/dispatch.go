// Package dispatch is a minimal parent for the net transport. It owns the
// link status, logs frames, answers pings, acknowledges reliable frames and
// hands everything else to a handler.
package dispatch

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/arnet/internal/core"
	"firestige.xyz/arnet/internal/frame"
	"firestige.xyz/arnet/internal/link"
	"firestige.xyz/arnet/internal/log"
	"firestige.xyz/arnet/internal/metrics"
	"firestige.xyz/arnet/internal/transport"
	"firestige.xyz/arnet/internal/transportid"
)

// Sender sends one frame. *transport.Transport implements it.
type Sender interface {
	SendData(h frame.Header, payload, extra []byte) error
}

// Handler receives data frames that are not handled by the dispatcher.
// payload is only valid during the call.
type Handler func(h frame.Header, payload []byte)

// Options configures a Dispatcher.
type Options struct {
	// Name labels metrics, it should match the transport name.
	Name      string
	Namespace transportid.Namespace
	// PingPeriod is the expected interval between Tick calls. The link is
	// declared KO after three periods without traffic.
	PingPeriod time.Duration
	// DedupWindow is how long a reliable frame's id and seq are remembered
	// to drop retransmissions. Default 1s, negative disables.
	DedupWindow time.Duration
	Handler     Handler
	Logger      log.Logger
}

const defaultDedupWindow = time.Second

// Dispatcher implements transport.Parent. Like the transport, it must only
// be used from the event loop goroutine.
type Dispatcher struct {
	name    string
	ns      transportid.Namespace
	period  time.Duration
	handler Handler
	logger  log.Logger

	state  *link.State
	sender Sender
	seen   *cache.Cache // "id/seq" of recent reliable frames
	seq    [transportid.Max]uint8
	lastRx time.Time
	rtt    time.Duration
	now    func() time.Time
}

var _ transport.Parent = (*Dispatcher)(nil)

// New creates a dispatcher with the link KO.
func New(opts Options) *Dispatcher {
	if opts.Name == "" {
		opts.Name = "net"
	}
	if opts.Namespace.Size == 0 {
		opts.Namespace = transportid.Default
	}
	d := &Dispatcher{
		name:    opts.Name,
		ns:      opts.Namespace,
		period:  opts.PingPeriod,
		handler: opts.Handler,
		logger:  log.Or(opts.Logger).WithField("transport", opts.Name),
		state:   link.NewState(link.KO),
		now:     time.Now,
	}
	if opts.DedupWindow == 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	if opts.DedupWindow > 0 {
		d.seen = cache.New(opts.DedupWindow, 10*opts.DedupWindow)
	}
	d.state.OnChange(func(from, to link.Status) {
		d.logger.WithField("from", from.String()).Infof("link %s", to)
		metrics.LinkStatus.WithLabelValues(d.name).Set(float64(to))
		metrics.LinkTransitionsTotal.WithLabelValues(d.name, to.String()).Inc()
	})
	metrics.LinkStatus.WithLabelValues(d.name).Set(0)
	return d
}

// Attach sets the sender used for replies.
func (d *Dispatcher) Attach(s Sender) { d.sender = s }

// LinkStatus implements link.Tracker.
func (d *Dispatcher) LinkStatus() link.Status { return d.state.LinkStatus() }

// SetLinkStatus implements link.Tracker.
func (d *Dispatcher) SetLinkStatus(s link.Status) { d.state.SetLinkStatus(s) }

// Transitions returns the number of link status changes.
func (d *Dispatcher) Transitions() int { return d.state.Transitions() }

// RTT returns the round trip time measured by the last pong.
func (d *Dispatcher) RTT() time.Duration { return d.rtt }

// LogFrame implements transport.Parent.
func (d *Dispatcher) LogFrame(dir transport.Direction, header, payload []byte) {
	if !d.logger.IsDebugEnabled() {
		return
	}
	h, err := frame.ParseHeader(header)
	if err != nil {
		return
	}
	d.logger.WithField("dir", dir.String()).
		WithField("type", h.Type.String()).
		WithField("id", h.ID.String()).
		WithField("seq", h.Seq).
		Debugf("%d bytes %s", len(payload), hex.EncodeToString(payload))
}

// RecvData implements transport.Parent. Any frame proves the link is up.
func (d *Dispatcher) RecvData(h frame.Header, payload []byte) {
	d.lastRx = d.now()
	d.SetLinkStatus(link.OK)

	switch {
	case h.ID == transportid.Ping:
		d.reply(frame.Header{Type: h.Type, ID: transportid.Pong, Seq: h.Seq}, payload)
		return
	case h.ID == transportid.Pong:
		if len(payload) >= 8 {
			sent := int64(binary.LittleEndian.Uint64(payload))
			d.rtt = d.lastRx.Sub(time.Unix(0, sent))
		}
		return
	case h.Type == frame.TypeAck:
		return
	case h.Type == frame.TypeDataWithAck:
		d.reply(frame.Header{Type: frame.TypeAck, ID: d.ns.Ack(h.ID), Seq: h.Seq}, []byte{h.Seq})
		if d.duplicate(h) {
			d.logger.WithField("id", h.ID.String()).WithField("seq", h.Seq).Debug("retransmission dropped")
			return
		}
	}

	if d.handler != nil {
		d.handler(h, payload)
	}
}

// duplicate reports whether h was already received within the dedup window.
// The peer retransmits when our ack is lost, so it is acked again but not
// delivered twice.
func (d *Dispatcher) duplicate(h frame.Header) bool {
	if d.seen == nil {
		return false
	}
	return d.seen.Add(fmt.Sprintf("%d/%d", h.ID, h.Seq), struct{}{}, cache.DefaultExpiration) != nil
}

func (d *Dispatcher) reply(h frame.Header, payload []byte) {
	if d.sender == nil {
		return
	}
	if err := d.sender.SendData(h, payload, nil); err != nil && !errors.Is(err, core.ErrWouldBlock) {
		d.logger.WithField("id", h.ID.String()).WithError(err).Warn("reply failed")
	}
}

// Send sends payload on channel id with the next sequence number of that
// channel.
func (d *Dispatcher) Send(typ frame.Type, id transportid.ID, payload []byte) error {
	if d.sender == nil {
		return core.NewError("dispatch send", core.ErrClosed)
	}
	h := frame.Header{Type: typ, ID: id, Seq: d.seq[id]}
	d.seq[id]++
	return d.sender.SendData(h, payload, nil)
}

// Ping sends a ping carrying the current time.
func (d *Dispatcher) Ping() error {
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(d.now().UnixNano()))
	return d.Send(frame.TypeData, transportid.Ping, ts[:])
}

// Tick is called every ping period: it sends a ping and declares the link
// KO when nothing was received for three periods.
func (d *Dispatcher) Tick() {
	if d.period > 0 && d.LinkStatus() == link.OK && d.now().Sub(d.lastRx) > 3*d.period {
		d.logger.Warn("no traffic, link timeout")
		d.SetLinkStatus(link.KO)
	}
	if err := d.Ping(); err != nil && !errors.Is(err, core.ErrWouldBlock) {
		d.logger.WithError(err).Debug("ping failed")
	}
}
