// Package peer is the device side of the net transport. It is used by the
// simulate command and by integration tests: it answers pings, acknowledges
// reliable frames and reports everything else to a handler.
package peer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/bpf"
	"golang.org/x/net/ipv4"

	"firestige.xyz/arnet/internal/frame"
	"firestige.xyz/arnet/internal/log"
	"firestige.xyz/arnet/internal/transportid"
)

const batchSize = 16

// Handler receives data frames with the address they came from. payload is
// only valid during the call.
type Handler func(from netip.AddrPort, h frame.Header, payload []byte)

// Options configures a Peer.
type Options struct {
	// Listen is the local address, port 0 for ephemeral.
	Listen netip.AddrPort
	// Remote is the controller address. When unset it is learned from the
	// first datagram received.
	Remote netip.AddrPort
	TOS    int
	// DropRunts attaches a socket filter discarding datagrams too short to
	// hold a frame header before they reach user space.
	DropRunts bool
	Namespace transportid.Namespace
	Handler   Handler
	Logger    log.Logger
}

// Stats are cumulative peer counters.
type Stats struct {
	Datagrams    uint64
	Frames       uint64
	Acks         uint64
	Pings        uint64
	DecodeErrors uint64
}

// Peer is a UDP endpoint speaking the frame protocol.
type Peer struct {
	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	ns      transportid.Namespace
	handler Handler
	logger  log.Logger

	mu     sync.Mutex
	remote netip.AddrPort
	seq    [transportid.Max]uint8

	datagrams, frames, acks, pings, decodeErrors atomic.Uint64
}

// Listen opens the peer socket.
func Listen(opts Options) (*Peer, error) {
	if opts.Namespace.Size == 0 {
		opts.Namespace = transportid.Default
	}
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(opts.Listen))
	if err != nil {
		return nil, fmt.Errorf("peer listen: %w", err)
	}
	p := &Peer{
		conn:    conn,
		pc:      ipv4.NewPacketConn(conn),
		ns:      opts.Namespace,
		handler: opts.Handler,
		remote:  unmap(opts.Remote),
	}
	p.logger = log.Or(opts.Logger).WithField("peer", p.Addr().String())
	if opts.TOS != 0 {
		if err := p.pc.SetTOS(opts.TOS); err != nil {
			conn.Close()
			return nil, fmt.Errorf("peer set tos: %w", err)
		}
	}
	if opts.DropRunts {
		prog, err := runtFilter()
		if err == nil {
			err = p.pc.SetBPF(prog)
		}
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("peer attach filter: %w", err)
		}
	}
	return p, nil
}

// udpHeaderLen is included in the length seen by a UDP socket filter.
const udpHeaderLen = 8

// runtFilter accepts datagrams of at least one frame header.
func runtFilter() ([]bpf.RawInstruction, error) {
	return bpf.Assemble([]bpf.Instruction{
		bpf.LoadExtension{Num: bpf.ExtLen},
		bpf.JumpIf{Cond: bpf.JumpGreaterOrEqual, Val: udpHeaderLen + frame.HeaderSize, SkipTrue: 1},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: math.MaxUint32},
	})
}

// Addr returns the local address.
func (p *Peer) Addr() netip.AddrPort {
	return unmap(p.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// TOS returns the IP TOS of outgoing packets.
func (p *Peer) TOS() (int, error) { return p.pc.TOS() }

// Remote returns the controller address, invalid until known.
func (p *Peer) Remote() netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// SetRemote sets the controller address.
func (p *Peer) SetRemote(addr netip.AddrPort) {
	p.mu.Lock()
	p.remote = unmap(addr)
	p.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (p *Peer) Stats() Stats {
	return Stats{
		Datagrams:    p.datagrams.Load(),
		Frames:       p.frames.Load(),
		Acks:         p.acks.Load(),
		Pings:        p.pings.Load(),
		DecodeErrors: p.decodeErrors.Load(),
	}
}

// Send sends one frame on channel id with the next sequence number of that
// channel.
func (p *Peer) Send(typ frame.Type, id transportid.ID, payload []byte) error {
	p.mu.Lock()
	seq := p.seq[id]
	p.seq[id]++
	p.mu.Unlock()
	return p.SendFrame(frame.Header{Type: typ, ID: id, Seq: seq}, payload)
}

// SendFrame sends one frame with an explicit header.
func (p *Peer) SendFrame(h frame.Header, payload []byte) error {
	return p.SendRaw(frame.Append(nil, h, payload))
}

// SendRaw sends b as one datagram to the remote.
func (p *Peer) SendRaw(b []byte) error {
	remote := p.Remote()
	if !remote.IsValid() {
		return errors.New("peer: remote address unknown")
	}
	_, err := p.conn.WriteToUDPAddrPort(b, remote)
	return err
}

// Serve reads datagrams until ctx is done or the peer is closed.
func (p *Peer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = p.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	ms := make([]ipv4.Message, batchSize)
	for i := range ms {
		ms[i].Buffers = [][]byte{make([]byte, frame.MaxDatagram)}
	}

	for {
		n, err := p.pc.ReadBatch(ms, 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return fmt.Errorf("peer read: %w", err)
		}
		for i := 0; i < n; i++ {
			from := unmap(ms[i].Addr.(*net.UDPAddr).AddrPort())
			p.handleDatagram(from, ms[i].Buffers[0][:ms[i].N])
		}
	}
}

func (p *Peer) handleDatagram(from netip.AddrPort, buf []byte) {
	p.datagrams.Add(1)
	p.mu.Lock()
	if !p.remote.IsValid() {
		p.remote = from
		p.logger.WithField("remote", from.String()).Info("learned controller address")
	}
	p.mu.Unlock()

	d := frame.NewDecoder(buf)
	for d.Next() {
		p.frames.Add(1)
		p.handleFrame(from, d.Header(), d.Payload())
	}
	if err := d.Err(); err != nil {
		p.decodeErrors.Add(1)
		p.logger.WithField("dropped", d.Dropped()).WithError(err).Warn("bad frame")
	}
}

func (p *Peer) handleFrame(from netip.AddrPort, h frame.Header, payload []byte) {
	switch {
	case h.ID == transportid.Ping:
		p.pings.Add(1)
		p.reply(frame.Header{Type: h.Type, ID: transportid.Pong, Seq: h.Seq}, payload)
		return
	case h.Type == frame.TypeAck:
		p.acks.Add(1)
		return
	case h.Type == frame.TypeDataWithAck:
		p.reply(frame.Header{Type: frame.TypeAck, ID: p.ns.Ack(h.ID), Seq: h.Seq}, []byte{h.Seq})
	}
	if p.handler != nil {
		p.handler(from, h, payload)
	}
}

func (p *Peer) reply(h frame.Header, payload []byte) {
	if err := p.SendFrame(h, payload); err != nil {
		p.logger.WithField("id", h.ID.String()).WithError(err).Warn("reply failed")
	}
}

// Close closes the socket.
func (p *Peer) Close() error {
	return p.conn.Close()
}
