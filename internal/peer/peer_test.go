//go:build linux

package peer

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/arnet/internal/dispatch"
	"firestige.xyz/arnet/internal/endpoint"
	"firestige.xyz/arnet/internal/frame"
	"firestige.xyz/arnet/internal/link"
	"firestige.xyz/arnet/internal/loop"
	"firestige.xyz/arnet/internal/transport"
	"firestige.xyz/arnet/internal/transportid"
)

var localhost = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0)

type received struct {
	h       frame.Header
	payload string
}

type collector struct {
	mu     sync.Mutex
	frames []received
}

func (c *collector) add(h frame.Header, payload []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, received{h, string(payload)})
	c.mu.Unlock()
}

func (c *collector) snapshot() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]received(nil), c.frames...)
}

// post runs fn on the loop goroutine and waits for it.
func post(l *loop.Loop, fn func()) bool {
	done := make(chan struct{})
	if err := l.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return false
	}
	select {
	case <-done:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

func onLoop(t *testing.T, l *loop.Loop, fn func()) {
	t.Helper()
	require.True(t, post(l, fn), "loop did not run posted function")
}

func TestListenSetsTOS(t *testing.T) {
	p, err := Listen(Options{Listen: localhost, TOS: endpoint.TOSFlashOverride})
	require.NoError(t, err)
	defer p.Close()

	tos, err := p.TOS()
	require.NoError(t, err)
	assert.Equal(t, endpoint.TOSFlashOverride, tos)
	assert.True(t, p.Addr().Addr().Is4())
	assert.NotZero(t, p.Addr().Port())
}

func TestSendWithoutRemote(t *testing.T) {
	p, err := Listen(Options{Listen: localhost})
	require.NoError(t, err)
	defer p.Close()

	assert.Error(t, p.Send(frame.TypeData, transportid.D2CCmdNoAck, nil))
}

func TestDropRunts(t *testing.T) {
	for _, drop := range []bool{false, true} {
		p, err := Listen(Options{Listen: localhost, DropRunts: drop})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = p.Serve(ctx)
		}()

		c, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(p.Addr()))
		require.NoError(t, err)
		_, err = c.Write([]byte{1, 2, 3})
		require.NoError(t, err)
		_, err = c.Write(frame.Append(nil, frame.Header{Type: frame.TypeData, ID: transportid.C2DCmdNoAck}, []byte("0123456789")))
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return p.Stats().Frames == 1 }, 2*time.Second, 10*time.Millisecond)
		if drop {
			assert.Zero(t, p.Stats().DecodeErrors, "runt reached the socket")
			assert.Equal(t, uint64(1), p.Stats().Datagrams)
		} else {
			assert.Equal(t, uint64(1), p.Stats().DecodeErrors)
		}

		c.Close()
		cancel()
		<-done
		p.Close()
	}
}

func TestPeerTalksToTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := loop.New(nil)
	require.NoError(t, err)
	loopDone := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(loopDone)
	}()
	defer func() {
		cancel()
		<-loopDone
		l.Close()
	}()

	device := &collector{}
	p, err := Listen(Options{
		Listen:  localhost,
		Handler: func(_ netip.AddrPort, h frame.Header, payload []byte) { device.add(h, payload) },
	})
	require.NoError(t, err)
	defer p.Close()
	go p.Serve(ctx)

	controller := &collector{}
	d := dispatch.New(dispatch.Options{Handler: controller.add})

	var tr *transport.Transport
	onLoop(t, l, func() {
		tr, err = transport.New(transport.Options{
			Loop:     l,
			Config:   &transport.Config{TxAddr: p.Addr().Addr(), TxPort: p.Addr().Port()},
			Parent:   d,
			Observer: transport.SocketObserverFunc(func(*transport.Transport, int, endpoint.Kind) {}),
		})
		if err == nil {
			d.Attach(tr)
			err = tr.Start()
		}
	})
	require.NoError(t, err)
	defer onLoop(t, l, func() {
		tr.Stop()
		tr.Dispose()
	})

	// ping -> pong brings the link up
	onLoop(t, l, func() { err = d.Ping() })
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		var status link.Status
		post(l, func() { status = d.LinkStatus() })
		return status == link.OK
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), p.Stats().Pings)
	assert.Equal(t, tr.RxPort(), p.Remote().Port())

	// device -> controller reliable command, acked by the dispatcher
	require.NoError(t, p.Send(frame.TypeDataWithAck, transportid.D2CCmdWithAck, []byte("event")))
	assert.Eventually(t, func() bool { return p.Stats().Acks == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(controller.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "event", controller.snapshot()[0].payload)

	// controller -> device reliable command, acked by the peer
	onLoop(t, l, func() { err = d.Send(frame.TypeDataWithAck, transportid.C2DCmdWithAck, []byte("cmd")) })
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(device.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := device.snapshot()[0]
	assert.Equal(t, transportid.C2DCmdWithAck, got.h.ID)
	assert.Equal(t, "cmd", got.payload)
	assert.Eventually(t, func() bool {
		var rx uint64
		post(l, func() { rx = tr.Stats().RxDatagrams })
		return rx >= 3
	}, 2*time.Second, 10*time.Millisecond)
}
