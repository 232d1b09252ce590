package endpoint

import (
	"net/netip"
	"sync"
)

// Binding holds the addressing of one UDP association. It is shared by
// pointer between the owning configuration and the endpoint: the endpoint
// reads the live tx target on every write and stores the bound rx port back
// after setup.
type Binding struct {
	mu     sync.RWMutex
	txAddr netip.Addr
	txPort uint16
	rxPort uint16
}

// NewBinding returns a binding targeting txAddr:txPort and asking for a
// local rxPort (0 for ephemeral).
func NewBinding(txAddr netip.Addr, txPort, rxPort uint16) *Binding {
	return &Binding{txAddr: txAddr.Unmap(), txPort: txPort, rxPort: rxPort}
}

// Tx returns the peer address and port.
func (b *Binding) Tx() (netip.Addr, uint16) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.txAddr, b.txPort
}

// SetTx retargets the peer.
func (b *Binding) SetTx(addr netip.Addr, port uint16) {
	b.mu.Lock()
	b.txAddr = addr.Unmap()
	b.txPort = port
	b.mu.Unlock()
}

// RxPort returns the local port. After setup it is the port actually bound.
func (b *Binding) RxPort() uint16 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rxPort
}

// SetRxPort changes the requested local port.
func (b *Binding) SetRxPort(port uint16) {
	b.mu.Lock()
	b.rxPort = port
	b.mu.Unlock()
}
