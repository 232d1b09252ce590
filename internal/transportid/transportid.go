// Package transportid defines the transport-ID namespace shared with the
// device. Values must match the peer exactly.
//
// The byte-wide ID space is split into ping/pong, controller-to-device
// (C2D) and device-to-controller (D2C) command channels, and their
// acknowledgment channels. An acknowledgment ID is always its base channel
// ID plus the namespace ack offset (half the namespace size). The BLE
// variant uses a 32-value space, so its D2C IDs and ack offset are smaller.
package transportid

import "fmt"

// ID is a transport channel identifier carried in byte 1 of a frame.
type ID uint8

// Namespace sizes.
const (
	Max    = 256
	MaxBLE = 32
)

// Fixed IDs.
const (
	Invalid ID = 255

	Ping ID = 0
	Pong ID = 1

	C2DCmdNoAck    ID = 10
	C2DCmdWithAck  ID = 11
	C2DCmdHighPrio ID = 12

	D2CCmdNoAck   ID = 127
	D2CCmdWithAck ID = 126

	D2CCmdNoAckBLE   ID = 15
	D2CCmdWithAckBLE ID = 14
)

// Ack offsets.
const (
	AckOff    = Max / 2
	AckOffBLE = MaxBLE / 2
)

// Derived acknowledgment IDs.
const (
	C2DCmdAck         = D2CCmdWithAck + AckOff
	D2CCmdAck         = C2DCmdWithAck + AckOff
	D2CCmdHighPrioAck = C2DCmdHighPrio + AckOff

	C2DCmdAckBLE         = D2CCmdWithAckBLE + AckOffBLE
	D2CCmdAckBLE         = C2DCmdWithAck + AckOffBLE
	D2CCmdHighPrioAckBLE = C2DCmdHighPrio + AckOffBLE
)

// Namespace describes one ID space variant.
type Namespace struct {
	Name          string
	Size          int
	D2CCmdNoAck   ID
	D2CCmdWithAck ID
}

var (
	// Default is the 256-value namespace used over UDP.
	Default = Namespace{
		Name:          "net",
		Size:          Max,
		D2CCmdNoAck:   D2CCmdNoAck,
		D2CCmdWithAck: D2CCmdWithAck,
	}

	// BLE is the constrained 32-value namespace.
	BLE = Namespace{
		Name:          "ble",
		Size:          MaxBLE,
		D2CCmdNoAck:   D2CCmdNoAckBLE,
		D2CCmdWithAck: D2CCmdWithAckBLE,
	}
)

// AckOffset returns the value added to a base ID to get its ack ID.
func (ns Namespace) AckOffset() int {
	return ns.Size / 2
}

// Ack derives the acknowledgment ID of a reliable base channel.
func (ns Namespace) Ack(base ID) ID {
	return ID(int(base) + ns.AckOffset())
}

// Primary lists the non-ack channel IDs of the namespace.
func (ns Namespace) Primary() []ID {
	return []ID{
		Ping, Pong,
		C2DCmdNoAck, C2DCmdWithAck, C2DCmdHighPrio,
		ns.D2CCmdWithAck, ns.D2CCmdNoAck,
	}
}

// Reliable lists the base IDs that have an acknowledgment channel.
func (ns Namespace) Reliable() []ID {
	return []ID{C2DCmdWithAck, C2DCmdHighPrio, ns.D2CCmdWithAck}
}

// AckTable maps each reliable base ID to its ack ID.
func (ns Namespace) AckTable() map[ID]ID {
	table := make(map[ID]ID, 3)
	for _, base := range ns.Reliable() {
		table[base] = ns.Ack(base)
	}
	return table
}

// IsAck reports whether id is the ack channel of one of the reliable IDs.
func (ns Namespace) IsAck(id ID) bool {
	for _, base := range ns.Reliable() {
		if ns.Ack(base) == id {
			return true
		}
	}
	return false
}

// Validate checks that no ack ID collides with another ack or with a
// primary ID.
func (ns Namespace) Validate() error {
	primary := make(map[ID]bool)
	for _, id := range ns.Primary() {
		primary[id] = true
	}
	seen := make(map[ID]ID)
	for _, base := range ns.Reliable() {
		ack := ns.Ack(base)
		if int(base)+ns.AckOffset() >= Max {
			return fmt.Errorf("transportid %s: ack of %d overflows the id byte", ns.Name, base)
		}
		if primary[ack] {
			return fmt.Errorf("transportid %s: ack %d of %d collides with a primary id", ns.Name, ack, base)
		}
		if other, ok := seen[ack]; ok {
			return fmt.Errorf("transportid %s: ack %d shared by %d and %d", ns.Name, ack, other, base)
		}
		seen[ack] = base
	}
	return nil
}

var names = map[ID]string{
	Ping:              "ping",
	Pong:              "pong",
	C2DCmdNoAck:       "c2d_cmd_noack",
	C2DCmdWithAck:     "c2d_cmd_withack",
	C2DCmdHighPrio:    "c2d_cmd_highprio",
	D2CCmdNoAck:       "d2c_cmd_noack",
	D2CCmdWithAck:     "d2c_cmd_withack",
	C2DCmdAck:         "c2d_cmd_ack",
	D2CCmdAck:         "d2c_cmd_ack",
	D2CCmdHighPrioAck: "d2c_cmd_highprio_ack",
	Invalid:           "invalid",
}

// Name returns a readable name for an ID of the default namespace.
func Name(id ID) string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("id_%d", uint8(id))
}

func (id ID) String() string { return Name(id) }
