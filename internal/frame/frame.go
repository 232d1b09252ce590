// Package frame implements the wire framing codec.
//
// A datagram carries one or more frames back to back. Each frame starts with
// a 7-byte header:
//
//	byte 0     type
//	byte 1     transport id
//	byte 2     sequence number (wraps mod 256)
//	bytes 3-6  size, little-endian uint32, total frame length incl. header
//	bytes 7..  payload (size-7 bytes, may be empty)
package frame

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/arnet/internal/core"
	"firestige.xyz/arnet/internal/transportid"
)

// HeaderSize is the fixed size of the frame header on the wire.
const HeaderSize = 7

// MaxDatagram is the largest UDP payload over IPv4.
const MaxDatagram = 65507

// Type is the channel class of a frame.
type Type uint8

const (
	TypeUnknown     Type = 0
	TypeAck         Type = 1
	TypeData        Type = 2
	TypeLowLatency  Type = 3
	TypeDataWithAck Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeAck:
		return "ack"
	case TypeData:
		return "data"
	case TypeLowLatency:
		return "low_latency"
	case TypeDataWithAck:
		return "data_with_ack"
	default:
		return fmt.Sprintf("type_%d", uint8(t))
	}
}

// Header is a decoded frame header. Size is the total frame length
// including the header; it is computed on encode and ignored as input.
type Header struct {
	Type Type
	ID   transportid.ID
	Seq  uint8
	Size uint32
}

func (h Header) String() string {
	return fmt.Sprintf("type=%s id=%s seq=%d size=%d", h.Type, h.ID, h.Seq, h.Size)
}

// PayloadLen returns the payload length implied by Size.
func (h Header) PayloadLen() int {
	if h.Size < HeaderSize {
		return 0
	}
	return int(h.Size) - HeaderSize
}

// PutHeader writes h into buf with the given total size. buf must hold at
// least HeaderSize bytes.
func PutHeader(buf []byte, h Header, size uint32) {
	_ = buf[HeaderSize-1]
	buf[0] = byte(h.Type)
	buf[1] = byte(h.ID)
	buf[2] = h.Seq
	binary.LittleEndian.PutUint32(buf[3:7], size)
}

// ParseHeader reads a header from the first HeaderSize bytes of buf without
// validating Size.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("frame: %d bytes left, need %d: %w", len(buf), HeaderSize, core.ErrTruncatedHeader)
	}
	return Header{
		Type: Type(buf[0]),
		ID:   transportid.ID(buf[1]),
		Seq:  buf[2],
		Size: binary.LittleEndian.Uint32(buf[3:7]),
	}, nil
}

// Size computes the total frame size for an optional extra header and a
// payload.
func Size(extra, payload []byte) uint32 {
	return uint32(HeaderSize + len(extra) + len(payload))
}

// Encode builds the header for h and returns the ordered segments to send
// atomically: the header, then extra and payload when non-empty. Segments
// borrow extra and payload; nothing is copied.
func Encode(h Header, extra, payload []byte) [][]byte {
	hdr := make([]byte, HeaderSize)
	return EncodeInto(hdr, h, extra, payload)
}

// EncodeInto is Encode with a caller-provided header buffer.
func EncodeInto(hdr []byte, h Header, extra, payload []byte) [][]byte {
	PutHeader(hdr, h, Size(extra, payload))
	segs := make([][]byte, 1, 3)
	segs[0] = hdr[:HeaderSize]
	if len(extra) > 0 {
		segs = append(segs, extra)
	}
	if len(payload) > 0 {
		segs = append(segs, payload)
	}
	return segs
}

// Append appends one encoded frame to dst. Used where a contiguous buffer
// is wanted, e.g. by the device simulator.
func Append(dst []byte, h Header, payload []byte) []byte {
	var hdr [HeaderSize]byte
	PutHeader(hdr[:], h, Size(nil, payload))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// Len returns the total byte length of segs.
func Len(segs [][]byte) int {
	n := 0
	for _, s := range segs {
		n += len(s)
	}
	return n
}
