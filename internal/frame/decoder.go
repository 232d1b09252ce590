package frame

import (
	"errors"
	"fmt"

	"firestige.xyz/arnet/internal/core"
)

// Decoder iterates over the frames packed in one datagram. It is fail-fast:
// the first truncated or malformed frame stops iteration and the remaining
// bytes are dropped. Payloads are views into the decoded buffer and are only
// valid until the buffer is reused.
//
//	d := frame.NewDecoder(buf[:n])
//	for d.Next() {
//		handle(d.Header(), d.Payload())
//	}
//	if err := d.Err(); err != nil { ... }
type Decoder struct {
	buf     []byte
	off     int
	header  Header
	payload []byte
	err     error
	done    bool
}

// NewDecoder returns a decoder over buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Next advances to the next frame. It returns false when the buffer is
// exhausted or a frame fails validation.
func (d *Decoder) Next() bool {
	if d.done {
		return false
	}
	d.header, d.payload = Header{}, nil

	rem := len(d.buf) - d.off
	if rem == 0 {
		d.done = true
		return false
	}
	if rem < HeaderSize {
		d.fail(fmt.Errorf("frame: partial header (%d bytes) at offset %d: %w", rem, d.off, core.ErrTruncatedHeader))
		return false
	}

	h, _ := ParseHeader(d.buf[d.off:])
	if h.Size < HeaderSize || uint64(d.off)+uint64(h.Size) > uint64(len(d.buf)) {
		d.fail(fmt.Errorf("frame: bad frame size %d at offset %d of %d: %w", h.Size, d.off, len(d.buf), core.ErrMalformedFrame))
		return false
	}

	start := d.off + HeaderSize
	end := d.off + int(h.Size)
	d.header = h
	d.payload = d.buf[start:end:end]
	d.off = end
	return true
}

func (d *Decoder) fail(err error) {
	d.err = err
	d.done = true
}

// Header returns the header of the current frame.
func (d *Decoder) Header() Header { return d.header }

// Payload returns the payload view of the current frame. An empty payload
// is a non-nil zero-length slice.
func (d *Decoder) Payload() []byte { return d.payload }

// Raw returns the header bytes of the current frame, nil when there is no
// current frame.
func (d *Decoder) Raw() []byte {
	if d.header.Size < HeaderSize {
		return nil
	}
	start := d.off - int(d.header.Size)
	return d.buf[start : start+HeaderSize]
}

// Err returns the error that stopped iteration, or nil when the buffer was
// consumed entirely.
func (d *Decoder) Err() error { return d.err }

// Dropped returns the number of trailing bytes discarded after an error.
func (d *Decoder) Dropped() int {
	if d.err == nil {
		return 0
	}
	return len(d.buf) - d.off
}

// Frame is an owned copy of a decoded frame.
type Frame struct {
	Header  Header
	Payload []byte
}

// DecodeAll decodes every frame of buf, copying payloads. Frames decoded
// before an error are returned along with it.
func DecodeAll(buf []byte) ([]Frame, error) {
	var frames []Frame
	d := NewDecoder(buf)
	for d.Next() {
		p := make([]byte, len(d.Payload()))
		copy(p, d.Payload())
		frames = append(frames, Frame{Header: d.Header(), Payload: p})
	}
	return frames, d.Err()
}

// IsDecodeError reports whether err came from frame validation.
func IsDecodeError(err error) bool {
	return errors.Is(err, core.ErrTruncatedHeader) || errors.Is(err, core.ErrMalformedFrame)
}
