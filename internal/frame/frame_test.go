package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/arnet/internal/core"
	"firestige.xyz/arnet/internal/transportid"
)

func join(segs [][]byte) []byte {
	return bytes.Join(segs, nil)
}

func TestEncodeHeaderLayout(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	segs := Encode(Header{Type: TypeDataWithAck, ID: transportid.C2DCmdWithAck, Seq: 42}, nil, payload)

	require.Len(t, segs, 2)
	hdr := segs[0]
	assert.Equal(t, byte(TypeDataWithAck), hdr[0])
	assert.Equal(t, byte(11), hdr[1])
	assert.Equal(t, byte(42), hdr[2])
	assert.Equal(t, []byte{10, 0, 0, 0}, hdr[3:7])
	assert.Same(t, &payload[0], &segs[1][0], "payload must not be copied")
}

func TestEncodeSegments(t *testing.T) {
	h := Header{Type: TypeData, ID: transportid.C2DCmdNoAck}

	assert.Len(t, Encode(h, nil, nil), 1)
	assert.Len(t, Encode(h, []byte{}, []byte{}), 1)
	assert.Len(t, Encode(h, []byte{1}, nil), 2)
	assert.Len(t, Encode(h, []byte{1, 2}, []byte{3}), 3)

	segs := Encode(h, []byte{1, 2}, []byte{3})
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(segs[0][3:7]))
	assert.Equal(t, 10, Len(segs))
}

func TestRoundTrip(t *testing.T) {
	values := []uint8{0, 1, 127, 128, 254, 255}
	for _, typ := range values {
		for _, id := range values {
			for _, seq := range values {
				for _, n := range []int{0, 1, 7, 300} {
					payload := bytes.Repeat([]byte{seq ^ 0x5A}, n)
					h := Header{Type: Type(typ), ID: transportid.ID(id), Seq: seq}

					frames, err := DecodeAll(join(Encode(h, nil, payload)))
					require.NoError(t, err)
					require.Len(t, frames, 1)

					got := frames[0]
					assert.Equal(t, h.Type, got.Header.Type)
					assert.Equal(t, h.ID, got.Header.ID)
					assert.Equal(t, h.Seq, got.Header.Seq)
					assert.Equal(t, uint32(HeaderSize+n), got.Header.Size)
					assert.Equal(t, payload, got.Payload)
				}
			}
		}
	}
}

func TestDecodeEmptyPayloadIsNotNil(t *testing.T) {
	buf := join(Encode(Header{Type: TypeData, ID: transportid.Ping}, nil, nil))

	d := NewDecoder(buf)
	require.True(t, d.Next())
	assert.NotNil(t, d.Payload())
	assert.Len(t, d.Payload(), 0)
	assert.False(t, d.Next())
	assert.NoError(t, d.Err())
}

func TestDecodeMultiFrame(t *testing.T) {
	var buf []byte
	buf = Append(buf, Header{Type: TypeData, ID: 10, Seq: 1}, []byte{1, 2, 3})
	buf = Append(buf, Header{Type: TypeData, ID: 11, Seq: 2}, nil)
	buf = Append(buf, Header{Type: TypeData, ID: 12, Seq: 3}, bytes.Repeat([]byte{9}, 16))

	d := NewDecoder(buf)
	var sizes, lens []int
	var ids []transportid.ID
	for d.Next() {
		sizes = append(sizes, int(d.Header().Size))
		lens = append(lens, len(d.Payload()))
		ids = append(ids, d.Header().ID)
	}
	require.NoError(t, d.Err())
	assert.Equal(t, []int{10, 7, 23}, sizes)
	assert.Equal(t, []int{3, 0, 16}, lens)
	assert.Equal(t, []transportid.ID{10, 11, 12}, ids)
}

func TestDecodeCorruptedSize(t *testing.T) {
	good := Append(nil, Header{Type: TypeData, ID: 10}, []byte{1, 2, 3})

	tests := []struct {
		name string
		size uint32
	}{
		{"zero", 0},
		{"below header", HeaderSize - 1},
		{"one past end", 11},
		{"huge", 0xFFFFFFFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := Append(nil, Header{Type: TypeData, ID: 11}, []byte{4, 5, 6})
			binary.LittleEndian.PutUint32(bad[3:7], tt.size)
			buf := append(append([]byte{}, good...), bad...)

			frames, err := DecodeAll(buf)
			require.ErrorIs(t, err, core.ErrMalformedFrame)
			require.Len(t, frames, 1, "only the frame before the corrupted one is delivered")
			assert.Equal(t, transportid.ID(10), frames[0].Header.ID)
		})
	}
}

func TestDecodeTruncatedHeader(t *testing.T) {
	good := Append(nil, Header{Type: TypeData, ID: 10}, []byte{1})
	for n := 1; n < HeaderSize; n++ {
		buf := append(append([]byte{}, good...), make([]byte, n)...)

		d := NewDecoder(buf)
		count := 0
		for d.Next() {
			count++
		}
		assert.Equal(t, 1, count)
		assert.ErrorIs(t, d.Err(), core.ErrTruncatedHeader)
		assert.Equal(t, n, d.Dropped())
		assert.True(t, IsDecodeError(d.Err()))
	}
}

func TestDecodeEmptyBuffer(t *testing.T) {
	d := NewDecoder(nil)
	assert.False(t, d.Next())
	assert.NoError(t, d.Err())
	assert.False(t, d.Next(), "decoder is not restartable")
}

func TestDecoderRaw(t *testing.T) {
	buf := Append(nil, Header{Type: TypeAck, ID: 139, Seq: 7}, []byte{7})
	buf = Append(buf, Header{Type: TypeData, ID: 10, Seq: 8}, nil)

	d := NewDecoder(buf)
	require.True(t, d.Next())
	assert.Equal(t, buf[:HeaderSize], d.Raw())
	require.True(t, d.Next())
	assert.Equal(t, buf[8:8+HeaderSize], d.Raw())
}

func TestDecoderRawWithoutFrame(t *testing.T) {
	buf := Append(nil, Header{Type: TypeData, ID: 10, Seq: 1}, []byte("x"))

	d := NewDecoder(buf)
	assert.Nil(t, d.Raw())
	require.True(t, d.Next())
	assert.NotNil(t, d.Raw())
	require.False(t, d.Next())
	assert.Nil(t, d.Raw())

	bad := NewDecoder([]byte{1, 2, 3})
	require.False(t, bad.Next())
	assert.Nil(t, bad.Raw())
}

func TestLayerChain(t *testing.T) {
	var buf []byte
	buf = Append(buf, Header{Type: TypeData, ID: 10, Seq: 1}, []byte("abc"))
	buf = Append(buf, Header{Type: TypeDataWithAck, ID: 11, Seq: 2}, []byte("de"))

	packet := gopacket.NewPacket(buf, LayerTypeFrame, gopacket.Default)
	require.Nil(t, packet.ErrorLayer())

	var got []*Layer
	for _, l := range packet.Layers() {
		fl, ok := l.(*Layer)
		require.True(t, ok)
		got = append(got, fl)
	}
	require.Len(t, got, 2)
	assert.Equal(t, []byte("abc"), got[0].Body)
	assert.Equal(t, transportid.ID(11), got[1].Header.ID)
	assert.Equal(t, []byte("de"), got[1].Body)
}

func TestLayerDecodeFailure(t *testing.T) {
	buf := Append(nil, Header{Type: TypeData, ID: 10}, []byte("abc"))
	binary.LittleEndian.PutUint32(buf[3:7], 3)

	packet := gopacket.NewPacket(buf, LayerTypeFrame, gopacket.Default)
	require.NotNil(t, packet.ErrorLayer())
	assert.ErrorIs(t, packet.ErrorLayer().Error(), core.ErrMalformedFrame)
}

func TestLayerEmptyPayload(t *testing.T) {
	packet := gopacket.NewPacket([]byte{}, LayerTypeFrame, gopacket.Default)
	assert.Nil(t, packet.ErrorLayer())
	assert.Nil(t, packet.Layer(LayerTypeFrame))
}

func TestLayerSerialize(t *testing.T) {
	sb := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(sb, gopacket.SerializeOptions{},
		&Layer{Header: Header{Type: TypeLowLatency, ID: 12, Seq: 255}, Body: []byte{1, 2}},
	)
	require.NoError(t, err)

	frames, err := DecodeAll(sb.Bytes())
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeLowLatency, frames[0].Header.Type)
	assert.Equal(t, uint32(9), frames[0].Header.Size)
	assert.Equal(t, []byte{1, 2}, frames[0].Payload)
}
