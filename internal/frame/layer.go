package frame

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/arnet/internal/core"
)

// LayerTypeFrame is the gopacket layer type of one transport frame. A UDP
// payload holding several frames decodes into a chain of Frame layers.
var LayerTypeFrame = gopacket.RegisterLayerType(1755, gopacket.LayerTypeMetadata{
	Name:    "ARSDKFrame",
	Decoder: gopacket.DecodeFunc(decodeLayer),
})

// Layer is a gopacket view of a single frame. Contents holds the whole
// frame, Body its payload, and Payload the bytes of the frames that follow.
type Layer struct {
	layers.BaseLayer
	Header Header
	Body   []byte
}

// LayerType implements gopacket.Layer.
func (l *Layer) LayerType() gopacket.LayerType { return LayerTypeFrame }

// CanDecode implements gopacket.DecodingLayer.
func (l *Layer) CanDecode() gopacket.LayerClass { return LayerTypeFrame }

// NextLayerType chains to another frame while bytes remain.
func (l *Layer) NextLayerType() gopacket.LayerType {
	if len(l.Payload) > 0 {
		return LayerTypeFrame
	}
	return gopacket.LayerTypeZero
}

// DecodeFromBytes decodes the first frame of data with the same checks as
// Decoder.
func (l *Layer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	d := NewDecoder(data)
	if !d.Next() {
		df.SetTruncated()
		if err := d.Err(); err != nil {
			return err
		}
		return core.ErrTruncatedHeader
	}
	size := int(d.Header().Size)
	l.Header = d.Header()
	l.Body = d.Payload()
	l.BaseLayer = layers.BaseLayer{Contents: data[:size], Payload: data[size:]}
	return nil
}

// SerializeTo implements gopacket.SerializableLayer. Header.Size is always
// recomputed from Body.
func (l *Layer) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(HeaderSize + len(l.Body))
	if err != nil {
		return err
	}
	size := Size(nil, l.Body)
	PutHeader(buf, l.Header, size)
	copy(buf[HeaderSize:], l.Body)
	l.Header.Size = size
	return nil
}

// decodeLayer adds one Layer per frame. An empty payload carries no frames.
func decodeLayer(data []byte, p gopacket.PacketBuilder) error {
	if len(data) == 0 {
		return nil
	}
	l := &Layer{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	if len(l.Payload) == 0 {
		return nil
	}
	return p.NextDecoder(gopacket.DecodeFunc(decodeLayer))
}
