package pulse

import (
	"encoding/binary"
	"math"
)

// View is a borrowed pulse: a decoded header plus the IQ bytes still living in
// the datagram buffer. A View must not be retained past the lifetime of the
// Packet (or byte slice) it was decoded from; use Store.Copy for that.
type View struct {
	Header Header
	iq     []byte
}

// IQBytes returns the raw little-endian IQ bytes aliasing the datagram.
func (v *View) IQBytes() []byte {
	return v.iq
}

// Sample returns the i-th float32 (even indexes are I, odd are Q).
func (v *View) Sample(i int) float32 {
	off := i * BYTES_PER_SAMPLE
	return math.Float32frombits(binary.LittleEndian.Uint32(v.iq[off : off+BYTES_PER_SAMPLE]))
}

// AppendSamples decodes every IQ value onto dst and returns the extended slice.
func (v *View) AppendSamples(dst []float32) []float32 {
	for off := 0; off+BYTES_PER_SAMPLE <= len(v.iq); off += BYTES_PER_SAMPLE {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(v.iq[off:])))
	}
	return dst
}

// Packet owns the bytes of one received datagram and the views decoded from
// them. It is created per datagram and dropped once every view has been
// reformatted or copied out.
type Packet struct {
	buf    []byte
	pulses []View
}

// NewPacket takes ownership of buf and decodes it. The caller must not modify
// buf afterwards.
func NewPacket(buf []byte) (*Packet, error) {
	views, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	return &Packet{buf: buf, pulses: views}, nil
}

// Pulses returns the views carried by the packet.
func (p *Packet) Pulses() []View {
	return p.pulses
}

// Len returns the datagram size in bytes.
func (p *Packet) Len() int {
	return len(p.buf)
}
