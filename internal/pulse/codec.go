package pulse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

/*
Pulse datagram layout (all fields little-endian)

DATAGRAM:
├── Packet header (16 bytes)
│   └── magic "PLSE" (4) + version (2) + pulse count (2) + payload length (4) + reserved (4)
└── Pulses (payload length bytes), each:
    ├── Pulse header (64 bytes)
    │   └── sequence (8) + time s (4) + time ns (4) + azimuth (4) + elevation (4)
    │       + PRT (4) + pulse width (4) + sweep (4) + volume (4) + gates (4)
    │       + status (4) + scan mode (1) + channel (1) + flags (1) + reserved (13)
    └── IQ samples (gates × 2 × float32, interleaved I,Q)

A datagram is accepted only when every byte is accounted for: the payload
length must equal the datagram length minus the packet header, and the sum of
the declared pulse sizes must equal the payload length. Validation completes
before any pulse is exposed, so a pulse never references memory past the end
of its datagram.
*/

const (
	PACKET_MAGIC       = 0x45534c50 // "PLSE" read as little-endian uint32
	PACKET_VERSION     = 1
	PACKET_HEADER_SIZE = 16
	PULSE_HEADER_SIZE  = 64
	BYTES_PER_SAMPLE   = 4                    // float32
	BYTES_PER_GATE     = 2 * BYTES_PER_SAMPLE // one I,Q pair
	MAX_DATAGRAM_SIZE  = 65507                // largest UDP payload over IPv4

	flagLargeAntenna      = 1 << 0
	flagAntennaTransition = 1 << 1
	flagVerticalPolarized = 1 << 2
)

// ErrMalformedPacket is returned (wrapped) for every datagram the codec rejects.
var ErrMalformedPacket = errors.New("malformed packet")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPacket, fmt.Sprintf(format, args...))
}

// Decode validates a datagram and returns views over each pulse it carries.
// The views alias b and are only valid while b is neither modified nor reused.
// On error no views are returned.
func Decode(b []byte) ([]View, error) {
	if len(b) < PACKET_HEADER_SIZE {
		return nil, malformed("datagram too short: %d bytes, need at least %d", len(b), PACKET_HEADER_SIZE)
	}

	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != PACKET_MAGIC {
		return nil, malformed("bad magic 0x%08x", magic)
	}
	version := binary.LittleEndian.Uint16(b[4:6])
	if version != PACKET_VERSION {
		return nil, malformed("unsupported version %d", version)
	}
	count := int(binary.LittleEndian.Uint16(b[6:8]))
	payloadLen := uint64(binary.LittleEndian.Uint32(b[8:12]))
	if payloadLen != uint64(len(b)-PACKET_HEADER_SIZE) {
		return nil, malformed("declared payload %d bytes, datagram carries %d", payloadLen, len(b)-PACKET_HEADER_SIZE)
	}

	if uint64(count)*PULSE_HEADER_SIZE > payloadLen {
		return nil, malformed("%d pulses declared, payload of %d bytes holds at most %d",
			count, payloadLen, payloadLen/PULSE_HEADER_SIZE)
	}

	views := make([]View, 0, count)
	offset := PACKET_HEADER_SIZE
	for i := 0; i < count; i++ {
		if len(b)-offset < PULSE_HEADER_SIZE {
			return nil, malformed("pulse %d: header truncated at offset %d", i, offset)
		}
		hdr, err := decodeHeader(b[offset : offset+PULSE_HEADER_SIZE])
		if err != nil {
			return nil, fmt.Errorf("pulse %d: %w", i, err)
		}
		offset += PULSE_HEADER_SIZE

		iqLen := uint64(hdr.Gates) * BYTES_PER_GATE
		if iqLen > uint64(len(b)-offset) {
			return nil, malformed("pulse %d: %d gates need %d bytes, %d remain", i, hdr.Gates, iqLen, len(b)-offset)
		}
		end := offset + int(iqLen)
		views = append(views, View{Header: hdr, iq: b[offset:end:end]})
		offset = end
	}

	if offset != len(b) {
		return nil, malformed("%d trailing bytes after %d pulses", len(b)-offset, count)
	}
	return views, nil
}

func decodeHeader(b []byte) (Header, error) {
	secs := binary.LittleEndian.Uint32(b[8:12])
	nanos := binary.LittleEndian.Uint32(b[12:16])
	if nanos >= 1e9 {
		return Header{}, malformed("nanoseconds out of range: %d", nanos)
	}
	mode := ScanMode(b[48])
	if !mode.Valid() {
		return Header{}, malformed("unknown scan mode %d", b[48])
	}
	ch := Channel(b[49])
	if !ch.Valid() {
		return Header{}, malformed("unknown channel %d", b[49])
	}
	flags := b[50]

	return Header{
		Sequence:          int64(binary.LittleEndian.Uint64(b[0:8])),
		Time:              time.Unix(int64(secs), int64(nanos)).UTC(),
		Azimuth:           math.Float32frombits(binary.LittleEndian.Uint32(b[16:20])),
		Elevation:         math.Float32frombits(binary.LittleEndian.Uint32(b[20:24])),
		PRT:               math.Float32frombits(binary.LittleEndian.Uint32(b[24:28])),
		PulseWidth:        math.Float32frombits(binary.LittleEndian.Uint32(b[28:32])),
		Sweep:             int32(binary.LittleEndian.Uint32(b[32:36])),
		Volume:            int32(binary.LittleEndian.Uint32(b[36:40])),
		Gates:             binary.LittleEndian.Uint32(b[40:44]),
		Status:            Status(binary.LittleEndian.Uint32(b[44:48])),
		ScanMode:          mode,
		Channel:           ch,
		LargeAntenna:      flags&flagLargeAntenna != 0,
		AntennaTransition: flags&flagAntennaTransition != 0,
		VerticalPolarized: flags&flagVerticalPolarized != 0,
	}, nil
}

func appendHeader(dst []byte, h *Header) []byte {
	var b [PULSE_HEADER_SIZE]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(h.Sequence))
	if !h.Time.IsZero() {
		binary.LittleEndian.PutUint32(b[8:12], uint32(h.Time.Unix()))
		binary.LittleEndian.PutUint32(b[12:16], uint32(h.Time.Nanosecond()))
	}
	binary.LittleEndian.PutUint32(b[16:20], math.Float32bits(h.Azimuth))
	binary.LittleEndian.PutUint32(b[20:24], math.Float32bits(h.Elevation))
	binary.LittleEndian.PutUint32(b[24:28], math.Float32bits(h.PRT))
	binary.LittleEndian.PutUint32(b[28:32], math.Float32bits(h.PulseWidth))
	binary.LittleEndian.PutUint32(b[32:36], uint32(h.Sweep))
	binary.LittleEndian.PutUint32(b[36:40], uint32(h.Volume))
	binary.LittleEndian.PutUint32(b[40:44], h.Gates)
	binary.LittleEndian.PutUint32(b[44:48], uint32(h.Status))
	b[48] = byte(h.ScanMode)
	b[49] = byte(h.Channel)
	var flags byte
	if h.LargeAntenna {
		flags |= flagLargeAntenna
	}
	if h.AntennaTransition {
		flags |= flagAntennaTransition
	}
	if h.VerticalPolarized {
		flags |= flagVerticalPolarized
	}
	b[50] = flags
	return append(dst, b[:]...)
}

// EncodedSize returns the datagram size needed to carry the given pulses.
func EncodedSize(pulses ...*FullPulse) int {
	n := PACKET_HEADER_SIZE
	for _, p := range pulses {
		n += PULSE_HEADER_SIZE + int(p.Header.Gates)*BYTES_PER_GATE
	}
	return n
}

// Encode builds a datagram carrying the given pulses in order. Each pulse must
// carry exactly 2 × Gates samples.
func Encode(pulses ...*FullPulse) ([]byte, error) {
	if len(pulses) > math.MaxUint16 {
		return nil, fmt.Errorf("too many pulses for one datagram: %d", len(pulses))
	}
	size := EncodedSize(pulses...)
	if size > MAX_DATAGRAM_SIZE {
		return nil, fmt.Errorf("datagram would be %d bytes, max %d", size, MAX_DATAGRAM_SIZE)
	}

	out := make([]byte, PACKET_HEADER_SIZE, size)
	binary.LittleEndian.PutUint32(out[0:4], PACKET_MAGIC)
	binary.LittleEndian.PutUint16(out[4:6], PACKET_VERSION)
	binary.LittleEndian.PutUint16(out[6:8], uint16(len(pulses)))
	binary.LittleEndian.PutUint32(out[8:12], uint32(size-PACKET_HEADER_SIZE))

	for i, p := range pulses {
		if len(p.Samples) != p.Header.SampleCount() {
			return nil, fmt.Errorf("pulse %d: %d samples for %d gates", i, len(p.Samples), p.Header.Gates)
		}
		out = appendHeader(out, &p.Header)
		for _, s := range p.Samples {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(s))
		}
	}
	return out, nil
}
