package output

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/pulsefeed/internal/pulse"
)

// Message framing, little-endian:
//
//	0   4  magic "PMSG"
//	4   2  version
//	6   2  flags
//	8   1  band
//	9   3  reserved
//	12  8  per-band message sequence number (starts at 1)
//	20 16  run ID
//	36  4  record count
//	40  4  body length
//	44     body: protobuf wire stream of length-delimited records
const (
	MESSAGE_MAGIC       uint32 = 0x47534d50
	MESSAGE_VERSION     uint16 = 1
	MESSAGE_HEADER_SIZE        = 44
)

// Flags describes how a message body is encoded.
type Flags uint16

const (
	FlagZstd Flags = 1 << iota // body is zstd-compressed
)

// ErrBadMessage is returned when a framed message cannot be parsed.
var ErrBadMessage = errors.New("bad message")

// Message is one batch of serialized records for a single band.
type Message struct {
	Band     pulse.Band
	Sequence uint64
	RunID    uuid.UUID
	Count    int
	Flags    Flags
	Body     []byte // encoded as Flags says
}

// RawRecord is one record extracted from a message body.
type RawRecord struct {
	Field protowire.Number
	Data  []byte
}

// MarshalBinary frames the message.
func (m *Message) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, MESSAGE_HEADER_SIZE+len(m.Body)))
}

// AppendBinary appends the framed message to b.
func (m *Message) AppendBinary(b []byte) ([]byte, error) {
	if m.Count < 0 || uint64(m.Count) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: record count %d out of range", ErrBadMessage, m.Count)
	}
	b = binary.LittleEndian.AppendUint32(b, MESSAGE_MAGIC)
	b = binary.LittleEndian.AppendUint16(b, MESSAGE_VERSION)
	b = binary.LittleEndian.AppendUint16(b, uint16(m.Flags))
	b = append(b, byte(m.Band), 0, 0, 0)
	b = binary.LittleEndian.AppendUint64(b, m.Sequence)
	b = append(b, m.RunID[:]...)
	b = binary.LittleEndian.AppendUint32(b, uint32(m.Count))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(m.Body)))
	return append(b, m.Body...), nil
}

// UnmarshalBinary parses a framed message. Body aliases b.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < MESSAGE_HEADER_SIZE {
		return fmt.Errorf("%w: %d bytes is shorter than the header", ErrBadMessage, len(b))
	}
	if magic := binary.LittleEndian.Uint32(b[0:4]); magic != MESSAGE_MAGIC {
		return fmt.Errorf("%w: bad magic 0x%08x", ErrBadMessage, magic)
	}
	if v := binary.LittleEndian.Uint16(b[4:6]); v != MESSAGE_VERSION {
		return fmt.Errorf("%w: unsupported version %d", ErrBadMessage, v)
	}
	bodyLen := binary.LittleEndian.Uint32(b[40:44])
	if int(bodyLen) != len(b)-MESSAGE_HEADER_SIZE {
		return fmt.Errorf("%w: body length %d, have %d bytes", ErrBadMessage, bodyLen, len(b)-MESSAGE_HEADER_SIZE)
	}
	m.Flags = Flags(binary.LittleEndian.Uint16(b[6:8]))
	m.Band = pulse.Band(b[8])
	m.Sequence = binary.LittleEndian.Uint64(b[12:20])
	copy(m.RunID[:], b[20:36])
	m.Count = int(binary.LittleEndian.Uint32(b[36:40]))
	m.Body = b[MESSAGE_HEADER_SIZE:]
	return nil
}

// Clone returns a deep copy of m whose Body does not alias assembler memory.
// Writers that hand messages to another goroutine use it.
func (m *Message) Clone() *Message {
	c := *m
	c.Body = slices.Clone(m.Body)
	return &c
}

// Payload returns the decompressed record stream.
func (m *Message) Payload() ([]byte, error) {
	if m.Flags&FlagZstd == 0 {
		return m.Body, nil
	}
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(m.Body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrBadMessage, err)
	}
	return out, nil
}

// Records splits the message payload into its records.
func (m *Message) Records() ([]RawRecord, error) {
	payload, err := m.Payload()
	if err != nil {
		return nil, err
	}
	// Every record takes at least a tag byte and a length byte.
	recs := make([]RawRecord, 0, max(0, min(m.Count, len(payload)/2)))
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 || typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: bad record tag", ErrBadMessage)
		}
		payload = payload[n:]
		data, n := protowire.ConsumeBytes(payload)
		if n < 0 {
			return nil, fmt.Errorf("%w: truncated record", ErrBadMessage)
		}
		payload = payload[n:]
		recs = append(recs, RawRecord{Field: num, Data: data})
	}
	if len(recs) != m.Count {
		return nil, fmt.Errorf("%w: header says %d records, body has %d", ErrBadMessage, m.Count, len(recs))
	}
	return recs, nil
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// zstdCodecs returns the process-wide zstd encoder and decoder. Both are
// safe for concurrent EncodeAll/DecodeAll calls.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}
