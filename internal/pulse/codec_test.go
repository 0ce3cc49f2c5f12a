package pulse_test

import (
	"encoding/binary"
	"errors"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/pulsefeed/internal/pulse"
	"github.com/banshee-data/pulsefeed/internal/testutil"
)

func TestDecode_ValidPackets(t *testing.T) {
	tests := []struct {
		name  string
		gates []uint32
	}{
		{"single pulse", []uint32{50}},
		{"three pulses", []uint32{10, 10, 10}},
		{"mixed gate counts", []uint32{1, 128, 7}},
		{"zero gates", []uint32{0}},
		{"empty packet", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var in []*pulse.FullPulse
			for i, g := range tt.gates {
				in = append(in, testutil.NewPulse(pulse.ChannelA, int64(100+i), g))
			}
			b := testutil.Datagram(t, in...)

			want := pulse.PACKET_HEADER_SIZE
			for _, g := range tt.gates {
				want += pulse.PULSE_HEADER_SIZE + 2*int(g)*4
			}
			if len(b) != want {
				t.Fatalf("encoded length = %d, want %d", len(b), want)
			}

			views, err := pulse.Decode(b)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(views) != len(in) {
				t.Fatalf("got %d views, want %d", len(views), len(in))
			}
			for i := range views {
				v := &views[i]
				if diff := cmp.Diff(in[i].Header, v.Header); diff != "" {
					t.Errorf("pulse %d header mismatch (-want +got):\n%s", i, diff)
				}
				if got, want := len(v.IQBytes()), 8*int(tt.gates[i]); got != want {
					t.Errorf("pulse %d IQ bytes = %d, want %d", i, got, want)
				}
				if diff := cmp.Diff(in[i].Samples, v.AppendSamples(nil), cmp.Comparer(func(a, b []float32) bool {
					if len(a) != len(b) {
						return false
					}
					for k := range a {
						if a[k] != b[k] {
							return false
						}
					}
					return true
				})); diff != "" {
					t.Errorf("pulse %d samples mismatch (-want +got):\n%s", i, diff)
				}
			}
		})
	}
}

func TestDecode_ShortPacket(t *testing.T) {
	for n := 0; n < pulse.PACKET_HEADER_SIZE; n++ {
		views, err := pulse.Decode(make([]byte, n))
		if !errors.Is(err, pulse.ErrMalformedPacket) {
			t.Fatalf("len %d: err = %v, want ErrMalformedPacket", n, err)
		}
		if len(views) != 0 {
			t.Fatalf("len %d: got %d views, want 0", n, len(views))
		}
	}
}

func TestDecode_Rejections(t *testing.T) {
	valid := func(t *testing.T) []byte {
		return testutil.Datagram(t,
			testutil.NewPulse(pulse.ChannelBH, 1, 4),
			testutil.NewPulse(pulse.ChannelBH, 2, 4))
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad magic", func(b []byte) []byte { b[0] ^= 0xff; return b }},
		{"bad version", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[4:6], 9); return b }},
		{"truncated tail", func(b []byte) []byte { return b[:len(b)-3] }},
		{"trailing bytes", func(b []byte) []byte {
			b = append(b, 0, 0, 0, 0)
			binary.LittleEndian.PutUint32(b[8:12], uint32(len(b)-pulse.PACKET_HEADER_SIZE))
			return b
		}},
		{"too many pulses declared", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[6:8], 3); return b }},
		{"count exceeds payload", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[6:8], 0xffff); return b }},
		{"gates past end", func(b []byte) []byte {
			off := pulse.PACKET_HEADER_SIZE + pulse.PULSE_HEADER_SIZE + 4*8
			binary.LittleEndian.PutUint32(b[off+40:off+44], 1<<30)
			return b
		}},
		{"unknown channel", func(b []byte) []byte { b[pulse.PACKET_HEADER_SIZE+49] = 7; return b }},
		{"unknown scan mode", func(b []byte) []byte { b[pulse.PACKET_HEADER_SIZE+48] = 42; return b }},
		{"nanoseconds overflow", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[pulse.PACKET_HEADER_SIZE+12:], 2e9)
			return b
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(valid(t))
			views, err := pulse.Decode(b)
			if !errors.Is(err, pulse.ErrMalformedPacket) {
				t.Fatalf("err = %v, want ErrMalformedPacket", err)
			}
			if views != nil {
				t.Fatalf("got %d views on error, want none", len(views))
			}
		})
	}
}

func TestDecode_DeclaredCountDoesNotDriveAllocation(t *testing.T) {
	b := make([]byte, pulse.PACKET_HEADER_SIZE)
	binary.LittleEndian.PutUint32(b[0:4], pulse.PACKET_MAGIC)
	binary.LittleEndian.PutUint16(b[4:6], pulse.PACKET_VERSION)
	binary.LittleEndian.PutUint16(b[6:8], 0xffff)

	const runs = 100
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	for i := 0; i < runs; i++ {
		if _, err := pulse.Decode(b); !errors.Is(err, pulse.ErrMalformedPacket) {
			t.Fatalf("err = %v, want ErrMalformedPacket", err)
		}
	}
	runtime.ReadMemStats(&after)

	if perDecode := (after.TotalAlloc - before.TotalAlloc) / runs; perDecode > 4096 {
		t.Errorf("header-only datagram allocated %d bytes per Decode", perDecode)
	}
}

func TestEncode_SampleCountMismatch(t *testing.T) {
	p := testutil.NewPulse(pulse.ChannelA, 1, 4)
	p.Samples = p.Samples[:3]
	if _, err := pulse.Encode(p); err == nil {
		t.Fatal("expected error for short sample slice")
	}
}

func TestEncode_TooLarge(t *testing.T) {
	p := testutil.NewPulse(pulse.ChannelA, 1, 9000)
	if _, err := pulse.Encode(p); err == nil {
		t.Fatal("expected error for oversized datagram")
	}
}

func TestNewPacket(t *testing.T) {
	b := testutil.Datagram(t, testutil.NewPulse(pulse.ChannelA, 7, 3))
	pkt, err := pulse.NewPacket(b)
	testutil.AssertNoError(t, err)
	if pkt.Len() != len(b) {
		t.Errorf("Len() = %d, want %d", pkt.Len(), len(b))
	}
	if len(pkt.Pulses()) != 1 || pkt.Pulses()[0].Header.Sequence != 7 {
		t.Errorf("unexpected pulses: %+v", pkt.Pulses())
	}

	_, err = pulse.NewPacket([]byte{1, 2, 3})
	testutil.AssertError(t, err)
}

func TestHeaderFlagsRoundTrip(t *testing.T) {
	p := testutil.NewPulse(pulse.ChannelBV, 9, 1)
	p.Header.LargeAntenna = true
	p.Header.AntennaTransition = true
	p.Header.Status = pulse.StatusEndOfSweep | pulse.StatusEndOfStream
	p.Header.ScanMode = pulse.ScanModeRHI

	views, err := pulse.Decode(testutil.Datagram(t, p))
	testutil.AssertNoError(t, err)
	h := views[0].Header
	if !h.LargeAntenna || !h.AntennaTransition || !h.VerticalPolarized {
		t.Errorf("flags lost: %+v", h)
	}
	if !h.Status.Has(pulse.StatusEndOfStream) || h.Status.Has(pulse.StatusEndOfVolume) {
		t.Errorf("status = %b", h.Status)
	}
	if h.ScanMode != pulse.ScanModeRHI {
		t.Errorf("scan mode = %v", h.ScanMode)
	}
}
