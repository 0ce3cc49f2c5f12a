package pulse

import (
	"fmt"
	"time"
)

// ScanMode is the antenna scan strategy reported in every pulse header.
type ScanMode uint8

const (
	ScanModePPI   ScanMode = iota // Plan position indicator (azimuth sweep)
	ScanModeRHI                   // Range height indicator (elevation sweep)
	ScanModeCAL                   // Calibration
	ScanModePoint                 // Fixed pointing
	ScanModeIdle                  // Transmitter idle
)

// Valid reports whether m is one of the known scan modes.
func (m ScanMode) Valid() bool {
	return m <= ScanModeIdle
}

func (m ScanMode) String() string {
	switch m {
	case ScanModePPI:
		return "ppi"
	case ScanModeRHI:
		return "rhi"
	case ScanModeCAL:
		return "cal"
	case ScanModePoint:
		return "point"
	case ScanModeIdle:
		return "idle"
	}
	return fmt.Sprintf("scanmode(%d)", uint8(m))
}

// Band identifies an independent frequency band. Each band has its own
// calibration table and its own output stream.
type Band uint8

const (
	BandA Band = iota
	BandB
)

// Bands lists every band in output order.
var Bands = [...]Band{BandA, BandB}

func (b Band) String() string {
	switch b {
	case BandA:
		return "A"
	case BandB:
		return "B"
	}
	return fmt.Sprintf("band(%d)", uint8(b))
}

// Valid reports whether b is a known band.
func (b Band) Valid() bool {
	return b <= BandB
}

// Channel identifies the datagram stream a pulse belongs to.
// Band A is a single channel; band B is a dual-polarization pair whose
// pulses must be collated before they can be reformatted.
type Channel uint8

const (
	ChannelA  Channel = iota // Band A, single channel
	ChannelBH                // Band B, horizontal polarization
	ChannelBV                // Band B, vertical polarization
)

// NumChannels is the number of distinct channels on the wire.
const NumChannels = 3

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c <= ChannelBV
}

// Band returns the band the channel belongs to.
func (c Channel) Band() Band {
	switch c {
	case ChannelA:
		return BandA
	case ChannelBH, ChannelBV:
		return BandB
	}
	return Band(0xff)
}

// Collated reports whether pulses on this channel travel through the collator.
func (c Channel) Collated() bool {
	switch c {
	case ChannelA:
		return false
	case ChannelBH, ChannelBV:
		return true
	}
	return false
}

// CollatorIndex maps a collated channel onto the collator's queue index
// (0 or 1). It returns -1 for single channels.
func (c Channel) CollatorIndex() int {
	switch c {
	case ChannelBH:
		return 0
	case ChannelBV:
		return 1
	case ChannelA:
		return -1
	}
	return -1
}

func (c Channel) String() string {
	switch c {
	case ChannelA:
		return "A"
	case ChannelBH:
		return "B/H"
	case ChannelBV:
		return "B/V"
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// Status is the per-pulse status bitmask.
type Status uint32

const (
	StatusEndOfStream Status = 1 << iota
	StatusEndOfSweep
	StatusEndOfVolume
)

// Has reports whether every bit in flag is set.
func (s Status) Has(flag Status) bool {
	return s&flag == flag
}

// Header is the fixed-size record preceding every pulse's IQ samples.
type Header struct {
	Sequence          int64
	Time              time.Time
	Azimuth           float32 // degrees
	Elevation         float32 // degrees
	PRT               float32 // pulse repetition time, seconds
	PulseWidth        float32 // transmit pulse width, seconds
	Sweep             int32
	Volume            int32
	Gates             uint32
	Status            Status
	ScanMode          ScanMode
	Channel           Channel
	LargeAntenna      bool
	AntennaTransition bool
	VerticalPolarized bool
}

// SampleCount returns the number of float32 values (I and Q) following the header.
func (h *Header) SampleCount() int {
	return 2 * int(h.Gates)
}
