package reformat

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/pulsefeed/internal/calibration"
	"github.com/banshee-data/pulsefeed/internal/pulse"
)

// Message field numbers carrying each record type. Output messages are a
// protobuf wire stream of length-delimited records tagged with these numbers.
const (
	PulseRecordField protowire.Number = 1
	InfoRecordField  protowire.Number = 2
)

// ErrBadRecord is returned when a serialized record cannot be parsed.
var ErrBadRecord = errors.New("bad record")

// Polarization of the samples carried in a pulse record.
type Polarization uint8

const (
	PolarizationH  Polarization = iota // horizontal only
	PolarizationV                      // vertical only
	PolarizationHV                     // H samples followed by V samples
)

func (p Polarization) String() string {
	switch p {
	case PolarizationH:
		return "H"
	case PolarizationV:
		return "V"
	case PolarizationHV:
		return "HV"
	}
	return fmt.Sprintf("Polarization(%d)", uint8(p))
}

// PulseRecord is the normalized outbound form of one pulse or collated pair.
type PulseRecord struct {
	Band              pulse.Band
	Sequence          int64
	Time              time.Time
	Azimuth           float32
	Elevation         float32
	ScanMode          pulse.ScanMode
	Sweep             int32
	Volume            int32
	PRT               float32
	PulseWidth        float32
	Gates             uint32
	Polarization      Polarization
	Status            pulse.Status
	LargeAntenna      bool
	AntennaTransition bool
	Samples           []float32 // interleaved I,Q; H then V for HV records
}

// pulse record field numbers
const (
	prBand protowire.Number = iota + 1
	prSequence
	prSeconds
	prNanos
	prAzimuth
	prElevation
	prScanMode
	prSweep
	prVolume
	prPRT
	prPulseWidth
	prGates
	prPolarization
	prStatus
	prFlags
	prSamples
)

const (
	flagLargeAntenna uint64 = 1 << iota
	flagAntennaTransition
)

func (r *PulseRecord) RecordField() protowire.Number { return PulseRecordField }

// AppendProto appends the protobuf wire encoding of r to b.
func (r *PulseRecord) AppendProto(b []byte) []byte {
	b = appendVarint(b, prBand, uint64(r.Band))
	b = appendVarint(b, prSequence, protowire.EncodeZigZag(r.Sequence))
	b = appendVarint(b, prSeconds, protowire.EncodeZigZag(r.Time.Unix()))
	b = appendVarint(b, prNanos, uint64(r.Time.Nanosecond()))
	b = appendFloat(b, prAzimuth, r.Azimuth)
	b = appendFloat(b, prElevation, r.Elevation)
	b = appendVarint(b, prScanMode, uint64(r.ScanMode))
	b = appendVarint(b, prSweep, protowire.EncodeZigZag(int64(r.Sweep)))
	b = appendVarint(b, prVolume, protowire.EncodeZigZag(int64(r.Volume)))
	b = appendFloat(b, prPRT, r.PRT)
	b = appendFloat(b, prPulseWidth, r.PulseWidth)
	b = appendVarint(b, prGates, uint64(r.Gates))
	b = appendVarint(b, prPolarization, uint64(r.Polarization))
	b = appendVarint(b, prStatus, uint64(r.Status))
	var flags uint64
	if r.LargeAntenna {
		flags |= flagLargeAntenna
	}
	if r.AntennaTransition {
		flags |= flagAntennaTransition
	}
	b = appendVarint(b, prFlags, flags)

	b = protowire.AppendTag(b, prSamples, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(r.Samples)))
	for _, s := range r.Samples {
		b = protowire.AppendFixed32(b, math.Float32bits(s))
	}
	return b
}

// UnmarshalPulseRecord parses a record produced by PulseRecord.AppendProto.
// Unknown fields are skipped.
func UnmarshalPulseRecord(b []byte) (*PulseRecord, error) {
	r := &PulseRecord{}
	var secs int64
	var nanos uint64
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case prBand:
			r.Band = pulse.Band(x)
		case prSequence:
			r.Sequence = protowire.DecodeZigZag(x)
		case prSeconds:
			secs = protowire.DecodeZigZag(x)
		case prNanos:
			nanos = x
		case prAzimuth:
			r.Azimuth = math.Float32frombits(uint32(x))
		case prElevation:
			r.Elevation = math.Float32frombits(uint32(x))
		case prScanMode:
			r.ScanMode = pulse.ScanMode(x)
		case prSweep:
			r.Sweep = int32(protowire.DecodeZigZag(x))
		case prVolume:
			r.Volume = int32(protowire.DecodeZigZag(x))
		case prPRT:
			r.PRT = math.Float32frombits(uint32(x))
		case prPulseWidth:
			r.PulseWidth = math.Float32frombits(uint32(x))
		case prGates:
			r.Gates = uint32(x)
		case prPolarization:
			r.Polarization = Polarization(x)
		case prStatus:
			r.Status = pulse.Status(x)
		case prFlags:
			r.LargeAntenna = x&flagLargeAntenna != 0
			r.AntennaTransition = x&flagAntennaTransition != 0
		case prSamples:
			if typ != protowire.BytesType || len(v)%4 != 0 {
				return fmt.Errorf("%w: samples field is %d bytes", ErrBadRecord, len(v))
			}
			r.Samples = make([]float32, len(v)/4)
			for i := range r.Samples {
				bits, _ := protowire.ConsumeFixed32(v[4*i:])
				r.Samples[i] = math.Float32frombits(bits)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.Time = time.Unix(secs, int64(nanos)).UTC()
	return r, nil
}

// Reason is a bitmask of why a metadata record was emitted.
type Reason uint32

const (
	ReasonFirst Reason = 1 << iota
	ReasonPeriodic
	ReasonScanMode
	ReasonSweep
	ReasonGates
	ReasonPRT
)

// Has reports whether r includes flag.
func (r Reason) Has(flag Reason) bool {
	return r&flag != 0
}

// InfoRecord describes the scan geometry and operating parameters of a band,
// together with that band's calibration constants.
type InfoRecord struct {
	Reason            Reason
	Count             uint64 // pulses seen on the band, including this one
	Band              pulse.Band
	Sequence          int64
	Time              time.Time
	ScanMode          pulse.ScanMode
	Sweep             int32
	Volume            int32
	PRT               float32
	PulseWidth        float32
	Gates             uint32
	LargeAntenna      bool
	AntennaTransition bool
	Calibration       calibration.Table
}

// info record field numbers
const (
	irReason protowire.Number = iota + 1
	irCount
	irBand
	irSequence
	irSeconds
	irNanos
	irScanMode
	irSweep
	irVolume
	irPRT
	irPulseWidth
	irGates
	irFlags
	irWavelength
	irBeamwidthH
	irBeamwidthV
	irAntennaGainH
	irAntennaGainV
	irNoiseFigureH
	irNoiseFigureV
	irReceiverGainH
	irReceiverGainV
	irReceiverSlopeH
	irReceiverSlopeV
	irTransmitPower
	irSampleScale
)

func (r *InfoRecord) RecordField() protowire.Number { return InfoRecordField }

// calibrationFields lists the calibration constants carried by info records.
func calibrationFields(t *calibration.Table) []struct {
	num protowire.Number
	v   *float64
} {
	return []struct {
		num protowire.Number
		v   *float64
	}{
		{irWavelength, &t.Wavelength},
		{irBeamwidthH, &t.BeamwidthH},
		{irBeamwidthV, &t.BeamwidthV},
		{irAntennaGainH, &t.AntennaGainH},
		{irAntennaGainV, &t.AntennaGainV},
		{irNoiseFigureH, &t.NoiseFigureH},
		{irNoiseFigureV, &t.NoiseFigureV},
		{irReceiverGainH, &t.ReceiverGainH},
		{irReceiverGainV, &t.ReceiverGainV},
		{irReceiverSlopeH, &t.ReceiverSlopeH},
		{irReceiverSlopeV, &t.ReceiverSlopeV},
		{irTransmitPower, &t.TransmitPower},
		{irSampleScale, &t.SampleScale},
	}
}

// AppendProto appends the protobuf wire encoding of r to b.
func (r *InfoRecord) AppendProto(b []byte) []byte {
	b = appendVarint(b, irReason, uint64(r.Reason))
	b = appendVarint(b, irCount, r.Count)
	b = appendVarint(b, irBand, uint64(r.Band))
	b = appendVarint(b, irSequence, protowire.EncodeZigZag(r.Sequence))
	b = appendVarint(b, irSeconds, protowire.EncodeZigZag(r.Time.Unix()))
	b = appendVarint(b, irNanos, uint64(r.Time.Nanosecond()))
	b = appendVarint(b, irScanMode, uint64(r.ScanMode))
	b = appendVarint(b, irSweep, protowire.EncodeZigZag(int64(r.Sweep)))
	b = appendVarint(b, irVolume, protowire.EncodeZigZag(int64(r.Volume)))
	b = appendFloat(b, irPRT, r.PRT)
	b = appendFloat(b, irPulseWidth, r.PulseWidth)
	b = appendVarint(b, irGates, uint64(r.Gates))
	var flags uint64
	if r.LargeAntenna {
		flags |= flagLargeAntenna
	}
	if r.AntennaTransition {
		flags |= flagAntennaTransition
	}
	b = appendVarint(b, irFlags, flags)
	for _, f := range calibrationFields(&r.Calibration) {
		b = protowire.AppendTag(b, f.num, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(*f.v))
	}
	return b
}

// UnmarshalInfoRecord parses a record produced by InfoRecord.AppendProto.
func UnmarshalInfoRecord(b []byte) (*InfoRecord, error) {
	r := &InfoRecord{}
	cal := make(map[protowire.Number]*float64)
	for _, f := range calibrationFields(&r.Calibration) {
		cal[f.num] = f.v
	}
	var secs int64
	var nanos uint64
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		if p, ok := cal[num]; ok {
			*p = math.Float64frombits(x)
			return nil
		}
		switch num {
		case irReason:
			r.Reason = Reason(x)
		case irCount:
			r.Count = x
		case irBand:
			r.Band = pulse.Band(x)
		case irSequence:
			r.Sequence = protowire.DecodeZigZag(x)
		case irSeconds:
			secs = protowire.DecodeZigZag(x)
		case irNanos:
			nanos = x
		case irScanMode:
			r.ScanMode = pulse.ScanMode(x)
		case irSweep:
			r.Sweep = int32(protowire.DecodeZigZag(x))
		case irVolume:
			r.Volume = int32(protowire.DecodeZigZag(x))
		case irPRT:
			r.PRT = math.Float32frombits(uint32(x))
		case irPulseWidth:
			r.PulseWidth = math.Float32frombits(uint32(x))
		case irGates:
			r.Gates = uint32(x)
		case irFlags:
			r.LargeAntenna = x&flagLargeAntenna != 0
			r.AntennaTransition = x&flagAntennaTransition != 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.Time = time.Unix(secs, int64(nanos)).UTC()
	r.Calibration.Band = r.Band
	return r, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

// consumeFields walks a wire-format buffer calling fn for every field.
// Scalar values are passed in x, length-delimited values in v.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadRecord, protowire.ParseError(n))
		}
		b = b[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var u uint32
			u, n = protowire.ConsumeFixed32(b)
			x = uint64(u)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrBadRecord, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
