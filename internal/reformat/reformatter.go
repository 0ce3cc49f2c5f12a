// Package reformat converts decoded pulses into the normalized records
// published downstream, and decides when a band's metadata record is due.
package reformat

import (
	"github.com/banshee-data/pulsefeed/internal/calibration"
	"github.com/banshee-data/pulsefeed/internal/pulse"
)

// Options configures a Reformatter.
type Options struct {
	InfoInterval int     // emit a metadata record every N pulses per band; 0 disables
	PRTTolerance float64 // relative PRT change triggering a metadata record
	ScaleSamples bool    // multiply IQ samples by the band's calibration SampleScale
}

// Result is the output for one pulse or pair. Info is nil unless a metadata
// record is due, in which case it precedes Pulse downstream.
type Result struct {
	Band  pulse.Band
	Pulse *PulseRecord
	Info  *InfoRecord
}

// Reformatter builds records for both bands. It keeps per-band change state
// and is owned by the dispatcher goroutine.
type Reformatter struct {
	cal       calibration.Set
	opts      Options
	detectors [len(pulse.Bands)]*ChangeDetector
}

// New creates a Reformatter using the given calibration tables.
func New(cal calibration.Set, opts Options) *Reformatter {
	r := &Reformatter{cal: cal, opts: opts}
	for _, band := range pulse.Bands {
		r.detectors[band] = NewChangeDetector(opts.InfoInterval, opts.PRTTolerance)
	}
	return r
}

// Single reformats a single-channel pulse. The record owns its samples, so
// it stays valid after v's packet is gone.
func (r *Reformatter) Single(v *pulse.View) Result {
	h := &v.Header
	band := h.Channel.Band()
	rec := newPulseRecord(h)
	if h.VerticalPolarized {
		rec.Polarization = PolarizationV
	}
	rec.Samples = v.AppendSamples(make([]float32, 0, h.SampleCount()))
	r.scale(band, rec.Samples)
	return r.finish(band, h, rec)
}

// Pair reformats a collated pair. a is the H channel and b the V channel;
// both must carry the same sequence number and gate count.
func (r *Reformatter) Pair(a, b *pulse.FullPulse) Result {
	h := &a.Header
	band := h.Channel.Band()
	rec := newPulseRecord(h)
	rec.Polarization = PolarizationHV
	rec.Status = a.Status | b.Status
	rec.Samples = make([]float32, 0, len(a.Samples)+len(b.Samples))
	rec.Samples = append(rec.Samples, a.Samples...)
	rec.Samples = append(rec.Samples, b.Samples...)
	r.scale(band, rec.Samples)
	return r.finish(band, h, rec)
}

func (r *Reformatter) finish(band pulse.Band, h *pulse.Header, rec *PulseRecord) Result {
	res := Result{Band: band, Pulse: rec}
	d := r.detectors[band]
	if reason := d.Observe(h); reason != 0 {
		res.Info = r.infoRecord(band, h, reason, d.Count())
	}
	return res
}

func (r *Reformatter) infoRecord(band pulse.Band, h *pulse.Header, reason Reason, count uint64) *InfoRecord {
	info := &InfoRecord{
		Reason:            reason,
		Count:             count,
		Band:              band,
		Sequence:          h.Sequence,
		Time:              h.Time,
		ScanMode:          h.ScanMode,
		Sweep:             h.Sweep,
		Volume:            h.Volume,
		PRT:               h.PRT,
		PulseWidth:        h.PulseWidth,
		Gates:             h.Gates,
		LargeAntenna:      h.LargeAntenna,
		AntennaTransition: h.AntennaTransition,
	}
	if t := r.cal.For(band); t != nil {
		info.Calibration = *t
	}
	info.Calibration.Band = band
	return info
}

func (r *Reformatter) scale(band pulse.Band, samples []float32) {
	if !r.opts.ScaleSamples {
		return
	}
	t := r.cal.For(band)
	if t == nil || t.SampleScale == 1 {
		return
	}
	k := float32(t.SampleScale)
	for i := range samples {
		samples[i] *= k
	}
}

func newPulseRecord(h *pulse.Header) *PulseRecord {
	return &PulseRecord{
		Band:              h.Channel.Band(),
		Sequence:          h.Sequence,
		Time:              h.Time,
		Azimuth:           h.Azimuth,
		Elevation:         h.Elevation,
		ScanMode:          h.ScanMode,
		Sweep:             h.Sweep,
		Volume:            h.Volume,
		PRT:               h.PRT,
		PulseWidth:        h.PulseWidth,
		Gates:             h.Gates,
		Status:            h.Status,
		LargeAntenna:      h.LargeAntenna,
		AntennaTransition: h.AntennaTransition,
	}
}
