package reformat

import (
	"math"

	"github.com/banshee-data/pulsefeed/internal/pulse"
)

// DefaultPRTTolerance is the relative PRT change that triggers a metadata record.
const DefaultPRTTolerance = 0.02

// ChangeDetector decides, pulse by pulse, when a band needs a fresh metadata
// record. It is not safe for concurrent use; the dispatcher owns one per band.
type ChangeDetector struct {
	interval  uint64
	tolerance float64

	count uint64
	prev  pulse.Header
	seen  bool
}

// NewChangeDetector creates a detector emitting periodically every interval
// pulses (0 disables periodic emission) and on PRT changes larger than
// tolerance relative to the previous pulse. A tolerance of 0 or less selects
// DefaultPRTTolerance.
func NewChangeDetector(interval int, tolerance float64) *ChangeDetector {
	if interval < 0 {
		interval = 0
	}
	if tolerance <= 0 {
		tolerance = DefaultPRTTolerance
	}
	return &ChangeDetector{interval: uint64(interval), tolerance: tolerance}
}

// Observe counts h and returns the reasons a metadata record is due, or 0.
// The previous header is updated whatever the outcome.
func (d *ChangeDetector) Observe(h *pulse.Header) Reason {
	d.count++
	var r Reason
	if !d.seen {
		r |= ReasonFirst
	} else {
		if h.ScanMode != d.prev.ScanMode {
			r |= ReasonScanMode
		}
		if h.Sweep != d.prev.Sweep {
			r |= ReasonSweep
		}
		if h.Gates != d.prev.Gates {
			r |= ReasonGates
		}
		if prtChanged(d.prev.PRT, h.PRT, d.tolerance) {
			r |= ReasonPRT
		}
	}
	if d.interval > 0 && d.count%d.interval == 0 {
		r |= ReasonPeriodic
	}
	d.prev = *h
	d.seen = true
	return r
}

// Count returns the number of pulses observed.
func (d *ChangeDetector) Count() uint64 {
	return d.count
}

func prtChanged(prev, cur float32, tolerance float64) bool {
	if prev == 0 {
		return cur != 0
	}
	return math.Abs(float64(cur)-float64(prev))/math.Abs(float64(prev)) > tolerance
}
