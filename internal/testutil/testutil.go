// Package testutil provides shared test utilities and fixtures.
//
// This package centralises pulse and datagram builders so that codec,
// collator and pipeline tests describe their inputs the same way.
package testutil

import (
	"testing"
	"time"

	"github.com/banshee-data/pulsefeed/internal/pulse"
)

// BaseTime is the timestamp stamped on fixture pulses.
var BaseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewPulse builds an owned pulse on channel ch with a deterministic IQ ramp.
func NewPulse(ch pulse.Channel, seq int64, gates uint32) *pulse.FullPulse {
	fp := &pulse.FullPulse{
		Header: pulse.Header{
			Sequence:   seq,
			Time:       BaseTime.Add(time.Duration(seq) * time.Millisecond),
			Azimuth:    float32(seq%360) + 0.5,
			Elevation:  1.5,
			PRT:        1e-3,
			PulseWidth: 1e-6,
			Sweep:      1,
			Volume:     1,
			Gates:      gates,
			ScanMode:   pulse.ScanModePPI,
			Channel:    ch,
		},
		Samples: make([]float32, 2*gates),
	}
	for i := range fp.Samples {
		fp.Samples[i] = float32(i) + float32(seq)/1000
	}
	fp.Header.VerticalPolarized = ch == pulse.ChannelBV
	return fp
}

// Datagram encodes pulses into a datagram, failing the test on error.
func Datagram(t testing.TB, pulses ...*pulse.FullPulse) []byte {
	t.Helper()
	b, err := pulse.Encode(pulses...)
	if err != nil {
		t.Fatalf("encode datagram: %v", err)
	}
	return b
}

// Sequence builds one single-pulse datagram per sequence number on channel ch.
func Sequence(t testing.TB, ch pulse.Channel, gates uint32, seqs ...int64) [][]byte {
	t.Helper()
	out := make([][]byte, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, Datagram(t, NewPulse(ch, seq, gates)))
	}
	return out
}
