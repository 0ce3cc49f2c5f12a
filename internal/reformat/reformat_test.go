package reformat

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsefeed/internal/calibration"
	"github.com/banshee-data/pulsefeed/internal/pulse"
	"github.com/banshee-data/pulsefeed/internal/testutil"
)

func header(seq int64) *pulse.Header {
	return &testutil.NewPulse(pulse.ChannelA, seq, 4).Header
}

func TestChangeDetector_Interval(t *testing.T) {
	d := NewChangeDetector(1000, DefaultPRTTolerance)

	var emitted []int64
	for seq := int64(1); seq <= 2000; seq++ {
		h := header(seq)
		h.Sweep = 1
		if d.Observe(h) != 0 {
			emitted = append(emitted, seq)
		}
	}
	assert.Equal(t, []int64{1, 1000, 2000}, emitted)
	assert.Equal(t, uint64(2000), d.Count())
}

func TestChangeDetector_Changes(t *testing.T) {
	tests := []struct {
		name   string
		modify func(h *pulse.Header)
		want   Reason
	}{
		{"unchanged", func(h *pulse.Header) {}, 0},
		{"scan mode", func(h *pulse.Header) { h.ScanMode = pulse.ScanModeRHI }, ReasonScanMode},
		{"sweep", func(h *pulse.Header) { h.Sweep++ }, ReasonSweep},
		{"gates", func(h *pulse.Header) { h.Gates = 8 }, ReasonGates},
		{"prt within tolerance", func(h *pulse.Header) { h.PRT *= 1.019 }, 0},
		{"prt beyond tolerance", func(h *pulse.Header) { h.PRT *= 1.03 }, ReasonPRT},
		{"prt drop beyond tolerance", func(h *pulse.Header) { h.PRT *= 0.95 }, ReasonPRT},
		{"sweep and gates", func(h *pulse.Header) { h.Sweep++; h.Gates = 2 }, ReasonSweep | ReasonGates},
		{"azimuth ignored", func(h *pulse.Header) { h.Azimuth += 10 }, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewChangeDetector(0, DefaultPRTTolerance)
			first := header(1)
			require.Equal(t, ReasonFirst, d.Observe(first))

			next := *header(2)
			tt.modify(&next)
			assert.Equal(t, tt.want, d.Observe(&next))
		})
	}
}

func TestChangeDetector_PreviousAlwaysUpdated(t *testing.T) {
	d := NewChangeDetector(0, DefaultPRTTolerance)
	h := header(1)
	d.Observe(h)

	// 1.5% steps stay under tolerance pulse to pulse, even though the
	// cumulative drift exceeds it.
	for seq := int64(2); seq < 10; seq++ {
		next := *h
		next.Sequence = seq
		next.PRT = h.PRT * 1.015
		assert.Zero(t, d.Observe(&next), "pulse %d", seq)
		h = &next
	}
}

func testCalibration() calibration.Set {
	return calibration.Set{
		&calibration.Table{Band: pulse.BandA, Wavelength: 0.1, BeamwidthH: 1, BeamwidthV: 1, SampleScale: 1},
		&calibration.Table{Band: pulse.BandB, Wavelength: 0.03, BeamwidthH: 0.3, BeamwidthV: 0.3, SampleScale: 0.5},
	}
}

func viewOf(t *testing.T, fp *pulse.FullPulse) pulse.View {
	t.Helper()
	views, err := pulse.Decode(testutil.Datagram(t, fp))
	require.NoError(t, err)
	require.Len(t, views, 1)
	return views[0]
}

func TestReformatter_Single(t *testing.T) {
	r := New(testCalibration(), Options{InfoInterval: 3})

	fp := testutil.NewPulse(pulse.ChannelA, 7, 4)
	v := viewOf(t, fp)

	res := r.Single(&v)
	require.NotNil(t, res.Pulse)
	require.NotNil(t, res.Info, "first pulse emits metadata")
	assert.Equal(t, pulse.BandA, res.Band)
	assert.True(t, res.Info.Reason.Has(ReasonFirst))
	assert.Equal(t, 0.1, res.Info.Calibration.Wavelength)
	assert.Equal(t, PolarizationH, res.Pulse.Polarization)
	assert.Equal(t, fp.Samples, res.Pulse.Samples)
	assert.Equal(t, int64(7), res.Pulse.Sequence)

	res = r.Single(&v)
	assert.Nil(t, res.Info)
	res = r.Single(&v)
	require.NotNil(t, res.Info)
	assert.Equal(t, ReasonPeriodic, res.Info.Reason)
	assert.Equal(t, uint64(3), res.Info.Count)
}

func TestReformatter_PairConcatenatesAndScales(t *testing.T) {
	r := New(testCalibration(), Options{ScaleSamples: true})

	h := testutil.NewPulse(pulse.ChannelBH, 42, 2)
	v := testutil.NewPulse(pulse.ChannelBV, 42, 2)
	v.Header.Status = pulse.StatusEndOfSweep

	res := r.Pair(h, v)
	assert.Equal(t, pulse.BandB, res.Band)
	assert.Equal(t, PolarizationHV, res.Pulse.Polarization)
	assert.Equal(t, uint32(2), res.Pulse.Gates)
	assert.True(t, res.Pulse.Status.Has(pulse.StatusEndOfSweep))

	want := make([]float32, 0, 8)
	for _, s := range append(append([]float32{}, h.Samples...), v.Samples...) {
		want = append(want, s*0.5)
	}
	assert.Equal(t, want, res.Pulse.Samples)

	// Inputs are untouched so the store can recycle them.
	assert.Equal(t, float32(0.042), h.Samples[0])
}

func TestReformatter_BandsTrackedIndependently(t *testing.T) {
	r := New(testCalibration(), Options{})

	a := viewOf(t, testutil.NewPulse(pulse.ChannelA, 1, 4))
	require.NotNil(t, r.Single(&a).Info)

	res := r.Pair(testutil.NewPulse(pulse.ChannelBH, 1, 4), testutil.NewPulse(pulse.ChannelBV, 1, 4))
	require.NotNil(t, res.Info, "first band B pulse emits metadata")
	assert.Equal(t, 0.03, res.Info.Calibration.Wavelength)
}

func TestPulseRecord_WireRoundTrip(t *testing.T) {
	fp := testutil.NewPulse(pulse.ChannelBV, 1234567, 3)
	fp.Header.Sweep = -2
	fp.Header.AntennaTransition = true
	rec := newPulseRecord(&fp.Header)
	rec.Polarization = PolarizationV
	rec.Samples = fp.Samples

	got, err := UnmarshalPulseRecord(rec.AppendProto(nil))
	require.NoError(t, err)
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("pulse record mismatch (-want +got):\n%s", diff)
	}
}

func TestInfoRecord_WireRoundTrip(t *testing.T) {
	r := New(testCalibration(), Options{})
	res := r.Pair(testutil.NewPulse(pulse.ChannelBH, 9, 4), testutil.NewPulse(pulse.ChannelBV, 9, 4))
	require.NotNil(t, res.Info)

	got, err := UnmarshalInfoRecord(res.Info.AppendProto(nil))
	require.NoError(t, err)
	if diff := cmp.Diff(res.Info, got); diff != "" {
		t.Errorf("info record mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshal_Truncated(t *testing.T) {
	rec := newPulseRecord(header(5))
	rec.Samples = []float32{1, 2}
	b := rec.AppendProto(nil)

	_, err := UnmarshalPulseRecord(b[:len(b)-3])
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestChangeDetector_NonPositiveToleranceUsesDefault(t *testing.T) {
	for _, tol := range []float64{0, -1} {
		d := NewChangeDetector(0, tol)
		d.Observe(header(1))

		small := *header(2)
		small.PRT *= 1.01
		assert.Zero(t, d.Observe(&small), "tolerance %v", tol)

		large := *header(3)
		large.PRT *= 1.05
		assert.Equal(t, ReasonPRT, d.Observe(&large), "tolerance %v", tol)
	}
}
