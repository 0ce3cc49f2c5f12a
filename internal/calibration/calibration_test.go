package calibration

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsefeed/internal/pulse"
)

const minimal = `Parameter,Value
wavelength,0.05
beamwidth_h,1
beamwidth_v,1.2
antenna_gain_h,40
antenna_gain_v,40.5
`

func TestParse_Minimal(t *testing.T) {
	tbl, err := Parse(strings.NewReader(minimal), pulse.BandB)
	require.NoError(t, err)
	assert.Equal(t, pulse.BandB, tbl.Band)
	assert.Equal(t, 0.05, tbl.Wavelength)
	assert.Equal(t, 1.2, tbl.BeamwidthV)
	assert.Equal(t, 40.5, tbl.AntennaGainV)
	assert.Equal(t, 1.0, tbl.SampleScale, "sample_scale defaults to 1")
	assert.Zero(t, tbl.TransmitPower)
}

func TestParse_CaseCommentsAndSpacing(t *testing.T) {
	in := "PARAMETER,VALUE\n# comment line\nWavelength, 0.1\nbeamwidth_h,1\nbeamwidth_v,1\nantenna_gain_h,40\nantenna_gain_v,40\nsample_scale, 0.5\n"
	tbl, err := Parse(strings.NewReader(in), pulse.BandA)
	require.NoError(t, err)
	assert.Equal(t, 0.1, tbl.Wavelength)
	assert.Equal(t, 0.5, tbl.SampleScale)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		band    pulse.Band
		wantErr string
	}{
		{"invalid band", minimal, pulse.Band(9), "invalid band"},
		{"empty", "", pulse.BandA, "insufficient data"},
		{"header only", "Parameter,Value\n", pulse.BandA, "insufficient data"},
		{"bad header", "Name,Number\nwavelength,1\n", pulse.BandA, "invalid header"},
		{"unknown parameter", minimal + "wavelenght,1\n", pulse.BandA, "unknown parameter"},
		{"duplicate", minimal + "wavelength,0.06\n", pulse.BandA, "duplicate parameter"},
		{"not a number", minimal + "transmit_power,lots\n", pulse.BandA, "invalid value for transmit_power"},
		{"missing required", "Parameter,Value\nwavelength,0.05\n", pulse.BandA, "missing required parameter beamwidth_h"},
		{"extra field", minimal + "transmit_power,1,2\n", pulse.BandA, "failed to read"},
		{"negative wavelength", strings.Replace(minimal, "0.05", "-0.05", 1), pulse.BandA, "wavelength must be positive"},
		{"zero scale", minimal + "sample_scale,0\n", pulse.BandA, "sample_scale must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input), tt.band)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	tbl, err := LoadFile(filepath.Join("testdata", "band_a.csv"), pulse.BandA)
	require.NoError(t, err)
	assert.InDelta(t, 0.1071, tbl.Wavelength, 1e-12)
	assert.Equal(t, 86.5, tbl.TransmitPower)

	_, err = LoadFile(filepath.Join("testdata", "band_a.txt"), pulse.BandA)
	assert.ErrorContains(t, err, ".csv extension")

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.csv"), pulse.BandA)
	assert.ErrorContains(t, err, "failed to open")

	bad := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("Parameter,Value\nwavelength,x\n"), 0o644))
	_, err = LoadFile(bad, pulse.BandA)
	assert.ErrorContains(t, err, bad)
}

func TestLoadSet(t *testing.T) {
	set, err := LoadSet(map[pulse.Band]string{
		pulse.BandA: filepath.Join("testdata", "band_a.csv"),
		pulse.BandB: filepath.Join("testdata", "band_b.csv"),
	})
	require.NoError(t, err)
	require.NotNil(t, set.For(pulse.BandA))
	require.NotNil(t, set.For(pulse.BandB))
	assert.Equal(t, pulse.BandB, set.For(pulse.BandB).Band)
	assert.InDelta(t, 0.0319, set.For(pulse.BandB).Wavelength, 1e-12)
	assert.InDelta(t, 1.0/32768, set.For(pulse.BandB).SampleScale, 1e-15)
	assert.Nil(t, set.For(pulse.Band(7)))

	_, err = LoadSet(map[pulse.Band]string{pulse.BandA: filepath.Join("testdata", "band_a.csv")})
	assert.ErrorContains(t, err, "no calibration file configured for band B")
}
