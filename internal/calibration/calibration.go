// Package calibration loads the static per-band radar constants used when
// building metadata records. Tables are read once at startup and never
// mutated afterwards, so they can be shared between goroutines freely.
package calibration

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/pulsefeed/internal/pulse"
)

// Table holds one band's calibration constants.
type Table struct {
	Band           pulse.Band
	Wavelength     float64 // metres
	BeamwidthH     float64 // degrees
	BeamwidthV     float64 // degrees
	AntennaGainH   float64 // dB
	AntennaGainV   float64 // dB
	NoiseFigureH   float64 // dB
	NoiseFigureV   float64 // dB
	ReceiverGainH  float64 // dB
	ReceiverGainV  float64 // dB
	ReceiverSlopeH float64 // dB per count
	ReceiverSlopeV float64 // dB per count
	TransmitPower  float64 // dBm
	SampleScale    float64 // multiplier applied to raw IQ when sample scaling is enabled
}

// parameter binds a CSV parameter name to its field.
type parameter struct {
	name     string
	required bool
	field    func(*Table) *float64
}

var parameters = []parameter{
	{"wavelength", true, func(t *Table) *float64 { return &t.Wavelength }},
	{"beamwidth_h", true, func(t *Table) *float64 { return &t.BeamwidthH }},
	{"beamwidth_v", true, func(t *Table) *float64 { return &t.BeamwidthV }},
	{"antenna_gain_h", true, func(t *Table) *float64 { return &t.AntennaGainH }},
	{"antenna_gain_v", true, func(t *Table) *float64 { return &t.AntennaGainV }},
	{"noise_figure_h", false, func(t *Table) *float64 { return &t.NoiseFigureH }},
	{"noise_figure_v", false, func(t *Table) *float64 { return &t.NoiseFigureV }},
	{"receiver_gain_h", false, func(t *Table) *float64 { return &t.ReceiverGainH }},
	{"receiver_gain_v", false, func(t *Table) *float64 { return &t.ReceiverGainV }},
	{"receiver_slope_h", false, func(t *Table) *float64 { return &t.ReceiverSlopeH }},
	{"receiver_slope_v", false, func(t *Table) *float64 { return &t.ReceiverSlopeV }},
	{"transmit_power", false, func(t *Table) *float64 { return &t.TransmitPower }},
	{"sample_scale", false, func(t *Table) *float64 { return &t.SampleScale }},
}

// LoadFile reads a band's calibration table from a CSV file.
func LoadFile(path string, band pulse.Band) (*Table, error) {
	cleanPath := filepath.Clean(path)
	if ext := strings.ToLower(filepath.Ext(cleanPath)); ext != ".csv" {
		return nil, fmt.Errorf("calibration file must have .csv extension, got %q", ext)
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open calibration file: %w", err)
	}
	defer f.Close()

	t, err := Parse(f, band)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cleanPath, err)
	}
	return t, nil
}

// Parse reads a calibration table in CSV form. The first row must be the
// header "Parameter,Value"; each following row names one parameter.
// Unknown parameters are rejected so that typos cannot silently fall back
// to defaults.
func Parse(r io.Reader, band pulse.Band) (*Table, error) {
	if !band.Valid() {
		return nil, fmt.Errorf("invalid band %v", band)
	}

	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("insufficient data in calibration file")
	}

	header := records[0]
	if len(header) != 2 ||
		strings.ToLower(header[0]) != "parameter" ||
		strings.ToLower(header[1]) != "value" {
		return nil, fmt.Errorf("invalid header in calibration file, expected: Parameter,Value")
	}

	byName := make(map[string]parameter, len(parameters))
	for _, p := range parameters {
		byName[p.name] = p
	}

	t := &Table{Band: band, SampleScale: 1}
	seen := make(map[string]bool, len(records))
	for i, record := range records[1:] {
		line := i + 2
		if len(record) != 2 {
			return nil, fmt.Errorf("invalid record at line %d: expected 2 fields", line)
		}
		name := strings.ToLower(strings.TrimSpace(record[0]))
		p, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown parameter %q at line %d", record[0], line)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate parameter %q at line %d", name, line)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s at line %d: %v", name, line, err)
		}
		*p.field(t) = v
		seen[name] = true
	}

	for _, p := range parameters {
		if p.required && !seen[p.name] {
			return nil, fmt.Errorf("missing required parameter %s", p.name)
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the physical plausibility of the table.
func (t *Table) Validate() error {
	if t.Wavelength <= 0 {
		return fmt.Errorf("wavelength must be positive, got %g", t.Wavelength)
	}
	if t.BeamwidthH <= 0 || t.BeamwidthV <= 0 {
		return fmt.Errorf("beamwidths must be positive, got %g/%g", t.BeamwidthH, t.BeamwidthV)
	}
	if t.SampleScale <= 0 {
		return fmt.Errorf("sample_scale must be positive, got %g", t.SampleScale)
	}
	return nil
}

// Set holds the calibration table for every band.
type Set [len(pulse.Bands)]*Table

// LoadSet loads one table per band from paths. A band missing from paths is
// an error: every band's records carry calibration constants.
func LoadSet(paths map[pulse.Band]string) (Set, error) {
	var set Set
	for _, band := range pulse.Bands {
		path, ok := paths[band]
		if !ok || path == "" {
			return Set{}, fmt.Errorf("no calibration file configured for band %v", band)
		}
		t, err := LoadFile(path, band)
		if err != nil {
			return Set{}, fmt.Errorf("band %v: %w", band, err)
		}
		set[band] = t
	}
	return set, nil
}

// For returns the table for band, or nil if band is unknown.
func (s *Set) For(band pulse.Band) *Table {
	if !band.Valid() {
		return nil
	}
	return s[band]
}
