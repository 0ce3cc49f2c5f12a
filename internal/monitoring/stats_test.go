package monitoring

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatWithCommas(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-1234, "-1,234"},
		{-12, "-12"},
	}
	for _, tt := range tests {
		if got := FormatWithCommas(tt.in); got != tt.want {
			t.Errorf("FormatWithCommas(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReporter_Report(t *testing.T) {
	stats := NewPipelineStats()
	clock := time.Unix(0, 0)
	r := NewReporter(stats)
	r.now = func() time.Time { return clock }
	r.at = clock

	clock = clock.Add(time.Second)
	assert.Empty(t, r.Report(), "idle interval reports nothing")

	stats.AddDatagram(1024 * 1024)
	stats.Pulses.Add(2000)
	stats.AddGap(3)
	stats.BufferDrops.Add(5)
	clock = clock.Add(time.Second)

	line := r.Report()
	assert.Contains(t, line, "1.00 MB")
	assert.Contains(t, line, "2,000 pulses")
	assert.Contains(t, line, "5 dropped on full buffer")
	assert.Contains(t, line, "1 gaps (3 missing)")
	assert.NotContains(t, line, "malformed")

	stats.AddDatagram(10)
	stats.Pulses.Add(1000)
	clock = clock.Add(time.Second)
	line = r.Report()
	assert.Contains(t, line, "1,000 pulses")
	assert.Contains(t, line, "avg 1,500")
	assert.NotContains(t, line, "gaps")
}

func TestRegisterMetrics(t *testing.T) {
	stats := NewPipelineStats()
	reg := prometheus.NewRegistry()
	err := RegisterMetrics(reg, MetricsSource{
		Stats:            stats,
		BufferDepth:      func() float64 { return 7 },
		CollatorDepth:    func(q int) float64 { return float64(q + 1) },
		CollatorDiscards: func() float64 { return 3 },
	})
	require.NoError(t, err)

	stats.AddDatagram(100)
	stats.Malformed.Add(2)

	expected := `
# HELP pulsefeed_malformed_datagrams_total Datagrams rejected by the packet codec
# TYPE pulsefeed_malformed_datagrams_total counter
pulsefeed_malformed_datagrams_total 2
# HELP pulsefeed_buffer_depth Datagrams waiting in the shared buffer
# TYPE pulsefeed_buffer_depth gauge
pulsefeed_buffer_depth 7
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"pulsefeed_malformed_datagrams_total", "pulsefeed_buffer_depth"))

	n, err := testutil.GatherAndCount(reg, "pulsefeed_collator_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Error(t, RegisterMetrics(prometheus.NewRegistry(), MetricsSource{}))
}
