package monitoring

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pulsefeed"

// MetricsSource supplies the values exported to Prometheus. Stats is
// required; the gauge functions are optional and skipped when nil.
type MetricsSource struct {
	Stats              *PipelineStats
	BufferDepth        func() float64
	CollatorDepth      func(queue int) float64
	CollatorDiscards   func() float64
	CollatorHighWater  func() float64
	CollatorMismatches func() float64
	LivePulseCopies    func() float64
}

// RegisterMetrics registers counter and gauge functions reading from src.
// Values are read at scrape time, so the pipeline's hot path only touches
// its own atomics.
func RegisterMetrics(reg prometheus.Registerer, src MetricsSource) error {
	if src.Stats == nil {
		return fmt.Errorf("metrics source has no pipeline stats")
	}
	s := src.Stats

	counters := []struct {
		name, help string
		read       func() int64
	}{
		{"datagrams_total", "UDP datagrams received", s.Datagrams.Load},
		{"bytes_total", "UDP payload bytes received", s.Bytes.Load},
		{"malformed_datagrams_total", "Datagrams rejected by the packet codec", s.Malformed.Load},
		{"buffer_drops_total", "Datagrams shed because the shared buffer was full", s.BufferDrops.Load},
		{"pulses_total", "Pulses dispatched", s.Pulses.Load},
		{"sequence_gaps_total", "Sequence gap events across all channels", s.Gaps.Load},
		{"missing_pulses_total", "Pulses implied missing by sequence gaps", s.Missing.Load},
		{"sequence_rewinds_total", "Sequence numbers at or below the last seen", s.Rewinds.Load},
		{"matched_pairs_total", "Collated pulse pairs forwarded", s.Matched.Load},
		{"pulse_records_total", "Pulse records appended to output messages", s.PulseRecords.Load},
		{"info_records_total", "Metadata records appended to output messages", s.InfoRecords.Load},
		{"messages_total", "Messages written to the downstream queue", s.Messages.Load},
		{"write_failures_total", "Messages lost to downstream write failures", s.WriteFailures.Load},
		{"forwarded_total", "Datagrams mirrored to the forward address", s.Forwarded.Load},
		{"forward_drops_total", "Datagrams dropped by the mirror", s.ForwardDrops.Load},
	}
	for _, c := range counters {
		read := c.read
		err := reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(read()) }))
		if err != nil {
			return fmt.Errorf("register %s: %w", c.name, err)
		}
	}

	gauges := []struct {
		name, help string
		read       func() float64
	}{
		{"buffer_depth", "Datagrams waiting in the shared buffer", src.BufferDepth},
		{"collator_high_water_mark", "Largest collator queue size observed", src.CollatorHighWater},
		{"live_pulse_copies", "FullPulse copies not yet released", src.LivePulseCopies},
	}
	for _, g := range gauges {
		if g.read == nil {
			continue
		}
		if err := reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      g.name,
			Help:      g.help,
		}, g.read)); err != nil {
			return fmt.Errorf("register %s: %w", g.name, err)
		}
	}

	for _, c := range []struct {
		name, help string
		read       func() float64
	}{
		{"collator_discards_total", "Pulses discarded by the collator", src.CollatorDiscards},
		{"collator_mismatches_total", "Equal-sequence pairs rejected for gate count disagreement", src.CollatorMismatches},
	} {
		if c.read == nil {
			continue
		}
		if err := reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      c.name,
			Help:      c.help,
		}, c.read)); err != nil {
			return fmt.Errorf("register %s: %w", c.name, err)
		}
	}

	if src.CollatorDepth != nil {
		for q := 0; q < 2; q++ {
			if err := reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   metricsNamespace,
				Name:        "collator_queue_depth",
				Help:        "Pulses pending in a collator queue",
				ConstLabels: prometheus.Labels{"queue": fmt.Sprint(q)},
			}, func() float64 { return src.CollatorDepth(q) })); err != nil {
				return fmt.Errorf("register collator_queue_depth{queue=%d}: %w", q, err)
			}
		}
	}
	return nil
}
