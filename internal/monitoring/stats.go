package monitoring

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"
)

// rateWindow is how many stats intervals feed the pulse-rate mean and spread.
const rateWindow = 30

// PipelineStats holds the cumulative counters of the ingest pipeline.
// Every counter is monotonically non-decreasing and safe for concurrent use:
// the reader and dispatcher goroutines write, reporters and scrapers read.
type PipelineStats struct {
	Datagrams     atomic.Int64 // datagrams received from the socket
	Bytes         atomic.Int64 // bytes received from the socket
	Malformed     atomic.Int64 // datagrams rejected by the codec
	BufferDrops   atomic.Int64 // datagrams shed because the shared buffer was full
	Pulses        atomic.Int64 // pulses dispatched
	Gaps          atomic.Int64 // sequence gap events
	Missing       atomic.Int64 // pulses implied missing by gaps
	Rewinds       atomic.Int64 // sequence numbers at or below the last seen
	Matched       atomic.Int64 // collated pairs forwarded
	PulseRecords  atomic.Int64 // pulse records appended to the output
	InfoRecords   atomic.Int64 // metadata records appended to the output
	Messages      atomic.Int64 // messages written downstream
	WriteFailures atomic.Int64 // messages lost to downstream write errors
	Forwarded     atomic.Int64 // datagrams mirrored to the forward address
	ForwardDrops  atomic.Int64 // datagrams the mirror could not keep up with
}

// NewPipelineStats creates a zeroed counter set.
func NewPipelineStats() *PipelineStats {
	return &PipelineStats{}
}

// AddDatagram records one received datagram of the given size.
func (s *PipelineStats) AddDatagram(bytes int) {
	s.Datagrams.Add(1)
	s.Bytes.Add(int64(bytes))
}

// AddGap records a sequence gap with the number of missing pulses.
func (s *PipelineStats) AddGap(missing int64) {
	s.Gaps.Add(1)
	s.Missing.Add(missing)
}

// Snapshot is a point-in-time copy of PipelineStats.
type Snapshot struct {
	Datagrams, Bytes, Malformed, BufferDrops int64
	Pulses, Gaps, Missing, Rewinds, Matched  int64
	PulseRecords, InfoRecords, Messages      int64
	WriteFailures, Forwarded, ForwardDrops   int64
}

// Snapshot reads every counter. Individual counters are atomic; the snapshot
// as a whole is not, which is fine for reporting.
func (s *PipelineStats) Snapshot() Snapshot {
	return Snapshot{
		Datagrams:     s.Datagrams.Load(),
		Bytes:         s.Bytes.Load(),
		Malformed:     s.Malformed.Load(),
		BufferDrops:   s.BufferDrops.Load(),
		Pulses:        s.Pulses.Load(),
		Gaps:          s.Gaps.Load(),
		Missing:       s.Missing.Load(),
		Rewinds:       s.Rewinds.Load(),
		Matched:       s.Matched.Load(),
		PulseRecords:  s.PulseRecords.Load(),
		InfoRecords:   s.InfoRecords.Load(),
		Messages:      s.Messages.Load(),
		WriteFailures: s.WriteFailures.Load(),
		Forwarded:     s.Forwarded.Load(),
		ForwardDrops:  s.ForwardDrops.Load(),
	}
}

// Reporter turns successive snapshots into per-second rates for the log.
type Reporter struct {
	mu    sync.Mutex
	stats *PipelineStats
	last  Snapshot
	at    time.Time
	rates []float64
	now   func() time.Time
}

// NewReporter creates a reporter over stats, starting its first interval now.
func NewReporter(stats *PipelineStats) *Reporter {
	r := &Reporter{stats: stats, now: time.Now}
	r.at = r.now()
	r.last = stats.Snapshot()
	return r
}

// Report builds the stats line for the interval since the previous call.
// It returns an empty string when nothing happened.
func (r *Reporter) Report() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cur := r.stats.Snapshot()
	elapsed := now.Sub(r.at).Seconds()
	prev := r.last
	r.last, r.at = cur, now
	if elapsed <= 0 {
		return ""
	}

	datagrams := cur.Datagrams - prev.Datagrams
	drops := cur.BufferDrops - prev.BufferDrops
	if datagrams == 0 && drops == 0 {
		return ""
	}

	pulseRate := float64(cur.Pulses-prev.Pulses) / elapsed
	r.rates = append(r.rates, pulseRate)
	if len(r.rates) > rateWindow {
		r.rates = r.rates[len(r.rates)-rateWindow:]
	}
	mean, std := stat.MeanStdDev(r.rates, nil)
	if len(r.rates) < 2 {
		std = 0
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Pulse stats (/sec): %.2f MB, %.1f datagrams, %s pulses (avg %s ± %.0f)",
		float64(cur.Bytes-prev.Bytes)/elapsed/(1024*1024),
		float64(datagrams)/elapsed,
		FormatWithCommas(int64(pulseRate)),
		FormatWithCommas(int64(mean)), std)
	if d := cur.Malformed - prev.Malformed; d > 0 {
		fmt.Fprintf(&b, ", %d malformed", d)
	}
	if drops > 0 {
		fmt.Fprintf(&b, ", %d dropped on full buffer", drops)
	}
	if d := cur.Gaps - prev.Gaps; d > 0 {
		fmt.Fprintf(&b, ", %d gaps (%d missing)", d, cur.Missing-prev.Missing)
	}
	if d := cur.WriteFailures - prev.WriteFailures; d > 0 {
		fmt.Fprintf(&b, ", %d failed writes", d)
	}
	return b.String()
}

// LogStats logs the current interval's stats line, if any.
func (r *Reporter) LogStats() {
	if line := r.Report(); line != "" {
		Logf("%s", line)
	}
}

// FormatWithCommas formats a number with thousands separators
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(str, "-")
	if neg {
		str = str[1:]
	}
	if len(str) <= 3 {
		if neg {
			return "-" + str
		}
		return str
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(char)
	}
	return b.String()
}
