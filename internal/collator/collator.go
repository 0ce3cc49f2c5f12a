// Package collator pairs pulses that share a sequence number across the two
// polarization channels of a dual-channel band.
//
// Each channel has a bounded queue ordered by sequence number. Entries leave a
// queue only by being matched (removed in a pair) or discarded (removed alone
// and counted). Discards are driven by the size bound and by the ordering
// comparison in TryMatch; there is no time-based eviction.
package collator

import (
	"sync/atomic"

	"github.com/banshee-data/pulsefeed/internal/monitoring"
	"github.com/banshee-data/pulsefeed/internal/pulse"
)

// NumQueues is the number of channels the collator pairs.
const NumQueues = 2

// Releaser takes back pulses the collator discards.
type Releaser interface {
	Release(fp *pulse.FullPulse)
}

// Stats is a snapshot of the collator's cumulative diagnostics.
type Stats struct {
	Discards      [NumQueues]int64
	HighWaterMark [NumQueues]int64
	Depth         [NumQueues]int
	Matches       int64
	Mismatches    int64
}

// Collator pairs FullPulses from two channels by sequence number.
//
// AddPulse and TryMatch must be called from a single goroutine. The counter
// accessors are safe to call concurrently.
type Collator struct {
	maxSize  int
	releaser Releaser
	queues   [NumQueues]Queue

	discards   [NumQueues]atomic.Int64
	highWater  [NumQueues]atomic.Int64
	depth      [NumQueues]atomic.Int64
	matches    atomic.Int64
	mismatches atomic.Int64
}

// New creates a collator whose per-channel queues hold at most maxSize
// pulses. Discarded pulses are handed to releaser, which may be nil.
func New(maxSize int, releaser Releaser) *Collator {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Collator{maxSize: maxSize, releaser: releaser}
}

// AddPulse queues fp on channel ch (0 or 1). If the queue then exceeds its
// bound, the lowest sequence numbers are evicted until it fits again.
// A pulse whose sequence number is already queued on the channel replaces the
// older entry, which is counted as a discard.
func (c *Collator) AddPulse(fp *pulse.FullPulse, ch int) {
	if ch < 0 || ch >= NumQueues {
		monitoring.Logf("collator: pulse %d on invalid queue %d dropped", fp.Header.Sequence, ch)
		c.release(fp)
		return
	}

	q := &c.queues[ch]
	if old := q.Insert(fp); old != nil {
		monitoring.Logf("collator: duplicate sequence %d on queue %d, keeping newest", fp.Header.Sequence, ch)
		c.discard(ch, old)
	}
	for q.Len() > c.maxSize {
		c.discard(ch, q.PopMin())
	}

	n := int64(q.Len())
	c.depth[ch].Store(n)
	if n > c.highWater[ch].Load() {
		c.highWater[ch].Store(n)
	}
}

// TryMatch returns the next matched pair, if one is available. While both
// queues are non-empty the lowest keys are compared: equal keys with equal
// gate counts form a match; equal keys with different gate counts are both
// discarded; otherwise the strictly smaller key can never be paired and is
// discarded. The caller owns the returned pulses.
func (c *Collator) TryMatch() (a, b *pulse.FullPulse, ok bool) {
	defer c.syncDepth()

	q0, q1 := &c.queues[0], &c.queues[1]
	for q0.Len() > 0 && q1.Len() > 0 {
		s0, s1 := q0.MinSequence(), q1.MinSequence()
		switch {
		case s0 == s1:
			a, b = q0.PopMin(), q1.PopMin()
			if a.Header.Gates != b.Header.Gates {
				monitoring.Logf("collator: sequence %d gate mismatch (%d vs %d), dropping both",
					s0, a.Header.Gates, b.Header.Gates)
				c.mismatches.Add(1)
				c.discard(0, a)
				c.discard(1, b)
				continue
			}
			c.matches.Add(1)
			return a, b, true
		case s0 < s1:
			c.discard(0, q0.PopMin())
		default:
			c.discard(1, q1.PopMin())
		}
	}
	return nil, nil, false
}

// Len returns the number of pulses pending on channel ch.
func (c *Collator) Len(ch int) int {
	return int(c.depth[ch].Load())
}

// Discards returns the cumulative number of discarded pulses on both channels.
func (c *Collator) Discards() int64 {
	var n int64
	for i := range c.discards {
		n += c.discards[i].Load()
	}
	return n
}

// HighWaterMark returns the largest queue size observed on either channel.
func (c *Collator) HighWaterMark() int64 {
	var n int64
	for i := range c.highWater {
		n = max(n, c.highWater[i].Load())
	}
	return n
}

// Mismatches returns how many equal-sequence pairs were rejected for gate
// count disagreement.
func (c *Collator) Mismatches() int64 {
	return c.mismatches.Load()
}

// Stats returns a snapshot of every counter.
func (c *Collator) Stats() Stats {
	var s Stats
	for i := 0; i < NumQueues; i++ {
		s.Discards[i] = c.discards[i].Load()
		s.HighWaterMark[i] = c.highWater[i].Load()
		s.Depth[i] = int(c.depth[i].Load())
	}
	s.Matches = c.matches.Load()
	s.Mismatches = c.mismatches.Load()
	return s
}

// Drain discards every pending pulse. Used at shutdown so pooled copies are
// returned to their store.
func (c *Collator) Drain() {
	for ch := range c.queues {
		for c.queues[ch].Len() > 0 {
			c.discard(ch, c.queues[ch].PopMin())
		}
	}
	c.syncDepth()
}

func (c *Collator) discard(ch int, fp *pulse.FullPulse) {
	c.discards[ch].Add(1)
	c.release(fp)
}

func (c *Collator) release(fp *pulse.FullPulse) {
	if c.releaser != nil {
		c.releaser.Release(fp)
	}
}

func (c *Collator) syncDepth() {
	for ch := range c.queues {
		c.depth[ch].Store(int64(c.queues[ch].Len()))
	}
}
