package pipeline

import (
	"math"

	"github.com/banshee-data/pulsefeed/internal/pulse"
)

// SequenceTracker remembers the last sequence number seen on each channel.
type SequenceTracker struct {
	last [pulse.NumChannels]int64
	seen [pulse.NumChannels]bool
}

// Observe records seq on ch and returns the discontinuity relative to the
// previous pulse on that channel: the number of missing pulses (new - last - 1)
// when positive, a negative value when the sequence went backwards or
// repeated, and 0 when seq is the expected successor or the first pulse seen.
func (t *SequenceTracker) Observe(ch pulse.Channel, seq int64) int64 {
	if !ch.Valid() {
		return 0
	}
	last, seen := t.last[ch], t.seen[ch]
	t.last[ch], t.seen[ch] = seq, true
	if !seen {
		return 0
	}
	// Differences are taken in uint64 so that jumps across the whole int64
	// range keep their sign; magnitudes beyond MaxInt64 saturate.
	if seq > last {
		return saturate(uint64(seq) - uint64(last) - 1)
	}
	return -saturate(uint64(last)-uint64(seq)) - 1
}

func saturate(n uint64) int64 {
	if n > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(n)
}

// Last returns the last sequence number seen on ch and whether any was seen.
func (t *SequenceTracker) Last(ch pulse.Channel) (int64, bool) {
	if !ch.Valid() {
		return 0, false
	}
	return t.last[ch], t.seen[ch]
}
