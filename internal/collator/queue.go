package collator

import (
	"slices"

	"github.com/banshee-data/pulsefeed/internal/pulse"
)

// Queue is an ordered set of pending pulses keyed by sequence number.
// Pulses normally arrive in increasing order, so inserts append at the tail
// and removals pop from the head; out-of-order arrivals are placed by binary
// search.
type Queue struct {
	items []*pulse.FullPulse
	head  int
}

// Len returns the number of pending pulses.
func (q *Queue) Len() int {
	return len(q.items) - q.head
}

// MinSequence returns the lowest queued sequence number. The queue must not be empty.
func (q *Queue) MinSequence() int64 {
	return q.items[q.head].Header.Sequence
}

// Insert places fp by sequence number. If an entry with the same sequence
// number is already present it is replaced and returned.
func (q *Queue) Insert(fp *pulse.FullPulse) (replaced *pulse.FullPulse) {
	seq := fp.Header.Sequence
	if q.Len() == 0 || q.items[len(q.items)-1].Header.Sequence < seq {
		q.items = append(q.items, fp)
		return nil
	}

	live := q.items[q.head:]
	i, found := slices.BinarySearchFunc(live, seq, func(p *pulse.FullPulse, s int64) int {
		switch {
		case p.Header.Sequence < s:
			return -1
		case p.Header.Sequence > s:
			return 1
		}
		return 0
	})
	if found {
		replaced = live[i]
		live[i] = fp
		return replaced
	}
	q.items = slices.Insert(q.items, q.head+i, fp)
	return nil
}

// PopMin removes and returns the lowest-sequence pulse. The queue must not be empty.
func (q *Queue) PopMin() *pulse.FullPulse {
	fp := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head >= 1024 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return fp
}
