package pipeline

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsefeed/internal/pulse"
)

func TestBuffer_ShedsNewestWhenFull(t *testing.T) {
	const n, k = 8, 3
	q := NewBuffer(n)

	for i := 0; i < n+k; i++ {
		accepted := q.TryPush([]byte{byte(i)})
		assert.Equal(t, i < n, accepted, "push %d", i)
		assert.LessOrEqual(t, q.Len(), n)
	}
	assert.Equal(t, int64(k), q.Dropped())
	assert.Equal(t, int64(n), q.Pushed())

	// The survivors are the oldest n, in order.
	for i := 0; i < n; i++ {
		b, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, byte(i), b[0])
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestBuffer_WrapsAround(t *testing.T) {
	q := NewBuffer(3)
	next := byte(0)
	want := byte(0)
	for round := 0; round < 5; round++ {
		for q.TryPush([]byte{next}) {
			next++
		}
		for i := 0; i < 2; i++ {
			b, ok := q.Pop()
			require.True(t, ok)
			assert.Equal(t, want, b[0])
			want++
		}
	}
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 3, q.Cap())
}

func TestBuffer_ReadySignalled(t *testing.T) {
	q := NewBuffer(4)
	select {
	case <-q.Ready():
		t.Fatal("ready before any push")
	default:
	}
	q.TryPush([]byte{1})
	q.TryPush([]byte{2})
	select {
	case <-q.Ready():
	default:
		t.Fatal("ready not signalled")
	}
}

func TestBuffer_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultBufferCapacity, NewBuffer(0).Cap())
}

func TestBuffer_ConcurrentProducerConsumer(t *testing.T) {
	q := NewBuffer(64)
	const total = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			q.TryPush([]byte{byte(i)})
		}
	}()

	popped := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		if _, ok := q.Pop(); ok {
			popped++
			continue
		}
		select {
		case <-done:
			for {
				if _, ok := q.Pop(); !ok {
					break
				}
				popped++
			}
			assert.Equal(t, int64(total), int64(popped)+q.Dropped())
			return
		default:
		}
	}
}

func TestSequenceTracker_Gaps(t *testing.T) {
	var tr SequenceTracker
	var gaps []int64
	for _, seq := range []int64{10, 11, 13} {
		if g := tr.Observe(pulse.ChannelA, seq); g != 0 {
			gaps = append(gaps, g)
		}
	}
	assert.Equal(t, []int64{1}, gaps)

	last, ok := tr.Last(pulse.ChannelA)
	assert.True(t, ok)
	assert.Equal(t, int64(13), last)
}

func TestSequenceTracker_ChannelsIndependent(t *testing.T) {
	var tr SequenceTracker
	assert.Zero(t, tr.Observe(pulse.ChannelBH, 100))
	assert.Zero(t, tr.Observe(pulse.ChannelBV, 5), "first pulse on a channel is never a gap")
	assert.Zero(t, tr.Observe(pulse.ChannelBH, 101))
	assert.Equal(t, int64(3), tr.Observe(pulse.ChannelBV, 9))
}

func TestSequenceTracker_Rewind(t *testing.T) {
	var tr SequenceTracker
	tr.Observe(pulse.ChannelA, 50)
	assert.Negative(t, tr.Observe(pulse.ChannelA, 20))
	assert.Negative(t, tr.Observe(pulse.ChannelA, 20), "repeat")
	assert.Zero(t, tr.Observe(pulse.ChannelA, 21))
}

func TestSequenceTracker_FirstPulseZero(t *testing.T) {
	var tr SequenceTracker
	assert.Zero(t, tr.Observe(pulse.ChannelA, 0))
	assert.Zero(t, tr.Observe(pulse.ChannelA, 1))
	assert.Equal(t, int64(2), tr.Observe(pulse.ChannelA, 4))
	assert.Zero(t, tr.Observe(pulse.Channel(9), 4))
}

func TestSequenceTracker_ExtremeJumpsKeepDirection(t *testing.T) {
	var tr SequenceTracker
	tr.Observe(pulse.ChannelA, math.MinInt64)
	assert.Equal(t, int64(math.MaxInt64), tr.Observe(pulse.ChannelA, math.MaxInt64),
		"forward jump across the whole range is a gap, not a rewind")
	assert.Equal(t, int64(math.MinInt64), tr.Observe(pulse.ChannelA, math.MinInt64),
		"backward jump across the whole range is a rewind")
	assert.Zero(t, tr.Observe(pulse.ChannelA, math.MinInt64+1))

	tr.Observe(pulse.ChannelBH, -5)
	assert.Equal(t, int64(9), tr.Observe(pulse.ChannelBH, 5))
}
