package pipeline

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferCapacity is the shared buffer size used when none is configured.
const DefaultBufferCapacity = 10000

// Buffer is the bounded FIFO of raw datagram copies shared by the reader
// (producer) and the dispatcher (consumer). The lock is held only for the
// push or pop itself, never across decoding.
//
// When the buffer is full TryPush sheds the new datagram instead of blocking
// the reader, so the oldest data is always the data that survives.
type Buffer struct {
	mu    sync.Mutex
	ring  [][]byte
	head  int // index of the oldest entry
	count int

	ready   chan struct{}
	pushed  atomic.Int64
	dropped atomic.Int64
}

// NewBuffer creates a buffer holding at most capacity datagrams.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{
		ring:  make([][]byte, capacity),
		ready: make(chan struct{}, 1),
	}
}

// TryPush appends b at the tail. It returns false, and counts a drop, when
// the buffer is full. The buffer takes ownership of b.
func (q *Buffer) TryPush(b []byte) bool {
	q.mu.Lock()
	if q.count == len(q.ring) {
		q.mu.Unlock()
		q.dropped.Add(1)
		return false
	}
	q.ring[(q.head+q.count)%len(q.ring)] = b
	q.count++
	q.mu.Unlock()

	q.pushed.Add(1)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Pop removes and returns the oldest datagram, or false when empty.
func (q *Buffer) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	b := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	return b, true
}

// Ready is signalled after a push. A consumer that finds the buffer empty
// may wait on it instead of sleeping for a full poll interval.
func (q *Buffer) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of buffered datagrams.
func (q *Buffer) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the buffer capacity.
func (q *Buffer) Cap() int {
	return len(q.ring)
}

// Dropped returns the cumulative number of datagrams shed on a full buffer.
func (q *Buffer) Dropped() int64 {
	return q.dropped.Load()
}

// Pushed returns the cumulative number of datagrams accepted.
func (q *Buffer) Pushed() int64 {
	return q.pushed.Load()
}
