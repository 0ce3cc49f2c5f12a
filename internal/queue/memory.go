// Package queue provides the downstream message stores the output
// assembler writes to: a SQLite append-only queue, an MQTT sink, and an
// in-memory queue for tests and dry runs.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/pulsefeed/internal/output"
)

// ErrClosed is returned by writes to a closed queue.
var ErrClosed = errors.New("queue closed")

// MemoryQueue keeps messages in memory. Failures can be injected to
// exercise the assembler's lossy write policy.
type MemoryQueue struct {
	mu       sync.Mutex
	msgs     []*output.Message
	failNext int
	failErr  error
	closed   bool
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// FailNext makes the next n writes fail with err.
func (q *MemoryQueue) FailNext(n int, err error) {
	if err == nil {
		err = errors.New("injected write failure")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failNext = n
	q.failErr = err
}

// Write stores a copy of m.
func (q *MemoryQueue) Write(ctx context.Context, m *output.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.failNext > 0 {
		q.failNext--
		return q.failErr
	}
	q.msgs = append(q.msgs, m.Clone())
	return nil
}

// Messages returns the stored messages in write order.
func (q *MemoryQueue) Messages() []*output.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*output.Message(nil), q.msgs...)
}

// Len returns the number of stored messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Close makes later writes fail with ErrClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
