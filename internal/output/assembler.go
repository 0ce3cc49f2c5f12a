// Package output batches serialized records into framed messages and hands
// them to the downstream queue.
package output

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/pulsefeed/internal/monitoring"
	"github.com/banshee-data/pulsefeed/internal/pulse"
)

// DefaultBatchSize is the record count at which a band's accumulator flushes.
const DefaultBatchSize = 100

// ErrWriteFailed wraps downstream write errors returned by Flush.
var ErrWriteFailed = errors.New("downstream write failed")

// Writer is the downstream queue: it appends one message and reports
// success or failure. Implementations must not retain m.Body after
// returning.
type Writer interface {
	Write(ctx context.Context, m *Message) error
}

// Record is a value that can be appended to a message.
type Record interface {
	RecordField() protowire.Number
	AppendProto(b []byte) []byte
}

// Options configures an Assembler.
type Options struct {
	BatchSize int
	Compress  bool
	RunID     uuid.UUID // stamped on every message; a random ID is used when zero
}

type accumulator struct {
	body  []byte
	count int
	seq   uint64 // last sequence number written
}

// Assembler accumulates records per band and flushes them as messages.
// It is owned by the dispatcher goroutine and not safe for concurrent use.
type Assembler struct {
	w       Writer
	opts    Options
	stats   *monitoring.PipelineStats
	acc     [len(pulse.Bands)]accumulator
	scratch []byte
}

// NewAssembler creates an Assembler writing to w. stats may be nil.
func NewAssembler(w Writer, opts Options, stats *monitoring.PipelineStats) *Assembler {
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RunID == uuid.Nil {
		opts.RunID = uuid.New()
	}
	if stats == nil {
		stats = monitoring.NewPipelineStats()
	}
	return &Assembler{w: w, opts: opts, stats: stats}
}

// RunID returns the ID stamped on this run's messages.
func (a *Assembler) RunID() uuid.UUID {
	return a.opts.RunID
}

// Append serializes rec onto band's accumulator.
func (a *Assembler) Append(band pulse.Band, rec Record) {
	if !band.Valid() {
		monitoring.Logf("output: dropping record for unknown band %v", band)
		return
	}
	a.scratch = rec.AppendProto(a.scratch[:0])
	acc := &a.acc[band]
	acc.body = protowire.AppendTag(acc.body, rec.RecordField(), protowire.BytesType)
	acc.body = protowire.AppendBytes(acc.body, a.scratch)
	acc.count++
}

// Pending returns the number of records waiting on band.
func (a *Assembler) Pending(band pulse.Band) int {
	if !band.Valid() {
		return 0
	}
	return a.acc[band].count
}

// MaybeFlush flushes band once it holds at least BatchSize records.
func (a *Assembler) MaybeFlush(ctx context.Context, band pulse.Band) error {
	if a.Pending(band) < a.opts.BatchSize {
		return nil
	}
	return a.Flush(ctx, band)
}

// Flush writes band's pending records as one message. The accumulator is
// cleared whether or not the write succeeds; a failed batch is lost.
func (a *Assembler) Flush(ctx context.Context, band pulse.Band) error {
	if a.Pending(band) == 0 {
		return nil
	}
	acc := &a.acc[band]
	acc.seq++
	m := &Message{
		Band:     band,
		Sequence: acc.seq,
		RunID:    a.opts.RunID,
		Count:    acc.count,
		Body:     acc.body,
	}
	defer func() {
		acc.body = acc.body[:0]
		acc.count = 0
	}()

	if a.opts.Compress {
		enc, _, err := zstdCodecs()
		if err != nil {
			return a.failed(m, fmt.Errorf("zstd encoder: %w", err))
		}
		m.Body = enc.EncodeAll(acc.body, nil)
		m.Flags |= FlagZstd
	}

	if err := a.w.Write(ctx, m); err != nil {
		return a.failed(m, err)
	}
	a.stats.Messages.Add(1)
	return nil
}

func (a *Assembler) failed(m *Message, err error) error {
	a.stats.WriteFailures.Add(1)
	monitoring.Logf("output: band %v message %d (%d records) lost: %v", m.Band, m.Sequence, m.Count, err)
	return fmt.Errorf("%w: %w", ErrWriteFailed, err)
}

// FlushAll flushes every band with pending records, returning the joined
// write errors.
func (a *Assembler) FlushAll(ctx context.Context) error {
	var errs []error
	for _, band := range pulse.Bands {
		if err := a.Flush(ctx, band); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
