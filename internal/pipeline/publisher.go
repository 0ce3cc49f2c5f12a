package pipeline

import (
	"context"

	"github.com/banshee-data/pulsefeed/internal/monitoring"
	"github.com/banshee-data/pulsefeed/internal/output"
	"github.com/banshee-data/pulsefeed/internal/pulse"
	"github.com/banshee-data/pulsefeed/internal/reformat"
)

// Publisher takes pulses that are ready to leave the pipeline. Single
// receives single-channel views that are only valid for the duration of the
// call; Pair receives collated pairs that the caller releases afterwards.
type Publisher interface {
	Single(ctx context.Context, v *pulse.View)
	Pair(ctx context.Context, a, b *pulse.FullPulse)
	Flush(ctx context.Context) error
}

// RecordPublisher reformats pulses and appends the resulting records to an
// output assembler, flushing each band as its batch fills.
type RecordPublisher struct {
	reformatter *reformat.Reformatter
	assembler   *output.Assembler
	stats       *monitoring.PipelineStats
}

// NewRecordPublisher wires a reformatter to an assembler.
func NewRecordPublisher(r *reformat.Reformatter, a *output.Assembler, stats *monitoring.PipelineStats) *RecordPublisher {
	return &RecordPublisher{reformatter: r, assembler: a, stats: stats}
}

func (p *RecordPublisher) Single(ctx context.Context, v *pulse.View) {
	p.publish(ctx, p.reformatter.Single(v))
}

func (p *RecordPublisher) Pair(ctx context.Context, a, b *pulse.FullPulse) {
	p.publish(ctx, p.reformatter.Pair(a, b))
}

// Flush writes every partially filled batch.
func (p *RecordPublisher) Flush(ctx context.Context) error {
	return p.assembler.FlushAll(ctx)
}

func (p *RecordPublisher) publish(ctx context.Context, res reformat.Result) {
	if res.Info != nil {
		p.assembler.Append(res.Band, res.Info)
		p.stats.InfoRecords.Add(1)
	}
	p.assembler.Append(res.Band, res.Pulse)
	p.stats.PulseRecords.Add(1)
	// Write failures are logged and counted by the assembler.
	_ = p.assembler.MaybeFlush(ctx, res.Band)
}
