// Package pipeline connects the network reader to the output stage: the
// shared datagram buffer, per-channel sequence bookkeeping, and the
// dispatcher that routes pulses through the collator.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/pulsefeed/internal/collator"
	"github.com/banshee-data/pulsefeed/internal/liveness"
	"github.com/banshee-data/pulsefeed/internal/monitoring"
	"github.com/banshee-data/pulsefeed/internal/pulse"
)

const (
	// DefaultPollInterval bounds how long the dispatcher waits on an empty
	// buffer before checking again.
	DefaultPollInterval = 5 * time.Millisecond
	// DefaultFlushTimeout bounds the final flush on shutdown.
	DefaultFlushTimeout = 5 * time.Second

	livenessInterval = time.Second
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	PollInterval time.Duration
	FlushTimeout time.Duration
	Liveness     liveness.Reporter
}

// State is the scan state tracked from band A pulses.
type State struct {
	Valid             bool // a band A pulse has been seen
	Sweep             int32
	Volume            int32
	AntennaTransition bool
}

// Dispatcher is the consumer side of the pipeline. It owns the collator and
// the publisher; nothing else may touch them while Run is active.
type Dispatcher struct {
	buf      *Buffer
	store    *pulse.Store
	collator *collator.Collator
	pub      Publisher
	stats    *monitoring.PipelineStats
	opts     DispatcherOptions

	seq          SequenceTracker
	malformedLog *monitoring.Throttle
	gapLog       *monitoring.Throttle
	lastAlive    time.Time

	mu    sync.Mutex
	state State
}

// NewDispatcher creates a dispatcher draining buf.
func NewDispatcher(buf *Buffer, store *pulse.Store, c *collator.Collator, pub Publisher,
	stats *monitoring.PipelineStats, opts DispatcherOptions) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	if opts.Liveness == nil {
		opts.Liveness = liveness.Noop{}
	}
	if stats == nil {
		stats = monitoring.NewPipelineStats()
	}
	return &Dispatcher{
		buf:          buf,
		store:        store,
		collator:     c,
		pub:          pub,
		stats:        stats,
		opts:         opts,
		malformedLog: monitoring.NewThrottle(time.Second),
		gapLog:       monitoring.NewThrottle(time.Second),
	}
}

// Run drains the buffer until ctx is cancelled. On cancellation it stops
// taking datagrams, releases pulses still waiting in the collator and
// flushes partially filled output batches.
func (d *Dispatcher) Run(ctx context.Context) error {
	monitoring.Logf("dispatcher: started (poll %v)", d.opts.PollInterval)
	timer := time.NewTimer(d.opts.PollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return d.shutdown(ctx)
		}
		d.alive()

		b, ok := d.buf.Pop()
		if !ok {
			timer.Reset(d.opts.PollInterval)
			select {
			case <-ctx.Done():
			case <-d.buf.Ready():
			case <-timer.C:
			}
			continue
		}
		d.Process(ctx, b)
	}
}

func (d *Dispatcher) alive() {
	now := time.Now()
	if now.Sub(d.lastAlive) < livenessInterval {
		return
	}
	d.lastAlive = now
	d.opts.Liveness.Alive("dispatcher", "dispatching")
}

func (d *Dispatcher) shutdown(ctx context.Context) error {
	pending := d.collator.Len(0) + d.collator.Len(1)
	d.collator.Drain()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.FlushTimeout)
	defer cancel()
	err := d.pub.Flush(flushCtx)
	if err != nil {
		monitoring.Logf("dispatcher: final flush: %v", err)
	}
	monitoring.Logf("dispatcher: stopped (%d uncollated pulses dropped, %d datagrams left in buffer)",
		pending, d.buf.Len())
	return err
}

// Process decodes one datagram and dispatches each of its pulses. Errors
// never escape: a malformed datagram is counted and skipped.
func (d *Dispatcher) Process(ctx context.Context, b []byte) {
	pkt, err := pulse.NewPacket(b)
	if err != nil {
		d.stats.Malformed.Add(1)
		d.malformedLog.Logf("dispatcher: dropping datagram: %v", err)
		return
	}
	views := pkt.Pulses()
	for i := range views {
		d.dispatch(ctx, &views[i])
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, v *pulse.View) {
	h := &v.Header
	d.stats.Pulses.Add(1)

	if gap := d.seq.Observe(h.Channel, h.Sequence); gap > 0 {
		d.stats.AddGap(gap)
		d.gapLog.Logf("dispatcher: channel %v sequence gap before %d: %d pulses missing", h.Channel, h.Sequence, gap)
	} else if gap < 0 {
		d.stats.Rewinds.Add(1)
	}

	switch h.Channel {
	case pulse.ChannelA:
		d.track(h)
		d.pub.Single(ctx, v)
	case pulse.ChannelBH, pulse.ChannelBV:
		d.collator.AddPulse(d.store.Copy(v), h.Channel.CollatorIndex())
		for {
			a, b, ok := d.collator.TryMatch()
			if !ok {
				break
			}
			d.stats.Matched.Add(1)
			d.pub.Pair(ctx, a, b)
			d.store.Release(a)
			d.store.Release(b)
		}
	}
}

// track follows the scan state carried on band A.
func (d *Dispatcher) track(h *pulse.Header) {
	d.mu.Lock()
	prev := d.state
	d.state = State{
		Valid:             true,
		Sweep:             h.Sweep,
		Volume:            h.Volume,
		AntennaTransition: h.AntennaTransition,
	}
	d.mu.Unlock()

	if !prev.Valid {
		monitoring.Logf("dispatcher: scan state sweep %d volume %d", h.Sweep, h.Volume)
		return
	}
	if prev.Sweep != h.Sweep || prev.Volume != h.Volume {
		monitoring.Logf("dispatcher: sweep %d/%d -> %d/%d", prev.Volume, prev.Sweep, h.Volume, h.Sweep)
	}
	if prev.AntennaTransition != h.AntennaTransition {
		if h.AntennaTransition {
			monitoring.Logf("dispatcher: antenna in transition at sweep %d", h.Sweep)
		} else {
			monitoring.Logf("dispatcher: antenna settled at sweep %d", h.Sweep)
		}
	}
}

// State returns the latest scan state. Safe to call from any goroutine.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
