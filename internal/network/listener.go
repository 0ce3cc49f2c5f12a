// Package network owns the UDP side of the pipeline: the reader that
// validates datagrams and hands them to the shared buffer, multicast group
// membership, the optional mirror forwarder, and PCAP capture and replay.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/pulsefeed/internal/liveness"
	"github.com/banshee-data/pulsefeed/internal/monitoring"
	"github.com/banshee-data/pulsefeed/internal/pulse"
)

const (
	DefaultReadTimeout   = 1000 * time.Millisecond
	DefaultRetryInterval = 5 * time.Second
	DefaultRcvBuf        = 4 << 20

	waitPoll = time.Millisecond
)

// Sink accepts owned datagram copies without blocking. It returns false
// when the datagram had to be dropped.
type Sink interface {
	TryPush(b []byte) bool
}

// ReaderConfig contains configuration options for the Reader.
type ReaderConfig struct {
	Address        string        // host:port to bind
	MulticastGroup string        // optional IPv4 multicast group to join
	Interface      string        // interface for the multicast join; empty for default
	RcvBuf         int           // socket receive buffer in bytes
	ReadTimeout    time.Duration // bounded wait per read
	RetryInterval  time.Duration // sleep between bind attempts
	Sink           Sink
	Stats          *monitoring.PipelineStats
	Forwarder      *Forwarder
	Capture        *PCAPWriter
	Liveness       liveness.Reporter
	SocketFactory  UDPSocketFactory
}

// Reader is the producer side of the pipeline. It never touches the
// collator or the output stage: valid datagrams are copied and pushed to
// the sink, and everything else is counted.
type Reader struct {
	config       ReaderConfig
	malformedLog *monitoring.Throttle
	dropLog      *monitoring.Throttle
	captureLog   *monitoring.Throttle

	lastAlive time.Time
	lastDoing string
}

// NewReader creates a Reader with defaults filled in.
func NewReader(config ReaderConfig) *Reader {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.RcvBuf <= 0 {
		config.RcvBuf = DefaultRcvBuf
	}
	if config.Stats == nil {
		config.Stats = monitoring.NewPipelineStats()
	}
	if config.Liveness == nil {
		config.Liveness = liveness.Noop{}
	}
	if config.SocketFactory == nil {
		config.SocketFactory = NewRealUDPSocketFactory()
	}
	return &Reader{
		config:       config,
		malformedLog: monitoring.NewThrottle(time.Second),
		dropLog:      monitoring.NewThrottle(time.Second),
		captureLog:   monitoring.NewThrottle(time.Minute),
	}
}

// Run binds the socket and reads until ctx is cancelled. Bind failures and
// socket errors are retried indefinitely; Run only returns on cancellation.
func (r *Reader) Run(ctx context.Context) error {
	if r.config.Forwarder != nil {
		r.config.Forwarder.Start(ctx)
	}
	for {
		sock, err := r.open()
		if err != nil {
			monitoring.Logf("reader: %v; retrying in %v", err, r.config.RetryInterval)
			r.alive("waiting for socket")
		} else {
			err = r.serve(ctx, sock)
			sock.Close()
			if ctx.Err() != nil {
				monitoring.Logf("reader: stopped")
				return nil
			}
			monitoring.Logf("reader: socket error: %v; reopening in %v", err, r.config.RetryInterval)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.config.RetryInterval):
		}
	}
}

func (r *Reader) open() (UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", r.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	sock, err := r.config.SocketFactory.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if err := sock.SetReadBuffer(r.config.RcvBuf); err != nil {
		monitoring.Logf("Warning: Failed to set UDP receive buffer size to %d: %v", r.config.RcvBuf, err)
	}
	if r.config.MulticastGroup != "" {
		if err := joinMulticast(sock, r.config.MulticastGroup, r.config.Interface); err != nil {
			sock.Close()
			return nil, err
		}
		monitoring.Logf("reader: joined multicast group %s", r.config.MulticastGroup)
	}
	monitoring.Logf("reader: listening on %s with receive buffer %d bytes", sock.LocalAddr(), r.config.RcvBuf)
	return sock, nil
}

func (r *Reader) serve(ctx context.Context, sock UDPSocket) error {
	buffer := make([]byte, pulse.MAX_DATAGRAM_SIZE)
	local, _ := sock.LocalAddr().(*net.UDPAddr)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := sock.SetReadDeadline(time.Now().Add(r.config.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, from, err := sock.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				r.alive("waiting for data")
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		r.alive("reading")

		if r.config.Capture != nil {
			if err := r.config.Capture.WriteDatagram(time.Now(), from, local, buffer[:n]); err != nil {
				r.captureLog.Logf("reader: capture write failed: %v", err)
			}
		}
		r.Handle(buffer[:n])
	}
}

// alive forwards a liveness notification at most once a second unless the
// activity changed.
func (r *Reader) alive(doing string) {
	now := time.Now()
	if doing == r.lastDoing && now.Sub(r.lastAlive) < time.Second {
		return
	}
	r.lastAlive, r.lastDoing = now, doing
	r.config.Liveness.Alive("reader", doing)
}

// Handle validates one datagram and pushes an owned copy to the sink.
// datagram may be reused by the caller once Handle returns.
func (r *Reader) Handle(datagram []byte) {
	owned, ok := r.accept(datagram)
	if !ok {
		return
	}
	if !r.config.Sink.TryPush(owned) {
		r.dropped()
	}
}

// HandleWait is Handle for sources that can be paused, such as a PCAP file:
// while the sink is full it retries every waitPoll instead of dropping. The
// datagram is only dropped, and ctx's error returned, if ctx ends first.
func (r *Reader) HandleWait(ctx context.Context, datagram []byte) error {
	owned, ok := r.accept(datagram)
	if !ok {
		return nil
	}
	if r.config.Sink.TryPush(owned) {
		return nil
	}
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.dropped()
			return ctx.Err()
		case <-ticker.C:
		}
		if r.config.Sink.TryPush(owned) {
			return nil
		}
	}
}

// accept counts and validates datagram, returning an owned copy when it
// decodes.
func (r *Reader) accept(datagram []byte) ([]byte, bool) {
	stats := r.config.Stats
	stats.AddDatagram(len(datagram))

	if r.config.Forwarder != nil {
		r.config.Forwarder.ForwardAsync(datagram)
	}

	if _, err := pulse.Decode(datagram); err != nil {
		stats.Malformed.Add(1)
		r.malformedLog.Logf("reader: discarding datagram: %v", err)
		return nil, false
	}

	owned := make([]byte, len(datagram))
	copy(owned, datagram)
	return owned, true
}

func (r *Reader) dropped() {
	r.config.Stats.BufferDrops.Add(1)
	r.dropLog.Logf("reader: shared buffer full, dropping newest datagram")
}
