package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/pulsefeed/internal/monitoring"
)

// Forwarder mirrors raw datagrams to another UDP address without ever
// blocking the reader: when its channel is full the copy is dropped.
type Forwarder struct {
	conn        net.Conn
	channel     chan []byte
	stats       *monitoring.PipelineStats
	logInterval time.Duration
	address     string
	wg          sync.WaitGroup
}

// NewForwarder dials address (host:port) for mirroring.
func NewForwarder(address string, stats *monitoring.PipelineStats, logInterval time.Duration) (*Forwarder, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	return newForwarder(conn, address, stats, logInterval), nil
}

func newForwarder(conn net.Conn, address string, stats *monitoring.PipelineStats, logInterval time.Duration) *Forwarder {
	if stats == nil {
		stats = monitoring.NewPipelineStats()
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &Forwarder{
		conn:        conn,
		channel:     make(chan []byte, 1000),
		stats:       stats,
		logInterval: logInterval,
		address:     address,
	}
}

// Start runs the send loop until ctx is cancelled. Send errors are counted
// and summarized once per log interval.
func (f *Forwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		failed := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case datagram := <-f.channel:
				if _, err := f.conn.Write(datagram); err != nil {
					failed++
					lastError = err
					f.stats.ForwardDrops.Add(1)
					continue
				}
				f.stats.Forwarded.Add(1)
			case <-ticker.C:
				if failed > 0 && lastError != nil {
					monitoring.Logf("forwarder: %d datagrams to %s failed (latest: %v)", failed, f.address, lastError)
					failed = 0
					lastError = nil
				}
			}
		}
	}()
	monitoring.Logf("forwarder: mirroring datagrams to %s", f.address)
}

// ForwardAsync queues a copy of datagram for sending. It never blocks.
func (f *Forwarder) ForwardAsync(datagram []byte) {
	c := make([]byte, len(datagram))
	copy(c, datagram)
	select {
	case f.channel <- c:
	default:
		f.stats.ForwardDrops.Add(1)
	}
}

// Close waits for the send loop (whose context must already be cancelled)
// and closes the connection.
func (f *Forwarder) Close() error {
	f.wg.Wait()
	return f.conn.Close()
}
