// pulse-sim generates synthetic radar pulse datagrams, either sent over UDP
// to a running pulsefeed or written to a PCAP file for replay.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/pulsefeed/internal/network"
	"github.com/banshee-data/pulsefeed/internal/pulse"
)

var (
	addr        = flag.String("addr", "127.0.0.1:30001", "Destination UDP address")
	pcapOut     = flag.String("pcap", "", "Write datagrams to this PCAP file instead of sending them")
	rate        = flag.Int("rate", 1000, "Pulses per second per channel")
	gates       = flag.Int("gates", 500, "Range gates per pulse")
	perDatagram = flag.Int("per-datagram", 4, "Pulses packed into each datagram")
	count       = flag.Int("count", 0, "Stop after this many pulses per channel (0 = run until interrupted)")
	dropRate    = flag.Float64("drop", 0, "Fraction of datagrams to skip, to exercise gap accounting")
	bandB       = flag.Bool("band-b", true, "Also generate the dual-polarization band B channels")
	seed        = flag.Int64("seed", 1, "Random seed for drops and noise")
)

// generator produces pulses with a rotating antenna. Each channel keeps its
// own sequence counter; the two band B channels share sequence numbers so
// that the collator can pair them.
type generator struct {
	gates   uint32
	prt     float32
	perRev  int
	rng     *rand.Rand
	seq     [pulse.NumChannels]int64
	sweep   int32
	azimuth float32
}

func newGenerator(gates int, rate int, seed int64) *generator {
	if rate < 1 {
		rate = 1
	}
	return &generator{
		gates:  uint32(gates),
		prt:    1 / float32(rate),
		perRev: rate * 10, // one revolution every 10 seconds
		rng:    rand.New(rand.NewSource(seed)),
		sweep:  1,
	}
}

// next builds the next pulse on ch at time t.
func (g *generator) next(ch pulse.Channel, t time.Time) *pulse.FullPulse {
	g.seq[ch]++
	fp := &pulse.FullPulse{
		Header: pulse.Header{
			Sequence:          g.seq[ch],
			Time:              t,
			Azimuth:           g.azimuth,
			Elevation:         0.5,
			PRT:               g.prt,
			PulseWidth:        1e-6,
			Sweep:             g.sweep,
			Volume:            1,
			Gates:             g.gates,
			ScanMode:          pulse.ScanModePPI,
			Channel:           ch,
			VerticalPolarized: ch == pulse.ChannelBV,
		},
		Samples: make([]float32, 2*g.gates),
	}
	for i := 0; i < int(g.gates); i++ {
		echo := float32(math.Exp(-float64(i) / float64(g.gates)))
		fp.Samples[2*i] = echo + float32(g.rng.NormFloat64())*0.01
		fp.Samples[2*i+1] = float32(g.rng.NormFloat64()) * 0.01
	}
	return fp
}

// advance rotates the antenna by one pulse, ending the sweep after a full
// revolution.
func (g *generator) advance() (endOfSweep bool) {
	g.azimuth += 360 / float32(g.perRev)
	if g.azimuth >= 360 {
		g.azimuth -= 360
		g.sweep++
		return true
	}
	return false
}

// batch builds one datagram per channel carrying n consecutive pulses.
func (g *generator) batch(n int, channels []pulse.Channel, t time.Time) ([][]byte, error) {
	per := make([][]*pulse.FullPulse, len(channels))
	for i := 0; i < n; i++ {
		ts := t.Add(time.Duration(float64(i) * float64(g.prt) * float64(time.Second)))
		for c, ch := range channels {
			per[c] = append(per[c], g.next(ch, ts))
		}
		if g.advance() {
			for c := range channels {
				per[c][len(per[c])-1].Header.Status |= pulse.StatusEndOfSweep
			}
		}
	}
	out := make([][]byte, 0, len(channels))
	for _, pulses := range per {
		b, err := pulse.Encode(pulses...)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func main() {
	flag.Parse()

	if *perDatagram < 1 {
		log.Fatal("per-datagram must be at least 1")
	}
	channels := []pulse.Channel{pulse.ChannelA}
	if *bandB {
		channels = append(channels, pulse.ChannelBH, pulse.ChannelBV)
	}

	dst, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		log.Fatalf("failed to resolve %s: %v", *addr, err)
	}

	var send func(t time.Time, b []byte) error
	if *pcapOut != "" {
		f, err := os.Create(*pcapOut)
		if err != nil {
			log.Fatalf("failed to create PCAP file: %v", err)
		}
		defer f.Close()
		w, err := network.NewPCAPWriter(f)
		if err != nil {
			log.Fatalf("failed to start PCAP: %v", err)
		}
		src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
		send = func(t time.Time, b []byte) error { return w.WriteDatagram(t, src, dst, b) }
	} else {
		conn, err := net.DialUDP("udp", nil, dst)
		if err != nil {
			log.Fatalf("failed to dial %s: %v", *addr, err)
		}
		defer conn.Close()
		send = func(_ time.Time, b []byte) error {
			_, err := conn.Write(b)
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen := newGenerator(*gates, *rate, *seed)
	interval := time.Duration(float64(*perDatagram) / float64(*rate) * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	simTime := start
	sent, dropped, pulses := 0, 0, 0
	for *count == 0 || pulses < *count {
		n := *perDatagram
		if *count > 0 && *count-pulses < n {
			n = *count - pulses
		}
		datagrams, err := gen.batch(n, channels, simTime)
		if err != nil {
			log.Fatalf("failed to encode datagram: %v", err)
		}
		for _, b := range datagrams {
			if *dropRate > 0 && gen.rng.Float64() < *dropRate {
				dropped++
				continue
			}
			if err := send(simTime, b); err != nil {
				log.Printf("send failed: %v", err)
				continue
			}
			sent++
		}
		pulses += n
		simTime = simTime.Add(interval)

		// PCAP output is written as fast as possible; timestamps carry the pacing.
		if *pcapOut != "" {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		select {
		case <-ctx.Done():
			log.Printf("interrupted after %d pulses per channel", pulses)
			return
		case <-ticker.C:
		}
	}
	log.Printf("done: %d pulses per channel, %d datagrams sent, %d dropped in %v",
		pulses, sent, dropped, time.Since(start).Round(time.Millisecond))
}
