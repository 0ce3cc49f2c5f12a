package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/pulsefeed/internal/monitoring"
	"github.com/banshee-data/pulsefeed/internal/pulse"
)

// ReplayOptions controls PCAP replay.
type ReplayOptions struct {
	// Port keeps only UDP datagrams whose destination port matches; 0 keeps all.
	Port int
	// Realtime paces replay by the capture timestamps.
	Realtime bool
	// SpeedMultiplier scales realtime pacing (2.0 = twice as fast).
	SpeedMultiplier float64
}

// ReplayPCAP reads a classic PCAP stream and hands each UDP payload to
// handle, in capture order. It returns the number of datagrams delivered.
// handle must not retain the slice.
func ReplayPCAP(ctx context.Context, r io.Reader, opts ReplayOptions, handle func([]byte)) (int, error) {
	if opts.SpeedMultiplier <= 0 {
		opts.SpeedMultiplier = 1.0
	}
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read PCAP header: %w", err)
	}

	source := gopacket.NewPacketSource(pr, pr.LinkType())
	source.NoCopy = true
	startTime := time.Now()
	var lastCapture time.Time
	delivered := 0

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("PCAP replay stopping due to context cancellation (%d datagrams)", delivered)
			return delivered, ctx.Err()
		default:
		}

		packet, err := source.NextPacket()
		if err == io.EOF {
			monitoring.Logf("PCAP replay complete: %d datagrams in %v", delivered, time.Since(startTime))
			return delivered, nil
		}
		if err != nil {
			return delivered, fmt.Errorf("PCAP read: %w", err)
		}

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if opts.Port != 0 && int(udp.DstPort) != opts.Port {
			continue
		}

		if opts.Realtime {
			captured := packet.Metadata().Timestamp
			if !lastCapture.IsZero() {
				delay := time.Duration(float64(captured.Sub(lastCapture)) / opts.SpeedMultiplier)
				if delay > 0 {
					select {
					case <-ctx.Done():
						return delivered, ctx.Err()
					case <-time.After(delay):
					}
				}
			}
			lastCapture = captured
		}

		handle(udp.Payload)
		delivered++
	}
}

// PCAPWriter captures raw datagrams as Ethernet/IPv4/UDP frames so that
// standard tools (and ReplayPCAP) can read them back.
type PCAPWriter struct {
	mu sync.Mutex
	w  *pcapgo.Writer
}

// NewPCAPWriter writes a PCAP file header to w.
func NewPCAPWriter(w io.Writer) (*PCAPWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(pulse.MAX_DATAGRAM_SIZE+64, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write PCAP header: %w", err)
	}
	return &PCAPWriter{w: pw}, nil
}

// WriteDatagram appends one datagram captured at ts from src to dst.
func (p *PCAPWriter) WriteDatagram(ts time.Time, src, dst *net.UDPAddr, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    ipv4Of(src),
		DstIP:    ipv4Of(dst),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(portOf(src)),
		DstPort: layers.UDPPort(portOf(dst)),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize datagram: %w", err)
	}
	frame := buf.Bytes()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

func ipv4Of(a *net.UDPAddr) net.IP {
	if a != nil {
		if ip := a.IP.To4(); ip != nil {
			return ip
		}
	}
	return net.IPv4zero.To4()
}

func portOf(a *net.UDPAddr) int {
	if a == nil {
		return 0
	}
	return a.Port
}
