//go:build pcap
// +build pcap

// Package main replays a captured pixel-stream UDP session against a running
// bridge, preserving the original packet timing. Useful for reproducing a
// reported flicker or ordering issue from a tcpdump capture without the
// original sender.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

var (
	pcapFile = flag.String("pcap", "", "Capture file to replay (required)")
	port     = flag.Int("port", 0, "Only replay UDP packets to this destination port (0 = all UDP)")
	target   = flag.String("target", "127.0.0.1", "Host to replay to; destination ports are preserved")
	speed    = flag.Float64("speed", 1.0, "Replay speed multiplier (2.0 = twice as fast)")
	loop     = flag.Bool("loop", false, "Restart from the beginning when the capture ends")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *speed <= 0 {
		log.Fatalf("speed must be positive, got %f", *speed)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		count, err := replay(ctx, *pcapFile)
		if err != nil {
			if err == context.Canceled {
				return
			}
			log.Fatalf("replay failed: %v", err)
		}
		log.Printf("replayed %d packets", count)
		if !*loop || ctx.Err() != nil {
			return
		}
	}
}

func replay(ctx context.Context, path string) (int, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return 0, fmt.Errorf("open capture %s: %w", path, err)
	}
	defer handle.Close()

	filter := "udp"
	if *port != 0 {
		filter = fmt.Sprintf("udp dst port %d", *port)
	}
	if err := handle.SetBPFFilter(filter); err != nil {
		return 0, fmt.Errorf("set BPF filter %q: %w", filter, err)
	}

	conns := make(map[int]*net.UDPConn)
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	count := 0
	var lastCapture time.Time

	for packet := range source.Packets() {
		if ctx.Err() != nil {
			return count, context.Canceled
		}
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		payload := udp.Payload
		if len(payload) == 0 {
			continue
		}

		// Pace to the capture's own timing.
		captureTime := packet.Metadata().Timestamp
		if !lastCapture.IsZero() {
			delay := time.Duration(float64(captureTime.Sub(lastCapture)) / *speed)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return count, context.Canceled
				case <-time.After(delay):
				}
			}
		}
		lastCapture = captureTime

		dstPort := int(udp.DstPort)
		conn, ok := conns[dstPort]
		if !ok {
			addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", *target, dstPort))
			if err != nil {
				return count, err
			}
			conn, err = net.DialUDP("udp", nil, addr)
			if err != nil {
				return count, err
			}
			conns[dstPort] = conn
			log.Printf("replaying to %s", addr)
		}
		if _, err := conn.Write(payload); err != nil {
			log.Printf("send to port %d: %v", dstPort, err)
			continue
		}
		count++
	}
	return count, nil
}
