package bridge

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/lumastream/cuebridge/internal/monitoring"
	"github.com/lumastream/cuebridge/internal/protocol"
)

const (
	// readDeadline bounds each blocking read so the loop notices
	// cancellation promptly.
	readDeadline = 100 * time.Millisecond
	// bindRetries covers the window where a replaced listener still holds
	// the port after a mode switch or reconnect rebuild.
	bindRetries  = 30
	bindInterval = 100 * time.Millisecond
)

// serve owns one stream's socket for the lifetime of its table. The port may
// briefly still be bound by the previous table's listener, so binding retries
// before giving up.
func (b *Bridge) serve(ctx context.Context, st *streamState) {
	conn, err := b.bind(ctx, st)
	if err != nil {
		monitoring.Logf("stream %s: bind %s: %v", st.Name, st.Addr(), err)
		return
	}
	defer conn.Close()
	monitoring.Logf("stream %s: listening on %s for %d LEDs (%s)",
		st.Name, conn.LocalAddr(), st.LEDCount(), st.Protocol)

	buffer := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			monitoring.Debugf("stream %s: listener shutting down", st.Name)
			return
		default:
		}
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			monitoring.Logf("stream %s: set read deadline: %v", st.Name, err)
			return
		}
		n, sender, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			monitoring.Logf("stream %s: read: %v", st.Name, err)
			continue
		}
		b.handleDatagram(st, buffer[:n], sender)
	}
}

func (b *Bridge) bind(ctx context.Context, st *streamState) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", st.Addr())
	if err != nil {
		return nil, err
	}
	var lastErr error
	for i := 0; i < bindRetries; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := net.ListenUDP("udp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(bindInterval)
	}
	return nil, lastErr
}

// handleDatagram decodes one datagram into the stream's pixel buffer and,
// on a push frame, queues the assembled buffer for the table's dispatcher.
// Non-push DDP fragments only update the buffer. The receive path never
// calls into the SDK.
func (b *Bridge) handleDatagram(st *streamState, data []byte, sender *net.UDPAddr) {
	frame, err := protocol.Decode(data, st.Protocol)
	if err != nil {
		st.mu.Lock()
		st.drops++
		st.mu.Unlock()
		monitoring.Debugf("stream %s: drop %d-byte datagram: %v", st.Name, len(data), err)
		return
	}
	now := time.Now()

	st.mu.Lock()
	st.packets++
	st.received = true
	st.lastRecv = now
	st.idleCleared = false
	if !st.firstLogged {
		st.firstLogged = true
		from := "?"
		if sender != nil {
			from = sender.String()
		}
		monitoring.Logf("stream %s: first datagram from %s (%d bytes, %d pixels at offset %d)",
			st.Name, from, len(data), len(frame.Pixels), frame.Offset)
	}
	if st.Protocol == protocol.WLED && !st.ddpNoticed && protocol.LooksLikeDDP(data) {
		st.ddpNoticed = true
		monitoring.Logf("stream %s: sender switched to DDP framing", st.Name)
	}
	monitoring.Debugf("stream %s: %d bytes from %v, push=%v", st.Name, len(data), sender, frame.Push)

	for i, p := range frame.Pixels {
		off := (frame.Offset + i) * 3
		if off+2 >= len(st.buf) {
			break
		}
		st.buf[off] = p.R
		st.buf[off+1] = p.G
		st.buf[off+2] = p.B
	}
	if !frame.Push {
		st.mu.Unlock()
		return
	}
	// Frame pacing: pushes above max_fps only refresh the buffer; the
	// next eligible push carries the latest pixels.
	if !st.lastSent.IsZero() && now.Sub(st.lastSent) < b.minInterval {
		st.mu.Unlock()
		return
	}
	st.lastSent = now
	st.sent = true
	st.frames++
	st.queueFrame()
	st.mu.Unlock()

	st.wake()
}
