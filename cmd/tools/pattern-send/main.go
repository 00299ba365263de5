// Package main generates test pixel streams for a running bridge. It covers
// the manual checks that used to require a full LedFx setup: a solid fill to
// verify routing, a rainbow to verify colour handling, and a single-pixel
// sweep to verify LED ordering end to end.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/lumastream/cuebridge/internal/protocol"
)

var (
	addr     = flag.String("addr", "127.0.0.1:34984", "Bridge stream address to send to")
	protoStr = flag.String("protocol", "ddp", "Wire format: ddp, drgb, wled or raw")
	ledCount = flag.Int("leds", 64, "Number of pixels in the stream")
	pattern  = flag.String("pattern", "rainbow", "Pattern: rainbow, sweep or solid")
	colorHex = flag.String("color", "#ff0000", "Fill colour for the solid pattern")
	fps      = flag.Float64("fps", 30, "Frames per second")
	duration = flag.Duration("duration", 0, "Stop after this long (0 = run until interrupted)")
)

func main() {
	flag.Parse()
	proto, err := protocol.Normalize(*protoStr, protocol.DDP)
	if err != nil {
		log.Fatalf("bad protocol: %v", err)
	}
	if proto == protocol.Auto {
		log.Fatal("auto is a receive-side setting; pick ddp, drgb or raw")
	}
	if *ledCount <= 0 || *fps <= 0 {
		log.Fatal("leds and fps must be positive")
	}
	fill, err := colorful.Hex(*colorHex)
	if err != nil {
		log.Fatalf("bad colour %q: %v", *colorHex, err)
	}
	render, err := renderer(*pattern, fill)
	if err != nil {
		log.Fatal(err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		log.Fatalf("bad address %q: %v", *addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	log.Printf("sending %s pattern to %s (%s, %d pixels, %.0f fps)",
		*pattern, *addr, proto, *ledCount, *fps)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / *fps))
	defer ticker.Stop()
	pixels := make([]protocol.RGB, *ledCount)
	var seq uint8
	frame := 0
	for {
		select {
		case <-ctx.Done():
			// Blank on the way out so the rig does not stay lit.
			for i := range pixels {
				pixels[i] = protocol.RGB{}
			}
			conn.Write(encode(proto, pixels, seq))
			log.Printf("sent %d frames", frame)
			os.Exit(0)
		case <-ticker.C:
			render(pixels, frame)
			if _, err := conn.Write(encode(proto, pixels, seq)); err != nil {
				log.Fatalf("send: %v", err)
			}
			seq++
			frame++
		}
	}
}

// renderer returns a function painting one frame of the chosen pattern.
func renderer(name string, fill colorful.Color) (func([]protocol.RGB, int), error) {
	switch name {
	case "solid":
		return func(pixels []protocol.RGB, _ int) {
			c := toRGB(fill)
			for i := range pixels {
				pixels[i] = c
			}
		}, nil
	case "rainbow":
		return func(pixels []protocol.RGB, frame int) {
			phase := float64(frame) * 2.0
			for i := range pixels {
				hue := math.Mod(phase+float64(i)*360.0/float64(len(pixels)), 360.0)
				pixels[i] = toRGB(colorful.Hsv(hue, 1, 1))
			}
		}, nil
	case "sweep":
		// One bright pixel walking the stream, dim trail behind it. The
		// walk order on the devices reveals the computed LED ordering.
		return func(pixels []protocol.RGB, frame int) {
			head := frame % len(pixels)
			for i := range pixels {
				pixels[i] = protocol.RGB{}
			}
			pixels[head] = protocol.RGB{R: 255, G: 255, B: 255}
			if prev := head - 1; prev >= 0 {
				pixels[prev] = protocol.RGB{R: 40, G: 40, B: 40}
			}
		}, nil
	}
	return nil, &unknownPatternError{name}
}

type unknownPatternError struct{ name string }

func (e *unknownPatternError) Error() string {
	return "unknown pattern " + e.name + " (want rainbow, sweep or solid)"
}

func toRGB(c colorful.Color) protocol.RGB {
	r, g, b := c.Clamped().RGB255()
	return protocol.RGB{R: r, G: g, B: b}
}

func encode(proto protocol.Protocol, pixels []protocol.RGB, seq uint8) []byte {
	switch proto {
	case protocol.DDP:
		return protocol.EncodeDDP(0, pixels, true, seq)
	case protocol.WLED:
		return protocol.EncodeRealtime(pixels, 2)
	default:
		return protocol.EncodeRaw(pixels)
	}
}
