// Package protocol decodes incoming UDP pixel-stream datagrams into canonical
// RGB frames. Four wire formats are supported: DDP, the WLED realtime UDP
// format (DRGB is the same framing under a different name), and raw RGB
// triplets. A stream may also be configured as "auto", in which case the
// format is sniffed from the first bytes of each datagram.
package protocol

import (
	"errors"
	"fmt"
)

// Protocol identifies the wire format of a stream. The zero value is not
// valid; use Normalize to map configuration strings onto a Protocol.
type Protocol string

const (
	// DDP is the Distributed Display Protocol: a 10-byte binary header
	// (14 with the timecode flag set) followed by raw RGB payload.
	DDP Protocol = "ddp"
	// WLED is the WLED realtime UDP format: a single 0x02 type byte, an
	// optional one-byte timeout, then raw RGB triplets.
	WLED Protocol = "wled"
	// Raw is headerless RGB triplets.
	Raw Protocol = "raw"
	// Auto sniffs DDP, then WLED, then raw per datagram.
	Auto Protocol = "auto"
)

// Decode errors. Callers should match with errors.Is; both are wrapped with
// per-datagram context by Decode.
var (
	// ErrTruncated reports a payload that is not a whole number of RGB
	// triplets after header removal.
	ErrTruncated = errors.New("payload is not a whole number of RGB triplets")
	// ErrUnknownProtocol reports a datagram that matched none of the
	// supported formats during auto sniffing.
	ErrUnknownProtocol = errors.New("datagram matches no known protocol")
)

// RGB is one pixel of a canonical frame.
type RGB struct {
	R, G, B uint8
}

// Frame is the canonical decoding of one datagram: an ordered run of pixels
// to be applied at Offset within the stream's pixel buffer. Push reports
// whether the frame completes an update; non-DDP formats always push, DDP
// pushes only when the header push flag is set (fragmented DDP senders write
// several non-push frames at increasing offsets, then one push frame).
type Frame struct {
	Offset int
	Pixels []RGB
	Push   bool
}

// Normalize maps a configuration string onto a Protocol. The historical
// aliases "drgb" and "udp" both mean the WLED realtime format. An empty
// value falls back to the provided default.
func Normalize(value string, fallback Protocol) (Protocol, error) {
	if value == "" {
		return fallback, nil
	}
	switch Protocol(value) {
	case DDP:
		return DDP, nil
	case WLED, "drgb", "udp":
		return WLED, nil
	case Raw:
		return Raw, nil
	case Auto:
		return Auto, nil
	}
	return "", fmt.Errorf("unknown protocol %q", value)
}

// DDP header layout.
const (
	ddpHeaderSize         = 10
	ddpTimecodeHeaderSize = 14

	ddpFlagPush     = 0x01
	ddpFlagTimecode = 0x10
	ddpVersionMask  = 0xC0
)

// LooksLikeDDP reports whether a datagram plausibly carries a DDP header.
// The check requires a non-zero version field and a length field consistent
// with the payload. A zero length is a valid keep-alive. Some senders put a
// pixel count rather than a byte count in the length field; that variant is
// accepted too.
func LooksLikeDDP(data []byte) bool {
	if len(data) < ddpHeaderSize {
		return false
	}
	if data[0]&ddpVersionMask == 0 {
		return false
	}
	headerLen := ddpHeaderSize
	if data[0]&ddpFlagTimecode != 0 {
		headerLen = ddpTimecodeHeaderSize
	}
	if len(data) < headerLen {
		return false
	}
	length := int(data[8])<<8 | int(data[9])
	if length == 0 {
		return true
	}
	payloadLen := len(data) - headerLen
	if length <= payloadLen {
		return true
	}
	return length*3 == payloadLen
}

// Decode parses one datagram according to proto. With Auto, the format is
// sniffed: DDP first, then the WLED 0x02 prefix, then raw. Trailing bytes
// beyond the length a DDP header declares are dropped silently (streams are
// allowed to over-send); a remainder that is not a whole triplet is an
// ErrTruncated.
func Decode(data []byte, proto Protocol) (Frame, error) {
	switch proto {
	case DDP:
		return decodeDDP(data)
	case WLED:
		// WLED senders sometimes switch to DDP mid-stream; accept it.
		if LooksLikeDDP(data) {
			return decodeDDP(data)
		}
		return decodeRealtime(data)
	case Raw:
		return decodeRaw(data)
	case Auto:
		if LooksLikeDDP(data) {
			return decodeDDP(data)
		}
		if len(data) > 0 && data[0] == 0x02 {
			return decodeRealtime(data)
		}
		if len(data) > 0 && len(data)%3 == 0 {
			return decodeRaw(data)
		}
		return Frame{}, fmt.Errorf("decode %d-byte datagram: %w", len(data), ErrUnknownProtocol)
	}
	return Frame{}, fmt.Errorf("decode: unsupported protocol %q", proto)
}

func decodeDDP(data []byte) (Frame, error) {
	if len(data) < ddpHeaderSize {
		return Frame{}, fmt.Errorf("ddp: %d-byte datagram shorter than header: %w", len(data), ErrTruncated)
	}
	headerLen := ddpHeaderSize
	if data[0]&ddpFlagTimecode != 0 {
		headerLen = ddpTimecodeHeaderSize
	}
	if len(data) < headerLen {
		return Frame{}, fmt.Errorf("ddp: timecode header truncated: %w", ErrTruncated)
	}
	push := data[0]&ddpFlagPush != 0
	offset := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
	length := int(data[8])<<8 | int(data[9])
	payload := data[headerLen:]

	// A zero length is a keep-alive; it carries no pixels but still
	// reports the push flag.
	if length == 0 {
		return Frame{Push: push}, nil
	}
	// Length given as a pixel count instead of bytes.
	if length*3 == len(payload) {
		length = len(payload)
	}
	if len(payload) > length {
		payload = payload[:length]
	}
	if len(payload)%3 != 0 {
		return Frame{}, fmt.Errorf("ddp: %d payload bytes: %w", len(payload), ErrTruncated)
	}
	if offset%3 != 0 {
		return Frame{}, fmt.Errorf("ddp: byte offset %d not pixel aligned: %w", offset, ErrTruncated)
	}
	return Frame{Offset: offset / 3, Pixels: toPixels(payload), Push: push}, nil
}

func decodeRealtime(data []byte) (Frame, error) {
	if len(data) == 0 || data[0] != 0x02 {
		return Frame{}, fmt.Errorf("wled: missing 0x02 type byte: %w", ErrUnknownProtocol)
	}
	// Senders disagree on whether a timeout byte follows the type byte.
	// Prefer the 1-byte prefix when it leaves whole triplets, otherwise
	// assume byte 1 is the timeout.
	payload := data[1:]
	if len(payload)%3 != 0 {
		if len(data) < 2 {
			return Frame{Push: true}, nil
		}
		payload = data[2:]
	}
	if len(payload)%3 != 0 {
		return Frame{}, fmt.Errorf("wled: %d payload bytes: %w", len(payload), ErrTruncated)
	}
	return Frame{Pixels: toPixels(payload), Push: true}, nil
}

func decodeRaw(data []byte) (Frame, error) {
	if len(data)%3 != 0 {
		return Frame{}, fmt.Errorf("raw: %d bytes: %w", len(data), ErrTruncated)
	}
	return Frame{Pixels: toPixels(data), Push: true}, nil
}

func toPixels(payload []byte) []RGB {
	pixels := make([]RGB, len(payload)/3)
	for i := range pixels {
		pixels[i] = RGB{payload[i*3], payload[i*3+1], payload[i*3+2]}
	}
	return pixels
}

// EncodeRaw serialises pixels as a headerless RGB datagram.
func EncodeRaw(pixels []RGB) []byte {
	out := make([]byte, 0, len(pixels)*3)
	for _, p := range pixels {
		out = append(out, p.R, p.G, p.B)
	}
	return out
}

// EncodeRealtime serialises pixels as a WLED realtime datagram with the
// given timeout in seconds.
func EncodeRealtime(pixels []RGB, timeoutSeconds uint8) []byte {
	out := make([]byte, 0, 2+len(pixels)*3)
	out = append(out, 0x02, timeoutSeconds)
	for _, p := range pixels {
		out = append(out, p.R, p.G, p.B)
	}
	return out
}

// EncodeDDP serialises pixels as a single DDP datagram at the given pixel
// offset. Sequence numbers use only the low four bits per the DDP header.
func EncodeDDP(offset int, pixels []RGB, push bool, sequence uint8) []byte {
	flags := byte(0x40) // version 1
	if push {
		flags |= ddpFlagPush
	}
	byteOffset := offset * 3
	length := len(pixels) * 3
	out := make([]byte, ddpHeaderSize, ddpHeaderSize+length)
	out[0] = flags
	out[1] = sequence & 0x0F
	out[2] = 0x01 // data type: RGB, 8 bits per channel
	out[3] = 0x01 // destination: default output device
	out[4] = byte(byteOffset >> 24)
	out[5] = byte(byteOffset >> 16)
	out[6] = byte(byteOffset >> 8)
	out[7] = byte(byteOffset)
	out[8] = byte(length >> 8)
	out[9] = byte(length)
	for _, p := range pixels {
		out = append(out, p.R, p.G, p.B)
	}
	return out
}
