package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPixels(n int) []RGB {
	pixels := make([]RGB, n)
	for i := range pixels {
		pixels[i] = RGB{uint8(i * 3), uint8(i*3 + 1), uint8(i*3 + 2)}
	}
	return pixels
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want Protocol
	}{
		{"ddp", DDP},
		{"wled", WLED},
		{"drgb", WLED},
		{"udp", WLED},
		{"raw", Raw},
		{"auto", Auto},
		{"", WLED}, // fallback
	}
	for _, c := range cases {
		got, err := Normalize(c.in, WLED)
		require.NoError(t, err, "input %q", c.in)
		assert.Equal(t, c.want, got, "input %q", c.in)
	}

	_, err := Normalize("artnet", WLED)
	assert.Error(t, err)
}

func TestDecodeRawRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 4, 100} {
		pixels := testPixels(n)
		frame, err := Decode(EncodeRaw(pixels), Raw)
		require.NoError(t, err)
		assert.True(t, frame.Push)
		assert.Equal(t, 0, frame.Offset)
		if diff := cmp.Diff(pixels, frame.Pixels); n > 0 && diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDecodeRawRejectsPartialTriplet(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3, 4}, Raw)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeRealtimeBothPrefixVariants(t *testing.T) {
	pixels := testPixels(3)

	// 2-byte prefix: 0x02 + timeout byte.
	frame, err := Decode(EncodeRealtime(pixels, 5), WLED)
	require.NoError(t, err)
	assert.Equal(t, pixels, frame.Pixels)
	assert.True(t, frame.Push)

	// 1-byte prefix: 0x02 followed directly by triplets.
	raw := append([]byte{0x02}, EncodeRaw(pixels)...)
	frame, err = Decode(raw, WLED)
	require.NoError(t, err)
	assert.Equal(t, pixels, frame.Pixels)
}

func TestDecodeDDP(t *testing.T) {
	pixels := testPixels(4)
	frame, err := Decode(EncodeDDP(7, pixels, true, 3), DDP)
	require.NoError(t, err)
	assert.Equal(t, 7, frame.Offset)
	assert.Equal(t, pixels, frame.Pixels)
	assert.True(t, frame.Push)

	// Non-push fragment.
	frame, err = Decode(EncodeDDP(0, pixels, false, 4), DDP)
	require.NoError(t, err)
	assert.False(t, frame.Push)
}

func TestDecodeDDPKeepalive(t *testing.T) {
	// Zero length is a keep-alive: no pixels, not an error.
	pkt := EncodeDDP(0, nil, true, 0)
	frame, err := Decode(pkt, DDP)
	require.NoError(t, err)
	assert.Empty(t, frame.Pixels)
	assert.True(t, frame.Push)
}

func TestDecodeDDPOverSendTruncatesSilently(t *testing.T) {
	pixels := testPixels(2)
	pkt := EncodeDDP(0, pixels, true, 0)
	// Stream over-sends: trailing garbage beyond the declared length.
	pkt = append(pkt, 0xAA, 0xBB, 0xCC, 0xDD)
	frame, err := Decode(pkt, DDP)
	require.NoError(t, err)
	assert.Equal(t, pixels, frame.Pixels)
}

func TestDecodeDDPPixelCountLength(t *testing.T) {
	// Some senders put the pixel count in the length field instead of a
	// byte count.
	pixels := testPixels(4)
	pkt := EncodeDDP(0, pixels, true, 0)
	pkt[8] = 0
	pkt[9] = byte(len(pixels))
	frame, err := Decode(pkt, DDP)
	require.NoError(t, err)
	assert.Equal(t, pixels, frame.Pixels)
}

func TestDecodeDDPTimecodeHeader(t *testing.T) {
	pixels := testPixels(2)
	pkt := EncodeDDP(0, pixels, true, 0)
	// Rebuild with the timecode flag: 4 extra header bytes after byte 9.
	withTC := make([]byte, 0, len(pkt)+4)
	withTC = append(withTC, pkt[:10]...)
	withTC[0] |= 0x10
	withTC = append(withTC, 0, 0, 0, 0)
	withTC = append(withTC, pkt[10:]...)

	frame, err := Decode(withTC, DDP)
	require.NoError(t, err)
	assert.Equal(t, pixels, frame.Pixels)
}

func TestDecodeAutoSniffing(t *testing.T) {
	pixels := testPixels(3)

	frame, err := Decode(EncodeDDP(0, pixels, true, 0), Auto)
	require.NoError(t, err)
	assert.Equal(t, pixels, frame.Pixels)

	frame, err = Decode(EncodeRealtime(pixels, 2), Auto)
	require.NoError(t, err)
	assert.Equal(t, pixels, frame.Pixels)

	frame, err = Decode(EncodeRaw(pixels), Auto)
	require.NoError(t, err)
	assert.Equal(t, pixels, frame.Pixels)

	_, err = Decode([]byte{0x55, 0x66}, Auto)
	assert.ErrorIs(t, err, ErrUnknownProtocol)
}

func TestDecodeWLEDAcceptsDDPMidStream(t *testing.T) {
	// LedFx switches a "wled" output to DDP framing under load; the
	// decoder must follow without reconfiguration.
	pixels := testPixels(2)
	frame, err := Decode(EncodeDDP(0, pixels, true, 0), WLED)
	require.NoError(t, err)
	assert.Equal(t, pixels, frame.Pixels)
}

func TestLooksLikeDDP(t *testing.T) {
	assert.True(t, LooksLikeDDP(EncodeDDP(0, testPixels(2), true, 0)))
	assert.False(t, LooksLikeDDP([]byte{0x02, 0x01, 1, 2, 3}))
	assert.False(t, LooksLikeDDP([]byte{0x40, 0x00}))

	// Version bits zero: not DDP.
	pkt := EncodeDDP(0, testPixels(2), true, 0)
	pkt[0] &^= 0xC0
	assert.False(t, LooksLikeDDP(pkt))

	// Declared length wildly larger than payload: not DDP.
	pkt = EncodeDDP(0, testPixels(2), true, 0)
	pkt[8] = 0xFF
	pkt[9] = 0xFF
	assert.False(t, LooksLikeDDP(pkt))
}

func TestDecodePropertyTripletCount(t *testing.T) {
	// For payloads of 3k bytes the decoder yields exactly k pixels, for
	// every supported format.
	for _, k := range []int{1, 5, 16, 333} {
		pixels := testPixels(k)
		for name, pkt := range map[string][]byte{
			"raw":  EncodeRaw(pixels),
			"wled": EncodeRealtime(pixels, 1),
			"ddp":  EncodeDDP(0, pixels, true, 0),
		} {
			frame, err := Decode(pkt, Auto)
			require.NoError(t, err, "%s k=%d", name, k)
			assert.Len(t, frame.Pixels, k, "%s k=%d", name, k)
		}
	}
}
