package cue

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lumastream/cuebridge/internal/monitoring"
	"github.com/lumastream/cuebridge/internal/protocol"
	"github.com/lumastream/cuebridge/internal/topology"
)

// DefaultSDKAddr is where the vendor lighting service listens locally.
const DefaultSDKAddr = "127.0.0.1:6742"

// OpenRGB network packet ids.
const (
	pktControllerCount = 0
	pktControllerData  = 1
	pktProtocolVersion = 40
	pktSetClientName   = 50
	pktUpdateLEDs      = 1050

	orgbMagic = "ORGB"
	// clientProtocolVersion is the highest protocol revision this client
	// understands; the effective version is the minimum of ours and the
	// server's.
	clientProtocolVersion = 3
)

// SDKClient drives a local OpenRGB-compatible lighting service over its TCP
// SDK protocol. Safe for use behind the Supervisor's mutex only; the struct
// itself serializes socket access for the enumerate/update interleave.
type SDKClient struct {
	addr string
	name string

	mu      sync.Mutex
	conn    net.Conn
	version uint32
	// devIndex maps our string device IDs back to controller indices.
	devIndex map[string]uint32
	ledCount map[string]int
	pending  map[string][]protocol.RGB
}

// NewSDKClient builds a client for the service at addr. Connect must be
// called before any other method.
func NewSDKClient(addr, clientName string) *SDKClient {
	if addr == "" {
		addr = DefaultSDKAddr
	}
	if clientName == "" {
		clientName = "cuebridge"
	}
	return &SDKClient{
		addr:     addr,
		name:     clientName,
		devIndex: make(map[string]uint32),
		ledCount: make(map[string]int),
		pending:  make(map[string][]protocol.RGB),
	}
}

func (c *SDKClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	conn, err := net.DialTimeout("tcp", c.addr, 3*time.Second)
	if err != nil {
		return fmt.Errorf("dial lighting service at %s: %w", c.addr, err)
	}
	c.conn = conn

	// Version handshake, then announce ourselves.
	verPayload := make([]byte, 4)
	binary.LittleEndian.PutUint32(verPayload, clientProtocolVersion)
	if err := c.send(0, pktProtocolVersion, verPayload); err != nil {
		return c.failLocked(err)
	}
	reply, err := c.recv(pktProtocolVersion)
	if err != nil {
		return c.failLocked(err)
	}
	c.version = clientProtocolVersion
	if len(reply) >= 4 {
		if server := binary.LittleEndian.Uint32(reply); server < c.version {
			c.version = server
		}
	}
	if err := c.send(0, pktSetClientName, append([]byte(c.name), 0)); err != nil {
		return c.failLocked(err)
	}
	monitoring.Logf("lighting service connected at %s (protocol %d)", c.addr, c.version)
	return nil
}

func (c *SDKClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *SDKClient) failLocked(err error) error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return err
}

// RequestControl is a no-op: the service grants update access to any SDK
// client, there is no exclusive-control handshake to renew.
func (c *SDKClient) RequestControl() error { return nil }

func (c *SDKClient) ReleaseControl() error { return nil }

// Ping verifies the session by asking for the controller count.
func (c *SDKClient) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.controllerCountLocked()
	return err
}

func (c *SDKClient) controllerCountLocked() (uint32, error) {
	if c.conn == nil {
		return 0, ErrNotConnected
	}
	if err := c.send(0, pktControllerCount, nil); err != nil {
		return 0, c.failLocked(err)
	}
	reply, err := c.recv(pktControllerCount)
	if err != nil {
		return 0, c.failLocked(err)
	}
	if len(reply) < 4 {
		return 0, c.failLocked(fmt.Errorf("short controller count reply (%d bytes)", len(reply)))
	}
	return binary.LittleEndian.Uint32(reply), nil
}

// EnumerateDevices fetches every controller and maps it onto the topology
// model. Matrix zones contribute row/column LED coordinates; linear zones
// are laid out left to right, one row per zone.
func (c *SDKClient) EnumerateDevices() ([]topology.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count, err := c.controllerCountLocked()
	if err != nil {
		return nil, err
	}
	devices := make([]topology.Device, 0, count)
	for idx := uint32(0); idx < count; idx++ {
		verPayload := make([]byte, 4)
		binary.LittleEndian.PutUint32(verPayload, c.version)
		if err := c.send(idx, pktControllerData, verPayload); err != nil {
			return nil, c.failLocked(err)
		}
		raw, err := c.recv(pktControllerData)
		if err != nil {
			return nil, c.failLocked(err)
		}
		dev, err := parseController(raw, c.version, idx)
		if err != nil {
			return nil, fmt.Errorf("parse controller %d: %w", idx, err)
		}
		c.devIndex[dev.ID] = idx
		c.ledCount[dev.ID] = len(dev.LEDs)
		devices = append(devices, dev)
	}
	return devices, nil
}

func (c *SDKClient) SetDeviceColors(deviceID string, colors []protocol.RGB) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateLocked(deviceID, colors)
}

// BufferDeviceColors stages an update for the next Flush. The wire protocol
// has no transaction concept, so buffering batches socket writes only.
func (c *SDKClient) BufferDeviceColors(deviceID string, colors []protocol.RGB) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.devIndex[deviceID]; !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	buf := make([]protocol.RGB, len(colors))
	copy(buf, colors)
	c.pending[deviceID] = buf
	return nil
}

func (c *SDKClient) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, colors := range c.pending {
		delete(c.pending, id)
		if err := c.updateLocked(id, colors); err != nil {
			return err
		}
	}
	return nil
}

func (c *SDKClient) updateLocked(deviceID string, colors []protocol.RGB) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	idx, ok := c.devIndex[deviceID]
	if !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	// UpdateLEDs payload: u32 total size, u16 colour count, 4 bytes per
	// colour (r, g, b, pad).
	payload := make([]byte, 4+2+len(colors)*4)
	binary.LittleEndian.PutUint32(payload[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint16(payload[4:], uint16(len(colors)))
	for i, col := range colors {
		off := 6 + i*4
		payload[off] = col.R
		payload[off+1] = col.G
		payload[off+2] = col.B
	}
	if err := c.send(idx, pktUpdateLEDs, payload); err != nil {
		return c.failLocked(err)
	}
	return nil
}

// send writes one framed packet: magic, device index, packet id, payload
// length, payload.
func (c *SDKClient) send(devIdx, pktID uint32, payload []byte) error {
	header := make([]byte, 16)
	copy(header, orgbMagic)
	binary.LittleEndian.PutUint32(header[4:], devIdx)
	binary.LittleEndian.PutUint32(header[8:], pktID)
	binary.LittleEndian.PutUint32(header[12:], uint32(len(payload)))
	c.conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if _, err := c.conn.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// recv reads framed packets until one with the wanted id arrives, discarding
// unsolicited ones (device-list-updated notifications).
func (c *SDKClient) recv(wantID uint32) ([]byte, error) {
	for {
		header := make([]byte, 16)
		c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := readFull(c.conn, header); err != nil {
			return nil, err
		}
		if string(header[:4]) != orgbMagic {
			return nil, fmt.Errorf("bad packet magic %q", header[:4])
		}
		pktID := binary.LittleEndian.Uint32(header[8:])
		size := binary.LittleEndian.Uint32(header[12:])
		if size > 16<<20 {
			return nil, fmt.Errorf("oversized packet (%d bytes)", size)
		}
		payload := make([]byte, size)
		if _, err := readFull(c.conn, payload); err != nil {
			return nil, err
		}
		if pktID == wantID {
			return payload, nil
		}
		monitoring.Debugf("discarding unsolicited packet id %d (%d bytes)", pktID, size)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// controllerReader walks the controller-data payload sequentially.
type controllerReader struct {
	data []byte
	pos  int
	err  error
}

func (r *controllerReader) u16() uint16 {
	if r.err != nil || r.pos+2 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *controllerReader) u32() uint32 {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

// str reads a length-prefixed string; the length includes a trailing null.
func (r *controllerReader) str() string {
	n := int(r.u16())
	if r.err != nil || r.pos+n > len(r.data) {
		r.fail()
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return strings.TrimRight(s, "\x00")
}

func (r *controllerReader) skip(n int) {
	if r.err != nil || r.pos+n > len(r.data) {
		r.fail()
		return
	}
	r.pos += n
}

func (r *controllerReader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("controller data truncated at byte %d of %d", r.pos, len(r.data))
	}
}

// Controller type codes from the OpenRGB SDK.
var controllerClasses = map[uint32]topology.DeviceClass{
	0:  topology.ClassMotherboard,
	1:  topology.ClassMemoryModule,
	2:  topology.ClassGraphicsCard,
	3:  topology.ClassCooler,
	4:  topology.ClassLedController, // LED strip
	5:  topology.ClassKeyboard,
	6:  topology.ClassMouse,
	7:  topology.ClassMousemat,
	8:  topology.ClassHeadset,
	9:  topology.ClassHeadsetStand,
	11: topology.ClassLedController, // light
}

type zoneInfo struct {
	ledCount int
	// matrix maps LED index -> (x, y); nil for linear zones.
	matrix map[int][2]float64
}

// parseController decodes one controller-data payload into a Device.
func parseController(data []byte, version uint32, idx uint32) (topology.Device, error) {
	r := &controllerReader{data: data}
	r.u32() // total data size, already framed

	devType := r.u32()
	name := r.str()
	if version >= 1 {
		r.str() // vendor
	}
	r.str() // description
	r.str() // firmware version
	serial := r.str()
	r.str() // location

	numModes := int(r.u16())
	r.u32() // active mode
	for i := 0; i < numModes; i++ {
		r.str() // mode name
		r.u32() // value
		r.u32() // flags
		r.u32() // speed min
		r.u32() // speed max
		if version >= 3 {
			r.u32() // brightness min
			r.u32() // brightness max
		}
		r.u32() // colors min
		r.u32() // colors max
		r.u32() // speed
		if version >= 3 {
			r.u32() // brightness
		}
		r.u32() // direction
		r.u32() // color mode
		modeColors := int(r.u16())
		r.skip(modeColors * 4)
	}

	numZones := int(r.u16())
	zones := make([]zoneInfo, 0, numZones)
	for i := 0; i < numZones; i++ {
		r.str() // zone name
		r.u32() // zone type
		r.u32() // leds min
		r.u32() // leds max
		ledCount := int(r.u32())
		zone := zoneInfo{ledCount: ledCount}
		matrixLen := int(r.u16())
		if matrixLen > 0 {
			height := int(r.u32())
			width := int(r.u32())
			zone.matrix = make(map[int][2]float64)
			for row := 0; row < height; row++ {
				for col := 0; col < width; col++ {
					cell := r.u32()
					if cell != 0xFFFFFFFF {
						zone.matrix[int(cell)] = [2]float64{float64(col), float64(row)}
					}
				}
			}
		}
		zones = append(zones, zone)
	}

	numLEDs := int(r.u16())
	for i := 0; i < numLEDs; i++ {
		r.str() // led name
		r.u32() // led value
	}
	// colour block follows; nothing further needed.

	if r.err != nil {
		return topology.Device{}, r.err
	}

	class := controllerClasses[devType]
	dev := topology.Device{
		ID:     "orgb-" + strconv.FormatUint(uint64(idx), 10),
		Class:  class,
		Model:  name,
		Serial: serial,
	}

	// LED coordinates: matrix zones give real positions; linear zones are
	// rows stacked in zone order with LEDs marching along X.
	led := 0
	for zi, zone := range zones {
		for i := 0; i < zone.ledCount; i++ {
			x, y := float64(i), float64(zi)
			if zone.matrix != nil {
				if pos, ok := zone.matrix[i]; ok {
					x, y = pos[0], pos[1]
				}
			}
			dev.LEDs = append(dev.LEDs, topology.LED{ID: led, X: x, Y: y})
			led++
		}
	}
	// Zoneless controllers still report a flat LED list.
	for led < numLEDs {
		dev.LEDs = append(dev.LEDs, topology.LED{ID: led, X: float64(led), Y: 0})
		led++
	}
	return dev, nil
}
