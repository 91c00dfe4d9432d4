// Package input sends input events from this receiver to the host over a
// dedicated UDP socket, throttling high-frequency continuous events (mouse
// move, scroll, zoom) to a minimum interval per event kind while letting
// discrete state-transition events (button/key down/up, a zoom start/end,
// telemetry, registration) through unthrottled.
//
// The event shape mirrors the teacher's InputEvent/InputHandler interface
// (internal/remote/desktop/input.go), reversed here: the host side decodes
// JSON off a data channel, this side encodes binary events onto a UDP
// socket, since this protocol carries input on the same lightweight
// datagram transport as video rather than over a WebRTC DataChannel.
package input

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/breeze-rmm/receiver/internal/logging"
)

var log = logging.L("input")

// EventType identifies the kind of input event on the wire (spec §4.8).
type EventType byte

const (
	EventMouseMove    EventType = 0x10
	EventMouseDown    EventType = 0x11
	EventMouseUp      EventType = 0x12
	EventScroll       EventType = 0x13
	EventKeyDown      EventType = 0x20
	EventKeyUp        EventType = 0x21
	EventZoomRequest  EventType = 0x30
	EventTelemetry    EventType = 0x40
	EventRegistration EventType = 0xFE
)

// Event is one input action to send to the host. Only the fields relevant
// to Type are populated; the rest are ignored by Encode.
type Event struct {
	Type        EventType
	TimestampNs uint64

	// MouseMove: normalized cursor position in [0,1].
	NormX, NormY float32

	// MouseDown / MouseUp.
	Button byte

	// Scroll deltas.
	DX, DY float32

	// KeyDown / KeyUp.
	Keycode uint16

	// ZoomRequest.
	ZoomActive bool
	ROIX       float32
	ROIY       float32
	ROIW       float32
	ROIH       float32
	Scale      float32

	// Telemetry.
	Battery  float32
	Charging bool
	Thermal  bool
	LowPower bool
	FPS      float64

	// Registration.
	ListenPort uint16
	UserID     string
}

// header allocates a buffer for the fixed type:u8|timestamp:u64 prefix
// (spec §4.8) plus payloadLen bytes for the event-specific fields.
func header(e Event, payloadLen int) []byte {
	buf := make([]byte, 9+payloadLen)
	buf[0] = byte(e.Type)
	binary.BigEndian.PutUint64(buf[1:9], e.TimestampNs)
	return buf
}

func putF32(b []byte, v float32) {
	binary.BigEndian.PutUint32(b, math.Float32bits(v))
}

func putF64(b []byte, v float64) {
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Encode serializes e into its wire form per spec §4.8. All multi-byte
// integers and floats are big-endian; float bit patterns are serialized as
// their unsigned integer representation.
func Encode(e Event) []byte {
	switch e.Type {
	case EventMouseMove:
		buf := header(e, 8)
		putF32(buf[9:13], e.NormX)
		putF32(buf[13:17], e.NormY)
		return buf
	case EventMouseDown, EventMouseUp:
		buf := header(e, 1)
		buf[9] = e.Button
		return buf
	case EventScroll:
		buf := header(e, 8)
		putF32(buf[9:13], e.DX)
		putF32(buf[13:17], e.DY)
		return buf
	case EventKeyDown, EventKeyUp:
		buf := header(e, 2)
		binary.BigEndian.PutUint16(buf[9:11], e.Keycode)
		return buf
	case EventZoomRequest:
		buf := header(e, 1+5*4)
		buf[9] = boolByte(e.ZoomActive)
		putF32(buf[10:14], e.ROIX)
		putF32(buf[14:18], e.ROIY)
		putF32(buf[18:22], e.ROIW)
		putF32(buf[22:26], e.ROIH)
		putF32(buf[26:30], e.Scale)
		return buf
	case EventTelemetry:
		buf := header(e, 4+1+1+1+8)
		putF32(buf[9:13], e.Battery)
		buf[13] = boolByte(e.Charging)
		buf[14] = boolByte(e.Thermal)
		buf[15] = boolByte(e.LowPower)
		putF64(buf[16:24], e.FPS)
		return buf
	case EventRegistration:
		buf := header(e, 2+len(e.UserID))
		binary.BigEndian.PutUint16(buf[9:11], e.ListenPort)
		copy(buf[11:], e.UserID)
		return buf
	default:
		return nil
	}
}

// Sender throttles and transmits input events to the host's input port.
// MouseMove, Scroll, and ZoomRequest each carry their own rate limiter,
// since throttling is a per-event-kind minimum interval (spec §4.8); a
// ZoomRequest whose active flag changes from the last one sent always
// bypasses its limiter, since state transitions must never be coalesced
// away.
type Sender struct {
	conn net.Conn

	moveLimiter   *rate.Limiter
	scrollLimiter *rate.Limiter
	zoomLimiter   *rate.Limiter

	zoomSeen       bool
	lastZoomActive bool
}

// New dials a UDP connection to hostAddr and wraps it with per-kind
// limiters that allow at most one throttled event per minInterval, each
// with a burst of 1: in a rapid burst the first event goes out and the rest
// are dropped until the interval has passed.
func New(hostAddr string, minInterval time.Duration) (*Sender, error) {
	conn, err := net.Dial("udp4", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("input: dial %s: %w", hostAddr, err)
	}
	return &Sender{
		conn:          conn,
		moveLimiter:   rate.NewLimiter(rate.Every(minInterval), 1),
		scrollLimiter: rate.NewLimiter(rate.Every(minInterval), 1),
		zoomLimiter:   rate.NewLimiter(rate.Every(minInterval), 1),
	}, nil
}

// Close releases the underlying socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// Send transmits e, applying the rate limiter for throttled event types.
// Throttled events that don't currently have a token are dropped rather
// than queued, since a stale mouse-move position is worse than a skipped
// one; discrete events, and a ZoomRequest whose active state just changed,
// always go through.
func (s *Sender) Send(ctx context.Context, e Event) error {
	if s.throttle(e) {
		log.Debug("dropping throttled input event", "type", e.Type)
		return nil
	}

	_, err := s.conn.Write(Encode(e))
	return err
}

// throttle reports whether e should be dropped under its event kind's rate
// limiter. ZoomRequest bypasses its limiter on every active-state change
// (spec §4.8: "state-transition events ... bypass throttling").
func (s *Sender) throttle(e Event) bool {
	switch e.Type {
	case EventMouseMove:
		return !s.moveLimiter.Allow()
	case EventScroll:
		return !s.scrollLimiter.Allow()
	case EventZoomRequest:
		stateChanged := !s.zoomSeen || e.ZoomActive != s.lastZoomActive
		s.zoomSeen = true
		s.lastZoomActive = e.ZoomActive
		if stateChanged {
			return false
		}
		return !s.zoomLimiter.Allow()
	default:
		return false
	}
}
