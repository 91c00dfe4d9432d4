// Package session ties the receiver's components together: a TCP control
// channel for registration/heartbeat/auth, and a UDP (or TURN-relayed) data
// channel that carries the ECDH handshake, video/parameter-set/telemetry
// packets, and feeds the frame assembler. Grounded on the teacher's
// Session/SessionManager lifecycle (sync.Once-guarded start/stop, atomic
// flags, a done channel) and on internal/websocket/client.go's readPump
// style for the control connection's read loop.
package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/receiver/internal/assembler"
	"github.com/breeze-rmm/receiver/internal/cryptosess"
	"github.com/breeze-rmm/receiver/internal/logging"
	"github.com/breeze-rmm/receiver/internal/model"
	"github.com/breeze-rmm/receiver/internal/wire"
)

var log = logging.L("session")

const (
	registrationInterval = 1 * time.Second
	heartbeatInterval    = 1 * time.Hour
)

// FrameSink receives completed, decrypted frames ready for the decoder.
type FrameSink interface {
	Submit(payload []byte) error
}

// Config bundles everything a Session needs to run.
type Config struct {
	SessionID  string // carried as the registration/heartbeat user_id
	ListenPort uint16 // carried in the registration/heartbeat payload

	DataConn net.PacketConn // UDP socket or TURN relay connection
	HostAddr net.Addr       // where data-channel packets to the host are sent

	ControlConn net.Conn // TCP control connection, already dialed

	Crypto     *cryptosess.Session
	Assembler  *assembler.Assembler
	FrameSink  FrameSink
	OnState    func(model.OmniscientState)
	OnAuthDone func(ok bool)
}

// Session runs the receive loops for one connection to a host.
type Session struct {
	cfg Config

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	authenticated        atomic.Bool
	sweepInterval        time.Duration
	registrationInterval time.Duration
	lastHeartbeatAt      time.Time
}

// New constructs a Session. Call Start to begin its receive loops.
func New(cfg Config) *Session {
	return &Session{
		cfg:                  cfg,
		done:                 make(chan struct{}),
		sweepInterval:        50 * time.Millisecond,
		registrationInterval: registrationInterval,
	}
}

// Start launches the control and data receive loops. Safe to call once;
// subsequent calls are no-ops.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(3)
		go s.controlSendLoop(ctx)
		go s.controlReadLoop(ctx)
		go s.dataReadLoop(ctx)
	})
}

// Stop ends all receive loops and closes the underlying connections. Safe
// to call more than once or concurrently with Start.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.cfg.ControlConn != nil {
			s.cfg.ControlConn.Close()
		}
		if s.cfg.DataConn != nil {
			s.cfg.DataConn.Close()
		}
		s.wg.Wait()
	})
}

// Authenticated reports whether the host has confirmed this session via an
// auth-result control message.
func (s *Session) Authenticated() bool {
	return s.authenticated.Load()
}

// encodeRegistration builds the 0xFE registration/heartbeat frame (spec
// §4.7/§4.8): a single opcode byte, the listen port, then the raw UTF-8
// user ID. It is not a wire.Packet — the control channel's out-of-band
// messages never carry the 17-byte application header.
func encodeRegistration(listenPort uint16, userID string) []byte {
	buf := make([]byte, 3+len(userID))
	buf[0] = wire.TypeRegistration
	binary.BigEndian.PutUint16(buf[1:3], listenPort)
	copy(buf[3:], userID)
	return buf
}

// controlSendLoop repeats the registration announcement every second until
// authenticated, then switches to an hourly heartbeat reusing the same
// encoding (spec §4.7).
func (s *Session) controlSendLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.registrationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.authenticated.Load() {
				if err := s.sendRegistration(); err != nil {
					log.Warn("registration send failed", "error", err)
				}
				continue
			}
			if time.Since(s.lastHeartbeatAt) >= heartbeatInterval {
				if err := s.sendRegistration(); err != nil {
					log.Warn("heartbeat send failed", "error", err)
					continue
				}
				s.lastHeartbeatAt = time.Now()
			}
		}
	}
}

func (s *Session) sendRegistration() error {
	_, err := s.cfg.ControlConn.Write(encodeRegistration(s.cfg.ListenPort, s.cfg.SessionID))
	return err
}

// controlReadLoop parses the control channel's out-of-band opcodes: the
// 0xAA auth-result reply and the 0xFF disconnect notification. Neither
// carries the 17-byte application header, so wire.Decode never runs here
// (spec §3, §4.7).
func (s *Session) controlReadLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := s.cfg.ControlConn.Read(buf)
		if err != nil {
			log.Info("control connection closed", "error", err)
			return
		}
		if n == 0 {
			continue
		}

		switch buf[0] {
		case wire.TypeAuthResult:
			ok := n >= 2 && buf[1] == 0x01
			s.authenticated.Store(ok)
			if ok {
				s.lastHeartbeatAt = time.Now()
			}
			if s.cfg.OnAuthDone != nil {
				s.cfg.OnAuthDone(ok)
			}
		case wire.TypeDisconnect:
			log.Info("host requested disconnect")
			s.Stop()
			return
		default:
			log.Warn("unexpected control opcode", "opcode", fmt.Sprintf("0x%02X", buf[0]))
		}
	}
}

func (s *Session) handleStatePayload(payload []byte) {
	if s.cfg.OnState == nil || len(payload) == 0 {
		return
	}
	var st model.OmniscientState
	if err := json.Unmarshal(payload, &st); err != nil {
		log.Debug("ignoring malformed omniscient-state payload", "error", err)
		return
	}
	s.cfg.OnState(st)
}

// dataReadLoop reads raw datagrams off DataConn and dispatches them per
// spec §4.7: an out-of-band 0xAA auth-result short-circuits before any
// header parse, anything shorter than the 17-byte header is dropped, and
// everything else is decoded as a full application packet. HANDSHAKE
// packets complete the ECDH key agreement instead of going to the
// assembler; everything else is decrypted (once a session key exists) and
// either delivered as omniscient state or handed to the frame assembler.
// A periodic sweep abandons stalled frame reassembly and may trigger a
// key-frame request.
func (s *Session) dataReadLoop(ctx context.Context) {
	defer s.wg.Done()

	sweepTicker := time.NewTicker(s.sweepInterval)
	defer sweepTicker.Stop()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-sweepTicker.C:
				s.cfg.Assembler.Sweep()
			}
		}
	}()

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, _, err := s.cfg.DataConn.ReadFrom(buf)
		if err != nil {
			log.Info("data connection closed", "error", err)
			return
		}
		raw := buf[:n]

		if len(raw) >= 2 && raw[0] == wire.TypeAuthResult {
			ok := raw[1] == 0x01
			s.authenticated.Store(ok)
			if s.cfg.OnAuthDone != nil {
				s.cfg.OnAuthDone(ok)
			}
			continue
		}
		if len(raw) < wire.HeaderSize {
			log.Debug("dropping undersized data packet", "len", len(raw))
			continue
		}

		p, err := wire.Decode(raw)
		if err != nil {
			log.Debug("malformed data packet, dropping", "error", err)
			continue
		}

		if p.Header.Type == wire.TypeHandshake {
			s.handleHandshake(p.Payload)
			continue
		}

		if s.cfg.Crypto != nil && s.cfg.Crypto.Ready() && len(p.Payload) > s.cfg.Crypto.NonceSize() {
			nonce := p.Payload[:s.cfg.Crypto.NonceSize()]
			ciphertext := p.Payload[s.cfg.Crypto.NonceSize():]
			plaintext, err := s.cfg.Crypto.Decrypt(nonce, ciphertext)
			if err != nil {
				log.Debug("dropping undecryptable packet", "error", err)
				continue
			}
			p.Payload = plaintext
		}

		if p.Header.Type == wire.TypeOmniscientState {
			s.handleStatePayload(p.Payload)
			continue
		}

		s.cfg.Assembler.Accept(p)
	}
}

// handleHandshake completes the ECDH key agreement on first receipt and
// echoes the client's own public key back to the host, so both sides hold
// the derived key before any encrypted frame is sent (spec §4.5).
func (s *Session) handleHandshake(payload []byte) {
	if s.cfg.Crypto == nil || s.cfg.Crypto.Ready() {
		return
	}

	peerPub, err := cryptosess.DecodeHandshake(payload)
	if err != nil {
		log.Warn("malformed handshake payload", "error", err)
		return
	}
	if err := s.cfg.Crypto.Complete(peerPub); err != nil {
		log.Warn("handshake key derivation failed", "error", err)
		return
	}

	reply := wire.Packet{
		Header:  wire.Header{Type: wire.TypeHandshake},
		Payload: cryptosess.EncodeHandshake(s.cfg.Crypto.LocalPublicKey()),
	}
	data, err := wire.Encode(reply)
	if err != nil {
		log.Warn("encode handshake reply failed", "error", err)
		return
	}
	if _, err := s.cfg.DataConn.WriteTo(data, s.cfg.HostAddr); err != nil {
		log.Warn("send handshake reply failed", "error", err)
	}
}

// RequestKeyFrame sends a 0xFC key-frame request to the host, used both by
// the assembler's consecutive-timeout trigger and by explicit caller
// request (e.g. a decoder error recovery path).
func (s *Session) RequestKeyFrame() {
	if _, err := s.cfg.ControlConn.Write([]byte{wire.TypeKeyFrameReq}); err != nil {
		log.Warn("key frame request send failed", "error", err)
	}
}
