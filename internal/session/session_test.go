package session

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/breeze-rmm/receiver/internal/assembler"
	"github.com/breeze-rmm/receiver/internal/cryptosess"
	"github.com/breeze-rmm/receiver/internal/wire"
)

// TestControlReadLoopHandlesAuthResult covers the §4.7 out-of-band framing:
// the auth-result reply is two raw bytes, never a 17-byte wire.Packet.
func TestControlReadLoopHandlesAuthResult(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	authDone := make(chan bool, 1)
	s := New(Config{
		SessionID:   "sess-1",
		ControlConn: clientConn,
		DataConn:    mustListenPacket(t),
		Assembler:   assembler.New(assembler.DirectThresholds(), nil, nil),
		OnAuthDone:  func(ok bool) { authDone <- ok },
	})
	defer s.Stop()

	s.Start(context.Background())

	if _, err := serverConn.Write([]byte{wire.TypeAuthResult, 0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ok := <-authDone:
		if !ok {
			t.Fatal("expected auth result true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auth result")
	}

	if !s.Authenticated() {
		t.Fatal("expected session to be marked authenticated")
	}
}

// TestControlReadLoopHandlesAuthDenial covers scenario S6: a short 0xAA 0x00
// denies authentication rather than being dropped as a malformed packet.
func TestControlReadLoopHandlesAuthDenial(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	authDone := make(chan bool, 1)
	s := New(Config{
		SessionID:   "sess-denied",
		ControlConn: clientConn,
		DataConn:    mustListenPacket(t),
		Assembler:   assembler.New(assembler.DirectThresholds(), nil, nil),
		OnAuthDone:  func(ok bool) { authDone <- ok },
	})
	defer s.Stop()

	s.Start(context.Background())

	if _, err := serverConn.Write([]byte{wire.TypeAuthResult, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ok := <-authDone:
		if ok {
			t.Fatal("expected auth result false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auth result")
	}

	if s.Authenticated() {
		t.Fatal("expected session to remain unauthenticated")
	}
}

// TestControlSendLoopSendsRegistrationFrame covers spec §4.7's literal
// registration framing: 0xFE | listen_port:u16 | user_id utf8, never a
// 17-byte application header.
func TestControlSendLoopSendsRegistrationFrame(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := New(Config{
		SessionID:   "alice",
		ListenPort:  5001,
		ControlConn: clientConn,
		DataConn:    mustListenPacket(t),
		Assembler:   assembler.New(assembler.DirectThresholds(), nil, nil),
	})
	s.registrationInterval = 5 * time.Millisecond
	defer s.Stop()
	s.Start(context.Background())

	buf := make([]byte, 64)
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := serverConn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame := buf[:n]

	if frame[0] != wire.TypeRegistration {
		t.Fatalf("expected registration opcode 0x%02X, got 0x%02X", wire.TypeRegistration, frame[0])
	}
	if port := binary.BigEndian.Uint16(frame[1:3]); port != 5001 {
		t.Fatalf("unexpected listen port: %d", port)
	}
	if string(frame[3:]) != "alice" {
		t.Fatalf("unexpected user id: %q", frame[3:])
	}
}

func TestDataReadLoopDeliversUnencryptedFrame(t *testing.T) {
	dataConn := mustListenPacket(t)
	peerConn := mustListenPacket(t)
	defer peerConn.Close()

	delivered := make(chan []byte, 1)
	asm := assembler.New(assembler.DirectThresholds(), func(_ byte, _ uint64, payload []byte) {
		delivered <- payload
	}, nil)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := New(Config{
		SessionID:   "sess-2",
		ControlConn: clientConn,
		DataConn:    dataConn,
		Assembler:   asm,
	})
	defer s.Stop()
	s.Start(context.Background())

	p, err := wire.Encode(wire.Packet{Header: wire.Header{Type: wire.TypeVideoFrame}, Payload: []byte("frame-bytes")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := peerConn.WriteTo(p, dataConn.LocalAddr()); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case payload := <-delivered:
		if string(payload) != "frame-bytes" {
			t.Fatalf("unexpected payload: %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame delivery")
	}
}

// TestDataReadLoopShortCircuitsAuthResultOnDataChannel covers the §4.7
// dispatch rule's first clause on the UDP/TURN channel: a short 0xAA packet
// is handled before the len<17 drop and before any header parse.
func TestDataReadLoopShortCircuitsAuthResultOnDataChannel(t *testing.T) {
	dataConn := mustListenPacket(t)
	peerConn := mustListenPacket(t)
	defer peerConn.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	authDone := make(chan bool, 1)
	s := New(Config{
		SessionID:   "sess-3",
		ControlConn: clientConn,
		DataConn:    dataConn,
		Assembler:   assembler.New(assembler.DirectThresholds(), nil, nil),
		OnAuthDone:  func(ok bool) { authDone <- ok },
	})
	defer s.Stop()
	s.Start(context.Background())

	if _, err := peerConn.WriteTo([]byte{wire.TypeAuthResult, 0x01}, dataConn.LocalAddr()); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ok := <-authDone:
		if !ok {
			t.Fatal("expected auth result true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auth result on data channel")
	}
}

// TestDataReadLoopCompletesHandshake covers spec §4.5: a received HANDSHAKE
// packet derives the shared key and echoes the receiver's own handshake
// back to the host before any encrypted frame can be processed.
func TestDataReadLoopCompletesHandshake(t *testing.T) {
	dataConn := mustListenPacket(t)
	peerConn := mustListenPacket(t)
	defer peerConn.Close()

	hostCrypto, err := cryptosess.New()
	if err != nil {
		t.Fatalf("new host crypto: %v", err)
	}
	receiverCrypto, err := cryptosess.New()
	if err != nil {
		t.Fatalf("new receiver crypto: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := New(Config{
		SessionID:   "sess-4",
		ControlConn: clientConn,
		DataConn:    dataConn,
		HostAddr:    peerConn.LocalAddr(),
		Crypto:      receiverCrypto,
		Assembler:   assembler.New(assembler.DirectThresholds(), nil, nil),
	})
	defer s.Stop()
	s.Start(context.Background())

	handshakePkt, err := wire.Encode(wire.Packet{
		Header:  wire.Header{Type: wire.TypeHandshake},
		Payload: cryptosess.EncodeHandshake(hostCrypto.LocalPublicKey()),
	})
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	if _, err := peerConn.WriteTo(handshakePkt, dataConn.LocalAddr()); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 256)
	peerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := peerConn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected handshake echo from receiver: %v", err)
	}

	reply, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Header.Type != wire.TypeHandshake {
		t.Fatalf("expected HANDSHAKE reply, got type 0x%02X", reply.Header.Type)
	}
	peerPub, err := cryptosess.DecodeHandshake(reply.Payload)
	if err != nil {
		t.Fatalf("decode reply payload: %v", err)
	}
	if err := hostCrypto.Complete(peerPub); err != nil {
		t.Fatalf("host complete: %v", err)
	}

	if !hostCrypto.Ready() {
		t.Fatal("expected host crypto session to be ready after completing the exchange")
	}
	if !receiverCrypto.Ready() {
		t.Fatal("expected receiver crypto session to be ready after handling the handshake")
	}
}

func mustListenPacket(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return conn
}
