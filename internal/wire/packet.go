// Package wire implements the receiver's application-datagram packet codec:
// a fixed 17-byte header in front of each UDP payload, used for video,
// parameter-set and telemetry fragments and for handshake messages on the
// same socket. The out-of-band opcodes (key-frame request, registration,
// auth result, disconnect) are defined here too but are sent as raw bytes
// without this header.
//
// This framing is specific to this protocol and has no off-the-shelf
// library; pion/stun and pion/turn cover the STUN/TURN wire format used
// during NAT traversal, this package covers everything after that.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is 1 (type) + 8 (timestamp) + 4 (total fragments) + 4 (fragment index).
const HeaderSize = 17

// MaxPayloadSize bounds a single UDP datagram's packet payload.
const MaxPayloadSize = 64 * 1024

// Packet types, per the protocol's fixed enum.
const (
	TypeVPS              byte = 0x00 // HEVC video parameter set
	TypeSPS              byte = 0x01 // sequence parameter set
	TypePPS              byte = 0x02 // picture parameter set
	TypeVideoFrame       byte = 0x03 // P-frame access unit (Annex-B)
	TypeKeyFrame         byte = 0x04 // IDR/CRA access unit
	TypePNGFrame         byte = 0x06 // full-resolution still
	TypeFECParity        byte = 0x07 // reserved, unused
	TypeMetadata         byte = 0x08 // host-side telemetry
	TypeHandshake        byte = 0x09 // carries a 0xEC discriminator inside Payload
	TypeOmniscientState  byte = 0x50 // JSON control-plane snapshot

	TypeKeyFrameReq  byte = 0xFC
	TypeRegistration byte = 0xFE
	TypeAuthResult   byte = 0xAA
	TypeDisconnect   byte = 0xFF
)

// HandshakePayloadDiscriminator marks the first byte of a TypeHandshake
// packet's payload as carrying an ECDH public key.
const HandshakePayloadDiscriminator byte = 0xEC

var (
	ErrPacketTooShort   = errors.New("wire: packet shorter than header")
	ErrPayloadTooLarge  = errors.New("wire: payload exceeds maximum size")
	ErrInvalidFragments = errors.New("wire: fragment_index >= total_fragments")
)

// Header is the fixed 17-byte prefix of every application datagram.
type Header struct {
	Type           byte
	TimestampNs    uint64
	TotalFragments uint32
	FragmentIndex  uint32
}

// Packet is a decoded application datagram: header plus the remaining bytes.
type Packet struct {
	Header  Header
	Payload []byte
}

// IsParameterSet reports whether a packet carries a VPS/SPS/PPS NAL unit,
// which the frame assembler exempts from its normal age policy.
func (p Packet) IsParameterSet() bool {
	switch p.Header.Type {
	case TypeVPS, TypeSPS, TypePPS:
		return true
	default:
		return false
	}
}

// IsKeyFrame reports whether a packet carries an IDR/CRA access unit, which
// the frame assembler also exempts from its age policy (spec §4.6 (a)).
func (p Packet) IsKeyFrame() bool {
	return p.Header.Type == TypeKeyFrame
}

// Encode serializes a packet into a single buffer suitable for one UDP send.
func Encode(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	if p.Header.TotalFragments > 0 && p.Header.FragmentIndex >= p.Header.TotalFragments {
		return nil, ErrInvalidFragments
	}

	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = p.Header.Type
	binary.BigEndian.PutUint64(buf[1:9], p.Header.TimestampNs)
	binary.BigEndian.PutUint32(buf[9:13], p.Header.TotalFragments)
	binary.BigEndian.PutUint32(buf[13:17], p.Header.FragmentIndex)
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// Decode parses a raw UDP datagram into a Packet. The returned Payload
// aliases data; callers that retain it past the next read must copy it.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: got %d bytes, need %d", ErrPacketTooShort, len(data), HeaderSize)
	}

	h := Header{
		Type:           data[0],
		TimestampNs:    binary.BigEndian.Uint64(data[1:9]),
		TotalFragments: binary.BigEndian.Uint32(data[9:13]),
		FragmentIndex:  binary.BigEndian.Uint32(data[13:17]),
	}
	if h.TotalFragments > 0 && h.FragmentIndex >= h.TotalFragments {
		return Packet{}, ErrInvalidFragments
	}

	payload := data[HeaderSize:]
	if len(payload) > MaxPayloadSize {
		return Packet{}, ErrPayloadTooLarge
	}

	return Packet{Header: h, Payload: payload}, nil
}

// TypeName returns a human-readable name for a packet type, for logging.
func TypeName(t byte) string {
	switch t {
	case TypeVPS:
		return "VPS"
	case TypeSPS:
		return "SPS"
	case TypePPS:
		return "PPS"
	case TypeVideoFrame:
		return "VIDEO_FRAME"
	case TypeKeyFrame:
		return "KEY_FRAME"
	case TypePNGFrame:
		return "PNG_FRAME"
	case TypeFECParity:
		return "FEC_PARITY"
	case TypeMetadata:
		return "METADATA"
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeOmniscientState:
		return "OMNISCIENT_STATE"
	case TypeKeyFrameReq:
		return "KEY_FRAME_REQUEST"
	case TypeRegistration:
		return "REGISTRATION"
	case TypeAuthResult:
		return "AUTH_RESULT"
	case TypeDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", t)
	}
}
