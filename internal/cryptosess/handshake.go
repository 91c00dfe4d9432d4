package cryptosess

import (
	"errors"
	"fmt"

	"github.com/breeze-rmm/receiver/internal/wire"
)

var ErrMalformedHandshakePayload = errors.New("cryptosess: malformed handshake payload")

// EncodeHandshake builds the payload of a wire.TypeHandshake packet: the
// 0xEC discriminator followed by the 32-byte Curve25519 public key.
func EncodeHandshake(pub [32]byte) []byte {
	buf := make([]byte, 1+32)
	buf[0] = wire.HandshakePayloadDiscriminator
	copy(buf[1:], pub[:])
	return buf
}

// DecodeHandshake parses a handshake packet payload back into the peer's
// public key.
func DecodeHandshake(payload []byte) ([32]byte, error) {
	var pub [32]byte
	if len(payload) != 1+32 {
		return pub, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedHandshakePayload, 1+32, len(payload))
	}
	if payload[0] != wire.HandshakePayloadDiscriminator {
		return pub, fmt.Errorf("%w: discriminator 0x%02X", ErrMalformedHandshakePayload, payload[0])
	}
	copy(pub[:], payload[1:])
	return pub, nil
}
