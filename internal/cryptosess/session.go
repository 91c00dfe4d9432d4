// Package cryptosess bootstraps an authenticated session key with the host
// over the unauthenticated UDP transport: an ephemeral Curve25519 key
// exchange, HKDF-SHA256 derivation, and ChaCha20-Poly1305 for the payload
// AEAD. Grounded on the x/crypto hkdf usage pattern found in the pack's
// katzenpost stream client; x/crypto is already an indirect dependency via
// the teacher's WebRTC stack.
package cryptosess

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/breeze-rmm/receiver/internal/logging"
)

var log = logging.L("cryptosess")

// HandshakeSalt fixes the HKDF salt to a short protocol version tag so
// sessions negotiated under different protocol revisions never derive the
// same key even with colliding ECDH output (which should not happen, but
// costs nothing to separate).
var HandshakeSalt = []byte("receiver-session-v1")

const keySize = chacha20poly1305.KeySize // 32 bytes, matches curve25519 output size

var (
	ErrPeerKeyInvalid  = errors.New("cryptosess: peer public key is invalid")
	ErrHandshakeNotDone = errors.New("cryptosess: handshake not complete")
	ErrDecryptFailed   = errors.New("cryptosess: decryption failed")
)

// KeyPair is an ephemeral Curve25519 key pair for one session.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a fresh ephemeral key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// Session holds the derived symmetric key and AEAD once the handshake
// completes. It is not safe to use before Complete succeeds.
type Session struct {
	local    KeyPair
	aead     cipherAEAD
	complete bool
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// New generates a fresh local key pair for a handshake that has not yet
// started.
func New() (*Session, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Session{local: kp}, nil
}

// LocalPublicKey returns the bytes to send as this side's handshake payload.
func (s *Session) LocalPublicKey() [32]byte {
	return s.local.Public
}

// Complete derives the session key from the peer's public key and readies
// the AEAD. Call once per session; calling twice recomputes the key, which
// is harmless but indicates a protocol error upstream.
func (s *Session) Complete(peerPublic [32]byte) error {
	shared, err := curve25519.X25519(s.local.Private[:], peerPublic[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerKeyInvalid, err)
	}

	reader := hkdf.New(sha256.New, shared, HandshakeSalt, nil)
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return fmt.Errorf("derive session key: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("construct aead: %w", err)
	}

	s.aead = aead
	s.complete = true
	log.Debug("session key derived")
	return nil
}

// Ready reports whether Complete has succeeded.
func (s *Session) Ready() bool {
	return s.complete
}

// Encrypt seals plaintext under nonce (caller-managed, must never repeat for
// this key) and returns ciphertext with the AEAD tag appended.
func (s *Session) Encrypt(nonce, plaintext []byte) ([]byte, error) {
	if !s.complete {
		return nil, ErrHandshakeNotDone
	}
	if len(nonce) != s.aead.NonceSize() {
		return nil, fmt.Errorf("cryptosess: nonce must be %d bytes, got %d", s.aead.NonceSize(), len(nonce))
	}
	return s.aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext. Any failure is reported as ErrDecryptFailed
// without further detail: per the transport's drop-silently-on-failure
// policy, callers should drop the packet rather than branch on why it
// failed to decrypt.
func (s *Session) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	if !s.complete {
		return nil, ErrHandshakeNotDone
	}
	if len(nonce) != s.aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// NonceSize reports the AEAD's required nonce length.
func (s *Session) NonceSize() int {
	if !s.complete {
		return chacha20poly1305.NonceSize
	}
	return s.aead.NonceSize()
}
