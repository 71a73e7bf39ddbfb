// Package wgcrypto implements WireGuard key generation and the
// public/secret key relationship used throughout the meshnet device
// runtime: PublicKey and SecretKey are both 32-byte Curve25519 values,
// and PublicKeyOf is deterministic for a given secret.
package wgcrypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

// PublicKey is a Curve25519 public key, as exchanged in WireGuard
// handshakes and referenced throughout RequestedState/MeshConfig.
type PublicKey [KeySize]byte

// SecretKey is a Curve25519 private scalar, clamped per RFC 7748 when
// generated by NewSecretKey.
type SecretKey [KeySize]byte

func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

func (k SecretKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// IsZero reports whether k is the all-zero key, used as the sentinel
// for "no key configured" in RequestedState.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// MarshalText renders the key as base64 so it serializes as a plain JSON
// string (relay frames, directory records) instead of a byte array.
func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the base64 form produced by MarshalText.
func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// NewSecretKey generates a fresh, correctly clamped Curve25519 secret key.
func NewSecretKey() (SecretKey, error) {
	var k SecretKey
	if _, err := rand.Read(k[:]); err != nil {
		return SecretKey{}, fmt.Errorf("wgcrypto: generating secret key: %w", err)
	}
	clamp(&k)
	return k, nil
}

func clamp(k *SecretKey) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// PublicKeyOf computes the public key corresponding to secret via
// Curve25519 scalar multiplication against the base point. This is the
// deterministic public_key_of(secret) operation required by the Key
// Agreement invariant.
func PublicKeyOf(secret SecretKey) (PublicKey, error) {
	var pub PublicKey
	out, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, fmt.Errorf("wgcrypto: deriving public key: %w", err)
	}
	copy(pub[:], out)
	return pub, nil
}

// ParsePublicKey decodes a base64-encoded (standard, WireGuard wire
// format) public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("wgcrypto: bad public key encoding: %w", err)
	}
	if len(b) != KeySize {
		return PublicKey{}, fmt.Errorf("wgcrypto: public key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// ParseSecretKey decodes a base64-encoded secret key without re-clamping
// it; callers that generate keys should use NewSecretKey instead.
func ParseSecretKey(s string) (SecretKey, error) {
	var sk SecretKey
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return SecretKey{}, fmt.Errorf("wgcrypto: bad secret key encoding: %w", err)
	}
	if len(b) != KeySize {
		return SecretKey{}, fmt.Errorf("wgcrypto: secret key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(sk[:], b)
	return sk, nil
}

// HexPublicKey renders a public key in lowercase hex, the form used on
// the UAPI wire.
func HexPublicKey(k PublicKey) string {
	return fmt.Sprintf("%x", k[:])
}

// PublicKeyFromHex parses a lowercase-hex UAPI public key.
func PublicKeyFromHex(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != KeySize {
		return PublicKey{}, fmt.Errorf("wgcrypto: bad hex public key %q", s)
	}
	copy(pk[:], b)
	return pk, nil
}

// HexSecretKey renders a secret key in lowercase hex, the form used on
// the UAPI wire.
func HexSecretKey(k SecretKey) string {
	return fmt.Sprintf("%x", k[:])
}

// SecretKeyFromHex parses a lowercase-hex UAPI private key.
func SecretKeyFromHex(s string) (SecretKey, error) {
	var sk SecretKey
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != KeySize {
		return SecretKey{}, fmt.Errorf("wgcrypto: bad hex secret key %q", s)
	}
	copy(sk[:], b)
	return sk, nil
}
