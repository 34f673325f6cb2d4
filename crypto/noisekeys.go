package crypto

import (
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// NoiseKeyPair holds the X25519 key pair used as a Noise static key.
// It is derived deterministically from an Ed25519 identity key, so an
// identity has exactly one Noise static and peers can compute it from the
// public identity key alone.
type NoiseKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// NoiseKeyFromSeed derives the X25519 static key pair from an Ed25519 seed.
// This follows the standard conversion: the X25519 scalar is the clamped
// first half of SHA-512(seed), which is the same scalar Ed25519 signing
// uses internally.
func NoiseKeyFromSeed(seed [32]byte) (*NoiseKeyPair, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid seed: all zeros")
	}

	digest := sha512.Sum512(seed[:])
	defer ZeroBytes(digest[:])

	nk := &NoiseKeyPair{}
	copy(nk.Private[:], digest[:32])
	nk.Private[0] &= 248
	nk.Private[31] &= 127
	nk.Private[31] |= 64

	pub, err := curve25519.X25519(nk.Private[:], curve25519.Basepoint)
	if err != nil {
		ZeroBytes(nk.Private[:])
		return nil, fmt.Errorf("failed to derive X25519 public key: %w", err)
	}
	copy(nk.Public[:], pub)

	return nk, nil
}

// NoisePublicFromIdentity converts an Ed25519 public key to the X25519
// public key of the same identity (Edwards y-coordinate to Montgomery u).
// This lets a peer predict the Noise static of any identity it knows.
func NoisePublicFromIdentity(publicKey [32]byte) ([32]byte, error) {
	var out [32]byte

	point, err := new(edwards25519.Point).SetBytes(publicKey[:])
	if err != nil {
		return out, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}

	copy(out[:], point.BytesMontgomery())
	return out, nil
}

// Wipe erases the private half of the Noise key pair.
func (nk *NoiseKeyPair) Wipe() {
	if nk != nil {
		ZeroBytes(nk.Private[:])
	}
}
