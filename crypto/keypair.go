package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// KeyPair represents an Ed25519 identity key pair. The private half is the
// 32-byte seed; the full ed25519 signing key is re-expanded from it on use
// so only one copy of secret material exists.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{}
	copy(kp.Public[:], pub)
	copy(kp.Private[:], priv.Seed())

	// The expanded form is no longer needed once the seed is captured.
	ZeroBytes(priv)

	return kp, nil
}

// FromSeed reconstructs a key pair from an existing 32-byte Ed25519 seed.
func FromSeed(seed [32]byte) (*KeyPair, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid seed: all zeros")
	}

	priv := ed25519.NewKeyFromSeed(seed[:])

	kp := &KeyPair{Private: seed}
	copy(kp.Public[:], priv[32:])

	ZeroBytes(priv)

	return kp, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
