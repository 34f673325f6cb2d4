package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// Sign creates an Ed25519 signature for a message using the private seed.
func Sign(message []byte, privateKey [32]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	edPrivateKey := ed25519.NewKeyFromSeed(privateKey[:])
	defer ZeroBytes(edPrivateKey)

	sigBytes := ed25519.Sign(edPrivateKey, message)

	var sig Signature
	copy(sig[:], sigBytes)

	return sig, nil
}

// Verify checks if a signature is valid for a message and public key.
func Verify(message []byte, sig Signature, publicKey [32]byte) bool {
	if len(message) == 0 {
		return false
	}
	return ed25519.Verify(publicKey[:], message, sig[:])
}
