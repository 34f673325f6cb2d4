package noise

import (
	"bytes"
	"fmt"

	"github.com/opd-ai/peerlink/crypto"
)

// The identity proof payload binds an Ed25519 identity to the Noise static
// key authenticated by the handshake:
//
//	identity_key(32) | signature(64)
//
// where the signature covers bindingContext followed by the X25519 static
// public key. A peer that cannot sign for the identity it advertises, or
// whose advertised identity does not convert to the static it used, fails
// the handshake.

var bindingContext = []byte("peerlink-static-binding-v1")

const proofSize = 32 + crypto.SignatureSize

// buildProof signs the local Noise static with the identity seed.
func buildProof(seed [32]byte, noiseStatic [32]byte) ([]byte, error) {
	keys, err := crypto.FromSeed(seed)
	if err != nil {
		return nil, err
	}
	defer crypto.WipeKeyPair(keys)

	msg := append(append([]byte(nil), bindingContext...), noiseStatic[:]...)
	sig, err := crypto.Sign(msg, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to sign identity proof: %w", err)
	}

	proof := make([]byte, 0, proofSize)
	proof = append(proof, keys.Public[:]...)
	proof = append(proof, sig[:]...)
	return proof, nil
}

// verifyProof validates a received proof payload against the Noise static
// the handshake authenticated and returns the proven identity key.
func verifyProof(payload, peerStatic []byte) ([32]byte, error) {
	var identityKey [32]byte

	if len(payload) != proofSize {
		return identityKey, fmt.Errorf("%w: bad proof length %d", ErrHandshakeAuthFailure, len(payload))
	}
	if len(peerStatic) != 32 {
		return identityKey, fmt.Errorf("%w: peer static unavailable", ErrHandshakeAuthFailure)
	}

	copy(identityKey[:], payload[:32])

	// The advertised identity must convert to exactly the static key the
	// handshake proved possession of.
	expectedStatic, err := crypto.NoisePublicFromIdentity(identityKey)
	if err != nil {
		return identityKey, fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}
	if !bytes.Equal(expectedStatic[:], peerStatic) {
		return identityKey, fmt.Errorf("%w: identity does not match static key", ErrHandshakeAuthFailure)
	}

	var sig crypto.Signature
	copy(sig[:], payload[32:])

	msg := append(append([]byte(nil), bindingContext...), peerStatic...)
	if !crypto.Verify(msg, sig, identityKey) {
		return identityKey, fmt.Errorf("%w: identity proof signature invalid", ErrHandshakeAuthFailure)
	}

	return identityKey, nil
}
