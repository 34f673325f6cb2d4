// Package crypto implements the cryptographic primitives for PeerLink.
//
// This package handles Ed25519 identity key generation, signatures, the
// Ed25519-to-X25519 conversion that turns an identity key into a Noise
// static key, and secure erasure of key material.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto
