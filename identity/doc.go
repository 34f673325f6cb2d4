// Package identity implements PeerLink's public-key identity scheme.
//
// An identity is an Ed25519 public key plus a human-facing nickname. There
// is no central registry: peers learn each other by exchanging portable,
// self-signed identity records out of band. The Store owns the local key
// pair and the friend list (the set of vetted remote identities) and is the
// only place private key material lives.
package identity
