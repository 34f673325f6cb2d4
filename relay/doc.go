// Package relay implements the rendezvous relay: the wire protocol shared
// with clients, the registration table, the single-use ticket store and
// the serving loop.
//
// Every client connection is secured with a Noise IK handshake in which
// the relay proves the static key derived from its published Ed25519 key
// and the client proves its own Ed25519 identity, so registrations cannot
// be forged. The relay never sees plaintext peer traffic: the optional
// forwarding path carries the peers' own channel ciphertext opaquely.
package relay
