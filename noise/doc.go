// Package noise implements PeerLink's handshake session engine on the
// Noise Protocol Framework.
//
// Two patterns are used. Peers that meet through the rendezvous flow run
// XX: neither side needs the other's Noise static up front, both statics
// travel inside the handshake, and each side proves its Ed25519 identity
// with a signed binding payload. Clients talking to a relay run IK: the
// relay's static is derived from the Ed25519 key in relay.toml, so a rogue
// relay cannot complete message 2.
//
// A Session is a single-use state machine. Any authentication failure,
// truncated read or out-of-turn message moves it to StateFailed, wipes the
// ephemeral state and poisons the session for good; retries happen at the
// connection orchestrator with a fresh Session.
package noise
