// Package connect drives connection establishment end to end: rendezvous,
// hole punching with bounded retries, the mutual Noise handshake, friend
// list vetting and the relay forwarding fallback. It owns the attempt
// state machine; no layer below it retries anything.
package connect
