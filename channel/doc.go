// Package channel implements PeerLink's Secure Channel: the encrypted,
// reliable, ordered communication abstraction handed to the application
// after a successful handshake.
//
// A Channel multiplexes independent logical streams over one reliable
// ordered byte pipe (a QUIC stream for direct connections, a relay forward
// session otherwise). Every frame is encrypted with the directional cipher
// states produced by the Noise handshake and carries a strictly increasing
// per-direction counter. Because the pipe already guarantees ordering, a
// counter mismatch can only mean tampering or a protocol bug, so it tears
// the channel down rather than attempting recovery.
//
// Chat messages and file transfers ride as independent streams; the
// channel imposes no payload size ceiling.
package channel
