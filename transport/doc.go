// Package transport implements PeerLink's network transports.
//
// Direct peer connections run over QUIC. The endpoint keeps one UDP
// socket shared between listening, dialing and hole punching: NAT
// mappings are per local port, so the punched hole is only useful if the
// subsequent QUIC dial leaves through the same port. Punch datagrams are
// sent and received through the same quic.Transport, which hands
// non-QUIC packets back to us.
//
// TLS here is plumbing, not authentication: certificates are throwaway
// self-signed ones and clients do not verify them. Peer authentication is
// the Noise handshake's job, which runs inside the QUIC stream.
package transport
