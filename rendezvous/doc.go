// Package rendezvous implements the relay client: it keeps the local peer
// registered, requests rendezvous tickets, surfaces inbound connect
// offers, reports punch outcomes and, when the relay advertises it, opens
// ciphertext forward sessions as a traversal fallback.
package rendezvous
