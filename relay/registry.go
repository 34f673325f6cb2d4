package relay

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Registration is one peer's presence record: who it is, where the relay
// saw it from, and when it last proved liveness.
type Registration struct {
	PublicKey    [32]byte
	ObservedAddr string
	LastSeen     time.Time
}

// Registry is the relay's registration table. Entries older than the TTL
// are never served, regardless of whether the sweeper got to them yet.
type Registry struct {
	mu    sync.Mutex
	clk   clock.Clock
	ttl   time.Duration
	peers map[[32]byte]Registration
}

// NewRegistry builds a registry with the given inactivity TTL.
func NewRegistry(clk clock.Clock, ttl time.Duration) *Registry {
	return &Registry{
		clk:   clk,
		ttl:   ttl,
		peers: make(map[[32]byte]Registration),
	}
}

// Register records or refreshes a peer's presence.
func (r *Registry) Register(key [32]byte, addr string) Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := Registration{
		PublicKey:    key,
		ObservedAddr: addr,
		LastSeen:     r.clk.Now(),
	}
	r.peers[key] = reg

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"peer":     key[:8],
		"addr":     addr,
	}).Debug("Peer registered")
	return reg
}

// Touch refreshes the last-seen time of an existing registration. It
// reports false if the peer is unknown or already stale, in which case a
// full Register is required.
func (r *Registry) Touch(key [32]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.peers[key]
	if !ok || r.stale(reg) {
		delete(r.peers, key)
		return false
	}
	reg.LastSeen = r.clk.Now()
	r.peers[key] = reg
	return true
}

// Lookup returns a live registration. Stale entries are evicted on the
// spot and reported as absent.
func (r *Registry) Lookup(key [32]byte) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.peers[key]
	if !ok {
		return Registration{}, false
	}
	if r.stale(reg) {
		delete(r.peers, key)
		return Registration{}, false
	}
	return reg, true
}

// Remove drops a registration, typically because the peer disconnected.
func (r *Registry) Remove(key [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, key)
}

// Sweep evicts all stale registrations and returns how many were dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for key, reg := range r.peers {
		if r.stale(reg) {
			delete(r.peers, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of stored registrations, stale ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Registry) stale(reg Registration) bool {
	return r.clk.Now().Sub(reg.LastSeen) > r.ttl
}
