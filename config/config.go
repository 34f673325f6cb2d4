// Package config holds PeerLink's on-disk relay configuration and the
// tunable connection policy.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/opd-ai/peerlink/identity"
)

// Relay describes the relay a peer rendezvouses through: its reachable
// address and its Ed25519 public key. The key authenticates the relay
// during the Noise handshake, so a rogue relay cannot impersonate the
// configured one.
type Relay struct {
	Addr      string `toml:"addr"`
	PublicKey string `toml:"public_key"`
}

// LoadRelay reads a relay.toml file.
func LoadRelay(path string) (*Relay, error) {
	var r Relay
	if _, err := toml.DecodeFile(path, &r); err != nil {
		return nil, fmt.Errorf("failed to load relay config: %w", err)
	}
	if _, err := r.Key(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Save writes the relay config in TOML form.
func (r *Relay) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write relay config: %w", err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(r)
}

// Key parses the relay's public key from its textual form.
func (r *Relay) Key() ([32]byte, error) {
	key, err := identity.ParsePublicKey(r.PublicKey)
	if err != nil {
		return key, fmt.Errorf("invalid relay public key: %w", err)
	}
	return key, nil
}

// Policy collects the retry, timeout and rekey constants that the design
// leaves configurable. Zero values are replaced by the documented defaults
// from DefaultPolicy.
type Policy struct {
	// PunchWindow bounds one hole punching attempt: a bidirectional
	// datagram exchange must complete within it.
	PunchWindow time.Duration
	// PunchRetries is the number of fresh rendezvous tickets tried before
	// falling back (or giving up).
	PunchRetries int
	// ConnectRestarts is the number of full Idle restarts the connection
	// orchestrator performs before surfacing a terminal error.
	ConnectRestarts int
	// HandshakeTimeout bounds the whole Noise handshake exchange.
	HandshakeTimeout time.Duration
	// KeepAliveInterval is how often a registered peer refreshes its relay
	// registration.
	KeepAliveInterval time.Duration
	// RegistrationTTL is how long the relay serves a registration after
	// the last keep-alive. It must exceed KeepAliveInterval.
	RegistrationTTL time.Duration
	// TicketTTL bounds one traversal attempt on the relay side.
	TicketTTL time.Duration
	// RekeyAfterMessages forces a channel rekey after this many frames in
	// one direction.
	RekeyAfterMessages uint64
	// RekeyAfterTime forces a channel rekey after this much time in one
	// direction, whichever of the two thresholds trips first.
	RekeyAfterTime time.Duration
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		PunchWindow:        5 * time.Second,
		PunchRetries:       3,
		ConnectRestarts:    2,
		HandshakeTimeout:   10 * time.Second,
		KeepAliveInterval:  30 * time.Second,
		RegistrationTTL:    90 * time.Second,
		TicketTTL:          30 * time.Second,
		RekeyAfterMessages: 65536,
		RekeyAfterTime:     15 * time.Minute,
	}
}

// Normalize fills zero fields with defaults.
func (p Policy) Normalize() Policy {
	d := DefaultPolicy()
	if p.PunchWindow == 0 {
		p.PunchWindow = d.PunchWindow
	}
	if p.PunchRetries == 0 {
		p.PunchRetries = d.PunchRetries
	}
	if p.ConnectRestarts == 0 {
		p.ConnectRestarts = d.ConnectRestarts
	}
	if p.HandshakeTimeout == 0 {
		p.HandshakeTimeout = d.HandshakeTimeout
	}
	if p.KeepAliveInterval == 0 {
		p.KeepAliveInterval = d.KeepAliveInterval
	}
	if p.RegistrationTTL == 0 {
		p.RegistrationTTL = d.RegistrationTTL
	}
	if p.TicketTTL == 0 {
		p.TicketTTL = d.TicketTTL
	}
	if p.RekeyAfterMessages == 0 {
		p.RekeyAfterMessages = d.RekeyAfterMessages
	}
	if p.RekeyAfterTime == 0 {
		p.RekeyAfterTime = d.RekeyAfterTime
	}
	return p
}
