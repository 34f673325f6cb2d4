package connect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/channel"
	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/identity"
	"github.com/opd-ai/peerlink/noise"
	"github.com/opd-ai/peerlink/rendezvous"
)

var (
	// ErrUnknownPeer indicates the other side proved a cryptographically
	// valid identity that is not in the friend list. The connection is
	// refused but the identity is reported so the caller can decide.
	ErrUnknownPeer = errors.New("peer identity is not in the friend list")
	// ErrUnreachable indicates every traversal strategy was exhausted.
	ErrUnreachable = errors.New("peer is unreachable")
)

// State is the orchestrator's connection progress.
type State uint8

const (
	StateIdle State = iota
	StateDiscovering
	StatePunching
	StateHandshaking
	StateEstablished
	StateClosed
	StateFailed
)

// String returns a readable state name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDiscovering:
		return "Discovering"
	case StatePunching:
		return "Punching"
	case StateHandshaking:
		return "Handshaking"
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

// Rendezvous is the relay client surface the orchestrator drives.
type Rendezvous interface {
	RequestPeer(ctx context.Context, peer [32]byte) (rendezvous.Offer, error)
	ReportResult(ticket uuid.UUID, success bool) error
	Forward(ctx context.Context, ticket uuid.UUID) (io.ReadWriteCloser, error)
	ForwardSupported() bool
}

// Puncher opens a NAT path correlated by a rendezvous ticket.
type Puncher interface {
	Punch(ctx context.Context, ticket [16]byte, predicted *net.UDPAddr) (*net.UDPAddr, error)
}

// Dialer opens the direct transport connection once a path is punched.
type Dialer interface {
	Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error)
}

// Orchestrator owns one connection attempt at a time. It is the only
// layer that retries: rendezvous, punch and handshake failures below it
// are all single-shot.
type Orchestrator struct {
	store   *identity.Store
	rdv     Rendezvous
	puncher Puncher
	dialer  Dialer
	policy  config.Policy

	mu    sync.Mutex
	state State
}

// New builds an orchestrator over the given collaborators.
func New(store *identity.Store, rdv Rendezvous, puncher Puncher, dialer Dialer, policy config.Policy) *Orchestrator {
	return &Orchestrator{
		store:   store,
		rdv:     rdv,
		puncher: puncher,
		dialer:  dialer,
		policy:  policy.Normalize(),
		state:   StateIdle,
	}
}

// State returns the current attempt state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "setState",
		"from":     prev,
		"to":       s,
	}).Debug("Orchestrator state transition")
}

// Connect establishes a secure channel to peer. The peer must already be
// in the friend list: connecting to an unvetted key fails with
// ErrUnknownPeer before any network traffic. Transient failures restart
// the whole attempt up to the policy's restart count; cryptographic
// failures never do.
func (o *Orchestrator) Connect(ctx context.Context, peer [32]byte) (*channel.Channel, error) {
	if _, known := o.store.Lookup(peer); !known {
		return nil, ErrUnknownPeer
	}

	var lastErr error
	for restart := 0; restart <= o.policy.ConnectRestarts; restart++ {
		if restart > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "Connect",
				"peer":     peer[:8],
				"restart":  restart,
			}).Info("Restarting connection attempt")
		}

		ch, err := o.attempt(ctx, peer)
		if err == nil {
			o.setState(StateEstablished)
			return ch, nil
		}
		lastErr = err

		if terminal(err) || ctx.Err() != nil {
			break
		}
		o.setState(StateIdle)
	}

	o.setState(StateFailed)
	return nil, lastErr
}

// terminal reports whether an attempt error cannot be fixed by a restart.
func terminal(err error) bool {
	return errors.Is(err, noise.ErrHandshakeAuthFailure) ||
		errors.Is(err, ErrUnknownPeer) ||
		errors.Is(err, rendezvous.ErrPeerNotRegistered) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// attempt runs one full pass: discover, punch (with fresh tickets per
// retry), then handshake. Each phase failure is returned unretried; the
// restart loop in Connect decides what happens next.
func (o *Orchestrator) attempt(ctx context.Context, peer [32]byte) (*channel.Channel, error) {
	pipe, err := o.traverse(ctx, peer)
	if err != nil {
		return nil, err
	}

	o.setState(StateHandshaking)
	ch, _, err := o.handshake(ctx, pipe, noise.Initiator, &peer)
	if err != nil {
		pipe.Close()
		return nil, err
	}
	return ch, nil
}

// traverse produces a reliable pipe to the peer: a punched direct path if
// possible, the relay forward fallback if both sides opted in, otherwise
// ErrUnreachable.
func (o *Orchestrator) traverse(ctx context.Context, peer [32]byte) (io.ReadWriteCloser, error) {
	for try := 0; try < o.policy.PunchRetries; try++ {
		o.setState(StateDiscovering)
		offer, err := o.rdv.RequestPeer(ctx, peer)
		if err != nil {
			return nil, err
		}

		predicted, err := net.ResolveUDPAddr("udp", offer.Addr)
		if err != nil {
			return nil, fmt.Errorf("relay reported an unusable address: %w", err)
		}

		o.setState(StatePunching)
		addr, punchErr := o.puncher.Punch(ctx, [16]byte(offer.Ticket), predicted)
		if punchErr == nil {
			pipe, err := o.dialer.Dial(ctx, addr.String())
			if err == nil {
				_ = o.rdv.ReportResult(offer.Ticket, true)
				return pipe, nil
			}
			// Punched but could not dial through: burn the ticket and try
			// again with a fresh one.
			logrus.WithFields(logrus.Fields{
				"function": "traverse",
				"peer":     peer[:8],
				"error":    err,
			}).Debug("Dial through punched path failed")
			_ = o.rdv.ReportResult(offer.Ticket, false)
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// The last punch failure converts into the forwarding fallback
		// when the relay offers it; the ticket is consumed by the forward
		// pairing instead of a result report.
		if try == o.policy.PunchRetries-1 && o.rdv.ForwardSupported() {
			pipe, err := o.rdv.Forward(ctx, offer.Ticket)
			if err != nil {
				return nil, fmt.Errorf("%w: forward fallback failed: %v", ErrUnreachable, err)
			}
			logrus.WithFields(logrus.Fields{
				"function": "traverse",
				"peer":     peer[:8],
			}).Info("Falling back to relay forwarding")
			return pipe, nil
		}
		_ = o.rdv.ReportResult(offer.Ticket, false)
	}

	return nil, ErrUnreachable
}

// Respond runs the responder side of the peer handshake over an already
// established pipe and vets the proven identity against the friend list.
// The proven key is returned even on ErrUnknownPeer so the caller can
// surface who knocked.
func (o *Orchestrator) Respond(ctx context.Context, pipe io.ReadWriteCloser) (*channel.Channel, [32]byte, error) {
	o.setState(StateHandshaking)
	ch, remote, err := o.handshake(ctx, pipe, noise.Responder, nil)
	if err != nil {
		pipe.Close()
		o.setState(StateFailed)
		return nil, remote, err
	}

	if _, known := o.store.Lookup(remote); !known {
		ch.Close()
		o.setState(StateFailed)
		return nil, remote, ErrUnknownPeer
	}

	o.setState(StateEstablished)
	return ch, remote, nil
}

// handshake runs the XX exchange over the pipe and wraps the resulting
// keys in a secure channel. expected pins the remote identity for the
// initiator; the responder learns it from the proof payload.
func (o *Orchestrator) handshake(ctx context.Context, pipe io.ReadWriteCloser, role noise.Role, expected *[32]byte) (*channel.Channel, [32]byte, error) {
	var sess *noise.Session
	err := o.store.UseKey(func(seed [32]byte) error {
		var e error
		sess, e = noise.NewSession(noise.Config{
			Pattern:        noise.PatternXX,
			Role:           role,
			LocalSeed:      seed,
			RemoteIdentity: expected,
		})
		return e
	})
	if err != nil {
		return nil, [32]byte{}, err
	}

	hctx, cancel := context.WithTimeout(ctx, o.policy.HandshakeTimeout)
	defer cancel()
	if err := sess.Run(hctx, pipe); err != nil {
		return nil, [32]byte{}, err
	}

	remote, err := sess.RemoteIdentity()
	if err != nil {
		return nil, [32]byte{}, err
	}
	keys, err := sess.TransportKeys()
	if err != nil {
		return nil, remote, err
	}

	return channel.New(pipe, keys, o.policy), remote, nil
}
