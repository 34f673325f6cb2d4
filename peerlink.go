// Package peerlink provides confidential, authenticated, reliable
// peer-to-peer sessions between Ed25519 identities behind NATs, with no
// central account service.
//
// A Node owns the local identity store, one QUIC endpoint and one relay
// registration. Dial establishes an outbound secure channel to a friend;
// Accept yields inbound channels from friends. Peers that prove a valid
// but unvetted identity are refused and logged, never silently accepted.
package peerlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/channel"
	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/connect"
	"github.com/opd-ai/peerlink/identity"
	"github.com/opd-ai/peerlink/rendezvous"
	"github.com/opd-ai/peerlink/transport"
)

// ErrNodeClosed indicates use of a closed node.
var ErrNodeClosed = errors.New("node closed")

// Options configures a Node.
type Options struct {
	// Nickname names a freshly generated identity. Ignored when Backup is
	// set.
	Nickname string
	// Backup restores the identity from a backup record instead of
	// generating a new one.
	Backup []byte
	// ListenAddr is the UDP bind address; empty means any port on all
	// interfaces.
	ListenAddr string
	// Relay describes the rendezvous relay to register with.
	Relay *config.Relay
	// Policy tunes timeouts, retries and rekeying. Zero fields take the
	// documented defaults.
	Policy config.Policy
}

// Session is one established secure channel plus the proven identity of
// the peer on the other end.
type Session struct {
	*channel.Channel
	Peer [32]byte
}

// Node is the top-level handle: identity, transport and rendezvous in one
// place.
type Node struct {
	store    *identity.Store
	endpoint *transport.Endpoint
	puncher  *transport.HolePuncher
	policy   config.Policy
	relay    *config.Relay

	accepted chan *Session
	// rdvSwapped wakes the offer loop after a relay reconnect so it
	// re-subscribes to the fresh client's offer feed.
	rdvSwapped chan struct{}

	mu     sync.Mutex
	rdv    *rendezvous.Client
	closed bool
}

// New builds a node. It binds the UDP socket immediately; registration
// with the relay starts when Run is called.
func New(opts Options) (*Node, error) {
	if opts.Relay == nil {
		return nil, errors.New("a relay configuration is required")
	}

	var store *identity.Store
	var err error
	if opts.Backup != nil {
		store, err = identity.LoadStore(opts.Backup)
	} else {
		store, err = identity.NewStore(opts.Nickname)
	}
	if err != nil {
		return nil, err
	}

	addr := opts.ListenAddr
	if addr == "" {
		addr = "0.0.0.0:0"
	}
	endpoint, err := transport.NewEndpoint(addr)
	if err != nil {
		store.Close()
		return nil, err
	}

	policy := opts.Policy.Normalize()
	rdv, err := rendezvous.New(store, endpointDialer{endpoint}, opts.Relay, policy)
	if err != nil {
		endpoint.Close()
		store.Close()
		return nil, err
	}

	return &Node{
		store:      store,
		endpoint:   endpoint,
		rdv:        rdv,
		puncher:    transport.NewHolePuncher(endpoint, policy.PunchWindow),
		policy:     policy,
		relay:      opts.Relay,
		accepted:   make(chan *Session, 4),
		rdvSwapped: make(chan struct{}, 1),
	}, nil
}

// currentRdv returns the live relay client. Reconnects replace it, so
// callers take it fresh per operation instead of holding a reference.
func (n *Node) currentRdv() *rendezvous.Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rdv
}

func (n *Node) setRdv(rdv *rendezvous.Client) {
	n.mu.Lock()
	n.rdv = rdv
	n.mu.Unlock()

	select {
	case n.rdvSwapped <- struct{}{}:
	default:
	}
}

// Store exposes the identity store for record export/import and friend
// list management.
func (n *Node) Store() *identity.Store {
	return n.store
}

// Identity returns the local identity.
func (n *Node) Identity() identity.Identity {
	return n.store.Local()
}

// Addr returns the bound UDP address.
func (n *Node) Addr() *net.UDPAddr {
	return n.endpoint.LocalAddr()
}

// Run registers with the relay and serves inbound traffic until the
// context is cancelled: it answers rendezvous offers by punching back,
// turns inbound transport connections into vetted sessions, and
// re-registers with a fresh relay session whenever the current one dies.
func (n *Node) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() { errCh <- n.runRendezvous(ctx) }()
	go func() { errCh <- n.acceptLoop(ctx) }()
	go n.offerLoop(ctx)

	err := <-errCh
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// runRendezvous keeps the relay registration alive. Registration is a
// standing obligation: when a session dies, a replacement client is
// built and registered after a keep-alive interval, for as long as the
// context lives.
func (n *Node) runRendezvous(ctx context.Context) error {
	for {
		err := n.currentRdv().Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logrus.WithFields(logrus.Fields{
			"function": "runRendezvous",
			"error":    err,
		}).Warn("Relay session lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.policy.KeepAliveInterval):
		}

		rdv, err := rendezvous.New(n.store, endpointDialer{n.endpoint}, n.relay, n.policy)
		if err != nil {
			return err
		}
		n.setRdv(rdv)
	}
}

// Dial establishes a secure channel to a friend. The peer must already be
// in the friend list.
func (n *Node) Dial(ctx context.Context, peer [32]byte) (*Session, error) {
	orch := connect.New(n.store, n.currentRdv(), n.puncher, endpointDialer{n.endpoint}, n.policy)
	ch, err := orch.Connect(ctx, peer)
	if err != nil {
		return nil, err
	}
	return &Session{Channel: ch, Peer: peer}, nil
}

// Accept returns the next inbound session from a vetted friend.
func (n *Node) Accept(ctx context.Context) (*Session, error) {
	select {
	case s, ok := <-n.accepted:
		if !ok {
			return nil, ErrNodeClosed
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the node down: the endpoint, all its connections and the
// private key material.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	err := n.endpoint.Close()
	n.store.Close()
	return err
}

// acceptLoop turns inbound transport connections into vetted sessions.
func (n *Node) acceptLoop(ctx context.Context) error {
	for {
		conn, err := n.endpoint.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go n.respond(ctx, conn)
	}
}

// offerLoop answers rendezvous offers: it punches back so the initiator's
// dial can get through, and falls back to a forward session when the
// punch fails on this side too.
func (n *Node) offerLoop(ctx context.Context) {
	for {
		rdv := n.currentRdv()
		select {
		case <-ctx.Done():
			return
		case <-n.rdvSwapped:
			// A reconnect replaced the client; pick up its offer feed.
		case offer := <-rdv.Offers():
			go n.answerOffer(ctx, offer)
		}
	}
}

func (n *Node) answerOffer(ctx context.Context, offer rendezvous.Offer) {
	log := logrus.WithFields(logrus.Fields{
		"function": "answerOffer",
		"peer":     offer.Peer[:8],
		"ticket":   offer.Ticket.String(),
	})

	predicted, err := net.ResolveUDPAddr("udp", offer.Addr)
	if err != nil {
		log.WithError(err).Warn("Offer carries an unusable address")
		return
	}

	if _, err := n.puncher.Punch(ctx, [16]byte(offer.Ticket), predicted); err == nil {
		// The path is open; the initiator dials and the accept loop takes
		// it from here.
		log.Debug("Punched back, awaiting inbound connection")
		return
	}

	rdv := n.currentRdv()
	if !rdv.ForwardSupported() {
		log.Info("Punch failed and relay offers no forwarding")
		return
	}
	pipe, err := rdv.Forward(ctx, offer.Ticket)
	if err != nil {
		log.WithError(err).Info("Forward fallback failed")
		return
	}
	n.respond(ctx, pipe)
}

// respond runs the responder handshake on an inbound pipe and delivers
// the session if the peer is a vetted friend.
func (n *Node) respond(ctx context.Context, pipe io.ReadWriteCloser) {
	orch := connect.New(n.store, n.currentRdv(), n.puncher, endpointDialer{n.endpoint}, n.policy)
	ch, who, err := orch.Respond(ctx, pipe)
	if err != nil {
		if errors.Is(err, connect.ErrUnknownPeer) {
			logrus.WithFields(logrus.Fields{
				"function": "respond",
				"identity": identity.FormatPublicKey(who),
			}).Warn("Refused connection from unvetted identity")
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "respond",
				"error":    err,
			}).Debug("Inbound handshake failed")
		}
		return
	}

	select {
	case n.accepted <- &Session{Channel: ch, Peer: who}:
	case <-ctx.Done():
		ch.Close()
	}
}

// endpointDialer adapts the QUIC endpoint to the stream dialer interfaces
// used by the rendezvous client and the orchestrator.
type endpointDialer struct {
	e *transport.Endpoint
}

func (d endpointDialer) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	conn, err := d.e.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
