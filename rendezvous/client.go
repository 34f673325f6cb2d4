package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/identity"
	"github.com/opd-ai/peerlink/noise"
	"github.com/opd-ai/peerlink/relay"
)

var (
	// ErrPeerNotRegistered indicates the requested peer has no live
	// registration at the relay.
	ErrPeerNotRegistered = errors.New("peer is not registered with the relay")
	// ErrForwardUnsupported indicates the relay did not advertise the
	// forwarding capability.
	ErrForwardUnsupported = errors.New("relay does not support forwarding")
	// ErrClientClosed indicates the client's relay session has ended.
	ErrClientClosed = errors.New("rendezvous client closed")
	// ErrRequestPending rejects a second concurrent request for the same
	// peer; one traversal attempt per peer at a time.
	ErrRequestPending = errors.New("a request for this peer is already pending")
)

// Offer is one side of a rendezvous: the correlating ticket, the other
// peer's identity and the address the relay observed it at.
type Offer struct {
	Ticket uuid.UUID
	Peer   [32]byte
	Addr   string
}

// Dialer opens reliable ordered streams to the relay. The QUIC endpoint
// satisfies it through a thin adapter.
type Dialer interface {
	Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error)
}

// Client maintains one authenticated control session with the relay.
type Client struct {
	store  *identity.Store
	dialer Dialer
	addr   string
	relay  [32]byte
	policy config.Policy

	mu       sync.Mutex
	pipe     *noise.Pipe
	observed string
	caps     byte
	pending  map[[32]byte]chan any
	err      error

	offers    chan Offer
	ready     chan struct{}
	readyOnce sync.Once
}

// New builds a client for the relay described by cfg. The store supplies
// the local identity for the handshakes.
func New(store *identity.Store, dialer Dialer, cfg *config.Relay, policy config.Policy) (*Client, error) {
	key, err := cfg.Key()
	if err != nil {
		return nil, err
	}
	return &Client{
		store:   store,
		dialer:  dialer,
		addr:    cfg.Addr,
		relay:   key,
		policy:  policy.Normalize(),
		pending: make(map[[32]byte]chan any),
		offers:  make(chan Offer, 16),
		ready:   make(chan struct{}),
	}, nil
}

// Run connects, registers and keeps the registration alive until the
// context is cancelled or the relay session fails. It blocks for the
// lifetime of the session.
func (c *Client) Run(ctx context.Context) error {
	pipe, err := c.handshake(ctx)
	if err != nil {
		c.fail(err)
		return err
	}
	defer pipe.Close()

	if err := send(pipe, relay.Register{}); err != nil {
		c.fail(err)
		return err
	}
	ackMsg, err := recv(pipe)
	if err != nil {
		c.fail(err)
		return err
	}
	ack, ok := ackMsg.(relay.RegisterAck)
	if !ok {
		err := fmt.Errorf("unexpected registration reply %T", ackMsg)
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.pipe = pipe
	c.observed = ack.ObservedAddr
	c.caps = ack.Capabilities
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"relay":    c.addr,
		"observed": ack.ObservedAddr,
		"forward":  ack.Capabilities&relay.CapForward != 0,
	}).Info("Registered with relay")

	recvErr := make(chan error, 1)
	go func() { recvErr <- c.recvLoop(pipe) }()

	ticker := time.NewTicker(c.policy.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.fail(ctx.Err())
			pipe.Close()
			<-recvErr
			return ctx.Err()
		case err := <-recvErr:
			c.fail(err)
			return err
		case <-ticker.C:
			if err := send(pipe, relay.KeepAlive{}); err != nil {
				c.fail(err)
				return err
			}
		}
	}
}

// recvLoop dispatches relay messages: answers to our pending requests go
// to their waiters, unsolicited connect offers go to the Offers feed.
func (c *Client) recvLoop(pipe *noise.Pipe) error {
	for {
		msg, err := recv(pipe)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case relay.ConnectOffer:
			offer := Offer{Ticket: m.Ticket, Peer: m.Peer, Addr: m.Addr}
			if ch := c.takePending(m.Peer); ch != nil {
				ch <- offer
				continue
			}
			select {
			case c.offers <- offer:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "recvLoop",
					"peer":     m.Peer[:8],
				}).Warn("Dropping connect offer, feed is full")
			}
		case relay.PeerNotRegistered:
			if ch := c.takePending(m.Peer); ch != nil {
				ch <- ErrPeerNotRegistered
			}
		case relay.TicketRejected:
			logrus.WithFields(logrus.Fields{
				"function": "recvLoop",
				"ticket":   m.Ticket.String(),
			}).Debug("Relay rejected a ticket")
		default:
			return fmt.Errorf("unexpected relay message %T", msg)
		}
	}
}

// RequestPeer asks the relay for a rendezvous with peer and waits for the
// answer: an offer with a fresh ticket, or ErrPeerNotRegistered.
func (c *Client) RequestPeer(ctx context.Context, peer [32]byte) (Offer, error) {
	if err := c.waitReady(ctx); err != nil {
		return Offer{}, err
	}

	ch := make(chan any, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return Offer{}, c.err
	}
	if _, exists := c.pending[peer]; exists {
		c.mu.Unlock()
		return Offer{}, ErrRequestPending
	}
	c.pending[peer] = ch
	pipe := c.pipe
	c.mu.Unlock()
	defer c.takePending(peer)

	if err := send(pipe, relay.RequestPeer{Peer: peer}); err != nil {
		return Offer{}, err
	}

	select {
	case answer := <-ch:
		switch a := answer.(type) {
		case Offer:
			return a, nil
		case error:
			return Offer{}, a
		}
		return Offer{}, ErrClientClosed
	case <-ctx.Done():
		return Offer{}, ctx.Err()
	}
}

// Offers is the feed of inbound rendezvous offers pushed by the relay on
// behalf of peers trying to reach us.
func (c *Client) Offers() <-chan Offer {
	return c.offers
}

// ReportResult reports a punch outcome, consuming the ticket.
func (c *Client) ReportResult(ticket uuid.UUID, success bool) error {
	c.mu.Lock()
	pipe, err := c.pipe, c.err
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if pipe == nil {
		return ErrClientClosed
	}
	return send(pipe, relay.PunchResult{Ticket: ticket, Success: success})
}

// ObservedAddr returns the external address the relay saw us at.
func (c *Client) ObservedAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observed
}

// ForwardSupported reports whether the relay advertised forwarding.
func (c *Client) ForwardSupported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps&relay.CapForward != 0
}

// waitReady blocks until registration completed or failed.
func (c *Client) waitReady(ctx context.Context) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// fail poisons the client and wakes everything blocked on it.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	for peer, ch := range c.pending {
		delete(c.pending, peer)
		ch <- c.err
	}
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Client) takePending(peer [32]byte) chan any {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.pending[peer]
	delete(c.pending, peer)
	return ch
}

// handshake dials the relay and completes the IK handshake, borrowing the
// local seed only for session construction.
func (c *Client) handshake(ctx context.Context) (*noise.Pipe, error) {
	conn, err := c.dialer.Dial(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to reach relay: %w", err)
	}

	var sess *noise.Session
	err = c.store.UseKey(func(seed [32]byte) error {
		var e error
		sess, e = noise.NewSession(noise.Config{
			Pattern:        noise.PatternIK,
			Role:           noise.Initiator,
			LocalSeed:      seed,
			RemoteIdentity: &c.relay,
		})
		return e
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, c.policy.HandshakeTimeout)
	defer cancel()
	if err := sess.Run(hctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay handshake failed: %w", err)
	}

	keys, err := sess.TransportKeys()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return noise.NewPipe(conn, keys), nil
}

func send(pipe *noise.Pipe, msg any) error {
	b, err := relay.Encode(msg)
	if err != nil {
		return err
	}
	return pipe.Send(b)
}

func recv(pipe *noise.Pipe) (any, error) {
	raw, err := pipe.Recv()
	if err != nil {
		return nil, err
	}
	return relay.Decode(raw)
}
