package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/crypto"
	"github.com/opd-ai/peerlink/noise"
)

// Conn is one inbound client connection: a reliable ordered stream plus
// the transport address the client was observed at.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Listener produces inbound client connections. The QUIC endpoint
// satisfies it through a thin adapter; tests use in-memory pipes.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
}

// Config parameterizes a relay server.
type Config struct {
	// Seed is the relay's Ed25519 identity seed. Clients authenticate the
	// relay against the matching public key from their relay.toml.
	Seed [32]byte
	// Policy supplies the registration TTL, ticket TTL and handshake
	// timeout. Zero fields take the documented defaults.
	Policy config.Policy
	// EnableForwarding advertises and serves the ciphertext forwarding
	// fallback.
	EnableForwarding bool
	// Clock defaults to the wall clock; tests inject a mock.
	Clock clock.Clock
	// ActivityLog receives the append-only activity log. Nil discards it.
	ActivityLog io.Writer
}

// Server is the rendezvous relay service.
type Server struct {
	seed       [32]byte
	publicKey  [32]byte
	policy     config.Policy
	forwarding bool
	clk        clock.Clock

	registry *Registry
	tickets  *TicketStore
	activity *logrus.Logger

	sessMu   sync.Mutex
	sessions map[[32]byte]*clientSession

	fwdMu           sync.Mutex
	pendingForwards map[[16]byte]*forwardHalf
}

// clientSession is one registered client's control connection. Messages
// pushed on behalf of other peers go through the queue and a dedicated
// writer goroutine: a client that stopped reading stalls only itself.
type clientSession struct {
	pipe *noise.Pipe
	push chan any
	quit chan struct{}
}

// tryPush queues a message for asynchronous delivery. It reports false
// when the session is gone or its queue is full.
func (cs *clientSession) tryPush(msg any) bool {
	select {
	case <-cs.quit:
		return false
	default:
	}
	select {
	case cs.push <- msg:
		return true
	default:
		return false
	}
}

type forwardHalf struct {
	pipe *noise.Pipe
	peer [32]byte
	done chan struct{}
}

// NewServer builds a relay server from its identity seed.
func NewServer(cfg Config) (*Server, error) {
	keys, err := crypto.FromSeed(cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("invalid relay seed: %w", err)
	}
	defer crypto.WipeKeyPair(keys)

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	policy := cfg.Policy.Normalize()

	activity := logrus.New()
	if cfg.ActivityLog != nil {
		activity.SetOutput(cfg.ActivityLog)
	} else {
		activity.SetOutput(io.Discard)
	}

	return &Server{
		seed:            cfg.Seed,
		publicKey:       keys.Public,
		policy:          policy,
		forwarding:      cfg.EnableForwarding,
		clk:             clk,
		registry:        NewRegistry(clk, policy.RegistrationTTL),
		tickets:         NewTicketStore(clk, policy.TicketTTL),
		activity:        activity,
		sessions:        make(map[[32]byte]*clientSession),
		pendingForwards: make(map[[16]byte]*forwardHalf),
	}, nil
}

// PublicKey returns the relay's Ed25519 identity key.
func (s *Server) PublicKey() [32]byte {
	return s.publicKey
}

// Serve accepts and handles client connections until the context is
// cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, l Listener) error {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sweepLoop(sweepCtx)

	logrus.WithFields(logrus.Fields{
		"function":   "Serve",
		"relay_key":  s.publicKey[:8],
		"forwarding": s.forwarding,
	}).Info("Relay serving")

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := s.clk.Ticker(s.policy.RegistrationTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.Sweep()
			s.tickets.Sweep()
		}
	}
}

// handleConn authenticates one connection and dispatches it to either the
// registration protocol or a forward session, depending on its first
// message.
func (s *Server) handleConn(ctx context.Context, conn Conn) {
	defer conn.Close()

	sess, err := noise.NewSession(noise.Config{
		Pattern:   noise.PatternIK,
		Role:      noise.Responder,
		LocalSeed: s.seed,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConn",
			"error":    err,
		}).Error("Failed to create handshake session")
		return
	}

	hctx, cancel := context.WithTimeout(ctx, s.policy.HandshakeTimeout)
	err = sess.Run(hctx, conn)
	cancel()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConn",
			"remote":   conn.RemoteAddr(),
			"error":    err,
		}).Debug("Client handshake failed")
		return
	}

	keys, err := sess.TransportKeys()
	if err != nil {
		return
	}
	pipe := noise.NewPipe(conn, keys)
	defer pipe.Close()
	peer := keys.RemoteIdentity

	raw, err := pipe.Recv()
	if err != nil {
		return
	}
	msg, err := Decode(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConn",
			"peer":     peer[:8],
			"error":    err,
		}).Warn("Undecodable first message")
		return
	}

	switch m := msg.(type) {
	case Register:
		s.serveClient(pipe, conn, peer)
	case ForwardOpen:
		s.serveForward(ctx, pipe, peer, m)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleConn",
			"peer":     peer[:8],
		}).Warn("Unexpected first message")
	}
}

// serveClient runs the registration protocol for one authenticated peer
// until its connection drops.
func (s *Server) serveClient(pipe *noise.Pipe, conn Conn, peer [32]byte) {
	observed := conn.RemoteAddr().String()
	s.registry.Register(peer, observed)

	cs := &clientSession{
		pipe: pipe,
		push: make(chan any, 16),
		quit: make(chan struct{}),
	}
	s.addSession(peer, cs)
	defer s.dropSession(peer, cs)
	defer close(cs.quit)
	go s.pushLoop(cs)

	var caps byte
	if s.forwarding {
		caps = CapForward
	}
	if err := s.send(pipe, RegisterAck{ObservedAddr: observed, Capabilities: caps}); err != nil {
		return
	}
	s.activity.WithFields(logrus.Fields{
		"event": "register",
		"peer":  fmt.Sprintf("%x", peer[:8]),
		"addr":  observed,
	}).Info("peer registered")

	for {
		raw, err := pipe.Recv()
		if err != nil {
			return
		}
		msg, err := Decode(raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "serveClient",
				"peer":     peer[:8],
				"error":    err,
			}).Warn("Malformed message, dropping client")
			return
		}

		switch m := msg.(type) {
		case KeepAlive:
			if !s.registry.Touch(peer) {
				// Stale entries cannot be refreshed, but the connection is
				// live and authenticated, so re-register outright.
				s.registry.Register(peer, observed)
			}
		case RequestPeer:
			s.handleRequestPeer(pipe, peer, observed, m)
		case PunchResult:
			s.handlePunchResult(pipe, peer, m)
		default:
			logrus.WithFields(logrus.Fields{
				"function": "serveClient",
				"peer":     peer[:8],
			}).Warn("Unexpected message, dropping client")
			return
		}
	}
}

// pushLoop drains a session's push queue onto its pipe. A write failure
// closes the pipe, which unwinds serveClient too.
func (s *Server) pushLoop(cs *clientSession) {
	for {
		select {
		case msg := <-cs.push:
			if err := s.send(cs.pipe, msg); err != nil {
				cs.pipe.Close()
				return
			}
		case <-cs.quit:
			return
		}
	}
}

// handleRequestPeer issues a ticket and delivers a ConnectOffer to both
// ends of the rendezvous. The target's copy goes through its push queue:
// a target that stopped reading must not stall the requester's session.
func (s *Server) handleRequestPeer(pipe *noise.Pipe, requester [32]byte, requesterAddr string, m RequestPeer) {
	reg, ok := s.registry.Lookup(m.Peer)
	target := s.session(m.Peer)
	if !ok || target == nil {
		_ = s.send(pipe, PeerNotRegistered{Peer: m.Peer})
		return
	}

	t := s.tickets.Issue(requester, m.Peer)

	// Queue the target's copy first: if its session is gone or wedged,
	// the requester gets a clean not-registered answer instead of a
	// ticket nobody will answer.
	if !target.tryPush(ConnectOffer{Ticket: t.ID, Peer: requester, Addr: requesterAddr}) {
		_ = s.send(pipe, PeerNotRegistered{Peer: m.Peer})
		return
	}
	_ = s.send(pipe, ConnectOffer{Ticket: t.ID, Peer: m.Peer, Addr: reg.ObservedAddr})

	s.activity.WithFields(logrus.Fields{
		"event":  "rendezvous",
		"ticket": t.ID.String(),
		"from":   fmt.Sprintf("%x", requester[:8]),
		"to":     fmt.Sprintf("%x", m.Peer[:8]),
	}).Info("rendezvous ticket issued")
}

func (s *Server) handlePunchResult(pipe *noise.Pipe, peer [32]byte, m PunchResult) {
	if _, err := s.tickets.Consume(m.Ticket, peer); err != nil {
		_ = s.send(pipe, TicketRejected{Ticket: m.Ticket})
		return
	}
	s.activity.WithFields(logrus.Fields{
		"event":   "punch_result",
		"ticket":  m.Ticket.String(),
		"peer":    fmt.Sprintf("%x", peer[:8]),
		"success": m.Success,
	}).Info("punch result reported")
}

// serveForward pairs this session with the other holder of the same
// ticket and bridges their ciphertext until either side drops.
func (s *Server) serveForward(ctx context.Context, pipe *noise.Pipe, peer [32]byte, m ForwardOpen) {
	reject := func() {
		_ = s.send(pipe, TicketRejected{Ticket: m.Ticket})
	}
	if !s.forwarding {
		reject()
		return
	}
	if _, err := s.tickets.Claim(m.Ticket, peer); err != nil {
		reject()
		return
	}

	s.fwdMu.Lock()
	if other, ok := s.pendingForwards[m.Ticket]; ok {
		delete(s.pendingForwards, m.Ticket)
		s.fwdMu.Unlock()
		s.bridge(other, &forwardHalf{pipe: pipe, peer: peer})
		return
	}
	half := &forwardHalf{pipe: pipe, peer: peer, done: make(chan struct{})}
	s.pendingForwards[m.Ticket] = half
	s.fwdMu.Unlock()

	timer := s.clk.Timer(s.policy.TicketTTL)
	defer timer.Stop()
	select {
	case <-half.done:
	case <-timer.C:
		if s.cancelPending(m.Ticket, half) {
			reject()
		} else {
			<-half.done
		}
	case <-ctx.Done():
		if !s.cancelPending(m.Ticket, half) {
			<-half.done
		}
	}
}

// cancelPending removes a parked forward half. It reports false when the
// half was already taken by a pairing, in which case the bridge owns it.
func (s *Server) cancelPending(ticket [16]byte, half *forwardHalf) bool {
	s.fwdMu.Lock()
	defer s.fwdMu.Unlock()
	if s.pendingForwards[ticket] == half {
		delete(s.pendingForwards, ticket)
		return true
	}
	return false
}

// bridge relays opaque payloads between two paired forward sessions. The
// relay decrypts only its own leg; what flows through is the peers'
// end-to-end ciphertext.
func (s *Server) bridge(a, b *forwardHalf) {
	if a.done != nil {
		defer close(a.done)
	}

	// Each half gets its ready from its own goroutine: a client that is
	// slow to read its own session must not delay its partner's.
	var ready sync.WaitGroup
	ready.Add(2)
	var aErr, bErr error
	go func() { defer ready.Done(); aErr = s.send(a.pipe, ForwardReady{}) }()
	go func() { defer ready.Done(); bErr = s.send(b.pipe, ForwardReady{}) }()
	ready.Wait()
	if aErr != nil || bErr != nil {
		a.pipe.Close()
		b.pipe.Close()
		return
	}

	s.activity.WithFields(logrus.Fields{
		"event": "forward",
		"a":     fmt.Sprintf("%x", a.peer[:8]),
		"b":     fmt.Sprintf("%x", b.peer[:8]),
	}).Info("forward session paired")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.copyForward(a, b) }()
	go func() { defer wg.Done(); s.copyForward(b, a) }()
	wg.Wait()
}

func (s *Server) copyForward(from, to *forwardHalf) {
	defer from.pipe.Close()
	defer to.pipe.Close()
	for {
		raw, err := from.pipe.Recv()
		if err != nil {
			return
		}
		msg, err := Decode(raw)
		if err != nil {
			return
		}
		data, ok := msg.(ForwardData)
		if !ok {
			return
		}
		if err := s.send(to.pipe, ForwardData{Payload: data.Payload}); err != nil {
			return
		}
	}
}

func (s *Server) send(pipe *noise.Pipe, msg any) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	return pipe.Send(b)
}

func (s *Server) addSession(peer [32]byte, cs *clientSession) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if old, ok := s.sessions[peer]; ok {
		old.pipe.Close()
	}
	s.sessions[peer] = cs
}

func (s *Server) dropSession(peer [32]byte, cs *clientSession) {
	s.sessMu.Lock()
	if s.sessions[peer] == cs {
		delete(s.sessions, peer)
		s.sessMu.Unlock()
		s.registry.Remove(peer)
		return
	}
	s.sessMu.Unlock()
}

func (s *Server) session(peer [32]byte) *clientSession {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.sessions[peer]
}
