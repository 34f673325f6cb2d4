package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/crypto"
	"github.com/opd-ai/peerlink/noise"
)

// chanListener feeds in-memory connections to the server under test.
type chanListener struct {
	ch chan Conn
}

func (l *chanListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func startServer(t *testing.T, clk clock.Clock, forwarding bool) (*Server, *chanListener) {
	t.Helper()

	relayKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Seed:             relayKeys.Private,
		Policy:           config.Policy{},
		EnableForwarding: forwarding,
		Clock:            clk,
	})
	require.NoError(t, err)

	l := &chanListener{ch: make(chan Conn, 8)}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, l)
	return srv, l
}

// connectClient opens an in-memory connection to the server and completes
// the IK handshake as the given identity.
func connectClient(t *testing.T, l *chanListener, relayKey [32]byte, seed [32]byte) *noise.Pipe {
	t.Helper()

	local, remote := net.Pipe()
	l.ch <- remote

	sess, err := noise.NewSession(noise.Config{
		Pattern:        noise.PatternIK,
		Role:           noise.Initiator,
		LocalSeed:      seed,
		RemoteIdentity: &relayKey,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Run(ctx, local))

	keys, err := sess.TransportKeys()
	require.NoError(t, err)
	pipe := noise.NewPipe(local, keys)
	t.Cleanup(func() { pipe.Close() })
	return pipe
}

func sendMsg(t *testing.T, pipe *noise.Pipe, msg any) {
	t.Helper()
	b, err := Encode(msg)
	require.NoError(t, err)
	require.NoError(t, pipe.Send(b))
}

func recvMsg(t *testing.T, pipe *noise.Pipe) any {
	t.Helper()

	type result struct {
		msg any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := pipe.Recv()
		if err != nil {
			ch <- result{err: err}
			return
		}
		msg, err := Decode(raw)
		ch <- result{msg: msg, err: err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a relay message")
		return nil
	}
}

// register completes the Register/RegisterAck exchange.
func register(t *testing.T, pipe *noise.Pipe) RegisterAck {
	t.Helper()
	sendMsg(t, pipe, Register{})
	ack, ok := recvMsg(t, pipe).(RegisterAck)
	require.True(t, ok, "expected a RegisterAck")
	return ack
}

func TestRegisterReturnsObservedAddr(t *testing.T) {
	srv, l := startServer(t, clock.New(), false)

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pipe := connectClient(t, l, srv.PublicKey(), keys.Private)

	ack := register(t, pipe)
	assert.NotEmpty(t, ack.ObservedAddr)
	assert.Zero(t, ack.Capabilities&CapForward, "forwarding is off")
}

func TestRendezvousDeliversOffersToBothPeers(t *testing.T) {
	srv, l := startServer(t, clock.New(), false)

	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	alicePipe := connectClient(t, l, srv.PublicKey(), alice.Private)
	bobPipe := connectClient(t, l, srv.PublicKey(), bob.Private)
	register(t, alicePipe)
	register(t, bobPipe)

	sendMsg(t, alicePipe, RequestPeer{Peer: bob.Public})

	bobOffer, ok := recvMsg(t, bobPipe).(ConnectOffer)
	require.True(t, ok, "target must receive a pushed offer")
	aliceOffer, ok := recvMsg(t, alicePipe).(ConnectOffer)
	require.True(t, ok, "requester must receive the offer answer")

	assert.Equal(t, aliceOffer.Ticket, bobOffer.Ticket, "both ends share one ticket")
	assert.Equal(t, bob.Public, aliceOffer.Peer)
	assert.Equal(t, alice.Public, bobOffer.Peer)
	assert.NotEmpty(t, aliceOffer.Addr)
}

func TestRequestUnknownPeer(t *testing.T) {
	srv, l := startServer(t, clock.New(), false)

	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pipe := connectClient(t, l, srv.PublicKey(), alice.Private)
	register(t, pipe)

	ghost := [32]byte{0xEE}
	sendMsg(t, pipe, RequestPeer{Peer: ghost})

	reply, ok := recvMsg(t, pipe).(PeerNotRegistered)
	require.True(t, ok)
	assert.Equal(t, ghost, reply.Peer)
}

func TestExpiredRegistrationNeverServed(t *testing.T) {
	clk := clock.NewMock()
	srv, l := startServer(t, clk, false)

	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	alicePipe := connectClient(t, l, srv.PublicKey(), alice.Private)
	bobPipe := connectClient(t, l, srv.PublicKey(), bob.Private)
	register(t, alicePipe)
	register(t, bobPipe)

	// Bob goes quiet past the TTL. His connection is still up, but his
	// registration must not be served.
	clk.Add(config.DefaultPolicy().RegistrationTTL + time.Second)

	sendMsg(t, alicePipe, RequestPeer{Peer: bob.Public})
	_, ok := recvMsg(t, alicePipe).(PeerNotRegistered)
	assert.True(t, ok, "stale registrations are never served")
}

func TestPunchResultConsumesTicket(t *testing.T) {
	srv, l := startServer(t, clock.New(), false)

	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	alicePipe := connectClient(t, l, srv.PublicKey(), alice.Private)
	bobPipe := connectClient(t, l, srv.PublicKey(), bob.Private)
	register(t, alicePipe)
	register(t, bobPipe)

	sendMsg(t, alicePipe, RequestPeer{Peer: bob.Public})
	recvMsg(t, bobPipe) // drain bob's pushed offer
	offer, ok := recvMsg(t, alicePipe).(ConnectOffer)
	require.True(t, ok)

	sendMsg(t, alicePipe, PunchResult{Ticket: offer.Ticket, Success: true})

	// Reporting again must bounce: the ticket is gone.
	sendMsg(t, alicePipe, PunchResult{Ticket: offer.Ticket, Success: false})
	rejected, ok := recvMsg(t, alicePipe).(TicketRejected)
	require.True(t, ok)
	assert.Equal(t, offer.Ticket, rejected.Ticket)
}

func TestForwardBridgesCiphertext(t *testing.T) {
	srv, l := startServer(t, clock.New(), true)

	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	alicePipe := connectClient(t, l, srv.PublicKey(), alice.Private)
	bobPipe := connectClient(t, l, srv.PublicKey(), bob.Private)
	ack := register(t, alicePipe)
	register(t, bobPipe)
	require.NotZero(t, ack.Capabilities&CapForward)

	sendMsg(t, alicePipe, RequestPeer{Peer: bob.Public})
	recvMsg(t, bobPipe)
	offer, ok := recvMsg(t, alicePipe).(ConnectOffer)
	require.True(t, ok)

	// Both peers open dedicated forward sessions with the shared ticket.
	aliceFwd := connectClient(t, l, srv.PublicKey(), alice.Private)
	bobFwd := connectClient(t, l, srv.PublicKey(), bob.Private)
	sendMsg(t, aliceFwd, ForwardOpen{Ticket: offer.Ticket})
	sendMsg(t, bobFwd, ForwardOpen{Ticket: offer.Ticket})

	_, ok = recvMsg(t, aliceFwd).(ForwardReady)
	require.True(t, ok)
	_, ok = recvMsg(t, bobFwd).(ForwardReady)
	require.True(t, ok)

	payload := []byte("opaque channel frame")
	sendMsg(t, aliceFwd, ForwardData{Payload: payload})
	got, ok := recvMsg(t, bobFwd).(ForwardData)
	require.True(t, ok)
	assert.Equal(t, payload, got.Payload)

	// And back the other way.
	sendMsg(t, bobFwd, ForwardData{Payload: []byte("reply")})
	back, ok := recvMsg(t, aliceFwd).(ForwardData)
	require.True(t, ok)
	assert.Equal(t, []byte("reply"), back.Payload)
}

func TestForwardReadyDeliveredToActiveReader(t *testing.T) {
	srv, l := startServer(t, clock.New(), true)

	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	alicePipe := connectClient(t, l, srv.PublicKey(), alice.Private)
	bobPipe := connectClient(t, l, srv.PublicKey(), bob.Private)
	register(t, alicePipe)
	register(t, bobPipe)

	sendMsg(t, alicePipe, RequestPeer{Peer: bob.Public})
	recvMsg(t, bobPipe)
	offer, ok := recvMsg(t, alicePipe).(ConnectOffer)
	require.True(t, ok)

	// Bob opens his forward session first and then goes quiet; his half
	// parks on the ticket.
	bobFwd := connectClient(t, l, srv.PublicKey(), bob.Private)
	sendMsg(t, bobFwd, ForwardOpen{Ticket: offer.Ticket})
	require.Eventually(t, func() bool {
		srv.fwdMu.Lock()
		defer srv.fwdMu.Unlock()
		return len(srv.pendingForwards) == 1
	}, time.Second, 10*time.Millisecond)

	// Alice pairs second. Her ready must arrive even though bob has not
	// read his yet.
	aliceFwd := connectClient(t, l, srv.PublicKey(), alice.Private)
	sendMsg(t, aliceFwd, ForwardOpen{Ticket: offer.Ticket})
	_, ok = recvMsg(t, aliceFwd).(ForwardReady)
	require.True(t, ok, "a paired half must not wait on its partner's read")

	// Once bob catches up, data flows both ways.
	_, ok = recvMsg(t, bobFwd).(ForwardReady)
	require.True(t, ok)

	sendMsg(t, aliceFwd, ForwardData{Payload: []byte("late riser")})
	got, ok := recvMsg(t, bobFwd).(ForwardData)
	require.True(t, ok)
	assert.Equal(t, []byte("late riser"), got.Payload)

	sendMsg(t, bobFwd, ForwardData{Payload: []byte("reply")})
	back, ok := recvMsg(t, aliceFwd).(ForwardData)
	require.True(t, ok)
	assert.Equal(t, []byte("reply"), back.Payload)
}

func TestRequestPeerAnswerNotBlockedBySilentTarget(t *testing.T) {
	srv, l := startServer(t, clock.New(), false)

	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	alicePipe := connectClient(t, l, srv.PublicKey(), alice.Private)
	bobPipe := connectClient(t, l, srv.PublicKey(), bob.Private)
	register(t, alicePipe)
	register(t, bobPipe)

	// Bob never reads another byte. Alice's answer must still come
	// through: the offer push to bob is queued, not written inline.
	sendMsg(t, alicePipe, RequestPeer{Peer: bob.Public})
	offer, ok := recvMsg(t, alicePipe).(ConnectOffer)
	require.True(t, ok, "requester must be answered regardless of the target's reads")
	assert.Equal(t, bob.Public, offer.Peer)
}

func TestForwardRejectedWhenDisabled(t *testing.T) {
	srv, l := startServer(t, clock.New(), false)

	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pipe := connectClient(t, l, srv.PublicKey(), alice.Private)

	ticket := uuid.New()
	sendMsg(t, pipe, ForwardOpen{Ticket: ticket})
	rejected, ok := recvMsg(t, pipe).(TicketRejected)
	require.True(t, ok)
	assert.Equal(t, ticket, rejected.Ticket)
}

func TestForwardRejectsUnknownTicket(t *testing.T) {
	srv, l := startServer(t, clock.New(), true)

	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pipe := connectClient(t, l, srv.PublicKey(), alice.Private)

	sendMsg(t, pipe, ForwardOpen{Ticket: uuid.New()})
	_, ok := recvMsg(t, pipe).(TicketRejected)
	assert.True(t, ok)
}

func TestWireRejectsMalformedMessages(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0xFF},                      // unknown kind
		{kindRegister, 0x01},        // trailing bytes
		{kindRequestPeer, 1, 2, 3},  // short key
		{kindPunchResult, 1},        // short body
		{kindConnectOffer, 1, 2, 3}, // short body
	}
	for _, c := range cases {
		_, err := Decode(c)
		assert.ErrorIs(t, err, ErrMalformedMessage)
	}
}
