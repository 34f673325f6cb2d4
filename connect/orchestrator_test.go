package connect

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerlink/channel"
	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/crypto"
	"github.com/opd-ai/peerlink/identity"
	"github.com/opd-ai/peerlink/noise"
	"github.com/opd-ai/peerlink/rendezvous"
	"github.com/opd-ai/peerlink/transport"
)

// fakeRendezvous hands out fresh tickets and records what the
// orchestrator reports back.
type fakeRendezvous struct {
	mu         sync.Mutex
	requests   int
	results    map[uuid.UUID]bool
	forwards   int
	forwarding bool
	forwardTo  func(ctx context.Context) (io.ReadWriteCloser, error)
}

func newFakeRendezvous() *fakeRendezvous {
	return &fakeRendezvous{results: make(map[uuid.UUID]bool)}
}

func (f *fakeRendezvous) RequestPeer(ctx context.Context, peer [32]byte) (rendezvous.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return rendezvous.Offer{Ticket: uuid.New(), Peer: peer, Addr: "203.0.113.9:4567"}, nil
}

func (f *fakeRendezvous) ReportResult(ticket uuid.UUID, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[ticket] = success
	return nil
}

func (f *fakeRendezvous) Forward(ctx context.Context, ticket uuid.UUID) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	f.forwards++
	fn := f.forwardTo
	f.mu.Unlock()
	return fn(ctx)
}

func (f *fakeRendezvous) ForwardSupported() bool {
	return f.forwarding
}

func (f *fakeRendezvous) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

type fakePuncher struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakePuncher) Punch(ctx context.Context, ticket [16]byte, predicted *net.UDPAddr) (*net.UDPAddr, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return nil, transport.ErrPunchTimeout
	}
	return predicted, nil
}

type dialFunc func(ctx context.Context, addr string) (io.ReadWriteCloser, error)

func (d dialFunc) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	return d(ctx, addr)
}

// peerResponder simulates the remote side: every connection gets a full
// responder handshake as the given identity, then an echo loop.
func peerResponder(t *testing.T, seed [32]byte) dialFunc {
	return func(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
		local, remote := net.Pipe()
		go runResponder(t, seed, remote)
		return local, nil
	}
}

func runResponder(t *testing.T, seed [32]byte, pipe io.ReadWriteCloser) {
	sess, err := noise.NewSession(noise.Config{
		Pattern:   noise.PatternXX,
		Role:      noise.Responder,
		LocalSeed: seed,
	})
	if err != nil {
		pipe.Close()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Run(ctx, pipe); err != nil {
		pipe.Close()
		return
	}
	keys, err := sess.TransportKeys()
	if err != nil {
		pipe.Close()
		return
	}
	ch := channel.New(pipe, keys, config.Policy{})
	st, err := ch.AcceptStream(ctx)
	if err != nil {
		ch.Close()
		return
	}
	data, err := io.ReadAll(st)
	if err == nil {
		echo, _ := ch.OpenStream()
		_, _ = echo.Write(data)
		_ = echo.Close()
	}
}

// friends creates a local store with the peer imported into its friend
// list, plus the peer's own key pair.
func friends(t *testing.T) (*identity.Store, *crypto.KeyPair) {
	t.Helper()

	store, err := identity.NewStore("local")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	peerStore, err := identity.NewStore("peer")
	require.NoError(t, err)
	record, err := peerStore.Export()
	require.NoError(t, err)
	_, err = store.Import(record)
	require.NoError(t, err)

	peerKeys := &crypto.KeyPair{Public: peerStore.Local().PublicKey}
	err = peerStore.UseKey(func(seed [32]byte) error {
		peerKeys.Private = seed
		return nil
	})
	require.NoError(t, err)
	peerStore.Close()
	return store, peerKeys
}

func TestConnectRefusesUnvettedPeer(t *testing.T) {
	store, err := identity.NewStore("local")
	require.NoError(t, err)
	defer store.Close()

	rdv := newFakeRendezvous()
	o := New(store, rdv, &fakePuncher{}, peerResponder(t, [32]byte{}), config.Policy{})

	_, err = o.Connect(context.Background(), [32]byte{0xAB})
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.Zero(t, rdv.requestCount(), "no traffic before vetting")
}

func TestConnectDirectPath(t *testing.T) {
	store, peerKeys := friends(t)

	rdv := newFakeRendezvous()
	puncher := &fakePuncher{}
	o := New(store, rdv, puncher, peerResponder(t, peerKeys.Private), config.Policy{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := o.Connect(ctx, peerKeys.Public)
	require.NoError(t, err)
	defer ch.Close()
	assert.Equal(t, StateEstablished, o.State())

	// Prove the channel actually carries data: send and await the echo.
	st, err := ch.OpenStream()
	require.NoError(t, err)
	_, err = st.Write([]byte("round trip"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	back, err := ch.AcceptStream(ctx)
	require.NoError(t, err)
	data, err := io.ReadAll(back)
	require.NoError(t, err)
	assert.Equal(t, []byte("round trip"), data)

	// Exactly one ticket used, reported as success.
	rdv.mu.Lock()
	defer rdv.mu.Unlock()
	require.Len(t, rdv.results, 1)
	for _, ok := range rdv.results {
		assert.True(t, ok)
	}
}

func TestConnectFallsBackToForwarding(t *testing.T) {
	store, peerKeys := friends(t)

	rdv := newFakeRendezvous()
	rdv.forwarding = true
	rdv.forwardTo = func(ctx context.Context) (io.ReadWriteCloser, error) {
		local, remote := net.Pipe()
		go runResponder(t, peerKeys.Private, remote)
		return local, nil
	}
	puncher := &fakePuncher{fail: true}
	policy := config.Policy{PunchRetries: 2}
	o := New(store, rdv, puncher, peerResponder(t, peerKeys.Private), policy)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := o.Connect(ctx, peerKeys.Public)
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, 2, puncher.calls, "all punch retries exhausted first")
	assert.Equal(t, 1, rdv.forwards, "exactly one forward fallback")
}

func TestConnectUnreachableWithoutForwarding(t *testing.T) {
	store, peerKeys := friends(t)

	rdv := newFakeRendezvous()
	puncher := &fakePuncher{fail: true}
	policy := config.Policy{PunchRetries: 2, ConnectRestarts: 1}
	o := New(store, rdv, puncher, peerResponder(t, peerKeys.Private), policy)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := o.Connect(ctx, peerKeys.Public)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, StateFailed, o.State())

	// Fresh ticket per punch try, across the restart: 2 tries x 2 passes.
	assert.Equal(t, 4, rdv.requestCount())
	rdv.mu.Lock()
	defer rdv.mu.Unlock()
	for _, ok := range rdv.results {
		assert.False(t, ok, "every failed punch is reported")
	}
}

func TestConnectWrongIdentityIsTerminal(t *testing.T) {
	store, peerKeys := friends(t)

	// The wire answers as a different identity than the one we dialed.
	impostor, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	rdv := newFakeRendezvous()
	o := New(store, rdv, &fakePuncher{}, peerResponder(t, impostor.Private), config.Policy{ConnectRestarts: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = o.Connect(ctx, peerKeys.Public)
	assert.ErrorIs(t, err, noise.ErrHandshakeAuthFailure)
	assert.Equal(t, 1, rdv.requestCount(), "authentication failures are never retried")
}

func TestRespondVetsAgainstFriendList(t *testing.T) {
	store, err := identity.NewStore("local")
	require.NoError(t, err)
	defer store.Close()

	stranger, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	o := New(store, newFakeRendezvous(), &fakePuncher{}, nil, config.Policy{})

	local, remote := net.Pipe()
	go func() {
		sess, err := noise.NewSession(noise.Config{
			Pattern:   noise.PatternXX,
			Role:      noise.Initiator,
			LocalSeed: stranger.Private,
		})
		if err != nil {
			remote.Close()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sess.Run(ctx, remote)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, who, err := o.Respond(ctx, local)
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.Equal(t, stranger.Public, who, "the knocking identity is surfaced")
}

func TestRespondAcceptsFriends(t *testing.T) {
	store, peerKeys := friends(t)

	o := New(store, newFakeRendezvous(), &fakePuncher{}, nil, config.Policy{})

	local, remote := net.Pipe()
	go func() {
		sess, err := noise.NewSession(noise.Config{
			Pattern:   noise.PatternXX,
			Role:      noise.Initiator,
			LocalSeed: peerKeys.Private,
		})
		if err != nil {
			remote.Close()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sess.Run(ctx, remote)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, who, err := o.Respond(ctx, local)
	require.NoError(t, err)
	defer ch.Close()
	assert.Equal(t, peerKeys.Public, who)
	assert.Equal(t, StateEstablished, o.State())
}
