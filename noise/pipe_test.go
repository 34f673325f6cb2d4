package noise

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePair builds two connected secure pipes over an in-memory stream.
func pipePair(t *testing.T) (*Pipe, *Pipe) {
	t.Helper()
	aSeed, _, bSeed, _ := testSeeds(t)

	client, server := net.Pipe()

	init, err := NewSession(Config{Pattern: PatternXX, Role: Initiator, LocalSeed: aSeed})
	require.NoError(t, err)
	resp, err := NewSession(Config{Pattern: PatternXX, Role: Responder, LocalSeed: bSeed})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- resp.Run(ctx, server) }()
	require.NoError(t, init.Run(ctx, client))
	require.NoError(t, <-errCh)

	ik, err := init.TransportKeys()
	require.NoError(t, err)
	rk, err := resp.TransportKeys()
	require.NoError(t, err)

	a := NewPipe(client, ik)
	b := NewPipe(server, rk)
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestPipeExchange(t *testing.T) {
	a, b := pipePair(t)

	msgs := [][]byte{
		[]byte("register"),
		[]byte("keepalive"),
		bytes.Repeat([]byte{0xab}, 4096),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, want := range msgs {
			got, err := b.Recv()
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}
	}()

	for _, m := range msgs {
		require.NoError(t, a.Send(m))
	}
	<-done
}

func TestPipeBidirectional(t *testing.T) {
	a, b := pipePair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := b.Recv()
		assert.NoError(t, err)
		assert.Equal(t, []byte("ping"), got)
		assert.NoError(t, b.Send([]byte("pong")))
	}()

	require.NoError(t, a.Send([]byte("ping")))
	got, err := a.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)
	<-done
}

func TestPipeRejectsOversized(t *testing.T) {
	a, _ := pipePair(t)
	err := a.Send(make([]byte, maxFrameSize))
	assert.Error(t, err)
}

func TestPipeClosed(t *testing.T) {
	a, _ := pipePair(t)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send([]byte("x")), ErrPipeClosed)
	_, err := a.Recv()
	assert.ErrorIs(t, err, ErrPipeClosed)
	assert.NoError(t, a.Close(), "double close is a no-op")
}

func TestReadFrameTruncated(t *testing.T) {
	r := bytes.NewReader([]byte{0x00, 0x10, 0x01, 0x02}) // claims 16, has 2
	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, ErrTruncatedMessage)

	r = bytes.NewReader([]byte{0x00}) // truncated header
	_, err = ReadFrame(r)
	assert.ErrorIs(t, err, ErrTruncatedMessage)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := []byte("length prefixed")
	require.NoError(t, WriteFrame(&buf, msg))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}
