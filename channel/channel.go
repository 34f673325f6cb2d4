package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/crypto"
	"github.com/opd-ai/peerlink/noise"
)

var (
	// ErrReplayOrReorder indicates a frame whose counter was not the
	// expected next value. The transport guarantees ordering, so this is
	// tampering or a bug, and it is fatal to the channel.
	ErrReplayOrReorder = errors.New("channel frame replayed or reordered")
	// ErrChannelClosed indicates use of a closed or failed channel.
	ErrChannelClosed = errors.New("secure channel closed")
	// ErrReceiveOverflow indicates a stream's unread inbound data grew past
	// the buffer cap. There is no flow control below the channel, so the
	// only safe response is tearing the channel down.
	ErrReceiveOverflow = errors.New("stream receive buffer overflow")
	// ErrStreamClosed indicates a write to a finished stream.
	ErrStreamClosed = errors.New("stream closed")
)

// Channel is an established secure channel to one peer. It owns the
// transport keys produced by the handshake and is the only holder.
type Channel struct {
	pipe io.ReadWriteCloser
	keys *noise.TransportKeys

	policy config.Policy

	writeMu    sync.Mutex
	sendCtr    uint64
	lastRekey  time.Time
	nextStream uint32

	mu       sync.Mutex
	streams  map[uint32]*Stream
	accepts  chan *Stream
	err      error
	closed   bool
	done     chan struct{}
	recvCtr  uint64
	binding  []byte
	remoteID [32]byte
}

// New wraps a reliable ordered pipe with the keys of a completed
// handshake and starts the receive loop. The initiator allocates odd
// stream ids, the responder even ones, so both sides can open streams
// without coordination.
func New(pipe io.ReadWriteCloser, keys *noise.TransportKeys, policy config.Policy) *Channel {
	c := &Channel{
		pipe:      pipe,
		keys:      keys,
		policy:    policy.Normalize(),
		lastRekey: time.Now(),
		streams:   make(map[uint32]*Stream),
		accepts:   make(chan *Stream, 16),
		done:      make(chan struct{}),
		binding:   keys.ChannelBinding,
		remoteID:  keys.RemoteIdentity,
	}
	if keys.Initiator {
		c.nextStream = 1
	} else {
		c.nextStream = 2
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"remote":   c.remoteID[:8],
		"role_init": keys.Initiator,
	}).Info("Secure channel established")

	go c.readLoop()
	return c
}

// RemoteIdentity returns the proven Ed25519 key of the peer.
func (c *Channel) RemoteIdentity() [32]byte {
	return c.remoteID
}

// ChannelBinding returns the handshake transcript hash shared with the
// peer, usable to bind higher-level protocols to this channel.
func (c *Channel) ChannelBinding() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.binding...)
}

// OpenStream opens a new outgoing logical stream.
func (c *Channel) OpenStream() (*Stream, error) {
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrChannelClosed
		}
		return nil, err
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	id := c.nextStream
	c.nextStream += 2
	c.writeMu.Unlock()

	st := newStream(c, id)
	c.mu.Lock()
	c.streams[id] = st
	c.mu.Unlock()

	if err := c.sendFrame(id, flagOpen, nil); err != nil {
		c.mu.Lock()
		delete(c.streams, id)
		c.mu.Unlock()
		return nil, err
	}
	return st, nil
}

// AcceptStream waits for the peer to open a stream.
func (c *Channel) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case st := <-c.accepts:
		return st, nil
	case <-c.done:
		return nil, c.terminalErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendFrame encrypts and writes one frame, applying the rekey policy.
func (c *Channel) sendFrame(streamID uint32, flags uint8, plaintext []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrChannelClosed
		}
		return err
	}
	c.mu.Unlock()

	// Deterministic rekey: tell the peer with this frame's flags, then
	// rotate our send key after it is written.
	rekey := false
	if c.sendCtr > 0 && c.sendCtr%c.policy.RekeyAfterMessages == 0 {
		rekey = true
	}
	if time.Since(c.lastRekey) >= c.policy.RekeyAfterTime {
		rekey = true
	}
	if rekey {
		flags |= flagRekey
	}

	ctr := c.sendCtr
	ad := frameAD(streamID, flags, ctr)
	ciphertext, err := c.keys.Send.Encrypt(nil, ad, plaintext)
	if err != nil {
		c.terminate(fmt.Errorf("failed to encrypt frame: %w", err))
		return err
	}

	if err := writeFrame(c.pipe, frame{
		streamID:   streamID,
		flags:      flags,
		counter:    ctr,
		ciphertext: ciphertext,
	}); err != nil {
		c.terminate(err)
		return err
	}

	c.sendCtr++
	if rekey {
		c.keys.Send.Rekey()
		c.lastRekey = time.Now()
		logrus.WithFields(logrus.Fields{
			"function": "sendFrame",
			"counter":  ctr,
		}).Debug("Send direction rekeyed")
	}
	return nil
}

// readLoop dispatches incoming frames until the pipe dies or a fatal
// protocol violation occurs.
func (c *Channel) readLoop() {
	for {
		f, err := readFrame(c.pipe)
		if err != nil {
			c.terminate(err)
			return
		}

		c.mu.Lock()
		expected := c.recvCtr
		c.mu.Unlock()

		if f.counter != expected {
			c.terminate(fmt.Errorf("%w: got %d, expected %d",
				ErrReplayOrReorder, f.counter, expected))
			return
		}

		ad := frameAD(f.streamID, f.flags, f.counter)
		plaintext, err := c.keys.Recv.Decrypt(nil, ad, f.ciphertext)
		if err != nil {
			c.terminate(fmt.Errorf("%w: frame authentication failed", ErrReplayOrReorder))
			return
		}

		c.mu.Lock()
		c.recvCtr++
		c.mu.Unlock()

		if f.flags&flagRekey != 0 {
			c.keys.Recv.Rekey()
		}
		if f.flags&flagGoodbye != 0 {
			c.terminate(ErrChannelClosed)
			return
		}

		c.dispatch(f.streamID, f.flags, plaintext)
	}
}

// dispatch routes a decrypted frame to its stream.
func (c *Channel) dispatch(streamID uint32, flags uint8, plaintext []byte) {
	c.mu.Lock()
	st, ok := c.streams[streamID]
	if !ok && flags&flagOpen != 0 {
		st = newStream(c, streamID)
		c.streams[streamID] = st
		c.mu.Unlock()
		select {
		case c.accepts <- st:
		case <-c.done:
			return
		}
	} else {
		c.mu.Unlock()
	}
	if st == nil {
		// Data for an unknown stream: the peer violated the protocol,
		// but this cannot compromise integrity; drop it.
		logrus.WithFields(logrus.Fields{
			"function":  "dispatch",
			"stream_id": streamID,
		}).Warn("Frame for unknown stream dropped")
		return
	}

	if flags&flagData != 0 && len(plaintext) > 0 {
		st.deliver(plaintext)
	}
	if flags&flagFin != 0 {
		st.finish()
		c.mu.Lock()
		delete(c.streams, streamID)
		c.mu.Unlock()
	}
}

// terminate fails the channel, waking all streams and acceptors.
func (c *Channel) terminate(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	streams := make([]*Stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.streams = map[uint32]*Stream{}
	close(c.done)
	c.mu.Unlock()

	for _, st := range streams {
		st.fail(err)
	}
	c.pipe.Close()

	// Wipe the transcript copy. The cipher states themselves become
	// unreachable once the channel is dropped; flynn/noise keeps their
	// keys internal, so dropping the references is the erase we get.
	c.mu.Lock()
	crypto.ZeroBytes(c.binding)
	c.mu.Unlock()

	if !errors.Is(err, ErrChannelClosed) && !errors.Is(err, io.EOF) {
		logrus.WithFields(logrus.Fields{
			"function": "terminate",
			"error":    err,
		}).Warn("Secure channel torn down")
	}
}

func (c *Channel) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrChannelClosed
}

// Err returns the terminal error of a dead channel, nil while alive.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}
	if c.err != nil {
		return c.err
	}
	return ErrChannelClosed
}

// Close tells the peer goodbye and tears the channel down, erasing the
// transport keys.
func (c *Channel) Close() error {
	// Best effort: the peer may already be gone.
	_ = c.sendFrame(0, flagGoodbye, nil)
	c.terminate(ErrChannelClosed)
	return nil
}
