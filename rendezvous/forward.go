package rendezvous

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/noise"
	"github.com/opd-ai/peerlink/relay"
)

// forwardChunk bounds one ForwardData payload so a relay message never
// exceeds the pipe's frame limit.
const forwardChunk = 32 * 1024

// Forward opens a relayed ciphertext path for the given ticket. Both
// peers must call it with the same ticket; the relay pairs them and
// bridges their traffic opaquely. The returned stream is a reliable
// ordered pipe suitable for running the peer handshake and channel over.
func (c *Client) Forward(ctx context.Context, ticket uuid.UUID) (io.ReadWriteCloser, error) {
	if !c.ForwardSupported() {
		return nil, ErrForwardUnsupported
	}

	pipe, err := c.handshake(ctx)
	if err != nil {
		return nil, err
	}

	if err := send(pipe, relay.ForwardOpen{Ticket: ticket}); err != nil {
		pipe.Close()
		return nil, err
	}

	type answer struct {
		msg any
		err error
	}
	got := make(chan answer, 1)
	go func() {
		msg, err := recv(pipe)
		got <- answer{msg: msg, err: err}
	}()

	select {
	case a := <-got:
		if a.err != nil {
			pipe.Close()
			return nil, a.err
		}
		switch a.msg.(type) {
		case relay.ForwardReady:
		case relay.TicketRejected:
			pipe.Close()
			return nil, relay.ErrTicketConsumed
		default:
			pipe.Close()
			return nil, fmt.Errorf("unexpected forward reply %T", a.msg)
		}
	case <-ctx.Done():
		pipe.Close()
		return nil, ctx.Err()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Forward",
		"ticket":   ticket.String(),
	}).Info("Forward session established")

	return &forwardStream{pipe: pipe}, nil
}

// forwardStream adapts the message-oriented forward session to the
// io.ReadWriteCloser the channel layer expects.
type forwardStream struct {
	pipe *noise.Pipe

	mu  sync.Mutex
	buf []byte
}

func (f *forwardStream) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.buf) == 0 {
		msg, err := recv(f.pipe)
		if err != nil {
			return 0, err
		}
		data, ok := msg.(relay.ForwardData)
		if !ok {
			return 0, fmt.Errorf("unexpected message %T on forward session", msg)
		}
		f.buf = data.Payload
	}

	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

func (f *forwardStream) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > forwardChunk {
			chunk = chunk[:forwardChunk]
		}
		if err := send(f.pipe, relay.ForwardData{Payload: chunk}); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (f *forwardStream) Close() error {
	return f.pipe.Close()
}
