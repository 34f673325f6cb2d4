package noise

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Pipe is a message-oriented secured exchange over a reliable ordered
// stream, used for the relay control protocol. Every message is encrypted
// with the session's directional cipher states, whose internal nonces stay
// in lockstep because the underlying stream is ordered; any mismatch shows
// up as a MAC failure and kills the pipe.
type Pipe struct {
	rw io.ReadWriteCloser

	sendMu sync.Mutex
	recvMu sync.Mutex
	keys   *TransportKeys

	closed bool
	mu     sync.Mutex
}

// ErrPipeClosed indicates use of a closed pipe.
var ErrPipeClosed = errors.New("secure pipe closed")

// NewPipe wraps a stream with the keys of a completed handshake. The pipe
// takes sole ownership of the keys.
func NewPipe(rw io.ReadWriteCloser, keys *TransportKeys) *Pipe {
	return &Pipe{rw: rw, keys: keys}
}

// RemoteIdentity returns the proven identity of the other end.
func (p *Pipe) RemoteIdentity() [32]byte {
	return p.keys.RemoteIdentity
}

// Send encrypts and writes one message.
func (p *Pipe) Send(msg []byte) error {
	if p.isClosed() {
		return ErrPipeClosed
	}
	if len(msg) > maxFrameSize-16 {
		return fmt.Errorf("message too large: %d bytes", len(msg))
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	ciphertext, err := p.keys.Send.Encrypt(nil, nil, msg)
	if err != nil {
		return fmt.Errorf("failed to encrypt message: %w", err)
	}
	return WriteFrame(p.rw, ciphertext)
}

// Recv reads and decrypts one message. A decryption failure is fatal: the
// pipe is closed and no further messages are accepted.
func (p *Pipe) Recv() ([]byte, error) {
	if p.isClosed() {
		return nil, ErrPipeClosed
	}

	p.recvMu.Lock()
	defer p.recvMu.Unlock()

	ciphertext, err := ReadFrame(p.rw)
	if err != nil {
		return nil, err
	}

	plaintext, err := p.keys.Recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}
	return plaintext, nil
}

func (p *Pipe) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close tears the pipe down and drops the key material.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.rw.Close()
}
