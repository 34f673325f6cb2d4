package channel

import (
	"fmt"
	"io"
	"sync"
)

// maxStreamBuffer caps the unread bytes one stream may hold. A reader
// that falls this far behind kills the channel: buffering further would
// let the peer grow memory without bound.
const maxStreamBuffer = 4 << 20

// Stream is one logical byte stream inside a Channel. Streams are
// independent: a slow reader on one stream does not corrupt another,
// though a reader that stops draining entirely eventually overflows its
// buffer and fails the whole channel. A stream is not rewindable; to
// resend, open a new one.
type Stream struct {
	ch *Channel
	id uint32

	mu       sync.Mutex
	cond     *sync.Cond
	buf      [][]byte
	buffered int  // unread bytes across buf
	finished bool // peer sent fin
	err      error

	writeMu     sync.Mutex
	writeClosed bool
}

func newStream(c *Channel, id uint32) *Stream {
	st := &Stream{ch: c, id: id}
	st.cond = sync.NewCond(&st.mu)
	return st
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 {
	return s.id
}

// Write sends bytes to the peer, splitting them into frames as needed.
// There is no limit on len(p).
func (s *Stream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeClosed {
		return 0, ErrStreamClosed
	}

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		if err := s.ch.sendFrame(s.id, flagData, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close signals end of the logical message. The peer's reads drain any
// buffered data and then return io.EOF.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeClosed {
		return nil
	}
	s.writeClosed = true
	return s.ch.sendFrame(s.id, flagFin, nil)
}

// Read returns the next chunk of received bytes. It blocks until data
// arrives, the peer finishes the stream (io.EOF) or the channel dies.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.buf) > 0 {
			n := copy(p, s.buf[0])
			if n == len(s.buf[0]) {
				s.buf = s.buf[1:]
			} else {
				s.buf[0] = s.buf[0][n:]
			}
			s.buffered -= n
			return n, nil
		}
		if s.err != nil {
			return 0, s.err
		}
		if s.finished {
			return 0, io.EOF
		}
		s.cond.Wait()
	}
}

// deliver queues an incoming chunk (called from the channel read loop).
// Exceeding the buffer cap is fatal to the channel.
func (s *Stream) deliver(chunk []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, chunk)
	s.buffered += len(chunk)
	over := s.buffered > maxStreamBuffer
	s.mu.Unlock()
	s.cond.Signal()

	if over {
		s.ch.terminate(fmt.Errorf("%w: stream %d holds more than %d unread bytes",
			ErrReceiveOverflow, s.id, maxStreamBuffer))
	}
}

// finish marks the peer-side end of the stream.
func (s *Stream) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// fail poisons the stream when the channel dies.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.cond.Broadcast()

	s.writeMu.Lock()
	s.writeClosed = true
	s.writeMu.Unlock()
}
