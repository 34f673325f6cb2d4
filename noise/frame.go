package noise

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrTruncatedMessage indicates a length-prefixed frame could not be read
// in full. Partial reads are hard failures, never partial successes.
var ErrTruncatedMessage = errors.New("truncated handshake message")

// maxFrameSize bounds a single length-prefixed frame. It matches the Noise
// maximum message size.
const maxFrameSize = 65535

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, msg []byte) error {
	if len(msg) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(msg))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// ReadFrame reads one length-prefixed frame. Any short read is reported as
// ErrTruncatedMessage.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedMessage
		}
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, ErrTruncatedMessage
	}
	return msg, nil
}

// Run drives the session over a reliable ordered stream until it is
// established or fails. If the stream supports deadlines, the context
// deadline is applied to the whole exchange. On any error the session is
// aborted and its ephemeral state wiped; a partial handshake never
// survives.
func (s *Session) Run(ctx context.Context, rw io.ReadWriter) error {
	if d, ok := rw.(interface{ SetDeadline(time.Time) error }); ok {
		if dl, has := ctx.Deadline(); has {
			_ = d.SetDeadline(dl)
			defer d.SetDeadline(time.Time{})
		}
	}

	for !s.Established() {
		if err := ctx.Err(); err != nil {
			s.Abort()
			return err
		}

		if s.myTurn() {
			msg, err := s.WriteMessage()
			if err != nil {
				return err
			}
			if err := WriteFrame(rw, msg); err != nil {
				s.Abort()
				return err
			}
		} else {
			msg, err := ReadFrame(rw)
			if err != nil {
				s.Abort()
				return err
			}
			if err := s.ReadMessage(msg); err != nil {
				return err
			}
		}
	}

	return nil
}
