package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout on the wire:
//
//	total_len(2) | stream_id(4) | flags(1) | counter(8) | ciphertext
//
// total_len counts everything after itself. The header triple
// (stream_id, flags, counter) is sent in the clear but bound into the
// AEAD as associated data, so a flipped header bit fails authentication.

const (
	frameHeaderSize = 4 + 1 + 8
	// maxCiphertext keeps a whole frame within the Noise message bound.
	maxCiphertext = 65535 - frameHeaderSize
	// maxChunk is the plaintext carried per data frame. Larger writes are
	// split; there is no limit on the total size of a stream.
	maxChunk = 32 * 1024
)

// Frame flags.
const (
	flagOpen    uint8 = 1 << 0 // first frame of a new stream
	flagData    uint8 = 1 << 1 // carries payload bytes
	flagFin     uint8 = 1 << 2 // sender is done with this stream
	flagRekey   uint8 = 1 << 3 // control: sender rekeyed after this frame
	flagGoodbye uint8 = 1 << 4 // control: channel is closing
)

// ErrTruncatedFrame indicates a frame that could not be read in full.
var ErrTruncatedFrame = errors.New("truncated channel frame")

type frame struct {
	streamID   uint32
	flags      uint8
	counter    uint64
	ciphertext []byte
}

// header returns the associated-data bytes for the AEAD.
func frameAD(streamID uint32, flags uint8, counter uint64) []byte {
	ad := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(ad[0:4], streamID)
	ad[4] = flags
	binary.BigEndian.PutUint64(ad[5:13], counter)
	return ad
}

func writeFrame(w io.Writer, f frame) error {
	if len(f.ciphertext) > maxCiphertext {
		return fmt.Errorf("frame ciphertext too large: %d", len(f.ciphertext))
	}
	buf := make([]byte, 2+frameHeaderSize+len(f.ciphertext))
	binary.BigEndian.PutUint16(buf[0:2], uint16(frameHeaderSize+len(f.ciphertext)))
	binary.BigEndian.PutUint32(buf[2:6], f.streamID)
	buf[6] = f.flags
	binary.BigEndian.PutUint64(buf[7:15], f.counter)
	copy(buf[15:], f.ciphertext)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var f frame

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return f, ErrTruncatedFrame
		}
		return f, err
	}

	total := binary.BigEndian.Uint16(lenBuf[:])
	if total < frameHeaderSize {
		return f, ErrTruncatedFrame
	}

	buf := make([]byte, total)
	if _, err := io.ReadFull(r, buf); err != nil {
		return f, ErrTruncatedFrame
	}

	f.streamID = binary.BigEndian.Uint32(buf[0:4])
	f.flags = buf[4]
	f.counter = binary.BigEndian.Uint64(buf[5:13])
	f.ciphertext = buf[frameHeaderSize:]
	return f, nil
}
