package identity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/peerlink/crypto"
)

// ErrMalformedRecord indicates an identity record that failed to decode or
// whose self-signature did not verify.
var ErrMalformedRecord = errors.New("malformed identity record")

const (
	recordVersionPeer   = 0x01
	recordVersionBackup = 0x02

	maxNicknameLen  = 255
	maxRelayHintLen = 255
)

// Record is the portable unit exchanged between peers (or kept as a local
// backup). The encoded form is fixed-layout so the self-signature input is
// canonical:
//
//	version(1) | public_key(32) | [seed(32) if backup] |
//	nickname_len(1) nickname | created_at(8, unix seconds BE) |
//	relay_hint_len(1) relay_hint | signature(64)
//
// The signature covers every preceding byte and is made with the record's
// own key, so a record proves possession of the identity it advertises.
type Record struct {
	Identity Identity
	// seed is only set for backup records of the local identity.
	// It is never present in records shared with peers.
	seed    [32]byte
	hasSeed bool
}

// EncodeRecord serializes and self-signs a peer-shareable record.
// The private seed is borrowed only to produce the signature.
func EncodeRecord(id Identity, seed [32]byte) ([]byte, error) {
	return encodeRecord(id, seed, false)
}

// EncodeBackupRecord serializes a record that additionally carries the
// private seed. It exists solely so the local identity can be backed up
// and restored; it must never be sent to a peer.
func EncodeBackupRecord(id Identity, seed [32]byte) ([]byte, error) {
	return encodeRecord(id, seed, true)
}

func encodeRecord(id Identity, seed [32]byte, withSeed bool) ([]byte, error) {
	if len(id.Nickname) > maxNicknameLen {
		return nil, fmt.Errorf("%w: nickname too long", ErrMalformedRecord)
	}
	if len(id.RelayHint) > maxRelayHintLen {
		return nil, fmt.Errorf("%w: relay hint too long", ErrMalformedRecord)
	}

	version := byte(recordVersionPeer)
	if withSeed {
		version = recordVersionBackup
	}

	buf := make([]byte, 0, 1+32+32+1+len(id.Nickname)+8+1+len(id.RelayHint)+crypto.SignatureSize)
	buf = append(buf, version)
	buf = append(buf, id.PublicKey[:]...)
	if withSeed {
		buf = append(buf, seed[:]...)
	}
	buf = append(buf, byte(len(id.Nickname)))
	buf = append(buf, id.Nickname...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(id.CreatedAt.Unix()))
	buf = append(buf, byte(len(id.RelayHint)))
	buf = append(buf, id.RelayHint...)

	sig, err := crypto.Sign(buf, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to sign identity record: %w", err)
	}
	buf = append(buf, sig[:]...)

	return buf, nil
}

// DecodeRecord parses and verifies a portable identity record. Any
// truncation, trailing garbage, unknown version or signature failure yields
// ErrMalformedRecord.
func DecodeRecord(data []byte) (*Record, error) {
	if len(data) < 1+32+1+8+1+crypto.SignatureSize {
		return nil, fmt.Errorf("%w: truncated", ErrMalformedRecord)
	}

	version := data[0]
	if version != recordVersionPeer && version != recordVersionBackup {
		return nil, fmt.Errorf("%w: unknown version %d", ErrMalformedRecord, version)
	}

	rec := &Record{hasSeed: version == recordVersionBackup}
	off := 1

	copy(rec.Identity.PublicKey[:], data[off:off+32])
	off += 32

	if rec.hasSeed {
		if len(data) < off+32 {
			return nil, fmt.Errorf("%w: truncated seed", ErrMalformedRecord)
		}
		copy(rec.seed[:], data[off:off+32])
		off += 32
	}

	nickLen := int(data[off])
	off++
	if len(data) < off+nickLen+8+1+crypto.SignatureSize {
		return nil, fmt.Errorf("%w: truncated nickname", ErrMalformedRecord)
	}
	rec.Identity.Nickname = string(data[off : off+nickLen])
	off += nickLen

	rec.Identity.CreatedAt = time.Unix(int64(binary.BigEndian.Uint64(data[off:off+8])), 0).UTC()
	off += 8

	hintLen := int(data[off])
	off++
	if len(data) != off+hintLen+crypto.SignatureSize {
		return nil, fmt.Errorf("%w: bad length", ErrMalformedRecord)
	}
	rec.Identity.RelayHint = string(data[off : off+hintLen])
	off += hintLen

	var sig crypto.Signature
	copy(sig[:], data[off:])

	if !crypto.Verify(data[:off], sig, rec.Identity.PublicKey) {
		return nil, fmt.Errorf("%w: signature verification failed", ErrMalformedRecord)
	}

	if rec.hasSeed {
		// A backup record must actually contain the key it claims.
		kp, err := crypto.FromSeed(rec.seed)
		if err != nil || kp.Public != rec.Identity.PublicKey {
			return nil, fmt.Errorf("%w: seed does not match public key", ErrMalformedRecord)
		}
		crypto.WipeKeyPair(kp)
	}

	return rec, nil
}

// HasSeed reports whether this is a backup record carrying private material.
func (r *Record) HasSeed() bool {
	return r.hasSeed
}

// Seed returns the private seed of a backup record. The second return is
// false for peer records.
func (r *Record) Seed() ([32]byte, bool) {
	return r.seed, r.hasSeed
}

// Wipe erases any private material held by the record.
func (r *Record) Wipe() {
	if r.hasSeed {
		crypto.ZeroBytes(r.seed[:])
	}
}
