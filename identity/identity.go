package identity

import (
	"errors"
	"time"

	"github.com/mr-tron/base58"
)

// Identity represents a peer: a public key and the nickname it was
// introduced under. Identities are immutable once created; re-importing a
// record for a known key supersedes the nickname but nothing else.
type Identity struct {
	PublicKey [32]byte
	Nickname  string
	CreatedAt time.Time
	// RelayHint is an optional host:port of a relay the peer is usually
	// registered with. Empty when the record carried none.
	RelayHint string
}

// FormatPublicKey renders a public key as base58 with a trailing 2-byte
// XOR checksum, the form used in logs, CLI output and relay.toml.
func FormatPublicKey(publicKey [32]byte) string {
	buf := make([]byte, 34)
	copy(buf, publicKey[:])
	cs := keyChecksum(publicKey)
	buf[32] = cs[0]
	buf[33] = cs[1]
	return base58.Encode(buf)
}

// ParsePublicKey parses the base58 form produced by FormatPublicKey,
// verifying the checksum.
func ParsePublicKey(s string) ([32]byte, error) {
	var key [32]byte

	raw, err := base58.Decode(s)
	if err != nil {
		return key, err
	}
	if len(raw) != 34 {
		return key, errors.New("invalid public key length")
	}

	copy(key[:], raw[:32])
	cs := keyChecksum(key)
	if raw[32] != cs[0] || raw[33] != cs[1] {
		return key, errors.New("invalid public key checksum")
	}

	return key, nil
}

func keyChecksum(publicKey [32]byte) [2]byte {
	var cs [2]byte
	for i := 0; i < 32; i++ {
		cs[i%2] ^= publicKey[i]
	}
	return cs
}
