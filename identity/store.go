package identity

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/crypto"
)

// Store owns the local identity's key pair and the friend list. It is the
// single process-wide holder of the private seed; all other components
// borrow the seed through UseKey for the shortest possible scope.
//
// Reads (Lookup, Friends, Local) take a shared lock and are safe to call
// from many concurrent connection attempts; writes (Import, Remove) are
// rare and hold the exclusive lock only for the map update.
type Store struct {
	mu      sync.RWMutex
	local   Identity
	keys    *crypto.KeyPair
	friends map[[32]byte]Identity
}

// NewStore generates a fresh local identity with the given nickname.
func NewStore(nickname string) (*Store, error) {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return newStore(nickname, keys, time.Now().UTC()), nil
}

// LoadStore reconstructs a store from a backup record previously produced
// by ExportBackup.
func LoadStore(backup []byte) (*Store, error) {
	rec, err := DecodeRecord(backup)
	if err != nil {
		return nil, err
	}
	defer rec.Wipe()

	seed, ok := rec.Seed()
	if !ok {
		return nil, errors.New("record does not contain private material")
	}

	keys, err := crypto.FromSeed(seed)
	if err != nil {
		return nil, err
	}

	s := newStore(rec.Identity.Nickname, keys, rec.Identity.CreatedAt)
	s.local.RelayHint = rec.Identity.RelayHint
	return s, nil
}

func newStore(nickname string, keys *crypto.KeyPair, createdAt time.Time) *Store {
	s := &Store{
		local: Identity{
			PublicKey: keys.Public,
			Nickname:  nickname,
			CreatedAt: createdAt,
		},
		keys:    keys,
		friends: make(map[[32]byte]Identity),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "newStore",
		"public_key": keys.Public[:8],
		"nickname":   nickname,
	}).Info("Identity store initialized")

	return s
}

// Local returns the local identity (public material only).
func (s *Store) Local() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// Export produces the peer-shareable record of the local identity.
// It never contains the private seed.
func (s *Store) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return EncodeRecord(s.local, s.keys.Private)
}

// ExportBackup produces a record including the private seed, for the local
// identity's own backup use only.
func (s *Store) ExportBackup() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return EncodeBackupRecord(s.local, s.keys.Private)
}

// Import verifies a peer record and adds its identity to the friend list.
// Importing an already-known key updates the nickname and relay hint but
// changes nothing else; the operation is idempotent. Backup records are
// rejected: private material must not enter the friend list.
func (s *Store) Import(data []byte) (Identity, error) {
	rec, err := DecodeRecord(data)
	if err != nil {
		return Identity{}, err
	}
	if rec.HasSeed() {
		rec.Wipe()
		return Identity{}, errors.New("refusing to import a backup record as a peer")
	}

	s.mu.Lock()
	if existing, ok := s.friends[rec.Identity.PublicKey]; ok {
		existing.Nickname = rec.Identity.Nickname
		existing.RelayHint = rec.Identity.RelayHint
		s.friends[rec.Identity.PublicKey] = existing
		s.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":   "Import",
			"public_key": rec.Identity.PublicKey[:8],
			"nickname":   rec.Identity.Nickname,
		}).Info("Updated known identity")
		return existing, nil
	}
	s.friends[rec.Identity.PublicKey] = rec.Identity
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Import",
		"public_key": rec.Identity.PublicKey[:8],
		"nickname":   rec.Identity.Nickname,
	}).Info("Imported new identity")

	return rec.Identity, nil
}

// Lookup returns the identity for a public key, if known.
func (s *Store) Lookup(publicKey [32]byte) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.friends[publicKey]
	return id, ok
}

// Remove deletes a peer from the friend list.
func (s *Store) Remove(publicKey [32]byte) {
	s.mu.Lock()
	delete(s.friends, publicKey)
	s.mu.Unlock()
}

// Friends returns a snapshot of the friend list.
func (s *Store) Friends() []Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Identity, 0, len(s.friends))
	for _, id := range s.friends {
		out = append(out, id)
	}
	return out
}

// UseKey invokes fn with a copy of the private seed and wipes the copy when
// fn returns. The seed must not be retained beyond the call; this is the
// only sanctioned way for other components to touch private material.
func (s *Store) UseKey(fn func(seed [32]byte) error) error {
	s.mu.RLock()
	seed := s.keys.Private
	s.mu.RUnlock()

	defer crypto.ZeroBytes(seed[:])
	return fn(seed)
}

// Close wipes the private key. The store must not be used afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.WipeKeyPair(s.keys)
}
