package identity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreExportImport(t *testing.T) {
	alice, err := NewStore("alice")
	require.NoError(t, err)
	bob, err := NewStore("bob")
	require.NoError(t, err)

	rec, err := alice.Export()
	require.NoError(t, err)

	imported, err := bob.Import(rec)
	require.NoError(t, err)
	assert.Equal(t, alice.Local().PublicKey, imported.PublicKey)
	assert.Equal(t, "alice", imported.Nickname)

	got, ok := bob.Lookup(alice.Local().PublicKey)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Nickname)
}

func TestStoreImportIdempotent(t *testing.T) {
	alice, err := NewStore("alice")
	require.NoError(t, err)
	bob, err := NewStore("bob")
	require.NoError(t, err)

	rec, err := alice.Export()
	require.NoError(t, err)
	_, err = bob.Import(rec)
	require.NoError(t, err)

	// Re-import under a new nickname: nickname updates, nothing else.
	alice2 := alice.Local()
	alice2.Nickname = "alice-2"
	var rec2 []byte
	err = alice.UseKey(func(seed [32]byte) error {
		var encErr error
		rec2, encErr = EncodeRecord(alice2, seed)
		return encErr
	})
	require.NoError(t, err)

	_, err = bob.Import(rec2)
	require.NoError(t, err)

	got, ok := bob.Lookup(alice.Local().PublicKey)
	require.True(t, ok)
	assert.Equal(t, "alice-2", got.Nickname)
	assert.Len(t, bob.Friends(), 1, "re-import must not duplicate the entry")
}

func TestStoreRejectsBackupImport(t *testing.T) {
	alice, err := NewStore("alice")
	require.NoError(t, err)
	bob, err := NewStore("bob")
	require.NoError(t, err)

	backup, err := alice.ExportBackup()
	require.NoError(t, err)

	_, err = bob.Import(backup)
	assert.Error(t, err)
	_, ok := bob.Lookup(alice.Local().PublicKey)
	assert.False(t, ok)
}

func TestStoreBackupRestore(t *testing.T) {
	alice, err := NewStore("alice")
	require.NoError(t, err)

	backup, err := alice.ExportBackup()
	require.NoError(t, err)

	restored, err := LoadStore(backup)
	require.NoError(t, err)
	assert.Equal(t, alice.Local().PublicKey, restored.Local().PublicKey)
	assert.Equal(t, "alice", restored.Local().Nickname)
}

func TestStoreRemove(t *testing.T) {
	alice, err := NewStore("alice")
	require.NoError(t, err)
	bob, err := NewStore("bob")
	require.NoError(t, err)

	rec, err := alice.Export()
	require.NoError(t, err)
	_, err = bob.Import(rec)
	require.NoError(t, err)

	bob.Remove(alice.Local().PublicKey)
	_, ok := bob.Lookup(alice.Local().PublicKey)
	assert.False(t, ok)
}

func TestStoreConcurrentLookups(t *testing.T) {
	alice, err := NewStore("alice")
	require.NoError(t, err)
	bob, err := NewStore("bob")
	require.NoError(t, err)

	rec, err := alice.Export()
	require.NoError(t, err)
	_, err = bob.Import(rec)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = bob.Lookup(alice.Local().PublicKey)
				_ = bob.Friends()
			}
		}()
	}
	// Concurrent writes should not starve or race the readers.
	for i := 0; i < 10; i++ {
		_, err := bob.Import(rec)
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestUseKeyScopedBorrow(t *testing.T) {
	alice, err := NewStore("alice")
	require.NoError(t, err)

	var seen [32]byte
	err = alice.UseKey(func(seed [32]byte) error {
		seen = seed
		return nil
	})
	require.NoError(t, err)
	assert.NotEqual(t, [32]byte{}, seen, "the borrow must expose the real seed")
}
