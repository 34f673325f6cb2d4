package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, isZeroKey(kp.Public), "public key should not be zero")
	assert.False(t, isZeroKey(kp.Private), "private seed should not be zero")

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.Public, other.Public, "two generated keys must differ")
}

func TestFromSeedRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	restored, err := FromSeed(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, restored.Public, "seed must reproduce the public key")
}

func TestFromSeedRejectsZero(t *testing.T) {
	_, err := FromSeed([32]byte{})
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("rendezvous registration")
	sig, err := Sign(msg, kp.Private)
	require.NoError(t, err)

	assert.True(t, Verify(msg, sig, kp.Public))

	// Tampered message must not verify.
	msg[0] ^= 0xff
	assert.False(t, Verify(msg, sig, kp.Public))
}

func TestSignEmptyMessage(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = Sign(nil, kp.Private)
	assert.Error(t, err)
}

// The X25519 public key derived from the seed must match the one peers
// compute from the Ed25519 public key alone. This equivalence is what makes
// identity keys usable as Noise statics.
func TestNoiseKeyConversionAgrees(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	nk, err := NoiseKeyFromSeed(kp.Private)
	require.NoError(t, err)

	fromPublic, err := NoisePublicFromIdentity(kp.Public)
	require.NoError(t, err)

	assert.Equal(t, nk.Public, fromPublic,
		"seed-derived and identity-derived X25519 public keys must agree")

	// Sanity: the private scalar actually generates the public point.
	pub, err := curve25519.X25519(nk.Private[:], curve25519.Basepoint)
	require.NoError(t, err)
	assert.Equal(t, nk.Public[:], pub)
}

func TestNoisePublicFromIdentityRejectsGarbage(t *testing.T) {
	var bad [32]byte
	for i := range bad {
		bad[i] = 0xff
	}
	_, err := NoisePublicFromIdentity(bad)
	assert.Error(t, err)
}

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	ZeroBytes(data)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)

	// Empty and nil slices are no-ops, not panics.
	ZeroBytes(nil)
	ZeroBytes([]byte{})
}

func TestWipeKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	WipeKeyPair(kp)
	assert.True(t, isZeroKey(kp.Private))

	WipeKeyPair(nil)
}
