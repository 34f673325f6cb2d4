package crypto

import (
	"crypto/subtle"
	"runtime"
)

// ZeroBytes erases a byte slice holding sensitive material. The
// ConstantTimeCompare call keeps the compiler from proving the buffer
// dead and eliding the overwrite.
func ZeroBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)
	runtime.KeepAlive(data)
}

// WipeKeyPair erases the private seed of a key pair that is no longer
// needed. A nil pair is a no-op.
func WipeKeyPair(kp *KeyPair) {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private[:])
}
