package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// KeyPair represents a Hyperborea identity key pair.
//
// The public key is an Ed25519 point used for signature verification and
// node addressing. The private key is the 32-byte Ed25519 seed; it never
// leaves the owning process and is never serialized. The same seed also
// backs the X25519 scalar used for shared-secret derivation (see
// DeriveSharedSecret).
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random identity key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	return FromSecretKey(seed)
}

// FromSecretKey creates a key pair from an existing 32-byte private seed.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	private := ed25519.NewKeyFromSeed(secretKey[:])

	keyPair := &KeyPair{Private: secretKey}
	copy(keyPair.Public[:], private.Public().(ed25519.PublicKey))

	return keyPair, nil
}

// Address returns the node address derived from this key pair's public key.
func (kp *KeyPair) Address() Address {
	return AddressOf(kp.Public)
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
