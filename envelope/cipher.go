package envelope

import (
	"golang.org/x/crypto/nacl/secretbox"
)

// Cipher is the authenticated symmetric encryption backend used to seal
// envelope payloads. Implementations must be pure functions of their
// inputs and safe for concurrent use.
type Cipher interface {
	// Encrypt encrypts and authenticates plaintext.
	Encrypt(key [32]byte, nonce [24]byte, plaintext []byte) []byte

	// Decrypt verifies and decrypts ciphertext. The second return value is
	// false when the authentication tag does not match.
	Decrypt(key [32]byte, nonce [24]byte, ciphertext []byte) ([]byte, bool)
}

// SecretboxCipher is the default Cipher, backed by NaCl secretbox
// (XSalsa20-Poly1305).
type SecretboxCipher struct{}

// Encrypt encrypts and authenticates plaintext with NaCl secretbox.
func (SecretboxCipher) Encrypt(key [32]byte, nonce [24]byte, plaintext []byte) []byte {
	return secretbox.Seal(nil, plaintext, (*[24]byte)(&nonce), (*[32]byte)(&key))
}

// Decrypt verifies and decrypts a secretbox ciphertext.
func (SecretboxCipher) Decrypt(key [32]byte, nonce [24]byte, ciphertext []byte) ([]byte, bool) {
	return secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&key))
}
