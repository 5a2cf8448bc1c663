package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// Sign creates an Ed25519 signature for a message using the private key.
func Sign(message []byte, privateKey [32]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}
	if isZeroKey(privateKey) {
		return Signature{}, errors.New("invalid private key: all zeros")
	}

	edPrivateKey := ed25519.NewKeyFromSeed(privateKey[:])
	signatureBytes := ed25519.Sign(edPrivateKey, message)

	var signature Signature
	copy(signature[:], signatureBytes)

	return signature, nil
}

// Verify checks if a signature is valid for a message and public key.
// It never fails the caller: any malformed input simply verifies false.
func Verify(message []byte, signature Signature, publicKey [32]byte) bool {
	if len(message) == 0 || isZeroKey(publicKey) {
		return false
	}
	return ed25519.Verify(publicKey[:], message, signature[:])
}
