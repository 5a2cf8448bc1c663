package crypto

import (
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// DeriveSharedSecret computes a shared secret between two parties using
// Elliptic Curve Diffie-Hellman on Curve25519.
//
// Identity keys are Ed25519; both sides are mapped to their Montgomery
// form before the X25519 operation. Seal(A, B) and Open(B, A) therefore
// arrive at the same secret from either end.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Computing shared secret using ECDH")

	// Decompress the peer's Ed25519 point and take its Montgomery u-coordinate.
	point, err := new(edwards25519.Point).SetBytes(peerPublicKey[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid peer public key: %w", err)
	}
	peerMontgomery := point.BytesMontgomery()

	// The X25519 scalar for an Ed25519 seed is the clamped low half of
	// SHA-512(seed); curve25519.X25519 performs the clamping itself.
	digest := sha512.Sum512(privateKey[:])
	scalar := make([]byte, 32)
	copy(scalar, digest[:32])

	sharedSecret, err := curve25519.X25519(scalar, peerMontgomery)
	if err != nil {
		ZeroBytes(scalar)
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedSecret",
			"error":    err.Error(),
		}).Error("X25519 computation failed")
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [32]byte
	copy(result[:], sharedSecret)

	// Wipe intermediates holding key material.
	ZeroBytes(scalar)
	ZeroBytes(sharedSecret)
	ZeroBytes(digest[:])

	return result, nil
}

// ZeroBytes overwrites a byte slice with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
