package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/hyperborea/crypto"
)

var (
	// ErrCrypto indicates key derivation or encryption failed. Fatal for
	// the single message; retrying with the same inputs will fail again.
	ErrCrypto = errors.New("envelope: key derivation or encryption failed")
	// ErrAuthentication indicates the envelope signature did not verify.
	ErrAuthentication = errors.New("envelope: signature verification failed")
	// ErrDecryption indicates the authenticated decryption tag mismatched.
	ErrDecryption = errors.New("envelope: decryption failed")
	// ErrDecompression indicates the decrypted stream was malformed.
	ErrDecompression = errors.New("envelope: decompression failed")
)

// MaxPayloadSize bounds payload size to prevent excessive memory usage.
const MaxPayloadSize = 1024 * 1024

// keyInfo is the HKDF info string binding derived keys to this protocol.
const keyInfo = "hyperborea.envelope.v1"

// SealedEnvelope is a message in transit or at rest in an inbox. It is
// immutable once constructed.
//
// The signature covers (nonce, ciphertext, compression tag) and verifies
// under SenderPublicKey, which in turn must hash to Sender.
type SealedEnvelope struct {
	Sender          crypto.Address
	SenderPublicKey [32]byte
	Nonce           [24]byte
	Ciphertext      []byte
	CompressionTag  string
	Signature       crypto.Signature
}

type options struct {
	cipher     Cipher
	compressor Compressor
}

// Option adjusts the backends used by Seal and Open.
type Option func(*options)

// WithCipher selects the authenticated encryption backend.
func WithCipher(c Cipher) Option {
	return func(o *options) { o.cipher = c }
}

// WithCompressor selects the compression backend used when sealing.
func WithCompressor(c Compressor) Option {
	return func(o *options) { o.compressor = c }
}

func buildOptions(opts []Option) options {
	o := options{
		cipher:     SecretboxCipher{},
		compressor: SnappyCompressor{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Seal converts an application payload into a SealedEnvelope addressed to
// the holder of recipientPublicKey.
func Seal(sender *crypto.KeyPair, recipientPublicKey [32]byte, payload []byte, opts ...Option) (*SealedEnvelope, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload too large (%d bytes)", ErrCrypto, len(payload))
	}

	o := buildOptions(opts)

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", ErrCrypto, err)
	}

	key, err := deriveKey(recipientPublicKey, sender.Private, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	compressed, err := o.compressor.Compress(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: compression: %v", ErrCrypto, err)
	}

	env := &SealedEnvelope{
		Sender:          sender.Address(),
		SenderPublicKey: sender.Public,
		Nonce:           nonce,
		Ciphertext:      o.cipher.Encrypt(key, nonce, compressed),
		CompressionTag:  o.compressor.Tag(),
	}
	crypto.ZeroBytes(key[:])

	signature, err := crypto.Sign(env.signingInput(), sender.Private)
	if err != nil {
		return nil, fmt.Errorf("%w: signing: %v", ErrCrypto, err)
	}
	env.Signature = signature

	return env, nil
}

// Verify checks the envelope's structural invariants: the sender public
// key must hash to the sender address and the signature must verify over
// (nonce, ciphertext, compression tag). It performs no decryption and
// needs no key material, so relays can validate envelopes they cannot
// open.
func (env *SealedEnvelope) Verify() error {
	if crypto.AddressOf(env.SenderPublicKey) != env.Sender {
		return fmt.Errorf("%w: sender key does not match sender address", ErrAuthentication)
	}
	if !crypto.Verify(env.signingInput(), env.Signature, env.SenderPublicKey) {
		return ErrAuthentication
	}
	return nil
}

// Open recovers the payload of an envelope addressed to the recipient.
//
// The signature is verified before any decryption is attempted, so an
// attacker-controlled ciphertext is never fed to the cipher under an
// unauthenticated key. Failures are non-fatal to the node; the caller
// discards the envelope and reports the event.
func Open(recipient *crypto.KeyPair, env *SealedEnvelope, opts ...Option) ([]byte, error) {
	o := buildOptions(opts)

	if err := env.Verify(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Open",
			"sender":   env.Sender.String()[:16],
		}).Warn("Envelope failed signature verification")
		return nil, err
	}

	key, err := deriveKey(env.SenderPublicKey, recipient.Private, env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer crypto.ZeroBytes(key[:])

	compressed, ok := o.cipher.Decrypt(key, env.Nonce, env.Ciphertext)
	if !ok {
		return nil, ErrDecryption
	}

	compressor, ok := CompressorByTag(env.CompressionTag)
	if !ok {
		return nil, fmt.Errorf("%w: unknown compression tag %q", ErrDecompression, env.CompressionTag)
	}

	payload, err := compressor.Decompress(compressed)
	if err != nil {
		return nil, err
	}

	return payload, nil
}

// signingInput builds the byte string covered by the envelope signature:
// nonce, then ciphertext, then the compression tag.
func (env *SealedEnvelope) signingInput() []byte {
	input := make([]byte, 0, len(env.Nonce)+len(env.Ciphertext)+len(env.CompressionTag))
	input = append(input, env.Nonce[:]...)
	input = append(input, env.Ciphertext...)
	input = append(input, env.CompressionTag...)
	return input
}

// deriveKey computes the per-message symmetric key: X25519 shared secret
// expanded through HKDF-SHA256, salted with the fresh per-call nonce so a
// key is never reused across envelopes.
func deriveKey(peerPublicKey, privateKey [32]byte, nonce [24]byte) ([32]byte, error) {
	shared, err := crypto.DeriveSharedSecret(peerPublicKey, privateKey)
	if err != nil {
		return [32]byte{}, err
	}
	defer crypto.ZeroBytes(shared[:])

	var key [32]byte
	kdf := hkdf.New(sha256.New, shared[:], nonce[:], []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return [32]byte{}, err
	}

	return key, nil
}
