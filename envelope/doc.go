// Package envelope implements the Hyperborea secure channel.
//
// A SealedEnvelope is the signed, encrypted, compressed container for one
// message. Sealing derives a per-message symmetric key from an X25519
// shared secret, compresses the payload, encrypts it with authenticated
// encryption, and signs the result with the sender's identity key. Opening
// reverses the process, verifying the signature before any decryption is
// attempted.
//
// Seal and Open are pure and stateless; they are safe for concurrent use
// without coordination.
package envelope
