// Package crypto implements the identity layer of the Hyperborea protocol.
//
// This package handles key generation, message signing and verification,
// ECDH shared-secret derivation, and the derivation of stable node
// addresses from public keys.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Address:", crypto.AddressOf(keys.Public))
package crypto
