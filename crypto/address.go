package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// AddressSize is the size of a node address in bytes.
const AddressSize = sha256.Size

// Address is the stable network identifier of a node: the SHA-256 hash of
// its encoded public key. Two identical public keys always derive the same
// address, across processes and versions.
type Address [AddressSize]byte

// AddressOf derives the node address for a public key.
func AddressOf(publicKey [32]byte) Address {
	return sha256.Sum256(publicKey[:])
}

// String returns the hexadecimal string representation of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the all-zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// AddressFromString parses an address from its hexadecimal representation.
func AddressFromString(s string) (Address, error) {
	var addr Address
	if len(s) != AddressSize*2 {
		return Address{}, errors.New("invalid address length")
	}

	data, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, err
	}

	copy(addr[:], data)
	return addr, nil
}
