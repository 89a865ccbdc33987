package models

import (
	"encoding/hex"
	"fmt"

	"github.com/tolelom/tolchain/crypto"
)

// AddressSize is the length in bytes of an Address.
const AddressSize = 20

// Address identifies a participant, derived from a PublicKey. It is
// partitioned into a thread by hash(address) mod thread_count.
type Address [AddressSize]byte

// AddressFromPublicKey derives the Address for a public key (first 20 bytes
// of SHA-256(pubkey), matching crypto.PublicKey.Address()).
func AddressFromPublicKey(pub crypto.PublicKey) Address {
	var a Address
	copy(a[:], crypto.HashBytes(pub)[:AddressSize])
	return a
}

// String returns the lowercase hex encoding of a.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// AddressFromHex decodes a hex-encoded address.
func AddressFromHex(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid address hex: %w", err)
	}
	if len(b) != AddressSize {
		return a, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// Thread returns the thread this address is partitioned into.
func (a Address) Thread(threadCount uint8) uint8 {
	if threadCount == 0 {
		return 0
	}
	h := crypto.HashBytes(a[:])
	// Use the low byte of the hash for a uniform mod threadCount split.
	return h[len(h)-1] % threadCount
}
