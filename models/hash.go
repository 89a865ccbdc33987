// Package models defines the wire-level data model of the consensus core:
// slots, hashes, addresses, endorsements, headers and blocks, and their
// canonical binary encoding.
package models

import (
	"encoding/hex"
	"fmt"

	"github.com/tolelom/tolchain/crypto"
)

// HashSize is the length in bytes of a content hash / BlockId / EndorsementId.
const HashSize = 32

// Hash is a 32-byte content identifier, used for BlockId and EndorsementId.
type Hash [HashSize]byte

// ZeroHash is the all-zero hash used as the parent reference of genesis blocks.
var ZeroHash Hash

// HashData returns the Hash of data (SHA-256, matching crypto.HashBytes).
func HashData(data []byte) Hash {
	var h Hash
	copy(h[:], crypto.HashBytes(data))
	return h
}

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// HashFromHex decodes a hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// BlockId identifies a block or header by the hash of its header.
type BlockId = Hash

// EndorsementId identifies an endorsement by the hash of its content.
type EndorsementId = Hash
