// Package selector implements the deterministic, stake-weighted leader
// selection described in spec.md §4.1: a pure function of
// (seed, weights, slot) that all nodes agreeing on those inputs evaluate to
// the same participant index.
//
// The per-thread stream derivation reuses the existing golang.org/x/crypto
// dependency (also used for pbkdf2 key derivation in wallet/keystore.go):
// here the same module supplies sha3, one dependency serving a second
// concern instead of adding a redundant hash library. Weighted sampling
// uses math/big so the modulo reduction over cumulative weights is
// unbiased regardless of how large the weight sum grows.
package selector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/tolelom/tolchain/models"
	"golang.org/x/crypto/sha3"
)

// SeedSize is the required length, in bytes, of a selector seed.
const SeedSize = 32

// Selector draws a deterministic, stake-weighted participant index for any
// slot. It is immutable: reseeding is not supported (spec.md §4.1); build a
// new Selector when weights change.
type Selector struct {
	threadCount uint8
	weights     []uint64
	cumulative  []uint64 // cumulative[i] = sum(weights[0..=i])
	total       uint64
	threadSeeds [][]byte // per-thread hash(seed ‖ thread)
}

// New builds a Selector for the given seed, thread count and per-participant
// weights. Fails if weights is empty, all-zero, or seed is not SeedSize bytes.
func New(seed []byte, threadCount uint8, weights []uint64) (*Selector, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("selector: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	if len(weights) == 0 {
		return nil, errors.New("selector: weights must not be empty")
	}
	var total uint64
	cumulative := make([]uint64, len(weights))
	for i, w := range weights {
		total += w
		cumulative[i] = total
	}
	if total == 0 {
		return nil, errors.New("selector: weights must not be all-zero")
	}

	threadSeeds := make([][]byte, threadCount)
	for t := uint8(0); t < threadCount; t++ {
		h := sha3.New256()
		h.Write(seed)
		h.Write([]byte{t})
		threadSeeds[t] = h.Sum(nil)
	}

	return &Selector{
		threadCount: threadCount,
		weights:     append([]uint64(nil), weights...),
		cumulative:  cumulative,
		total:       total,
		threadSeeds: threadSeeds,
	}, nil
}

// Draw returns the index into weights selected for slot, sampled with
// probability proportional to weight. Deterministic and reproducible.
func (s *Selector) Draw(slot models.Slot) (int, error) {
	if int(slot.Thread) >= len(s.threadSeeds) {
		return 0, fmt.Errorf("selector: slot thread %d out of range [0,%d)", slot.Thread, len(s.threadSeeds))
	}

	var periodBytes [8]byte
	binary.BigEndian.PutUint64(periodBytes[:], slot.Period)

	h := sha3.New256()
	h.Write(s.threadSeeds[slot.Thread])
	h.Write(periodBytes[:])
	digest := h.Sum(nil)

	r := new(big.Int).SetBytes(digest)
	totalBig := new(big.Int).SetUint64(s.total)
	r.Mod(r, totalBig)
	target := r.Uint64()

	// Cumulative weights are sorted ascending by construction; the first
	// index whose cumulative weight exceeds target is the draw. Ties (a
	// zero-weight run) resolve to the lowest matching index.
	for i, c := range s.cumulative {
		if target < c {
			return i, nil
		}
	}
	// Unreachable given target < total, but fail closed rather than panic.
	return len(s.cumulative) - 1, nil
}

// Len returns the number of participants this selector was built with.
func (s *Selector) Len() int { return len(s.weights) }

// Weight returns the weight assigned to participant index i.
func (s *Selector) Weight(i int) uint64 {
	if i < 0 || i >= len(s.weights) {
		return 0
	}
	return s.weights[i]
}
