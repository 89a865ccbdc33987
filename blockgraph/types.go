// Package blockgraph owns every known header and block, their dependency
// state, the current set of maximal cliques, fitness, finalization, and
// the outbound propagate/attack/wishlist queues the consensus worker
// drains after each change: a single in-memory owner of all chain state,
// mutated only through narrow methods, with the admission/clique/finality
// algorithm following spec.md §4.2-4.4.
package blockgraph

import (
	"time"

	"github.com/tolelom/tolchain/models"
)

// Status is the state of a known hash in the graph (spec.md §3).
type Status int

const (
	StatusIncoming Status = iota
	StatusWaitingForDeps
	StatusActive
	StatusFinal
	StatusDiscarded
)

func (s Status) String() string {
	switch s {
	case StatusIncoming:
		return "incoming"
	case StatusWaitingForDeps:
		return "waiting_for_deps"
	case StatusActive:
		return "active"
	case StatusFinal:
		return "final"
	case StatusDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// entry is one arena slot: every hash the graph has ever heard of gets
// exactly one entry, addressed by its own hash rather than by pointer, so
// dependency waiters can refer to not-yet-resolved hashes without an
// owning cross-pointer.
type entry struct {
	hash   models.Hash
	status Status

	header *models.BlockHeader
	block  *models.Block

	// waiters holds hashes of blocks/headers that are WaitingForDeps on
	// this entry becoming Active or Final.
	waiters map[models.Hash]struct{}

	// missingDeps is the set of parent/endorsed hashes this entry is
	// still waiting on, nonempty only while status == WaitingForDeps.
	missingDeps map[models.Hash]struct{}
}

// Config carries the subset of config.Config the block graph needs.
type Config struct {
	ThreadCount           uint8
	DeltaF0               uint64
	ForceKeepFinalPeriods uint64
	DiscardTTL            time.Duration
	EndorsementCount      uint32
	MaxOperationsPerBlock int
	MaxBlockSize          int
	DisableBlockCreation  bool
	CurrentNodeIndex      int
	GenesisPublicKey      string
	// Nodes maps selector index to participant public key, so header
	// admission can check header.Creator against selector.Draw(slot).
	Nodes []string
}

// RollWeights is the narrow view of the roll ledger the graph needs: the
// active roll count backing an address's selection weight. The full
// ledger store lives in package rollledger and is a collaborator.
type RollWeights interface {
	ActiveRolls(addr models.Address) (uint64, error)
}

// OperationSource is the narrow view of the operation pool CreateBlock
// needs to assemble a local block.
type OperationSource interface {
	Pending(period uint64, n int) []*models.Operation
}

// CliqueExport summarizes one maximal clique for BlockGraphExport.
type CliqueExport struct {
	Members []models.Hash
	Fitness uint64
}

// BlockInfo summarizes one known hash for BlockGraphExport.
type BlockInfo struct {
	Hash    models.Hash
	Status  Status
	Slot    models.Slot
	Creator string
	Parents []models.Hash
}

// BlockGraphExport is a read-only snapshot of the graph, without operation
// payloads (spec.md §6 GetBlockGraphStatus).
type BlockGraphExport struct {
	Blocks      []BlockInfo
	Cliques     []CliqueExport
	BestParents []models.Hash
}

// ArchiveEntry pairs a hash with its full block, for batches handed to the
// archive collaborator by Prune.
type ArchiveEntry struct {
	Hash  models.Hash
	Block *models.Block
}

// PropagateEntry pairs a hash with its full block, for the to-propagate
// drain queue.
type PropagateEntry struct {
	Hash  models.Hash
	Block *models.Block
}
