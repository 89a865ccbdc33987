package consensusworker

import (
	"github.com/tolelom/tolchain/blockgraph"
	"github.com/tolelom/tolchain/models"
)

// AddressInfo answers GetAddressesInfo for one address (spec.md §4.4/§6).
type AddressInfo struct {
	Address          models.Address
	CandidateRolls   uint64
	FinalRolls       uint64
	ActiveRolls      uint64
	CandidateBalance models.Amount
	FinalBalance     models.Amount
	SlotsDrawn       uint64
	BlocksProduced   uint64
	MissRate         float64
}

// SelectionDraw pairs a slot with the public key drawn to produce it.
type SelectionDraw struct {
	Slot      models.Slot
	PublicKey string
}

// Command is the sum type carried on the inbound command channel
// (spec.md §6). Exactly one field is set per value; each carries its own
// one-shot reply channel. Callers must buffer it (capacity ≥ 1): the
// worker sends without blocking and drops the reply, logging a warning
// tagged with RequestID, if the channel isn't immediately ready.
type Command struct {
	// RequestID correlates a dropped-reply warning in the worker's log
	// back to the RPC call that issued it. Optional; callers that don't
	// set it just get untagged log lines.
	RequestID string

	GetBlockGraphStatus *GetBlockGraphStatusCmd
	GetActiveBlock      *GetActiveBlockCmd
	GetSelectionDraws   *GetSelectionDrawsCmd
	GetAddressesInfo    *GetAddressesInfoCmd
	SubmitOperation     *SubmitOperationCmd
}

type GetBlockGraphStatusCmd struct {
	Reply chan<- blockgraph.BlockGraphExport
}

type GetActiveBlockCmd struct {
	Hash  models.Hash
	Reply chan<- *models.Block
}

type GetSelectionDrawsCmd struct {
	Start, End models.Slot
	Reply      chan<- GetSelectionDrawsResult
}

type GetSelectionDrawsResult struct {
	Draws []SelectionDraw
	Err   error
}

type GetAddressesInfoCmd struct {
	Addresses []models.Address
	Reply     chan<- []AddressInfo
}

// SubmitOperationCmd routes an RPC-submitted operation through the
// worker's single-owner loop so pool insertion always uses the worker's
// own view of the current period (spec.md §4.3/§6 sendOperation).
type SubmitOperationCmd struct {
	Operation *models.Operation
	Reply     chan<- error
}
