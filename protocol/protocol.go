// Package protocol defines the message types and narrow channel
// interfaces connecting the consensus worker to its networking
// collaborator (spec.md §6). The core never depends on network/
// directly; network/ depends on protocol/ and implements these
// interfaces, keeping the worker decoupled from the transport.
package protocol

import "github.com/tolelom/tolchain/models"

// Inbound events the peer layer delivers to the consensus worker.

// ReceivedBlock announces a full block learned from a peer.
type ReceivedBlock struct {
	Hash  models.Hash
	Block *models.Block
}

// ReceivedBlockHeader announces a header-only announcement from a peer.
type ReceivedBlockHeader struct {
	Hash   models.Hash
	Header *models.BlockHeader
}

// ReceivedTransaction announces an operation learned from a peer, routed
// to the operation pool rather than the block graph.
type ReceivedTransaction struct {
	Operation *models.Operation
}

// GetBlockRequest asks the worker to resolve hash, via the active graph or
// the archive fallback.
type GetBlockRequest struct {
	Hash models.Hash
}

// Event is the sum type carried on the inbound peer event channel.
type Event struct {
	ReceivedBlock       *ReceivedBlock
	ReceivedBlockHeader *ReceivedBlockHeader
	ReceivedTransaction *ReceivedTransaction
	GetBlock            *GetBlockRequest
}

// Outbound is the narrow interface the consensus worker uses to push
// commands to the peer layer. Implemented by network.Node.
type Outbound interface {
	IntegratedBlock(hash models.Hash, block *models.Block) error
	NotifyBlockAttack(hash models.Hash) error
	SendWishlistDelta(added, removed []models.Hash) error
	FoundBlock(hash models.Hash, block *models.Block) error
	BlockNotFound(hash models.Hash) error
}

// Inbound is the narrow interface the consensus worker reads peer events
// from. Implemented by network.Node; the worker only ever sees this
// channel, never the network package itself.
type Inbound interface {
	Events() <-chan Event
}
