package models

import (
	"fmt"

	"github.com/tolelom/tolchain/crypto"
)

// BlockHeader carries everything that is hashed and signed; BlockId is the
// hash of the header. One parent per thread: parents[t] is the block's
// in-thread predecessor when t == header.Slot.Thread.
type BlockHeader struct {
	Creator         string        `json:"creator"` // hex-encoded public key
	Slot            Slot          `json:"slot"`
	Parents         []Hash        `json:"parents"` // len == thread_count
	OperationsRoot  Hash          `json:"operations_root"`
	Endorsements    []Endorsement `json:"endorsements"`
	Signature       string        `json:"signature"`
}

// Block adds the operation sequence to a header.
type Block struct {
	Header     BlockHeader `json:"header"`
	Operations []Operation `json:"operations"`
}

type headerSigningBody struct {
	Creator        string
	Slot           Slot
	Parents        []Hash
	OperationsRoot Hash
	Endorsements   []Endorsement
}

// ComputeOperationsRoot builds the deterministic root hash of an operation
// list (length-prefixed concatenation of operation hashes, in order).
func ComputeOperationsRoot(ops []Operation) Hash {
	var buf []byte
	for _, op := range ops {
		h := op.Hash()
		buf = appendVarint(buf, uint64(len(h)))
		buf = append(buf, h[:]...)
	}
	return HashData(buf)
}

// Hash returns the BlockId: the content hash of the header (sans Signature).
func (h *BlockHeader) Hash() Hash {
	return HashData(EncodeHeaderBody(headerSigningBody{
		Creator:        h.Creator,
		Slot:           h.Slot,
		Parents:        h.Parents,
		OperationsRoot: h.OperationsRoot,
		Endorsements:   h.Endorsements,
	}))
}

// Sign signs the header with priv and sets Creator/Signature.
func (h *BlockHeader) Sign(priv crypto.PrivateKey) {
	h.Creator = priv.Public().Hex()
	id := h.Hash()
	h.Signature = crypto.Sign(priv, id[:])
}

// Verify checks the header's signature against its claimed creator.
func (h *BlockHeader) Verify() error {
	pub, err := crypto.PubKeyFromHex(h.Creator)
	if err != nil {
		return fmt.Errorf("invalid creator pubkey: %w", err)
	}
	id := h.Hash()
	if err := crypto.Verify(pub, id[:], h.Signature); err != nil {
		return fmt.Errorf("header signature invalid: %w", err)
	}
	return nil
}

// InThreadParent returns the block's own-thread predecessor hash, i.e. the
// parent entry at index Slot.Thread.
func (h *BlockHeader) InThreadParent() (Hash, error) {
	if int(h.Slot.Thread) >= len(h.Parents) {
		return Hash{}, fmt.Errorf("slot thread %d out of range of %d parents", h.Slot.Thread, len(h.Parents))
	}
	return h.Parents[h.Slot.Thread], nil
}

// NewBlock assembles an unsigned block from parents, endorsements and
// operations. The caller must call Header.Sign afterward.
func NewBlock(slot Slot, parents []Hash, endorsements []Endorsement, ops []Operation) *Block {
	return &Block{
		Header: BlockHeader{
			Slot:           slot,
			Parents:        parents,
			OperationsRoot: ComputeOperationsRoot(ops),
			Endorsements:   endorsements,
		},
		Operations: ops,
	}
}

// VerifyIntegrity checks that the operations match OperationsRoot, independent
// of the creator signature.
func (b *Block) VerifyIntegrity() error {
	root := ComputeOperationsRoot(b.Operations)
	if root != b.Header.OperationsRoot {
		return fmt.Errorf("operations_root mismatch: header %s computed %s", b.Header.OperationsRoot, root)
	}
	return nil
}
