package models

import (
	"fmt"

	"github.com/tolelom/tolchain/crypto"
)

// Endorsement is a signed attestation of a block's in-thread parent. It
// increases the fitness of the block it is included in.
type Endorsement struct {
	Slot          Slot   `json:"slot"`           // slot of the endorsed block
	Index         uint32 `json:"index"`          // position among a block's endorsements
	EndorsedBlock Hash   `json:"endorsed_block"` // hash of the endorsed block
	Endorser      string `json:"endorser"`       // hex-encoded public key
	Signature     string `json:"signature"`
}

// endorsementSigningBody is the subset of fields covered by the signature.
type endorsementSigningBody struct {
	Slot          Slot
	Index         uint32
	EndorsedBlock Hash
	Endorser      string
}

// Hash returns the content hash of the endorsement (sans Signature).
func (e *Endorsement) Hash() Hash {
	return HashData(encodeEndorsementBody(endorsementSigningBody{
		Slot:          e.Slot,
		Index:         e.Index,
		EndorsedBlock: e.EndorsedBlock,
		Endorser:      e.Endorser,
	}))
}

// Sign signs the endorsement with priv and sets Endorser/Signature.
func (e *Endorsement) Sign(priv crypto.PrivateKey) {
	e.Endorser = priv.Public().Hex()
	h := e.Hash()
	e.Signature = crypto.Sign(priv, h[:])
}

// Verify checks the endorsement's signature against its claimed endorser.
func (e *Endorsement) Verify() error {
	pub, err := crypto.PubKeyFromHex(e.Endorser)
	if err != nil {
		return fmt.Errorf("invalid endorser pubkey: %w", err)
	}
	h := e.Hash()
	if err := crypto.Verify(pub, h[:], e.Signature); err != nil {
		return fmt.Errorf("endorsement signature invalid: %w", err)
	}
	return nil
}

func encodeEndorsementBody(b endorsementSigningBody) []byte {
	var buf []byte
	buf = appendSlot(buf, b.Slot)
	buf = appendVarint(buf, uint64(b.Index))
	buf = append(buf, b.EndorsedBlock[:]...)
	buf = append(buf, []byte(b.Endorser)...)
	return buf
}
