package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/tolchain/crypto"
)

// OperationType identifies the kind of roll/ledger mutation an Operation
// performs. Only roll accounting is in scope for the consensus core (the
// full ledger/roll-accounting engine is an external collaborator). The
// operation pool and block graph carry operations without interpreting
// their type; neither applies them to roll or balance counts.
type OperationType string

const (
	OpRollBuy  OperationType = "roll_buy"
	OpRollSell OperationType = "roll_sell"
	OpTransfer OperationType = "transfer"
)

// RollBuyPayload purchases RollCount rolls at cfg.RollPrice each.
type RollBuyPayload struct {
	RollCount uint64 `json:"roll_count"`
}

// RollSellPayload sells RollCount rolls back at cfg.RollPrice each.
type RollSellPayload struct {
	RollCount uint64 `json:"roll_count"`
}

// TransferPayload moves native balance between addresses.
type TransferPayload struct {
	To     string `json:"to"` // hex-encoded recipient public key
	Amount uint64 `json:"amount"`
}

// Operation is the atomic unit supplied by the operation pool for inclusion
// in a block (spec.md §1: "transaction/roll-operation pool").
type Operation struct {
	ID               string          `json:"id"`
	Type             OperationType   `json:"type"`
	Creator          string          `json:"creator"` // hex-encoded public key
	Nonce            uint64          `json:"nonce"`
	Fee              uint64          `json:"fee"`
	ValidityStartPeriod uint64       `json:"validity_start_period"`
	ValidityEndPeriod   uint64       `json:"validity_end_period"`
	Payload          json.RawMessage `json:"payload"`
	Signature        string          `json:"signature"`
}

type operationSigningBody struct {
	Type                OperationType
	Creator             string
	Nonce               uint64
	Fee                 uint64
	ValidityStartPeriod uint64
	ValidityEndPeriod   uint64
	Payload             json.RawMessage
}

// Hash returns the content hash of the operation (sans Signature).
func (op *Operation) Hash() Hash {
	body := operationSigningBody{
		Type:                op.Type,
		Creator:             op.Creator,
		Nonce:               op.Nonce,
		Fee:                 op.Fee,
		ValidityStartPeriod: op.ValidityStartPeriod,
		ValidityEndPeriod:   op.ValidityEndPeriod,
		Payload:             op.Payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Hash{}
	}
	return HashData(data)
}

// Sign signs the operation and sets ID.
func (op *Operation) Sign(priv crypto.PrivateKey) {
	op.Creator = priv.Public().Hex()
	h := op.Hash()
	op.Signature = crypto.Sign(priv, h[:])
	op.ID = h.String()
}

// Verify checks the operation's signature.
func (op *Operation) Verify() error {
	if op.Creator == "" {
		return errors.New("operation missing creator")
	}
	pub, err := crypto.PubKeyFromHex(op.Creator)
	if err != nil {
		return fmt.Errorf("invalid creator pubkey: %w", err)
	}
	h := op.Hash()
	if err := crypto.Verify(pub, h[:], op.Signature); err != nil {
		return fmt.Errorf("operation signature invalid: %w", err)
	}
	return nil
}

// IsValidAt reports whether the operation may be included in a block whose
// slot period is `period` (spec.md §6 operation_validity_periods).
func (op *Operation) IsValidAt(period uint64) bool {
	return period >= op.ValidityStartPeriod && period <= op.ValidityEndPeriod
}

// NewOperation builds an unsigned operation with the given payload.
func NewOperation(typ OperationType, nonce, fee uint64, startPeriod, validityPeriods uint64, payload any) (*Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Operation{
		Type:                typ,
		Nonce:               nonce,
		Fee:                 fee,
		ValidityStartPeriod: startPeriod,
		ValidityEndPeriod:   startPeriod + validityPeriods,
		Payload:             raw,
	}, nil
}
