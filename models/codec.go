package models

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Canonical binary encoding, per spec.md §6:
//   Slot        := (varint period) ‖ (u8 thread)
//   Endorsement := (slot) ‖ (varint index) ‖ (32-byte endorsed BlockId)
//                  ‖ (varint-length endorser) ‖ (varint-length signature)
// Block/header signatures cover the canonical serialization of the header
// content. Variable-width integers use protobuf wire varints
// (google.golang.org/protobuf/encoding/protowire), the same varint codec
// AKJUS-bsc-erigon and ethereum-go-ethereum both depend on transitively.

func appendVarint(buf []byte, v uint64) []byte {
	return protowire.AppendVarint(buf, v)
}

func consumeVarint(buf []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, 0, fmt.Errorf("malformed varint: %w", protowire.ParseError(n))
	}
	return v, n, nil
}

// EncodeSlot appends the canonical encoding of s to buf.
func EncodeSlot(buf []byte, s Slot) []byte {
	buf = appendVarint(buf, s.Period)
	return append(buf, s.Thread)
}

func appendSlot(buf []byte, s Slot) []byte { return EncodeSlot(buf, s) }

// DecodeSlot reads a Slot from the front of buf, returning the slot and the
// number of bytes consumed.
func DecodeSlot(buf []byte) (Slot, int, error) {
	period, n, err := consumeVarint(buf)
	if err != nil {
		return Slot{}, 0, fmt.Errorf("decode slot period: %w", err)
	}
	if n >= len(buf) {
		return Slot{}, 0, fmt.Errorf("decode slot: missing thread byte")
	}
	thread := buf[n]
	return Slot{Period: period, Thread: thread}, n + 1, nil
}

// EncodeEndorsement appends the canonical encoding of e to buf.
func EncodeEndorsement(buf []byte, e Endorsement) []byte {
	buf = EncodeSlot(buf, e.Slot)
	buf = appendVarint(buf, uint64(e.Index))
	buf = append(buf, e.EndorsedBlock[:]...)
	buf = appendVarint(buf, uint64(len(e.Endorser)))
	buf = append(buf, []byte(e.Endorser)...)
	buf = appendVarint(buf, uint64(len(e.Signature)))
	buf = append(buf, []byte(e.Signature)...)
	return buf
}

// DecodeEndorsement reads an Endorsement from the front of buf.
func DecodeEndorsement(buf []byte) (Endorsement, int, error) {
	var e Endorsement
	total := 0

	slot, n, err := DecodeSlot(buf)
	if err != nil {
		return e, 0, err
	}
	e.Slot = slot
	total += n
	buf = buf[n:]

	index, n, err := consumeVarint(buf)
	if err != nil {
		return e, 0, fmt.Errorf("decode endorsement index: %w", err)
	}
	e.Index = uint32(index)
	total += n
	buf = buf[n:]

	if len(buf) < HashSize {
		return e, 0, fmt.Errorf("decode endorsement: short endorsed block hash")
	}
	copy(e.EndorsedBlock[:], buf[:HashSize])
	total += HashSize
	buf = buf[HashSize:]

	endorser, n, err := decodeString(buf)
	if err != nil {
		return e, 0, fmt.Errorf("decode endorser: %w", err)
	}
	e.Endorser = endorser
	total += n
	buf = buf[n:]

	sig, n, err := decodeString(buf)
	if err != nil {
		return e, 0, fmt.Errorf("decode endorsement signature: %w", err)
	}
	e.Signature = sig
	total += n

	return e, total, nil
}

func appendString(buf []byte, s string) []byte {
	buf = appendVarint(buf, uint64(len(s)))
	return append(buf, []byte(s)...)
}

func decodeString(buf []byte) (string, int, error) {
	l, n, err := consumeVarint(buf)
	if err != nil {
		return "", 0, err
	}
	rest := buf[n:]
	if uint64(len(rest)) < l {
		return "", 0, fmt.Errorf("short string payload: need %d have %d", l, len(rest))
	}
	return string(rest[:l]), n + int(l), nil
}

// EncodeHeaderBody appends the canonical header body (everything the
// signature covers) to buf.
func EncodeHeaderBody(b headerSigningBody) []byte {
	var buf []byte
	buf = appendString(buf, b.Creator)
	buf = EncodeSlot(buf, b.Slot)
	buf = appendVarint(buf, uint64(len(b.Parents)))
	for _, p := range b.Parents {
		buf = append(buf, p[:]...)
	}
	buf = append(buf, b.OperationsRoot[:]...)
	buf = appendVarint(buf, uint64(len(b.Endorsements)))
	for _, e := range b.Endorsements {
		buf = EncodeEndorsement(buf, e)
	}
	return buf
}

// EncodeHeader appends the full canonical header (body plus signature) to buf.
func EncodeHeader(buf []byte, h BlockHeader) []byte {
	body := EncodeHeaderBody(headerSigningBody{
		Creator:        h.Creator,
		Slot:           h.Slot,
		Parents:        h.Parents,
		OperationsRoot: h.OperationsRoot,
		Endorsements:   h.Endorsements,
	})
	buf = append(buf, body...)
	return appendString(buf, h.Signature)
}

// DecodeHeader reads a BlockHeader from the front of buf.
func DecodeHeader(buf []byte) (BlockHeader, int, error) {
	var h BlockHeader
	total := 0

	creator, n, err := decodeString(buf)
	if err != nil {
		return h, 0, fmt.Errorf("decode creator: %w", err)
	}
	h.Creator = creator
	total += n
	buf = buf[n:]

	slot, n, err := DecodeSlot(buf)
	if err != nil {
		return h, 0, err
	}
	h.Slot = slot
	total += n
	buf = buf[n:]

	numParents, n, err := consumeVarint(buf)
	if err != nil {
		return h, 0, fmt.Errorf("decode parent count: %w", err)
	}
	total += n
	buf = buf[n:]
	if uint64(len(buf)) < numParents*HashSize {
		return h, 0, fmt.Errorf("decode parents: short buffer")
	}
	h.Parents = make([]Hash, numParents)
	for i := range h.Parents {
		copy(h.Parents[i][:], buf[:HashSize])
		buf = buf[HashSize:]
		total += HashSize
	}

	if len(buf) < HashSize {
		return h, 0, fmt.Errorf("decode operations_root: short buffer")
	}
	copy(h.OperationsRoot[:], buf[:HashSize])
	buf = buf[HashSize:]
	total += HashSize

	numEnd, n, err := consumeVarint(buf)
	if err != nil {
		return h, 0, fmt.Errorf("decode endorsement count: %w", err)
	}
	total += n
	buf = buf[n:]
	h.Endorsements = make([]Endorsement, 0, numEnd)
	for i := uint64(0); i < numEnd; i++ {
		e, n, err := DecodeEndorsement(buf)
		if err != nil {
			return h, 0, fmt.Errorf("decode endorsement %d: %w", i, err)
		}
		h.Endorsements = append(h.Endorsements, e)
		buf = buf[n:]
		total += n
	}

	sig, n, err := decodeString(buf)
	if err != nil {
		return h, 0, fmt.Errorf("decode header signature: %w", err)
	}
	h.Signature = sig
	total += n

	return h, total, nil
}

// EncodeOperation appends the canonical encoding of op to buf.
func EncodeOperation(buf []byte, op Operation) []byte {
	buf = appendString(buf, string(op.Type))
	buf = appendString(buf, op.Creator)
	buf = appendVarint(buf, op.Nonce)
	buf = appendVarint(buf, op.Fee)
	buf = appendVarint(buf, op.ValidityStartPeriod)
	buf = appendVarint(buf, op.ValidityEndPeriod)
	buf = appendString(buf, string(op.Payload))
	buf = appendString(buf, op.Signature)
	return buf
}

// DecodeOperation reads an Operation from the front of buf.
func DecodeOperation(buf []byte) (Operation, int, error) {
	var op Operation
	total := 0

	typ, n, err := decodeString(buf)
	if err != nil {
		return op, 0, fmt.Errorf("decode operation type: %w", err)
	}
	op.Type = OperationType(typ)
	total += n
	buf = buf[n:]

	creator, n, err := decodeString(buf)
	if err != nil {
		return op, 0, fmt.Errorf("decode operation creator: %w", err)
	}
	op.Creator = creator
	total += n
	buf = buf[n:]

	nonce, n, err := consumeVarint(buf)
	if err != nil {
		return op, 0, fmt.Errorf("decode operation nonce: %w", err)
	}
	op.Nonce = nonce
	total += n
	buf = buf[n:]

	fee, n, err := consumeVarint(buf)
	if err != nil {
		return op, 0, fmt.Errorf("decode operation fee: %w", err)
	}
	op.Fee = fee
	total += n
	buf = buf[n:]

	startP, n, err := consumeVarint(buf)
	if err != nil {
		return op, 0, fmt.Errorf("decode operation validity start: %w", err)
	}
	op.ValidityStartPeriod = startP
	total += n
	buf = buf[n:]

	endP, n, err := consumeVarint(buf)
	if err != nil {
		return op, 0, fmt.Errorf("decode operation validity end: %w", err)
	}
	op.ValidityEndPeriod = endP
	total += n
	buf = buf[n:]

	payload, n, err := decodeString(buf)
	if err != nil {
		return op, 0, fmt.Errorf("decode operation payload: %w", err)
	}
	op.Payload = []byte(payload)
	total += n
	buf = buf[n:]

	sig, n, err := decodeString(buf)
	if err != nil {
		return op, 0, fmt.Errorf("decode operation signature: %w", err)
	}
	op.Signature = sig
	total += n

	op.ID = op.Hash().String()
	return op, total, nil
}

// EncodeBlock appends the canonical encoding of a full block (header plus
// operations) to buf.
func EncodeBlock(buf []byte, b Block) []byte {
	buf = EncodeHeader(buf, b.Header)
	buf = appendVarint(buf, uint64(len(b.Operations)))
	for _, op := range b.Operations {
		buf = EncodeOperation(buf, op)
	}
	return buf
}

// DecodeBlock reads a full Block from the front of buf.
func DecodeBlock(buf []byte) (Block, int, error) {
	var b Block
	total := 0

	h, n, err := DecodeHeader(buf)
	if err != nil {
		return b, 0, fmt.Errorf("decode block header: %w", err)
	}
	b.Header = h
	total += n
	buf = buf[n:]

	numOps, n, err := consumeVarint(buf)
	if err != nil {
		return b, 0, fmt.Errorf("decode operation count: %w", err)
	}
	total += n
	buf = buf[n:]

	b.Operations = make([]Operation, 0, numOps)
	for i := uint64(0); i < numOps; i++ {
		op, n, err := DecodeOperation(buf)
		if err != nil {
			return b, 0, fmt.Errorf("decode operation %d: %w", i, err)
		}
		b.Operations = append(b.Operations, op)
		buf = buf[n:]
		total += n
	}

	return b, total, nil
}
