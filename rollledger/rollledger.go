// Package rollledger tracks, per address, the native balance and the
// roll counts (candidate / active / final) that back stake-weighted leader
// selection, plus the production statistics used for miss-rate
// deactivation. It exposes a write-buffer/snapshot/commit surface with
// Ledger as the single controller-style point other packages call through.
package rollledger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tolelom/tolchain/consensuserr"
	"github.com/tolelom/tolchain/models"
	"github.com/tolelom/tolchain/storage"
)

func registerPrefix(p string) string {
	ledgerPrefixes = append(ledgerPrefixes, p)
	return p
}

var ledgerPrefixes []string

var (
	prefixBalance       = registerPrefix("bal:")
	prefixCandidateRoll = registerPrefix("roll:cand:")
	prefixActiveRoll    = registerPrefix("roll:active:")
	prefixFinalRoll     = registerPrefix("roll:final:")
	prefixProdStats     = registerPrefix("prod:")
)

// ProductionStats counts how many slots an address was drawn for and how
// many of those it actually produced, within the current cycle. Used by
// ApplyCycleEnd to compute miss rate.
type ProductionStats struct {
	SlotsDrawn     uint64 `json:"slots_drawn"`
	BlocksProduced uint64 `json:"blocks_produced"`
}

// MissRate returns 1 - BlocksProduced/SlotsDrawn, or 0 if never drawn.
func (p ProductionStats) MissRate() float64 {
	if p.SlotsDrawn == 0 {
		return 0
	}
	return 1 - float64(p.BlocksProduced)/float64(p.SlotsDrawn)
}

type ledgerSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// Ledger is the controller other packages (consensusworker, cmd/node)
// call through to read or mutate roll/balance state. It buffers
// writes in memory until Commit, and supports Snapshot/RevertToSnapshot so
// a rejected block's tentative changes can be undone without touching the
// underlying store.
type Ledger struct {
	db        storage.DB
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []ledgerSnapshot

	rollPrice                 uint64
	lookbackCycles            uint64
	lockCycles                uint64
	missRateDeactivationThresh float64
}

// Config carries the subset of config.Config rollledger needs.
type Config struct {
	RollPrice                        uint64
	PosLookbackCycles                uint64
	PosLockCycles                    uint64
	PosMissRateDeactivationThreshold float64
}

// New builds a Ledger backed by db.
func New(db storage.DB, cfg Config) *Ledger {
	return &Ledger{
		db:                         db,
		dirty:                      make(map[string][]byte),
		deleted:                    make(map[string]bool),
		rollPrice:                  cfg.RollPrice,
		lookbackCycles:             cfg.PosLookbackCycles,
		lockCycles:                 cfg.PosLockCycles,
		missRateDeactivationThresh: cfg.PosMissRateDeactivationThreshold,
	}
}

func (l *Ledger) get(key string) ([]byte, error) {
	if l.deleted[key] {
		return nil, consensuserr.ErrNotFound
	}
	if v, ok := l.dirty[key]; ok {
		return v, nil
	}
	return l.db.Get([]byte(key))
}

func (l *Ledger) set(key string, val []byte) {
	delete(l.deleted, key)
	l.dirty[key] = val
}

func (l *Ledger) del(key string) {
	delete(l.dirty, key)
	l.deleted[key] = true
}

func addrKey(prefix string, addr models.Address) string {
	return prefix + addr.String()
}

// ---- Balance ----

// Balance returns addr's current balance (raw units), or zero if unset.
func (l *Ledger) Balance(addr models.Address) (models.Amount, error) {
	data, err := l.get(addrKey(prefixBalance, addr))
	if errors.Is(err, consensuserr.ErrNotFound) {
		return models.Amount{}, nil
	}
	if err != nil {
		return models.Amount{}, err
	}
	var amt models.Amount
	if err := json.Unmarshal(data, &amt); err != nil {
		return models.Amount{}, err
	}
	return amt, nil
}

// SetBalance overwrites addr's balance.
func (l *Ledger) SetBalance(addr models.Address, amt models.Amount) error {
	data, err := json.Marshal(amt)
	if err != nil {
		return err
	}
	l.set(addrKey(prefixBalance, addr), data)
	return nil
}

// Transfer moves amt from src to dst, failing if src has insufficient
// balance (consensuserr.CategoryPolicyViolation).
func (l *Ledger) Transfer(src, dst models.Address, amt models.Amount) error {
	srcBal, err := l.Balance(src)
	if err != nil {
		return err
	}
	newSrc, ok := srcBal.Sub(amt)
	if !ok {
		return consensuserr.New(consensuserr.CategoryPolicyViolation,
			fmt.Errorf("rollledger: insufficient balance for %s: have %s want to send %s", src, srcBal, amt))
	}
	dstBal, err := l.Balance(dst)
	if err != nil {
		return err
	}
	if err := l.SetBalance(src, newSrc); err != nil {
		return err
	}
	return l.SetBalance(dst, dstBal.Add(amt))
}

// ---- Rolls ----

func (l *Ledger) rollCount(prefix string, addr models.Address) (uint64, error) {
	data, err := l.get(addrKey(prefix, addr))
	if errors.Is(err, consensuserr.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(data), nil
}

func (l *Ledger) setRollCount(prefix string, addr models.Address, n uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	l.set(addrKey(prefix, addr), buf[:])
}

// CandidateRolls returns addr's candidate (not-yet-active) roll count.
func (l *Ledger) CandidateRolls(addr models.Address) (uint64, error) {
	return l.rollCount(prefixCandidateRoll, addr)
}

// ActiveRolls returns addr's active roll count: the weight the selector
// uses to draw slot producers.
func (l *Ledger) ActiveRolls(addr models.Address) (uint64, error) {
	return l.rollCount(prefixActiveRoll, addr)
}

// FinalRolls returns addr's roll count as of the last finalized cycle.
func (l *Ledger) FinalRolls(addr models.Address) (uint64, error) {
	return l.rollCount(prefixFinalRoll, addr)
}

// BuyRolls debits addr rollPrice*count and credits count candidate rolls.
// The next ApplyCycleEnd makes candidate rolls active; PosLookbackCycles is
// not consulted, so there is no multi-cycle delay.
func (l *Ledger) BuyRolls(addr models.Address, count uint64) error {
	if count == 0 {
		return consensuserr.New(consensuserr.CategoryInvalidStructure, errors.New("rollledger: roll_count must be > 0"))
	}
	cost := models.Amount{RawUnits: l.rollPrice * count}
	bal, err := l.Balance(addr)
	if err != nil {
		return err
	}
	newBal, ok := bal.Sub(cost)
	if !ok {
		return consensuserr.New(consensuserr.CategoryPolicyViolation,
			fmt.Errorf("rollledger: %s cannot afford %d rolls at price %d", addr, count, l.rollPrice))
	}
	cand, err := l.CandidateRolls(addr)
	if err != nil {
		return err
	}
	if err := l.SetBalance(addr, newBal); err != nil {
		return err
	}
	l.setRollCount(prefixCandidateRoll, addr, cand+count)
	return nil
}

// SellRolls removes count active rolls from addr and credits rollPrice*count
// to its balance immediately; PosLockCycles is not consulted. count must not
// exceed ActiveRolls, so candidate rolls not yet promoted by ApplyCycleEnd
// cannot be sold.
func (l *Ledger) SellRolls(addr models.Address, count uint64) error {
	if count == 0 {
		return consensuserr.New(consensuserr.CategoryInvalidStructure, errors.New("rollledger: roll_count must be > 0"))
	}
	active, err := l.ActiveRolls(addr)
	if err != nil {
		return err
	}
	if count > active {
		return consensuserr.New(consensuserr.CategoryPolicyViolation,
			fmt.Errorf("rollledger: %s has %d active rolls, cannot sell %d", addr, active, count))
	}
	bal, err := l.Balance(addr)
	if err != nil {
		return err
	}
	proceeds := models.Amount{RawUnits: l.rollPrice * count}
	l.setRollCount(prefixActiveRoll, addr, active-count)
	return l.SetBalance(addr, bal.Add(proceeds))
}

// ---- Production stats / miss-rate deactivation ----

// ProdStats returns addr's slots-drawn/blocks-produced counters for the
// current cycle (spec.md §4.4/§6 getAddressesInfo miss-rate reporting).
func (l *Ledger) ProdStats(addr models.Address) (ProductionStats, error) {
	return l.prodStats(addr)
}

func (l *Ledger) prodStats(addr models.Address) (ProductionStats, error) {
	data, err := l.get(addrKey(prefixProdStats, addr))
	if errors.Is(err, consensuserr.ErrNotFound) {
		return ProductionStats{}, nil
	}
	if err != nil {
		return ProductionStats{}, err
	}
	var p ProductionStats
	if err := json.Unmarshal(data, &p); err != nil {
		return ProductionStats{}, err
	}
	return p, nil
}

func (l *Ledger) setProdStats(addr models.Address, p ProductionStats) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	l.set(addrKey(prefixProdStats, addr), data)
	return nil
}

// RecordDraw increments addr's slots-drawn counter for the current cycle.
func (l *Ledger) RecordDraw(addr models.Address) error {
	p, err := l.prodStats(addr)
	if err != nil {
		return err
	}
	p.SlotsDrawn++
	return l.setProdStats(addr, p)
}

// RecordProduced increments addr's blocks-produced counter for the current cycle.
func (l *Ledger) RecordProduced(addr models.Address) error {
	p, err := l.prodStats(addr)
	if err != nil {
		return err
	}
	p.BlocksProduced++
	return l.setProdStats(addr, p)
}

// ApplyCycleEnd moves all candidate rolls into active rolls at every call,
// deactivates addresses whose miss rate exceeded the configured threshold
// by zeroing their active and candidate rolls, and resets production stats
// for the next cycle. Only the addresses in addrs are processed;
// consensusworker passes its configured node addresses.
func (l *Ledger) ApplyCycleEnd(addrs []models.Address) error {
	for _, addr := range addrs {
		stats, err := l.prodStats(addr)
		if err != nil {
			return err
		}
		if stats.SlotsDrawn > 0 && stats.MissRate() > l.missRateDeactivationThresh {
			l.setRollCount(prefixActiveRoll, addr, 0)
			l.setRollCount(prefixCandidateRoll, addr, 0)
		} else {
			cand, err := l.CandidateRolls(addr)
			if err != nil {
				return err
			}
			active, err := l.ActiveRolls(addr)
			if err != nil {
				return err
			}
			if cand > 0 {
				l.setRollCount(prefixActiveRoll, addr, active+cand)
				l.setRollCount(prefixCandidateRoll, addr, 0)
			}
		}
		if err := l.setProdStats(addr, ProductionStats{}); err != nil {
			return err
		}
	}
	return nil
}

// FinalizeRolls copies every address's current active roll count into its
// final roll count; consensusworker calls it at each cycle boundary, right
// after ApplyCycleEnd.
func (l *Ledger) FinalizeRolls(addrs []models.Address) error {
	for _, addr := range addrs {
		active, err := l.ActiveRolls(addr)
		if err != nil {
			return err
		}
		l.setRollCount(prefixFinalRoll, addr, active)
	}
	return nil
}

// SelectionWeights returns the weight for each address in addrs, built from
// each address's active roll count, in the same order as addrs. The order
// and length are preserved (zero-weight entries included, not filtered) so
// callers can use addrs as the fixed index-to-participant mapping selector
// draws resolve against; selector.New tolerates zero weights as
// never-selected entries in the cumulative distribution.
func (l *Ledger) SelectionWeights(addrs []models.Address) ([]uint64, error) {
	weights := make([]uint64, len(addrs))
	for i, addr := range addrs {
		w, err := l.ActiveRolls(addr)
		if err != nil {
			return nil, err
		}
		weights[i] = w
	}
	return weights, nil
}

// ---- Snapshot / Rollback / Commit ----

// Snapshot saves the current write buffer and returns a snapshot ID.
func (l *Ledger) Snapshot() int {
	snap := ledgerSnapshot{
		dirty:   make(map[string][]byte, len(l.dirty)),
		deleted: make(map[string]bool, len(l.deleted)),
	}
	for k, v := range l.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap.dirty[k] = cp
	}
	for k, v := range l.deleted {
		snap.deleted[k] = v
	}
	l.snapshots = append(l.snapshots, snap)
	return len(l.snapshots) - 1
}

// RevertToSnapshot restores the write buffer to a previously saved snapshot.
func (l *Ledger) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(l.snapshots) {
		return fmt.Errorf("rollledger: invalid snapshot id %d", id)
	}
	snap := l.snapshots[id]

	dirty := make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		dirty[k] = cp
	}
	deleted := make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		deleted[k] = v
	}

	l.dirty = dirty
	l.deleted = deleted
	l.snapshots = l.snapshots[:id]
	return nil
}

// ComputeRoot returns the deterministic hash of the complete ledger state,
// merging persisted entries with the pending write buffer without flushing
// it, so it is safe to call before a block's header is signed.
func (l *Ledger) ComputeRoot() models.Hash {
	merged := make(map[string][]byte)
	for _, prefix := range ledgerPrefixes {
		it := l.db.NewIterator([]byte(prefix))
		for it.Next() {
			k := string(it.Key())
			v := make([]byte, len(it.Value()))
			copy(v, it.Value())
			merged[k] = v
		}
		it.Release()
	}
	for k, v := range l.dirty {
		merged[k] = v
	}
	for k := range l.deleted {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		kb := []byte(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kb)))
		buf.Write(lenBuf[:])
		buf.Write(kb)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return models.HashData(buf.Bytes())
}

// Commit atomically flushes the write buffer to the underlying store.
func (l *Ledger) Commit() error {
	batch := l.db.NewBatch()
	for k, v := range l.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range l.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	l.dirty = make(map[string][]byte)
	l.deleted = make(map[string]bool)
	l.snapshots = nil
	return nil
}
