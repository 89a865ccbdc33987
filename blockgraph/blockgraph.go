package blockgraph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tolelom/tolchain/consensuserr"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/models"
	"github.com/tolelom/tolchain/selector"
)

// BlockGraph is the single owner of all block state. It is not safe for
// concurrent use: the consensus worker holds it behind an exclusive
// mutator reference for the duration of one event (spec.md §2 Ownership).
type BlockGraph struct {
	cfg Config

	entries map[models.Hash]*entry

	// cliques holds every currently-maintained maximal clique of Active
	// block hashes.
	cliques []map[models.Hash]struct{}

	// finalChain[t] is the ordered, contiguous-from-genesis list of Final
	// block hashes in thread t.
	finalChain [][]models.Hash

	bestParents []models.Hash

	toPropagate    []PropagateEntry
	attackAttempts []models.Hash

	// createdSlots[creator][slot] detects duplicate-valid-header attacks
	// (spec.md §4.2 step 4): the first-seen header hash per (creator, slot).
	createdSlots map[string]map[models.Slot]models.Hash

	// discardMemory remembers a discarded hash for cfg.DiscardTTL so a
	// late re-announcement of it is silently ignored rather than re-admitted;
	// entries fall out of entries once they've also expired from here.
	discardMemory *expirable.LRU[models.Hash, struct{}]
}

// New builds an empty BlockGraph seeded with the per-thread genesis blocks.
func New(cfg Config, genesisBlocks []*models.Block) (*BlockGraph, error) {
	if int(cfg.ThreadCount) != len(genesisBlocks) {
		return nil, fmt.Errorf("blockgraph: expected %d genesis blocks, got %d", cfg.ThreadCount, len(genesisBlocks))
	}
	g := &BlockGraph{
		cfg:           cfg,
		entries:       make(map[models.Hash]*entry),
		finalChain:    make([][]models.Hash, cfg.ThreadCount),
		bestParents:   make([]models.Hash, cfg.ThreadCount),
		createdSlots:  make(map[string]map[models.Slot]models.Hash),
		discardMemory: expirable.NewLRU[models.Hash, struct{}](0, nil, cfg.DiscardTTL),
	}
	for t, b := range genesisBlocks {
		h := b.Header.Hash()
		e := &entry{
			hash:    h,
			status:  StatusFinal,
			header:  &b.Header,
			block:   b,
			waiters: make(map[models.Hash]struct{}),
		}
		g.entries[h] = e
		g.finalChain[t] = []models.Hash{h}
		g.bestParents[t] = h
	}
	g.cliques = []map[models.Hash]struct{}{{}}
	for _, h := range g.bestParents {
		g.cliques[0][h] = struct{}{}
	}
	return g, nil
}

func (g *BlockGraph) get(h models.Hash) (*entry, bool) {
	e, ok := g.entries[h]
	return e, ok
}

func (g *BlockGraph) ensure(h models.Hash) *entry {
	e, ok := g.entries[h]
	if !ok {
		e = &entry{hash: h, status: StatusIncoming, waiters: make(map[models.Hash]struct{})}
		g.entries[h] = e
	}
	return e
}

// finalHorizon returns, per thread, the period of the latest Final block.
func (g *BlockGraph) finalHorizon(t int) uint64 {
	chain := g.finalChain[t]
	if len(chain) == 0 {
		return 0
	}
	last := chain[len(chain)-1]
	if e, ok := g.entries[last]; ok && e.header != nil {
		return e.header.Slot.Period
	}
	return 0
}

// IncomingHeader admits a header-only announcement (spec.md §4.2).
func (g *BlockGraph) IncomingHeader(hash models.Hash, header *models.BlockHeader, sel *selector.Selector, previousSlot models.Slot) error {
	return g.admit(hash, header, nil, sel, previousSlot)
}

// IncomingBlock admits a full block, possibly the local node's own
// (spec.md §4.2); local blocks are resubmitted here with no privileged path.
func (g *BlockGraph) IncomingBlock(hash models.Hash, block *models.Block, sel *selector.Selector, previousSlot models.Slot) error {
	return g.admit(hash, &block.Header, block, sel, previousSlot)
}

func (g *BlockGraph) admit(hash models.Hash, header *models.BlockHeader, block *models.Block, sel *selector.Selector, previousSlot models.Slot) error {
	if e, ok := g.entries[hash]; ok {
		switch e.status {
		case StatusActive, StatusFinal, StatusDiscarded:
			// Already resolved; a full block for an Active or Final entry
			// that was admitted header-only attaches its payload.
			if block != nil && e.block == nil && (e.status == StatusActive || e.status == StatusFinal) {
				e.block = block
			}
			return nil
		}
	}

	// 1. Syntactic checks.
	computed := header.Hash()
	if computed != hash {
		return consensuserr.New(consensuserr.CategoryInvalidStructure,
			fmt.Errorf("blockgraph: header hash mismatch: claimed %s computed %s", hash, computed))
	}
	if err := header.Verify(); err != nil {
		return consensuserr.New(consensuserr.CategoryInvalidStructure, fmt.Errorf("blockgraph: %w", err))
	}
	if int(header.Slot.Thread) >= int(g.cfg.ThreadCount) {
		return consensuserr.New(consensuserr.CategoryInvalidStructure,
			fmt.Errorf("blockgraph: slot thread %d out of range", header.Slot.Thread))
	}
	if len(header.Parents) != int(g.cfg.ThreadCount) {
		return consensuserr.New(consensuserr.CategoryInvalidStructure,
			fmt.Errorf("blockgraph: expected %d parents, got %d", g.cfg.ThreadCount, len(header.Parents)))
	}
	if uint32(len(header.Endorsements)) > g.cfg.EndorsementCount {
		return consensuserr.New(consensuserr.CategoryInvalidStructure,
			fmt.Errorf("blockgraph: too many endorsements: %d > %d", len(header.Endorsements), g.cfg.EndorsementCount))
	}
	seenIdx := make(map[uint32]struct{}, len(header.Endorsements))
	for _, end := range header.Endorsements {
		if _, dup := seenIdx[end.Index]; dup {
			return consensuserr.New(consensuserr.CategoryInvalidStructure,
				fmt.Errorf("blockgraph: duplicate endorsement index %d", end.Index))
		}
		seenIdx[end.Index] = struct{}{}
		if end.EndorsedBlock != header.Parents[header.Slot.Thread] {
			return consensuserr.New(consensuserr.CategoryInvalidStructure,
				fmt.Errorf("blockgraph: endorsement %d does not endorse in-thread parent", end.Index))
		}
		if err := end.Verify(); err != nil {
			return consensuserr.New(consensuserr.CategoryInvalidStructure, fmt.Errorf("blockgraph: endorsement %d: %w", end.Index, err))
		}
	}
	if block != nil {
		if err := block.VerifyIntegrity(); err != nil {
			return consensuserr.New(consensuserr.CategoryInvalidStructure, fmt.Errorf("blockgraph: %w", err))
		}
		if g.cfg.MaxBlockSize > 0 {
			if n := len(models.EncodeBlock(nil, *block)); n > g.cfg.MaxBlockSize {
				return consensuserr.New(consensuserr.CategoryInvalidStructure,
					fmt.Errorf("blockgraph: block size %d exceeds max_block_size %d", n, g.cfg.MaxBlockSize))
			}
		}
		if g.cfg.MaxOperationsPerBlock > 0 && len(block.Operations) > g.cfg.MaxOperationsPerBlock {
			return consensuserr.New(consensuserr.CategoryInvalidStructure,
				fmt.Errorf("blockgraph: %d operations exceeds max_operations_per_block %d", len(block.Operations), g.cfg.MaxOperationsPerBlock))
		}
	}

	// 2. Slot and creator check.
	if header.Slot.After(previousSlot) {
		return consensuserr.New(consensuserr.CategoryPolicyViolation,
			fmt.Errorf("blockgraph: slot %s is after previous_slot %s", header.Slot, previousSlot))
	}
	if header.Slot.Period < g.finalHorizon(int(header.Slot.Thread)) {
		return consensuserr.New(consensuserr.CategoryPolicyViolation,
			fmt.Errorf("blockgraph: slot %s is stale: below final horizon", header.Slot))
	}
	if header.Slot.Period == 0 {
		if header.Creator != g.cfg.GenesisPublicKey {
			return consensuserr.New(consensuserr.CategoryPolicyViolation,
				errors.New("blockgraph: period-0 slot must be produced by the genesis key"))
		}
	} else if sel != nil {
		idx, err := sel.Draw(header.Slot)
		if err != nil {
			return consensuserr.New(consensuserr.CategoryInvalidStructure, fmt.Errorf("blockgraph: selector draw: %w", err))
		}
		if idx < 0 || idx >= len(g.cfg.Nodes) {
			return consensuserr.New(consensuserr.CategoryFatalInvariant, fmt.Errorf("blockgraph: selector draw index %d out of range", idx))
		}
		if header.Creator != g.cfg.Nodes[idx] {
			return consensuserr.NewEvidence(
				fmt.Errorf("blockgraph: slot %s drawn for %s, header claims creator %s", header.Slot, g.cfg.Nodes[idx], header.Creator))
		}
	}

	// 4. Duplicate detection (equivocation).
	if header.Slot.Period > 0 {
		bySlot, ok := g.createdSlots[header.Creator]
		if !ok {
			bySlot = make(map[models.Slot]models.Hash)
			g.createdSlots[header.Creator] = bySlot
		}
		if first, seen := bySlot[header.Slot]; seen && first != hash {
			g.discard(hash, header, block)
			g.attackAttempts = append(g.attackAttempts, hash)
			return consensuserr.NewEvidence(fmt.Errorf("blockgraph: creator %s double-signed slot %s", header.Creator, header.Slot))
		}
		bySlot[header.Slot] = hash
	}

	// 3. Dependency resolution.
	e := g.ensure(hash)
	e.header = header
	if block != nil {
		e.block = block
	}

	missing := make(map[models.Hash]struct{})
	deps := append([]models.Hash{}, header.Parents...)
	for _, end := range header.Endorsements {
		deps = append(deps, end.EndorsedBlock)
	}
	for _, dep := range deps {
		if dep.IsZero() {
			continue // genesis parent reference
		}
		de, ok := g.entries[dep]
		if !ok || (de.status != StatusActive && de.status != StatusFinal) {
			if !ok {
				de = g.ensure(dep)
			}
			de.waiters[hash] = struct{}{}
			missing[dep] = struct{}{}
		}
	}

	if len(missing) > 0 {
		e.status = StatusWaitingForDeps
		e.missingDeps = missing
		return nil
	}

	g.activate(e)
	return nil
}

func (g *BlockGraph) discard(hash models.Hash, header *models.BlockHeader, block *models.Block) {
	e := g.ensure(hash)
	e.header = header
	e.block = block
	e.status = StatusDiscarded
	g.discardMemory.Add(hash, struct{}{})
}

// activate promotes e to Active, runs clique maintenance, and resolves any
// waiters whose dependencies are now all satisfied.
func (g *BlockGraph) activate(e *entry) {
	e.status = StatusActive
	e.missingDeps = nil

	g.joinCliques(e.hash)
	g.updateBestParents()
	if e.block != nil {
		g.toPropagate = append(g.toPropagate, PropagateEntry{Hash: e.hash, Block: e.block})
	}

	waiters := e.waiters
	e.waiters = make(map[models.Hash]struct{})
	for waiterHash := range waiters {
		we, ok := g.entries[waiterHash]
		if !ok || we.status != StatusWaitingForDeps {
			continue
		}
		delete(we.missingDeps, e.hash)
		if len(we.missingDeps) == 0 {
			g.activate(we)
		}
	}

	g.finalizePass()
}

// SlotTick advances the graph's notion of time; it may finalize, discard,
// or reshuffle cliques, and discards expired Discarded entries.
func (g *BlockGraph) SlotTick(previousSlot models.Slot) {
	if g.cfg.DiscardTTL > 0 {
		for h, e := range g.entries {
			if e.status != StatusDiscarded {
				continue
			}
			if _, stillRemembered := g.discardMemory.Get(h); !stillRemembered {
				delete(g.entries, h)
			}
		}
	}
	g.finalizePass()
}

// GetActiveBlock returns the block if Active (not yet pruned out of memory).
func (g *BlockGraph) GetActiveBlock(hash models.Hash) (*models.Block, bool) {
	e, ok := g.entries[hash]
	if !ok || (e.status != StatusActive && e.status != StatusFinal) || e.block == nil {
		return nil, false
	}
	return e.block, true
}

// GetBlocksToPropagate drains the to-propagate queue.
func (g *BlockGraph) GetBlocksToPropagate() []PropagateEntry {
	out := g.toPropagate
	g.toPropagate = nil
	return out
}

// GetAttackAttempts drains the attack-attempts queue.
func (g *BlockGraph) GetAttackAttempts() []models.Hash {
	out := g.attackAttempts
	g.attackAttempts = nil
	return out
}

// GetBlockWishlist returns the current snapshot of hashes referenced by a
// known header whose entry is still an Incoming placeholder (no header yet).
func (g *BlockGraph) GetBlockWishlist() map[models.Hash]struct{} {
	out := make(map[models.Hash]struct{})
	for h, e := range g.entries {
		if e.status == StatusIncoming {
			out[h] = struct{}{}
		}
	}
	return out
}

// Export returns a read-only summary of the graph, without operations.
func (g *BlockGraph) Export() BlockGraphExport {
	var blocks []BlockInfo
	for h, e := range g.entries {
		if e.header == nil {
			continue
		}
		blocks = append(blocks, BlockInfo{
			Hash:    h,
			Status:  e.status,
			Slot:    e.header.Slot,
			Creator: e.header.Creator,
			Parents: e.header.Parents,
		})
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Hash.String() < blocks[j].Hash.String() })

	cliques := make([]CliqueExport, 0, len(g.cliques))
	for _, c := range g.cliques {
		cliques = append(cliques, CliqueExport{Members: sortedHashes(c), Fitness: g.fitness(c)})
	}

	return BlockGraphExport{
		Blocks:      blocks,
		Cliques:     cliques,
		BestParents: append([]models.Hash(nil), g.bestParents...),
	}
}

// CreateBlock assembles a candidate for slot using current best_parents,
// self-signed by priv, with operations drawn from pool (if non-nil)
// respecting max_operations_per_block and max_block_size.
func (g *BlockGraph) CreateBlock(slot models.Slot, priv crypto.PrivateKey, pool OperationSource) (*models.Block, error) {
	if g.cfg.DisableBlockCreation {
		return nil, fmt.Errorf("blockgraph: block creation disabled by configuration")
	}
	parents := append([]models.Hash(nil), g.bestParents...)

	var ops []*models.Operation
	if pool != nil {
		n := g.cfg.MaxOperationsPerBlock
		if n <= 0 {
			n = 5000
		}
		ops = pool.Pending(slot.Period, n)
	}
	flatOps := make([]models.Operation, 0, len(ops))
	for _, op := range ops {
		flatOps = append(flatOps, *op)
	}

	block := models.NewBlock(slot, parents, nil, flatOps)
	if g.cfg.MaxBlockSize > 0 {
		for len(models.EncodeBlock(nil, *block)) > g.cfg.MaxBlockSize && len(block.Operations) > 0 {
			block.Operations = block.Operations[:len(block.Operations)-1]
			block.Header.OperationsRoot = models.ComputeOperationsRoot(block.Operations)
		}
	}
	block.Header.Sign(priv)
	return block, nil
}
