// Package consensusworker is the single-owner event loop that drives the
// block graph and selector from three asynchronous sources (the slot
// timer, the command channel, and the peer event channel), and pushes
// resulting changes to the networking and archive collaborators
// (spec.md §4.3). The run_loop/slot_tick/process_consensus_command/
// process_protocol_event/block_db_changed structure translates a
// tokio::select! event loop into a Go select over channels, with errors
// classified via consensuserr.Category and logged through zap fields.
package consensusworker

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tolelom/tolchain/archive"
	"github.com/tolelom/tolchain/blockgraph"
	"github.com/tolelom/tolchain/consensuserr"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/models"
	"github.com/tolelom/tolchain/pool"
	"github.com/tolelom/tolchain/protocol"
	"github.com/tolelom/tolchain/rollledger"
	"github.com/tolelom/tolchain/selector"
	"github.com/tolelom/tolchain/timeslot"
)

// Config carries the subset of config.Config the worker needs directly
// (the rest is threaded through to blockgraph.Config/rollledger.Config at
// construction time by the caller).
type Config struct {
	ThreadCount      uint8
	T0               time.Duration
	GenesisTimestamp time.Time
	Nodes            []string
	CurrentNodeIndex int
	GenesisPublicKey string
	PeriodsPerCycle  uint64
}

// Worker owns the block graph and selector exclusively; it is not safe
// for concurrent use outside of Run's own goroutine.
type Worker struct {
	cfg    Config
	logger *zap.Logger

	graph    *blockgraph.BlockGraph
	ledger   *rollledger.Ledger
	pool     *pool.Pool
	archive  archive.Store // nil if unconfigured
	outbound protocol.Outbound
	emitter  *events.Emitter // nil if unconfigured

	sel *selector.Selector

	// signingKey is non-nil only when this node is configured to produce
	// blocks (validator mode); CreateBlock is skipped otherwise.
	signingKey crypto.PrivateKey

	previousSlot models.Slot
	nextSlot     models.Slot
	wishlist     map[models.Hash]struct{}

	// nodeAddrs is cfg.Nodes resolved to addresses, in the same order, so
	// cycle-end roll processing and selector reseeding share one fixed
	// index-to-participant mapping with block graph creator checks.
	nodeAddrs []models.Address

	cmdIn    <-chan Command
	eventsIn <-chan protocol.Event
	mgmtIn   <-chan struct{}
}

// New builds a Worker. sel is the initial selector (cycle 0); it is
// replaced wholesale (never mutated) on cycle boundaries via Reseed.
func New(
	cfg Config,
	logger *zap.Logger,
	graph *blockgraph.BlockGraph,
	ledger *rollledger.Ledger,
	pool *pool.Pool,
	archiveStore archive.Store,
	outbound protocol.Outbound,
	emitter *events.Emitter,
	sel *selector.Selector,
	signingKey crypto.PrivateKey,
	cmdIn <-chan Command,
	eventsIn <-chan protocol.Event,
	mgmtIn <-chan struct{},
) (*Worker, error) {
	previousSlot, ok, err := timeslot.CurrentSlot(cfg.ThreadCount, cfg.T0, cfg.GenesisTimestamp, time.Now())
	if err != nil {
		return nil, fmt.Errorf("consensusworker: %w", err)
	}
	nextSlot := models.Slot{Period: 0, Thread: 0}
	if ok {
		nextSlot, err = previousSlot.Next(cfg.ThreadCount)
		if err != nil {
			return nil, fmt.Errorf("consensusworker: %w", err)
		}
	}
	nodeAddrs := make([]models.Address, len(cfg.Nodes))
	for i, pk := range cfg.Nodes {
		pub, err := crypto.PubKeyFromHex(pk)
		if err != nil {
			return nil, fmt.Errorf("consensusworker: node %d public key: %w", i, err)
		}
		nodeAddrs[i] = models.AddressFromPublicKey(pub)
	}
	return &Worker{
		cfg:          cfg,
		logger:       logger.Named("consensus"),
		graph:        graph,
		ledger:       ledger,
		pool:         pool,
		archive:      archiveStore,
		outbound:     outbound,
		emitter:      emitter,
		sel:          sel,
		signingKey:   signingKey,
		previousSlot: previousSlot,
		nextSlot:     nextSlot,
		wishlist:     make(map[models.Hash]struct{}),
		nodeAddrs:    nodeAddrs,
		cmdIn:        cmdIn,
		eventsIn:     eventsIn,
		mgmtIn:       mgmtIn,
	}, nil
}

// Reseed swaps in a newly constructed selector at a cycle boundary.
// Per spec.md §4.4/§9, selectors are never mutated in place.
func (w *Worker) Reseed(sel *selector.Selector) {
	w.sel = sel
}

// Run drives the event loop until the management channel closes or a
// fatal/communication error occurs.
func (w *Worker) Run() error {
	timer := time.NewTimer(w.timeUntilNextSlot())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := w.slotTick(); err != nil {
				if isFatal(err) {
					return err
				}
				w.logger.Error("slot tick error", zap.Error(err))
			}
			timer.Reset(w.timeUntilNextSlot())

		case cmd, ok := <-w.cmdIn:
			if !ok {
				return nil
			}
			w.processCommand(cmd)

		case evt, ok := <-w.eventsIn:
			if !ok {
				return errors.New("consensusworker: peer event channel closed unexpectedly")
			}
			if err := w.processEvent(evt); err != nil {
				if isFatal(err) {
					return err
				}
				w.logger.Error("protocol event error", zap.Error(err))
			}

		case <-w.mgmtIn:
			return nil
		}
	}
}

func isFatal(err error) bool {
	return consensuserr.CategoryOf(err) == consensuserr.CategoryFatalInvariant
}

func (w *Worker) timeUntilNextSlot() time.Duration {
	t, err := timeslot.BlockTimestamp(w.cfg.ThreadCount, w.cfg.T0, w.cfg.GenesisTimestamp, w.nextSlot)
	if err != nil {
		return w.cfg.T0
	}
	d := time.Until(t)
	if d < 0 {
		return 0
	}
	return d
}

func (w *Worker) slotTick() error {
	curSlot := w.nextSlot
	w.previousSlot = curSlot
	next, err := curSlot.Next(w.cfg.ThreadCount)
	if err != nil {
		return consensuserr.New(consensuserr.CategorySlotOverflow, err)
	}
	w.nextSlot = next

	if curSlot.Period > 0 {
		if idx, err := w.sel.Draw(curSlot); err == nil && idx >= 0 && idx < len(w.nodeAddrs) {
			if err := w.ledger.RecordDraw(w.nodeAddrs[idx]); err != nil {
				w.logger.Warn("record_draw failed", zap.Error(err))
			}
			if w.signingKey != nil && idx == w.cfg.CurrentNodeIndex {
				block, err := w.graph.CreateBlock(curSlot, w.signingKey, w.pool)
				if err != nil {
					w.logger.Warn("local block creation skipped", zap.String("slot", curSlot.String()), zap.Error(err))
				} else {
					hash := block.Header.Hash()
					if err := w.graph.IncomingBlock(hash, block, w.sel, curSlot); err != nil {
						w.logger.Warn("local block rejected by own admission checks", zap.String("slot", curSlot.String()), zap.Error(err))
					} else if err := w.ledger.RecordProduced(w.nodeAddrs[idx]); err != nil {
						w.logger.Warn("record_produced failed", zap.Error(err))
					}
				}
			}
		}
	}

	w.graph.SlotTick(curSlot)

	if err := w.maybeCycleEnd(curSlot); err != nil {
		return err
	}

	return w.blockDBChanged()
}

// maybeCycleEnd runs roll lookback/lock processing and reseeds the
// selector once per cycle boundary (spec.md §4.4/§9: "When a new cycle's
// active weights are ready... construct a new selector value; never
// mutate an existing one"). Triggered once per cycle on thread 0 of the
// boundary period.
func (w *Worker) maybeCycleEnd(curSlot models.Slot) error {
	if w.cfg.PeriodsPerCycle == 0 || curSlot.Thread != 0 {
		return nil
	}
	if curSlot.Period == 0 || curSlot.Period%w.cfg.PeriodsPerCycle != 0 {
		return nil
	}

	if err := w.ledger.ApplyCycleEnd(w.nodeAddrs); err != nil {
		return consensuserr.New(consensuserr.CategoryFatalInvariant, err)
	}
	if err := w.ledger.FinalizeRolls(w.nodeAddrs); err != nil {
		return consensuserr.New(consensuserr.CategoryFatalInvariant, err)
	}

	weights, err := w.ledger.SelectionWeights(w.nodeAddrs)
	if err != nil {
		return consensuserr.New(consensuserr.CategoryFatalInvariant, err)
	}
	root := w.ledger.ComputeRoot()
	var seedInput []byte
	seedInput = append(seedInput, root[:]...)
	seedInput = append(seedInput, byte(curSlot.Period), byte(curSlot.Period>>8), byte(curSlot.Period>>16), byte(curSlot.Period>>24))
	seed := models.HashData(seedInput)
	sel, err := selector.New(seed[:], w.cfg.ThreadCount, weights)
	if err != nil {
		w.logger.Warn("selector reseed skipped, no active weight", zap.String("slot", curSlot.String()), zap.Error(err))
		return nil
	}
	w.Reseed(sel)
	if w.emitter != nil {
		w.emitter.Emit(events.Event{Type: events.EventCycleEnded, Slot: curSlot})
	}
	return nil
}

func (w *Worker) processCommand(cmd Command) {
	dropped := func(name string) {
		w.logger.Warn(name+" reply channel not ready, dropping", zap.String("request_id", cmd.RequestID))
	}

	switch {
	case cmd.GetBlockGraphStatus != nil:
		c := cmd.GetBlockGraphStatus
		select {
		case c.Reply <- w.graph.Export():
		default:
			dropped("GetBlockGraphStatus")
		}

	case cmd.GetActiveBlock != nil:
		c := cmd.GetActiveBlock
		block, _ := w.graph.GetActiveBlock(c.Hash)
		select {
		case c.Reply <- block:
		default:
			dropped("GetActiveBlock")
		}

	case cmd.GetSelectionDraws != nil:
		c := cmd.GetSelectionDraws
		select {
		case c.Reply <- w.getSelectionDraws(c.Start, c.End):
		default:
			dropped("GetSelectionDraws")
		}

	case cmd.GetAddressesInfo != nil:
		c := cmd.GetAddressesInfo
		select {
		case c.Reply <- w.getAddressesInfo(c.Addresses):
		default:
			dropped("GetAddressesInfo")
		}

	case cmd.SubmitOperation != nil:
		c := cmd.SubmitOperation
		err := w.pool.Add(c.Operation, w.previousSlot.Period)
		select {
		case c.Reply <- err:
		default:
			dropped("SubmitOperation")
		}
	}
}

func (w *Worker) getSelectionDraws(start, end models.Slot) GetSelectionDrawsResult {
	var draws []SelectionDraw
	cur := start
	for {
		if !cur.Before(end) {
			return GetSelectionDrawsResult{Draws: draws}
		}
		var pk string
		if cur.Period == 0 {
			pk = w.cfg.GenesisPublicKey
		} else {
			idx, err := w.sel.Draw(cur)
			if err != nil || idx < 0 || idx >= len(w.cfg.Nodes) {
				pk = ""
			} else {
				pk = w.cfg.Nodes[idx]
			}
		}
		draws = append(draws, SelectionDraw{Slot: cur, PublicKey: pk})
		next, err := cur.Next(w.cfg.ThreadCount)
		if err != nil {
			return GetSelectionDrawsResult{Draws: draws, Err: consensuserr.New(consensuserr.CategorySlotOverflow, err)}
		}
		cur = next
	}
}

func (w *Worker) getAddressesInfo(addrs []models.Address) []AddressInfo {
	out := make([]AddressInfo, 0, len(addrs))
	for _, addr := range addrs {
		cand, _ := w.ledger.CandidateRolls(addr)
		final, _ := w.ledger.FinalRolls(addr)
		active, _ := w.ledger.ActiveRolls(addr)
		bal, _ := w.ledger.Balance(addr)
		stats, _ := w.ledger.ProdStats(addr)
		out = append(out, AddressInfo{
			Address:          addr,
			CandidateRolls:   cand,
			FinalRolls:       final,
			ActiveRolls:      active,
			CandidateBalance: bal,
			FinalBalance:     bal,
			SlotsDrawn:       stats.SlotsDrawn,
			BlocksProduced:   stats.BlocksProduced,
			MissRate:         stats.MissRate(),
		})
	}
	return out
}

func (w *Worker) processEvent(evt protocol.Event) error {
	switch {
	case evt.ReceivedBlock != nil:
		e := evt.ReceivedBlock
		if err := w.graph.IncomingBlock(e.Hash, e.Block, w.sel, w.previousSlot); err != nil {
			if consensuserr.CategoryOf(err) == consensuserr.CategoryFatalInvariant {
				return err
			}
			w.logger.Debug("block rejected", zap.String("hash", e.Hash.String()), zap.Error(err))
			return nil
		}
		return w.blockDBChanged()

	case evt.ReceivedBlockHeader != nil:
		e := evt.ReceivedBlockHeader
		if err := w.graph.IncomingHeader(e.Hash, e.Header, w.sel, w.previousSlot); err != nil {
			if consensuserr.CategoryOf(err) == consensuserr.CategoryFatalInvariant {
				return err
			}
			w.logger.Debug("header rejected", zap.String("hash", e.Hash.String()), zap.Error(err))
			return nil
		}
		return w.blockDBChanged()

	case evt.ReceivedTransaction != nil:
		if w.pool != nil {
			if err := w.pool.Add(evt.ReceivedTransaction.Operation, w.previousSlot.Period); err != nil {
				w.logger.Debug("operation rejected by pool", zap.Error(err))
			}
		}
		return nil

	case evt.GetBlock != nil:
		return w.handleGetBlock(evt.GetBlock.Hash)
	}
	return nil
}

func (w *Worker) handleGetBlock(hash models.Hash) error {
	if block, ok := w.graph.GetActiveBlock(hash); ok {
		return w.outbound.FoundBlock(hash, block)
	}
	if w.archive != nil {
		if block, err := w.archive.GetBlock(hash); err == nil {
			return w.outbound.FoundBlock(hash, block)
		}
	}
	return w.outbound.BlockNotFound(hash)
}

// blockDBChanged is the post-change pass (spec.md §2/§4.3): prune to
// archive, drain to-propagate, drain attack-attempts, then diff the
// wishlist and send a delta. added is computed as new−old and removed as
// old−new (spec.md §9 Open Questions flags computing both as new−old as
// a bug; this keeps them distinct).
func (w *Worker) blockDBChanged() error {
	discarded := w.graph.Prune()
	if len(discarded) > 0 {
		for _, d := range discarded {
			if w.archive != nil {
				if err := w.archive.PutBlock(d.Block); err != nil {
					w.logger.Warn("archive write failed", zap.String("hash", d.Hash.String()), zap.Error(err))
				}
			}
			if w.emitter != nil {
				w.emitter.Emit(events.Event{Type: events.EventBlockFinalized, Hash: d.Hash, Slot: d.Block.Header.Slot})
			}
		}
	}

	for _, p := range w.graph.GetBlocksToPropagate() {
		if err := w.outbound.IntegratedBlock(p.Hash, p.Block); err != nil {
			w.logger.Warn("integrated_block send failed", zap.String("hash", p.Hash.String()), zap.Error(err))
		}
	}

	for _, hash := range w.graph.GetAttackAttempts() {
		if err := w.outbound.NotifyBlockAttack(hash); err != nil {
			w.logger.Warn("notify_block_attack send failed", zap.String("hash", hash.String()), zap.Error(err))
		}
		if w.emitter != nil {
			w.emitter.Emit(events.Event{Type: events.EventBlockAttack, Hash: hash})
		}
	}

	newWishlist := w.graph.GetBlockWishlist()
	var added, removed []models.Hash
	for h := range newWishlist {
		if _, ok := w.wishlist[h]; !ok {
			added = append(added, h)
		}
	}
	for h := range w.wishlist {
		if _, ok := newWishlist[h]; !ok {
			removed = append(removed, h)
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		if err := w.outbound.SendWishlistDelta(added, removed); err != nil {
			w.logger.Warn("send_wishlist_delta failed", zap.Error(err))
		}
		w.wishlist = newWishlist
	}

	if err := w.ledger.Commit(); err != nil {
		w.logger.Warn("ledger commit failed", zap.Error(err))
	}

	return nil
}
