package consensusworker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tolelom/tolchain/archive"
	"github.com/tolelom/tolchain/blockgraph"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/internal/testutil"
	"github.com/tolelom/tolchain/models"
	"github.com/tolelom/tolchain/pool"
	"github.com/tolelom/tolchain/protocol"
	"github.com/tolelom/tolchain/rollledger"
	"github.com/tolelom/tolchain/selector"
)

// fakeOutbound is a no-op protocol.Outbound, sufficient for tests that
// never need to observe what was sent to peers.
type fakeOutbound struct{}

func (fakeOutbound) IntegratedBlock(hash models.Hash, block *models.Block) error { return nil }
func (fakeOutbound) NotifyBlockAttack(hash models.Hash) error                    { return nil }
func (fakeOutbound) SendWishlistDelta(added, removed []models.Hash) error        { return nil }
func (fakeOutbound) FoundBlock(hash models.Hash, block *models.Block) error      { return nil }
func (fakeOutbound) BlockNotFound(hash models.Hash) error                        { return nil }

// newTestWorker builds a single-thread, single-participant Worker with its
// one participant already holding one active roll, so the initial selector
// always draws index 0.
func newTestWorker(t *testing.T, periodsPerCycle uint64) (*Worker, models.Address) {
	t.Helper()

	genesisPriv, genesisPub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	nodePub := genesisPub.Hex()
	nodeAddr := models.AddressFromPublicKey(genesisPub)

	genesisBlocks := []*models.Block{
		models.NewBlock(models.Slot{Period: 0, Thread: 0}, []models.Hash{models.ZeroHash}, nil, nil),
	}
	genesisBlocks[0].Header.Sign(genesisPriv)

	graph, err := blockgraph.New(blockgraph.Config{
		ThreadCount:      1,
		DeltaF0:          3,
		CurrentNodeIndex: 0,
		GenesisPublicKey: nodePub,
		Nodes:            []string{nodePub},
	}, genesisBlocks)
	require.NoError(t, err)

	db := testutil.NewMemDB()
	ledger := rollledger.New(db, rollledger.Config{
		RollPrice:                        100,
		PosLookbackCycles:                1,
		PosLockCycles:                    1,
		PosMissRateDeactivationThreshold: 0.5,
	})
	require.NoError(t, ledger.SetBalance(nodeAddr, models.Amount{RawUnits: 10000}))
	require.NoError(t, ledger.BuyRolls(nodeAddr, 1))
	require.NoError(t, ledger.ApplyCycleEnd([]models.Address{nodeAddr})) // promote to active

	weights, err := ledger.SelectionWeights([]models.Address{nodeAddr})
	require.NoError(t, err)
	seed := models.HashData([]byte("test-seed"))
	sel, err := selector.New(seed[:], 1, weights)
	require.NoError(t, err)

	w, err := New(
		Config{
			ThreadCount:      1,
			T0:               16 * time.Second,
			GenesisTimestamp: time.Now().Add(-time.Hour),
			Nodes:            []string{nodePub},
			CurrentNodeIndex: 0,
			GenesisPublicKey: nodePub,
			PeriodsPerCycle:  periodsPerCycle,
		},
		zap.NewNop(),
		graph,
		ledger,
		pool.New(),
		archive.NewLevelStore(db),
		fakeOutbound{},
		nil,
		sel,
		nil,
		make(chan Command),
		make(chan protocol.Event),
		make(chan struct{}),
	)
	require.NoError(t, err)
	return w, nodeAddr
}

func TestSlotTickRecordsDrawsForTheDrawnParticipant(t *testing.T) {
	w, addr := newTestWorker(t, 100) // PeriodsPerCycle large: no cycle boundary crossed in this test
	w.nextSlot = models.Slot{Period: 1, Thread: 0}

	require.NoError(t, w.slotTick())

	stats, err := w.ledger.ProdStats(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.SlotsDrawn)
}

func TestMaybeCycleEndNoopOutsideBoundary(t *testing.T) {
	w, addr := newTestWorker(t, 10)

	before, err := w.ledger.ActiveRolls(addr)
	require.NoError(t, err)

	require.NoError(t, w.maybeCycleEnd(models.Slot{Period: 3, Thread: 0}))

	after, err := w.ledger.ActiveRolls(addr)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestMaybeCycleEndReseedsAtBoundary(t *testing.T) {
	w, _ := newTestWorker(t, 10)
	originalSel := w.sel

	require.NoError(t, w.maybeCycleEnd(models.Slot{Period: 10, Thread: 0}))

	require.NotSame(t, originalSel, w.sel, "cycle boundary must construct a new selector, never mutate the old one")
}

func TestMaybeCycleEndSkipsNonThreadZero(t *testing.T) {
	w, _ := newTestWorker(t, 10)
	originalSel := w.sel

	require.NoError(t, w.maybeCycleEnd(models.Slot{Period: 10, Thread: 1}))

	require.Same(t, originalSel, w.sel)
}
