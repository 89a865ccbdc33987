package blockgraph_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/blockgraph"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/models"
)

func newGenesisGraph(t *testing.T, cfg blockgraph.Config, priv crypto.PrivateKey) (*blockgraph.BlockGraph, models.Hash) {
	t.Helper()
	genesis := models.NewBlock(models.Slot{Period: 0, Thread: 0}, []models.Hash{models.ZeroHash}, nil, nil)
	genesis.Header.Sign(priv)
	cfg.ThreadCount = 1
	cfg.GenesisPublicKey = priv.Public().Hex()
	g, err := blockgraph.New(cfg, []*models.Block{genesis})
	require.NoError(t, err)
	return g, genesis.Header.Hash()
}

func signedBlock(t *testing.T, priv crypto.PrivateKey, slot models.Slot, parents []models.Hash, ops []models.Operation) *models.Block {
	t.Helper()
	b := models.NewBlock(slot, parents, nil, ops)
	b.Header.Sign(priv)
	return b
}

func TestNewBuildsGenesisCliqueAndBestParents(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	g, genesisHash := newGenesisGraph(t, blockgraph.Config{DeltaF0: 2}, priv)

	export := g.Export()
	require.Equal(t, []models.Hash{genesisHash}, export.BestParents)
	require.Len(t, export.Cliques, 1)
	require.Contains(t, export.Cliques[0].Members, genesisHash)
}

func TestIncomingBlockRejectsHashMismatch(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	g, genesisHash := newGenesisGraph(t, blockgraph.Config{DeltaF0: 2}, priv)

	block := signedBlock(t, priv, models.Slot{Period: 1, Thread: 0}, []models.Hash{genesisHash}, nil)
	err = g.IncomingBlock(models.HashData([]byte("wrong")), block, nil, models.Slot{Period: 1, Thread: 0})
	require.Error(t, err)
}

func TestIncomingBlockRejectsWrongParentCount(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	g, _ := newGenesisGraph(t, blockgraph.Config{DeltaF0: 2}, priv)

	block := signedBlock(t, priv, models.Slot{Period: 1, Thread: 0}, []models.Hash{}, nil)
	hash := block.Header.Hash()
	err = g.IncomingBlock(hash, block, nil, models.Slot{Period: 1, Thread: 0})
	require.Error(t, err)
}

func TestIncomingBlockRejectsPeriodZeroWrongCreator(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	other, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	g, _ := newGenesisGraph(t, blockgraph.Config{DeltaF0: 2}, priv)

	block := signedBlock(t, other, models.Slot{Period: 0, Thread: 0}, []models.Hash{models.ZeroHash}, nil)
	hash := block.Header.Hash()
	err = g.IncomingBlock(hash, block, nil, models.Slot{Period: 0, Thread: 0})
	require.Error(t, err)
}

func TestIncomingBlockRejectsStaleSlotBelowFinalHorizon(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	g, genesisHash := newGenesisGraph(t, blockgraph.Config{DeltaF0: 1}, priv)

	// Drive the chain far enough that periods 1 and 2 finalize.
	parent := genesisHash
	for period := uint64(1); period <= 4; period++ {
		slot := models.Slot{Period: period, Thread: 0}
		block := signedBlock(t, priv, slot, []models.Hash{parent}, nil)
		hash := block.Header.Hash()
		require.NoError(t, g.IncomingBlock(hash, block, nil, slot))
		parent = hash
	}

	// A competing block at period 1, below the now-advanced final horizon,
	// must be rejected as stale.
	op, err := models.NewOperation(models.OpTransfer, 1, 1, 0, 10, models.TransferPayload{To: "y", Amount: 1})
	require.NoError(t, err)
	op.Sign(priv)
	stale := signedBlock(t, priv, models.Slot{Period: 1, Thread: 0}, []models.Hash{genesisHash}, []models.Operation{*op})
	hash := stale.Header.Hash()
	err = g.IncomingBlock(hash, stale, nil, models.Slot{Period: 5, Thread: 0})
	require.Error(t, err)
}

func TestIncomingBlockActivatesWhenParentsKnown(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	g, genesisHash := newGenesisGraph(t, blockgraph.Config{DeltaF0: 2}, priv)

	block := signedBlock(t, priv, models.Slot{Period: 1, Thread: 0}, []models.Hash{genesisHash}, nil)
	hash := block.Header.Hash()
	require.NoError(t, g.IncomingBlock(hash, block, nil, models.Slot{Period: 1, Thread: 0}))

	export := g.Export()
	require.Equal(t, []models.Hash{hash}, export.BestParents)

	var found bool
	for _, b := range export.Blocks {
		if b.Hash == hash {
			found = true
			require.Equal(t, blockgraph.StatusActive, b.Status)
		}
	}
	require.True(t, found)
}

func TestIncomingBlockWaitsForMissingParent(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	g, _ := newGenesisGraph(t, blockgraph.Config{DeltaF0: 2}, priv)

	missingParent := models.HashData([]byte("not-yet-known"))
	block := signedBlock(t, priv, models.Slot{Period: 1, Thread: 0}, []models.Hash{missingParent}, nil)
	hash := block.Header.Hash()
	require.NoError(t, g.IncomingBlock(hash, block, nil, models.Slot{Period: 1, Thread: 0}))

	export := g.Export()
	var found bool
	for _, b := range export.Blocks {
		if b.Hash == hash {
			found = true
			require.Equal(t, blockgraph.StatusWaitingForDeps, b.Status)
		}
	}
	require.True(t, found)
	require.Contains(t, g.GetBlockWishlist(), missingParent)
}

func TestIncomingBlockActivatesWaiterOnceParentArrives(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	g, genesisHash := newGenesisGraph(t, blockgraph.Config{DeltaF0: 2}, priv)

	parentBlock := signedBlock(t, priv, models.Slot{Period: 1, Thread: 0}, []models.Hash{genesisHash}, nil)
	parentHash := parentBlock.Header.Hash()

	childBlock := signedBlock(t, priv, models.Slot{Period: 2, Thread: 0}, []models.Hash{parentHash}, nil)
	childHash := childBlock.Header.Hash()

	// Child arrives first: it should wait on the yet-unknown parent.
	require.NoError(t, g.IncomingBlock(childHash, childBlock, nil, models.Slot{Period: 2, Thread: 0}))
	require.Contains(t, g.GetBlockWishlist(), parentHash)

	// Parent arrives: both should now be Active, in that order.
	require.NoError(t, g.IncomingBlock(parentHash, parentBlock, nil, models.Slot{Period: 2, Thread: 0}))

	export := g.Export()
	statuses := map[models.Hash]blockgraph.Status{}
	for _, b := range export.Blocks {
		statuses[b.Hash] = b.Status
	}
	require.Equal(t, blockgraph.StatusActive, statuses[parentHash])
	require.Equal(t, blockgraph.StatusActive, statuses[childHash])
}

func TestEquivocationDiscardsSecondHeaderAndRecordsAttack(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	g, genesisHash := newGenesisGraph(t, blockgraph.Config{DeltaF0: 2}, priv)

	slot := models.Slot{Period: 1, Thread: 0}
	op, err := models.NewOperation(models.OpTransfer, 1, 1, 0, 10, models.TransferPayload{To: "x", Amount: 1})
	require.NoError(t, err)
	op.Sign(priv)

	first := signedBlock(t, priv, slot, []models.Hash{genesisHash}, nil)
	second := signedBlock(t, priv, slot, []models.Hash{genesisHash}, []models.Operation{*op})

	firstHash := first.Header.Hash()
	secondHash := second.Header.Hash()
	require.NotEqual(t, firstHash, secondHash)

	require.NoError(t, g.IncomingBlock(firstHash, first, nil, slot))
	err = g.IncomingBlock(secondHash, second, nil, slot)
	require.Error(t, err)

	attacks := g.GetAttackAttempts()
	require.Contains(t, attacks, secondHash)

	export := g.Export()
	for _, b := range export.Blocks {
		if b.Hash == secondHash {
			require.Equal(t, blockgraph.StatusDiscarded, b.Status)
		}
	}
}

type fakePool struct{ ops []*models.Operation }

func (p *fakePool) Pending(period uint64, n int) []*models.Operation {
	if n < len(p.ops) {
		return p.ops[:n]
	}
	return p.ops
}

func TestCreateBlockRespectsMaxBlockSizeByTrimmingOperations(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	g, _ := newGenesisGraph(t, blockgraph.Config{DeltaF0: 2, MaxBlockSize: 1}, priv)

	var ops []*models.Operation
	for i := uint64(0); i < 5; i++ {
		op, err := models.NewOperation(models.OpTransfer, i, 1, 0, 10, models.TransferPayload{To: "x", Amount: 1})
		require.NoError(t, err)
		op.Sign(priv)
		ops = append(ops, op)
	}

	block, err := g.CreateBlock(models.Slot{Period: 1, Thread: 0}, priv, &fakePool{ops: ops})
	require.NoError(t, err)
	require.Empty(t, block.Operations, "a max_block_size too small for any operation must trim the block down to zero")
	require.NoError(t, block.VerifyIntegrity())
}

func TestCreateBlockDisabledByConfig(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	g, _ := newGenesisGraph(t, blockgraph.Config{DeltaF0: 2, DisableBlockCreation: true}, priv)

	_, err = g.CreateBlock(models.Slot{Period: 1, Thread: 0}, priv, nil)
	require.Error(t, err)
}

func TestFinalizationAdvancesFinalChainUnderDescendantFitness(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	g, genesisHash := newGenesisGraph(t, blockgraph.Config{DeltaF0: 1}, priv)

	parent := genesisHash
	for period := uint64(1); period <= 4; period++ {
		slot := models.Slot{Period: period, Thread: 0}
		block := signedBlock(t, priv, slot, []models.Hash{parent}, nil)
		hash := block.Header.Hash()
		require.NoError(t, g.IncomingBlock(hash, block, nil, slot))
		parent = hash
	}

	export := g.Export()
	var sawFinal bool
	for _, b := range export.Blocks {
		if b.Status == blockgraph.StatusFinal && b.Hash != genesisHash {
			sawFinal = true
		}
	}
	require.True(t, sawFinal, "a sufficiently long single-fork chain must finalize some non-genesis blocks")
}

func TestPruneEvictsOldFinalBlocksRespectingForceKeep(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	g, genesisHash := newGenesisGraph(t, blockgraph.Config{DeltaF0: 1, ForceKeepFinalPeriods: 1}, priv)

	parent := genesisHash
	for period := uint64(1); period <= 6; period++ {
		slot := models.Slot{Period: period, Thread: 0}
		block := signedBlock(t, priv, slot, []models.Hash{parent}, nil)
		hash := block.Header.Hash()
		require.NoError(t, g.IncomingBlock(hash, block, nil, slot))
		parent = hash
	}

	pruned := g.Prune()
	require.NotEmpty(t, pruned, "old final blocks beyond force_keep_final_periods should be archived")
}
