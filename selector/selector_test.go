package selector_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/models"
	"github.com/tolelom/tolchain/selector"
)

func seed32(b byte) []byte {
	s := make([]byte, selector.SeedSize)
	for i := range s {
		s[i] = b
	}
	return s
}

func TestNewRejectsBadSeedLength(t *testing.T) {
	_, err := selector.New([]byte{1, 2, 3}, 2, []uint64{1, 1})
	require.Error(t, err)
}

func TestNewRejectsEmptyWeights(t *testing.T) {
	_, err := selector.New(seed32(1), 2, nil)
	require.Error(t, err)
}

func TestNewRejectsAllZeroWeights(t *testing.T) {
	_, err := selector.New(seed32(1), 2, []uint64{0, 0, 0})
	require.Error(t, err)
}

func TestNewToleratesSomeZeroWeights(t *testing.T) {
	sel, err := selector.New(seed32(1), 2, []uint64{0, 5, 0})
	require.NoError(t, err)
	require.Equal(t, 3, sel.Len())

	for period := uint64(0); period < 200; period++ {
		idx, err := sel.Draw(models.Slot{Period: period, Thread: 0})
		require.NoError(t, err)
		require.Equal(t, 1, idx, "only the nonzero-weight participant should ever be drawn")
	}
}

func TestDrawIsDeterministic(t *testing.T) {
	sel, err := selector.New(seed32(7), 2, []uint64{3, 5, 2})
	require.NoError(t, err)

	slot := models.Slot{Period: 42, Thread: 1}
	first, err := sel.Draw(slot)
	require.NoError(t, err)
	second, err := sel.Draw(slot)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDrawRejectsOutOfRangeThread(t *testing.T) {
	sel, err := selector.New(seed32(1), 2, []uint64{1, 1})
	require.NoError(t, err)

	_, err = sel.Draw(models.Slot{Period: 0, Thread: 5})
	require.Error(t, err)
}

func TestDrawDistributesAcrossWeightedParticipants(t *testing.T) {
	sel, err := selector.New(seed32(3), 1, []uint64{1, 1, 1})
	require.NoError(t, err)

	seen := map[int]bool{}
	for period := uint64(0); period < 500; period++ {
		idx, err := sel.Draw(models.Slot{Period: period, Thread: 0})
		require.NoError(t, err)
		seen[idx] = true
	}
	require.Len(t, seen, 3, "all three equally-weighted participants should be drawn over enough periods")
}

func TestDifferentSeedsDiverge(t *testing.T) {
	selA, err := selector.New(seed32(1), 1, []uint64{1, 1, 1, 1, 1})
	require.NoError(t, err)
	selB, err := selector.New(seed32(2), 1, []uint64{1, 1, 1, 1, 1})
	require.NoError(t, err)

	diverged := false
	for period := uint64(0); period < 50; period++ {
		slot := models.Slot{Period: period, Thread: 0}
		a, err := selA.Draw(slot)
		require.NoError(t, err)
		b, err := selB.Draw(slot)
		require.NoError(t, err)
		if a != b {
			diverged = true
			break
		}
	}
	require.True(t, diverged, "distinct seeds should produce different draw sequences")
}
