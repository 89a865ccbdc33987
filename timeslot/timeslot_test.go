package timeslot_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/models"
	"github.com/tolelom/tolchain/timeslot"
)

func TestBlockTimestampOrdersThreadsWithinAPeriod(t *testing.T) {
	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t0 := 10 * time.Second

	t0ts, err := timeslot.BlockTimestamp(2, t0, genesis, models.Slot{Period: 0, Thread: 0})
	require.NoError(t, err)
	t1ts, err := timeslot.BlockTimestamp(2, t0, genesis, models.Slot{Period: 0, Thread: 1})
	require.NoError(t, err)

	require.True(t, t1ts.After(t0ts))
	require.Equal(t, genesis, t0ts)
}

func TestBlockTimestampRejectsOutOfRangeThread(t *testing.T) {
	_, err := timeslot.BlockTimestamp(2, time.Second, time.Now(), models.Slot{Period: 0, Thread: 5})
	require.Error(t, err)
}

func TestCurrentSlotBeforeGenesisReturnsFalse(t *testing.T) {
	genesis := time.Now().Add(time.Hour)
	_, ok, err := timeslot.CurrentSlot(2, time.Second, genesis, time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCurrentSlotRoundTripsWithBlockTimestamp(t *testing.T) {
	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t0 := 16 * time.Second
	slot := models.Slot{Period: 100, Thread: 1}

	ts, err := timeslot.BlockTimestamp(4, t0, genesis, slot)
	require.NoError(t, err)

	got, ok, err := timeslot.CurrentSlot(4, t0, genesis, ts)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, slot, got)
}

func TestSlotNextAdvancesThreadThenPeriod(t *testing.T) {
	s := models.Slot{Period: 5, Thread: 1}
	next, err := s.Next(2)
	require.NoError(t, err)
	require.Equal(t, models.Slot{Period: 6, Thread: 0}, next)
}
