// Package timeslot computes the mapping between slots and wall-clock time:
// pure functions of (genesis_timestamp, t0, thread_count), with no state
// of their own.
package timeslot

import (
	"fmt"
	"time"

	"github.com/tolelom/tolchain/models"
)

// BlockTimestamp returns the wall-clock instant at which slot should be
// produced, given the genesis instant and the per-period slot duration t0.
// Slots within a period are evenly spaced across t0 by thread.
func BlockTimestamp(threadCount uint8, t0 time.Duration, genesis time.Time, slot models.Slot) (time.Time, error) {
	if threadCount == 0 {
		return time.Time{}, fmt.Errorf("thread_count must be > 0")
	}
	if int(slot.Thread) >= int(threadCount) {
		return time.Time{}, fmt.Errorf("slot thread %d out of range [0,%d)", slot.Thread, threadCount)
	}
	perThread := t0 / time.Duration(threadCount)
	offset := time.Duration(slot.Period)*t0 + time.Duration(slot.Thread)*perThread
	return genesis.Add(offset), nil
}

// CurrentSlot returns the slot in progress at wall-clock instant now, or
// (nil-equivalent) false before genesis.
func CurrentSlot(threadCount uint8, t0 time.Duration, genesis time.Time, now time.Time) (models.Slot, bool, error) {
	if threadCount == 0 {
		return models.Slot{}, false, fmt.Errorf("thread_count must be > 0")
	}
	if now.Before(genesis) {
		return models.Slot{}, false, nil
	}
	elapsed := now.Sub(genesis)
	period := uint64(elapsed / t0)
	within := elapsed % t0
	perThread := t0 / time.Duration(threadCount)
	thread := uint8(within / perThread)
	if thread >= threadCount {
		thread = threadCount - 1
	}
	return models.Slot{Period: period, Thread: thread}, true, nil
}
