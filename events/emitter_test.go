package events_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/models"
)

func TestEmitDeliversOnlyToMatchingSubscribers(t *testing.T) {
	e := events.NewEmitter()
	var gotFinalized, gotDiscarded []events.Event

	e.Subscribe(events.EventBlockFinalized, func(ev events.Event) { gotFinalized = append(gotFinalized, ev) })
	e.Subscribe(events.EventBlockDiscarded, func(ev events.Event) { gotDiscarded = append(gotDiscarded, ev) })

	e.Emit(events.Event{Type: events.EventBlockFinalized, Hash: models.HashData([]byte("a"))})

	require.Len(t, gotFinalized, 1)
	require.Empty(t, gotDiscarded)
}

func TestEmitCallsMultipleSubscribersInOrder(t *testing.T) {
	e := events.NewEmitter()
	var order []int

	e.Subscribe(events.EventCycleEnded, func(events.Event) { order = append(order, 1) })
	e.Subscribe(events.EventCycleEnded, func(events.Event) { order = append(order, 2) })

	e.Emit(events.Event{Type: events.EventCycleEnded})

	require.Equal(t, []int{1, 2}, order)
}

func TestEmitRecoversFromPanickingHandler(t *testing.T) {
	e := events.NewEmitter()
	var calledAfter bool

	e.Subscribe(events.EventBlockAttack, func(events.Event) { panic("boom") })
	e.Subscribe(events.EventBlockAttack, func(events.Event) { calledAfter = true })

	require.NotPanics(t, func() {
		e.Emit(events.Event{Type: events.EventBlockAttack})
	})
	require.True(t, calledAfter, "a panicking handler must not stop later subscribers from running")
}

func TestEmitWithNoSubscribersIsANoop(t *testing.T) {
	e := events.NewEmitter()
	require.NotPanics(t, func() {
		e.Emit(events.Event{Type: events.EventRollsActivated})
	})
}
