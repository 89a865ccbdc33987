// Package events is a small synchronous pub/sub broker RPC clients and
// local tooling can subscribe to for consensus state changes, independent
// of the JSON-RPC request/response cycle: subscribe-before-emit, with
// panic-isolated handlers, over a block-graph/roll-lifecycle EventType
// catalogue (spec.md §4.2-4.4).
package events

import (
	"log"
	"sync"

	"github.com/tolelom/tolchain/models"
)

// EventType labels what happened.
type EventType string

const (
	EventBlockFinalized  EventType = "block_finalized"
	EventBlockDiscarded  EventType = "block_discarded"
	EventBlockAttack     EventType = "block_attack"
	EventRollsActivated  EventType = "rolls_activated"
	EventRollsDeactivated EventType = "rolls_deactivated"
	EventCycleEnded      EventType = "cycle_ended"
)

// Event carries a typed payload emitted after a state change.
type Event struct {
	Type EventType      `json:"type"`
	Hash models.Hash    `json:"hash,omitempty"`
	Slot models.Slot    `json:"slot,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously.
// Each handler is guarded by panic recovery so a misbehaving subscriber
// cannot crash the node or stall the consensus worker.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[events] handler panicked for %s: %v", ev.Type, r)
				}
			}()
			h(ev)
		}()
	}
}
