// Package entity implements the entity lifecycle coordinator: a registry of
// per-identity, on-demand, event-sourced workers. Each identity is served by
// at most one live worker whose state is rebuilt by replaying its journal
// stream. The Manager routes commands, activates workers on first use,
// serializes all commands per identity, and passivates idle workers; the
// passivation supervisor re-arms a cancellable timer on every routed command.
//
// Business entities plug in through the Protocol contract: a zero state, a
// validate function turning (state, command) into an event or a rejection,
// and a total apply function folding events into state.
package entity

import "github.com/riker-rs/riker-cqrs/core/journal"

// Protocol is the per-entity-type plug-in contract. S is the aggregate state
// type; it is only ever replaced via Apply, never mutated in place by the
// coordinator.
//
// Validate runs business rules against the current state and either derives
// the event payload for the command deterministically or rejects it.
// Rejections carry no side effects: no event is persisted and the state is
// unchanged. Apply must be total for events produced by Validate and for
// events decoded from the journal; replay is a pure fold of Apply over the
// stream.
type Protocol[S any] interface {
	// EntityType names the category of entities sharing this protocol.
	EntityType() string
	// Zero returns the state of an entity with no history.
	Zero() S
	// Validate checks cmd against state and derives the resulting event.
	Validate(state S, cmd any) (event any, err error)
	// Apply folds event into state and returns the new state.
	Apply(state S, event any) S
	// Register registers the protocol's event types for journal decoding.
	Register(r journal.Registrar)
}
