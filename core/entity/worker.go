package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/riker-rs/riker-cqrs/core/actor"
	"github.com/riker-rs/riker-cqrs/core/journal"
)

// messages understood by a worker
type (
	command  struct{ payload any }
	stateReq struct{}
)

type stateRes[S any] struct {
	state S
	seq   uint64
}

// worker holds the in-memory state of one entity instance and runs its
// validate, persist, apply cycle. It only ever executes inside an actor, so
// its fields need no locking.
type worker[S any] struct {
	entityType string
	id         string
	proto      Protocol[S]
	journal    journal.Journal
	registry   *journal.Registry
	log        *slog.Logger
	metrics    Metrics

	state S
	seq   uint64
}

func (w *worker[S]) Handle(ctx context.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case command:
		return w.handleCommand(ctx, m.payload)
	case stateReq:
		return &stateRes[S]{state: w.state, seq: w.seq}, nil
	default:
		return nil, fmt.Errorf("unexpected message %T", msg)
	}
}

func (w *worker[S]) handleCommand(ctx context.Context, cmd any) (*journal.Entry, error) {
	defer w.metrics.CommandTimer().ObserveDuration()

	event, err := w.proto.Validate(w.state, cmd)
	if err != nil {
		w.metrics.CommandProcessed(OutcomeRejected)
		if IsRejected(err) {
			return nil, err
		}
		return nil, &CommandError{Reason: err.Error()}
	}

	entries, err := journal.Encode(w.entityType, w.id, w.seq, event)
	if err != nil {
		w.metrics.CommandProcessed(OutcomeFailed)
		return nil, fmt.Errorf("encode event: %w", err)
	}

	lastSeq, err := w.journal.Append(ctx, w.entityType, w.id, w.seq, entries)
	if err != nil {
		w.metrics.CommandProcessed(OutcomeFailed)
		if errors.Is(err, journal.ErrConflict) {
			// a second writer touched our stream; crash so supervision
			// rebuilds the worker from the journal
			w.metrics.AppendConflict()
			w.log.Error("append conflict, tearing down worker",
				slog.String("entity_id", w.id), slog.Uint64("expected_seq", w.seq))
			return nil, actor.Fatal(err)
		}
		return nil, fmt.Errorf("append: %w", err)
	}

	// apply the decoded payload, not the original value, so the live path and
	// replay fold exactly the same representation
	for _, e := range entries {
		ev, derr := w.registry.Decode(e)
		if derr != nil {
			// persisted but undecodable means replay would fail too; crash
			// loudly instead of silently diverging
			return nil, actor.Fatal(fmt.Errorf("decode appended entry: %w", derr))
		}
		w.state = w.proto.Apply(w.state, ev)
	}
	w.seq = lastSeq

	w.metrics.CommandProcessed(OutcomeApplied)
	return &entries[0], nil
}
