package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// MemoryJournal is a correct (optimistic) in-memory Journal for tests and
// development.
type MemoryJournal struct {
	mu      sync.Mutex
	log     *slog.Logger
	streams map[string][]Entry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		log:     slog.Default().With(slog.String("journal", "memory")),
		streams: map[string][]Entry{},
	}
}

func (m *MemoryJournal) streamKey(entityType, entityID string) string {
	return fmt.Sprintf("%s-%s", entityType, entityID)
}

func (m *MemoryJournal) Append(
	_ context.Context,
	entityType, entityID string,
	expectedSeq uint64,
	entries []Entry,
) (uint64, error) {
	if len(entries) == 0 {
		return 0, ErrNoEntries
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		sk      = m.streamKey(entityType, entityID)
		stream  = m.streams[sk]
		headSeq uint64
	)
	if len(stream) > 0 {
		headSeq = stream[len(stream)-1].Seq
	}
	if headSeq != expectedSeq {
		return 0, fmt.Errorf("%w: entity_id=%s expect_seq=%d head_seq=%d", ErrConflict, entityID, expectedSeq, headSeq)
	}

	lastSeq := expectedSeq
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return 0, err
		}
		lastSeq++
		if e.Seq != lastSeq {
			return 0, fmt.Errorf("%w: entity_id=%s expect_seq=%d got_seq=%d", ErrGap, entityID, lastSeq, e.Seq)
		}
	}

	m.streams[sk] = append(stream, entries...)

	m.log.Debug(
		"append",
		slog.String("entity_id", entityID),
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_entries", len(entries)),
	)

	return lastSeq, nil
}

func (m *MemoryJournal) Load(
	_ context.Context,
	entityType, entityID string,
	opts ...LoadOption,
) ([]Entry, error) {
	options := newLoadOptions(opts...)

	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[m.streamKey(entityType, entityID)]

	out := make([]Entry, 0, len(stream))
	for _, e := range stream {
		if e.Seq <= options.afterSeq {
			continue
		}
		out = append(out, e)
	}

	if err := CheckContiguous(out, options.afterSeq); err != nil {
		return nil, err
	}

	return out, nil
}

// Corrupt drops the entry with the given seq from a stream. Test helper for
// exercising gap detection.
func (m *MemoryJournal) Corrupt(entityType, entityID string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sk := m.streamKey(entityType, entityID)
	stream := m.streams[sk]
	out := stream[:0]
	for _, e := range stream {
		if e.Seq != seq {
			out = append(out, e)
		}
	}
	m.streams[sk] = out
}

var _ Journal = (*MemoryJournal)(nil)
