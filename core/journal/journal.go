// Package journal defines the append-only event journal consumed by the
// entity coordinator: per-entity streams of immutable entries with a
// contiguous sequence starting at 1, optimistic appends checked against an
// expected sequence, and a registry for decoding persisted payloads.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/riker-rs/riker-cqrs/internal/reflector"
)

var (
	// ErrConflict is returned by Append when the stream head does not match
	// the expected sequence. Under single-writer routing this indicates a
	// second writer and is fatal for the entity instance.
	ErrConflict = errors.New("journal sequence conflict")

	// ErrGap is returned when a loaded stream is not contiguous. A gap means
	// the stream is corrupt and the entity cannot be reconstructed.
	ErrGap = errors.New("journal sequence gap")

	// ErrNoEntries is returned by Append when called without entries.
	ErrNoEntries = errors.New("no entries to append")

	// ErrUnknownEntryType is returned when decoding an entry whose type was
	// never registered.
	ErrUnknownEntryType = errors.New("unknown entry type")
)

// Entry is one persisted event. Entries are immutable once appended.
type Entry struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	// Seq is the per-entity sequence, contiguous and starting at 1.
	Seq        uint64          `json:"seq"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

func (e Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entry id is empty")
	}
	if e.EntityType == "" {
		return fmt.Errorf("entry entity type is empty")
	}
	if e.EntityID == "" {
		return fmt.Errorf("entry entity id is empty")
	}
	if e.Seq == 0 {
		return fmt.Errorf("entry seq is zero")
	}
	if e.Type == "" {
		return fmt.Errorf("entry type is empty")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("entry occurred at is zero")
	}
	return nil
}

type (
	loadOptions struct {
		afterSeq uint64
	}

	// LoadOption configures a Load call.
	LoadOption func(*loadOptions)
)

// WithAfterSeq loads only entries with Seq > seq. Used to replay the tail of
// a stream after restoring a snapshot.
func WithAfterSeq(seq uint64) LoadOption {
	return func(o *loadOptions) { o.afterSeq = seq }
}

func newLoadOptions(opts ...LoadOption) loadOptions {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// AfterSeq resolves opts to the sequence a Load should start after. Journal
// implementations use it.
func AfterSeq(opts ...LoadOption) uint64 {
	return newLoadOptions(opts...).afterSeq
}

// Journal stores and loads per-entity event streams.
//
// Append must fail with ErrConflict when the current stream head differs
// from expectedSeq. A single-entry append is atomic. Entries are persisted
// in order, so a multi-entry append that fails partway may leave a
// contiguous prefix behind; the stream stays valid and a retry observes the
// prefix as a conflict. MemoryJournal persists batches all-or-nothing. Load
// must return entries in strictly increasing Seq order and an empty slice
// for an unknown id.
type Journal interface {
	Append(ctx context.Context, entityType, entityID string, expectedSeq uint64, entries []Entry) (lastSeq uint64, err error)
	Load(ctx context.Context, entityType, entityID string, opts ...LoadOption) ([]Entry, error)
}

// Encode wraps event payloads into entries ready for Append, assigning
// sequences expectedSeq+1, expectedSeq+2, ... in order.
func Encode(entityType, entityID string, expectedSeq uint64, events ...any) ([]Entry, error) {
	if len(events) == 0 {
		return nil, ErrNoEntries
	}
	entries := make([]Entry, 0, len(events))
	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event %T: %w", ev, err)
		}
		entries = append(entries, Entry{
			ID:         gonanoid.Must(),
			EntityType: entityType,
			EntityID:   entityID,
			Seq:        expectedSeq + uint64(i) + 1,
			Type:       typeNameOf(ev),
			OccurredAt: time.Now(),
			Data:       data,
		})
	}
	return entries, nil
}

// CheckContiguous verifies that entries form the contiguous sequence
// afterSeq+1, afterSeq+2, ... and returns ErrGap otherwise.
func CheckContiguous(entries []Entry, afterSeq uint64) error {
	expect := afterSeq
	for _, e := range entries {
		expect++
		if e.Seq != expect {
			return fmt.Errorf("%w: entity_id=%s expect_seq=%d got_seq=%d", ErrGap, e.EntityID, expect, e.Seq)
		}
	}
	return nil
}

// === Registry ===

// Registrar registers entry payload constructors for decoding.
type Registrar interface {
	Register(entryType string, ctor func() any)
}

// Registry maps entry type names to constructors so persisted payloads can be
// decoded during replay.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]func() any
}

func NewRegistry() *Registry {
	return &Registry{ctors: map[string]func() any{}}
}

func (r *Registry) Register(entryType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[entryType] = ctor
}

// Decode constructs a fresh payload value for e and unmarshals its data.
func (r *Registry) Decode(e Entry) (any, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[e.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntryType, e.Type)
	}
	ev := ctor()
	if e.Data != nil {
		if err := json.Unmarshal(e.Data, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// RegisterEventFor registers the event type T under its qualified type name.
func RegisterEventFor[T any](r Registrar) {
	r.Register(reflector.NameFor[T](), func() any { return new(T) })
}

func typeNameOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.NameOf(ev)
}
