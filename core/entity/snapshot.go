package entity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/riker-rs/riker-cqrs/core/cache"
	"github.com/riker-rs/riker-cqrs/ports/kv"
)

// ErrSnapshotNotFound is returned by Snapshotter.Load when no snapshot exists
// for the entity. Activation then falls back to a full replay.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is a point-in-time copy of an entity's state at Seq. It is purely
// an activation shortcut: losing a snapshot costs replay time, never
// correctness.
type Snapshot struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Seq        uint64          `json:"seq"`
	TakenAt    time.Time       `json:"taken_at"`
	Data       json.RawMessage `json:"data"`
}

// Snapshotter stores and loads snapshots. Save is called on passivation, Load
// on activation. Errors from either degrade to a full replay; they are never
// fatal.
type Snapshotter interface {
	Save(ctx context.Context, s *Snapshot) error
	Load(ctx context.Context, entityType, entityID string) (*Snapshot, error)
	Delete(ctx context.Context, entityType, entityID string) error
}

func snapshotKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// === in-process cache backed ===

type cacheSnapshotter struct {
	c cache.Cache
}

// NewCacheSnapshotter keeps snapshots in an in-process cache, typically a
// bounded LRU. Eviction is safe: an evicted entity replays from scratch.
func NewCacheSnapshotter(c cache.Cache) Snapshotter {
	return &cacheSnapshotter{c: c}
}

func (cs *cacheSnapshotter) Save(_ context.Context, s *Snapshot) error {
	cs.c.Put(snapshotKey(s.EntityType, s.EntityID), s)
	return nil
}

func (cs *cacheSnapshotter) Load(_ context.Context, entityType, entityID string) (*Snapshot, error) {
	v, ok := cs.c.Get(snapshotKey(entityType, entityID))
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return v.(*Snapshot), nil
}

func (cs *cacheSnapshotter) Delete(_ context.Context, entityType, entityID string) error {
	cs.c.Delete(snapshotKey(entityType, entityID))
	return nil
}

// === kv store backed ===

type kvSnapshotter struct {
	store kv.Store
}

// NewKVSnapshotter persists snapshots in a key/value store so they survive
// process restarts.
func NewKVSnapshotter(store kv.Store) Snapshotter {
	return &kvSnapshotter{store: store}
}

func (ks *kvSnapshotter) Save(ctx context.Context, s *Snapshot) error {
	return kv.Put(ctx, ks.store, snapshotKey(s.EntityType, s.EntityID), s)
}

func (ks *kvSnapshotter) Load(ctx context.Context, entityType, entityID string) (*Snapshot, error) {
	s, err := kv.Get[*Snapshot](ctx, ks.store, snapshotKey(entityType, entityID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return s, nil
}

func (ks *kvSnapshotter) Delete(ctx context.Context, entityType, entityID string) error {
	err := ks.store.Delete(ctx, snapshotKey(entityType, entityID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	return err
}
