package entity

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/riker-rs/riker-cqrs/core/actor"
	"github.com/riker-rs/riker-cqrs/internal/shard"
)

// Status describes where an entity instance is in its lifecycle. Transitions
// are serialized per identity, so a status observed from outside is a
// snapshot, not a lock.
type Status int32

const (
	StatusActivating Status = iota + 1
	StatusActive
	StatusPassivating
)

func (s Status) String() string {
	switch s {
	case StatusActivating:
		return "activating"
	case StatusActive:
		return "active"
	case StatusPassivating:
		return "passivating"
	default:
		return "unknown"
	}
}

// handle is the registry entry for one live entity instance.
type handle struct {
	act actor.Actor

	status     atomic.Int32
	lastActive atomic.Int64 // unix nanos
}

func (h *handle) setStatus(s Status) { h.status.Store(int32(s)) }
func (h *handle) getStatus() Status  { return Status(h.status.Load()) }

func (h *handle) touch(t time.Time) { h.lastActive.Store(t.UnixNano()) }

func (h *handle) lastActiveTime() time.Time { return time.Unix(0, h.lastActive.Load()) }

// stopped reports whether the worker behind this handle has terminated, e.g.
// after exhausting its crash budget.
func (h *handle) stopped() bool {
	if h.act == nil {
		return false
	}
	select {
	case <-h.act.Done():
		return true
	default:
		return false
	}
}

const tableShards = 32

// handleTable is the striped instance registry of one Manager. It also tracks
// consecutive activation failures and quarantined identities.
type handleTable struct {
	shards [tableShards]tableShard
}

type tableShard struct {
	mu       sync.RWMutex
	handles  map[string]*handle
	failures map[string]int
	bad      map[string]struct{}
}

func newHandleTable() *handleTable {
	t := &handleTable{}
	for i := range t.shards {
		t.shards[i].handles = map[string]*handle{}
		t.shards[i].failures = map[string]int{}
		t.shards[i].bad = map[string]struct{}{}
	}
	return t
}

func (t *handleTable) shard(id string) *tableShard {
	return &t.shards[shard.ForKey(id, tableShards)]
}

func (t *handleTable) get(id string) *handle {
	s := t.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handles[id]
}

func (t *handleTable) put(id string, h *handle) {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id] = h
}

func (t *handleTable) delete(id string) {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, id)
}

// recordFailure bumps the consecutive activation failure count for id and
// returns the new count.
func (t *handleTable) recordFailure(id string) int {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id]++
	return s.failures[id]
}

func (t *handleTable) clearFailures(id string) {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, id)
}

func (t *handleTable) quarantine(id string) {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bad[id] = struct{}{}
}

func (t *handleTable) isQuarantined(id string) bool {
	s := t.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bad[id]
	return ok
}

// forget drops all bookkeeping for id: the handle, the failure count, and the
// quarantine flag.
func (t *handleTable) forget(id string) {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, id)
	delete(s.failures, id)
	delete(s.bad, id)
}

// activeCount counts only Active handles; instances that are still
// activating or already passivating are excluded.
func (t *handleTable) activeCount() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, h := range s.handles {
			if h.getStatus() == StatusActive {
				n++
			}
		}
		s.mu.RUnlock()
	}
	return n
}

// all returns the handles of every registered instance.
func (t *handleTable) all() []*handle {
	var out []*handle
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, h := range s.handles {
			out = append(out, h)
		}
		s.mu.RUnlock()
	}
	return out
}

func (t *handleTable) stats() Stats {
	var st Stats
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, h := range s.handles {
			switch h.getStatus() {
			case StatusActivating:
				st.Activating++
			case StatusActive:
				st.Active++
			case StatusPassivating:
				st.Passivating++
			}
		}
		st.Quarantined += len(s.bad)
		s.mu.RUnlock()
	}
	return st
}

// Stats is a point-in-time census of one Manager's instances.
type Stats struct {
	Active      int
	Activating  int
	Passivating int
	Quarantined int
}
