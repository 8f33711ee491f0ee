package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/riker-rs/riker-cqrs/core/actor"
	"github.com/riker-rs/riker-cqrs/core/journal"
	"github.com/riker-rs/riker-cqrs/core/perkey"
)

// Manager owns every instance of one entity type: it routes commands to the
// right worker, activates workers on first use, and passivates them when
// idle.
//
// All work for one identity, commands and passivations alike, runs through a
// per-key queue. That queue is the ordering point: commands from one caller
// are applied in submission order, at most one worker per identity is ever
// live, and a command racing a passivation simply lands behind it and
// reactivates the entity.
type Manager[S any] struct {
	entityType string
	proto      Protocol[S]
	journal    journal.Journal
	registry   *journal.Registry
	handles    *handleTable
	routes     *perkey.Scheduler[string]
	super      *supervisor
	opt        options
	log        *slog.Logger
	metrics    Metrics

	mu     sync.Mutex
	closed bool
}

// NewManager builds a Manager for proto's entity type on top of j.
func NewManager[S any](proto Protocol[S], j journal.Journal, opts ...Option) *Manager[S] {
	o := newOptions(opts...)

	reg := journal.NewRegistry()
	proto.Register(reg)

	m := &Manager[S]{
		entityType: proto.EntityType(),
		proto:      proto,
		journal:    j,
		registry:   reg,
		handles:    newHandleTable(),
		routes:     perkey.New[string](),
		opt:        o,
		metrics:    o.metrics,
	}
	m.log = o.log.With(slog.String("entity_type", m.entityType))
	m.super = newSupervisor(o.idleTimeout, m.schedulePassivation)
	return m
}

// EntityType names the entity type this manager serves.
func (m *Manager[S]) EntityType() string { return m.entityType }

// Route delivers cmd to the entity identified by id, activating it first if
// needed, and returns the journal entry the command produced.
//
// The returned error is one of: a CommandError for a business-rule rejection,
// ErrActivationFailed or ErrQuarantined for activation trouble, the ctx error
// when the caller stopped waiting, or an infrastructure failure. A ctx error
// only means the wait was abandoned; the command may still be applied and a
// retry is safe because re-applying is validated against current state.
func (m *Manager[S]) Route(ctx context.Context, id string, cmd any) (*journal.Entry, error) {
	if id == "" {
		return nil, errors.New("entity id is empty")
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	var res *journal.Entry
	err := m.routes.DoContext(ctx, id, func() error {
		var derr error
		res, derr = m.dispatch(ctx, id, cmd)
		return derr
	})
	if err != nil {
		if errors.Is(err, perkey.ErrSchedulerClosed) {
			return nil, ErrManagerClosed
		}
		return nil, err
	}
	return res, nil
}

// RouteAny is Route with a type-erased receiver so a System can hold managers
// of different state types.
func (m *Manager[S]) RouteAny(ctx context.Context, id string, cmd any) (*journal.Entry, error) {
	return m.Route(ctx, id, cmd)
}

// dispatch runs on the per-key queue for id, so it never overlaps with
// another dispatch or a passivation for the same identity.
func (m *Manager[S]) dispatch(ctx context.Context, id string, cmd any) (*journal.Entry, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	if m.handles.isQuarantined(id) {
		return nil, fmt.Errorf("%w: entity_id=%s", ErrQuarantined, id)
	}

	h := m.handles.get(id)
	if h != nil && h.stopped() {
		// the worker burned through its crash budget; start over
		m.handles.delete(id)
		m.super.disarm(id)
		h = nil
	}
	if h == nil {
		var err error
		if h, err = m.activate(ctx, id); err != nil {
			return nil, err
		}
	}

	h.touch(time.Now())
	m.super.arm(id)

	res, err := actor.Request(ctx, h.act, command{payload: cmd})
	if err != nil {
		return nil, err
	}
	return res.(*journal.Entry), nil
}

func (m *Manager[S]) activate(ctx context.Context, id string) (*handle, error) {
	h := &handle{}
	h.setStatus(StatusActivating)
	h.touch(time.Now())
	m.handles.put(id, h)

	timer := m.metrics.ActivationTimer()
	act, err := m.spawn(ctx, id)
	timer.ObserveDuration()
	if err != nil {
		m.handles.delete(id)
		m.metrics.Activated(false)
		fails := m.handles.recordFailure(id)
		if m.opt.quarantineAfter > 0 && fails >= m.opt.quarantineAfter {
			m.handles.quarantine(id)
			m.metrics.Quarantined()
			m.log.Error("entity quarantined after repeated activation failures",
				slog.String("entity_id", id), slog.Int("failures", fails), slog.Any("error", err))
			return nil, fmt.Errorf("%w: entity_id=%s: %w", ErrQuarantined, id, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrActivationFailed, err)
	}

	m.handles.clearFailures(id)
	h.act = act
	h.setStatus(StatusActive)
	m.metrics.Activated(true)
	m.metrics.ActiveEntities(m.handles.activeCount())
	m.log.Debug("entity activated", slog.String("entity_id", id))
	return h, nil
}

// spawn starts the worker actor, retrying the initial state rebuild per the
// retry policy. Restarts after a crash use the same factory but without
// retries; a failed restart stops the actor and the next command reactivates.
func (m *Manager[S]) spawn(ctx context.Context, id string) (actor.Actor, error) {
	factory := func(actx context.Context) (actor.Handler, error) {
		return m.buildWorker(actx, id)
	}
	aopts := actor.Options{
		MailboxSize: m.opt.mailboxSize,
		Logger:      m.log.With(slog.String("entity_id", id)),
		MaxRestarts: m.opt.maxRestarts,
	}

	var lastErr error
	for attempt := 1; attempt <= m.opt.retry.MaxAttempts; attempt++ {
		act, err := actor.New(aopts, factory)
		if err == nil {
			return act, nil
		}
		lastErr = err
		if attempt == m.opt.retry.MaxAttempts {
			break
		}
		m.log.Warn("activation attempt failed, retrying",
			slog.String("entity_id", id), slog.Int("attempt", attempt), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.opt.retry.Backoff):
		}
	}
	return nil, lastErr
}

// buildWorker reconstructs the entity state: restore the latest snapshot if
// one exists, then replay the journal tail. Snapshot trouble of any kind
// degrades to a full replay.
func (m *Manager[S]) buildWorker(ctx context.Context, id string) (*worker[S], error) {
	state := m.proto.Zero()
	var seq uint64

	if m.opt.snapshotter != nil {
		snap, err := m.opt.snapshotter.Load(ctx, m.entityType, id)
		switch {
		case err == nil && snap != nil:
			restored := m.proto.Zero()
			if uerr := json.Unmarshal(snap.Data, &restored); uerr != nil {
				m.log.Warn("snapshot unreadable, replaying from scratch",
					slog.String("entity_id", id), slog.Any("error", uerr))
			} else {
				state = restored
				seq = snap.Seq
			}
		case err != nil && !errors.Is(err, ErrSnapshotNotFound):
			m.log.Warn("snapshot load failed, replaying from scratch",
				slog.String("entity_id", id), slog.Any("error", err))
		}
	}

	entries, err := m.journal.Load(ctx, m.entityType, id, journal.WithAfterSeq(seq))
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	if err := journal.CheckContiguous(entries, seq); err != nil {
		return nil, err
	}
	for _, e := range entries {
		ev, derr := m.registry.Decode(e)
		if derr != nil {
			return nil, fmt.Errorf("decode entry seq=%d: %w", e.Seq, derr)
		}
		state = m.proto.Apply(state, ev)
		seq = e.Seq
	}
	m.metrics.ReplayedEvents(len(entries))
	m.log.Debug("worker state rebuilt",
		slog.String("entity_id", id), slog.Uint64("seq", seq), slog.Int("replayed", len(entries)))

	return &worker[S]{
		entityType: m.entityType,
		id:         id,
		proto:      m.proto,
		journal:    m.journal,
		registry:   m.registry,
		log:        m.log.With(slog.String("entity_id", id)),
		metrics:    m.metrics,
		state:      state,
		seq:        seq,
	}, nil
}

// schedulePassivation runs when an idle timer fires. The actual passivation
// executes on the identity's queue so it cannot overlap a command.
func (m *Manager[S]) schedulePassivation(id string) {
	if m.isClosed() {
		return
	}
	err := m.routes.Do(id, func() error {
		m.passivate(id)
		return nil
	})
	if err != nil && !errors.Is(err, perkey.ErrSchedulerClosed) {
		m.log.Warn("passivation failed", slog.String("entity_id", id), slog.Any("error", err))
	}
}

func (m *Manager[S]) passivate(id string) {
	h := m.handles.get(id)
	if h == nil || h.getStatus() != StatusActive {
		return
	}
	// a command routed after the timer fired re-armed it; skip this round
	if m.opt.idleTimeout > 0 && time.Since(h.lastActiveTime()) < m.opt.idleTimeout {
		return
	}
	h.setStatus(StatusPassivating)

	if m.opt.snapshotter != nil && !h.stopped() {
		m.saveSnapshot(id, h)
	}

	h.act.Stop()
	m.handles.delete(id)
	m.super.disarm(id)
	m.metrics.Passivated()
	m.metrics.ActiveEntities(m.handles.activeCount())
	m.log.Debug("entity passivated", slog.String("entity_id", id))
}

func (m *Manager[S]) saveSnapshot(id string, h *handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := actor.Request(ctx, h.act, stateReq{})
	if err != nil {
		m.log.Warn("snapshot skipped, state request failed",
			slog.String("entity_id", id), slog.Any("error", err))
		return
	}
	sr := res.(*stateRes[S])
	if sr.seq == 0 {
		// no history yet, nothing worth snapshotting
		return
	}
	data, err := json.Marshal(sr.state)
	if err != nil {
		m.log.Warn("snapshot skipped, state not serializable",
			slog.String("entity_id", id), slog.Any("error", err))
		return
	}
	snap := &Snapshot{
		EntityType: m.entityType,
		EntityID:   id,
		Seq:        sr.seq,
		TakenAt:    time.Now(),
		Data:       data,
	}
	if err := m.opt.snapshotter.Save(ctx, snap); err != nil {
		m.log.Warn("snapshot save failed", slog.String("entity_id", id), slog.Any("error", err))
	}
}

// Forget stops the entity's worker if one is live and clears all bookkeeping
// for id, including quarantine state and failure counts. The journal is
// untouched; the next command activates from history as usual.
func (m *Manager[S]) Forget(ctx context.Context, id string) error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	err := m.routes.DoContext(ctx, id, func() error {
		if h := m.handles.get(id); h != nil && h.act != nil {
			h.act.Stop()
		}
		m.super.disarm(id)
		m.handles.forget(id)
		m.metrics.ActiveEntities(m.handles.activeCount())
		m.log.Info("entity forgotten", slog.String("entity_id", id))
		return nil
	})
	if errors.Is(err, perkey.ErrSchedulerClosed) {
		return ErrManagerClosed
	}
	return err
}

// Stats returns a point-in-time census of the manager's instances.
func (m *Manager[S]) Stats() Stats { return m.handles.stats() }

func (m *Manager[S]) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close rejects new routes, waits for queued work to drain, and stops every
// live worker. Idempotent.
func (m *Manager[S]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.super.close()
	m.routes.Close()

	g := new(errgroup.Group)
	for _, h := range m.handles.all() {
		if h.act == nil {
			continue
		}
		act := h.act
		g.Go(func() error {
			act.Stop()
			return nil
		})
	}
	_ = g.Wait()
	m.log.Debug("entity manager closed")
}
