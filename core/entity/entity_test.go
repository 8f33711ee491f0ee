package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riker-rs/riker-cqrs/core/journal"
	"github.com/riker-rs/riker-cqrs/ports/kv"
)

// === test domain ===

type ledgerState struct {
	Balance int `json:"balance"`
}

type (
	credit struct {
		Amount int `json:"amount"`
	}
	debit struct {
		Amount int `json:"amount"`
	}
	credited struct {
		Amount int `json:"amount"`
	}
	debited struct {
		Amount int `json:"amount"`
	}
)

type ledgerProtocol struct {
	validateDelay time.Duration
}

func (ledgerProtocol) EntityType() string { return "ledger" }
func (ledgerProtocol) Zero() ledgerState  { return ledgerState{} }

func (ledgerProtocol) Register(r journal.Registrar) {
	journal.RegisterEventFor[credited](r)
	journal.RegisterEventFor[debited](r)
}

func (p ledgerProtocol) Validate(state ledgerState, cmd any) (any, error) {
	if p.validateDelay > 0 {
		time.Sleep(p.validateDelay)
	}
	switch c := cmd.(type) {
	case credit:
		if c.Amount <= 0 {
			return nil, Reject("credit amount must be positive")
		}
		return credited{Amount: c.Amount}, nil
	case debit:
		if c.Amount <= 0 {
			return nil, Reject("debit amount must be positive")
		}
		if state.Balance < c.Amount {
			return nil, Rejectf("insufficient funds: balance=%d requested=%d", state.Balance, c.Amount)
		}
		return debited{Amount: c.Amount}, nil
	default:
		return nil, Rejectf("unsupported command %T", cmd)
	}
}

func (ledgerProtocol) Apply(state ledgerState, event any) ledgerState {
	switch e := event.(type) {
	case *credited:
		state.Balance += e.Amount
	case *debited:
		state.Balance -= e.Amount
	}
	return state
}

// === journal wrappers ===

// flakyJournal fails the next n loads, then behaves.
type flakyJournal struct {
	journal.Journal
	mu        sync.Mutex
	failLoads int
}

func (f *flakyJournal) Load(ctx context.Context, entityType, entityID string, opts ...journal.LoadOption) ([]journal.Entry, error) {
	f.mu.Lock()
	fail := f.failLoads > 0
	if fail {
		f.failLoads--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("journal offline")
	}
	return f.Journal.Load(ctx, entityType, entityID, opts...)
}

// recordingJournal remembers how each load was parameterized.
type recordingJournal struct {
	journal.Journal
	mu           sync.Mutex
	loads        int
	lastAfterSeq uint64
}

func (r *recordingJournal) Load(ctx context.Context, entityType, entityID string, opts ...journal.LoadOption) ([]journal.Entry, error) {
	r.mu.Lock()
	r.loads++
	r.lastAfterSeq = journal.AfterSeq(opts...)
	r.mu.Unlock()
	return r.Journal.Load(ctx, entityType, entityID, opts...)
}

func (r *recordingJournal) snapshot() (int, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads, r.lastAfterSeq
}

// gatedJournal holds loads for one id until the gate is closed.
type gatedJournal struct {
	journal.Journal
	gateID string
	gate   chan struct{}
}

func (g *gatedJournal) Load(ctx context.Context, entityType, entityID string, opts ...journal.LoadOption) ([]journal.Entry, error) {
	if entityID == g.gateID {
		<-g.gate
	}
	return g.Journal.Load(ctx, entityType, entityID, opts...)
}

// gaugeRecorder captures every value reported for the active-workers gauge.
type gaugeRecorder struct {
	nopMetrics
	mu     sync.Mutex
	values []int
}

func (g *gaugeRecorder) ActiveEntities(n int) {
	g.mu.Lock()
	g.values = append(g.values, n)
	g.mu.Unlock()
}

func (g *gaugeRecorder) last() (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.values) == 0 {
		return 0, false
	}
	return g.values[len(g.values)-1], true
}

// === tests ===

func newTestManager(t *testing.T, j journal.Journal, opts ...Option) *Manager[ledgerState] {
	t.Helper()
	m := NewManager[ledgerState](ledgerProtocol{}, j, opts...)
	t.Cleanup(m.Close)
	return m
}

func TestRouteActivatesOnFirstCommand(t *testing.T) {
	j := journal.NewMemoryJournal()
	m := newTestManager(t, j)

	entry, err := m.Route(t.Context(), "acc-1", credit{Amount: 10})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, uint64(1), entry.Seq)
	assert.Equal(t, "ledger", entry.EntityType)
	assert.Equal(t, "acc-1", entry.EntityID)

	st := m.Stats()
	assert.Equal(t, 1, st.Active)
}

func TestRouteEmptyID(t *testing.T) {
	m := newTestManager(t, journal.NewMemoryJournal())
	_, err := m.Route(t.Context(), "", credit{Amount: 1})
	require.Error(t, err)
}

func TestCommandsAppliedInOrderPerIdentity(t *testing.T) {
	j := journal.NewMemoryJournal()
	m := newTestManager(t, j)

	const n = 100
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Route(t.Context(), "acc-1", credit{Amount: 1})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "command %d", i)
	}

	entries, err := j.Load(t.Context(), "ledger", "acc-1")
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}

func TestDistinctIdentitiesProceedIndependently(t *testing.T) {
	j := journal.NewMemoryJournal()
	m := newTestManager(t, j)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("acc-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 10; k++ {
				_, err := m.Route(t.Context(), id, credit{Amount: 1})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	st := m.Stats()
	assert.Equal(t, 20, st.Active)
}

func TestRejectionPersistsNothing(t *testing.T) {
	j := journal.NewMemoryJournal()
	m := newTestManager(t, j)

	_, err := m.Route(t.Context(), "acc-1", debit{Amount: 50})
	require.Error(t, err)
	assert.True(t, IsRejected(err))

	entries, err := j.Load(t.Context(), "ledger", "acc-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// the worker survives a rejection and the sequence is untouched
	entry, err := m.Route(t.Context(), "acc-1", credit{Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Seq)
}

func TestReplayRebuildsState(t *testing.T) {
	j := journal.NewMemoryJournal()

	m1 := NewManager[ledgerState](ledgerProtocol{}, j)
	_, err := m1.Route(t.Context(), "acc-1", credit{Amount: 100})
	require.NoError(t, err)
	_, err = m1.Route(t.Context(), "acc-1", debit{Amount: 30})
	require.NoError(t, err)
	m1.Close()

	// a fresh manager on the same journal must see balance 70
	m2 := newTestManager(t, j)
	_, err = m2.Route(t.Context(), "acc-1", debit{Amount: 80})
	require.Error(t, err)
	assert.True(t, IsRejected(err))

	entry, err := m2.Route(t.Context(), "acc-1", debit{Amount: 70})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), entry.Seq)
}

func TestPassivationAfterIdle(t *testing.T) {
	j := journal.NewMemoryJournal()
	m := newTestManager(t, j, WithIdleTimeout(50*time.Millisecond))

	_, err := m.Route(t.Context(), "acc-1", credit{Amount: 10})
	require.NoError(t, err)
	require.Equal(t, 1, m.Stats().Active)

	require.Eventually(t, func() bool {
		return m.Stats().Active == 0
	}, 2*time.Second, 10*time.Millisecond)

	// next command reactivates and the sequence continues
	entry, err := m.Route(t.Context(), "acc-1", credit{Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), entry.Seq)
}

func TestActiveGaugeCountsOnlyActiveWorkers(t *testing.T) {
	gate := make(chan struct{})
	gj := &gatedJournal{Journal: journal.NewMemoryJournal(), gateID: "acc-slow", gate: gate}
	rec := &gaugeRecorder{}
	m := newTestManager(t, gj,
		WithMetrics(rec),
		WithIdleTimeout(time.Second),
	)

	slowDone := make(chan struct{})
	go func() {
		_, _ = m.Route(context.Background(), "acc-slow", credit{Amount: 1})
		close(slowDone)
	}()
	require.Eventually(t, func() bool {
		return m.Stats().Activating == 1
	}, 2*time.Second, 5*time.Millisecond)

	// a worker stuck in activation must not show up in the gauge
	_, err := m.Route(t.Context(), "acc-fast", credit{Amount: 1})
	require.NoError(t, err)
	last, ok := rec.last()
	require.True(t, ok)
	assert.Equal(t, 1, last)

	close(gate)
	<-slowDone
	last, _ = rec.last()
	assert.Equal(t, 2, last)

	// passivation drains the gauge back to zero
	require.Eventually(t, func() bool {
		n, _ := rec.last()
		return n == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCommandsRacingPassivationNeverLost(t *testing.T) {
	j := journal.NewMemoryJournal()
	m := newTestManager(t, j, WithIdleTimeout(20*time.Millisecond))

	const n = 20
	for i := 0; i < n; i++ {
		_, err := m.Route(t.Context(), "acc-1", credit{Amount: 1})
		require.NoError(t, err, "command %d", i)
		// hover around the idle timeout so some commands land mid-passivation
		time.Sleep(time.Duration(15+i%10) * time.Millisecond)
	}

	entries, err := j.Load(t.Context(), "ledger", "acc-1")
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}

func TestAppendConflictTearsDownWorker(t *testing.T) {
	j := journal.NewMemoryJournal()
	m := newTestManager(t, j, WithIdleTimeout(0))

	_, err := m.Route(t.Context(), "acc-1", credit{Amount: 10})
	require.NoError(t, err)

	// a second writer sneaks an entry into the stream behind our back
	entries, err := journal.Encode("ledger", "acc-1", 1, credited{Amount: 5})
	require.NoError(t, err)
	_, err = j.Append(t.Context(), "ledger", "acc-1", 1, entries)
	require.NoError(t, err)

	// the stale worker appends at the old head and must crash
	_, err = m.Route(t.Context(), "acc-1", credit{Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, journal.ErrConflict)

	// supervision rebuilt the worker from the journal; it sees both entries
	entry, err := m.Route(t.Context(), "acc-1", debit{Amount: 15})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), entry.Seq)
}

func TestActivationFailureThenQuarantine(t *testing.T) {
	fj := &flakyJournal{Journal: journal.NewMemoryJournal(), failLoads: 2}
	m := newTestManager(t, fj,
		WithActivationRetry(1, time.Millisecond),
		WithQuarantineAfter(2),
	)

	_, err := m.Route(t.Context(), "acc-1", credit{Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrActivationFailed)

	_, err = m.Route(t.Context(), "acc-1", credit{Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuarantined)

	// fail-fast without touching the journal while quarantined
	_, err = m.Route(t.Context(), "acc-1", credit{Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuarantined)
	assert.Equal(t, 1, m.Stats().Quarantined)

	// Forget clears the quarantine; the journal has recovered by now
	require.NoError(t, m.Forget(t.Context(), "acc-1"))
	entry, err := m.Route(t.Context(), "acc-1", credit{Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Seq)
	assert.Equal(t, 0, m.Stats().Quarantined)
}

func TestActivationRetrySucceeds(t *testing.T) {
	fj := &flakyJournal{Journal: journal.NewMemoryJournal(), failLoads: 1}
	m := newTestManager(t, fj, WithActivationRetry(3, time.Millisecond))

	entry, err := m.Route(t.Context(), "acc-1", credit{Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Seq)
}

func TestSequenceGapFailsActivation(t *testing.T) {
	j := journal.NewMemoryJournal()

	m1 := NewManager[ledgerState](ledgerProtocol{}, j)
	for i := 0; i < 3; i++ {
		_, err := m1.Route(t.Context(), "acc-1", credit{Amount: 1})
		require.NoError(t, err)
	}
	m1.Close()

	j.Corrupt("ledger", "acc-1", 2)

	m2 := newTestManager(t, j, WithActivationRetry(1, time.Millisecond))
	_, err := m2.Route(t.Context(), "acc-1", credit{Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, journal.ErrGap)
}

func TestAbandonedWaitStillApplies(t *testing.T) {
	j := journal.NewMemoryJournal()
	m := NewManager[ledgerState](ledgerProtocol{validateDelay: 100 * time.Millisecond}, j)
	t.Cleanup(m.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Route(ctx, "acc-1", credit{Amount: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the command was already handed to the worker; it completes anyway
	require.Eventually(t, func() bool {
		entries, lerr := j.Load(context.Background(), "ledger", "acc-1")
		return lerr == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotShortensReplay(t *testing.T) {
	rj := &recordingJournal{Journal: journal.NewMemoryJournal()}
	snaps := NewKVSnapshotter(kv.NewMemStore())
	m := newTestManager(t, rj,
		WithIdleTimeout(50*time.Millisecond),
		WithSnapshotter(snaps),
	)

	for i := 0; i < 5; i++ {
		_, err := m.Route(t.Context(), "acc-1", credit{Amount: 10})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return m.Stats().Active == 0
	}, 2*time.Second, 10*time.Millisecond)

	// reactivation restores the snapshot and replays only the tail
	_, err := m.Route(t.Context(), "acc-1", debit{Amount: 50})
	require.NoError(t, err)

	_, lastAfterSeq := rj.snapshot()
	assert.Equal(t, uint64(5), lastAfterSeq)
}

func TestBrokenSnapshotFallsBackToFullReplay(t *testing.T) {
	j := journal.NewMemoryJournal()
	snaps := NewKVSnapshotter(kv.NewMemStore())
	m := newTestManager(t, j, WithSnapshotter(snaps), WithIdleTimeout(0))

	_, err := m.Route(t.Context(), "acc-1", credit{Amount: 40})
	require.NoError(t, err)

	// plant a snapshot whose payload is garbage
	require.NoError(t, snaps.Save(t.Context(), &Snapshot{
		EntityType: "ledger",
		EntityID:   "acc-2",
		Seq:        99,
		TakenAt:    time.Now(),
		Data:       []byte(`{"balance":"not a number"}`),
	}))

	// acc-2 has no journal entries; the broken snapshot must be ignored
	_, err = m.Route(t.Context(), "acc-2", debit{Amount: 1})
	require.Error(t, err)
	assert.True(t, IsRejected(err))
}

func TestManagerClose(t *testing.T) {
	m := NewManager[ledgerState](ledgerProtocol{}, journal.NewMemoryJournal())
	_, err := m.Route(t.Context(), "acc-1", credit{Amount: 1})
	require.NoError(t, err)

	m.Close()
	m.Close() // idempotent

	_, err = m.Route(t.Context(), "acc-1", credit{Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestSystemRouting(t *testing.T) {
	sys := NewSystem(nil)
	m := newTestManager(t, journal.NewMemoryJournal())
	require.NoError(t, sys.Register(m))

	// duplicate registration is an error
	require.Error(t, sys.Register(m))

	entry, err := sys.Route(t.Context(), "ledger", "acc-1", credit{Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Seq)

	_, err = sys.Route(t.Context(), "nope", "acc-1", credit{Amount: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownEntityType)
}
