// Package perkey serializes work per key while work for different keys runs
// concurrently. The entity manager routes every command and passivation
// through it, which makes the per-key queue the single ordering point for
// one entity: tasks run in submission order, and nothing for the same key
// ever overlaps.
package perkey

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSchedulerClosed is returned when Do is called on a closed scheduler.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize int
	workerTTL  time.Duration
}

// WithBufferSize sets the task buffer size per key (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithWorkerTTL sets how long an idle key keeps its worker goroutine before
// it is reaped (default: 1 minute). A reaped key gets a fresh worker on the
// next task.
func WithWorkerTTL(ttl time.Duration) Option {
	return func(c *config) {
		if ttl > 0 {
			c.workerTTL = ttl
		}
	}
}

// Scheduler runs tasks such that for any given key, tasks execute
// sequentially in submission order. Tasks for different keys proceed in
// parallel. Idle keys release their worker goroutine after a TTL, so the
// scheduler stays bounded by the number of recently active keys.
type Scheduler[K comparable] struct {
	mu       sync.Mutex
	workers  map[K]*worker
	closed   bool
	wg       sync.WaitGroup // in-flight Do operations
	workerWG sync.WaitGroup // running worker goroutines
	cfg      config
}

type worker struct {
	tasks chan *task
	// pending counts callers that hold a reference to this worker but have
	// not finished enqueueing yet; the reaper never removes a worker with
	// pending callers.
	pending int
}

type task struct {
	fn   func() error
	done chan error
}

// New creates a Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := config{bufferSize: 64, workerTTL: time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler[K]{
		workers: make(map[K]*worker),
		cfg:     cfg,
	}
}

// Do schedules fn for key, blocks until fn finishes, and returns its error.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but respects context cancellation while waiting. A
// task that was already enqueued still executes even if the caller stops
// waiting for it.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	w := s.getOrCreateWorkerLocked(key)
	w.pending++
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		w.pending--
		s.mu.Unlock()
	}

	t := &task{
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case w.tasks <- t:
		release()
	case <-ctx.Done():
		release()
		s.wg.Done()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		s.wg.Done()
		return err
	case <-ctx.Done():
		// The task will still execute; we just stop waiting.
		s.wg.Done()
		return ctx.Err()
	}
}

// Close stops accepting new tasks and blocks until every queued task has
// finished and all workers have exited.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// Wait for in-flight Do calls to finish enqueueing before closing
	// channels.
	s.wg.Wait()

	s.mu.Lock()
	for _, w := range s.workers {
		close(w.tasks)
	}
	s.workers = nil
	s.mu.Unlock()

	s.workerWG.Wait()
}

func (s *Scheduler[K]) getOrCreateWorkerLocked(key K) *worker {
	w, ok := s.workers[key]
	if ok {
		return w
	}

	w = &worker{tasks: make(chan *task, s.cfg.bufferSize)}
	s.workers[key] = w
	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		s.runWorker(key, w)
	}()

	return w
}

// runWorker processes tasks sequentially for one key and exits once the key
// has been idle for the worker TTL.
func (s *Scheduler[K]) runWorker(key K, w *worker) {
	idle := time.NewTimer(s.cfg.workerTTL)
	defer idle.Stop()

	for {
		select {
		case t, ok := <-w.tasks:
			if !ok {
				return
			}
			t.done <- t.fn()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.workerTTL)
		case <-idle.C:
			s.mu.Lock()
			// never exit with pending enqueuers or queued tasks, even during
			// close: a caller past the closed check may still be sending
			if w.pending == 0 && len(w.tasks) == 0 {
				if !s.closed {
					delete(s.workers, key)
				}
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			idle.Reset(s.cfg.workerTTL)
		}
	}
}
