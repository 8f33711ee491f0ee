package entity

import (
	"sync"
	"time"
)

// supervisor arms one idle timer per active identity. Every routed command
// re-arms the timer; when it fires, the passivation callback runs. Timers are
// cancellable so a busy entity never passivates.
type supervisor struct {
	idle time.Duration
	fire func(id string)

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func newSupervisor(idle time.Duration, fire func(id string)) *supervisor {
	return &supervisor{
		idle:   idle,
		fire:   fire,
		timers: map[string]*time.Timer{},
	}
}

// arm starts or resets the idle timer for id. A non-positive idle timeout
// disables passivation entirely.
func (s *supervisor) arm(id string) {
	if s.idle <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Reset(s.idle)
		return
	}
	s.timers[id] = time.AfterFunc(s.idle, func() { s.fire(id) })
}

func (s *supervisor) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *supervisor) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}
