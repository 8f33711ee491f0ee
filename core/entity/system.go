package entity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/riker-rs/riker-cqrs/core/journal"
)

// Router is the type-erased face of a Manager. A System holds one Router per
// entity type.
type Router interface {
	EntityType() string
	RouteAny(ctx context.Context, id string, cmd any) (*journal.Entry, error)
	Close()
}

// System routes commands across entity types. It is a thin registry; all
// lifecycle logic lives in the managers.
type System struct {
	log *slog.Logger

	mu       sync.RWMutex
	managers map[string]Router
}

func NewSystem(log *slog.Logger) *System {
	if log == nil {
		log = slog.Default()
	}
	return &System{log: log, managers: map[string]Router{}}
}

// Register adds a manager. Registering the same entity type twice is an
// error.
func (s *System) Register(r Router) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := r.EntityType()
	if _, ok := s.managers[t]; ok {
		return fmt.Errorf("entity type already registered: %s", t)
	}
	s.managers[t] = r
	s.log.Debug("entity type registered", slog.String("entity_type", t))
	return nil
}

// Route forwards cmd to the manager for entityType.
func (s *System) Route(ctx context.Context, entityType, id string, cmd any) (*journal.Entry, error) {
	s.mu.RLock()
	r, ok := s.managers[entityType]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return r.RouteAny(ctx, id, cmd)
}

// Close shuts down all registered managers concurrently.
func (s *System) Close() {
	s.mu.Lock()
	managers := s.managers
	s.managers = map[string]Router{}
	s.mu.Unlock()

	g := new(errgroup.Group)
	for _, r := range managers {
		g.Go(func() error {
			r.Close()
			return nil
		})
	}
	_ = g.Wait()
}
