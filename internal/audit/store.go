package audit

//go:generate mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks Store

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// Store is the durable, append-only home of audit events.
//
// Append must insert exactly one event or fail; implementations never expose
// an update or delete path. List returns matches newest first.
type Store interface {
	Append(ctx context.Context, event *Event) error
	List(ctx context.Context, filter Filter) ([]*Event, error)
}

// Filter selects events. Empty fields match everything; Limit <= 0 means no limit.
type Filter struct {
	EntityType EntityType
	EntityID   string
	ActorRole  ActorRole
	ActorID    string
	Limit      int
}

func (f Filter) matches(e *Event) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.ActorRole != "" && e.ActorRole != f.ActorRole {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	return true
}

// NewestFirst orders events by creation time descending, breaking ties by id
// descending. Event ids are time-ordered, so the tie-break preserves insertion order.
func NewestFirst(a, b *Event) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

// MemoryStore keeps events in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *event
	s.mu.Lock()
	s.events = append(s.events, &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*Event, 0, len(s.events))
	for _, e := range s.events {
		if filter.matches(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, NewestFirst)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
