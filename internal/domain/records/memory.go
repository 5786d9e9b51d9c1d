package records

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/genecura/go-audit/internal/audit"
)

type memKey struct {
	collection audit.EntityType
	key        string
}

// MemoryRepository keeps records in process. Used by the memory store driver
// and in tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[memKey]*Record
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[memKey]*Record), now: time.Now}
}

func (m *MemoryRepository) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memKey{rec.Collection, rec.Key}
	if _, exists := m.records[k]; exists {
		return fmt.Errorf("%w: %s %s", ErrAlreadyExists, rec.Collection.KeyField(), rec.Key)
	}
	m.records[k] = rec.clone()
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, collection audit.EntityType, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[memKey{collection, key}]
	if !ok || !rec.Active {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (m *MemoryRepository) List(_ context.Context, collection audit.EntityType, opts ListOptions) ([]*Record, int, error) {
	opts = opts.normalized()

	m.mu.RLock()
	var matched []*Record
	for k, rec := range m.records {
		if k.collection == collection && rec.Active && matches(rec, opts) {
			matched = append(matched, rec.clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})

	total := len(matched)
	if opts.Offset >= total {
		return []*Record{}, total, nil
	}
	end := min(opts.Offset+opts.Limit, total)
	return matched[opts.Offset:end], total, nil
}

func matches(rec *Record, opts ListOptions) bool {
	for field, want := range opts.Equals {
		if fmt.Sprint(rec.Fields[field]) != want {
			return false
		}
	}
	if opts.Search == "" {
		return true
	}
	needle := strings.ToLower(opts.Search)
	if strings.Contains(strings.ToLower(rec.Key), needle) {
		return true
	}
	for _, v := range rec.Fields {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) Update(_ context.Context, collection audit.EntityType, key string, fields map[string]any) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[memKey{collection, key}]
	if !ok || !rec.Active {
		return nil, ErrNotFound
	}
	next := rec.clone()
	maps.Copy(next.Fields, cloneFields(fields))
	next.UpdatedAt = m.now().UTC()
	m.records[memKey{collection, key}] = next
	return next.clone(), nil
}

func (m *MemoryRepository) Delete(_ context.Context, collection audit.EntityType, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[memKey{collection, key}]
	if !ok || !rec.Active {
		return nil, ErrNotFound
	}
	next := rec.clone()
	next.Active = false
	next.UpdatedAt = m.now().UTC()
	m.records[memKey{collection, key}] = next
	return next.clone(), nil
}
