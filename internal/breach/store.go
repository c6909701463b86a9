package breach

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a breach does not exist.
	ErrNotFound = errors.New("breach: not found")

	// ErrDedupConflict is returned when a write raced another writer on the
	// same breach: the submitted record's version is stale. Callers re-read
	// and retry; the aggregator falls back to creating a new breach after
	// one retry rather than losing evidence.
	ErrDedupConflict = errors.New("breach: dedup conflict")
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status        Status
	Severity      string
	DetectionType string
	Source        string
	Workspace     string
	Limit         int
}

// Store persists breaches and their timelines. A breach and its event commit
// together or not at all; timelines are append-only.
type Store interface {
	// Create inserts a new breach with its initial timeline entry.
	Create(ctx context.Context, b *Breach, initial *Event) error
	// Update persists breach mutations together with the timeline entry
	// describing them.
	Update(ctx context.Context, b *Breach, ev *Event) error
	// Get returns a breach by ID.
	Get(ctx context.Context, id uuid.UUID) (*Breach, error)
	// Timeline returns the breach's events ordered by timestamp.
	Timeline(ctx context.Context, breachID uuid.UUID) ([]*Event, error)
	// FindOpenByDedupKey returns the most recent non-terminal breach with
	// the given dedup key, or ErrNotFound.
	FindOpenByDedupKey(ctx context.Context, key string) (*Breach, error)
	// List returns breaches matching the filter, most recent first.
	List(ctx context.Context, f Filter) ([]*Breach, error)
}

// MemoryStore is an in-memory Store. Mutations take the store lock, giving
// the same commit-together guarantee a transactional backend provides.
type MemoryStore struct {
	mu        sync.RWMutex
	breaches  map[uuid.UUID]*Breach
	timelines map[uuid.UUID][]*Event
	byDedup   map[string][]uuid.UUID // insertion ordered
}

// NewMemoryStore creates an empty breach store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		breaches:  make(map[uuid.UUID]*Breach),
		timelines: make(map[uuid.UUID][]*Event),
		byDedup:   make(map[string][]uuid.UUID),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, b *Breach, initial *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.breaches[b.ID] = b.clone()
	if initial != nil {
		s.timelines[b.ID] = append(s.timelines[b.ID], initial)
	}
	key := b.DedupKey()
	s.byDedup[key] = append(s.byDedup[key], b.ID)
	return nil
}

// Update implements Store. The submitted record must carry the version it
// was read at; a stale version means another writer committed in between
// and the update is rejected with ErrDedupConflict.
func (s *MemoryStore) Update(ctx context.Context, b *Breach, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.breaches[b.ID]
	if !ok {
		return ErrNotFound
	}
	if b.Version != cur.Version {
		return ErrDedupConflict
	}
	b.Version++
	s.breaches[b.ID] = b.clone()
	if ev != nil {
		s.timelines[b.ID] = append(s.timelines[b.ID], ev)
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Breach, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.breaches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.clone(), nil
}

// Timeline implements Store.
func (s *MemoryStore) Timeline(ctx context.Context, breachID uuid.UUID) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.breaches[breachID]; !ok {
		return nil, ErrNotFound
	}
	events := s.timelines[breachID]
	out := make([]*Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// FindOpenByDedupKey implements Store.
func (s *MemoryStore) FindOpenByDedupKey(ctx context.Context, key string) (*Breach, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byDedup[key]
	for i := len(ids) - 1; i >= 0; i-- {
		b := s.breaches[ids[i]]
		if b != nil && !b.Status.Terminal() {
			return b.clone(), nil
		}
	}
	return nil, ErrNotFound
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Breach, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Breach
	for _, b := range s.breaches {
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.Severity != "" && string(b.Severity) != f.Severity {
			continue
		}
		if f.DetectionType != "" && b.DetectionType != f.DetectionType {
			continue
		}
		if f.Source != "" && b.Source != f.Source {
			continue
		}
		if f.Workspace != "" && b.Workspace != f.Workspace {
			continue
		}
		out = append(out, b.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Stats returns store counters.
func (s *MemoryStore) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := 0
	for _, b := range s.breaches {
		if !b.Status.Terminal() {
			open++
		}
	}
	return map[string]interface{}{
		"breaches": len(s.breaches),
		"open":     open,
	}
}

// touch stamps the breach's UpdatedAt.
func touch(b *Breach) {
	b.UpdatedAt = time.Now().UTC()
}
