package store

import (
	"context"
	"sync"
	"time"

	"breachwatch/internal/schema"
)

// MemoryStore is an in-memory append-only signal log with time-window
// queries. It backs tests and small single-node deployments; durable
// deployments use the ClickHouse store.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*schema.SecurityEvent
	metrics   []*schema.SecurityMetric
	retention time.Duration
	closed    bool
}

// NewMemoryStore creates a memory store retaining signals for the given
// duration. Zero retention keeps everything.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{retention: retention}
}

// AppendEvent appends an event to the log. Events are immutable once written.
func (s *MemoryStore) AppendEvent(ctx context.Context, event *schema.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.events = append(s.events, event)
	return nil
}

// AppendMetric appends a metric sample to the log.
func (s *MemoryStore) AppendMetric(ctx context.Context, metric *schema.SecurityMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.metrics = append(s.metrics, metric)
	return nil
}

// EventsBetween returns events with from < timestamp <= to.
func (s *MemoryStore) EventsBetween(ctx context.Context, from, to time.Time) ([]*schema.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []*schema.SecurityEvent
	for _, ev := range s.events {
		if ev.Timestamp.After(from) && !ev.Timestamp.After(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// MetricsBetween returns samples of the named metric with from < timestamp <= to.
func (s *MemoryStore) MetricsBetween(ctx context.Context, name string, from, to time.Time) ([]*schema.SecurityMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []*schema.SecurityMetric
	for _, m := range s.metrics {
		if name != "" && m.Name != name {
			continue
		}
		if m.Timestamp.After(from) && !m.Timestamp.After(to) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Trim drops signals older than the retention window. No-op when
// retention is zero.
func (s *MemoryStore) Trim() (dropped int) {
	if s.retention <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.retention)

	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		} else {
			dropped++
		}
	}
	s.events = kept

	keptM := s.metrics[:0]
	for _, m := range s.metrics {
		if m.Timestamp.After(cutoff) {
			keptM = append(keptM, m)
		} else {
			dropped++
		}
	}
	s.metrics = keptM

	return dropped
}

// Close marks the store closed. Subsequent reads and appends fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Stats returns store counters.
func (s *MemoryStore) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"events":  len(s.events),
		"metrics": len(s.metrics),
	}
}
