// Package views builds read-only projections over the breach and signal
// stores for the admin dashboard. Views never mutate state.
package views

import (
	"context"
	"time"

	"github.com/google/uuid"

	"breachwatch/internal/breach"
	"breachwatch/internal/schema"
	"breachwatch/internal/store"
)

// Summary aggregates breach counts along the dashboard's axes.
type Summary struct {
	Total       int            `json:"total"`
	Open        int            `json:"open"`
	BySeverity  map[string]int `json:"by_severity"`
	ByStatus    map[string]int `json:"by_status"`
	ByType      map[string]int `json:"by_type"`
	BySource    map[string]int `json:"by_source"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Dashboard serves read projections.
type Dashboard struct {
	breaches breach.Store
	signals  store.SignalReader
}

// NewDashboard creates a dashboard over the given stores. signals may be nil
// when metric views are not needed.
func NewDashboard(breaches breach.Store, signals store.SignalReader) *Dashboard {
	return &Dashboard{breaches: breaches, signals: signals}
}

// Summary counts breaches by severity, status, detection type and source.
func (d *Dashboard) Summary(ctx context.Context) (*Summary, error) {
	all, err := d.breaches.List(ctx, breach.Filter{})
	if err != nil {
		return nil, err
	}

	s := &Summary{
		BySeverity:  make(map[string]int),
		ByStatus:    make(map[string]int),
		ByType:      make(map[string]int),
		BySource:    make(map[string]int),
		GeneratedAt: time.Now().UTC(),
	}
	for _, b := range all {
		s.Total++
		if !b.Status.Terminal() {
			s.Open++
		}
		s.BySeverity[string(b.Severity)]++
		s.ByStatus[string(b.Status)]++
		if b.DetectionType != "" {
			s.ByType[b.DetectionType]++
		}
		if b.Source != "" {
			s.BySource[b.Source]++
		}
	}
	return s, nil
}

// RecentBreaches returns the newest breaches, most recent first.
func (d *Dashboard) RecentBreaches(ctx context.Context, limit int) ([]*breach.Breach, error) {
	if limit <= 0 {
		limit = 20
	}
	return d.breaches.List(ctx, breach.Filter{Limit: limit})
}

// OpenBySeverity returns open breaches at or above the given severity.
func (d *Dashboard) OpenBySeverity(ctx context.Context, severity string) ([]*breach.Breach, error) {
	all, err := d.breaches.List(ctx, breach.Filter{})
	if err != nil {
		return nil, err
	}
	var out []*breach.Breach
	for _, b := range all {
		if b.Status.Terminal() {
			continue
		}
		if severity != "" && string(b.Severity) != severity {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// RecentCriticalMetrics returns metric samples from the window tagged with
// the "critical" category, newest last.
func (d *Dashboard) RecentCriticalMetrics(ctx context.Context, window time.Duration) ([]*schema.SecurityMetric, error) {
	if d.signals == nil {
		return nil, nil
	}
	if window <= 0 {
		window = time.Hour
	}
	now := time.Now().UTC()

	samples, err := d.signals.MetricsBetween(ctx, "", now.Add(-window), now)
	if err != nil {
		return nil, err
	}
	var out []*schema.SecurityMetric
	for _, m := range samples {
		if m.Category == "critical" {
			out = append(out, m)
		}
	}
	return out, nil
}

// Timeline returns a breach's event history.
func (d *Dashboard) Timeline(ctx context.Context, id uuid.UUID) ([]*breach.Event, error) {
	return d.breaches.Timeline(ctx, id)
}
