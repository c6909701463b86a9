package store

import (
	"context"
	"time"

	"breachwatch/internal/schema"
)

// SignalReader is the read side of the signal log used by rule evaluation.
// The log is read-many/append-only; readers need no locking discipline
// beyond what implementations provide internally.
type SignalReader interface {
	// EventsBetween returns events with from < timestamp <= to, ordered by timestamp.
	EventsBetween(ctx context.Context, from, to time.Time) ([]*schema.SecurityEvent, error)

	// MetricsBetween returns samples of the named metric with
	// from < timestamp <= to, ordered by timestamp. An empty name returns
	// all metrics in the window.
	MetricsBetween(ctx context.Context, name string, from, to time.Time) ([]*schema.SecurityMetric, error)
}

// SignalWriter is the append side of the signal log.
type SignalWriter interface {
	AppendEvent(ctx context.Context, event *schema.SecurityEvent) error
	AppendMetric(ctx context.Context, metric *schema.SecurityMetric) error
}

// SignalStore combines both sides of the log.
type SignalStore interface {
	SignalReader
	SignalWriter
}
