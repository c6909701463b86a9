// Package audit records operator-visible actions on breaches and rules.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Entry is one audited action.
type Entry struct {
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Actor        string         `json:"actor,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Auditor records audit entries. Implementations must not block the caller
// on slow sinks.
type Auditor interface {
	Record(ctx context.Context, entry Entry)
}

// LogAuditor writes audit entries to structured logs.
type LogAuditor struct {
	logger *slog.Logger
}

// NewLogAuditor creates an auditor over the given logger. A nil logger uses
// the default.
func NewLogAuditor(logger *slog.Logger) *LogAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAuditor{logger: logger}
}

// Record implements Auditor.
func (a *LogAuditor) Record(ctx context.Context, entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	a.logger.InfoContext(ctx, "audit",
		"action", entry.Action,
		"resource_type", entry.ResourceType,
		"resource_id", entry.ResourceID,
		"actor", entry.Actor,
		"details", entry.Details,
		"timestamp", entry.Timestamp,
	)
}

// Nop is an auditor that discards entries.
type Nop struct{}

// Record implements Auditor.
func (Nop) Record(context.Context, Entry) {}
