package breach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"breachwatch/internal/audit"
	"breachwatch/internal/engine"
	"breachwatch/internal/rules"

	"github.com/google/uuid"
)

// Notice describes a breach mutation for downstream consumers: the
// indicator correlator, the notification router, read views.
type Notice struct {
	Breach  *Breach
	Event   *Event
	Created bool // true for new breaches, false for merges and updates
}

// Handler consumes breach notices. Handler failures are logged and never
// block breach persistence.
type Handler func(context.Context, *Notice) error

// SharedLocker serializes dedup-key access across processes. Single-node
// deployments run without one; the in-process key lock is always held.
type SharedLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Aggregator folds rule matches into breaches, deduplicating so a still-open
// breach absorbs new evidence instead of spawning duplicates.
type Aggregator struct {
	store    Store
	auditor  audit.Auditor
	shared   SharedLocker
	handlers []Handler

	keysMu sync.Mutex
	keys   map[string]*keyLock
}

// keyLock is a refcounted per-key mutex. The last holder removes the entry
// so the key map stays bounded by in-flight aggregations.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewAggregator creates an aggregator over the breach store. shared may be
// nil; auditor may be nil to disable auditing.
func NewAggregator(store Store, auditor audit.Auditor, shared SharedLocker) *Aggregator {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Aggregator{
		store:   store,
		auditor: auditor,
		shared:  shared,
		keys:    make(map[string]*keyLock),
	}
}

// AddHandler registers a notice handler.
func (a *Aggregator) AddHandler(h Handler) {
	a.handlers = append(a.handlers, h)
}

// HandleMatch is the engine-facing entry point.
func (a *Aggregator) HandleMatch(ctx context.Context, m *engine.Match) error {
	_, err := a.Aggregate(ctx, m)
	return err
}

// Aggregate merges the match into the most recent open breach with the same
// dedup key, or creates a new breach when none is open. The whole step is
// serialized per dedup key.
func (a *Aggregator) Aggregate(ctx context.Context, m *engine.Match) (*Breach, error) {
	key := DedupKey(m.Source, m.RuleID, m.AffectedResources)

	unlock := a.lockKey(key)
	defer unlock()

	if a.shared != nil {
		sharedUnlock, err := a.shared.Lock(ctx, key)
		if err != nil {
			slog.Warn("shared dedup lock unavailable, proceeding with local lock only",
				"key", key, "error", err)
		} else {
			defer sharedUnlock()
		}
	}

	existing, err := a.store.FindOpenByDedupKey(ctx, key)
	switch {
	case err == nil:
		return a.merge(ctx, existing, m, true)
	case errors.Is(err, ErrNotFound):
		return a.create(ctx, m, true)
	default:
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
}

// merge folds new evidence into an open breach and appends an update event.
// On a dedup conflict the merge is retried once against fresh state; when
// retryConflict is already spent the match becomes a new breach so evidence
// is never lost.
func (a *Aggregator) merge(ctx context.Context, b *Breach, m *engine.Match, retryConflict bool) (*Breach, error) {
	mergeEvidence(b, m)
	if m.Severity.Rank() > b.Severity.Rank() {
		b.Severity = m.Severity
	}
	touch(b)

	ev := NewEvent(b.ID, EventUpdate, "", map[string]any{
		"rule_id":     m.RuleID,
		"observed_at": m.ObservedAt,
		"evidence":    m.Evidence,
	})

	if err := a.store.Update(ctx, b, ev); err != nil {
		if errors.Is(err, ErrDedupConflict) {
			if retryConflict {
				fresh, lookupErr := a.store.FindOpenByDedupKey(ctx, b.DedupKey())
				if lookupErr == nil {
					return a.merge(ctx, fresh, m, false)
				}
			}
			return a.create(ctx, m, false)
		}
		return nil, fmt.Errorf("merge breach: %w", err)
	}

	a.auditor.Record(ctx, audit.Entry{
		Action:       "breach.merged",
		ResourceType: "breach",
		ResourceID:   b.ID.String(),
		Details:      map[string]any{"rule_id": m.RuleID},
	})
	a.notify(ctx, &Notice{Breach: b, Event: ev, Created: false})
	return b, nil
}

// create persists a new open breach with its initial detection event.
func (a *Aggregator) create(ctx context.Context, m *engine.Match, retryConflict bool) (*Breach, error) {
	now := time.Now().UTC()
	b := &Breach{
		ID:                uuid.New(),
		Title:             m.RuleName,
		DetectionType:     m.DetectionType,
		Severity:          m.Severity,
		Status:            StatusOpen,
		Source:            m.Source,
		RuleID:            m.RuleID,
		AffectedResources: append([]string(nil), m.AffectedResources...),
		Evidence:          cloneEvidence(m.Evidence),
		DetectedAt:        m.ObservedAt,
		UpdatedAt:         now,
	}
	if b.DetectedAt.IsZero() {
		b.DetectedAt = now
	}

	ev := NewEvent(b.ID, EventDetection, "", map[string]any{
		"rule_id":  m.RuleID,
		"evidence": m.Evidence,
	})

	if err := a.store.Create(ctx, b, ev); err != nil {
		if errors.Is(err, ErrDedupConflict) && retryConflict {
			// a concurrent writer opened the breach first; merge into it
			fresh, lookupErr := a.store.FindOpenByDedupKey(ctx, b.DedupKey())
			if lookupErr == nil {
				return a.merge(ctx, fresh, m, false)
			}
			return a.create(ctx, m, false)
		}
		return nil, fmt.Errorf("create breach: %w", err)
	}

	slog.Info("breach created",
		"breach_id", b.ID, "rule_id", m.RuleID,
		"severity", b.Severity, "source", b.Source)
	a.auditor.Record(ctx, audit.Entry{
		Action:       "breach.created",
		ResourceType: "breach",
		ResourceID:   b.ID.String(),
		Details:      map[string]any{"rule_id": m.RuleID, "severity": string(b.Severity)},
	})
	a.notify(ctx, &Notice{Breach: b, Event: ev, Created: true})
	return b, nil
}

// ManualBreach is operator input for breach creation outside rule
// evaluation. Manual creation bypasses dedup and always creates a record.
type ManualBreach struct {
	Title             string
	Description       string
	DetectionType     string
	Severity          rules.Severity
	Source            string
	AffectedResources []string
	Evidence          map[string]any
	Workspace         string
	ReportedBy        string
}

// CreateManual creates a breach from an operator report.
func (a *Aggregator) CreateManual(ctx context.Context, in ManualBreach) (*Breach, error) {
	if in.Title == "" {
		return nil, fmt.Errorf("manual breach requires a title")
	}
	if !in.Severity.IsValid() {
		return nil, fmt.Errorf("manual breach severity %q is not valid", in.Severity)
	}

	now := time.Now().UTC()
	b := &Breach{
		ID:                uuid.New(),
		Title:             in.Title,
		Description:       in.Description,
		DetectionType:     in.DetectionType,
		Severity:          in.Severity,
		Status:            StatusOpen,
		Source:            in.Source,
		AffectedResources: append([]string(nil), in.AffectedResources...),
		Evidence:          cloneEvidence(in.Evidence),
		Workspace:         in.Workspace,
		DetectedAt:        now,
		UpdatedAt:         now,
	}
	ev := NewEvent(b.ID, EventDetection, in.ReportedBy, map[string]any{
		"manual": true,
	})

	if err := a.store.Create(ctx, b, ev); err != nil {
		return nil, fmt.Errorf("create manual breach: %w", err)
	}

	a.auditor.Record(ctx, audit.Entry{
		Action:       "breach.created_manual",
		ResourceType: "breach",
		ResourceID:   b.ID.String(),
		Actor:        in.ReportedBy,
	})
	a.notify(ctx, &Notice{Breach: b, Event: ev, Created: true})
	return b, nil
}

func (a *Aggregator) notify(ctx context.Context, n *Notice) {
	for _, h := range a.handlers {
		if err := h(ctx, n); err != nil {
			slog.Error("breach handler failed", "breach_id", n.Breach.ID, "error", err)
		}
	}
}

// lockKey serializes in-process access to a dedup key.
func (a *Aggregator) lockKey(key string) func() {
	a.keysMu.Lock()
	kl, ok := a.keys[key]
	if !ok {
		kl = &keyLock{}
		a.keys[key] = kl
	}
	kl.refs++
	a.keysMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()

		a.keysMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(a.keys, key)
		}
		a.keysMu.Unlock()
	}
}

// mergeEvidence folds match evidence into the breach. Numeric counts add up,
// event ID lists append, everything else takes the newest value.
func mergeEvidence(b *Breach, m *engine.Match) {
	if b.Evidence == nil {
		b.Evidence = make(map[string]any)
	}
	for k, v := range m.Evidence {
		switch k {
		case "count":
			b.Evidence[k] = asInt(b.Evidence[k]) + asInt(v)
		case "event_ids":
			b.Evidence[k] = appendStrings(b.Evidence[k], v)
		default:
			b.Evidence[k] = v
		}
	}
	b.Evidence["update_count"] = asInt(b.Evidence["update_count"]) + 1
}

func cloneEvidence(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func appendStrings(existing, incoming any) []string {
	var out []string
	for _, v := range []any{existing, incoming} {
		switch list := v.(type) {
		case []string:
			out = append(out, list...)
		case []any:
			for _, item := range list {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}
