package breach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"breachwatch/internal/audit"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned for a status move the lifecycle graph
	// does not allow. No state changes and no event is appended.
	ErrInvalidTransition = errors.New("breach: invalid status transition")

	// ErrMissingResolution is returned when a terminal transition lacks
	// resolution notes or carries an unknown resolution tag.
	ErrMissingResolution = errors.New("breach: resolution notes required")
)

// Lifecycle applies status transitions, comments and escalations to
// breaches. Every accepted operation appends exactly one timeline entry.
type Lifecycle struct {
	store    Store
	auditor  audit.Auditor
	handlers []Handler
}

// NewLifecycle creates a lifecycle manager over the breach store.
func NewLifecycle(store Store, auditor audit.Auditor) *Lifecycle {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Lifecycle{store: store, auditor: auditor}
}

// AddHandler registers a notice handler for status changes.
func (l *Lifecycle) AddHandler(h Handler) {
	l.handlers = append(l.handlers, h)
}

// StatusChange is an operator request to move a breach to a new status.
// Resolution and Notes are required for terminal transitions; a false
// positive may omit the tag but must explain itself in Notes.
type StatusChange struct {
	To         Status
	Resolution Resolution
	Notes      string
	Actor      string
}

// maxUpdateRetries bounds re-reads when an update races another writer.
const maxUpdateRetries = 3

// SetStatus applies a status transition. Rejected transitions leave the
// breach untouched and append nothing. A write that races another writer
// is retried against fresh state, so the transition is always validated
// against the record it commits over.
func (l *Lifecycle) SetStatus(ctx context.Context, id uuid.UUID, change StatusChange) (*Breach, error) {
	if !change.To.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, change.To)
	}

	for attempt := 0; ; attempt++ {
		b, ev, err := l.applyStatus(ctx, id, change)
		if errors.Is(err, ErrDedupConflict) && attempt < maxUpdateRetries {
			continue
		}
		if err != nil {
			return nil, err
		}

		from := ev.Details["from"]
		slog.Info("breach status changed",
			"breach_id", b.ID, "from", from, "to", change.To, "actor", change.Actor)
		l.auditor.Record(ctx, audit.Entry{
			Action:       "breach.status_changed",
			ResourceType: "breach",
			ResourceID:   b.ID.String(),
			Actor:        change.Actor,
			Details:      ev.Details,
		})
		l.notify(ctx, &Notice{Breach: b, Event: ev})
		return b, nil
	}
}

// applyStatus runs one read-validate-write attempt of a status change.
func (l *Lifecycle) applyStatus(ctx context.Context, id uuid.UUID, change StatusChange) (*Breach, *Event, error) {
	b, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	from := b.Status
	if !CanTransition(from, change.To) {
		return nil, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, change.To)
	}

	eventType := EventStatusChange
	if change.To.Terminal() {
		if change.Notes == "" {
			return nil, nil, fmt.Errorf("%w: transition to %s", ErrMissingResolution, change.To)
		}
		if change.To == StatusResolved && !change.Resolution.IsValid() {
			return nil, nil, fmt.Errorf("%w: resolution tag required to resolve", ErrMissingResolution)
		}
		if change.Resolution != "" && !change.Resolution.IsValid() {
			return nil, nil, fmt.Errorf("%w: unknown resolution %q", ErrMissingResolution, change.Resolution)
		}
		now := time.Now().UTC()
		b.ResolvedAt = &now
		b.Resolution = change.Resolution
		b.ResolutionNotes = change.Notes
		eventType = EventResolution
	} else {
		// reopening or progressing clears any stale terminal fields
		b.ResolvedAt = nil
		b.Resolution = ""
		b.ResolutionNotes = ""
	}

	b.Status = change.To
	touch(b)

	details := map[string]any{
		"from": string(from),
		"to":   string(change.To),
	}
	if change.To.Terminal() {
		details["resolution"] = string(change.Resolution)
		details["notes"] = change.Notes
	}
	ev := NewEvent(b.ID, eventType, change.Actor, details)

	if err := l.store.Update(ctx, b, ev); err != nil {
		if errors.Is(err, ErrDedupConflict) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("apply status change: %w", err)
	}
	return b, ev, nil
}

// Comment appends a comment to the breach timeline without changing status.
func (l *Lifecycle) Comment(ctx context.Context, id uuid.UUID, actor, text string) (*Event, error) {
	if text == "" {
		return nil, fmt.Errorf("comment text is required")
	}

	var ev *Event
	for attempt := 0; ; attempt++ {
		b, err := l.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		touch(b)
		ev = NewEvent(b.ID, EventComment, actor, map[string]any{"text": text})
		err = l.store.Update(ctx, b, ev)
		if errors.Is(err, ErrDedupConflict) && attempt < maxUpdateRetries {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("append comment: %w", err)
		}
		break
	}

	l.auditor.Record(ctx, audit.Entry{
		Action:       "breach.commented",
		ResourceType: "breach",
		ResourceID:   ev.BreachID.String(),
		Actor:        actor,
	})
	return ev, nil
}

// Escalate appends an escalation entry without changing status.
func (l *Lifecycle) Escalate(ctx context.Context, id uuid.UUID, actor, reason string) (*Event, error) {
	var b *Breach
	var ev *Event
	for attempt := 0; ; attempt++ {
		var err error
		b, err = l.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		touch(b)
		ev = NewEvent(b.ID, EventEscalation, actor, map[string]any{"reason": reason})
		err = l.store.Update(ctx, b, ev)
		if errors.Is(err, ErrDedupConflict) && attempt < maxUpdateRetries {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("append escalation: %w", err)
		}
		break
	}

	slog.Warn("breach escalated", "breach_id", b.ID, "actor", actor, "reason", reason)
	l.auditor.Record(ctx, audit.Entry{
		Action:       "breach.escalated",
		ResourceType: "breach",
		ResourceID:   b.ID.String(),
		Actor:        actor,
		Details:      map[string]any{"reason": reason},
	})
	l.notify(ctx, &Notice{Breach: b, Event: ev})
	return ev, nil
}

func (l *Lifecycle) notify(ctx context.Context, n *Notice) {
	for _, h := range l.handlers {
		if err := h(ctx, n); err != nil {
			slog.Error("lifecycle handler failed", "breach_id", n.Breach.ID, "error", err)
		}
	}
}
