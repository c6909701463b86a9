// Package breach holds breach records, their immutable event timelines,
// the aggregator that folds rule matches into them, and the lifecycle
// state machine that governs status changes.
package breach

import (
	"sort"
	"strings"
	"time"

	"breachwatch/internal/rules"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a breach.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInProgress    Status = "in_progress"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// IsValid checks if the status is a known state.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// Terminal reports whether the status closes the breach.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// Resolution tags how a breach was closed.
type Resolution string

const (
	ResolutionFixed        Resolution = "fixed"
	ResolutionMitigated    Resolution = "mitigated"
	ResolutionAcceptedRisk Resolution = "accepted_risk"
	ResolutionOther        Resolution = "resolved_other"
)

// IsValid checks if the resolution is a known tag.
func (r Resolution) IsValid() bool {
	switch r {
	case ResolutionFixed, ResolutionMitigated, ResolutionAcceptedRisk, ResolutionOther:
		return true
	}
	return false
}

// EventType classifies timeline entries.
type EventType string

const (
	EventDetection     EventType = "detection"
	EventUpdate        EventType = "update"
	EventInvestigation EventType = "investigation"
	EventEscalation    EventType = "escalation"
	EventResolution    EventType = "resolution"
	EventComment       EventType = "comment"
	EventStatusChange  EventType = "status_change"
)

// Breach is a detected or manually reported security issue.
// Status moves through the lifecycle state machine only; resolvedAt and
// resolution are set iff the status is terminal.
type Breach struct {
	ID                uuid.UUID      `json:"id"`
	Title             string         `json:"title"`
	DetectionType     string         `json:"detection_type"`
	Description       string         `json:"description,omitempty"`
	Severity          rules.Severity `json:"severity"`
	Status            Status         `json:"status"`
	Source            string         `json:"source"`
	RuleID            string         `json:"rule_id,omitempty"`
	AffectedResources []string       `json:"affected_resources"`
	Evidence          map[string]any `json:"evidence,omitempty"`
	Workspace         string         `json:"workspace,omitempty"`

	DetectedAt      time.Time  `json:"detected_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	Resolution      Resolution `json:"resolution,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`

	// Version increments on every committed update. Writers submit the
	// version they read; the store rejects stale writes.
	Version uint64 `json:"version"`
}

// clone returns a deep copy. The store hands clones across its boundary so
// callers and the store never share Evidence maps or resource slices.
func (b *Breach) clone() *Breach {
	cp := *b
	cp.AffectedResources = append([]string(nil), b.AffectedResources...)
	cp.Evidence = cloneEvidence(b.Evidence)
	if b.ResolvedAt != nil {
		t := *b.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// DedupKey identifies the ongoing condition this breach represents.
func (b *Breach) DedupKey() string {
	return DedupKey(b.Source, b.RuleID, b.AffectedResources)
}

// Event is one immutable entry in a breach's timeline. Entries are ordered
// by timestamp and never mutated after being written.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	BreachID  uuid.UUID      `json:"breach_id"`
	EventType EventType      `json:"event_type"`
	UserID    string         `json:"user_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds a timeline entry for a breach.
func NewEvent(breachID uuid.UUID, eventType EventType, userID string, details map[string]any) *Event {
	return &Event{
		ID:        uuid.New(),
		BreachID:  breachID,
		EventType: eventType,
		UserID:    userID,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// DedupKey builds the tuple identifying "the same ongoing condition".
// Resources are normalized: trimmed, lowercased, deduplicated and sorted,
// so resource ordering never splits a condition into two breaches.
func DedupKey(source, ruleID string, resources []string) string {
	norm := make(map[string]struct{}, len(resources))
	for _, r := range resources {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			norm[r] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(norm))
	for r := range norm {
		sorted = append(sorted, r)
	}
	sort.Strings(sorted)

	var sb strings.Builder
	sb.WriteString(strings.ToLower(strings.TrimSpace(source)))
	sb.WriteByte('|')
	sb.WriteString(ruleID)
	sb.WriteByte('|')
	sb.WriteString(strings.Join(sorted, ","))
	return sb.String()
}

// transitions is the closed set of allowed status moves. Reopening a
// terminal breach returns it to open.
var transitions = map[Status][]Status{
	StatusOpen:          {StatusInProgress, StatusResolved, StatusFalsePositive},
	StatusInProgress:    {StatusResolved, StatusFalsePositive},
	StatusResolved:      {StatusOpen},
	StatusFalsePositive: {StatusOpen},
}

// CanTransition reports whether the status graph allows from -> to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
