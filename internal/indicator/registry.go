package indicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"breachwatch/internal/audit"
	"breachwatch/internal/breach"

	"github.com/google/uuid"
)

// ErrLinkNotFound is returned when confirming or denying a missing link.
var ErrLinkNotFound = errors.New("indicator: link not found")

// Registry is the global indicator store plus the breach-indicator join.
// All mutations are serialized internally; the correlator is the only
// writer in the pipeline.
type Registry struct {
	mu          sync.RWMutex
	byKey       map[string]*Indicator                // (type|value) -> indicator
	byID        map[uuid.UUID]*Indicator
	links       map[uuid.UUID]map[uuid.UUID]*Link    // breach -> indicator -> link
	byIndicator map[uuid.UUID]map[uuid.UUID]struct{} // indicator -> breaches

	auditor audit.Auditor
}

// NewRegistry creates an empty registry.
func NewRegistry(auditor audit.Auditor) *Registry {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Registry{
		byKey:       make(map[string]*Indicator),
		byID:        make(map[uuid.UUID]*Indicator),
		links:       make(map[uuid.UUID]map[uuid.UUID]*Link),
		byIndicator: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		auditor:     auditor,
	}
}

func key(t Type, value string) string {
	return string(t) + "|" + strings.ToLower(strings.TrimSpace(value))
}

// Upsert registers a sighting of an indicator. Repeated sightings merge:
// confidence takes the maximum of old and new, lastSeen advances, firstSeen
// never moves.
func (r *Registry) Upsert(ctx context.Context, c Candidate, source string) *Indicator {
	now := time.Now().UTC()
	confidence := clamp01(c.Confidence)

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(c.Type, c.Value)
	if existing, ok := r.byKey[k]; ok {
		if confidence > existing.Confidence {
			existing.Confidence = confidence
		}
		if now.After(existing.LastSeen) {
			existing.LastSeen = now
		}
		cp := *existing
		return &cp
	}

	ind := &Indicator{
		ID:         uuid.New(),
		Type:       c.Type,
		Value:      strings.TrimSpace(c.Value),
		Confidence: confidence,
		Source:     source,
		FirstSeen:  now,
		LastSeen:   now,
	}
	r.byKey[k] = ind
	r.byID[ind.ID] = ind

	slog.Debug("indicator registered", "type", ind.Type, "value", ind.Value, "confidence", ind.Confidence)
	cp := *ind
	return &cp
}

// LinkBreach creates or keeps the link between a breach and an indicator.
// New automatic links start as associated; an existing confirmed link is
// never downgraded.
func (r *Registry) LinkBreach(ctx context.Context, breachID, indicatorID uuid.UUID, rel Relationship) (*Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[indicatorID]; !ok {
		return nil, fmt.Errorf("indicator %s is not registered", indicatorID)
	}
	if rel == "" {
		rel = RelationshipAssociated
	}

	if r.links[breachID] == nil {
		r.links[breachID] = make(map[uuid.UUID]*Link)
	}
	if existing, ok := r.links[breachID][indicatorID]; ok {
		if existing.Relationship != RelationshipConfirmed {
			existing.Relationship = rel
		}
		cp := *existing
		return &cp, nil
	}

	link := &Link{BreachID: breachID, IndicatorID: indicatorID, Relationship: rel}
	r.links[breachID][indicatorID] = link
	if r.byIndicator[indicatorID] == nil {
		r.byIndicator[indicatorID] = make(map[uuid.UUID]struct{})
	}
	r.byIndicator[indicatorID][breachID] = struct{}{}

	cp := *link
	return &cp, nil
}

// ConfirmLink marks a link as operator-confirmed.
func (r *Registry) ConfirmLink(ctx context.Context, breachID, indicatorID uuid.UUID, actor, notes string) error {
	r.mu.Lock()
	link, ok := r.links[breachID][indicatorID]
	if ok {
		link.Relationship = RelationshipConfirmed
		link.Notes = notes
	}
	r.mu.Unlock()

	if !ok {
		return ErrLinkNotFound
	}
	r.auditor.Record(ctx, audit.Entry{
		Action:       "indicator.link_confirmed",
		ResourceType: "indicator_link",
		ResourceID:   breachID.String() + "/" + indicatorID.String(),
		Actor:        actor,
	})
	return nil
}

// DenyLink removes a link an operator judged spurious. The indicator itself
// stays registered.
func (r *Registry) DenyLink(ctx context.Context, breachID, indicatorID uuid.UUID, actor string) error {
	r.mu.Lock()
	_, ok := r.links[breachID][indicatorID]
	if ok {
		delete(r.links[breachID], indicatorID)
		delete(r.byIndicator[indicatorID], breachID)
	}
	r.mu.Unlock()

	if !ok {
		return ErrLinkNotFound
	}
	r.auditor.Record(ctx, audit.Entry{
		Action:       "indicator.link_denied",
		ResourceType: "indicator_link",
		ResourceID:   breachID.String() + "/" + indicatorID.String(),
		Actor:        actor,
	})
	return nil
}

// Get returns the indicator keyed by (type, value).
func (r *Registry) Get(t Type, value string) (*Indicator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ind, ok := r.byKey[key(t, value)]
	if !ok {
		return nil, false
	}
	cp := *ind
	return &cp, true
}

// LinksFor returns all links of a breach.
func (r *Registry) LinksFor(breachID uuid.UUID) []*Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Link
	for _, link := range r.links[breachID] {
		cp := *link
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IndicatorID.String() < out[j].IndicatorID.String()
	})
	return out
}

// BreachesFor returns the IDs of breaches linked to an indicator.
func (r *Registry) BreachesFor(indicatorID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []uuid.UUID
	for id := range r.byIndicator[indicatorID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Known implements the engine's indicator lookup for intelligence rules.
// An empty feedSource matches indicators from any feed.
func (r *Registry) Known(ctx context.Context, feedSource, value string) (bool, float64) {
	t, ok := Classify(value)
	if !ok {
		return false, 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ind, ok := r.byKey[key(t, value)]
	if !ok {
		return false, 0
	}
	if feedSource != "" && ind.Source != feedSource {
		return false, 0
	}
	return true, ind.Confidence
}

// LoadFeed registers indicator values from an external feed at the given
// confidence.
func (r *Registry) LoadFeed(ctx context.Context, feedSource string, values []string, confidence float64) int {
	loaded := 0
	for _, v := range values {
		t, ok := Classify(v)
		if !ok {
			continue
		}
		r.Upsert(ctx, Candidate{Type: t, Value: v, Confidence: confidence}, feedSource)
		loaded++
	}
	slog.Info("indicator feed loaded", "feed", feedSource, "indicators", loaded)
	return loaded
}

// Stats returns registry counters.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	links := 0
	for _, m := range r.links {
		links += len(m)
	}
	return map[string]interface{}{
		"indicators": len(r.byKey),
		"links":      links,
	}
}

// severityConfidence maps breach severity to the sighting confidence used
// for extracted indicators.
var severityConfidence = map[string]float64{
	"low":      0.3,
	"medium":   0.5,
	"high":     0.7,
	"critical": 0.9,
}

// Correlator folds breach notices into the registry: it extracts candidate
// values from evidence and affected resources, upserts each indicator and
// links it to the breach.
type Correlator struct {
	registry *Registry
}

// NewCorrelator creates a correlator over the registry.
func NewCorrelator(registry *Registry) *Correlator {
	return &Correlator{registry: registry}
}

// HandleNotice is wired as a breach handler on the aggregator.
func (c *Correlator) HandleNotice(ctx context.Context, n *breach.Notice) error {
	confidence := severityConfidence[string(n.Breach.Severity)]
	if confidence == 0 {
		confidence = 0.5
	}

	candidates := Extract(n.Breach.Evidence, n.Breach.AffectedResources, confidence)
	for _, cand := range candidates {
		ind := c.registry.Upsert(ctx, cand, n.Breach.Source)
		if _, err := c.registry.LinkBreach(ctx, n.Breach.ID, ind.ID, RelationshipAssociated); err != nil {
			return fmt.Errorf("link indicator %s: %w", ind.ID, err)
		}
	}
	return nil
}
