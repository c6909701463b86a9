package breach

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"breachwatch/internal/engine"
	"breachwatch/internal/rules"

	"github.com/google/uuid"
)

func authFailureMatch(count int) *engine.Match {
	return &engine.Match{
		RuleID:            "rule-auth-failures",
		RuleName:          "Repeated Authentication Failures",
		DetectionType:     "signature",
		Severity:          rules.SeverityCritical,
		Source:            "auth-service",
		AffectedResources: []string{"user:alice"},
		Evidence: map[string]any{
			"pattern":   `^auth\.login_failure$`,
			"count":     count,
			"event_ids": []string{uuid.NewString()},
		},
		ObservedAt: time.Now().UTC(),
	}
}

func TestAggregate_CreatesBreach(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	agg := NewAggregator(store, nil, nil)

	b, err := agg.Aggregate(ctx, authFailureMatch(6))
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}

	if b.Status != StatusOpen {
		t.Errorf("Status = %s, want open", b.Status)
	}
	if b.Severity != rules.SeverityCritical {
		t.Errorf("Severity = %s, want critical", b.Severity)
	}
	if b.Title != "Repeated Authentication Failures" {
		t.Errorf("Title = %q", b.Title)
	}

	timeline, err := store.Timeline(ctx, b.ID)
	if err != nil {
		t.Fatalf("Timeline() error: %v", err)
	}
	if len(timeline) != 1 {
		t.Fatalf("timeline has %d events, want 1", len(timeline))
	}
	if timeline[0].EventType != EventDetection {
		t.Errorf("initial event type = %s, want detection", timeline[0].EventType)
	}
}

func TestAggregate_MergesIntoOpenBreach(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	agg := NewAggregator(store, nil, nil)

	first, err := agg.Aggregate(ctx, authFailureMatch(6))
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}

	second, err := agg.Aggregate(ctx, authFailureMatch(2))
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}

	if second.ID != first.ID {
		t.Fatal("second match created a new breach, want merge into the open one")
	}
	if got := second.Evidence["count"]; got != 8 {
		t.Errorf("merged evidence count = %v, want 8", got)
	}
	if ids := second.Evidence["event_ids"].([]string); len(ids) != 2 {
		t.Errorf("merged event_ids has %d entries, want 2", len(ids))
	}

	timeline, _ := store.Timeline(ctx, first.ID)
	if len(timeline) != 2 {
		t.Fatalf("timeline has %d events, want 2", len(timeline))
	}
	if timeline[1].EventType != EventUpdate {
		t.Errorf("second event type = %s, want update", timeline[1].EventType)
	}

	open, _ := store.List(ctx, Filter{Status: StatusOpen})
	if len(open) != 1 {
		t.Errorf("%d open breaches, want 1", len(open))
	}
}

func TestAggregate_ResolvedBreachGetsNewRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	agg := NewAggregator(store, nil, nil)
	lc := NewLifecycle(store, nil)

	first, err := agg.Aggregate(ctx, authFailureMatch(6))
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	if _, err := lc.SetStatus(ctx, first.ID, StatusChange{
		To:         StatusResolved,
		Resolution: ResolutionMitigated,
		Notes:      "updated IP allowlist",
		Actor:      "operator",
	}); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}

	second, err := agg.Aggregate(ctx, authFailureMatch(3))
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	if second.ID == first.ID {
		t.Error("match merged into a resolved breach, want a new record")
	}
	if second.Status != StatusOpen {
		t.Errorf("new breach status = %s, want open", second.Status)
	}
}

func TestAggregate_SeverityEscalatesOnMerge(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator(NewMemoryStore(), nil, nil)

	low := authFailureMatch(6)
	low.Severity = rules.SeverityLow
	b, _ := agg.Aggregate(ctx, low)

	high := authFailureMatch(2)
	high.Severity = rules.SeverityHigh
	b, err := agg.Aggregate(ctx, high)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	if b.Severity != rules.SeverityHigh {
		t.Errorf("Severity after merge = %s, want high", b.Severity)
	}

	lower := authFailureMatch(1)
	lower.Severity = rules.SeverityMedium
	b, _ = agg.Aggregate(ctx, lower)
	if b.Severity != rules.SeverityHigh {
		t.Errorf("Severity after lower-severity merge = %s, want high (never downgrades)", b.Severity)
	}
}

func TestAggregate_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	agg := NewAggregator(store, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := agg.Aggregate(ctx, authFailureMatch(1)); err != nil {
				t.Errorf("Aggregate() error: %v", err)
			}
		}()
	}
	wg.Wait()

	open, _ := store.List(ctx, Filter{Status: StatusOpen})
	if len(open) != 1 {
		t.Fatalf("%d open breaches after concurrent aggregation, want 1", len(open))
	}
	if got := open[0].Evidence["count"]; got != 16 {
		t.Errorf("evidence count = %v, want 16", got)
	}
}

func TestCreateManual_BypassesDedup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	agg := NewAggregator(store, nil, nil)

	in := ManualBreach{
		Title:             "suspicious data export",
		Severity:          rules.SeverityHigh,
		Source:            "operator-report",
		AffectedResources: []string{"dataset:customers"},
		ReportedBy:        "analyst-1",
	}

	first, err := agg.CreateManual(ctx, in)
	if err != nil {
		t.Fatalf("CreateManual() error: %v", err)
	}
	second, err := agg.CreateManual(ctx, in)
	if err != nil {
		t.Fatalf("CreateManual() error: %v", err)
	}
	if first.ID == second.ID {
		t.Error("manual creation deduplicated, want two distinct records")
	}

	timeline, _ := store.Timeline(ctx, first.ID)
	if len(timeline) != 1 || timeline[0].EventType != EventDetection {
		t.Errorf("manual breach timeline = %v, want one detection event", timeline)
	}
	if timeline[0].UserID != "analyst-1" {
		t.Errorf("detection event user = %q, want analyst-1", timeline[0].UserID)
	}
}

func TestCreateManual_Validation(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator(NewMemoryStore(), nil, nil)

	if _, err := agg.CreateManual(ctx, ManualBreach{Severity: rules.SeverityLow}); err == nil {
		t.Error("CreateManual() without title succeeded, want error")
	}
	if _, err := agg.CreateManual(ctx, ManualBreach{Title: "x", Severity: "urgent"}); err == nil {
		t.Error("CreateManual() with bad severity succeeded, want error")
	}
}

// conflictStore returns ErrDedupConflict for the first n Update calls.
type conflictStore struct {
	*MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictStore) Update(ctx context.Context, b *Breach, ev *Event) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return ErrDedupConflict
	}
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, b, ev)
}

func TestAggregate_DedupConflictRetriesOnce(t *testing.T) {
	ctx := context.Background()
	store := &conflictStore{MemoryStore: NewMemoryStore(), conflicts: 1}
	agg := NewAggregator(store, nil, nil)

	first, err := agg.Aggregate(ctx, authFailureMatch(6))
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}

	// the merge hits one conflict and must succeed on the retry
	merged, err := agg.Aggregate(ctx, authFailureMatch(2))
	if err != nil {
		t.Fatalf("Aggregate() after conflict error: %v", err)
	}
	if merged.ID != first.ID {
		t.Error("retry created a new breach, want merge into the existing one")
	}
}

func TestAggregate_DedupConflictFallsBackToCreate(t *testing.T) {
	ctx := context.Background()
	store := &conflictStore{MemoryStore: NewMemoryStore(), conflicts: 2}
	agg := NewAggregator(store, nil, nil)

	first, err := agg.Aggregate(ctx, authFailureMatch(6))
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}

	// both the merge and its retry conflict; evidence must land in a new
	// breach instead of being lost
	b, err := agg.Aggregate(ctx, authFailureMatch(2))
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	if b.ID == first.ID {
		t.Error("expected fallback to a new breach after repeated conflicts")
	}
	if got := b.Evidence["count"]; got != 2 {
		t.Errorf("fallback breach evidence count = %v, want 2", got)
	}
}

// findHookStore runs a one-shot hook after a dedup lookup, simulating a
// writer that slips in between the aggregator's read and its write.
type findHookStore struct {
	*MemoryStore
	mu     sync.Mutex
	onFind func()
}

func (s *findHookStore) FindOpenByDedupKey(ctx context.Context, key string) (*Breach, error) {
	b, err := s.MemoryStore.FindOpenByDedupKey(ctx, key)
	s.mu.Lock()
	hook := s.onFind
	s.onFind = nil
	s.mu.Unlock()
	if err == nil && hook != nil {
		hook()
	}
	return b, err
}

func TestAggregate_ResolveDuringMergeKeepsResolution(t *testing.T) {
	ctx := context.Background()
	store := &findHookStore{MemoryStore: NewMemoryStore()}
	agg := NewAggregator(store, nil, nil)
	lc := NewLifecycle(store, nil)

	first, err := agg.Aggregate(ctx, authFailureMatch(6))
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}

	// the operator resolves the breach after the merge has read it but
	// before it writes
	store.mu.Lock()
	store.onFind = func() {
		if _, err := lc.SetStatus(ctx, first.ID, StatusChange{
			To:         StatusResolved,
			Resolution: ResolutionMitigated,
			Notes:      "blocked the source range",
			Actor:      "operator",
		}); err != nil {
			t.Errorf("SetStatus() error: %v", err)
		}
	}
	store.mu.Unlock()

	second, err := agg.Aggregate(ctx, authFailureMatch(2))
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("merge committed over an operator-resolved breach, want a new record")
	}
	if second.Status != StatusOpen {
		t.Errorf("new breach status = %s, want open", second.Status)
	}

	resolved, _ := store.Get(ctx, first.ID)
	if resolved.Status != StatusResolved || resolved.Resolution != ResolutionMitigated || resolved.ResolvedAt == nil {
		t.Errorf("resolved breach = status %s, resolution %q, resolvedAt %v; resolution must survive the race",
			resolved.Status, resolved.Resolution, resolved.ResolvedAt)
	}

	timeline, _ := store.Timeline(ctx, first.ID)
	if last := timeline[len(timeline)-1]; last.EventType != EventResolution {
		t.Errorf("final timeline event = %s, want resolution", last.EventType)
	}
}

func TestAggregate_ConcurrentMergeAndRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	agg := NewAggregator(store, nil, nil)

	if _, err := agg.Aggregate(ctx, authFailureMatch(1)); err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}

	// merges mutate evidence while a reader marshals listed breaches;
	// store copies must never share maps with the stored records
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 50; i++ {
			if _, err := agg.Aggregate(ctx, authFailureMatch(1)); err != nil {
				t.Errorf("Aggregate() error: %v", err)
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			breaches, err := store.List(ctx, Filter{})
			if err != nil {
				t.Errorf("List() error: %v", err)
				return
			}
			if _, err := json.Marshal(breaches); err != nil {
				t.Errorf("marshal listed breaches: %v", err)
				return
			}
		}
	}()
	wg.Wait()
}

func TestAggregator_KeyLocksReleased(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator(NewMemoryStore(), nil, nil)

	for i := 0; i < 8; i++ {
		m := authFailureMatch(1)
		m.RuleID = fmt.Sprintf("rule-%d", i)
		if _, err := agg.Aggregate(ctx, m); err != nil {
			t.Fatalf("Aggregate() error: %v", err)
		}
	}

	agg.keysMu.Lock()
	n := len(agg.keys)
	agg.keysMu.Unlock()
	if n != 0 {
		t.Errorf("key lock map holds %d entries after aggregation, want 0", n)
	}
}

func TestAggregator_NotifiesHandlers(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator(NewMemoryStore(), nil, nil)

	var notices []*Notice
	agg.AddHandler(func(_ context.Context, n *Notice) error {
		notices = append(notices, n)
		return nil
	})

	agg.Aggregate(ctx, authFailureMatch(6))
	agg.Aggregate(ctx, authFailureMatch(2))

	if len(notices) != 2 {
		t.Fatalf("handlers saw %d notices, want 2", len(notices))
	}
	if !notices[0].Created || notices[1].Created {
		t.Error("first notice should be a creation, second a merge")
	}
}
