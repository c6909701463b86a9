package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"breachwatch/internal/rules"
	"breachwatch/internal/schema"
	"breachwatch/internal/store"

	"github.com/google/uuid"
)

func newTestEngine(signals store.SignalReader) *Engine {
	return New(DefaultConfig(), signals, nil, nil)
}

func failureEvent(ts time.Time, source, target string) *schema.SecurityEvent {
	return &schema.SecurityEvent{
		ID:           uuid.New(),
		EventType:    "auth.login_failure",
		ResourceType: "session",
		Outcome:      schema.OutcomeFailure,
		Source:       source,
		Target:       target,
		Timestamp:    ts,
	}
}

func signatureRule(id string, threshold int) *rules.Rule {
	return &rules.Rule{
		ID:       id,
		Name:     "repeated login failures",
		Type:     rules.KindSignature,
		Severity: rules.SeverityHigh,
		Status:   rules.StatusEnabled,
		Signature: &rules.SignatureDef{
			TimeWindowMinutes: 15,
			Patterns: []rules.SignaturePattern{
				{Pattern: `^auth\.login_failure$`, Threshold: threshold},
			},
		},
	}
}

func TestEvaluateSignature(t *testing.T) {
	ctx := context.Background()
	signals := store.NewMemoryStore(0)
	e := newTestEngine(signals)
	now := time.Now().UTC()

	for i := 0; i < 6; i++ {
		signals.AppendEvent(ctx, failureEvent(now.Add(-time.Duration(i)*time.Minute), "auth-service", "user:alice"))
	}
	// outside the window, must not count
	signals.AppendEvent(ctx, failureEvent(now.Add(-time.Hour), "auth-service", "user:alice"))

	matches, err := e.Evaluate(ctx, signatureRule("sig-1", 5))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Evaluate() returned %d matches, want 1", len(matches))
	}

	m := matches[0]
	if m.RuleID != "sig-1" {
		t.Errorf("RuleID = %q, want sig-1", m.RuleID)
	}
	if m.Source != "auth-service" {
		t.Errorf("Source = %q, want auth-service", m.Source)
	}
	if len(m.AffectedResources) != 1 || m.AffectedResources[0] != "user:alice" {
		t.Errorf("AffectedResources = %v, want [user:alice]", m.AffectedResources)
	}
	if m.Evidence["count"] != 6 {
		t.Errorf("evidence count = %v, want 6", m.Evidence["count"])
	}
}

func TestEvaluateSignature_BelowThreshold(t *testing.T) {
	ctx := context.Background()
	signals := store.NewMemoryStore(0)
	e := newTestEngine(signals)
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		signals.AppendEvent(ctx, failureEvent(now.Add(-time.Duration(i)*time.Minute), "auth-service", "user:alice"))
	}

	matches, err := e.Evaluate(ctx, signatureRule("sig-1", 5))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Evaluate() returned %d matches, want 0", len(matches))
	}
}

func TestEvaluateBehavior(t *testing.T) {
	ctx := context.Background()
	signals := store.NewMemoryStore(0)
	e := newTestEngine(signals)
	now := time.Now().UTC()

	for i, v := range []string{"0.2", "0.3", "0.4"} {
		signals.AppendMetric(ctx, &schema.SecurityMetric{
			ID:         uuid.New(),
			Name:       "api.error_rate",
			Value:      v,
			MetricType: schema.MetricGauge,
			Timestamp:  now.Add(-time.Duration(i) * time.Minute),
		})
	}

	rule := &rules.Rule{
		ID:       "beh-1",
		Name:     "elevated error rate",
		Type:     rules.KindBehavior,
		Severity: rules.SeverityMedium,
		Status:   rules.StatusEnabled,
		Behavior: &rules.BehaviorDef{
			TimeWindowMinutes: 10,
			Metrics: []rules.MetricAggregate{
				{Name: "api.error_rate", Function: "avg"},
				{Name: "api.error_rate", Function: "max"},
			},
			ConditionExpression: "avg_api_error_rate > 0.25 && max_api_error_rate < 0.5",
		},
	}

	matches, err := e.Evaluate(ctx, rule)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Evaluate() returned %d matches, want 1", len(matches))
	}
	avg, ok := matches[0].Evidence["avg_api_error_rate"].(float64)
	if !ok || avg < 0.29 || avg > 0.31 {
		t.Errorf("evidence avg_api_error_rate = %v, want ~0.3", matches[0].Evidence["avg_api_error_rate"])
	}
}

func TestEvaluateBehavior_NoSamples(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(store.NewMemoryStore(0))

	rule := &rules.Rule{
		ID:       "beh-2",
		Name:     "no data",
		Type:     rules.KindBehavior,
		Severity: rules.SeverityLow,
		Status:   rules.StatusEnabled,
		Behavior: &rules.BehaviorDef{
			TimeWindowMinutes:   10,
			Metrics:             []rules.MetricAggregate{{Name: "api.error_rate", Function: "avg"}},
			ConditionExpression: "avg_api_error_rate > 0",
		},
	}

	matches, err := e.Evaluate(ctx, rule)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Evaluate() with no samples returned %d matches, want 0", len(matches))
	}
}

func TestEvaluateAnomaly(t *testing.T) {
	ctx := context.Background()
	signals := store.NewMemoryStore(0)
	e := newTestEngine(signals)
	now := time.Now().UTC()

	// steady baseline then a spike as the latest sample
	values := []string{"10", "11", "10", "9", "10", "11", "50"}
	for i, v := range values {
		signals.AppendMetric(ctx, &schema.SecurityMetric{
			ID:         uuid.New(),
			Name:       "login.attempts",
			Value:      v,
			MetricType: schema.MetricGauge,
			Timestamp:  now.Add(-time.Duration(len(values)-i) * time.Minute),
		})
	}

	rule := &rules.Rule{
		ID:       "ano-1",
		Name:     "login attempt spike",
		Type:     rules.KindAnomaly,
		Severity: rules.SeverityHigh,
		Status:   rules.StatusEnabled,
		Anomaly: &rules.AnomalyDef{
			Metric:                "login.attempts",
			BaselineWindowMinutes: 60,
			DeviationThreshold:    3,
		},
	}

	matches, err := e.Evaluate(ctx, rule)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Evaluate() returned %d matches, want 1", len(matches))
	}
	if matches[0].AffectedResources[0] != "login.attempts" {
		t.Errorf("AffectedResources = %v, want [login.attempts]", matches[0].AffectedResources)
	}
}

func TestEvaluateAnomaly_SteadyMetric(t *testing.T) {
	ctx := context.Background()
	signals := store.NewMemoryStore(0)
	e := newTestEngine(signals)
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		signals.AppendMetric(ctx, &schema.SecurityMetric{
			ID:         uuid.New(),
			Name:       "login.attempts",
			Value:      "10",
			MetricType: schema.MetricGauge,
			Timestamp:  now.Add(-time.Duration(10-i) * time.Minute),
		})
	}

	rule := &rules.Rule{
		ID:       "ano-2",
		Name:     "steady",
		Type:     rules.KindAnomaly,
		Severity: rules.SeverityLow,
		Status:   rules.StatusEnabled,
		Anomaly: &rules.AnomalyDef{
			Metric:                "login.attempts",
			BaselineWindowMinutes: 60,
			DeviationThreshold:    3,
		},
	}

	matches, err := e.Evaluate(ctx, rule)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Evaluate() on steady metric returned %d matches, want 0", len(matches))
	}
}

func TestEvaluateCorrelation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(store.NewMemoryStore(0))
	now := time.Now().UTC()

	rule := &rules.Rule{
		ID:       "cor-1",
		Name:     "failed logins then exfil",
		Type:     rules.KindCorrelation,
		Severity: rules.SeverityCritical,
		Status:   rules.StatusEnabled,
		Correlation: &rules.CorrelationDef{
			SubRules:          []string{"sig-1", "ano-1"},
			JoinWindowMinutes: 30,
		},
	}

	// only one sub-rule has fired
	e.dispatch(ctx, &Match{RuleID: "sig-1", ObservedAt: now.Add(-5 * time.Minute), AffectedResources: []string{"user:alice"}})

	matches, err := e.Evaluate(ctx, rule)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("Evaluate() with one sub-rule returned %d matches, want 0", len(matches))
	}

	e.dispatch(ctx, &Match{RuleID: "ano-1", ObservedAt: now.Add(-2 * time.Minute), AffectedResources: []string{"login.attempts"}})

	matches, err = e.Evaluate(ctx, rule)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Evaluate() returned %d matches, want 1", len(matches))
	}
	got := matches[0].AffectedResources
	if len(got) != 2 {
		t.Errorf("AffectedResources = %v, want both sub-rule resources", got)
	}
}

func TestEvaluateCorrelation_StaleSubMatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(store.NewMemoryStore(0))
	now := time.Now().UTC()

	rule := &rules.Rule{
		ID:       "cor-2",
		Name:     "stale join",
		Type:     rules.KindCorrelation,
		Severity: rules.SeverityHigh,
		Status:   rules.StatusEnabled,
		Correlation: &rules.CorrelationDef{
			SubRules:          []string{"sig-1", "ano-1"},
			JoinWindowMinutes: 10,
		},
	}

	e.dispatch(ctx, &Match{RuleID: "sig-1", ObservedAt: now.Add(-45 * time.Minute)})
	e.dispatch(ctx, &Match{RuleID: "ano-1", ObservedAt: now.Add(-2 * time.Minute)})

	matches, err := e.Evaluate(ctx, rule)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Evaluate() with stale sub-match returned %d matches, want 0", len(matches))
	}
}

type fakeIntel struct {
	known map[string]float64
}

func (f *fakeIntel) Known(_ context.Context, _, value string) (bool, float64) {
	c, ok := f.known[value]
	return ok, c
}

func TestEvaluateIntelligence(t *testing.T) {
	ctx := context.Background()
	signals := store.NewMemoryStore(0)
	e := New(DefaultConfig(), signals, nil, &fakeIntel{known: map[string]float64{"203.0.113.7": 0.9}})
	now := time.Now().UTC()

	ev := failureEvent(now, "auth-service", "user:alice")
	ev.Actor = &schema.Actor{Type: schema.ActorUser, ID: "alice", IPAddress: "203.0.113.7"}
	signals.AppendEvent(ctx, ev)
	signals.AppendEvent(ctx, failureEvent(now, "auth-service", "user:bob"))

	rule := &rules.Rule{
		ID:           "int-1",
		Name:         "known bad address",
		Type:         rules.KindIntelligence,
		Severity:     rules.SeverityCritical,
		Status:       rules.StatusEnabled,
		Intelligence: &rules.IntelligenceDef{FeedSource: "abuse-feed"},
	}

	matches, err := e.Evaluate(ctx, rule)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Evaluate() returned %d matches, want 1", len(matches))
	}
	if matches[0].AffectedResources[0] != "203.0.113.7" {
		t.Errorf("AffectedResources = %v, want [203.0.113.7]", matches[0].AffectedResources)
	}
	if matches[0].Evidence["confidence"] != 0.9 {
		t.Errorf("evidence confidence = %v, want 0.9", matches[0].Evidence["confidence"])
	}
}

func TestEvaluateCorrelation_FiresOncePerJoin(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(store.NewMemoryStore(0))
	now := time.Now().UTC()

	rule := &rules.Rule{
		ID:       "cor-3",
		Name:     "repeat join",
		Type:     rules.KindCorrelation,
		Severity: rules.SeverityHigh,
		Status:   rules.StatusEnabled,
		Correlation: &rules.CorrelationDef{
			SubRules:          []string{"sig-1", "ano-1"},
			JoinWindowMinutes: 30,
		},
	}

	e.dispatch(ctx, &Match{RuleID: "sig-1", ObservedAt: now.Add(-5 * time.Minute), AffectedResources: []string{"user:alice"}})
	e.dispatch(ctx, &Match{RuleID: "ano-1", ObservedAt: now.Add(-2 * time.Minute), AffectedResources: []string{"login.attempts"}})

	matches, err := e.Evaluate(ctx, rule)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Evaluate() returned %d matches, want 1", len(matches))
	}

	// the stamps are unchanged, so the next tick must not re-fire
	matches, err = e.Evaluate(ctx, rule)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("Evaluate() on the same join returned %d matches, want 0", len(matches))
	}

	// a newer sub-rule match re-satisfies the join
	e.dispatch(ctx, &Match{RuleID: "ano-1", ObservedAt: now.Add(-time.Minute), AffectedResources: []string{"login.attempts"}})

	matches, err = e.Evaluate(ctx, rule)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 1 {
		t.Errorf("Evaluate() after new sub-rule match returned %d matches, want 1", len(matches))
	}
}

func TestEvaluateIntelligence_MetricValue(t *testing.T) {
	ctx := context.Background()
	signals := store.NewMemoryStore(0)
	e := New(DefaultConfig(), signals, nil, &fakeIntel{known: map[string]float64{"198.51.100.9": 0.8}})
	now := time.Now().UTC()

	signals.AppendMetric(ctx, &schema.SecurityMetric{
		ID:         uuid.New(),
		Name:       "net.top_talker",
		Value:      "198.51.100.9",
		MetricType: schema.MetricGauge,
		Timestamp:  now,
	})
	signals.AppendMetric(ctx, &schema.SecurityMetric{
		ID:         uuid.New(),
		Name:       "net.top_talker",
		Value:      "192.0.2.10",
		MetricType: schema.MetricGauge,
		Timestamp:  now,
	})

	rule := &rules.Rule{
		ID:           "int-2",
		Name:         "known bad metric value",
		Type:         rules.KindIntelligence,
		Severity:     rules.SeverityHigh,
		Status:       rules.StatusEnabled,
		Intelligence: &rules.IntelligenceDef{FeedSource: "abuse-feed"},
	}

	matches, err := e.Evaluate(ctx, rule)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Evaluate() returned %d matches, want 1", len(matches))
	}
	if matches[0].AffectedResources[0] != "198.51.100.9" {
		t.Errorf("AffectedResources = %v, want [198.51.100.9]", matches[0].AffectedResources)
	}
	if matches[0].Evidence["metric_name"] != "net.top_talker" {
		t.Errorf("evidence metric_name = %v, want net.top_talker", matches[0].Evidence["metric_name"])
	}
}

type failingReader struct{}

func (failingReader) EventsBetween(context.Context, time.Time, time.Time) ([]*schema.SecurityEvent, error) {
	return nil, fmt.Errorf("query: %w", store.ErrUnavailable)
}

func (failingReader) MetricsBetween(context.Context, string, time.Time, time.Time) ([]*schema.SecurityMetric, error) {
	return nil, fmt.Errorf("query: %w", store.ErrUnavailable)
}

func TestEvaluate_TransientStoreFailure(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(failingReader{})

	_, err := e.Evaluate(ctx, signatureRule("sig-1", 5))
	if err == nil {
		t.Fatal("Evaluate() succeeded, want transient error")
	}
	if !store.IsTransient(err) {
		t.Errorf("Evaluate() error %v is not transient", err)
	}
}

func TestAddRule_InvalidDefinition(t *testing.T) {
	e := newTestEngine(store.NewMemoryStore(0))

	bad := &rules.Rule{
		ID:       "bad-1",
		Name:     "broken",
		Type:     rules.KindSignature,
		Severity: rules.SeverityLow,
		Status:   rules.StatusEnabled,
		// no signature definition
	}

	err := e.AddRule(bad)
	if !errors.Is(err, rules.ErrDefinitionInvalid) {
		t.Fatalf("AddRule() error = %v, want ErrDefinitionInvalid", err)
	}
	if _, ok := e.Health()["bad-1"]; !ok {
		t.Error("Health() does not report the invalid rule")
	}

	// a valid rule must still schedule
	if err := e.AddRule(signatureRule("sig-1", 5)); err != nil {
		t.Fatalf("AddRule() on valid rule error: %v", err)
	}
	if e.Stats()["rules_scheduled"] != 1 {
		t.Errorf("rules_scheduled = %v, want 1", e.Stats()["rules_scheduled"])
	}
}

func TestDisabledRule_InFlightEvaluationCompletes(t *testing.T) {
	ctx := context.Background()
	signals := store.NewMemoryStore(0)
	e := newTestEngine(signals)
	now := time.Now().UTC()

	for i := 0; i < 6; i++ {
		signals.AppendEvent(ctx, failureEvent(now.Add(-time.Duration(i)*time.Minute), "auth-service", "user:alice"))
	}

	rule := signatureRule("sig-1", 5)
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}

	var mu sync.Mutex
	var received []*Match
	e.AddHandler(func(_ context.Context, m *Match) error {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
		return nil
	})

	// disable while an evaluation is conceptually in flight: the tick that
	// already left the scheduler still completes and its matches are handled
	e.DisableRule("sig-1")
	e.runEvaluation(ctx, rule)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("handler received %d matches, want 1", len(received))
	}
	if rule.LastTriggeredAt == nil {
		t.Error("LastTriggeredAt not set after in-flight evaluation")
	}
	if e.Stats()["rules_enabled"] != 0 {
		t.Errorf("rules_enabled = %v, want 0 after disable", e.Stats()["rules_enabled"])
	}
}

func TestEngine_StartStop(t *testing.T) {
	e := newTestEngine(store.NewMemoryStore(0))
	if err := e.AddRule(signatureRule("sig-1", 5)); err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.Start(ctx)
	e.Stop()
}
