package rules

import (
	"errors"
	"reflect"
	"testing"
)

func validSignatureRule() Rule {
	return Rule{
		ID:                        "sig-1",
		Name:                      "Repeated Authentication Failures",
		Type:                      KindSignature,
		Severity:                  SeverityCritical,
		Status:                    StatusEnabled,
		EvaluationIntervalMinutes: 1,
		Signature: &SignatureDef{
			TimeWindowMinutes: 30,
			Patterns: []SignaturePattern{
				{Pattern: `^auth\.login_failure$`, Threshold: 5},
			},
		},
	}
}

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Rule)
		wantErr bool
	}{
		{"valid signature rule", func(r *Rule) {}, false},
		{"missing ID", func(r *Rule) { r.ID = "" }, true},
		{"missing name", func(r *Rule) { r.Name = "" }, true},
		{"bad severity", func(r *Rule) { r.Severity = "urgent" }, true},
		{"bad status", func(r *Rule) { r.Status = "paused" }, true},
		{"no definition", func(r *Rule) { r.Signature = nil }, true},
		{"two definitions", func(r *Rule) {
			r.Intelligence = &IntelligenceDef{FeedSource: "feed"}
		}, true},
		{"wrong definition for kind", func(r *Rule) {
			r.Signature = nil
			r.Behavior = &BehaviorDef{
				TimeWindowMinutes:   10,
				Metrics:             []MetricAggregate{{Name: "x", Function: "avg"}},
				ConditionExpression: "avg_x > 1",
			}
		}, true},
		{"bad pattern regex", func(r *Rule) {
			r.Signature.Patterns[0].Pattern = "("
		}, true},
		{"zero threshold", func(r *Rule) {
			r.Signature.Patterns[0].Threshold = 0
		}, true},
		{"zero window", func(r *Rule) {
			r.Signature.TimeWindowMinutes = 0
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validSignatureRule()
			tt.mutate(&rule)
			err := rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrDefinitionInvalid) {
				t.Errorf("Validate() error %v should wrap ErrDefinitionInvalid", err)
			}
		})
	}
}

func TestRule_Validate_Kinds(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{
			name: "valid behavior rule",
			rule: Rule{
				ID: "beh-1", Name: "API Error Surge", Type: KindBehavior,
				Severity: SeverityHigh, Status: StatusEnabled,
				Behavior: &BehaviorDef{
					TimeWindowMinutes: 15,
					Metrics: []MetricAggregate{
						{Name: "api.error_rate", Function: "avg"},
						{Name: "api.request_count", Function: "sum"},
					},
					ConditionExpression: "avg_api_error_rate > 0.5 && sum_api_request_count >= 100",
				},
			},
		},
		{
			name: "behavior rule unknown aggregate",
			rule: Rule{
				ID: "beh-2", Name: "Bad", Type: KindBehavior,
				Severity: SeverityLow, Status: StatusEnabled,
				Behavior: &BehaviorDef{
					TimeWindowMinutes:   15,
					Metrics:             []MetricAggregate{{Name: "x", Function: "median"}},
					ConditionExpression: "median_x > 1",
				},
			},
			wantErr: true,
		},
		{
			name: "valid anomaly rule",
			rule: Rule{
				ID: "ano-1", Name: "Login Rate Anomaly", Type: KindAnomaly,
				Severity: SeverityMedium, Status: StatusEnabled,
				Anomaly: &AnomalyDef{Metric: "auth.login_rate", BaselineWindowMinutes: 1440, DeviationThreshold: 3},
			},
		},
		{
			name: "valid correlation rule",
			rule: Rule{
				ID: "cor-1", Name: "Brute Force Then Success", Type: KindCorrelation,
				Severity: SeverityCritical, Status: StatusEnabled,
				Correlation: &CorrelationDef{SubRules: []string{"sig-1", "sig-2"}, JoinWindowMinutes: 20},
			},
		},
		{
			name: "correlation rule one sub-rule",
			rule: Rule{
				ID: "cor-2", Name: "Bad", Type: KindCorrelation,
				Severity: SeverityLow, Status: StatusEnabled,
				Correlation: &CorrelationDef{SubRules: []string{"sig-1"}, JoinWindowMinutes: 20},
			},
			wantErr: true,
		},
		{
			name: "correlation rule self reference",
			rule: Rule{
				ID: "cor-3", Name: "Bad", Type: KindCorrelation,
				Severity: SeverityLow, Status: StatusEnabled,
				Correlation: &CorrelationDef{SubRules: []string{"cor-3", "sig-1"}, JoinWindowMinutes: 20},
			},
			wantErr: true,
		},
		{
			name: "valid intelligence rule",
			rule: Rule{
				ID: "int-1", Name: "Known Bad IP", Type: KindIntelligence,
				Severity: SeverityHigh, Status: StatusEnabled,
				Intelligence: &IntelligenceDef{FeedSource: "abuse-feed"},
			},
		},
		{
			name: "intelligence rule missing feed",
			rule: Rule{
				ID: "int-2", Name: "Bad", Type: KindIntelligence,
				Severity: SeverityLow, Status: StatusEnabled,
				Intelligence: &IntelligenceDef{},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rule.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseRules_RoundTrip(t *testing.T) {
	rule := validSignatureRule()
	data, err := rule.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	reloaded, err := ParseRule(data)
	if err != nil {
		t.Fatalf("ParseRule() error: %v", err)
	}

	if !reflect.DeepEqual(&rule, reloaded) {
		t.Errorf("round-trip mismatch:\n got %+v\nwant %+v", reloaded, &rule)
	}
}

func TestParseRules_List(t *testing.T) {
	doc := `
- id: sig-1
  name: Repeated Authentication Failures
  type: signature
  severity: critical
  status: enabled
  evaluation_interval_minutes: 1
  signature:
    time_window_minutes: 30
    patterns:
      - pattern: '^auth\.login_failure$'
        threshold: 5
- id: int-1
  name: Known Bad IP
  type: intelligence
  severity: high
  status: enabled
  evaluation_interval_minutes: 5
  intelligence:
    feed_source: abuse-feed
`
	parsed, err := ParseRules([]byte(doc))
	if err != nil {
		t.Fatalf("ParseRules() error: %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("ParseRules() returned %d rules, want 2", len(parsed))
	}
	if parsed[0].Type != KindSignature || parsed[1].Type != KindIntelligence {
		t.Errorf("ParseRules() kinds = %v, %v", parsed[0].Type, parsed[1].Type)
	}
}

func TestSeverity_Rank(t *testing.T) {
	if SeverityCritical.Rank() <= SeverityHigh.Rank() {
		t.Error("critical should outrank high")
	}
	if SeverityLow.Rank() <= Severity("bogus").Rank() {
		t.Error("low should outrank unknown severity")
	}
}

func TestMetricAggregate_Var(t *testing.T) {
	m := MetricAggregate{Name: "api.error_rate", Function: "avg"}
	if got := m.Var(); got != "avg_api_error_rate" {
		t.Errorf("Var() = %q, want avg_api_error_rate", got)
	}
}
