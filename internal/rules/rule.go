// Package rules defines detection rule configuration for breachwatch.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrDefinitionInvalid is returned when a rule's definition does not match
// its declared kind. Rules carrying this error are skipped by the evaluator
// and surfaced as rule-health warnings; they never stop the scheduler.
var ErrDefinitionInvalid = errors.New("rule definition invalid")

// Kind defines the kind of detection rule. The set is closed: evaluation
// dispatches exhaustively on Kind.
type Kind string

const (
	// KindSignature fires when pattern match counts exceed a threshold in a window.
	KindSignature Kind = "signature"
	// KindBehavior fires when aggregated metrics satisfy a condition expression.
	KindBehavior Kind = "behavior"
	// KindAnomaly fires when a metric deviates from its baseline.
	KindAnomaly Kind = "anomaly"
	// KindCorrelation fires when sub-rule matches co-occur within a join window.
	KindCorrelation Kind = "correlation"
	// KindIntelligence fires when a signal value matches a known indicator.
	KindIntelligence Kind = "intelligence"
)

// Status controls whether a rule is evaluated.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
	StatusDraft    Status = "draft"
)

// Severity levels for rules and the breaches they produce.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a known level.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities for threshold comparisons. Higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Rule represents a detection rule. Exactly one definition field must be set
// and it must match Type.
type Rule struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Type        Kind     `yaml:"type" json:"type"`
	Severity    Severity `yaml:"severity" json:"severity"`
	Status      Status   `yaml:"status" json:"status"`
	IsGlobal    bool     `yaml:"is_global,omitempty" json:"is_global,omitempty"`

	EvaluationIntervalMinutes int        `yaml:"evaluation_interval_minutes" json:"evaluation_interval_minutes"`
	LastTriggeredAt           *time.Time `yaml:"last_triggered_at,omitempty" json:"last_triggered_at,omitempty"`

	Signature    *SignatureDef    `yaml:"signature,omitempty" json:"signature,omitempty"`
	Behavior     *BehaviorDef     `yaml:"behavior,omitempty" json:"behavior,omitempty"`
	Anomaly      *AnomalyDef      `yaml:"anomaly,omitempty" json:"anomaly,omitempty"`
	Correlation  *CorrelationDef  `yaml:"correlation,omitempty" json:"correlation,omitempty"`
	Intelligence *IntelligenceDef `yaml:"intelligence,omitempty" json:"intelligence,omitempty"`
}

// SignatureDef counts signals matching each pattern inside the window.
// A pattern fires independently once its count reaches the threshold.
type SignatureDef struct {
	TimeWindowMinutes int                `yaml:"time_window_minutes" json:"time_window_minutes"`
	Patterns          []SignaturePattern `yaml:"patterns" json:"patterns"`
}

// SignaturePattern is one pattern/threshold pair of a signature rule.
// Pattern is a regular expression matched against event types and metric names.
type SignaturePattern struct {
	Pattern   string `yaml:"pattern" json:"pattern"`
	Threshold int    `yaml:"threshold" json:"threshold"`
}

// BehaviorDef aggregates named metrics over the window and evaluates a
// boolean condition expression over the aggregates.
type BehaviorDef struct {
	TimeWindowMinutes   int               `yaml:"time_window_minutes" json:"time_window_minutes"`
	Metrics             []MetricAggregate `yaml:"metrics" json:"metrics"`
	ConditionExpression string            `yaml:"condition_expression" json:"condition_expression"`
}

// MetricAggregate names a metric and the aggregate function applied to it.
// The aggregate is referenced in the condition expression as "func_name",
// e.g. "avg_api_error_rate".
type MetricAggregate struct {
	Name     string `yaml:"name" json:"name"`
	Function string `yaml:"function" json:"function"` // avg, max, sum
}

// Var returns the expression variable name for this aggregate.
func (m MetricAggregate) Var() string {
	return m.Function + "_" + nonWord.ReplaceAllString(m.Name, "_")
}

var nonWord = regexp.MustCompile(`[^a-z0-9_]`)

// AnomalyDef scores a metric against its baseline window.
type AnomalyDef struct {
	Metric                string  `yaml:"metric" json:"metric"`
	BaselineWindowMinutes int     `yaml:"baseline_window_minutes" json:"baseline_window_minutes"`
	DeviationThreshold    float64 `yaml:"deviation_threshold" json:"deviation_threshold"`
}

// CorrelationDef joins matches of two or more sub-rules within the join window.
type CorrelationDef struct {
	SubRules          []string `yaml:"sub_rules" json:"sub_rules"`
	JoinWindowMinutes int      `yaml:"join_window_minutes" json:"join_window_minutes"`
}

// IntelligenceDef fires on signal values present in an indicator feed.
type IntelligenceDef struct {
	FeedSource string `yaml:"feed_source" json:"feed_source"`
}

// Interval returns the evaluation tick interval, defaulting to one minute.
func (r *Rule) Interval() time.Duration {
	if r.EvaluationIntervalMinutes <= 0 {
		return time.Minute
	}
	return time.Duration(r.EvaluationIntervalMinutes) * time.Minute
}

// Enabled reports whether the rule should be scheduled.
func (r *Rule) Enabled() bool {
	return r.Status == StatusEnabled
}

// Validate checks that the rule carries exactly the definition its kind
// requires and that the definition is internally consistent. Failures wrap
// ErrDefinitionInvalid so callers can classify them.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule ID is required", ErrDefinitionInvalid)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: rule name is required", ErrDefinitionInvalid)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("%w: unknown severity %q", ErrDefinitionInvalid, r.Severity)
	}
	switch r.Status {
	case StatusEnabled, StatusDisabled, StatusDraft:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrDefinitionInvalid, r.Status)
	}

	defs := 0
	for _, set := range []bool{
		r.Signature != nil, r.Behavior != nil, r.Anomaly != nil,
		r.Correlation != nil, r.Intelligence != nil,
	} {
		if set {
			defs++
		}
	}
	if defs != 1 {
		return fmt.Errorf("%w: rule %s carries %d definitions, want exactly 1", ErrDefinitionInvalid, r.ID, defs)
	}

	switch r.Type {
	case KindSignature:
		if r.Signature == nil {
			return fmt.Errorf("%w: signature rule %s missing signature definition", ErrDefinitionInvalid, r.ID)
		}
		return r.Signature.validate(r.ID)
	case KindBehavior:
		if r.Behavior == nil {
			return fmt.Errorf("%w: behavior rule %s missing behavior definition", ErrDefinitionInvalid, r.ID)
		}
		return r.Behavior.validate(r.ID)
	case KindAnomaly:
		if r.Anomaly == nil {
			return fmt.Errorf("%w: anomaly rule %s missing anomaly definition", ErrDefinitionInvalid, r.ID)
		}
		return r.Anomaly.validate(r.ID)
	case KindCorrelation:
		if r.Correlation == nil {
			return fmt.Errorf("%w: correlation rule %s missing correlation definition", ErrDefinitionInvalid, r.ID)
		}
		return r.Correlation.validate(r.ID)
	case KindIntelligence:
		if r.Intelligence == nil {
			return fmt.Errorf("%w: intelligence rule %s missing intelligence definition", ErrDefinitionInvalid, r.ID)
		}
		return r.Intelligence.validate(r.ID)
	default:
		return fmt.Errorf("%w: unknown rule kind %q", ErrDefinitionInvalid, r.Type)
	}
}

func (d *SignatureDef) validate(ruleID string) error {
	if d.TimeWindowMinutes <= 0 {
		return fmt.Errorf("%w: rule %s: time window must be positive", ErrDefinitionInvalid, ruleID)
	}
	if len(d.Patterns) == 0 {
		return fmt.Errorf("%w: rule %s: at least one pattern is required", ErrDefinitionInvalid, ruleID)
	}
	for i, p := range d.Patterns {
		if p.Threshold <= 0 {
			return fmt.Errorf("%w: rule %s: pattern %d threshold must be positive", ErrDefinitionInvalid, ruleID, i)
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("%w: rule %s: pattern %d does not compile: %v", ErrDefinitionInvalid, ruleID, i, err)
		}
	}
	return nil
}

func (d *BehaviorDef) validate(ruleID string) error {
	if d.TimeWindowMinutes <= 0 {
		return fmt.Errorf("%w: rule %s: time window must be positive", ErrDefinitionInvalid, ruleID)
	}
	if len(d.Metrics) == 0 {
		return fmt.Errorf("%w: rule %s: at least one metric aggregate is required", ErrDefinitionInvalid, ruleID)
	}
	for i, m := range d.Metrics {
		switch m.Function {
		case "avg", "max", "sum":
		default:
			return fmt.Errorf("%w: rule %s: metric %d has unknown aggregate %q", ErrDefinitionInvalid, ruleID, i, m.Function)
		}
		if m.Name == "" {
			return fmt.Errorf("%w: rule %s: metric %d name is required", ErrDefinitionInvalid, ruleID, i)
		}
	}
	if d.ConditionExpression == "" {
		return fmt.Errorf("%w: rule %s: condition expression is required", ErrDefinitionInvalid, ruleID)
	}
	return nil
}

func (d *AnomalyDef) validate(ruleID string) error {
	if d.Metric == "" {
		return fmt.Errorf("%w: rule %s: metric is required", ErrDefinitionInvalid, ruleID)
	}
	if d.BaselineWindowMinutes <= 0 {
		return fmt.Errorf("%w: rule %s: baseline window must be positive", ErrDefinitionInvalid, ruleID)
	}
	if d.DeviationThreshold <= 0 {
		return fmt.Errorf("%w: rule %s: deviation threshold must be positive", ErrDefinitionInvalid, ruleID)
	}
	return nil
}

func (d *CorrelationDef) validate(ruleID string) error {
	if len(d.SubRules) < 2 {
		return fmt.Errorf("%w: rule %s: correlation requires at least 2 sub-rules", ErrDefinitionInvalid, ruleID)
	}
	if d.JoinWindowMinutes <= 0 {
		return fmt.Errorf("%w: rule %s: join window must be positive", ErrDefinitionInvalid, ruleID)
	}
	for _, sub := range d.SubRules {
		if sub == ruleID {
			return fmt.Errorf("%w: rule %s: correlation rule cannot reference itself", ErrDefinitionInvalid, ruleID)
		}
	}
	return nil
}

func (d *IntelligenceDef) validate(ruleID string) error {
	if d.FeedSource == "" {
		return fmt.Errorf("%w: rule %s: feed source is required", ErrDefinitionInvalid, ruleID)
	}
	return nil
}

// ParseRule parses a single rule from YAML bytes.
func ParseRule(data []byte) (*Rule, error) {
	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return &rule, nil
}

// ParseRules parses multiple rules from YAML bytes. Falls back to single-rule
// format when the document is not a list.
func ParseRules(data []byte) ([]*Rule, error) {
	var parsed []*Rule
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		rule, singleErr := ParseRule(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		return []*Rule{rule}, nil
	}

	for i, rule := range parsed {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return parsed, nil
}

// Marshal serializes a rule to YAML. A marshaled rule reloads through
// ParseRule to an identical definition.
func (r *Rule) Marshal() ([]byte, error) {
	return yaml.Marshal(r)
}
