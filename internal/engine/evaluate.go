package engine

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"breachwatch/internal/rules"
	"breachwatch/internal/schema"

	"github.com/google/uuid"
)

// Evaluate runs a single evaluation pass for the rule against the signal
// window ending now. It returns zero or more matches; evaluation of one rule
// never affects another.
func (e *Engine) Evaluate(ctx context.Context, rule *rules.Rule) ([]*Match, error) {
	now := time.Now().UTC()

	switch rule.Type {
	case rules.KindSignature:
		return e.evaluateSignature(ctx, rule, now)
	case rules.KindBehavior:
		return e.evaluateBehavior(ctx, rule, now)
	case rules.KindAnomaly:
		return e.evaluateAnomaly(ctx, rule, now)
	case rules.KindCorrelation:
		return e.evaluateCorrelation(ctx, rule, now)
	case rules.KindIntelligence:
		return e.evaluateIntelligence(ctx, rule, now)
	default:
		return nil, fmt.Errorf("%w: unknown rule kind %q", rules.ErrDefinitionInvalid, rule.Type)
	}
}

func (e *Engine) newMatch(rule *rules.Rule, source string, resources []string, evidence map[string]any, at time.Time) *Match {
	sort.Strings(resources)
	return &Match{
		RuleID:            rule.ID,
		RuleName:          rule.Name,
		DetectionType:     string(rule.Type),
		Severity:          rule.Severity,
		Source:            source,
		AffectedResources: resources,
		Evidence:          evidence,
		ObservedAt:        at,
	}
}

// evaluateSignature counts events and metrics matching each pattern inside
// the window. Each pattern that reaches its threshold produces one match.
func (e *Engine) evaluateSignature(ctx context.Context, rule *rules.Rule, now time.Time) ([]*Match, error) {
	def := rule.Signature
	from := now.Add(-time.Duration(def.TimeWindowMinutes) * time.Minute)

	events, err := e.signals.EventsBetween(ctx, from, now)
	if err != nil {
		return nil, err
	}
	metrics, err := e.signals.MetricsBetween(ctx, "", from, now)
	if err != nil {
		return nil, err
	}

	var matches []*Match
	for _, p := range def.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q does not compile: %v", rules.ErrDefinitionInvalid, p.Pattern, err)
		}

		count := 0
		resources := make(map[string]struct{})
		sources := make(map[string]struct{})
		var eventIDs []uuid.UUID

		for _, ev := range events {
			if !re.MatchString(ev.EventType) {
				continue
			}
			count++
			eventIDs = append(eventIDs, ev.ID)
			sources[ev.Source] = struct{}{}
			if ev.Target != "" {
				resources[ev.Target] = struct{}{}
			} else {
				resources[ev.Source] = struct{}{}
			}
		}
		for _, m := range metrics {
			if re.MatchString(m.Name) {
				count++
				resources[m.Name] = struct{}{}
			}
		}

		if count < p.Threshold {
			continue
		}

		source := rule.ID
		if len(sources) == 1 {
			for s := range sources {
				source = s
			}
		}

		matches = append(matches, e.newMatch(rule, source, setToSlice(resources), map[string]any{
			"pattern":        p.Pattern,
			"count":          count,
			"threshold":      p.Threshold,
			"window_minutes": def.TimeWindowMinutes,
			"event_ids":      idsToStrings(eventIDs),
		}, now))
	}
	return matches, nil
}

// evaluateBehavior aggregates the configured metrics over the window and
// evaluates the condition expression over the aggregates.
func (e *Engine) evaluateBehavior(ctx context.Context, rule *rules.Rule, now time.Time) ([]*Match, error) {
	def := rule.Behavior
	from := now.Add(-time.Duration(def.TimeWindowMinutes) * time.Minute)

	vars := make(map[string]float64, len(def.Metrics))
	resources := make(map[string]struct{})
	sampleCounts := make(map[string]int, len(def.Metrics))

	for _, agg := range def.Metrics {
		samples, err := e.signals.MetricsBetween(ctx, agg.Name, from, now)
		if err != nil {
			return nil, err
		}

		var values []float64
		for _, s := range samples {
			if v, ok := s.Float(); ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			// a metric with no samples in the window cannot satisfy the expression
			return nil, nil
		}

		vars[agg.Var()] = aggregate(agg.Function, values)
		sampleCounts[agg.Name] = len(values)
		resources[agg.Name] = struct{}{}
	}

	expr, err := ParseExpression(def.ConditionExpression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rules.ErrDefinitionInvalid, err)
	}
	ok, err := expr.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rules.ErrDefinitionInvalid, err)
	}
	if !ok {
		return nil, nil
	}

	evidence := map[string]any{
		"condition":      def.ConditionExpression,
		"window_minutes": def.TimeWindowMinutes,
		"samples":        sampleCounts,
	}
	for name, v := range vars {
		evidence[name] = v
	}
	return []*Match{e.newMatch(rule, rule.ID, setToSlice(resources), evidence, now)}, nil
}

// evaluateAnomaly scores the latest sample of the metric against the
// preceding baseline window.
func (e *Engine) evaluateAnomaly(ctx context.Context, rule *rules.Rule, now time.Time) ([]*Match, error) {
	def := rule.Anomaly
	from := now.Add(-time.Duration(def.BaselineWindowMinutes) * time.Minute)

	samples, err := e.signals.MetricsBetween(ctx, def.Metric, from, now)
	if err != nil {
		return nil, err
	}

	var values []float64
	for _, s := range samples {
		if v, ok := s.Float(); ok {
			values = append(values, v)
		}
	}
	// need a baseline and a current sample
	if len(values) < 2 {
		return nil, nil
	}

	current := values[len(values)-1]
	baseline := values[:len(values)-1]
	score := e.scorer.Score(baseline, current)
	if score <= def.DeviationThreshold {
		return nil, nil
	}

	return []*Match{e.newMatch(rule, rule.ID, []string{def.Metric}, map[string]any{
		"metric":              def.Metric,
		"current":             current,
		"deviation_score":     score,
		"deviation_threshold": def.DeviationThreshold,
		"baseline_samples":    len(baseline),
		"window_minutes":      def.BaselineWindowMinutes,
	}, now)}, nil
}

// evaluateCorrelation fires when every sub-rule has at least one match
// inside the join window ending now.
func (e *Engine) evaluateCorrelation(ctx context.Context, rule *rules.Rule, now time.Time) ([]*Match, error) {
	def := rule.Correlation
	cutoff := now.Add(-time.Duration(def.JoinWindowMinutes) * time.Minute)

	resources := make(map[string]struct{})
	counts := make(map[string]int, len(def.SubRules))
	var newest time.Time
	for _, sub := range def.SubRules {
		stamps := e.recentMatches(sub, cutoff)
		if len(stamps) == 0 {
			return nil, nil
		}
		counts[sub] = len(stamps)
		for _, s := range stamps {
			if s.at.After(newest) {
				newest = s.at
			}
			for _, r := range s.resources {
				resources[r] = struct{}{}
			}
		}
	}

	// a satisfied join fires once; it fires again only after a sub-rule
	// produces a newer match
	if !e.markJoin(rule.ID, newest) {
		return nil, nil
	}

	return []*Match{e.newMatch(rule, rule.ID, setToSlice(resources), map[string]any{
		"sub_rules":           def.SubRules,
		"sub_rule_matches":    counts,
		"join_window_minutes": def.JoinWindowMinutes,
	}, now)}, nil
}

// evaluateIntelligence checks recent signal values against the configured
// indicator feed: actor addresses and targets of events, plus raw metric
// values (feeds carry string indicators and metric values are strings).
func (e *Engine) evaluateIntelligence(ctx context.Context, rule *rules.Rule, now time.Time) ([]*Match, error) {
	if e.intel == nil {
		return nil, nil
	}
	def := rule.Intelligence
	from := now.Add(-rule.Interval())

	events, err := e.signals.EventsBetween(ctx, from, now)
	if err != nil {
		return nil, err
	}
	metrics, err := e.signals.MetricsBetween(ctx, "", from, now)
	if err != nil {
		return nil, err
	}

	var matches []*Match
	seen := make(map[string]struct{})
	for _, ev := range events {
		for _, value := range intelCandidates(ev) {
			if _, dup := seen[value]; dup {
				continue
			}
			known, confidence := e.intel.Known(ctx, def.FeedSource, value)
			if !known {
				continue
			}
			seen[value] = struct{}{}

			matches = append(matches, e.newMatch(rule, ev.Source, []string{value}, map[string]any{
				"feed_source": def.FeedSource,
				"indicator":   value,
				"confidence":  confidence,
				"event_id":    ev.ID.String(),
				"event_type":  ev.EventType,
			}, now))
		}
	}
	for _, m := range metrics {
		value := m.Value
		if _, dup := seen[value]; dup {
			continue
		}
		known, confidence := e.intel.Known(ctx, def.FeedSource, value)
		if !known {
			continue
		}
		seen[value] = struct{}{}

		matches = append(matches, e.newMatch(rule, m.Name, []string{value}, map[string]any{
			"feed_source": def.FeedSource,
			"indicator":   value,
			"confidence":  confidence,
			"metric_id":   m.ID.String(),
			"metric_name": m.Name,
		}, now))
	}
	return matches, nil
}

// intelCandidates extracts the values of an event worth checking against a feed.
func intelCandidates(ev *schema.SecurityEvent) []string {
	var out []string
	if ev.Actor != nil && ev.Actor.IPAddress != "" {
		out = append(out, ev.Actor.IPAddress)
	}
	if ev.Target != "" {
		out = append(out, ev.Target)
	}
	return out
}

func aggregate(fn string, values []float64) float64 {
	switch fn {
	case "max":
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case "sum":
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum
	default: // avg
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func idsToStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
