// Package engine evaluates detection rules against the signal log and
// produces matches for breach aggregation.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"breachwatch/internal/rules"
	"breachwatch/internal/store"
)

// Match is one firing of a detection rule.
type Match struct {
	RuleID            string         `json:"rule_id"`
	RuleName          string         `json:"rule_name"`
	DetectionType     string         `json:"detection_type"`
	Severity          rules.Severity `json:"severity"`
	Source            string         `json:"source"`
	AffectedResources []string       `json:"affected_resources"`
	Evidence          map[string]any `json:"evidence"`
	ObservedAt        time.Time      `json:"observed_at"`
}

// MatchHandler is called for every match the engine produces.
type MatchHandler func(context.Context, *Match) error

// IndicatorSource answers intelligence-rule lookups against a feed.
type IndicatorSource interface {
	// Known reports whether value is a known indicator from the feed,
	// along with its confidence when present.
	Known(ctx context.Context, feedSource, value string) (bool, float64)
}

// Config configures the evaluation engine.
type Config struct {
	Workers      int           // bounded worker pool size, independent of rule count
	TickQueue    int           // pending evaluation queue capacity
	MatchHistory time.Duration // how long sub-rule matches are kept for correlation joins
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		TickQueue:    1024,
		MatchHistory: 2 * time.Hour,
	}
}

// Engine schedules and evaluates detection rules. Each enabled rule runs on
// its own ticker; evaluations execute on a bounded worker pool so one slow
// rule never blocks another.
type Engine struct {
	config   Config
	signals  store.SignalReader
	scorer   Scorer
	intel    IndicatorSource
	handlers []MatchHandler

	mu        sync.RWMutex
	scheduled map[string]*scheduledRule
	invalid   map[string]string // rule ID -> reason, for rule health
	recent    map[string][]matchStamp
	lastJoin  map[string]time.Time // correlation rule ID -> newest stamp of its last firing

	tickCh chan *rules.Rule
	stopCh chan struct{}
	wg     sync.WaitGroup

	// test hook: called after each evaluation completes
	afterEval func(ruleID string)
}

type scheduledRule struct {
	rule   *rules.Rule
	cancel chan struct{}
}

// matchStamp records a fired match for correlation joins.
type matchStamp struct {
	at        time.Time
	resources []string
}

// New creates an evaluation engine over the given signal reader.
// intel may be nil when no intelligence rules are configured.
func New(cfg Config, signals store.SignalReader, scorer Scorer, intel IndicatorSource) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.TickQueue <= 0 {
		cfg.TickQueue = DefaultConfig().TickQueue
	}
	if cfg.MatchHistory <= 0 {
		cfg.MatchHistory = DefaultConfig().MatchHistory
	}
	if scorer == nil {
		scorer = &ZScoreScorer{}
	}
	return &Engine{
		config:    cfg,
		signals:   signals,
		scorer:    scorer,
		intel:     intel,
		scheduled: make(map[string]*scheduledRule),
		invalid:   make(map[string]string),
		recent:    make(map[string][]matchStamp),
		lastJoin:  make(map[string]time.Time),
		tickCh:    make(chan *rules.Rule, cfg.TickQueue),
		stopCh:    make(chan struct{}),
	}
}

// AddHandler registers a match handler.
func (e *Engine) AddHandler(handler MatchHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// AddRule validates and schedules a rule. A rule with a malformed definition
// is recorded as invalid and skipped; the engine keeps running.
func (e *Engine) AddRule(rule *rules.Rule) error {
	if err := rule.Validate(); err != nil {
		if errors.Is(err, rules.ErrDefinitionInvalid) {
			e.mu.Lock()
			e.invalid[rule.ID] = err.Error()
			e.mu.Unlock()
			slog.Warn("rule definition invalid, rule will not be evaluated",
				"rule_id", rule.ID, "error", err)
			return err
		}
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.invalid, rule.ID)
	if prev, ok := e.scheduled[rule.ID]; ok {
		close(prev.cancel)
	}

	sr := &scheduledRule{rule: rule, cancel: make(chan struct{})}
	e.scheduled[rule.ID] = sr
	if rule.Enabled() {
		e.startTicker(sr)
	}

	slog.Info("rule scheduled", "rule_id", rule.ID, "type", rule.Type,
		"interval", rule.Interval(), "enabled", rule.Enabled())
	return nil
}

// RemoveRule unschedules a rule. An in-flight evaluation finishes; no
// further ticks occur.
func (e *Engine) RemoveRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sr, ok := e.scheduled[ruleID]; ok {
		close(sr.cancel)
		delete(e.scheduled, ruleID)
	}
	delete(e.invalid, ruleID)
}

// DisableRule stops scheduling a rule without removing it. The in-flight
// evaluation, if any, completes and may still produce matches.
func (e *Engine) DisableRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sr, ok := e.scheduled[ruleID]
	if !ok {
		return
	}
	close(sr.cancel)
	sr.cancel = make(chan struct{})
	sr.rule.Status = rules.StatusDisabled
	slog.Info("rule disabled", "rule_id", ruleID)
}

// EnableRule resumes scheduling a disabled rule.
func (e *Engine) EnableRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sr, ok := e.scheduled[ruleID]
	if !ok || sr.rule.Enabled() {
		return
	}
	sr.rule.Status = rules.StatusEnabled
	e.startTicker(sr)
	slog.Info("rule enabled", "rule_id", ruleID)
}

// startTicker launches the per-rule tick loop. Caller must hold e.mu.
func (e *Engine) startTicker(sr *scheduledRule) {
	cancel := sr.cancel
	rule := sr.rule

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(rule.Interval())
		defer ticker.Stop()

		for {
			select {
			case <-e.stopCh:
				return
			case <-cancel:
				return
			case <-ticker.C:
				select {
				case e.tickCh <- rule:
				default:
					slog.Warn("evaluation queue full, skipping tick", "rule_id", rule.ID)
				}
			}
		}
	}()
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	slog.Info("evaluation engine started", "workers", e.config.Workers)
}

// Stop unschedules all rules and waits for in-flight evaluations.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	slog.Info("evaluation engine stopped")
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case rule := <-e.tickCh:
			e.runEvaluation(ctx, rule)
		}
	}
}

// runEvaluation evaluates one rule tick. Failures are contained to the rule.
func (e *Engine) runEvaluation(ctx context.Context, rule *rules.Rule) {
	matches, err := e.Evaluate(ctx, rule)
	if err != nil {
		if store.IsTransient(err) {
			slog.Warn("signal store unavailable, will retry next tick",
				"rule_id", rule.ID, "error", err)
		} else {
			slog.Error("rule evaluation failed", "rule_id", rule.ID, "error", err)
		}
	}

	for _, m := range matches {
		e.dispatch(ctx, m)
	}

	e.mu.RLock()
	hook := e.afterEval
	e.mu.RUnlock()
	if hook != nil {
		hook(rule.ID)
	}
}

func (e *Engine) dispatch(ctx context.Context, m *Match) {
	now := time.Now()

	e.mu.Lock()
	e.recent[m.RuleID] = append(e.recent[m.RuleID], matchStamp{at: m.ObservedAt, resources: m.AffectedResources})
	cutoff := now.Add(-e.config.MatchHistory)
	kept := e.recent[m.RuleID][:0]
	for _, s := range e.recent[m.RuleID] {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	e.recent[m.RuleID] = kept
	if sr, ok := e.scheduled[m.RuleID]; ok {
		sr.rule.LastTriggeredAt = &now
	}
	handlers := e.handlers
	e.mu.Unlock()

	for _, handler := range handlers {
		if err := handler(ctx, m); err != nil {
			slog.Error("match handler failed", "rule_id", m.RuleID, "error", err)
		}
	}
}

// markJoin records a correlation firing keyed by the newest sub-rule stamp
// it joined. Returns false when that join already fired, so the same set of
// stamps never produces a second match.
func (e *Engine) markJoin(ruleID string, newest time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !newest.After(e.lastJoin[ruleID]) {
		return false
	}
	e.lastJoin[ruleID] = newest
	return true
}

// recentMatches returns sub-rule matches observed after cutoff.
func (e *Engine) recentMatches(ruleID string, cutoff time.Time) []matchStamp {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []matchStamp
	for _, s := range e.recent[ruleID] {
		if s.at.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Health returns the IDs and reasons of rules marked invalid. This is the
// operator-facing rule-health view.
func (e *Engine) Health() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]string, len(e.invalid))
	for id, reason := range e.invalid {
		out[id] = reason
	}
	return out
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	enabled := 0
	for _, sr := range e.scheduled {
		if sr.rule.Enabled() {
			enabled++
		}
	}
	return map[string]interface{}{
		"rules_scheduled": len(e.scheduled),
		"rules_enabled":   enabled,
		"rules_invalid":   len(e.invalid),
		"tick_queue":      len(e.tickCh),
		"handler_count":   len(e.handlers),
	}
}
