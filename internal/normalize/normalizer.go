// Package normalize converts raw platform signals into the canonical
// security event and metric schema before they enter the signal log.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"breachwatch/internal/schema"
)

// EventTypeMappings maps raw platform signal kinds to canonical event types.
var EventTypeMappings = map[string]string{
	// Authentication
	"login_success": "auth.login_success",
	"login_failure": "auth.login_failure",
	"logout":        "auth.logout",
	"mfa_failure":   "auth.mfa_failure",

	// Network policy
	"ip_blocked":       "policy.ip_blocked",
	"ip_allowed":       "policy.ip_allowed",
	"policy_violation": "policy.violation",

	// Tokens and credentials
	"token_created":   "token.created",
	"token_revoked":   "token.revoked",
	"token_anomaly":   "token.anomaly",
	"token_reuse":     "token.reuse",
	"secret_accessed": "secret.accessed",

	// Vulnerability scanning
	"scan_finding":  "scanner.finding",
	"scan_started":  "scanner.started",
	"scan_finished": "scanner.finished",
}

// Normalizer converts raw platform signals to the canonical schema.
type Normalizer struct {
	defaultWorkspace string
	validator        *schema.Validator
}

// NormalizerConfig holds configuration for the normalizer.
type NormalizerConfig struct {
	DefaultWorkspace string `yaml:"default_workspace"`
}

// DefaultNormalizerConfig returns the default normalizer configuration.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		DefaultWorkspace: "default",
	}
}

// NewNormalizer creates a normalizer. Normalized output is validated before
// it is returned; malformed input never reaches the signal log.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	ws := cfg.DefaultWorkspace
	if ws == "" {
		ws = "default"
	}
	return &Normalizer{defaultWorkspace: ws, validator: schema.NewValidator()}
}

// AuthSignal is a raw authentication record from the identity layer.
type AuthSignal struct {
	Kind      string    `json:"kind"` // login_success, login_failure, logout, mfa_failure
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	SourceIP  string    `json:"source_ip"`
	Service   string    `json:"service"`
	Workspace string    `json:"workspace"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// NormalizeAuth converts an authentication record.
func (n *Normalizer) NormalizeAuth(sig *AuthSignal) (*schema.SecurityEvent, error) {
	eventType, ok := EventTypeMappings[sig.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown auth signal kind %q", sig.Kind)
	}

	outcome := schema.OutcomeSuccess
	if strings.Contains(sig.Kind, "failure") {
		outcome = schema.OutcomeFailure
	}

	ev := &schema.SecurityEvent{
		ID:           uuid.New(),
		EventType:    eventType,
		ResourceType: "session",
		Outcome:      outcome,
		Source:       n.source(sig.Service, "identity"),
		Timestamp:    sig.Timestamp,
		Actor: &schema.Actor{
			Type:      schema.ActorUser,
			ID:        sig.UserID,
			Name:      sig.Username,
			IPAddress: sig.SourceIP,
		},
		Target: "user:" + strings.ToLower(sig.Username),
		Metadata: map[string]any{
			"raw_kind": sig.Kind,
		},
	}
	if sig.Reason != "" {
		ev.Metadata["reason"] = sig.Reason
	}
	return n.finish(ev, sig.Workspace)
}

// PolicySignal is a raw network-policy decision.
type PolicySignal struct {
	Kind      string    `json:"kind"` // ip_blocked, ip_allowed, policy_violation
	PolicyID  string    `json:"policy_id"`
	SourceIP  string    `json:"source_ip"`
	Target    string    `json:"target"`
	Service   string    `json:"service"`
	Workspace string    `json:"workspace"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// NormalizePolicy converts a network-policy decision.
func (n *Normalizer) NormalizePolicy(sig *PolicySignal) (*schema.SecurityEvent, error) {
	eventType, ok := EventTypeMappings[sig.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown policy signal kind %q", sig.Kind)
	}

	outcome := schema.OutcomeFailure
	if sig.Kind == "ip_allowed" {
		outcome = schema.OutcomeSuccess
	}

	ev := &schema.SecurityEvent{
		ID:           uuid.New(),
		EventType:    eventType,
		ResourceType: "network_policy",
		Outcome:      outcome,
		Source:       n.source(sig.Service, "network"),
		Timestamp:    sig.Timestamp,
		Target:       sig.Target,
		Metadata: map[string]any{
			"policy_id": sig.PolicyID,
			"raw_kind":  sig.Kind,
		},
	}
	if sig.SourceIP != "" {
		ev.Actor = &schema.Actor{Type: schema.ActorUnknown, IPAddress: sig.SourceIP}
	}
	if sig.Details != "" {
		ev.Metadata["details"] = sig.Details
	}
	return n.finish(ev, sig.Workspace)
}

// TokenSignal is a raw API-token lifecycle record.
type TokenSignal struct {
	Kind      string    `json:"kind"` // token_created, token_revoked, token_anomaly, token_reuse, secret_accessed
	TokenID   string    `json:"token_id"`
	OwnerID   string    `json:"owner_id"`
	SourceIP  string    `json:"source_ip"`
	Service   string    `json:"service"`
	Workspace string    `json:"workspace"`
	Timestamp time.Time `json:"timestamp"`
}

// NormalizeToken converts a token lifecycle record.
func (n *Normalizer) NormalizeToken(sig *TokenSignal) (*schema.SecurityEvent, error) {
	eventType, ok := EventTypeMappings[sig.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown token signal kind %q", sig.Kind)
	}

	outcome := schema.OutcomeSuccess
	if sig.Kind == "token_anomaly" || sig.Kind == "token_reuse" {
		outcome = schema.OutcomeUnknown
	}

	ev := &schema.SecurityEvent{
		ID:           uuid.New(),
		EventType:    eventType,
		ResourceType: "api_token",
		Outcome:      outcome,
		Source:       n.source(sig.Service, "credentials"),
		Timestamp:    sig.Timestamp,
		Target:       "token:" + sig.TokenID,
		Metadata: map[string]any{
			"raw_kind": sig.Kind,
		},
	}
	if sig.OwnerID != "" || sig.SourceIP != "" {
		ev.Actor = &schema.Actor{
			Type:      schema.ActorService,
			ID:        sig.OwnerID,
			IPAddress: sig.SourceIP,
		}
	}
	return n.finish(ev, sig.Workspace)
}

// ScannerFinding is a raw vulnerability-scanner result.
type ScannerFinding struct {
	Scanner   string    `json:"scanner"`
	RuleID    string    `json:"rule_id"`
	Severity  string    `json:"severity"`
	Resource  string    `json:"resource"`
	Summary   string    `json:"summary"`
	Workspace string    `json:"workspace"`
	Timestamp time.Time `json:"timestamp"`
}

// NormalizeFinding converts a scanner finding.
func (n *Normalizer) NormalizeFinding(f *ScannerFinding) (*schema.SecurityEvent, error) {
	ev := &schema.SecurityEvent{
		ID:           uuid.New(),
		EventType:    EventTypeMappings["scan_finding"],
		ResourceType: "scan_target",
		Outcome:      schema.OutcomeFailure,
		Source:       n.source(f.Scanner, "scanner"),
		Timestamp:    f.Timestamp,
		Target:       f.Resource,
		Actor:        &schema.Actor{Type: schema.ActorService, ID: f.Scanner},
		Metadata: map[string]any{
			"scanner_rule": f.RuleID,
			"severity":     f.Severity,
			"summary":      f.Summary,
		},
	}
	return n.finish(ev, f.Workspace)
}

// MetricSample is a raw platform measurement.
type MetricSample struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Kind      string    `json:"kind"` // counter, gauge, histogram
	Category  string    `json:"category"`
	Workspace string    `json:"workspace"`
	Timestamp time.Time `json:"timestamp"`
}

// NormalizeMetric converts a measurement to a canonical metric.
func (n *Normalizer) NormalizeMetric(s *MetricSample) (*schema.SecurityMetric, error) {
	kind := schema.MetricType(s.Kind)
	if s.Kind == "" {
		kind = schema.MetricGauge
	}

	m := &schema.SecurityMetric{
		ID:         uuid.New(),
		Name:       strings.ToLower(s.Name),
		Value:      strconv.FormatFloat(s.Value, 'f', -1, 64),
		MetricType: kind,
		Category:   s.Category,
		Timestamp:  s.Timestamp,
		Workspace:  s.Workspace,
	}
	if m.Workspace == "" {
		m.Workspace = n.defaultWorkspace
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if err := n.validator.ValidateMetric(m); err != nil {
		return nil, fmt.Errorf("normalized metric invalid: %w", err)
	}
	return m, nil
}

// finish stamps system fields and validates the normalized event.
func (n *Normalizer) finish(ev *schema.SecurityEvent, workspace string) (*schema.SecurityEvent, error) {
	ev.SchemaVersion = schema.SchemaVersionCurrent
	ev.ReceivedAt = time.Now().UTC()
	ev.Workspace = workspace
	if ev.Workspace == "" {
		ev.Workspace = n.defaultWorkspace
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = ev.ReceivedAt
	}
	if err := n.validator.ValidateEvent(ev); err != nil {
		return nil, fmt.Errorf("normalized event invalid: %w", err)
	}
	return ev, nil
}

// source picks the raw service name, falling back to the layer name.
func (n *Normalizer) source(service, layer string) string {
	if service != "" {
		return strings.ToLower(service)
	}
	return layer
}
