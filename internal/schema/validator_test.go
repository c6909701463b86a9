package schema

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestValidateEventType(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		want      bool
	}{
		{"simple type", "auth", true},
		{"dotted type", "auth.login", true},
		{"multi-dotted type", "auth.mfa.challenge", true},
		{"with underscore", "login_failure", true},
		{"with numbers", "oauth2.token", true},
		{"uppercase invalid", "Auth.Login", false},
		{"space invalid", "auth login", false},
		{"starts with number", "2auth", false},
		{"hyphen invalid", "auth-login", false},
		{"empty string", "", false},
		{"trailing dot", "auth.", false},
		{"leading dot", ".auth", false},
		{"double dot", "auth..login", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateEventType(tt.eventType); got != tt.want {
				t.Errorf("ValidateEventType(%q) = %v, want %v", tt.eventType, got, tt.want)
			}
		})
	}
}

func TestValidator_ValidateEvent(t *testing.T) {
	v := NewValidator()
	now := time.Now().UTC()

	validEvent := func() *SecurityEvent {
		return &SecurityEvent{
			ID:           uuid.New(),
			EventType:    "auth.login_failure",
			ResourceType: "session",
			Outcome:      OutcomeFailure,
			Source:       "auth-service",
			Timestamp:    now,
		}
	}

	t.Run("valid event", func(t *testing.T) {
		if err := v.ValidateEvent(validEvent()); err != nil {
			t.Errorf("ValidateEvent() unexpected error: %v", err)
		}
	})

	t.Run("missing event type", func(t *testing.T) {
		ev := validEvent()
		ev.EventType = ""
		if err := v.ValidateEvent(ev); err == nil {
			t.Error("ValidateEvent() expected error for missing event type")
		}
	})

	t.Run("bad event type format", func(t *testing.T) {
		ev := validEvent()
		ev.EventType = "Auth Failure"
		if err := v.ValidateEvent(ev); err == nil {
			t.Error("ValidateEvent() expected error for malformed event type")
		}
	})

	t.Run("bad outcome", func(t *testing.T) {
		ev := validEvent()
		ev.Outcome = "maybe"
		if err := v.ValidateEvent(ev); err == nil {
			t.Error("ValidateEvent() expected error for invalid outcome")
		}
	})

	t.Run("timestamp too old", func(t *testing.T) {
		ev := validEvent()
		ev.Timestamp = now.Add(-30 * 24 * time.Hour)
		if err := v.ValidateEvent(ev); err == nil {
			t.Error("ValidateEvent() expected error for stale timestamp")
		}
	})

	t.Run("timestamp in future", func(t *testing.T) {
		ev := validEvent()
		ev.Timestamp = now.Add(time.Hour)
		if err := v.ValidateEvent(ev); err == nil {
			t.Error("ValidateEvent() expected error for future timestamp")
		}
	})

	t.Run("bad actor ip", func(t *testing.T) {
		ev := validEvent()
		ev.Actor = &Actor{Type: ActorUser, IPAddress: "not-an-ip"}
		if err := v.ValidateEvent(ev); err == nil {
			t.Error("ValidateEvent() expected error for invalid actor IP")
		}
	})
}

func TestValidator_ValidateMetric(t *testing.T) {
	v := NewValidator()
	now := time.Now().UTC()

	validMetric := func() *SecurityMetric {
		return &SecurityMetric{
			ID:         uuid.New(),
			Name:       "auth.failure_rate",
			Value:      "12.5",
			MetricType: MetricGauge,
			Category:   "authentication",
			Timestamp:  now,
		}
	}

	t.Run("valid metric", func(t *testing.T) {
		if err := v.ValidateMetric(validMetric()); err != nil {
			t.Errorf("ValidateMetric() unexpected error: %v", err)
		}
	})

	t.Run("non-decimal value", func(t *testing.T) {
		m := validMetric()
		m.Value = "twelve"
		if err := v.ValidateMetric(m); err == nil {
			t.Error("ValidateMetric() expected error for non-decimal value")
		}
	})

	t.Run("bad metric type", func(t *testing.T) {
		m := validMetric()
		m.MetricType = "timer"
		if err := v.ValidateMetric(m); err == nil {
			t.Error("ValidateMetric() expected error for invalid metric type")
		}
	})
}

func TestSecurityMetric_Float(t *testing.T) {
	m := SecurityMetric{Value: "42.25"}
	f, ok := m.Float()
	if !ok || f != 42.25 {
		t.Errorf("Float() = %v, %v, want 42.25, true", f, ok)
	}

	m.Value = "NaN or not"
	if _, ok := m.Float(); ok {
		t.Error("Float() expected failure for malformed value")
	}
}
