// Package schema defines the canonical signal records for breachwatch.
// All ingested signals are normalized to these structures before storage.
package schema

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SecurityEvent represents a normalized security signal.
// Events are immutable and append-only once written.
type SecurityEvent struct {
	// Required fields
	ID           uuid.UUID `json:"id" validate:"required"`
	EventType    string    `json:"event_type" validate:"required,event_format"`
	ResourceType string    `json:"resource_type" validate:"required,max=256"`
	Outcome      Outcome   `json:"outcome" validate:"required,oneof=success failure unknown"`
	Source       string    `json:"source" validate:"required,max=256"`
	Timestamp    time.Time `json:"timestamp" validate:"required"`

	// Optional fields
	Actor    *Actor         `json:"actor,omitempty"`
	Target   string         `json:"target,omitempty" validate:"max=1024"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Internal fields (set by the system)
	SchemaVersion string    `json:"schema_version"`
	ReceivedAt    time.Time `json:"received_at"`
	Workspace     string    `json:"workspace"`
}

// SecurityMetric represents a normalized numeric signal.
// Metrics are immutable once written. Value is kept as decimal text to
// preserve precision across storage backends.
type SecurityMetric struct {
	ID         uuid.UUID  `json:"id" validate:"required"`
	Name       string     `json:"name" validate:"required,event_format"`
	Value      string     `json:"value" validate:"required"`
	MetricType MetricType `json:"metric_type" validate:"required,oneof=counter gauge histogram"`
	Category   string     `json:"category,omitempty" validate:"max=256"`
	Timestamp  time.Time  `json:"timestamp" validate:"required"`
	Workspace  string     `json:"workspace"`
}

// Float parses the metric value. Returns false when the value is not a
// well-formed decimal.
func (m *SecurityMetric) Float() (float64, bool) {
	f, err := strconv.ParseFloat(m.Value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Actor represents the entity that performed the action.
type Actor struct {
	Type      ActorType `json:"type,omitempty" validate:"omitempty,oneof=user process service system unknown"`
	ID        string    `json:"id,omitempty" validate:"max=256"`
	Name      string    `json:"name,omitempty" validate:"max=256"`
	IPAddress string    `json:"ip_address,omitempty" validate:"omitempty,ip"`
}

// Outcome represents the result of an action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

// IsValid checks if the outcome is a valid value.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeUnknown:
		return true
	}
	return false
}

// MetricType classifies a security metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// IsValid checks if the metric type is a valid value.
func (m MetricType) IsValid() bool {
	switch m {
	case MetricCounter, MetricGauge, MetricHistogram:
		return true
	}
	return false
}

// ActorType represents the type of entity that performed an action.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorProcess ActorType = "process"
	ActorService ActorType = "service"
	ActorSystem  ActorType = "system"
	ActorUnknown ActorType = "unknown"
)

// IsValid checks if the actor type is a valid value.
func (a ActorType) IsValid() bool {
	switch a {
	case ActorUser, ActorProcess, ActorService, ActorSystem, ActorUnknown:
		return true
	}
	return false
}

// SchemaVersionCurrent is the current version of the signal schema.
const SchemaVersionCurrent = "1.0.0"
