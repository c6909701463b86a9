// Package indicator maintains the global indicator-of-compromise registry
// and its many-to-many links to breaches.
package indicator

import (
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type classifies an indicator value.
type Type string

const (
	TypeIP        Type = "ip"
	TypeHash      Type = "hash"
	TypeDomain    Type = "domain"
	TypePattern   Type = "pattern"
	TypeSignature Type = "signature"
)

// IsValid checks if the type is a known value.
func (t Type) IsValid() bool {
	switch t {
	case TypeIP, TypeHash, TypeDomain, TypePattern, TypeSignature:
		return true
	}
	return false
}

// Relationship qualifies a breach-indicator link.
type Relationship string

const (
	RelationshipSource     Relationship = "source"
	RelationshipAssociated Relationship = "associated"
	RelationshipConfirmed  Relationship = "confirmed"
)

// Indicator is one observable artifact. Uniquely keyed by (Type, Value);
// confidence only ever rises across merges and stays within [0,1].
type Indicator struct {
	ID         uuid.UUID      `json:"id"`
	Type       Type           `json:"type"`
	Value      string         `json:"value"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Link joins a breach to an indicator. No ownership beyond the pair.
type Link struct {
	BreachID     uuid.UUID    `json:"breach_id"`
	IndicatorID  uuid.UUID    `json:"indicator_id"`
	Relationship Relationship `json:"relationship"`
	Notes        string       `json:"notes,omitempty"`
}

// Candidate is an extracted indicator value prior to registration.
type Candidate struct {
	Type       Type
	Value      string
	Confidence float64
}

var (
	hashPattern   = regexp.MustCompile(`^[0-9a-fA-F]{32}$|^[0-9a-fA-F]{40}$|^[0-9a-fA-F]{64}$`)
	domainPattern = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)
)

// Classify maps a raw value to an indicator type. Values that are neither
// addresses, digests nor domains are not extractable.
func Classify(value string) (Type, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	if net.ParseIP(value) != nil {
		return TypeIP, true
	}
	if hashPattern.MatchString(value) {
		return TypeHash, true
	}
	if domainPattern.MatchString(strings.ToLower(value)) {
		return TypeDomain, true
	}
	return "", false
}

// Extract walks breach evidence and affected resources for candidate
// indicator values. Pattern evidence from signature rules is carried as a
// pattern indicator.
func Extract(evidence map[string]any, resources []string, confidence float64) []Candidate {
	seen := make(map[string]struct{})
	var out []Candidate

	add := func(t Type, v string) {
		key := string(t) + "|" + v
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, Candidate{Type: t, Value: v, Confidence: confidence})
	}

	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			if t, ok := Classify(val); ok {
				add(t, strings.TrimSpace(val))
			}
		case []string:
			for _, s := range val {
				walk(s)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		case map[string]any:
			for k, item := range val {
				if k == "pattern" {
					if s, ok := item.(string); ok && s != "" {
						add(TypePattern, s)
						continue
					}
				}
				walk(item)
			}
		}
	}
	walk(evidence)

	for _, r := range resources {
		// resources are often tagged like "host:web-1" or "ip:203.0.113.5"
		value := r
		if idx := strings.IndexByte(r, ':'); idx >= 0 && !strings.Contains(r[idx+1:], ":") {
			value = r[idx+1:]
		}
		if t, ok := Classify(value); ok {
			add(t, strings.TrimSpace(value))
		} else if t, ok := Classify(r); ok {
			add(t, strings.TrimSpace(r))
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
