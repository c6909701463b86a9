// Package ingest receives raw platform signals over Kafka and DTLS,
// normalizes them, and feeds the intake queue.
package ingest

import (
	"encoding/json"
	"fmt"

	"breachwatch/internal/normalize"
	"breachwatch/internal/queue"
)

// Envelope wraps one raw platform signal with its kind so intake transports
// can carry every signal family on a single topic or socket.
type Envelope struct {
	Signal  string          `json:"signal"` // auth, policy, token, finding, metric
	Payload json.RawMessage `json:"payload"`
}

// Decoder turns signal envelopes into queue entries via the normalizer.
type Decoder struct {
	normalizer *normalize.Normalizer
}

// NewDecoder creates a decoder backed by the given normalizer.
func NewDecoder(n *normalize.Normalizer) *Decoder {
	return &Decoder{normalizer: n}
}

// Decode parses an envelope and normalizes its payload. Malformed envelopes
// and payloads that fail schema validation are rejected with an error.
func (d *Decoder) Decode(data []byte) (queue.Signal, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return queue.Signal{}, fmt.Errorf("malformed envelope: %w", err)
	}

	switch env.Signal {
	case "auth":
		var sig normalize.AuthSignal
		if err := json.Unmarshal(env.Payload, &sig); err != nil {
			return queue.Signal{}, fmt.Errorf("malformed auth payload: %w", err)
		}
		ev, err := d.normalizer.NormalizeAuth(&sig)
		if err != nil {
			return queue.Signal{}, err
		}
		return queue.EventSignal(ev), nil

	case "policy":
		var sig normalize.PolicySignal
		if err := json.Unmarshal(env.Payload, &sig); err != nil {
			return queue.Signal{}, fmt.Errorf("malformed policy payload: %w", err)
		}
		ev, err := d.normalizer.NormalizePolicy(&sig)
		if err != nil {
			return queue.Signal{}, err
		}
		return queue.EventSignal(ev), nil

	case "token":
		var sig normalize.TokenSignal
		if err := json.Unmarshal(env.Payload, &sig); err != nil {
			return queue.Signal{}, fmt.Errorf("malformed token payload: %w", err)
		}
		ev, err := d.normalizer.NormalizeToken(&sig)
		if err != nil {
			return queue.Signal{}, err
		}
		return queue.EventSignal(ev), nil

	case "finding":
		var f normalize.ScannerFinding
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			return queue.Signal{}, fmt.Errorf("malformed finding payload: %w", err)
		}
		ev, err := d.normalizer.NormalizeFinding(&f)
		if err != nil {
			return queue.Signal{}, err
		}
		return queue.EventSignal(ev), nil

	case "metric":
		var s normalize.MetricSample
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return queue.Signal{}, fmt.Errorf("malformed metric payload: %w", err)
		}
		m, err := d.normalizer.NormalizeMetric(&s)
		if err != nil {
			return queue.Signal{}, err
		}
		return queue.MetricSignal(m), nil

	default:
		return queue.Signal{}, fmt.Errorf("unknown signal kind %q", env.Signal)
	}
}
