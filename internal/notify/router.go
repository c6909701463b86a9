// Package notify decides which external channels should hear about a
// breach creation or update. Routing is a pure decision; delivery belongs
// to external collaborators and its failures never reach breach
// persistence.
package notify

import (
	"context"
	"log/slog"

	"breachwatch/internal/breach"
	"breachwatch/internal/rules"
)

// Target is one channel a breach notice should be delivered to.
type Target struct {
	Name     string `yaml:"name" json:"name"`
	Channel  string `yaml:"channel" json:"channel"` // email, slack, webhook, siem
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// Route is one configured routing rule. Empty filter fields match
// everything; all set filters must match.
type Route struct {
	Target         Target         `yaml:"target"`
	MinSeverity    rules.Severity `yaml:"min_severity"`
	DetectionTypes []string       `yaml:"detection_types,omitempty"`
	Sources        []string       `yaml:"sources,omitempty"`
	Workspaces     []string       `yaml:"workspaces,omitempty"`
	CreationsOnly  bool           `yaml:"creations_only,omitempty"`
}

func (r *Route) matches(n *breach.Notice) bool {
	if r.CreationsOnly && !n.Created {
		return false
	}
	if r.MinSeverity != "" && n.Breach.Severity.Rank() < r.MinSeverity.Rank() {
		return false
	}
	if len(r.DetectionTypes) > 0 && !contains(r.DetectionTypes, n.Breach.DetectionType) {
		return false
	}
	if len(r.Sources) > 0 && !contains(r.Sources, n.Breach.Source) {
		return false
	}
	if len(r.Workspaces) > 0 && !contains(r.Workspaces, n.Breach.Workspace) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Router evaluates routing rules against breach notices.
type Router struct {
	routes []Route
}

// NewRouter creates a router over the configured routes.
func NewRouter(routes []Route) *Router {
	return &Router{routes: routes}
}

// Decide returns the targets that should be informed about the notice.
// Pure: same notice, same routes, same targets.
func (r *Router) Decide(n *breach.Notice) []Target {
	var out []Target
	seen := make(map[string]struct{})
	for i := range r.routes {
		route := &r.routes[i]
		if !route.matches(n) {
			continue
		}
		key := route.Target.Channel + "|" + route.Target.Endpoint
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, route.Target)
	}
	return out
}

// HandleNotice is wired as a breach handler. It logs the routing decision
// and hands targets to the deliverer; it never returns an error, so slow or
// failing delivery cannot block breach persistence.
func (r *Router) HandleNotice(deliver func(context.Context, *breach.Notice, []Target)) breach.Handler {
	return func(ctx context.Context, n *breach.Notice) error {
		targets := r.Decide(n)
		slog.Info("breach notice routed",
			"breach_id", n.Breach.ID,
			"created", n.Created,
			"severity", n.Breach.Severity,
			"targets", len(targets),
		)
		if deliver != nil && len(targets) > 0 {
			deliver(ctx, n, targets)
		}
		return nil
	}
}
