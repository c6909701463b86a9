// Package scenes provides the console's views.
package scenes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"breachwatch/internal/tui/api"
	"breachwatch/internal/tui/styles"
)

// TickMsg is sent on each refresh tick - exported for use by the parent model.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// OverviewScene displays the breach summary.
type OverviewScene struct {
	client     *api.Client
	summary    *apiSummary
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

// apiSummary keeps the scene decoupled from the fetch result shape.
type apiSummary struct {
	total      int
	open       int
	bySeverity map[string]int
	byStatus   map[string]int
	bySource   map[string]int
	healthy    bool
}

type summaryMsg struct {
	summary *apiSummary
	err     error
}

// NewOverviewScene creates the overview scene.
func NewOverviewScene(client *api.Client) *OverviewScene {
	return &OverviewScene{
		client:  client,
		loading: true,
	}
}

// Init fetches the initial summary.
func (o *OverviewScene) Init() tea.Cmd {
	return o.fetchSummary()
}

func (o *OverviewScene) fetchSummary() tea.Cmd {
	return func() tea.Msg {
		healthy := o.client.Healthy()
		s, err := o.client.GetSummary()
		if err != nil {
			return summaryMsg{err: err}
		}
		return summaryMsg{summary: &apiSummary{
			total:      s.Total,
			open:       s.Open,
			bySeverity: s.BySeverity,
			byStatus:   s.ByStatus,
			bySource:   s.BySource,
			healthy:    healthy,
		}}
	}
}

// TickCmd schedules the next refresh. The parent model returns it only while
// this scene is active.
func (o *OverviewScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "overview", Time: t}
	})
}

// Update handles messages for the overview.
func (o *OverviewScene) Update(msg tea.Msg) (*OverviewScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		o.width = msg.Width
		o.height = msg.Height
		return o, nil

	case summaryMsg:
		o.loading = false
		o.summary = msg.summary
		o.err = msg.err
		o.lastUpdate = time.Now()
		return o, nil

	case TickMsg:
		if msg.Scene == "overview" {
			return o, o.fetchSummary()
		}
		return o, nil
	}

	return o, nil
}

// View renders the overview.
func (o *OverviewScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Breach Overview"))
	b.WriteString("\n\n")

	if o.loading {
		b.WriteString(styles.Muted.Render("  Loading..."))
		return b.String()
	}

	if o.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", o.err)))
		return b.String()
	}

	var statusText string
	if o.summary.healthy {
		statusText = styles.StatusOK.Render("● CONNECTED")
	} else {
		statusText = styles.StatusError.Render("● DISCONNECTED")
	}
	b.WriteString(fmt.Sprintf("  Daemon: %s\n\n", statusText))

	cards := []string{
		o.renderMetricCard("Breaches", fmt.Sprintf("%d", o.summary.total)),
		o.renderMetricCard("Open", fmt.Sprintf("%d", o.summary.open)),
		o.renderMetricCard("Critical", fmt.Sprintf("%d", o.summary.bySeverity["critical"])),
		o.renderMetricCard("High", fmt.Sprintf("%d", o.summary.bySeverity["high"])),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	b.WriteString("\n\n")

	b.WriteString(styles.Subtitle.Render("  By Status"))
	b.WriteString("\n")
	b.WriteString(renderCounts(o.summary.byStatus))
	b.WriteString("\n")

	b.WriteString(styles.Subtitle.Render("  Top Sources"))
	b.WriteString("\n")
	b.WriteString(renderCounts(o.summary.bySource))
	b.WriteString("\n")

	if !o.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", o.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (o *OverviewScene) renderMetricCard(label, value string) string {
	card := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.MutedColor).
		Padding(0, 2).
		Width(16).
		Align(lipgloss.Center)

	content := fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	)
	return card.Render(content)
}

func renderCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var rows []string
	for _, k := range keys {
		rows = append(rows, fmt.Sprintf("  %-20s %d", k, counts[k]))
	}
	if len(rows) == 0 {
		return styles.Muted.Render("  (none)")
	}
	return strings.Join(rows, "\n")
}
