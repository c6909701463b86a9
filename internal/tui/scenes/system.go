package scenes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"breachwatch/internal/tui/api"
	"breachwatch/internal/tui/styles"
)

// SystemScene displays component counters from the daemon.
type SystemScene struct {
	client     *api.Client
	stats      map[string]map[string]interface{}
	err        error
	width      int
	height     int
	loading    bool
	lastUpdate time.Time
}

type systemStatsMsg struct {
	stats map[string]map[string]interface{}
	err   error
}

// NewSystemScene creates the system scene.
func NewSystemScene(client *api.Client) *SystemScene {
	return &SystemScene{
		client:  client,
		loading: true,
	}
}

// Init fetches the initial stats.
func (s *SystemScene) Init() tea.Cmd {
	return s.fetchStats()
}

func (s *SystemScene) fetchStats() tea.Cmd {
	return func() tea.Msg {
		stats, err := s.client.GetStats()
		return systemStatsMsg{stats: stats, err: err}
	}
}

// TickCmd schedules the next refresh.
func (s *SystemScene) TickCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "system", Time: t}
	})
}

// Update handles messages for the system scene.
func (s *SystemScene) Update(msg tea.Msg) (*SystemScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		return s, nil

	case systemStatsMsg:
		s.loading = false
		s.stats = msg.stats
		s.err = msg.err
		s.lastUpdate = time.Now()
		return s, nil

	case TickMsg:
		if msg.Scene == "system" {
			return s, s.fetchStats()
		}
		return s, nil
	}

	return s, nil
}

// View renders component counters grouped by component.
func (s *SystemScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  System Information"))
	b.WriteString("\n\n")

	if s.loading {
		b.WriteString(styles.Muted.Render("  Loading..."))
		return b.String()
	}

	if s.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", s.err)))
		return b.String()
	}

	if len(s.stats) == 0 {
		b.WriteString(styles.Muted.Render("  No component stats reported."))
		return b.String()
	}

	components := make([]string, 0, len(s.stats))
	for name := range s.stats {
		components = append(components, name)
	}
	sort.Strings(components)

	for _, name := range components {
		b.WriteString(styles.Subtitle.Render("  " + name))
		b.WriteString("\n")

		counters := s.stats[name]
		keys := make([]string, 0, len(counters))
		for k := range counters {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			b.WriteString(fmt.Sprintf("    %-24s %v\n", k, counters[k]))
		}
		b.WriteString("\n")
	}

	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", s.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}
