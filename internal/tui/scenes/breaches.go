package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"breachwatch/internal/breach"
	"breachwatch/internal/tui/api"
	"breachwatch/internal/tui/styles"
)

// BreachesScene displays the most recent breaches.
type BreachesScene struct {
	client     *api.Client
	breaches   []*breach.Breach
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

type breachesMsg struct {
	breaches []*breach.Breach
	err      string
}

// NewBreachesScene creates the breaches scene.
func NewBreachesScene(client *api.Client) *BreachesScene {
	return &BreachesScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init fetches the initial breach list.
func (s *BreachesScene) Init() tea.Cmd {
	return s.fetchBreaches()
}

func (s *BreachesScene) fetchBreaches() tea.Cmd {
	return func() tea.Msg {
		breaches, err := s.client.GetBreaches(100)
		if err != nil {
			return breachesMsg{err: err.Error()}
		}
		return breachesMsg{breaches: breaches}
	}
}

// TickCmd schedules the next refresh.
func (s *BreachesScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "breaches", Time: t}
	})
}

// Update handles messages for the breaches scene.
func (s *BreachesScene) Update(msg tea.Msg) (*BreachesScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.maxRows = max(5, s.height-12)
		return s, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if s.cursor > 0 {
				s.cursor--
				if s.cursor < s.offset {
					s.offset = s.cursor
				}
			}
		case "down", "j":
			if s.cursor < len(s.breaches)-1 {
				s.cursor++
				if s.cursor >= s.offset+s.maxRows {
					s.offset = s.cursor - s.maxRows + 1
				}
			}
		case "r":
			s.loading = true
			return s, s.fetchBreaches()
		}
		return s, nil

	case breachesMsg:
		s.loading = false
		s.breaches = msg.breaches
		s.err = msg.err
		s.lastUpdate = time.Now()
		if s.cursor >= len(s.breaches) {
			s.cursor = max(0, len(s.breaches)-1)
		}
		return s, nil

	case TickMsg:
		if msg.Scene == "breaches" {
			return s, s.fetchBreaches()
		}
		return s, nil
	}

	return s, nil
}

// View renders the breach table.
func (s *BreachesScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Breaches"))
	b.WriteString("\n\n")

	if s.loading && len(s.breaches) == 0 {
		b.WriteString(styles.Muted.Render("  Loading breaches..."))
		return b.String()
	}

	if s.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", s.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(s.breaches) == 0 {
		b.WriteString(styles.Muted.Render("  No breaches recorded."))
		return b.String()
	}

	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  Showing %d breaches", len(s.breaches))))
	if s.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	header := fmt.Sprintf("  %-20s %-10s %-14s %-18s %s",
		"Detected", "Severity", "Status", "Source", "Title")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(s.offset+s.maxRows, len(s.breaches))
	for i, br := range s.breaches[s.offset:endIdx] {
		idx := s.offset + i
		b.WriteString(s.renderRow(br, idx == s.cursor))
		b.WriteString("\n")
	}

	if len(s.breaches) > s.maxRows {
		scrollInfo := fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			s.offset+1, endIdx, len(s.breaches))
		b.WriteString(styles.Muted.Render(scrollInfo))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}

	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", s.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (s *BreachesScene) renderRow(br *breach.Breach, selected bool) string {
	detected := br.DetectedAt.Local().Format("01-02 15:04:05")
	severity := styles.Severity(string(br.Severity)).Render(fmt.Sprintf("%-10s", strings.ToUpper(string(br.Severity))))
	status := fmt.Sprintf("%-14s", br.Status)
	source := truncate(br.Source, 18)
	title := truncate(br.Title, 40)

	row := fmt.Sprintf("  %-20s %s %-14s %-18s %s", detected, severity, status, source, title)

	if selected {
		return lipgloss.NewStyle().
			Background(styles.Primary).
			Foreground(styles.White).
			Render(row)
	}
	return row
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
