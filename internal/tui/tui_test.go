package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"breachwatch/internal/tui/api"
	"breachwatch/internal/tui/scenes"
	"breachwatch/internal/views"
)

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func TestNewModel(t *testing.T) {
	m := New("http://localhost:8080")
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.scene != SceneOverview {
		t.Errorf("initial scene = %d, want SceneOverview", m.scene)
	}
	if m.overview == nil || m.breaches == nil || m.system == nil {
		t.Error("scene models not initialized")
	}
	if m.Init() == nil {
		t.Error("Init() returned nil, expected a batch command")
	}
}

func TestSceneSwitching(t *testing.T) {
	m := New("http://localhost:8080")

	m.Update(keyMsg("2"))
	if m.scene != SceneBreaches {
		t.Errorf("scene = %d after '2', want SceneBreaches", m.scene)
	}

	m.Update(keyMsg("3"))
	if m.scene != SceneSystem {
		t.Errorf("scene = %d after '3', want SceneSystem", m.scene)
	}

	m.Update(keyMsg("1"))
	if m.scene != SceneOverview {
		t.Errorf("scene = %d after '1', want SceneOverview", m.scene)
	}
}

func TestTabCyclesThroughScenes(t *testing.T) {
	m := New("http://localhost:8080")

	for i, want := range []Scene{SceneBreaches, SceneSystem, SceneOverview} {
		m.Update(keyMsg("tab"))
		if m.scene != want {
			t.Errorf("scene = %d after tab %d, want %d", m.scene, i+1, want)
		}
	}
}

func TestQuit(t *testing.T) {
	m := New("http://localhost:8080")
	_, cmd := m.Update(keyMsg("q"))
	if !m.quitting {
		t.Error("quitting = false after 'q'")
	}
	if cmd == nil {
		t.Error("expected tea.Quit command after 'q'")
	}
	if m.View() != "" {
		t.Error("View() should be empty when quitting")
	}
}

func TestWindowSize(t *testing.T) {
	m := New("http://localhost:8080")
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	if m.width != 120 || m.height != 40 {
		t.Errorf("dimensions = %dx%d, want 120x40", m.width, m.height)
	}
}

func TestViewContainsTabLabels(t *testing.T) {
	m := New("http://localhost:8080")
	m.width = 80
	m.height = 24
	view := m.View()

	for _, label := range []string{"Overview", "Breaches", "System"} {
		if !strings.Contains(view, label) {
			t.Errorf("view missing tab label %q", label)
		}
	}
	if !strings.Contains(view, "Quit") {
		t.Error("view missing footer help")
	}
}

func TestTickRoutesToActiveSceneOnly(t *testing.T) {
	m := New("http://localhost:8080")

	m.scene = SceneBreaches
	_, cmd := m.Update(scenes.TickMsg{Scene: "breaches", Time: time.Now()})
	if cmd == nil {
		t.Error("expected refresh command when routing breaches tick")
	}
}

func TestClientPaths(t *testing.T) {
	requested := make(map[string]bool)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested[r.URL.Path] = true
		switch r.URL.Path {
		case "/api/v1/health":
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "/api/v1/summary":
			json.NewEncoder(w).Encode(views.Summary{Total: 3, Open: 2})
		case "/api/v1/breaches":
			w.Write([]byte("[]"))
		case "/api/v1/stats":
			json.NewEncoder(w).Encode(map[string]map[string]interface{}{
				"queue": {"depth": 1},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	client := api.NewClient(ts.URL)

	if !client.Healthy() {
		t.Error("Healthy() = false, want true")
	}
	summary, err := client.GetSummary()
	if err != nil {
		t.Fatalf("GetSummary() error: %v", err)
	}
	if summary.Total != 3 || summary.Open != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if _, err := client.GetBreaches(10); err != nil {
		t.Fatalf("GetBreaches() error: %v", err)
	}
	stats, err := client.GetStats()
	if err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}
	if _, ok := stats["queue"]; !ok {
		t.Errorf("stats = %v, want queue component", stats)
	}

	for _, p := range []string{"/api/v1/health", "/api/v1/summary", "/api/v1/breaches", "/api/v1/stats"} {
		if !requested[p] {
			t.Errorf("client never requested %s", p)
		}
	}
}

func TestClientConnectionFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()

	client := api.NewClient(ts.URL)
	if client.Healthy() {
		t.Error("Healthy() = true against closed server")
	}
	if _, err := client.GetSummary(); err == nil {
		t.Error("GetSummary() succeeded against closed server, want error")
	}
}
