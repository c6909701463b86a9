// Package api provides the HTTP client the console uses to reach the daemon.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"breachwatch/internal/breach"
	"breachwatch/internal/views"
)

// Client talks to the daemon's read API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Healthy reports whether the daemon answers its health endpoint.
func (c *Client) Healthy() bool {
	resp, err := c.httpClient.Get(c.baseURL + "/api/v1/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// GetSummary fetches the breach summary.
func (c *Client) GetSummary() (*views.Summary, error) {
	var summary views.Summary
	if err := c.getJSON("/api/v1/summary", &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// GetBreaches fetches the most recent breaches.
func (c *Client) GetBreaches(limit int) ([]*breach.Breach, error) {
	if limit <= 0 {
		limit = 50
	}
	var breaches []*breach.Breach
	if err := c.getJSON(fmt.Sprintf("/api/v1/breaches?limit=%d", limit), &breaches); err != nil {
		return nil, err
	}
	return breaches, nil
}

// GetStats fetches component counters keyed by component name.
func (c *Client) GetStats() (map[string]map[string]interface{}, error) {
	var stats map[string]map[string]interface{}
	if err := c.getJSON("/api/v1/stats", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (c *Client) getJSON(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
