package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ScenarioList mirrors /api/scenarios.
type ScenarioList struct {
	Default   string   `json:"default"`
	Scenarios []string `json:"scenarios"`
}

// SessionInfo mirrors one entry of /api/sessions.
type SessionInfo struct {
	ID               string    `json:"session_id"`
	State            string    `json:"state"`
	FrequencyHz      float64   `json:"stream_frequency_hz"`
	Scenario         string    `json:"scenario"`
	StartTime        time.Time `json:"start_time"`
	LastActivity     time.Time `json:"last_activity"`
	SamplesGenerated uint64    `json:"samples_generated"`
}

// HTTPClient makes REST calls to the server's inspection endpoints.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8765").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// HTTPBase converts ws://host:port/ws to http://host:port.
func HTTPBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", wsURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", wsURL)
	}
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host), nil
}

// Scenarios fetches /api/scenarios.
func (c *HTTPClient) Scenarios(ctx context.Context) (*ScenarioList, error) {
	var out ScenarioList
	if err := c.get(ctx, "/api/scenarios", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sessions fetches /api/sessions.
func (c *HTTPClient) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	if err := c.get(ctx, "/api/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrConnection, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
