// Package hubclient is a thin HTTP client for the Debug Probe Hub
// daemon's JSON API, used by the probe-status and probe-finder CLI
// tools the same way the teacher's MuxClient backs the sand CLI.
package hubclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a running probehubd over plain HTTP.
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

// New returns a Client dialed against baseURL (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, result any) error {
	u := c.BaseURL + path
	if query != nil {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var body struct {
			Status string `json:"status"`
			Log    string `json:"log"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Status != "" {
			return fmt.Errorf("%s (HTTP %d)", body.Status, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

// ProbeStatus mirrors probehub.ProbeStatus without importing the core
// package, keeping the client binaries free of the daemon's dependency
// surface (no gousb/sqlite/otel in a CLI that only speaks HTTP).
type ProbeStatus struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Interface      string `json:"interface"`
	VID            string `json:"vid"`
	PID            string `json:"pid"`
	Connected      bool   `json:"connected"`
	ObservedSerial string `json:"observed_serial"`
	ExpectedSerial string `json:"expected_serial"`
	Match          string `json:"match"`
}

// Status calls GET /status.
func (c *Client) Status(ctx context.Context) ([]ProbeStatus, error) {
	var statuses []ProbeStatus
	err := c.doRequest(ctx, http.MethodGet, "/status", nil, &statuses)
	return statuses, err
}

// SearchResult is the body of GET /probes/search.
type SearchResult struct {
	Matches []ProbeStatus `json:"matches"`
	Count   int           `json:"count"`
}

// Search calls GET /probes/search with the given AND-combined filters.
// Empty fields are omitted from the query.
func (c *Client) Search(ctx context.Context, iface, vid, pid, serial, name string) (*SearchResult, error) {
	q := url.Values{}
	for k, v := range map[string]string{"interface": iface, "vid": vid, "pid": pid, "serial": serial, "name": name} {
		if v != "" {
			q.Set(k, v)
		}
	}
	var result SearchResult
	if err := c.doRequest(ctx, http.MethodGet, "/probes/search", q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DispatchRecord mirrors probehub.DispatchRecord, one row of the
// dispatch history GET /history reports.
type DispatchRecord struct {
	ProbeID       int        `json:"probe_id"`
	Target        string     `json:"target"`
	Mode          string     `json:"mode"`
	ContainerName string     `json:"container_name"`
	DispatchedAt  time.Time  `json:"dispatched_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	StopReason    string     `json:"stop_reason,omitempty"`
}

// History calls GET /history, returning the n most recent dispatch
// records, newest first.
func (c *Client) History(ctx context.Context, n int) ([]DispatchRecord, error) {
	var records []DispatchRecord
	q := url.Values{}
	if n > 0 {
		q.Set("n", strconv.Itoa(n))
	}
	err := c.doRequest(ctx, http.MethodGet, "/history", q, &records)
	return records, err
}
