package teamgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Teamgate HTTP API client for CI consumers.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// CheckResult is one catalog check verdict.
type CheckResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// GateReport is a full harness report.
type GateReport struct {
	Checks  []CheckResult `json:"checks"`
	Overall string        `json:"overall"`
}

// GateRun is one recorded harness invocation.
type GateRun struct {
	ID           string        `json:"id"`
	PipelineID   string        `json:"pipeline_id"`
	BaseRevision string        `json:"base_revision,omitempty"`
	Overall      string        `json:"overall"`
	ActorID      string        `json:"actor_id"`
	CreatedAt    string        `json:"created_at"`
	Checks       []CheckResult `json:"checks,omitempty"`
}

// Gate is a release gate colour for one rule.
type Gate struct {
	Rule      string `json:"rule"`
	Color     string `json:"color"`
	Mandatory bool   `json:"mandatory"`
	Reason    string `json:"reason,omitempty"`
}

// GateStatus is the release view over the latest run.
type GateStatus struct {
	RunID        string `json:"run_id"`
	PipelineID   string `json:"pipeline_id"`
	Overall      string `json:"overall"`
	Gates        []Gate `json:"gates"`
	BlockedRules []string `json:"blocked_rules,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// Event is one audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	PipelineID string         `json:"pipeline_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

// Status returns the release gate colours from the latest run.
func (c *Client) Status(ctx context.Context) (GateStatus, error) {
	var resp GateStatus
	err := c.do(ctx, http.MethodGet, "v0/gate/status", nil, &resp)
	return resp, err
}

// LatestReport returns the latest gate report.
func (c *Client) LatestReport(ctx context.Context) (GateReport, error) {
	var resp GateReport
	err := c.do(ctx, http.MethodGet, "v0/gate/report", nil, &resp)
	return resp, err
}

// RunGate triggers a gate run on the server's workspace.
func (c *Client) RunGate(ctx context.Context, base, editorRole, scope string) (GateRun, error) {
	body := map[string]any{
		"base":        base,
		"editor_role": editorRole,
		"scope":       scope,
	}
	var resp GateRun
	err := c.do(ctx, http.MethodPost, "v0/gate/runs", body, &resp)
	return resp, err
}

// ListRuns lists recorded gate runs.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]GateRun, error) {
	endpoint := "v0/gate/runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []GateRun
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetRun fetches one gate run with its check results.
func (c *Client) GetRun(ctx context.Context, id string) (GateRun, error) {
	var resp GateRun
	err := c.do(ctx, http.MethodGet, "v0/gate/runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
