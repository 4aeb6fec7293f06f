package steplinesdk

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

// Client is a minimal Stepline HTTP API client.
type Client struct {
	BaseURL     string
	EntityID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, entityID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		EntityID: entityID,
		Timeout:  10 * time.Second,
	}
}

// StepStatus is the API's derived step state.
type StepStatus struct {
	StepID           string `json:"step_id"`
	Version          int    `json:"version"`
	Required         bool   `json:"required"`
	OptIn            bool   `json:"opt_in"`
	State            string `json:"state"`
	Completed        bool   `json:"completed"`
	Skipped          bool   `json:"skipped"`
	Outdated         bool   `json:"outdated"`
	Visible          bool   `json:"visible"`
	CompletedVersion *int   `json:"completed_version,omitempty"`
	CompletedAt      *int64 `json:"completed_at,omitempty"`
	SkippedAt        *int64 `json:"skipped_at,omitempty"`
	Description      string `json:"description,omitempty"`
}

// Progress is the aggregate view across the catalog.
type Progress struct {
	EntityID    string `json:"entity_id"`
	AllComplete bool   `json:"all_complete"`
	Completed   int    `json:"completed"`
	Skipped     int    `json:"skipped"`
	Pending     int    `json:"pending"`
	Outdated    int    `json:"outdated"`
	Total       int    `json:"total"`
}

// Event is a log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id,omitempty"`
	StepID   string         `json:"step_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// List returns every step status for the client's entity.
func (c *Client) List(ctx context.Context) ([]StepStatus, error) {
	var resp []StepStatus
	err := c.do(ctx, http.MethodGet, c.entityPath("steps"), nil, &resp)
	return resp, err
}

// Status returns one step status.
func (c *Client) Status(ctx context.Context, stepID string) (StepStatus, error) {
	var resp StepStatus
	err := c.do(ctx, http.MethodGet, c.stepPath(stepID, ""), nil, &resp)
	return resp, err
}

// Onboard runs a step's handler with the given arguments.
func (c *Client) Onboard(ctx context.Context, stepID string, args map[string]any) (StepStatus, error) {
	body := map[string]any{}
	if len(args) > 0 {
		body["args"] = args
	}
	var resp StepStatus
	err := c.do(ctx, http.MethodPost, c.stepPath(stepID, "onboard"), body, &resp)
	return resp, err
}

// Complete marks a step completed without running its handler.
func (c *Client) Complete(ctx context.Context, stepID string) (StepStatus, error) {
	var resp StepStatus
	err := c.do(ctx, http.MethodPost, c.stepPath(stepID, "complete"), nil, &resp)
	return resp, err
}

// Skip marks an opt-in step skipped.
func (c *Client) Skip(ctx context.Context, stepID string) (StepStatus, error) {
	var resp StepStatus
	err := c.do(ctx, http.MethodPost, c.stepPath(stepID, "skip"), nil, &resp)
	return resp, err
}

// Reset returns a step to pending.
func (c *Client) Reset(ctx context.Context, stepID string) error {
	return c.do(ctx, http.MethodPost, c.stepPath(stepID, "reset"), nil, nil)
}

// Progress returns the aggregate onboarding view.
func (c *Client) Progress(ctx context.Context) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.entityPath("progress"), nil, &resp)
	return resp, err
}

// Events returns recent events visible to the caller.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/events?limit=%d", limit), nil, &resp)
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

func (c *Client) entityPath(p string) string {
	entity := url.PathEscape(c.EntityID)
	return fmt.Sprintf("v0/entities/%s/%s", entity, strings.TrimLeft(p, "/"))
}

func (c *Client) stepPath(stepID, action string) string {
	p := fmt.Sprintf("steps/%s", url.PathEscape(stepID))
	if action != "" {
		p += "/" + action
	}
	return c.entityPath(p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
