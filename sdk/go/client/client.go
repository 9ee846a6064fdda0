// Package client provides a typed Go client for the veract action API.
// Zero external dependencies, net/http and encoding/json only.
package client

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

// APIError is returned when the server responds with a problem document.
type APIError struct {
	Status int
	Type   string
	Title  string
	Detail string
	// Details carries machine-readable context, e.g. "action_id" on a
	// denied propose-execute.
	Details map[string]any
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	return fmt.Sprintf("veract api %d: %s (%s)", e.Status, msg, e.Code())
}

// Code returns the short problem type, the last segment of the type URI.
func (e *APIError) Code() string {
	if i := strings.LastIndexByte(e.Type, '/'); i >= 0 {
		return e.Type[i+1:]
	}
	return e.Type
}

// Client is a typed client for the veract HTTP API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a Client for the given base URL, e.g. "http://localhost:8085".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// RequestOption adjusts a single request before it is sent.
type RequestOption func(*http.Request)

// WithIdempotencyKey marks a mutating request as safely retryable. Repeating
// the call with the same key replays the first response instead of creating
// a second action.
func WithIdempotencyKey(key string) RequestOption {
	return func(r *http.Request) { r.Header.Set("Idempotency-Key", key) }
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for _, o := range opts {
		o(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
		var problem struct {
			Type    string         `json:"type"`
			Title   string         `json:"title"`
			Detail  string         `json:"detail"`
			Details map[string]any `json:"details"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil && problem.Title != "" {
			apiErr.Type = problem.Type
			apiErr.Title = problem.Title
			apiErr.Detail = problem.Detail
			apiErr.Details = problem.Details
		}
		return apiErr
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ProposeAction submits a new action. The returned action carries the policy
// decision; a denial is reported on the action, not as an error.
func (c *Client) ProposeAction(ctx context.Context, req ProposeRequest, opts ...RequestOption) (*Action, error) {
	var out Action
	if err := c.do(ctx, http.MethodPost, "/api/v1/actions", req, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProposeAndExecute runs the full pipeline in one call. It only succeeds for
// actions that policy allows without human approval.
func (c *Client) ProposeAndExecute(ctx context.Context, req ProposeRequest, opts ...RequestOption) (*Execution, error) {
	var out Execution
	if err := c.do(ctx, http.MethodPost, "/api/v1/actions/propose-execute", req, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAction fetches one action by ID.
func (c *Client) GetAction(ctx context.Context, actionID string) (*Action, error) {
	var out Action
	if err := c.do(ctx, http.MethodGet, "/api/v1/actions/"+url.PathEscape(actionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListActions returns actions matching the filter.
func (c *Client) ListActions(ctx context.Context, filter ActionFilter) ([]Action, error) {
	q := url.Values{}
	if filter.Entity != "" {
		q.Set("entity", filter.Entity)
	}
	if filter.Period != "" {
		q.Set("period", filter.Period)
	}
	if filter.Type != "" {
		q.Set("type", filter.Type)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.EvidenceOnly {
		q.Set("evidence_only", "true")
	}
	path := "/api/v1/actions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out listEnvelope
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// Decide approves or rejects an action that is awaiting approval. The caller
// must hold one of the action's approver roles.
func (c *Client) Decide(ctx context.Context, actionID string, req DecisionRequest, opts ...RequestOption) (*Action, error) {
	var out Action
	if err := c.do(ctx, http.MethodPost, "/api/v1/actions/"+url.PathEscape(actionID)+"/decision", req, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteAction dispatches an approved action and returns the run record.
func (c *Client) ExecuteAction(ctx context.Context, actionID string, opts ...RequestOption) (*ActionRun, error) {
	var out ActionRun
	if err := c.do(ctx, http.MethodPost, "/api/v1/actions/"+url.PathEscape(actionID)+"/execute", nil, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActionEvents returns the action's audit chain in sequence order.
func (c *Client) ActionEvents(ctx context.Context, actionID string) ([]AuditEvent, error) {
	var out eventsEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v1/actions/"+url.PathEscape(actionID)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// ActionRuns returns the action's execution attempts.
func (c *Client) ActionRuns(ctx context.Context, actionID string) ([]ActionRun, error) {
	var out runsEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v1/actions/"+url.PathEscape(actionID)+"/runs", nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// VerifyActionChain replays one action's audit chain server-side.
func (c *Client) VerifyActionChain(ctx context.Context, actionID string) (*VerifyResult, error) {
	var out VerifyResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/actions/"+url.PathEscape(actionID)+"/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Evidence fetches the evidence bundle for an entity and period ("YYYY-MM").
func (c *Client) Evidence(ctx context.Context, entity, period string) (*EvidenceAppendix, error) {
	var out EvidenceAppendix
	path := "/api/v1/evidence/" + url.PathEscape(entity) + "/" + url.PathEscape(period)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyLedger replays every audit chain server-side.
func (c *Client) VerifyLedger(ctx context.Context) (*LedgerVerification, error) {
	var out LedgerVerification
	if err := c.do(ctx, http.MethodGet, "/api/v1/ledger/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks the unauthenticated liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}
