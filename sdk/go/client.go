package selfauditsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal selfaudit HTTP API client scoped to one subject.
type Client struct {
	BaseURL     string
	SubjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, subjectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SubjectID: subjectID,
		Timeout:   10 * time.Second,
	}
}

// RunContext labels a run.
type RunContext struct {
	Type        string `json:"type,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Run is the API run model (partial).
type Run struct {
	ID          string                     `json:"id"`
	Context     RunContext                 `json:"context"`
	Status      string                     `json:"status"`
	ReviewDepth string                     `json:"review_depth,omitempty"`
	Confidence  string                     `json:"confidence,omitempty"`
	Responses   map[string]json.RawMessage `json:"responses"`
	Archived    bool                       `json:"archived,omitempty"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
}

// Progress is the stored record of a subject's module.
type Progress struct {
	SubjectID   string `json:"subject_id"`
	ModuleID    string `json:"module_id"`
	ActiveRunID string `json:"active_run_id,omitempty"`
	Runs        []Run  `json:"runs"`
}

// Mutation is returned by every write.
type Mutation struct {
	Changed  bool     `json:"changed"`
	RunID    string   `json:"run_id,omitempty"`
	Status   string   `json:"status"`
	Progress Progress `json:"progress"`
}

// ModuleStatus summarizes a module for the subject.
type ModuleStatus struct {
	ModuleID    string `json:"module_id"`
	Status      string `json:"status"`
	ReviewDepth string `json:"review_depth"`
	Progress    struct {
		Answered int `json:"answered"`
		Total    int `json:"total"`
	} `json:"progress"`
	ActiveRun *Run `json:"active_run,omitempty"`
}

// RunList holds the live run and history.
type RunList struct {
	ActiveRunID string `json:"active_run_id,omitempty"`
	Active      *Run   `json:"active,omitempty"`
	History     []Run  `json:"history"`
}

// Comparison is the diff between two runs.
type Comparison struct {
	Improvements       []string `json:"improvements"`
	Regressions        []string `json:"regressions"`
	Unchanged          []string `json:"unchanged"`
	NewQuestions       []string `json:"new_questions"`
	OverallTrend       string   `json:"overall_trend"`
	ScoreChangePercent float64  `json:"score_change_percent"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SubjectID  string         `json:"subject_id,omitempty"`
	ModuleID   string         `json:"module_id,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartModule starts a module. depth may be empty.
func (c *Client) StartModule(ctx context.Context, moduleID, depth string) (Mutation, error) {
	var body any
	if depth != "" {
		body = map[string]string{"review_depth": depth}
	}
	var resp Mutation
	err := c.do(ctx, http.MethodPost, c.modulePath(moduleID, "start"), body, &resp)
	return resp, err
}

// Answer saves a yes/partially/no/unable-to-check answer.
func (c *Client) Answer(ctx context.Context, moduleID, questionID, value, notes string) (Mutation, error) {
	return c.SaveResponse(ctx, moduleID, questionID, "", map[string]any{"value": value}, notes)
}

// SaveResponse saves a response payload. An empty kind follows the question
// type.
func (c *Client) SaveResponse(ctx context.Context, moduleID, questionID, kind string, payload map[string]any, notes string) (Mutation, error) {
	body := map[string]any{"payload": payload}
	if kind != "" {
		body["kind"] = kind
	}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Mutation
	err := c.do(ctx, http.MethodPut, c.modulePath(moduleID, "responses/"+url.PathEscape(questionID)), body, &resp)
	return resp, err
}

// CompleteModule completes the live run.
func (c *Client) CompleteModule(ctx context.Context, moduleID, summary string) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodPost, c.modulePath(moduleID, "complete"), map[string]any{"summary": summary}, &resp)
	return resp, err
}

// ModuleStatus returns the status of one module.
func (c *Client) ModuleStatus(ctx context.Context, moduleID string) (ModuleStatus, error) {
	var resp ModuleStatus
	err := c.do(ctx, http.MethodGet, c.modulePath(moduleID, ""), nil, &resp)
	return resp, err
}

// Runs lists the live run and history of a module.
func (c *Client) Runs(ctx context.Context, moduleID string) (RunList, error) {
	var resp RunList
	err := c.do(ctx, http.MethodGet, c.modulePath(moduleID, "runs"), nil, &resp)
	return resp, err
}

// NewRun starts an empty run labeled rc.
func (c *Client) NewRun(ctx context.Context, moduleID string, rc RunContext) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodPost, c.modulePath(moduleID, "runs"), rc, &resp)
	return resp, err
}

// ArchiveRun snapshots the live run.
func (c *Client) ArchiveRun(ctx context.Context, moduleID string, rc RunContext) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodPost, c.modulePath(moduleID, "runs/archive"), rc, &resp)
	return resp, err
}

// Compare diffs two runs; "current" names the live run.
func (c *Client) Compare(ctx context.Context, moduleID, runA, runB string) (Comparison, error) {
	q := url.Values{"run_a": {runA}, "run_b": {runB}}
	var resp Comparison
	err := c.do(ctx, http.MethodGet, c.modulePath(moduleID, "compare")+"?"+q.Encode(), nil, &resp)
	return resp, err
}

// Events returns recent events of the subject.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if c.SubjectID != "" {
		q.Set("subject_id", c.SubjectID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) modulePath(moduleID, p string) string {
	out := fmt.Sprintf("v0/subjects/%s/modules/%s", url.PathEscape(c.SubjectID), url.PathEscape(moduleID))
	if p = strings.TrimLeft(p, "/"); p != "" {
		out += "/" + p
	}
	return out
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
