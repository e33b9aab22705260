// Package client provides a Go SDK for the ctoflow HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rob-otix-ai/cto-flow-sub001/pkg/models"
)

// Client calls the ctoflow HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:4270"
	APIKey     string       // optional; set for X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:4270").
// APIKey is optional; when set, requests carry the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

// TaskResult is the outcome of a claim, release, report or review call.
type TaskResult struct {
	Outcome   string             `json:"outcome"`
	EpicID    string             `json:"epic_id,omitempty"`
	TaskID    string             `json:"task_id,omitempty"`
	Score     *models.AgentScore `json:"score,omitempty"`
	Reviewers []string           `json:"reviewers,omitempty"`
	Message   string             `json:"message,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// ProgressUpdate is the body for ReportProgress.
type ProgressUpdate struct {
	Status      string   `json:"status,omitempty"`
	Progress    *int     `json:"progress,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	ActualHours float64  `json:"actual_hours,omitempty"`
	Blockers    []string `json:"blockers,omitempty"`
	Quality     float64  `json:"quality,omitempty"`
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// ListEpics returns all stored epics.
func (c *Client) ListEpics(ctx context.Context) ([]models.Epic, error) {
	var out []models.Epic
	err := c.doJSON(ctx, http.MethodGet, "/epics", nil, &out)
	return out, err
}

// CreateEpic creates an epic from a declarative spec and returns it.
func (c *Client) CreateEpic(ctx context.Context, spec models.EpicSpec) (*models.Epic, error) {
	var out models.Epic
	err := c.doJSON(ctx, http.MethodPost, "/epics", spec, &out)
	return &out, err
}

// GetEpic returns the full stored context for one epic.
func (c *Client) GetEpic(ctx context.Context, epicID string) (*models.EpicContext, error) {
	var out models.EpicContext
	err := c.doJSON(ctx, http.MethodGet, "/epics/"+url.PathEscape(epicID), nil, &out)
	return &out, err
}

// DeleteEpic removes everything stored for the epic.
func (c *Client) DeleteEpic(ctx context.Context, epicID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/epics/"+url.PathEscape(epicID), nil, nil)
}

// CloseEpic closes the epic; fails while child items remain open.
func (c *Client) CloseEpic(ctx context.Context, epicID string) error {
	return c.doJSON(ctx, http.MethodPost, "/epics/"+url.PathEscape(epicID)+"/close", nil, nil)
}

// UpdateProgress re-renders the remote parent item's progress section.
func (c *Client) UpdateProgress(ctx context.Context, epicID string) error {
	return c.doJSON(ctx, http.MethodPost, "/epics/"+url.PathEscape(epicID)+"/progress", nil, nil)
}

// ListTasks returns tracked progress for every task in the epic.
func (c *Client) ListTasks(ctx context.Context, epicID string) ([]models.TaskProgress, error) {
	var out []models.TaskProgress
	err := c.doJSON(ctx, http.MethodGet, "/epics/"+url.PathEscape(epicID)+"/tasks", nil, &out)
	return out, err
}

// GetTask returns tracked progress for one task.
func (c *Client) GetTask(ctx context.Context, epicID string, number int) (*models.TaskProgress, error) {
	var out models.TaskProgress
	err := c.doJSON(ctx, http.MethodGet, c.taskPath(epicID, number, ""), nil, &out)
	return &out, err
}

// ClaimTask asks the daemon's agent to claim the task. The result carries the
// outcome and, for scored attempts, the factor breakdown.
func (c *Client) ClaimTask(ctx context.Context, epicID string, number int) (*TaskResult, error) {
	return c.taskOp(ctx, epicID, number, "claim", nil)
}

// ReleaseTask releases a held claim.
func (c *Client) ReleaseTask(ctx context.Context, epicID string, number int) (*TaskResult, error) {
	return c.taskOp(ctx, epicID, number, "release", nil)
}

// ReportProgress reports progress on a held task.
func (c *Client) ReportProgress(ctx context.Context, epicID string, number int, upd ProgressUpdate) (*TaskResult, error) {
	return c.taskOp(ctx, epicID, number, "progress", upd)
}

// RequestReview moves a held task to review and notifies eligible reviewers.
func (c *Client) RequestReview(ctx context.Context, epicID string, number int, notes string) (*TaskResult, error) {
	return c.taskOp(ctx, epicID, number, "review", map[string]string{"notes": notes})
}

func (c *Client) taskOp(ctx context.Context, epicID string, number int, op string, body any) (*TaskResult, error) {
	resp, err := c.do(ctx, http.MethodPost, c.taskPath(epicID, number, op), body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	var out TaskResult
	// Non-2xx responses still carry a result body (rejected, conflict, ...).
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("api POST %s: status %d", c.taskPath(epicID, number, op), resp.StatusCode)
	}
	return &out, nil
}

func (c *Client) taskPath(epicID string, number int, op string) string {
	p := "/epics/" + url.PathEscape(epicID) + "/tasks/" + strconv.Itoa(number)
	if op != "" {
		p += "/" + op
	}
	return p
}

// ListDecisions returns the epic's decision log.
func (c *Client) ListDecisions(ctx context.Context, epicID string) ([]models.Decision, error) {
	var out []models.Decision
	err := c.doJSON(ctx, http.MethodGet, "/epics/"+url.PathEscape(epicID)+"/decisions", nil, &out)
	return out, err
}

// StoreDecision appends a decision to the epic's log and returns it.
func (c *Client) StoreDecision(ctx context.Context, epicID string, d models.Decision) (*models.Decision, error) {
	var out models.Decision
	err := c.doJSON(ctx, http.MethodPost, "/epics/"+url.PathEscape(epicID)+"/decisions", d, &out)
	return &out, err
}

// ListAssignments returns agent assignments recorded for the epic.
func (c *Client) ListAssignments(ctx context.Context, epicID string) ([]models.AgentAssignment, error) {
	var out []models.AgentAssignment
	err := c.doJSON(ctx, http.MethodGet, "/epics/"+url.PathEscape(epicID)+"/agents", nil, &out)
	return out, err
}

// GetStats returns a diagnostic snapshot of the epic's stored state.
func (c *Client) GetStats(ctx context.Context, epicID string) (*models.EpicStats, error) {
	var out models.EpicStats
	err := c.doJSON(ctx, http.MethodGet, "/epics/"+url.PathEscape(epicID)+"/stats", nil, &out)
	return &out, err
}

// Export returns everything stored for the epic.
func (c *Client) Export(ctx context.Context, epicID string) (*models.EpicExport, error) {
	var out models.EpicExport
	err := c.doJSON(ctx, http.MethodGet, "/epics/"+url.PathEscape(epicID)+"/export", nil, &out)
	return &out, err
}

// GetSyncState returns the epic's reconciliation state.
func (c *Client) GetSyncState(ctx context.Context, epicID string) (*models.SyncState, error) {
	var out models.SyncState
	err := c.doJSON(ctx, http.MethodGet, "/epics/"+url.PathEscape(epicID)+"/sync", nil, &out)
	return &out, err
}

// Sync triggers a sync pass; direction is "pull" (default) or "push".
func (c *Client) Sync(ctx context.Context, epicID, direction string) error {
	return c.doJSON(ctx, http.MethodPost, "/epics/"+url.PathEscape(epicID)+"/sync",
		map[string]string{"direction": direction}, nil)
}

// EnableSync turns reconciliation on for the epic.
func (c *Client) EnableSync(ctx context.Context, epicID string) error {
	return c.doJSON(ctx, http.MethodPost, "/epics/"+url.PathEscape(epicID)+"/sync/enable", nil, nil)
}

// DisableSync turns reconciliation off for the epic.
func (c *Client) DisableSync(ctx context.Context, epicID string) error {
	return c.doJSON(ctx, http.MethodPost, "/epics/"+url.PathEscape(epicID)+"/sync/disable", nil, nil)
}
