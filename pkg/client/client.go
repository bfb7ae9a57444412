// Package client provides a Go SDK for the Task Copilot HTTP API.
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

	"github.com/taskcopilot/taskcopilot/pkg/models"
)

// Client calls the Task Copilot HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://127.0.0.1:9090"
	APIKey     string       // optional; set for X-API-Key / api_key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://127.0.0.1:9090").
// APIKey is optional; when set, requests use the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
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

// Config returns the /config response.
func (c *Client) Config(ctx context.Context) (*models.Config, error) {
	var out models.Config
	err := c.doJSON(ctx, http.MethodGet, "/config", nil, &out)
	return &out, err
}

// TaskFilter narrows ListTasks. Zero values mean "no constraint".
type TaskFilter struct {
	Status          string
	Agent           string
	Stream          string
	PrdID           string
	IncludeArchived bool
	Limit           int
}

// ListTasks returns tasks matching the filter.
func (c *Client) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Agent != "" {
		q.Set("agent", f.Agent)
	}
	if f.Stream != "" {
		q.Set("stream", f.Stream)
	}
	if f.PrdID != "" {
		q.Set("prd_id", f.PrdID)
	}
	if f.IncludeArchived {
		q.Set("include_archived", "true")
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.Task
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// NewTask is the CreateTask request body.
type NewTask struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	ParentID    *string             `json:"parent_id,omitempty"`
	PrdID       *string             `json:"prd_id,omitempty"`
	Agent       *string             `json:"agent,omitempty"`
	Metadata    models.TaskMetadata `json:"metadata"`
}

// CreateTaskResult is the CreateTask response: the task plus advisory
// structural warnings (creation never fails on them).
type CreateTaskResult struct {
	Task       models.Task `json:"task"`
	Validation struct {
		Valid    bool     `json:"valid"`
		Warnings []string `json:"warnings"`
	} `json:"validation"`
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in NewTask) (*CreateTaskResult, error) {
	var out CreateTaskResult
	err := c.doJSON(ctx, http.MethodPost, "/api/tasks", in, &out)
	return &out, err
}

// GetTask returns a task by ID.
func (c *Client) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID), nil, &out)
	return &out, err
}

// TaskUpdate is the PATCH body for UpdateTask. Empty fields are left unchanged.
type TaskUpdate struct {
	Status        string   `json:"status,omitempty"`
	Agent         string   `json:"agent,omitempty"`
	BlockedReason string   `json:"blocked_reason,omitempty"`
	Note          string   `json:"note,omitempty"`
	ModifiedFiles []string `json:"modified_files,omitempty"`
	ForceCleanup  bool     `json:"force_cleanup,omitempty"`
}

// UpdateResult is the response to UpdateTask: the task after the update and,
// for completions, the merge outcome.
type UpdateResult struct {
	Task           models.Task         `json:"task"`
	Merge          models.MergeOutcome `json:"merge"`
	CleanupWarning string              `json:"cleanup_warning,omitempty"`
}

// UpdateTask patches a task; status changes run the full transition
// (worktree creation, merge, cleanup).
func (c *Client) UpdateTask(ctx context.Context, taskID string, u TaskUpdate) (*UpdateResult, error) {
	var out UpdateResult
	err := c.doJSON(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(taskID), u, &out)
	return &out, err
}

// NewCheckpoint is the CreateCheckpoint request body.
type NewCheckpoint struct {
	Trigger        string  `json:"trigger,omitempty"`
	ExecutionPhase *string `json:"execution_phase,omitempty"`
	ExecutionStep  *string `json:"execution_step,omitempty"`
	Draft          *string `json:"draft,omitempty"`
	TTLSeconds     int64   `json:"ttl_seconds,omitempty"`
}

// CreateCheckpoint records a checkpoint for a task.
func (c *Client) CreateCheckpoint(ctx context.Context, taskID string, in NewCheckpoint) (*models.Checkpoint, error) {
	var out models.Checkpoint
	err := c.doJSON(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/checkpoints", in, &out)
	return &out, err
}

// ListCheckpoints returns all checkpoints for a task, oldest first.
func (c *Client) ListCheckpoints(ctx context.Context, taskID string) ([]models.Checkpoint, error) {
	var out []models.Checkpoint
	err := c.doJSON(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID)+"/checkpoints", nil, &out)
	return out, err
}

// LatestCheckpoint returns the latest non-expired checkpoint for a task, or
// nil when none qualifies.
func (c *Client) LatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	var out struct {
		Checkpoint *models.Checkpoint `json:"checkpoint"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID)+"/checkpoints/latest", nil, &out)
	return out.Checkpoint, err
}

// Heartbeat records agent liveness for a task.
func (c *Client) Heartbeat(ctx context.Context, taskID, agent, activity, phase string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/heartbeat", map[string]string{
		"agent": agent, "activity": activity, "phase": phase,
	}, nil)
}

// ArchiveTask archives a task (initiative defaults to "api" server-side).
func (c *Client) ArchiveTask(ctx context.Context, taskID, initiative string) error {
	body := map[string]string{}
	if initiative != "" {
		body["initiative"] = initiative
	}
	return c.doJSON(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/archive", body, nil)
}

// ListStreams returns one summary per stream.
func (c *Client) ListStreams(ctx context.Context) ([]models.StreamSummary, error) {
	var out []models.StreamSummary
	err := c.doJSON(ctx, http.MethodGet, "/api/streams", nil, &out)
	return out, err
}

// StreamSummary returns the aggregate for one stream.
func (c *Client) StreamSummary(ctx context.Context, stream string) (*models.StreamSummary, error) {
	var out models.StreamSummary
	err := c.doJSON(ctx, http.MethodGet, "/api/streams/"+url.PathEscape(stream), nil, &out)
	return &out, err
}

// StreamHealth returns the health verdict for one stream.
func (c *Client) StreamHealth(ctx context.Context, stream string) (*models.StreamHealth, error) {
	var out models.StreamHealth
	err := c.doJSON(ctx, http.MethodGet, "/api/streams/"+url.PathEscape(stream)+"/health", nil, &out)
	return &out, err
}

// StreamCheckpoint returns the most recent non-expired checkpoint across all
// tasks in a stream, or nil when none qualifies.
func (c *Client) StreamCheckpoint(ctx context.Context, stream string) (*models.Checkpoint, error) {
	var out struct {
		Checkpoint *models.Checkpoint `json:"checkpoint"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/streams/"+url.PathEscape(stream)+"/checkpoint", nil, &out)
	return out.Checkpoint, err
}

// ListWorktrees returns the task worktrees known to git.
func (c *Client) ListWorktrees(ctx context.Context) ([]models.WorktreeInfo, error) {
	var out []models.WorktreeInfo
	err := c.doJSON(ctx, http.MethodGet, "/api/worktrees", nil, &out)
	return out, err
}

// CleanupWorktree removes a task worktree and branch. Partial success is
// reported in the result, not as an error.
type CleanupResult struct {
	WorktreeRemoved bool   `json:"worktree_removed"`
	BranchDeleted   bool   `json:"branch_deleted"`
	Message         string `json:"message,omitempty"`
}

// CleanupWorktree removes the worktree and branch for a task.
func (c *Client) CleanupWorktree(ctx context.Context, taskID string, force bool) (*CleanupResult, error) {
	path := "/api/worktrees/" + url.PathEscape(taskID)
	if force {
		path += "?force=true"
	}
	var out CleanupResult
	err := c.doJSON(ctx, http.MethodDelete, path, nil, &out)
	return &out, err
}
