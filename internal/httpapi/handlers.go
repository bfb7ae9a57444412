package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/taskcopilot/taskcopilot/internal/git"
	"github.com/taskcopilot/taskcopilot/internal/lifecycle"
	"github.com/taskcopilot/taskcopilot/internal/otel"
	"github.com/taskcopilot/taskcopilot/internal/store"
	"github.com/taskcopilot/taskcopilot/internal/validate"
	"github.com/taskcopilot/taskcopilot/pkg/models"
)

// handleTasks serves /api/tasks: list with filters, create.
func (a *App) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		f := store.TaskFilter{
			Status:          q.Get("status"),
			Agent:           q.Get("agent"),
			Stream:          q.Get("stream"),
			PrdID:           q.Get("prd_id"),
			ParentID:        q.Get("parent_id"),
			IncludeArchived: q.Get("include_archived") == "true",
			Limit:           models.DefaultTaskListLimit,
		}
		// An explicit limit=0 lifts the default cap.
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSONError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			f.Limit = n
		}
		if f.Status != "" && !models.ValidStatus(f.Status) {
			writeJSONError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		tasks, err := a.Store.ListTasks(r.Context(), f)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]models.Task, 0, len(tasks))
		for i := range tasks {
			out = append(out, taskToModel(&tasks[i]))
		}
		writeJSON(w, out)

	case http.MethodPost:
		var body struct {
			Title       string              `json:"title"`
			Description string              `json:"description"`
			ParentID    *string             `json:"parent_id"`
			PrdID       *string             `json:"prd_id"`
			Agent       *string             `json:"agent"`
			Metadata    models.TaskMetadata `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Title == "" {
			writeJSONError(w, http.StatusBadRequest, "title required")
			return
		}
		task, err := a.Store.CreateTask(r.Context(), store.NewTask{
			Title:       body.Title,
			Description: body.Description,
			ParentID:    body.ParentID,
			PrdID:       body.PrdID,
			Agent:       body.Agent,
			Metadata: store.TaskMetadata{
				Stream:           body.Metadata.Stream,
				ActivationMode:   body.Metadata.ActivationMode,
				IsolatedWorktree: body.Metadata.IsolatedWorktree,
				AutoCommit:       body.Metadata.AutoCommit,
			},
		})
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		otel.RecordTaskOp(r.Context(), "create", task.Metadata.Stream, task.Status)
		a.Hub.Publish(models.Event{Type: models.EventTaskUpdate, TaskID: task.ID, Status: task.Status})

		// Structural validation is advisory; creation never fails on it.
		res := validate.Result{Valid: true, Warnings: []string{}}
		if body.ParentID != nil && *body.ParentID != "" {
			if parent, err := a.Store.GetTask(r.Context(), *body.ParentID); err == nil {
				if n, err := a.Store.CountDirectSubtasks(r.Context(), parent.ID); err == nil {
					res = validate.ActivationMode(parent.Metadata.ActivationMode, n)
				}
			}
		}
		writeJSON(w, map[string]any{"task": taskToModel(&task), "validation": res})

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTask serves /api/tasks/{id} and its subresources.
func (a *App) handleTask(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	taskID := parts[0]

	if len(parts) == 1 || parts[1] == "" {
		switch r.Method {
		case http.MethodGet:
			a.getTask(w, r, taskID)
		case http.MethodPatch:
			a.patchTask(w, r, taskID)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	switch parts[1] {
	case "checkpoints":
		if len(parts) >= 3 && parts[2] == "latest" {
			a.latestCheckpoint(w, r, taskID)
			return
		}
		a.checkpoints(w, r, taskID)
	case "heartbeat":
		a.heartbeat(w, r, taskID)
	case "archive":
		a.archiveTask(w, r, taskID)
	case "validate":
		a.validateTask(w, r, taskID)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := a.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, taskToModel(task))
}

func (a *App) patchTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		Status        string   `json:"status"`
		Agent         string   `json:"agent"`
		BlockedReason string   `json:"blocked_reason"`
		Note          string   `json:"note"`
		ModifiedFiles []string `json:"modified_files"`
		ForceCleanup  bool     `json:"force_cleanup"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if body.Note != "" {
		if err := a.Store.AppendTaskNote(r.Context(), taskID, body.Note); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	if body.ModifiedFiles != nil {
		if err := a.Store.SetTaskModifiedFiles(r.Context(), taskID, body.ModifiedFiles); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	if body.Agent != "" && body.Status == "" {
		if err := a.Store.SetTaskAgent(r.Context(), taskID, body.Agent); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	if body.Status == "" {
		task, err := a.Store.GetTask(r.Context(), taskID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		a.Hub.Publish(models.Event{Type: models.EventTaskUpdate, TaskID: taskID, Status: task.Status})
		writeJSON(w, map[string]any{"task": taskToModel(task)})
		return
	}

	if !models.ValidStatus(body.Status) {
		writeJSONError(w, http.StatusBadRequest, "invalid status "+body.Status)
		return
	}
	res, err := a.Lifecycle.Transition(r.Context(), taskID, body.Status, lifecycle.TransitionOptions{
		Agent:         body.Agent,
		BlockedReason: body.BlockedReason,
		ForceCleanup:  body.ForceCleanup,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		var notRepo *git.NotRepositoryError
		if errors.Is(err, git.ErrGitUnavailable) || errors.As(err, &notRepo) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	otel.RecordTaskOp(r.Context(), "transition", res.Task.Metadata.Stream, res.Task.Status)
	if body.Status == models.StatusCompleted {
		switch {
		case res.MergeConflict:
			otel.RecordMerge(r.Context(), "conflict")
		case strings.Contains(res.MergeMessage, "up to date"):
			otel.RecordMerge(r.Context(), "up_to_date")
		case res.MergeMessage != "":
			otel.RecordMerge(r.Context(), "merged")
		}
	}
	writeJSON(w, map[string]any{
		"task": taskToModel(res.Task),
		"merge": models.MergeOutcome{
			Success:  !res.MergeConflict && res.MergeMessage != "",
			Conflict: res.MergeConflict,
			Message:  res.MergeMessage,
		},
		"cleanup_warning": res.CleanupWarning,
	})
}

func (a *App) checkpoints(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		cps, err := a.Store.ListCheckpoints(r.Context(), taskID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out := make([]models.Checkpoint, 0, len(cps))
		for i := range cps {
			out = append(out, checkpointToModel(&cps[i]))
		}
		writeJSON(w, out)

	case http.MethodPost:
		var body struct {
			Trigger        string  `json:"trigger"`
			ExecutionPhase *string `json:"execution_phase"`
			ExecutionStep  *string `json:"execution_step"`
			Draft          *string `json:"draft"`
			TTLSeconds     int64   `json:"ttl_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Trigger == "" {
			body.Trigger = models.TriggerManual
		}
		if !models.ValidTrigger(body.Trigger) {
			writeJSONError(w, http.StatusBadRequest, "invalid trigger "+body.Trigger)
			return
		}
		cp, err := a.Store.CreateCheckpoint(r.Context(), store.NewCheckpoint{
			TaskID:         taskID,
			Trigger:        body.Trigger,
			ExecutionPhase: body.ExecutionPhase,
			ExecutionStep:  body.ExecutionStep,
			Draft:          body.Draft,
			TTL:            secondsToDuration(body.TTLSeconds),
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		otel.RecordCheckpoint(r.Context(), cp.Trigger)
		a.Hub.Publish(models.Event{Type: models.EventCheckpoint, TaskID: taskID, Sequence: cp.Sequence})
		writeJSON(w, checkpointToModel(&cp))

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) latestCheckpoint(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cp, err := a.Store.LatestCheckpoint(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if cp == nil {
		writeJSON(w, map[string]any{"checkpoint": nil})
		return
	}
	writeJSON(w, map[string]any{"checkpoint": checkpointToModel(cp)})
}

func (a *App) heartbeat(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Agent    string `json:"agent"`
		Activity string `json:"activity"`
		Phase    string `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Agent == "" {
		writeJSONError(w, http.StatusBadRequest, "agent required")
		return
	}
	err := a.Lifecycle.Heartbeat(r.Context(), lifecycle.HeartbeatInput{
		TaskID:   taskID,
		Agent:    body.Agent,
		Activity: body.Activity,
		Phase:    body.Phase,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	otel.RecordHeartbeat(r.Context(), "", body.Agent)
	writeJSON(w, map[string]any{"ok": true})
}

func (a *App) archiveTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Initiative string `json:"initiative"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Initiative == "" {
		body.Initiative = "api"
	}
	if err := a.Lifecycle.Archive(r.Context(), taskID, body.Initiative); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	otel.RecordTaskOp(r.Context(), "archive", "", "")
	writeJSON(w, map[string]any{"ok": true})
}

func (a *App) validateTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task, err := a.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	n, err := a.Store.CountDirectSubtasks(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, validate.ActivationMode(task.Metadata.ActivationMode, n))
}

// handleStreams serves GET /api/streams: one summary per stream.
func (a *App) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sums, err := a.Lifecycle.StreamSummaries(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, sums)
}

// handleStream serves /api/streams/{id} and its subresources.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/streams/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	streamID := parts[0]

	if len(parts) == 1 || parts[1] == "" {
		sum, err := a.Lifecycle.StreamSummary(r.Context(), streamID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, sum)
		return
	}

	switch parts[1] {
	case "health":
		h, err := a.Monitor.Check(r.Context(), streamID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, h)
	case "checkpoint":
		cp, err := a.Store.LatestCheckpointForStream(r.Context(), streamID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if cp == nil {
			writeJSON(w, map[string]any{"checkpoint": nil})
			return
		}
		writeJSON(w, map[string]any{"checkpoint": checkpointToModel(cp)})
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleWorktrees serves GET /api/worktrees: task worktrees only, never
// trees rooted elsewhere.
func (a *App) handleWorktrees(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if a.Git == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "worktree manager not configured")
		return
	}
	trees, err := a.Git.ListTaskWorktrees(r.Context())
	if err != nil {
		writeGitError(w, err)
		return
	}
	out := make([]models.WorktreeInfo, 0, len(trees))
	for _, t := range trees {
		out = append(out, models.WorktreeInfo{Path: t.Path, Branch: t.Branch, TaskID: t.TaskID()})
	}
	writeJSON(w, out)
}

// handleWorktreeCleanup serves DELETE /api/worktrees/{taskID}?force=true.
func (a *App) handleWorktreeCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/worktrees/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if a.Git == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "worktree manager not configured")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	res, err := a.Git.CleanupTaskWorktree(r.Context(), taskID, force)
	if err != nil {
		writeGitError(w, err)
		return
	}
	// Partial cleanup is reported, not fatal. Clear the metadata binding when
	// the worktree itself is gone.
	if res.WorktreeRemoved {
		_ = a.Store.ClearTaskWorktree(r.Context(), taskID)
	}
	writeJSON(w, map[string]any{
		"worktree_removed": res.WorktreeRemoved,
		"branch_deleted":   res.BranchDeleted,
		"message":          res.Message,
	})
}

// handlePlainMetrics is the fallback /metrics when OTel init failed.
func (a *App) handlePlainMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	pending, inProgress, blocked, completed := a.TaskCounts(r.Context())
	_, _ = fmt.Fprintf(w, "# TYPE taskcopilot_tasks_total gauge\n")
	_, _ = fmt.Fprintf(w, "taskcopilot_tasks_total{status=\"pending\"} %d\n", pending)
	_, _ = fmt.Fprintf(w, "taskcopilot_tasks_total{status=\"in_progress\"} %d\n", inProgress)
	_, _ = fmt.Fprintf(w, "taskcopilot_tasks_total{status=\"blocked\"} %d\n", blocked)
	_, _ = fmt.Fprintf(w, "taskcopilot_tasks_total{status=\"completed\"} %d\n", completed)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}

func writeGitError(w http.ResponseWriter, err error) {
	var notRepo *git.NotRepositoryError
	if errors.Is(err, git.ErrGitUnavailable) || errors.As(err, &notRepo) {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}
