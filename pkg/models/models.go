// Package models provides shared types for the Task Copilot HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// Task is a unit of agent work with recovery and isolation metadata.
type Task struct {
	ID            string       `json:"id"`
	ParentID      *string      `json:"parent_id,omitempty"`
	PrdID         *string      `json:"prd_id,omitempty"`
	Title         string       `json:"title"`
	Description   string       `json:"description,omitempty"`
	Agent         *string      `json:"agent,omitempty"`
	Status        string       `json:"status"`
	BlockedReason *string      `json:"blocked_reason,omitempty"`
	Notes         string       `json:"notes,omitempty"`
	Metadata      TaskMetadata `json:"metadata"`
	Archived      bool         `json:"archived,omitempty"`
	ArchivedAt    *time.Time   `json:"archived_at,omitempty"`
	ArchivedBy    *string      `json:"archived_by,omitempty"`
	CreatedAt     time.Time    `json:"created_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at,omitempty"`
}

// TaskMetadata is the typed metadata bag on a task (isolation state, routing
// hints, stream linkage). Unset fields read back as zero values.
type TaskMetadata struct {
	Stream           string   `json:"stream,omitempty"`
	ActivationMode   string   `json:"activation_mode,omitempty"`
	IsolatedWorktree bool     `json:"isolated_worktree,omitempty"`
	WorktreePath     *string  `json:"worktree_path,omitempty"`
	BranchName       *string  `json:"branch_name,omitempty"`
	AutoCommit       bool     `json:"auto_commit,omitempty"`
	ModifiedFiles    []string `json:"modified_files,omitempty"`
}

// Checkpoint is an immutable, sequence-numbered snapshot of a task's execution progress.
type Checkpoint struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"task_id"`
	Sequence       int64      `json:"sequence"`
	Trigger        string     `json:"trigger"`
	ExecutionPhase *string    `json:"execution_phase,omitempty"`
	ExecutionStep  *string    `json:"execution_step,omitempty"`
	Draft          *string    `json:"draft,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Expired        bool       `json:"expired,omitempty"`
	CreatedAt      time.Time  `json:"created_at,omitempty"`
}

// AgentActivity is the live heartbeat record for one (stream, agent) pair.
// Overwritten in place on each heartbeat; removed when the task leaves in_progress.
type AgentActivity struct {
	Stream        string    `json:"stream"`
	Agent         string    `json:"agent"`
	TaskID        string    `json:"task_id"`
	Activity      string    `json:"activity,omitempty"`
	Phase         string    `json:"phase,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

// StreamSummary is the derived per-stream aggregate (streams are not stored rows).
type StreamSummary struct {
	Stream     string `json:"stream"`
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	InProgress int    `json:"in_progress"`
	Blocked    int    `json:"blocked"`
	Completed  int    `json:"completed"`
	Progress   int    `json:"progress"` // round(completed/total*100), 0 when total==0
}

// StreamHealth is the health verdict for one stream.
type StreamHealth struct {
	Stream                 string     `json:"stream"`
	Healthy                bool       `json:"healthy"`
	CurrentTaskID          *string    `json:"current_task_id,omitempty"`
	TaskStatus             *string    `json:"task_status,omitempty"`
	LastActivity           *time.Time `json:"last_activity,omitempty"`
	LastCheckpoint         *time.Time `json:"last_checkpoint,omitempty"`
	TimeSinceActivitySec   *int64     `json:"time_since_activity_sec,omitempty"`
	TimeSinceCheckpointSec *int64     `json:"time_since_checkpoint_sec,omitempty"`
	Warnings               []string   `json:"warnings"`
}

// WorktreeInfo describes one task worktree as reported by git.
type WorktreeInfo struct {
	Path   string `json:"path"`
	Branch string `json:"branch,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

// MergeOutcome is the JSON shape of a merge attempt (expected business
// outcomes are data, never errors).
type MergeOutcome struct {
	Success  bool   `json:"success"`
	Conflict bool   `json:"conflict,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Config is the /config API response.
type Config struct {
	Home        string `json:"home,omitempty"`
	ProjectRoot string `json:"project_root,omitempty"`
	MainBranch  string `json:"main_branch,omitempty"`
}
