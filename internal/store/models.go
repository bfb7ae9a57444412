// Package store defines the persistence interface and shared models for
// tasks, checkpoints, and agent activity.
package store

import "time"

// Task is a unit of agent work. Parent/grouping references are plain
// identifiers, never embedded pointers, so hierarchies stay cycle-free at the
// type level and traversal is an index lookup.
type Task struct {
	ID            string
	ParentID      *string
	PrdID         *string
	Title         string
	Description   string
	Agent         *string
	Status        string
	BlockedReason *string
	Notes         string
	Metadata      TaskMetadata
	Archived      bool
	ArchivedAt    *time.Time
	ArchivedBy    *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TaskMetadata holds the typed per-concern metadata columns (stream linkage,
// activation mode, worktree isolation state).
type TaskMetadata struct {
	Stream           string
	ActivationMode   string
	IsolatedWorktree bool
	WorktreePath     *string
	BranchName       *string
	AutoCommit       bool
	ModifiedFiles    []string
}

// HasWorktree reports whether the task has a recorded worktree binding.
func (m TaskMetadata) HasWorktree() bool {
	return m.WorktreePath != nil && *m.WorktreePath != "" && m.BranchName != nil && *m.BranchName != ""
}

// NewTask is the input for CreateTask. ID is assigned by the store when empty.
type NewTask struct {
	ID          string
	ParentID    *string
	PrdID       *string
	Title       string
	Description string
	Agent       *string
	Status      string // defaults to pending
	Metadata    TaskMetadata
}

// TaskFilter narrows ListTasks. Zero values mean "no constraint".
// Archived tasks are excluded unless IncludeArchived is set.
type TaskFilter struct {
	Status          string
	Agent           string
	Stream          string
	PrdID           string
	ParentID        string
	IncludeArchived bool
	Limit           int
}

// Checkpoint is an immutable resume snapshot. Sequence is per task, starting
// at 1, strictly increasing, never reused.
type Checkpoint struct {
	ID             string
	TaskID         string
	Sequence       int64
	Trigger        string
	ExecutionPhase *string
	ExecutionStep  *string
	Draft          *string
	ExpiresAt      *time.Time
	Expired        bool
	CreatedAt      time.Time
}

// NewCheckpoint is the input for CreateCheckpoint.
type NewCheckpoint struct {
	TaskID         string
	Trigger        string
	ExecutionPhase *string
	ExecutionStep  *string
	Draft          *string
	TTL            time.Duration // 0 means no expiry
}

// Activity is one heartbeat write. Zero timestamps default to now.
type Activity struct {
	Stream        string
	Agent         string
	TaskID        string
	Activity      string
	Phase         string
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// AgentActivity is the stored liveness record for a (stream, agent) pair.
type AgentActivity struct {
	Stream        string
	Agent         string
	TaskID        string
	Activity      string
	Phase         string
	StartedAt     time.Time
	LastHeartbeat time.Time
}
