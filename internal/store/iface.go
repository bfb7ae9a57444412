package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a task, checkpoint, or stream does not exist.
// It is an expected outcome, not a system fault; callers branch on it with
// errors.Is.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for tasks, checkpoints, and activity.
// Implementations: the SQLite store in this package and *postgres.Store.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, in NewTask) (Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string, blockedReason *string) error
	SetTaskAgent(ctx context.Context, id, agent string) error
	AppendTaskNote(ctx context.Context, id, note string) error
	UpdateTaskWorktree(ctx context.Context, id string, worktreePath, branchName *string) error
	ClearTaskWorktree(ctx context.Context, id string) error
	SetTaskModifiedFiles(ctx context.Context, id string, files []string) error
	ArchiveTask(ctx context.Context, id, initiative string) error
	CountDirectSubtasks(ctx context.Context, id string) (int, error)

	// Checkpoints (append-only ledger; rows are never deleted)
	CreateCheckpoint(ctx context.Context, in NewCheckpoint) (Checkpoint, error)
	LatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error)
	LatestCheckpointForStream(ctx context.Context, stream string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, taskID string) ([]Checkpoint, error)
	MarkExpiredCheckpoints(ctx context.Context, now time.Time) (int64, error)

	// Activity (one live record per (stream, agent); upsert on heartbeat)
	RecordActivity(ctx context.Context, a Activity) error
	LatestActivityForStream(ctx context.Context, stream string) (*AgentActivity, error)
	ClearActivityForTask(ctx context.Context, taskID string) error

	// Streams are derived from task metadata, not stored rows.
	ListStreams(ctx context.Context) ([]string, error)

	// Lifecycle
	Close() error
}
