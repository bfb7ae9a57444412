// Package lifecycle owns the task state machine: pending → in_progress →
// completed, with blocked reachable from pending or in_progress. Status
// transitions trigger worktree isolation side effects and record agent
// activity at transition points.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskcopilot/taskcopilot/internal/git"
	"github.com/taskcopilot/taskcopilot/internal/store"
	"github.com/taskcopilot/taskcopilot/pkg/models"
)

// WorktreeManager is the isolation surface the state machine drives.
// *git.Manager implements it; tests substitute fakes.
type WorktreeManager interface {
	CreateTaskWorktree(ctx context.Context, taskID string) (git.CreateResult, error)
	MergeTaskWorktree(ctx context.Context, taskID string) (git.MergeResult, error)
	CleanupTaskWorktree(ctx context.Context, taskID string, force bool) (git.CleanupResult, error)
}

// Publisher receives state-change events (SSE hub). Failures are non-fatal;
// publishing is fire-and-forget and never blocks a transition.
type Publisher interface {
	Publish(ev models.Event)
}

// Service is the state machine over a shared store and one worktree manager.
// It is the only legitimate caller of worktree operations, and issues them
// strictly within a single status-transition handler per task.
type Service struct {
	Store     store.Store
	Worktrees WorktreeManager
	Hub       Publisher // optional
}

// TransitionOptions carries per-transition inputs.
type TransitionOptions struct {
	Agent         string // recorded on the task and in the activity heartbeat
	BlockedReason string // required for transitions to blocked
	ForceCleanup  bool   // escalate branch deletion on completion cleanup
}

// TransitionResult reports the transition outcome. A merge conflict is an
// expected business outcome: Task keeps its previous status and the conflict
// message lands in the task's notes.
type TransitionResult struct {
	Task           *store.Task
	MergeConflict  bool
	MergeMessage   string
	CleanupWarning string
}

var errTerminal = errors.New("completed is a terminal status")

// Transition moves a task to status, running side effects for the edge.
func (s *Service) Transition(ctx context.Context, taskID, status string, opts TransitionOptions) (*TransitionResult, error) {
	task, err := s.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == status {
		return &TransitionResult{Task: task}, nil
	}
	if err := checkEdge(task.Status, status); err != nil {
		return nil, fmt.Errorf("task %s: cannot move from %s to %s: %w", taskID, task.Status, status, err)
	}

	switch status {
	case models.StatusInProgress:
		return s.start(ctx, task, opts)
	case models.StatusCompleted:
		return s.complete(ctx, task, opts)
	case models.StatusBlocked:
		return s.block(ctx, task, opts)
	case models.StatusPending:
		if err := s.Store.UpdateTaskStatus(ctx, task.ID, status, nil); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("task %s: unknown status %q", taskID, status)
	}
	return s.finish(ctx, task.ID)
}

// checkEdge validates the edge against the state machine.
func checkEdge(from, to string) error {
	if from == models.StatusCompleted {
		return errTerminal
	}
	switch to {
	case models.StatusInProgress:
		return nil // reachable from pending and blocked
	case models.StatusCompleted:
		if from != models.StatusInProgress {
			return errors.New("only in_progress tasks can complete")
		}
		return nil
	case models.StatusBlocked:
		if from != models.StatusPending && from != models.StatusInProgress {
			return errors.New("only pending or in_progress tasks can block")
		}
		return nil
	case models.StatusPending:
		return errors.New("tasks cannot return to pending")
	}
	return fmt.Errorf("unknown status %q", to)
}

// start handles * → in_progress: create the isolated worktree when requested
// and none is bound yet, then record an activity heartbeat.
func (s *Service) start(ctx context.Context, task *store.Task, opts TransitionOptions) (*TransitionResult, error) {
	if task.Metadata.IsolatedWorktree && !task.Metadata.HasWorktree() {
		res, err := s.Worktrees.CreateTaskWorktree(ctx, task.ID)
		if err != nil {
			return nil, fmt.Errorf("task %s: worktree creation failed: %w", task.ID, err)
		}
		if err := s.Store.UpdateTaskWorktree(ctx, task.ID, &res.Path, &res.Branch); err != nil {
			return nil, err
		}
		slog.Info("task worktree bound", "task_id", task.ID, "path", res.Path, "branch", res.Branch, "created", res.Created)
	}

	if opts.Agent != "" {
		if err := s.Store.SetTaskAgent(ctx, task.ID, opts.Agent); err != nil {
			return nil, err
		}
	}
	if err := s.Store.UpdateTaskStatus(ctx, task.ID, models.StatusInProgress, nil); err != nil {
		return nil, err
	}

	agent := opts.Agent
	if agent == "" && task.Agent != nil {
		agent = *task.Agent
	}
	if task.Metadata.Stream != "" && agent != "" {
		err := s.Store.RecordActivity(ctx, store.Activity{
			Stream:   task.Metadata.Stream,
			Agent:    agent,
			TaskID:   task.ID,
			Activity: "started: " + task.Title,
			Phase:    "start",
		})
		if err != nil {
			slog.Warn("activity heartbeat failed", "task_id", task.ID, "err", err)
		}
	}
	return s.finish(ctx, task.ID)
}

// complete handles in_progress → completed. The merge and the status change
// are coupled: a conflict leaves the task in_progress with a conflict note,
// and the worktree and branch stay intact for manual resolution. Only a
// failed merge blocks completion; cleanup trouble is a warning.
func (s *Service) complete(ctx context.Context, task *store.Task, opts TransitionOptions) (*TransitionResult, error) {
	result := &TransitionResult{}
	if task.Metadata.HasWorktree() {
		merge, err := s.Worktrees.MergeTaskWorktree(ctx, task.ID)
		if err != nil {
			return nil, fmt.Errorf("task %s: merge failed: %w", task.ID, err)
		}
		result.MergeMessage = merge.Message
		if merge.Conflict {
			result.MergeConflict = true
			if err := s.Store.AppendTaskNote(ctx, task.ID, "merge conflict: "+merge.Message); err != nil {
				slog.Warn("conflict note append failed", "task_id", task.ID, "err", err)
			}
			slog.Warn("completion blocked by merge conflict", "task_id", task.ID, "message", merge.Message)
			fresh, err := s.Store.GetTask(ctx, task.ID)
			if err != nil {
				// The task we loaded at dispatch is still accurate apart from
				// the note we just appended; never return a nil task.
				slog.Warn("task re-read failed after conflict", "task_id", task.ID, "err", err)
				fresh = task
			}
			result.Task = fresh
			s.publish(models.Event{Type: models.EventTaskUpdate, TaskID: task.ID, Status: task.Status, MergeConflict: true})
			return result, nil
		}

		cleanup, err := s.Worktrees.CleanupTaskWorktree(ctx, task.ID, opts.ForceCleanup)
		if err != nil {
			// Cleanup must never abort an otherwise-successful completion.
			slog.Warn("worktree cleanup failed", "task_id", task.ID, "err", err)
			result.CleanupWarning = err.Error()
		} else if !cleanup.WorktreeRemoved || !cleanup.BranchDeleted {
			slog.Warn("partial worktree cleanup", "task_id", task.ID,
				"worktree_removed", cleanup.WorktreeRemoved, "branch_deleted", cleanup.BranchDeleted, "message", cleanup.Message)
			result.CleanupWarning = cleanup.Message
		}
		if err := s.Store.ClearTaskWorktree(ctx, task.ID); err != nil {
			return nil, err
		}
	}

	if err := s.Store.UpdateTaskStatus(ctx, task.ID, models.StatusCompleted, nil); err != nil {
		return nil, err
	}
	if err := s.Store.ClearActivityForTask(ctx, task.ID); err != nil {
		slog.Warn("activity clear failed", "task_id", task.ID, "err", err)
	}
	fin, err := s.finish(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	result.Task = fin.Task
	return result, nil
}

// block handles * → blocked; a non-empty reason is required.
func (s *Service) block(ctx context.Context, task *store.Task, opts TransitionOptions) (*TransitionResult, error) {
	if opts.BlockedReason == "" {
		return nil, fmt.Errorf("task %s: a blocked reason is required to block", task.ID)
	}
	if err := s.Store.UpdateTaskStatus(ctx, task.ID, models.StatusBlocked, &opts.BlockedReason); err != nil {
		return nil, err
	}
	if err := s.Store.ClearActivityForTask(ctx, task.ID); err != nil {
		slog.Warn("activity clear failed", "task_id", task.ID, "err", err)
	}
	return s.finish(ctx, task.ID)
}

func (s *Service) finish(ctx context.Context, taskID string) (*TransitionResult, error) {
	task, err := s.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(models.Event{Type: models.EventTaskUpdate, TaskID: task.ID, Status: task.Status, Stream: task.Metadata.Stream})
	return &TransitionResult{Task: task}, nil
}

func (s *Service) publish(ev models.Event) {
	if s.Hub != nil {
		s.Hub.Publish(ev)
	}
}

// HeartbeatInput identifies the heartbeat writer and its current work.
type HeartbeatInput struct {
	TaskID   string
	Agent    string
	Activity string
	Phase    string
}

// Heartbeat overwrites the (stream, agent) activity record for the task's
// stream. The record is removed when the task leaves in_progress.
func (s *Service) Heartbeat(ctx context.Context, in HeartbeatInput) error {
	if in.Agent == "" {
		return errors.New("heartbeat agent required")
	}
	task, err := s.Store.GetTask(ctx, in.TaskID)
	if err != nil {
		return err
	}
	if task.Metadata.Stream == "" {
		return fmt.Errorf("task %s has no stream: set metadata.stream before sending heartbeats", task.ID)
	}
	err = s.Store.RecordActivity(ctx, store.Activity{
		Stream:   task.Metadata.Stream,
		Agent:    in.Agent,
		TaskID:   task.ID,
		Activity: in.Activity,
		Phase:    in.Phase,
	})
	if err != nil {
		return err
	}
	s.publish(models.Event{Type: models.EventActivity, Stream: task.Metadata.Stream, Agent: in.Agent, TaskID: task.ID})
	return nil
}

// Archive flags a task archived (a later lifecycle stage, not a status).
func (s *Service) Archive(ctx context.Context, taskID, initiative string) error {
	task, err := s.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Metadata.HasWorktree() {
		return fmt.Errorf("task %s still has worktree %s: complete the task or clean up the worktree before archiving", taskID, *task.Metadata.WorktreePath)
	}
	if err := s.Store.ArchiveTask(ctx, taskID, initiative); err != nil {
		return err
	}
	s.publish(models.Event{Type: models.EventTaskUpdate, TaskID: taskID, Archived: true})
	return nil
}
