package httpapi

import (
	"time"

	"github.com/taskcopilot/taskcopilot/internal/store"
	"github.com/taskcopilot/taskcopilot/pkg/models"
)

func taskToModel(t *store.Task) models.Task {
	return models.Task{
		ID:            t.ID,
		ParentID:      t.ParentID,
		PrdID:         t.PrdID,
		Title:         t.Title,
		Description:   t.Description,
		Agent:         t.Agent,
		Status:        t.Status,
		BlockedReason: t.BlockedReason,
		Notes:         t.Notes,
		Metadata: models.TaskMetadata{
			Stream:           t.Metadata.Stream,
			ActivationMode:   t.Metadata.ActivationMode,
			IsolatedWorktree: t.Metadata.IsolatedWorktree,
			WorktreePath:     t.Metadata.WorktreePath,
			BranchName:       t.Metadata.BranchName,
			AutoCommit:       t.Metadata.AutoCommit,
			ModifiedFiles:    t.Metadata.ModifiedFiles,
		},
		Archived:   t.Archived,
		ArchivedAt: t.ArchivedAt,
		ArchivedBy: t.ArchivedBy,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

func checkpointToModel(c *store.Checkpoint) models.Checkpoint {
	return models.Checkpoint{
		ID:             c.ID,
		TaskID:         c.TaskID,
		Sequence:       c.Sequence,
		Trigger:        c.Trigger,
		ExecutionPhase: c.ExecutionPhase,
		ExecutionStep:  c.ExecutionStep,
		Draft:          c.Draft,
		ExpiresAt:      c.ExpiresAt,
		Expired:        c.Expired,
		CreatedAt:      c.CreatedAt,
	}
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
