package lifecycle

import (
	"context"
	"fmt"
	"math"

	"github.com/taskcopilot/taskcopilot/internal/store"
	"github.com/taskcopilot/taskcopilot/pkg/models"
)

// StreamSummary aggregates task counts for a single stream. Progress is
// derived from the counts on every call; nothing is cached.
func (s *Service) StreamSummary(ctx context.Context, streamID string) (*models.StreamSummary, error) {
	tasks, err := s.Store.ListTasks(ctx, store.TaskFilter{Stream: streamID})
	if err != nil {
		return nil, fmt.Errorf("list stream tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("stream %q: %w", streamID, store.ErrNotFound)
	}
	sum := &models.StreamSummary{Stream: streamID}
	for _, t := range tasks {
		sum.Total++
		switch t.Status {
		case models.StatusPending:
			sum.Pending++
		case models.StatusInProgress:
			sum.InProgress++
		case models.StatusBlocked:
			sum.Blocked++
		case models.StatusCompleted:
			sum.Completed++
		}
	}
	sum.Progress = progressPercent(sum.Completed, sum.Total)
	return sum, nil
}

// StreamSummaries returns one summary per known stream, in store order.
func (s *Service) StreamSummaries(ctx context.Context) ([]*models.StreamSummary, error) {
	streams, err := s.Store.ListStreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	out := make([]*models.StreamSummary, 0, len(streams))
	for _, id := range streams {
		sum, err := s.StreamSummary(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

// CurrentTask returns the single in_progress task for a stream, or nil when
// none is active. More than one active task is legal but suspicious, so the
// most recently updated one wins and the caller can surface an advisory.
func (s *Service) CurrentTask(ctx context.Context, streamID string) (*store.Task, int, error) {
	tasks, err := s.Store.ListTasks(ctx, store.TaskFilter{Stream: streamID, Status: models.StatusInProgress})
	if err != nil {
		return nil, 0, fmt.Errorf("list active tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, 0, nil
	}
	cur := &tasks[0]
	for i := range tasks[1:] {
		if t := &tasks[i+1]; t.UpdatedAt.After(cur.UpdatedAt) {
			cur = t
		}
	}
	return cur, len(tasks), nil
}

func progressPercent(completed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}
