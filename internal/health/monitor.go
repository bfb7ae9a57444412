// Package health derives per-stream liveness verdicts from checkpoint and
// activity timestamps. It is a pure read side: no method here mutates the
// store, so polling is safe at any frequency.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/taskcopilot/taskcopilot/internal/store"
	"github.com/taskcopilot/taskcopilot/pkg/models"
)

// Default staleness thresholds. Ten minutes without a heartbeat from an
// in_progress task means the agent is presumed dead.
const (
	DefaultCheckpointStale = 10 * time.Minute
	DefaultActivityStale   = 10 * time.Minute
)

// Monitor computes stream health. Zero thresholds fall back to the defaults;
// Now is overridable for tests and defaults to time.Now.
type Monitor struct {
	Store           store.Store
	CheckpointStale time.Duration
	ActivityStale   time.Duration
	Now             func() time.Time
}

// NewMonitor returns a Monitor with default thresholds.
func NewMonitor(st store.Store) *Monitor {
	return &Monitor{Store: st}
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Monitor) checkpointStale() time.Duration {
	if m.CheckpointStale > 0 {
		return m.CheckpointStale
	}
	return DefaultCheckpointStale
}

func (m *Monitor) activityStale() time.Duration {
	if m.ActivityStale > 0 {
		return m.ActivityStale
	}
	return DefaultActivityStale
}

// Check returns the health verdict for one stream. A stream with no tasks at
// all is store.ErrNotFound, not "healthy with no data".
func (m *Monitor) Check(ctx context.Context, streamID string) (*models.StreamHealth, error) {
	tasks, err := m.Store.ListTasks(ctx, store.TaskFilter{Stream: streamID})
	if err != nil {
		return nil, fmt.Errorf("list stream tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("stream %q: %w", streamID, store.ErrNotFound)
	}

	now := m.now()
	h := &models.StreamHealth{
		Stream:   streamID,
		Healthy:  true,
		Warnings: []string{},
	}

	// At most one in_progress task is expected per stream; first match wins
	// when that invariant is violated.
	var current *store.Task
	for i := range tasks {
		if tasks[i].Status == models.StatusInProgress {
			current = &tasks[i]
			break
		}
	}
	if current != nil {
		h.CurrentTaskID = &current.ID
		h.TaskStatus = &current.Status
	}

	act, err := m.Store.LatestActivityForStream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("latest activity: %w", err)
	}
	if act != nil {
		t := act.LastHeartbeat
		h.LastActivity = &t
		secs := int64(now.Sub(t).Seconds())
		h.TimeSinceActivitySec = &secs
	}

	cp, err := m.Store.LatestCheckpointForStream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	if cp != nil {
		t := cp.CreatedAt
		h.LastCheckpoint = &t
		secs := int64(now.Sub(t).Seconds())
		h.TimeSinceCheckpointSec = &secs
	}

	// A stale checkpoint is advisory only.
	if cp == nil || now.Sub(cp.CreatedAt) > m.checkpointStale() {
		h.Warnings = append(h.Warnings, fmt.Sprintf("no checkpoint in %s", humanThreshold(m.checkpointStale())))
	}

	// Silence from an active task is the real failure signal.
	if current != nil && (act == nil || now.Sub(act.LastHeartbeat) > m.activityStale()) {
		h.Warnings = append(h.Warnings, fmt.Sprintf("task in_progress but no activity for %s", humanThreshold(m.activityStale())))
		h.Healthy = false
	}

	return h, nil
}

// CheckAll runs Check for every known stream.
func (m *Monitor) CheckAll(ctx context.Context) ([]*models.StreamHealth, error) {
	streams, err := m.Store.ListStreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	out := make([]*models.StreamHealth, 0, len(streams))
	for _, id := range streams {
		h, err := m.Check(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// humanThreshold renders a staleness window the way operators read it:
// "10+ minutes" rather than "600s". Sub-minute thresholds fall back to
// seconds.
func humanThreshold(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d+ minutes", int(d/time.Minute))
	}
	return fmt.Sprintf("%d+ seconds", int(d/time.Second))
}
