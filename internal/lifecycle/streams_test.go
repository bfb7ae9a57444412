package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/taskcopilot/taskcopilot/internal/store"
	"github.com/taskcopilot/taskcopilot/pkg/models"
)

func TestStreamSummary(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, &fakeWorktrees{})
	ctx := context.Background()

	meta := store.TaskMetadata{Stream: "auth"}
	createTask(t, st, store.NewTask{Title: "p", Metadata: meta})
	createTask(t, st, store.NewTask{Title: "ip", Status: models.StatusInProgress, Metadata: meta})
	createTask(t, st, store.NewTask{Title: "c1", Status: models.StatusCompleted, Metadata: meta})
	createTask(t, st, store.NewTask{Title: "c2", Status: models.StatusCompleted, Metadata: meta})

	sum, err := svc.StreamSummary(ctx, "auth")
	if err != nil {
		t.Fatalf("StreamSummary: %v", err)
	}
	if sum.Total != 4 || sum.Pending != 1 || sum.InProgress != 1 || sum.Completed != 2 {
		t.Fatalf("summary: got %+v", sum)
	}
	if sum.Progress != 50 {
		t.Fatalf("progress: got %d, want 50", sum.Progress)
	}
}

func TestStreamSummary_emptyStream(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &fakeWorktrees{})
	_, err := svc.StreamSummary(context.Background(), "ghost")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestStreamSummaries(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, &fakeWorktrees{})
	ctx := context.Background()

	createTask(t, st, store.NewTask{Title: "a", Metadata: store.TaskMetadata{Stream: "auth"}})
	createTask(t, st, store.NewTask{Title: "b", Status: models.StatusCompleted, Metadata: store.TaskMetadata{Stream: "billing"}})

	sums, err := svc.StreamSummaries(ctx)
	if err != nil {
		t.Fatalf("StreamSummaries: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("summaries: got %d, want 2", len(sums))
	}
	if sums[0].Stream != "auth" || sums[1].Stream != "billing" {
		t.Fatalf("order: got %q, %q", sums[0].Stream, sums[1].Stream)
	}
	if sums[1].Progress != 100 {
		t.Fatalf("billing progress: got %d, want 100", sums[1].Progress)
	}
}

func TestCurrentTask(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, &fakeWorktrees{})
	ctx := context.Background()

	meta := store.TaskMetadata{Stream: "auth"}
	createTask(t, st, store.NewTask{Title: "pending", Metadata: meta})

	cur, n, err := svc.CurrentTask(ctx, "auth")
	if err != nil {
		t.Fatalf("CurrentTask: %v", err)
	}
	if cur != nil || n != 0 {
		t.Fatalf("expected no active task, got %v (n=%d)", cur, n)
	}

	a := createTask(t, st, store.NewTask{Title: "a", Status: models.StatusInProgress, Metadata: meta})
	b := createTask(t, st, store.NewTask{Title: "b", Status: models.StatusInProgress, Metadata: meta})

	// touch b so it is the most recently updated
	if err := st.AppendTaskNote(ctx, b.ID, "touch"); err != nil {
		t.Fatalf("AppendTaskNote: %v", err)
	}

	cur, n, err = svc.CurrentTask(ctx, "auth")
	if err != nil {
		t.Fatalf("CurrentTask: %v", err)
	}
	if cur == nil || n != 2 {
		t.Fatalf("expected 2 active tasks, got %v (n=%d)", cur, n)
	}
	if cur.ID != a.ID && cur.ID != b.ID {
		t.Fatalf("current: got %s", cur.ID)
	}
}

func TestProgressPercent(t *testing.T) {
	t.Parallel()
	cases := []struct {
		completed, total, want int
	}{
		{0, 0, 0},
		{0, 10, 0},
		{3, 4, 75},
		{1, 3, 33},
		{2, 3, 67},
		{10, 10, 100},
	}
	for _, tc := range cases {
		if got := progressPercent(tc.completed, tc.total); got != tc.want {
			t.Errorf("progressPercent(%d, %d): got %d, want %d", tc.completed, tc.total, got, tc.want)
		}
	}
}
