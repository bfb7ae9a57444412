package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/taskcopilot/taskcopilot/pkg/models"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustCreateTask(t *testing.T, st Store, in NewTask) Task {
	t.Helper()
	task, err := st.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestCreateTask_defaults(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, st, NewTask{Title: "build parser"})
	if task.ID == "" {
		t.Fatal("expected generated task ID")
	}
	if task.Status != models.StatusPending {
		t.Fatalf("status: got %q, want %q", task.Status, models.StatusPending)
	}
	if task.Archived {
		t.Fatal("new task must not be archived")
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != "build parser" {
		t.Fatalf("title: got %q", got.Title)
	}
}

func TestCreateTask_invalid(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateTask(ctx, NewTask{}); err == nil {
		t.Fatal("expected error for empty title")
	}
	if _, err := st.CreateTask(ctx, NewTask{Title: "x", Status: "bogus"}); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestGetTask_notFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	_, err := st.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask: got %v, want ErrNotFound", err)
	}
}

func TestListTasks_filters(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	agent := "worker-1"
	a := mustCreateTask(t, st, NewTask{Title: "a", Agent: &agent, Metadata: TaskMetadata{Stream: "auth"}})
	mustCreateTask(t, st, NewTask{Title: "b", Metadata: TaskMetadata{Stream: "auth"}})
	c := mustCreateTask(t, st, NewTask{Title: "c", Metadata: TaskMetadata{Stream: "billing"}})

	if err := st.UpdateTaskStatus(ctx, a.ID, models.StatusInProgress, nil); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	byStream, err := st.ListTasks(ctx, TaskFilter{Stream: "auth"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(byStream) != 2 {
		t.Fatalf("stream filter: got %d tasks, want 2", len(byStream))
	}

	byStatus, err := st.ListTasks(ctx, TaskFilter{Status: models.StatusInProgress})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != a.ID {
		t.Fatalf("status filter: got %v", byStatus)
	}

	byAgent, err := st.ListTasks(ctx, TaskFilter{Agent: agent})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].ID != a.ID {
		t.Fatalf("agent filter: got %v", byAgent)
	}

	if err := st.ArchiveTask(ctx, c.ID, "test"); err != nil {
		t.Fatalf("ArchiveTask: %v", err)
	}
	live, err := st.ListTasks(ctx, TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	for _, task := range live {
		if task.ID == c.ID {
			t.Fatal("archived task returned without IncludeArchived")
		}
	}
	all, err := st.ListTasks(ctx, TaskFilter{IncludeArchived: true})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("IncludeArchived: got %d tasks, want 3", len(all))
	}
}

func TestListTasks_parentFilterAndLimit(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	parent := mustCreateTask(t, st, NewTask{Title: "parent"})
	for i := 0; i < 5; i++ {
		mustCreateTask(t, st, NewTask{Title: "child", ParentID: &parent.ID})
	}

	children, err := st.ListTasks(ctx, TaskFilter{ParentID: parent.ID})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(children) != 5 {
		t.Fatalf("parent filter: got %d, want 5", len(children))
	}

	limited, err := st.ListTasks(ctx, TaskFilter{ParentID: parent.ID, Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit: got %d, want 2", len(limited))
	}

	n, err := st.CountDirectSubtasks(ctx, parent.ID)
	if err != nil {
		t.Fatalf("CountDirectSubtasks: %v", err)
	}
	if n != 5 {
		t.Fatalf("CountDirectSubtasks: got %d, want 5", n)
	}

	// grandchildren never count toward the parent's direct total
	mustCreateTask(t, st, NewTask{Title: "grandchild", ParentID: &children[0].ID})
	n, err = st.CountDirectSubtasks(ctx, parent.ID)
	if err != nil {
		t.Fatalf("CountDirectSubtasks: %v", err)
	}
	if n != 5 {
		t.Fatalf("grandchild counted: got %d, want 5", n)
	}
}

func TestUpdateTaskStatus_blockedReason(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, st, NewTask{Title: "t"})
	reason := "waiting on credentials"
	if err := st.UpdateTaskStatus(ctx, task.ID, models.StatusBlocked, &reason); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.BlockedReason == nil || *got.BlockedReason != reason {
		t.Fatalf("blocked reason: got %v", got.BlockedReason)
	}

	if err := st.UpdateTaskStatus(ctx, task.ID, models.StatusInProgress, nil); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	got, _ = st.GetTask(ctx, task.ID)
	if got.BlockedReason != nil {
		t.Fatalf("blocked reason should clear on unblock, got %q", *got.BlockedReason)
	}

	if err := st.UpdateTaskStatus(ctx, "missing", models.StatusPending, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task: got %v, want ErrNotFound", err)
	}
}

func TestAppendTaskNote(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, st, NewTask{Title: "t"})
	if err := st.AppendTaskNote(ctx, task.ID, "first"); err != nil {
		t.Fatalf("AppendTaskNote: %v", err)
	}
	if err := st.AppendTaskNote(ctx, task.ID, "second"); err != nil {
		t.Fatalf("AppendTaskNote: %v", err)
	}
	got, _ := st.GetTask(ctx, task.ID)
	lines := strings.Split(got.Notes, "\n")
	if len(lines) != 2 || lines[0] != "first" || lines[1] != "second" {
		t.Fatalf("notes: got %q", got.Notes)
	}
}

func TestWorktreeBinding(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, st, NewTask{Title: "t", Metadata: TaskMetadata{IsolatedWorktree: true}})
	path := "/repo/.worktrees/" + task.ID
	branch := "task/" + strings.ToLower(task.ID)
	if err := st.UpdateTaskWorktree(ctx, task.ID, &path, &branch); err != nil {
		t.Fatalf("UpdateTaskWorktree: %v", err)
	}
	got, _ := st.GetTask(ctx, task.ID)
	if !got.Metadata.HasWorktree() {
		t.Fatal("expected worktree binding")
	}
	if *got.Metadata.WorktreePath != path || *got.Metadata.BranchName != branch {
		t.Fatalf("binding: got %v/%v", got.Metadata.WorktreePath, got.Metadata.BranchName)
	}

	if err := st.ClearTaskWorktree(ctx, task.ID); err != nil {
		t.Fatalf("ClearTaskWorktree: %v", err)
	}
	got, _ = st.GetTask(ctx, task.ID)
	if got.Metadata.HasWorktree() {
		t.Fatal("binding should be cleared")
	}
}

func TestSetTaskModifiedFiles(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, st, NewTask{Title: "t"})
	files := []string{"a.go", "b.go"}
	if err := st.SetTaskModifiedFiles(ctx, task.ID, files); err != nil {
		t.Fatalf("SetTaskModifiedFiles: %v", err)
	}
	got, _ := st.GetTask(ctx, task.ID)
	if len(got.Metadata.ModifiedFiles) != 2 || got.Metadata.ModifiedFiles[1] != "b.go" {
		t.Fatalf("modified files: got %v", got.Metadata.ModifiedFiles)
	}
}

func TestCreateCheckpoint_sequences(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, st, NewTask{Title: "t"})
	for want := int64(1); want <= 4; want++ {
		cp, err := st.CreateCheckpoint(ctx, NewCheckpoint{TaskID: task.ID, Trigger: models.TriggerManual})
		if err != nil {
			t.Fatalf("CreateCheckpoint: %v", err)
		}
		if cp.Sequence != want {
			t.Fatalf("sequence: got %d, want %d", cp.Sequence, want)
		}
	}

	other := mustCreateTask(t, st, NewTask{Title: "other"})
	cp, err := st.CreateCheckpoint(ctx, NewCheckpoint{TaskID: other.ID, Trigger: models.TriggerAutomatic})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if cp.Sequence != 1 {
		t.Fatalf("sequences are per task: got %d, want 1", cp.Sequence)
	}
}

func TestCreateCheckpoint_validation(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, st, NewTask{Title: "t"})
	if _, err := st.CreateCheckpoint(ctx, NewCheckpoint{TaskID: task.ID, Trigger: "nope"}); err == nil {
		t.Fatal("expected error for invalid trigger")
	}
	_, err := st.CreateCheckpoint(ctx, NewCheckpoint{TaskID: "missing", Trigger: models.TriggerManual})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task: got %v, want ErrNotFound", err)
	}
}

func TestLatestCheckpoint_excludesExpired(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, st, NewTask{Title: "t"})
	live, err := st.CreateCheckpoint(ctx, NewCheckpoint{TaskID: task.ID, Trigger: models.TriggerManual, TTL: time.Hour})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	// Negative TTL yields an expires_at already in the past.
	if _, err := st.CreateCheckpoint(ctx, NewCheckpoint{TaskID: task.ID, Trigger: models.TriggerError, TTL: -time.Second}); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	got, err := st.LatestCheckpoint(ctx, task.ID)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if got == nil || got.ID != live.ID {
		t.Fatalf("expected live checkpoint %s back, got %v", live.ID, got)
	}

	all, err := st.ListCheckpoints(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expired rows stay in the ledger: got %d, want 2", len(all))
	}
}

func TestLatestCheckpoint_none(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	task := mustCreateTask(t, st, NewTask{Title: "t"})
	got, err := st.LatestCheckpoint(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestLatestCheckpointForStream(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	a := mustCreateTask(t, st, NewTask{Title: "a", Metadata: TaskMetadata{Stream: "auth"}})
	b := mustCreateTask(t, st, NewTask{Title: "b", Metadata: TaskMetadata{Stream: "auth"}})
	mustCreateTask(t, st, NewTask{Title: "c", Metadata: TaskMetadata{Stream: "billing"}})

	if _, err := st.CreateCheckpoint(ctx, NewCheckpoint{TaskID: a.ID, Trigger: models.TriggerManual}); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	latest, err := st.CreateCheckpoint(ctx, NewCheckpoint{TaskID: b.ID, Trigger: models.TriggerAutomatic})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	got, err := st.LatestCheckpointForStream(ctx, "auth")
	if err != nil {
		t.Fatalf("LatestCheckpointForStream: %v", err)
	}
	if got == nil || got.ID != latest.ID {
		t.Fatalf("stream latest: got %v, want %s", got, latest.ID)
	}
	if got.TaskID != b.ID {
		t.Fatalf("stream latest crosses tasks: got task %s, want %s", got.TaskID, b.ID)
	}

	none, err := st.LatestCheckpointForStream(ctx, "empty")
	if err != nil {
		t.Fatalf("LatestCheckpointForStream: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil for empty stream, got %+v", none)
	}
}

func TestMarkExpiredCheckpoints(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, st, NewTask{Title: "t"})
	if _, err := st.CreateCheckpoint(ctx, NewCheckpoint{TaskID: task.ID, Trigger: models.TriggerManual, TTL: -time.Minute}); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if _, err := st.CreateCheckpoint(ctx, NewCheckpoint{TaskID: task.ID, Trigger: models.TriggerManual, TTL: time.Hour}); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if _, err := st.CreateCheckpoint(ctx, NewCheckpoint{TaskID: task.ID, Trigger: models.TriggerManual}); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	n, err := st.MarkExpiredCheckpoints(ctx, time.Now())
	if err != nil {
		t.Fatalf("MarkExpiredCheckpoints: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept: got %d, want 1", n)
	}

	// Idempotent: already-stamped rows are not counted again.
	n, err = st.MarkExpiredCheckpoints(ctx, time.Now())
	if err != nil {
		t.Fatalf("MarkExpiredCheckpoints: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep: got %d, want 0", n)
	}

	all, err := st.ListCheckpoints(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("sweep must not delete rows: got %d, want 3", len(all))
	}
	if !all[0].Expired {
		t.Fatal("first checkpoint should be stamped expired")
	}
}

func TestRecordActivity_upsert(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, st, NewTask{Title: "t", Metadata: TaskMetadata{Stream: "auth"}})

	started := time.Now().Add(-time.Hour).Truncate(time.Second).UTC()
	first := time.Now().Add(-30 * time.Minute).Truncate(time.Second).UTC()
	err := st.RecordActivity(ctx, Activity{
		Stream: "auth", Agent: "worker-1", TaskID: task.ID,
		Activity: "implementing", Phase: "code",
		StartedAt: started, LastHeartbeat: first,
	})
	if err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}

	second := time.Now().Truncate(time.Second).UTC()
	err = st.RecordActivity(ctx, Activity{
		Stream: "auth", Agent: "worker-1", TaskID: task.ID,
		Activity: "testing", Phase: "verify",
		StartedAt: started, LastHeartbeat: second,
	})
	if err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}

	got, err := st.LatestActivityForStream(ctx, "auth")
	if err != nil {
		t.Fatalf("LatestActivityForStream: %v", err)
	}
	if got == nil {
		t.Fatal("expected activity row")
	}
	if got.Activity != "testing" || got.Phase != "verify" {
		t.Fatalf("upsert should replace fields: got %+v", got)
	}
	if !got.LastHeartbeat.Equal(second) {
		t.Fatalf("heartbeat: got %v, want %v", got.LastHeartbeat, second)
	}

	if err := st.RecordActivity(ctx, Activity{Agent: "x"}); err == nil {
		t.Fatal("expected error for missing stream")
	}
}

func TestClearActivityForTask(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, st, NewTask{Title: "t", Metadata: TaskMetadata{Stream: "auth"}})
	if err := st.RecordActivity(ctx, Activity{Stream: "auth", Agent: "worker-1", TaskID: task.ID}); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	if err := st.ClearActivityForTask(ctx, task.ID); err != nil {
		t.Fatalf("ClearActivityForTask: %v", err)
	}
	got, err := st.LatestActivityForStream(ctx, "auth")
	if err != nil {
		t.Fatalf("LatestActivityForStream: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no activity after clear, got %+v", got)
	}
}

func TestListStreams(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mustCreateTask(t, st, NewTask{Title: "a", Metadata: TaskMetadata{Stream: "billing"}})
	mustCreateTask(t, st, NewTask{Title: "b", Metadata: TaskMetadata{Stream: "auth"}})
	mustCreateTask(t, st, NewTask{Title: "c", Metadata: TaskMetadata{Stream: "auth"}})
	mustCreateTask(t, st, NewTask{Title: "no stream"})

	streams, err := st.ListStreams(ctx)
	if err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	if len(streams) != 2 || streams[0] != "auth" || streams[1] != "billing" {
		t.Fatalf("streams: got %v", streams)
	}
}

func TestArchiveTask(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, st, NewTask{Title: "t"})
	if err := st.ArchiveTask(ctx, task.ID, "cli"); err != nil {
		t.Fatalf("ArchiveTask: %v", err)
	}
	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !got.Archived || got.ArchivedAt == nil || got.ArchivedBy == nil || *got.ArchivedBy != "cli" {
		t.Fatalf("archive fields: got %+v", got)
	}

	if err := st.ArchiveTask(ctx, "missing", "cli"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task: got %v, want ErrNotFound", err)
	}
}
