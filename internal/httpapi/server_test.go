package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taskcopilot/taskcopilot/internal/git"
	"github.com/taskcopilot/taskcopilot/internal/store"
	"github.com/taskcopilot/taskcopilot/pkg/models"
)

// scriptedWorktrees drives worktree outcomes for handler tests.
type scriptedWorktrees struct {
	mergeRes git.MergeResult
}

func (f *scriptedWorktrees) CreateTaskWorktree(ctx context.Context, taskID string) (git.CreateResult, error) {
	return git.CreateResult{Path: "/repo/.worktrees/" + taskID, Branch: git.BranchName(taskID), Created: true}, nil
}

func (f *scriptedWorktrees) MergeTaskWorktree(ctx context.Context, taskID string) (git.MergeResult, error) {
	return f.mergeRes, nil
}

func (f *scriptedWorktrees) CleanupTaskWorktree(ctx context.Context, taskID string, force bool) (git.CleanupResult, error) {
	return git.CleanupResult{WorktreeRemoved: true, BranchDeleted: true, Message: "cleaned"}, nil
}

func newTestApp(t *testing.T, wt *scriptedWorktrees) (*App, *httptest.Server, store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if wt == nil {
		wt = &scriptedWorktrees{mergeRes: git.MergeResult{Success: true, Message: "merged"}}
	}
	app, err := NewApp(ServerOptions{Store: st, Worktrees: wt})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	srv := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		srv.Close()
		_ = st.Close()
	})
	return app, srv, st
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func createTaskViaAPI(t *testing.T, baseURL string, body map[string]any) models.Task {
	t.Helper()
	var created struct {
		Task models.Task `json:"task"`
	}
	resp := doJSON(t, http.MethodPost, baseURL+"/api/tasks", body, &created)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create task: status %d", resp.StatusCode)
	}
	return created.Task
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestApp(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestApp(t, nil)

	task := createTaskViaAPI(t, srv.URL, map[string]any{
		"title": "build parser",
		"metadata": map[string]any{
			"stream":          "auth",
			"activation_mode": models.ModeQuick,
		},
	})
	if task.ID == "" || task.Status != models.StatusPending {
		t.Fatalf("created: got %+v", task)
	}

	var got models.Task
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+task.ID, nil, &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d", resp.StatusCode)
	}
	if got.Title != "build parser" || got.Metadata.Stream != "auth" {
		t.Fatalf("get: got %+v", got)
	}
}

func TestCreateTask_missingTitle(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestApp(t, nil)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks", map[string]any{"description": "x"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestGetTask_notFound(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestApp(t, nil)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestListTasks_filters(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestApp(t, nil)

	createTaskViaAPI(t, srv.URL, map[string]any{"title": "a", "metadata": map[string]any{"stream": "auth"}})
	createTaskViaAPI(t, srv.URL, map[string]any{"title": "b", "metadata": map[string]any{"stream": "billing"}})

	var tasks []models.Task
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks?stream=auth", nil, &tasks)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if len(tasks) != 1 || tasks[0].Title != "a" {
		t.Fatalf("filtered: got %+v", tasks)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks?status=bogus", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status filter: got %d, want 400", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks?limit=-1", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid limit: got %d, want 400", resp.StatusCode)
	}
}

func TestPatchTask_lifecycle(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestApp(t, nil)

	task := createTaskViaAPI(t, srv.URL, map[string]any{
		"title":    "t",
		"metadata": map[string]any{"isolated_worktree": true},
	})

	var started struct {
		Task models.Task `json:"task"`
	}
	resp := doJSON(t, http.MethodPatch, srv.URL+"/api/tasks/"+task.ID,
		map[string]any{"status": models.StatusInProgress, "agent": "worker-1"}, &started)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status %d", resp.StatusCode)
	}
	if started.Task.Status != models.StatusInProgress {
		t.Fatalf("start: got %+v", started.Task)
	}
	if started.Task.Metadata.WorktreePath == nil {
		t.Fatal("isolated task should get a worktree on start")
	}

	var completed struct {
		Task  models.Task        `json:"task"`
		Merge models.MergeOutcome `json:"merge"`
	}
	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/tasks/"+task.ID,
		map[string]any{"status": models.StatusCompleted}, &completed)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: status %d", resp.StatusCode)
	}
	if completed.Task.Status != models.StatusCompleted || !completed.Merge.Success {
		t.Fatalf("complete: got %+v", completed)
	}
}

func TestPatchTask_mergeConflict(t *testing.T) {
	t.Parallel()
	wt := &scriptedWorktrees{mergeRes: git.MergeResult{Conflict: true, Message: "conflicts in main.go"}}
	_, srv, _ := newTestApp(t, wt)

	task := createTaskViaAPI(t, srv.URL, map[string]any{
		"title":    "t",
		"metadata": map[string]any{"isolated_worktree": true},
	})
	doJSON(t, http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, map[string]any{"status": models.StatusInProgress}, nil)

	var res struct {
		Task  models.Task        `json:"task"`
		Merge models.MergeOutcome `json:"merge"`
	}
	resp := doJSON(t, http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, map[string]any{"status": models.StatusCompleted}, &res)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if !res.Merge.Conflict {
		t.Fatal("expected merge conflict in response")
	}
	if res.Task.Status != models.StatusInProgress {
		t.Fatalf("conflict must keep in_progress, got %q", res.Task.Status)
	}
}

func TestPatchTask_invalidTransition(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestApp(t, nil)
	task := createTaskViaAPI(t, srv.URL, map[string]any{"title": "t"})
	resp := doJSON(t, http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, map[string]any{"status": models.StatusCompleted}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("pending->completed: got %d, want 400", resp.StatusCode)
	}
}

func TestPatchTask_noteOnly(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestApp(t, nil)
	task := createTaskViaAPI(t, srv.URL, map[string]any{"title": "t"})

	var res struct {
		Task models.Task `json:"task"`
	}
	resp := doJSON(t, http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, map[string]any{"note": "observed flakiness"}, &res)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if res.Task.Notes != "observed flakiness" {
		t.Fatalf("notes: got %q", res.Task.Notes)
	}
	if res.Task.Status != models.StatusPending {
		t.Fatalf("note must not change status, got %q", res.Task.Status)
	}
}

func TestCheckpointEndpoints(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestApp(t, nil)
	task := createTaskViaAPI(t, srv.URL, map[string]any{"title": "t"})
	base := srv.URL + "/api/tasks/" + task.ID + "/checkpoints"

	// empty latest
	var empty struct {
		Checkpoint *models.Checkpoint `json:"checkpoint"`
	}
	resp := doJSON(t, http.MethodGet, base+"/latest", nil, &empty)
	if resp.StatusCode != http.StatusOK || empty.Checkpoint != nil {
		t.Fatalf("empty latest: status %d, cp %+v", resp.StatusCode, empty.Checkpoint)
	}

	var first models.Checkpoint
	resp = doJSON(t, http.MethodPost, base, map[string]any{"execution_phase": "plan"}, &first)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	if first.Sequence != 1 || first.Trigger != models.TriggerManual {
		t.Fatalf("first checkpoint: got %+v", first)
	}

	var second models.Checkpoint
	doJSON(t, http.MethodPost, base, map[string]any{"trigger": models.TriggerContextExhaustion, "draft": "partial output"}, &second)
	if second.Sequence != 2 {
		t.Fatalf("second sequence: got %d", second.Sequence)
	}

	var latest struct {
		Checkpoint *models.Checkpoint `json:"checkpoint"`
	}
	doJSON(t, http.MethodGet, base+"/latest", nil, &latest)
	if latest.Checkpoint == nil || latest.Checkpoint.Sequence != 2 {
		t.Fatalf("latest: got %+v", latest.Checkpoint)
	}

	var all []models.Checkpoint
	doJSON(t, http.MethodGet, base, nil, &all)
	if len(all) != 2 {
		t.Fatalf("list: got %d, want 2", len(all))
	}

	resp = doJSON(t, http.MethodPost, base, map[string]any{"trigger": "bogus"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid trigger: got %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/missing/checkpoints", map[string]any{}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task: got %d, want 404", resp.StatusCode)
	}
}

func TestHeartbeatEndpoint(t *testing.T) {
	t.Parallel()
	_, srv, st := newTestApp(t, nil)
	task := createTaskViaAPI(t, srv.URL, map[string]any{"title": "t", "metadata": map[string]any{"stream": "auth"}})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+task.ID+"/heartbeat",
		map[string]any{"agent": "worker-1", "activity": "coding", "phase": "impl"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: status %d", resp.StatusCode)
	}
	act, err := st.LatestActivityForStream(context.Background(), "auth")
	if err != nil || act == nil || act.Agent != "worker-1" {
		t.Fatalf("activity: got %+v, err %v", act, err)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+task.ID+"/heartbeat", map[string]any{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing agent: got %d, want 400", resp.StatusCode)
	}

	noStream := createTaskViaAPI(t, srv.URL, map[string]any{"title": "ns"})
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+noStream.ID+"/heartbeat", map[string]any{"agent": "a"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("no stream: got %d, want 400", resp.StatusCode)
	}
}

func TestArchiveEndpoint(t *testing.T) {
	t.Parallel()
	_, srv, st := newTestApp(t, nil)
	task := createTaskViaAPI(t, srv.URL, map[string]any{"title": "t"})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+task.ID+"/archive", map[string]any{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive: status %d", resp.StatusCode)
	}
	got, err := st.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !got.Archived || got.ArchivedBy == nil || *got.ArchivedBy != "api" {
		t.Fatalf("archived: got %+v", got)
	}
}

func TestValidateEndpoint(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestApp(t, nil)
	parent := createTaskViaAPI(t, srv.URL, map[string]any{
		"title":    "parent",
		"metadata": map[string]any{"activation_mode": models.ModeUltrawork},
	})
	for i := 0; i < 4; i++ {
		createTaskViaAPI(t, srv.URL, map[string]any{"title": fmt.Sprintf("child %d", i), "parent_id": parent.ID})
	}

	var res struct {
		Valid    bool     `json:"valid"`
		Warnings []string `json:"warnings"`
	}
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+parent.ID+"/validate", nil, &res)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate: status %d", resp.StatusCode)
	}
	if !res.Valid {
		t.Fatal("validation is advisory, valid must be true")
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings: got %v", res.Warnings)
	}
}

func TestCreateSubtask_advisoryValidation(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestApp(t, nil)
	parent := createTaskViaAPI(t, srv.URL, map[string]any{
		"title":    "parent",
		"metadata": map[string]any{"activation_mode": models.ModeUltrawork},
	})
	var last struct {
		Task       models.Task `json:"task"`
		Validation struct {
			Valid    bool     `json:"valid"`
			Warnings []string `json:"warnings"`
		} `json:"validation"`
	}
	for i := 0; i < 4; i++ {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks",
			map[string]any{"title": fmt.Sprintf("child %d", i), "parent_id": parent.ID}, &last)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("create child %d: status %d", i, resp.StatusCode)
		}
	}
	// fourth child exceeds the ultrawork limit but still gets created
	if last.Task.ID == "" {
		t.Fatal("fourth child should be created")
	}
	if len(last.Validation.Warnings) != 1 {
		t.Fatalf("expected advisory warning, got %v", last.Validation.Warnings)
	}
}

func TestStreamEndpoints(t *testing.T) {
	t.Parallel()
	_, srv, st := newTestApp(t, nil)
	ctx := context.Background()

	task := createTaskViaAPI(t, srv.URL, map[string]any{"title": "a", "metadata": map[string]any{"stream": "auth"}})
	createTaskViaAPI(t, srv.URL, map[string]any{"title": "b", "metadata": map[string]any{"stream": "billing"}})

	var sums []models.StreamSummary
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/streams", nil, &sums)
	if resp.StatusCode != http.StatusOK || len(sums) != 2 {
		t.Fatalf("streams: status %d, got %+v", resp.StatusCode, sums)
	}

	var sum models.StreamSummary
	doJSON(t, http.MethodGet, srv.URL+"/api/streams/auth", nil, &sum)
	if sum.Stream != "auth" || sum.Total != 1 || sum.Pending != 1 {
		t.Fatalf("summary: got %+v", sum)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/streams/ghost", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown stream: got %d, want 404", resp.StatusCode)
	}

	var h models.StreamHealth
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/streams/auth/health", nil, &h)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", resp.StatusCode)
	}
	if h.Stream != "auth" || !h.Healthy {
		t.Fatalf("health: got %+v", h)
	}

	if _, err := st.CreateCheckpoint(ctx, store.NewCheckpoint{TaskID: task.ID, Trigger: models.TriggerManual}); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	var streamCp struct {
		Checkpoint *models.Checkpoint `json:"checkpoint"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/api/streams/auth/checkpoint", nil, &streamCp)
	if streamCp.Checkpoint == nil || streamCp.Checkpoint.TaskID != task.ID {
		t.Fatalf("stream checkpoint: got %+v", streamCp.Checkpoint)
	}
}

func TestWorktreeEndpoints_noGitManager(t *testing.T) {
	t.Parallel()
	// Worktrees injected as a fake, so App.Git is nil and the endpoints 503.
	_, srv, _ := newTestApp(t, nil)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/worktrees", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("list: got %d, want 503", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/worktrees/t1", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("cleanup: got %d, want 503", resp.StatusCode)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	app, err := NewApp(ServerOptions{
		APIKey:    "secret",
		Store:     st,
		Worktrees: &scriptedWorktrees{},
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	srv := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		srv.Close()
		_ = st.Close()
	})

	// health bypasses the key check
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health: got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/tasks")
	if err != nil {
		t.Fatalf("GET /api/tasks: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: got %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/tasks", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with key: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with key: got %d", resp.StatusCode)
	}

	// query param fallback
	resp, err = http.Get(srv.URL + "/api/tasks?api_key=secret")
	if err != nil {
		t.Fatalf("GET with query key: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query key: got %d", resp.StatusCode)
	}
}

func TestPlainMetricsFallback(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestApp(t, nil)
	createTaskViaAPI(t, srv.URL, map[string]any{"title": "t"})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	if !bytes.Contains(buf.Bytes(), []byte(`taskcopilot_tasks_total{status="pending"} 1`)) {
		t.Fatalf("metrics body: %s", buf.String())
	}
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestApp(t, nil)

	big := bytes.Repeat([]byte("a"), models.DefaultMaxRequestBodyBytes+1)
	body, _ := json.Marshal(map[string]string{"title": string(big)})
	resp, err := http.Post(srv.URL+"/api/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("oversized body must be rejected")
	}
}
