package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskcopilot/taskcopilot/internal/store"
	"github.com/taskcopilot/taskcopilot/pkg/models"
)

const taskColumns = `task_id, parent_id, prd_id, title, description, agent, status, blocked_reason, notes,
stream_id, activation_mode, isolated_worktree, worktree_path, branch_name, auto_commit, modified_files,
archived, archived_at, archived_by, created_at, updated_at`

const checkpointColumns = `checkpoint_id, task_id, sequence, trigger_kind, execution_phase, execution_step, draft, expires_at, expired, created_at`

func (s *Store) CreateTask(ctx context.Context, in store.NewTask) (store.Task, error) {
	if in.Title == "" {
		return store.Task{}, errors.New("task title required")
	}
	if in.Status == "" {
		in.Status = models.StatusPending
	}
	if !models.ValidStatus(in.Status) {
		return store.Task{}, fmt.Errorf("invalid task status %q", in.Status)
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	files, err := json.Marshal(in.Metadata.ModifiedFiles)
	if err != nil {
		return store.Task{}, err
	}
	now := time.Now().UTC().Unix()
	_, err = s.Pool.Exec(ctx, `INSERT INTO tasks(
task_id, parent_id, prd_id, title, description, agent, status, blocked_reason, notes,
stream_id, activation_mode, isolated_worktree, worktree_path, branch_name, auto_commit, modified_files,
archived, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7, NULL, '', $8, $9, $10, $11, $12, $13, $14, FALSE, $15, $16)`,
		id, in.ParentID, in.PrdID, in.Title, in.Description, in.Agent, in.Status,
		nilIfEmpty(in.Metadata.Stream), nilIfEmpty(in.Metadata.ActivationMode),
		in.Metadata.IsolatedWorktree, in.Metadata.WorktreePath, in.Metadata.BranchName,
		in.Metadata.AutoCommit, string(files), now, now)
	if err != nil {
		return store.Task{}, err
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return store.Task{}, err
	}
	return *t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id)
	t, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]store.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.IncludeArchived {
		q += ` AND archived = FALSE`
	}
	if f.Status != "" {
		q += ` AND status = ` + arg(f.Status)
	}
	if f.Agent != "" {
		q += ` AND agent = ` + arg(f.Agent)
	}
	if f.Stream != "" {
		q += ` AND stream_id = ` + arg(f.Stream)
	}
	if f.PrdID != "" {
		q += ` AND prd_id = ` + arg(f.PrdID)
	}
	if f.ParentID != "" {
		q += ` AND parent_id = ` + arg(f.ParentID)
	}
	q += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string, blockedReason *string) error {
	if !models.ValidStatus(status) {
		return fmt.Errorf("invalid task status %q", status)
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET status=$1, blocked_reason=$2, updated_at=$3 WHERE task_id=$4`,
		status, blockedReason, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	return requireOneRow(tag.RowsAffected(), id)
}

func (s *Store) SetTaskAgent(ctx context.Context, id, agent string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET agent=$1, updated_at=$2 WHERE task_id=$3`,
		nilIfEmpty(agent), time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	return requireOneRow(tag.RowsAffected(), id)
}

func (s *Store) AppendTaskNote(ctx context.Context, id, note string) error {
	if note == "" {
		return errors.New("note required")
	}
	tag, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET notes = CASE WHEN notes = '' THEN $1 ELSE notes || chr(10) || $1 END, updated_at=$2 WHERE task_id=$3`,
		note, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	return requireOneRow(tag.RowsAffected(), id)
}

func (s *Store) UpdateTaskWorktree(ctx context.Context, id string, worktreePath, branchName *string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET worktree_path=$1, branch_name=$2, updated_at=$3 WHERE task_id=$4`,
		worktreePath, branchName, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	return requireOneRow(tag.RowsAffected(), id)
}

func (s *Store) ClearTaskWorktree(ctx context.Context, id string) error {
	return s.UpdateTaskWorktree(ctx, id, nil, nil)
}

func (s *Store) SetTaskModifiedFiles(ctx context.Context, id string, files []string) error {
	b, err := json.Marshal(files)
	if err != nil {
		return err
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET modified_files=$1, updated_at=$2 WHERE task_id=$3`,
		string(b), time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	return requireOneRow(tag.RowsAffected(), id)
}

func (s *Store) ArchiveTask(ctx context.Context, id, initiative string) error {
	now := time.Now().UTC().Unix()
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET archived=TRUE, archived_at=$1, archived_by=$2, updated_at=$3 WHERE task_id=$4`,
		now, nilIfEmpty(initiative), now, id)
	if err != nil {
		return err
	}
	return requireOneRow(tag.RowsAffected(), id)
}

func (s *Store) CountDirectSubtasks(ctx context.Context, id string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE parent_id = $1 AND archived = FALSE`, id).Scan(&n)
	return n, err
}

func (s *Store) CreateCheckpoint(ctx context.Context, in store.NewCheckpoint) (store.Checkpoint, error) {
	if !models.ValidTrigger(in.Trigger) {
		return store.Checkpoint{}, fmt.Errorf("invalid checkpoint trigger %q", in.Trigger)
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return store.Checkpoint{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE task_id = $1`, in.TaskID).Scan(&exists); err != nil {
		return store.Checkpoint{}, err
	}
	if exists == 0 {
		return store.Checkpoint{}, fmt.Errorf("cannot checkpoint task %s: %w", in.TaskID, store.ErrNotFound)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	var expiresAt *int64
	if in.TTL != 0 {
		v := now.Add(in.TTL).UnixNano()
		expiresAt = &v
	}
	if _, err := tx.Exec(ctx, `INSERT INTO checkpoints(
checkpoint_id, task_id, sequence, trigger_kind, execution_phase, execution_step, draft, expires_at, expired, created_at)
SELECT $1, $2, COALESCE(MAX(sequence), 0) + 1, $3, $4, $5, $6, $7, FALSE, $8 FROM checkpoints WHERE task_id = $2`,
		id, in.TaskID, in.Trigger, in.ExecutionPhase, in.ExecutionStep, in.Draft, expiresAt, now.UnixNano()); err != nil {
		return store.Checkpoint{}, err
	}

	row := tx.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE checkpoint_id = $1`, id)
	cp, err := scanCheckpointRow(row)
	if err != nil {
		return store.Checkpoint{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Checkpoint{}, err
	}
	return *cp, nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*store.Checkpoint, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM checkpoints
WHERE task_id = $1 AND expired = FALSE AND (expires_at IS NULL OR expires_at > $2)
ORDER BY sequence DESC LIMIT 1`, taskID, time.Now().UTC().UnixNano())
	cp, err := scanCheckpointRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cp, nil
}

func (s *Store) LatestCheckpointForStream(ctx context.Context, stream string) (*store.Checkpoint, error) {
	row := s.Pool.QueryRow(ctx, `SELECT c.checkpoint_id, c.task_id, c.sequence, c.trigger_kind, c.execution_phase, c.execution_step, c.draft, c.expires_at, c.expired, c.created_at
FROM checkpoints c
JOIN tasks t ON t.task_id = c.task_id
WHERE t.stream_id = $1 AND c.expired = FALSE AND (c.expires_at IS NULL OR c.expires_at > $2)
ORDER BY c.created_at DESC LIMIT 1`, stream, time.Now().UTC().UnixNano())
	cp, err := scanCheckpointRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, taskID string) ([]store.Checkpoint, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = $1 ORDER BY sequence ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpointRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

func (s *Store) MarkExpiredCheckpoints(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE checkpoints SET expired=TRUE WHERE expired=FALSE AND expires_at IS NOT NULL AND expires_at <= $1`, now.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) RecordActivity(ctx context.Context, a store.Activity) error {
	if a.Stream == "" || a.Agent == "" {
		return errors.New("activity stream and agent required")
	}
	now := time.Now().UTC()
	started := a.StartedAt
	if started.IsZero() {
		started = now
	}
	heartbeat := a.LastHeartbeat
	if heartbeat.IsZero() {
		heartbeat = now
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO agent_activity(stream_id, agent_id, task_id, activity, phase, started_at, last_heartbeat)
VALUES($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (stream_id, agent_id) DO UPDATE SET
task_id=excluded.task_id, activity=excluded.activity, phase=excluded.phase, last_heartbeat=excluded.last_heartbeat`,
		a.Stream, a.Agent, a.TaskID, a.Activity, a.Phase, started.Unix(), heartbeat.Unix())
	return err
}

func (s *Store) LatestActivityForStream(ctx context.Context, stream string) (*store.AgentActivity, error) {
	row := s.Pool.QueryRow(ctx, `SELECT stream_id, agent_id, task_id, activity, phase, started_at, last_heartbeat
FROM agent_activity WHERE stream_id = $1 ORDER BY last_heartbeat DESC LIMIT 1`, stream)
	var (
		a                  store.AgentActivity
		started, heartbeat int64
	)
	err := row.Scan(&a.Stream, &a.Agent, &a.TaskID, &a.Activity, &a.Phase, &started, &heartbeat)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.StartedAt = time.Unix(started, 0).UTC()
	a.LastHeartbeat = time.Unix(heartbeat, 0).UTC()
	return &a, nil
}

func (s *Store) ClearActivityForTask(ctx context.Context, taskID string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM agent_activity WHERE task_id = $1`, taskID)
	return err
}

func (s *Store) ListStreams(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT DISTINCT stream_id FROM tasks WHERE stream_id IS NOT NULL AND archived = FALSE ORDER BY stream_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanTaskRow(row pgx.Row) (*store.Task, error) {
	var (
		t              store.Task
		parentID       *string
		prdID          *string
		agent          *string
		blockedReason  *string
		stream         *string
		activationMode *string
		worktreePath   *string
		branchName     *string
		modifiedFiles  string
		archivedAt     *int64
		archivedBy     *string
		createdAt      int64
		updatedAt      int64
	)
	err := row.Scan(&t.ID, &parentID, &prdID, &t.Title, &t.Description, &agent, &t.Status, &blockedReason, &t.Notes,
		&stream, &activationMode, &t.Metadata.IsolatedWorktree, &worktreePath, &branchName, &t.Metadata.AutoCommit, &modifiedFiles,
		&t.Archived, &archivedAt, &archivedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.ParentID = parentID
	t.PrdID = prdID
	t.Agent = agent
	t.BlockedReason = blockedReason
	if stream != nil {
		t.Metadata.Stream = *stream
	}
	if activationMode != nil {
		t.Metadata.ActivationMode = *activationMode
	}
	t.Metadata.WorktreePath = worktreePath
	t.Metadata.BranchName = branchName
	if modifiedFiles != "" {
		if err := json.Unmarshal([]byte(modifiedFiles), &t.Metadata.ModifiedFiles); err != nil {
			return nil, fmt.Errorf("task %s: bad modified_files: %w", t.ID, err)
		}
	}
	if archivedAt != nil {
		v := time.Unix(*archivedAt, 0).UTC()
		t.ArchivedAt = &v
	}
	t.ArchivedBy = archivedBy
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func scanCheckpointRow(row pgx.Row) (*store.Checkpoint, error) {
	var (
		cp        store.Checkpoint
		expiresAt *int64
		createdAt int64
	)
	err := row.Scan(&cp.ID, &cp.TaskID, &cp.Sequence, &cp.Trigger, &cp.ExecutionPhase, &cp.ExecutionStep, &cp.Draft, &expiresAt, &cp.Expired, &createdAt)
	if err != nil {
		return nil, err
	}
	if expiresAt != nil {
		v := time.Unix(0, *expiresAt).UTC()
		cp.ExpiresAt = &v
	}
	cp.CreatedAt = time.Unix(0, createdAt).UTC()
	return &cp, nil
}

func requireOneRow(n int64, taskID string) error {
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
