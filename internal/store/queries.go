package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskcopilot/taskcopilot/pkg/models"
)

func (s *sqliteStore) CreateTask(ctx context.Context, in NewTask) (Task, error) {
	if in.Title == "" {
		return Task{}, errors.New("task title required")
	}
	if in.Status == "" {
		in.Status = models.StatusPending
	}
	if !models.ValidStatus(in.Status) {
		return Task{}, fmt.Errorf("invalid task status %q", in.Status)
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	files, err := json.Marshal(in.Metadata.ModifiedFiles)
	if err != nil {
		return Task{}, err
	}
	now := time.Now().UTC().Unix()
	_, err = s.DB.ExecContext(ctx, `INSERT INTO tasks(
task_id, parent_id, prd_id, title, description, agent, status, blocked_reason, notes,
stream_id, activation_mode, isolated_worktree, worktree_path, branch_name, auto_commit, modified_files,
archived, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, NULL, '', ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id, in.ParentID, in.PrdID, in.Title, in.Description, in.Agent, in.Status,
		nullIfEmpty(in.Metadata.Stream), nullIfEmpty(in.Metadata.ActivationMode),
		boolToInt(in.Metadata.IsolatedWorktree), in.Metadata.WorktreePath, in.Metadata.BranchName,
		boolToInt(in.Metadata.AutoCommit), string(files), now, now)
	if err != nil {
		return Task{}, err
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	return *t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.stmtGetTask.QueryRowContext(ctx, id)
	t, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return t, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if !f.IncludeArchived {
		q += ` AND archived = 0`
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Agent != "" {
		q += ` AND agent = ?`
		args = append(args, f.Agent)
	}
	if f.Stream != "" {
		q += ` AND stream_id = ?`
		args = append(args, f.Stream)
	}
	if f.PrdID != "" {
		q += ` AND prd_id = ?`
		args = append(args, f.PrdID)
	}
	if f.ParentID != "" {
		q += ` AND parent_id = ?`
		args = append(args, f.ParentID)
	}
	q += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateTaskStatus(ctx context.Context, id, status string, blockedReason *string) error {
	if !models.ValidStatus(status) {
		return fmt.Errorf("invalid task status %q", status)
	}
	res, err := s.stmtUpdateTaskStatus.ExecContext(ctx, status, blockedReason, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

func (s *sqliteStore) SetTaskAgent(ctx context.Context, id, agent string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET agent=?, updated_at=? WHERE task_id=?`,
		nullIfEmpty(agent), time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

// AppendTaskNote appends note to the task's notes as a new line. Notes are an
// append-only narrative; existing content is never rewritten.
func (s *sqliteStore) AppendTaskNote(ctx context.Context, id, note string) error {
	if note == "" {
		return errors.New("note required")
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET notes = CASE WHEN notes = '' THEN ? ELSE notes || char(10) || ? END, updated_at=? WHERE task_id=?`,
		note, note, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

func (s *sqliteStore) UpdateTaskWorktree(ctx context.Context, id string, worktreePath, branchName *string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET worktree_path=?, branch_name=?, updated_at=? WHERE task_id=?`,
		worktreePath, branchName, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

func (s *sqliteStore) ClearTaskWorktree(ctx context.Context, id string) error {
	return s.UpdateTaskWorktree(ctx, id, nil, nil)
}

func (s *sqliteStore) SetTaskModifiedFiles(ctx context.Context, id string, files []string) error {
	b, err := json.Marshal(files)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET modified_files=?, updated_at=? WHERE task_id=?`,
		string(b), time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

func (s *sqliteStore) ArchiveTask(ctx context.Context, id, initiative string) error {
	now := time.Now().UTC().Unix()
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET archived=1, archived_at=?, archived_by=?, updated_at=? WHERE task_id=?`,
		now, nullIfEmpty(initiative), now, id)
	if err != nil {
		return err
	}
	return requireOneRow(res, id)
}

func (s *sqliteStore) CountDirectSubtasks(ctx context.Context, id string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE parent_id = ? AND archived = 0`, id).Scan(&n)
	return n, err
}

// CreateCheckpoint assigns sequence = 1 + max(existing sequence for the task).
// The insert-select runs in one transaction so sequences are strictly
// increasing and never reused, even under concurrent creation.
func (s *sqliteStore) CreateCheckpoint(ctx context.Context, in NewCheckpoint) (Checkpoint, error) {
	if !models.ValidTrigger(in.Trigger) {
		return Checkpoint{}, fmt.Errorf("invalid checkpoint trigger %q", in.Trigger)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Checkpoint{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE task_id = ?`, in.TaskID).Scan(&exists); err != nil {
		return Checkpoint{}, err
	}
	if exists == 0 {
		return Checkpoint{}, fmt.Errorf("cannot checkpoint task %s: %w", in.TaskID, ErrNotFound)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	var expiresAt *int64
	if in.TTL != 0 {
		v := now.Add(in.TTL).UnixNano()
		expiresAt = &v
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO checkpoints(
checkpoint_id, task_id, sequence, trigger_kind, execution_phase, execution_step, draft, expires_at, expired, created_at)
SELECT ?, ?, COALESCE(MAX(sequence), 0) + 1, ?, ?, ?, ?, ?, 0, ? FROM checkpoints WHERE task_id = ?`,
		id, in.TaskID, in.Trigger, in.ExecutionPhase, in.ExecutionStep, in.Draft, expiresAt, now.UnixNano(), in.TaskID); err != nil {
		return Checkpoint{}, err
	}

	row := tx.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE checkpoint_id = ?`, id)
	cp, err := scanCheckpointRow(row)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return Checkpoint{}, err
	}
	return *cp, nil
}

// LatestCheckpoint returns the highest-sequence non-expired checkpoint for the
// task, or nil when none qualifies (absence is not an error).
func (s *sqliteStore) LatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	row := s.stmtLatestCheckpoint.QueryRowContext(ctx, taskID, time.Now().UTC().UnixNano())
	cp, err := scanCheckpointRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cp, nil
}

// LatestCheckpointForStream returns the most recently created non-expired
// checkpoint among all tasks in the stream, independent of per-task sequences.
func (s *sqliteStore) LatestCheckpointForStream(ctx context.Context, stream string) (*Checkpoint, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT c.checkpoint_id, c.task_id, c.sequence, c.trigger_kind, c.execution_phase, c.execution_step, c.draft, c.expires_at, c.expired, c.created_at
FROM checkpoints c
JOIN tasks t ON t.task_id = c.task_id
WHERE t.stream_id = ? AND c.expired = 0 AND (c.expires_at IS NULL OR c.expires_at > ?)
ORDER BY c.created_at DESC LIMIT 1`, stream, time.Now().UTC().UnixNano())
	cp, err := scanCheckpointRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cp, nil
}

func (s *sqliteStore) ListCheckpoints(ctx context.Context, taskID string) ([]Checkpoint, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = ? ORDER BY sequence ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpointRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// MarkExpiredCheckpoints stamps checkpoints whose expires_at has passed.
// Rows stay in the ledger for audit; only resume eligibility changes.
func (s *sqliteStore) MarkExpiredCheckpoints(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE checkpoints SET expired=1 WHERE expired=0 AND expires_at IS NOT NULL AND expires_at <= ?`, now.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) RecordActivity(ctx context.Context, a Activity) error {
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
	_, err := s.stmtRecordActivity.ExecContext(ctx, a.Stream, a.Agent, a.TaskID, a.Activity, a.Phase,
		started.Unix(), heartbeat.Unix())
	return err
}

func (s *sqliteStore) LatestActivityForStream(ctx context.Context, stream string) (*AgentActivity, error) {
	row := s.stmtLatestActivity.QueryRowContext(ctx, stream)
	var (
		a                  AgentActivity
		started, heartbeat int64
	)
	err := row.Scan(&a.Stream, &a.Agent, &a.TaskID, &a.Activity, &a.Phase, &started, &heartbeat)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.StartedAt = time.Unix(started, 0).UTC()
	a.LastHeartbeat = time.Unix(heartbeat, 0).UTC()
	return &a, nil
}

func (s *sqliteStore) ClearActivityForTask(ctx context.Context, taskID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM agent_activity WHERE task_id = ?`, taskID)
	return err
}

func (s *sqliteStore) ListStreams(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT stream_id FROM tasks WHERE stream_id IS NOT NULL AND archived = 0 ORDER BY stream_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// scanTaskRow scans the current row (columns in taskColumns order).
func scanTaskRow(row interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		t                Task
		parentID         sql.NullString
		prdID            sql.NullString
		agent            sql.NullString
		blockedReason    sql.NullString
		stream           sql.NullString
		activationMode   sql.NullString
		isolatedWorktree int
		worktreePath     sql.NullString
		branchName       sql.NullString
		autoCommit       int
		modifiedFiles    string
		archived         int
		archivedAt       sql.NullInt64
		archivedBy       sql.NullString
		createdAt        int64
		updatedAt        int64
	)
	err := row.Scan(&t.ID, &parentID, &prdID, &t.Title, &t.Description, &agent, &t.Status, &blockedReason, &t.Notes,
		&stream, &activationMode, &isolatedWorktree, &worktreePath, &branchName, &autoCommit, &modifiedFiles,
		&archived, &archivedAt, &archivedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.ParentID = nullStr(parentID)
	t.PrdID = nullStr(prdID)
	t.Agent = nullStr(agent)
	t.BlockedReason = nullStr(blockedReason)
	t.Metadata.Stream = stream.String
	t.Metadata.ActivationMode = activationMode.String
	t.Metadata.IsolatedWorktree = isolatedWorktree != 0
	t.Metadata.WorktreePath = nullStr(worktreePath)
	t.Metadata.BranchName = nullStr(branchName)
	t.Metadata.AutoCommit = autoCommit != 0
	if modifiedFiles != "" {
		if err := json.Unmarshal([]byte(modifiedFiles), &t.Metadata.ModifiedFiles); err != nil {
			return nil, fmt.Errorf("task %s: bad modified_files: %w", t.ID, err)
		}
	}
	t.Archived = archived != 0
	if archivedAt.Valid {
		v := time.Unix(archivedAt.Int64, 0).UTC()
		t.ArchivedAt = &v
	}
	t.ArchivedBy = nullStr(archivedBy)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

// scanCheckpointRow scans the current row (columns in checkpointColumns order).
func scanCheckpointRow(row interface{ Scan(dest ...any) error }) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		phase     sql.NullString
		step      sql.NullString
		draft     sql.NullString
		expiresAt sql.NullInt64
		expired   int
		createdAt int64
	)
	err := row.Scan(&cp.ID, &cp.TaskID, &cp.Sequence, &cp.Trigger, &phase, &step, &draft, &expiresAt, &expired, &createdAt)
	if err != nil {
		return nil, err
	}
	cp.ExecutionPhase = nullStr(phase)
	cp.ExecutionStep = nullStr(step)
	cp.Draft = nullStr(draft)
	if expiresAt.Valid {
		v := time.Unix(0, expiresAt.Int64).UTC()
		cp.ExpiresAt = &v
	}
	cp.Expired = expired != 0
	cp.CreatedAt = time.Unix(0, createdAt).UTC()
	return &cp, nil
}

func requireOneRow(res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
