// Package git gives each isolated task its own branch and working directory so
// concurrent agents never share a checkout. All operations shell out to the
// git binary and return typed results; expected business outcomes (conflict,
// already up to date, partial cleanup) are data, not errors.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrGitUnavailable means the git binary was not found on PATH.
var ErrGitUnavailable = fmt.Errorf("git binary not found on PATH: install git and retry")

// NotRepositoryError means the project root is not under git control.
type NotRepositoryError struct {
	Path string
}

func (e *NotRepositoryError) Error() string {
	return fmt.Sprintf("%s is not a git repository: run 'git init' in the project root or point the engine at an existing repository", e.Path)
}

// DriftError means task metadata claims a worktree that git does not know
// about, or the path holds something that is not a worktree. The manager
// never silently recreates over existing state.
type DriftError struct {
	TaskID string
	Path   string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("task %s: worktree metadata points at %s but no matching git worktree exists: remove the directory or clear the task's worktree metadata", e.TaskID, e.Path)
}

// CreateResult describes a created (or found) task worktree.
type CreateResult struct {
	Path    string
	Branch  string
	Created bool // false when the worktree already existed (idempotent skip)
}

// MergeResult is the outcome of merging a task branch into the main branch.
// Conflict is an expected outcome; the worktree and branch are left intact.
type MergeResult struct {
	Success  bool
	Conflict bool
	Message  string
}

// CleanupResult reports worktree and branch removal independently; a worktree
// can be removed while branch deletion fails on unmerged changes.
type CleanupResult struct {
	WorktreeRemoved bool
	BranchDeleted   bool
	Message         string
}

// Manager orchestrates task worktrees under one repository root.
type Manager struct {
	// ProjectRoot is the main repository checkout.
	ProjectRoot string
	// WorktreeRoot is where task worktrees live; defaults to
	// <ProjectRoot>/.worktrees. Worktrees rooted elsewhere (e.g. the
	// stream-level trees under .claude/worktrees) are never touched.
	WorktreeRoot string
	// MainBranch is the merge target; defaults to "main" with a "master"
	// fallback when "main" does not exist.
	MainBranch string
}

// NewManager returns a Manager for projectRoot with default worktree root.
func NewManager(projectRoot string) *Manager {
	return &Manager{
		ProjectRoot:  projectRoot,
		WorktreeRoot: filepath.Join(projectRoot, ".worktrees"),
	}
}

// BranchName returns the branch for a task: task/<lowercased task id>.
func BranchName(taskID string) string {
	return "task/" + strings.ToLower(taskID)
}

// WorktreePath returns the worktree directory for a task under root.
func (m *Manager) WorktreePath(taskID string) string {
	return filepath.Join(m.worktreeRoot(), taskID)
}

func (m *Manager) worktreeRoot() string {
	if m.WorktreeRoot != "" {
		return m.WorktreeRoot
	}
	return filepath.Join(m.ProjectRoot, ".worktrees")
}

// CreateTaskWorktree creates a branch and worktree for the task. Idempotent:
// if the worktree directory already exists and git knows it, the existing
// binding is returned with Created=false. A directory that exists but is not
// a registered worktree reports drift instead of being recreated.
func (m *Manager) CreateTaskWorktree(ctx context.Context, taskID string) (CreateResult, error) {
	if taskID == "" {
		return CreateResult{}, fmt.Errorf("task id required")
	}
	if err := m.check(ctx); err != nil {
		return CreateResult{}, err
	}
	branch := BranchName(taskID)
	path := m.WorktreePath(taskID)

	if _, err := os.Stat(path); err == nil {
		known, err := m.isRegisteredWorktree(ctx, path)
		if err != nil {
			return CreateResult{}, err
		}
		if !known {
			return CreateResult{}, &DriftError{TaskID: taskID, Path: path}
		}
		return CreateResult{Path: path, Branch: branch, Created: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return CreateResult{}, fmt.Errorf("task %s: create worktree root: %w", taskID, err)
	}

	// -b fails if the branch already exists (e.g. after a crashed cleanup);
	// retry attaching the worktree to the existing branch.
	if out, err := m.run(ctx, m.ProjectRoot, "worktree", "add", "-b", branch, path); err != nil {
		if !strings.Contains(out, "already exists") {
			return CreateResult{}, fmt.Errorf("task %s: git worktree add: %w: %s", taskID, err, out)
		}
		if out2, err2 := m.run(ctx, m.ProjectRoot, "worktree", "add", path, branch); err2 != nil {
			return CreateResult{}, fmt.Errorf("task %s: git worktree add %s: %w: %s", taskID, branch, err2, out2)
		}
	}
	return CreateResult{Path: path, Branch: branch, Created: true}, nil
}

// MergeTaskWorktree merges the task branch into the main branch in the main
// checkout. Conflicts abort the in-flight merge so the main checkout stays
// clean, and the worktree and branch are left for manual resolution.
func (m *Manager) MergeTaskWorktree(ctx context.Context, taskID string) (MergeResult, error) {
	if err := m.check(ctx); err != nil {
		return MergeResult{}, err
	}
	branch := BranchName(taskID)
	main, err := m.mainBranch(ctx)
	if err != nil {
		return MergeResult{}, err
	}
	if out, err := m.run(ctx, m.ProjectRoot, "checkout", main); err != nil {
		return MergeResult{}, fmt.Errorf("task %s: git checkout %s: %w: %s", taskID, main, err, out)
	}
	out, err := m.run(ctx, m.ProjectRoot, "merge", "--no-ff", branch)
	if err == nil {
		msg := strings.TrimSpace(out)
		if strings.Contains(out, "Already up to date") {
			msg = fmt.Sprintf("branch %s already up to date with %s", branch, main)
		}
		return MergeResult{Success: true, Message: msg}, nil
	}
	if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
		abortOut, abortErr := m.run(ctx, m.ProjectRoot, "merge", "--abort")
		msg := fmt.Sprintf("merge conflict merging %s into %s: %s", branch, main, conflictSummary(out))
		if abortErr != nil {
			msg += fmt.Sprintf(" (merge --abort also failed: %s)", strings.TrimSpace(abortOut))
		}
		return MergeResult{Conflict: true, Message: msg}, nil
	}
	return MergeResult{}, fmt.Errorf("task %s: git merge %s: %w: %s", taskID, branch, err, out)
}

// CleanupTaskWorktree removes the task worktree and deletes its branch.
// Partial success is reported, not fatal: the two removals are independent
// and force escalates branch deletion (-d to -D) for unmerged changes.
func (m *Manager) CleanupTaskWorktree(ctx context.Context, taskID string, force bool) (CleanupResult, error) {
	if err := m.check(ctx); err != nil {
		return CleanupResult{}, err
	}
	branch := BranchName(taskID)
	path := m.WorktreePath(taskID)
	var res CleanupResult
	var msgs []string

	args := []string{"worktree", "remove", path}
	if force {
		args = []string{"worktree", "remove", "--force", path}
	}
	if out, err := m.run(ctx, m.ProjectRoot, args...); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			// Already gone; prune the stale registration.
			_, _ = m.run(ctx, m.ProjectRoot, "worktree", "prune")
			res.WorktreeRemoved = true
		} else {
			msgs = append(msgs, fmt.Sprintf("worktree %s not removed: %s", path, strings.TrimSpace(out)))
		}
	} else {
		res.WorktreeRemoved = true
	}

	deleteFlag := "-d"
	if force {
		deleteFlag = "-D"
	}
	if out, err := m.run(ctx, m.ProjectRoot, "branch", deleteFlag, branch); err != nil {
		if strings.Contains(out, "not found") {
			res.BranchDeleted = true
		} else {
			msgs = append(msgs, fmt.Sprintf("branch %s not deleted: %s (retry with force to discard unmerged changes)", branch, strings.TrimSpace(out)))
		}
	} else {
		res.BranchDeleted = true
	}

	res.Message = strings.Join(msgs, "; ")
	return res, nil
}

// ListTaskWorktrees enumerates worktrees under the task worktree root only.
// Trees rooted elsewhere (the main checkout, stream-level worktrees) are
// excluded by path prefix.
func (m *Manager) ListTaskWorktrees(ctx context.Context) ([]Worktree, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out, err := m.run(ctx, m.ProjectRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git worktree list: %w: %s", err, out)
	}
	return filterWorktrees(parseWorktreeList(out), m.worktreeRoot()), nil
}

// Worktree is one entry from git worktree list.
type Worktree struct {
	Path   string
	Branch string
}

// TaskID derives the owning task from the worktree path (the leaf directory).
func (w Worktree) TaskID() string {
	return filepath.Base(w.Path)
}

// parseWorktreeList parses `git worktree list --porcelain` output.
func parseWorktreeList(out string) []Worktree {
	var entries []Worktree
	var cur *Worktree
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				entries = append(entries, *cur)
			}
			cur = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "" && cur != nil:
			entries = append(entries, *cur)
			cur = nil
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	return entries
}

// filterWorktrees keeps entries strictly under root.
func filterWorktrees(entries []Worktree, root string) []Worktree {
	prefix := filepath.Clean(root) + string(filepath.Separator)
	var out []Worktree
	for _, e := range entries {
		if strings.HasPrefix(filepath.Clean(e.Path)+string(filepath.Separator), prefix) {
			out = append(out, e)
		}
	}
	return out
}

// check verifies the git binary exists and ProjectRoot is a repository.
func (m *Manager) check(ctx context.Context) error {
	if _, err := exec.LookPath("git"); err != nil {
		return ErrGitUnavailable
	}
	if m.ProjectRoot == "" {
		return &NotRepositoryError{Path: "(empty project root)"}
	}
	if out, err := m.run(ctx, m.ProjectRoot, "rev-parse", "--is-inside-work-tree"); err != nil || strings.TrimSpace(out) != "true" {
		return &NotRepositoryError{Path: m.ProjectRoot}
	}
	return nil
}

func (m *Manager) isRegisteredWorktree(ctx context.Context, path string) (bool, error) {
	out, err := m.run(ctx, m.ProjectRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git worktree list: %w: %s", err, out)
	}
	clean := filepath.Clean(path)
	for _, e := range parseWorktreeList(out) {
		if filepath.Clean(e.Path) == clean {
			return true, nil
		}
	}
	return false, nil
}

// mainBranch resolves the merge target: explicit MainBranch, else main, else master.
func (m *Manager) mainBranch(ctx context.Context) (string, error) {
	if m.MainBranch != "" {
		return m.MainBranch, nil
	}
	if _, err := m.run(ctx, m.ProjectRoot, "rev-parse", "--verify", "refs/heads/main"); err == nil {
		return "main", nil
	}
	if _, err := m.run(ctx, m.ProjectRoot, "rev-parse", "--verify", "refs/heads/master"); err == nil {
		return "master", nil
	}
	return "", fmt.Errorf("no main or master branch in %s: set main_branch in config", m.ProjectRoot)
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// conflictSummary extracts the conflicting paths from merge output.
func conflictSummary(out string) string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if idx := strings.Index(line, "Merge conflict in "); idx >= 0 {
			files = append(files, strings.TrimSpace(line[idx+len("Merge conflict in "):]))
		}
	}
	if len(files) == 0 {
		return "resolve conflicts in the task worktree, commit, and retry completion"
	}
	return "conflicts in " + strings.Join(files, ", ") + "; resolve in the task worktree, commit, and retry completion"
}
