package cli

import (
	"context"
	"path/filepath"

	"github.com/taskcopilot/taskcopilot/internal/config"
	"github.com/taskcopilot/taskcopilot/internal/git"
	"github.com/taskcopilot/taskcopilot/internal/lifecycle"
	"github.com/taskcopilot/taskcopilot/internal/store"
	"github.com/taskcopilot/taskcopilot/internal/store/postgres"
)

// newWorktreeManager builds a git manager honoring the configured project
// root, main branch, and worktree root.
func newWorktreeManager(cfg *config.Config) *git.Manager {
	mgr := git.NewManager(cfg.ProjectRoot)
	mgr.MainBranch = cfg.MainBranch
	if cfg.WorktreeRoot != "" {
		mgr.WorktreeRoot = filepath.Join(cfg.ProjectRoot, cfg.WorktreeRoot)
	}
	return mgr
}

// openStore opens the configured backend for the home resolved in ctx.
func openStore(ctx context.Context) (store.Store, *config.Config, error) {
	home := config.MustHomeFrom(ctx)
	cfg, err := config.Load(home)
	if err != nil {
		return nil, nil, err
	}
	var st store.Store
	if cfg.Store == "postgres" {
		st, err = postgres.Open(cfg.PostgresDSN)
	} else {
		st, err = store.Open(home)
	}
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

// openService builds the lifecycle service for CLI commands: store plus a
// worktree manager rooted at the configured project.
func openService(ctx context.Context) (*lifecycle.Service, store.Store, error) {
	st, cfg, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &lifecycle.Service{Store: st, Worktrees: newWorktreeManager(cfg)}, st, nil
}
