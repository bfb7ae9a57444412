package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskcopilot/taskcopilot/internal/config"
)

func newWorktreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Manage task worktrees",
	}
	cmd.AddCommand(newWorktreeListCmd())
	cmd.AddCommand(newWorktreeCleanupCmd())
	return cmd
}

func newWorktreeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List managed task worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			mgr := newWorktreeManager(cfg)

			wts, err := mgr.ListTaskWorktrees(cmd.Context())
			if err != nil {
				return err
			}
			if len(wts) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No task worktrees")
				return nil
			}
			for _, wt := range wts {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-20s  %-28s  %s\n", wt.TaskID(), wt.Branch, wt.Path)
			}
			return nil
		},
	}
	return cmd
}

func newWorktreeCleanupCmd() *cobra.Command {
	var (
		taskID string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove a task's worktree and delete its branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--task is required")
			}
			st, cfg, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			mgr := newWorktreeManager(cfg)

			res, err := mgr.CleanupTaskWorktree(cmd.Context(), taskID, force)
			if err != nil {
				return err
			}
			if res.WorktreeRemoved {
				if err := st.ClearTaskWorktree(cmd.Context(), taskID); err != nil {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "warning: worktree removed but metadata not cleared: %v\n", err)
				}
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Task ID")
	cmd.Flags().BoolVar(&force, "force", false, "Force branch deletion even if unmerged")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}
