package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskcopilot/taskcopilot/internal/lifecycle"
	"github.com/taskcopilot/taskcopilot/internal/store"
	"github.com/taskcopilot/taskcopilot/internal/validate"
	"github.com/taskcopilot/taskcopilot/pkg/models"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(newTaskAddCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskStartCmd())
	cmd.AddCommand(newTaskBlockCmd())
	cmd.AddCommand(newTaskUnblockCmd())
	cmd.AddCommand(newTaskCompleteCmd())
	cmd.AddCommand(newTaskNoteCmd())
	cmd.AddCommand(newTaskArchiveCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var (
		title       string
		description string
		stream      string
		mode        string
		parentID    string
		prdID       string
		agent       string
		isolated    bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title is required")
			}
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			in := store.NewTask{
				Title:       title,
				Description: description,
				Metadata: store.TaskMetadata{
					Stream:           stream,
					ActivationMode:   mode,
					IsolatedWorktree: isolated,
				},
			}
			if parentID != "" {
				in.ParentID = &parentID
			}
			if prdID != "" {
				in.PrdID = &prdID
			}
			if agent != "" {
				in.Agent = &agent
			}
			task, err := st.CreateTask(cmd.Context(), in)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task %s\n", task.ID)

			if parentID != "" {
				parent, err := st.GetTask(cmd.Context(), parentID)
				if err == nil {
					n, err := st.CountDirectSubtasks(cmd.Context(), parent.ID)
					if err == nil {
						for _, warning := range validate.ActivationMode(parent.Metadata.ActivationMode, n).Warnings {
							_, _ = fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", warning)
						}
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Task title")
	cmd.Flags().StringVar(&description, "description", "", "Task description")
	cmd.Flags().StringVar(&stream, "stream", "", "Stream the task belongs to")
	cmd.Flags().StringVar(&mode, "mode", "", "Activation mode (analyze, quick, thorough, ultrawork)")
	cmd.Flags().StringVar(&parentID, "parent", "", "Parent task ID")
	cmd.Flags().StringVar(&prdID, "prd", "", "Requirement (PRD) ID")
	cmd.Flags().StringVar(&agent, "agent", "", "Assigned agent")
	cmd.Flags().BoolVar(&isolated, "isolated", false, "Give the task its own git worktree on start")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		status   string
		agent    string
		stream   string
		prdID    string
		archived bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks (archived excluded by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tasks, err := st.ListTasks(cmd.Context(), store.TaskFilter{
				Status:          status,
				Agent:           agent,
				Stream:          stream,
				PrdID:           prdID,
				IncludeArchived: archived,
			})
			if err != nil {
				return err
			}
			for _, t := range tasks {
				line := fmt.Sprintf("%s  %-12s  %s", t.ID, t.Status, t.Title)
				if t.Metadata.Stream != "" {
					line += "  [" + t.Metadata.Stream + "]"
				}
				if t.Archived {
					line += "  (archived)"
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, in_progress, blocked, completed)")
	cmd.Flags().StringVar(&agent, "agent", "", "Filter by agent")
	cmd.Flags().StringVar(&stream, "stream", "", "Filter by stream")
	cmd.Flags().StringVar(&prdID, "prd", "", "Filter by requirement ID")
	cmd.Flags().BoolVar(&archived, "archived", false, "Include archived tasks")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			t, err := st.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "ID:      %s\n", t.ID)
			_, _ = fmt.Fprintf(out, "Title:   %s\n", t.Title)
			_, _ = fmt.Fprintf(out, "Status:  %s\n", t.Status)
			if t.BlockedReason != nil {
				_, _ = fmt.Fprintf(out, "Blocked: %s\n", *t.BlockedReason)
			}
			if t.Agent != nil {
				_, _ = fmt.Fprintf(out, "Agent:   %s\n", *t.Agent)
			}
			if t.Metadata.Stream != "" {
				_, _ = fmt.Fprintf(out, "Stream:  %s\n", t.Metadata.Stream)
			}
			if t.Metadata.ActivationMode != "" {
				_, _ = fmt.Fprintf(out, "Mode:    %s\n", t.Metadata.ActivationMode)
			}
			if t.Metadata.WorktreePath != nil {
				_, _ = fmt.Fprintf(out, "Worktree: %s (branch %s)\n", *t.Metadata.WorktreePath, strVal(t.Metadata.BranchName))
			}
			if t.Notes != "" {
				_, _ = fmt.Fprintf(out, "Notes:\n%s\n", indent(t.Notes))
			}
			return nil
		},
	}
	return cmd
}

func newTaskStartCmd() *cobra.Command {
	var agent string

	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Move a task to in_progress (creates worktree for isolated tasks)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			res, err := svc.Transition(cmd.Context(), args[0], models.StatusInProgress, lifecycle.TransitionOptions{Agent: agent})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s in progress\n", res.Task.ID)
			if res.Task.Metadata.WorktreePath != nil {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Worktree: %s\n", *res.Task.Metadata.WorktreePath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent taking the task")
	return cmd
}

func newTaskBlockCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "block <task-id>",
		Short: "Block a task (requires a reason)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason is required")
			}
			svc, st, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if _, err := svc.Transition(cmd.Context(), args[0], models.StatusBlocked, lifecycle.TransitionOptions{BlockedReason: reason}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s blocked: %s\n", args[0], reason)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the task is blocked")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newTaskUnblockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unblock <task-id>",
		Short: "Return a blocked task to in_progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if _, err := svc.Transition(cmd.Context(), args[0], models.StatusInProgress, lifecycle.TransitionOptions{}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s unblocked\n", args[0])
			return nil
		},
	}
	return cmd
}

func newTaskCompleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a task (merges and cleans up its worktree)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			res, err := svc.Transition(cmd.Context(), args[0], models.StatusCompleted, lifecycle.TransitionOptions{ForceCleanup: force})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.MergeConflict {
				_, _ = fmt.Fprintf(out, "Merge conflict, task stays in progress: %s\n", res.MergeMessage)
				_, _ = fmt.Fprintln(out, "Resolve manually in the worktree, then complete again.")
				return nil
			}
			_, _ = fmt.Fprintf(out, "Task %s completed\n", res.Task.ID)
			if res.CleanupWarning != "" {
				_, _ = fmt.Fprintf(out, "warning: %s\n", res.CleanupWarning)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Force branch deletion during cleanup")
	return cmd
}

func newTaskNoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note <task-id> <text>",
		Short: "Append a note to a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			note := strings.Join(args[1:], " ")
			if err := st.AppendTaskNote(cmd.Context(), args[0], note); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Noted")
			return nil
		},
	}
	return cmd
}

func newTaskArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <task-id>",
		Short: "Archive a task (refused while a worktree is still bound)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := svc.Archive(cmd.Context(), args[0], "cli"); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Archived task %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = "  " + lines[i]
	}
	return strings.Join(lines, "\n")
}
