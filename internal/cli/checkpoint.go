package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskcopilot/taskcopilot/internal/store"
	"github.com/taskcopilot/taskcopilot/pkg/models"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage task checkpoints",
	}
	cmd.AddCommand(newCheckpointCreateCmd())
	cmd.AddCommand(newCheckpointLatestCmd())
	cmd.AddCommand(newCheckpointListCmd())
	return cmd
}

func newCheckpointCreateCmd() *cobra.Command {
	var (
		taskID     string
		trigger    string
		phase      string
		step       string
		draft      string
		ttlSeconds int64
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a checkpoint for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--task is required")
			}
			if !models.ValidTrigger(trigger) {
				return fmt.Errorf("invalid trigger %q", trigger)
			}
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			in := store.NewCheckpoint{
				TaskID:  taskID,
				Trigger: trigger,
				TTL:     time.Duration(ttlSeconds) * time.Second,
			}
			if phase != "" {
				in.ExecutionPhase = &phase
			}
			if step != "" {
				in.ExecutionStep = &step
			}
			if draft != "" {
				in.Draft = &draft
			}
			cp, err := st.CreateCheckpoint(cmd.Context(), in)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint %d recorded for task %s\n", cp.Sequence, taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Task ID")
	cmd.Flags().StringVar(&trigger, "trigger", models.TriggerManual, "Trigger (manual, automatic, context_exhaustion, error)")
	cmd.Flags().StringVar(&phase, "phase", "", "Execution phase")
	cmd.Flags().StringVar(&step, "step", "", "Execution step")
	cmd.Flags().StringVar(&draft, "draft", "", "In-flight draft content")
	cmd.Flags().Int64Var(&ttlSeconds, "ttl", 0, "TTL in seconds (0 = no expiry)")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newCheckpointLatestCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Show the latest live checkpoint for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--task is required")
			}
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			cp, err := st.LatestCheckpoint(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			if cp == nil {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No live checkpoint")
				return nil
			}
			printCheckpoint(cmd, cp)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Task ID")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newCheckpointListCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a task's checkpoints in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--task is required")
			}
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			cps, err := st.ListCheckpoints(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			for _, cp := range cps {
				line := fmt.Sprintf("#%d  %-18s  %s", cp.Sequence, cp.Trigger, cp.CreatedAt.Format(time.RFC3339))
				if cp.ExecutionPhase != nil {
					line += "  " + *cp.ExecutionPhase
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Task ID")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func printCheckpoint(cmd *cobra.Command, cp *store.Checkpoint) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Sequence: %d\n", cp.Sequence)
	_, _ = fmt.Fprintf(out, "Trigger:  %s\n", cp.Trigger)
	_, _ = fmt.Fprintf(out, "Created:  %s\n", cp.CreatedAt.Format(time.RFC3339))
	if cp.ExecutionPhase != nil {
		_, _ = fmt.Fprintf(out, "Phase:    %s\n", *cp.ExecutionPhase)
	}
	if cp.ExecutionStep != nil {
		_, _ = fmt.Fprintf(out, "Step:     %s\n", *cp.ExecutionStep)
	}
	if cp.ExpiresAt != nil {
		_, _ = fmt.Fprintf(out, "Expires:  %s\n", cp.ExpiresAt.Format(time.RFC3339))
	}
	if cp.Draft != nil {
		_, _ = fmt.Fprintf(out, "Draft:\n%s\n", indent(*cp.Draft))
	}
}
