package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskcopilot/taskcopilot/internal/health"
	"github.com/taskcopilot/taskcopilot/internal/lifecycle"
	"github.com/taskcopilot/taskcopilot/pkg/models"
)

func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Inspect work streams",
	}
	cmd.AddCommand(newStreamListCmd())
	cmd.AddCommand(newStreamStatusCmd())
	cmd.AddCommand(newStreamHealthCmd())
	return cmd
}

func newStreamListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List streams with task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			svc := &lifecycle.Service{Store: st}
			summaries, err := svc.StreamSummaries(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range summaries {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-24s  %d tasks, %d%% complete\n", s.Stream, s.Total, s.Progress)
			}
			return nil
		},
	}
	return cmd
}

func newStreamStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <stream>",
		Short: "Show one stream's task breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			svc := &lifecycle.Service{Store: st}
			s, err := svc.StreamSummary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Stream:      %s\n", s.Stream)
			_, _ = fmt.Fprintf(out, "Total:       %d\n", s.Total)
			_, _ = fmt.Fprintf(out, "Pending:     %d\n", s.Pending)
			_, _ = fmt.Fprintf(out, "In progress: %d\n", s.InProgress)
			_, _ = fmt.Fprintf(out, "Blocked:     %d\n", s.Blocked)
			_, _ = fmt.Fprintf(out, "Completed:   %d\n", s.Completed)
			_, _ = fmt.Fprintf(out, "Progress:    %d%%\n", s.Progress)

			task, inProgress, err := svc.CurrentTask(cmd.Context(), args[0])
			if err == nil && task != nil {
				_, _ = fmt.Fprintf(out, "Current:     %s (%s)\n", task.ID, task.Title)
				if inProgress > 1 {
					_, _ = fmt.Fprintf(out, "warning: %d tasks in_progress on this stream\n", inProgress)
				}
			}
			return nil
		},
	}
	return cmd
}

func newStreamHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health [stream]",
		Short: "Check stream liveness (all streams when no argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			mon := health.NewMonitor(st)
			mon.CheckpointStale = cfg.CheckpointStale()
			mon.ActivityStale = cfg.ActivityStale()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				h, err := mon.Check(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printStreamHealth(cmd, h)
				return nil
			}

			all, err := mon.CheckAll(cmd.Context())
			if err != nil {
				return err
			}
			for _, h := range all {
				verdict := "healthy"
				if !h.Healthy {
					verdict = "UNHEALTHY"
				}
				_, _ = fmt.Fprintf(out, "%-24s  %s\n", h.Stream, verdict)
				for _, w := range h.Warnings {
					_, _ = fmt.Fprintf(out, "  warning: %s\n", w)
				}
			}
			return nil
		},
	}
	return cmd
}

func printStreamHealth(cmd *cobra.Command, h *models.StreamHealth) {
	out := cmd.OutOrStdout()
	verdict := "healthy"
	if !h.Healthy {
		verdict = "UNHEALTHY"
	}
	_, _ = fmt.Fprintf(out, "Stream:  %s\n", h.Stream)
	_, _ = fmt.Fprintf(out, "Verdict: %s\n", verdict)
	if h.CurrentTaskID != nil {
		_, _ = fmt.Fprintf(out, "Current: %s\n", *h.CurrentTaskID)
	}
	if h.LastActivity != nil {
		_, _ = fmt.Fprintf(out, "Last activity:   %s\n", h.LastActivity.Format(time.RFC3339))
	}
	if h.LastCheckpoint != nil {
		_, _ = fmt.Fprintf(out, "Last checkpoint: %s\n", h.LastCheckpoint.Format(time.RFC3339))
	}
	for _, w := range h.Warnings {
		_, _ = fmt.Fprintf(out, "warning: %s\n", w)
	}
}
