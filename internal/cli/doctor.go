package cli

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/taskcopilot/taskcopilot/internal/config"
	"github.com/taskcopilot/taskcopilot/internal/git"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			var problems []string

			// git is required for worktree isolation.
			if _, err := exec.LookPath("git"); err != nil {
				problems = append(problems, "missing dependency: git (not found on PATH)")
			}

			cfg, err := config.Load(home)
			if err != nil {
				problems = append(problems, fmt.Sprintf("config: %v", err))
			} else if cfg.ProjectRoot != "" {
				mgr := git.NewManager(cfg.ProjectRoot)
				if _, err := mgr.ListTaskWorktrees(cmd.Context()); err != nil {
					var notRepo *git.NotRepositoryError
					if errors.As(err, &notRepo) {
						problems = append(problems, fmt.Sprintf("project root %s is not a git repository", cfg.ProjectRoot))
					}
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
