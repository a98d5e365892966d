package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// Environment opens the backends a command needs. Commands open lazily so
// `--help` works without a database.
type Environment struct {
	OpenRBAC func(ctx context.Context) (*RBACOpsCLI, func(), error)
	OpenJobs func(ctx context.Context) (*JobsCLI, error)
	Migrate  func(ctx context.Context) ([]string, error)
}

type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// NewRootCommand assembles the rbacctl command tree.
func NewRootCommand(env Environment) *cobra.Command {
	var jsonOutput bool
	root := &cobra.Command{
		Use:           "rbacctl",
		Short:         "Operate the Odyssey RBAC permission store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Enable JSON output")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if env.Migrate == nil {
				return errors.New("database not configured")
			}
			applied, err := env.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), jsonOutput, map[string][]string{"applied": applied},
				fmt.Sprintf("Applied %d migration(s).\n", len(applied)))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Install system permissions and roles (idempotent)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ops, closeFn, err := openRBAC(cmd.Context(), env)
			if err != nil {
				return err
			}
			defer closeFn()
			return asExit(ops.SeedCommand(cmd.Context(), SeedOptions{
				JSONOutput: jsonOutput,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			}))
		},
	})

	var conflicts ConflictsOptions
	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Report ALLOW/DENY collisions in a user's grants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ops, closeFn, err := openRBAC(cmd.Context(), env)
			if err != nil {
				return err
			}
			defer closeFn()
			opts := conflicts
			opts.JSONOutput = jsonOutput
			opts.Stdout = cmd.OutOrStdout()
			opts.Stderr = cmd.ErrOrStderr()
			return asExit(ops.ConflictsCommand(cmd.Context(), opts))
		},
	}
	conflictsCmd.Flags().Int64Var(&conflicts.UserID, "user", 0, "User id to audit")
	conflictsCmd.Flags().Int64Var(&conflicts.OrganizationID, "org", 0, "Organization scope")
	conflictsCmd.Flags().Int64Var(&conflicts.DepartmentID, "dept", 0, "Department scope")
	root.AddCommand(conflictsCmd)

	jobsCmd := &cobra.Command{Use: "jobs", Short: "Inspect and trigger background jobs"}
	jobsCmd.AddCommand(&cobra.Command{
		Use:   "trigger <name>",
		Short: "Enqueue a job by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(cmd.Context(), env, func(c *JobsCLI) error {
				info, err := c.Trigger(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return write(cmd.OutOrStdout(), jsonOutput, map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue},
					fmt.Sprintf("Enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue))
			})
		},
	})
	jobsCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJobs(cmd.Context(), env, func(c *JobsCLI) error {
				queues, err := c.InspectQueues(cmd.Context())
				if err != nil {
					return err
				}
				var text strings.Builder
				for _, q := range queues {
					fmt.Fprintf(&text, "%s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
						q.Queue, q.Pending, q.Active, q.Scheduled, q.Retry, q.Archived)
				}
				return write(cmd.OutOrStdout(), jsonOutput, map[string]any{"queues": queues}, text.String())
			})
		},
	})
	root.AddCommand(jobsCmd)
	return root
}

// Execute runs the command tree and maps the outcome to a process exit code.
func Execute(ctx context.Context, root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}
	_, _ = fmt.Fprintf(root.ErrOrStderr(), "rbacctl: %v\n", err)
	return 1
}

func openRBAC(ctx context.Context, env Environment) (*RBACOpsCLI, func(), error) {
	if env.OpenRBAC == nil {
		return nil, nil, errors.New("rbac backend not configured")
	}
	return env.OpenRBAC(ctx)
}

func withJobs(ctx context.Context, env Environment, fn func(*JobsCLI) error) error {
	if env.OpenJobs == nil {
		return errors.New("job queue not configured")
	}
	c, err := env.OpenJobs(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(c)
}

func asExit(code int) error {
	if code == 0 {
		return nil
	}
	return exitCode(code)
}

func write(out io.Writer, asJSON bool, v any, human string) error {
	if asJSON {
		return json.NewEncoder(out).Encode(v)
	}
	_, err := io.WriteString(out, human)
	return err
}
