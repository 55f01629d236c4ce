package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/target/mmk-queue/internal/bootstrap"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/migrate"
	"github.com/target/mmk-queue/internal/service"
)

const defaultMigrationTimeout = 5 * time.Minute

// errCancelled reports a declined confirmation; the command still exits 0.
var errCancelled = errors.New("operation cancelled")

type app struct {
	infra  infra
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func main() {
	logger := bootstrap.InitLogger()
	// Command output goes to stdout; keep routine logs out of it.
	bootstrap.SetLogLevel(slog.LevelWarn)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{infra: &envInfra{logger: logger}, in: os.Stdin, out: os.Stdout, errOut: os.Stderr}
	err := newRootCmd(a).ExecuteContext(ctx)
	stop()
	if err != nil {
		writef(os.Stderr, "Error: %v\n", err)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mmk-queue-admin",
		Short:         "Inspect and maintain mmk-queue job queues",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	root.AddCommand(
		a.listCmd(),
		a.statusCmd(),
		a.cleanCmd(),
		a.drainCmd(),
		a.jobsCmd(),
		a.migrateCmd(),
	)
	return root
}

// withAdmin opens the store for one command and closes it afterwards.
func (a *app) withAdmin(ctx context.Context, fn func(*service.AdminService) error) (err error) {
	h, err := a.infra.OpenAdmin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := h.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()
	return fn(h.Admin)
}

func (a *app) listCmd() *cobra.Command {
	var details bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAdmin(cmd.Context(), func(admin *service.AdminService) error {
				queues, err := admin.Queues(cmd.Context())
				if err != nil {
					return err
				}
				if len(queues) == 0 {
					writeln(a.out, "No queues found.")
					return nil
				}
				if !details {
					for _, q := range queues {
						writeln(a.out, q)
					}
					return nil
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				writeln(tw, "QUEUE\tWAITING\tDELAYED\tACTIVE\tCOMPLETED\tFAILED")
				for _, q := range queues {
					c, err := admin.Counts(cmd.Context(), q)
					if err != nil {
						return err
					}
					writef(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", q, c.Waiting, c.Delayed, c.Active, c.Completed, c.Failed)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&details, "details", false, "show per-state counts for each queue")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <queue>",
		Short: "Show per-state job counts for a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(cmd.Context(), func(admin *service.AdminService) error {
				c, err := admin.Counts(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				writef(a.out, "Queue: %s\n", args[0])
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				for _, state := range model.AllJobStates() {
					writef(tw, "  %s\t%d\n", state, c.Get(state))
				}
				writef(tw, "  total\t%d\n", c.Total())
				return tw.Flush()
			})
		},
	}
}

func (a *app) cleanCmd() *cobra.Command {
	var (
		status string
		age    float64
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "clean <queue>",
		Short: "Remove finished jobs older than --age hours",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if age < 0 {
				return errors.New("--age must be >= 0")
			}
			params := service.CleanParams{
				Queue:     args[0],
				OlderThan: time.Duration(age * float64(time.Hour)),
				State:     model.JobState(strings.ToLower(strings.TrimSpace(status))),
			}
			if err := params.Validate(); err != nil {
				return err
			}
			target := "completed and failed"
			if params.State != "" {
				target = string(params.State)
			}
			prompt := fmt.Sprintf("This will remove %s jobs of queue %q finished more than %gh ago.", target, params.Queue, age)
			if err := a.confirm(force, prompt); err != nil {
				return a.cancelled(err)
			}
			return a.withAdmin(cmd.Context(), func(admin *service.AdminService) error {
				n, err := admin.Clean(cmd.Context(), params)
				if err != nil {
					return err
				}
				writef(a.out, "Removed %d jobs from %s.\n", n, params.Queue)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only remove jobs in this state (completed or failed)")
	cmd.Flags().Float64Var(&age, "age", 0, "minimum age in hours since the job finished")
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

func (a *app) drainCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "drain <queue>",
		Short: "Remove every job of a queue in every state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := fmt.Sprintf("WARNING: this will remove ALL jobs of queue %q, including active ones.", args[0])
			if err := a.confirm(force, prompt); err != nil {
				return a.cancelled(err)
			}
			return a.withAdmin(cmd.Context(), func(admin *service.AdminService) error {
				n, err := admin.Drain(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				writef(a.out, "Removed %d jobs from %s.\n", n, args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

func (a *app) jobsCmd() *cobra.Command {
	var (
		state string
		limit int
		where string
		raw   bool
	)
	cmd := &cobra.Command{
		Use:   "jobs <queue>",
		Short: "List jobs of a queue",
		Example: `  mmk-queue-admin jobs emails --state failed
  mmk-queue-admin jobs emails --where "attempts_made > ` + "`1`" + `"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(cmd.Context(), func(admin *service.AdminService) error {
				jobs, err := admin.Jobs(cmd.Context(), service.JobsParams{
					Queue: args[0],
					State: model.JobState(strings.ToLower(strings.TrimSpace(state))),
					Limit: limit,
					Where: where,
				})
				if err != nil {
					return err
				}
				if raw {
					enc := json.NewEncoder(a.out)
					enc.SetIndent("", "  ")
					return enc.Encode(jobs)
				}
				return a.printJobs(jobs)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only list jobs in this state")
	cmd.Flags().IntVar(&limit, "limit", model.DefaultListLimit, "maximum jobs to list")
	cmd.Flags().StringVar(&where, "where", "", "JMESPath filter evaluated against each job")
	cmd.Flags().BoolVar(&raw, "json", false, "print jobs as JSON")
	return cmd
}

func (a *app) printJobs(jobs []*model.Job) error {
	if len(jobs) == 0 {
		writeln(a.out, "No jobs found.")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	writeln(tw, "ID\tNAME\tSTATE\tPRIORITY\tATTEMPTS\tUPDATED\tREASON")
	for _, j := range jobs {
		writef(tw, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			j.ID, j.Name, j.State, j.Priority, j.AttemptsMade, j.MaxAttempts,
			j.UpdatedAt.UTC().Format(time.RFC3339), truncate(j.FailureReason, 60))
	}
	return tw.Flush()
}

func (a *app) migrateCmd() *cobra.Command {
	var (
		timeout time.Duration
		status  bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL job store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			db, err := a.infra.OpenDB(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := db.Close(); closeErr != nil {
					err = errors.Join(err, fmt.Errorf("close db: %w", closeErr))
				}
			}()

			if status {
				migrations, err := migrate.Status(ctx, db)
				if err != nil {
					return err
				}
				for _, m := range migrations {
					mark := "pending"
					if m.Applied {
						mark = "applied"
					}
					writef(a.out, "%s\t%s\n", m.Version, mark)
				}
				return nil
			}

			applied, err := migrate.Run(ctx, db)
			if err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			if len(applied) == 0 {
				writeln(a.out, "Database is up to date.")
				return nil
			}
			for _, v := range applied {
				writef(a.out, "Applied %s\n", v)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultMigrationTimeout, "maximum time to wait for migrations")
	cmd.Flags().BoolVar(&status, "status", false, "list migrations without applying them")
	return cmd
}

// confirm asks for y/N unless force is set.
func (a *app) confirm(force bool, warning string) error {
	if force {
		return nil
	}
	writeln(a.out, warning)
	writef(a.out, "Continue? [y/N]: ")
	resp, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	if resp == "y" || resp == "yes" {
		return nil
	}
	return errCancelled
}

// cancelled turns a declined prompt into a clean exit.
func (a *app) cancelled(err error) error {
	if errors.Is(err, errCancelled) {
		writeln(a.out, "Operation cancelled.")
		return nil
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func writeln(w io.Writer, s string) {
	_, _ = fmt.Fprintln(w, s)
}
