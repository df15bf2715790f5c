// ============================================================================
// postbox CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra commands over the scheduler
//
// Command Structure:
//   postbox                        # Root command
//   ├── --config, -c               # Config file (persistent)
//   ├── --log-level                # Overrides log_level (persistent)
//   ├── auto                       # Admission pass over the schedule file
//   ├── stage                      # Bind unscheduled jobs to idle chains
//   ├── submit                     # Start scheduled jobs on free hosts
//   ├── sync                       # Fold solver status into the jobs database
//   ├── retry SID                  # failed -> unscheduled
//   ├── clean SID                  # running -> failed, chain released
//   ├── check                      # Read-only consistency report
//   ├── status                     # Dashboard of the persisted state
//   └── serve                      # Unattended cycles (cron + file watch)
//
// Every one-shot command loads the config, runs exactly one operation, prints
// its report and exits. Per-entry failures are printed but do not change the
// exit status; an aborted operation returns its error.
//
// Signal Handling:
//   serve captures SIGINT / SIGTERM and shuts down gracefully.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/postbox/internal/audit"
	"github.com/ChuLiYu/postbox/internal/config"
	"github.com/ChuLiYu/postbox/internal/dashboard"
	"github.com/ChuLiYu/postbox/internal/logging"
	"github.com/ChuLiYu/postbox/internal/metrics"
	"github.com/ChuLiYu/postbox/internal/scheduler"
	"github.com/ChuLiYu/postbox/internal/server"
	"github.com/ChuLiYu/postbox/internal/solver"
	"github.com/ChuLiYu/postbox/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/postbox.yaml"

var (
	configFile string
	logLevel   string
)

// newSolver builds the solver client; tests replace it.
var newSolver = func(cfg *config.Config) solver.Client {
	return solver.NewCommand(cfg.PowrProc)
}

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "postbox",
		Short: "postbox: job scheduler for PoWR model chains",
		Long: `postbox admits model requests from the schedule file, binds them to
solver chains by priority and keeps the jobs database in step with the
solver. All state lives in two flat files, rewritten atomically.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(buildOpCommand("auto", "Admit schedule entries and stage them on idle chains", (*scheduler.Scheduler).RunAuto))
	rootCmd.AddCommand(buildOpCommand("stage", "Bind unscheduled jobs to idle chains", (*scheduler.Scheduler).Stage))
	rootCmd.AddCommand(buildOpCommand("submit", "Start scheduled jobs on free host slots", (*scheduler.Scheduler).Submit))
	rootCmd.AddCommand(buildOpCommand("sync", "Fold solver status into the jobs database", (*scheduler.Scheduler).Sync))
	rootCmd.AddCommand(buildOpCommand("check", "Report database and chain label inconsistencies", (*scheduler.Scheduler).Check))
	rootCmd.AddCommand(buildSIDCommand("retry", "Move a failed job back to unscheduled", (*scheduler.Scheduler).Retry))
	rootCmd.AddCommand(buildSIDCommand("clean", "Abort a running job and release its chain", (*scheduler.Scheduler).Clean))
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildServeCommand())

	return rootCmd
}

// ============================================================================
// Environment
// ============================================================================

// env is everything one command invocation needs.
type env struct {
	cfg     *config.Config
	log     zerolog.Logger
	sched   *scheduler.Scheduler
	closers []io.Closer
}

func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func setup(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}

	log, logCloser, err := logging.New(logging.Config{
		Level:   level,
		File:    cfg.LogFile,
		Console: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	ledger, err := audit.Open(audit.Config{Driver: cfg.AuditDriver, Path: cfg.AuditPath})
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}
	var observers []scheduler.Observer
	if ledger != nil {
		e.closers = append(e.closers, ledger)
		observers = append(observers, audit.NewRecorder(ledger, log))
	}

	e.sched = scheduler.FromConfig(cfg, newSolver(cfg), log, observers...)
	return e, nil
}

// ============================================================================
// One-shot operations
// ============================================================================

func buildOpCommand(use, short string, op func(*scheduler.Scheduler, context.Context) (*scheduler.Report, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			r, err := op(e.sched, cmd.Context())
			return printReport(cmd, r, err)
		},
	}
}

func buildSIDCommand(use, short string, op func(*scheduler.Scheduler, context.Context, types.SID) (*scheduler.Report, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " SID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := types.ParseSID(args[0])
			if err != nil {
				return err
			}
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			r, err := op(e.sched, cmd.Context(), sid)
			return printReport(cmd, r, err)
		},
	}
}

func printReport(cmd *cobra.Command, r *scheduler.Report, err error) error {
	if r != nil {
		fmt.Fprintln(cmd.OutOrStdout(), dashboard.Summary(r))
	}
	return err
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show jobs, chains and pending schedule entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ov, err := e.sched.Overview()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dashboard.Render(ov))
			return nil
		},
	}
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run sync, admission, staging and submission unattended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			e.sched.AddObserver(metrics.NewCollector(reg))

			srv, err := server.New(server.Options{
				Runner:       e.sched,
				SchedulePath: e.cfg.ScheduleFile,
				Cron:         e.cfg.ServeCron,
				MinInterval:  e.cfg.ServeMinInterval,
				MetricsAddr:  e.cfg.MetricsAddr,
				Gatherer:     reg,
				GRPCAddr:     e.cfg.GRPCAddr,
				Logger:       e.log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}
