package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/me/batchos/internal/config"
	"github.com/me/batchos/internal/kernel"
	"github.com/me/batchos/internal/logging"
	"github.com/me/batchos/internal/store"
	"github.com/me/batchos/pkg/model"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		traceDB    string
		builtins   []string
	)

	cmd := &cobra.Command{
		Use:   "run [app.js...]",
		Short: "Boot the kernel on a batch of applications",
		Long: `Boot the kernel on a batch of applications and run until every one has exited.

Applications come from the config file's apps list, then each --builtin, then
each JavaScript file argument, in that order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
				if !cmd.Flags().Changed("log-level") && !flagDebug {
					logger = logging.NewLoggerWithWriter(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, cmd.ErrOrStderr())
				}
			}
			for _, name := range builtins {
				cfg.Apps = append(cfg.Apps, config.AppConfig{Builtin: name})
			}
			for _, path := range args {
				cfg.Apps = append(cfg.Apps, config.AppConfig{Path: path})
			}
			if traceDB != "" {
				cfg.TraceDB = traceDB
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBatch(ctx, cfg, cmd.OutOrStdout(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&traceDB, "trace-db", "", "Record the run into this SQLite database")
	cmd.Flags().StringArrayVarP(&builtins, "builtin", "b", nil, "Append a built-in application (repeatable)")

	return cmd
}

// runBatch boots one kernel over cfg's applications, optionally recording
// the run, and prints a summary. Console output goes to console.
func runBatch(ctx context.Context, cfg config.Config, console, summary io.Writer) error {
	k, err := kernel.New(cfg, logger, kernel.WithConsole(console))
	if err != nil {
		return err
	}

	run := &model.Run{
		ID:        "run_" + uuid.New().String(),
		State:     model.RunStateRunning,
		Apps:      k.AppNames(),
		StartedAt: time.Now().UTC(),
	}

	var st store.Store
	if cfg.TraceDB != "" {
		sqlite, err := store.NewSQLiteStore(cfg.TraceDB, logger)
		if err != nil {
			return err
		}
		defer sqlite.Close()
		if err := sqlite.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate trace db: %w", err)
		}
		if err := sqlite.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
		st = sqlite
	}

	report, runErr := k.Run(ctx)

	finished := time.Now().UTC()
	run.State = kernel.RunState(runErr)
	run.Switches = report.Switches
	run.ExitCodes = report.ExitCodes
	run.FinishedAt = &finished
	if runErr != nil {
		run.Error = runErr.Error()
	}

	if st != nil {
		// The boot context may already be cancelled; the record must still land.
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.AppendEvents(saveCtx, run.ID, report.Events); err != nil {
			return fmt.Errorf("record events: %w", err)
		}
		if err := st.FinishRun(saveCtx, run); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
		logger.Info("run recorded", "id", run.ID, "events", len(report.Events), "db", cfg.TraceDB)
	}

	printSummary(summary, run, report)
	return runErr
}

func printSummary(w io.Writer, run *model.Run, report *kernel.Report) {
	fmt.Fprintf(w, "\n%s %s: %d apps, %s switches in %s\n",
		run.ID, run.State, len(report.Apps), humanize.Comma(int64(report.Switches)), report.Elapsed.Round(time.Microsecond))
	for i, name := range report.Apps {
		fmt.Fprintf(w, "  [%d] %-12s %-8s %s\n", i, name, report.Statuses[i], exitText(report.Statuses[i], report.ExitCodes[i]))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  %s\n", run.Error)
	}
}

func exitText(status model.TaskStatus, code *int32) string {
	switch {
	case code == nil && status == model.TaskStatusExited:
		return "killed"
	case code == nil:
		return "-"
	}
	return fmt.Sprintf("exit %d", *code)
}
