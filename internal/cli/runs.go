package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/batchos/internal/store"
	"github.com/me/batchos/pkg/model"
)

// runSource is where recorded runs are read from: a local trace database
// or a remote trace API.
type runSource interface {
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListEvents(ctx context.Context, runID string) ([]model.Event, error)
}

var (
	flagRunsDB     string
	flagRunsServer string
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}
	cmd.PersistentFlags().StringVar(&flagRunsDB, "db", "", "Trace database path (default ~/.batchos/trace.db)")
	cmd.PersistentFlags().StringVar(&flagRunsServer, "server", defaultServer(), "Trace API URL; takes precedence over --db (env: BATCHOS_SERVER)")

	cmd.AddCommand(newRunsListCmd(), newRunsShowCmd())
	return cmd
}

// openRunSource returns the configured source and a function releasing it.
func openRunSource(ctx context.Context) (runSource, func(), error) {
	if flagRunsServer != "" {
		return NewClient(strings.TrimRight(flagRunsServer, "/"), logger), func() {}, nil
	}
	path := flagRunsDB
	if path == "" {
		p, err := defaultDBPath()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve trace db: %w", err)
		}
		path = p
	}
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("migrate trace db: %w", err)
	}
	return st, func() { st.Close() }, nil
}

func newRunsListCmd() *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, done, err := openRunSource(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			opts := model.DefaultListOptions()
			opts.Limit = limit
			if state != "" {
				opts.State = model.RunState(strings.ToUpper(state))
			}
			runs, total, err := src.ListRuns(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			printRuns(cmd.OutOrStdout(), runs, total)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only runs in this state (RUNNING, COMPLETED, PANICKED, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and optionally its scheduling trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, done, err := openRunSource(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			run, err := src.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}
			w := cmd.OutOrStdout()
			printRun(w, run)
			if !events {
				return nil
			}
			evs, err := src.ListEvents(cmd.Context(), run.ID)
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}
			printEvents(w, evs)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&events, "events", "e", false, "Print the scheduling trace")
	return cmd
}

func printRuns(w io.Writer, runs []*model.Run, total int) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	fmt.Fprintf(w, "%-40s  %-10s  %4s  %10s  %s\n", "ID", "STATE", "APPS", "SWITCHES", "STARTED")
	fmt.Fprintf(w, "%-40s  %-10s  %4s  %10s  %s\n", "--", "-----", "----", "--------", "-------")
	for _, r := range runs {
		fmt.Fprintf(w, "%-40s  %-10s  %4d  %10s  %s\n",
			r.ID, r.State, r.NumApp(), humanize.Comma(int64(r.Switches)), humanize.Time(r.StartedAt))
	}
	if total > len(runs) {
		fmt.Fprintf(w, "(%d of %d runs)\n", len(runs), total)
	}
}

func printRun(w io.Writer, r *model.Run) {
	fmt.Fprintf(w, "Run:      %s\n", r.ID)
	fmt.Fprintf(w, "State:    %s\n", r.State)
	fmt.Fprintf(w, "Started:  %s (%s)\n", r.StartedAt.Format("2006-01-02 15:04:05"), humanize.Time(r.StartedAt))
	if r.FinishedAt != nil {
		fmt.Fprintf(w, "Duration: %s\n", r.FinishedAt.Sub(r.StartedAt))
	}
	fmt.Fprintf(w, "Switches: %s\n", humanize.Comma(int64(r.Switches)))
	if r.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", r.Error)
	}
	fmt.Fprintln(w, "Apps:")
	for i, name := range r.Apps {
		code := "-"
		if i < len(r.ExitCodes) && r.ExitCodes[i] != nil {
			code = fmt.Sprintf("exit %d", *r.ExitCodes[i])
		}
		fmt.Fprintf(w, "  [%d] %-12s %s\n", i, name, code)
	}
}

func printEvents(w io.Writer, events []model.Event) {
	fmt.Fprintln(w, "Events:")
	for _, ev := range events {
		fmt.Fprintf(w, "  %4d  %-6s  %s\n", ev.Seq, ev.Kind, describeEvent(ev))
	}
}

func describeEvent(ev model.Event) string {
	switch ev.Kind {
	case model.EventStatus:
		return fmt.Sprintf("task %d %s -> %s", ev.Task, ev.From, ev.To)
	case model.EventSwitch:
		if ev.Task < 0 {
			return fmt.Sprintf("boot -> task %d", ev.Next)
		}
		return fmt.Sprintf("task %d -> task %d", ev.Task, ev.Next)
	case model.EventExit:
		return fmt.Sprintf("task %d exit %d", ev.Task, ev.Code)
	case model.EventFault:
		return fmt.Sprintf("task %d killed: %s", ev.Task, ev.Detail)
	}
	return fmt.Sprintf("task %d", ev.Task)
}
