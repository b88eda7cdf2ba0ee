package cli

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/me/batchos/internal/logging"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// defaultServer returns the trace API URL from BATCHOS_SERVER, if set.
func defaultServer() string {
	return os.Getenv("BATCHOS_SERVER")
}

// defaultDBPath returns ~/.batchos/trace.db, creating the directory.
func defaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".batchos")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "trace.db"), nil
}

// NewRootCmd creates the root cobra command for the batchos CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "batchos",
		Short: "batchos: a cooperative multitasking batch kernel",
		Long:  "batchos boots a batch of applications on one simulated hart, switching between them when they yield or exit.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newRunsCmd(),
		newServeCmd(),
	)

	return root
}
