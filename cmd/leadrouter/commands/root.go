// Package commands implements the leadrouter command tree.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"lead-router/internal/app"
	"lead-router/internal/common/logging"
	"lead-router/internal/config"
)

var version = "dev"

// SetVersion records the build version for the version command and logs.
func SetVersion(v string) {
	version = v
}

// state is shared by every subcommand and filled in by the root pre-run.
type state struct {
	envFile string
	cfg     *config.Config
	logger  logging.Logger
}

// open builds the application from the loaded configuration. Callers own
// the returned App and must call Cleanup.
func (s *state) open(ctx context.Context) (*app.App, error) {
	a, err := app.New(ctx, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing application: %w", err)
	}
	return a, nil
}

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	st := &state{}

	cmd := &cobra.Command{
		Use:   "leadrouter",
		Short: "Route inbound leads between workspaces",
		Long: `leadrouter routes inbound sales leads from a source workspace to a
destination workspace using prioritized rules, rejects duplicates by
fingerprint, and retries failed routing from a durable queue.

Configuration is read from the environment (and an optional .env file).

Examples:
  leadrouter serve
  leadrouter route lead_123 --source w1
  leadrouter process-queue --limit 100
  leadrouter seed rules.yaml
  leadrouter bench --concurrent 500 --concurrency 20`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return st.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logging.MustSync()
		},
	}

	cmd.PersistentFlags().StringVar(&st.envFile, "env-file", ".env", "Environment file to load before reading configuration")

	cmd.AddCommand(
		newServeCmd(st),
		newRouteCmd(st),
		newProcessQueueCmd(st),
		newSeedCmd(st),
		newBenchCmd(st),
		newVersionCmd(),
	)
	return cmd
}

func (s *state) init() error {
	// A missing env file is normal outside development.
	_ = godotenv.Load(s.envFile)

	s.cfg = config.Load()
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.InitGlobalLogger(logging.Options{
		Level:  s.cfg.LogLevel,
		Format: s.cfg.LogFormat,
		File:   s.cfg.LogFile,
	})
	if err != nil {
		return err
	}
	s.logger = logger.WithFields(logging.String("version", version))
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// Skip configuration loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "leadrouter %s\n", version)
		},
	}
}
