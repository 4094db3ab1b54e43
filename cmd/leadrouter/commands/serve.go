package commands

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"lead-router/internal/common/logging"
)

func newServeCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the retry scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st.logger.Info("Starting lead router",
				logging.Int("cpus", runtime.NumCPU()),
				logging.String("port", st.cfg.Port),
				logging.String("database", st.cfg.DatabaseType),
				logging.String("lock_backend", st.cfg.LockBackend),
				logging.String("events_backend", st.cfg.Events.Backend),
			)

			a, err := st.open(ctx)
			if err != nil {
				return err
			}
			defer a.Cleanup()

			return a.Serve(ctx)
		},
	}
}
