package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRouteCmd(st *state) *cobra.Command {
	var (
		source     string
		userID     string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "route <lead-id>...",
		Short: "Route one or more leads and print the results",
		Long: `Route leads owned by the --source workspace. One lead prints its
routing result; several print the bulk summary. A failure that was queued
for retry is not an error.

Examples:
  leadrouter route lead_123 --source w1
  leadrouter route lead_1 lead_2 lead_3 --source w1 --max-retries 5`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := st.open(ctx)
			if err != nil {
				return err
			}
			defer a.Cleanup()

			if len(args) > 1 {
				return printJSON(cmd.OutOrStdout(), a.Router.RouteLeads(ctx, args, source, userID, maxRetries))
			}

			res := a.Router.RouteLead(ctx, args[0], source, userID, maxRetries)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Failed() && !res.Queued {
				return fmt.Errorf("routing %s failed: %s", args[0], res.ErrorKind)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Source workspace that owns the leads")
	cmd.Flags().StringVar(&userID, "user", "cli", "User id recorded in logs")
	cmd.Flags().IntVar(&maxRetries, "max-retries", -1, "Extra lock attempts (-1 uses ROUTER_MAX_RETRIES)")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newProcessQueueCmd(st *state) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "process-queue",
		Short: "Run one retry queue pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return fmt.Errorf("limit must not be negative, got %d", limit)
			}
			ctx := cmd.Context()
			a, err := st.open(ctx)
			if err != nil {
				return err
			}
			defer a.Cleanup()

			summary, err := a.Processor.ProcessRetryQueue(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries to process (0 uses QUEUE_BATCH_SIZE)")
	return cmd
}
