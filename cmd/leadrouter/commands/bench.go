package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"lead-router/internal/bench"
	"lead-router/internal/common/logging"
)

func newBenchCmd(st *state) *cobra.Command {
	opts := bench.DefaultOptions()
	slo := bench.DefaultSLO()
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure routing latency and success against the SLO",
		Long: `Run the sequential, concurrent, duplicate and retry queue scenarios
against the configured store and lock backend, then report p50/p95/p99
latency, success rate and lock acquisition rate per scenario.

The retry scenario processes every due queue entry, so use a scratch
database. Exits non-zero when any scenario misses the SLO.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := st.open(ctx)
			if err != nil {
				return err
			}
			defer a.Cleanup()

			runner := bench.NewRunner(a.Storage, a.Locks, a.RouterConfig(), a.QueueConfig(), logging.Component("bench"))
			if err := runner.Setup(ctx); err != nil {
				return err
			}
			results, err := runner.Run(ctx, opts)
			if err != nil {
				return err
			}

			if jsonOut {
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				bench.Report(cmd.OutOrStdout(), results, slo)
			}

			for _, r := range results {
				if !r.Assess(slo).Met() {
					return fmt.Errorf("scenario %s missed the SLO", r.Scenario)
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.Sequential, "sequential", opts.Sequential, "Leads routed one at a time")
	f.IntVar(&opts.Concurrent, "concurrent", opts.Concurrent, "Leads routed concurrently")
	f.IntVar(&opts.Concurrency, "concurrency", opts.Concurrency, "Concurrent batch size")
	f.IntVar(&opts.Duplicates, "duplicates", opts.Duplicates, "Leads sharing one dedupe hash")
	f.IntVar(&opts.Retry, "retry", opts.Retry, "Unmatched leads pushed through the retry queue")
	f.IntVar(&opts.MaxRetries, "max-retries", opts.MaxRetries, "Extra lock attempts per call")
	f.DurationVar(&slo.MaxP95, "slo-p95", slo.MaxP95, "Maximum p95 latency")
	f.Float64Var(&slo.MinSuccessRate, "slo-success", slo.MinSuccessRate, "Minimum success rate (0-1)")
	f.Float64Var(&slo.MinLockRate, "slo-lock", slo.MinLockRate, "Advisory lock acquisition rate (0-1)")
	f.BoolVar(&jsonOut, "json", false, "Print results as JSON")
	return cmd
}
