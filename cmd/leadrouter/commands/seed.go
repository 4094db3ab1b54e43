package commands

import (
	"github.com/spf13/cobra"

	"lead-router/internal/app"
	"lead-router/internal/rules"
)

func newSeedCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <rules.yaml>",
		Short: "Create the workspaces and rules in a YAML file",
		Long: `Create workspaces and rules from a YAML file. Existing workspaces and
rules are skipped, and rules without an id get a stable derived one, so
the same file can be applied repeatedly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := st.open(ctx)
			if err != nil {
				return err
			}
			defer a.Cleanup()

			summary, err := app.ApplySeed(ctx, a.Storage, seed, st.logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}
