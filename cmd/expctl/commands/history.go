package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/expctl/pkg/config"
	"github.com/openfroyo/expctl/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [name]",
		Short: "Show the experiments and runs recorded in a ledger",
		Long: `Show what a file ledger recorded: the most recent experiments, or the
runs of the repeated experiment called name.`,
		Example: `  # Recent experiments
  expctl history --ledger expctl.db

  # Runs of the ping experiment
  expctl history ping --ledger expctl.db`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if settings.Ledger == stores.MemoryPath {
				return fmt.Errorf("history needs a file ledger, use --ledger or %s", config.EnvLedger)
			}

			store, err := stores.Open(ctx, settings.Ledger)
			if err != nil {
				return fmt.Errorf("failed to open ledger: %w", err)
			}
			defer store.Close()

			log.Debug().Str("ledger", settings.Ledger).Msg("Reading history")

			if len(args) == 1 {
				runs, err := store.ListRuns(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(runs)
				}
				fmt.Printf("%-4s %-36s %-10s %-10s %s\n", "RUN", "EXP ID", "STATUS", "METRIC", "STARTED")
				for _, run := range runs {
					metric := "-"
					if run.Metric != nil {
						metric = fmt.Sprintf("%.6g", *run.Metric)
					}
					fmt.Printf("%-4d %-36s %-10s %-10s %s\n", run.Index, run.ExpID, run.Status, metric, run.StartedAt.Format(time.RFC3339))
				}
				return nil
			}

			exps, err := store.ListExperiments(ctx, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(exps)
			}
			fmt.Printf("%-36s %-12s %-10s %s\n", "EXP ID", "NAME", "STATE", "STARTED")
			for _, exp := range exps {
				fmt.Printf("%-36s %-12s %-10s %s\n", exp.ID, exp.Name, exp.State, exp.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of experiments to show")

	return cmd
}
