package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	jsonOutput  bool
	metricsAddr string
	ledgerPath  string

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "expctl",
		Short: "expctl - network experiment controller",
		Long: `expctl deploys and runs network experiments described in CUE or YAML.

An experiment is a set of resources (nodes, applications, ...) connected
to each other and driven through a common lifecycle:

  NEW -> DISCOVERED -> PROVISIONED -> READY -> STARTED -> STOPPED/FINISHED -> RELEASED

Conditions order the start and stop of resources on the state of others.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "SQLite ledger path (default :memory:)")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newTypesCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
