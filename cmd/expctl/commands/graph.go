package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/expctl/pkg/config"
	"github.com/openfroyo/expctl/pkg/engine"
	"github.com/openfroyo/expctl/pkg/transports/ssh"
)

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <description>",
		Short: "Render the condition graph of a description",
		Long: `Render the start/stop dependency graph induced by the conditions of a
description in Graphviz DOT format. Condition cycles, which can never
resolve, are reported as errors.`,
		Example: `  expctl graph ping.cue | dot -Tsvg > ping.svg`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			factory, err := newFactory(ssh.NewPool())
			if err != nil {
				return err
			}
			desc, errs, err := loadDescription(ctx, args[0], factory)
			if err != nil {
				return err
			}
			if len(errs) > 0 {
				printValidationErrors(errs)
				return fmt.Errorf("%s is invalid", args[0])
			}

			graph, err := conditionGraph(ctx, factory, desc)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(graph)
			}
			fmt.Print(graph.ToDOT())
			return nil
		},
	}

	return cmd
}

// conditionGraph applies desc to a controller that is never deployed and
// returns the graph of its conditions.
func conditionGraph(ctx context.Context, factory *engine.Factory, desc *config.Description) (*engine.ConditionGraph, error) {
	ec, err := engine.NewExperimentController(factory, engine.DefaultOptions())
	if err != nil {
		return nil, err
	}
	defer func() { _ = ec.Shutdown(ctx) }()

	if _, err := config.Apply(ec, desc); err != nil {
		return nil, err
	}
	return ec.ConditionGraph()
}
