package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/expctl/pkg/config"
	"github.com/openfroyo/expctl/pkg/engine"
	"github.com/openfroyo/expctl/pkg/policy"
)

// releaseTimeout bounds releasing the resources of an experiment.
const releaseTimeout = 2 * time.Minute

func newDeployCommand() *cobra.Command {
	var (
		waitAllReady bool
		timeout      string
		waitFor      []string
		hold         bool
	)

	cmd := &cobra.Command{
		Use:   "deploy <description>",
		Short: "Deploy an experiment and release it when done",
		Long: `Deploy every resource of an experiment description and wait for them
to start.

Resources are deployed group by group as configured in the description.
Once every resource started, deploy waits for the resources given with
--wait-for (or the run.wait_for of the description) to finish, prints a
summary and releases everything. With --hold the experiment keeps running
until interrupted.`,
		Example: `  # Deploy and release once the client finished
  expctl deploy ping.cue --wait-for client

  # Start applications as soon as their node is ready
  expctl deploy ping.cue --wait-all-ready=false

  # Keep the experiment up until Ctrl-C
  expctl deploy testbed.yaml --hold --timeout 10m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			desc, errs, err := loadDescription(ctx, args[0], s.factory)
			if err != nil {
				return err
			}
			if len(errs) > 0 {
				printValidationErrors(errs)
				return fmt.Errorf("%s is invalid", args[0])
			}

			if cmd.Flags().Changed("wait-all-ready") {
				desc.Deploy.WaitAllReady = &waitAllReady
			}
			if timeout != "" {
				desc.Deploy.Timeout = timeout
			}
			if len(waitFor) == 0 && desc.Run != nil {
				waitFor = desc.Run.WaitFor
			}

			opts, err := s.engineOptions()
			if err != nil {
				return err
			}
			opts.ExpID = newExpID(desc.Name)

			result, err := evaluatePolicies(ctx, desc, s.factory, "deploy")
			if err != nil {
				return err
			}
			if result != nil {
				policy.Publish(s.tel.Events, opts.ExpID, result)
				printPolicyResult(result)
				if !result.Allowed {
					return fmt.Errorf("deployment of %s denied by policy", desc.Name)
				}
			}

			log.Info().
				Str("experiment", desc.Name).
				Str("exp_id", opts.ExpID).
				Int("resources", len(desc.Resources)).
				Bool("wait_all_ready", desc.Deploy.WaitAll()).
				Msg("Deploying experiment")

			return deployExperiment(ctx, s.factory, opts, desc, waitFor, hold)
		},
	}

	cmd.Flags().BoolVar(&waitAllReady, "wait-all-ready", true, "hold START until every resource of a group is READY")
	cmd.Flags().StringVar(&timeout, "timeout", "", "bound the wait for every resource to start (e.g. 5m)")
	cmd.Flags().StringSliceVar(&waitFor, "wait-for", nil, "resource ids to wait on to finish before releasing")
	cmd.Flags().BoolVar(&hold, "hold", false, "keep the experiment running until interrupted")

	return cmd
}

// deployExperiment runs desc on a fresh controller and releases it before
// returning.
func deployExperiment(ctx context.Context, factory *engine.Factory, opts engine.Options, desc *config.Description, waitFor []string, hold bool) (err error) {
	ec, err := engine.NewExperimentController(factory, opts)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if serr := ec.Shutdown(sctx); serr != nil {
			log.Warn().Err(serr).Msg("Release incomplete")
		}
		log.Info().Str("exp_id", ec.ExpID()).Msg("Experiment released")
	}()

	applied, err := config.Apply(ec, desc)
	if err != nil {
		return err
	}
	if err := config.Deploy(ec, desc, applied); err != nil {
		return err
	}

	wctx := ctx
	if desc.Deploy.Timeout != "" {
		d, err := engine.ParseDelay(desc.Deploy.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := ec.WaitStarted(wctx); err != nil {
		printSummary(ec, applied)
		return fmt.Errorf("experiment did not start: %w", err)
	}
	log.Info().Str("exp_id", ec.ExpID()).Msg("Every resource started")

	if len(waitFor) > 0 {
		guids := applied.GuidsOf(waitFor)
		if len(guids) != len(waitFor) {
			return fmt.Errorf("unknown resource in %v", waitFor)
		}
		if err := ec.WaitFinished(ctx, guids...); err != nil {
			printSummary(ec, applied)
			return err
		}
	}

	if hold {
		log.Info().Msg("Holding experiment, press Ctrl-C to release")
		select {
		case <-ctx.Done():
		case <-ec.Done():
		}
	}

	printSummary(ec, applied)
	if ec.ECState() == engine.ECStateFailed {
		return ec.Err()
	}
	return nil
}

// newExpID derives a unique experiment id from the description name.
func newExpID(name string) string {
	return fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
}

func printSummary(ec *engine.ExperimentController, applied *config.Applied) {
	info := ec.Describe()
	if jsonOutput {
		if err := printJSON(info); err != nil {
			log.Warn().Err(err).Msg("Failed to print summary")
		}
		return
	}

	fmt.Printf("Experiment %s: %s\n", info.ExpID, info.State)
	if info.Error != "" {
		fmt.Printf("  error: %s\n", info.Error)
	}
	fmt.Printf("  %-6s %-16s %-22s %s\n", "GUID", "ID", "TYPE", "STATE")
	for _, r := range info.Resources {
		fmt.Printf("  %-6d %-16s %-22s %s\n", r.Guid, applied.ID(r.Guid), r.Type, r.State)
	}
	fmt.Fprintln(os.Stdout)
}
