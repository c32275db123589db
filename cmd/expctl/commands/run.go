package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/expctl/pkg/config"
	"github.com/openfroyo/expctl/pkg/engine"
	"github.com/openfroyo/expctl/pkg/runner"
)

// scriptTimeout bounds one metric or convergence script.
const scriptTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	var (
		minRuns           int
		maxRuns           int
		waitTime          string
		metricScript      string
		convergenceScript string
	)

	cmd := &cobra.Command{
		Use:   "run <description>",
		Short: "Repeat an experiment until its metric converges",
		Long: `Run an experiment repeatedly, each time on a fresh controller.

Every run deploys the description, waits for the resources listed in
run.wait_for to finish, waits run.wait_time and computes the metric. The
runner stops after --max-runs runs, or once --min-runs runs were made and
the samples converged.

Scripts are Starlark. The metric script sees exp_id and resources (guid,
type, state and state times in seconds) and sets "metric". The convergence
script sees samples and n and sets "converged". Without a convergence
script the runner stops when the 95% confidence interval of the mean is
within 5% of it.`,
		Example: `  # Ten runs, no metric
  expctl run ping.cue --max-runs 10

  # Repeat until the transfer time converges
  expctl run transfer.yaml --min-runs 5 --max-runs 50 --metric-script metric.star

  # Inline convergence script
  expctl run transfer.yaml --metric-script metric.star \
    --convergence-script 'converged = n >= 10 and stdev(samples) < 0.1'`,
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

			spec := config.RunSpec{}
			if desc.Run != nil {
				spec = *desc.Run
			}
			flags := cmd.Flags()
			if flags.Changed("min-runs") {
				spec.MinRuns = minRuns
			}
			if flags.Changed("max-runs") {
				spec.MaxRuns = maxRuns
			}
			if waitTime != "" {
				spec.WaitTime = waitTime
			}
			if metricScript != "" {
				if spec.MetricScript, err = readScript(metricScript); err != nil {
					return err
				}
			}
			if convergenceScript != "" {
				if spec.ConvergenceScript, err = readScript(convergenceScript); err != nil {
					return err
				}
			}

			result, err := evaluatePolicies(ctx, desc, s.factory, "run")
			if err != nil {
				return err
			}
			printPolicyResult(result)
			if result != nil && !result.Allowed {
				return fmt.Errorf("runs of %s denied by policy", desc.Name)
			}

			opts, err := s.engineOptions()
			if err != nil {
				return err
			}
			r, err := runner.New(runner.Config{
				Name:    desc.Name,
				Factory: s.factory,
				Options: opts,
				Store:   s.store,
			})
			if err != nil {
				return err
			}

			runOpts, err := runOptions(desc, spec)
			if err != nil {
				return err
			}

			log.Info().
				Str("experiment", desc.Name).
				Int("min_runs", runOpts.MinRuns).
				Int("max_runs", runOpts.MaxRuns).
				Bool("metric", runOpts.Metric != nil).
				Msg("Running experiment")

			build, deploy := stepsFor(desc)
			runOpts.Deploy = deploy

			res, runErr := r.Run(ctx, build, runOpts)
			if res != nil {
				if err := printRuns(ctx, s, desc.Name, res); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().IntVar(&minRuns, "min-runs", 1, "runs before convergence is checked")
	cmd.Flags().IntVar(&maxRuns, "max-runs", 0, "stop after this many runs (0 for no limit)")
	cmd.Flags().StringVar(&waitTime, "wait-time", "", "time each run lasts once its resources finished (e.g. 10s)")
	cmd.Flags().StringVar(&metricScript, "metric-script", "", "Starlark metric script, as a file or inline")
	cmd.Flags().StringVar(&convergenceScript, "convergence-script", "", "Starlark convergence script, as a file or inline")

	return cmd
}

// readScript returns the content of the file at arg, or arg itself when
// no such file exists.
func readScript(arg string) (string, error) {
	content, err := os.ReadFile(arg)
	if err == nil {
		return string(content), nil
	}
	if os.IsNotExist(err) {
		return arg, nil
	}
	return "", fmt.Errorf("failed to read script: %w", err)
}

// runOptions converts a run spec into runner options.
func runOptions(desc *config.Description, spec config.RunSpec) (runner.RunOptions, error) {
	opts := runner.RunOptions{
		MinRuns: spec.MinRuns,
		MaxRuns: spec.MaxRuns,
	}

	if spec.WaitTime != "" {
		d, err := engine.ParseDelay(spec.WaitTime)
		if err != nil {
			return opts, fmt.Errorf("invalid wait time: %w", err)
		}
		opts.WaitTime = d
	}

	for _, id := range spec.WaitFor {
		guid, ok := descriptionGuid(desc, id)
		if !ok {
			return opts, fmt.Errorf("run.wait_for: unknown resource %q", id)
		}
		opts.WaitGuids = append(opts.WaitGuids, guid)
	}

	eval := config.NewStarlarkEvaluator(scriptTimeout)
	if spec.MetricScript != "" {
		opts.Metric = runner.ScriptMetric(eval, spec.MetricScript)
	}
	if spec.ConvergenceScript != "" {
		opts.Converged = runner.ScriptConvergence(eval, spec.ConvergenceScript)
	}
	return opts, opts.Validate()
}

// descriptionGuid returns the guid id gets on a fresh controller, where
// resources are registered in description order.
func descriptionGuid(desc *config.Description, id string) (engine.Guid, bool) {
	for i, r := range desc.Resources {
		if r.ID == id {
			return engine.Guid(i + 1), true
		}
	}
	return 0, false
}

// stepsFor returns the runner steps that apply desc and deploy it by
// groups. Runs are sequential, so the steps share the applied mapping.
func stepsFor(desc *config.Description) (runner.BuildFunc, runner.DeployFunc) {
	var applied *config.Applied
	build := func(ec *engine.ExperimentController) (err error) {
		applied, err = config.Apply(ec, desc)
		return err
	}
	deploy := func(ec *engine.ExperimentController) error {
		return config.Deploy(ec, desc, applied)
	}
	return build, deploy
}

func printRuns(ctx context.Context, s *session, name string, res *runner.Result) error {
	if jsonOutput {
		return printJSON(res)
	}

	runs, err := s.store.ListRuns(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	fmt.Printf("%-4s %-36s %-10s %s\n", "RUN", "EXP ID", "STATUS", "METRIC")
	for _, run := range runs {
		metric := "-"
		if run.Metric != nil {
			metric = fmt.Sprintf("%.6g", *run.Metric)
		}
		fmt.Printf("%-4d %-36s %-10s %s\n", run.Index, run.ExpID, run.Status, metric)
	}

	fmt.Printf("\n%d run(s)", res.Runs)
	if len(res.Samples) > 0 {
		fmt.Printf(", mean %.6g, stdev %.6g", res.Mean, res.Stdev)
	}
	if res.Converged {
		fmt.Print(", converged")
	}
	fmt.Println()
	return nil
}
