package runner

import (
	"context"
	"fmt"
	"math"

	"github.com/openfroyo/expctl/pkg/config"
	"github.com/openfroyo/expctl/pkg/engine"
)

// NormalConvergence stops once the 95% confidence interval of the mean,
// under a normal approximation, is within 5% of the mean.
func NormalConvergence(_ context.Context, samples []float64) (bool, error) {
	n := len(samples)
	if n == 0 {
		return false, nil
	}
	mean := config.Mean(samples)
	ci := 2 * populationStdev(samples) / math.Sqrt(float64(n))
	return mean*0.05 >= ci, nil
}

func populationStdev(xs []float64) float64 {
	m := config.Mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func sampleStdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return config.Stdev(xs)
}

// ScriptMetric computes the metric with a Starlark script that sets
// "metric". The script sees exp_id and resources, a list of dicts with
// guid, type, state and times, the seconds from the experiment start to
// each reached state.
func ScriptMetric(eval *config.StarlarkEvaluator, script string) MetricFunc {
	return func(ctx context.Context, ec *engine.ExperimentController) (float64, error) {
		return eval.EvaluateFloat(ctx, script, metricInput(ec), "metric")
	}
}

// ScriptConvergence decides convergence with a Starlark script that sets
// "converged". The script sees samples and n.
func ScriptConvergence(eval *config.StarlarkEvaluator, script string) ConvergenceFunc {
	return func(ctx context.Context, samples []float64) (bool, error) {
		return eval.EvaluateBool(ctx, script, map[string]interface{}{
			"samples": samples,
			"n":       len(samples),
		}, "converged")
	}
}

func metricInput(ec *engine.ExperimentController) map[string]interface{} {
	info := ec.Describe()
	resources := make([]interface{}, 0, len(info.Resources))
	for _, r := range info.Resources {
		times := make(map[string]interface{}, len(r.Times))
		for state, t := range r.Times {
			times[state] = t.Sub(info.StartedAt).Seconds()
		}
		resources = append(resources, map[string]interface{}{
			"guid":  int(r.Guid),
			"type":  r.Type,
			"state": r.State.String(),
			"times": times,
		})
	}
	return map[string]interface{}{
		"exp_id":    info.ExpID,
		"resources": resources,
	}
}

// Validate rejects option combinations that never stop.
func (o RunOptions) Validate() error {
	if o.MaxRuns < 0 || o.MinRuns < 0 {
		return fmt.Errorf("run counts must not be negative")
	}
	if o.MaxRuns > 0 && o.MinRuns > o.MaxRuns {
		return fmt.Errorf("min runs %d exceeds max runs %d", o.MinRuns, o.MaxRuns)
	}
	if o.MaxRuns == 0 && o.Metric == nil {
		return ErrNoStopCondition
	}
	return nil
}
