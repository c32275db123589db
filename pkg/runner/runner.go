// Package runner repeats an experiment on fresh controllers until a
// maximum number of runs or until a metric converges.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/expctl/pkg/config"
	"github.com/openfroyo/expctl/pkg/engine"
	"github.com/openfroyo/expctl/pkg/stores"
	"github.com/openfroyo/expctl/pkg/telemetry"
)

// DefaultShutdownTimeout bounds the release of one run's resources.
const DefaultShutdownTimeout = 2 * time.Minute

// ErrNoStopCondition is returned when neither MaxRuns nor a metric is set.
var ErrNoStopCondition = errors.New("runner needs max runs or a metric to stop")

// BuildFunc registers the resources of one run on ec.
type BuildFunc func(ec *engine.ExperimentController) error

// DeployFunc deploys the resources registered by a BuildFunc.
type DeployFunc func(ec *engine.ExperimentController) error

// MetricFunc computes the metric of a finished run.
type MetricFunc func(ctx context.Context, ec *engine.ExperimentController) (float64, error)

// ConvergenceFunc reports whether the samples collected so far are enough.
type ConvergenceFunc func(ctx context.Context, samples []float64) (bool, error)

// RunOptions configures Run.
type RunOptions struct {
	// MinRuns is the number of runs before convergence is evaluated.
	MinRuns int

	// MaxRuns stops the runner after this many runs. Zero means unbounded.
	MaxRuns int

	// WaitTime is slept after WaitGuids finished, before the metric is computed.
	WaitTime time.Duration

	// WaitGuids are waited on to finish in every run.
	WaitGuids []engine.Guid

	// Deploy deploys each run. ec.Deploy of every resource when nil.
	Deploy DeployFunc

	// Metric is computed after every run.
	Metric MetricFunc

	// Converged decides when to stop. NormalConvergence when nil and Metric is set.
	Converged ConvergenceFunc
}

// Config configures a Runner.
type Config struct {
	// Name identifies the repeated experiment in the ledger.
	Name string

	// Factory creates the resources of every run.
	Factory *engine.Factory

	// Options is the template of every run's controller options.
	// ExpID is derived from Name and the run index.
	Options engine.Options

	// Store records runs. Optional.
	Store stores.Store

	// ShutdownTimeout bounds the release at the end of each run.
	ShutdownTimeout time.Duration
}

// Result summarizes Run.
type Result struct {
	Runs      int       `json:"runs"`
	Samples   []float64 `json:"samples,omitempty"`
	Converged bool      `json:"converged"`
	Mean      float64   `json:"mean,omitempty"`
	Stdev     float64   `json:"stdev,omitempty"`
}

// Runner repeats experiments.
type Runner struct {
	cfg Config
	log *telemetry.Logger
}

// New creates a runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("factory is required")
	}
	if cfg.Name == "" {
		cfg.Name = "experiment"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller options: %w", err)
	}

	log := cfg.Options.Logger
	if log == nil {
		log = telemetry.NopLogger()
	}
	return &Runner{cfg: cfg, log: log.NewComponentLogger("runner")}, nil
}

// Run repeats build until MaxRuns or convergence and returns the samples.
// A failed run stops the runner.
func (r *Runner) Run(ctx context.Context, build BuildFunc, opts RunOptions) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	converged := opts.Converged
	if converged == nil && opts.Metric != nil {
		converged = NormalConvergence
	}

	result := &Result{}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Runs++

		sample, err := r.runOnce(ctx, result.Runs, build, opts)
		if err != nil {
			return result, fmt.Errorf("run %d: %w", result.Runs, err)
		}
		if opts.Metric != nil {
			result.Samples = append(result.Samples, sample)
			result.Mean, result.Stdev = config.Mean(result.Samples), sampleStdev(result.Samples)
		}

		if opts.MaxRuns > 0 && result.Runs >= opts.MaxRuns {
			r.log.Infof("stopping after %d runs", result.Runs)
			return result, nil
		}

		if converged != nil && result.Runs >= opts.MinRuns {
			done, err := converged(ctx, result.Samples)
			if err != nil {
				return result, fmt.Errorf("failed to evaluate convergence: %w", err)
			}
			if done {
				result.Converged = true
				r.log.Infof("converged after %d runs: mean %.4g stdev %.4g", result.Runs, result.Mean, result.Stdev)
				return result, nil
			}
		}
	}
}

// runOnce builds, deploys and measures one run on a fresh controller.
func (r *Runner) runOnce(ctx context.Context, index int, build BuildFunc, opts RunOptions) (sample float64, err error) {
	eopts := r.cfg.Options
	eopts.ExpID = fmt.Sprintf("%s-%d-%s", r.cfg.Name, index, uuid.NewString()[:8])

	ctx, span := eopts.Tracer.Start(ctx, "runner.run", trace.WithAttributes(
		telemetry.AttrExpID.String(eopts.ExpID),
		attribute.Int("run.index", index),
	))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	log := r.log.WithExpID(eopts.ExpID)
	log.Infof("run %d", index)

	r.recordStart(ctx, eopts.ExpID, index)
	defer func() { r.recordEnd(ctx, eopts.ExpID, sample, opts.Metric != nil, err) }()

	ec, err := engine.NewExperimentController(r.cfg.Factory, eopts)
	if err != nil {
		return 0, err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ShutdownTimeout)
		defer cancel()
		if serr := ec.Shutdown(sctx); serr != nil {
			log.WithError(serr).Warn("shutdown incomplete")
		}
	}()

	if err := build(ec); err != nil {
		return 0, fmt.Errorf("failed to build: %w", err)
	}

	deploy := opts.Deploy
	if deploy == nil {
		deploy = func(ec *engine.ExperimentController) error {
			_, err := ec.Deploy(nil)
			return err
		}
	}
	if err := deploy(ec); err != nil {
		return 0, fmt.Errorf("failed to deploy: %w", err)
	}

	if len(opts.WaitGuids) > 0 {
		if err := ec.WaitFinished(ctx, opts.WaitGuids...); err != nil {
			return 0, err
		}
	}
	if opts.WaitTime > 0 {
		select {
		case <-time.After(opts.WaitTime):
		case <-ec.Done():
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if ec.ECState() == engine.ECStateFailed {
		return 0, ec.Err()
	}

	if opts.Metric == nil {
		return 0, nil
	}
	sample, err = opts.Metric(ctx, ec)
	if err != nil {
		return 0, fmt.Errorf("failed to compute metric: %w", err)
	}
	log.Infof("metric %.6g", sample)
	return sample, nil
}

func (r *Runner) recordStart(ctx context.Context, expID string, index int) {
	if r.cfg.Store == nil {
		return
	}
	run := &stores.Run{ID: expID, Name: r.cfg.Name, Index: index, ExpID: expID}
	if err := r.cfg.Store.CreateRun(ctx, run); err != nil {
		r.log.WithError(err).Warn("failed to record run")
	}
}

func (r *Runner) recordEnd(ctx context.Context, expID string, sample float64, measured bool, runErr error) {
	if r.cfg.Store == nil {
		return
	}
	status := stores.RunStatusCompleted
	var metric *float64
	var msg *string
	if runErr != nil {
		status = stores.RunStatusFailed
		s := runErr.Error()
		msg = &s
	} else if measured {
		metric = &sample
	}
	if err := r.cfg.Store.CompleteRun(context.WithoutCancel(ctx), expID, status, metric, msg); err != nil {
		r.log.WithError(err).Warn("failed to record run outcome")
	}
}
