package engine

import (
	"fmt"
	"time"

	"github.com/openfroyo/expctl/pkg/telemetry"
)

// DefaultWorkers is the default size of the task worker pool.
const DefaultWorkers = 50

// Options configures an experiment controller.
type Options struct {
	// Workers bounds the number of tasks executing concurrently.
	Workers int

	// RescheduleDelay is the first delay used when an operation's
	// pre-condition is unmet.
	RescheduleDelay time.Duration

	// MaxRescheduleDelay caps the backed-off reschedule delay.
	MaxRescheduleDelay time.Duration

	// GroupPollInterval is how often a deployment group is checked for
	// all members being READY.
	GroupPollInterval time.Duration

	// WaitPollInterval caps the polling interval of the Wait methods.
	WaitPollInterval time.Duration

	// ReleaseWorkers bounds concurrent releases during Release and Shutdown.
	ReleaseWorkers int

	// ExpID names the experiment. A random id is generated when empty.
	ExpID string

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// DefaultOptions returns the default controller options.
func DefaultOptions() Options {
	return Options{
		Workers:            DefaultWorkers,
		RescheduleDelay:    500 * time.Millisecond,
		MaxRescheduleDelay: 5 * time.Second,
		GroupPollInterval:  time.Second,
		WaitPollInterval:   time.Second,
		ReleaseWorkers:     DefaultWorkers,
	}
}

// Validate checks if the options are valid.
func (o Options) Validate() error {
	if o.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", o.Workers)
	}
	if o.ReleaseWorkers <= 0 {
		return fmt.Errorf("release workers must be positive, got %d", o.ReleaseWorkers)
	}
	if o.RescheduleDelay <= 0 {
		return fmt.Errorf("reschedule delay must be positive, got %s", o.RescheduleDelay)
	}
	if o.MaxRescheduleDelay < o.RescheduleDelay {
		return fmt.Errorf("max reschedule delay %s is below reschedule delay %s",
			o.MaxRescheduleDelay, o.RescheduleDelay)
	}
	if o.GroupPollInterval <= 0 {
		return fmt.Errorf("group poll interval must be positive, got %s", o.GroupPollInterval)
	}
	if o.WaitPollInterval <= 0 {
		return fmt.Errorf("wait poll interval must be positive, got %s", o.WaitPollInterval)
	}
	return nil
}

// DeployOption configures a Deploy call.
type DeployOption func(*deployConfig)

type deployConfig struct {
	waitAllReady bool
	group        int
}

// WaitAllReady controls whether START is held until every resource of the
// deployment group is READY. It defaults to true.
func WaitAllReady(wait bool) DeployOption {
	return func(c *deployConfig) { c.waitAllReady = wait }
}

// Group adds the resources to an existing deployment group id.
func Group(id int) DeployOption {
	return func(c *deployConfig) { c.group = id }
}
