package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Wait blocks until every resource in guids is in one of states.
func (ec *ExperimentController) Wait(ctx context.Context, guids []Guid, states ...ResourceState) error {
	if len(states) == 0 {
		return NewInvalidError("no state to wait for", nil).WithCode(ErrCodeValidation)
	}
	want := make(map[ResourceState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	return ec.waitFor(ctx, guids, true, fmt.Sprint(states), func(s ResourceState) bool { return want[s] })
}

// WaitDeployed blocks until every resource reached READY or a later state.
func (ec *ExperimentController) WaitDeployed(ctx context.Context, guids ...Guid) error {
	return ec.waitFor(ctx, guids, true, "deployed", atLeast(StateReady))
}

// WaitStarted blocks until every resource reached STARTED or a later state.
func (ec *ExperimentController) WaitStarted(ctx context.Context, guids ...Guid) error {
	return ec.waitFor(ctx, guids, true, "started", atLeast(StateStarted))
}

// WaitFinished blocks until every resource reached FINISHED or a later state.
func (ec *ExperimentController) WaitFinished(ctx context.Context, guids ...Guid) error {
	return ec.waitFor(ctx, guids, true, "finished", atLeast(StateFinished))
}

// WaitReleased blocks until every resource is RELEASED. It keeps working
// after the controller left RUNNING.
func (ec *ExperimentController) WaitReleased(ctx context.Context, guids ...Guid) error {
	return ec.waitFor(ctx, guids, false, "released", func(s ResourceState) bool { return s == StateReleased })
}

func atLeast(floor ResourceState) func(ResourceState) bool {
	return func(s ResourceState) bool {
		return s >= floor && s != StateFailed && s != StateReleased
	}
}

func (ec *ExperimentController) waitFor(ctx context.Context, guids []Guid, running bool, label string, done func(ResourceState) bool) error {
	if len(guids) == 0 {
		guids = ec.Resources()
	}
	resources, err := ec.lookupAll(guids)
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ec.opts.WaitPollInterval / 10
	b.MaxInterval = ec.opts.WaitPollInterval
	b.Reset()

	pending := append([]Resource(nil), resources...)
	for {
		if running {
			if st := ec.ECState(); st != ECStateRunning {
				return errStopped(st)
			}
		}

		// Order does not matter for the result; shuffling spreads driver
		// probes across the set.
		rand.Shuffle(len(pending), func(i, j int) {
			pending[i], pending[j] = pending[j], pending[i]
		})

		for len(pending) > 0 {
			r := pending[0]
			s := r.State()
			if done(s) {
				pending = pending[1:]
				continue
			}
			if s.IsTerminal() {
				return NewInvalidError(fmt.Sprintf("resource is %s while waiting for %s", s, label), nil).
					WithCode(ErrCodeDependencyFailed).
					WithResource(r.Guid())
			}
			break
		}
		if len(pending) == 0 {
			return nil
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-ec.stoppedIf(running):
			timer.Stop()
		case <-timer.C:
		}
	}
}

// stoppedIf returns the stopped channel, or nil so the select ignores it.
func (ec *ExperimentController) stoppedIf(running bool) <-chan struct{} {
	if running {
		return ec.stopped
	}
	return nil
}
