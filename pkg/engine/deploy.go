package engine

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Deploy schedules deployment of guids, or of every resource when guids
// is empty, and returns the deployment group id.
//
// By default START is held until every member of the group is READY;
// WaitAllReady(false) schedules START right after DEPLOY instead.
// Resources with STOP conditions also get a stop task.
func (ec *ExperimentController) Deploy(guids []Guid, opts ...DeployOption) (int, error) {
	cfg := deployConfig{waitAllReady: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(guids) == 0 {
		guids = ec.Resources()
	}
	resources, err := ec.lookupAll(guids)
	if err != nil {
		return 0, err
	}

	shuffled := append([]Resource(nil), resources...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	ec.mu.Lock()
	defer ec.mu.Unlock()

	if err := ec.checkRunningLocked(); err != nil {
		return 0, err
	}

	group := cfg.group
	if group <= 0 {
		ec.nextGroup++
		group = ec.nextGroup
	} else if group > ec.nextGroup {
		ec.nextGroup = group
	}
	ec.groups[group] = appendUnique(ec.groups[group], guids)

	now := time.Now()
	for _, r := range shuffled {
		g := r.Guid()
		if _, err := ec.scheduleLocked(now, "deploy", g, ec.deployTask(r), false); err != nil {
			return 0, err
		}
		if !cfg.waitAllReady {
			if _, err := ec.scheduleLocked(now, "start", g, ec.startTask(r), false); err != nil {
				return 0, err
			}
		}
		if len(r.Conditions(ActionStop)) > 0 {
			if _, err := ec.scheduleLocked(now, "stop", g, ec.stopTask(r), false); err != nil {
				return 0, err
			}
		}
	}

	if cfg.waitAllReady {
		if _, err := ec.scheduleLocked(now, "group_poll", 0, ec.groupPollTask(group), false); err != nil {
			return 0, err
		}
	}

	ec.log.Infof("deploying %d resources in group %d", len(guids), group)
	return group, nil
}

func appendUnique(dst, src []Guid) []Guid {
	seen := make(map[Guid]bool, len(dst))
	for _, g := range dst {
		seen[g] = true
	}
	for _, g := range src {
		if !seen[g] {
			seen[g] = true
			dst = append(dst, g)
		}
	}
	return dst
}

// Start schedules a conditioned start of each resource.
func (ec *ExperimentController) Start(guids ...Guid) error {
	return ec.scheduleEach(guids, "start", ec.startTask)
}

// Stop schedules a conditioned stop of each resource.
func (ec *ExperimentController) Stop(guids ...Guid) error {
	return ec.scheduleEach(guids, "stop", ec.stopTask)
}

// Discover schedules discovery of each resource.
func (ec *ExperimentController) Discover(guids ...Guid) error {
	return ec.scheduleEach(guids, "discover", func(r Resource) TaskFunc {
		return ec.lifecycleTask(r, "discover", r.Discover, func(s ResourceState) bool { return s != StateNew })
	})
}

// Provision schedules provisioning of each resource.
func (ec *ExperimentController) Provision(guids ...Guid) error {
	return ec.scheduleEach(guids, "provision", func(r Resource) TaskFunc {
		return ec.lifecycleTask(r, "provision", r.Provision, func(s ResourceState) bool { return s > StateDiscovered })
	})
}

func (ec *ExperimentController) scheduleEach(guids []Guid, name string, build func(Resource) TaskFunc) error {
	resources, err := ec.lookupAll(guids)
	if err != nil {
		return err
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	now := time.Now()
	for _, r := range resources {
		if _, err := ec.scheduleLocked(now, name, r.Guid(), build(r), false); err != nil {
			return err
		}
	}
	return nil
}

// groupPollTask starts every member of a deployment group once all live
// members are READY. FAILED and RELEASED members are skipped.
func (ec *ExperimentController) groupPollTask(group int) TaskFunc {
	var poll TaskFunc
	poll = func(ctx context.Context) error {
		ec.mu.Lock()
		members := make([]Resource, 0, len(ec.groups[group]))
		for _, g := range ec.groups[group] {
			members = append(members, ec.resources[g])
		}
		ec.mu.Unlock()

		for _, r := range members {
			s := r.State()
			if !s.IsTerminal() && s < StateReady {
				_, err := ec.scheduleFor(ec.opts.GroupPollInterval, "group_poll", 0, poll, false)
				return ignoreStopped(err)
			}
		}

		ec.log.Debugf("deployment group %d ready", group)
		for _, r := range members {
			s := r.State()
			if s == StateReady {
				if _, err := ec.scheduleFor(0, "start", r.Guid(), ec.startTask(r), false); err != nil {
					return ignoreStopped(err)
				}
			}
		}
		return nil
	}
	return poll
}

// ignoreStopped drops the error of a reschedule attempted after the
// controller left RUNNING.
func ignoreStopped(err error) error {
	if HasCode(err, ErrCodeControllerStopped) {
		return nil
	}
	return err
}

// deployTask deploys r. An unready driver gets exactly one follow-up
// deploy after a backed-off delay.
func (ec *ExperimentController) deployTask(r Resource) TaskFunc {
	return func(ctx context.Context) error {
		unlock, err := r.core().lockOp(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		if s := r.State(); s.IsTerminal() || s >= StateReady {
			return nil
		}

		err = r.Deploy(ctx)
		switch {
		case err == nil:
			ec.resetDelay(r.Guid(), ActionDeploy)
			return nil
		case IsUnready(err):
			r.core().Logger().Debugf("deploy deferred: %v", err)
			return ec.reschedule(r, ActionDeploy, ec.nextDelay(r.Guid(), ActionDeploy), ec.deployTask(r))
		default:
			return failOp(ctx, r, "deploy", err)
		}
	}
}

// startTask starts r once it is READY or STOPPED and its START conditions hold.
func (ec *ExperimentController) startTask(r Resource) TaskFunc {
	return func(ctx context.Context) error {
		unlock, err := r.core().lockOp(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		s := r.State()
		switch {
		case s.IsTerminal() || s == StateStarted || s == StateFinished:
			return nil
		case s < StateReady:
			return ec.reschedule(r, ActionStart, ec.nextDelay(r.Guid(), ActionStart), ec.startTask(r))
		}

		if wait, after := ec.resolve(r.Guid(), ActionStart, r.Conditions(ActionStart)); wait {
			return ec.reschedule(r, ActionStart, after, ec.startTask(r))
		}

		return ec.finishOp(ctx, r, ActionStart, r.Start(ctx), ec.startTask)
	}
}

// stopTask stops r once it is STARTED and its STOP conditions hold.
func (ec *ExperimentController) stopTask(r Resource) TaskFunc {
	return func(ctx context.Context) error {
		unlock, err := r.core().lockOp(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		s := r.State()
		switch {
		case s.IsTerminal() || s == StateStopped || s == StateFinished:
			return nil
		case s < StateStarted:
			return ec.reschedule(r, ActionStop, ec.nextDelay(r.Guid(), ActionStop), ec.stopTask(r))
		}

		if wait, after := ec.resolve(r.Guid(), ActionStop, r.Conditions(ActionStop)); wait {
			return ec.reschedule(r, ActionStop, after, ec.stopTask(r))
		}

		return ec.finishOp(ctx, r, ActionStop, r.Stop(ctx), ec.stopTask)
	}
}

// lifecycleTask runs a single unconditioned lifecycle operation unless
// done reports the resource is already past it.
func (ec *ExperimentController) lifecycleTask(r Resource, op string, fn func(context.Context) error, done func(ResourceState) bool) TaskFunc {
	return func(ctx context.Context) error {
		unlock, err := r.core().lockOp(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		if done(r.State()) {
			return nil
		}

		err = fn(ctx)
		if err == nil || IsUnready(err) {
			return err
		}
		return failOp(ctx, r, op, err)
	}
}

func (ec *ExperimentController) finishOp(ctx context.Context, r Resource, action ResourceAction, err error, retry func(Resource) TaskFunc) error {
	switch {
	case err == nil:
		ec.resetDelay(r.Guid(), action)
		return nil
	case IsUnready(err):
		return ec.reschedule(r, action, ec.nextDelay(r.Guid(), action), retry(r))
	default:
		return failOp(ctx, r, string(action), err)
	}
}

// failOp marks r FAILED and returns a fatal error. Invalid errors from
// a lifecycle step are escalated as driver failures. An operation
// interrupted by Shutdown leaves the resource as it is.
func failOp(ctx context.Context, r Resource, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if IsInvalid(err) {
		err = NewDriverError(op+" failed", err).WithResource(r.Guid()).WithOperation(op)
	}
	return r.core().Fail(op, err)
}

func (ec *ExperimentController) reschedule(r Resource, action ResourceAction, after time.Duration, fn TaskFunc) error {
	ec.metrics.RecordReschedule(string(action))
	_, err := ec.scheduleFor(after, string(action), r.Guid(), fn, false)
	return ignoreStopped(err)
}

// resolve evaluates conditions; unmet states defer by the backed-off delay.
func (ec *ExperimentController) resolve(guid Guid, action ResourceAction, conds []Condition) (bool, time.Duration) {
	if len(conds) == 0 {
		return false, 0
	}
	lookup := func(g Guid) (ConditionMember, bool) {
		r, ok := ec.Resource(g)
		return r, ok
	}
	wait, after := ResolveConditions(conds, lookup, ec.nextDelay(guid, action), time.Now())
	if !wait {
		ec.resetDelay(guid, action)
	}
	return wait, after
}

func (ec *ExperimentController) nextDelay(guid Guid, action ResourceAction) time.Duration {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	key := backoffKey{guid: guid, action: action}
	b, ok := ec.backoffs[key]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = ec.opts.RescheduleDelay
		b.MaxInterval = ec.opts.MaxRescheduleDelay
		b.Multiplier = 1.5
		b.RandomizationFactor = 0.1
		b.Reset()
		ec.backoffs[key] = b
	}
	return b.NextBackOff()
}

func (ec *ExperimentController) resetDelay(guid Guid, action ResourceAction) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if b, ok := ec.backoffs[backoffKey{guid: guid, action: action}]; ok {
		b.Reset()
	}
}
