package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Release releases guids, or every resource when guids is empty, with at
// most Options.ReleaseWorkers releases in flight. Driver errors are logged
// and the resource is marked RELEASED regardless. Release keeps working
// after the controller left RUNNING.
func (ec *ExperimentController) Release(ctx context.Context, guids ...Guid) error {
	if len(guids) == 0 {
		guids = ec.Resources()
	}
	resources, err := ec.lookupAll(guids)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, ec.opts.ReleaseWorkers)
	var wg sync.WaitGroup
	for _, r := range resources {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			ec.forceReleased(resources)
			return ctx.Err()
		}
		wg.Add(1)
		go func(r Resource) {
			defer wg.Done()
			defer func() { <-sem }()
			ec.releaseOne(ctx, r)
		}(r)
	}
	wg.Wait()
	return ctx.Err()
}

func (ec *ExperimentController) releaseOne(ctx context.Context, r Resource) {
	log := r.core().Logger()

	unlock, err := r.core().lockOp(ctx)
	if err != nil {
		log.WithError(err).Warn("release gave up waiting for running operation")
		ec.markReleased(r)
		return
	}
	defer unlock()

	if r.State() == StateReleased {
		return
	}
	if err := guardRelease(ctx, r); err != nil {
		log.WithError(err).Warn("release failed")
		ec.metrics.RecordError(string(classOf(err)), "release")
	}
	ec.markReleased(r)
}

func guardRelease(ctx context.Context, r Resource) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.core().Logger().Errorf("release panicked: %v\n%s", p, debug.Stack())
			err = NewDriverError(fmt.Sprintf("release panicked: %v", p), nil).
				WithCode(ErrCodeInternal).
				WithResource(r.Guid()).
				WithOperation("release")
		}
	}()
	return r.Release(ctx)
}

func (ec *ExperimentController) markReleased(r Resource) {
	if err := r.core().SetState(StateReleased); err != nil {
		r.core().Logger().WithError(err).Error("could not mark resource released")
	}
}

func (ec *ExperimentController) forceReleased(resources []Resource) {
	for _, r := range resources {
		if r.State() != StateReleased {
			ec.markReleased(r)
		}
	}
}

// Shutdown terminates the controller. Pending tasks are discarded and
// in-flight driver operations are cancelled, then every resource is
// released and the controller moves to TERMINATED. A FAILED controller
// stays FAILED.
func (ec *ExperimentController) Shutdown(ctx context.Context) error {
	ec.mu.Lock()
	ec.closing = true
	ec.cond.Broadcast()
	ec.mu.Unlock()

	// Running operations hold their resource's operation lock until
	// their context is done.
	ec.cancel()

	err := ec.Release(ctx)
	ec.leaveRunning(ECStateTerminated, nil)

	select {
	case <-ec.loopDone:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	ec.expSpan.End()
	return err
}
