package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/openfroyo/expctl/pkg/telemetry"
)

// workerPool runs tasks on a fixed number of goroutines fed by an
// unbounded FIFO, so the processing loop never blocks on submission.
type workerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Task
	closed bool
	wg     sync.WaitGroup
	run    func(*Task)
}

func newWorkerPool(workers int, run func(*Task)) *workerPool {
	p := &workerPool{run: run}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) submit(t *Task) {
	p.mu.Lock()
	p.queue = append(p.queue, t)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(t)
	}
}

// close stops the workers once the queue is empty and waits for them.
func (p *workerPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// Schedule runs fn after delay. It implements Handle for drivers.
func (ec *ExperimentController) Schedule(delay time.Duration, name string, fn TaskFunc) (TaskID, error) {
	return ec.scheduleFor(delay, name, 0, fn, false)
}

// ScheduleTask runs fn at a relative ("2s") or absolute (20-digit) time.
// Tracked tasks can be inspected with GetTask after they ran.
func (ec *ExperimentController) ScheduleTask(when string, name string, fn TaskFunc, track bool) (TaskID, error) {
	deadline, err := ParseDeadline(when, time.Now())
	if err != nil {
		return 0, NewInvalidError("invalid task date", err).WithCode(ErrCodeValidation)
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.scheduleLocked(deadline, name, 0, fn, track)
}

func (ec *ExperimentController) scheduleFor(delay time.Duration, name string, guid Guid, fn TaskFunc, track bool) (TaskID, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.scheduleLocked(time.Now().Add(delay), name, guid, fn, track)
}

func (ec *ExperimentController) scheduleLocked(deadline time.Time, name string, guid Guid, fn TaskFunc, track bool) (TaskID, error) {
	if err := ec.checkRunningLocked(); err != nil {
		return 0, err
	}
	if fn == nil {
		return 0, NewInvalidError("task callback is nil", nil).WithCode(ErrCodeValidation)
	}
	t := &Task{
		Deadline: deadline,
		Name:     name,
		Guid:     guid,
		fn:       fn,
	}
	id := ec.sched.Schedule(t)
	if track {
		ec.tracked[id] = t
	}
	ec.metrics.RecordTaskScheduled(name)
	ec.metrics.SetQueueDepth(ec.sched.Len())
	ec.cond.Broadcast()
	return id, nil
}

// processLoop hands due tasks to the worker pool until the controller
// leaves RUNNING.
func (ec *ExperimentController) processLoop() {
	defer close(ec.loopDone)
	defer ec.pool.close()

	ec.mu.Lock()
	for {
		if ec.state != ECStateRunning || ec.closing {
			dropped := ec.sched.Drain()
			ec.metrics.SetQueueDepth(0)
			ec.mu.Unlock()
			if len(dropped) > 0 {
				ec.log.Debugf("discarded %d pending tasks", len(dropped))
			}
			return
		}

		next := ec.sched.Peek()
		if next == nil {
			ec.cond.Wait()
			continue
		}

		if wait := time.Until(next.Deadline); wait > 0 {
			// The timer callback needs mu, so its broadcast cannot be
			// lost before Wait releases the lock.
			timer := time.AfterFunc(wait, func() {
				ec.mu.Lock()
				ec.cond.Broadcast()
				ec.mu.Unlock()
			})
			ec.cond.Wait()
			timer.Stop()
			continue
		}

		t := ec.sched.Next()
		ec.metrics.SetQueueDepth(ec.sched.Len())
		ec.mu.Unlock()

		ec.pool.submit(t)

		ec.mu.Lock()
	}
}

// execute runs one task inside the fault boundary.
func (ec *ExperimentController) execute(t *Task) {
	ec.mu.Lock()
	dispatchable := ec.state == ECStateRunning && !ec.closing
	ec.mu.Unlock()
	if !dispatchable {
		return
	}

	log := ec.log.WithTask(int64(t.ID), t.Name)
	if t.Guid != 0 {
		log = log.WithField("guid", int64(t.Guid))
	}

	started := time.Now()
	ec.mu.Lock()
	t.StartedAt = started
	ec.mu.Unlock()

	ec.metrics.WorkerBusy(1)
	ctx, span := ec.tracer.StartTaskSpan(ec.ctx, int64(t.ID), t.Name, int64(t.Guid))
	err := runGuarded(log.WithContext(ctx), t)
	ec.metrics.WorkerBusy(-1)

	completed := time.Now()
	status := TaskDone
	if err != nil {
		status = TaskError
	}

	ec.mu.Lock()
	t.Status = status
	t.Err = err
	t.CompletedAt = completed
	ec.mu.Unlock()

	ec.metrics.RecordTaskExecuted(t.Name, string(status), started.Sub(t.Deadline), completed.Sub(started))

	if err == nil {
		telemetry.RecordSuccess(span)
		span.End()
		ec.publish(ec.events.PublishTaskCompleted(ec.expID, int64(t.ID), t.Name, int64(t.Guid), completed.Sub(started)))
		return
	}

	telemetry.RecordError(span, err)
	span.End()

	class, code := string(classOf(err)), ""
	var e *EngineError
	if errors.As(err, &e) {
		code = e.Code
	}
	ec.metrics.RecordError(class, code)
	ec.publish(ec.events.PublishTaskFailed(ec.expID, int64(t.ID), t.Name, int64(t.Guid), class, err.Error()))

	if !IsFatal(err) {
		log.WithError(err).Warn("task failed")
		return
	}
	if ec.ctx.Err() != nil {
		log.WithError(err).Debug("task aborted by shutdown")
		return
	}

	log.WithError(err).Error("task failed, experiment is failing")
	ec.fail(err)
}

func runGuarded(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.FromContext(ctx).Errorf("task panicked: %v\n%s", r, debug.Stack())
			err = &EngineError{
				Class:     ErrorClassDriver,
				Code:      ErrCodeInternal,
				Message:   fmt.Sprintf("task panicked: %v", r),
				Resource:  t.Guid,
				Operation: t.Name,
			}
		}
	}()
	return t.fn(ctx)
}

// fail moves the controller to FAILED. Later failures are ignored.
func (ec *ExperimentController) fail(err error) {
	ec.leaveRunning(ECStateFailed, err)
}

func (ec *ExperimentController) leaveRunning(to ECState, err error) bool {
	ec.mu.Lock()
	if ec.state != ECStateRunning {
		ec.mu.Unlock()
		return false
	}
	ec.state = to
	ec.reason = err
	close(ec.stopped)
	ec.cond.Broadcast()
	ec.mu.Unlock()

	reason := ""
	if err != nil {
		reason = err.Error()
		telemetry.RecordError(ec.expSpan, err)
	}
	ec.metrics.RecordExperimentFinished(string(to), time.Since(ec.startedAt))
	ec.publish(ec.events.PublishExperimentStateChanged(ec.expID, string(ECStateRunning), string(to), reason))
	ec.log.Infof("experiment controller %s", to)
	return true
}
