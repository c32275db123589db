package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// testNode is a driver whose failures are configured per instance.
type testNode struct {
	*Base

	unready     int32
	deployErr   error
	releaseErr  error
	panicStart  bool
	blockDeploy bool
	deployCalls atomic.Int32
	startCalls  atomic.Int32
}

func (n *testNode) Deploy(ctx context.Context) error {
	calls := n.deployCalls.Add(1)
	if calls <= n.unready {
		return NotReady("waiting for attempt %d", n.unready+1)
	}
	if n.deployErr != nil {
		return n.deployErr
	}
	if n.blockDeploy {
		<-ctx.Done()
		return ctx.Err()
	}
	return n.Base.Deploy(ctx)
}

func (n *testNode) Start(ctx context.Context) error {
	n.startCalls.Add(1)
	if n.panicStart {
		panic("driver bug")
	}
	return n.Base.Start(ctx)
}

func (n *testNode) Release(ctx context.Context) error {
	if n.releaseErr != nil {
		return n.releaseErr
	}
	return n.Base.Release(ctx)
}

func testFactory() *Factory {
	f := NewFactory()
	f.MustRegister(TypeInfo{
		Name: "test::Node",
		Help: "Test node",
		Attributes: []Attribute{
			{Name: "hostname", Type: AttrString, Default: "localhost"},
			{Name: "port", Type: AttrInteger, Default: 22, Validate: "min=1,max=65535"},
			{Name: "arch", Type: AttrEnum, Allowed: []string{"x86_64", "arm64"}, Default: "x86_64", Flags: FlagReadOnly},
			{Name: "image", Type: AttrString, Flags: FlagExecReadOnly},
			{Name: "password", Type: AttrString, Flags: FlagCredential},
		},
		Traces: []Trace{{Name: "stdout", Help: "Standard output"}},
		New: func(base *Base) (Resource, error) {
			return &testNode{Base: base}, nil
		},
	})
	return f
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Workers = 8
	opts.ReleaseWorkers = 4
	opts.RescheduleDelay = 20 * time.Millisecond
	opts.MaxRescheduleDelay = 100 * time.Millisecond
	opts.GroupPollInterval = 20 * time.Millisecond
	opts.WaitPollInterval = 50 * time.Millisecond
	return opts
}

func newTestController(t *testing.T) *ExperimentController {
	t.Helper()
	ec, err := NewExperimentController(testFactory(), testOptions())
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ec.Shutdown(ctx)
	})
	return ec
}

func registerNodes(t *testing.T, ec *ExperimentController, n int) ([]Guid, []*testNode) {
	t.Helper()
	guids := make([]Guid, 0, n)
	nodes := make([]*testNode, 0, n)
	for i := 0; i < n; i++ {
		g, err := ec.RegisterResource("test::Node")
		if err != nil {
			t.Fatalf("Failed to register resource: %v", err)
		}
		r, ok := ec.Resource(g)
		if !ok {
			t.Fatalf("Expected resource %d to be registered", g)
		}
		guids = append(guids, g)
		nodes = append(nodes, r.(*testNode))
	}
	return guids, nodes
}

func waitCtx(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func waitTask(t *testing.T, ec *ExperimentController, id TaskID) TaskInfo {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		info, ok := ec.GetTask(id)
		if !ok {
			t.Fatalf("Expected task %d to be tracked", id)
		}
		if info.Status != TaskPending {
			return info
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Task %d did not complete", id)
	return TaskInfo{}
}

func TestNewExperimentController_InvalidOptions(t *testing.T) {
	opts := testOptions()
	opts.Workers = 0
	if _, err := NewExperimentController(testFactory(), opts); err == nil {
		t.Error("Expected error for zero workers")
	}
	if _, err := NewExperimentController(nil, testOptions()); err == nil {
		t.Error("Expected error for nil factory")
	}
}

func TestController_RegisterResource(t *testing.T) {
	ec := newTestController(t)

	if ec.ExpID() == "" {
		t.Error("Expected generated experiment id")
	}

	guids, _ := registerNodes(t, ec, 2)
	if guids[0] != 1 || guids[1] != 2 {
		t.Errorf("Expected guids 1 and 2, got %v", guids)
	}

	if _, err := ec.RegisterResource("test::Missing"); !IsInvalid(err) || !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND invalid error, got %v", err)
	}

	if _, err := ec.RegisterResourceWithGuid("test::Node", 1); !HasCode(err, ErrCodeAlreadyExists) {
		t.Errorf("Expected ALREADY_EXISTS, got %v", err)
	}

	g, err := ec.RegisterResourceWithGuid("test::Node", 10)
	if err != nil {
		t.Fatalf("Failed to register with guid: %v", err)
	}
	if g != 10 {
		t.Errorf("Expected guid 10, got %d", g)
	}

	state, err := ec.State(g)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state != StateNew {
		t.Errorf("Expected NEW, got %s", state)
	}

	if _, err := ec.State(99); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND for unknown guid, got %v", err)
	}
}

func TestController_DeployStartsAllResources(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 5)

	group, err := ec.Deploy(nil)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if group != 1 {
		t.Errorf("Expected group 1, got %d", group)
	}

	if err := ec.WaitStarted(waitCtx(t, 5*time.Second), guids...); err != nil {
		t.Fatalf("WaitStarted failed: %v", err)
	}

	for i, n := range nodes {
		if n.State() != StateStarted {
			t.Errorf("Resource %d: expected STARTED, got %s", guids[i], n.State())
		}
		ready, started := n.StateTime(StateReady), n.StateTime(StateStarted)
		if ready.IsZero() || started.Before(ready) {
			t.Errorf("Resource %d: expected READY (%v) before STARTED (%v)", guids[i], ready, started)
		}
	}

	// Start is held until the whole group is READY.
	var lastReady time.Time
	for _, n := range nodes {
		if r := n.StateTime(StateReady); r.After(lastReady) {
			lastReady = r
		}
	}
	for i, n := range nodes {
		if n.StateTime(StateStarted).Before(lastReady) {
			t.Errorf("Resource %d started before the group was ready", guids[i])
		}
	}
}

func TestController_StartConditionWithDelay(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 2)
	a, b := guids[0], guids[1]

	if err := ec.RegisterCondition([]Guid{b}, ActionStart, []Guid{a}, StateStarted, "1s"); err != nil {
		t.Fatalf("RegisterCondition failed: %v", err)
	}

	if _, err := ec.Deploy(nil, WaitAllReady(false)); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if err := ec.WaitStarted(waitCtx(t, 5*time.Second), b); err != nil {
		t.Fatalf("WaitStarted failed: %v", err)
	}

	gap := nodes[1].StateTime(StateStarted).Sub(nodes[0].StateTime(StateStarted))
	if gap < time.Second {
		t.Errorf("Expected B to start at least 1s after A, got %v", gap)
	}
}

func TestController_StartAfterReadyWithDelay(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 2)
	a, b := guids[0], guids[1]
	nodes[0].unready = 2

	if err := ec.RegisterCondition([]Guid{b}, ActionStart, []Guid{a}, StateReady, "2s"); err != nil {
		t.Fatalf("RegisterCondition failed: %v", err)
	}

	if _, err := ec.Deploy(nil, WaitAllReady(false)); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if err := ec.WaitStarted(waitCtx(t, 6*time.Second), b); err != nil {
		t.Fatalf("WaitStarted failed: %v", err)
	}

	gap := nodes[1].StateTime(StateStarted).Sub(nodes[0].StateTime(StateReady))
	if gap < 2*time.Second {
		t.Errorf("Expected B to start at least 2s after A was ready, got %v", gap)
	}
}

func TestController_RegisterConditionValidation(t *testing.T) {
	ec := newTestController(t)
	guids, _ := registerNodes(t, ec, 2)

	tests := []struct {
		name   string
		action ResourceAction
		group  []Guid
		delay  string
	}{
		{"deploy action", ActionDeploy, guids[1:], ""},
		{"empty group", ActionStart, nil, ""},
		{"bad delay", ActionStart, guids[1:], "soon"},
		{"unknown guid", ActionStart, []Guid{42}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ec.RegisterCondition(guids[:1], tt.action, tt.group, StateStarted, tt.delay)
			if !IsInvalid(err) {
				t.Errorf("Expected invalid error, got %v", err)
			}
		})
	}
}

func TestController_UnreadyDeployIsRescheduled(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 1)
	nodes[0].unready = 2

	if _, err := ec.Deploy(guids); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if err := ec.WaitStarted(waitCtx(t, 5*time.Second), guids...); err != nil {
		t.Fatalf("WaitStarted failed: %v", err)
	}

	if calls := nodes[0].deployCalls.Load(); calls != 3 {
		t.Errorf("Expected 3 deploy attempts, got %d", calls)
	}
	if ec.ECState() != ECStateRunning {
		t.Errorf("Expected RUNNING, got %s", ec.ECState())
	}
}

func TestController_DeployIsIdempotent(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 1)

	if _, err := ec.Deploy(guids); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if err := ec.WaitStarted(waitCtx(t, 5*time.Second), guids...); err != nil {
		t.Fatalf("WaitStarted failed: %v", err)
	}
	started := nodes[0].StateTime(StateStarted)

	if _, err := ec.Deploy(guids); err != nil {
		t.Fatalf("Second deploy failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if calls := nodes[0].deployCalls.Load(); calls != 1 {
		t.Errorf("Expected 1 driver deploy, got %d", calls)
	}
	if nodes[0].State() != StateStarted {
		t.Errorf("Expected STARTED, got %s", nodes[0].State())
	}
	if !nodes[0].StateTime(StateStarted).Equal(started) {
		t.Error("Expected STARTED timestamp to be unchanged")
	}
}

func TestController_FailingTaskFailsExperiment(t *testing.T) {
	ec := newTestController(t)

	var ranLater atomic.Bool
	if _, err := ec.ScheduleTask("0s", "boom", func(ctx context.Context) error {
		return NewDriverError("boom", nil)
	}, true); err != nil {
		t.Fatalf("ScheduleTask failed: %v", err)
	}
	if _, err := ec.ScheduleTask("300ms", "later", func(ctx context.Context) error {
		ranLater.Store(true)
		return nil
	}, false); err != nil {
		t.Fatalf("ScheduleTask failed: %v", err)
	}

	select {
	case <-ec.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected controller to fail within 1s")
	}

	if ec.ECState() != ECStateFailed {
		t.Errorf("Expected FAILED, got %s", ec.ECState())
	}
	if !IsDriver(ec.Err()) {
		t.Errorf("Expected driver error as reason, got %v", ec.Err())
	}

	time.Sleep(400 * time.Millisecond)
	if ranLater.Load() {
		t.Error("Expected pending task to be discarded after failure")
	}
}

func TestController_InvalidDriverErrorFailsExperiment(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 2)
	nodes[0].deployErr = NewInvalidError("hostname is not set", nil).WithCode(ErrCodeValidation)

	if _, err := ec.Deploy(nil); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := ec.WaitStarted(ctx, guids...)
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected WaitStarted to fail before its deadline, got %v", err)
	}

	select {
	case <-ec.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Expected controller to fail within 3s")
	}
	if ec.ECState() != ECStateFailed {
		t.Errorf("Expected FAILED, got %s", ec.ECState())
	}
	if nodes[0].State() != StateFailed {
		t.Errorf("Expected resource FAILED, got %s", nodes[0].State())
	}
	if !IsFatal(ec.Err()) {
		t.Errorf("Expected fatal reason, got %v", ec.Err())
	}
}

func TestController_WaitReturnsWhenControllerFails(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 1)
	nodes[0].unready = 1000

	if _, err := ec.Deploy(guids); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- ec.WaitStarted(context.Background(), guids...)
	}()
	time.Sleep(200 * time.Millisecond)

	if _, err := ec.ScheduleTask("0s", "boom", func(ctx context.Context) error {
		return NewDriverError("boom", nil)
	}, false); err != nil {
		t.Fatalf("ScheduleTask failed: %v", err)
	}

	select {
	case <-ec.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected controller to fail within 1s")
	}
	failedAt := time.Now()

	select {
	case err := <-waitErr:
		if !HasCode(err, ErrCodeControllerStopped) {
			t.Errorf("Expected CONTROLLER_STOPPED, got %v", err)
		}
		if elapsed := time.Since(failedAt); elapsed > testOptions().WaitPollInterval+100*time.Millisecond {
			t.Errorf("Expected WaitStarted to return within one poll interval, took %v", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected WaitStarted to return after the controller failed")
	}
}

func TestController_InvalidTaskErrorIsNotFatal(t *testing.T) {
	ec := newTestController(t)

	id, err := ec.ScheduleTask("", "bad_input", func(ctx context.Context) error {
		return NewInvalidError("bad input", nil).WithCode(ErrCodeValidation)
	}, true)
	if err != nil {
		t.Fatalf("ScheduleTask failed: %v", err)
	}

	info := waitTask(t, ec, id)
	if info.Status != TaskError {
		t.Errorf("Expected ERROR status, got %s", info.Status)
	}
	if info.Error == "" {
		t.Error("Expected task error message")
	}
	if ec.ECState() != ECStateRunning {
		t.Errorf("Expected RUNNING, got %s", ec.ECState())
	}
}

func TestController_PanicFailsExperiment(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 1)
	nodes[0].panicStart = true

	if _, err := ec.Deploy(guids); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	select {
	case <-ec.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Expected controller to fail after driver panic")
	}

	if !HasCode(ec.Err(), ErrCodeInternal) {
		t.Errorf("Expected INTERNAL_ERROR reason, got %v", ec.Err())
	}
}

func TestController_DriverFailureMarksResourceFailed(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 1)
	nodes[0].deployErr = errors.New("image not found")

	if _, err := ec.Deploy(guids); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	select {
	case <-ec.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Expected controller to fail")
	}

	if nodes[0].State() != StateFailed {
		t.Errorf("Expected FAILED resource, got %s", nodes[0].State())
	}
	if err := ec.WaitDeployed(waitCtx(t, time.Second), guids...); err == nil {
		t.Error("Expected WaitDeployed to fail for a failed resource")
	}
}

func TestController_NoEarlyExecution(t *testing.T) {
	ec := newTestController(t)

	ids := make([]TaskID, 0, 5)
	for _, when := range []string{"250ms", "50ms", "150ms", "0s", "100ms"} {
		id, err := ec.ScheduleTask(when, "tick", noop, true)
		if err != nil {
			t.Fatalf("ScheduleTask failed: %v", err)
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		info := waitTask(t, ec, id)
		if info.StartedAt.Before(info.Deadline) {
			t.Errorf("Task %d started %v before its deadline", id, info.Deadline.Sub(info.StartedAt))
		}
	}
}

func TestController_ScheduleTaskValidation(t *testing.T) {
	ec := newTestController(t)

	if _, err := ec.ScheduleTask("tomorrow", "bad", noop, false); !IsInvalid(err) {
		t.Errorf("Expected invalid error for bad date, got %v", err)
	}
	if _, err := ec.ScheduleTask("1s", "nil", nil, false); !IsInvalid(err) {
		t.Errorf("Expected invalid error for nil callback, got %v", err)
	}
	if _, ok := ec.GetTask(12345); ok {
		t.Error("Expected unknown task to be untracked")
	}
}

func TestController_SetAndGet(t *testing.T) {
	ec := newTestController(t)
	guids, _ := registerNodes(t, ec, 1)
	g := guids[0]

	v, err := ec.Get(g, "hostname")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != "localhost" {
		t.Errorf("Expected default localhost, got %v", v)
	}

	id, err := ec.Set(g, "port", "2222")
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if info := waitTask(t, ec, id); info.Status != TaskDone {
		t.Fatalf("Expected set task DONE, got %s (%s)", info.Status, info.Error)
	}
	v, _ = ec.Get(g, "port")
	if v != int64(2222) {
		t.Errorf("Expected port 2222, got %v (%T)", v, v)
	}

	if _, err := ec.Set(g, "port", 70000); !HasCode(err, ErrCodeValidation) {
		t.Errorf("Expected validation error for out of range port, got %v", err)
	}
	if _, err := ec.Set(g, "arch", "arm64"); !IsInvalid(err) {
		t.Errorf("Expected read-only error, got %v", err)
	}
	if _, err := ec.Set(g, "missing", "x"); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
	if _, err := ec.Get(g, "missing"); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND from Get, got %v", err)
	}
}

func TestController_ExecReadOnlyAfterDeploy(t *testing.T) {
	ec := newTestController(t)
	guids, _ := registerNodes(t, ec, 1)
	g := guids[0]

	id, err := ec.Set(g, "image", "ubuntu")
	if err != nil {
		t.Fatalf("Set before deploy failed: %v", err)
	}
	waitTask(t, ec, id)

	if _, err := ec.Deploy(guids); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if err := ec.WaitDeployed(waitCtx(t, 5*time.Second), guids...); err != nil {
		t.Fatalf("WaitDeployed failed: %v", err)
	}

	if _, err := ec.Set(g, "image", "debian"); !IsInvalid(err) {
		t.Errorf("Expected exec-read-only error after deploy, got %v", err)
	}
}

func TestController_SetWithConditions(t *testing.T) {
	ec := newTestController(t)
	guids, _ := registerNodes(t, ec, 2)

	id, err := ec.SetWithConditions(guids[0], "hostname", "node-a", guids[1:], StateStarted, "")
	if err != nil {
		t.Fatalf("SetWithConditions failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if v, _ := ec.Get(guids[0], "hostname"); v != "localhost" {
		t.Errorf("Expected value unchanged before condition holds, got %v", v)
	}

	if _, err := ec.Deploy(guids[1:]); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if err := ec.WaitStarted(waitCtx(t, 5*time.Second), guids[1]); err != nil {
		t.Fatalf("WaitStarted failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if v, _ := ec.Get(guids[0], "hostname"); v == "node-a" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if v, _ := ec.Get(guids[0], "hostname"); v != "node-a" {
		t.Errorf("Expected node-a after condition, got %v", v)
	}

	// The initial task completes by rescheduling itself.
	if info, _ := ec.GetTask(id); info.Status != TaskDone {
		t.Errorf("Expected tracked task DONE, got %s", info.Status)
	}
}

func TestController_StopAndWait(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 2)

	if _, err := ec.Deploy(guids); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if err := ec.WaitStarted(waitCtx(t, 5*time.Second), guids...); err != nil {
		t.Fatalf("WaitStarted failed: %v", err)
	}

	if err := ec.Stop(guids...); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := ec.Wait(waitCtx(t, 5*time.Second), guids, StateStopped); err != nil {
		t.Fatalf("Wait for STOPPED failed: %v", err)
	}

	for _, n := range nodes {
		if n.StateTime(StateStopped).Before(n.StateTime(StateStarted)) {
			t.Error("Expected STOPPED after STARTED")
		}
	}

	if err := ec.Wait(context.Background(), guids); !IsInvalid(err) {
		t.Errorf("Expected invalid error for Wait without states, got %v", err)
	}
}

func TestController_WaitHonorsContext(t *testing.T) {
	ec := newTestController(t)
	guids, _ := registerNodes(t, ec, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := ec.WaitStarted(ctx, guids...); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestController_ReleaseWithFailingDriver(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 5)
	nodes[2].releaseErr = errors.New("stop command failed")

	if _, err := ec.Deploy(nil); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if err := ec.WaitStarted(waitCtx(t, 5*time.Second), guids...); err != nil {
		t.Fatalf("WaitStarted failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ec.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for i, n := range nodes {
		if n.State() != StateReleased {
			t.Errorf("Resource %d: expected RELEASED, got %s", guids[i], n.State())
		}
		if n.StateTime(StateReleased).Before(n.StateTime(StateStarted)) {
			t.Errorf("Resource %d: expected RELEASED after STARTED", guids[i])
		}
	}
	if ec.ECState() != ECStateTerminated {
		t.Errorf("Expected TERMINATED, got %s", ec.ECState())
	}
	if err := ec.WaitReleased(waitCtx(t, time.Second), guids...); err != nil {
		t.Errorf("Expected WaitReleased to succeed after shutdown, got %v", err)
	}
}

func TestController_ShutdownCancelsInFlightDeploy(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 2)
	nodes[0].blockDeploy = true

	if _, err := ec.Deploy(nil); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for nodes[0].deployCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if nodes[0].deployCalls.Load() == 0 {
		t.Fatal("Expected deploy to be in flight")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	started := time.Now()
	if err := ec.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Errorf("Expected Shutdown to interrupt the deploy, took %v", elapsed)
	}

	for i, n := range nodes {
		if n.State() != StateReleased {
			t.Errorf("Resource %d: expected RELEASED, got %s", guids[i], n.State())
		}
	}
	if ec.ECState() != ECStateTerminated {
		t.Errorf("Expected TERMINATED, got %s", ec.ECState())
	}
}

func TestController_ReleaseAfterFailure(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 2)
	nodes[0].deployErr = errors.New("boom")

	if _, err := ec.Deploy(nil); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	<-ec.Done()

	if err := ec.Release(waitCtx(t, 5*time.Second)); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	for i, n := range nodes {
		if n.State() != StateReleased {
			t.Errorf("Resource %d: expected RELEASED, got %s", guids[i], n.State())
		}
	}
	if ec.ECState() != ECStateFailed {
		t.Errorf("Expected controller to stay FAILED, got %s", ec.ECState())
	}
}

func TestController_APIAfterShutdown(t *testing.T) {
	ec := newTestController(t)
	guids, _ := registerNodes(t, ec, 1)

	if err := ec.Shutdown(waitCtx(t, 5*time.Second)); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if _, err := ec.RegisterResource("test::Node"); !HasCode(err, ErrCodeControllerStopped) {
		t.Errorf("Expected CONTROLLER_STOPPED from RegisterResource, got %v", err)
	}
	if _, err := ec.Deploy(guids); !HasCode(err, ErrCodeControllerStopped) {
		t.Errorf("Expected CONTROLLER_STOPPED from Deploy, got %v", err)
	}
	if _, err := ec.ScheduleTask("", "late", noop, false); !HasCode(err, ErrCodeControllerStopped) {
		t.Errorf("Expected CONTROLLER_STOPPED from ScheduleTask, got %v", err)
	}
	if err := ec.WaitStarted(context.Background(), guids...); !HasCode(err, ErrCodeControllerStopped) {
		t.Errorf("Expected CONTROLLER_STOPPED from WaitStarted, got %v", err)
	}
}

func TestController_Connections(t *testing.T) {
	ec := newTestController(t)
	guids, _ := registerNodes(t, ec, 3)

	if err := ec.RegisterConnection(guids[0], guids[0]); !IsInvalid(err) {
		t.Errorf("Expected invalid error for self connection, got %v", err)
	}
	if err := ec.RegisterConnection(guids[0], 99); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
	if err := ec.RegisterConnection(guids[0], guids[1]); err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}

	connected, err := ec.GetConnected(guids[1], "test::Node")
	if err != nil {
		t.Fatalf("GetConnected failed: %v", err)
	}
	if len(connected) != 1 || connected[0] != guids[0] {
		t.Errorf("Expected [%d], got %v", guids[0], connected)
	}

	connected, _ = ec.GetConnected(guids[2], "")
	if len(connected) != 0 {
		t.Errorf("Expected no connections, got %v", connected)
	}
}

func TestController_TraceRequiresEnabled(t *testing.T) {
	ec := newTestController(t)
	guids, _ := registerNodes(t, ec, 1)

	if err := ec.RegisterTrace(guids[0], "missing"); !IsInvalid(err) {
		t.Errorf("Expected invalid error for unknown trace, got %v", err)
	}
	if _, err := ec.Trace(context.Background(), guids[0], "stdout", TraceAll, 0, 0); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND for disabled trace, got %v", err)
	}
	if err := ec.RegisterTrace(guids[0], "stdout"); err != nil {
		t.Fatalf("RegisterTrace failed: %v", err)
	}
	if _, err := ec.Trace(context.Background(), guids[0], "stdout", TraceAll, 0, 0); !IsInvalid(err) {
		t.Errorf("Expected invalid error for driver without traces, got %v", err)
	}

	windows := []struct {
		name   string
		attr   TraceAttr
		block  int
		offset int
	}{
		{"negative offset", TraceStream, 10, -3},
		{"zero block", TraceStream, 0, 0},
		{"negative offset on all", TraceAll, 0, -1},
	}
	for _, w := range windows {
		_, err := ec.Trace(context.Background(), guids[0], "stdout", w.attr, w.block, w.offset)
		if !HasCode(err, ErrCodeValidation) {
			t.Errorf("%s: expected VALIDATION error, got %v", w.name, err)
		}
	}
}

func TestController_DescribeMasksCredentials(t *testing.T) {
	ec := newTestController(t)
	guids, nodes := registerNodes(t, ec, 1)
	if err := nodes[0].SetInternal("password", "hunter2"); err != nil {
		t.Fatalf("SetInternal failed: %v", err)
	}

	info := ec.Describe()
	if info.ExpID != ec.ExpID() {
		t.Errorf("Expected exp id %s, got %s", ec.ExpID(), info.ExpID)
	}
	if len(info.Resources) != 1 || info.Resources[0].Guid != guids[0] {
		t.Fatalf("Expected one resource, got %+v", info.Resources)
	}
	for _, a := range info.Resources[0].Attributes {
		if a.Name == "password" && a.Value == "hunter2" {
			t.Error("Expected credential to be masked")
		}
	}
}
