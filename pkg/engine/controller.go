package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/expctl/pkg/telemetry"
)

// ExperimentController owns the resources of one experiment and drives
// them through their lifecycle with scheduled tasks.
type ExperimentController struct {
	opts    Options
	factory *Factory
	expID   string
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	// mu guards everything below and backs cond, which the processing
	// loop waits on.
	mu        sync.Mutex
	cond      *sync.Cond
	state     ECState
	reason    error
	// closing is set by Shutdown; no task is dispatched or scheduled
	// while resources are released.
	closing   bool
	startedAt time.Time
	sched     *TaskScheduler
	tracked   map[TaskID]*Task
	resources map[Guid]Resource
	order     []Guid
	groups    map[int][]Guid
	nextGroup int
	backoffs  map[backoffKey]*backoff.ExponentialBackOff

	guids    *GuidGenerator
	pool     *workerPool
	stopped  chan struct{}
	loopDone chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	expSpan trace.Span
}

type backoffKey struct {
	guid   Guid
	action ResourceAction
}

// NewExperimentController creates a controller and starts its processing loop.
func NewExperimentController(factory *Factory, opts Options) (*ExperimentController, error) {
	if factory == nil {
		return nil, fmt.Errorf("resource factory is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller options: %w", err)
	}
	if opts.ExpID == "" {
		opts.ExpID = "exp-" + uuid.New().String()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx, span := opts.Tracer.StartExperimentSpan(ctx, opts.ExpID)

	ec := &ExperimentController{
		opts:      opts,
		factory:   factory,
		expID:     opts.ExpID,
		log:       opts.Logger.NewComponentLogger("controller").WithExpID(opts.ExpID),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		events:    opts.Events,
		state:     ECStateRunning,
		startedAt: time.Now(),
		sched:     NewTaskScheduler(),
		tracked:   make(map[TaskID]*Task),
		resources: make(map[Guid]Resource),
		groups:    make(map[int][]Guid),
		backoffs:  make(map[backoffKey]*backoff.ExponentialBackOff),
		guids:     NewGuidGenerator(),
		stopped:   make(chan struct{}),
		loopDone:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		expSpan:   span,
	}
	ec.cond = sync.NewCond(&ec.mu)
	ec.pool = newWorkerPool(opts.Workers, ec.execute)

	go ec.processLoop()

	ec.metrics.RecordExperimentStarted()
	ec.publish(ec.events.PublishExperimentStarted(ec.expID, opts.Workers))
	ec.log.Infof("experiment controller started with %d workers", opts.Workers)
	return ec, nil
}

// ExpID returns the experiment id.
func (ec *ExperimentController) ExpID() string { return ec.expID }

// Logger returns the controller logger.
func (ec *ExperimentController) Logger() *telemetry.Logger { return ec.log }

// ECState returns the controller state.
func (ec *ExperimentController) ECState() ECState {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.state
}

// Err returns the error that failed the experiment, if any.
func (ec *ExperimentController) Err() error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.reason
}

// Done is closed when the controller leaves RUNNING.
func (ec *ExperimentController) Done() <-chan struct{} {
	return ec.stopped
}

func (ec *ExperimentController) publish(err error) {
	if err != nil {
		ec.log.WithError(err).Debug("event not published")
	}
}

// checkRunningLocked returns the stopped error once the controller left RUNNING.
func (ec *ExperimentController) checkRunningLocked() error {
	if ec.state != ECStateRunning {
		return errStopped(ec.state)
	}
	if ec.closing {
		return NewInvalidError("experiment controller is shutting down", nil).
			WithCode(ErrCodeControllerStopped)
	}
	return nil
}

// RegisterResource creates a resource of the given type and returns its guid.
func (ec *ExperimentController) RegisterResource(rtype string) (Guid, error) {
	return ec.RegisterResourceWithGuid(rtype, 0)
}

// RegisterResourceWithGuid creates a resource with a caller-chosen guid.
// A zero guid picks the next free one.
func (ec *ExperimentController) RegisterResourceWithGuid(rtype string, guid Guid) (Guid, error) {
	if err := func() error {
		ec.mu.Lock()
		defer ec.mu.Unlock()
		return ec.checkRunningLocked()
	}(); err != nil {
		return 0, err
	}
	if _, ok := ec.factory.Lookup(rtype); !ok {
		return 0, NewInvalidError(fmt.Sprintf("unknown resource type %q", rtype), nil).
			WithCode(ErrCodeNotFound)
	}

	g, err := ec.guids.Next(guid)
	if err != nil {
		return 0, err
	}

	r, err := ec.factory.create(rtype, g, ec, ec.onTransition)
	if err != nil {
		return 0, err
	}

	ec.mu.Lock()
	ec.resources[g] = r
	ec.order = append(ec.order, g)
	ec.mu.Unlock()

	ec.metrics.RecordTransition(rtype, "", StateNew.String())
	ec.publish(ec.events.PublishResourceRegistered(ec.expID, int64(g), rtype))
	ec.log.WithGuid(int64(g), rtype).Debug("resource registered")
	return g, nil
}

func (ec *ExperimentController) onTransition(b *Base, from, to ResourceState) {
	ec.metrics.RecordTransition(b.rtype, from.String(), to.String())
	ec.publish(ec.events.PublishResourceStateChanged(ec.expID, int64(b.guid), b.rtype, from.String(), to.String()))
}

// Resource returns the resource registered under guid.
func (ec *ExperimentController) Resource(guid Guid) (Resource, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	r, ok := ec.resources[guid]
	return r, ok
}

func (ec *ExperimentController) lookup(guid Guid) (Resource, error) {
	r, ok := ec.Resource(guid)
	if !ok {
		return nil, errUnknownGuid(guid)
	}
	return r, nil
}

func (ec *ExperimentController) lookupAll(guids []Guid) ([]Resource, error) {
	out := make([]Resource, 0, len(guids))
	for _, g := range guids {
		r, err := ec.lookup(g)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Resources returns every guid in registration order.
func (ec *ExperimentController) Resources() []Guid {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]Guid(nil), ec.order...)
}

// State returns the live state of a resource.
func (ec *ExperimentController) State(guid Guid) (ResourceState, error) {
	r, err := ec.lookup(guid)
	if err != nil {
		return StateNew, err
	}
	return r.State(), nil
}

// RegisterConnection connects two resources in both directions.
func (ec *ExperimentController) RegisterConnection(g1, g2 Guid) error {
	if g1 == g2 {
		return NewInvalidError("cannot connect a resource to itself", nil).
			WithCode(ErrCodeValidation).
			WithResource(g1)
	}
	r1, err := ec.lookup(g1)
	if err != nil {
		return err
	}
	r2, err := ec.lookup(g2)
	if err != nil {
		return err
	}
	if v, ok := r1.(ConnectionValidator); ok && !v.ValidConnection(r2) {
		return NewInvalidError(fmt.Sprintf("%s cannot be connected to %s", r1.Type(), r2.Type()), nil).
			WithCode(ErrCodeValidation).
			WithResource(g1)
	}
	if v, ok := r2.(ConnectionValidator); ok && !v.ValidConnection(r1) {
		return NewInvalidError(fmt.Sprintf("%s cannot be connected to %s", r2.Type(), r1.Type()), nil).
			WithCode(ErrCodeValidation).
			WithResource(g2)
	}
	r1.core().connect(g2)
	r2.core().connect(g1)
	return nil
}

// GetConnected returns the guids connected to guid, filtered by type when rtype is set.
func (ec *ExperimentController) GetConnected(guid Guid, rtype string) ([]Guid, error) {
	r, err := ec.lookup(guid)
	if err != nil {
		return nil, err
	}
	var out []Guid
	for _, c := range r.core().Connected(rtype) {
		out = append(out, c.Guid())
	}
	return out, nil
}

// RegisterCondition makes action on every resource of group1 wait until
// every resource of group2 reached state, plus an optional delay given as
// a relative time specification.
func (ec *ExperimentController) RegisterCondition(group1 []Guid, action ResourceAction, group2 []Guid, state ResourceState, delay string) error {
	if err := action.Validate(); err != nil {
		return NewInvalidError("invalid condition", err).WithCode(ErrCodeValidation)
	}
	if err := state.Validate(); err != nil {
		return NewInvalidError("invalid condition", err).WithCode(ErrCodeValidation)
	}
	d, err := ParseDelay(delay)
	if err != nil {
		return NewInvalidError("invalid condition delay", err).WithCode(ErrCodeValidation)
	}
	if len(group1) == 0 || len(group2) == 0 {
		return NewInvalidError("condition groups must not be empty", nil).WithCode(ErrCodeValidation)
	}
	targets, err := ec.lookupAll(group1)
	if err != nil {
		return err
	}
	if _, err := ec.lookupAll(group2); err != nil {
		return err
	}
	for _, r := range targets {
		r.core().addCondition(action, Condition{
			Group: append([]Guid(nil), group2...),
			State: state,
			Delay: d,
		})
	}
	return nil
}

// UnregisterCondition removes guids from the action conditions of group1.
func (ec *ExperimentController) UnregisterCondition(group1 []Guid, action ResourceAction, guids []Guid) error {
	if err := action.Validate(); err != nil {
		return NewInvalidError("invalid condition", err).WithCode(ErrCodeValidation)
	}
	targets, err := ec.lookupAll(group1)
	if err != nil {
		return err
	}
	for _, r := range targets {
		r.core().removeCondition(action, guids)
	}
	return nil
}

// RegisterTrace enables a declared trace on a resource.
func (ec *ExperimentController) RegisterTrace(guid Guid, name string) error {
	r, err := ec.lookup(guid)
	if err != nil {
		return err
	}
	if err := r.core().EnableTrace(name); err != nil {
		if e, ok := err.(*EngineError); ok {
			e.WithResource(guid)
		}
		return err
	}
	return nil
}

// Trace reads an enabled trace through the resource driver.
func (ec *ExperimentController) Trace(ctx context.Context, guid Guid, name string, attr TraceAttr, block, offset int) (string, error) {
	r, err := ec.lookup(guid)
	if err != nil {
		return "", err
	}
	if err := attr.Validate(); err != nil {
		return "", NewInvalidError("invalid trace query", err).WithCode(ErrCodeValidation)
	}
	if offset < 0 || (attr == TraceStream && block <= 0) {
		return "", NewInvalidError(fmt.Sprintf("invalid trace window: block %d offset %d", block, offset), nil).
			WithCode(ErrCodeValidation).
			WithResource(guid)
	}
	if !r.core().TraceEnabled(name) {
		return "", NewInvalidError(fmt.Sprintf("trace %q is not enabled", name), nil).
			WithCode(ErrCodeNotFound).
			WithResource(guid)
	}
	tr, ok := r.(Tracer)
	if !ok {
		return "", NewInvalidError(fmt.Sprintf("%s does not record traces", r.Type()), nil).
			WithCode(ErrCodeValidation).
			WithResource(guid)
	}
	return tr.Trace(ctx, TraceQuery{Name: name, Attr: attr, Block: block, Offset: offset})
}

// Get reads an attribute value synchronously.
func (ec *ExperimentController) Get(guid Guid, name string) (interface{}, error) {
	r, err := ec.lookup(guid)
	if err != nil {
		return nil, err
	}
	return r.Get(name)
}

// Set validates an attribute change now and applies it in a scheduled task.
func (ec *ExperimentController) Set(guid Guid, name string, value interface{}) (TaskID, error) {
	r, err := ec.lookup(guid)
	if err != nil {
		return 0, err
	}
	if err := r.core().CheckSet(name, value); err != nil {
		if e, ok := err.(*EngineError); ok {
			e.WithResource(guid)
		}
		return 0, err
	}
	return ec.scheduleFor(0, "set", guid, func(ctx context.Context) error {
		return r.Set(name, value)
	}, true)
}

// SetWithConditions applies an attribute change once every resource of
// group reached state, plus delay.
func (ec *ExperimentController) SetWithConditions(guid Guid, name string, value interface{}, group []Guid, state ResourceState, delay string) (TaskID, error) {
	r, err := ec.lookup(guid)
	if err != nil {
		return 0, err
	}
	if err := r.core().CheckSet(name, value); err != nil {
		return 0, err
	}
	d, err := ParseDelay(delay)
	if err != nil {
		return 0, NewInvalidError("invalid condition delay", err).WithCode(ErrCodeValidation)
	}
	if _, err := ec.lookupAll(group); err != nil {
		return 0, err
	}
	cond := []Condition{{Group: group, State: state, Delay: d}}

	var task TaskFunc
	task = func(ctx context.Context) error {
		if wait, after := ec.resolve(guid, "set", cond); wait {
			ec.metrics.RecordReschedule("set")
			_, err := ec.scheduleFor(after, "set", guid, task, false)
			return ignoreStopped(err)
		}
		return r.Set(name, value)
	}
	return ec.scheduleFor(0, "set", guid, task, true)
}

// GetTask returns a snapshot of a task scheduled with tracking enabled.
func (ec *ExperimentController) GetTask(id TaskID) (TaskInfo, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	t, ok := ec.tracked[id]
	if !ok {
		return TaskInfo{}, false
	}
	return t.info(), true
}

// ExperimentInfo is a snapshot of a controller for reporting.
type ExperimentInfo struct {
	ExpID     string         `json:"exp_id"`
	State     ECState        `json:"state"`
	StartedAt time.Time      `json:"started_at"`
	Error     string         `json:"error,omitempty"`
	Pending   int            `json:"pending_tasks"`
	Groups    map[int][]Guid `json:"groups,omitempty"`
	Resources []ResourceInfo `json:"resources"`
}

// Describe returns a snapshot of the experiment. Credential attributes are masked.
func (ec *ExperimentController) Describe() ExperimentInfo {
	ec.mu.Lock()
	info := ExperimentInfo{
		ExpID:     ec.expID,
		State:     ec.state,
		StartedAt: ec.startedAt,
		Pending:   ec.sched.Len(),
		Groups:    make(map[int][]Guid, len(ec.groups)),
	}
	if ec.reason != nil {
		info.Error = ec.reason.Error()
	}
	for id, g := range ec.groups {
		info.Groups[id] = append([]Guid(nil), g...)
	}
	resources := make([]Resource, 0, len(ec.order))
	for _, g := range ec.order {
		resources = append(resources, ec.resources[g])
	}
	ec.mu.Unlock()

	for _, r := range resources {
		info.Resources = append(info.Resources, describe(r))
	}
	sort.Slice(info.Resources, func(i, j int) bool { return info.Resources[i].Guid < info.Resources[j].Guid })
	return info
}
