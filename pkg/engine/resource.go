package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/expctl/pkg/telemetry"
)

// Resource is the driver contract for one managed entity.
//
// Drivers embed *Base, which supplies state bookkeeping, attributes,
// connections and default lifecycle transitions, and override the
// lifecycle methods they need. Overrides call the embedded Base method
// once their own work succeeded so the state machine advances.
type Resource interface {
	Guid() Guid
	Type() string

	// State returns the live state. Drivers may override it to probe a
	// remote process; the probe must not block on the operation lock.
	State() ResourceState
	StateTime(s ResourceState) time.Time

	Discover(ctx context.Context) error
	Provision(ctx context.Context) error
	Deploy(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Release(ctx context.Context) error

	Get(name string) (interface{}, error)
	Set(name string, value interface{}) error

	Connections() []Guid
	Conditions(action ResourceAction) []Condition

	core() *Base
}

// ConnectionValidator is implemented by drivers that restrict what they can be connected to.
type ConnectionValidator interface {
	ValidConnection(other Resource) bool
}

// Condition gates an action until every resource of Group reached State
// at least Delay ago.
type Condition struct {
	Group []Guid        `json:"group"`
	State ResourceState `json:"state"`
	Delay time.Duration `json:"delay,omitempty"`
}

// Handle is the narrow view of the controller given to drivers.
type Handle interface {
	ExpID() string
	Logger() *telemetry.Logger
	Resource(guid Guid) (Resource, bool)
	Schedule(delay time.Duration, name string, fn TaskFunc) (TaskID, error)
}

type transitionFunc func(b *Base, from, to ResourceState)

// Base implements the state machine shared by every resource type.
type Base struct {
	guid   Guid
	rtype  string
	handle Handle
	log    *telemetry.Logger

	// opLock serializes lifecycle operations; taken by the controller.
	opLock chan struct{}

	mu          sync.RWMutex
	state       ResourceState
	times       [StateReleased + 1]time.Time
	attrs       *attrStore
	traces      *traceStore
	connections []Guid
	conditions  map[ResourceAction][]Condition

	onTransition transitionFunc
}

func newBase(guid Guid, info TypeInfo, handle Handle, onTransition transitionFunc) (*Base, error) {
	attrs, err := newAttrStore(info.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to build attributes of %s: %w", info.Name, err)
	}
	log := handle.Logger()
	if log == nil {
		log = telemetry.NopLogger()
	}
	return &Base{
		guid:         guid,
		rtype:        info.Name,
		handle:       handle,
		log:          log.WithGuid(int64(guid), info.Name),
		opLock:       make(chan struct{}, 1),
		state:        StateNew,
		attrs:        attrs,
		traces:       newTraceStore(info.Traces),
		conditions:   make(map[ResourceAction][]Condition),
		onTransition: onTransition,
	}, nil
}

func (b *Base) core() *Base { return b }

// lockOp acquires the operation lock or gives up when ctx is done.
func (b *Base) lockOp(ctx context.Context) (func(), error) {
	select {
	case b.opLock <- struct{}{}:
		return func() { <-b.opLock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Guid returns the resource guid.
func (b *Base) Guid() Guid { return b.guid }

// Type returns the registered type name.
func (b *Base) Type() string { return b.rtype }

// Handle returns the controller capability given to the resource.
func (b *Base) Handle() Handle { return b.handle }

// Logger returns a logger carrying the resource guid and type.
func (b *Base) Logger() *telemetry.Logger { return b.log }

// State returns the recorded state.
func (b *Base) State() ResourceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// StateTime returns when the resource last entered s, or the zero time.
func (b *Base) StateTime(s ResourceState) time.Time {
	if s.Validate() != nil {
		return time.Time{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.times[s]
}

// legalTransition reports whether from -> to is allowed.
func legalTransition(from, to ResourceState) bool {
	switch {
	case from == StateReleased:
		return false
	case to == StateReleased:
		return true
	case from == StateFailed:
		return false
	case to == StateFailed:
		return true
	case from == StateStopped && to == StateStarted:
		return true
	case to == StateFinished:
		return from == StateStarted || from == StateStopped
	default:
		return to > from && to < StateFinished
	}
}

// SetState moves the resource to s and records when it entered s.
func (b *Base) SetState(s ResourceState) error {
	b.mu.Lock()
	from := b.state
	if from == s {
		b.mu.Unlock()
		return nil
	}
	if !legalTransition(from, s) {
		b.mu.Unlock()
		return NewInvalidError(fmt.Sprintf("illegal transition %s -> %s", from, s), nil).
			WithCode(ErrCodeIllegalTransition).
			WithResource(b.guid)
	}
	b.state = s
	b.times[s] = time.Now()
	b.mu.Unlock()

	b.log.Debugf("state %s -> %s", from, s)
	if b.onTransition != nil {
		b.onTransition(b, from, s)
	}
	return nil
}

// Fail moves the resource to FAILED and returns err classified as a driver
// error unless it already carries a class.
func (b *Base) Fail(op string, err error) error {
	if serr := b.SetState(StateFailed); serr != nil {
		b.log.WithError(serr).Debug("could not mark resource failed")
	}
	if classOf(err) != "" {
		return err
	}
	return NewDriverError(fmt.Sprintf("%s failed", op), err).
		WithResource(b.guid).
		WithOperation(op)
}

// Finish moves a started or stopped resource to FINISHED.
func (b *Base) Finish() error {
	return b.SetState(StateFinished)
}

func (b *Base) illegal(op string) error {
	return NewInvalidError(fmt.Sprintf("cannot %s in state %s", op, b.State()), nil).
		WithCode(ErrCodeIllegalTransition).
		WithResource(b.guid).
		WithOperation(op)
}

// Discover moves a NEW resource to DISCOVERED.
func (b *Base) Discover(ctx context.Context) error {
	if b.State() != StateNew {
		return b.illegal("discover")
	}
	return b.SetState(StateDiscovered)
}

// Provision moves a NEW or DISCOVERED resource to PROVISIONED.
func (b *Base) Provision(ctx context.Context) error {
	if s := b.State(); s != StateNew && s != StateDiscovered {
		return b.illegal("provision")
	}
	return b.SetState(StateProvisioned)
}

// Deploy moves the resource to READY. It is a no-op on a READY resource.
func (b *Base) Deploy(ctx context.Context) error {
	s := b.State()
	if s > StateReady {
		return b.illegal("deploy")
	}
	return b.SetState(StateReady)
}

// Start moves a READY or STOPPED resource to STARTED.
func (b *Base) Start(ctx context.Context) error {
	if s := b.State(); s != StateReady && s != StateStopped {
		return b.illegal("start")
	}
	return b.SetState(StateStarted)
}

// Stop moves a STARTED resource to STOPPED.
func (b *Base) Stop(ctx context.Context) error {
	if s := b.State(); s != StateStarted {
		return b.illegal("stop")
	}
	return b.SetState(StateStopped)
}

// Release moves the resource to RELEASED. Releasing twice is a no-op.
func (b *Base) Release(ctx context.Context) error {
	if b.State() == StateReleased {
		return nil
	}
	return b.SetState(StateReleased)
}

// Get returns the value of an attribute.
func (b *Base) Get(name string) (interface{}, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.attrs.lookup(name)
	if !ok {
		return nil, NewInvalidError(fmt.Sprintf("unknown attribute %q", name), nil).
			WithCode(ErrCodeNotFound).
			WithResource(b.guid)
	}
	return v.value, nil
}

// Set validates and stores a user-supplied attribute value.
func (b *Base) Set(name string, value interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	coerced, err := b.attrs.check(name, value, b.state)
	if err != nil {
		if e, ok := err.(*EngineError); ok {
			e.WithResource(b.guid)
		}
		return err
	}
	return b.attrs.store(name, coerced)
}

// CheckSet validates a user Set without storing the value.
func (b *Base) CheckSet(name string, value interface{}) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, err := b.attrs.check(name, value, b.state)
	return err
}

// SetInternal stores an attribute value on behalf of the driver,
// bypassing the read-only flags.
func (b *Base) SetInternal(name string, value interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.attrs.lookup(name)
	if !ok {
		return fmt.Errorf("unknown attribute %q", name)
	}
	coerced, err := v.schema.Coerce(value)
	if err != nil {
		return fmt.Errorf("invalid value for attribute %q: %w", name, err)
	}
	return b.attrs.store(name, coerced)
}

// GetString returns a string attribute, or "" if unset.
func (b *Base) GetString(name string) string {
	v, _ := b.Get(name)
	s, _ := v.(string)
	return s
}

// GetBool returns a bool attribute, or false if unset.
func (b *Base) GetBool(name string) bool {
	v, _ := b.Get(name)
	x, _ := v.(bool)
	return x
}

// GetInt returns an integer attribute, or 0 if unset.
func (b *Base) GetInt(name string) int64 {
	v, _ := b.Get(name)
	x, _ := v.(int64)
	return x
}

// GetFloat returns a double attribute, or 0 if unset.
func (b *Base) GetFloat(name string) float64 {
	v, _ := b.Get(name)
	x, _ := v.(float64)
	return x
}

// Connections returns the guids connected to this resource.
func (b *Base) Connections() []Guid {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Guid(nil), b.connections...)
}

func (b *Base) connect(guid Guid) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.connections {
		if g == guid {
			return
		}
	}
	b.connections = append(b.connections, guid)
}

// Connected returns the connected resources of the given type, or all of
// them when rtype is empty.
func (b *Base) Connected(rtype string) []Resource {
	var out []Resource
	for _, g := range b.Connections() {
		r, ok := b.handle.Resource(g)
		if !ok {
			continue
		}
		if rtype == "" || r.Type() == rtype {
			out = append(out, r)
		}
	}
	return out
}

// Conditions returns a copy of the conditions registered for action.
func (b *Base) Conditions(action ResourceAction) []Condition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src := b.conditions[action]
	out := make([]Condition, len(src))
	for i, c := range src {
		out[i] = Condition{Group: append([]Guid(nil), c.Group...), State: c.State, Delay: c.Delay}
	}
	return out
}

func (b *Base) addCondition(action ResourceAction, c Condition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conditions[action] = append(b.conditions[action], c)
}

// removeCondition drops guids from every condition of action; emptied
// conditions are removed.
func (b *Base) removeCondition(action ResourceAction, guids []Guid) {
	drop := make(map[Guid]bool, len(guids))
	for _, g := range guids {
		drop[g] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var kept []Condition
	for _, c := range b.conditions[action] {
		var group []Guid
		for _, g := range c.Group {
			if !drop[g] {
				group = append(group, g)
			}
		}
		if len(group) > 0 {
			c.Group = group
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(b.conditions, action)
		return
	}
	b.conditions[action] = kept
}

// EnableTrace turns on recording of a declared trace.
func (b *Base) EnableTrace(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.traces.enable(name)
}

// TraceEnabled reports whether a trace was enabled.
func (b *Base) TraceEnabled(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.traces.enabled(name)
}

// ResourceInfo is a snapshot of a resource for reporting.
type ResourceInfo struct {
	Guid        Guid                           `json:"guid"`
	Type        string                         `json:"type"`
	State       ResourceState                  `json:"state"`
	Times       map[string]time.Time           `json:"times"`
	Attributes  []AttrInfo                     `json:"attributes"`
	Connections []Guid                         `json:"connections,omitempty"`
	Conditions  map[ResourceAction][]Condition `json:"conditions,omitempty"`
	Traces      []string                       `json:"traces,omitempty"`
}

func describe(r Resource) ResourceInfo {
	b := r.core()
	info := ResourceInfo{
		Guid:        b.guid,
		Type:        b.rtype,
		State:       r.State(),
		Times:       make(map[string]time.Time),
		Connections: b.Connections(),
		Conditions:  make(map[ResourceAction][]Condition),
	}
	for _, action := range []ResourceAction{ActionStart, ActionStop} {
		if cs := b.Conditions(action); len(cs) > 0 {
			info.Conditions[action] = cs
		}
	}
	b.mu.RLock()
	for s, t := range b.times {
		if !t.IsZero() {
			info.Times[ResourceState(s).String()] = t
		}
	}
	info.Attributes = b.attrs.describe()
	info.Traces = b.traces.enabledNames()
	b.mu.RUnlock()
	return info
}
