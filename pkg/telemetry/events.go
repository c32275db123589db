package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a timeline event of an experiment.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// ExpID is the experiment the event belongs to.
	ExpID string `json:"exp_id,omitempty"`

	// Guid is the associated resource, if any.
	Guid int64 `json:"guid,omitempty"`

	// TaskID is the associated task, if any.
	TaskID int64 `json:"task_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeExperimentStarted      = "experiment.started"
	EventTypeExperimentStateChanged = "experiment.state_changed"
	EventTypeResourceRegistered     = "resource.registered"
	EventTypeResourceStateChanged   = "resource.state_changed"
	EventTypeTaskCompleted          = "task.completed"
	EventTypeTaskFailed             = "task.failed"
	EventTypePolicyViolation        = "policy.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers.
// In async mode events are delivered in publish order by a single goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closeOnce   sync.Once
	done        chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.Async && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep := &EventPublisher{
		config: cfg,
		done:   make(chan struct{}),
	}

	if cfg.Async {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.Async {
		select {
		case <-ep.done:
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishExperimentStarted publishes an experiment started event.
func (ep *EventPublisher) PublishExperimentStarted(expID string, workers int) error {
	return ep.Publish(Event{
		Type:    EventTypeExperimentStarted,
		Source:  "controller",
		ExpID:   expID,
		Message: fmt.Sprintf("Experiment %s started with %d workers", expID, workers),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"workers": workers,
		},
	})
}

// PublishExperimentStateChanged publishes an experiment state change event.
func (ep *EventPublisher) PublishExperimentStateChanged(expID, oldState, newState, reason string) error {
	level := EventLevelInfo
	if newState == "FAILED" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeExperimentStateChanged,
		Source:  "controller",
		ExpID:   expID,
		Message: fmt.Sprintf("Experiment %s changed from %s to %s", expID, oldState, newState),
		Level:   level,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
			"reason":    reason,
		},
	})
}

// PublishResourceRegistered publishes a resource registration event.
func (ep *EventPublisher) PublishResourceRegistered(expID string, guid int64, rtype string) error {
	return ep.Publish(Event{
		Type:    EventTypeResourceRegistered,
		Source:  "controller",
		ExpID:   expID,
		Guid:    guid,
		Message: fmt.Sprintf("Resource %d registered as %s", guid, rtype),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"type": rtype,
		},
	})
}

// PublishResourceStateChanged publishes a resource state change event.
func (ep *EventPublisher) PublishResourceStateChanged(expID string, guid int64, rtype, oldState, newState string) error {
	level := EventLevelInfo
	if newState == "FAILED" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeResourceStateChanged,
		Source:  "resource",
		ExpID:   expID,
		Guid:    guid,
		Message: fmt.Sprintf("Resource %d state changed from %s to %s", guid, oldState, newState),
		Level:   level,
		Data: map[string]interface{}{
			"type":      rtype,
			"old_state": oldState,
			"new_state": newState,
		},
	})
}

// PublishTaskCompleted publishes a task completion event.
func (ep *EventPublisher) PublishTaskCompleted(expID string, taskID int64, name string, guid int64, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskCompleted,
		Source:  "executor",
		ExpID:   expID,
		Guid:    guid,
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %d (%s) completed", taskID, name),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"task":     name,
			"duration": duration.Seconds(),
		},
	})
}

// PublishTaskFailed publishes a task failure event.
func (ep *EventPublisher) PublishTaskFailed(expID string, taskID int64, name string, guid int64, class, reason string) error {
	level := EventLevelError
	if class == "invalid" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeTaskFailed,
		Source:  "executor",
		ExpID:   expID,
		Guid:    guid,
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %d (%s) failed: %s", taskID, name, reason),
		Level:   level,
		Data: map[string]interface{}{
			"task":   name,
			"class":  class,
			"reason": reason,
		},
	})
}

// PublishPolicyViolation publishes a policy violation found in an experiment description.
func (ep *EventPublisher) PublishPolicyViolation(expID, policyName, resourceID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		ExpID:   expID,
		Message: fmt.Sprintf("Policy violation on %s: %s - %s", resourceID, policyName, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"policy":   policyName,
			"resource": resourceID,
			"reason":   reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.done:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for buffered ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
		return nil
	}

	ep.closeOnce.Do(func() { close(ep.done) })

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByExpID creates a filter that only allows events of one experiment.
func FilterByExpID(expID string) EventFilter {
	return func(event Event) bool {
		return event.ExpID == expID
	}
}

// FilterByGuid creates a filter that only allows events for a specific resource.
func FilterByGuid(guid int64) EventFilter {
	return func(event Event) bool {
		return event.Guid == guid
	}
}
