package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResourceState is the lifecycle state of a resource.
// States are totally ordered in declaration order; FAILED and RELEASED
// are absorbing and sort after every live state.
type ResourceState int

const (
	// StateNew is the state of a freshly registered resource.
	StateNew ResourceState = iota

	// StateDiscovered indicates the driver located the underlying entity.
	StateDiscovered

	// StateProvisioned indicates the underlying entity was allocated and configured.
	StateProvisioned

	// StateReady indicates the resource is deployed and may be started.
	StateReady

	// StateStarted indicates the resource is running.
	StateStarted

	// StateStopped indicates the resource was stopped.
	StateStopped

	// StateFinished indicates the resource completed on its own.
	StateFinished

	// StateFailed indicates the resource failed. Absorbing.
	StateFailed

	// StateReleased indicates the resource was released. Absorbing.
	StateReleased
)

var stateNames = [...]string{
	StateNew:         "NEW",
	StateDiscovered:  "DISCOVERED",
	StateProvisioned: "PROVISIONED",
	StateReady:       "READY",
	StateStarted:     "STARTED",
	StateStopped:     "STOPPED",
	StateFinished:    "FINISHED",
	StateFailed:      "FAILED",
	StateReleased:    "RELEASED",
}

// String returns the upper-case name of the state.
func (s ResourceState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("ResourceState(%d)", int(s))
	}
	return stateNames[s]
}

// IsTerminal returns true for the absorbing states FAILED and RELEASED.
func (s ResourceState) IsTerminal() bool {
	return s == StateFailed || s == StateReleased
}

// Validate checks if the resource state is valid.
func (s ResourceState) Validate() error {
	if s < StateNew || s > StateReleased {
		return fmt.Errorf("invalid resource state: %d", int(s))
	}
	return nil
}

// ParseResourceState parses a state name, case-insensitively.
func ParseResourceState(name string) (ResourceState, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == upper {
			return ResourceState(i), nil
		}
	}
	return StateNew, fmt.Errorf("invalid resource state: %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s ResourceState) MarshalText() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ResourceState) UnmarshalText(data []byte) error {
	parsed, err := ParseResourceState(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ResourceAction is an action that can be gated by conditions.
type ResourceAction string

const (
	// ActionDeploy deploys a resource.
	ActionDeploy ResourceAction = "deploy"

	// ActionStart starts a resource.
	ActionStart ResourceAction = "start"

	// ActionStop stops a resource.
	ActionStop ResourceAction = "stop"
)

// Validate checks if the action may carry conditions.
func (a ResourceAction) Validate() error {
	switch a {
	case ActionStart, ActionStop:
		return nil
	default:
		return fmt.Errorf("invalid condition action: %q", string(a))
	}
}

// ParseResourceAction parses an action name, case-insensitively.
func ParseResourceAction(name string) (ResourceAction, error) {
	a := ResourceAction(strings.ToLower(strings.TrimSpace(name)))
	switch a {
	case ActionDeploy, ActionStart, ActionStop:
		return a, nil
	}
	return "", fmt.Errorf("invalid resource action: %q", name)
}

// ECState is the process-wide state of an experiment controller.
type ECState string

const (
	// ECStateRunning indicates the controller accepts and executes tasks.
	ECStateRunning ECState = "RUNNING"

	// ECStateFailed indicates a task failed unrecoverably. Absorbing.
	ECStateFailed ECState = "FAILED"

	// ECStateTerminated indicates the controller was shut down. Absorbing.
	ECStateTerminated ECState = "TERMINATED"
)

// IsTerminal returns true if the controller no longer runs tasks.
func (s ECState) IsTerminal() bool {
	return s == ECStateFailed || s == ECStateTerminated
}

// TaskStatus is the execution status of a scheduled task.
type TaskStatus string

const (
	// TaskPending indicates the task has not run yet.
	TaskPending TaskStatus = "PENDING"

	// TaskDone indicates the task callback returned without error.
	TaskDone TaskStatus = "DONE"

	// TaskError indicates the task callback returned an error or panicked.
	TaskError TaskStatus = "ERROR"
)

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskPending, TaskDone, TaskError:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskStatus(str)
	return s.Validate()
}
