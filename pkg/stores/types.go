package stores

import (
	"context"
	"time"
)

// RunStatus represents the status of one runner iteration
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Experiment is one experiment controller lifetime
type Experiment struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	State      string     `json:"state"`
	Workers    int        `json:"workers"`
	Error      *string    `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Resource is the last known state of one resource of an experiment
type Resource struct {
	ExpID     string    `json:"exp_id"`
	Guid      int64     `json:"guid"`
	Type      string    `json:"type"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition is one resource state change
type Transition struct {
	ID        int64     `json:"id"`
	ExpID     string    `json:"exp_id"`
	Guid      int64     `json:"guid"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskRecord is the outcome of one executed task
type TaskRecord struct {
	ID          int64     `json:"id"`
	ExpID       string    `json:"exp_id"`
	TaskID      int64     `json:"task_id"`
	Name        string    `json:"name"`
	Guid        int64     `json:"guid"`
	Status      string    `json:"status"`
	Error       *string   `json:"error,omitempty"`
	DurationMs  float64   `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	ExpID     *string    `json:"exp_id,omitempty"`
	Guid      *int64     `json:"guid,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Run is one iteration of a repeated experiment
type Run struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Index       int        `json:"index"`
	ExpID       string     `json:"exp_id"`
	Status      RunStatus  `json:"status"`
	Metric      *float64   `json:"metric,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EventQuery filters GetEvents. Nil fields match everything.
type EventQuery struct {
	ExpID  *string
	Guid   *int64
	Level  *EventLevel
	Limit  int
	Offset int
}

// Store is the experiment ledger
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Experiment operations
	CreateExperiment(ctx context.Context, exp *Experiment) error
	EnsureExperiment(ctx context.Context, id string, startedAt time.Time) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	UpdateExperimentState(ctx context.Context, id, state string, errMsg *string) error
	SetExperimentInfo(ctx context.Context, id, name string, workers int) error
	ListExperiments(ctx context.Context, limit, offset int) ([]*Experiment, error)

	// Resource operations
	UpsertResource(ctx context.Context, res *Resource) error
	ListResources(ctx context.Context, expID string) ([]*Resource, error)
	AppendTransition(ctx context.Context, tr *Transition) error
	ListTransitions(ctx context.Context, expID string, guid *int64) ([]*Transition, error)

	// Task operations
	RecordTask(ctx context.Context, task *TaskRecord) error
	ListTasks(ctx context.Context, expID string, status *string, limit, offset int) ([]*TaskRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, q EventQuery) ([]*Event, error)

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, status RunStatus, metric *float64, errMsg *string) error
	ListRuns(ctx context.Context, name string) ([]*Run, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
