package stores

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/expctl/pkg/telemetry"
)

// Recorder writes the event timeline of experiments into a Store.
type Recorder struct {
	store   Store
	logger  zerolog.Logger
	timeout time.Duration

	mu    sync.Mutex
	known map[string]bool
	types map[string]map[int64]string
}

// NewRecorder creates a recorder writing into store.
func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		logger:  logger.With().Str("component", "recorder").Logger(),
		timeout: 5 * time.Second,
		known:   make(map[string]bool),
		types:   make(map[string]map[int64]string),
	}
}

// Attach subscribes the recorder to every event with an experiment id.
func (r *Recorder) Attach(publisher *telemetry.EventPublisher) {
	publisher.Subscribe(r.Record, func(e telemetry.Event) bool { return e.ExpID != "" })
}

// Record persists one event. Store errors are logged and dropped.
func (r *Recorder) Record(event telemetry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.record(ctx, event); err != nil {
		r.logger.Warn().Err(err).
			Str("exp_id", event.ExpID).
			Str("event", event.Type).
			Msg("Failed to record event")
	}
}

func (r *Recorder) record(ctx context.Context, event telemetry.Event) error {
	if err := r.ensure(ctx, event); err != nil {
		return err
	}

	switch event.Type {
	case telemetry.EventTypeExperimentStarted:
		workers, _ := event.Data["workers"].(int)
		if err := r.store.SetExperimentInfo(ctx, event.ExpID, "", workers); err != nil {
			return err
		}

	case telemetry.EventTypeExperimentStateChanged:
		var errMsg *string
		if reason, _ := event.Data["reason"].(string); reason != "" {
			errMsg = &reason
		}
		state, _ := event.Data["new_state"].(string)
		if err := r.store.UpdateExperimentState(ctx, event.ExpID, state, errMsg); err != nil {
			return err
		}

	case telemetry.EventTypeResourceRegistered:
		rtype, _ := event.Data["type"].(string)
		r.setType(event.ExpID, event.Guid, rtype)
		res := &Resource{ExpID: event.ExpID, Guid: event.Guid, Type: rtype, State: "NEW"}
		if err := r.store.UpsertResource(ctx, res); err != nil {
			return err
		}

	case telemetry.EventTypeResourceStateChanged:
		from, _ := event.Data["old_state"].(string)
		to, _ := event.Data["new_state"].(string)
		rtype, _ := event.Data["type"].(string)
		if rtype == "" {
			rtype = r.typeOf(event.ExpID, event.Guid)
		}
		res := &Resource{ExpID: event.ExpID, Guid: event.Guid, Type: rtype, State: to}
		if err := r.store.UpsertResource(ctx, res); err != nil {
			return err
		}
		tr := &Transition{ExpID: event.ExpID, Guid: event.Guid, From: from, To: to, Timestamp: event.Timestamp}
		if err := r.store.AppendTransition(ctx, tr); err != nil {
			return err
		}

	case telemetry.EventTypeTaskCompleted, telemetry.EventTypeTaskFailed:
		name, _ := event.Data["task"].(string)
		task := &TaskRecord{
			ExpID:       event.ExpID,
			TaskID:      event.TaskID,
			Name:        name,
			Guid:        event.Guid,
			Status:      "completed",
			CompletedAt: event.Timestamp,
		}
		if secs, ok := event.Data["duration"].(float64); ok {
			task.DurationMs = secs * 1000
		}
		if event.Type == telemetry.EventTypeTaskFailed {
			task.Status = "failed"
			if reason, _ := event.Data["reason"].(string); reason != "" {
				task.Error = &reason
			}
		}
		if err := r.store.RecordTask(ctx, task); err != nil {
			return err
		}
	}

	return r.store.AppendEvent(ctx, toStoreEvent(event))
}

func (r *Recorder) ensure(ctx context.Context, event telemetry.Event) error {
	r.mu.Lock()
	seen := r.known[event.ExpID]
	r.mu.Unlock()
	if seen {
		return nil
	}

	startedAt := event.Timestamp
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	if err := r.store.EnsureExperiment(ctx, event.ExpID, startedAt); err != nil {
		return err
	}

	r.mu.Lock()
	r.known[event.ExpID] = true
	r.mu.Unlock()
	return nil
}

func (r *Recorder) setType(expID string, guid int64, rtype string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.types[expID]
	if !ok {
		m = make(map[int64]string)
		r.types[expID] = m
	}
	m[guid] = rtype
}

func (r *Recorder) typeOf(expID string, guid int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.types[expID][guid]
}

func toStoreEvent(event telemetry.Event) *Event {
	expID := event.ExpID
	out := &Event{
		ExpID:     &expID,
		Type:      event.Type,
		Level:     EventLevel(event.Level),
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if event.Guid != 0 {
		guid := event.Guid
		out.Guid = &guid
	}
	if len(event.Data) > 0 {
		if b, err := json.Marshal(event.Data); err == nil {
			details := string(b)
			out.Details = &details
		}
	}
	return out
}
