package stores

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createExperiment(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	exp := &Experiment{ID: id, Name: "ping", State: "RUNNING", Workers: 50, StartedAt: time.Now()}
	if err := store.CreateExperiment(context.Background(), exp); err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected migrate to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"experiments", "resources", "transitions", "tasks", "events", "runs"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("expected second migrate to succeed, got: %v", err)
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	if store.Path() != path {
		t.Errorf("expected path %s, got %s", path, store.Path())
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected database file to exist: %v", err)
	}
}

func TestExperimentCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createExperiment(t, store, "exp-001")

	exp, err := store.GetExperiment(ctx, "exp-001")
	if err != nil {
		t.Fatalf("failed to get experiment: %v", err)
	}
	if exp.Name != "ping" || exp.State != "RUNNING" || exp.Workers != 50 {
		t.Errorf("unexpected experiment: %+v", exp)
	}
	if exp.FinishedAt != nil {
		t.Error("expected no finished_at while running")
	}

	reason := "driver error"
	if err := store.UpdateExperimentState(ctx, "exp-001", "FAILED", &reason); err != nil {
		t.Fatalf("failed to update state: %v", err)
	}

	exp, err = store.GetExperiment(ctx, "exp-001")
	if err != nil {
		t.Fatalf("failed to get experiment: %v", err)
	}
	if exp.State != "FAILED" {
		t.Errorf("expected state FAILED, got %s", exp.State)
	}
	if exp.Error == nil || *exp.Error != reason {
		t.Errorf("expected error %q, got %v", reason, exp.Error)
	}
	if exp.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}

	// A later state change without reason keeps the error.
	if err := store.UpdateExperimentState(ctx, "exp-001", "TERMINATED", nil); err != nil {
		t.Fatalf("failed to update state: %v", err)
	}
	exp, _ = store.GetExperiment(ctx, "exp-001")
	if exp.Error == nil || *exp.Error != reason {
		t.Errorf("expected error to be kept, got %v", exp.Error)
	}

	if _, err := store.GetExperiment(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateExperimentState(ctx, "missing", "FAILED", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureExperiment(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.EnsureExperiment(ctx, "exp-002", time.Now()); err != nil {
			t.Fatalf("ensure %d failed: %v", i, err)
		}
	}

	if err := store.SetExperimentInfo(ctx, "exp-002", "sweep", 8); err != nil {
		t.Fatalf("failed to set info: %v", err)
	}
	if err := store.SetExperimentInfo(ctx, "exp-002", "", 16); err != nil {
		t.Fatalf("failed to set info: %v", err)
	}

	exp, err := store.GetExperiment(ctx, "exp-002")
	if err != nil {
		t.Fatalf("failed to get experiment: %v", err)
	}
	if exp.State != "RUNNING" {
		t.Errorf("expected RUNNING, got %s", exp.State)
	}
	if exp.Name != "sweep" || exp.Workers != 16 {
		t.Errorf("expected name sweep and 16 workers, got %s and %d", exp.Name, exp.Workers)
	}

	exps, err := store.ListExperiments(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list experiments: %v", err)
	}
	if len(exps) != 1 {
		t.Errorf("expected 1 experiment, got %d", len(exps))
	}
}

func TestResourcesAndTransitions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createExperiment(t, store, "exp-003")

	for _, guid := range []int64{2, 1} {
		res := &Resource{ExpID: "exp-003", Guid: guid, Type: "sim::Node", State: "NEW"}
		if err := store.UpsertResource(ctx, res); err != nil {
			t.Fatalf("failed to upsert resource: %v", err)
		}
	}

	// An update with an empty type keeps the registered one.
	if err := store.UpsertResource(ctx, &Resource{ExpID: "exp-003", Guid: 1, State: "READY"}); err != nil {
		t.Fatalf("failed to update resource: %v", err)
	}

	resources, err := store.ListResources(ctx, "exp-003")
	if err != nil {
		t.Fatalf("failed to list resources: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(resources))
	}
	if resources[0].Guid != 1 || resources[0].State != "READY" || resources[0].Type != "sim::Node" {
		t.Errorf("unexpected first resource: %+v", resources[0])
	}

	steps := [][2]string{{"NEW", "DISCOVERED"}, {"DISCOVERED", "PROVISIONED"}, {"PROVISIONED", "READY"}}
	for _, step := range steps {
		tr := &Transition{ExpID: "exp-003", Guid: 1, From: step[0], To: step[1]}
		if err := store.AppendTransition(ctx, tr); err != nil {
			t.Fatalf("failed to append transition: %v", err)
		}
		if tr.ID == 0 {
			t.Error("expected transition ID to be set")
		}
	}
	if err := store.AppendTransition(ctx, &Transition{ExpID: "exp-003", Guid: 2, From: "NEW", To: "FAILED"}); err != nil {
		t.Fatalf("failed to append transition: %v", err)
	}

	guid := int64(1)
	trs, err := store.ListTransitions(ctx, "exp-003", &guid)
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	if len(trs) != 3 {
		t.Fatalf("expected 3 transitions for guid 1, got %d", len(trs))
	}
	if trs[2].To != "READY" {
		t.Errorf("expected last transition to READY, got %s", trs[2].To)
	}

	all, err := store.ListTransitions(ctx, "exp-003", nil)
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 transitions, got %d", len(all))
	}
}

func TestResourceRequiresExperiment(t *testing.T) {
	store := setupTestStore(t)
	res := &Resource{ExpID: "unknown", Guid: 1, Type: "sim::Node", State: "NEW"}
	if err := store.UpsertResource(context.Background(), res); err == nil {
		t.Error("expected foreign key violation for unknown experiment")
	}
}

func TestTaskOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createExperiment(t, store, "exp-004")

	reason := "connection refused"
	tasks := []*TaskRecord{
		{ExpID: "exp-004", TaskID: 1, Name: "deploy", Guid: 1, Status: "completed", DurationMs: 12.5},
		{ExpID: "exp-004", TaskID: 2, Name: "start", Guid: 1, Status: "failed", Error: &reason},
		{ExpID: "exp-004", TaskID: 3, Name: "deploy", Guid: 2, Status: "completed"},
	}
	for _, task := range tasks {
		if err := store.RecordTask(ctx, task); err != nil {
			t.Fatalf("failed to record task: %v", err)
		}
	}

	all, err := store.ListTasks(ctx, "exp-004", nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].DurationMs != 12.5 {
		t.Errorf("expected duration 12.5, got %v", all[0].DurationMs)
	}

	failed := "failed"
	failures, err := store.ListTasks(ctx, "exp-004", &failed, 10, 0)
	if err != nil {
		t.Fatalf("failed to list failed tasks: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 failed task, got %d", len(failures))
	}
	if failures[0].Error == nil || *failures[0].Error != reason {
		t.Errorf("expected error %q, got %v", reason, failures[0].Error)
	}

	page, err := store.ListTasks(ctx, "exp-004", nil, 1, 2)
	if err != nil {
		t.Fatalf("failed to page tasks: %v", err)
	}
	if len(page) != 1 || page[0].TaskID != 3 {
		t.Errorf("expected task 3 on the last page, got %+v", page)
	}
}

func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	expID := "exp-005"
	guid := int64(7)
	details := `{"new_state":"FAILED"}`
	events := []*Event{
		{ExpID: &expID, Type: "experiment.started", Level: EventLevelInfo, Message: "started"},
		{ExpID: &expID, Guid: &guid, Type: "resource.state_changed", Level: EventLevelError, Message: "failed", Details: &details},
		{Type: "runner.note", Level: EventLevelWarning, Message: "no experiment"},
	}
	for _, event := range events {
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID == 0 {
			t.Error("expected event ID to be set")
		}
	}

	all, err := store.GetEvents(ctx, EventQuery{})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 events, got %d", len(all))
	}

	byExp, err := store.GetEvents(ctx, EventQuery{ExpID: &expID})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(byExp) != 2 {
		t.Errorf("expected 2 events for experiment, got %d", len(byExp))
	}

	level := EventLevelError
	errs, err := store.GetEvents(ctx, EventQuery{Guid: &guid, Level: &level})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(errs))
	}
	if errs[0].Details == nil || *errs[0].Details != details {
		t.Errorf("expected details %s, got %v", details, errs[0].Details)
	}

	limited, err := store.GetEvents(ctx, EventQuery{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(limited) != 1 || limited[0].Type != "resource.state_changed" {
		t.Errorf("unexpected page: %+v", limited)
	}
}

func TestRunOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		run := &Run{ID: "sweep-" + string(rune('0'+i)), Name: "sweep", Index: i, ExpID: "exp-" + string(rune('0'+i))}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
		if run.Status != RunStatusRunning {
			t.Errorf("expected default status running, got %s", run.Status)
		}
	}

	metric := 0.42
	if err := store.CompleteRun(ctx, "sweep-1", RunStatusCompleted, &metric, nil); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}
	reason := "deploy failed"
	if err := store.CompleteRun(ctx, "sweep-2", RunStatusFailed, nil, &reason); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}
	if err := store.CompleteRun(ctx, "missing", RunStatusFailed, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	runs, err := store.ListRuns(ctx, "sweep")
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Metric == nil || *runs[0].Metric != metric || runs[0].CompletedAt == nil {
		t.Errorf("unexpected first run: %+v", runs[0])
	}
	if runs[1].Status != RunStatusFailed || runs[1].Error == nil {
		t.Errorf("unexpected second run: %+v", runs[1])
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}
