package engine

import (
	"container/heap"
	"context"
	"time"
)

// TaskFunc is the unit of work carried by a task.
type TaskFunc func(ctx context.Context) error

// TaskID identifies a task within one experiment controller.
type TaskID int64

// Task is a callback scheduled to run at or after a deadline.
type Task struct {
	// ID is assigned by the scheduler.
	ID TaskID

	// Deadline is the earliest time the task may run.
	Deadline time.Time

	// Name is a short label used in logs, metrics and events.
	Name string

	// Guid is the resource the task operates on, or zero.
	Guid Guid

	// Status is the execution status.
	Status TaskStatus

	// Err is the error returned by the callback, if any.
	Err error

	// StartedAt and CompletedAt bracket the callback execution.
	StartedAt   time.Time
	CompletedAt time.Time

	fn    TaskFunc
	seq   uint64
	index int
}

// TaskInfo is a read-only snapshot of a task.
type TaskInfo struct {
	ID          TaskID     `json:"id"`
	Name        string     `json:"name"`
	Guid        Guid       `json:"guid,omitempty"`
	Deadline    time.Time  `json:"deadline"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}

func (t *Task) info() TaskInfo {
	ti := TaskInfo{
		ID:          t.ID,
		Name:        t.Name,
		Guid:        t.Guid,
		Deadline:    t.Deadline,
		Status:      t.Status,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.Err != nil {
		ti.Error = t.Err.Error()
	}
	return ti
}

// taskHeap orders tasks by deadline, then by insertion sequence.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Deadline.Equal(h[j].Deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].Deadline.Before(h[j].Deadline)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TaskScheduler is a time-ordered queue of pending tasks.
// It is passive and not safe for concurrent use; the experiment
// controller guards it with its own lock.
type TaskScheduler struct {
	tasks  taskHeap
	byID   map[TaskID]*Task
	nextID TaskID
	seq    uint64
}

// NewTaskScheduler creates an empty task scheduler.
func NewTaskScheduler() *TaskScheduler {
	return &TaskScheduler{
		byID: make(map[TaskID]*Task),
	}
}

// Schedule enqueues a task and returns its id.
// Tasks with equal deadlines are returned in insertion order.
func (s *TaskScheduler) Schedule(t *Task) TaskID {
	s.nextID++
	s.seq++
	t.ID = s.nextID
	t.seq = s.seq
	if t.Status == "" {
		t.Status = TaskPending
	}
	heap.Push(&s.tasks, t)
	s.byID[t.ID] = t
	return t.ID
}

// Next pops the task with the earliest deadline, or returns nil when empty.
// It does not check whether the deadline has passed.
func (s *TaskScheduler) Next() *Task {
	if len(s.tasks) == 0 {
		return nil
	}
	t := heap.Pop(&s.tasks).(*Task)
	delete(s.byID, t.ID)
	return t
}

// Peek returns the task with the earliest deadline without removing it.
func (s *TaskScheduler) Peek() *Task {
	if len(s.tasks) == 0 {
		return nil
	}
	return s.tasks[0]
}

// Remove drops a pending task. It returns false if the task is not queued.
func (s *TaskScheduler) Remove(id TaskID) bool {
	t, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&s.tasks, t.index)
	delete(s.byID, id)
	return true
}

// Get returns a pending task by id.
func (s *TaskScheduler) Get(id TaskID) (*Task, bool) {
	t, ok := s.byID[id]
	return t, ok
}

// Len returns the number of pending tasks.
func (s *TaskScheduler) Len() int {
	return len(s.tasks)
}

// Drain removes and returns every pending task.
func (s *TaskScheduler) Drain() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for len(s.tasks) > 0 {
		out = append(out, s.Next())
	}
	return out
}
