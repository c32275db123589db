package engine

import (
	"context"
	"testing"
	"time"
)

func noop(context.Context) error { return nil }

func TestTaskScheduler_OrdersByDeadline(t *testing.T) {
	s := NewTaskScheduler()
	base := time.Now()

	s.Schedule(&Task{Name: "c", Deadline: base.Add(3 * time.Second), fn: noop})
	s.Schedule(&Task{Name: "a", Deadline: base.Add(1 * time.Second), fn: noop})
	s.Schedule(&Task{Name: "b", Deadline: base.Add(2 * time.Second), fn: noop})

	if s.Len() != 3 {
		t.Fatalf("Expected 3 pending tasks, got %d", s.Len())
	}

	want := []string{"a", "b", "c"}
	for _, name := range want {
		task := s.Next()
		if task == nil {
			t.Fatalf("Expected task %s, got nil", name)
		}
		if task.Name != name {
			t.Errorf("Expected task %s, got %s", name, task.Name)
		}
	}

	if s.Next() != nil {
		t.Error("Expected nil from empty scheduler")
	}
}

func TestTaskScheduler_TieBreakByInsertion(t *testing.T) {
	s := NewTaskScheduler()
	deadline := time.Now()

	for _, name := range []string{"first", "second", "third", "fourth"} {
		s.Schedule(&Task{Name: name, Deadline: deadline, fn: noop})
	}

	for _, name := range []string{"first", "second", "third", "fourth"} {
		if got := s.Next().Name; got != name {
			t.Errorf("Expected %s, got %s", name, got)
		}
	}
}

func TestTaskScheduler_PeekDoesNotRemove(t *testing.T) {
	s := NewTaskScheduler()
	id := s.Schedule(&Task{Name: "only", Deadline: time.Now(), fn: noop})

	peeked := s.Peek()
	if peeked == nil || peeked.ID != id {
		t.Fatalf("Expected peek to return task %d", id)
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 pending task after peek, got %d", s.Len())
	}
	if peeked.Status != TaskPending {
		t.Errorf("Expected status %s, got %s", TaskPending, peeked.Status)
	}
}

func TestTaskScheduler_Remove(t *testing.T) {
	s := NewTaskScheduler()
	base := time.Now()

	a := s.Schedule(&Task{Name: "a", Deadline: base, fn: noop})
	b := s.Schedule(&Task{Name: "b", Deadline: base.Add(time.Second), fn: noop})
	s.Schedule(&Task{Name: "c", Deadline: base.Add(2 * time.Second), fn: noop})

	if !s.Remove(b) {
		t.Fatal("Expected Remove to succeed")
	}
	if s.Remove(b) {
		t.Error("Expected second Remove to fail")
	}
	if _, ok := s.Get(b); ok {
		t.Error("Expected removed task to be gone")
	}
	if s.Len() != 2 {
		t.Errorf("Expected 2 pending tasks, got %d", s.Len())
	}
	if got := s.Next(); got.ID != a {
		t.Errorf("Expected task %d, got %d", a, got.ID)
	}
	if got := s.Next(); got.Name != "c" {
		t.Errorf("Expected task c, got %s", got.Name)
	}
}

func TestTaskScheduler_IDsAreUnique(t *testing.T) {
	s := NewTaskScheduler()
	seen := make(map[TaskID]bool)
	for i := 0; i < 100; i++ {
		id := s.Schedule(&Task{Deadline: time.Now(), fn: noop})
		if seen[id] {
			t.Fatalf("Duplicate task id %d", id)
		}
		seen[id] = true
	}
}

func TestTaskScheduler_Drain(t *testing.T) {
	s := NewTaskScheduler()
	base := time.Now()
	s.Schedule(&Task{Name: "late", Deadline: base.Add(time.Minute), fn: noop})
	s.Schedule(&Task{Name: "early", Deadline: base, fn: noop})

	drained := s.Drain()
	if len(drained) != 2 {
		t.Fatalf("Expected 2 drained tasks, got %d", len(drained))
	}
	if drained[0].Name != "early" {
		t.Errorf("Expected early first, got %s", drained[0].Name)
	}
	if s.Len() != 0 {
		t.Errorf("Expected empty scheduler, got %d", s.Len())
	}
}
