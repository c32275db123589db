package engine

import (
	"context"
	"fmt"
)

// Trace declares a named output a resource can record, such as stdout.
type Trace struct {
	Name    string
	Help    string
	Enabled bool
}

// TraceAttr selects what Trace returns.
type TraceAttr string

const (
	// TraceAll returns the whole trace content.
	TraceAll TraceAttr = "all"

	// TraceStream returns one block of the trace, starting at an offset.
	TraceStream TraceAttr = "stream"

	// TracePath returns where the trace is stored.
	TracePath TraceAttr = "path"

	// TraceSize returns the size of the trace in bytes.
	TraceSize TraceAttr = "size"
)

// Validate checks if the trace attribute is valid.
func (a TraceAttr) Validate() error {
	switch a {
	case TraceAll, TraceStream, TracePath, TraceSize:
		return nil
	default:
		return fmt.Errorf("invalid trace attribute: %q", string(a))
	}
}

// TraceQuery is passed to drivers implementing Tracer.
type TraceQuery struct {
	Name   string
	Attr   TraceAttr
	Block  int
	Offset int
}

// Tracer is implemented by drivers that can return recorded traces.
type Tracer interface {
	Trace(ctx context.Context, q TraceQuery) (string, error)
}

type traceStore struct {
	order  []string
	traces map[string]*Trace
}

func newTraceStore(decl []Trace) *traceStore {
	s := &traceStore{traces: make(map[string]*Trace, len(decl))}
	for _, tr := range decl {
		tr := tr
		s.order = append(s.order, tr.Name)
		s.traces[tr.Name] = &tr
	}
	return s
}

func (s *traceStore) enable(name string) error {
	tr, ok := s.traces[name]
	if !ok {
		return NewInvalidError(fmt.Sprintf("unknown trace %q", name), nil).WithCode(ErrCodeNotFound)
	}
	tr.Enabled = true
	return nil
}

func (s *traceStore) enabled(name string) bool {
	tr, ok := s.traces[name]
	return ok && tr.Enabled
}

func (s *traceStore) enabledNames() []string {
	var out []string
	for _, n := range s.order {
		if s.traces[n].Enabled {
			out = append(out, n)
		}
	}
	return out
}
