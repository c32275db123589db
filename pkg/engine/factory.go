package engine

import (
	"fmt"
	"sort"
	"sync"
)

// TypeInfo describes a resource type a controller can instantiate.
type TypeInfo struct {
	// Name is the type name, conventionally "<family>::<Kind>".
	Name string

	// Help is a one-line description.
	Help string

	// Attributes is the attribute schema; each resource gets its own copy.
	Attributes []Attribute

	// Traces lists the traces the type can record.
	Traces []Trace

	// New builds the driver around an initialized Base.
	New func(base *Base) (Resource, error)
}

// Attribute returns the declared attribute called name.
func (t TypeInfo) Attribute(name string) (Attribute, bool) {
	for _, a := range t.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// HasTrace reports whether the type declares a trace called name.
func (t TypeInfo) HasTrace(name string) bool {
	for _, tr := range t.Traces {
		if tr.Name == name {
			return true
		}
	}
	return false
}

// Factory maps type names to resource constructors.
type Factory struct {
	mu    sync.RWMutex
	types map[string]TypeInfo
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{types: make(map[string]TypeInfo)}
}

// Register adds a resource type.
func (f *Factory) Register(info TypeInfo) error {
	if info.Name == "" {
		return fmt.Errorf("resource type name is required")
	}
	if info.New == nil {
		return fmt.Errorf("resource type %s has no constructor", info.Name)
	}
	if _, err := newAttrStore(info.Attributes); err != nil {
		return fmt.Errorf("invalid attributes for %s: %w", info.Name, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.types[info.Name]; exists {
		return fmt.Errorf("resource type %s already registered", info.Name)
	}
	f.types[info.Name] = info
	return nil
}

// MustRegister registers types and panics on error.
func (f *Factory) MustRegister(infos ...TypeInfo) {
	for _, info := range infos {
		if err := f.Register(info); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the type registered under name.
func (f *Factory) Lookup(name string) (TypeInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info, ok := f.types[name]
	return info, ok
}

// Types returns every registered type sorted by name.
func (f *Factory) Types() []TypeInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]TypeInfo, 0, len(f.types))
	for _, info := range f.types {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *Factory) create(rtype string, guid Guid, handle Handle, onTransition transitionFunc) (Resource, error) {
	info, ok := f.Lookup(rtype)
	if !ok {
		return nil, NewInvalidError(fmt.Sprintf("unknown resource type %q", rtype), nil).
			WithCode(ErrCodeNotFound)
	}
	base, err := newBase(guid, info, handle, onTransition)
	if err != nil {
		return nil, NewInvalidError("failed to initialize resource", err).WithCode(ErrCodeValidation)
	}
	r, err := info.New(base)
	if err != nil {
		return nil, NewInvalidError(fmt.Sprintf("failed to create %s", rtype), err).
			WithCode(ErrCodeValidation)
	}
	if r.core() != base {
		return nil, NewInvalidError(fmt.Sprintf("%s constructor must embed the given base", rtype), nil).
			WithCode(ErrCodeValidation)
	}
	return r, nil
}
