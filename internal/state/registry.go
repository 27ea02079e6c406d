package state

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateEntry = errors.New("duplicate entry name")
	ErrInvalidEntry   = errors.New("invalid entry definition")
	ErrUnknownEntry   = errors.New("unknown entry")
)

// Predicate selects entries in GetStates.
type Predicate func(e *Entry) bool

var (
	// All matches every entry.
	All Predicate = func(*Entry) bool { return true }

	// Reportable matches visible ∧ enabled ∧ supported entries.
	Reportable Predicate = func(e *Entry) bool { return e.Eligible() }

	// Visible matches what the UI lists.
	Visible Predicate = func(e *Entry) bool { return e.Visible() }

	// StaticDiagnostic matches report-once gateway diagnostics, visible or not.
	StaticDiagnostic Predicate = func(e *Entry) bool {
		return e.Diagnostic() && e.IsStatic() && e.Enabled() && e.Supported()
	}

	// Pollable matches entries the poller maintains.
	Pollable Predicate = func(e *Entry) bool { return e.Enabled() }
)

// Registry is an insertion-ordered set of entries keyed by name.
type Registry struct {
	mu     sync.RWMutex
	order  []*Entry
	byName map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Entry)}
}

// Add creates an entry. Names are unique for the lifetime of the registry.
func (r *Registry) Add(def Definition) (*Entry, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidEntry)
	}
	switch def.Kind {
	case KindInt, KindFloat, KindBool:
	default:
		return nil, fmt.Errorf("%w: %q has unknown kind %d", ErrInvalidEntry, def.Name, def.Kind)
	}
	if def.UpdateInterval < StaticInterval {
		return nil, fmt.Errorf("%w: %q has interval %d", ErrInvalidEntry, def.Name, def.UpdateInterval)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[def.Name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateEntry, def.Name)
	}
	e := NewEntry(def)
	r.order = append(r.order, e)
	r.byName[def.Name] = e
	return e, nil
}

func (r *Registry) MustAdd(def Definition) *Entry {
	e, err := r.Add(def)
	if err != nil {
		panic(err)
	}
	return e
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// GetStates returns the entries matching pred in insertion order.
func (r *Registry) GetStates(pred Predicate) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.order))
	for _, e := range r.order {
		if pred == nil || pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// GetStateByName looks an entry up. Absence means "not loaded", not an error.
func (r *Registry) GetStateByName(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// ResetReported makes every entry due on the next reporting pass.
func (r *Registry) ResetReported() {
	for _, e := range r.GetStates(All) {
		e.ResetReported()
	}
}
