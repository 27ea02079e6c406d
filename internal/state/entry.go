package state

import (
	"fmt"
	"sync"
)

// StaticInterval marks an entry as static: reported once, then left alone.
const StaticInterval int64 = -1

// Definition describes an entry at creation time.
type Definition struct {
	Name           string
	Description    string
	Unit           string
	Kind           Kind
	Visible        bool
	Enabled        bool
	Supported      bool
	Diagnostic     bool
	UpdateInterval int64 // ms between reports, or StaticInterval
}

// Entry is one named telemetry datum.
//
// Ownership of the mutable fields is split by mutator: SetValue and SetSupported
// belong to the poller (and to the loader before tasks start), ApplyPatch to the
// API, MarkReported/ResetReported to the reporter. The per-entry lock makes every
// read a consistent snapshot regardless of which task is writing.
type Entry struct {
	name        string
	description string
	unit        string
	kind        Kind
	diagnostic  bool

	mu             sync.RWMutex
	value          Value
	visible        bool
	enabled        bool
	supported      bool
	updateInterval int64
	lastUpdate     int64
	reported       bool
}

// Snapshot is a consistent copy of an entry.
type Snapshot struct {
	Name           string
	Description    string
	Unit           string
	Kind           Kind
	Value          Value
	Visible        bool
	Enabled        bool
	Supported      bool
	Diagnostic     bool
	UpdateInterval int64
	LastUpdate     int64
	Reported       bool
}

// Patch carries the operator-mutable fields. Nil fields are left untouched.
type Patch struct {
	Visible        *bool
	Enabled        *bool
	UpdateInterval *int64
}

func NewEntry(def Definition) *Entry {
	return &Entry{
		name:           def.Name,
		description:    def.Description,
		unit:           def.Unit,
		kind:           def.Kind,
		diagnostic:     def.Diagnostic,
		value:          Zero(def.Kind),
		visible:        def.Visible,
		enabled:        def.Enabled,
		supported:      def.Supported,
		updateInterval: def.UpdateInterval,
	}
}

func (e *Entry) Name() string        { return e.name }
func (e *Entry) Description() string { return e.description }
func (e *Entry) Unit() string        { return e.unit }
func (e *Entry) Kind() Kind          { return e.kind }
func (e *Entry) Diagnostic() bool    { return e.diagnostic }

func (e *Entry) Value() Value {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value
}

// Format renders the current value.
func (e *Entry) Format() string {
	return e.Value().Format()
}

// SetValue replaces the payload. A value of another kind is a programming error.
func (e *Entry) SetValue(v Value) {
	if v == nil || v.Kind() != e.kind {
		panic(fmt.Sprintf("state: entry %q holds %s, got %T", e.name, e.kind, v))
	}
	e.mu.Lock()
	e.value = v
	e.mu.Unlock()
}

func (e *Entry) SetSupported(supported bool) {
	e.mu.Lock()
	e.supported = supported
	e.mu.Unlock()
}

func (e *Entry) Visible() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.visible
}

func (e *Entry) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

func (e *Entry) Supported() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.supported
}

func (e *Entry) UpdateInterval() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.updateInterval
}

// LastUpdate returns the time of the last report and whether one happened.
func (e *Entry) LastUpdate() (int64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastUpdate, e.reported
}

func (e *Entry) IsStatic() bool {
	return e.UpdateInterval() == StaticInterval
}

// Eligible reports visible ∧ enabled ∧ supported.
func (e *Entry) Eligible() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.visible && e.enabled && e.supported
}

// Due applies the throttle gate at time now (ms since boot). Static entries are
// due only until their first report.
func (e *Entry) Due(now int64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.reported {
		return true
	}
	if e.updateInterval == StaticInterval {
		return false
	}
	return e.lastUpdate+e.updateInterval <= now
}

// MarkReported records a successful report at time now.
func (e *Entry) MarkReported(now int64) {
	e.mu.Lock()
	e.lastUpdate = now
	e.reported = true
	e.mu.Unlock()
}

// ResetReported forgets the last report so the entry is due again.
func (e *Entry) ResetReported() {
	e.mu.Lock()
	e.lastUpdate = 0
	e.reported = false
	e.mu.Unlock()
}

func (e *Entry) ApplyPatch(p Patch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Visible != nil {
		e.visible = *p.Visible
	}
	if p.Enabled != nil {
		e.enabled = *p.Enabled
	}
	if p.UpdateInterval != nil && *p.UpdateInterval != e.updateInterval {
		e.updateInterval = *p.UpdateInterval
		// interval changes restart the throttle window
		e.reported = false
	}
}

func (e *Entry) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		Name:           e.name,
		Description:    e.description,
		Unit:           e.unit,
		Kind:           e.kind,
		Value:          e.value,
		Visible:        e.visible,
		Enabled:        e.enabled,
		Supported:      e.supported,
		Diagnostic:     e.diagnostic,
		UpdateInterval: e.updateInterval,
		LastUpdate:     e.lastUpdate,
		Reported:       e.reported,
	}
}
