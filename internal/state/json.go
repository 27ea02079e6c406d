package state

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type wireState struct {
	Value          any    `json:"value"`
	Type           string `json:"type"`
	Visible        bool   `json:"visible"`
	Enabled        bool   `json:"enabled"`
	Supported      bool   `json:"supported"`
	Diagnostic     bool   `json:"diagnostic"`
	Unit           string `json:"unit"`
	Description    string `json:"description"`
	UpdateInterval int64  `json:"updateInterval"`
}

// wirePatch is the accepted input shape; any other keys are ignored.
type wirePatch struct {
	Value          json.RawMessage `json:"value"`
	Visible        *bool           `json:"visible"`
	Enabled        *bool           `json:"enabled"`
	UpdateInterval *int64          `json:"updateInterval"`
}

type pendingUpdate struct {
	entry *Entry
	patch Patch
	value Value
}

// BuildJSON serializes every entry as an object keyed by name, in insertion order.
func (r *Registry) BuildJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range r.GetStates(All) {
		s := e.Snapshot()
		key, err := json.Marshal(s.Name)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(toWire(s))
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", s.Name, err)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(body)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// EntryJSON serializes a single entry in the BuildJSON value shape.
func (r *Registry) EntryJSON(name string) ([]byte, error) {
	e, ok := r.GetStateByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntry, name)
	}
	return json.Marshal(toWire(e.Snapshot()))
}

func toWire(s Snapshot) wireState {
	return wireState{
		Value:          jsonValue(s.Value),
		Type:           s.Kind.String(),
		Visible:        s.Visible,
		Enabled:        s.Enabled,
		Supported:      s.Supported,
		Diagnostic:     s.Diagnostic,
		Unit:           s.Unit,
		Description:    s.Description,
		UpdateInterval: s.UpdateInterval,
	}
}

// ParseJSON applies operator updates (visible, enabled, updateInterval) to known
// entries. Unknown names and keys are ignored. The whole document is validated
// first; on error nothing is changed.
func (r *Registry) ParseJSON(data []byte) error {
	updates, err := r.decode(data, false)
	if err != nil {
		return err
	}
	for _, u := range updates {
		u.entry.ApplyPatch(u.patch)
	}
	return nil
}

// restoreJSON is ParseJSON plus last-known values, used when loading from storage.
func (r *Registry) restoreJSON(data []byte) error {
	updates, err := r.decode(data, true)
	if err != nil {
		return err
	}
	for _, u := range updates {
		u.entry.ApplyPatch(u.patch)
		if u.value != nil {
			u.entry.SetValue(u.value)
		}
		u.entry.ResetReported()
	}
	return nil
}

func (r *Registry) decode(data []byte, withValues bool) ([]pendingUpdate, error) {
	// unknown names may carry any JSON value; only known entries are decoded
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid states JSON: %w", err)
	}

	var updates []pendingUpdate
	for _, e := range r.GetStates(All) {
		raw, ok := doc[e.Name()]
		if !ok {
			continue
		}
		var p wirePatch
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%s: invalid entry JSON: %w", e.Name(), err)
		}
		if p.UpdateInterval != nil && *p.UpdateInterval < StaticInterval {
			return nil, fmt.Errorf("%s: updateInterval must be >= %d, got %d", e.Name(), StaticInterval, *p.UpdateInterval)
		}
		u := pendingUpdate{
			entry: e,
			patch: Patch{Visible: p.Visible, Enabled: p.Enabled, UpdateInterval: p.UpdateInterval},
		}
		if withValues {
			v, err := decodeValue(e.Kind(), p.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.Name(), err)
			}
			u.value = v
		}
		updates = append(updates, u)
	}
	return updates, nil
}
