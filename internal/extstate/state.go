// Package extstate is the typed key/value view over a session's step data.
// Writes are staged in memory and handed to the session store as one change.
package extstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"orderwizard/internal/fsm"
	"orderwizard/internal/model"
	"orderwizard/internal/schema"
)

type State struct {
	sessionRef string
	registry   *schema.Registry
	entries    map[string]model.ExtendedStateEntry
	dirty      map[string]bool
	deleted    map[string]bool
	now        func() time.Time
}

// New wraps loaded entries. Entries are copied; the caller's slice is never touched.
func New(registry *schema.Registry, sessionRef string, entries []model.ExtendedStateEntry, now func() time.Time) *State {
	s := &State{
		sessionRef: sessionRef,
		registry:   registry,
		entries:    make(map[string]model.ExtendedStateEntry, len(entries)),
		dirty:      make(map[string]bool),
		deleted:    make(map[string]bool),
		now:        now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, e := range entries {
		s.entries[e.Key] = e.Clone()
	}
	return s
}

// FromSections wraps the draft sections of an item wizard scratch slot.
func FromSections(registry *schema.Registry, sections map[string]model.ExtendedStateEntry, now func() time.Time) *State {
	entries := make([]model.ExtendedStateEntry, 0, len(sections))
	for _, e := range sections {
		entries = append(entries, e)
	}
	return New(registry, "", entries, now)
}

func (s *State) Get(key string) (model.ExtendedStateEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return model.ExtendedStateEntry{}, false
	}
	return e.Clone(), true
}

// Decode unmarshals the value stored under key into v. It reports false when absent.
func (s *State) Decode(key string, v any) (bool, error) {
	e, ok := s.entries[key]
	if !ok || len(e.Value) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(e.Value, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Validated reports whether key is present and passed its last check
func (s *State) Validated(key string) bool {
	e, ok := s.entries[key]
	return ok && e.Validated
}

// Put stages raw bytes under a slot. The value is kept byte-for-byte. A failed
// check still stages the entry with validated=false and returns a ValidationError.
// Bytes of the wrong shape are never stored; the current entry is flagged instead.
func (s *State) Put(ctx context.Context, slot schema.Slot, valueType model.ValueType, raw json.RawMessage) error {
	if err := checkShape(valueType, raw); err != nil {
		return s.reject(slot.Key, err.Error())
	}

	entry := model.ExtendedStateEntry{
		SessionRef: s.sessionRef,
		Stage:      slot.Stage,
		Step:       slot.Step,
		Key:        slot.Key,
		Value:      append(json.RawMessage(nil), raw...),
		ValueType:  valueType,
		Validated:  false,
		UpdatedAt:  s.now().UTC(),
	}

	var verr error
	if err := s.registry.Validate(ctx, slot, valueType, raw); err != nil {
		var v *schema.Violation
		if !errors.As(err, &v) {
			return err
		}
		detail := v.Error()
		entry.ValidationErrors = &detail
		verr = fsm.Validation(v.Field, v.Detail)
	} else {
		entry.Validated = true
	}

	s.entries[slot.Key] = entry
	s.dirty[slot.Key] = true
	delete(s.deleted, slot.Key)
	return verr
}

// Set encodes v and stages it under the registered slot of key.
func (s *State) Set(ctx context.Context, key string, v any) error {
	def, ok := s.registry.LookupKey(key)
	if !ok {
		return fmt.Errorf("no slot registered for key %s", key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, def.Slot, def.ValueType, raw)
}

// Merge applies patch to the value under key. Objects merge shallowly, anything
// else replaces the current value.
func (s *State) Merge(ctx context.Context, key string, patch json.RawMessage) error {
	def, ok := s.registry.LookupKey(key)
	if !ok {
		return fmt.Errorf("no slot registered for key %s", key)
	}
	if def.ValueType != model.ValueJSON {
		return s.Put(ctx, def.Slot, def.ValueType, patch)
	}

	var incoming map[string]json.RawMessage
	if err := json.Unmarshal(patch, &incoming); err != nil || incoming == nil {
		return s.reject(key, "payload must be a JSON object")
	}

	merged := map[string]json.RawMessage{}
	if current, ok := s.entries[key]; ok && len(current.Value) > 0 {
		if err := json.Unmarshal(current.Value, &merged); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
	}
	for k, v := range incoming {
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, def.Slot, def.ValueType, raw)
}

// Invalidate flags key as failing a check that runs outside the registry,
// e.g. a cross-field rule. It reports false when key is absent.
func (s *State) Invalidate(key, detail string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.Validated = false
	e.ValidationErrors = &detail
	e.UpdatedAt = s.now().UTC()
	s.entries[key] = e
	s.dirty[key] = true
	return true
}

func (s *State) reject(key, detail string) error {
	s.Invalidate(key, detail)
	return fsm.Validation(key, detail)
}

// DeleteStage stages removal of every entry of a stage and returns the keys removed.
func (s *State) DeleteStage(stage int) []string {
	var keys []string
	for k, e := range s.entries {
		if e.Stage == stage {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		delete(s.entries, k)
		delete(s.dirty, k)
		s.deleted[k] = true
	}
	return keys
}

// Delete stages removal of a single key
func (s *State) Delete(key string) {
	if _, ok := s.entries[key]; !ok {
		return
	}
	delete(s.entries, key)
	delete(s.dirty, key)
	s.deleted[key] = true
}

// Changes returns staged upserts and deletions in key order
func (s *State) Changes() ([]model.ExtendedStateEntry, []string) {
	upserts := make([]model.ExtendedStateEntry, 0, len(s.dirty))
	for k := range s.dirty {
		upserts = append(upserts, s.entries[k].Clone())
	}
	sort.Slice(upserts, func(i, j int) bool { return upserts[i].Key < upserts[j].Key })

	deleted := make([]string, 0, len(s.deleted))
	for k := range s.deleted {
		deleted = append(deleted, k)
	}
	sort.Strings(deleted)
	return upserts, deleted
}

// Entries returns all current entries ordered by stage, step, key
func (s *State) Entries() []model.ExtendedStateEntry {
	out := make([]model.ExtendedStateEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		if out[i].Step != out[j].Step {
			return out[i].Step < out[j].Step
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Sections returns the current entries keyed by key
func (s *State) Sections() map[string]model.ExtendedStateEntry {
	out := make(map[string]model.ExtendedStateEntry, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.Clone()
	}
	return out
}

// Views renders entries for a snapshot
func (s *State) Views() map[string]model.EntryView {
	out := make(map[string]model.EntryView, len(s.entries))
	for k, e := range s.entries {
		out[k] = View(e)
	}
	return out
}

func View(e model.ExtendedStateEntry) model.EntryView {
	e = e.Clone()
	return model.EntryView{
		Stage:            e.Stage,
		Step:             e.Step,
		ValueType:        e.ValueType,
		Value:            e.Value,
		Validated:        e.Validated,
		ValidationErrors: e.ValidationErrors,
	}
}

func checkShape(valueType model.ValueType, raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return errors.New("value is not valid JSON")
	}
	var want byte
	switch valueType {
	case model.ValueJSON:
		want = '{'
	case model.ValueArray, model.ValueBinaryRef:
		want = '['
	case model.ValueString:
		want = '"'
	case model.ValueBool:
		if bytes.Equal(trimmed, []byte("true")) || bytes.Equal(trimmed, []byte("false")) {
			return nil
		}
		return fmt.Errorf("value is not a %s", valueType)
	case model.ValueNumber:
		var n float64
		if c := trimmed[0]; (c != '-' && (c < '0' || c > '9')) || json.Unmarshal(trimmed, &n) != nil {
			return fmt.Errorf("value is not a %s", valueType)
		}
		return nil
	default:
		return fmt.Errorf("unknown value type %q", valueType)
	}
	if trimmed[0] != want {
		return fmt.Errorf("value is not a %s", valueType)
	}
	return nil
}
