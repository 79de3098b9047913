package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"orderwizard/internal/model"
)

// Slot addresses one piece of step data
type Slot struct {
	Stage int
	Step  int
	Key   string
}

func (s Slot) String() string {
	return fmt.Sprintf("%d/%d/%s", s.Stage, s.Step, s.Key)
}

// Definition binds a slot to a value type and an optional JSON schema
type Definition struct {
	Slot      Slot
	ValueType model.ValueType
	Schema    map[string]interface{}
}

// Registry is the per-(stage, step, key) schema registry consulted at write time.
type Registry struct {
	compiler *Compiler
	defs     map[Slot]Definition
	byKey    map[string]Slot
}

func NewRegistry(compiler *Compiler, defs ...Definition) (*Registry, error) {
	r := &Registry{
		compiler: compiler,
		defs:     make(map[Slot]Definition, len(defs)),
		byKey:    make(map[string]Slot, len(defs)),
	}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a definition and compiles its schema eagerly so bad schemas fail at startup.
func (r *Registry) Register(d Definition) error {
	if d.Slot.Key == "" {
		return fmt.Errorf("schema definition requires a key")
	}
	if existing, ok := r.byKey[d.Slot.Key]; ok && existing != d.Slot {
		return fmt.Errorf("key %s already registered at %s", d.Slot.Key, existing)
	}
	if d.Schema != nil {
		if _, err := r.compiler.Prepare(context.Background(), d.Schema); err != nil {
			return fmt.Errorf("schema for %s: %w", d.Slot, err)
		}
	}
	r.defs[d.Slot] = d
	r.byKey[d.Slot.Key] = d.Slot
	return nil
}

// Lookup returns the definition of a slot
func (r *Registry) Lookup(slot Slot) (Definition, bool) {
	d, ok := r.defs[slot]
	return d, ok
}

// LookupKey finds a definition by key alone; keys are unique across slots.
func (r *Registry) LookupKey(key string) (Definition, bool) {
	slot, ok := r.byKey[key]
	if !ok {
		return Definition{}, false
	}
	return r.defs[slot], true
}

// Slots lists registered slots ordered by stage, step, key
func (r *Registry) Slots() []Slot {
	out := make([]Slot, 0, len(r.defs))
	for s := range r.defs {
		out = append(out, s)
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

// Validate checks a value written to a slot. Unknown slots are rejected.
func (r *Registry) Validate(ctx context.Context, slot Slot, valueType model.ValueType, raw json.RawMessage) error {
	d, ok := r.defs[slot]
	if !ok {
		return &Violation{Field: slot.Key, Detail: "no schema registered for " + slot.String()}
	}
	if d.ValueType != valueType {
		return &Violation{Field: slot.Key, Detail: fmt.Sprintf("value type %s does not match %s", valueType, d.ValueType)}
	}
	if d.Schema == nil {
		return nil
	}
	if err := r.compiler.Validate(ctx, d.Schema, raw); err != nil {
		if v, ok := err.(*Violation); ok && v.Field == "$" {
			v.Field = slot.Key
		}
		return err
	}
	return nil
}
