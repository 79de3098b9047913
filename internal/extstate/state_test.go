package extstate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"orderwizard/internal/fsm"
	"orderwizard/internal/model"
	"orderwizard/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	compiler := schema.NewCompilerWithCache(32)
	registry, err := schema.NewWizardRegistry(compiler)
	require.NoError(t, err)
	require.NoError(t, registry.Register(schema.Definition{
		Slot: schema.Slot{Stage: 9, Step: 1, Key: "note"}, ValueType: model.ValueString,
	}))
	require.NoError(t, registry.Register(schema.Definition{
		Slot: schema.Slot{Stage: 9, Step: 2, Key: "count"}, ValueType: model.ValueNumber,
	}))
	require.NoError(t, registry.Register(schema.Definition{
		Slot: schema.Slot{Stage: 9, Step: 3, Key: "flag"}, ValueType: model.ValueBool,
	}))
	return registry
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
}

func TestState_RoundTripIsByteIdentical(t *testing.T) {
	registry := testRegistry(t)
	ctx := context.Background()

	tests := []struct {
		key       string
		valueType model.ValueType
		raw       string
	}{
		{schema.KeyClient, model.ValueJSON, `{ "customerId" : "c-1" }`},
		{schema.KeyItems, model.ValueArray, `[{"id":"i1","categoryId":"c","itemId":"x","quantity":2}]`},
		{"note", model.ValueString, `"helloé"`},
		{"count", model.ValueNumber, `12.50`},
		{"flag", model.ValueBool, `true`},
		{schema.KeyItemPhotos, model.ValueBinaryRef, `[{"ref":"p1"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			s := New(registry, "s1", nil, fixedNow)
			def, ok := registry.LookupKey(tt.key)
			require.True(t, ok)

			require.NoError(t, s.Put(ctx, def.Slot, tt.valueType, json.RawMessage(tt.raw)))

			e, ok := s.Get(tt.key)
			require.True(t, ok)
			assert.Equal(t, tt.raw, string(e.Value))
			assert.Equal(t, tt.valueType, e.ValueType)
			assert.True(t, e.Validated)

			reloaded := New(registry, "s1", s.Entries(), fixedNow)
			e2, ok := reloaded.Get(tt.key)
			require.True(t, ok)
			assert.Equal(t, []byte(tt.raw), []byte(e2.Value))
			assert.Equal(t, tt.valueType, e2.ValueType)
		})
	}
}

func TestState_InvalidValueIsStagedUnvalidated(t *testing.T) {
	registry := testRegistry(t)
	s := New(registry, "s1", nil, fixedNow)

	def, _ := registry.LookupKey(schema.KeyClient)
	err := s.Put(context.Background(), def.Slot, model.ValueJSON, json.RawMessage(`{"customerId": 5}`))
	require.Error(t, err)
	assert.True(t, fsm.IsValidation(err))

	e, ok := s.Get(schema.KeyClient)
	require.True(t, ok)
	assert.False(t, e.Validated)
	require.NotNil(t, e.ValidationErrors)

	upserts, _ := s.Changes()
	require.Len(t, upserts, 1)
	assert.False(t, upserts[0].Validated)
}

func TestState_ShapeMismatch(t *testing.T) {
	registry := testRegistry(t)
	s := New(registry, "s1", nil, fixedNow)

	def, _ := registry.LookupKey("count")
	err := s.Put(context.Background(), def.Slot, model.ValueNumber, json.RawMessage(`"12"`))
	assert.True(t, fsm.IsValidation(err))
	_, ok := s.Get("count")
	assert.False(t, ok)
}

func TestState_ShapeMismatchFlagsExistingEntry(t *testing.T) {
	registry := testRegistry(t)
	ctx := context.Background()
	s := New(registry, "s1", []model.ExtendedStateEntry{
		{Stage: 1, Step: 1, Key: schema.KeyClient, Value: json.RawMessage(`{"customerId":"cust-1"}`), ValueType: model.ValueJSON, Validated: true},
		{Stage: 9, Step: 2, Key: "count", Value: json.RawMessage(`3`), ValueType: model.ValueNumber, Validated: true},
	}, fixedNow)

	err := s.Merge(ctx, schema.KeyClient, json.RawMessage(`"cust-2"`))
	assert.True(t, fsm.IsValidation(err))
	def, _ := registry.LookupKey("count")
	err = s.Put(ctx, def.Slot, model.ValueNumber, json.RawMessage(`"12"`))
	assert.True(t, fsm.IsValidation(err))

	client, ok := s.Get(schema.KeyClient)
	require.True(t, ok)
	assert.False(t, client.Validated)
	require.NotNil(t, client.ValidationErrors)
	assert.Contains(t, *client.ValidationErrors, "JSON object")
	assert.JSONEq(t, `{"customerId":"cust-1"}`, string(client.Value))

	count, _ := s.Get("count")
	assert.False(t, count.Validated)
	assert.Equal(t, "3", string(count.Value))

	upserts, _ := s.Changes()
	require.Len(t, upserts, 2)
	for _, e := range upserts {
		assert.False(t, e.Validated, e.Key)
	}
}

func TestState_MergeObjects(t *testing.T) {
	registry := testRegistry(t)
	s := New(registry, "s1", nil, fixedNow)
	ctx := context.Background()

	require.NoError(t, s.Merge(ctx, schema.KeyItemBasicInfo, json.RawMessage(`{"categoryId":"a"}`)))
	require.NoError(t, s.Merge(ctx, schema.KeyItemBasicInfo, json.RawMessage(`{"itemId":"b","quantity":2}`)))
	require.NoError(t, s.Merge(ctx, schema.KeyItemBasicInfo, json.RawMessage(`{"itemId":null}`)))

	var got map[string]any
	found, err := s.Decode(schema.KeyItemBasicInfo, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]any{"categoryId": "a", "quantity": float64(2)}, got)

	err = s.Merge(ctx, schema.KeyItemBasicInfo, json.RawMessage(`[1,2]`))
	assert.True(t, fsm.IsValidation(err))
}

func TestState_DeleteStage(t *testing.T) {
	registry := testRegistry(t)
	ctx := context.Background()
	s := New(registry, "s1", []model.ExtendedStateEntry{
		{SessionRef: "s1", Stage: 3, Step: 1, Key: schema.KeyExecutionParams, Value: json.RawMessage(`{}`), ValueType: model.ValueJSON, Validated: true},
		{SessionRef: "s1", Stage: 3, Step: 2, Key: schema.KeyDiscounts, Value: json.RawMessage(`{}`), ValueType: model.ValueJSON, Validated: true},
		{SessionRef: "s1", Stage: 1, Step: 1, Key: schema.KeyClient, Value: json.RawMessage(`{}`), ValueType: model.ValueJSON, Validated: true},
	}, fixedNow)

	require.NoError(t, s.Set(ctx, schema.KeyPayment, map[string]any{"paymentMethod": "CASH"}))

	removed := s.DeleteStage(3)
	assert.Equal(t, []string{schema.KeyDiscounts, schema.KeyExecutionParams, schema.KeyPayment}, removed)

	upserts, deleted := s.Changes()
	assert.Empty(t, upserts)
	assert.Equal(t, removed, deleted)
	assert.Len(t, s.Entries(), 1)
}

func TestState_DoesNotAliasInput(t *testing.T) {
	registry := testRegistry(t)
	entries := []model.ExtendedStateEntry{
		{Stage: 1, Step: 1, Key: schema.KeyClient, Value: json.RawMessage(`{"customerId":"c"}`), ValueType: model.ValueJSON},
	}
	s := New(registry, "s1", entries, fixedNow)
	entries[0].Value[2] = 'X'

	e, _ := s.Get(schema.KeyClient)
	assert.Equal(t, `{"customerId":"c"}`, string(e.Value))
}
