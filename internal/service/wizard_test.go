package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"orderwizard/internal/fsm"
	"orderwizard/internal/model"
	"orderwizard/internal/schema"
	"orderwizard/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var outerEvents = []model.Event{
	model.EventStartOrder, model.EventClientSelected, model.EventOrderInfoCompleted,
	model.EventStartNewItemWizard, model.EventEditItem, model.EventDeleteItem,
	model.EventItemWizardCompleted, model.EventCancelItemWizard, model.EventItemsCompleted,
	model.EventExecutionParamsSet, model.EventDiscountsApplied, model.EventPaymentProcessed,
	model.EventAdditionalInfoCompleted, model.EventReviewOrder, model.EventOrderApproved,
	model.EventTermsAccepted, model.EventReceiptGenerated, model.EventGoBack, model.EventCancelOrder,
	model.EventStartItem, model.EventReset,
}

func TestWizardService_Start(t *testing.T) {
	f := newFixture(t)

	snap, err := f.svc.Start(context.Background(), "op-1")
	require.NoError(t, err)

	assert.Equal(t, model.StateClientSelection, snap.State)
	assert.True(t, snap.Active)
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), snap.ExpiresAt)
	assert.Equal(t, []model.Event{model.EventCancelOrder, model.EventClientSelected}, snap.AvailableEvents)
	assert.Contains(t, f.bus.types(), "wizard.started")

	_, err = f.svc.Start(context.Background(), "")
	assert.True(t, fsm.IsValidation(err))
}

// Scenario A
func TestWizardService_ClientSelectedReachesOrderInitialization(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	snap := f.fire(t, id, model.EventClientSelected, `{"customerId":"cust-1"}`)

	assert.Equal(t, model.StateOrderInitialization, snap.State)
	assert.Equal(t, []model.Event{model.EventCancelOrder, model.EventGoBack, model.EventOrderInfoCompleted}, snap.AvailableEvents)
	assert.True(t, snap.ExtendedState[schema.KeyClient].Validated)

	stored, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored.CustomerRef)
	assert.Equal(t, "cust-1", *stored.CustomerRef)
	assert.Contains(t, f.bus.types(), "wizard.transitioned")
}

func TestWizardService_IllegalTransitionLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	ctx := context.Background()

	before, err := f.store.Load(ctx, id)
	require.NoError(t, err)
	allowed := map[model.Event]bool{}
	for _, e := range f.svc.Outer().AvailableEvents(before.CurrentState) {
		allowed[e] = true
	}

	for _, event := range outerEvents {
		if allowed[event] {
			continue
		}
		t.Run(string(event), func(t *testing.T) {
			_, err := f.svc.Fire(ctx, id, event, nil)
			require.Error(t, err)
			assert.True(t, fsm.IsIllegalTransition(err))
			assert.Equal(t, string(model.StateClientSelection), fsm.Meta(err, "state"))

			after, err := f.store.Load(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, before.CurrentState, after.CurrentState)
			assert.Equal(t, before.Version, after.Version)
		})
	}
}

func TestWizardService_GetStateIsReadOnly(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	ctx := context.Background()

	before, err := f.store.Load(ctx, id)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	first, err := f.svc.GetState(ctx, id)
	require.NoError(t, err)
	second, err := f.svc.GetState(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	after, err := f.store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)

	_, err = f.svc.GetState(ctx, "missing")
	assert.True(t, fsm.IsSessionNotFound(err))
}

func TestWizardService_ExpiredSessionIsRejectedBeforeSweep(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	ctx := context.Background()

	f.clock.Advance(31 * time.Minute)

	_, err := f.svc.Fire(ctx, id, model.EventClientSelected, raw(`{"customerId":"cust-1"}`))
	assert.True(t, fsm.IsSessionExpired(err))
	_, err = f.svc.GetState(ctx, id)
	assert.True(t, fsm.IsSessionExpired(err))

	stored, err := f.store.Load(ctx, id)
	require.NoError(t, err)
	assert.True(t, stored.Active, "only the sweep flips the flag")

	count, err := f.lifecycle.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWizardService_GuardRejectedKeepsNothing(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	_, err := f.svc.Fire(context.Background(), id, model.EventClientSelected, raw(`{"customerId":"nobody"}`))
	require.Error(t, err)
	assert.True(t, fsm.IsGuardRejected(err))
	assert.Equal(t, "customer nobody not found", fsm.Meta(err, "reason"))

	snap, err := f.svc.GetState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StateClientSelection, snap.State)
	assert.NotContains(t, snap.ExtendedState, schema.KeyClient)
}

func TestWizardService_InvalidPayloadIsStoredUnvalidated(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.fire(t, id, model.EventClientSelected, `{"customerId":"cust-1"}`)

	_, err := f.svc.Fire(context.Background(), id, model.EventOrderInfoCompleted, raw(`{"branchId":""}`))
	require.Error(t, err)
	assert.True(t, fsm.IsValidation(err))
	assert.Equal(t, "branchId", fsm.Meta(err, "field"))

	snap, err := f.svc.GetState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StateOrderInitialization, snap.State)
	entry := snap.ExtendedState[schema.KeyOrderInfo]
	assert.False(t, entry.Validated)
	require.NotNil(t, entry.ValidationErrors)
	assert.JSONEq(t, `{"branchId":""}`, string(entry.Value))

	// firing again without data fails on the stored entry
	_, err = f.svc.Fire(context.Background(), id, model.EventOrderInfoCompleted, nil)
	assert.True(t, fsm.IsValidation(err))

	snap = f.fire(t, id, model.EventOrderInfoCompleted, `{"branchId":"branch-1"}`)
	assert.Equal(t, model.StateItemManagement, snap.State)
	assert.True(t, snap.ExtendedState[schema.KeyOrderInfo].Validated)
	assert.Empty(t, decodeItems(t, snap))
}

func TestWizardService_NonObjectPayloadFlagsStoredEntry(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	ctx := context.Background()
	f.fire(t, id, model.EventClientSelected, `{"customerId":"cust-1"}`)
	f.fire(t, id, model.EventGoBack, "")

	_, err := f.svc.Fire(ctx, id, model.EventClientSelected, raw(`"cust-2"`))
	require.Error(t, err)
	assert.True(t, fsm.IsValidation(err))
	assert.Equal(t, schema.KeyClient, fsm.Meta(err, "field"))

	snap, err := f.svc.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StateClientSelection, snap.State)
	entry := snap.ExtendedState[schema.KeyClient]
	assert.False(t, entry.Validated)
	require.NotNil(t, entry.ValidationErrors)
	assert.JSONEq(t, `{"customerId":"cust-1"}`, string(entry.Value))

	stored, err := f.store.Load(ctx, id)
	require.NoError(t, err)
	entries, err := f.store.LoadEntries(ctx, stored.ID)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Key == schema.KeyClient {
			assert.False(t, e.Validated)
		}
	}

	// the flagged entry blocks a bare retry until a valid object arrives
	_, err = f.svc.Fire(ctx, id, model.EventClientSelected, nil)
	assert.True(t, fsm.IsValidation(err))
	snap = f.fire(t, id, model.EventClientSelected, `{"customerId":"cust-2"}`)
	assert.Equal(t, model.StateOrderInitialization, snap.State)
	assert.True(t, snap.ExtendedState[schema.KeyClient].Validated)
}

func TestWizardService_GoBackKeepsData(t *testing.T) {
	f := newFixture(t)
	id := f.toItemManagement(t)

	snap := f.fire(t, id, model.EventGoBack, "")
	assert.Equal(t, model.StateOrderInitialization, snap.State)
	snap = f.fire(t, id, model.EventGoBack, "")
	assert.Equal(t, model.StateClientSelection, snap.State)
	assert.Contains(t, snap.ExtendedState, schema.KeyOrderInfo)

	_, err := f.svc.Fire(context.Background(), id, model.EventGoBack, nil)
	assert.True(t, fsm.IsIllegalTransition(err))
}

func TestWizardService_ItemManagement(t *testing.T) {
	f := newFixture(t)
	id := f.toItemManagement(t)
	ctx := context.Background()

	_, err := f.svc.Fire(ctx, id, model.EventItemsCompleted, nil)
	assert.True(t, fsm.IsGuardRejected(err))
	assert.Equal(t, "order has no items", fsm.Meta(err, "reason"))

	// Scenario B
	snap := f.fire(t, id, model.EventStartNewItemWizard, "")
	assert.Equal(t, model.StateItemWizardActive, snap.State)
	require.NotNil(t, snap.ItemWizard)
	assert.Equal(t, model.ItemNotStarted, snap.ItemWizard.State)
	assert.Equal(t, []model.Event{model.EventCancelItemWizard, model.EventCancelOrder, model.EventItemWizardCompleted}, snap.AvailableEvents)
	f.fire(t, id, model.EventCancelItemWizard, "")

	snap = f.addItem(t, id, fillerCategory)
	assert.Equal(t, model.StateItemManagement, snap.State)
	assert.Nil(t, snap.ItemWizard)
	items := decodeItems(t, snap)
	require.Len(t, items, 1)
	assert.Equal(t, "Down", items[0].Filler)
	assert.Equal(t, 2, items[0].Quantity)
	require.NotNil(t, items[0].Price)
	assert.Equal(t, int64(2000), items[0].Price.Total)

	snap = f.addItem(t, id, plainCategory)
	items = decodeItems(t, snap)
	require.Len(t, items, 2)
	assert.Empty(t, items[1].Filler)

	_, err = f.svc.Fire(ctx, id, model.EventDeleteItem, raw(`{"itemId":"nope"}`))
	assert.True(t, fsm.IsGuardRejected(err))

	snap = f.fire(t, id, model.EventDeleteItem, `{"itemId":"`+items[0].ID+`"}`)
	assert.Equal(t, model.StateItemManagement, snap.State)
	remaining := decodeItems(t, snap)
	require.Len(t, remaining, 1)
	assert.Equal(t, items[1].ID, remaining[0].ID)
}

func TestWizardService_EditItemReplacesInPlace(t *testing.T) {
	f := newFixture(t)
	id := f.toItemManagement(t)
	items := decodeItems(t, f.addItem(t, id, plainCategory))
	require.Len(t, items, 1)
	itemID := items[0].ID

	snap := f.fire(t, id, model.EventEditItem, `{"itemId":"`+itemID+`"}`)
	require.NotNil(t, snap.ItemWizard)
	require.NotNil(t, snap.ItemWizard.EditingItemID)
	assert.Equal(t, itemID, *snap.ItemWizard.EditingItemID)
	assert.Contains(t, snap.ItemWizard.Sections, schema.KeyItemBasicInfo)

	f.fire(t, id, model.EventStartItem, "")
	f.fire(t, id, model.EventCategorySelected, "")
	f.fire(t, id, model.EventItemNameSelected, "")
	f.fire(t, id, model.EventQuantityEntered, `{"quantity":5}`)
	f.fire(t, id, model.EventMaterialSelected, "")
	f.fire(t, id, model.EventColorSelected, "")
	f.fire(t, id, model.EventWearDegreeSelected, "")
	f.fire(t, id, model.EventDefectsCompleted, "")
	f.fire(t, id, model.EventPricingCompleted, "")
	f.fire(t, id, model.EventSkipPhotos, "")
	snap = f.fire(t, id, model.EventItemWizardCompleted, "")

	edited := decodeItems(t, snap)
	require.Len(t, edited, 1)
	assert.Equal(t, itemID, edited[0].ID)
	assert.Equal(t, 5, edited[0].Quantity)
	assert.Equal(t, int64(5000), edited[0].Price.Total)
	assert.Equal(t, "Leather", edited[0].Material)
}

func TestWizardService_FullOrder(t *testing.T) {
	f := newFixture(t)
	id := f.toExecutionParams(t)
	ctx := context.Background()

	_, err := f.svc.Fire(ctx, id, model.EventExecutionParamsSet, raw(`{"executionDate":"2026-02-01","urgency":"NORMAL"}`))
	assert.True(t, fsm.IsValidation(err))

	f.fire(t, id, model.EventExecutionParamsSet, `{"executionDate":"2026-03-05","urgency":"URGENT_48H"}`)
	snap := f.fire(t, id, model.EventDiscountsApplied, `{"discountType":"EVERCARD"}`)
	assert.Equal(t, model.StatePaymentProcessing, snap.State)

	var totals Totals
	require.NoError(t, json.Unmarshal(snap.ExtendedState[schema.KeyTotals].Value, &totals))
	assert.Equal(t, Totals{ItemsTotal: 2000, UrgencyCharge: 1000, DiscountAmount: 300, FinalAmount: 2700}, totals)

	_, err = f.svc.Fire(ctx, id, model.EventPaymentProcessed, raw(`{"paymentMethod":"CASH","prepaymentAmount":5000}`))
	assert.True(t, fsm.IsValidation(err))
	assert.Equal(t, "prepaymentAmount", fsm.Meta(err, "field"))

	f.fire(t, id, model.EventPaymentProcessed, `{"paymentMethod":"CASH","prepaymentAmount":1000}`)
	f.fire(t, id, model.EventAdditionalInfoCompleted, `{"notes":"<b>fragile</b>"}`)
	f.fire(t, id, model.EventReviewOrder, "")
	f.fire(t, id, model.EventOrderApproved, `{"approved":true}`)

	_, err = f.svc.Fire(ctx, id, model.EventTermsAccepted, raw(`{"termsAccepted":false,"signature":"x"}`))
	assert.True(t, fsm.IsValidation(err))

	snap = f.fire(t, id, model.EventTermsAccepted, `{"termsAccepted":true,"signature":"data:image/png;base64,AAAA"}`)
	assert.Equal(t, model.StateReceiptGeneration, snap.State)
	require.NotNil(t, snap.ReceiptNumber)
	assert.Equal(t, "branch-1-000001", *snap.ReceiptNumber)

	// going back and forth keeps the number
	f.fire(t, id, model.EventGoBack, "")
	snap = f.fire(t, id, model.EventTermsAccepted, "")
	assert.Equal(t, "branch-1-000001", *snap.ReceiptNumber)

	snap = f.fire(t, id, model.EventReceiptGenerated, `{"format":"PDF"}`)
	assert.Equal(t, model.StateCompleted, snap.State)
	assert.False(t, snap.Active)
	assert.Empty(t, snap.AvailableEvents)

	stored, err := f.store.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.ClosedReason)
	assert.Equal(t, model.ClosedCompleted, *stored.ClosedReason)

	_, err = f.svc.Fire(ctx, id, model.EventCancelOrder, nil)
	assert.True(t, fsm.IsSessionExpired(err))
	assert.Contains(t, f.bus.types(), "wizard.closed")
}

// Scenario C
func TestWizardService_CancelFromAnyNonTerminalState(t *testing.T) {
	tests := []struct {
		name  string
		drive func(t *testing.T, f *fixture) string
		state model.OuterState
	}{
		{
			name:  "execution params",
			drive: func(t *testing.T, f *fixture) string { return f.toExecutionParams(t) },
			state: model.StateExecutionParams,
		},
		{
			name: "order review",
			drive: func(t *testing.T, f *fixture) string {
				id := f.toExecutionParams(t)
				f.fire(t, id, model.EventExecutionParamsSet, `{"executionDate":"2026-03-05","urgency":"NORMAL"}`)
				f.fire(t, id, model.EventDiscountsApplied, `{"discountType":"NONE"}`)
				f.fire(t, id, model.EventPaymentProcessed, `{"paymentMethod":"TERMINAL","prepaymentAmount":0}`)
				f.fire(t, id, model.EventAdditionalInfoCompleted, "")
				f.fire(t, id, model.EventReviewOrder, "")
				return id
			},
			state: model.StateOrderReview,
		},
		{
			name: "item wizard active",
			drive: func(t *testing.T, f *fixture) string {
				id := f.toItemManagement(t)
				f.fire(t, id, model.EventStartNewItemWizard, "")
				f.fire(t, id, model.EventStartItem, "")
				return id
			},
			state: model.StateItemWizardActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := tt.drive(t, f)

			before, err := f.svc.GetState(context.Background(), id)
			require.NoError(t, err)
			require.Equal(t, tt.state, before.State)
			assert.Contains(t, before.AvailableEvents, model.EventCancelOrder)

			snap, err := f.svc.Cancel(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, model.StateCancelled, snap.State)
			assert.False(t, snap.Active)
			assert.Nil(t, snap.ItemWizard)

			stored, err := f.store.Load(context.Background(), id)
			require.NoError(t, err)
			assert.False(t, stored.Active)
			assert.Equal(t, model.ClosedCancelled, *stored.ClosedReason)

			entries, err := f.store.LoadEntries(context.Background(), stored.ID)
			require.NoError(t, err)
			assert.NotEmpty(t, entries, "step data is kept for audit")
		})
	}
}

func TestWizardService_ResetStage(t *testing.T) {
	f := newFixture(t)
	id := f.toExecutionParams(t)
	ctx := context.Background()
	f.fire(t, id, model.EventExecutionParamsSet, `{"executionDate":"2026-03-05","urgency":"NORMAL"}`)

	_, err := f.svc.ResetStage(ctx, id, 1)
	assert.True(t, fsm.IsGuardRejected(err))

	_, err = f.svc.ResetStage(ctx, id, 9)
	assert.True(t, fsm.IsValidation(err))

	snap, err := f.svc.ResetStage(ctx, id, 3)
	require.NoError(t, err)
	assert.Equal(t, model.StateGlobalDiscounts, snap.State)
	assert.NotContains(t, snap.ExtendedState, schema.KeyExecutionParams)
	assert.Contains(t, snap.ExtendedState, schema.KeyClient)
}

// gatedStore holds every Load until two callers have loaded, so both race on the same version
type gatedStore struct {
	*store.MemoryStore
	gate sync.WaitGroup
}

func (g *gatedStore) Load(ctx context.Context, wizardID string) (*model.WizardSession, error) {
	s, err := g.MemoryStore.Load(ctx, wizardID)
	g.gate.Done()
	g.gate.Wait()
	return s, err
}

func TestWizardService_ConcurrentFireHasOneWinner(t *testing.T) {
	mem := store.NewMemoryStore()
	plain := newFixtureWithStore(t, mem, nil)
	id := plain.start(t)

	gated := &gatedStore{MemoryStore: mem}
	gated.gate.Add(2)
	f := newFixtureWithStore(t, mem, func(store.Store) store.Store { return gated })

	var wg sync.WaitGroup
	errs := make([]error, 2)
	customers := []string{"cust-1", "cust-2"}
	for i := range customers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Fire(context.Background(), id, model.EventClientSelected,
				raw(`{"customerId":"`+customers[i]+`"}`))
		}(i)
	}
	wg.Wait()

	successes, conflicts := 0, 0
	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			successes++
			winner = i
		case fsm.IsConcurrentModification(err):
			conflicts++
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, conflicts)

	stored, err := mem.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StateOrderInitialization, stored.CurrentState)
	assert.Equal(t, customers[winner], *stored.CustomerRef)
	assert.Equal(t, int64(3), stored.Version)
}

// slowEntriesStore advances the clock while the transition is in flight
type slowEntriesStore struct {
	*store.MemoryStore
	clock *fakeClock
	by    time.Duration
}

func (s *slowEntriesStore) LoadEntries(ctx context.Context, sessionRef string) ([]model.ExtendedStateEntry, error) {
	if s.clock != nil {
		s.clock.Advance(s.by)
	}
	return s.MemoryStore.LoadEntries(ctx, sessionRef)
}

func TestWizardService_ExpiryDuringTransitionIsNotCommitted(t *testing.T) {
	mem := store.NewMemoryStore()
	plain := newFixtureWithStore(t, mem, nil)
	id := plain.start(t)

	before, err := mem.Load(context.Background(), id)
	require.NoError(t, err)

	slow := &slowEntriesStore{MemoryStore: mem, by: 31 * time.Minute}
	f := newFixtureWithStore(t, mem, func(store.Store) store.Store { return slow })
	slow.clock = f.clock

	_, err = f.svc.Fire(context.Background(), id, model.EventClientSelected, raw(`{"customerId":"cust-1"}`))
	require.Error(t, err)
	assert.True(t, fsm.IsSessionExpired(err), "got %v", err)

	stored, err := mem.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StateClientSelection, stored.CurrentState)
	assert.Equal(t, before.Version, stored.Version)
	assert.Nil(t, stored.CustomerRef)
}
