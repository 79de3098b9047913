package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"orderwizard/internal/model"
	"orderwizard/internal/schema"
	"orderwizard/internal/store"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	fillerCategory  = "3f1c2a9e-6b7d-4c1e-9a2b-5d8e7f6a1b2c"
	plainCategory   = "8a7b6c5d-4e3f-4a1b-9c8d-7e6f5a4b3c2d"
	unknownCategory = "11111111-2222-4333-8444-555555555555"
	coatItem        = "0b1c2d3e-4f5a-4b6c-8d7e-9f0a1b2c3d4e"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCustomers struct {
	mu        sync.Mutex
	customers map[string]model.Customer
}

func (f *fakeCustomers) Get(ctx context.Context, id string) (*model.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return &c, nil
}

func (f *fakeCustomers) Search(ctx context.Context, term string, limit int) ([]model.Customer, error) {
	return nil, nil
}

func (f *fakeCustomers) Create(ctx context.Context, input CustomerInput) (*model.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := model.Customer{ID: fmt.Sprintf("cust-%d", len(f.customers)+1), FirstName: input.FirstName, LastName: input.LastName, Phone: input.Phone}
	f.customers[c.ID] = c
	return &c, nil
}

type fakeCatalog struct {
	fillers map[string]bool
	delay   time.Duration
	price   int64
}

func (f *fakeCatalog) RequiresFiller(ctx context.Context, categoryID string) (bool, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	v, ok := f.fillers[categoryID]
	if !ok {
		return false, ErrUnknownCategory
	}
	return v, nil
}

func (f *fakeCatalog) Quote(ctx context.Context, req PriceRequest) (model.PriceQuote, error) {
	if _, ok := f.fillers[req.CategoryID]; !ok {
		return model.PriceQuote{}, ErrUnknownCategory
	}
	return model.PriceQuote{
		BasePrice: f.price,
		UnitPrice: f.price,
		Quantity:  req.Quantity,
		Total:     f.price * int64(req.Quantity),
	}, nil
}

type fakeReceipts struct {
	mu sync.Mutex
	n  int
}

func (f *fakeReceipts) Next(ctx context.Context, branchRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("%s-%06d", branchRef, f.n), nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (b *recordingBus) PublishWizard(wizardID string, event map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) PublishOperator(operatorID string, event map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e["type"].(string))
	}
	return out
}

type fixture struct {
	svc       *WizardService
	lifecycle *LifecycleService
	store     *store.MemoryStore
	catalog   *fakeCatalog
	receipts  *fakeReceipts
	bus       *recordingBus
	clock     *fakeClock
}

type fixtureOption func(*Options, *fakeCatalog)

func withGuardTimeout(d time.Duration) fixtureOption {
	return func(o *Options, _ *fakeCatalog) { o.GuardTimeout = d }
}

func withCatalogDelay(d time.Duration) fixtureOption {
	return func(_ *Options, c *fakeCatalog) { c.delay = d }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	return newFixtureWithStore(t, store.NewMemoryStore(), nil, opts...)
}

func newFixtureWithStore(t *testing.T, mem *store.MemoryStore, wrap func(store.Store) store.Store, opts ...fixtureOption) *fixture {
	t.Helper()

	registry, err := schema.NewWizardRegistry(schema.NewCompilerWithCache(64))
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	catalog := &fakeCatalog{
		fillers: map[string]bool{fillerCategory: true, plainCategory: false},
		price:   1000,
	}
	options := Options{SessionTTL: 30 * time.Minute, Now: clock.Now}
	for _, o := range opts {
		o(&options, catalog)
	}

	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	bus := &recordingBus{}
	receipts := &fakeReceipts{}
	svc, err := NewWizardService(Dependencies{
		Store:     st,
		Registry:  registry,
		Customers: &fakeCustomers{customers: map[string]model.Customer{"cust-1": {ID: "cust-1", FirstName: "Ann"}, "cust-2": {ID: "cust-2", FirstName: "Bo"}}},
		Catalog:   catalog,
		Receipts:  receipts,
		Bus:       bus,
		Log:       zap.NewNop(),
	}, options)
	require.NoError(t, err)

	lifecycle := NewLifecycleService(mem, bus, time.Hour, zap.NewNop())
	lifecycle.SetClock(clock.Now)

	return &fixture{svc: svc, lifecycle: lifecycle, store: mem, catalog: catalog, receipts: receipts, bus: bus, clock: clock}
}

func raw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func (f *fixture) fire(t *testing.T, wizardID string, event model.Event, payload string) *model.Snapshot {
	t.Helper()
	snap, err := f.svc.Fire(context.Background(), wizardID, event, raw(payload))
	require.NoError(t, err, "firing %s", event)
	return snap
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	snap, err := f.svc.Start(context.Background(), "op-1")
	require.NoError(t, err)
	return snap.WizardID
}

// toItemManagement drives a new wizard through stage 1
func (f *fixture) toItemManagement(t *testing.T) string {
	t.Helper()
	id := f.start(t)
	f.fire(t, id, model.EventClientSelected, `{"customerId":"cust-1"}`)
	f.fire(t, id, model.EventOrderInfoCompleted, `{"branchId":"branch-1"}`)
	return id
}

// addItem runs the item wizard end to end and returns to item management
func (f *fixture) addItem(t *testing.T, id, category string) *model.Snapshot {
	t.Helper()
	f.fire(t, id, model.EventStartNewItemWizard, "")
	f.fire(t, id, model.EventStartItem, "")
	f.fire(t, id, model.EventCategorySelected, fmt.Sprintf(`{"categoryId":%q}`, category))
	f.fire(t, id, model.EventItemNameSelected, fmt.Sprintf(`{"itemId":%q,"itemName":"Coat"}`, coatItem))
	f.fire(t, id, model.EventQuantityEntered, `{"quantity":2,"unit":"PIECES"}`)
	f.fire(t, id, model.EventMaterialSelected, `{"material":"Leather"}`)
	snap := f.fire(t, id, model.EventColorSelected, `{"color":"Black"}`)
	if snap.ItemWizard.State == model.ItemSelectingFiller {
		f.fire(t, id, model.EventFillerSelected, `{"filler":"Down"}`)
	}
	f.fire(t, id, model.EventWearDegreeSelected, `{"wearDegree":"30%"}`)
	f.fire(t, id, model.EventDefectsCompleted, `{"stains":["GREASE"]}`)
	f.fire(t, id, model.EventPricingCompleted, `{"modifiers":[]}`)
	f.fire(t, id, model.EventSkipPhotos, "")
	return f.fire(t, id, model.EventItemWizardCompleted, "")
}

// toExecutionParams drives a new wizard to stage 3 with one item
func (f *fixture) toExecutionParams(t *testing.T) string {
	t.Helper()
	id := f.toItemManagement(t)
	f.addItem(t, id, plainCategory)
	f.fire(t, id, model.EventItemsCompleted, "")
	return id
}

func decodeItems(t *testing.T, snap *model.Snapshot) []model.LineItem {
	t.Helper()
	var items []model.LineItem
	entry, ok := snap.ExtendedState[schema.KeyItems]
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(entry.Value, &items))
	return items
}
