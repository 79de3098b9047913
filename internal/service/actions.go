package service

import (
	"context"
	"fmt"

	"orderwizard/internal/extstate"
	"orderwizard/internal/fsm"
	"orderwizard/internal/model"
	"orderwizard/internal/schema"
)

// Actions only touch the in-flight copies in the context, so a lost
// compare-and-swap discards them and a retry runs them again.

func loadItems(tc *TransitionContext) ([]model.LineItem, error) {
	items, err := decodeStep[[]model.LineItem](tc.State, schema.KeyItems)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func saveItems(ctx context.Context, tc *TransitionContext, items []model.LineItem) error {
	if items == nil {
		items = []model.LineItem{}
	}
	return tc.State.Set(ctx, schema.KeyItems, items)
}

func findItem(items []model.LineItem, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (r *rules) stampCustomer(ctx context.Context, tc *TransitionContext) error {
	var client struct {
		CustomerID string `json:"customerId"`
	}
	if _, err := tc.State.Decode(schema.KeyClient, &client); err != nil {
		return err
	}
	tc.Session.CustomerRef = &client.CustomerID
	return nil
}

func (r *rules) stampBranch(ctx context.Context, tc *TransitionContext) error {
	info, err := decodeStep[OrderInfo](tc.State, schema.KeyOrderInfo)
	if err != nil {
		return err
	}
	tc.Session.BranchRef = &info.BranchID
	return nil
}

// initItems creates the empty item list the first time stage 2 is entered
func (r *rules) initItems(ctx context.Context, tc *TransitionContext) error {
	if _, ok := tc.State.Get(schema.KeyItems); ok {
		return nil
	}
	return saveItems(ctx, tc, nil)
}

func (r *rules) newItemWizard(editing *string) *model.ItemWizardState {
	return &model.ItemWizardState{
		SlotID:        r.newID(),
		State:         model.ItemNotStarted,
		EditingItemID: editing,
		Sections:      map[string]model.ExtendedStateEntry{},
	}
}

func (r *rules) pushNewItem(ctx context.Context, tc *TransitionContext) error {
	tc.Session.ItemWizard = r.newItemWizard(nil)
	tc.Draft = extstate.New(r.registry, "", nil, r.now)
	return nil
}

// pushExistingItem opens the item wizard with the sections of a stored line item
func (r *rules) pushExistingItem(ctx context.Context, tc *TransitionContext) error {
	items, err := loadItems(tc)
	if err != nil {
		return err
	}
	idx := findItem(items, payloadItemID(tc))
	if idx < 0 {
		return fmt.Errorf("item %s disappeared", payloadItemID(tc))
	}
	item := items[idx]

	draft := extstate.New(r.registry, "", nil, r.now)
	sections := []struct {
		key   string
		value any
	}{
		{schema.KeyItemBasicInfo, BasicInfo{
			CategoryID: item.CategoryID, ItemID: item.ItemID, ItemName: item.ItemName,
			Quantity: item.Quantity, Unit: item.Unit,
		}},
		{schema.KeyItemCharacteristics, Characteristics{
			Material: item.Material, Color: item.Color, Filler: item.Filler,
			FillerCompressed: item.FillerCompressed, WearDegree: item.WearDegree,
		}},
		{schema.KeyItemDefects, Defects{
			Stains: item.Stains, OtherStain: item.OtherStain, Defects: item.Defects,
			Risks: item.Risks, NoGuaranteeReason: item.NoGuaranteeReason, DefectNotes: item.DefectNotes,
		}},
		{schema.KeyItemPricing, pricingSection{Modifiers: item.Modifiers, Quote: item.Price}},
	}
	for _, s := range sections {
		if err := draft.Set(ctx, s.key, s.value); err != nil {
			return err
		}
	}
	if len(item.Photos) > 0 {
		if err := draft.Set(ctx, schema.KeyItemPhotos, item.Photos); err != nil {
			return err
		}
	}

	id := item.ID
	tc.Session.ItemWizard = r.newItemWizard(&id)
	tc.Draft = draft
	return nil
}

func (r *rules) removeItem(ctx context.Context, tc *TransitionContext) error {
	items, err := loadItems(tc)
	if err != nil {
		return err
	}
	if idx := findItem(items, payloadItemID(tc)); idx >= 0 {
		items = append(items[:idx], items[idx+1:]...)
	}
	return saveItems(ctx, tc, items)
}

type pricingSection struct {
	Modifiers []string          `json:"modifiers,omitempty"`
	Quote     *model.PriceQuote `json:"quote,omitempty"`
}

// buildLineItem assembles the persisted item from the draft sections
func buildLineItem(draft *extstate.State) (model.LineItem, error) {
	b, err := decodeStep[BasicInfo](draft, schema.KeyItemBasicInfo)
	if err != nil {
		return model.LineItem{}, err
	}
	c, err := decodeStep[Characteristics](draft, schema.KeyItemCharacteristics)
	if err != nil {
		return model.LineItem{}, err
	}
	d, err := decodeStep[Defects](draft, schema.KeyItemDefects)
	if err != nil {
		return model.LineItem{}, err
	}
	p, err := decodeStep[pricingSection](draft, schema.KeyItemPricing)
	if err != nil {
		return model.LineItem{}, err
	}
	photos, err := decodeStep[[]model.PhotoRef](draft, schema.KeyItemPhotos)
	if err != nil {
		return model.LineItem{}, err
	}

	return model.LineItem{
		CategoryID:        b.CategoryID,
		ItemID:            b.ItemID,
		ItemName:          CleanText(b.ItemName),
		Quantity:          b.Quantity,
		Unit:              b.Unit,
		Material:          CleanText(c.Material),
		Color:             CleanText(c.Color),
		Filler:            CleanText(c.Filler),
		FillerCompressed:  c.FillerCompressed,
		WearDegree:        c.WearDegree,
		Stains:            d.Stains,
		OtherStain:        CleanText(d.OtherStain),
		Defects:           d.Defects,
		Risks:             d.Risks,
		NoGuaranteeReason: CleanText(d.NoGuaranteeReason),
		DefectNotes:       CleanText(d.DefectNotes),
		Modifiers:         p.Modifiers,
		Price:             p.Quote,
		Photos:            photos,
	}, nil
}

// promoteItem moves the completed draft into the item list and pops the item wizard
func (r *rules) promoteItem(ctx context.Context, tc *TransitionContext) error {
	iw := tc.Session.ItemWizard
	draft := extstate.FromSections(r.registry, iw.Sections, r.now)
	item, err := buildLineItem(draft)
	if err != nil {
		return err
	}

	items, err := loadItems(tc)
	if err != nil {
		return err
	}
	if iw.EditingItemID != nil {
		item.ID = *iw.EditingItemID
	} else {
		item.ID = r.newID()
	}
	if idx := findItem(items, item.ID); idx >= 0 {
		items[idx] = item
	} else {
		items = append(items, item)
	}
	if err := saveItems(ctx, tc, items); err != nil {
		return err
	}

	tc.Session.ItemWizard = nil
	tc.Draft = nil
	return nil
}

func (r *rules) dropItemWizard(ctx context.Context, tc *TransitionContext) error {
	tc.Session.ItemWizard = nil
	tc.Draft = nil
	return nil
}

func (r *rules) computeTotals(ctx context.Context, tc *TransitionContext) error {
	items, err := loadItems(tc)
	if err != nil {
		return err
	}
	params, err := decodeStep[ExecutionParams](tc.State, schema.KeyExecutionParams)
	if err != nil {
		return err
	}
	discount, err := decodeStep[Discount](tc.State, schema.KeyDiscounts)
	if err != nil {
		return err
	}
	return tc.State.Set(ctx, schema.KeyTotals, ComputeTotals(items, params.Urgency, discount))
}

// allocateReceipt is check-then-act: a number already stamped is kept
func (r *rules) allocateReceipt(ctx context.Context, tc *TransitionContext) error {
	if tc.Session.ReceiptNumber != nil {
		return nil
	}
	branch := ""
	if tc.Session.BranchRef != nil {
		branch = *tc.Session.BranchRef
	}
	number, err := callWithTimeout(ctx, r.timeout, "receipt numbering", func(ctx context.Context) (string, error) {
		return r.receipts.Next(ctx, branch)
	})
	if err != nil {
		return fsm.GuardRejected(tc.From, string(tc.Event), "receipt number unavailable: "+err.Error(), err)
	}
	tc.Session.ReceiptNumber = &number
	return nil
}

// Item wizard actions

func (r *rules) quote(ctx context.Context, tc *TransitionContext) error {
	b, err := decodeStep[BasicInfo](tc.Draft, schema.KeyItemBasicInfo)
	if err != nil {
		return err
	}
	c, err := decodeStep[Characteristics](tc.Draft, schema.KeyItemCharacteristics)
	if err != nil {
		return err
	}
	d, err := decodeStep[Defects](tc.Draft, schema.KeyItemDefects)
	if err != nil {
		return err
	}
	p, err := decodeStep[pricingSection](tc.Draft, schema.KeyItemPricing)
	if err != nil {
		return err
	}

	req := PriceRequest{
		CategoryID: b.CategoryID,
		ItemID:     b.ItemID,
		Quantity:   b.Quantity,
		Material:   c.Material,
		Color:      c.Color,
		WearDegree: c.WearDegree,
		Stains:     d.Stains,
		Defects:    d.Defects,
		Modifiers:  p.Modifiers,
	}
	q, err := callWithTimeout(ctx, r.timeout, "pricing", func(ctx context.Context) (model.PriceQuote, error) {
		return r.catalog.Quote(ctx, req)
	})
	if err != nil {
		return fsm.GuardRejected(tc.From, string(tc.Event), "pricing unavailable: "+err.Error(), err)
	}
	p.Quote = &q
	return tc.Draft.Set(ctx, schema.KeyItemPricing, p)
}

func (r *rules) clearItemError(ctx context.Context, tc *TransitionContext) error {
	if iw := tc.Session.ItemWizard; iw != nil {
		iw.ResumeState = nil
		iw.LastError = nil
	}
	return nil
}

// clearDraft drops every draft section; an item being edited keeps its id
func (r *rules) clearDraft(ctx context.Context, tc *TransitionContext) error {
	tc.Draft = extstate.New(r.registry, "", nil, r.now)
	return r.clearItemError(ctx, tc)
}
