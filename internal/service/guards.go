package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orderwizard/internal/extstate"
	"orderwizard/internal/fsm"
	"orderwizard/internal/model"
	"orderwizard/internal/schema"
)

// rules binds guards, resolvers and actions to the collaborators they query
type rules struct {
	customers CustomerDirectory
	catalog   CatalogPricing
	receipts  ReceiptNumbering
	registry  *schema.Registry
	timeout   time.Duration
	newID     func() string
	now       func() time.Time
}

// callWithTimeout runs a collaborator call under the guard deadline. A timeout is an error, never a default.
func callWithTimeout[T any](ctx context.Context, d time.Duration, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	var zero T
	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s timed out", name)
		}
		return res.value, res.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%s timed out", name)
	}
}

// requireStep rejects when the step data of key is missing or failed its last check
func (r *rules) requireStep(key string) guard {
	return func(ctx context.Context, tc *TransitionContext) error {
		e, ok := tc.State.Get(key)
		if !ok {
			return fsm.Reject("%s data is missing", key)
		}
		if !e.Validated {
			detail := "failed validation"
			if e.ValidationErrors != nil {
				detail = *e.ValidationErrors
			}
			return fsm.Validation(key, detail)
		}
		return nil
	}
}

func decodeStep[T any](st *extstate.State, key string) (T, error) {
	var v T
	if _, err := st.Decode(key, &v); err != nil {
		return v, fsm.Validation(key, "stored value does not match its shape")
	}
	return v, nil
}

// Outer guards

func (r *rules) customerExists(ctx context.Context, tc *TransitionContext) error {
	var client struct {
		CustomerID string `json:"customerId"`
	}
	if _, err := tc.State.Decode(schema.KeyClient, &client); err != nil || client.CustomerID == "" {
		return fsm.Validation("customerId", "is required")
	}
	if _, err := r.customers.Get(ctx, client.CustomerID); err != nil {
		if errors.Is(err, ErrCustomerNotFound) {
			return fsm.Reject("customer %s not found", client.CustomerID)
		}
		return err
	}
	return nil
}

func (r *rules) orderInfoValid(ctx context.Context, tc *TransitionContext) error {
	info, err := decodeStep[OrderInfo](tc.State, schema.KeyOrderInfo)
	if err != nil {
		return err
	}
	return ValidateOrderInfo(info)
}

func payloadItemID(tc *TransitionContext) string {
	var p struct {
		ItemID string `json:"itemId"`
	}
	if len(tc.Payload) == 0 {
		return ""
	}
	_ = json.Unmarshal(tc.Payload, &p)
	return p.ItemID
}

func (r *rules) itemExists(ctx context.Context, tc *TransitionContext) error {
	id := payloadItemID(tc)
	if id == "" {
		return fsm.Validation("itemId", "is required")
	}
	items, err := loadItems(tc)
	if err != nil {
		return err
	}
	if findItem(items, id) < 0 {
		return fsm.Reject("item %s not found", id)
	}
	return nil
}

func (r *rules) hasItems(ctx context.Context, tc *TransitionContext) error {
	items, err := loadItems(tc)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fsm.Reject("order has no items")
	}
	return nil
}

func (r *rules) itemWizardCompleted(ctx context.Context, tc *TransitionContext) error {
	iw := tc.Session.ItemWizard
	if iw == nil || iw.State != model.ItemCompleted {
		return fsm.Reject("item wizard is not completed")
	}
	return nil
}

func (r *rules) executionParamsValid(ctx context.Context, tc *TransitionContext) error {
	p, err := decodeStep[ExecutionParams](tc.State, schema.KeyExecutionParams)
	if err != nil {
		return err
	}
	return ValidateExecutionParams(p, tc.Now)
}

func (r *rules) discountValid(ctx context.Context, tc *TransitionContext) error {
	d, err := decodeStep[Discount](tc.State, schema.KeyDiscounts)
	if err != nil {
		return err
	}
	return ValidateDiscount(d)
}

func (r *rules) paymentValid(ctx context.Context, tc *TransitionContext) error {
	p, err := decodeStep[Payment](tc.State, schema.KeyPayment)
	if err != nil {
		return err
	}
	totals, err := decodeStep[Totals](tc.State, schema.KeyTotals)
	if err != nil {
		return err
	}
	return ValidatePayment(p, totals.FinalAmount)
}

func (r *rules) additionalInfoValid(ctx context.Context, tc *TransitionContext) error {
	a, err := decodeStep[AdditionalInfo](tc.State, schema.KeyAdditionalInfo)
	if err != nil {
		return err
	}
	return ValidateAdditionalInfo(a)
}

func (r *rules) legalValid(ctx context.Context, tc *TransitionContext) error {
	l, err := decodeStep[Legal](tc.State, schema.KeyLegal)
	if err != nil {
		return err
	}
	return ValidateLegal(l)
}

// Item wizard guards

func (r *rules) basicInfoValid(ctx context.Context, tc *TransitionContext) error {
	b, err := decodeStep[BasicInfo](tc.Draft, schema.KeyItemBasicInfo)
	if err != nil {
		return err
	}
	return ValidateBasicInfo(b)
}

func (r *rules) characteristicsValid(ctx context.Context, tc *TransitionContext) error {
	c, err := decodeStep[Characteristics](tc.Draft, schema.KeyItemCharacteristics)
	if err != nil {
		return err
	}
	requiresFiller, err := r.requiresFiller(ctx, tc)
	if err != nil {
		return err
	}
	return ValidateCharacteristics(c, requiresFiller)
}

func (r *rules) defectsValid(ctx context.Context, tc *TransitionContext) error {
	d, err := decodeStep[Defects](tc.Draft, schema.KeyItemDefects)
	if err != nil {
		return err
	}
	return ValidateDefects(d)
}

func (r *rules) photosValid(ctx context.Context, tc *TransitionContext) error {
	photos, err := decodeStep[[]model.PhotoRef](tc.Draft, schema.KeyItemPhotos)
	if err != nil {
		return err
	}
	return ValidatePhotos(photos)
}

// Resolvers

func (r *rules) requiresFiller(ctx context.Context, tc *TransitionContext) (bool, error) {
	b, err := decodeStep[BasicInfo](tc.Draft, schema.KeyItemBasicInfo)
	if err != nil {
		return false, err
	}
	if b.CategoryID == "" {
		return false, fsm.Reject("no service category selected")
	}
	return callWithTimeout(ctx, r.timeout, "catalog lookup", func(ctx context.Context) (bool, error) {
		return r.catalog.RequiresFiller(ctx, b.CategoryID)
	})
}

// afterColor branches into the filler step only for categories that carry one
func (r *rules) afterColor(ctx context.Context, tc *TransitionContext) (model.InnerState, error) {
	filler, err := r.requiresFiller(ctx, tc)
	if errors.Is(err, ErrUnknownCategory) {
		return model.ItemError, nil
	}
	if err != nil {
		return "", err
	}
	if filler {
		return model.ItemSelectingFiller, nil
	}
	return model.ItemSelectingWearDegree, nil
}

func (r *rules) beforeWear(ctx context.Context, tc *TransitionContext) (model.InnerState, error) {
	filler, err := r.requiresFiller(ctx, tc)
	if errors.Is(err, ErrUnknownCategory) {
		return model.ItemError, nil
	}
	if err != nil {
		return "", err
	}
	if filler {
		return model.ItemSelectingFiller, nil
	}
	return model.ItemSelectingColor, nil
}

func (r *rules) resume(ctx context.Context, tc *TransitionContext) (model.InnerState, error) {
	iw := tc.Session.ItemWizard
	if iw == nil || iw.ResumeState == nil {
		return "", fsm.Reject("nothing to retry")
	}
	return *iw.ResumeState, nil
}
