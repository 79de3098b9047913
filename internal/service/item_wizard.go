package service

import (
	"context"

	"orderwizard/internal/extstate"
	"orderwizard/internal/fsm"
	"orderwizard/internal/model"

	"go.uber.org/zap"
)

// ItemWizard runs the item entry sub-machine over the scratch slot of a session.
// It never persists anything itself; the outer engine commits its changes.
type ItemWizard struct {
	table *InnerTable
	log   *zap.Logger
}

func newItemWizard(table *InnerTable, log *zap.Logger) *ItemWizard {
	return &ItemWizard{table: table, log: log}
}

// Table exposes the inner transition table for introspection
func (w *ItemWizard) Table() *InnerTable {
	return w.table
}

func (w *ItemWizard) AvailableEvents(state model.InnerState) []model.Event {
	return w.table.AvailableEvents(state)
}

// Step fires one event against the scratch slot in tc. A ValidationError leaves
// the slot in VALIDATION_ERROR with the rejected section staged, and the caller
// must still commit it. Any other error means nothing changed.
func (w *ItemWizard) Step(ctx context.Context, tc *TransitionContext) error {
	iw := tc.Session.ItemWizard
	from := iw.State
	tc.From = string(from)

	tr, ok := w.table.Lookup(from, tc.Event)
	if !ok {
		return fsm.IllegalTransition(string(from), string(tc.Event))
	}

	key, bound := innerPayloadKey(from, tc.Event)
	if bound && len(tc.Payload) > 0 {
		if err := tc.Draft.Merge(ctx, key, tc.Payload); err != nil {
			if fsm.IsValidation(err) {
				w.fail(iw, from, err)
			}
			return err
		}
	}

	if err := fsm.EvaluateGuards(ctx, tr, tc); err != nil {
		if fsm.IsValidation(err) {
			if bound {
				tc.Draft.Invalidate(key, fsm.Message(err))
			}
			w.fail(iw, from, err)
		}
		return err
	}

	to, err := tr.Target(ctx, tc)
	if err != nil {
		if fsm.IsValidation(err) {
			w.fail(iw, from, err)
		}
		if fsm.Code(err) != "" {
			return err
		}
		return fsm.GuardRejected(string(from), string(tc.Event), err.Error(), err)
	}

	if err := fsm.RunActions(ctx, tr, tc); err != nil {
		return err
	}

	iw.State = to
	if to == model.ItemError {
		msg := "unknown service category"
		iw.LastError = &msg
	}
	w.log.Debug("Item wizard transitioned",
		zap.String("wizard_id", tc.Session.WizardID),
		zap.String("slot_id", iw.SlotID),
		zap.String("event", string(tc.Event)),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

func (w *ItemWizard) fail(iw *model.ItemWizardState, from model.InnerState, err error) {
	if from != model.ItemValidationError {
		resume := from
		iw.ResumeState = &resume
	}
	iw.State = model.ItemValidationError
	msg := fsm.Message(err)
	iw.LastError = &msg
}

// View renders the scratch slot for a snapshot
func (w *ItemWizard) View(iw *model.ItemWizardState, draft *extstate.State) *model.ItemWizardView {
	if iw == nil {
		return nil
	}
	view := &model.ItemWizardView{
		SlotID:          iw.SlotID,
		State:           iw.State,
		EditingItemID:   iw.EditingItemID,
		AvailableEvents: w.AvailableEvents(iw.State),
		LastError:       iw.LastError,
	}
	if draft != nil {
		view.Sections = draft.Views()
	}
	return view
}
