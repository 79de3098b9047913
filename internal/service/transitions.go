package service

import (
	"encoding/json"
	"time"

	"orderwizard/internal/extstate"
	"orderwizard/internal/fsm"
	"orderwizard/internal/model"
	"orderwizard/internal/schema"
)

// TransitionContext is what guards, resolvers and actions see. Session and
// the state views are in-flight copies; nothing is stored until the commit.
type TransitionContext struct {
	Session *model.WizardSession
	State   *extstate.State
	Draft   *extstate.State
	From    string
	Event   model.Event
	Payload json.RawMessage
	Now     time.Time
}

type (
	OuterTable      = fsm.Table[model.OuterState, model.Event, *TransitionContext]
	InnerTable      = fsm.Table[model.InnerState, model.Event, *TransitionContext]
	outerTransition = fsm.Transition[model.OuterState, model.Event, *TransitionContext]
	innerTransition = fsm.Transition[model.InnerState, model.Event, *TransitionContext]
	outerImplicit   = fsm.Implicit[model.OuterState, model.Event, *TransitionContext]
	innerImplicit   = fsm.Implicit[model.InnerState, model.Event, *TransitionContext]
	guard           = fsm.Guard[*TransitionContext]
	action          = fsm.Action[*TransitionContext]
)

// OuterStates lists every outer state in flow order
var OuterStates = []model.OuterState{
	model.StateInitial,
	model.StateClientSelection,
	model.StateOrderInitialization,
	model.StateItemManagement,
	model.StateItemWizardActive,
	model.StateExecutionParams,
	model.StateGlobalDiscounts,
	model.StatePaymentProcessing,
	model.StateAdditionalInfo,
	model.StateOrderConfirmation,
	model.StateOrderReview,
	model.StateLegalAspects,
	model.StateReceiptGeneration,
	model.StateCompleted,
	model.StateCancelled,
}

// InnerStates lists every item wizard state in flow order
var InnerStates = []model.InnerState{
	model.ItemNotStarted,
	model.ItemSelectingServiceCategory,
	model.ItemSelectingItemName,
	model.ItemEnteringQuantity,
	model.ItemSelectingMaterial,
	model.ItemSelectingColor,
	model.ItemSelectingFiller,
	model.ItemSelectingWearDegree,
	model.ItemSelectingDefectsStains,
	model.ItemPricing,
	model.ItemPhotos,
	model.ItemCompleted,
	model.ItemError,
	model.ItemValidationError,
}

// stageOf maps an outer state to the stage its data lives in
var stageOf = map[model.OuterState]int{
	model.StateInitial:             0,
	model.StateClientSelection:     1,
	model.StateOrderInitialization: 1,
	model.StateItemManagement:      2,
	model.StateItemWizardActive:    2,
	model.StateExecutionParams:     3,
	model.StateGlobalDiscounts:     3,
	model.StatePaymentProcessing:   3,
	model.StateAdditionalInfo:      3,
	model.StateOrderConfirmation:   4,
	model.StateOrderReview:         4,
	model.StateLegalAspects:        4,
	model.StateReceiptGeneration:   4,
	model.StateCompleted:           5,
	model.StateCancelled:           5,
}

// outerPayloadKeys binds the payload of a forward event to the step data of its state
var outerPayloadKeys = map[model.OuterState]string{
	model.StateClientSelection:     schema.KeyClient,
	model.StateOrderInitialization: schema.KeyOrderInfo,
	model.StateExecutionParams:     schema.KeyExecutionParams,
	model.StateGlobalDiscounts:     schema.KeyDiscounts,
	model.StatePaymentProcessing:   schema.KeyPayment,
	model.StateAdditionalInfo:      schema.KeyAdditionalInfo,
	model.StateOrderConfirmation:   schema.KeyConfirmation,
	model.StateOrderReview:         schema.KeyReview,
	model.StateLegalAspects:        schema.KeyLegal,
	model.StateReceiptGeneration:   schema.KeyReceipt,
}

var innerPayloadKeys = map[model.InnerState]string{
	model.ItemSelectingServiceCategory: schema.KeyItemBasicInfo,
	model.ItemSelectingItemName:        schema.KeyItemBasicInfo,
	model.ItemEnteringQuantity:         schema.KeyItemBasicInfo,
	model.ItemSelectingMaterial:        schema.KeyItemCharacteristics,
	model.ItemSelectingColor:           schema.KeyItemCharacteristics,
	model.ItemSelectingFiller:          schema.KeyItemCharacteristics,
	model.ItemSelectingWearDegree:      schema.KeyItemCharacteristics,
	model.ItemSelectingDefectsStains:   schema.KeyItemDefects,
	model.ItemPricing:                  schema.KeyItemPricing,
	model.ItemPhotos:                   schema.KeyItemPhotos,
}

// events that never carry step data
var navigationEvents = map[model.Event]bool{
	model.EventGoBack:      true,
	model.EventCancelOrder: true,
	model.EventReset:       true,
	model.EventRetry:       true,
	model.EventSkipPhotos:  true,
	model.EventStartItem:   true,
}

func outerPayloadKey(state model.OuterState, event model.Event) (string, bool) {
	if navigationEvents[event] {
		return "", false
	}
	key, ok := outerPayloadKeys[state]
	return key, ok
}

func innerPayloadKey(state model.InnerState, event model.Event) (string, bool) {
	if navigationEvents[event] {
		return "", false
	}
	key, ok := innerPayloadKeys[state]
	return key, ok
}

func buildOuterTable(r *rules) (*OuterTable, error) {
	t := func(from model.OuterState, event model.Event, to model.OuterState, guards []guard, actions ...action) outerTransition {
		return outerTransition{From: from, Event: event, To: to, Guards: guards, Actions: actions}
	}
	g := func(guards ...guard) []guard { return guards }

	transitions := []outerTransition{
		t(model.StateInitial, model.EventStartOrder, model.StateClientSelection, nil),
		t(model.StateClientSelection, model.EventClientSelected, model.StateOrderInitialization,
			g(r.requireStep(schema.KeyClient), fsm.WithTimeout(r.timeout, "customer directory", r.customerExists)),
			r.stampCustomer),
		t(model.StateOrderInitialization, model.EventOrderInfoCompleted, model.StateItemManagement,
			g(r.requireStep(schema.KeyOrderInfo), r.orderInfoValid),
			r.stampBranch, r.initItems),
		t(model.StateItemManagement, model.EventStartNewItemWizard, model.StateItemWizardActive, nil,
			r.pushNewItem),
		t(model.StateItemManagement, model.EventEditItem, model.StateItemWizardActive,
			g(r.itemExists),
			r.pushExistingItem),
		t(model.StateItemManagement, model.EventDeleteItem, model.StateItemManagement,
			g(r.itemExists),
			r.removeItem),
		t(model.StateItemManagement, model.EventItemsCompleted, model.StateExecutionParams,
			g(r.hasItems)),
		t(model.StateItemWizardActive, model.EventItemWizardCompleted, model.StateItemManagement,
			g(r.itemWizardCompleted),
			r.promoteItem),
		t(model.StateItemWizardActive, model.EventCancelItemWizard, model.StateItemManagement, nil,
			r.dropItemWizard),
		t(model.StateExecutionParams, model.EventExecutionParamsSet, model.StateGlobalDiscounts,
			g(r.requireStep(schema.KeyExecutionParams), r.executionParamsValid)),
		t(model.StateGlobalDiscounts, model.EventDiscountsApplied, model.StatePaymentProcessing,
			g(r.discountValid),
			r.computeTotals),
		t(model.StatePaymentProcessing, model.EventPaymentProcessed, model.StateAdditionalInfo,
			g(r.requireStep(schema.KeyPayment), r.paymentValid)),
		t(model.StateAdditionalInfo, model.EventAdditionalInfoCompleted, model.StateOrderConfirmation,
			g(r.additionalInfoValid)),
		t(model.StateOrderConfirmation, model.EventReviewOrder, model.StateOrderReview, nil),
		t(model.StateOrderReview, model.EventOrderApproved, model.StateLegalAspects, nil),
		t(model.StateLegalAspects, model.EventTermsAccepted, model.StateReceiptGeneration,
			g(r.requireStep(schema.KeyLegal), r.legalValid),
			r.allocateReceipt),
		t(model.StateReceiptGeneration, model.EventReceiptGenerated, model.StateCompleted, nil),
	}

	back := []model.OuterState{
		model.StateClientSelection,
		model.StateOrderInitialization,
		model.StateItemManagement,
		model.StateExecutionParams,
		model.StateGlobalDiscounts,
		model.StatePaymentProcessing,
		model.StateAdditionalInfo,
		model.StateOrderConfirmation,
		model.StateOrderReview,
		model.StateLegalAspects,
		model.StateReceiptGeneration,
	}
	for i := 1; i < len(back); i++ {
		transitions = append(transitions, t(back[i], model.EventGoBack, back[i-1], nil))
	}

	cancel := outerImplicit{
		Event:     model.EventCancelOrder,
		To:        model.StateCancelled,
		AppliesTo: func(s model.OuterState) bool { return !s.Terminal() },
		Actions:   []action{r.dropItemWizard},
	}
	return fsm.NewTable(OuterStates, transitions, cancel)
}

// validating steps RETRY may resume into
var resumable = []model.InnerState{
	model.ItemSelectingServiceCategory,
	model.ItemSelectingItemName,
	model.ItemEnteringQuantity,
	model.ItemSelectingMaterial,
	model.ItemSelectingColor,
	model.ItemSelectingFiller,
	model.ItemSelectingWearDegree,
	model.ItemSelectingDefectsStains,
	model.ItemPricing,
	model.ItemPhotos,
}

func buildInnerTable(r *rules) (*InnerTable, error) {
	t := func(from model.InnerState, event model.Event, to model.InnerState, guards []guard, actions ...action) innerTransition {
		return innerTransition{From: from, Event: event, To: to, Guards: guards, Actions: actions}
	}
	g := func(guards ...guard) []guard { return guards }

	transitions := []innerTransition{
		t(model.ItemNotStarted, model.EventStartItem, model.ItemSelectingServiceCategory, nil),
		t(model.ItemSelectingServiceCategory, model.EventCategorySelected, model.ItemSelectingItemName, nil),
		t(model.ItemSelectingItemName, model.EventItemNameSelected, model.ItemEnteringQuantity, nil),
		t(model.ItemEnteringQuantity, model.EventQuantityEntered, model.ItemSelectingMaterial,
			g(r.basicInfoValid)),
		t(model.ItemSelectingMaterial, model.EventMaterialSelected, model.ItemSelectingColor, nil),
		{
			From:       model.ItemSelectingColor,
			Event:      model.EventColorSelected,
			Candidates: []model.InnerState{model.ItemSelectingFiller, model.ItemSelectingWearDegree, model.ItemError},
			Resolve:    r.afterColor,
		},
		t(model.ItemSelectingFiller, model.EventFillerSelected, model.ItemSelectingWearDegree, nil),
		t(model.ItemSelectingWearDegree, model.EventWearDegreeSelected, model.ItemSelectingDefectsStains,
			g(r.characteristicsValid)),
		t(model.ItemSelectingDefectsStains, model.EventDefectsCompleted, model.ItemPricing,
			g(r.defectsValid)),
		t(model.ItemPricing, model.EventRecalculatePrice, model.ItemPricing,
			g(r.basicInfoValid),
			r.quote),
		t(model.ItemPricing, model.EventPricingCompleted, model.ItemPhotos,
			g(r.basicInfoValid),
			r.quote),
		t(model.ItemPhotos, model.EventPhotosCompleted, model.ItemCompleted,
			g(r.photosValid)),
		t(model.ItemPhotos, model.EventSkipPhotos, model.ItemCompleted, nil),
		{
			From:       model.ItemValidationError,
			Event:      model.EventRetry,
			Candidates: resumable,
			Resolve:    r.resume,
			Actions:    []action{r.clearItemError},
		},

		t(model.ItemSelectingServiceCategory, model.EventGoBack, model.ItemNotStarted, nil),
		t(model.ItemSelectingItemName, model.EventGoBack, model.ItemSelectingServiceCategory, nil),
		t(model.ItemEnteringQuantity, model.EventGoBack, model.ItemSelectingItemName, nil),
		t(model.ItemSelectingMaterial, model.EventGoBack, model.ItemEnteringQuantity, nil),
		t(model.ItemSelectingColor, model.EventGoBack, model.ItemSelectingMaterial, nil),
		t(model.ItemSelectingFiller, model.EventGoBack, model.ItemSelectingColor, nil),
		{
			From:       model.ItemSelectingWearDegree,
			Event:      model.EventGoBack,
			Candidates: []model.InnerState{model.ItemSelectingFiller, model.ItemSelectingColor, model.ItemError},
			Resolve:    r.beforeWear,
		},
		t(model.ItemSelectingDefectsStains, model.EventGoBack, model.ItemSelectingWearDegree, nil),
		t(model.ItemPricing, model.EventGoBack, model.ItemSelectingDefectsStains, nil),
		t(model.ItemPhotos, model.EventGoBack, model.ItemPricing, nil),
	}

	reset := innerImplicit{
		Event:     model.EventReset,
		To:        model.ItemNotStarted,
		AppliesTo: func(s model.InnerState) bool { return s != model.ItemNotStarted },
		Actions:   []action{r.clearDraft},
	}
	return fsm.NewTable(InnerStates, transitions, reset)
}
