package model

import (
	"encoding/json"
	"time"
)

// OuterState is a state of the top-level order wizard
type OuterState string

const (
	StateInitial             OuterState = "INITIAL"
	StateClientSelection     OuterState = "CLIENT_SELECTION"
	StateOrderInitialization OuterState = "ORDER_INITIALIZATION"
	StateItemManagement      OuterState = "ITEM_MANAGEMENT"
	StateItemWizardActive    OuterState = "ITEM_WIZARD_ACTIVE"
	StateExecutionParams     OuterState = "EXECUTION_PARAMS"
	StateGlobalDiscounts     OuterState = "GLOBAL_DISCOUNTS"
	StatePaymentProcessing   OuterState = "PAYMENT_PROCESSING"
	StateAdditionalInfo      OuterState = "ADDITIONAL_INFO"
	StateOrderConfirmation   OuterState = "ORDER_CONFIRMATION"
	StateOrderReview         OuterState = "ORDER_REVIEW"
	StateLegalAspects        OuterState = "LEGAL_ASPECTS"
	StateReceiptGeneration   OuterState = "RECEIPT_GENERATION"
	StateCompleted           OuterState = "COMPLETED"
	StateCancelled           OuterState = "CANCELLED"
)

// Terminal reports whether no event can leave the state
func (s OuterState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// InnerState is a state of the item entry sub-wizard
type InnerState string

const (
	ItemNotStarted               InnerState = "NOT_STARTED"
	ItemSelectingServiceCategory InnerState = "SELECTING_SERVICE_CATEGORY"
	ItemSelectingItemName        InnerState = "SELECTING_ITEM_NAME"
	ItemEnteringQuantity         InnerState = "ENTERING_QUANTITY"
	ItemSelectingMaterial        InnerState = "SELECTING_MATERIAL"
	ItemSelectingColor           InnerState = "SELECTING_COLOR"
	ItemSelectingFiller          InnerState = "SELECTING_FILLER"
	ItemSelectingWearDegree      InnerState = "SELECTING_WEAR_DEGREE"
	ItemSelectingDefectsStains   InnerState = "SELECTING_DEFECTS_STAINS"
	ItemPricing                  InnerState = "PRICING"
	ItemPhotos                   InnerState = "PHOTOS"
	ItemCompleted                InnerState = "COMPLETED"
	ItemError                    InnerState = "ERROR"
	ItemValidationError          InnerState = "VALIDATION_ERROR"
)

// Event drives both machines. Inner and outer events share one namespace.
type Event string

const (
	EventStartOrder              Event = "START_ORDER"
	EventClientSelected          Event = "CLIENT_SELECTED"
	EventOrderInfoCompleted      Event = "ORDER_INFO_COMPLETED"
	EventStartNewItemWizard      Event = "START_NEW_ITEM_WIZARD"
	EventEditItem                Event = "EDIT_ITEM"
	EventDeleteItem              Event = "DELETE_ITEM"
	EventItemWizardCompleted     Event = "ITEM_WIZARD_COMPLETED"
	EventCancelItemWizard        Event = "CANCEL_ITEM_WIZARD"
	EventItemsCompleted          Event = "ITEMS_COMPLETED"
	EventExecutionParamsSet      Event = "EXECUTION_PARAMS_SET"
	EventDiscountsApplied        Event = "DISCOUNTS_APPLIED"
	EventPaymentProcessed        Event = "PAYMENT_PROCESSED"
	EventAdditionalInfoCompleted Event = "ADDITIONAL_INFO_COMPLETED"
	EventReviewOrder             Event = "REVIEW_ORDER"
	EventOrderApproved           Event = "ORDER_APPROVED"
	EventTermsAccepted           Event = "TERMS_ACCEPTED"
	EventReceiptGenerated        Event = "RECEIPT_GENERATED"
	EventGoBack                  Event = "GO_BACK"
	EventCancelOrder             Event = "CANCEL_ORDER"

	EventStartItem          Event = "START_ITEM"
	EventCategorySelected   Event = "CATEGORY_SELECTED"
	EventItemNameSelected   Event = "ITEM_NAME_SELECTED"
	EventQuantityEntered    Event = "QUANTITY_ENTERED"
	EventMaterialSelected   Event = "MATERIAL_SELECTED"
	EventColorSelected      Event = "COLOR_SELECTED"
	EventFillerSelected     Event = "FILLER_SELECTED"
	EventWearDegreeSelected Event = "WEAR_DEGREE_SELECTED"
	EventDefectsCompleted   Event = "DEFECTS_COMPLETED"
	EventRecalculatePrice   Event = "RECALCULATE_PRICE"
	EventPricingCompleted   Event = "PRICING_COMPLETED"
	EventPhotosCompleted    Event = "PHOTOS_COMPLETED"
	EventSkipPhotos         Event = "SKIP_PHOTOS"
	EventRetry              Event = "RETRY"
	EventReset              Event = "RESET"
)

// ValueType tags the payload stored in an extended state entry
type ValueType string

const (
	ValueJSON      ValueType = "JSON"
	ValueString    ValueType = "STRING"
	ValueNumber    ValueType = "NUMBER"
	ValueBool      ValueType = "BOOLEAN"
	ValueArray     ValueType = "ARRAY"
	ValueBinaryRef ValueType = "BINARY_REF"
)

// CloseReason records why a session was deactivated
type CloseReason string

const (
	ClosedCompleted CloseReason = "completed"
	ClosedCancelled CloseReason = "cancelled"
	ClosedExpired   CloseReason = "expired"
)

// WizardSession is one in-progress order creation
type WizardSession struct {
	ID            string           `json:"id"`
	WizardID      string           `json:"wizardId"`
	CurrentState  OuterState       `json:"currentState"`
	CustomerRef   *string          `json:"customerRef,omitempty"`
	BranchRef     *string          `json:"branchRef,omitempty"`
	ReceiptNumber *string          `json:"receiptNumber,omitempty"`
	OwnerUserRef  string           `json:"ownerUserRef"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	ExpiresAt     time.Time        `json:"expiresAt"`
	Active        bool             `json:"active"`
	ClosedReason  *CloseReason     `json:"closedReason,omitempty"`
	Version       int64            `json:"version"`
	ItemWizard    *ItemWizardState `json:"itemWizard,omitempty"`
}

// Expired reports whether the session is past its expiry at now
func (s *WizardSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Clone returns a deep copy so in-flight mutations never leak into a stored record
func (s *WizardSession) Clone() *WizardSession {
	if s == nil {
		return nil
	}
	c := *s
	c.CustomerRef = cloneString(s.CustomerRef)
	c.BranchRef = cloneString(s.BranchRef)
	c.ReceiptNumber = cloneString(s.ReceiptNumber)
	if s.ClosedReason != nil {
		r := *s.ClosedReason
		c.ClosedReason = &r
	}
	c.ItemWizard = s.ItemWizard.Clone()
	return &c
}

// ExtendedStateEntry is one piece of step data owned by a session
type ExtendedStateEntry struct {
	SessionRef       string          `json:"sessionRef,omitempty"`
	Stage            int             `json:"stage"`
	Step             int             `json:"step"`
	Key              string          `json:"key"`
	Value            json.RawMessage `json:"value"`
	ValueType        ValueType       `json:"valueType"`
	Validated        bool            `json:"validated"`
	ValidationErrors *string         `json:"validationErrors,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Clone copies the entry including its value bytes
func (e ExtendedStateEntry) Clone() ExtendedStateEntry {
	c := e
	if e.Value != nil {
		c.Value = append(json.RawMessage(nil), e.Value...)
	}
	c.ValidationErrors = cloneString(e.ValidationErrors)
	return c
}

// ItemWizardState is the scratch slot owned by the inner machine
type ItemWizardState struct {
	SlotID        string                        `json:"slotId"`
	State         InnerState                    `json:"state"`
	EditingItemID *string                       `json:"editingItemId,omitempty"`
	Sections      map[string]ExtendedStateEntry `json:"sections"`
	ResumeState   *InnerState                   `json:"resumeState,omitempty"`
	LastError     *string                       `json:"lastError,omitempty"`
}

func (w *ItemWizardState) Clone() *ItemWizardState {
	if w == nil {
		return nil
	}
	c := *w
	c.EditingItemID = cloneString(w.EditingItemID)
	c.LastError = cloneString(w.LastError)
	if w.ResumeState != nil {
		r := *w.ResumeState
		c.ResumeState = &r
	}
	c.Sections = make(map[string]ExtendedStateEntry, len(w.Sections))
	for k, v := range w.Sections {
		c.Sections[k] = v.Clone()
	}
	return &c
}

// PhotoRef points at an uploaded item photo
type PhotoRef struct {
	Ref         string `json:"ref"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256,omitempty"`
}

// PriceQuote is the result of a catalog price calculation, amounts in minor units
type PriceQuote struct {
	BasePrice     int64    `json:"basePrice"`
	UnitPrice     int64    `json:"unitPrice"`
	Quantity      int      `json:"quantity"`
	ModifierTotal int64    `json:"modifierTotal"`
	Total         int64    `json:"total"`
	AppliedRules  []string `json:"appliedRules,omitempty"`
	CalculatedAt  string   `json:"calculatedAt"`
}

// LineItem is a promoted item wizard draft
type LineItem struct {
	ID                string      `json:"id"`
	CategoryID        string      `json:"categoryId"`
	ItemID            string      `json:"itemId"`
	ItemName          string      `json:"itemName"`
	Quantity          int         `json:"quantity"`
	Unit              string      `json:"unit,omitempty"`
	Material          string      `json:"material,omitempty"`
	Color             string      `json:"color,omitempty"`
	Filler            string      `json:"filler,omitempty"`
	FillerCompressed  bool        `json:"fillerCompressed,omitempty"`
	WearDegree        string      `json:"wearDegree,omitempty"`
	Stains            []string    `json:"stains,omitempty"`
	OtherStain        string      `json:"otherStain,omitempty"`
	Defects           []string    `json:"defects,omitempty"`
	Risks             []string    `json:"risks,omitempty"`
	NoGuaranteeReason string      `json:"noGuaranteeReason,omitempty"`
	DefectNotes       string      `json:"defectNotes,omitempty"`
	Modifiers         []string    `json:"modifiers,omitempty"`
	Price             *PriceQuote `json:"price,omitempty"`
	Photos            []PhotoRef  `json:"photos,omitempty"`
}

// EntryView is the client-facing rendering of an extended state entry
type EntryView struct {
	Stage            int             `json:"stage"`
	Step             int             `json:"step"`
	ValueType        ValueType       `json:"valueType"`
	Value            json.RawMessage `json:"value"`
	Validated        bool            `json:"validated"`
	ValidationErrors *string         `json:"validationErrors,omitempty"`
}

// ItemWizardView is the client-facing rendering of the scratch slot
type ItemWizardView struct {
	SlotID          string               `json:"slotId"`
	State           InnerState           `json:"state"`
	EditingItemID   *string              `json:"editingItemId,omitempty"`
	AvailableEvents []Event              `json:"availableEvents"`
	Sections        map[string]EntryView `json:"sections,omitempty"`
	LastError       *string              `json:"lastError,omitempty"`
}

// Snapshot is returned by every wizard operation
type Snapshot struct {
	WizardID        string               `json:"wizardId"`
	State           OuterState           `json:"state"`
	Active          bool                 `json:"active"`
	AvailableEvents []Event              `json:"availableEvents"`
	ItemWizard      *ItemWizardView      `json:"itemWizard,omitempty"`
	ExtendedState   map[string]EntryView `json:"extendedState"`
	ReceiptNumber   *string              `json:"receiptNumber,omitempty"`
	Version         int64                `json:"version"`
	ExpiresAt       time.Time            `json:"expiresAt"`
}

// Customer is a directory record
type Customer struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
