package service

import (
	"strings"
	"time"
	"unicode/utf8"

	"orderwizard/internal/fsm"
	"orderwizard/internal/model"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

const (
	MinQuantity            = 1
	MaxQuantity            = 1000
	MaxPhotosPerItem       = 5
	MaxDefectNotes         = 500
	MaxOtherStain          = 100
	MinNoGuaranteeReason   = 10
	MaxNoGuaranteeReason   = 200
	MaxDiscountDescription = 500
	MaxFreeText            = 1000

	StainOther       = "OTHER"
	RiskNoGuarantee  = "NO_GUARANTEE"
	DiscountNone     = "NONE"
	DiscountEvercard = "EVERCARD"
	DiscountSocial   = "SOCIAL_MEDIA"
	DiscountMilitary = "MILITARY"
	DiscountCustom   = "CUSTOM"
	UrgencyNormal    = "NORMAL"
	Urgency48h       = "URGENT_48H"
	Urgency24h       = "URGENT_24H"
)

var paymentMethods = map[string]bool{"TERMINAL": true, "CASH": true, "BANK_TRANSFER": true}

var textPolicy = bluemonday.StrictPolicy()

// CleanText strips markup and normalizes to NFC before any length check
func CleanText(s string) string {
	return strings.TrimSpace(norm.NFC.String(textPolicy.Sanitize(s)))
}

func textLen(s string) int {
	return utf8.RuneCountInString(s)
}

type BasicInfo struct {
	CategoryID string `json:"categoryId"`
	ItemID     string `json:"itemId"`
	ItemName   string `json:"itemName,omitempty"`
	Quantity   int    `json:"quantity"`
	Unit       string `json:"unit,omitempty"`
}

func ValidateBasicInfo(b BasicInfo) error {
	if _, err := uuid.Parse(b.CategoryID); err != nil {
		return fsm.Validation("categoryId", "must be a UUID")
	}
	if _, err := uuid.Parse(b.ItemID); err != nil {
		return fsm.Validation("itemId", "must be a UUID")
	}
	if b.Quantity < MinQuantity || b.Quantity > MaxQuantity {
		return fsm.Validation("quantity", "must be between 1 and 1000")
	}
	return nil
}

type Characteristics struct {
	Material         string `json:"material,omitempty"`
	Color            string `json:"color,omitempty"`
	Filler           string `json:"filler,omitempty"`
	FillerCompressed bool   `json:"fillerCompressed,omitempty"`
	WearDegree       string `json:"wearDegree,omitempty"`
}

func ValidateCharacteristics(c Characteristics, requiresFiller bool) error {
	if CleanText(c.Material) == "" {
		return fsm.Validation("material", "is required")
	}
	if CleanText(c.Color) == "" {
		return fsm.Validation("color", "is required")
	}
	if requiresFiller && CleanText(c.Filler) == "" {
		return fsm.Validation("filler", "is required for this category")
	}
	if c.WearDegree == "" {
		return fsm.Validation("wearDegree", "is required")
	}
	return nil
}

type Defects struct {
	Stains            []string `json:"stains,omitempty"`
	OtherStain        string   `json:"otherStain,omitempty"`
	Defects           []string `json:"defects,omitempty"`
	Risks             []string `json:"risks,omitempty"`
	NoGuaranteeReason string   `json:"noGuaranteeReason,omitempty"`
	DefectNotes       string   `json:"defectNotes,omitempty"`
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func ValidateDefects(d Defects) error {
	if contains(d.Stains, StainOther) {
		other := CleanText(d.OtherStain)
		if other == "" {
			return fsm.Validation("otherStain", "is required when OTHER stain is selected")
		}
		if textLen(other) > MaxOtherStain {
			return fsm.Validation("otherStain", "must be at most 100 characters")
		}
	}
	if contains(d.Risks, RiskNoGuarantee) {
		n := textLen(CleanText(d.NoGuaranteeReason))
		if n < MinNoGuaranteeReason || n > MaxNoGuaranteeReason {
			return fsm.Validation("noGuaranteeReason", "must be between 10 and 200 characters")
		}
	}
	if textLen(CleanText(d.DefectNotes)) > MaxDefectNotes {
		return fsm.Validation("defectNotes", "must be at most 500 characters")
	}
	return nil
}

func ValidatePhotos(photos []model.PhotoRef) error {
	if len(photos) > MaxPhotosPerItem {
		return fsm.Validation("photos", "at most 5 photos per item")
	}
	return nil
}

type ExecutionParams struct {
	ExecutionDate string `json:"executionDate"`
	Urgency       string `json:"urgency"`
}

// ValidateExecutionParams checks the date against the calendar day of now
func ValidateExecutionParams(p ExecutionParams, now time.Time) error {
	date, err := time.Parse("2006-01-02", p.ExecutionDate)
	if err != nil {
		return fsm.Validation("executionDate", "must be a date in YYYY-MM-DD form")
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if date.Before(today) {
		return fsm.Validation("executionDate", "must not be in the past")
	}
	switch p.Urgency {
	case UrgencyNormal, Urgency48h, Urgency24h:
	default:
		return fsm.Validation("urgency", "must be NORMAL, URGENT_48H or URGENT_24H")
	}
	return nil
}

type Discount struct {
	DiscountType        string `json:"discountType"`
	DiscountPercentage  int    `json:"discountPercentage,omitempty"`
	DiscountDescription string `json:"discountDescription,omitempty"`
}

func ValidateDiscount(d Discount) error {
	switch d.DiscountType {
	case "", DiscountNone, DiscountEvercard, DiscountSocial, DiscountMilitary:
	case DiscountCustom:
		if d.DiscountPercentage < 0 || d.DiscountPercentage > 100 {
			return fsm.Validation("discountPercentage", "must be between 0 and 100")
		}
	default:
		return fsm.Validation("discountType", "unknown discount type")
	}
	if textLen(CleanText(d.DiscountDescription)) > MaxDiscountDescription {
		return fsm.Validation("discountDescription", "must be at most 500 characters")
	}
	return nil
}

// DiscountPercent is the effective percentage of a discount selection
func DiscountPercent(d Discount) int {
	switch d.DiscountType {
	case DiscountEvercard, DiscountMilitary:
		return 10
	case DiscountSocial:
		return 5
	case DiscountCustom:
		return d.DiscountPercentage
	}
	return 0
}

type Payment struct {
	PaymentMethod    string `json:"paymentMethod"`
	PrepaymentAmount int64  `json:"prepaymentAmount"`
}

func ValidatePayment(p Payment, finalAmount int64) error {
	if !paymentMethods[p.PaymentMethod] {
		return fsm.Validation("paymentMethod", "must be TERMINAL, CASH or BANK_TRANSFER")
	}
	if p.PrepaymentAmount < 0 || p.PrepaymentAmount > finalAmount {
		return fsm.Validation("prepaymentAmount", "must be between 0 and the final amount")
	}
	return nil
}

type AdditionalInfo struct {
	Notes              string `json:"notes,omitempty"`
	ClientRequirements string `json:"clientRequirements,omitempty"`
}

func ValidateAdditionalInfo(a AdditionalInfo) error {
	if textLen(CleanText(a.Notes)) > MaxFreeText {
		return fsm.Validation("notes", "must be at most 1000 characters")
	}
	if textLen(CleanText(a.ClientRequirements)) > MaxFreeText {
		return fsm.Validation("clientRequirements", "must be at most 1000 characters")
	}
	return nil
}

type Legal struct {
	TermsAccepted bool   `json:"termsAccepted"`
	Signature     string `json:"signature"`
}

func ValidateLegal(l Legal) error {
	if !l.TermsAccepted {
		return fsm.Validation("termsAccepted", "terms must be accepted")
	}
	if strings.TrimSpace(l.Signature) == "" {
		return fsm.Validation("signature", "is required")
	}
	return nil
}

type OrderInfo struct {
	BranchID   string `json:"branchId"`
	TagNumber  string `json:"tagNumber,omitempty"`
	ReceivedAt string `json:"receivedAt,omitempty"`
}

func ValidateOrderInfo(o OrderInfo) error {
	if strings.TrimSpace(o.BranchID) == "" {
		return fsm.Validation("branchId", "is required")
	}
	if o.ReceivedAt != "" {
		if _, err := time.Parse(time.RFC3339, o.ReceivedAt); err != nil {
			return fsm.Validation("receivedAt", "must be an RFC 3339 timestamp")
		}
	}
	return nil
}

// Totals is the priced summary written when discounts are applied, in minor units
type Totals struct {
	ItemsTotal     int64 `json:"itemsTotal"`
	UrgencyCharge  int64 `json:"urgencyCharge"`
	DiscountAmount int64 `json:"discountAmount"`
	FinalAmount    int64 `json:"finalAmount"`
}

// ComputeTotals sums item quotes, adds the urgency surcharge and subtracts the discount
func ComputeTotals(items []model.LineItem, urgency string, d Discount) Totals {
	var t Totals
	for _, it := range items {
		if it.Price != nil {
			t.ItemsTotal += it.Price.Total
		}
	}
	switch urgency {
	case Urgency48h:
		t.UrgencyCharge = t.ItemsTotal * 50 / 100
	case Urgency24h:
		t.UrgencyCharge = t.ItemsTotal
	}
	gross := t.ItemsTotal + t.UrgencyCharge
	t.DiscountAmount = gross * int64(DiscountPercent(d)) / 100
	t.FinalAmount = gross - t.DiscountAmount
	return t
}
