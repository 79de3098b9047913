package service

import (
	"strings"
	"testing"
	"time"

	"orderwizard/internal/fsm"
	"orderwizard/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestCleanText(t *testing.T) {
	assert.Equal(t, "fragile", CleanText("  <b>fragile</b> "))
	assert.Equal(t, "", CleanText("<i></i>"))
	// decomposed e + combining acute becomes one rune
	assert.Equal(t, "café", CleanText("café"))
}

func TestValidateBasicInfo(t *testing.T) {
	valid := BasicInfo{CategoryID: plainCategory, ItemID: coatItem, Quantity: 1}

	tests := []struct {
		name  string
		mut   func(b *BasicInfo)
		field string
	}{
		{"valid", func(b *BasicInfo) {}, ""},
		{"max quantity", func(b *BasicInfo) { b.Quantity = 1000 }, ""},
		{"zero quantity", func(b *BasicInfo) { b.Quantity = 0 }, "quantity"},
		{"too many", func(b *BasicInfo) { b.Quantity = 1001 }, "quantity"},
		{"bad category", func(b *BasicInfo) { b.CategoryID = "coats" }, "categoryId"},
		{"bad item", func(b *BasicInfo) { b.ItemID = "" }, "itemId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := valid
			tt.mut(&b)
			err := ValidateBasicInfo(b)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, fsm.IsValidation(err))
			assert.Equal(t, tt.field, fsm.Meta(err, "field"))
		})
	}
}

func TestValidateCharacteristics(t *testing.T) {
	c := Characteristics{Material: "Wool", Color: "Red", WearDegree: "30%"}
	assert.NoError(t, ValidateCharacteristics(c, false))

	err := ValidateCharacteristics(c, true)
	assert.Equal(t, "filler", fsm.Meta(err, "field"))

	c.Filler = "Down"
	assert.NoError(t, ValidateCharacteristics(c, true))

	c.Material = "<i></i>"
	assert.Equal(t, "material", fsm.Meta(ValidateCharacteristics(c, true), "field"))
}

func TestValidateDefects(t *testing.T) {
	tests := []struct {
		name  string
		d     Defects
		field string
	}{
		{"empty", Defects{}, ""},
		{"other stain without text", Defects{Stains: []string{"OTHER"}}, "otherStain"},
		{"other stain", Defects{Stains: []string{"OTHER"}, OtherStain: "ink"}, ""},
		{"other stain too long", Defects{Stains: []string{"OTHER"}, OtherStain: strings.Repeat("x", 101)}, "otherStain"},
		{"no guarantee reason short", Defects{Risks: []string{"NO_GUARANTEE"}, NoGuaranteeReason: "old"}, "noGuaranteeReason"},
		{"no guarantee reason", Defects{Risks: []string{"NO_GUARANTEE"}, NoGuaranteeReason: "fabric is worn"}, ""},
		{"notes limit", Defects{DefectNotes: strings.Repeat("é", 500)}, ""},
		{"notes too long", Defects{DefectNotes: strings.Repeat("x", 501)}, "defectNotes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDefects(tt.d)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.field, fsm.Meta(err, "field"))
		})
	}
}

func TestValidatePhotos(t *testing.T) {
	assert.NoError(t, ValidatePhotos(make([]model.PhotoRef, 5)))
	assert.True(t, fsm.IsValidation(ValidatePhotos(make([]model.PhotoRef, 6))))
}

func TestValidateExecutionParams(t *testing.T) {
	now := time.Date(2026, 3, 1, 22, 30, 0, 0, time.UTC)

	assert.NoError(t, ValidateExecutionParams(ExecutionParams{ExecutionDate: "2026-03-01", Urgency: "NORMAL"}, now))
	assert.Equal(t, "executionDate",
		fsm.Meta(ValidateExecutionParams(ExecutionParams{ExecutionDate: "2026-02-28", Urgency: "NORMAL"}, now), "field"))
	assert.Equal(t, "executionDate",
		fsm.Meta(ValidateExecutionParams(ExecutionParams{ExecutionDate: "01.03.2026", Urgency: "NORMAL"}, now), "field"))
	assert.Equal(t, "urgency",
		fsm.Meta(ValidateExecutionParams(ExecutionParams{ExecutionDate: "2026-03-02", Urgency: "ASAP"}, now), "field"))
}

func TestValidateDiscountAndPercent(t *testing.T) {
	assert.NoError(t, ValidateDiscount(Discount{}))
	assert.NoError(t, ValidateDiscount(Discount{DiscountType: "CUSTOM", DiscountPercentage: 100}))
	assert.Equal(t, "discountPercentage", fsm.Meta(ValidateDiscount(Discount{DiscountType: "CUSTOM", DiscountPercentage: 101}), "field"))
	assert.Equal(t, "discountType", fsm.Meta(ValidateDiscount(Discount{DiscountType: "FRIENDS"}), "field"))

	assert.Equal(t, 10, DiscountPercent(Discount{DiscountType: "EVERCARD"}))
	assert.Equal(t, 10, DiscountPercent(Discount{DiscountType: "MILITARY"}))
	assert.Equal(t, 5, DiscountPercent(Discount{DiscountType: "SOCIAL_MEDIA"}))
	assert.Equal(t, 15, DiscountPercent(Discount{DiscountType: "CUSTOM", DiscountPercentage: 15}))
	assert.Equal(t, 0, DiscountPercent(Discount{DiscountType: "NONE", DiscountPercentage: 15}))
}

func TestValidatePayment(t *testing.T) {
	assert.NoError(t, ValidatePayment(Payment{PaymentMethod: "CASH", PrepaymentAmount: 100}, 100))
	assert.NoError(t, ValidatePayment(Payment{PaymentMethod: "BANK_TRANSFER"}, 0))
	assert.Equal(t, "prepaymentAmount", fsm.Meta(ValidatePayment(Payment{PaymentMethod: "CASH", PrepaymentAmount: 101}, 100), "field"))
	assert.Equal(t, "prepaymentAmount", fsm.Meta(ValidatePayment(Payment{PaymentMethod: "CASH", PrepaymentAmount: -1}, 100), "field"))
	assert.Equal(t, "paymentMethod", fsm.Meta(ValidatePayment(Payment{PaymentMethod: "BARTER"}, 100), "field"))
}

func TestValidateLegalAndOrderInfo(t *testing.T) {
	assert.NoError(t, ValidateLegal(Legal{TermsAccepted: true, Signature: "sig"}))
	assert.Equal(t, "termsAccepted", fsm.Meta(ValidateLegal(Legal{Signature: "sig"}), "field"))
	assert.Equal(t, "signature", fsm.Meta(ValidateLegal(Legal{TermsAccepted: true, Signature: " "}), "field"))

	assert.NoError(t, ValidateOrderInfo(OrderInfo{BranchID: "b1", ReceivedAt: "2026-03-01T10:00:00Z"}))
	assert.Equal(t, "branchId", fsm.Meta(ValidateOrderInfo(OrderInfo{BranchID: "  "}), "field"))
	assert.Equal(t, "receivedAt", fsm.Meta(ValidateOrderInfo(OrderInfo{BranchID: "b1", ReceivedAt: "yesterday"}), "field"))
}

func TestComputeTotals(t *testing.T) {
	items := []model.LineItem{
		{ID: "a", Price: &model.PriceQuote{Total: 1000}},
		{ID: "b", Price: &model.PriceQuote{Total: 500}},
		{ID: "c"},
	}

	tests := []struct {
		name     string
		urgency  string
		discount Discount
		want     Totals
	}{
		{"normal", "NORMAL", Discount{DiscountType: "NONE"}, Totals{ItemsTotal: 1500, FinalAmount: 1500}},
		{"48h", "URGENT_48H", Discount{}, Totals{ItemsTotal: 1500, UrgencyCharge: 750, FinalAmount: 2250}},
		{"24h with social", "URGENT_24H", Discount{DiscountType: "SOCIAL_MEDIA"}, Totals{ItemsTotal: 1500, UrgencyCharge: 1500, DiscountAmount: 150, FinalAmount: 2850}},
		{"custom", "NORMAL", Discount{DiscountType: "CUSTOM", DiscountPercentage: 100}, Totals{ItemsTotal: 1500, DiscountAmount: 1500}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeTotals(items, tt.urgency, tt.discount))
		})
	}
}
