package schema

import "orderwizard/internal/model"

// Extended state keys
const (
	KeyClient          = "client"
	KeyOrderInfo       = "orderInfo"
	KeyItems           = "items"
	KeyExecutionParams = "executionParams"
	KeyDiscounts       = "discounts"
	KeyPayment         = "payment"
	KeyAdditionalInfo  = "additionalInfo"
	KeyConfirmation    = "confirmation"
	KeyReview          = "review"
	KeyLegal           = "legal"
	KeyReceipt         = "receipt"
	KeyTotals          = "totals"

	KeyItemBasicInfo       = "item.basicInfo"
	KeyItemCharacteristics = "item.characteristics"
	KeyItemDefects         = "item.defects"
	KeyItemPricing         = "item.pricing"
	KeyItemPhotos          = "item.photos"
)

type obj = map[string]interface{}

func str(maxLength int) obj {
	s := obj{"type": "string"}
	if maxLength > 0 {
		s["maxLength"] = maxLength
	}
	return s
}

func strictObject(props obj) obj {
	return obj{"type": "object", "properties": props, "additionalProperties": false}
}

func enum(values ...string) obj {
	return obj{"type": "string", "enum": values}
}

var stringList = obj{"type": "array", "items": obj{"type": "string"}}

var priceQuote = obj{
	"type": "object",
	"properties": obj{
		"basePrice":     obj{"type": "integer"},
		"unitPrice":     obj{"type": "integer"},
		"quantity":      obj{"type": "integer"},
		"modifierTotal": obj{"type": "integer"},
		"total":         obj{"type": "integer", "minimum": 0},
		"appliedRules":  stringList,
		"calculatedAt":  obj{"type": "string"},
	},
	"required": []string{"total"},
}

var photoRef = obj{
	"type": "object",
	"properties": obj{
		"ref":         str(200),
		"name":        str(255),
		"contentType": str(100),
		"size":        obj{"type": "integer", "minimum": 0},
		"sha256":      str(64),
	},
	"required":             []string{"ref"},
	"additionalProperties": false,
}

// WizardDefinitions lists every slot the order wizard writes.
func WizardDefinitions() []Definition {
	return []Definition{
		{Slot: Slot{1, 1, KeyClient}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"customerId": obj{"type": "string", "minLength": 1, "maxLength": 64},
		})},
		{Slot: Slot{1, 2, KeyOrderInfo}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"branchId":   obj{"type": "string", "minLength": 1, "maxLength": 64},
			"tagNumber":  str(20),
			"receivedAt": str(40),
		})},
		{Slot: Slot{2, 0, KeyItems}, ValueType: model.ValueArray, Schema: obj{
			"type": "array",
			"items": obj{
				"type":     "object",
				"required": []string{"id", "categoryId", "itemId", "quantity"},
			},
		}},
		{Slot: Slot{2, 1, KeyItemBasicInfo}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"categoryId": str(64),
			"itemId":     str(64),
			"itemName":   str(200),
			"quantity":   obj{"type": "integer"},
			"unit":       enum("PIECES", "KILOGRAMS", "SQUARE_METERS"),
		})},
		{Slot: Slot{2, 2, KeyItemCharacteristics}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"material":         str(100),
			"color":            str(100),
			"filler":           str(100),
			"fillerCompressed": obj{"type": "boolean"},
			"wearDegree":       enum("10%", "30%", "50%", "75%"),
		})},
		{Slot: Slot{2, 3, KeyItemDefects}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"stains":            stringList,
			"otherStain":        obj{"type": "string"},
			"defects":           stringList,
			"risks":             stringList,
			"noGuaranteeReason": obj{"type": "string"},
			"defectNotes":       obj{"type": "string"},
		})},
		{Slot: Slot{2, 4, KeyItemPricing}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"modifiers": stringList,
			"quote":     priceQuote,
		})},
		{Slot: Slot{2, 5, KeyItemPhotos}, ValueType: model.ValueBinaryRef, Schema: obj{
			"type":  "array",
			"items": photoRef,
		}},
		{Slot: Slot{3, 1, KeyExecutionParams}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"executionDate": str(10),
			"urgency":       enum("NORMAL", "URGENT_48H", "URGENT_24H"),
		})},
		{Slot: Slot{3, 2, KeyDiscounts}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"discountType":        enum("NONE", "EVERCARD", "SOCIAL_MEDIA", "MILITARY", "CUSTOM"),
			"discountPercentage":  obj{"type": "integer"},
			"discountDescription": obj{"type": "string"},
		})},
		{Slot: Slot{3, 3, KeyPayment}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"paymentMethod":    obj{"type": "string"},
			"prepaymentAmount": obj{"type": "integer"},
		})},
		{Slot: Slot{3, 3, KeyTotals}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"itemsTotal":     obj{"type": "integer", "minimum": 0},
			"urgencyCharge":  obj{"type": "integer", "minimum": 0},
			"discountAmount": obj{"type": "integer", "minimum": 0},
			"finalAmount":    obj{"type": "integer", "minimum": 0},
		})},
		{Slot: Slot{3, 4, KeyAdditionalInfo}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"notes":              obj{"type": "string"},
			"clientRequirements": obj{"type": "string"},
		})},
		{Slot: Slot{4, 1, KeyConfirmation}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"confirmed": obj{"type": "boolean"},
		})},
		{Slot: Slot{4, 2, KeyReview}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"approved": obj{"type": "boolean"},
			"comment":  str(500),
		})},
		{Slot: Slot{4, 3, KeyLegal}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"termsAccepted": obj{"type": "boolean"},
			"signature":     obj{"type": "string"},
		})},
		{Slot: Slot{4, 4, KeyReceipt}, ValueType: model.ValueJSON, Schema: strictObject(obj{
			"format":  enum("PDF", "PRINT"),
			"emailTo": str(254),
		})},
	}
}

// NewWizardRegistry builds the registry used by the order wizard
func NewWizardRegistry(compiler *Compiler) (*Registry, error) {
	return NewRegistry(compiler, WizardDefinitions()...)
}
