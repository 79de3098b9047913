package service

import (
	"context"
	"errors"
	"io"

	"orderwizard/internal/model"
)

var (
	// ErrCustomerNotFound is returned by a CustomerDirectory for an unknown id
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrUnknownCategory is returned by CatalogPricing for a category it does not carry
	ErrUnknownCategory = errors.New("unknown service category")
)

// CustomerDirectory resolves the customers an order is created for
type CustomerDirectory interface {
	Get(ctx context.Context, id string) (*model.Customer, error)
	Search(ctx context.Context, term string, limit int) ([]model.Customer, error)
	Create(ctx context.Context, input CustomerInput) (*model.Customer, error)
}

type CustomerInput struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
	Email     string `json:"email,omitempty"`
}

// PriceRequest is everything the catalog needs to price one line item
type PriceRequest struct {
	CategoryID string   `json:"categoryId"`
	ItemID     string   `json:"itemId"`
	Quantity   int      `json:"quantity"`
	Material   string   `json:"material,omitempty"`
	Color      string   `json:"color,omitempty"`
	WearDegree string   `json:"wearDegree,omitempty"`
	Stains     []string `json:"stains,omitempty"`
	Defects    []string `json:"defects,omitempty"`
	Modifiers  []string `json:"modifiers,omitempty"`
}

// CatalogPricing answers catalog metadata questions and prices items
type CatalogPricing interface {
	// RequiresFiller reports whether items of the category carry a filler characteristic.
	RequiresFiller(ctx context.Context, categoryID string) (bool, error)
	Quote(ctx context.Context, req PriceRequest) (model.PriceQuote, error)
}

// ReceiptNumbering allocates receipt numbers per branch
type ReceiptNumbering interface {
	Next(ctx context.Context, branchRef string) (string, error)
}

// ItemPhotoStore keeps uploaded item photos and hands back references
type ItemPhotoStore interface {
	Save(ctx context.Context, wizardID, name, contentType string, r io.Reader) (model.PhotoRef, error)
}

// EventBus publishes wizard events to subscribers
type EventBus interface {
	PublishWizard(wizardID string, event map[string]interface{}) error
	PublishOperator(operatorID string, event map[string]interface{}) error
}

type nopBus struct{}

func (nopBus) PublishWizard(string, map[string]interface{}) error   { return nil }
func (nopBus) PublishOperator(string, map[string]interface{}) error { return nil }
