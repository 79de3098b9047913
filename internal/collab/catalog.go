// Package collab holds the implementations of the collaborators the wizard
// service consults: customers, catalog pricing, receipt numbers and photos.
package collab

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"orderwizard/internal/model"
	"orderwizard/internal/service"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"gopkg.in/yaml.v3"
)

// ModifierType selects how a price modifier is applied
type ModifierType string

const (
	// ModifierPercentage values are basis points of the base amount (2000 = 20%)
	ModifierPercentage ModifierType = "PERCENTAGE"
	// ModifierFixed values are minor units per piece
	ModifierFixed ModifierType = "FIXED"
)

type CatalogItem struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	BasePrice int64  `json:"basePrice" yaml:"basePrice"`
	Unit      string `json:"unit" yaml:"unit"`
}

type CatalogCategory struct {
	ID             string        `json:"id" yaml:"id"`
	Name           string        `json:"name" yaml:"name"`
	RequiresFiller bool          `json:"requiresFiller" yaml:"requiresFiller"`
	Items          []CatalogItem `json:"items" yaml:"items"`
}

type Modifier struct {
	Code  string       `json:"code" yaml:"code"`
	Name  string       `json:"name" yaml:"name"`
	Type  ModifierType `json:"type" yaml:"type"`
	Value int64        `json:"value" yaml:"value"`
}

// CatalogFile is the on-disk shape of a price list
type CatalogFile struct {
	Categories []CatalogCategory `json:"categories" yaml:"categories"`
	Modifiers  []Modifier        `json:"modifiers" yaml:"modifiers"`
}

// Catalog is a static price list loaded from YAML
type Catalog struct {
	categories map[string]CatalogCategory
	items      map[string]map[string]CatalogItem
	modifiers  map[string]Modifier
	now        func() time.Time
}

// LoadCatalog reads a YAML price list from path
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return NewCatalog(file)
}

func NewCatalog(file CatalogFile) (*Catalog, error) {
	c := &Catalog{
		categories: make(map[string]CatalogCategory, len(file.Categories)),
		items:      make(map[string]map[string]CatalogItem, len(file.Categories)),
		modifiers:  make(map[string]Modifier, len(file.Modifiers)),
		now:        time.Now,
	}
	for _, cat := range file.Categories {
		if cat.ID == "" {
			return nil, fmt.Errorf("catalog category %q has no id", cat.Name)
		}
		if _, dup := c.categories[cat.ID]; dup {
			return nil, fmt.Errorf("duplicate catalog category %s", cat.ID)
		}
		c.categories[cat.ID] = cat
		items := make(map[string]CatalogItem, len(cat.Items))
		for _, it := range cat.Items {
			if it.BasePrice < 0 {
				return nil, fmt.Errorf("catalog item %s has a negative price", it.ID)
			}
			items[it.ID] = it
		}
		c.items[cat.ID] = items
	}
	for _, m := range file.Modifiers {
		switch m.Type {
		case ModifierPercentage, ModifierFixed:
		default:
			return nil, fmt.Errorf("modifier %s has unknown type %q", m.Code, m.Type)
		}
		c.modifiers[m.Code] = m
	}
	return c, nil
}

// SetClock replaces the time source used to stamp quotes
func (c *Catalog) SetClock(now func() time.Time) {
	c.now = now
}

// Categories lists the catalog ordered by name
func (c *Catalog) Categories() []CatalogCategory {
	out := make([]CatalogCategory, 0, len(c.categories))
	for _, cat := range c.categories {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) RequiresFiller(ctx context.Context, categoryID string) (bool, error) {
	cat, ok := c.categories[categoryID]
	if !ok {
		return false, service.ErrUnknownCategory
	}
	return cat.RequiresFiller, nil
}

// Quote prices base amount = unit price x quantity, then adds every modifier
// computed against that base amount. The total never goes below zero.
func (c *Catalog) Quote(ctx context.Context, req service.PriceRequest) (model.PriceQuote, error) {
	items, ok := c.items[req.CategoryID]
	if !ok {
		return model.PriceQuote{}, service.ErrUnknownCategory
	}
	item, ok := items[req.ItemID]
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("item %s is not priced in category %s", req.ItemID, req.CategoryID)
	}

	base := item.BasePrice * int64(req.Quantity)
	quote := model.PriceQuote{
		BasePrice: base,
		UnitPrice: item.BasePrice,
		Quantity:  req.Quantity,
	}
	for _, code := range req.Modifiers {
		m, ok := c.modifiers[code]
		if !ok {
			return model.PriceQuote{}, fmt.Errorf("unknown price modifier %s", code)
		}
		switch m.Type {
		case ModifierPercentage:
			quote.ModifierTotal += base * m.Value / 10000
		case ModifierFixed:
			quote.ModifierTotal += m.Value * int64(req.Quantity)
		}
		quote.AppliedRules = append(quote.AppliedRules, code)
	}

	quote.Total = base + quote.ModifierTotal
	if quote.Total < 0 {
		quote.Total = 0
	}
	quote.CalculatedAt = c.now().UTC().Format(time.RFC3339)
	return quote, nil
}

// CachedCatalog memoizes RequiresFiller answers of a slower catalog.
// Quotes are never cached.
type CachedCatalog struct {
	service.CatalogPricing
	fillers *expirable.LRU[string, bool]
}

func NewCachedCatalog(inner service.CatalogPricing, size int, ttl time.Duration) *CachedCatalog {
	return &CachedCatalog{
		CatalogPricing: inner,
		fillers:        expirable.NewLRU[string, bool](size, nil, ttl),
	}
}

func (c *CachedCatalog) RequiresFiller(ctx context.Context, categoryID string) (bool, error) {
	if v, ok := c.fillers.Get(categoryID); ok {
		return v, nil
	}
	v, err := c.CatalogPricing.RequiresFiller(ctx, categoryID)
	if err != nil {
		return false, err
	}
	c.fillers.Add(categoryID, v)
	return v, nil
}
