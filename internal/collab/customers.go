package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"orderwizard/internal/db"
	"orderwizard/internal/fsm"
	"orderwizard/internal/model"
	"orderwizard/internal/service"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
)

const maxSearchResults = 50

func validateCustomer(input service.CustomerInput) (service.CustomerInput, error) {
	input.FirstName = service.CleanText(input.FirstName)
	input.LastName = service.CleanText(input.LastName)
	input.Phone = strings.TrimSpace(input.Phone)
	input.Email = strings.TrimSpace(input.Email)
	if input.FirstName == "" {
		return input, fsm.Validation("firstName", "is required")
	}
	if input.LastName == "" {
		return input, fsm.Validation("lastName", "is required")
	}
	if input.Phone == "" {
		return input, fsm.Validation("phone", "is required")
	}
	if input.Email != "" && !strings.Contains(input.Email, "@") {
		return input, fsm.Validation("email", "is not an email address")
	}
	return input, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxSearchResults {
		return maxSearchResults
	}
	return limit
}

// MemoryCustomers is an in-process customer directory
type MemoryCustomers struct {
	mu        sync.RWMutex
	customers map[string]model.Customer
}

func NewMemoryCustomers(seed ...model.Customer) *MemoryCustomers {
	m := &MemoryCustomers{customers: make(map[string]model.Customer, len(seed))}
	for _, c := range seed {
		m.customers[c.ID] = c
	}
	return m
}

func (m *MemoryCustomers) Get(ctx context.Context, id string) (*model.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, service.ErrCustomerNotFound
	}
	return &c, nil
}

// Search matches the term against names and phone, case-insensitively
func (m *MemoryCustomers) Search(ctx context.Context, term string, limit int) ([]model.Customer, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []model.Customer{}
	for _, c := range m.customers {
		hay := strings.ToLower(c.FirstName + " " + c.LastName + " " + c.Phone + " " + c.Email)
		if term == "" || strings.Contains(hay, term) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		return out[i].ID < out[j].ID
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryCustomers) Create(ctx context.Context, input service.CustomerInput) (*model.Customer, error) {
	input, err := validateCustomer(input)
	if err != nil {
		return nil, err
	}
	c := model.Customer{
		ID:        ulid.Make().String(),
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Phone:     input.Phone,
		Email:     input.Email,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	m.mu.Lock()
	m.customers[c.ID] = c
	m.mu.Unlock()
	return &c, nil
}

// PostgresCustomers reads the customers table
type PostgresCustomers struct {
	queries *db.Queries
}

func NewPostgresCustomers(queries *db.Queries) *PostgresCustomers {
	return &PostgresCustomers{queries: queries}
}

func (p *PostgresCustomers) Get(ctx context.Context, id string) (*model.Customer, error) {
	row, err := p.queries.GetCustomer(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, service.ErrCustomerNotFound
		}
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}
	c := customerFromRow(row)
	return &c, nil
}

func (p *PostgresCustomers) Search(ctx context.Context, term string, limit int) ([]model.Customer, error) {
	rows, err := p.queries.SearchCustomers(ctx, strings.TrimSpace(term), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to search customers: %w", err)
	}
	out := make([]model.Customer, 0, len(rows))
	for _, r := range rows {
		out = append(out, customerFromRow(r))
	}
	return out, nil
}

func (p *PostgresCustomers) Create(ctx context.Context, input service.CustomerInput) (*model.Customer, error) {
	input, err := validateCustomer(input)
	if err != nil {
		return nil, err
	}
	row := db.Customer{
		ID:        ulid.Make().String(),
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Phone:     input.Phone,
	}
	if input.Email != "" {
		row.Email = &input.Email
	}
	created, err := p.queries.CreateCustomer(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	c := customerFromRow(created)
	return &c, nil
}

func customerFromRow(r db.Customer) model.Customer {
	c := model.Customer{
		ID:        r.ID,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Phone:     r.Phone,
	}
	if r.Email != nil {
		c.Email = *r.Email
	}
	if !r.CreatedAt.IsZero() {
		c.CreatedAt = r.CreatedAt.UTC().Format(time.RFC3339)
	}
	return c
}
