package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"orderwizard/internal/db"
)

// FormatReceipt renders a receipt number as BRANCH-000042
func FormatReceipt(branchRef string, n int64) string {
	branch := strings.ToUpper(strings.TrimSpace(branchRef))
	if branch == "" {
		branch = "MAIN"
	}
	return fmt.Sprintf("%s-%06d", branch, n)
}

// MemoryReceipts keeps per-branch counters in process
type MemoryReceipts struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemoryReceipts() *MemoryReceipts {
	return &MemoryReceipts{counters: make(map[string]int64)}
}

func (m *MemoryReceipts) Next(ctx context.Context, branchRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[branchRef]++
	return FormatReceipt(branchRef, m.counters[branchRef]), nil
}

// PostgresReceipts allocates from the receipt_counters table; the upsert is atomic per branch
type PostgresReceipts struct {
	queries *db.Queries
}

func NewPostgresReceipts(queries *db.Queries) *PostgresReceipts {
	return &PostgresReceipts{queries: queries}
}

func (p *PostgresReceipts) Next(ctx context.Context, branchRef string) (string, error) {
	n, err := p.queries.NextReceiptValue(ctx, branchRef)
	if err != nil {
		return "", fmt.Errorf("failed to allocate receipt number: %w", err)
	}
	return FormatReceipt(branchRef, n), nil
}
