// Package memory provides an in-process budget ledger; intended for tests and
// single-node development.
package memory

import (
	"context"
	"sync"

	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/ledger"
)

// Ledger implements core.BudgetConsumer with a mutex-guarded map.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	used     map[string]int
	closed   bool
}

// New returns an empty ledger with the given per-bucket capacity.
func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = ledger.DefaultCapacity
	}
	return &Ledger{capacity: capacity, used: make(map[string]int)}
}

// ConsumeBudgets consumes every entry or none.
func (l *Ledger) ConsumeBudgets(ctx context.Context, req core.ConsumeBudgetsRequest) (core.ConsumeBudgetsResponse, error) {
	if err := ctx.Err(); err != nil {
		return core.ConsumeBudgetsResponse{}, core.LedgerUnavailable(err)
	}
	if err := ledger.Validate(req); err != nil {
		return core.ConsumeBudgetsResponse{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.ConsumeBudgetsResponse{}, core.LedgerUnavailable(nil)
	}
	plan, err := ledger.Evaluate(req, l.capacity, func(id string) (int, error) {
		return l.used[id], nil
	})
	if err != nil {
		return core.ConsumeBudgetsResponse{}, err
	}
	for id, total := range plan.Totals {
		l.used[id] = total
	}
	return plan.Result()
}

// Used reports the tokens consumed for one entry's bucket.
func (l *Ledger) Used(m core.ConsumeBudgetMetadata) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[ledger.BucketID(m)]
}

// Close marks the ledger unusable.
func (l *Ledger) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
