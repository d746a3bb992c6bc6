// Package ledger holds the accounting rules shared by the budget ledger
// engines. Engines differ only in where bucket usage is persisted.
package ledger

import (
	"fmt"
	"sort"
	"strings"

	"pkt.systems/pbsd/internal/core"
)

// DefaultCapacity is the number of tokens available per key and hourly bucket.
const DefaultCapacity = 1

// UsageFunc returns the tokens already consumed for a bucket id.
type UsageFunc func(bucketID string) (int, error)

// Plan is the outcome of evaluating a request against current usage.
type Plan struct {
	// Totals holds the new usage per bucket id. It is empty when Exhausted is set.
	Totals map[string]int
	// Exhausted lists request indices, ascending, that exceed capacity.
	Exhausted []int
}

// BucketID is the storage key for one budget key and time bucket.
func BucketID(m core.ConsumeBudgetMetadata) string {
	return fmt.Sprintf("%020d/%s", m.TimeBucket, m.BudgetKey)
}

// Validate rejects entries no engine will accept.
func Validate(req core.ConsumeBudgetsRequest) error {
	if len(req.Budgets) == 0 {
		return core.NoKeysAvailable()
	}
	for i, b := range req.Budgets {
		if strings.TrimSpace(b.BudgetKey) == "" {
			return core.InvalidRequest("budget %d has no key", i)
		}
		if b.TokenCount < 1 || int(b.TokenCount) > core.MaxTokenCount {
			return core.InvalidRequest("budget %d token count %d out of range", i, b.TokenCount)
		}
	}
	return nil
}

// Evaluate charges each entry in order against capacity. Entries sharing a
// bucket accumulate. Usage is looked up once per bucket.
func Evaluate(req core.ConsumeBudgetsRequest, capacity int, usage UsageFunc) (Plan, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	totals := make(map[string]int, len(req.Budgets))
	var exhausted []int
	for i, b := range req.Budgets {
		id := BucketID(b)
		used, ok := totals[id]
		if !ok {
			var err error
			used, err = usage(id)
			if err != nil {
				return Plan{}, err
			}
			totals[id] = used
		}
		next := used + int(b.TokenCount)
		if next > capacity {
			exhausted = append(exhausted, i)
			continue
		}
		totals[id] = next
	}
	if len(exhausted) > 0 {
		sort.Ints(exhausted)
		return Plan{Exhausted: exhausted}, nil
	}
	return Plan{Totals: totals}, nil
}

// Result converts a plan into the consumer return values.
func (p Plan) Result() (core.ConsumeBudgetsResponse, error) {
	if len(p.Exhausted) > 0 {
		return core.ConsumeBudgetsResponse{ExhaustedIndices: p.Exhausted}, core.BudgetExhausted(len(p.Exhausted))
	}
	return core.ConsumeBudgetsResponse{}, nil
}
