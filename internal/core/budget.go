package core

import (
	"context"
	"fmt"
	"time"
)

// MaxTokenCount bounds the tokens a single budget entry may consume.
const MaxTokenCount = 127

// ConsumeBudgetMetadata identifies one budget entry of a prepare request.
type ConsumeBudgetMetadata struct {
	BudgetKey  string
	TimeBucket uint64 // unix nanoseconds of the hour the report belongs to
	TokenCount int8
}

func (m ConsumeBudgetMetadata) String() string {
	return fmt.Sprintf("%s@%d x%d", m.BudgetKey, m.TimeBucket, m.TokenCount)
}

// TimeBucketFor truncates a reporting time to its hourly bucket.
func TimeBucketFor(t time.Time) uint64 {
	return uint64(t.UTC().Truncate(time.Hour).UnixNano())
}

// ConsumeBudgetsRequest is the ordered list of entries to consume. The order
// defines the index space of ConsumeBudgetsResponse.ExhaustedIndices.
type ConsumeBudgetsRequest struct {
	TransactionID string
	Budgets       []ConsumeBudgetMetadata
}

// ConsumeBudgetsResponse reports which request entries could not be consumed.
type ConsumeBudgetsResponse struct {
	ExhaustedIndices []int
}

// BudgetConsumer consumes budget tokens. Implementations either consume every
// entry or none; when any entry is exhausted they return the exhausted indices
// together with a BudgetExhausted failure.
type BudgetConsumer interface {
	ConsumeBudgets(ctx context.Context, req ConsumeBudgetsRequest) (ConsumeBudgetsResponse, error)
	Close() error
}
