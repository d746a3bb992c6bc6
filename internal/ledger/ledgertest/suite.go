// Package ledgertest runs the behaviour every ledger engine must share.
package ledgertest

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"pkt.systems/pbsd/internal/core"
)

// Factory opens a fresh, empty engine with the given per-bucket capacity.
type Factory func(t *testing.T, capacity int) core.BudgetConsumer

const hour = uint64(3_600_000_000_000)

func request(budgets ...core.ConsumeBudgetMetadata) core.ConsumeBudgetsRequest {
	return core.ConsumeBudgetsRequest{TransactionID: "txn", Budgets: budgets}
}

func entry(key string, bucket uint64, tokens int8) core.ConsumeBudgetMetadata {
	return core.ConsumeBudgetMetadata{BudgetKey: key, TimeBucket: bucket, TokenCount: tokens}
}

// Run exercises open.
func Run(t *testing.T, open Factory) {
	t.Run("ConsumeOnce", func(t *testing.T) {
		l := open(t, 1)
		ctx := context.Background()
		if _, err := l.ConsumeBudgets(ctx, request(entry("a", hour, 1), entry("b", hour, 1))); err != nil {
			t.Fatalf("first consume: %v", err)
		}
		resp, err := l.ConsumeBudgets(ctx, request(entry("c", hour, 1), entry("a", hour, 1)))
		if !core.IsBudgetExhausted(err) {
			t.Fatalf("expected budget_exhausted, got %v", err)
		}
		if !reflect.DeepEqual(resp.ExhaustedIndices, []int{1}) {
			t.Fatalf("expected [1], got %v", resp.ExhaustedIndices)
		}
	})

	t.Run("AllOrNothing", func(t *testing.T) {
		l := open(t, 1)
		ctx := context.Background()
		if _, err := l.ConsumeBudgets(ctx, request(entry("b", hour, 1))); err != nil {
			t.Fatalf("seed: %v", err)
		}
		if _, err := l.ConsumeBudgets(ctx, request(entry("a", hour, 1), entry("b", hour, 1))); !core.IsBudgetExhausted(err) {
			t.Fatalf("expected exhaustion, got %v", err)
		}
		// "a" must still be available because the failed request consumed nothing.
		if _, err := l.ConsumeBudgets(ctx, request(entry("a", hour, 1))); err != nil {
			t.Fatalf("expected a to remain available: %v", err)
		}
	})

	t.Run("BucketsAreIndependent", func(t *testing.T) {
		l := open(t, 1)
		ctx := context.Background()
		for i := uint64(0); i < 3; i++ {
			if _, err := l.ConsumeBudgets(ctx, request(entry("a", hour*i, 1))); err != nil {
				t.Fatalf("bucket %d: %v", i, err)
			}
		}
	})

	t.Run("Capacity", func(t *testing.T) {
		l := open(t, 5)
		ctx := context.Background()
		if _, err := l.ConsumeBudgets(ctx, request(entry("a", hour, 3))); err != nil {
			t.Fatalf("consume 3: %v", err)
		}
		resp, err := l.ConsumeBudgets(ctx, request(entry("x", hour, 5), entry("a", hour, 3)))
		if !core.IsBudgetExhausted(err) || !reflect.DeepEqual(resp.ExhaustedIndices, []int{1}) {
			t.Fatalf("expected [1] exhausted, got %v %v", resp.ExhaustedIndices, err)
		}
		if _, err := l.ConsumeBudgets(ctx, request(entry("a", hour, 2))); err != nil {
			t.Fatalf("consume remaining 2: %v", err)
		}
	})

	t.Run("MultipleExhaustedSorted", func(t *testing.T) {
		l := open(t, 1)
		ctx := context.Background()
		if _, err := l.ConsumeBudgets(ctx, request(entry("a", hour, 1), entry("c", hour, 1))); err != nil {
			t.Fatalf("seed: %v", err)
		}
		resp, err := l.ConsumeBudgets(ctx, request(entry("c", hour, 1), entry("b", hour, 1), entry("a", hour, 1)))
		if !core.IsBudgetExhausted(err) || !reflect.DeepEqual(resp.ExhaustedIndices, []int{0, 2}) {
			t.Fatalf("expected [0 2], got %v %v", resp.ExhaustedIndices, err)
		}
	})

	t.Run("RejectsEmpty", func(t *testing.T) {
		l := open(t, 1)
		if _, err := l.ConsumeBudgets(context.Background(), request()); core.FailureCode(err) != core.CodeNoKeysAvailable {
			t.Fatalf("expected no_keys_available, got %v", err)
		}
	})

	t.Run("ConcurrentSingleWinner", func(t *testing.T) {
		l := open(t, 1)
		ctx := context.Background()
		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.ConsumeBudgets(ctx, request(entry("contended", hour, 1)))
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !core.IsBudgetExhausted(err) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})
}
