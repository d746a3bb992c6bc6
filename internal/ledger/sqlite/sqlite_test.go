package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/ledger/ledgertest"
)

func TestLedgerSuite(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, capacity int) core.BudgetConsumer {
		l, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "ledger.sqlite"), Capacity: capacity})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = l.Close() })
		return l
	})
}

func TestUsageSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.sqlite")
	req := core.ConsumeBudgetsRequest{Budgets: []core.ConsumeBudgetMetadata{{BudgetKey: "k", TimeBucket: 1, TokenCount: 2}}}

	l, err := Open(ctx, Config{Path: path, Capacity: 3})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.ConsumeBudgets(ctx, req); err != nil {
		t.Fatalf("consume: %v", err)
	}
	_ = l.Close()

	l, err = Open(ctx, Config{Path: path, Capacity: 3})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	resp, err := l.ConsumeBudgets(ctx, req)
	if !core.IsBudgetExhausted(err) || len(resp.ExhaustedIndices) != 1 {
		t.Fatalf("expected exhaustion after reopen, got %v %v", resp, err)
	}
}

func TestClosedLedgerIsUnavailable(t *testing.T) {
	ctx := context.Background()
	l, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "ledger.sqlite")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = l.Close()
	req := core.ConsumeBudgetsRequest{Budgets: []core.ConsumeBudgetMetadata{{BudgetKey: "k", TimeBucket: 1, TokenCount: 1}}}
	if _, err := l.ConsumeBudgets(ctx, req); core.FailureCode(err) != core.CodeLedgerUnavailable {
		t.Fatalf("expected ledger_unavailable, got %v", err)
	}
}
