package memory

import (
	"context"
	"testing"

	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/ledger/ledgertest"
)

func TestLedgerSuite(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, capacity int) core.BudgetConsumer {
		l := New(capacity)
		t.Cleanup(func() { _ = l.Close() })
		return l
	})
}

func TestUsedAndClose(t *testing.T) {
	l := New(0)
	b := core.ConsumeBudgetMetadata{BudgetKey: "k", TimeBucket: 7, TokenCount: 1}
	if _, err := l.ConsumeBudgets(context.Background(), core.ConsumeBudgetsRequest{Budgets: []core.ConsumeBudgetMetadata{b}}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got := l.Used(b); got != 1 {
		t.Fatalf("expected 1 token used, got %d", got)
	}
	_ = l.Close()
	if _, err := l.ConsumeBudgets(context.Background(), core.ConsumeBudgetsRequest{Budgets: []core.ConsumeBudgetMetadata{b}}); core.FailureCode(err) != core.CodeLedgerUnavailable {
		t.Fatalf("expected ledger_unavailable after close, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := core.ConsumeBudgetMetadata{BudgetKey: "k", TimeBucket: 7, TokenCount: 1}
	if _, err := New(1).ConsumeBudgets(ctx, core.ConsumeBudgetsRequest{Budgets: []core.ConsumeBudgetMetadata{b}}); core.FailureCode(err) != core.CodeLedgerUnavailable {
		t.Fatalf("expected ledger_unavailable, got %v", err)
	}
}
