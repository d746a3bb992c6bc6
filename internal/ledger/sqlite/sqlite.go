// Package sqlite persists budget usage in an SQLite database using the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/ledger"
)

const schema = `CREATE TABLE IF NOT EXISTS budget_usage (
	bucket_id TEXT PRIMARY KEY,
	tokens INTEGER NOT NULL
)`

// Config configures the SQLite ledger.
type Config struct {
	Path     string
	Capacity int
}

// Ledger implements core.BudgetConsumer on SQLite. A single connection
// serializes writers; each request is one SQL transaction.
type Ledger struct {
	db       *sql.DB
	capacity int
}

// Open opens (or creates) the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite ledger: path required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite ledger: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite ledger: open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ledger: create schema: %w", err)
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = ledger.DefaultCapacity
	}
	return &Ledger{db: db, capacity: capacity}, nil
}

// ConsumeBudgets consumes every entry or none.
func (l *Ledger) ConsumeBudgets(ctx context.Context, req core.ConsumeBudgetsRequest) (core.ConsumeBudgetsResponse, error) {
	if err := ledger.Validate(req); err != nil {
		return core.ConsumeBudgetsResponse{}, err
	}
	plan, err := l.consume(ctx, req)
	if err != nil {
		return core.ConsumeBudgetsResponse{}, core.LedgerUnavailable(err)
	}
	return plan.Result()
}

func (l *Ledger) consume(ctx context.Context, req core.ConsumeBudgetsRequest) (ledger.Plan, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Plan{}, err
	}
	defer func() { _ = tx.Rollback() }()

	plan, err := ledger.Evaluate(req, l.capacity, func(id string) (int, error) {
		var tokens int
		err := tx.QueryRowContext(ctx, `SELECT tokens FROM budget_usage WHERE bucket_id = ?`, id).Scan(&tokens)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return tokens, err
	})
	if err != nil {
		return ledger.Plan{}, err
	}
	if len(plan.Exhausted) > 0 {
		return plan, nil
	}
	for id, total := range plan.Totals {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO budget_usage (bucket_id, tokens) VALUES (?, ?)
			 ON CONFLICT(bucket_id) DO UPDATE SET tokens = excluded.tokens`, id, total); err != nil {
			return ledger.Plan{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.Plan{}, err
	}
	return plan, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
