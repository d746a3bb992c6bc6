// Package boltdb persists budget usage in a single bolt database file.
package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/ledger"
)

var usageBucket = []byte("budget_usage")

// Config configures the bolt ledger.
type Config struct {
	Path        string
	Capacity    int
	OpenTimeout time.Duration
}

// Ledger implements core.BudgetConsumer on bolt. Each request runs in one
// read-write transaction so consumption is all-or-nothing.
type Ledger struct {
	db       *bolt.DB
	capacity int
}

// Open opens (or creates) the database at cfg.Path.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt ledger: path required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("bolt ledger: create dir: %w", err)
		}
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("bolt ledger: open %s: %w", cfg.Path, err)
	}
	if err := db.Update(func(btx *bolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(usageBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt ledger: init bucket: %w", err)
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = ledger.DefaultCapacity
	}
	return &Ledger{db: db, capacity: capacity}, nil
}

// ConsumeBudgets consumes every entry or none.
func (l *Ledger) ConsumeBudgets(ctx context.Context, req core.ConsumeBudgetsRequest) (core.ConsumeBudgetsResponse, error) {
	if err := ctx.Err(); err != nil {
		return core.ConsumeBudgetsResponse{}, core.LedgerUnavailable(err)
	}
	if err := ledger.Validate(req); err != nil {
		return core.ConsumeBudgetsResponse{}, err
	}
	var plan ledger.Plan
	err := l.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(usageBucket)
		if b == nil {
			return fmt.Errorf("bucket %s missing", usageBucket)
		}
		var err error
		plan, err = ledger.Evaluate(req, l.capacity, func(id string) (int, error) {
			return decodeUsage(b.Get([]byte(id)))
		})
		if err != nil {
			return err
		}
		for id, total := range plan.Totals {
			if err := b.Put([]byte(id), encodeUsage(total)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return core.ConsumeBudgetsResponse{}, core.LedgerUnavailable(err)
	}
	return plan.Result()
}

// Close closes the database file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func encodeUsage(n int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(n))
	return buf
}

func decodeUsage(raw []byte) (int, error) {
	if raw == nil {
		return 0, nil
	}
	if len(raw) != 4 {
		return 0, fmt.Errorf("corrupt usage record (%d bytes)", len(raw))
	}
	return int(binary.BigEndian.Uint32(raw)), nil
}
