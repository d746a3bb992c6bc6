package pbsd

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/ledger/boltdb"
	"pkt.systems/pbsd/internal/ledger/memory"
	"pkt.systems/pbsd/internal/ledger/remote"
	"pkt.systems/pbsd/internal/ledger/sqlite"
	"pkt.systems/pslog"
)

// openLedger builds the budget ledger selected by cfg.Ledger.
func openLedger(ctx context.Context, cfg Config, logger pslog.Logger) (core.BudgetConsumer, error) {
	u, err := url.Parse(cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("parse ledger URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mem", "memory", "":
		return memory.New(cfg.TokensPerBucket), nil
	case "bolt":
		path, err := ledgerPath(u)
		if err != nil {
			return nil, err
		}
		logger.Info("ledger.bolt.open", "path", path)
		return boltdb.Open(boltdb.Config{Path: path, Capacity: cfg.TokensPerBucket})
	case "sqlite":
		path, err := ledgerPath(u)
		if err != nil {
			return nil, err
		}
		logger.Info("ledger.sqlite.open", "path", path)
		return sqlite.Open(ctx, sqlite.Config{Path: path, Capacity: cfg.TokensPerBucket})
	case "http", "https":
		if cfg.ServeLedger {
			return nil, fmt.Errorf("config: serve-ledger requires a local ledger, not %s", u.Scheme)
		}
		logger.Info("ledger.remote.open", "endpoint", u.Host)
		return remote.New(remote.Config{
			Endpoint: cfg.Ledger,
			Timeout:  cfg.RemoteLedgerTimeout,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("ledger scheme %q not supported", u.Scheme)
	}
}

// ledgerPath accepts scheme:///abs/path and scheme://relative/path.
func ledgerPath(u *url.URL) (string, error) {
	path := u.Host + u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%s ledger missing path (expected %s:///path/to/file)", u.Scheme, u.Scheme)
	}
	return path, nil
}
