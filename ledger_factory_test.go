package pbsd

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"

	"pkt.systems/pbsd/internal/ledger/boltdb"
	"pkt.systems/pbsd/internal/ledger/memory"
	"pkt.systems/pbsd/internal/ledger/remote"
	"pkt.systems/pbsd/internal/ledger/sqlite"
	"pkt.systems/pslog"
)

func TestOpenLedgerSchemes(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]func(any) bool{
		"mem://":                                     func(v any) bool { _, ok := v.(*memory.Ledger); return ok },
		"bolt://" + filepath.Join(dir, "l.db"):       func(v any) bool { _, ok := v.(*boltdb.Ledger); return ok },
		"sqlite://" + filepath.Join(dir, "l.sqlite"): func(v any) bool { _, ok := v.(*sqlite.Ledger); return ok },
		"http://peer.example:9441":                   func(v any) bool { _, ok := v.(*remote.Ledger); return ok },
	}
	for raw, check := range cases {
		l, err := openLedger(context.Background(), Config{Ledger: raw, TokensPerBucket: 1}, pslog.NoopLogger())
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if !check(l) {
			t.Fatalf("%s: unexpected ledger type %T", raw, l)
		}
		_ = l.Close()
	}
}

func TestOpenLedgerErrors(t *testing.T) {
	for _, raw := range []string{"bolt://", "sqlite://", "s3://bucket"} {
		if _, err := openLedger(context.Background(), Config{Ledger: raw}, pslog.NoopLogger()); err == nil {
			t.Fatalf("%s: expected error", raw)
		}
	}
	if _, err := openLedger(context.Background(), Config{Ledger: "https://peer", ServeLedger: true}, pslog.NoopLogger()); err == nil {
		t.Fatalf("expected serve-ledger with remote ledger to fail")
	}
}

func TestLedgerPath(t *testing.T) {
	cases := map[string]string{
		"bolt:///var/lib/pbsd/ledger.db": "/var/lib/pbsd/ledger.db",
		"bolt://data/ledger.db":          "data/ledger.db",
	}
	for raw, want := range cases {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		got, err := ledgerPath(u)
		if err != nil || got != want {
			t.Fatalf("%s: expected %s, got %s (%v)", raw, want, got, err)
		}
	}
}
