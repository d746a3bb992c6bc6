package correlation

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestResolveKeepsInboundOrGenerates(t *testing.T) {
	ctx := Resolve(context.Background(), "client-cid")
	if got := ID(ctx); got != "client-cid" {
		t.Fatalf("expected inbound id, got %q", got)
	}
	ctx = Resolve(context.Background(), "\x01")
	id := ID(ctx)
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("generated id %q: %v", id, err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestSetIgnoresInvalid(t *testing.T) {
	ctx := Set(context.Background(), "")
	if ID(ctx) != "" {
		t.Fatalf("expected invalid set to be ignored")
	}
}
