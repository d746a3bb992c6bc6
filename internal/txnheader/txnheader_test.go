package txnheader

import (
	"net/http"
	"testing"

	"pkt.systems/pbsd/api"
	"pkt.systems/pbsd/internal/core"
)

const testTxnID = "3e0d2b6c-8f4a-4b49-9c4e-0d6f1c2a7b11"

func validHeaders() http.Header {
	h := http.Header{}
	h.Set(api.HeaderTransactionID, testTxnID)
	h.Set(api.HeaderTransactionSecret, "secret")
	h.Set(api.HeaderLastExecutionTimestamp, "987654321")
	return h
}

func TestExtractBackwardCompatibleValid(t *testing.T) {
	id, err := ExtractBackwardCompatible(validHeaders(), true)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if id != testTxnID {
		t.Fatalf("expected %s, got %s", testTxnID, id)
	}
}

func TestExtractBackwardCompatibleFailures(t *testing.T) {
	cases := map[string]func(http.Header){
		"missing id":     func(h http.Header) { h.Del(api.HeaderTransactionID) },
		"short id":       func(h http.Header) { h.Set(api.HeaderTransactionID, "1234") },
		"bad id":         func(h http.Header) { h.Set(api.HeaderTransactionID, "zz0d2b6c-8f4a-4b49-9c4e-0d6f1c2a7b11") },
		"missing secret": func(h http.Header) { h.Del(api.HeaderTransactionSecret) },
		"blank secret":   func(h http.Header) { h.Set(api.HeaderTransactionSecret, "  ") },
		"bad timestamp":  func(h http.Header) { h.Set(api.HeaderLastExecutionTimestamp, "-1") },
		"no timestamp":   func(h http.Header) { h.Del(api.HeaderLastExecutionTimestamp) },
	}
	for name, mutate := range cases {
		h := validHeaders()
		mutate(h)
		_, err := ExtractBackwardCompatible(h, true)
		if core.FailureCode(err) != core.CodeInvalidRequest {
			t.Fatalf("%s: expected invalid_request, got %v", name, err)
		}
	}
	if _, err := ExtractBackwardCompatible(nil, false); core.FailureCode(err) != core.CodeInvalidRequest {
		t.Fatalf("nil headers: expected invalid_request, got %v", err)
	}
}

func TestTimestampOnlyCheckedWhenRequested(t *testing.T) {
	h := validHeaders()
	h.Del(api.HeaderLastExecutionTimestamp)
	if _, err := ExtractBackwardCompatible(h, false); err != nil {
		t.Fatalf("expected success without timestamp, got %v", err)
	}
}

func TestInsertBackwardCompatible(t *testing.T) {
	h := http.Header{}
	InsertBackwardCompatible(h)
	if got := h.Get(api.HeaderLastExecutionTimestamp); got != CompatLastExecutionTimestamp {
		t.Fatalf("expected %s, got %q", CompatLastExecutionTimestamp, got)
	}
	InsertBackwardCompatible(nil)
}

func TestResolveTransactionOrigin(t *testing.T) {
	h := http.Header{}
	if got := ResolveTransactionOrigin(h, "adtech.example"); got != "adtech.example" {
		t.Fatalf("expected authorized domain, got %q", got)
	}
	h.Set(api.HeaderTransactionOrigin, "origin.example")
	if got := ResolveTransactionOrigin(h, "adtech.example"); got != "origin.example" {
		t.Fatalf("expected header origin, got %q", got)
	}
}

func TestReportingOriginLabel(t *testing.T) {
	h := http.Header{}
	if got := ReportingOriginLabel(h, "", "peer"); got != UnknownOrigin {
		t.Fatalf("expected unknown, got %q", got)
	}
	h.Set(api.HeaderClaimedIdentity, "adtech.example")
	if got := ReportingOriginLabel(h, "adtech.example", "peer"); got != "adtech.example" {
		t.Fatalf("expected authorized domain, got %q", got)
	}
	h.Set(api.HeaderClaimedIdentity, "peer")
	if got := ReportingOriginLabel(h, "peer", "peer"); got != "peer" {
		t.Fatalf("expected peer identity, got %q", got)
	}
	h.Set(api.HeaderTransactionOrigin, "origin.example")
	if got := ReportingOriginLabel(h, "peer", "peer"); got != "origin.example" {
		t.Fatalf("expected delegated origin, got %q", got)
	}
}
