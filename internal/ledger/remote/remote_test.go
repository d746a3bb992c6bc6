package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"pkt.systems/pbsd/api"
	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/correlation"
	"pkt.systems/pbsd/internal/ledger/ledgertest"
	"pkt.systems/pbsd/internal/ledger/memory"
)

// peer serves the consume endpoint backed by a memory ledger.
func peer(t *testing.T, capacity int) *httptest.Server {
	t.Helper()
	backing := memory.New(capacity)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != api.PathConsumeBudgets || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req api.ConsumeBudgetsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: core.CodeInvalidRequest})
			return
		}
		creq := core.ConsumeBudgetsRequest{TransactionID: req.TransactionID}
		for _, b := range req.Budgets {
			creq.Budgets = append(creq.Budgets, core.ConsumeBudgetMetadata{BudgetKey: b.Key, TimeBucket: b.TimeBucket, TokenCount: b.Tokens})
		}
		resp, err := backing.ConsumeBudgets(r.Context(), creq)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			var f core.Failure
			f, _ = err.(core.Failure)
			w.WriteHeader(f.HTTPStatus)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: f.Code, Detail: f.Detail, ExhaustedIndices: resp.ExhaustedIndices})
			return
		}
		_ = json.NewEncoder(w).Encode(api.ConsumeBudgetsResponse{ExhaustedIndices: resp.ExhaustedIndices})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLedgerSuite(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, capacity int) core.BudgetConsumer {
		l, err := New(Config{Endpoint: peer(t, capacity).URL})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		t.Cleanup(func() { _ = l.Close() })
		return l
	})
}

func TestForwardsCorrelationAndUserAgent(t *testing.T) {
	var gotCorrelation, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get(correlation.Header)
		gotAgent = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	l, err := New(Config{Endpoint: srv.URL + "/"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := correlation.Set(context.Background(), "corr-123")
	req := core.ConsumeBudgetsRequest{Budgets: []core.ConsumeBudgetMetadata{{BudgetKey: "k", TimeBucket: 1, TokenCount: 1}}}
	if _, err := l.ConsumeBudgets(ctx, req); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if gotCorrelation != "corr-123" {
		t.Fatalf("expected correlation id forwarded, got %q", gotCorrelation)
	}
	if gotAgent == "" {
		t.Fatalf("expected user agent")
	}
}

func TestExhaustionRebuilt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"budget_exhausted","detail":"2 budget key(s) exhausted","exhausted_indices":[0,3]}`))
	}))
	defer srv.Close()
	l, _ := New(Config{Endpoint: srv.URL})
	resp, err := l.ConsumeBudgets(context.Background(), core.ConsumeBudgetsRequest{})
	if !core.IsBudgetExhausted(err) {
		t.Fatalf("expected budget_exhausted, got %v", err)
	}
	if !reflect.DeepEqual(resp.ExhaustedIndices, []int{0, 3}) {
		t.Fatalf("unexpected indices %v", resp.ExhaustedIndices)
	}
}

func TestUnexpectedStatusIsLedgerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream"))
	}))
	defer srv.Close()
	l, _ := New(Config{Endpoint: srv.URL})
	if _, err := l.ConsumeBudgets(context.Background(), core.ConsumeBudgetsRequest{}); core.FailureCode(err) != core.CodeLedgerUnavailable {
		t.Fatalf("expected ledger_unavailable, got %v", err)
	}
}

func TestUnreachablePeer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()
	l, _ := New(Config{Endpoint: endpoint})
	if _, err := l.ConsumeBudgets(context.Background(), core.ConsumeBudgetsRequest{}); core.FailureCode(err) != core.CodeLedgerUnavailable {
		t.Fatalf("expected ledger_unavailable, got %v", err)
	}
}

func TestNewRejectsBadEndpoints(t *testing.T) {
	for _, endpoint := range []string{"", "ftp://x", "http://", "::"} {
		if _, err := New(Config{Endpoint: endpoint}); err == nil {
			t.Fatalf("%q: expected error", endpoint)
		}
	}
}
