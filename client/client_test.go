package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"pkt.systems/pbsd/api"
)

type captured struct {
	method string
	path   string
	header http.Header
	body   string
}

func recordingServer(t *testing.T, status int, respBody string) (*httptest.Server, *[]captured) {
	t.Helper()
	var calls []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls = append(calls, captured{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: string(body)})
		w.Header().Set(api.HeaderLastExecutionTimestamp, "1234")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestPhasesSendTransactionHeaders(t *testing.T) {
	srv, calls := recordingServer(t, http.StatusOK, "")
	cli, err := New(srv.URL+"/", WithClaimedIdentity("adtech.example"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	txn := NewTransaction("s3cret")
	txn.Origin = "origin.example"
	ctx := WithCorrelationID(context.Background(), "cid-1")

	phases := []struct {
		path string
		call func(context.Context, Transaction) (*PhaseResponse, error)
	}{
		{api.PathBegin, cli.Begin},
		{api.PathCommit, cli.Commit},
		{api.PathNotify, cli.Notify},
		{api.PathAbort, cli.Abort},
		{api.PathEnd, cli.End},
	}
	for i, p := range phases {
		resp, err := p.call(ctx, txn)
		if err != nil {
			t.Fatalf("%s: %v", p.path, err)
		}
		if resp.LastExecutionTimestamp != "1234" {
			t.Fatalf("%s: expected compat header, got %q", p.path, resp.LastExecutionTimestamp)
		}
		got := (*calls)[i]
		if got.method != http.MethodPost || got.path != p.path {
			t.Fatalf("unexpected request %s %s", got.method, got.path)
		}
		if got.header.Get(api.HeaderTransactionID) != txn.ID ||
			got.header.Get(api.HeaderTransactionSecret) != "s3cret" ||
			got.header.Get(api.HeaderLastExecutionTimestamp) != "0" ||
			got.header.Get(api.HeaderTransactionOrigin) != "origin.example" ||
			got.header.Get(api.HeaderClaimedIdentity) != "adtech.example" ||
			got.header.Get(api.HeaderCorrelationID) != "cid-1" {
			t.Fatalf("%s: unexpected headers %v", p.path, got.header)
		}
	}
}

func TestPrepareV1EncodesBody(t *testing.T) {
	srv, calls := recordingServer(t, http.StatusOK, "")
	cli, _ := New(srv.URL)
	keys := []api.BudgetKey{{Key: "a", Token: 2, ReportingTime: "2024-05-01T13:00:00Z"}}
	if _, err := cli.PrepareV1(context.Background(), NewTransaction("s"), keys); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var decoded api.PrepareRequestV1
	if err := json.Unmarshal([]byte((*calls)[0].body), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Version != api.BudgetRequestV1 || !reflect.DeepEqual(decoded.Budgets, keys) {
		t.Fatalf("unexpected body %+v", decoded)
	}
}

func TestPrepareV2EncodesBody(t *testing.T) {
	srv, calls := recordingServer(t, http.StatusOK, "")
	cli, _ := New(srv.URL)
	data := []api.ReportingOriginBudgets{{ReportingOrigin: "https://r.example", Keys: []api.BudgetKey{{Key: "k", ReportingTime: "2024-05-01T13:00:00Z"}}}}
	if _, err := cli.PrepareV2(context.Background(), NewTransaction("s"), data); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !strings.Contains((*calls)[0].body, `"v":"2.0"`) || !strings.Contains((*calls)[0].body, `"reporting_origin":"https://r.example"`) {
		t.Fatalf("unexpected body %s", (*calls)[0].body)
	}
}

func TestPrepareExhaustion(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusConflict, `{"v":"1.0","f":[0,2]}`)
	cli, _ := New(srv.URL)
	_, err := cli.Prepare(context.Background(), NewTransaction("s"), []byte(`{}`))
	indices, ok := ExhaustedIndices(err)
	if !ok || !reflect.DeepEqual(indices, []int{0, 2}) {
		t.Fatalf("expected exhausted [0 2], got %v (%v)", indices, err)
	}
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusNotFound, `{"error":"transaction_status_not_supported","detail":"nope"}`)
	cli, _ := New(srv.URL)
	_, err := cli.Status(context.Background(), NewTransaction("s"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Response.ErrorCode != "transaction_status_not_supported" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if _, ok := ExhaustedIndices(err); ok {
		t.Fatalf("status error must not report exhaustion")
	}
}

func TestTransactionIDRequired(t *testing.T) {
	cli, _ := New("http://127.0.0.1:1")
	if _, err := cli.Begin(context.Background(), Transaction{}); err == nil {
		t.Fatalf("expected error for empty transaction id")
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://x", "unix://"} {
		if _, err := New(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "pbsd.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.HealthResponse{Status: "ok"})
	})}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	cli, err := New("unix://" + sock)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	health, err := cli.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected health %+v", health)
	}
}
