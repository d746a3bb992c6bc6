package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"pkt.systems/pbsd/api"
	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/phasemetrics"
	"pkt.systems/pbsd/internal/txnheader"
)

const (
	testTxnID      = "3e0d2b6c-8f4a-4b49-9c4e-0d6f1c2a7b11"
	remoteIdentity = "remote-pbs.example"
	adtechDomain   = "adtech.example"
)

type countingCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingCounter) Init() error { return nil }
func (c *countingCounter) Run() error  { return nil }
func (c *countingCounter) Stop() error { return nil }
func (c *countingCounter) Increment(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[label]++
}

func (c *countingCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
}

type counterSet map[string]map[string]*countingCounter

func (cs counterSet) get(phase, name string) *countingCounter {
	return cs[phase][name]
}

// counterInitializer builds counting counters, optionally leaving some out.
func counterInitializer(skip ...[2]string) (phasemetrics.Initializer, counterSet) {
	set := counterSet{}
	initializer := phasemetrics.InitializerFunc(func(phasemetrics.InitConfig) (phasemetrics.Map, error) {
		m := phasemetrics.Map{}
		for _, phase := range phasemetrics.Phases {
			m[phase] = map[string]phasemetrics.Counter{}
			set[phase] = map[string]*countingCounter{}
			for _, name := range phasemetrics.CounterNames {
				omit := false
				for _, s := range skip {
					if s[0] == phase && s[1] == name {
						omit = true
					}
				}
				if omit {
					continue
				}
				c := &countingCounter{}
				m[phase][name] = c
				set[phase][name] = c
			}
		}
		return m, nil
	})
	return initializer, set
}

type recordingRegistrar struct {
	routes map[string]HandlerFunc
}

func (r *recordingRegistrar) RegisterResourceHandler(method, path string, handler HandlerFunc) error {
	if r.routes == nil {
		r.routes = map[string]HandlerFunc{}
	}
	r.routes[method+" "+path] = handler
	return nil
}

type goExecutor struct {
	err error
}

func (e goExecutor) Submit(task func()) error {
	if e.err != nil {
		return e.err
	}
	go task()
	return nil
}

type fakeConsumer struct {
	mu    sync.Mutex
	calls []core.ConsumeBudgetsRequest
	resp  core.ConsumeBudgetsResponse
	err   error
}

func (f *fakeConsumer) ConsumeBudgets(_ context.Context, req core.ConsumeBudgetsRequest) (core.ConsumeBudgetsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.resp, f.err
}

func (f *fakeConsumer) Close() error { return nil }

func (f *fakeConsumer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	svc      *Service
	counters counterSet
	consumer *fakeConsumer
	routes   *recordingRegistrar
}

func newFixture(t *testing.T, cfg Config, skip ...[2]string) *fixture {
	t.Helper()
	initializer, counters := counterInitializer(skip...)
	consumer := &fakeConsumer{}
	if cfg.BudgetConsumer == nil {
		cfg.BudgetConsumer = consumer
	}
	if cfg.Executor == nil {
		cfg.Executor = goExecutor{}
	}
	if cfg.RemoteCoordinatorClaimedIdentity == "" {
		cfg.RemoteCoordinatorClaimedIdentity = remoteIdentity
	}
	cfg.MetricInitializer = initializer
	svc := New(cfg)
	routes := &recordingRegistrar{}
	if err := svc.Init(routes); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := svc.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })
	return &fixture{svc: svc, counters: counters, consumer: consumer, routes: routes}
}

func validHeaders() http.Header {
	h := http.Header{}
	h.Set(api.HeaderTransactionID, testTxnID)
	h.Set(api.HeaderTransactionSecret, "secret")
	h.Set(api.HeaderLastExecutionTimestamp, "42")
	h.Set(api.HeaderClaimedIdentity, adtechDomain)
	return h
}

func newTestExchange(h http.Header, body string) *Exchange {
	return NewExchange(context.Background(), &Request{Header: h, Body: []byte(body), AuthorizedDomain: adtechDomain})
}

func waitDone(t *testing.T, ex *Exchange) error {
	t.Helper()
	select {
	case <-ex.Done():
		return ex.Result()
	case <-time.After(2 * time.Second):
		t.Fatalf("exchange did not finish")
		return nil
	}
}

func TestInitRequiresCollaborators(t *testing.T) {
	cases := map[string]Config{
		"identity": {BudgetConsumer: &fakeConsumer{}, Executor: goExecutor{}},
		"consumer": {RemoteCoordinatorClaimedIdentity: remoteIdentity, Executor: goExecutor{}},
		"executor": {RemoteCoordinatorClaimedIdentity: remoteIdentity, BudgetConsumer: &fakeConsumer{}},
	}
	for name, cfg := range cases {
		err := New(cfg).Init(&recordingRegistrar{})
		if core.FailureCode(err) != core.CodeInitializationFailed {
			t.Fatalf("%s: expected initialization_failed, got %v", name, err)
		}
	}
}

func TestInitRegistersSevenRoutes(t *testing.T) {
	f := newFixture(t, Config{})
	want := []string{
		"POST " + api.PathBegin,
		"POST " + api.PathPrepare,
		"POST " + api.PathCommit,
		"POST " + api.PathNotify,
		"POST " + api.PathAbort,
		"POST " + api.PathEnd,
		"GET " + api.PathStatus,
	}
	if len(f.routes.routes) != len(want) {
		t.Fatalf("expected %d routes, got %d", len(want), len(f.routes.routes))
	}
	for _, key := range want {
		if f.routes.routes[key] == nil {
			t.Fatalf("missing route %s", key)
		}
	}
	if !f.svc.Ready() {
		t.Fatalf("expected service to be ready after Run")
	}
}

func TestAcknowledgingPhasesSucceed(t *testing.T) {
	f := newFixture(t, Config{})
	phases := map[string]HandlerFunc{
		phasemetrics.PhaseBegin:  f.svc.BeginTransaction,
		phasemetrics.PhaseCommit: f.svc.CommitTransaction,
		phasemetrics.PhaseNotify: f.svc.NotifyTransaction,
		phasemetrics.PhaseAbort:  f.svc.AbortTransaction,
		phasemetrics.PhaseEnd:    f.svc.EndTransaction,
	}
	for phase, handler := range phases {
		for i := 0; i < 2; i++ {
			ex := newTestExchange(validHeaders(), "")
			if err := handler(ex); err != nil {
				t.Fatalf("%s: %v", phase, err)
			}
			if !ex.Finished() || ex.Result() != nil {
				t.Fatalf("%s: expected finished success, got %v", phase, ex.Result())
			}
			if got := ex.Response.Header.Get(api.HeaderLastExecutionTimestamp); got != txnheader.CompatLastExecutionTimestamp {
				t.Fatalf("%s: expected compat header, got %q", phase, got)
			}
		}
		if got := f.counters.get(phase, phasemetrics.TotalRequest).counts[adtechDomain]; got != 2 {
			t.Fatalf("%s: expected 2 total requests for %s, got %d", phase, adtechDomain, got)
		}
		if got := f.counters.get(phase, phasemetrics.ClientError).total(); got != 0 {
			t.Fatalf("%s: expected no client errors, got %d", phase, got)
		}
	}
	if f.consumer.callCount() != 0 {
		t.Fatalf("acknowledging phases must not consume budgets")
	}
}

func TestBeginWithoutTimestampSucceeds(t *testing.T) {
	f := newFixture(t, Config{})
	h := validHeaders()
	h.Del(api.HeaderLastExecutionTimestamp)
	if err := f.svc.BeginTransaction(newTestExchange(h, "")); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := f.svc.CommitTransaction(newTestExchange(h, "")); core.FailureCode(err) != core.CodeInvalidRequest {
		t.Fatalf("commit without timestamp: expected invalid_request, got %v", err)
	}
}

func TestBeginMissingSecretCountsClientError(t *testing.T) {
	f := newFixture(t, Config{})
	h := validHeaders()
	h.Del(api.HeaderTransactionSecret)
	ex := newTestExchange(h, "")
	err := f.svc.BeginTransaction(ex)
	if core.FailureCode(err) != core.CodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	if ex.Finished() {
		t.Fatalf("synchronous failures are finished by the caller")
	}
	if got := f.counters.get(phasemetrics.PhaseBegin, phasemetrics.ClientError).total(); got != 1 {
		t.Fatalf("expected exactly one client error, got %d", got)
	}
	if got := f.counters.get(phasemetrics.PhaseBegin, phasemetrics.ServerError).total(); got != 0 {
		t.Fatalf("expected no server errors, got %d", got)
	}
}

func TestPrepareInvalidHeadersSkipsConsumer(t *testing.T) {
	f := newFixture(t, Config{})
	h := validHeaders()
	h.Del(api.HeaderTransactionID)
	body := `{"v":"1.0","t":[{"key":"A","reporting_time":"2024-05-01T13:00:00Z"}]}`
	if err := f.svc.PrepareTransaction(newTestExchange(h, body)); core.FailureCode(err) != core.CodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	if f.consumer.callCount() != 0 {
		t.Fatalf("consumer must not be called")
	}
}

func TestPrepareEmptyListFailsWithNoKeys(t *testing.T) {
	f := newFixture(t, Config{})
	ex := newTestExchange(validHeaders(), `{"v":"1.0","t":[]}`)
	err := f.svc.PrepareTransaction(ex)
	if core.FailureCode(err) != core.CodeNoKeysAvailable {
		t.Fatalf("expected no_keys_available, got %v", err)
	}
	if f.consumer.callCount() != 0 {
		t.Fatalf("consumer must not be called for an empty list")
	}
	if got := f.counters.get(phasemetrics.PhasePrepare, phasemetrics.ClientError).total(); got != 1 {
		t.Fatalf("expected one client error, got %d", got)
	}
}

func TestPrepareMalformedBodyCountsClientError(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.svc.PrepareTransaction(newTestExchange(validHeaders(), `{"v":"1.0"`))
	if core.FailureCode(err) != core.CodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	if got := f.counters.get(phasemetrics.PhasePrepare, phasemetrics.ClientError).total(); got != 1 {
		t.Fatalf("expected one client error, got %d", got)
	}
}

func TestPrepareSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	body := `{"v":"1.0","t":[{"key":"A","token":1,"reporting_time":"2024-05-01T13:00:00Z"}]}`
	ex := newTestExchange(validHeaders(), body)
	if err := f.svc.PrepareTransaction(ex); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := waitDone(t, ex); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got := ex.Response.Header.Get(api.HeaderLastExecutionTimestamp); got != txnheader.CompatLastExecutionTimestamp {
		t.Fatalf("expected compat header, got %q", got)
	}
	if f.consumer.callCount() != 1 {
		t.Fatalf("expected one consume call, got %d", f.consumer.callCount())
	}
	call := f.consumer.calls[0]
	if call.TransactionID != testTxnID || len(call.Budgets) != 1 || call.Budgets[0].BudgetKey != adtechDomain+"/A" {
		t.Fatalf("unexpected consume request %+v", call)
	}
}

func TestPrepareExhaustionReportsIndices(t *testing.T) {
	f := newFixture(t, Config{})
	f.consumer.resp = core.ConsumeBudgetsResponse{ExhaustedIndices: []int{0}}
	f.consumer.err = core.BudgetExhausted(1)
	body := `{"v":"1.0","t":[{"key":"A","token":1,"reporting_time":"2024-05-01T13:00:00Z"}]}`
	ex := newTestExchange(validHeaders(), body)
	if err := f.svc.PrepareTransaction(ex); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	result := waitDone(t, ex)
	if !core.IsBudgetExhausted(result) {
		t.Fatalf("expected budget exhaustion, got %v", result)
	}
	var decoded api.BudgetExhaustedResponse
	if err := json.Unmarshal(ex.Response.Body, &decoded); err != nil {
		t.Fatalf("decode body %q: %v", ex.Response.Body, err)
	}
	if len(decoded.FailedIndices) != 1 || decoded.FailedIndices[0] != 0 {
		t.Fatalf("expected indices [0], got %v", decoded.FailedIndices)
	}
	if got := f.counters.get(phasemetrics.PhasePrepare, phasemetrics.ServerError).total(); got != 1 {
		t.Fatalf("expected exhaustion to count as server error, got %d", got)
	}
}

func TestPrepareSerializationFailureKeepsExhaustion(t *testing.T) {
	f := newFixture(t, Config{})
	f.svc.serializeExhausted = func([]int) ([]byte, error) { return nil, errors.New("encode failed") }
	f.consumer.resp = core.ConsumeBudgetsResponse{ExhaustedIndices: []int{1}}
	f.consumer.err = core.BudgetExhausted(1)
	body := `{"v":"1.0","t":[{"key":"A","reporting_time":"2024-05-01T13:00:00Z"},{"key":"B","reporting_time":"2024-05-01T13:00:00Z"}]}`
	ex := newTestExchange(validHeaders(), body)
	if err := f.svc.PrepareTransaction(ex); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if result := waitDone(t, ex); !core.IsBudgetExhausted(result) {
		t.Fatalf("expected original exhaustion result, got %v", result)
	}
	if len(ex.Response.Body) != 0 {
		t.Fatalf("expected empty body, got %q", ex.Response.Body)
	}
}

func TestPrepareConsumerFailurePropagates(t *testing.T) {
	f := newFixture(t, Config{})
	f.consumer.err = core.LedgerUnavailable(errors.New("disk gone"))
	ex := newTestExchange(validHeaders(), `{"v":"1.0","t":[{"key":"A","reporting_time":"2024-05-01T13:00:00Z"}]}`)
	if err := f.svc.PrepareTransaction(ex); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if result := waitDone(t, ex); core.FailureCode(result) != core.CodeLedgerUnavailable {
		t.Fatalf("expected ledger_unavailable, got %v", result)
	}
	if len(ex.Response.Body) != 0 {
		t.Fatalf("non-exhaustion failures carry no body")
	}
	if got := f.counters.get(phasemetrics.PhasePrepare, phasemetrics.ServerError).total(); got != 1 {
		t.Fatalf("expected one server error, got %d", got)
	}
}

func TestPrepareDispatchFailureCountsClientError(t *testing.T) {
	f := newFixture(t, Config{Executor: goExecutor{err: core.ExecutorUnavailable("stopped")}})
	ex := newTestExchange(validHeaders(), `{"v":"1.0","t":[{"key":"A","reporting_time":"2024-05-01T13:00:00Z"}]}`)
	err := f.svc.PrepareTransaction(ex)
	if core.FailureCode(err) != core.CodeExecutorUnavailable {
		t.Fatalf("expected executor_unavailable, got %v", err)
	}
	if ex.Finished() {
		t.Fatalf("dispatch failures are finished by the caller")
	}
	if got := f.counters.get(phasemetrics.PhasePrepare, phasemetrics.ClientError).total(); got != 1 {
		t.Fatalf("expected one client error, got %d", got)
	}
}

func TestPrepareMissingServerErrorCounterFinishesWithLookupFailure(t *testing.T) {
	f := newFixture(t, Config{}, [2]string{phasemetrics.PhasePrepare, phasemetrics.ServerError})
	ex := newTestExchange(validHeaders(), `{"v":"1.0","t":[{"key":"A","reporting_time":"2024-05-01T13:00:00Z"}]}`)
	if err := f.svc.PrepareTransaction(ex); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if result := waitDone(t, ex); core.FailureCode(result) != core.CodeMetricNotFound {
		t.Fatalf("expected metric_not_found, got %v", result)
	}
}

func TestMissingTotalCounterFailsSynchronously(t *testing.T) {
	f := newFixture(t, Config{}, [2]string{phasemetrics.PhaseBegin, phasemetrics.TotalRequest})
	if err := f.svc.BeginTransaction(newTestExchange(validHeaders(), "")); core.FailureCode(err) != core.CodeMetricNotFound {
		t.Fatalf("expected metric_not_found, got %v", err)
	}
}

func TestGetStatusAlwaysNotSupported(t *testing.T) {
	f := newFixture(t, Config{})
	for _, h := range []http.Header{validHeaders(), {}} {
		ex := newTestExchange(h, "")
		if err := f.svc.GetTransactionStatus(ex); core.FailureCode(err) != core.CodeStatusNotSupported {
			t.Fatalf("expected status not supported, got %v", err)
		}
	}
	for _, name := range phasemetrics.CounterNames {
		if got := f.counters.get(phasemetrics.PhaseStatus, name).total(); got != 0 {
			t.Fatalf("status must not touch %s, got %d", name, got)
		}
	}
}

func TestPrepareSiteModeUsesTransactionOrigin(t *testing.T) {
	f := newFixture(t, Config{AdtechSiteAsAuthorizedDomain: true})
	h := validHeaders()
	h.Set(api.HeaderClaimedIdentity, remoteIdentity)
	h.Set(api.HeaderTransactionOrigin, "https://origin.example")
	ex := NewExchange(context.Background(), &Request{
		Header:           h,
		Body:             []byte(`{"v":"1.0","t":[{"key":"A","reporting_time":"2024-05-01T13:00:00Z"}]}`),
		AuthorizedDomain: remoteIdentity,
	})
	if err := f.svc.PrepareTransaction(ex); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := waitDone(t, ex); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got := f.consumer.calls[0].Budgets[0].BudgetKey; got != "https://origin.example/A" {
		t.Fatalf("expected key scoped by transaction origin, got %q", got)
	}
	if got := f.counters.get(phasemetrics.PhasePrepare, phasemetrics.TotalRequest).counts["https://origin.example"]; got != 1 {
		t.Fatalf("expected remote call attributed to its origin, got %d", got)
	}
}

func TestExchangeFinishesOnce(t *testing.T) {
	ex := NewExchange(context.Background(), nil)
	if !ex.Finish(nil) {
		t.Fatalf("first finish must complete the exchange")
	}
	if ex.Finish(errors.New("late")) {
		t.Fatalf("second finish must be ignored")
	}
	if ex.Result() != nil {
		t.Fatalf("result must keep the first value, got %v", ex.Result())
	}
}
