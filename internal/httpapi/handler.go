package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pbsd/api"
	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/core/transport"
	"pkt.systems/pbsd/internal/correlation"
	"pkt.systems/pbsd/internal/frontend"
	"pkt.systems/pbsd/internal/svcfields"
	"pkt.systems/pbsd/internal/version"
	"pkt.systems/pslog"
)

// DefaultBodyMaxBytes caps prepare bodies when Config.BodyMaxBytes is unset.
const DefaultBodyMaxBytes = 1 << 20

const ledgerBodyLimit = 4 << 20

// Config wires the HTTP adapter.
type Config struct {
	Logger pslog.Logger
	// Ready reports whether the coordinator finished starting.
	Ready func() bool
	// Ledger, when set, is exposed to peers on api.PathConsumeBudgets.
	Ledger             core.BudgetConsumer
	BodyMaxBytes       int64
	HTTPTracingEnabled bool
}

type route struct {
	method  string
	handler frontend.HandlerFunc
}

// Handler adapts frontend phase handlers to net/http.
type Handler struct {
	logger             pslog.Logger
	tracer             trace.Tracer
	ready              func() bool
	ledger             core.BudgetConsumer
	bodyMaxBytes       int64
	httpTracingEnabled bool

	mu     sync.Mutex
	routes map[string]route
}

// New builds a handler from cfg.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	limit := cfg.BodyMaxBytes
	if limit <= 0 {
		limit = DefaultBodyMaxBytes
	}
	return &Handler{
		logger:             logger,
		tracer:             otel.Tracer("pkt.systems/pbsd/httpapi"),
		ready:              cfg.Ready,
		ledger:             cfg.Ledger,
		bodyMaxBytes:       limit,
		httpTracingEnabled: cfg.HTTPTracingEnabled,
		routes:             make(map[string]route),
	}
}

// RegisterResourceHandler records a phase handler for path. Registering the
// same path twice is an error.
func (h *Handler) RegisterResourceHandler(method, path string, handler frontend.HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("httpapi: nil handler for %s", path)
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("httpapi: path %q must be absolute", path)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.routes[path]; exists {
		return fmt.Errorf("httpapi: duplicate route %s", path)
	}
	h.routes[path] = route{method: method, handler: handler}
	return nil
}

// Register wires the registered phase routes, the optional ledger endpoint
// and health endpoints onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	h.mu.Lock()
	paths := make([]string, 0, len(h.routes))
	for path := range h.routes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		rt := h.routes[path]
		mux.Handle(path, h.wrap(operationName(path), h.serveExchange(rt)))
	}
	h.mu.Unlock()
	if h.ledger != nil {
		mux.Handle(api.PathConsumeBudgets, h.wrap("budgets.consume", h.handleConsumeBudgets))
	}
	mux.Handle(api.PathHealthz, h.wrap("healthz", h.handleHealth))
	mux.Handle(api.PathReadyz, h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// httpError is an adapter-level failure that never reaches the coordinator.
type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "pbsd.http." + operation
	txSpanName := "pbsd.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := correlation.NewID()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("pbsd.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("pbsd.operation", operation),
				attribute.String("pbsd.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		ctx = correlation.Resolve(ctx, r.Header.Get(correlation.Header))
		cid := correlation.ID(ctx)
		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"cid", cid,
			"method", r.Method,
			"path", r.URL.Path,
		)
		if instrument {
			span.SetAttributes(attribute.String("pbsd.correlation_id", cid))
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(correlation.Header, cid)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		err := fn(w, r)
		if err == nil {
			if instrument {
				span.SetStatus(codes.Ok, "")
			}
			logger.Trace("http.request.complete", "elapsed", time.Since(start))
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if instrument {
				span.SetStatus(codes.Error, "context_canceled")
			}
			logger.Debug("http.request.canceled", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, httpError{Status: http.StatusServiceUnavailable, Code: "request_canceled", Detail: err.Error()})
			return
		}
		if instrument {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			if herr, ok := transport.ToHTTP(err); ok {
				span.SetAttributes(
					attribute.String("pbsd.error_code", herr.Code),
					attribute.Int("pbsd.error_status", herr.Status),
				)
			}
		}
		logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
		h.handleError(ctx, w, err)
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

// serveExchange runs one phase handler and renders its completion.
func (h *Handler) serveExchange(rt route) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		if r.Method != rt.method {
			w.Header().Set("Allow", rt.method)
			return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported method: " + rt.method}
		}
		body, err := readBody(w, r, h.bodyMaxBytes)
		if err != nil {
			return err
		}
		ctx := r.Context()
		ex := frontend.NewExchange(ctx, &frontend.Request{
			Header:           r.Header.Clone(),
			Body:             body,
			AuthorizedDomain: strings.TrimSpace(r.Header.Get(api.HeaderClaimedIdentity)),
		})
		if err := rt.handler(ex); err != nil {
			ex.Finish(err)
		}
		if err := ex.Wait(ctx); !ex.Finished() {
			return err
		}
		result := ex.Result()
		for k, vals := range ex.Response.Header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		if result == nil {
			if len(ex.Response.Body) > 0 {
				w.Header().Set("Content-Type", "application/json")
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(ex.Response.Body)
			return nil
		}
		if len(ex.Response.Body) > 0 {
			status := http.StatusInternalServerError
			if herr, ok := transport.ToHTTP(result); ok {
				status = herr.Status
			}
			h.loggerFrom(ctx).Debug("http.request.failure", "status", status, "error", result)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write(ex.Response.Body)
			return nil
		}
		return result
	}
}

// handleConsumeBudgets serves the local ledger to peer front ends.
func (h *Handler) handleConsumeBudgets(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported method: POST"}
	}
	raw, err := readBody(w, r, ledgerBodyLimit)
	if err != nil {
		return err
	}
	var payload api.ConsumeBudgetsRequest
	if err := json.Unmarshal(raw, &payload); err != nil {
		return core.InvalidRequest("decode consume request: %v", err)
	}
	req := core.ConsumeBudgetsRequest{TransactionID: payload.TransactionID}
	for _, b := range payload.Budgets {
		req.Budgets = append(req.Budgets, core.ConsumeBudgetMetadata{BudgetKey: b.Key, TimeBucket: b.TimeBucket, TokenCount: b.Tokens})
	}
	resp, err := h.ledger.ConsumeBudgets(r.Context(), req)
	if err != nil {
		if core.IsBudgetExhausted(err) {
			herr, _ := transport.ToHTTP(err)
			h.writeJSON(w, herr.Status, api.ErrorResponse{
				ErrorCode:        herr.Code,
				Detail:           herr.Detail,
				ExhaustedIndices: resp.ExhaustedIndices,
			}, nil)
			return nil
		}
		return err
	}
	h.writeJSON(w, http.StatusOK, api.ConsumeBudgetsResponse{ExhaustedIndices: resp.ExhaustedIndices}, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: version.Current()}, nil)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil && !h.ready() {
		h.writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "starting", Version: version.Current()}, nil)
		return nil
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: version.Current()}, nil)
	return nil
}

func (h *Handler) loggerFrom(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return h.logger
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := h.loggerFrom(ctx)
	var adapterErr httpError
	if errors.As(err, &adapterErr) {
		logger.Debug("http.request.failure", "status", adapterErr.Status, "code", adapterErr.Code, "detail", adapterErr.Detail)
		h.writeJSON(w, adapterErr.Status, api.ErrorResponse{ErrorCode: adapterErr.Code, Detail: adapterErr.Detail}, nil)
		return
	}
	if herr, ok := transport.ToHTTP(err); ok {
		logger.Debug("http.request.failure", "status", herr.Status, "code", herr.Code, "detail", herr.Detail)
		h.writeJSON(w, herr.Status, api.ErrorResponse{ErrorCode: herr.Code, Detail: herr.Detail}, nil)
		return
	}
	logger.Error("http.request.unhandled", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: core.CodeInternal,
		Detail:    "internal server error",
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
