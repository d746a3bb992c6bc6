// Package frontend implements the transaction phase coordinator of the privacy
// budget service. Each phase is an independent entry point; only Prepare has a
// side effect (budget consumption) and it completes asynchronously.
package frontend

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pbsd/api"
	"pkt.systems/pbsd/internal/budgetreq"
	"pkt.systems/pbsd/internal/clock"
	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/phasemetrics"
	"pkt.systems/pbsd/internal/svcfields"
	"pkt.systems/pslog"
)

// HandlerFunc serves one phase. A returned error means the handler did not
// finish the exchange and the caller must finish it with that error.
type HandlerFunc func(ex *Exchange) error

// Registrar accepts route registrations.
type Registrar interface {
	RegisterResourceHandler(method, path string, handler HandlerFunc) error
}

// Executor schedules asynchronous work.
type Executor interface {
	Submit(task func()) error
}

// Config wires the coordinator collaborators.
type Config struct {
	Logger            pslog.Logger
	Executor          Executor
	BudgetConsumer    core.BudgetConsumer
	MetricInitializer phasemetrics.Initializer
	Meter             metric.Meter
	Clock             clock.Clock

	AggregatedMetricInterval         time.Duration
	RemoteCoordinatorClaimedIdentity string
	AdtechSiteAsAuthorizedDomain     bool
}

// Service is the transaction phase coordinator.
type Service struct {
	logger            pslog.Logger
	executor          Executor
	consumer          core.BudgetConsumer
	metricInitializer phasemetrics.Initializer
	meter             metric.Meter
	clock             clock.Clock
	interval          time.Duration
	remoteIdentity    string
	parser            budgetreq.Parser

	registry *phasemetrics.Registry
	running  atomic.Bool

	serializeExhausted func(indices []int) ([]byte, error)
}

// New captures cfg. Collaborators are validated by Init.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter("pkt.systems/pbsd/frontend")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	interval := cfg.AggregatedMetricInterval
	if interval <= 0 {
		interval = phasemetrics.DefaultInterval
	}
	initializer := cfg.MetricInitializer
	if initializer == nil {
		initializer = phasemetrics.DefaultInitializer{}
	}
	return &Service{
		logger:             svcfields.WithSubsystem(logger, "frontend"),
		executor:           cfg.Executor,
		consumer:           cfg.BudgetConsumer,
		metricInitializer:  initializer,
		meter:              meter,
		clock:              clk,
		interval:           interval,
		remoteIdentity:     strings.TrimSpace(cfg.RemoteCoordinatorClaimedIdentity),
		parser:             budgetreq.NewParser(cfg.AdtechSiteAsAuthorizedDomain),
		serializeExhausted: encodeExhausted,
	}
}

// Init validates collaborators, registers the phase routes and initializes
// every phase counter.
func (s *Service) Init(reg Registrar) error {
	if s.remoteIdentity == "" {
		return core.InitializationFailed("remote coordinator claimed identity is not configured")
	}
	if reg == nil {
		return core.InitializationFailed("no route registrar")
	}
	if s.consumer == nil {
		s.logger.Error("frontend.init.failed", "reason", "budget consumer is nil")
		return core.InitializationFailed("budget consumer is nil")
	}
	if s.executor == nil {
		s.logger.Error("frontend.init.failed", "reason", "executor is nil")
		return core.InitializationFailed("executor is nil")
	}
	routes := []struct {
		method  string
		path    string
		handler HandlerFunc
	}{
		{http.MethodPost, api.PathBegin, s.BeginTransaction},
		{http.MethodPost, api.PathPrepare, s.PrepareTransaction},
		{http.MethodPost, api.PathCommit, s.CommitTransaction},
		{http.MethodPost, api.PathNotify, s.NotifyTransaction},
		{http.MethodPost, api.PathAbort, s.AbortTransaction},
		{http.MethodPost, api.PathEnd, s.EndTransaction},
		{http.MethodGet, api.PathStatus, s.GetTransactionStatus},
	}
	for _, route := range routes {
		if err := reg.RegisterResourceHandler(route.method, route.path, route.handler); err != nil {
			return err
		}
	}
	counters, err := s.metricInitializer.Initialize(phasemetrics.InitConfig{
		Meter:    s.meter,
		Interval: s.interval,
		Clock:    s.clock,
		Logger:   svcfields.WithSubsystem(s.logger, "metrics"),
	})
	if err != nil {
		return err
	}
	registry, err := phasemetrics.NewRegistry(counters)
	if err != nil {
		return core.InitializationFailed("%v", err)
	}
	if err := registry.Init(); err != nil {
		return err
	}
	s.registry = registry
	s.logger.Info("frontend.init.complete",
		"parser", s.parser.Mode(),
		"metric_interval", s.interval,
	)
	return nil
}

// Run starts every phase counter.
func (s *Service) Run() error {
	if s.registry == nil {
		return core.InitializationFailed("frontend not initialized")
	}
	if err := s.registry.Run(); err != nil {
		return err
	}
	s.running.Store(true)
	return nil
}

// Stop stops every phase counter, flushing buffered counts.
func (s *Service) Stop() error {
	s.running.Store(false)
	return s.registry.Stop()
}

// Ready reports whether Run has completed.
func (s *Service) Ready() bool {
	return s.running.Load()
}

// phaseRequest carries what the uniform skeleton resolved for a phase.
type phaseRequest struct {
	phase       string
	label       string
	txnID       string
	clientError phasemetrics.Counter
	logger      pslog.Logger
}

// start runs the common skeleton: count the request, then validate headers.
// Header failures count a client error and are returned unchanged.
func (s *Service) start(ex *Exchange, phase string, withTimestamp bool) (*phaseRequest, error) {
	total, err := s.registry.Find(phase, phasemetrics.TotalRequest)
	if err != nil {
		s.logger.Error("frontend.metric.missing", "phase", phase, "counter", phasemetrics.TotalRequest, "error", err)
		return nil, err
	}
	req := ex.Request
	label := s.reportingOrigin(req)
	total.Increment(label)

	clientError, err := s.registry.Find(phase, phasemetrics.ClientError)
	if err != nil {
		s.logger.Error("frontend.metric.missing", "phase", phase, "counter", phasemetrics.ClientError, "error", err)
		return nil, err
	}
	logger := s.requestLogger(ex.Context(), phase)
	txnID, err := extractHeaders(req, withTimestamp)
	if err != nil {
		clientError.Increment(label)
		logger.Debug("frontend.request.invalid_headers", "reporting_origin", label, "error", err)
		return nil, err
	}
	return &phaseRequest{
		phase:       phase,
		label:       label,
		txnID:       txnID,
		clientError: clientError,
		logger:      logger.With("txn_id", txnID),
	}, nil
}

func (s *Service) requestLogger(ctx context.Context, phase string) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	return svcfields.WithSubsystem(logger, "frontend", phase)
}

func (s *Service) reportingOrigin(req *Request) string {
	if req == nil {
		return reportingOriginLabel(nil, "", s.remoteIdentity)
	}
	return reportingOriginLabel(req.Header, req.AuthorizedDomain, s.remoteIdentity)
}
