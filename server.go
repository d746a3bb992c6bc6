package pbsd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/pbsd/internal/clock"
	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/executor"
	"pkt.systems/pbsd/internal/frontend"
	"pkt.systems/pbsd/internal/httpapi"
	"pkt.systems/pbsd/internal/phasemetrics"
	"pkt.systems/pbsd/internal/svcfields"
	"pkt.systems/pslog"
)

// Server wraps the HTTP server, the phase coordinator and its collaborators.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	ledger       core.BudgetConsumer
	pool         *executor.Pool
	frontend     *frontend.Service
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	telemetry    *telemetryBundle
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger            pslog.Logger
	Ledger            core.BudgetConsumer
	Clock             clock.Clock
	MetricInitializer phasemetrics.Initializer
	OTLPEndpoint      string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithLedger injects a pre-built ledger (useful for tests). The server closes
// it on shutdown.
func WithLedger(l core.BudgetConsumer) Option {
	return func(o *options) {
		o.Ledger = l
	}
}

// WithClock injects a custom clock implementation used by phase counters.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithMetricInitializer replaces the phase counter factory.
func WithMetricInitializer(initializer phasemetrics.Initializer) Option {
	return func(o *options) {
		o.MetricInitializer = initializer
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a pbsd server according to cfg. The coordinator is
// initialized and its counters are running when NewServer returns.
// Example:
//
//	cfg := pbsd.Config{Ledger: "mem://", Listen: ":9441", RemoteCoordinatorClaimedIdentity: "peer.example"}
//	srv, err := pbsd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	ctx := context.Background()

	telemetry, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		_ = telemetry.Shutdown(ctx)
	}

	ledger := o.Ledger
	if ledger == nil {
		ledger, err = openLedger(ctx, cfg, svcfields.WithSubsystem(logger, "ledger"))
		if err != nil {
			cleanup()
			return nil, err
		}
	}
	pool := executor.New(executor.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Logger:    svcfields.WithSubsystem(logger, "executor"),
	})
	pool.Start()
	teardown := func() {
		_ = pool.Stop(ctx)
		_ = ledger.Close()
		cleanup()
	}

	svc := frontend.New(frontend.Config{
		Logger:                           logger,
		Executor:                         pool,
		BudgetConsumer:                   ledger,
		MetricInitializer:                o.MetricInitializer,
		Meter:                            telemetry.Meter(),
		Clock:                            o.Clock,
		AggregatedMetricInterval:         cfg.AggregatedMetricInterval,
		RemoteCoordinatorClaimedIdentity: cfg.RemoteCoordinatorClaimedIdentity,
		AdtechSiteAsAuthorizedDomain:     cfg.AdtechSiteAsAuthorizedDomain,
	})
	handlerCfg := httpapi.Config{
		Logger:             logger,
		Ready:              svc.Ready,
		BodyMaxBytes:       cfg.BodyMaxBytes,
		HTTPTracingEnabled: cfg.OTLPEndpoint != "",
	}
	if cfg.ServeLedger {
		handlerCfg.Ledger = ledger
	}
	handler := httpapi.New(handlerCfg)
	if err := svc.Init(handler); err != nil {
		teardown()
		return nil, err
	}
	if err := svc.Run(); err != nil {
		teardown()
		return nil, err
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:       cfg,
		logger:    logger.With("svc", "server"),
		ledger:    ledger,
		pool:      pool,
		frontend:  svc,
		handler:   handler,
		httpSrv:   httpSrv,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so pbsd can be mounted inside an
// existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"ledger", s.cfg.Ledger,
		"serve_ledger", s.cfg.ServeLedger,
	)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting requests, drains in-flight budget consumption,
// flushes phase counters, closes the ledger and finally shuts telemetry down.
// The returned error is nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.pool.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("executor drain: %w", err))
	}
	if err := s.frontend.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("frontend stop: %w", err))
	}
	if err := s.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ledger close: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	s.mu.Lock()
	socketPath := s.socketPath
	s.mu.Unlock()
	if socketPath != "" {
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus listener address, if enabled.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.MetricsAddr()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a pbsd server in a background goroutine and waits until
// it is ready to accept connections. It returns the running server alongside a
// stop function that gracefully shuts it down.
// Example:
//
//	cfg := pbsd.Config{ListenProto: "unix", Listen: "/tmp/pbsd.sock", RemoteCoordinatorClaimedIdentity: "peer.example"}
//	srv, stop, err := pbsd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyErr := make(chan error, 1)
	go func() { readyErr <- srv.WaitUntilReady(waitCtx) }()
	select {
	case err := <-readyErr:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			<-errCh
			return nil, nil, err
		}
	case err := <-errCh:
		if err == nil {
			err = errors.New("pbsd: server stopped before becoming ready")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
