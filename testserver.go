package pbsd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pbsd/client"
	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pslog"
)

// TestServer wraps a running pbsd.Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	Client   *client.Client
	Config   Config

	stop func(context.Context) error
}

// testingWriter mirrors log lines into testing.TB until the test completes.
type testingWriter struct {
	t      testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.logLine(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) logLine(entry string) {
	defer func() {
		if r := recover(); r != nil {
			if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(context.Background(), writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "pbsd-testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	return ts.Listener
}

// NewClient returns a new client configured against the test server. The
// client claims the configured remote coordinator identity unless overridden.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	return client.New(ts.BaseURL, opts...)
}

type testServerOptions struct {
	cfg          Config
	mutators     []func(*Config)
	ledger       core.BudgetConsumer
	logger       pslog.Logger
	serverOpts   []Option
	clientOpts   []client.Option
	startTimeout time.Duration
	testTB       testing.TB
	testLogLevel pslog.Level
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides an explicit Config to use. Missing fields are
// defaulted during validation.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestUnixSocket configures the server to listen on the provided unix socket path.
func WithTestUnixSocket(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = "unix"
		cfg.Listen = path
	})
}

// WithTestLedger injects a budget ledger instead of opening cfg.Ledger.
func WithTestLedger(ledger core.BudgetConsumer) TestServerOption {
	return func(o *testServerOptions) {
		o.ledger = ledger
	}
}

// WithTestLogger supplies the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs through t at the given level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestServerOptions appends raw server options.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithTestClientOptions applies options to the bundled client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for readiness.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// NewTestServer starts a server on an ephemeral loopback port backed by the
// in-memory ledger unless configured otherwise.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg: Config{
			Ledger:                           DefaultLedger,
			ListenProto:                      "tcp",
			Listen:                           "127.0.0.1:0",
			RemoteCoordinatorClaimedIdentity: "remote-coordinator.test",
			AggregatedMetricInterval:         50 * time.Millisecond,
		},
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.ListenProto == "" {
		cfg.ListenProto = "tcp"
	}
	if cfg.ListenProto != "unix" && cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.RemoteCoordinatorClaimedIdentity == "" {
		cfg.RemoteCoordinatorClaimedIdentity = "remote-coordinator.test"
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}
	startOpts := []Option{WithLogger(logger)}
	if options.ledger != nil {
		startOpts = append(startOpts, WithLedger(options.ledger))
	}
	startOpts = append(startOpts, options.serverOpts...)

	if ctx == nil {
		ctx = context.Background()
	}
	startCtx := ctx
	if options.startTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, options.startTimeout)
		defer cancel()
	}
	srv, stop, err := StartServer(startCtx, cfg, startOpts...)
	if err != nil {
		return nil, err
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server: listener not initialised")
	}
	baseURL, err := computeBaseURL(cfg, addr)
	if err != nil {
		_ = stop(context.Background())
		return nil, err
	}
	cli, err := client.New(baseURL, options.clientOpts...)
	if err != nil {
		_ = stop(context.Background())
		return nil, err
	}
	return &TestServer{
		Server:   srv,
		BaseURL:  baseURL,
		Listener: addr,
		Client:   cli,
		Config:   cfg,
		stop:     stop,
	}, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

func computeBaseURL(cfg Config, addr net.Addr) (string, error) {
	if strings.ToLower(cfg.ListenProto) == "unix" {
		if cfg.Listen == "" {
			return "", fmt.Errorf("unix listener requires a socket path")
		}
		return "unix://" + cfg.Listen, nil
	}
	return "http://" + addr.String(), nil
}
