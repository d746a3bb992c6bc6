package pbsd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9441"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultLedger points the server at the in-memory ledger when none is provided.
	DefaultLedger = "mem://"
	// DefaultAggregatedMetricInterval is how often phase counters are pushed.
	DefaultAggregatedMetricInterval = time.Second
	// DefaultWorkers sizes the asynchronous budget consumption pool.
	DefaultWorkers = 16
	// DefaultQueueSize bounds pending budget consumption tasks.
	DefaultQueueSize = 1024
	// DefaultBodyMaxBytes caps prepare request bodies.
	DefaultBodyMaxBytes int64 = 1 << 20
	// DefaultTokensPerBucket is the capacity of one budget key per hour.
	DefaultTokensPerBucket = 1
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultRemoteLedgerTimeout bounds a single call to a remote ledger.
	DefaultRemoteLedgerTimeout = 5 * time.Second
	// DefaultMetricsListen is the default metrics endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a pbsd server.
type Config struct {
	Listen      string
	ListenProto string
	// Ledger selects the budget ledger: mem://, bolt:///path, sqlite:///path or http(s)://peer.
	Ledger string
	// ServeLedger exposes the local ledger to peers on /v1/budgets:consume.
	ServeLedger bool

	// RemoteCoordinatorClaimedIdentity is the identity the peer coordinator
	// presents; requests carrying it are attributed to their transaction origin.
	RemoteCoordinatorClaimedIdentity string
	AdtechSiteAsAuthorizedDomain     bool
	AggregatedMetricInterval         time.Duration

	Workers         int
	QueueSize       int
	BodyMaxBytes    int64
	TokensPerBucket int

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool

	ShutdownTimeout     time.Duration
	RemoteLedgerTimeout time.Duration
}

// Validate fills defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto must be tcp, tcp4, tcp6 or unix (got %q)", c.ListenProto)
	}
	c.Ledger = strings.TrimSpace(c.Ledger)
	if c.Ledger == "" {
		c.Ledger = DefaultLedger
	}
	if _, err := url.Parse(c.Ledger); err != nil {
		return fmt.Errorf("config: parse ledger URL: %w", err)
	}
	c.RemoteCoordinatorClaimedIdentity = strings.TrimSpace(c.RemoteCoordinatorClaimedIdentity)
	if c.RemoteCoordinatorClaimedIdentity == "" {
		return fmt.Errorf("config: remote coordinator claimed identity is required")
	}
	if c.AggregatedMetricInterval < 0 {
		return fmt.Errorf("config: aggregated metric interval must be >= 0")
	}
	if c.AggregatedMetricInterval == 0 {
		c.AggregatedMetricInterval = DefaultAggregatedMetricInterval
	}
	if c.Workers < 0 || c.QueueSize < 0 {
		return fmt.Errorf("config: workers and queue size must be >= 0")
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.BodyMaxBytes <= 0 {
		c.BodyMaxBytes = DefaultBodyMaxBytes
	}
	if c.TokensPerBucket < 0 {
		return fmt.Errorf("config: tokens per bucket must be >= 0")
	}
	if c.TokensPerBucket == 0 {
		c.TokensPerBucket = DefaultTokensPerBucket
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.RemoteLedgerTimeout <= 0 {
		c.RemoteLedgerTimeout = DefaultRemoteLedgerTimeout
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.pbsd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PBSD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pbsd"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
