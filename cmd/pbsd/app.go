package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pbsd"
	"pkt.systems/pbsd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("PBSD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "pbsd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, so errors are logged structurally only for the server.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.Contains(arg, "=") {
				i++
				continue
			}
			flag := lookup(strings.TrimPrefix(arg, "--"))
			i++
			if flag != nil && flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			flag := root.PersistentFlags().ShorthandLookup(strings.TrimPrefix(arg, "-"))
			i++
			if flag != nil && flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if path, err := pbsd.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(path); err == nil {
				cfgPath = path
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

var serverFlagNames = []string{
	"config",
	"listen", "listen-proto", "ledger", "serve-ledger",
	"remote-coordinator-claimed-identity", "adtech-site-as-authorized-domain",
	"aggregated-metric-interval", "workers", "queue-size", "body-max", "tokens-per-bucket",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"shutdown-timeout", "remote-ledger-timeout", "log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	viper.Reset()
	cmd := &cobra.Command{
		Use:           "pbsd",
		Short:         "pbsd is the privacy budget service front end: transaction phase coordination and budget consumption",
		SilenceErrors: true,
		Example: `
  # In-memory ledger (tests/dev only)
  pbsd --remote-coordinator-claimed-identity coordinator-b.example

  # Persistent bbolt ledger exposed to a peer front end
  pbsd --ledger bolt:///var/lib/pbsd/budgets.db --serve-ledger --remote-coordinator-claimed-identity coordinator-b.example

  # Forward consumption to a peer that owns the ledger
  PBSD_LEDGER=http://ledger-host:9441 pbsd --remote-coordinator-claimed-identity coordinator-b.example
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to pbsd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := pbsd.NewServer(cfg, pbsd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				_ = server.Close()
			}()
			go func() {
				<-ctx.Done()
				if err := server.Close(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.pbsd/"+pbsd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", pbsd.DefaultListen, "listen address (socket path for unix)")
	flags.String("listen-proto", pbsd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("ledger", pbsd.DefaultLedger, "budget ledger URL (mem://, bolt:///path, sqlite:///path, http(s)://peer)")
	flags.Bool("serve-ledger", false, "expose the local ledger to peer front ends on /v1/budgets:consume")
	flags.String("remote-coordinator-claimed-identity", "", "claimed identity of the peer coordinator (required)")
	flags.Bool("adtech-site-as-authorized-domain", false, "scope version 2.0 budget keys by reporting origin site instead of the full origin")
	flags.Duration("aggregated-metric-interval", pbsd.DefaultAggregatedMetricInterval, "interval between phase metric pushes")
	flags.Int("workers", pbsd.DefaultWorkers, "budget consumption worker count")
	flags.Int("queue-size", pbsd.DefaultQueueSize, "pending budget consumption tasks before prepare is rejected")
	flags.String("body-max", humanizeBytes(pbsd.DefaultBodyMaxBytes), "maximum prepare request body size (e.g. 1MB)")
	flags.Int("tokens-per-bucket", pbsd.DefaultTokensPerBucket, "tokens available per budget key and reporting hour")
	flags.String("metrics-listen", pbsd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", pbsd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", pbsd.DefaultShutdownTimeout, "graceful shutdown budget")
	flags.Duration("remote-ledger-timeout", pbsd.DefaultRemoteLedgerTimeout, "timeout for a single call to a remote ledger")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("PBSD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range serverFlagNames {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newTxnCommand(svcfields.WithSubsystem(baseLogger, "cli.txn")))
	return cmd
}

func bindConfig() (pbsd.Config, error) {
	cfg := pbsd.Config{
		Listen:                           viper.GetString("listen"),
		ListenProto:                      viper.GetString("listen-proto"),
		Ledger:                           viper.GetString("ledger"),
		ServeLedger:                      viper.GetBool("serve-ledger"),
		RemoteCoordinatorClaimedIdentity: viper.GetString("remote-coordinator-claimed-identity"),
		AdtechSiteAsAuthorizedDomain:     viper.GetBool("adtech-site-as-authorized-domain"),
		AggregatedMetricInterval:         viper.GetDuration("aggregated-metric-interval"),
		Workers:                          viper.GetInt("workers"),
		QueueSize:                        viper.GetInt("queue-size"),
		TokensPerBucket:                  viper.GetInt("tokens-per-bucket"),
		MetricsListen:                    viper.GetString("metrics-listen"),
		PprofListen:                      viper.GetString("pprof-listen"),
		EnableProfilingMetrics:           viper.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:                     viper.GetString("otlp-endpoint"),
		ShutdownTimeout:                  viper.GetDuration("shutdown-timeout"),
		RemoteLedgerTimeout:              viper.GetDuration("remote-ledger-timeout"),
	}
	if maxBytes := strings.TrimSpace(viper.GetString("body-max")); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return pbsd.Config{}, fmt.Errorf("parse body-max: %w", err)
		}
		cfg.BodyMaxBytes = int64(size)
	}
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
