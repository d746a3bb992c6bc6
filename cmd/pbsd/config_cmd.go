package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/pbsd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage pbsd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.pbsd/" + pbsd.DefaultConfigFileName
	if path, err := pbsd.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default pbsd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := pbsd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper reads the generated file directly.
type configDefaults struct {
	Listen                           string `yaml:"listen"`
	ListenProto                      string `yaml:"listen-proto"`
	Ledger                           string `yaml:"ledger"`
	ServeLedger                      bool   `yaml:"serve-ledger"`
	RemoteCoordinatorClaimedIdentity string `yaml:"remote-coordinator-claimed-identity"`
	AdtechSiteAsAuthorizedDomain     bool   `yaml:"adtech-site-as-authorized-domain"`
	AggregatedMetricInterval         string `yaml:"aggregated-metric-interval"`
	Workers                          int    `yaml:"workers"`
	QueueSize                        int    `yaml:"queue-size"`
	BodyMax                          string `yaml:"body-max"`
	TokensPerBucket                  int    `yaml:"tokens-per-bucket"`
	MetricsListen                    string `yaml:"metrics-listen"`
	PprofListen                      string `yaml:"pprof-listen"`
	EnableProfilingMetrics           bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint                     string `yaml:"otlp-endpoint"`
	ShutdownTimeout                  string `yaml:"shutdown-timeout"`
	RemoteLedgerTimeout              string `yaml:"remote-ledger-timeout"`
	LogLevel                         string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                   pbsd.DefaultListen,
		ListenProto:              pbsd.DefaultListenProto,
		Ledger:                   pbsd.DefaultLedger,
		AggregatedMetricInterval: pbsd.DefaultAggregatedMetricInterval.String(),
		Workers:                  pbsd.DefaultWorkers,
		QueueSize:                pbsd.DefaultQueueSize,
		BodyMax:                  humanizeBytes(pbsd.DefaultBodyMaxBytes),
		TokensPerBucket:          pbsd.DefaultTokensPerBucket,
		MetricsListen:            pbsd.DefaultMetricsListen,
		PprofListen:              pbsd.DefaultPprofListen,
		ShutdownTimeout:          pbsd.DefaultShutdownTimeout.String(),
		RemoteLedgerTimeout:      pbsd.DefaultRemoteLedgerTimeout.String(),
		LogLevel:                 "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
