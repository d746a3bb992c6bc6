package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pbsd/client"
	"pkt.systems/pslog"
)

const (
	txnServerKey          = "server"
	txnClaimedIdentityKey = "claimed-identity"
	txnTimeoutKey         = "timeout"
	defaultTxnServer      = "http://127.0.0.1:9441"
)

type txnCLIConfig struct {
	id            string
	secret        string
	timestamp     uint64
	origin        string
	correlationID string
	logger        pslog.Logger
}

func (c *txnCLIConfig) client() (*client.Client, error) {
	server := strings.TrimSpace(viper.GetString(txnServerKey))
	if server == "" {
		server = defaultTxnServer
	}
	opts := []client.Option{client.WithLogger(c.logger)}
	if identity := strings.TrimSpace(viper.GetString(txnClaimedIdentityKey)); identity != "" {
		opts = append(opts, client.WithClaimedIdentity(identity))
	}
	if timeout := viper.GetDuration(txnTimeoutKey); timeout > 0 {
		opts = append(opts, client.WithHTTPTimeout(timeout))
	}
	return client.New(server, opts...)
}

func (c *txnCLIConfig) transaction() client.Transaction {
	txn := client.NewTransaction(c.secret)
	if id := strings.TrimSpace(c.id); id != "" {
		txn.ID = id
	}
	txn.LastExecutionTimestamp = c.timestamp
	txn.Origin = strings.TrimSpace(c.origin)
	return txn
}

func (c *txnCLIConfig) context(ctx context.Context) context.Context {
	if id := strings.TrimSpace(c.correlationID); id != "" {
		return client.WithCorrelationID(ctx, id)
	}
	return client.WithCorrelationID(ctx, client.GenerateCorrelationID())
}

type phaseCall func(*client.Client, context.Context, client.Transaction) (*client.PhaseResponse, error)

// newTxnCommand builds "pbsd txn <phase>" for driving a front end by hand.
func newTxnCommand(logger pslog.Logger) *cobra.Command {
	cfg := &txnCLIConfig{logger: logger}
	cmd := &cobra.Command{
		Use:          "txn",
		Short:        "Send transaction phase requests to a pbsd server",
		SilenceUsage: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultTxnServer, "pbsd base URL (http, https or unix:///path)")
	flags.String("claimed-identity", "", "authorized domain sent as x-gscp-claimed-identity")
	flags.Duration("timeout", 15*time.Second, "request timeout")
	flags.StringVar(&cfg.id, "id", "", "transaction id (random UUID when empty)")
	flags.StringVar(&cfg.secret, "secret", "", "transaction secret")
	flags.Uint64Var(&cfg.timestamp, "timestamp", 0, "last execution timestamp sent for compatibility")
	flags.StringVar(&cfg.origin, "origin", "", "transaction origin (x-gscp-transaction-origin)")
	flags.StringVar(&cfg.correlationID, "correlation-id", "", "correlation id (generated when empty)")
	for _, name := range []string{txnServerKey, txnClaimedIdentityKey, txnTimeoutKey} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	simple := map[string]phaseCall{
		"begin":  (*client.Client).Begin,
		"commit": (*client.Client).Commit,
		"notify": (*client.Client).Notify,
		"abort":  (*client.Client).Abort,
		"end":    (*client.Client).End,
		"status": (*client.Client).Status,
	}
	for _, name := range []string{"begin", "commit", "notify", "abort", "end", "status"} {
		call := simple[name]
		cmd.AddCommand(&cobra.Command{
			Use:   name,
			Short: fmt.Sprintf("Send the %s phase", name),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPhase(cmd, cfg, name, call)
			},
		})
	}
	cmd.AddCommand(newTxnPrepareCommand(cfg))
	return cmd
}

func newTxnPrepareCommand(cfg *txnCLIConfig) *cobra.Command {
	var bodyPath string
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Send the prepare phase with a budget request body",
		Example: `  echo '{"v":"1.0","t":[{"key":"campaign-1","reporting_time":"2024-05-01T13:00:00Z"}]}' | \
    pbsd txn prepare --claimed-identity adtech.example --secret s --body -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBodyInput(cmd.InOrStdin(), bodyPath)
			if err != nil {
				return err
			}
			return runPhase(cmd, cfg, "prepare", func(cli *client.Client, ctx context.Context, txn client.Transaction) (*client.PhaseResponse, error) {
				return cli.Prepare(ctx, txn, body)
			})
		},
	}
	cmd.Flags().StringVar(&bodyPath, "body", "-", "budget request JSON file (- for stdin)")
	return cmd
}

func readBodyInput(stdin io.Reader, path string) ([]byte, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func runPhase(cmd *cobra.Command, cfg *txnCLIConfig, phase string, call phaseCall) error {
	cli, err := cfg.client()
	if err != nil {
		return err
	}
	txn := cfg.transaction()
	ctx := cfg.context(cmd.Context())
	resp, err := call(cli, ctx, txn)
	out := cmd.OutOrStdout()
	if err != nil {
		if indices, ok := client.ExhaustedIndices(err); ok {
			fmt.Fprintf(out, "txn_id: %s\nphase: %s\nexhausted: %s\n", txn.ID, phase, joinInts(indices))
			return fmt.Errorf("%s: budget exhausted", phase)
		}
		return fmt.Errorf("%s: %w", phase, err)
	}
	_, err = fmt.Fprintf(out, "txn_id: %s\nphase: %s\nlast_execution_timestamp: %s\ncorrelation_id: %s\n",
		txn.ID, phase, resp.LastExecutionTimestamp, resp.CorrelationID)
	return err
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}
