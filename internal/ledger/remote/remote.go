// Package remote consumes budgets through a peer pbsd ledger endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pbsd/api"
	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/correlation"
	"pkt.systems/pbsd/internal/version"
	"pkt.systems/pslog"
)

// DefaultTimeout bounds a single consume call.
const DefaultTimeout = 5 * time.Second

const maxErrorBody = 64 << 10

// Config configures the remote ledger client.
type Config struct {
	// Endpoint is the peer base URL, for example https://ledger.internal:9441.
	Endpoint string
	Timeout  time.Duration
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// Ledger implements core.BudgetConsumer against a remote endpoint.
type Ledger struct {
	url    string
	client *http.Client
	logger pslog.Logger
}

// New validates cfg and returns a client.
func New(cfg Config) (*Ledger, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("remote ledger: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote ledger: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("remote ledger: endpoint host required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Ledger{
		url:    strings.TrimRight(u.String(), "/") + api.PathConsumeBudgets,
		client: client,
		logger: logger.With("ledger", "remote", "endpoint", u.Host),
	}, nil
}

// ConsumeBudgets forwards req to the peer. Peer failures are rebuilt as
// core.Failure values so exhaustion survives the hop.
func (l *Ledger) ConsumeBudgets(ctx context.Context, req core.ConsumeBudgetsRequest) (core.ConsumeBudgetsResponse, error) {
	payload := api.ConsumeBudgetsRequest{TransactionID: req.TransactionID, Budgets: make([]api.ConsumeBudget, 0, len(req.Budgets))}
	for _, b := range req.Budgets {
		payload.Budgets = append(payload.Budgets, api.ConsumeBudget{Key: b.BudgetKey, TimeBucket: b.TimeBucket, Tokens: b.TokenCount})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return core.ConsumeBudgetsResponse{}, core.Internal(err.Error())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return core.ConsumeBudgetsResponse{}, core.LedgerUnavailable(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if id := correlation.ID(ctx); id != "" {
		httpReq.Header.Set(correlation.Header, id)
	}
	resp, err := l.client.Do(httpReq)
	if err != nil {
		l.logger.Warn("ledger.remote.transport_error", "error", err)
		return core.ConsumeBudgetsResponse{}, core.LedgerUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var out api.ConsumeBudgetsResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
			return core.ConsumeBudgetsResponse{}, core.LedgerUnavailable(fmt.Errorf("decode response: %w", err))
		}
		return core.ConsumeBudgetsResponse{ExhaustedIndices: out.ExhaustedIndices}, nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var envelope api.ErrorResponse
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.ErrorCode == "" {
		l.logger.Warn("ledger.remote.unexpected_status", "status", resp.StatusCode)
		return core.ConsumeBudgetsResponse{}, core.LedgerUnavailable(fmt.Errorf("peer returned status %d", resp.StatusCode))
	}
	failure := core.Failure{Code: envelope.ErrorCode, Detail: envelope.Detail, HTTPStatus: resp.StatusCode}
	if envelope.ErrorCode == core.CodeBudgetExhausted {
		return core.ConsumeBudgetsResponse{ExhaustedIndices: envelope.ExhaustedIndices}, failure
	}
	l.logger.Debug("ledger.remote.error", "status", resp.StatusCode, "code", envelope.ErrorCode)
	return core.ConsumeBudgetsResponse{}, failure
}

// Close releases idle connections.
func (l *Ledger) Close() error {
	l.client.CloseIdleConnections()
	return nil
}
