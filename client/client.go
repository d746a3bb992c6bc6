package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pbsd/api"
	"pkt.systems/pbsd/internal/correlation"
	"pkt.systems/pbsd/internal/version"
	"pkt.systems/pslog"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxResponseBody    = 1 << 20
)

// Client talks to a single pbsd endpoint.
type Client struct {
	base            string
	httpClient      *http.Client
	httpTimeout     time.Duration
	httpTrace       bool
	claimedIdentity string
	logger          pslog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client. Unix socket base URLs replace
// its transport.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger routes client diagnostics to logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPTimeout bounds each request.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithHTTPTrace wraps the transport with OpenTelemetry instrumentation.
func WithHTTPTrace() Option {
	return func(c *Client) {
		c.httpTrace = true
	}
}

// WithClaimedIdentity sets the x-gscp-claimed-identity header, the caller's
// authorized domain.
func WithClaimedIdentity(domain string) Option {
	return func(c *Client) {
		c.claimedIdentity = strings.TrimSpace(domain)
	}
}

// New constructs a client for baseURL (http, https or unix).
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		httpTimeout: defaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	cli, base, err := buildHTTPClient(baseURL, c.httpClient)
	if err != nil {
		return nil, err
	}
	if cli.Timeout == 0 {
		cli.Timeout = c.httpTimeout
	}
	if c.httpTrace {
		rt := cli.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		cli.Transport = otelhttp.NewTransport(rt)
	}
	c.httpClient = cli
	c.base = base
	return c, nil
}

// Transaction identifies one protocol transaction.
type Transaction struct {
	ID     string
	Secret string
	// LastExecutionTimestamp is sent for compatibility; servers ignore its value.
	LastExecutionTimestamp uint64
	// Origin is sent as x-gscp-transaction-origin when set.
	Origin string
}

// NewTransaction returns a transaction with a fresh random identifier.
func NewTransaction(secret string) Transaction {
	return Transaction{ID: uuid.NewString(), Secret: secret}
}

// PhaseResponse describes a successful phase call.
type PhaseResponse struct {
	// LastExecutionTimestamp echoes the server compatibility header.
	LastExecutionTimestamp string
	CorrelationID          string
}

// Begin starts a transaction.
func (c *Client) Begin(ctx context.Context, txn Transaction) (*PhaseResponse, error) {
	return c.phase(ctx, http.MethodPost, api.PathBegin, txn, nil)
}

// Prepare submits a raw budget request body.
func (c *Client) Prepare(ctx context.Context, txn Transaction, body []byte) (*PhaseResponse, error) {
	return c.phase(ctx, http.MethodPost, api.PathPrepare, txn, body)
}

// PrepareV1 submits keys scoped by the caller's domain.
func (c *Client) PrepareV1(ctx context.Context, txn Transaction, keys []api.BudgetKey) (*PhaseResponse, error) {
	body, err := json.Marshal(api.PrepareRequestV1{Version: api.BudgetRequestV1, Budgets: keys})
	if err != nil {
		return nil, err
	}
	return c.Prepare(ctx, txn, body)
}

// PrepareV2 submits keys grouped by reporting origin.
func (c *Client) PrepareV2(ctx context.Context, txn Transaction, data []api.ReportingOriginBudgets) (*PhaseResponse, error) {
	body, err := json.Marshal(api.PrepareRequestV2{Version: api.BudgetRequestV2, Data: data})
	if err != nil {
		return nil, err
	}
	return c.Prepare(ctx, txn, body)
}

// Commit acknowledges the commit phase.
func (c *Client) Commit(ctx context.Context, txn Transaction) (*PhaseResponse, error) {
	return c.phase(ctx, http.MethodPost, api.PathCommit, txn, nil)
}

// Notify acknowledges the notify phase.
func (c *Client) Notify(ctx context.Context, txn Transaction) (*PhaseResponse, error) {
	return c.phase(ctx, http.MethodPost, api.PathNotify, txn, nil)
}

// Abort acknowledges an abort.
func (c *Client) Abort(ctx context.Context, txn Transaction) (*PhaseResponse, error) {
	return c.phase(ctx, http.MethodPost, api.PathAbort, txn, nil)
}

// End acknowledges the end of a transaction.
func (c *Client) End(ctx context.Context, txn Transaction) (*PhaseResponse, error) {
	return c.phase(ctx, http.MethodPost, api.PathEnd, txn, nil)
}

// Status queries transaction status. Current servers always answer with a
// transaction_status_not_supported APIError.
func (c *Client) Status(ctx context.Context, txn Transaction) (*PhaseResponse, error) {
	return c.phase(ctx, http.MethodGet, api.PathStatus, txn, nil)
}

// Health fetches the liveness probe.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+api.PathHealthz, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var out api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) phase(ctx context.Context, method, path string, txn Transaction, body []byte) (*PhaseResponse, error) {
	if strings.TrimSpace(txn.ID) == "" {
		return nil, fmt.Errorf("pbsd: transaction id is required")
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set(api.HeaderTransactionID, txn.ID)
	req.Header.Set(api.HeaderTransactionSecret, txn.Secret)
	req.Header.Set(api.HeaderLastExecutionTimestamp, strconv.FormatUint(txn.LastExecutionTimestamp, 10))
	if txn.Origin != "" {
		req.Header.Set(api.HeaderTransactionOrigin, txn.Origin)
	}
	if c.claimedIdentity != "" {
		req.Header.Set(api.HeaderClaimedIdentity, c.claimedIdentity)
	}
	if id := correlation.ID(ctx); id != "" {
		req.Header.Set(api.HeaderCorrelationID, id)
	}
	c.logger.Trace("client.http.start", "method", method, "path", path, "txn_id", txn.ID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.transport_error", "path", path, "error", err)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		apiErr := decodeAPIError(resp)
		c.logger.Debug("client.http.error", "path", path, "status", resp.StatusCode, "error", apiErr)
		return nil, apiErr
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	return &PhaseResponse{
		LastExecutionTimestamp: resp.Header.Get(api.HeaderLastExecutionTimestamp),
		CorrelationID:          resp.Header.Get(api.HeaderCorrelationID),
	}, nil
}

// APIError describes an error response from pbsd.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded pbsd error envelope, when available.
	Response api.ErrorResponse
	// ExhaustedIndices lists the rejected budget positions of a prepare call.
	ExhaustedIndices []int
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	if len(e.ExhaustedIndices) > 0 {
		return fmt.Sprintf("pbsd: budget exhausted at %v", e.ExhaustedIndices)
	}
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("pbsd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("pbsd: status %d", e.Status)
}

// ExhaustedIndices reports the exhausted budget positions carried by err.
func ExhaustedIndices(err error) ([]int, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return nil, false
	}
	if apiErr.ExhaustedIndices != nil {
		return apiErr.ExhaustedIndices, true
	}
	return nil, false
}

func decodeAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	apiErr := &APIError{Status: resp.StatusCode, Body: raw}
	var exhausted api.BudgetExhaustedResponse
	if resp.StatusCode == http.StatusConflict && json.Unmarshal(raw, &exhausted) == nil && exhausted.FailedIndices != nil {
		apiErr.ExhaustedIndices = exhausted.FailedIndices
		return apiErr
	}
	_ = json.Unmarshal(raw, &apiErr.Response)
	if apiErr.Response.ExhaustedIndices != nil {
		apiErr.ExhaustedIndices = apiErr.Response.ExhaustedIndices
	}
	return apiErr
}

func buildHTTPClient(rawBase string, custom *http.Client) (*http.Client, string, error) {
	trimmed := strings.TrimSpace(rawBase)
	if trimmed == "" {
		return nil, "", fmt.Errorf("baseURL required")
	}
	cli := &http.Client{}
	if custom != nil {
		copied := *custom
		cli = &copied
	}
	if strings.HasPrefix(trimmed, "unix://") {
		transport, base, err := newUnixTransport(trimmed)
		if err != nil {
			return nil, "", err
		}
		cli.Transport = transport
		return cli, base, nil
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("parse baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported baseURL scheme %q", u.Scheme)
	}
	return cli, strings.TrimRight(trimmed, "/"), nil
}

func newUnixTransport(raw string) (http.RoundTripper, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse unix baseURL: %w", err)
	}
	socketPath := u.Path
	if u.Host != "" {
		socketPath = "/" + u.Host + u.Path
	}
	if socketPath == "" || socketPath == "/" {
		return nil, "", fmt.Errorf("unix baseURL missing socket path")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: defaultHTTPTimeout, KeepAlive: 15 * time.Second}
	transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}
	transport.TLSClientConfig = nil
	return transport, "http://unix", nil
}
