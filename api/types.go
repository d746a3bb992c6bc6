package api

// Request and response headers of the transaction protocol.
const (
	// HeaderTransactionID carries the 128-bit transaction identifier as a UUID string.
	HeaderTransactionID = "x-gscp-transaction-id"
	// HeaderTransactionSecret carries the secret shared by all phases of one transaction.
	HeaderTransactionSecret = "x-gscp-transaction-secret"
	// HeaderLastExecutionTimestamp is accepted on requests and echoed on responses for older clients.
	HeaderLastExecutionTimestamp = "x-gscp-transaction-last-execution-timestamp"
	// HeaderTransactionOrigin names the origin a peer coordinator acts for.
	HeaderTransactionOrigin = "x-gscp-transaction-origin"
	// HeaderClaimedIdentity carries the authenticated caller's authorized domain.
	HeaderClaimedIdentity = "x-gscp-claimed-identity"
	// HeaderCorrelationID propagates the request correlation identifier.
	HeaderCorrelationID = "X-Correlation-Id"
)

// Route paths served by pbsd.
const (
	PathBegin   = "/v1/transactions:begin"
	PathPrepare = "/v1/transactions:prepare"
	PathCommit  = "/v1/transactions:commit"
	PathNotify  = "/v1/transactions:notify"
	PathAbort   = "/v1/transactions:abort"
	PathEnd     = "/v1/transactions:end"
	PathStatus  = "/v1/transactions:status"

	// PathConsumeBudgets exposes the local ledger to peer front ends.
	PathConsumeBudgets = "/v1/budgets:consume"
	PathHealthz        = "/healthz"
	PathReadyz         = "/readyz"
)

// Budget request body versions.
const (
	BudgetRequestV1 = "1.0"
	BudgetRequestV2 = "2.0"
)

// PrepareRequestV1 models the version 1.0 prepare body.
type PrepareRequestV1 struct {
	// Version is always "1.0".
	Version string `json:"v"`
	// Budgets lists the keys to consume, scoped by the caller's domain.
	Budgets []BudgetKey `json:"t"`
}

// PrepareRequestV2 models the version 2.0 prepare body.
type PrepareRequestV2 struct {
	// Version is always "2.0".
	Version string `json:"v"`
	// Data groups keys by reporting origin.
	Data []ReportingOriginBudgets `json:"data"`
}

// ReportingOriginBudgets groups keys under one reporting origin.
type ReportingOriginBudgets struct {
	// ReportingOrigin is the origin URL the keys belong to.
	ReportingOrigin string `json:"reporting_origin"`
	// Keys lists the budget keys for this origin.
	Keys []BudgetKey `json:"keys"`
}

// BudgetKey is one budget entry on the wire.
type BudgetKey struct {
	// Key is the caller-local budget key name.
	Key string `json:"key"`
	// Token is the number of tokens to consume (1..127, defaults to 1).
	Token int `json:"token,omitempty"`
	// ReportingTime is an RFC 3339 timestamp; it is bucketed by hour.
	ReportingTime string `json:"reporting_time"`
}

// BudgetExhaustedResponse is the prepare body returned when budgets are exhausted.
type BudgetExhaustedResponse struct {
	// Version is always "1.0".
	Version string `json:"v"`
	// FailedIndices are zero-based positions in the submitted budget list.
	FailedIndices []int `json:"f"`
}

// ConsumeBudgetsRequest is the peer ledger request body.
type ConsumeBudgetsRequest struct {
	// TransactionID ties the consumption to a transaction for logging.
	TransactionID string `json:"transaction_id,omitempty"`
	// Budgets lists fully-qualified budget entries in request order.
	Budgets []ConsumeBudget `json:"budgets"`
}

// ConsumeBudget is a fully-qualified budget entry.
type ConsumeBudget struct {
	// Key is the fully-qualified budget key name.
	Key string `json:"key"`
	// TimeBucket is the hourly bucket in Unix nanoseconds.
	TimeBucket uint64 `json:"time_bucket"`
	// Tokens is the token count to consume.
	Tokens int8 `json:"tokens"`
}

// ConsumeBudgetsResponse is the peer ledger response body.
type ConsumeBudgetsResponse struct {
	// ExhaustedIndices lists request positions that could not be consumed.
	ExhaustedIndices []int `json:"exhausted_indices,omitempty"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable pbsd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// ExhaustedIndices is set on peer ledger responses for budget_exhausted.
	ExhaustedIndices []int `json:"exhausted_indices,omitempty"`
}

// HealthResponse is returned by the health and readiness probes.
type HealthResponse struct {
	// Status is "ok" or "starting".
	Status string `json:"status"`
	// Version is the running pbsd version.
	Version string `json:"version,omitempty"`
}
