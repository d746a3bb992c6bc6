package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure codes surfaced by the front end. They are stable and appear verbatim
// in api.ErrorResponse.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeNoKeysAvailable      = "no_keys_available"
	CodeStatusNotSupported   = "transaction_status_not_supported"
	CodeMetricNotFound       = "metric_not_found"
	CodeInitializationFailed = "initialization_failed"
	CodeBudgetExhausted      = "budget_exhausted"
	CodeExecutorUnavailable  = "executor_unavailable"
	CodeLedgerUnavailable    = "ledger_unavailable"
	CodeInternal             = "internal_error"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// InvalidRequest reports malformed headers or bodies.
func InvalidRequest(format string, args ...any) Failure {
	return Failure{Code: CodeInvalidRequest, Detail: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}

// NoKeysAvailable reports a prepare request without budget entries.
func NoKeysAvailable() Failure {
	return Failure{Code: CodeNoKeysAvailable, Detail: "request carries no budget keys", HTTPStatus: http.StatusBadRequest}
}

// StatusNotSupported is the fixed answer of the status endpoint.
func StatusNotSupported() Failure {
	return Failure{Code: CodeStatusNotSupported, Detail: "transaction status is not available", HTTPStatus: http.StatusNotFound}
}

// MetricNotFound reports a counter missing from the registry.
func MetricNotFound(phase, name string) Failure {
	return Failure{Code: CodeMetricNotFound, Detail: fmt.Sprintf("no %s counter for %s", name, phase), HTTPStatus: http.StatusInternalServerError}
}

// InitializationFailed reports a missing collaborator or configuration value.
func InitializationFailed(format string, args ...any) Failure {
	return Failure{Code: CodeInitializationFailed, Detail: fmt.Sprintf(format, args...), HTTPStatus: http.StatusInternalServerError}
}

// BudgetExhausted reports that some budget entries could not be consumed.
func BudgetExhausted(count int) Failure {
	return Failure{Code: CodeBudgetExhausted, Detail: fmt.Sprintf("%d budget key(s) exhausted", count), HTTPStatus: http.StatusConflict}
}

// ExecutorUnavailable reports that work could not be scheduled.
func ExecutorUnavailable(detail string) Failure {
	return Failure{Code: CodeExecutorUnavailable, Detail: detail, HTTPStatus: http.StatusServiceUnavailable}
}

// LedgerUnavailable wraps storage failures of a ledger engine.
func LedgerUnavailable(err error) Failure {
	detail := "ledger unavailable"
	if err != nil {
		detail = err.Error()
	}
	return Failure{Code: CodeLedgerUnavailable, Detail: detail, HTTPStatus: http.StatusServiceUnavailable}
}

// Internal reports an unexpected server-side failure.
func Internal(detail string) Failure {
	return Failure{Code: CodeInternal, Detail: detail, HTTPStatus: http.StatusInternalServerError}
}

// FailureCode returns the failure code carried by err, or "" when err is not a Failure.
func FailureCode(err error) string {
	var failure Failure
	if errors.As(err, &failure) {
		return failure.Code
	}
	return ""
}

// IsBudgetExhausted reports whether err is a budget exhaustion failure.
func IsBudgetExhausted(err error) bool {
	return FailureCode(err) == CodeBudgetExhausted
}
