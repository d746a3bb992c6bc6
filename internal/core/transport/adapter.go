package transport

import (
	"errors"
	"net/http"

	"pkt.systems/pbsd/internal/core"
)

// HTTPError converts a core.Failure into an HTTP-aware error struct.
type HTTPError struct {
	Status int
	Code   string
	Detail string
}

// ToHTTP maps a core error into HTTP-friendly fields.
func ToHTTP(err error) (*HTTPError, bool) {
	var failure core.Failure
	if !errors.As(err, &failure) {
		return nil, false
	}
	status := failure.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &HTTPError{
		Status: status,
		Code:   failure.Code,
		Detail: failure.Detail,
	}, true
}
