package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// operationName turns "/v1/transactions:prepare" into "transactions.prepare".
func operationName(path string) string {
	path = strings.TrimPrefix(path, "/v1/")
	path = strings.Trim(path, "/")
	return strings.NewReplacer(":", ".", "/", ".").Replace(path)
}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_', ':':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

// readBody reads at most limit bytes. Larger bodies fail with 413.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, httpError{
				Status: http.StatusRequestEntityTooLarge,
				Code:   "request_too_large",
				Detail: fmt.Sprintf("body exceeds %d bytes", limit),
			}
		}
		return nil, httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return body, nil
}
