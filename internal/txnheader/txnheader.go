// Package txnheader extracts and validates the transaction headers shared by
// every phase of the budget transaction protocol.
package txnheader

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/pbsd/api"
	"pkt.systems/pbsd/internal/core"
)

// CompatLastExecutionTimestamp is echoed on every successful response. Older
// clients require the header although the value carries no meaning anymore.
const CompatLastExecutionTimestamp = "1234"

// UnknownOrigin labels requests without any usable identity.
const UnknownOrigin = "unknown"

const uuidLength = 36

// TransactionID parses the transaction identifier header.
func TransactionID(h http.Header) (uuid.UUID, error) {
	raw := strings.TrimSpace(h.Get(api.HeaderTransactionID))
	if raw == "" {
		return uuid.Nil, core.InvalidRequest("missing %s header", api.HeaderTransactionID)
	}
	if len(raw) != uuidLength {
		return uuid.Nil, core.InvalidRequest("%s must be a %d character uuid", api.HeaderTransactionID, uuidLength)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, core.InvalidRequest("parse %s: %v", api.HeaderTransactionID, err)
	}
	return id, nil
}

// TransactionSecret returns the transaction secret header.
func TransactionSecret(h http.Header) (string, error) {
	secret := h.Get(api.HeaderTransactionSecret)
	if strings.TrimSpace(secret) == "" {
		return "", core.InvalidRequest("missing %s header", api.HeaderTransactionSecret)
	}
	return secret, nil
}

// LastExecutionTimestamp parses the legacy optimistic concurrency header.
func LastExecutionTimestamp(h http.Header) (uint64, error) {
	raw := strings.TrimSpace(h.Get(api.HeaderLastExecutionTimestamp))
	if raw == "" {
		return 0, core.InvalidRequest("missing %s header", api.HeaderLastExecutionTimestamp)
	}
	ts, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, core.InvalidRequest("parse %s: %v", api.HeaderLastExecutionTimestamp, err)
	}
	return ts, nil
}

// TransactionOrigin returns the optional transaction origin header.
func TransactionOrigin(h http.Header) (string, bool) {
	origin := strings.TrimSpace(h.Get(api.HeaderTransactionOrigin))
	return origin, origin != ""
}

// ExtractBackwardCompatible validates the headers every phase must carry and
// returns the transaction id for diagnostics. The timestamp is parsed when
// withTimestamp is set even though its value is ignored.
func ExtractBackwardCompatible(h http.Header, withTimestamp bool) (string, error) {
	if h == nil {
		return "", core.InvalidRequest("request carries no headers")
	}
	id, err := TransactionID(h)
	if err != nil {
		return "", err
	}
	if _, err := TransactionSecret(h); err != nil {
		return "", err
	}
	if withTimestamp {
		if _, err := LastExecutionTimestamp(h); err != nil {
			return "", err
		}
	}
	return id.String(), nil
}

// InsertBackwardCompatible sets the compatibility response header.
func InsertBackwardCompatible(h http.Header) {
	if h == nil {
		return
	}
	h.Set(api.HeaderLastExecutionTimestamp, CompatLastExecutionTimestamp)
}

// ResolveTransactionOrigin prefers an explicit origin header over the
// authorized domain of the caller.
func ResolveTransactionOrigin(h http.Header, authorizedDomain string) string {
	if origin, ok := TransactionOrigin(h); ok {
		return origin
	}
	return authorizedDomain
}

// ReportingOriginLabel derives the metric dimension of a request. Calls made
// by the remote coordinator are attributed to the origin it acts for.
func ReportingOriginLabel(h http.Header, authorizedDomain, remoteClaimedIdentity string) string {
	claimed := strings.TrimSpace(h.Get(api.HeaderClaimedIdentity))
	if remoteClaimedIdentity != "" && claimed == remoteClaimedIdentity {
		if origin, ok := TransactionOrigin(h); ok {
			return origin
		}
		return remoteClaimedIdentity
	}
	if authorizedDomain = strings.TrimSpace(authorizedDomain); authorizedDomain != "" {
		return authorizedDomain
	}
	if claimed != "" {
		return claimed
	}
	return UnknownOrigin
}
