package client

import (
	"context"

	"pkt.systems/pbsd/internal/correlation"
)

// WithCorrelationID annotates ctx with a correlation identifier sent on
// subsequent requests. Invalid identifiers are ignored.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return correlation.Set(ctx, id)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	return correlation.ID(ctx)
}

// GenerateCorrelationID creates a new time-ordered correlation identifier.
func GenerateCorrelationID() string {
	return correlation.Generate()
}
