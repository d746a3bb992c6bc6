package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header carries the correlation identifier on requests and responses.
const Header = "X-Correlation-Id"

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set records id on ctx when it normalizes.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize validates and canonicalizes an external correlation identifier.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Resolve keeps a valid inbound identifier or generates a new one.
func Resolve(ctx context.Context, inbound string) context.Context {
	if normalized, ok := Normalize(inbound); ok {
		return Set(ctx, normalized)
	}
	return Set(ctx, Generate())
}

// Generate produces a time-ordered identifier.
func Generate() string {
	return NewID()
}

// NewID returns a UUIDv7 string; used for request and correlation ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
