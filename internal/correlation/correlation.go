// Package correlation threads a per-operation identifier through contexts so
// every log line emitted on behalf of one scheduler tick or completion request
// can be tied back together.
package correlation

import (
	"context"

	"github.com/rs/xid"
)

type contextKey struct{}

// Generate returns a new sortable correlation identifier.
func Generate() string {
	return xid.New().String()
}

// Set records the correlation ID on ctx.
func Set(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// Ensure returns ctx carrying a correlation ID, minting one when absent.
func Ensure(ctx context.Context) context.Context {
	if Has(ctx) {
		return ctx
	}
	return Set(ctx, Generate())
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}
