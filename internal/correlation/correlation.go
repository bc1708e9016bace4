// Package correlation carries the per-request correlation id through
// contexts, HTTP headers and gRPC metadata.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"

	// MetadataKey is the gRPC metadata key, lower-cased as gRPC requires.
	MetadataKey = "x-correlation-id"

	maxIDLength = 128
)

// Context is the request-scoped value. It is never mutated after creation.
type Context struct {
	CorrelationID string
	RequestID     string
}

type ctxKey struct{}

func WithContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	c, ok := ctx.Value(ctxKey{}).(Context)
	return c, ok
}

// ID returns the correlation id on ctx, or "" when none is attached.
func ID(ctx context.Context) string {
	c, _ := FromContext(ctx)
	return c.CorrelationID
}

// WithID attaches id unless it is blank, in which case a new one is generated.
func WithID(ctx context.Context, id string) context.Context {
	id = sanitize(id)
	if id == "" {
		id = New()
	}
	return WithContext(ctx, Context{CorrelationID: id})
}

// Ensure returns ctx unchanged if it already carries a correlation id, and
// otherwise attaches a fresh one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := New()
	return WithContext(ctx, Context{CorrelationID: id}), id
}

func New() string {
	return uuid.NewString()
}

// Middleware reads X-Correlation-ID (or generates one), records X-Request-ID,
// and echoes the correlation id on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sanitize(r.Header.Get(HeaderCorrelationID))
		if id == "" {
			id = New()
		}
		reqID := sanitize(r.Header.Get(HeaderRequestID))
		if reqID == "" {
			reqID = uuid.NewString()
		}

		w.Header().Set(HeaderCorrelationID, id)
		ctx := WithContext(r.Context(), Context{CorrelationID: id, RequestID: reqID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sanitize(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > maxIDLength {
		return ""
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return id
}
