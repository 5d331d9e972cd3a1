package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries the trusted identity of the caller for the lifetime
// of a request. It is immutable after construction and safe for concurrent
// reads.
type RequestContext struct {
	SubjectID string
	// UserID is the numeric ledger user id of the caller.
	UserID int64
	Email  string
	// Role is decided once at the boundary from the identity provider roles.
	Role     Role
	RawRoles []string
	Claims   map[string]any
	// Authorization is the inbound Authorization header, forwarded verbatim
	// to the ledger system.
	Authorization string
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.UserID <= 0 {
		errs = append(errs, fmt.Errorf("UserID must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// AuthorizationFrom returns the caller's Authorization header carried in ctx,
// or "" when the context has no RequestContext.
func AuthorizationFrom(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx.Authorization
	}
	return ""
}

// MustRequestContext extracts the RequestContext from the context, panicking if
// it is not present. This is safe to call in handlers that are guaranteed to run
// behind the authentication middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
