package model

import "context"

// RequestContext carries the authenticated actor for the lifetime of a
// request. The engine never authenticates; it only records the actor id it
// is given for audit stamping. Immutable after construction and safe for
// concurrent reads.
type RequestContext struct {
	ActorID       string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
}

// Validate checks that the mandatory actor id is present.
func (rc *RequestContext) Validate() error {
	if rc.ActorID == "" {
		return NewUnauthorizedError("actor id is required")
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole returns true if the RequestContext contains at least one of
// the given roles.
func (rc *RequestContext) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if rc.HasRole(r) {
			return true
		}
	}
	return false
}

type requestContextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or
// returns nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
