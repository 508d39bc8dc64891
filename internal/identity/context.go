package identity

import "context"

type sessionContextKey struct{}
type claimsContextKey struct{}

// ContextWithSession attaches the call's session to the context. The pipeline
// opens this scope immediately before handler execution; nothing outside the
// invocation observes the value.
func ContextWithSession(ctx context.Context, session *Session) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// SessionFromContext extracts the current session. Helpers deep in the call
// graph (audit logging, query scoping) use this instead of threading the
// session through every signature.
func SessionFromContext(ctx context.Context) (Session, bool) {
	if ctx == nil {
		return Session{}, false
	}
	v, ok := ctx.Value(sessionContextKey{}).(*Session)
	if !ok || v == nil {
		return Session{}, false
	}
	return *v, true
}

// ContextWithClaims stores the raw, validated provider claims. Set by the
// HTTP authn middleware; read by the pipeline when building the session.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the provider claims if a bearer token was
// presented and validated.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*Claims)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
