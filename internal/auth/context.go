package auth

import "context"

type sessionUserContextKey struct{}
type tokenContextKey struct{}

// ContextWithSessionUser carries the output of ValidateSession to handlers:
// the session and user ids, the job title and the role's flattened
// permission set, so authorization needs no further store reads.
func ContextWithSessionUser(ctx context.Context, user SessionUser) context.Context {
	return context.WithValue(ctx, sessionUserContextKey{}, &user)
}

// SessionUserFromContext reports false for requests that never passed
// session validation.
func SessionUserFromContext(ctx context.Context) (SessionUser, bool) {
	if ctx == nil {
		return SessionUser{}, false
	}
	v, ok := ctx.Value(sessionUserContextKey{}).(*SessionUser)
	if !ok || v == nil {
		return SessionUser{}, false
	}
	return *v, true
}

// ContextWithToken keeps the cookie's token next to the SessionUser. Logout
// needs it to delete the exact row; an empty token leaves ctx unchanged.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the token that resolved the current session.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
