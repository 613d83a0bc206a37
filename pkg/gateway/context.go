package gateway

import "context"

type ctxKey string

const identityKey ctxKey = "identity"

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller attached by the auth middleware
func IdentityFromContext(ctx context.Context) Identity {
	if ctx == nil {
		return Identity{Subject: anonymousSubject}
	}
	if id, ok := ctx.Value(identityKey).(Identity); ok {
		return id
	}
	return Identity{Subject: anonymousSubject}
}
