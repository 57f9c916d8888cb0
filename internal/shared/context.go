package shared

import (
	"context"

	"github.com/google/uuid"
)

type sessionContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// Actor returns the authenticated user behind the request, or
// ErrSessionMissing when there is no session or no signed-in user.
func Actor(ctx context.Context) (uuid.UUID, error) {
	actor := SessionFromContext(ctx).ActorID()
	if actor == uuid.Nil {
		return uuid.Nil, ErrSessionMissing
	}
	return actor, nil
}
