package events

import "context"

type userIDKey struct{}

// ContextWithUserID returns a new context carrying the authenticated user ID.
func ContextWithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey{}, id)
}

// UserIDFromContext extracts the user ID from the context, or "" if absent.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey{}).(string); ok {
		return id
	}
	return ""
}
