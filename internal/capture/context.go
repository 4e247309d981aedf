package capture

import "context"

type userIDKey struct{}

// WithUserID attaches the authenticated user id to ctx. Auth layers that do not run
// on gin can use it instead of the gin context key.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey{}, id)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey{}).(string)
	return id, ok && id != ""
}
