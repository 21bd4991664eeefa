package auth

import "context"

// User is the owner a handler process acts for. The ID is opaque.
type User struct {
	ID string
}

type userKey struct{}

// WithUser scopes ctx to u. Handler processes call it once, before any scan
// work, with the owner of their queue entry.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	return u, ok
}
