package auth

import "context"

// Anonymous is the name recorded for requests without a verified identity
const Anonymous = "anonymous"

// Identity is a verified user
type Identity struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Name returns the username, or Anonymous for a nil identity
func (i *Identity) Name() string {
	if i == nil || i.Username == "" {
		return Anonymous
	}
	return i.Username
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached by the gate, if any
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
