package tenant

import "context"

// Identity is the scoped impersonation primitive: run fn as the system user
// acting on behalf of one tenant.
type Identity interface {
	AsSystem(ctx context.Context, tenant string, fn func(ctx context.Context) error) error
}

type identityKey struct{}

type identity struct {
	tenant string
	system bool
}

// SystemIdentity impersonates tenants by deriving a scoped context. The
// identity is confined to the derived context, so the caller's identity is
// restored on every exit path, panics included.
type SystemIdentity struct{}

// AsSystem implements Identity.
func (SystemIdentity) AsSystem(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
	scoped := context.WithValue(ctx, identityKey{}, identity{tenant: tenant, system: true})
	return fn(scoped)
}

// Current returns the tenant the context is acting for.
func Current(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(identity)
	if !ok {
		return "", false
	}
	return id.tenant, true
}

// IsSystem reports whether the context carries the system identity.
func IsSystem(ctx context.Context) bool {
	id, ok := ctx.Value(identityKey{}).(identity)
	return ok && id.system
}
