package authz

import (
	"context"
	"net/http"
	"strings"
)

// Anonymous is the user name given to requests without credentials.
const Anonymous = "anonymous"

// identityCtxKey is an unexported type used as the context key for Identity.
type identityCtxKey struct{}

// Identity represents the caller. User is the custodian address used for
// ownership checks.
type Identity struct {
	User     string
	Username string
	Roles    []string
}

// HasRole reports whether the identity holds role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authenticated reports whether the identity names a real user.
func (id Identity) Authenticated() bool {
	return id.User != "" && id.User != Anonymous
}

// WithIdentity returns a new context with the given Identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context.
// Returns the zero value and false if no identity is set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// HeaderIdentityMiddleware returns HTTP middleware that extracts identity
// from X-Remote-User and X-Remote-Role headers. It is meant for development
// or for deployments behind a trusted authenticating proxy.
// If X-Remote-User is missing, the user defaults to "anonymous".
// X-Remote-Role is comma-separated.
func HeaderIdentityMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := strings.TrimSpace(r.Header.Get("X-Remote-User"))
			if user == "" {
				user = Anonymous
			}

			var roles []string
			roleHeader := strings.TrimSpace(r.Header.Get("X-Remote-Role"))
			if roleHeader != "" {
				for _, g := range strings.Split(roleHeader, ",") {
					g = strings.TrimSpace(g)
					if g != "" {
						roles = append(roles, g)
					}
				}
			}

			id := Identity{User: user, Username: user, Roles: roles}
			ctx := WithIdentity(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuthenticated rejects requests whose identity is missing or
// anonymous with 401.
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok || !id.Authenticated() {
			writeAuthError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
