package authz

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// RequirePermission returns middleware that enforces a specific resource/verb
// permission check against the identity in the request context.
func RequirePermission(authorizer Authorizer, resource, verb string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authorize(w, r, authorizer, ResourceMapping{Resource: resource, Verb: verb}) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// AuthzMiddleware returns middleware that auto-maps the HTTP method and URL path
// to a (resource, verb) pair and performs the authorization check. This can be
// mounted on every protected route.
func AuthzMiddleware(authorizer Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mapping := MapRequest(r.Method, r.URL.Path)

			// If we cannot map the request, deny by default.
			if mapping == UnknownMapping {
				writeAuthError(w, http.StatusForbidden, "forbidden", "unknown endpoint, access denied")
				return
			}

			if authorize(w, r, authorizer, mapping) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// authorize runs the check and writes the error response itself when the
// request may not proceed.
func authorize(w http.ResponseWriter, r *http.Request, authorizer Authorizer, mapping ResourceMapping) bool {
	id, _ := IdentityFromContext(r.Context())
	if !id.Authenticated() {
		writeAuthError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return false
	}

	allowed, err := authorizer.Authorize(r.Context(), AuthzRequest{
		User:     id.User,
		Roles:    id.Roles,
		Resource: mapping.Resource,
		Verb:     mapping.Verb,
	})
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "internal_error", "authorization check failed")
		return false
	}
	if !allowed {
		writeAuthError(w, http.StatusForbidden, "forbidden",
			fmt.Sprintf("insufficient permissions for %s/%s", mapping.Resource, mapping.Verb))
		return false
	}
	return true
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
