package audit

import (
	"github.com/go-chi/chi/v5"

	"github.com/spinachchain/spinachchain/pkg/authz"
)

// Router creates a chi.Router for the audit API.
// When authorizer is non-nil, endpoints require audit:list and audit:get permissions.
func Router(store *Store, authorizer authz.Authorizer) chi.Router {
	r := chi.NewRouter()

	listHandler := ListEventsHandler(store)
	getHandler := GetEventHandler(store)

	if authorizer != nil {
		r.Get("/events", authz.RequirePermission(authorizer, authz.ResourceAudit, authz.VerbList)(listHandler).ServeHTTP)
		r.Get("/events/{eventId}", authz.RequirePermission(authorizer, authz.ResourceAudit, authz.VerbGet)(getHandler).ServeHTTP)
	} else {
		r.Get("/events", listHandler)
		r.Get("/events/{eventId}", getHandler)
	}

	return r
}
