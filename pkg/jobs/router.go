package jobs

import (
	"github.com/go-chi/chi/v5"

	"github.com/spinachchain/spinachchain/pkg/authz"
)

// Router creates a chi.Router for the finalize job API.
// When authorizer is non-nil, endpoints require jobs:list, jobs:get, and jobs:create permissions.
func Router(store *JobStore, authorizer authz.Authorizer) chi.Router {
	r := chi.NewRouter()

	listHandler := ListJobsHandler(store)
	getHandler := GetJobHandler(store)
	cancelHandler := CancelJobHandler(store)

	if authorizer != nil {
		r.Get("/", authz.RequirePermission(authorizer, authz.ResourceJobs, authz.VerbList)(listHandler).ServeHTTP)
		r.Get("/{jobId}", authz.RequirePermission(authorizer, authz.ResourceJobs, authz.VerbGet)(getHandler).ServeHTTP)
		r.Post("/{jobId}:cancel", authz.RequirePermission(authorizer, authz.ResourceJobs, authz.VerbCreate)(cancelHandler).ServeHTTP)
	} else {
		r.Get("/", listHandler)
		r.Get("/{jobId}", getHandler)
		r.Post("/{jobId}:cancel", cancelHandler)
	}

	return r
}
