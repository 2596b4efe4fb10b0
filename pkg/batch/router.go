package batch

import (
	"github.com/go-chi/chi/v5"

	"github.com/spinachchain/spinachchain/pkg/authz"
)

// Router creates a chi.Router for /batches. Each extension is registered
// on the /{batchId} subrouter so other packages can add per-batch
// endpoints (readings, finalize, analysis, history). Authorization for
// this tree is applied by the caller with authz.AuthzMiddleware.
func Router(h *Handlers, extensions ...func(r chi.Router)) chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListBatches())
	r.Post("/", h.CreateBatch())
	r.Route("/{batchId}", func(r chi.Router) {
		r.Get("/", h.GetBatch())
		r.Delete("/", h.DeleteBatch())
		r.Post("/transfer", h.TransferBatch())
		r.Post("/reject", h.RejectBatch())
		for _, ext := range extensions {
			ext(r)
		}
	})

	return r
}

// FarmRouter creates a chi.Router for /farms.
// When authorizer is non-nil, endpoints require farms:list and farms:create permissions.
func FarmRouter(h *Handlers, authorizer authz.Authorizer) chi.Router {
	r := chi.NewRouter()

	listHandler := h.ListFarms()
	createHandler := h.CreateFarm()

	if authorizer != nil {
		r.Get("/", authz.RequirePermission(authorizer, authz.ResourceFarms, authz.VerbList)(listHandler).ServeHTTP)
		r.Post("/", authz.RequirePermission(authorizer, authz.ResourceFarms, authz.VerbCreate)(createHandler).ServeHTTP)
	} else {
		r.Get("/", listHandler)
		r.Post("/", createHandler)
	}

	return r
}
