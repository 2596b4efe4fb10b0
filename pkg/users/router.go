package users

import "github.com/go-chi/chi/v5"

// Router creates a chi.Router for /auth. The endpoints are public; Me
// reads whatever identity the server middleware attached.
func Router(h *Handlers) chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.Register())
	r.Post("/login", h.Login())
	r.Get("/me", h.Me())
	return r
}
