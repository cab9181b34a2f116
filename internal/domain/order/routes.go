package order

import "github.com/go-chi/chi/v5"

// Routes returns the customer order router. Auth is applied by the caller.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// AdminRoutes returns the operator order router.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.AdminGet)
	r.Post("/{id}/cancel", h.AdminCancel)
	return r
}
