package wallet

import (
	"github.com/go-chi/chi/v5"
)

// Routes returns the owner-facing wallet router. Auth is applied by the caller.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Get("/entries", h.Entries)
	return r
}

// AdminRoutes returns the operator wallet router mounted under /admin/wallets.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{userID}", func(r chi.Router) {
		r.Get("/", h.AdminGet)
		r.Get("/entries", h.AdminEntries)
		r.Get("/verify", h.Verify)
		r.Post("/credit", h.Credit)
		r.Post("/debit", h.Debit)
		r.Post("/settle", h.SettleLocked)
		r.Post("/lock", h.Lock)
		r.Post("/unlock", h.Unlock)
		r.Post("/freeze", h.Freeze)
		r.Post("/unfreeze", h.Unfreeze)
	})
	return r
}
