package fulfillment

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vendhub/vend-api/internal/domain/audit"
	"github.com/vendhub/vend-api/internal/domain/order"
	"github.com/vendhub/vend-api/internal/middleware"
	"github.com/vendhub/vend-api/internal/pkg/errorhandler"
	"github.com/vendhub/vend-api/internal/pkg/response"
)

// Items is the read side of the order state machine.
type Items interface {
	GetItem(ctx context.Context, itemID uuid.UUID) (*order.Item, error)
	History(ctx context.Context, itemID uuid.UUID) ([]*order.Transition, error)
}

type AuditTrail interface {
	List(ctx context.Context, itemID uuid.UUID) ([]*audit.Entry, error)
}

// Handler is the operator surface over fulfillment.
type Handler struct {
	gateway  *Gateway
	items    Items
	audit    AuditTrail
	recovery *Recovery
}

func NewHandler(gateway *Gateway, items Items, trail AuditTrail, recovery *Recovery) *Handler {
	return &Handler{gateway: gateway, items: items, audit: trail, recovery: recovery}
}

// Routes returns the router mounted under /admin/items.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Item)
		r.Get("/history", h.History)
		r.Get("/audit", h.Audit)
		r.Post("/push", h.Push)
		r.Post("/sync", h.Sync)
	})
	return r
}

// Item handles GET /admin/items/{id}
func (h *Handler) Item(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemParam(w, r)
	if !ok {
		return
	}
	it, err := h.items.GetItem(r.Context(), itemID)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, it)
}

// History handles GET /admin/items/{id}/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemParam(w, r)
	if !ok {
		return
	}
	history, err := h.items.History(r.Context(), itemID)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, history)
}

// Audit handles GET /admin/items/{id}/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemParam(w, r)
	if !ok {
		return
	}
	entries, err := h.audit.List(r.Context(), itemID)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, entries)
}

// Push handles POST /admin/items/{id}/push
// @Summary Push a queued item to its provider now
// @Tags Admin Fulfillment
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response{data=Outcome}
// @Failure 404,409 {object} response.Response
// @Router /admin/items/{id}/push [post]
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemParam(w, r)
	if !ok {
		return
	}

	out, err := h.gateway.pushAs(r.Context(), itemID, order.SourceOperator)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	log.Info().
		Str("item_id", itemID.String()).
		Str("operator_id", middleware.GetUserID(r.Context()).String()).
		Str("status", string(out.Status)).
		Msg("operator push")
	response.OK(w, out)
}

// Sync handles POST /admin/items/{id}/sync
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemParam(w, r)
	if !ok {
		return
	}

	out, err := h.gateway.syncAs(r.Context(), itemID, order.SourceOperator)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, out)
}

// RunRecovery handles POST /admin/recovery/run
func (h *Handler) RunRecovery(w http.ResponseWriter, r *http.Request) {
	if h.recovery == nil {
		response.NotFound(w, "Recovery is not enabled")
		return
	}
	rep, err := h.recovery.RunOnce(r.Context())
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, rep)
}

func itemParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid item ID")
		return uuid.Nil, false
	}
	return id, true
}
