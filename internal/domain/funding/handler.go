package funding

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vendhub/vend-api/internal/middleware"
	"github.com/vendhub/vend-api/internal/pkg/errorhandler"
	"github.com/vendhub/vend-api/internal/pkg/response"
	"github.com/vendhub/vend-api/internal/pkg/validator"
)

// Handler serves operator funding endpoints under /admin/funding.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type MarkSentRequest struct {
	ExternalRef string `json:"external_ref" validate:"required,max=128"`
	Note        string `json:"note" validate:"max=500"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

// Routes returns the funding router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Initiate)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/history", h.History)
		r.Post("/sent", h.MarkSent)
		r.Post("/claim", h.Claim)
		r.Post("/cancel", h.Cancel)
	})
	return r
}

// Initiate handles POST /admin/funding
// @Summary Start a manual top-up
// @Description Locks the amount in the source wallet until it is claimed or released.
// @Tags Admin Funding
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body InitiateInput true "Source, target and amount"
// @Success 201 {object} response.Response{data=Transaction}
// @Failure 400,402,403,422 {object} response.Response
// @Router /admin/funding [post]
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var in InitiateInput
	if err := response.DecodeJSON(r.Body, &in); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(in); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}
	in.Actor = middleware.GetUserID(r.Context()).String()

	t, err := h.svc.Initiate(r.Context(), in)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.Created(w, t)
}

// MarkSent handles POST /admin/funding/{id}/sent
func (h *Handler) MarkSent(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req MarkSentRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	t, err := h.svc.MarkSent(r.Context(), id, req.ExternalRef, req.Note, actor(r))
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, t)
}

// Claim handles POST /admin/funding/{id}/claim
// @Summary Confirm the money arrived and credit the target wallet
// @Tags Admin Funding
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response{data=Transaction}
// @Failure 404,409,410 {object} response.Response
// @Router /admin/funding/{id}/claim [post]
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Claim(r.Context(), id, actor(r))
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, t)
}

// Cancel handles POST /admin/funding/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	t, err := h.svc.Cancel(r.Context(), id, actor(r), req.Reason)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, t)
}

// Get handles GET /admin/funding/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, t)
}

// List handles GET /admin/funding?status=&limit=&offset=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := Status(strings.ToUpper(q.Get("status")))
	switch status {
	case "", StatusInitiated, StatusPendingClaim, StatusClaimed, StatusCancelled, StatusExpired:
	default:
		response.BadRequest(w, "Unknown status")
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	list, err := h.svc.List(r.Context(), status, limit, offset)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.WithMeta(w, list, response.Meta{Limit: limit, Offset: offset, Count: len(list)})
}

// History handles GET /admin/funding/{id}/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	events, err := h.svc.History(r.Context(), id)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, events)
}

func actor(r *http.Request) string {
	return middleware.GetUserID(r.Context()).String()
}

func idParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid funding ID")
		return uuid.Nil, false
	}
	return id, true
}
