package order

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vendhub/vend-api/internal/middleware"
	"github.com/vendhub/vend-api/internal/pkg/errorhandler"
	"github.com/vendhub/vend-api/internal/pkg/response"
	"github.com/vendhub/vend-api/internal/pkg/validator"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxKeyLength         = 255
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// CancelRequest is the optional body of a cancel call.
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

// Create handles POST /orders
// @Summary Place an order
// @Description Charges the wallet once and queues every item for fulfillment.
// @Description A repeated Idempotency-Key returns the stored response unchanged.
// @Tags Orders
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param Idempotency-Key header string false "Client idempotency key"
// @Param request body CreateInput true "Order items"
// @Success 201 {object} response.Response{data=Group}
// @Success 200 {object} response.Response{data=Group} "Replayed response"
// @Failure 400,401,402,409,422 {object} response.Response
// @Router /orders [post]
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "Unauthorized")
		return
	}

	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if len(key) > maxKeyLength {
		response.BadRequest(w, "Idempotency-Key is too long")
		return
	}

	var in CreateInput
	if err := response.DecodeJSON(r.Body, &in); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(in); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}

	in.UserID = userID
	in.Role = middleware.GetRole(r.Context())
	in.TenantID = middleware.GetTenantID(r.Context())
	in.IdempotencyKey = key

	res, err := h.svc.CreateOrder(r.Context(), in)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		w.Header().Set(headerReplayed, "true")
		status = http.StatusOK
	}
	response.Raw(w, status, res.Raw)
}

// Get handles GET /orders/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "Unauthorized")
		return
	}
	groupID, ok := idParam(w, r)
	if !ok {
		return
	}

	g, err := h.svc.GetOrder(r.Context(), groupID, userID)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, g)
}

// Cancel handles POST /orders/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, false)
}

// AdminGet handles GET /admin/orders/{id}
func (h *Handler) AdminGet(w http.ResponseWriter, r *http.Request) {
	groupID, ok := idParam(w, r)
	if !ok {
		return
	}
	g, err := h.svc.GetOrder(r.Context(), groupID, uuid.Nil)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, g)
}

// AdminCancel handles POST /admin/orders/{id}/cancel
func (h *Handler) AdminCancel(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, true)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, operator bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "Unauthorized")
		return
	}
	groupID, ok := idParam(w, r)
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

	g, err := h.svc.CancelOrder(r.Context(), CancelInput{
		GroupID:     groupID,
		RequestedBy: userID,
		Operator:    operator,
		Reason:      req.Reason,
	})
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, g)
}

func idParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid order ID")
		return uuid.Nil, false
	}
	return id, true
}
