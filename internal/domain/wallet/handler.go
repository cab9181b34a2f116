package wallet

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vendhub/vend-api/internal/middleware"
	"github.com/vendhub/vend-api/internal/pkg/errorhandler"
	"github.com/vendhub/vend-api/internal/pkg/response"
	"github.com/vendhub/vend-api/internal/pkg/validator"
)

// Handler exposes the wallet to its owner and to back-office operators.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// MutationRequest is the body of operator credit/debit/settle calls.
type MutationRequest struct {
	Amount      int64     `json:"amount" validate:"required,gt=0"`
	Reference   string    `json:"reference" validate:"required,max=128"`
	Type        EntryType `json:"type,omitempty" validate:"omitempty,oneof=deposit purchase refund profit_credit withdrawal"`
	Description string    `json:"description,omitempty" validate:"max=255"`
}

// AmountRequest is the body of lock/unlock calls.
type AmountRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// FreezeRequest is the body of freeze/unfreeze calls.
type FreezeRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

// Get handles GET /wallet
// @Summary Current wallet
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response{data=Wallet}
// @Failure 401,404 {object} response.Response
// @Router /wallet [get]
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "Unauthorized")
		return
	}

	wal, err := h.svc.Get(r.Context(), userID)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, wal)
}

// Entries handles GET /wallet/entries?limit=&offset=
func (h *Handler) Entries(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "Unauthorized")
		return
	}
	h.listEntries(w, r, userID)
}

// AdminGet handles GET /admin/wallets/{userID}
func (h *Handler) AdminGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	wal, err := h.svc.Get(r.Context(), userID)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, wal)
}

// AdminEntries handles GET /admin/wallets/{userID}/entries
func (h *Handler) AdminEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	h.listEntries(w, r, userID)
}

// Credit handles POST /admin/wallets/{userID}/credit
// @Summary Credit a wallet
// @Tags Admin Wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body MutationRequest true "Amount and unique reference"
// @Success 201 {object} response.Response{data=Entry}
// @Failure 400,403,409,422 {object} response.Response
// @Router /admin/wallets/{userID}/credit [post]
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	h.mutation(w, r, h.svc.Credit)
}

// Debit handles POST /admin/wallets/{userID}/debit
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	h.mutation(w, r, h.svc.Debit)
}

// SettleLocked handles POST /admin/wallets/{userID}/settle
func (h *Handler) SettleLocked(w http.ResponseWriter, r *http.Request) {
	h.mutation(w, r, h.svc.SettleLocked)
}

// Lock handles POST /admin/wallets/{userID}/lock
func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	h.amount(w, r, h.svc.Lock)
}

// Unlock handles POST /admin/wallets/{userID}/unlock
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	h.amount(w, r, h.svc.Unlock)
}

// Freeze handles POST /admin/wallets/{userID}/freeze
func (h *Handler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.freeze(w, r, h.svc.Freeze)
}

// Unfreeze handles POST /admin/wallets/{userID}/unfreeze
func (h *Handler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	h.freeze(w, r, h.svc.Unfreeze)
}

// Verify handles GET /admin/wallets/{userID}/verify
// @Summary Replay the ledger and compare with the cached balance
// @Tags Admin Wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response{data=Report}
// @Router /admin/wallets/{userID}/verify [get]
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	report, err := h.svc.Verify(r.Context(), userID)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, report)
}

type mutateFn func(ctx context.Context, userID uuid.UUID, amount int64, reference string, meta Meta) (*Entry, error)

func (h *Handler) mutation(w http.ResponseWriter, r *http.Request, fn mutateFn) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}

	var req MutationRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}

	entry, err := fn(r.Context(), userID, req.Amount, req.Reference, Meta{
		Type:        req.Type,
		Description: req.Description,
		RelatedType: "operator",
		Actor:       middleware.GetUserID(r.Context()).String(),
	})
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.Created(w, entry)
}

func (h *Handler) amount(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID uuid.UUID, amount int64) (*Wallet, error)) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}

	var req AmountRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	wal, err := fn(r.Context(), userID, req.Amount)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, wal)
}

func (h *Handler) freeze(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID uuid.UUID, reason string) (*Wallet, error)) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}

	var req FreezeRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	wal, err := fn(r.Context(), userID, req.Reason)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.OK(w, wal)
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	limit, offset := pageParams(r)

	entries, err := h.svc.Entries(r.Context(), userID, limit, offset)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err)
		return
	}
	response.WithMeta(w, entries, response.Meta{Limit: limit, Offset: offset, Count: len(entries)})
}

func userParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		response.BadRequest(w, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

func pageParams(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
