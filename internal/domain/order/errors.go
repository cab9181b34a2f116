package order

import "github.com/vendhub/vend-api/internal/pkg/apperr"

var (
	ErrOrderNotFound     = apperr.New(apperr.CodeNotFound, "order not found")
	ErrItemNotFound      = apperr.New(apperr.CodeNotFound, "order item not found")
	ErrInvalidTransition = apperr.New(apperr.CodeInvalidTransition, "invalid order state transition")
	ErrDuplicateOrder    = apperr.New(apperr.CodeConcurrentRequest, "order with this idempotency key already exists")
	ErrEmptyOrder        = apperr.New(apperr.CodeValidation, "order has no items")
	ErrNotRefundable     = apperr.New(apperr.CodeInvalidTransition, "item is not in a refundable state")
)
