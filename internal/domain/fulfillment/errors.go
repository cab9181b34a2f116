package fulfillment

import "github.com/vendhub/vend-api/internal/pkg/apperr"

var (
	ErrAlreadySent = apperr.New(apperr.CodeAlreadySent, "item was already sent to the provider")
	ErrAuditFailed = apperr.New(apperr.CodeInternal, "audit log unavailable, attempt re-queued")
	ErrNotInFlight = apperr.New(apperr.CodeInvalidTransition, "item is not awaiting provider confirmation")
)
