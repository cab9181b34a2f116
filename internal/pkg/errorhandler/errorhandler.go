package errorhandler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vendhub/vend-api/internal/pkg/apperr"
	"github.com/vendhub/vend-api/internal/pkg/logger"
	"github.com/vendhub/vend-api/internal/pkg/response"
)

var statusByCode = map[apperr.Code]int{
	apperr.CodeWalletNotFound:      http.StatusNotFound,
	apperr.CodeWalletFrozen:        http.StatusForbidden,
	apperr.CodeInsufficientBalance: http.StatusPaymentRequired,
	apperr.CodeDuplicateReference:  http.StatusConflict,
	apperr.CodeDailyLimitExceeded:  http.StatusUnprocessableEntity,
	apperr.CodeConcurrentRequest:   http.StatusConflict,
	apperr.CodeKeyReused:           http.StatusUnprocessableEntity,
	apperr.CodeLockTimeout:         http.StatusConflict,
	apperr.CodeInvalidTransition:   http.StatusConflict,
	apperr.CodeAPIRetryable:        http.StatusAccepted,
	apperr.CodeAPIFatal:            http.StatusBadGateway,
	apperr.CodeMaxRetries:          http.StatusBadGateway,
	apperr.CodeAlreadySent:         http.StatusConflict,
	apperr.CodeValidation:          http.StatusBadRequest,
	apperr.CodeNotFound:            http.StatusNotFound,
	apperr.CodeFundingExpired:      http.StatusGone,
	apperr.CodeFundingClosed:       http.StatusConflict,
	apperr.CodeInternal:            http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an error's code.
func StatusFor(err error) int {
	if status, ok := statusByCode[apperr.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Handle renders any error in the response envelope. Domain errors keep
// their own message; anything else is logged and reported as internal.
func Handle(ctx context.Context, w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := StatusFor(err)
	outcome := string(apperr.OutcomeOf(err))

	message := "An unexpected error occurred"
	var appErr *apperr.Error
	if errors.As(err, &appErr) && code != apperr.CodeInternal {
		message = appErr.Message
	}

	event := logger.FromContext(ctx).Warn()
	if status >= http.StatusInternalServerError {
		event = logger.FromContext(ctx).Error()
	}
	event.Err(err).
		Str("error_code", string(code)).
		Str("outcome", outcome).
		Int("status_code", status).
		Msg("Request error")

	response.Error(w, status, string(code), message, outcome)
}

// HandlePanicError logs a recovered panic and answers 500. The stack trace
// stays in the log.
func HandlePanicError(ctx context.Context, w http.ResponseWriter, panicErr interface{}, stackTrace string) {
	logger.FromContext(ctx).Error().
		Interface("panic_error", panicErr).
		Str("panic_stack", stackTrace).
		Msg("Request panic error")

	response.InternalError(w)
}

// LogValidationError logs validation errors with details
func LogValidationError(ctx context.Context, fieldErrors map[string]string) {
	errJSON, _ := json.Marshal(fieldErrors)
	logger.FromContext(ctx).Warn().
		RawJSON("validation_errors", errJSON).
		Msg("Validation error")
}
