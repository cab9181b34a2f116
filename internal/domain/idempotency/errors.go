package idempotency

import (
	"errors"

	"github.com/vendhub/vend-api/internal/pkg/apperr"
)

var (
	ErrKeyRequired       = apperr.New(apperr.CodeValidation, "idempotency key is required")
	ErrConcurrentRequest = apperr.New(apperr.CodeConcurrentRequest, "a request with this idempotency key is already in progress")
	ErrKeyReused         = apperr.New(apperr.CodeKeyReused, "idempotency key was used with a different request")

	// ErrRecordNotFound is returned by stores when a key does not exist.
	ErrRecordNotFound = errors.New("idempotency record not found")
)
