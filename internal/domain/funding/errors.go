package funding

import "github.com/vendhub/vend-api/internal/pkg/apperr"

var (
	ErrNotFound      = apperr.New(apperr.CodeNotFound, "funding transaction not found")
	ErrExpired       = apperr.New(apperr.CodeFundingExpired, "funding transaction has expired")
	ErrClosed        = apperr.New(apperr.CodeFundingClosed, "funding transaction is already closed")
	ErrInvalidAmount = apperr.New(apperr.CodeValidation, "amount must be positive")
	ErrSameWallet    = apperr.New(apperr.CodeValidation, "source and target must differ")
)
