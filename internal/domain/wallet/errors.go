package wallet

import "github.com/vendhub/vend-api/internal/pkg/apperr"

var (
	ErrInvalidAmount       = apperr.New(apperr.CodeValidation, "amount must be positive")
	ErrReferenceRequired   = apperr.New(apperr.CodeValidation, "reference is required")
	ErrInvalidEntryType    = apperr.New(apperr.CodeValidation, "unknown ledger entry type")
	ErrExceedsLocked       = apperr.New(apperr.CodeValidation, "amount exceeds locked balance")
	ErrWalletNotFound      = apperr.New(apperr.CodeWalletNotFound, "wallet not found")
	ErrWalletFrozen        = apperr.New(apperr.CodeWalletFrozen, "wallet is frozen")
	ErrInsufficientBalance = apperr.New(apperr.CodeInsufficientBalance, "insufficient wallet balance")
	ErrDuplicateReference  = apperr.New(apperr.CodeDuplicateReference, "duplicate reference")
	ErrDailyLimitExceeded  = apperr.New(apperr.CodeDailyLimitExceeded, "daily spending limit exceeded")
)
