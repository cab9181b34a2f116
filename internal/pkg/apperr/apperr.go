package apperr

import "errors"

// Code is a stable, machine-readable error identifier returned to callers.
type Code string

const (
	CodeWalletNotFound      Code = "WALLET_NOT_FOUND"
	CodeWalletFrozen        Code = "WALLET_FROZEN"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeDuplicateReference  Code = "DUPLICATE_REFERENCE"
	CodeDailyLimitExceeded  Code = "DAILY_LIMIT_EXCEEDED"
	CodeConcurrentRequest   Code = "CONCURRENT_REQUEST"
	CodeKeyReused           Code = "IDEMPOTENCY_KEY_REUSED"
	CodeLockTimeout         Code = "LOCK_TIMEOUT"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeAPIRetryable        Code = "API_ERROR_RETRYABLE"
	CodeAPIFatal            Code = "API_ERROR_FATAL"
	CodeMaxRetries          Code = "MAX_RETRIES_EXCEEDED"
	CodeAlreadySent         Code = "ALREADY_SENT"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeFundingExpired      Code = "FUNDING_EXPIRED"
	CodeFundingClosed       Code = "FUNDING_CLOSED"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Outcome tells the customer what happened to their money.
type Outcome string

const (
	// OutcomeSafe: nothing happened, funds untouched.
	OutcomeSafe Outcome = "safe"
	// OutcomePending: the request is in progress and will settle on its own.
	OutcomePending Outcome = "pending"
	// OutcomeFailed: permanently failed, refund has been or will be issued.
	OutcomeFailed Outcome = "failed"
)

var outcomes = map[Code]Outcome{
	CodeWalletNotFound:      OutcomeSafe,
	CodeWalletFrozen:        OutcomeSafe,
	CodeInsufficientBalance: OutcomeSafe,
	CodeDuplicateReference:  OutcomeSafe,
	CodeDailyLimitExceeded:  OutcomeSafe,
	CodeConcurrentRequest:   OutcomePending,
	CodeKeyReused:           OutcomeSafe,
	CodeLockTimeout:         OutcomePending,
	CodeInvalidTransition:   OutcomeSafe,
	CodeAPIRetryable:        OutcomePending,
	CodeAPIFatal:            OutcomeFailed,
	CodeMaxRetries:          OutcomeFailed,
	CodeAlreadySent:         OutcomePending,
	CodeValidation:          OutcomeSafe,
	CodeNotFound:            OutcomeSafe,
	CodeFundingExpired:      OutcomeSafe,
	CodeFundingClosed:       OutcomeSafe,
	CodeInternal:            OutcomePending,
}

// Error is a sentinel domain error. Compare with errors.Is.
type Error struct {
	Code    Code
	Message string
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string { return e.Message }

// Outcome returns the customer-facing outcome class of the error code.
func (e *Error) Outcome() Outcome {
	if o, ok := outcomes[e.Code]; ok {
		return o
	}
	return OutcomePending
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// OutcomeOf returns the outcome class for any error.
func OutcomeOf(err error) Outcome {
	var e *Error
	if errors.As(err, &e) {
		return e.Outcome()
	}
	return OutcomePending
}

// Internal is wrapped by repositories and services for infrastructure failures.
var Internal = New(CodeInternal, "internal error")
