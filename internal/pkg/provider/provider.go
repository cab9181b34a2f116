// Package provider talks to the external top-up providers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vendhub/vend-api/internal/pkg/metrics"
)

// Status is the internal vocabulary every provider status is translated into.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

func (s Status) valid() bool {
	return s == StatusProcessing || s == StatusCompleted || s == StatusFailed
}

var (
	// ErrReferenceNotFound means the provider has no record of the reference,
	// so the request never reached it.
	ErrReferenceNotFound = errors.New("provider: reference not found")
	ErrNoProvider        = errors.New("provider: no provider for network")
)

// Provider is the contract every upstream integration implements.
type Provider interface {
	Name() string
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Result, error)
	CheckStatus(ctx context.Context, reference string) (*Result, error)
	GetBalance(ctx context.Context) (int64, error)
}

type PlaceOrderRequest struct {
	NetworkCode   string `json:"network_code"`
	ReceiverPhone string `json:"receiver_phone"`
	Amount        int64  `json:"amount"`
	// Reference is ours; providers dedupe on it.
	Reference string `json:"reference"`
}

type Result struct {
	ProviderRef string
	Status      Status
	RawStatus   string
	Raw         []byte
	// HTTPStatus is the transport status code, zero for clients without one.
	HTTPStatus int
}

// APIError is a failed call. Whether it may be retried depends on how it failed.
type APIError struct {
	Provider   string
	Operation  string
	StatusCode int
	Body       string
	Timeout    bool
	Network    bool
	// Malformed marks a response that arrived but could not be read; the
	// provider may have acted on the request.
	Malformed bool
	// Canceled marks a call abandoned on our side after it may have been sent.
	Canceled bool
	Err      error
}

func (e *APIError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s %s timeout: %v", e.Provider, e.Operation, e.Err)
	case e.Network:
		return fmt.Sprintf("%s %s network error: %v", e.Provider, e.Operation, e.Err)
	case e.Canceled:
		return fmt.Sprintf("%s %s canceled: %v", e.Provider, e.Operation, e.Err)
	case e.Malformed:
		return fmt.Sprintf("%s %s malformed response: status=%d: %v", e.Provider, e.Operation, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s %s http error: status=%d body=%s", e.Provider, e.Operation, e.StatusCode, e.Body)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable: network failures, timeouts, 5xx, 408 and 429.
func (e *APIError) Retryable() bool {
	if e.Timeout || e.Network || e.Malformed || e.Canceled {
		return true
	}
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable classifies any error returned by a Provider.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

type instrumented struct {
	Provider
}

// Instrument records call counts and latency for p.
func Instrument(p Provider) Provider {
	return instrumented{Provider: p}
}

func (p instrumented) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Result, error) {
	start := time.Now()
	res, err := p.Provider.PlaceOrder(ctx, req)
	p.observe("place_order", start, err)
	return res, err
}

func (p instrumented) CheckStatus(ctx context.Context, reference string) (*Result, error) {
	start := time.Now()
	res, err := p.Provider.CheckStatus(ctx, reference)
	p.observe("check_status", start, err)
	return res, err
}

func (p instrumented) GetBalance(ctx context.Context) (int64, error) {
	start := time.Now()
	bal, err := p.Provider.GetBalance(ctx)
	p.observe("get_balance", start, err)
	return bal, err
}

func (p instrumented) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrReferenceNotFound):
		result = "not_found"
	case IsRetryable(err):
		result = "retryable"
	default:
		result = "fatal"
	}
	name := p.Provider.Name()
	metrics.ProviderCallsTotal.WithLabelValues(name, op, result).Inc()
	metrics.ProviderCallDuration.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
}
