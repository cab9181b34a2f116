package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultTimeout = 30 * time.Second

// AggregatorVocabulary is the status table of the JSON REST aggregator.
var AggregatorVocabulary = MustVocabulary("aggregator", map[string]Status{
	"ACCEPTED":    StatusProcessing,
	"QUEUED":      StatusProcessing,
	"IN_PROGRESS": StatusProcessing,
	"SUCCESS":     StatusCompleted,
	"DELIVERED":   StatusCompleted,
	"FAILED":      StatusFailed,
	"REJECTED":    StatusFailed,
	"REVERSED":    StatusFailed,
})

type HTTPConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Vocabulary defaults to AggregatorVocabulary.
	Vocabulary *Vocabulary
}

// HTTPClient is a Provider speaking the aggregator's JSON API.
type HTTPClient struct {
	name    string
	baseURL string
	apiKey  string
	vocab   *Vocabulary
	http    *http.Client
}

type topupRequest struct {
	Network   string `json:"network"`
	MSISDN    string `json:"msisdn"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

type topupResponse struct {
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	vocab := cfg.Vocabulary
	if vocab == nil {
		vocab = AggregatorVocabulary
	}
	name := cfg.Name
	if name == "" {
		name = "aggregator"
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTPClient{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		vocab:   vocab,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

func (c *HTTPClient) Name() string { return c.name }

func (c *HTTPClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Result, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return nil, fmt.Errorf("%s place_order: reference is empty", c.name)
	}
	payload, err := json.Marshal(topupRequest{
		Network:   req.NetworkCode,
		MSISDN:    req.ReceiverPhone,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		return nil, fmt.Errorf("%s place_order: %w", c.name, err)
	}

	status, body, err := c.do(ctx, "place_order", http.MethodPost, "/v1/topups", payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusAccepted {
		return nil, &APIError{Provider: c.name, Operation: "place_order", StatusCode: status, Body: truncate(body)}
	}
	return c.decodeTopup("place_order", status, body)
}

func (c *HTTPClient) CheckStatus(ctx context.Context, reference string) (*Result, error) {
	status, body, err := c.do(ctx, "check_status", http.MethodGet, "/v1/topups/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return c.decodeTopup("check_status", status, body)
	case http.StatusNotFound:
		return nil, ErrReferenceNotFound
	default:
		return nil, &APIError{Provider: c.name, Operation: "check_status", StatusCode: status, Body: truncate(body)}
	}
}

func (c *HTTPClient) GetBalance(ctx context.Context) (int64, error) {
	status, body, err := c.do(ctx, "get_balance", http.MethodGet, "/v1/balance", nil)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, &APIError{Provider: c.name, Operation: "get_balance", StatusCode: status, Body: truncate(body)}
	}
	var resp balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &APIError{Provider: c.name, Operation: "get_balance", StatusCode: status, Malformed: true, Err: err}
	}
	return resp.Balance, nil
}

func (c *HTTPClient) decodeTopup(op string, status int, body []byte) (*Result, error) {
	var resp topupResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{Provider: c.name, Operation: op, StatusCode: status, Malformed: true, Err: err}
	}
	s, ok := c.vocab.Translate(resp.Status)
	if !ok {
		// Unknown means we cannot tell; keep polling rather than guess.
		log.Warn().Str("provider", c.name).Str("status", resp.Status).Msg("unknown provider status, treating as processing")
		s = StatusProcessing
	}
	return &Result{ProviderRef: resp.TransactionID, Status: s, RawStatus: resp.Status, Raw: body, HTTPStatus: status}, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, payload []byte) (int, []byte, error) {
	if c.baseURL == "" {
		return 0, nil, fmt.Errorf("%s %s: base_url is empty", c.name, op)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", c.name, op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, c.classifyRequestError(ctx, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, &APIError{Provider: c.name, Operation: op, StatusCode: resp.StatusCode, Malformed: true, Err: err}
	}
	return resp.StatusCode, body, nil
}

func (c *HTTPClient) classifyRequestError(ctx context.Context, op string, err error) error {
	apiErr := &APIError{Provider: c.name, Operation: op, Err: err}
	switch {
	case isTimeoutError(ctx, err):
		apiErr.Timeout = true
	case errors.Is(err, context.Canceled):
		apiErr.Canceled = true
	case isNetworkError(err):
		apiErr.Network = true
	}
	return apiErr
}

func isTimeoutError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH)
}

func truncate(body []byte) string {
	const limit = 2000
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}
