package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestVocabulariesAreComplete(t *testing.T) {
	for _, v := range []*Vocabulary{AggregatorVocabulary, SandboxVocabulary} {
		for raw, s := range v.table {
			if !s.valid() {
				t.Errorf("%s: %q maps to %q", v.provider, raw, s)
			}
		}
	}
}

func TestNewVocabularyRejectsBadTables(t *testing.T) {
	tests := []struct {
		name  string
		table map[string]Status
	}{
		{"unknown target", map[string]Status{"ok": "DONE", "p": StatusProcessing, "f": StatusFailed}},
		{"missing failed", map[string]Status{"ok": StatusCompleted, "p": StatusProcessing}},
		{"conflict", map[string]Status{"ok": StatusCompleted, "OK": StatusFailed, "p": StatusProcessing}},
		{"empty key", map[string]Status{" ": StatusCompleted, "p": StatusProcessing, "f": StatusFailed}},
	}
	for _, tt := range tests {
		if _, err := NewVocabulary("test", tt.table); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestTranslateIsCaseInsensitive(t *testing.T) {
	s, ok := AggregatorVocabulary.Translate(" delivered ")
	if !ok || s != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s ok=%v", s, ok)
	}
	if _, ok := AggregatorVocabulary.Translate("teleported"); ok {
		t.Fatal("unknown status must not translate")
	}
}

func TestAPIErrorRetryable(t *testing.T) {
	tests := []struct {
		err  *APIError
		want bool
	}{
		{&APIError{StatusCode: 500}, true},
		{&APIError{StatusCode: 502}, true},
		{&APIError{StatusCode: 408}, true},
		{&APIError{StatusCode: 429}, true},
		{&APIError{StatusCode: 400}, false},
		{&APIError{StatusCode: 402}, false},
		{&APIError{StatusCode: 422}, false},
		{&APIError{Timeout: true}, true},
		{&APIError{Network: true}, true},
		{&APIError{StatusCode: 200, Malformed: true}, true},
	}
	for _, tt := range tests {
		if got := tt.err.Retryable(); got != tt.want {
			t.Errorf("%+v: Retryable() = %v, want %v", tt.err, got, tt.want)
		}
	}
	if IsRetryable(errors.New("boom")) {
		t.Error("plain errors are not retryable")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded is retryable")
	}
}

func TestHTTPClientPlaceOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/topups" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transaction_id":"T-1","reference":"R-1","status":"accepted"}`))
	}))
	t.Cleanup(server.Close)

	c := NewHTTPClient(HTTPConfig{BaseURL: server.URL, APIKey: "key", Timeout: time.Second})
	res, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{NetworkCode: "MTN", ReceiverPhone: "+233241234567", Amount: 500, Reference: "R-1"})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.ProviderRef != "T-1" || res.Status != StatusProcessing || res.RawStatus != "accepted" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHTTPClientErrorsClassified(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte("nope"))
		}))
		c := NewHTTPClient(HTTPConfig{BaseURL: server.URL, Timeout: time.Second})
		_, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{Reference: "R"})
		server.Close()

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("%s: expected *APIError, got %v", tt.name, err)
		}
		if apiErr.Retryable() != tt.retryable || apiErr.StatusCode != tt.status {
			t.Fatalf("%s: unexpected classification %+v", tt.name, apiErr)
		}
		if !strings.Contains(err.Error(), "body=nope") {
			t.Fatalf("%s: expected body in error, got %v", tt.name, err)
		}
	}
}

func TestHTTPClientTimeoutIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	c := NewHTTPClient(HTTPConfig{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	_, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{Reference: "R"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Timeout || !apiErr.Retryable() {
		t.Fatalf("expected retryable timeout, got %v", err)
	}
}

func TestHTTPClientCanceledCallIsRetryable(t *testing.T) {
	received := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"transaction_id":"T-1","status":"SUCCESS"}`))
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-received
		cancel()
	}()

	c := NewHTTPClient(HTTPConfig{BaseURL: server.URL, Timeout: time.Second})
	_, err := c.PlaceOrder(ctx, PlaceOrderRequest{Reference: "R"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Canceled {
		t.Fatalf("expected a canceled call, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("a call abandoned after sending must not be final: %v", err)
	}
	if !IsRetryable(context.Canceled) {
		t.Fatal("bare context.Canceled must be retryable")
	}
}

func TestHTTPClientCheckStatusNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/topups/R-404" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"transaction_id":"T-9","status":"SUCCESS"}`))
	}))
	t.Cleanup(server.Close)

	c := NewHTTPClient(HTTPConfig{BaseURL: server.URL, Timeout: time.Second})
	if _, err := c.CheckStatus(context.Background(), "R-404"); !errors.Is(err, ErrReferenceNotFound) {
		t.Fatalf("expected ErrReferenceNotFound, got %v", err)
	}
	res, err := c.CheckStatus(context.Background(), "R-1")
	if err != nil || res.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %+v err=%v", res, err)
	}
}

func TestHTTPClientMalformedBodyIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	t.Cleanup(server.Close)

	c := NewHTTPClient(HTTPConfig{BaseURL: server.URL, Timeout: time.Second})
	_, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{Reference: "R"})
	if !IsRetryable(err) {
		t.Fatalf("expected retryable malformed response, got %v", err)
	}
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func TestSandboxBehaviour(t *testing.T) {
	clk := &fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	sb := NewSandbox("", 1000, clk)
	ctx := context.Background()

	res, err := sb.PlaceOrder(ctx, PlaceOrderRequest{ReceiverPhone: "0241", Amount: 100, Reference: "a"})
	if err != nil || res.Status != StatusProcessing {
		t.Fatalf("expected PROCESSING, got %+v err=%v", res, err)
	}
	again, err := sb.PlaceOrder(ctx, PlaceOrderRequest{ReceiverPhone: "0241", Amount: 100, Reference: "a"})
	if err != nil || again.ProviderRef != res.ProviderRef {
		t.Fatalf("same reference must return the same transaction, got %+v err=%v", again, err)
	}
	if bal, _ := sb.GetBalance(ctx); bal != 900 {
		t.Fatalf("expected float 900, got %d", bal)
	}

	clk.now = clk.now.Add(sb.SettleAfter)
	st, err := sb.CheckStatus(ctx, "a")
	if err != nil || st.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED after settle, got %+v err=%v", st, err)
	}

	if _, err := sb.PlaceOrder(ctx, PlaceOrderRequest{ReceiverPhone: "0240", Amount: 1, Reference: "b"}); IsRetryable(err) || err == nil {
		t.Fatalf("expected fatal rejection, got %v", err)
	}
	if _, err := sb.PlaceOrder(ctx, PlaceOrderRequest{ReceiverPhone: "0243", Amount: 1, Reference: "c"}); !IsRetryable(err) {
		t.Fatalf("expected retryable failure, got %v", err)
	}
	if _, err := sb.CheckStatus(ctx, "c"); !errors.Is(err, ErrReferenceNotFound) {
		t.Fatalf("expected ErrReferenceNotFound, got %v", err)
	}
}

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry()
	a := NewSandbox("a", 0, nil)
	b := NewSandbox("b", 0, nil)
	r.Register(a, "mtn")
	r.Register(b, "VODAFONE")

	if p, err := r.For("MTN"); err != nil || p.Name() != "a" {
		t.Fatalf("MTN should route to a, got %v %v", p, err)
	}
	if _, err := r.For("AIRTELTIGO"); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
	r.SetFallback("b")
	if p, err := r.For("AIRTELTIGO"); err != nil || p.Name() != "b" {
		t.Fatalf("fallback should be b, got %v %v", p, err)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "a" {
		t.Fatalf("unexpected names %v", names)
	}
}
