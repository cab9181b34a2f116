package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vendhub/vend-api/internal/pkg/clock"
)

// SandboxVocabulary is the simulator's own status table.
var SandboxVocabulary = MustVocabulary("sandbox", map[string]Status{
	"pending":  StatusProcessing,
	"done":     StatusCompleted,
	"rejected": StatusFailed,
})

// Sandbox is a deterministic in-process provider for development and tests.
// The last digit of the receiver phone picks the behaviour:
//
//	0  rejected with 422 (fatal)
//	1  accepted as pending, done after SettleAfter
//	2  accepted then rejected
//	3  503 without recording anything (retryable)
//	*  done immediately
type Sandbox struct {
	mu     sync.Mutex
	name   string
	clock  clock.Clock
	float  int64
	orders map[string]*sandboxOrder

	SettleAfter time.Duration
}

type sandboxOrder struct {
	ID        string `json:"transaction_id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	settleAt  time.Time
}

func NewSandbox(name string, float int64, clk clock.Clock) *Sandbox {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if name == "" {
		name = "sandbox"
	}
	return &Sandbox{
		name:        name,
		clock:       clk,
		float:       float,
		orders:      make(map[string]*sandboxOrder),
		SettleAfter: 30 * time.Second,
	}
}

func (s *Sandbox) Name() string { return s.name }

func (s *Sandbox) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &APIError{Provider: s.name, Operation: "place_order", Timeout: true, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Same reference, same transaction.
	if o, ok := s.orders[req.Reference]; ok {
		return s.result(o)
	}

	switch lastDigit(req.ReceiverPhone) {
	case '0':
		return nil, &APIError{Provider: s.name, Operation: "place_order", StatusCode: http.StatusUnprocessableEntity, Body: `{"message":"number barred"}`}
	case '3':
		return nil, &APIError{Provider: s.name, Operation: "place_order", StatusCode: http.StatusServiceUnavailable, Body: `{"message":"upstream busy"}`}
	}
	if s.float < req.Amount {
		return nil, &APIError{Provider: s.name, Operation: "place_order", StatusCode: http.StatusServiceUnavailable, Body: `{"message":"insufficient float"}`}
	}

	o := &sandboxOrder{ID: "SBX-" + uuid.NewString()[:12], Reference: req.Reference, Status: "done"}
	switch lastDigit(req.ReceiverPhone) {
	case '1':
		o.Status = "pending"
		o.settleAt = s.clock.Now().Add(s.SettleAfter)
	case '2':
		o.Status = "rejected"
	}
	if o.Status != "rejected" {
		s.float -= req.Amount
	}
	s.orders[req.Reference] = o
	return s.result(o)
}

func (s *Sandbox) CheckStatus(ctx context.Context, reference string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &APIError{Provider: s.name, Operation: "check_status", Timeout: true, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[reference]
	if !ok {
		return nil, ErrReferenceNotFound
	}
	if o.Status == "pending" && !s.clock.Now().Before(o.settleAt) {
		o.Status = "done"
	}
	return s.result(o)
}

func (s *Sandbox) GetBalance(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.float, nil
}

func (s *Sandbox) result(o *sandboxOrder) (*Result, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	st, _ := SandboxVocabulary.Translate(o.Status)
	return &Result{ProviderRef: o.ID, Status: st, RawStatus: o.Status, Raw: raw, HTTPStatus: http.StatusOK}, nil
}

func lastDigit(phone string) byte {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return 0
	}
	return phone[len(phone)-1]
}
