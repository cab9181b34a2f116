package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vendhub/vend-api/internal/domain/audit"
	"github.com/vendhub/vend-api/internal/domain/lock"
	"github.com/vendhub/vend-api/internal/domain/order"
	"github.com/vendhub/vend-api/internal/pkg/apperr"
	"github.com/vendhub/vend-api/internal/pkg/clock"
	"github.com/vendhub/vend-api/internal/pkg/metrics"
	"github.com/vendhub/vend-api/internal/pkg/provider"
)

// Orders is the order state machine as the gateway uses it.
type Orders interface {
	GetItem(ctx context.Context, itemID uuid.UUID) (*order.Item, error)
	Transition(ctx context.Context, itemID uuid.UUID, to order.Status, ch order.Change) (*order.Item, error)
	Touch(ctx context.Context, itemID uuid.UUID, expected order.Status, apply func(it *order.Item)) (*order.Item, error)
	Fail(ctx context.Context, itemID uuid.UUID, code, reason string, ch order.Change) (*order.Item, error)
	Refund(ctx context.Context, itemID uuid.UUID) (bool, error)
}

type Auditor interface {
	Begin(ctx context.Context, c audit.Call) (*audit.Entry, error)
	Complete(ctx context.Context, e *audit.Entry, r audit.Result)
}

type Providers interface {
	For(network string) (provider.Provider, error)
	Get(name string) (provider.Provider, error)
}

type Config struct {
	MaxRetries      int
	ProviderTimeout time.Duration
	Backoff         Backoff
	// FloatCheck compares the provider balance with the item cost before
	// sending. The balance is shared and not reserved, so this is an
	// approximation that only saves doomed calls.
	FloatCheck bool
}

// Outcome reports where an item ended up after a push or a sync.
type Outcome struct {
	ItemID      uuid.UUID    `json:"item_id"`
	Status      order.Status `json:"status"`
	ProviderRef string       `json:"provider_ref,omitempty"`
	RetryCount  int          `json:"retry_count"`
	NextRetryAt *time.Time   `json:"next_retry_at,omitempty"`
	Code        apperr.Code  `json:"code,omitempty"`
	Message     string       `json:"message,omitempty"`
}

type Gateway struct {
	orders    Orders
	locks     *lock.Manager
	owner     lock.Owner
	providers Providers
	audit     Auditor
	clock     clock.Clock
	cfg       Config
	jitter    func() float64
}

func NewGateway(orders Orders, locks *lock.Manager, owner lock.Owner, providers Providers, auditor Auditor, clk clock.Clock, cfg Config) *Gateway {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	return &Gateway{
		orders:    orders,
		locks:     locks,
		owner:     owner,
		providers: providers,
		audit:     auditor,
		clock:     clk,
		cfg:       cfg,
		jitter:    rand.Float64,
	}
}

// Push sends a queued item to its provider at most once per attempt.
func (g *Gateway) Push(ctx context.Context, itemID uuid.UUID) (*Outcome, error) {
	return g.pushAs(ctx, itemID, order.SourceDispatch)
}

// Sync asks the provider about a sent item and reconciles it. It never sends.
func (g *Gateway) Sync(ctx context.Context, itemID uuid.UUID) (*Outcome, error) {
	return g.syncAs(ctx, itemID, order.SourceDispatch)
}

// Dispatch pushes and only logs the result.
func (g *Gateway) Dispatch(ctx context.Context, itemID uuid.UUID) {
	out, err := g.Push(ctx, itemID)
	if err != nil {
		log.Warn().Err(err).Str("item_id", itemID.String()).Msg("inline dispatch skipped")
		return
	}
	log.Info().
		Str("item_id", itemID.String()).
		Str("status", string(out.Status)).
		Str("code", string(out.Code)).
		Msg("inline dispatch finished")
}

// pushAs and syncAs stop honouring ctx once the lease is held: a call that
// reached the provider must be recorded, whatever happened to the caller.
// Every provider call is still bounded by ProviderTimeout.
func (g *Gateway) pushAs(ctx context.Context, itemID uuid.UUID, source string) (*Outcome, error) {
	var out *Outcome
	err := g.locks.WithLock(ctx, itemID, g.owner, func(ctx context.Context) error {
		var err error
		out, err = g.push(context.WithoutCancel(ctx), itemID, source)
		return err
	})
	return out, err
}

func (g *Gateway) syncAs(ctx context.Context, itemID uuid.UUID, source string) (*Outcome, error) {
	var out *Outcome
	err := g.locks.WithLock(ctx, itemID, g.owner, func(ctx context.Context) error {
		var err error
		out, err = g.sync(context.WithoutCancel(ctx), itemID, source)
		return err
	})
	return out, err
}

// requeueStale returns a LOCKED item whose claim expired to the queue.
// Nothing was sent from LOCKED, so the attempt does not count.
func (g *Gateway) requeueStale(ctx context.Context, itemID uuid.UUID) error {
	return g.locks.WithLock(ctx, itemID, g.owner, func(ctx context.Context) error {
		it, err := g.orders.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if it.Status != order.StatusLocked {
			return fmt.Errorf("%w: item is %s", order.ErrInvalidTransition, it.Status)
		}
		_, err = g.orders.Transition(ctx, itemID, order.StatusQueued,
			g.change(order.SourceRecovery, "claim expired before sending", nil))
		return err
	})
}

func (g *Gateway) push(ctx context.Context, itemID uuid.UUID, source string) (*Outcome, error) {
	it, err := g.orders.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	switch {
	case it.Status == order.StatusSent || it.Status == order.StatusConfirmed:
		return outcomeOf(it, apperr.CodeAlreadySent, ""), ErrAlreadySent
	case it.Status != order.StatusQueued:
		return outcomeOf(it, apperr.CodeInvalidTransition, ""), fmt.Errorf("%w: item is %s", order.ErrInvalidTransition, it.Status)
	case it.ProviderRef != "":
		return outcomeOf(it, apperr.CodeAlreadySent, ""), ErrAlreadySent
	}

	it, err = g.orders.Transition(ctx, itemID, order.StatusLocked, g.change(source, "claimed for dispatch", nil))
	if err != nil {
		return nil, err
	}

	if it.RetryCount >= g.cfg.MaxRetries {
		return g.fail(ctx, it, source, order.FailureMaxRetries,
			fmt.Sprintf("gave up after %d attempts", it.RetryCount), apperr.CodeMaxRetries, nil)
	}

	p, err := g.providerFor(it)
	if err != nil {
		return g.fail(ctx, it, source, order.FailureNoProvider, err.Error(), apperr.CodeAPIFatal, nil)
	}

	if g.cfg.FloatCheck {
		bal, err := p.GetBalance(ctx)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("provider", p.Name()).Msg("float check skipped")
		case bal < it.Cost:
			return g.requeue(ctx, it, source, true, fmt.Sprintf("provider float %d below cost %d", bal, it.Cost))
		}
	}

	// A previous attempt may have reached the provider. Ask before sending again.
	if it.RequestRef != "" {
		res, err := g.checkStatus(ctx, it, p)
		switch {
		case err == nil:
			it, err = g.orders.Transition(ctx, it.ID, order.StatusSent, g.change(source, "adopted previous attempt", nil))
			if err != nil {
				return nil, err
			}
			return g.settle(ctx, it, source, res)
		case errors.Is(err, provider.ErrReferenceNotFound):
		case errors.Is(err, ErrAuditFailed):
			return g.requeue(ctx, it, source, false, err.Error())
		default:
			return g.retryOrFail(ctx, it, source, err)
		}
	}

	ref := it.RequestRef
	if ref == "" {
		ref = newReference(it.ID)
	}
	now := g.clock.Now().UTC()
	it, err = g.orders.Transition(ctx, it.ID, order.StatusSent, g.change(source, "sending to "+p.Name(), func(x *order.Item) {
		x.RequestRef = ref
		x.Provider = p.Name()
		x.SentAt = &now
		x.NextRetryAt = nil
	}))
	if err != nil {
		return nil, err
	}

	req := provider.PlaceOrderRequest{
		NetworkCode:   it.NetworkCode,
		ReceiverPhone: it.ReceiverPhone,
		Amount:        it.FaceValue,
		Reference:     ref,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	entry, err := g.audit.Begin(ctx, audit.Call{
		ItemID:     it.ID,
		Provider:   p.Name(),
		Operation:  "place_order",
		RequestRef: ref,
		Request:    body,
	})
	if err != nil {
		log.Error().Err(err).Str("item_id", it.ID.String()).Msg("audit begin failed, not calling provider")
		return g.requeue(ctx, it, source, false, ErrAuditFailed.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.ProviderTimeout)
	start := time.Now()
	res, callErr := p.PlaceOrder(callCtx, req)
	elapsed := time.Since(start)
	cancel()

	g.audit.Complete(ctx, entry, auditResult(res, callErr, elapsed))

	if callErr != nil {
		if provider.IsRetryable(callErr) {
			return g.retryOrFail(ctx, it, source, callErr)
		}
		return g.fail(ctx, it, source, order.FailureAPIFatal, callErr.Error(), apperr.CodeAPIFatal, nil)
	}
	return g.settle(ctx, it, source, res)
}

func (g *Gateway) sync(ctx context.Context, itemID uuid.UUID, source string) (*Outcome, error) {
	it, err := g.orders.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if it.Status.IsTerminal() {
		return outcomeOf(it, "", ""), nil
	}
	if it.Status != order.StatusSent || it.RequestRef == "" {
		return outcomeOf(it, apperr.CodeInvalidTransition, ""), ErrNotInFlight
	}

	p, err := g.providers.Get(it.Provider)
	if err != nil {
		return nil, err
	}
	res, err := g.checkStatus(ctx, it, p)
	switch {
	case err == nil:
		return g.settle(ctx, it, source, res)
	case errors.Is(err, provider.ErrReferenceNotFound):
		it, err = g.orders.Transition(ctx, it.ID, order.StatusQueued, g.change(source, "provider has no record of the reference", func(x *order.Item) {
			x.NextRetryAt = nil
		}))
		if err != nil {
			return nil, err
		}
		return outcomeOf(it, "", "re-queued, provider never received the request"), nil
	default:
		log.Warn().Err(err).Str("item_id", it.ID.String()).Msg("status check failed, item stays sent")
		return outcomeOf(it, apperr.CodeAPIRetryable, err.Error()), nil
	}
}

func (g *Gateway) checkStatus(ctx context.Context, it *order.Item, p provider.Provider) (*provider.Result, error) {
	body, err := json.Marshal(map[string]string{"reference": it.RequestRef})
	if err != nil {
		return nil, err
	}
	entry, err := g.audit.Begin(ctx, audit.Call{
		ItemID:     it.ID,
		Provider:   p.Name(),
		Operation:  "check_status",
		RequestRef: it.RequestRef,
		Request:    body,
	})
	if err != nil {
		log.Error().Err(err).Str("item_id", it.ID.String()).Msg("audit begin failed, not checking status")
		return nil, ErrAuditFailed
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.ProviderTimeout)
	start := time.Now()
	res, callErr := p.CheckStatus(callCtx, it.RequestRef)
	elapsed := time.Since(start)
	cancel()

	g.audit.Complete(ctx, entry, auditResult(res, callErr, elapsed))
	return res, callErr
}

// settle applies a provider answer to an item that is SENT.
func (g *Gateway) settle(ctx context.Context, it *order.Item, source string, res *provider.Result) (*Outcome, error) {
	record := func(x *order.Item) {
		if res.ProviderRef != "" {
			x.ProviderRef = res.ProviderRef
		}
		x.ProviderStatus = res.RawStatus
	}

	switch res.Status {
	case provider.StatusCompleted:
		it, err := g.orders.Transition(ctx, it.ID, order.StatusConfirmed, g.change(source, "provider confirmed", record))
		if err != nil {
			return nil, err
		}
		log.Info().Str("item_id", it.ID.String()).Str("provider_ref", it.ProviderRef).Msg("order item confirmed")
		return outcomeOf(it, "", ""), nil
	case provider.StatusFailed:
		return g.fail(ctx, it, source, order.FailureProvider, "provider reported "+res.RawStatus, apperr.CodeAPIFatal, record)
	default:
		it, err := g.orders.Touch(ctx, it.ID, order.StatusSent, record)
		if err != nil {
			return nil, err
		}
		return outcomeOf(it, "", "awaiting provider confirmation"), nil
	}
}

func (g *Gateway) retryOrFail(ctx context.Context, it *order.Item, source string, cause error) (*Outcome, error) {
	return g.requeue(ctx, it, source, true, cause.Error())
}

// requeue puts a LOCKED or SENT item back in the queue with backoff. When
// the attempt counts and it was the last one, the item fails instead.
func (g *Gateway) requeue(ctx context.Context, it *order.Item, source string, countAttempt bool, reason string) (*Outcome, error) {
	attempts := it.RetryCount
	if countAttempt {
		attempts++
	}
	if attempts >= g.cfg.MaxRetries {
		return g.fail(ctx, it, source, order.FailureMaxRetries,
			fmt.Sprintf("gave up after %d attempts: %s", attempts, reason), apperr.CodeMaxRetries,
			func(x *order.Item) { x.RetryCount = attempts })
	}

	next := g.clock.Now().UTC().Add(g.cfg.Backoff.Delay(it.RetryCount, g.jitter()))
	it, err := g.orders.Transition(ctx, it.ID, order.StatusQueued, g.change(source, reason, func(x *order.Item) {
		x.RetryCount = attempts
		x.NextRetryAt = &next
	}))
	if err != nil {
		return nil, err
	}

	code := apperr.CodeInternal
	if countAttempt {
		code = apperr.CodeAPIRetryable
		metrics.RetriesScheduledTotal.Inc()
	}
	log.Warn().
		Str("item_id", it.ID.String()).
		Int("retry_count", it.RetryCount).
		Time("next_retry_at", next).
		Str("reason", reason).
		Msg("order item re-queued")
	return outcomeOf(it, code, reason), nil
}

func (g *Gateway) fail(ctx context.Context, it *order.Item, source, failure, reason string, code apperr.Code, apply func(*order.Item)) (*Outcome, error) {
	it, err := g.orders.Fail(ctx, it.ID, failure, reason, g.change(source, reason, apply))
	if err != nil {
		return nil, err
	}
	log.Warn().
		Str("item_id", it.ID.String()).
		Str("failure_code", failure).
		Str("reason", reason).
		Msg("order item failed")
	return outcomeOf(it, code, reason), nil
}

func (g *Gateway) providerFor(it *order.Item) (provider.Provider, error) {
	if it.Provider != "" {
		return g.providers.Get(it.Provider)
	}
	return g.providers.For(it.NetworkCode)
}

func (g *Gateway) change(source, reason string, apply func(*order.Item)) order.Change {
	return order.Change{Actor: string(g.owner), Source: source, Reason: reason, Apply: apply}
}

// newReference is derived from the item so every attempt for one item
// carries the same reference.
func newReference(itemID uuid.UUID) string {
	return "VH" + strings.ToUpper(strings.ReplaceAll(itemID.String(), "-", ""))
}

func outcomeOf(it *order.Item, code apperr.Code, msg string) *Outcome {
	return &Outcome{
		ItemID:      it.ID,
		Status:      it.Status,
		ProviderRef: it.ProviderRef,
		RetryCount:  it.RetryCount,
		NextRetryAt: it.NextRetryAt,
		Code:        code,
		Message:     msg,
	}
}

func auditResult(res *provider.Result, err error, elapsed time.Duration) audit.Result {
	r := audit.Result{Err: err, Elapsed: elapsed}
	if res != nil {
		r.Response = res.Raw
		r.StatusCode = res.HTTPStatus
		r.Outcome = string(res.Status)
		return r
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		r.Response = []byte(apiErr.Body)
		r.StatusCode = apiErr.StatusCode
	}
	r.Outcome = "error"
	return r
}
