package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vendhub/vend-api/internal/domain/idempotency"
	"github.com/vendhub/vend-api/internal/domain/lock"
	"github.com/vendhub/vend-api/internal/domain/wallet"
	"github.com/vendhub/vend-api/internal/pkg/clock"
	"github.com/vendhub/vend-api/internal/pkg/database"
	"github.com/vendhub/vend-api/internal/pkg/metrics"
	"github.com/vendhub/vend-api/internal/pkg/notify"
	"github.com/vendhub/vend-api/internal/pkg/pricing"
	"github.com/vendhub/vend-api/internal/pkg/wakeup"
)

const operationCreate = "order.create"

// Wallet is the part of the ledger wallet an order needs.
type Wallet interface {
	Debit(ctx context.Context, userID uuid.UUID, amount int64, reference string, meta wallet.Meta) (*wallet.Entry, error)
	Credit(ctx context.Context, userID uuid.UUID, amount int64, reference string, meta wallet.Meta) (*wallet.Entry, error)
}

type Guard interface {
	Execute(ctx context.Context, req idempotency.Request, fn func(ctx context.Context) (interface{}, error)) (*idempotency.Result, error)
}

// Dispatcher pushes a queued item towards its provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, itemID uuid.UUID)
}

type Deps struct {
	Repo     Repository
	Tx       database.Transactor
	Wallet   Wallet
	Prices   pricing.Resolver
	Guard    Guard
	Locks    *lock.Manager
	Owner    lock.Owner
	Notifier notify.Sink
	Wakeup   wakeup.Publisher
	Clock    clock.Clock
	// KeyBucket is the window inside which identical requests without an
	// Idempotency-Key collapse into one order.
	KeyBucket time.Duration
	// InlineDispatch pushes new items right after creation instead of
	// leaving them to the background scheduler.
	InlineDispatch bool
}

type Service struct {
	repo      Repository
	tx        database.Transactor
	wallet    Wallet
	prices    pricing.Resolver
	guard     Guard
	locks     *lock.Manager
	owner     lock.Owner
	notifier  notify.Sink
	wakeup    wakeup.Publisher
	clock     clock.Clock
	keyBucket time.Duration
	inline    bool

	dispatcher Dispatcher
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:      d.Repo,
		tx:        d.Tx,
		wallet:    d.Wallet,
		prices:    d.Prices,
		guard:     d.Guard,
		locks:     d.Locks,
		owner:     d.Owner,
		notifier:  d.Notifier,
		wakeup:    d.Wakeup,
		clock:     d.Clock,
		keyBucket: d.KeyBucket,
		inline:    d.InlineDispatch,
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.wakeup == nil {
		s.wakeup = wakeup.Nop{}
	}
	if s.owner == "" {
		s.owner = lock.NewOwner("api")
	}
	return s
}

// SetDispatcher wires the fulfillment gateway after construction; the
// gateway itself depends on this service.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// CreateResult is what CreateOrder hands back. Raw holds the exact bytes
// stored for the idempotency key, so a replay renders identically.
type CreateResult struct {
	Group    *Group
	Raw      json.RawMessage
	Replayed bool
}

type createPayload struct {
	UserID uuid.UUID   `json:"user_id"`
	Items  []ItemInput `json:"items"`
}

// CreateOrder charges the wallet once and queues one item per input line.
func (s *Service) CreateOrder(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if len(in.Items) == 0 {
		return nil, ErrEmptyOrder
	}

	key := in.IdempotencyKey
	if key == "" {
		derived, err := idempotency.DeriveKey(in.UserID.String(), operationCreate, in.Items, s.keyBucket, s.clock.Now())
		if err != nil {
			return nil, err
		}
		key = derived
	}

	var created bool
	res, err := s.guard.Execute(ctx, idempotency.Request{
		Operation: operationCreate,
		Key:       key,
		Payload:   createPayload{UserID: in.UserID, Items: in.Items},
	}, func(ctx context.Context) (interface{}, error) {
		g, fresh, err := s.createGroup(ctx, in, key)
		created = fresh
		return g, err
	})
	if err != nil {
		return nil, err
	}

	var g Group
	if err := res.Decode(&g); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	if created {
		log.Info().
			Str("order_id", g.ID.String()).
			Str("display_id", g.DisplayID).
			Str("user_id", g.UserID.String()).
			Int64("total", g.Total).
			Int("items", len(g.Items)).
			Msg("order created")

		s.wakeup.Publish(ctx)
		s.notifier.Publish(ctx, notify.Event{
			Type:    notify.EventOrderCreated,
			UserID:  g.UserID,
			Subject: g.DisplayID,
			Data:    map[string]interface{}{"total": g.Total, "items": len(g.Items)},
			At:      s.clock.Now(),
		})
		if s.inline && s.dispatcher != nil {
			dctx := context.WithoutCancel(ctx)
			for _, it := range g.Items {
				s.dispatcher.Dispatch(dctx, it.ID)
			}
		}
	}

	return &CreateResult{Group: &g, Raw: res.Response, Replayed: res.Replayed}, nil
}

func (s *Service) createGroup(ctx context.Context, in CreateInput, key string) (*Group, bool, error) {
	existing, err := s.repo.GetGroupByIdempotencyKey(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrOrderNotFound) {
		return nil, false, err
	}

	who := pricing.Requester{UserID: in.UserID, Role: in.Role, TenantID: in.TenantID}
	quotes := make([]pricing.Quote, len(in.Items))
	var total int64
	for i, line := range in.Items {
		q, err := s.prices.Resolve(ctx, who, pricing.Product{
			Code:        line.ProductCode,
			NetworkCode: line.NetworkCode,
			FaceValue:   line.Amount,
		})
		if err != nil {
			return nil, false, err
		}
		quotes[i] = q
		total += q.UnitPrice
	}

	var g *Group
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		seq, err := s.repo.NextSequence(ctx)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		g = &Group{
			ID:             uuid.New(),
			Seq:            seq,
			DisplayID:      FormatDisplayID(seq),
			UserID:         in.UserID,
			IdempotencyKey: key,
			Total:          total,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		for i, line := range in.Items {
			g.Items = append(g.Items, &Item{
				ID:            uuid.New(),
				GroupID:       g.ID,
				UserID:        in.UserID,
				ProductCode:   line.ProductCode,
				NetworkCode:   line.NetworkCode,
				ReceiverPhone: line.ReceiverPhone,
				FaceValue:     line.Amount,
				Price:         quotes[i].UnitPrice,
				Cost:          quotes[i].Cost,
				Status:        StatusCreated,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}
		if err := s.repo.CreateGroup(ctx, g); err != nil {
			return err
		}
		actor := in.UserID.String()
		for _, it := range g.Items {
			if err := s.appendTransition(ctx, it.ID, "", StatusCreated, Change{Actor: actor, Source: SourceAPI}, now); err != nil {
				return err
			}
		}

		if _, err := s.wallet.Debit(ctx, in.UserID, total, "order:"+key, wallet.Meta{
			Type:        wallet.EntryPurchase,
			Description: "order " + g.DisplayID,
			RelatedType: "order_group",
			RelatedID:   g.ID.String(),
			Actor:       actor,
		}); err != nil {
			return err
		}
		if err := s.repo.MarkDeducted(ctx, g.ID, now); err != nil {
			return err
		}
		g.WalletDeducted = true
		g.DeductedAt = &now

		for i, it := range g.Items {
			next, err := s.apply(ctx, it, StatusQueued, Change{Actor: actor, Source: SourceAPI, Reason: "paid"})
			if err != nil {
				return err
			}
			g.Items[i] = next
		}
		g.Status = AggregateStatus(g.Items)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return g, true, nil
}

// GetOrder returns the group with its items. A non-nil userID restricts the
// lookup to that owner.
func (s *Service) GetOrder(ctx context.Context, groupID, userID uuid.UUID) (*Group, error) {
	g, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if userID != uuid.Nil && g.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return g, nil
}

func (s *Service) GetItem(ctx context.Context, itemID uuid.UUID) (*Item, error) {
	return s.repo.GetItem(ctx, itemID)
}

func (s *Service) History(ctx context.Context, itemID uuid.UUID) ([]*Transition, error) {
	if _, err := s.repo.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	return s.repo.ListTransitions(ctx, itemID)
}

type CancelInput struct {
	GroupID uuid.UUID
	// RequestedBy must own the order unless Operator is set.
	RequestedBy uuid.UUID
	Operator    bool
	Reason      string
}

// CancelOrder cancels every item of a group that has not been claimed yet.
// All item leases are taken first and the items move in one transaction, so
// either every item is cancelled or none is.
func (s *Service) CancelOrder(ctx context.Context, in CancelInput) (*Group, error) {
	owner := in.RequestedBy
	if in.Operator {
		owner = uuid.Nil
	}
	g, err := s.GetOrder(ctx, in.GroupID, owner)
	if err != nil {
		return nil, err
	}
	for _, it := range g.Items {
		if err := ValidateTransition(it.Status, StatusCancelled); err != nil {
			return nil, err
		}
	}

	source := SourceAPI
	if in.Operator {
		source = SourceOperator
	}
	reason := in.Reason
	if reason == "" {
		reason = "cancelled by request"
	}

	leases := make([]*lock.Lease, 0, len(g.Items))
	defer func() {
		for _, l := range leases {
			l.Release(ctx)
		}
	}()
	for _, it := range g.Items {
		lease, err := s.locks.Acquire(ctx, it.ID, s.owner)
		if err != nil {
			return nil, err
		}
		leases = append(leases, lease)
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		for _, it := range g.Items {
			current, err := s.repo.GetItem(ctx, it.ID)
			if err != nil {
				return err
			}
			_, err = s.apply(ctx, current, StatusCancelled, Change{
				Actor:  in.RequestedBy.String(),
				Source: source,
				Reason: reason,
				Apply: func(it *Item) {
					it.FailureCode = FailureCancelled
					it.FailureReason = reason
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, it := range g.Items {
		s.refundQuietly(ctx, it.ID)
	}
	return s.repo.GetGroup(ctx, g.ID)
}

// Transition moves one item in its own transaction. The caller is expected
// to hold the item lock.
func (s *Service) Transition(ctx context.Context, itemID uuid.UUID, to Status, ch Change) (*Item, error) {
	var out *Item
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		it, err := s.repo.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		out, err = s.apply(ctx, it, to, ch)
		return err
	})
	if err != nil {
		return nil, err
	}

	switch to {
	case StatusConfirmed:
		s.notifier.Publish(ctx, notify.Event{
			Type:    notify.EventOrderConfirmed,
			UserID:  out.UserID,
			Subject: out.ID.String(),
			Data:    map[string]interface{}{"receiver_phone": out.ReceiverPhone, "amount": out.FaceValue},
			At:      s.clock.Now(),
		})
	case StatusFailed:
		s.notifier.Publish(ctx, notify.Event{
			Type:    notify.EventOrderFailed,
			UserID:  out.UserID,
			Subject: out.ID.String(),
			Data:    map[string]interface{}{"code": out.FailureCode, "reason": out.FailureReason},
			At:      s.clock.Now(),
		})
	}
	return out, nil
}

// Touch updates an item's non-status fields while it is still in expected.
func (s *Service) Touch(ctx context.Context, itemID uuid.UUID, expected Status, apply func(it *Item)) (*Item, error) {
	var out *Item
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		it, err := s.repo.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if it.Status != expected {
			return fmt.Errorf("%w: item %s is %s, expected %s", ErrInvalidTransition, itemID, it.Status, expected)
		}
		next := *it
		apply(&next)
		next.Status = expected
		next.UpdatedAt = s.clock.Now().UTC()
		if err := s.repo.UpdateItem(ctx, &next, expected); err != nil {
			return err
		}
		out = &next
		return nil
	})
	return out, err
}

// Fail moves an item to FAILED and refunds it. The refund is retried by the
// recovery sweep if it does not land here.
func (s *Service) Fail(ctx context.Context, itemID uuid.UUID, code, reason string, ch Change) (*Item, error) {
	apply := ch.Apply
	ch.Apply = func(it *Item) {
		if apply != nil {
			apply(it)
		}
		it.FailureCode = code
		it.FailureReason = reason
	}
	if ch.Reason == "" {
		ch.Reason = reason
	}
	it, err := s.Transition(ctx, itemID, StatusFailed, ch)
	if err != nil {
		return nil, err
	}
	s.refundQuietly(ctx, itemID)
	return it, nil
}

// Refund credits the item price back to its owner once. It reports false
// when the item had already been refunded.
func (s *Service) Refund(ctx context.Context, itemID uuid.UUID) (bool, error) {
	var refunded *Item
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		it, err := s.repo.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if it.Status != StatusFailed && it.Status != StatusCancelled {
			return ErrNotRefundable
		}
		if it.RefundedAt != nil {
			return nil
		}

		_, err = s.wallet.Credit(ctx, it.UserID, it.Price, "refund:"+it.ID.String(), wallet.Meta{
			Type:        wallet.EntryRefund,
			Description: "refund " + string(it.Status) + " item",
			RelatedType: "order_item",
			RelatedID:   it.ID.String(),
			Actor:       string(s.owner),
		})
		if err != nil && !errors.Is(err, wallet.ErrDuplicateReference) {
			return err
		}

		now := s.clock.Now().UTC()
		next := *it
		next.RefundedAt = &now
		next.UpdatedAt = now
		if err := s.repo.UpdateItem(ctx, &next, it.Status); err != nil {
			return err
		}
		refunded = &next
		return nil
	})
	if err != nil || refunded == nil {
		return false, err
	}

	log.Info().
		Str("item_id", itemID.String()).
		Str("user_id", refunded.UserID.String()).
		Int64("amount", refunded.Price).
		Msg("order item refunded")
	s.notifier.Publish(ctx, notify.Event{
		Type:    notify.EventOrderRefunded,
		UserID:  refunded.UserID,
		Subject: itemID.String(),
		Data:    map[string]interface{}{"amount": refunded.Price},
		At:      s.clock.Now(),
	})
	return true, nil
}

func (s *Service) refundQuietly(ctx context.Context, itemID uuid.UUID) {
	if _, err := s.Refund(ctx, itemID); err != nil {
		log.Error().Err(err).Str("item_id", itemID.String()).Msg("refund failed, left for recovery")
	}
}

// apply validates and writes one transition inside the caller's transaction.
func (s *Service) apply(ctx context.Context, it *Item, to Status, ch Change) (*Item, error) {
	from := it.Status
	if err := ValidateTransition(from, to); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	next := *it
	if ch.Apply != nil {
		ch.Apply(&next)
	}
	next.Status = to
	next.UpdatedAt = now
	if to.IsTerminal() && next.CompletedAt == nil {
		next.CompletedAt = &now
	}

	if err := s.repo.UpdateItem(ctx, &next, from); err != nil {
		return nil, err
	}
	if err := s.appendTransition(ctx, it.ID, from, to, ch, now); err != nil {
		return nil, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	log.Debug().
		Str("item_id", it.ID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("source", ch.Source).
		Msg("order item transition")
	return &next, nil
}

func (s *Service) appendTransition(ctx context.Context, itemID uuid.UUID, from, to Status, ch Change, at time.Time) error {
	return s.repo.AppendTransition(ctx, &Transition{
		ID:        uuid.New(),
		ItemID:    itemID,
		From:      from,
		To:        to,
		Actor:     ch.Actor,
		Source:    ch.Source,
		Reason:    ch.Reason,
		CreatedAt: at,
	})
}
