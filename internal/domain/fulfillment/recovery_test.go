package fulfillment_test

import (
	"context"
	"testing"
	"time"

	"github.com/vendhub/vend-api/internal/domain/fulfillment"
	"github.com/vendhub/vend-api/internal/domain/order"
	"github.com/vendhub/vend-api/internal/pkg/provider"
)

// crashAfterSend leaves an item the way a worker that died mid-call would:
// SENT, with a reference persisted, and no live lock.
func (f *fixture) crashAfterSend(t *testing.T, it *order.Item, age time.Duration) string {
	t.Helper()
	stored := f.item(t, it.ID)
	sentAt := f.clk.Now().Add(-age)
	stored.Status = order.StatusSent
	stored.Provider = "fake"
	stored.RequestRef = "VH-CRASHED-" + it.ID.String()[:8]
	stored.SentAt = &sentAt
	f.store.Put(stored)
	return stored.RequestRef
}

func newRecovery(f *fixture) *fulfillment.Recovery {
	return fulfillment.NewRecovery(f.store, f.gateway, f.clk, fulfillment.RecoveryConfig{Grace: 5 * time.Minute})
}

func TestRecoveryResolvesCrashedSendWithoutResending(t *testing.T) {
	f := newFixture(t, fulfillment.Config{})
	it, _ := f.queued(t)
	ref := f.crashAfterSend(t, it, 10*time.Minute)
	f.provider.setKnown(ref, &provider.Result{ProviderRef: "P-77", Status: provider.StatusCompleted, RawStatus: "SUCCESS"})

	rep, err := newRecovery(f).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if rep.Synced != 1 || rep.Errors != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	got := f.item(t, it.ID)
	if got.Status != order.StatusConfirmed || got.ProviderRef != "P-77" {
		t.Fatalf("expected CONFIRMED with P-77, got %s %q", got.Status, got.ProviderRef)
	}
	if place, status := f.provider.calls(); place != 0 || status != 1 {
		t.Fatalf("recovery must only query: place=%d status=%d", place, status)
	}
}

func TestRecoveryFailsAndRefundsRejectedSend(t *testing.T) {
	f := newFixture(t, fulfillment.Config{})
	it, userID := f.queued(t)
	ref := f.crashAfterSend(t, it, 10*time.Minute)
	f.provider.setKnown(ref, &provider.Result{Status: provider.StatusFailed, RawStatus: "REJECTED"})

	if _, err := newRecovery(f).RunOnce(context.Background()); err != nil {
		t.Fatalf("recovery: %v", err)
	}

	got := f.item(t, it.ID)
	if got.Status != order.StatusFailed || got.FailureCode != order.FailureProvider {
		t.Fatalf("expected provider failure, got %s %q", got.Status, got.FailureCode)
	}
	if got.RefundedAt == nil || f.balance(t, userID) != 500 {
		t.Fatalf("expected refund, balance %d", f.balance(t, userID))
	}
	if place, _ := f.provider.calls(); place != 0 {
		t.Fatalf("recovery resent the order: %d", place)
	}
}

func TestRecoveryRequeuesUnknownReference(t *testing.T) {
	f := newFixture(t, fulfillment.Config{})
	it, _ := f.queued(t)
	f.crashAfterSend(t, it, 10*time.Minute)

	if _, err := newRecovery(f).RunOnce(context.Background()); err != nil {
		t.Fatalf("recovery: %v", err)
	}

	got := f.item(t, it.ID)
	if got.Status != order.StatusQueued || got.RetryCount != 0 {
		t.Fatalf("expected QUEUED with no attempt counted, got %s/%d", got.Status, got.RetryCount)
	}
	if got.RequestRef == "" {
		t.Fatal("request reference must survive the re-queue")
	}
}

func TestRecoveryLeavesRecentSendsAlone(t *testing.T) {
	f := newFixture(t, fulfillment.Config{})
	it, _ := f.queued(t)
	f.crashAfterSend(t, it, time.Minute)

	rep, err := newRecovery(f).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if rep.Synced != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if _, status := f.provider.calls(); status != 0 {
		t.Fatalf("send inside the grace window was queried: %d", status)
	}
}

func TestRecoveryKeepsStatusErrorsInFlight(t *testing.T) {
	f := newFixture(t, fulfillment.Config{})
	it, _ := f.queued(t)
	f.crashAfterSend(t, it, 10*time.Minute)
	f.provider.statusErr = &provider.APIError{Provider: "fake", Operation: "check_status", StatusCode: 502}

	rep, err := newRecovery(f).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if rep.Synced != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if got := f.item(t, it.ID); got.Status != order.StatusSent {
		t.Fatalf("expected item to stay SENT, got %s", got.Status)
	}
}

func TestRecoveryRequeuesAbandonedClaims(t *testing.T) {
	f := newFixture(t, fulfillment.Config{})
	it, _ := f.queued(t)

	stored := f.item(t, it.ID)
	stored.Status = order.StatusLocked
	f.store.Put(stored)
	f.store.Seize(it.ID, "dead:worker", f.clk.Now().Add(-time.Minute))

	rep, err := newRecovery(f).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if rep.Requeued != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if got := f.item(t, it.ID); got.Status != order.StatusQueued || got.RetryCount != 0 {
		t.Fatalf("expected QUEUED, got %s/%d", got.Status, got.RetryCount)
	}
}

func TestRecoveryRetriesMissedRefundsOnce(t *testing.T) {
	f := newFixture(t, fulfillment.Config{})
	it, userID := f.queued(t)

	stored := f.item(t, it.ID)
	stored.Status = order.StatusFailed
	stored.FailureCode = order.FailureAPIFatal
	f.store.Put(stored)

	rec := newRecovery(f)
	rep, err := rec.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if rep.Refunded != 1 || f.balance(t, userID) != 500 {
		t.Fatalf("expected one refund, report %+v balance %d", rep, f.balance(t, userID))
	}

	rep, err = rec.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second recovery: %v", err)
	}
	if rep.Refunded != 0 || f.balance(t, userID) != 500 {
		t.Fatalf("refund repeated, report %+v balance %d", rep, f.balance(t, userID))
	}
}
