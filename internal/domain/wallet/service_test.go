package wallet_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vendhub/vend-api/internal/domain/wallet"
	"github.com/vendhub/vend-api/internal/domain/wallet/wallettest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newService(t *testing.T) (*wallet.Service, *wallettest.Store, *fakeClock) {
	t.Helper()
	store := wallettest.NewStore()
	clk := &fakeClock{now: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)}
	return wallet.NewService(store, wallettest.Tx{}, clk, time.UTC), store, clk
}

func TestCreditDebitKeepsBalanceEqualToLedger(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := svc.Credit(ctx, userID, 100, "dep-1", wallet.Meta{}); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	entry, err := svc.Debit(ctx, userID, 60, "order-1", wallet.Meta{Description: "airtime"})
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if entry.Amount != -60 || entry.RunningBalance != 40 || entry.Type != wallet.EntryPurchase {
		t.Fatalf("unexpected debit entry: %+v", entry)
	}

	w, err := svc.Get(ctx, userID)
	if err != nil {
		t.Fatalf("get wallet failed: %v", err)
	}
	if w.Balance != 40 {
		t.Fatalf("expected balance 40, got %d", w.Balance)
	}

	report, err := svc.Verify(ctx, userID)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !report.IsValid || report.LedgerSum != 40 || report.EntryCount != 2 {
		t.Fatalf("expected valid ledger summing to 40, got %+v", report)
	}
}

func TestDebitRespectsLockedBalance(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := svc.Credit(ctx, userID, 100, "dep-2", wallet.Meta{}); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if _, err := svc.Lock(ctx, userID, 70); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	_, err := svc.Debit(ctx, userID, 31, "order-2", wallet.Meta{})
	if !errors.Is(err, wallet.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := svc.Debit(ctx, userID, 30, "order-3", wallet.Meta{}); err != nil {
		t.Fatalf("debit within available failed: %v", err)
	}
}

func TestDuplicateReferenceRejected(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := svc.Credit(ctx, userID, 50, "dep-3", wallet.Meta{}); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	_, err := svc.Credit(ctx, userID, 50, "dep-3", wallet.Meta{})
	if !errors.Is(err, wallet.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	w, _ := svc.Get(ctx, userID)
	if w.Balance != 50 {
		t.Fatalf("replayed reference changed balance: %d", w.Balance)
	}
}

func TestFrozenWalletRejectsMutations(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := svc.Credit(ctx, userID, 100, "dep-4", wallet.Meta{}); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if _, err := svc.Lock(ctx, userID, 30); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if _, err := svc.Freeze(ctx, userID, "chargeback investigation"); err != nil {
		t.Fatalf("freeze failed: %v", err)
	}

	if _, err := svc.Credit(ctx, userID, 1, "dep-5", wallet.Meta{}); !errors.Is(err, wallet.ErrWalletFrozen) {
		t.Fatalf("credit: expected ErrWalletFrozen, got %v", err)
	}
	if _, err := svc.Debit(ctx, userID, 1, "order-4", wallet.Meta{}); !errors.Is(err, wallet.ErrWalletFrozen) {
		t.Fatalf("debit: expected ErrWalletFrozen, got %v", err)
	}
	if _, err := svc.Lock(ctx, userID, 1); !errors.Is(err, wallet.ErrWalletFrozen) {
		t.Fatalf("lock: expected ErrWalletFrozen, got %v", err)
	}

	w, err := svc.Unlock(ctx, userID, 30)
	if err != nil {
		t.Fatalf("unlock on a frozen wallet: %v", err)
	}
	if w.LockedBalance != 0 || w.Balance != 100 || !w.Frozen {
		t.Fatalf("expected frozen wallet 100/0 after unlock, got %d/%d frozen=%v", w.Balance, w.LockedBalance, w.Frozen)
	}

	if _, err := svc.Unfreeze(ctx, userID, "resolved"); err != nil {
		t.Fatalf("unfreeze failed: %v", err)
	}
	if _, err := svc.Debit(ctx, userID, 1, "order-4", wallet.Meta{}); err != nil {
		t.Fatalf("debit after unfreeze failed: %v", err)
	}
}

func TestDailyLimitResetsAtLocalMidnight(t *testing.T) {
	store := wallettest.NewStore()
	store.DefaultDailyLimit = 100
	clk := &fakeClock{now: time.Date(2026, 10, 15, 22, 30, 0, 0, time.UTC)}
	svc := wallet.NewService(store, wallettest.Tx{}, clk, time.UTC)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := svc.Credit(ctx, userID, 500, "dep-6", wallet.Meta{}); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if _, err := svc.Debit(ctx, userID, 60, "order-5", wallet.Meta{}); err != nil {
		t.Fatalf("first debit failed: %v", err)
	}
	if _, err := svc.Debit(ctx, userID, 50, "order-6", wallet.Meta{}); !errors.Is(err, wallet.ErrDailyLimitExceeded) {
		t.Fatalf("expected ErrDailyLimitExceeded, got %v", err)
	}

	clk.Set(time.Date(2026, 10, 16, 0, 1, 0, 0, time.UTC))
	if _, err := svc.Debit(ctx, userID, 50, "order-6", wallet.Meta{}); err != nil {
		t.Fatalf("debit after midnight failed: %v", err)
	}

	w, _ := svc.Get(ctx, userID)
	if w.DailySpent != 50 || w.Balance != 390 {
		t.Fatalf("unexpected wallet after reset: spent=%d balance=%d", w.DailySpent, w.Balance)
	}
}

func TestLockUnlockAndSettle(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := svc.Credit(ctx, userID, 100, "dep-7", wallet.Meta{}); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if _, err := svc.Lock(ctx, userID, 101); !errors.Is(err, wallet.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance when locking above balance, got %v", err)
	}
	if _, err := svc.Lock(ctx, userID, 80); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if _, err := svc.Unlock(ctx, userID, 90); !errors.Is(err, wallet.ErrExceedsLocked) {
		t.Fatalf("expected ErrExceedsLocked, got %v", err)
	}
	if _, err := svc.Unlock(ctx, userID, 30); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}

	entry, err := svc.SettleLocked(ctx, userID, 50, "settle-1", wallet.Meta{})
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if entry.Type != wallet.EntryWithdrawal || entry.RunningBalance != 50 {
		t.Fatalf("unexpected settle entry: %+v", entry)
	}

	w, _ := svc.Get(ctx, userID)
	if w.Balance != 50 || w.LockedBalance != 0 {
		t.Fatalf("expected balance 50 locked 0, got %d/%d", w.Balance, w.LockedBalance)
	}
}

func TestInvalidInputs(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := svc.Credit(ctx, userID, 0, "x", wallet.Meta{}); !errors.Is(err, wallet.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.Debit(ctx, userID, 1, "", wallet.Meta{}); !errors.Is(err, wallet.ErrReferenceRequired) {
		t.Fatalf("expected ErrReferenceRequired, got %v", err)
	}
	if _, err := svc.Credit(ctx, userID, 1, "x", wallet.Meta{Type: "bonus"}); !errors.Is(err, wallet.ErrInvalidEntryType) {
		t.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
	if _, err := svc.Get(ctx, uuid.New()); !errors.Is(err, wallet.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestConcurrentMutationsKeepLedgerConsistent(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := svc.Credit(ctx, userID, 100, "seed", wallet.Meta{}); err != nil {
		t.Fatalf("seed credit failed: %v", err)
	}

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%3 == 0 {
				_, err = svc.Credit(ctx, userID, 5, fmt.Sprintf("c-%d", i), wallet.Meta{})
			} else {
				_, err = svc.Debit(ctx, userID, 9, fmt.Sprintf("d-%d", i), wallet.Meta{})
			}
			if err != nil && !errors.Is(err, wallet.ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	report, err := svc.Verify(ctx, userID)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !report.IsValid {
		t.Fatalf("ledger invalid after concurrent mutations: %+v", report.Mismatch)
	}
	if report.LedgerSum != report.CachedBalance {
		t.Fatalf("ledger sum %d != cached balance %d", report.LedgerSum, report.CachedBalance)
	}
	if report.CachedBalance < 0 {
		t.Fatalf("balance went negative: %d", report.CachedBalance)
	}
}

func TestVerifyReportsFirstTamperedRow(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 4; i++ {
		if _, err := svc.Credit(ctx, userID, 10, fmt.Sprintf("dep-t-%d", i), wallet.Meta{}); err != nil {
			t.Fatalf("credit failed: %v", err)
		}
	}
	w, _ := svc.Get(ctx, userID)
	store.Tamper(w.ID, 2, 999)

	report, err := svc.Verify(ctx, userID)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if report.IsValid {
		t.Fatal("expected tampered ledger to be invalid")
	}
	if report.Mismatch.Position != 2 || report.Mismatch.Expected != 30 || report.Mismatch.Recorded != 999 {
		t.Fatalf("unexpected mismatch: %+v", report.Mismatch)
	}
}
