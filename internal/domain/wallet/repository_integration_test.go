package wallet_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/vendhub/vend-api/internal/domain/wallet"
	"github.com/vendhub/vend-api/internal/pkg/clock"
	"github.com/vendhub/vend-api/internal/pkg/database"
)

func TestPostgresConcurrentDebit(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := wallet.NewService(wallet.NewRepository(db, 0), database.NewTransactor(db, 5), clock.RealClock{}, nil)
	ctx := context.Background()
	userID := uuid.New()
	defer cleanupWallet(db, userID)

	if _, err := svc.Credit(ctx, userID, 5, "seed-"+userID.String(), wallet.Meta{}); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Debit(ctx, userID, 1, fmt.Sprintf("spend-%s-%d", userID, i), wallet.Meta{})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			if !errors.Is(err, wallet.ErrInsufficientBalance) && !database.IsSerializationFailure(err) {
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
		t.Fatalf("ledger invalid: %+v", report.Mismatch)
	}
	if int64(success) != 5-report.CachedBalance {
		t.Fatalf("successful debits %d do not match balance %d", success, report.CachedBalance)
	}
}

func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Skipf("db not available: %v", err)
	}
	return db
}

func cleanupWallet(db *sqlx.DB, userID uuid.UUID) {
	db.Exec(`DELETE FROM ledger_entries WHERE wallet_id IN (SELECT id FROM wallets WHERE user_id = $1)`, userID)
	db.Exec(`DELETE FROM wallets WHERE user_id = $1`, userID)
}
