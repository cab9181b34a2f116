package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/vendhub/vend-api/internal/config"
	"github.com/vendhub/vend-api/internal/domain/wallet"
	"github.com/vendhub/vend-api/internal/pkg/database"
	"github.com/vendhub/vend-api/internal/pkg/jwt"
)

// ledgercheck replays wallet ledgers against their cached balances and,
// for local testing, mints access tokens.
func main() {
	userFlag := flag.String("user", "", "verify only this user's wallet")
	tokenFor := flag.String("token", "", "print a development access token for this user ID and exit")
	role := flag.String("role", "admin", "role claim for -token")
	flag.Parse()

	cfg := config.Load()

	if *tokenFor != "" {
		if cfg.IsProduction() {
			log.Fatal("Refusing to mint tokens in production")
		}
		id, err := uuid.Parse(*tokenFor)
		if err != nil {
			log.Fatalf("Invalid user ID: %v", err)
		}
		signer := jwt.NewService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAccessTTL)
		token, err := signer.GenerateAccessToken(id, *role, "")
		if err != nil {
			log.Fatalf("Failed to sign token: %v", err)
		}
		fmt.Fprintf(os.Stderr, "role=%s valid for %s\n", *role, signer.AccessTTL())
		fmt.Println(token)
		return
	}

	db, err := database.NewPostgres(cfg.DatabaseURL, database.PoolConfig{MaxOpenConns: 4, MaxIdleConns: 2})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.ClosePostgres(db)

	ctx := context.Background()
	svc := wallet.NewService(wallet.NewRepository(db, cfg.WalletDailyLimit), database.NewTransactor(db, cfg.DBTxMaxRetries), nil, cfg.Location())

	var users []uuid.UUID
	if *userFlag != "" {
		id, err := uuid.Parse(*userFlag)
		if err != nil {
			log.Fatalf("Invalid user ID: %v", err)
		}
		users = append(users, id)
	} else if err := db.SelectContext(ctx, &users, `SELECT user_id FROM wallets ORDER BY created_at`); err != nil {
		log.Fatalf("Failed to list wallets: %v", err)
	}

	fmt.Println("--- Ledger verification ---")
	broken := 0
	for _, id := range users {
		report, err := svc.Verify(ctx, id)
		if err != nil {
			log.Printf("Verify error for %s: %v", id, err)
			broken++
			continue
		}
		if report.IsValid {
			fmt.Printf("OK       %s | entries: %d | balance: %d\n", id, report.EntryCount, report.CachedBalance)
			continue
		}
		broken++
		fmt.Printf("MISMATCH %s | ledger: %d | cached: %d\n", id, report.LedgerSum, report.CachedBalance)
		if m := report.Mismatch; m != nil {
			fmt.Printf("         first bad row #%d (%s): %s, expected %d, recorded %d\n",
				m.Position, m.Reference, m.Reason, m.Expected, m.Recorded)
		}
	}
	fmt.Printf("Wallets checked: %d, mismatched: %d\n", len(users), broken)
	fmt.Println("---------------------------")

	if broken > 0 {
		database.ClosePostgres(db)
		os.Exit(1)
	}
}
