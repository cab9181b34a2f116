package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Checksum binds an entry to its wallet, amount, reference and timestamp.
func Checksum(walletID uuid.UUID, amount int64, reference string, createdAt time.Time) string {
	payload := strings.Join([]string{
		walletID.String(),
		strconv.FormatInt(amount, 10),
		reference,
		createdAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Replay recomputes running balances over entries in creation order and
// compares them with what was recorded, then with the wallet's cached balance.
func Replay(w *Wallet, entries []*Entry) *Report {
	report := &Report{
		WalletID:      w.ID,
		UserID:        w.UserID,
		EntryCount:    len(entries),
		CachedBalance: w.Balance,
	}

	var running int64
	for i, e := range entries {
		running += e.Amount
		if report.Mismatch != nil {
			continue
		}
		if e.RunningBalance != running {
			report.Mismatch = &Mismatch{
				Position: i, EntryID: e.ID, Reference: e.Reference,
				Reason: "running_balance", Expected: running, Recorded: e.RunningBalance,
			}
			continue
		}
		if Checksum(e.WalletID, e.Amount, e.Reference, e.CreatedAt) != e.Checksum {
			report.Mismatch = &Mismatch{
				Position: i, EntryID: e.ID, Reference: e.Reference,
				Reason: "checksum", Expected: running, Recorded: e.RunningBalance,
			}
		}
	}
	report.LedgerSum = running

	if report.Mismatch == nil && running != w.Balance {
		report.Mismatch = &Mismatch{
			Position: len(entries),
			Reason:   "cached_balance",
			Expected: running,
			Recorded: w.Balance,
		}
	}
	report.IsValid = report.Mismatch == nil
	return report
}

// startOfDay returns local midnight for t in loc.
func startOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// chargeDailyLimit resets the rolling window at local midnight and books
// amount against it. A zero limit means unlimited.
func chargeDailyLimit(w *Wallet, amount int64, now time.Time, loc *time.Location) error {
	today := startOfDay(now, loc)
	if w.DailyWindowStart.Before(today) {
		w.DailySpent = 0
		w.DailyWindowStart = today
	}
	if w.DailyLimit > 0 && w.DailySpent+amount > w.DailyLimit {
		return ErrDailyLimitExceeded
	}
	w.DailySpent += amount
	return nil
}
