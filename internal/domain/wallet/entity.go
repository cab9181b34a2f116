package wallet

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EntryType string

const (
	EntryDeposit      EntryType = "deposit"
	EntryPurchase     EntryType = "purchase"
	EntryRefund       EntryType = "refund"
	EntryProfitCredit EntryType = "profit_credit"
	EntryWithdrawal   EntryType = "withdrawal"
)

func (t EntryType) valid() bool {
	switch t {
	case EntryDeposit, EntryPurchase, EntryRefund, EntryProfitCredit, EntryWithdrawal:
		return true
	}
	return false
}

// Wallet is the cached view of a user's ledger. Balance is recomputable
// from the ledger at any time; see Verify.
type Wallet struct {
	ID               uuid.UUID `db:"id" json:"id"`
	UserID           uuid.UUID `db:"user_id" json:"user_id"`
	Balance          int64     `db:"balance" json:"balance"`
	LockedBalance    int64     `db:"locked_balance" json:"locked_balance"`
	DailyLimit       int64     `db:"daily_limit" json:"daily_limit"`
	DailySpent       int64     `db:"daily_spent" json:"daily_spent"`
	DailyWindowStart time.Time `db:"daily_window_start" json:"-"`
	Frozen           bool      `db:"frozen" json:"frozen"`
	FrozenReason     string    `db:"frozen_reason" json:"frozen_reason,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Available is the balance that can be debited or locked.
func (w *Wallet) Available() int64 {
	return w.Balance - w.LockedBalance
}

// Entry is one immutable ledger row.
type Entry struct {
	ID             uuid.UUID `db:"id" json:"id"`
	Seq            int64     `db:"seq" json:"seq"`
	WalletID       uuid.UUID `db:"wallet_id" json:"wallet_id"`
	Amount         int64     `db:"amount" json:"amount"`
	RunningBalance int64     `db:"running_balance" json:"running_balance"`
	Type           EntryType `db:"type" json:"type"`
	Reference      string    `db:"reference" json:"reference"`
	Metadata       Meta      `db:"metadata" json:"metadata"`
	Checksum       string    `db:"checksum" json:"checksum"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Meta travels with a ledger mutation and is stored on the entry.
// Type overrides the operation's default entry type.
type Meta struct {
	Type        EntryType `json:"type,omitempty"`
	Description string    `json:"description,omitempty"`
	RelatedType string    `json:"related_type,omitempty"`
	RelatedID   string    `json:"related_id,omitempty"`
	Actor       string    `json:"actor,omitempty"`
}

func (m Meta) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *Meta) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = Meta{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("wallet: cannot scan %T into Meta", src)
	}
}

// Mismatch points at the first ledger row that disagrees with a replay.
type Mismatch struct {
	Position  int       `json:"position"`
	EntryID   uuid.UUID `json:"entry_id,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Reason    string    `json:"reason"`
	Expected  int64     `json:"expected"`
	Recorded  int64     `json:"recorded"`
}

// Report is the result of replaying a wallet's ledger.
type Report struct {
	WalletID      uuid.UUID `json:"wallet_id"`
	UserID        uuid.UUID `json:"user_id"`
	IsValid       bool      `json:"is_valid"`
	EntryCount    int       `json:"entry_count"`
	LedgerSum     int64     `json:"ledger_sum"`
	CachedBalance int64     `json:"cached_balance"`
	Mismatch      *Mismatch `json:"mismatch,omitempty"`
}
