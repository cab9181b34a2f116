package funding

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusInitiated    Status = "INITIATED"
	StatusPendingClaim Status = "PENDING_CLAIM"
	StatusClaimed      Status = "CLAIMED"
	StatusCancelled    Status = "CANCELLED"
	StatusExpired      Status = "EXPIRED"
)

// IsOpen reports whether the locked amount is still held.
func (s Status) IsOpen() bool {
	return s == StatusInitiated || s == StatusPendingClaim
}

// Transaction is an operator-mediated top-up. The amount stays locked in
// the source wallet until it is claimed into the target or released.
type Transaction struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	SourceUserID uuid.UUID  `db:"source_user_id" json:"source_user_id"`
	TargetUserID uuid.UUID  `db:"target_user_id" json:"target_user_id"`
	Amount       int64      `db:"amount" json:"amount"`
	Channel      string     `db:"channel" json:"channel"`
	ExternalRef  string     `db:"external_ref" json:"external_ref,omitempty"`
	Note         string     `db:"note" json:"note,omitempty"`
	Status       Status     `db:"status" json:"status"`
	InitiatedBy  string     `db:"initiated_by" json:"initiated_by"`
	ClaimedBy    string     `db:"claimed_by" json:"claimed_by,omitempty"`
	CancelReason string     `db:"cancel_reason" json:"cancel_reason,omitempty"`
	ExpiresAt    time.Time  `db:"expires_at" json:"expires_at"`
	SentAt       *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	ClaimedAt    *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	ClosedAt     *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Event is one row of a transaction's history.
type Event struct {
	ID            uuid.UUID `db:"id" json:"id"`
	TransactionID uuid.UUID `db:"transaction_id" json:"transaction_id"`
	From          Status    `db:"from_status" json:"from,omitempty"`
	To            Status    `db:"to_status" json:"to"`
	Actor         string    `db:"actor" json:"actor"`
	Note          string    `db:"note" json:"note,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

type InitiateInput struct {
	SourceUserID uuid.UUID `json:"source_user_id" validate:"required"`
	TargetUserID uuid.UUID `json:"target_user_id" validate:"required"`
	Amount       int64     `json:"amount" validate:"required,gt=0"`
	Channel      string    `json:"channel" validate:"required,max=32"`
	Note         string    `json:"note" validate:"max=500"`
	Actor        string    `json:"-"`
}
