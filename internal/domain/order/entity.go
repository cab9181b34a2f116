package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusQueued    Status = "QUEUED"
	StatusLocked    Status = "LOCKED"
	StatusSent      Status = "SENT"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// StatusPartial is only ever reported for a group whose items ended differently.
const StatusPartial Status = "PARTIAL"

// Sources recorded on transitions.
const (
	SourceAPI       = "api"
	SourceOperator  = "operator"
	SourceDispatch  = "dispatcher"
	SourceScheduler = "scheduler"
	SourceRecovery  = "recovery"
)

// Failure codes stored on items.
const (
	FailureMaxRetries = "MAX_RETRIES_EXCEEDED"
	FailureAPIFatal   = "API_ERROR_FATAL"
	FailureProvider   = "PROVIDER_REJECTED"
	FailureNoProvider = "NO_PROVIDER"
	FailureCancelled  = "CANCELLED"
)

// Group is what the customer sees and pays for once.
type Group struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Seq            int64      `db:"seq" json:"-"`
	DisplayID      string     `db:"display_id" json:"display_id"`
	UserID         uuid.UUID  `db:"user_id" json:"user_id"`
	IdempotencyKey string     `db:"idempotency_key" json:"-"`
	Total          int64      `db:"total" json:"total"`
	WalletDeducted bool       `db:"wallet_deducted" json:"wallet_deducted"`
	DeductedAt     *time.Time `db:"deducted_at" json:"deducted_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`

	Status Status  `db:"-" json:"status"`
	Items  []*Item `db:"-" json:"items"`
}

// FormatDisplayID renders the never-reused group sequence number.
func FormatDisplayID(seq int64) string {
	return fmt.Sprintf("ORD-%08d", seq)
}

// Item is one unit of fulfillment.
type Item struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	GroupID        uuid.UUID  `db:"group_id" json:"group_id"`
	UserID         uuid.UUID  `db:"user_id" json:"user_id"`
	ProductCode    string     `db:"product_code" json:"product_code"`
	NetworkCode    string     `db:"network_code" json:"network_code"`
	ReceiverPhone  string     `db:"receiver_phone" json:"receiver_phone"`
	FaceValue      int64      `db:"face_value" json:"face_value"`
	Price          int64      `db:"price" json:"price"`
	Cost           int64      `db:"cost" json:"-"`
	Status         Status     `db:"status" json:"status"`
	Provider       string     `db:"provider" json:"provider,omitempty"`
	RequestRef     string     `db:"request_ref" json:"request_ref,omitempty"`
	ProviderRef    string     `db:"provider_ref" json:"provider_ref,omitempty"`
	ProviderStatus string     `db:"provider_status" json:"provider_status,omitempty"`
	RetryCount     int        `db:"retry_count" json:"retry_count"`
	NextRetryAt    *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	FailureCode    string     `db:"failure_code" json:"failure_code,omitempty"`
	FailureReason  string     `db:"failure_reason" json:"failure_reason,omitempty"`
	LockedBy       *string    `db:"locked_by" json:"-"`
	LockExpiresAt  *time.Time `db:"lock_expires_at" json:"-"`
	SentAt         *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	RefundedAt     *time.Time `db:"refunded_at" json:"refunded_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Transition is one row of an item's append-only history.
type Transition struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ItemID    uuid.UUID `db:"item_id" json:"item_id"`
	From      Status    `db:"from_status" json:"from"`
	To        Status    `db:"to_status" json:"to"`
	Actor     string    `db:"actor" json:"actor"`
	Source    string    `db:"source" json:"source"`
	Reason    string    `db:"reason" json:"reason,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Change describes who moves an item and what else changes with it.
type Change struct {
	Actor  string
	Source string
	Reason string
	Apply  func(it *Item)
}

type ItemInput struct {
	ProductCode   string `json:"product_code" validate:"required,max=64"`
	NetworkCode   string `json:"network_code" validate:"required,network_code"`
	ReceiverPhone string `json:"receiver_phone" validate:"required,phone"`
	Amount        int64  `json:"amount" validate:"required,gt=0"`
}

type CreateInput struct {
	UserID         uuid.UUID   `json:"-"`
	Role           string      `json:"-"`
	TenantID       string      `json:"-"`
	IdempotencyKey string      `json:"-"`
	Items          []ItemInput `json:"items" validate:"required,min=1,max=20,dive"`
}
