package idempotency

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Record maps one idempotency key to one logical operation.
// Response holds the exact bytes returned to the first caller.
type Record struct {
	Key         string    `db:"key"`
	Operation   string    `db:"operation"`
	RequestHash string    `db:"request_hash"`
	Status      Status    `db:"status"`
	Response    []byte    `db:"response"`
	Error       string    `db:"error"`
	LockedAt    time.Time `db:"locked_at"`
	ExpiresAt   time.Time `db:"expires_at"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Request identifies the wrapped operation.
type Request struct {
	Operation string
	Key       string
	Payload   interface{}
}

// Result carries the serialized response of the wrapped operation.
type Result struct {
	Response json.RawMessage
	Replayed bool
}

// Decode unmarshals the cached response into v.
func (r *Result) Decode(v interface{}) error {
	return json.Unmarshal(r.Response, v)
}
