package audit

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one external call. It is written before the call goes out and
// completed once the call returns.
type Entry struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	ItemID       uuid.UUID  `db:"item_id" json:"item_id"`
	Provider     string     `db:"provider" json:"provider"`
	Operation    string     `db:"operation" json:"operation"`
	RequestRef   string     `db:"request_ref" json:"request_ref"`
	RequestBody  string     `db:"request_body" json:"request_body"`
	RequestHash  string     `db:"request_hash" json:"request_hash"`
	ResponseBody *string    `db:"response_body" json:"response_body,omitempty"`
	ResponseHash string     `db:"response_hash" json:"response_hash,omitempty"`
	StatusCode   int        `db:"status_code" json:"status_code,omitempty"`
	Outcome      string     `db:"outcome" json:"outcome,omitempty"`
	Error        string     `db:"error" json:"error,omitempty"`
	DurationMs   int64      `db:"duration_ms" json:"duration_ms"`
	ArchiveKey   string     `db:"archive_key" json:"archive_key,omitempty"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Call describes an external call about to be made.
type Call struct {
	ItemID     uuid.UUID
	Provider   string
	Operation  string
	RequestRef string
	Request    []byte
}

// Result is what came back. StatusCode is zero when no HTTP response arrived.
type Result struct {
	Response   []byte
	StatusCode int
	Outcome    string
	Err        error
	Elapsed    time.Duration
}
