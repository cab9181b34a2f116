package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vendhub/vend-api/internal/pkg/clock"
	"github.com/vendhub/vend-api/internal/pkg/storage"
)

// Logger writes the audit trail around provider calls.
type Logger struct {
	repo     Repository
	archiver storage.Archiver
	clock    clock.Clock
}

func NewLogger(repo Repository, archiver storage.Archiver, clk clock.Clock) *Logger {
	if archiver == nil {
		archiver = storage.Nop{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Logger{repo: repo, archiver: archiver, clock: clk}
}

// Begin records the call before it is made. The caller must not make the
// call if Begin fails.
func (l *Logger) Begin(ctx context.Context, c Call) (*Entry, error) {
	sum := sha256.Sum256(c.Request)
	e := &Entry{
		ID:          uuid.New(),
		ItemID:      c.ItemID,
		Provider:    c.Provider,
		Operation:   c.Operation,
		RequestRef:  c.RequestRef,
		RequestBody: string(c.Request),
		RequestHash: hex.EncodeToString(sum[:]),
		StartedAt:   l.clock.Now().UTC(),
	}
	if err := l.repo.Insert(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Complete is best-effort: failures are logged and swallowed.
func (l *Logger) Complete(ctx context.Context, e *Entry, r Result) {
	if e == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	now := l.clock.Now().UTC()
	body := string(r.Response)
	sum := sha256.Sum256(r.Response)
	e.ResponseBody = &body
	e.ResponseHash = hex.EncodeToString(sum[:])
	e.StatusCode = r.StatusCode
	e.Outcome = r.Outcome
	e.DurationMs = r.Elapsed.Milliseconds()
	e.CompletedAt = &now
	if r.Err != nil {
		e.Error = r.Err.Error()
	}

	key, err := l.archive(ctx, e)
	if err != nil {
		log.Warn().Err(err).Str("audit_id", e.ID.String()).Msg("audit payload archive failed")
	}
	e.ArchiveKey = key

	if err := l.repo.Complete(ctx, e); err != nil {
		log.Error().
			Err(err).
			Str("audit_id", e.ID.String()).
			Str("item_id", e.ItemID.String()).
			Str("request_ref", e.RequestRef).
			Msg("audit completion failed")
	}
}

func (l *Logger) List(ctx context.Context, itemID uuid.UUID) ([]*Entry, error) {
	return l.repo.ListByItem(ctx, itemID)
}

func (l *Logger) archive(ctx context.Context, e *Entry) (string, error) {
	payload, err := json.Marshal(struct {
		*Entry
		Request  json.RawMessage `json:"request,omitempty"`
		Response json.RawMessage `json:"response,omitempty"`
	}{Entry: e, Request: rawJSON(e.RequestBody), Response: rawJSON(*e.ResponseBody)})
	if err != nil {
		return "", err
	}
	key := e.StartedAt.Format("2006/01/02") + "/" + e.ItemID.String() + "/" + e.ID.String() + ".json"
	return l.archiver.Archive(ctx, key, payload, "application/json")
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}
