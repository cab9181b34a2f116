package funding_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vendhub/vend-api/internal/domain/funding"
	"github.com/vendhub/vend-api/internal/middleware"
)

func (f *fixture) router() http.Handler {
	r := chi.NewRouter()
	r.Mount("/admin/funding", funding.NewHandler(f.svc).Routes())
	return r
}

func post(h http.Handler, path, body string, operator uuid.UUID) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, operator))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandlerInitiateSentClaim(t *testing.T) {
	f := newFixture(t)
	h := f.router()
	staff := uuid.New()

	body := fmt.Sprintf(`{"source_user_id":%q,"target_user_id":%q,"amount":250,"channel":"momo"}`, f.operator, f.agent)
	w := post(h, "/admin/funding/", body, staff)
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var env struct {
		Data funding.Transaction `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Data.InitiatedBy != staff.String() || env.Data.Status != funding.StatusInitiated {
		t.Fatalf("unexpected transaction: %+v", env.Data)
	}
	base := "/admin/funding/" + env.Data.ID.String()

	if w := post(h, base+"/sent", `{"external_ref":"MOMO-9"}`, staff); w.Code != http.StatusOK {
		t.Fatalf("sent: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := post(h, base+"/claim", "", staff); w.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := post(h, base+"/claim", "", staff); w.Code != http.StatusConflict {
		t.Fatalf("second claim: expected 409, got %d", w.Code)
	}
	if got := f.wallet(t, f.agent).Balance; got != 250 {
		t.Fatalf("expected agent balance 250, got %d", got)
	}
}

func TestHandlerExpiredClaimIsGone(t *testing.T) {
	f := newFixture(t)
	h := f.router()
	tx := f.initiate(t, 100)

	f.clk.Advance(2 * time.Hour)
	w := post(h, "/admin/funding/"+tx.ID.String()+"/claim", "", uuid.New())
	if w.Code != http.StatusGone || !strings.Contains(w.Body.String(), "FUNDING_EXPIRED") {
		t.Fatalf("expected 410 FUNDING_EXPIRED, got %d: %s", w.Code, w.Body.String())
	}
	if src := f.wallet(t, f.operator); src.LockedBalance != 100 {
		t.Fatalf("claim attempt must not release funds, locked=%d", src.LockedBalance)
	}
}

func TestHandlerValidation(t *testing.T) {
	f := newFixture(t)
	h := f.router()

	w := post(h, "/admin/funding/", `{"amount":-5}`, uuid.New())
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	tx := f.initiate(t, 50)
	if w := post(h, "/admin/funding/"+tx.ID.String()+"/cancel", "", uuid.New()); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("cancel without reason: expected 422, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/funding/?status=bogus", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}
