package fulfillment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vendhub/vend-api/internal/domain/audit"
	"github.com/vendhub/vend-api/internal/domain/fulfillment"
	"github.com/vendhub/vend-api/internal/domain/order"
)

type auditTrail struct{ auditor *fakeAuditor }

func (a auditTrail) List(_ context.Context, itemID uuid.UUID) ([]*audit.Entry, error) {
	a.auditor.mu.Lock()
	defer a.auditor.mu.Unlock()
	var out []*audit.Entry
	for _, c := range a.auditor.begun {
		if c.ItemID == itemID {
			out = append(out, &audit.Entry{ItemID: c.ItemID, Operation: c.Operation, RequestRef: c.RequestRef})
		}
	}
	return out, nil
}

func (f *fixture) adminRouter() http.Handler {
	rec := fulfillment.NewRecovery(f.store, f.gateway, f.clk, fulfillment.RecoveryConfig{})
	h := fulfillment.NewHandler(f.gateway, f.orders, auditTrail{f.auditor}, rec)
	r := chi.NewRouter()
	r.Mount("/admin/items", h.Routes())
	r.Post("/admin/recovery/run", h.RunRecovery)
	return r
}

func call(t *testing.T, h http.Handler, method, path string, into interface{}) int {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	if into != nil && w.Code < 300 {
		env := struct {
			Data interface{} `json:"data"`
		}{Data: into}
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s: %v", w.Body.String(), err)
		}
	}
	return w.Code
}

func TestOperatorPushRecordsHistoryAndAudit(t *testing.T) {
	f := newFixture(t, fulfillment.Config{})
	it, _ := f.queued(t)
	h := f.adminRouter()
	base := "/admin/items/" + it.ID.String()

	var out fulfillment.Outcome
	if code := call(t, h, http.MethodPost, base+"/push", &out); code != http.StatusOK {
		t.Fatalf("push: expected 200, got %d", code)
	}
	if out.Status != order.StatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", out.Status)
	}

	var history []order.Transition
	if code := call(t, h, http.MethodGet, base+"/history", &history); code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", code)
	}
	var sawOperator bool
	for _, tr := range history {
		if tr.Source == order.SourceOperator {
			sawOperator = true
		}
	}
	if !sawOperator || history[len(history)-1].To != order.StatusConfirmed {
		t.Fatalf("unexpected history: %+v", history)
	}

	var entries []audit.Entry
	if code := call(t, h, http.MethodGet, base+"/audit", &entries); code != http.StatusOK {
		t.Fatalf("audit: expected 200, got %d", code)
	}
	if len(entries) == 0 || entries[len(entries)-1].Operation != "place_order" {
		t.Fatalf("expected a place_order audit row, got %+v", entries)
	}

	if code := call(t, h, http.MethodPost, base+"/push", nil); code != http.StatusConflict {
		t.Fatalf("second push: expected 409 ALREADY_SENT, got %d", code)
	}
	if place, _ := f.provider.calls(); place != 1 {
		t.Fatalf("expected one provider call, got %d", place)
	}
}

func TestOperatorSyncRejectsItemsNotInFlight(t *testing.T) {
	f := newFixture(t, fulfillment.Config{})
	it, _ := f.queued(t)
	h := f.adminRouter()

	if code := call(t, h, http.MethodPost, "/admin/items/"+it.ID.String()+"/sync", nil); code != http.StatusConflict {
		t.Fatalf("expected 409 for queued item, got %d", code)
	}
	if code := call(t, h, http.MethodGet, "/admin/items/"+uuid.NewString(), nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown item, got %d", code)
	}
	if code := call(t, h, http.MethodPost, "/admin/items/bogus/push", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", code)
	}
}

func TestRunRecoveryReportsSweep(t *testing.T) {
	f := newFixture(t, fulfillment.Config{})
	f.queued(t)
	f.clk.Advance(time.Hour)

	var rep fulfillment.Report
	if code := call(t, f.adminRouter(), http.MethodPost, "/admin/recovery/run", &rep); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if rep.Errors != 0 {
		t.Fatalf("unexpected errors in report: %+v", rep)
	}
}
