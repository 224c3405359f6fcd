package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/dentaloffice/internal/platform/httpx"
	"github.com/odyssey-erp/dentaloffice/internal/shared"
)

type fakeQueue struct {
	mu    sync.Mutex
	items []QPayConfirmation
	err   error
}

func (q *fakeQueue) EnqueueQPayConfirmation(_ context.Context, c QPayConfirmation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, c)
	return nil
}

type fakeDeliveries struct {
	keys    map[string]bool
	deleted []string
}

func (d *fakeDeliveries) CheckAndInsert(_ context.Context, key, module string) error {
	if d.keys == nil {
		d.keys = map[string]bool{}
	}
	if d.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	d.keys[key] = true
	return nil
}

func (d *fakeDeliveries) Delete(_ context.Context, key string) error {
	delete(d.keys, key)
	d.deleted = append(d.deleted, key)
	return nil
}

func newTestRouter(f *fixture, queue ConfirmationQueue, deliveries DeliveryStore) http.Handler {
	h := NewHandler(discardLogger(), f.svc, queue, deliveries)
	r := chi.NewRouter()
	r.Route("/billing", h.MountRoutes)
	r.Route("/webhooks", h.MountWebhooks)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(shared.ContextWithActor(req.Context(), 9))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestHandlerSettle(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	router := newTestRouter(f, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/billing/invoices/1/settle", `{"amount":"40000","method":"cash","meta":{"note":"front desk"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp settleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.PaidTotal.Equal(dec("40000")))
	require.True(t, resp.UnpaidAmount.Equal(dec("60000")))
	require.Equal(t, InvoicePartial, resp.Invoice.Status)
	require.NotNil(t, resp.Payment)
	require.Equal(t, MethodCash, resp.Payment.Method)
	require.False(t, resp.Replayed)
	require.Equal(t, int64(9), f.repo.state.payments[0].CreatedBy)
	require.Equal(t, "front desk", f.repo.state.payments[0].Meta["note"])
}

func TestHandlerSettleErrors(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.repo.state.mismatches[testEncounterID] = true
	router := newTestRouter(f, nil, nil)

	cases := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"bad amount", "/billing/invoices/1/settle", `{"amount":"0","method":"CASH"}`, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"missing method", "/billing/invoices/1/settle", `{"amount":"10"}`, http.StatusBadRequest, "METHOD_REQUIRED"},
		{"unknown field", "/billing/invoices/1/settle", `{"amount":"10","method":"CASH","foo":1}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad id", "/billing/invoices/abc/settle", `{"amount":"10","method":"CASH"}`, http.StatusNotFound, "INVOICE_NOT_FOUND"},
		{"missing invoice", "/billing/invoices/404/settle", `{"amount":"10","method":"CASH"}`, http.StatusNotFound, "INVOICE_NOT_FOUND"},
		{"mismatch", "/billing/invoices/1/settle", `{"amount":"10","method":"CASH"}`, http.StatusConflict, "UNRESOLVED_STERILIZATION_MISMATCH"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			p := decodeProblem(t, rec)
			require.Equal(t, tc.code, p.Code)
			require.Equal(t, tc.status, p.Status)
		})
	}
}

func TestHandlerSettleConflictSetsRetryAfter(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.locker.denied = true
	router := newTestRouter(f, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/billing/invoices/1/settle", `{"amount":"10","method":"CASH"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.Equal(t, "SETTLEMENT_IN_PROGRESS", decodeProblem(t, rec).Code)
}

func TestHandlerSettleInternalErrorHidesDetail(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.repo.faults["LockInvoice"] = errors.New("connection reset by peer")
	router := newTestRouter(f, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/billing/invoices/1/settle", `{"amount":"10","method":"CASH"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	p := decodeProblem(t, rec)
	require.Equal(t, "INTERNAL_ERROR", p.Code)
	require.NotContains(t, p.Detail, "connection reset")
}

func TestHandlerGetInvoice(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	router := newTestRouter(f, nil, nil)

	rec := doJSON(t, router, http.MethodGet, "/billing/invoices/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view InvoiceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, testInvoiceID, view.ID)
	require.True(t, view.BaseAmount.Equal(dec("100000")))
	require.Len(t, view.Items, 3)
}

func TestHandlerQPayWebhook(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	queue := &fakeQueue{}
	deliveries := &fakeDeliveries{}
	router := newTestRouter(f, queue, deliveries)
	body := `{"invoiceId":1,"txnId":"QP-77","amount":"100000"}`

	rec := doJSON(t, router, http.MethodPost, "/webhooks/qpay", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, queue.items, 1)
	require.Equal(t, "QP-77", queue.items[0].TxnID)
	require.True(t, deliveries.keys[QPayDeliveryKey(1, "QP-77")])

	rec = doJSON(t, router, http.MethodPost, "/webhooks/qpay", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "duplicate")
	require.Len(t, queue.items, 1)

	rec = doJSON(t, router, http.MethodPost, "/webhooks/qpay", `{"invoiceId":1,"amount":"10"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerQPayWebhookReleasesKeyOnEnqueueFailure(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	queue := &fakeQueue{err: errors.New("redis down")}
	deliveries := &fakeDeliveries{}
	router := newTestRouter(f, queue, deliveries)

	rec := doJSON(t, router, http.MethodPost, "/webhooks/qpay", `{"invoiceId":1,"txnId":"QP-1","amount":"5"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, []string{QPayDeliveryKey(1, "QP-1")}, deliveries.deleted)
	require.False(t, deliveries.keys[QPayDeliveryKey(1, "QP-1")])
}
