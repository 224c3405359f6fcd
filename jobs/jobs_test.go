package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/dentaloffice/internal/billing"
	jobmetrics "github.com/odyssey-erp/dentaloffice/internal/jobs"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func labelValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() != label || lp.GetValue() != value {
					continue
				}
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

type stubSettler struct {
	mu     sync.Mutex
	reqs   []billing.SettleRequest
	result *billing.SettlementResult
	err    error
}

func (s *stubSettler) Settle(_ context.Context, req billing.SettleRequest) (*billing.SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.result, s.err
}

func confirmTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := NewQPayConfirmTask(billing.QPayConfirmation{
		InvoiceID: 7,
		TxnID:     "QP-1",
		Amount:    decimal.NewFromInt(50000),
		Meta:      map[string]any{"terminal": "A1"},
	}, "")
	require.NoError(t, err)
	return task
}

func TestQPayConfirmSettlesWithProviderTxn(t *testing.T) {
	reg := prometheus.NewRegistry()
	settler := &stubSettler{result: &billing.SettlementResult{
		View:      billing.InvoiceView{ID: 7, Status: billing.InvoicePartial},
		PaidTotal: decimal.NewFromInt(50000),
	}}
	job := NewQPayConfirmJob(settler, quietLogger, jobmetrics.NewMetrics(reg))

	require.NoError(t, job.Handle(context.Background(), confirmTask(t)))
	require.Len(t, settler.reqs, 1)
	req := settler.reqs[0]
	require.Equal(t, int64(7), req.InvoiceID)
	require.Equal(t, "QPAY", req.Method)
	require.Equal(t, "QP-1", req.QPayTxnID)
	require.True(t, req.Amount.Equal(decimal.NewFromInt(50000)))
	require.Equal(t, "A1", req.Meta["terminal"])
	require.Equal(t, 1.0, labelValue(t, reg, "dentaloffice_qpay_confirmations_total", "outcome", "settled"))
}

func TestQPayConfirmReplayIsSuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	settler := &stubSettler{result: &billing.SettlementResult{
		View:     billing.InvoiceView{ID: 7, Status: billing.InvoicePaid},
		Replayed: true,
	}}
	job := NewQPayConfirmJob(settler, quietLogger, jobmetrics.NewMetrics(reg))

	require.NoError(t, job.Handle(context.Background(), confirmTask(t)))
	require.Equal(t, 1.0, labelValue(t, reg, "dentaloffice_qpay_confirmations_total", "outcome", "replayed"))
}

func TestQPayConfirmRejectionSkipsRetry(t *testing.T) {
	reg := prometheus.NewRegistry()
	settler := &stubSettler{err: billing.ErrAmountExceedsUnpaid}
	job := NewQPayConfirmJob(settler, quietLogger, jobmetrics.NewMetrics(reg))

	err := job.Handle(context.Background(), confirmTask(t))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, billing.ErrAmountExceedsUnpaid)
	require.Equal(t, 1.0, labelValue(t, reg, "dentaloffice_qpay_confirmations_total", "outcome", "rejected"))
}

func TestQPayConfirmContentionRetries(t *testing.T) {
	reg := prometheus.NewRegistry()
	settler := &stubSettler{err: billing.ErrSettlementInProgress}
	job := NewQPayConfirmJob(settler, quietLogger, jobmetrics.NewMetrics(reg))

	err := job.Handle(context.Background(), confirmTask(t))
	require.ErrorIs(t, err, billing.ErrSettlementInProgress)
	require.False(t, errors.Is(err, asynq.SkipRetry))
	require.Equal(t, 1.0, labelValue(t, reg, "dentaloffice_qpay_confirmations_total", "outcome", "retry"))
}

func TestQPayConfirmMalformedPayload(t *testing.T) {
	settler := &stubSettler{}
	job := NewQPayConfirmJob(settler, quietLogger, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), asynq.NewTask(TaskQPayConfirm, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, settler.reqs)
}

type stubIntegrityStore struct {
	overshoot []billing.IntegrityFinding
	err       error
}

func (s stubIntegrityStore) OvershotInvoices(context.Context, int) ([]billing.IntegrityFinding, error) {
	return s.overshoot, s.err
}

func (s stubIntegrityStore) StatusDrift(context.Context, int) ([]billing.IntegrityFinding, error) {
	return nil, nil
}

func (s stubIntegrityStore) DuplicateSaleMovements(context.Context, int) ([]billing.IntegrityFinding, error) {
	return nil, nil
}

func (s stubIntegrityStore) OrphanBenefitUsages(context.Context, int) ([]billing.IntegrityFinding, error) {
	return nil, nil
}

func TestIntegrityScanPublishesCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := stubIntegrityStore{overshoot: []billing.IntegrityFinding{
		{Check: billing.CheckOvershoot, InvoiceID: 3, Detail: "paid 120 of 100"},
		{Check: billing.CheckOvershoot, InvoiceID: 9, Detail: "paid 80 of 70"},
	}}
	job := NewIntegrityScanJob(store, quietLogger, jobmetrics.NewMetrics(reg))

	task, err := NewIntegrityScanTask(50)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 2.0, labelValue(t, reg, "dentaloffice_integrity_findings", "check", "paid_exceeds_base"))
	require.Equal(t, 0.0, labelValue(t, reg, "dentaloffice_integrity_findings", "check", "status_inconsistent"))

	report, err := job.Run(context.Background(), 0)
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.Equal(t, int64(3), report.Findings[0].InvoiceID)
}

func TestIntegrityScanPropagatesStoreError(t *testing.T) {
	job := NewIntegrityScanJob(stubIntegrityStore{err: errors.New("db down")}, quietLogger, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewIntegrityScanTask(0)
	require.NoError(t, err)
	require.Error(t, job.Handle(context.Background(), task))
}

type stubPruner struct {
	olderThan time.Duration
	removed   int64
}

func (p *stubPruner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	p.olderThan = olderThan
	return p.removed, nil
}

func TestIdempotencyCleanupRetention(t *testing.T) {
	pruner := &stubPruner{removed: 4}
	job := NewIdempotencyCleanupJob(pruner, quietLogger, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 48*time.Hour, pruner.olderThan)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, defaultKeyRetention, pruner.olderThan)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func TestClientEnqueuesConfirmation(t *testing.T) {
	fake := &fakeEnqueuer{}
	client := &Client{client: fake, webhookQueue: "qpay"}

	err := client.EnqueueQPayConfirmation(context.Background(), billing.QPayConfirmation{
		InvoiceID: 7, TxnID: "QP-1", Amount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	require.Len(t, fake.tasks, 1)
	require.Equal(t, TaskQPayConfirm, fake.tasks[0].Type())

	var payload QPayConfirmPayload
	require.NoError(t, json.Unmarshal(fake.tasks[0].Payload(), &payload))
	require.Equal(t, "QP-1", payload.TxnID)
	require.True(t, payload.Amount.Equal(decimal.NewFromInt(100)))
}

func TestClientTreatsTaskIDConflictAsQueued(t *testing.T) {
	client := &Client{client: &fakeEnqueuer{err: asynq.ErrTaskIDConflict}}
	require.NoError(t, client.EnqueueQPayConfirmation(context.Background(), billing.QPayConfirmation{InvoiceID: 7, TxnID: "QP-1"}))

	client = &Client{client: &fakeEnqueuer{err: errors.New("redis down")}}
	require.Error(t, client.EnqueueQPayConfirmation(context.Background(), billing.QPayConfirmation{InvoiceID: 7, TxnID: "QP-1"}))
}

type fakeInspector struct {
	infos map[string]*asynq.QueueInfo
	err   error
}

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestHealthReportsQueues(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(fakeInspector{infos: map[string]*asynq.QueueInfo{
		QueueWebhooks: {Queue: QueueWebhooks, Pending: 3, Retry: 1},
	}}, quietLogger).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []queueHealth{
		{Queue: QueueWebhooks, Pending: 3, Retry: 1},
		{Queue: QueueDefault},
	}, body.Queues)
}

func TestHealthUnavailableOnInspectorError(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(fakeInspector{err: errors.New("redis down")}, quietLogger).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
