package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/dentaloffice/internal/billing"
	jobmetrics "github.com/odyssey-erp/dentaloffice/internal/jobs"
)

// Settler is the slice of billing.Service the confirmation job needs.
type Settler interface {
	Settle(ctx context.Context, req billing.SettleRequest) (*billing.SettlementResult, error)
}

// QPayConfirmJob applies queued QPAY confirmations through the settlement service.
type QPayConfirmJob struct {
	Settler Settler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewQPayConfirmJob initialises the confirmation handler.
func NewQPayConfirmJob(settler Settler, logger *slog.Logger, metrics *jobmetrics.Metrics) *QPayConfirmJob {
	return &QPayConfirmJob{Settler: settler, Logger: logger, Metrics: metrics}
}

// Handle settles one confirmation. Rejections that a retry cannot fix skip retry;
// lock contention and infrastructure failures are returned for asynq to back off.
func (j *QPayConfirmJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Settler == nil {
		return errors.New("qpay confirm: handler not configured")
	}
	var payload QPayConfirmPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		j.metrics().IncQPayConfirmation("malformed")
		return fmt.Errorf("qpay confirm: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskQPayConfirm)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.Int64("invoice_id", payload.InvoiceID),
		slog.String("txn_id", payload.TxnID),
	)

	result, err := j.Settler.Settle(ctx, billing.SettleRequest{
		InvoiceID: payload.InvoiceID,
		Amount:    payload.Amount,
		Method:    string(billing.MethodQPay),
		Meta:      payload.Meta,
		QPayTxnID: payload.TxnID,
	})
	if err != nil {
		be := billing.AsError(err)
		if be.Retryable() {
			j.metrics().IncQPayConfirmation("retry")
			logger.Warn("qpay confirmation deferred", slog.String("code", string(be.Code)), slog.Any("error", err))
			resultErr = err
			return resultErr
		}
		j.metrics().IncQPayConfirmation("rejected")
		logger.Warn("qpay confirmation rejected", slog.String("code", string(be.Code)))
		resultErr = fmt.Errorf("qpay confirm: %w: %w", err, asynq.SkipRetry)
		return resultErr
	}

	if result.Replayed {
		j.metrics().IncQPayConfirmation("replayed")
		logger.Info("qpay confirmation already applied", slog.String("status", string(result.View.Status)))
		return nil
	}
	j.metrics().IncQPayConfirmation("settled")
	logger.Info("qpay confirmation settled",
		slog.String("status", string(result.View.Status)),
		slog.String("paid_total", result.PaidTotal.String()),
	)
	return nil
}

func (j *QPayConfirmJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskQPayConfirm))
	}
	return slog.Default().With(slog.String("job", TaskQPayConfirm))
}

func (j *QPayConfirmJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
