package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/dentaloffice/internal/billing"
	jobmetrics "github.com/odyssey-erp/dentaloffice/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueWebhooks carries provider confirmations ahead of housekeeping work.
	QueueWebhooks = "webhooks"

	// TaskQPayConfirm settles an invoice from a QPAY confirmation.
	TaskQPayConfirm = "billing:qpay_confirm"
	// TaskIntegrityScan audits settled invoices for inconsistent state.
	TaskIntegrityScan = "billing:integrity_scan"
	// TaskIdempotencyCleanup prunes expired webhook delivery keys.
	TaskIdempotencyCleanup = "billing:idempotency_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// QPayConfirmPayload is the queued form of billing.QPayConfirmation.
type QPayConfirmPayload = billing.QPayConfirmation

// IntegrityScanPayload bounds the number of findings collected per check.
type IntegrityScanPayload struct {
	Limit int `json:"limit"`
}

// IdempotencyCleanupPayload sets how long delivery keys are retained.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retentionHours"`
}

// NewQPayConfirmTask builds a confirmation task whose id is the delivery key,
// so a provider retry collapses onto the task already queued. An empty queue
// selects QueueWebhooks.
func NewQPayConfirmTask(c billing.QPayConfirmation, queue string) (*asynq.Task, error) {
	if queue == "" {
		queue = QueueWebhooks
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskQPayConfirm, body,
		asynq.Queue(queue),
		asynq.TaskID(billing.QPayDeliveryKey(c.InvoiceID, c.TxnID)),
		asynq.MaxRetry(8),
		asynq.Timeout(30*time.Second),
	), nil
}

// NewIntegrityScanTask builds an integrity scan task.
func NewIntegrityScanTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(IntegrityScanPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIntegrityScan, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask builds a cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
