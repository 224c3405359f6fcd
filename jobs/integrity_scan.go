package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/dentaloffice/internal/billing"
	jobmetrics "github.com/odyssey-erp/dentaloffice/internal/jobs"
)

// IntegrityScanJob audits settlement data and publishes finding counts per check.
type IntegrityScanJob struct {
	Store   billing.IntegrityStore
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewIntegrityScanJob initialises the integrity scan handler.
func NewIntegrityScanJob(store billing.IntegrityStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityScanJob {
	return &IntegrityScanJob{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle runs every integrity check once.
func (j *IntegrityScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("integrity scan: handler not configured")
	}
	var payload IntegrityScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("integrity scan: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	_, err := j.Run(ctx, payload.Limit)
	return err
}

// Run executes the scan and returns the report. It is shared by the worker and the CLI.
func (j *IntegrityScanJob) Run(ctx context.Context, limit int) (billing.IntegrityReport, error) {
	start := j.now()
	tracker := j.metrics().Track(TaskIntegrityScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting integrity scan", slog.Int("limit", limit))

	report, err := billing.RunIntegrityScan(ctx, j.Store, limit)
	if err != nil {
		resultErr = err
		logger.Error("integrity scan failed", slog.Any("error", err))
		return billing.IntegrityReport{}, resultErr
	}

	for check, count := range report.Counts {
		j.metrics().SetIntegrityFindings(string(check), count)
	}
	for _, f := range report.Findings {
		logger.Warn("settlement integrity finding",
			slog.String("check", string(f.Check)),
			slog.Int64("invoice_id", f.InvoiceID),
			slog.String("detail", f.Detail),
		)
	}

	logger.Info("completed integrity scan",
		slog.Int("findings", len(report.Findings)),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return report, nil
}

func (j *IntegrityScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIntegrityScan))
	}
	return slog.Default().With(slog.String("job", TaskIntegrityScan))
}

func (j *IntegrityScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *IntegrityScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
