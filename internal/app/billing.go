package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/dentaloffice/internal/billing"
	"github.com/odyssey-erp/dentaloffice/internal/shared"
)

// Billing bundles the settlement service with the stores the server, worker and
// CLI share.
type Billing struct {
	Repository  *billing.PgRepository
	Service     *billing.Service
	Idempotency *shared.IdempotencyStore
}

// NewBilling wires the settlement service from configuration. registerer may be nil.
func NewBilling(cfg *Config, pool *pgxpool.Pool, rdb redis.UniversalClient, logger *slog.Logger, registerer prometheus.Registerer) *Billing {
	repo := billing.NewRepository(pool, cfg.BillingTxMaxAttempts)
	var metrics *billing.Metrics
	if registerer != nil {
		metrics = billing.NewMetrics(registerer)
	}
	svc := billing.NewService(
		repo,
		shared.NewInvoiceLocker(rdb, cfg.BillingLockTTL, cfg.BillingLockWait),
		shared.NewAuditLogger(pool),
		metrics,
		logger,
		billing.ServiceConfig{
			AutoIssueReceipt: cfg.BillingAutoIssueReceipt,
			ReceiptPrefix:    cfg.BillingReceiptPrefix,
		},
	)
	return &Billing{
		Repository:  repo,
		Service:     svc,
		Idempotency: shared.NewIdempotencyStore(pool),
	}
}
