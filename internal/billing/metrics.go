package billing

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for settlement.
type Metrics struct {
	settlements    *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	stockMovements prometheus.Counter
	benefitDebits  prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers settlement metrics. A nil registerer uses the Prometheus default.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dentaloffice_settlements_total",
		Help: "Settlement attempts partitioned by payment method and outcome.",
	}, []string{"method", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dentaloffice_settlement_duration_seconds",
		Help:    "Duration in seconds of settlement calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	stock := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dentaloffice_sale_movements_total",
		Help: "Stock movements written on full payment.",
	})
	benefit := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dentaloffice_benefit_debits_total",
		Help: "Employee benefit debits applied.",
	})
	registerer.MustRegister(settlements, duration, stock, benefit)
	return &Metrics{settlements: settlements, duration: duration, stockMovements: stock, benefitDebits: benefit}
}

func (m *Metrics) observe(method PaymentMethod, outcome string, start time.Time) {
	if m == nil {
		return
	}
	label := methodLabel(method)
	m.settlements.WithLabelValues(label, outcome).Inc()
	m.duration.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

// methodLabel folds caller-supplied tokens outside the known set into OTHER.
func methodLabel(method PaymentMethod) string {
	switch {
	case method == "":
		return "unknown"
	case method.Known():
		return string(method)
	default:
		return string(MethodOther)
	}
}

func (m *Metrics) addStockMovements(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.stockMovements.Add(float64(n))
}

func (m *Metrics) incBenefitDebit() {
	if m == nil {
		return
	}
	m.benefitDebits.Inc()
}

func outcomeLabel(result *SettlementResult, err error) string {
	if err != nil {
		return string(AsError(err).Code)
	}
	if result != nil && result.Replayed {
		return "replayed"
	}
	return "applied"
}
