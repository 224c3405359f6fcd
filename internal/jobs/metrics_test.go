package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("integrity_scan").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("integrity_scan").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("integrity_scan", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("integrity_scan", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("integrity_scan")))
}

func TestIntegrityAndQPayCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetIntegrityFindings("paid_exceeds_base", 3)
	m.SetIntegrityFindings("paid_exceeds_base", 1)
	m.IncQPayConfirmation("applied")
	m.IncQPayConfirmation("")

	require.Equal(t, 1.0, testutil.ToFloat64(m.findings.WithLabelValues("paid_exceeds_base")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.qpay.WithLabelValues("applied")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.qpay.WithLabelValues("unknown")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Track("x").End(nil))
	m.SetIntegrityFindings("x", 1)
	m.IncQPayConfirmation("x")
}
