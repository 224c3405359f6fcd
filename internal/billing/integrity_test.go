package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubIntegrityStore struct {
	overshoot []IntegrityFinding
	drift     []IntegrityFinding
	dupSale   []IntegrityFinding
	orphan    []IntegrityFinding
	err       error
}

func (s *stubIntegrityStore) OvershotInvoices(_ context.Context, limit int) ([]IntegrityFinding, error) {
	return s.overshoot, nil
}

func (s *stubIntegrityStore) StatusDrift(_ context.Context, limit int) ([]IntegrityFinding, error) {
	return s.drift, s.err
}

func (s *stubIntegrityStore) DuplicateSaleMovements(_ context.Context, limit int) ([]IntegrityFinding, error) {
	return s.dupSale, nil
}

func (s *stubIntegrityStore) OrphanBenefitUsages(_ context.Context, limit int) ([]IntegrityFinding, error) {
	return s.orphan, nil
}

func TestRunIntegrityScanAggregates(t *testing.T) {
	store := &stubIntegrityStore{
		overshoot: []IntegrityFinding{{Check: CheckOvershoot, InvoiceID: 9}},
		drift:     []IntegrityFinding{{Check: CheckStatusDrift, InvoiceID: 3}, {Check: CheckStatusDrift, InvoiceID: 12}},
		orphan:    []IntegrityFinding{{Check: CheckOrphanBenefitUse, InvoiceID: 1}},
	}
	report, err := RunIntegrityScan(context.Background(), store, 0)
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.Len(t, report.Findings, 4)
	require.Equal(t, int64(1), report.Findings[0].InvoiceID)
	require.Equal(t, int64(12), report.Findings[3].InvoiceID)
	require.Equal(t, 2, report.Counts[CheckStatusDrift])
	require.Equal(t, 0, report.Counts[CheckDuplicateSale])
}

func TestRunIntegrityScanPropagatesErrors(t *testing.T) {
	store := &stubIntegrityStore{err: errors.New("timeout")}
	_, err := RunIntegrityScan(context.Background(), store, 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), string(CheckStatusDrift))
}

func TestRunIntegrityScanClean(t *testing.T) {
	report, err := RunIntegrityScan(context.Background(), &stubIntegrityStore{}, 10)
	require.NoError(t, err)
	require.True(t, report.Clean())
}
