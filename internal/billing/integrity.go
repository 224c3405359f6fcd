package billing

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// IntegrityCheck names one settlement consistency rule.
type IntegrityCheck string

const (
	CheckOvershoot        IntegrityCheck = "paid_exceeds_base"
	CheckStatusDrift      IntegrityCheck = "status_inconsistent"
	CheckDuplicateSale    IntegrityCheck = "duplicate_sale_movements"
	CheckOrphanBenefitUse IntegrityCheck = "benefit_usage_without_payment"
)

// IntegrityFinding is one invoice violating a check.
type IntegrityFinding struct {
	Check     IntegrityCheck `json:"check"`
	InvoiceID int64          `json:"invoiceId"`
	Detail    string         `json:"detail"`
}

// IntegrityReport aggregates findings across all checks.
type IntegrityReport struct {
	Findings []IntegrityFinding     `json:"findings"`
	Counts   map[IntegrityCheck]int `json:"counts"`
}

// Clean reports whether no check produced a finding.
func (r IntegrityReport) Clean() bool { return len(r.Findings) == 0 }

// IntegrityStore runs the read-only queries behind each check.
type IntegrityStore interface {
	OvershotInvoices(ctx context.Context, limit int) ([]IntegrityFinding, error)
	StatusDrift(ctx context.Context, limit int) ([]IntegrityFinding, error)
	DuplicateSaleMovements(ctx context.Context, limit int) ([]IntegrityFinding, error)
	OrphanBenefitUsages(ctx context.Context, limit int) ([]IntegrityFinding, error)
}

// RunIntegrityScan executes every check concurrently. limit caps findings per check.
func RunIntegrityScan(ctx context.Context, store IntegrityStore, limit int) (IntegrityReport, error) {
	if limit <= 0 {
		limit = 500
	}
	checks := []struct {
		name IntegrityCheck
		run  func(context.Context, int) ([]IntegrityFinding, error)
	}{
		{CheckOvershoot, store.OvershotInvoices},
		{CheckStatusDrift, store.StatusDrift},
		{CheckDuplicateSale, store.DuplicateSaleMovements},
		{CheckOrphanBenefitUse, store.OrphanBenefitUsages},
	}
	results := make([][]IntegrityFinding, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			found, err := c.run(gctx, limit)
			if err != nil {
				return fmt.Errorf("billing: integrity %s: %w", c.name, err)
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return IntegrityReport{}, err
	}

	report := IntegrityReport{Counts: make(map[IntegrityCheck]int, len(checks))}
	for i, c := range checks {
		report.Counts[c.name] = len(results[i])
		report.Findings = append(report.Findings, results[i]...)
	}
	sort.SliceStable(report.Findings, func(i, j int) bool {
		return report.Findings[i].InvoiceID < report.Findings[j].InvoiceID
	})
	return report, nil
}

func (r *PgRepository) OvershotInvoices(ctx context.Context, limit int) ([]IntegrityFinding, error) {
	return r.findings(ctx, CheckOvershoot, `SELECT i.id, 'paid ' || SUM(p.amount)::text || ' of ' || COALESCE(i.final_amount, i.total_amount)::text
FROM invoices i
JOIN payments p ON p.invoice_id = i.id
GROUP BY i.id
HAVING SUM(p.amount) > COALESCE(i.final_amount, i.total_amount)
ORDER BY i.id LIMIT $1`, limit)
}

func (r *PgRepository) StatusDrift(ctx context.Context, limit int) ([]IntegrityFinding, error) {
	return r.findings(ctx, CheckStatusDrift, `WITH totals AS (
	SELECT i.id, i.status, COALESCE(i.final_amount, i.total_amount) AS base, COALESCE(SUM(p.amount), 0) AS paid
	FROM invoices i
	LEFT JOIN payments p ON p.invoice_id = i.id
	GROUP BY i.id
)
SELECT id, 'status ' || status || ' with paid ' || paid::text || ' of ' || base::text
FROM totals
WHERE base > 0 AND (
	(paid >= base AND status <> 'paid') OR
	(paid > 0 AND paid < base AND status = 'unpaid') OR
	(paid = 0 AND status <> 'unpaid')
)
ORDER BY id LIMIT $1`, limit)
}

func (r *PgRepository) DuplicateSaleMovements(ctx context.Context, limit int) ([]IntegrityFinding, error) {
	return r.findings(ctx, CheckDuplicateSale, `SELECT invoice_id, 'item ' || COALESCE(invoice_item_id::text, 'none') || ' has ' || COUNT(*)::text || ' SALE rows'
FROM stock_movements
WHERE type = 'SALE'
GROUP BY invoice_id, invoice_item_id
HAVING COUNT(*) > 1
ORDER BY invoice_id LIMIT $1`, limit)
}

func (r *PgRepository) OrphanBenefitUsages(ctx context.Context, limit int) ([]IntegrityFinding, error) {
	return r.findings(ctx, CheckOrphanBenefitUse, `SELECT u.invoice_id, 'usage ' || u.id::text || ' amount ' || u.amount_used::text
FROM employee_benefit_usages u
WHERE NOT EXISTS (
	SELECT 1 FROM payments p
	WHERE p.invoice_id = u.invoice_id AND p.method = 'EMPLOYEE_BENEFIT' AND p.amount = u.amount_used
)
ORDER BY u.invoice_id LIMIT $1`, limit)
}

func (r *PgRepository) findings(ctx context.Context, check IntegrityCheck, query string, limit int) ([]IntegrityFinding, error) {
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IntegrityFinding
	for rows.Next() {
		f := IntegrityFinding{Check: check}
		if err := rows.Scan(&f.InvoiceID, &f.Detail); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
