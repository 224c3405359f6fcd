package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/dentaloffice/internal/platform/db"
)

const providerTxnConstraint = "payments_invoice_provider_txn_uq"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PgRepository persists settlement data in PostgreSQL.
type PgRepository struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewRepository constructs PgRepository. maxAttempts bounds serialization-failure retries.
func NewRepository(pool *pgxpool.Pool, maxAttempts int) *PgRepository {
	return &PgRepository{pool: pool, maxAttempts: maxAttempts}
}

type txRepo struct {
	q querier
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, r.maxAttempts, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
}

// GetInvoice loads an invoice with items, payments and receipt without locking.
func (r *PgRepository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return loadInvoice(ctx, r.pool, selectInvoice, id)
}

const invoiceColumns = `id, COALESCE(branch_id, 0), COALESCE(encounter_id, 0), COALESCE(patient_id, 0),
	COALESCE(buyer_type, ''), COALESCE(buyer_tin, ''),
	total_before_discount::text, discount_percent::text, collection_discount_amount::text,
	final_amount::text, total_amount::text, status, created_at, updated_at`

const selectInvoice = `SELECT ` + invoiceColumns + `
FROM invoices WHERE id=$1`

// lockInvoice must be the first statement of a settlement transaction. When another
// settlement on the same invoice committed after this snapshot the write fails with
// 40001 and db.WithTx restarts on a snapshot that includes its payment.
const lockInvoice = `UPDATE invoices SET updated_at=NOW() WHERE id=$1
RETURNING ` + invoiceColumns

func loadInvoice(ctx context.Context, q querier, query string, id int64) (Invoice, error) {
	var (
		inv                                     Invoice
		buyerType, status                       string
		beforeDiscount, discountPct, collection string
		finalAmount                             pgtype.Text
		total                                   string
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&inv.ID, &inv.BranchID, &inv.EncounterID, &inv.PatientID,
		&buyerType, &inv.BuyerTIN,
		&beforeDiscount, &discountPct, &collection,
		&finalAmount, &total, &status, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, err
	}
	inv.BuyerType = BuyerType(buyerType)
	inv.Status = InvoiceStatus(status)
	if inv.TotalBeforeDiscount, err = parseAmount(beforeDiscount); err != nil {
		return Invoice{}, err
	}
	if inv.DiscountPercent, err = parseAmount(discountPct); err != nil {
		return Invoice{}, err
	}
	if inv.CollectionDiscountAmount, err = parseAmount(collection); err != nil {
		return Invoice{}, err
	}
	if inv.TotalAmount, err = parseAmount(total); err != nil {
		return Invoice{}, err
	}
	if finalAmount.Valid {
		final, err := parseAmount(finalAmount.String)
		if err != nil {
			return Invoice{}, err
		}
		inv.FinalAmount = &final
	}

	if inv.Items, err = listItems(ctx, q, id); err != nil {
		return Invoice{}, err
	}
	if inv.Payments, err = listPayments(ctx, q, id); err != nil {
		return Invoice{}, err
	}
	if inv.Receipt, err = getReceipt(ctx, q, id); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func listItems(ctx context.Context, q querier, invoiceID int64) ([]InvoiceItem, error) {
	rows, err := q.Query(ctx, `SELECT id, invoice_id, item_type, COALESCE(service_id, 0), COALESCE(product_id, 0),
	name, unit_price::text, quantity, line_total::text
FROM invoice_items WHERE invoice_id=$1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list invoice items: %w", err)
	}
	defer rows.Close()

	var items []InvoiceItem
	for rows.Next() {
		var (
			item              InvoiceItem
			itemType          string
			unitPrice, amount string
		)
		if err := rows.Scan(&item.ID, &item.InvoiceID, &itemType, &item.ServiceID, &item.ProductID,
			&item.Name, &unitPrice, &item.Quantity, &amount); err != nil {
			return nil, err
		}
		item.ItemType = ItemType(itemType)
		if item.UnitPrice, err = parseAmount(unitPrice); err != nil {
			return nil, err
		}
		if item.LineTotal, err = parseAmount(amount); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func listPayments(ctx context.Context, q querier, invoiceID int64) ([]Payment, error) {
	rows, err := q.Query(ctx, `SELECT id, invoice_id, amount::text, method, meta, COALESCE(provider_txn_id, ''),
	COALESCE(created_by, 0), created_at
FROM payments WHERE invoice_id=$1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p              Payment
		amount, method string
		meta           []byte
	)
	if err := row.Scan(&p.ID, &p.InvoiceID, &amount, &method, &meta, &p.ProviderTxnID, &p.CreatedBy, &p.Timestamp); err != nil {
		return Payment{}, err
	}
	var err error
	if p.Amount, err = parseAmount(amount); err != nil {
		return Payment{}, err
	}
	p.Method = PaymentMethod(method)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Meta); err != nil {
			return Payment{}, fmt.Errorf("decode payment meta: %w", err)
		}
	}
	return p, nil
}

func getReceipt(ctx context.Context, q querier, invoiceID int64) (*FiscalReceipt, error) {
	var (
		rc              FiscalReceipt
		buyerType, amnt string
	)
	err := q.QueryRow(ctx, `SELECT id, invoice_id, receipt_number, buyer_type, COALESCE(buyer_tin, ''), amount::text, issued_at
FROM fiscal_receipts WHERE invoice_id=$1`, invoiceID).
		Scan(&rc.ID, &rc.InvoiceID, &rc.ReceiptNumber, &buyerType, &rc.BuyerTIN, &amnt, &rc.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	rc.BuyerType = BuyerType(buyerType)
	if rc.Amount, err = parseAmount(amnt); err != nil {
		return nil, err
	}
	return &rc, nil
}

func (r *txRepo) LockInvoice(ctx context.Context, id int64) (Invoice, error) {
	return loadInvoice(ctx, r.q, lockInvoice, id)
}

func (r *txRepo) GetEncounter(ctx context.Context, id int64) (*Encounter, error) {
	var enc Encounter
	err := r.q.QueryRow(ctx, `SELECT e.id, COALESCE(e.appointment_id, 0), COALESCE(pb.book_number, '')
FROM encounters e
LEFT JOIN patient_books pb ON pb.id = e.patient_book_id
WHERE e.id=$1`, id).Scan(&enc.ID, &enc.AppointmentID, &enc.PatientBookNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &enc, nil
}

func (r *txRepo) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	var (
		appt   Appointment
		status string
	)
	err := r.q.QueryRow(ctx, `SELECT id, status FROM appointments WHERE id=$1 FOR UPDATE`, id).Scan(&appt.ID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	appt.Status = AppointmentStatus(status)
	return &appt, nil
}

func (r *txRepo) HasUnresolvedMismatch(ctx context.Context, encounterID int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (
	SELECT 1 FROM sterilization_mismatches WHERE encounter_id=$1 AND resolved_at IS NULL
)`, encounterID).Scan(&exists)
	return exists, err
}

func (r *txRepo) HasAllocationRows(ctx context.Context, invoiceID int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (
	SELECT 1 FROM invoice_allocations WHERE invoice_id=$1
)`, invoiceID).Scan(&exists)
	return exists, err
}

func (r *txRepo) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	return listPayments(ctx, r.q, invoiceID)
}

func (r *txRepo) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	meta, err := json.Marshal(p.Meta)
	if err != nil {
		return Payment{}, fmt.Errorf("encode payment meta: %w", err)
	}
	row := r.q.QueryRow(ctx, `INSERT INTO payments (invoice_id, amount, method, meta, provider_txn_id, created_by, created_at)
VALUES ($1, $2::numeric, $3, $4, $5, $6, $7)
RETURNING id, invoice_id, amount::text, method, meta, COALESCE(provider_txn_id, ''), COALESCE(created_by, 0), created_at`,
		p.InvoiceID,
		p.Amount.String(),
		string(p.Method),
		meta,
		pgtype.Text{String: p.ProviderTxnID, Valid: p.ProviderTxnID != ""},
		pgtype.Int8{Int64: p.CreatedBy, Valid: p.CreatedBy > 0},
		p.Timestamp,
	)
	inserted, err := scanPayment(row)
	if err != nil {
		if db.IsUniqueViolation(err, providerTxnConstraint) {
			return Payment{}, ErrDuplicateProviderTxn
		}
		return Payment{}, err
	}
	return inserted, nil
}

func (r *txRepo) UpdateInvoiceBuyer(ctx context.Context, invoiceID int64, buyerType BuyerType, tin string) error {
	_, err := r.q.Exec(ctx, `UPDATE invoices SET buyer_type=$2, buyer_tin=$3, updated_at=NOW() WHERE id=$1`,
		invoiceID, string(buyerType), pgtype.Text{String: tin, Valid: tin != ""})
	return err
}

func (r *txRepo) UpdateInvoiceStatus(ctx context.Context, invoiceID int64, status InvoiceStatus) error {
	_, err := r.q.Exec(ctx, `UPDATE invoices SET status=$2, updated_at=NOW() WHERE id=$1`, invoiceID, string(status))
	return err
}

func (r *txRepo) UpdateAppointmentStatus(ctx context.Context, appointmentID int64, status AppointmentStatus) error {
	_, err := r.q.Exec(ctx, `UPDATE appointments SET status=$2, updated_at=NOW() WHERE id=$1`, appointmentID, string(status))
	return err
}

func (r *txRepo) GetActiveBenefitForUpdate(ctx context.Context, code string) (EmployeeBenefit, error) {
	var (
		b         EmployeeBenefit
		remaining string
	)
	err := r.q.QueryRow(ctx, `SELECT id, code, employee_name, remaining_amount::text, is_active
FROM employee_benefits WHERE code=$1 FOR UPDATE`, code).
		Scan(&b.ID, &b.Code, &b.EmployeeName, &remaining, &b.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EmployeeBenefit{}, ErrNotFound
		}
		return EmployeeBenefit{}, err
	}
	if b.RemainingAmount, err = parseAmount(remaining); err != nil {
		return EmployeeBenefit{}, err
	}
	return b, nil
}

// DebitBenefit decrements the balance only when it covers amount and returns the new balance.
func (r *txRepo) DebitBenefit(ctx context.Context, benefitID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	var remaining string
	err := r.q.QueryRow(ctx, `UPDATE employee_benefits
SET remaining_amount = remaining_amount - $2::numeric, updated_at = NOW()
WHERE id=$1 AND is_active AND remaining_amount >= $2::numeric
RETURNING remaining_amount::text`, benefitID, amount.String()).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, err
	}
	return parseAmount(remaining)
}

func (r *txRepo) InsertBenefitUsage(ctx context.Context, usage EmployeeBenefitUsage) (EmployeeBenefitUsage, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO employee_benefit_usages
	(benefit_id, invoice_id, encounter_id, patient_id, patient_book_number, amount_used, created_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
RETURNING id`,
		usage.BenefitID,
		usage.InvoiceID,
		pgtype.Int8{Int64: usage.EncounterID, Valid: usage.EncounterID > 0},
		pgtype.Int8{Int64: usage.PatientID, Valid: usage.PatientID > 0},
		pgtype.Text{String: usage.PatientBookNumber, Valid: usage.PatientBookNumber != ""},
		usage.AmountUsed.String(),
		usage.CreatedAt,
	).Scan(&usage.ID)
	if err != nil {
		return EmployeeBenefitUsage{}, err
	}
	return usage, nil
}

func (r *txRepo) HasSaleMovements(ctx context.Context, invoiceID int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (
	SELECT 1 FROM stock_movements WHERE invoice_id=$1 AND type=$2
)`, invoiceID, string(MovementSale)).Scan(&exists)
	return exists, err
}

const insertStockMovement = `INSERT INTO stock_movements (branch_id, product_id, invoice_item_id, type, quantity_delta, invoice_id, note, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (invoice_id, invoice_item_id, type) DO NOTHING`

// InsertStockMovements skips rows already present for (invoice, item, SALE).
func (r *txRepo) InsertStockMovements(ctx context.Context, movements []StockMovement) error {
	if len(movements) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range movements {
		batch.Queue(insertStockMovement, m.BranchID, m.ProductID, m.InvoiceItemID, string(m.Type), m.QuantityDelta, m.InvoiceID, m.Note, m.CreatedAt)
	}
	return r.q.SendBatch(ctx, batch).Close()
}

func (r *txRepo) InsertReceipt(ctx context.Context, receipt FiscalReceipt) (FiscalReceipt, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO fiscal_receipts (invoice_id, receipt_number, buyer_type, buyer_tin, amount, issued_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6)
ON CONFLICT (invoice_id) DO NOTHING
RETURNING id`,
		receipt.InvoiceID,
		receipt.ReceiptNumber,
		string(receipt.BuyerType),
		pgtype.Text{String: receipt.BuyerTIN, Valid: receipt.BuyerTIN != ""},
		receipt.Amount.String(),
		receipt.IssuedAt,
	).Scan(&receipt.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := getReceipt(ctx, r.q, receipt.InvoiceID)
		if err != nil {
			return FiscalReceipt{}, err
		}
		if existing == nil {
			return FiscalReceipt{}, fmt.Errorf("receipt for invoice %d vanished", receipt.InvoiceID)
		}
		return *existing, nil
	}
	if err != nil {
		return FiscalReceipt{}, err
	}
	return receipt, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return d, nil
}
