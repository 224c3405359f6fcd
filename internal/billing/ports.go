package billing

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/dentaloffice/internal/shared"
)

// ErrNotFound indicates a missing row.
var ErrNotFound = errors.New("billing: not found")

// ErrDuplicateProviderTxn is returned when a payment with the same provider
// transaction id was committed concurrently.
var ErrDuplicateProviderTxn = errors.New("billing: provider transaction already recorded")

// Repository is the persistence port used by Service.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
}

// TxRepository exposes the reads and writes settlement performs inside one transaction.
type TxRepository interface {
	LockInvoice(ctx context.Context, id int64) (Invoice, error)
	GetEncounter(ctx context.Context, id int64) (*Encounter, error)
	GetAppointment(ctx context.Context, id int64) (*Appointment, error)
	HasUnresolvedMismatch(ctx context.Context, encounterID int64) (bool, error)
	HasAllocationRows(ctx context.Context, invoiceID int64) (bool, error)

	ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error)
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	UpdateInvoiceBuyer(ctx context.Context, invoiceID int64, buyerType BuyerType, tin string) error
	UpdateInvoiceStatus(ctx context.Context, invoiceID int64, status InvoiceStatus) error
	UpdateAppointmentStatus(ctx context.Context, appointmentID int64, status AppointmentStatus) error

	GetActiveBenefitForUpdate(ctx context.Context, code string) (EmployeeBenefit, error)
	DebitBenefit(ctx context.Context, benefitID int64, amount decimal.Decimal) (decimal.Decimal, error)
	InsertBenefitUsage(ctx context.Context, usage EmployeeBenefitUsage) (EmployeeBenefitUsage, error)

	HasSaleMovements(ctx context.Context, invoiceID int64) (bool, error)
	InsertStockMovements(ctx context.Context, movements []StockMovement) error

	InsertReceipt(ctx context.Context, receipt FiscalReceipt) (FiscalReceipt, error)
}

// InvoiceLocker serialises settlements of one invoice across processes.
type InvoiceLocker interface {
	Lock(ctx context.Context, invoiceID int64) (func(context.Context) error, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}
