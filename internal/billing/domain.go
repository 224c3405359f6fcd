package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BuyerType distinguishes consumer and business buyers on a fiscal receipt.
type BuyerType string

const (
	BuyerB2C BuyerType = "B2C"
	BuyerB2B BuyerType = "B2B"
)

// Valid reports whether the buyer type is one of the supported values.
func (b BuyerType) Valid() bool {
	return b == BuyerB2C || b == BuyerB2B
}

// ItemType enumerates invoice line kinds.
type ItemType string

const (
	ItemService ItemType = "SERVICE"
	ItemProduct ItemType = "PRODUCT"
)

// PaymentMethod is an upper-case payment method token.
type PaymentMethod string

const (
	MethodCash            PaymentMethod = "CASH"
	MethodQPay            PaymentMethod = "QPAY"
	MethodPOS             PaymentMethod = "POS"
	MethodTransfer        PaymentMethod = "TRANSFER"
	MethodInsurance       PaymentMethod = "INSURANCE"
	MethodVoucher         PaymentMethod = "VOUCHER"
	MethodEmployeeBenefit PaymentMethod = "EMPLOYEE_BENEFIT"
	MethodWallet          PaymentMethod = "WALLET"
	MethodOther           PaymentMethod = "OTHER"
)

// Known reports whether m is one of the method constants above.
func (m PaymentMethod) Known() bool {
	switch m {
	case MethodCash, MethodQPay, MethodPOS, MethodTransfer, MethodInsurance,
		MethodVoucher, MethodEmployeeBenefit, MethodWallet, MethodOther:
		return true
	}
	return false
}

// NormalizeMethod trims and upper-cases a raw method token.
func NormalizeMethod(raw string) PaymentMethod {
	return PaymentMethod(strings.ToUpper(strings.TrimSpace(raw)))
}

// MovementType enumerates stock movement kinds written by settlement.
type MovementType string

// MovementSale decrements stock for products sold on an invoice.
const MovementSale MovementType = "SALE"

// Invoice is a billable encounter together with its lines and payment history.
type Invoice struct {
	ID                       int64
	BranchID                 int64
	EncounterID              int64
	PatientID                int64
	BuyerType                BuyerType
	BuyerTIN                 string
	TotalBeforeDiscount      decimal.Decimal
	DiscountPercent          decimal.Decimal
	CollectionDiscountAmount decimal.Decimal
	FinalAmount              *decimal.Decimal
	TotalAmount              decimal.Decimal
	Status                   InvoiceStatus
	Items                    []InvoiceItem
	Payments                 []Payment
	Receipt                  *FiscalReceipt
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// BaseAmount is the amount payments are measured against: the final amount when
// present, otherwise the legacy total.
func (inv *Invoice) BaseAmount() decimal.Decimal {
	if inv.FinalAmount != nil {
		return *inv.FinalAmount
	}
	return inv.TotalAmount
}

// PaidTotal sums the invoice's payments.
func (inv *Invoice) PaidTotal() decimal.Decimal {
	return PaidTotal(inv.Payments)
}

// UnpaidAmount is the remaining balance, never negative.
func (inv *Invoice) UnpaidAmount() decimal.Decimal {
	remaining := inv.BaseAmount().Sub(inv.PaidTotal())
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// FindPaymentByProviderTxn returns the payment carrying the provider transaction id.
func (inv *Invoice) FindPaymentByProviderTxn(txnID string) (Payment, bool) {
	if txnID == "" {
		return Payment{}, false
	}
	for _, p := range inv.Payments {
		if p.ProviderTxnID == txnID {
			return p, true
		}
	}
	return Payment{}, false
}

// InvoiceItem is a single billable line.
type InvoiceItem struct {
	ID        int64
	InvoiceID int64
	ItemType  ItemType
	ServiceID int64
	ProductID int64
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int64
	LineTotal decimal.Decimal
}

// Payment is an immutable payment record.
type Payment struct {
	ID            int64
	InvoiceID     int64
	Amount        decimal.Decimal
	Method        PaymentMethod
	Meta          map[string]any
	ProviderTxnID string
	CreatedBy     int64
	Timestamp     time.Time
}

// PaidTotal sums payment amounts.
func PaidTotal(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}

// EmployeeBenefit is a per-employee spending balance.
type EmployeeBenefit struct {
	ID              int64
	Code            string
	EmployeeName    string
	RemainingAmount decimal.Decimal
	IsActive        bool
}

// EmployeeBenefitUsage records one debit of a benefit balance.
type EmployeeBenefitUsage struct {
	ID                int64
	BenefitID         int64
	InvoiceID         int64
	EncounterID       int64
	PatientID         int64
	PatientBookNumber string
	AmountUsed        decimal.Decimal
	CreatedAt         time.Time
}

// StockMovement is an inventory delta written when an invoice becomes fully paid.
type StockMovement struct {
	ID            int64
	BranchID      int64
	ProductID     int64
	InvoiceItemID int64
	Type          MovementType
	QuantityDelta int64
	InvoiceID     int64
	Note          string
	CreatedAt     time.Time
}

// FiscalReceipt is the e-Barimt record issued for a fully paid invoice.
type FiscalReceipt struct {
	ID            int64
	InvoiceID     int64
	ReceiptNumber string
	BuyerType     BuyerType
	BuyerTIN      string
	Amount        decimal.Decimal
	IssuedAt      time.Time
}

// Appointment is the collaborator record advanced by settlement.
type Appointment struct {
	ID     int64
	Status AppointmentStatus
}

// Encounter links an invoice to its appointment and patient book.
type Encounter struct {
	ID                int64
	AppointmentID     int64
	PatientBookNumber string
}

// SettlementState is everything settlement reads about an invoice before writing.
type SettlementState struct {
	Invoice               Invoice
	Encounter             *Encounter
	Appointment           *Appointment
	HasUnresolvedMismatch bool
	HasAllocationRows     bool
}

// SettleRequest describes a payment to apply against an invoice.
type SettleRequest struct {
	InvoiceID    int64
	Amount       decimal.Decimal
	Method       string
	Meta         map[string]any
	BuyerType    BuyerType
	BuyerTIN     string
	EmployeeCode string
	QPayTxnID    string
	IssueReceipt bool
	ActorID      int64
}

// InvoiceView is the caller-facing projection of an invoice after settlement.
type InvoiceView struct {
	ID                       int64           `json:"id"`
	BranchID                 int64           `json:"branchId"`
	EncounterID              int64           `json:"encounterId"`
	PatientID                int64           `json:"patientId"`
	BuyerType                BuyerType       `json:"buyerType"`
	BuyerTIN                 string          `json:"buyerTin,omitempty"`
	TotalBeforeDiscount      decimal.Decimal `json:"totalBeforeDiscount"`
	DiscountPercent          decimal.Decimal `json:"discountPercent"`
	CollectionDiscountAmount decimal.Decimal `json:"collectionDiscountAmount"`
	BaseAmount               decimal.Decimal `json:"baseAmount"`
	PaidTotal                decimal.Decimal `json:"paidTotal"`
	UnpaidAmount             decimal.Decimal `json:"unpaidAmount"`
	Status                   InvoiceStatus   `json:"status"`
	Items                    []ItemView      `json:"items"`
	Payments                 []PaymentView   `json:"payments"`
	Receipt                  *ReceiptView    `json:"receipt,omitempty"`
}

// ItemView is a line in InvoiceView.
type ItemView struct {
	ID        int64           `json:"id"`
	ItemType  ItemType        `json:"itemType"`
	ServiceID int64           `json:"serviceId,omitempty"`
	ProductID int64           `json:"productId,omitempty"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int64           `json:"quantity"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

// PaymentView is a payment in InvoiceView.
type PaymentView struct {
	ID            int64           `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        PaymentMethod   `json:"method"`
	ProviderTxnID string          `json:"providerTxnId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ReceiptView is the fiscal receipt in InvoiceView.
type ReceiptView struct {
	ReceiptNumber string    `json:"receiptNumber"`
	IssuedAt      time.Time `json:"issuedAt"`
}

// NewInvoiceView projects an invoice into its view.
func NewInvoiceView(inv Invoice) InvoiceView {
	view := InvoiceView{
		ID:                       inv.ID,
		BranchID:                 inv.BranchID,
		EncounterID:              inv.EncounterID,
		PatientID:                inv.PatientID,
		BuyerType:                inv.BuyerType,
		BuyerTIN:                 inv.BuyerTIN,
		TotalBeforeDiscount:      inv.TotalBeforeDiscount,
		DiscountPercent:          inv.DiscountPercent,
		CollectionDiscountAmount: inv.CollectionDiscountAmount,
		BaseAmount:               inv.BaseAmount(),
		PaidTotal:                inv.PaidTotal(),
		UnpaidAmount:             inv.UnpaidAmount(),
		Status:                   inv.Status,
		Items:                    make([]ItemView, 0, len(inv.Items)),
		Payments:                 make([]PaymentView, 0, len(inv.Payments)),
	}
	for _, it := range inv.Items {
		view.Items = append(view.Items, ItemView{
			ID:        it.ID,
			ItemType:  it.ItemType,
			ServiceID: it.ServiceID,
			ProductID: it.ProductID,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
			LineTotal: it.LineTotal,
		})
	}
	for _, p := range inv.Payments {
		view.Payments = append(view.Payments, PaymentView{
			ID:            p.ID,
			Amount:        p.Amount,
			Method:        p.Method,
			ProviderTxnID: p.ProviderTxnID,
			Timestamp:     p.Timestamp,
		})
	}
	if inv.Receipt != nil {
		view.Receipt = &ReceiptView{ReceiptNumber: inv.Receipt.ReceiptNumber, IssuedAt: inv.Receipt.IssuedAt}
	}
	return view
}

// SettlementResult is returned by Settle.
type SettlementResult struct {
	View         InvoiceView
	Payment      *Payment
	PaidTotal    decimal.Decimal
	UnpaidAmount decimal.Decimal
	Replayed     bool
}
