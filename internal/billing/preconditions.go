package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// amountScale matches the NUMERIC(14,2) money columns.
const amountScale = 2

// ValidateRequest checks the request shape. It runs before any invoice state is read.
func ValidateRequest(req SettleRequest) (PaymentMethod, error) {
	if req.InvoiceID <= 0 {
		return "", ErrInvoiceNotFound
	}
	if !req.Amount.IsPositive() {
		return "", ErrInvalidAmount.withDetail("got %s", req.Amount.String())
	}
	if !req.Amount.Equal(req.Amount.Truncate(amountScale)) {
		return "", ErrInvalidAmount.withDetail("got %s, at most %d decimal places", req.Amount.String(), amountScale)
	}
	method := NormalizeMethod(req.Method)
	if method == "" {
		return "", ErrMethodRequired
	}
	if req.BuyerType != "" && !BuyerType(strings.ToUpper(string(req.BuyerType))).Valid() {
		return "", ErrInvalidBuyerType.withDetail("got %q", req.BuyerType)
	}
	if method == MethodEmployeeBenefit && strings.TrimSpace(req.EmployeeCode) == "" {
		return "", ErrEmployeeCodeRequired
	}
	return method, nil
}

// effectiveBuyer resolves buyer fields, preferring values supplied on the request.
func effectiveBuyer(inv Invoice, req SettleRequest) (BuyerType, string) {
	buyerType := inv.BuyerType
	if req.BuyerType != "" {
		buyerType = BuyerType(strings.ToUpper(string(req.BuyerType)))
	}
	if buyerType == "" {
		buyerType = BuyerB2C
	}
	tin := inv.BuyerTIN
	if strings.TrimSpace(req.BuyerTIN) != "" {
		tin = strings.TrimSpace(req.BuyerTIN)
	}
	return buyerType, tin
}

// CheckPreconditions applies the gating rules against freshly loaded state, in order.
// Nothing has been written when it returns an error.
func CheckPreconditions(state SettlementState, req SettleRequest) error {
	inv := state.Invoice
	if state.Appointment != nil && !state.Appointment.Status.Settleable() {
		return ErrAppointmentStatus.withDetail("appointment %d is %s", state.Appointment.ID, state.Appointment.Status)
	}
	if state.HasUnresolvedMismatch {
		return ErrSterilizationMismatch.withDetail("encounter %d", inv.EncounterID)
	}
	base := inv.BaseAmount()
	if !base.IsPositive() {
		return ErrInvalidBaseAmount.withDetail("base amount %s", formatAmount(base))
	}
	buyerType, tin := effectiveBuyer(inv, req)
	if buyerType == BuyerB2B && tin == "" {
		return ErrBuyerTINRequired
	}
	paid := inv.PaidTotal()
	if paid.GreaterThanOrEqual(base) {
		return ErrAlreadyPaid.withDetail("paid %s of %s", formatAmount(paid), formatAmount(base))
	}
	if state.HasAllocationRows {
		return ErrAllocationRequired
	}
	if remaining := base.Sub(paid); req.Amount.GreaterThan(remaining) {
		return ErrAmountExceedsUnpaid.withDetail("unpaid %s, requested %s", formatAmount(remaining), formatAmount(req.Amount))
	}
	return nil
}

// paidRatio is paid/base, zero for a non-positive base.
func paidRatio(paid, base decimal.Decimal) float64 {
	if !base.IsPositive() {
		return 0
	}
	r, _ := paid.Div(base).Float64()
	return r
}
