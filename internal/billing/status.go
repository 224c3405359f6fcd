package billing

import "github.com/shopspring/decimal"

// InvoiceStatus is the legacy invoice payment status.
type InvoiceStatus string

const (
	InvoiceUnpaid  InvoiceStatus = "unpaid"
	InvoicePartial InvoiceStatus = "partial"
	InvoicePaid    InvoiceStatus = "paid"
)

func (s InvoiceStatus) rank() int {
	switch s {
	case InvoicePartial:
		return 1
	case InvoicePaid:
		return 2
	default:
		return 0
	}
}

// AppointmentStatus enumerates appointment lifecycle states.
type AppointmentStatus string

const (
	AppointmentBooked      AppointmentStatus = "booked"
	AppointmentConfirmed   AppointmentStatus = "confirmed"
	AppointmentOngoing     AppointmentStatus = "ongoing"
	AppointmentReadyToPay  AppointmentStatus = "ready_to_pay"
	AppointmentPartialPaid AppointmentStatus = "partial_paid"
	AppointmentCompleted   AppointmentStatus = "completed"
	AppointmentCancelled   AppointmentStatus = "cancelled"
	AppointmentNoShow      AppointmentStatus = "no_show"
)

// Settleable reports whether payments may be applied while the appointment is in this status.
func (s AppointmentStatus) Settleable() bool {
	return s == AppointmentReadyToPay || s == AppointmentPartialPaid
}

// DeriveInvoiceStatus maps a paid total against the base amount.
func DeriveInvoiceStatus(paid, base decimal.Decimal) InvoiceStatus {
	switch {
	case paid.GreaterThanOrEqual(base):
		return InvoicePaid
	case paid.IsPositive():
		return InvoicePartial
	default:
		return InvoiceUnpaid
	}
}

// NextInvoiceStatus returns the status after a payment. Status never regresses.
func NextInvoiceStatus(current InvoiceStatus, paid, base decimal.Decimal) InvoiceStatus {
	derived := DeriveInvoiceStatus(paid, base)
	if current.rank() > derived.rank() {
		return current
	}
	return derived
}

// NextAppointmentStatus mirrors the payment ratio onto the appointment.
func NextAppointmentStatus(paid, base decimal.Decimal) AppointmentStatus {
	switch DeriveInvoiceStatus(paid, base) {
	case InvoicePaid:
		return AppointmentCompleted
	case InvoicePartial:
		return AppointmentPartialPaid
	default:
		return AppointmentReadyToPay
	}
}
