package billing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveInvoiceStatus(t *testing.T) {
	base := dec("100000")
	require.Equal(t, InvoiceUnpaid, DeriveInvoiceStatus(dec("0"), base))
	require.Equal(t, InvoicePartial, DeriveInvoiceStatus(dec("0.01"), base))
	require.Equal(t, InvoicePartial, DeriveInvoiceStatus(dec("99999.99"), base))
	require.Equal(t, InvoicePaid, DeriveInvoiceStatus(dec("100000"), base))
	require.Equal(t, InvoicePaid, DeriveInvoiceStatus(dec("100001"), base))
}

func TestNextInvoiceStatusNeverRegresses(t *testing.T) {
	base := dec("100")
	require.Equal(t, InvoicePaid, NextInvoiceStatus(InvoicePaid, dec("50"), base))
	require.Equal(t, InvoicePartial, NextInvoiceStatus(InvoicePartial, dec("0"), base))
	require.Equal(t, InvoicePaid, NextInvoiceStatus(InvoicePartial, dec("100"), base))
	require.Equal(t, InvoicePartial, NextInvoiceStatus(InvoiceUnpaid, dec("1"), base))
	require.Equal(t, InvoicePartial, NextInvoiceStatus("", dec("1"), base))
}

func TestNextAppointmentStatus(t *testing.T) {
	base := dec("100")
	require.Equal(t, AppointmentCompleted, NextAppointmentStatus(dec("100"), base))
	require.Equal(t, AppointmentPartialPaid, NextAppointmentStatus(dec("40"), base))
	require.Equal(t, AppointmentReadyToPay, NextAppointmentStatus(dec("0"), base))
}

func TestAppointmentSettleable(t *testing.T) {
	settleable := map[AppointmentStatus]bool{
		AppointmentBooked:      false,
		AppointmentConfirmed:   false,
		AppointmentOngoing:     false,
		AppointmentReadyToPay:  true,
		AppointmentPartialPaid: true,
		AppointmentCompleted:   false,
		AppointmentCancelled:   false,
		AppointmentNoShow:      false,
	}
	for status, want := range settleable {
		require.Equal(t, want, status.Settleable(), status)
	}
}
