package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReceiptNumberFunc generates a fiscal receipt number for an invoice.
type ReceiptNumberFunc func(inv Invoice, at time.Time) string

// DefaultReceiptNumber builds numbers like EB-20260115-000042-1A2B3C4D.
func DefaultReceiptNumber(prefix string) ReceiptNumberFunc {
	if prefix == "" {
		prefix = "EB"
	}
	return func(inv Invoice, at time.Time) string {
		suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
		return fmt.Sprintf("%s-%s-%06d-%s", prefix, at.UTC().Format("20060102"), inv.ID, suffix)
	}
}

func (s *Service) buildReceipt(inv Invoice, now time.Time) FiscalReceipt {
	return FiscalReceipt{
		InvoiceID:     inv.ID,
		ReceiptNumber: s.receiptNumber(inv, now),
		BuyerType:     inv.BuyerType,
		BuyerTIN:      inv.BuyerTIN,
		Amount:        inv.BaseAmount(),
		IssuedAt:      now,
	}
}
