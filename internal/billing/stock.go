package billing

import (
	"context"
	"fmt"
	"time"
)

// issueSaleMovements writes one SALE movement per product line item the first time an
// invoice is fully paid. Later calls for the same invoice are no-ops.
func issueSaleMovements(ctx context.Context, tx TxRepository, inv Invoice, method PaymentMethod, now time.Time) ([]StockMovement, error) {
	exists, err := tx.HasSaleMovements(ctx, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("billing: check sale movements: %w", err)
	}
	if exists {
		return nil, nil
	}
	if inv.BranchID <= 0 {
		return nil, ErrMissingBranch
	}
	movements := saleMovements(inv, method, now)
	if len(movements) == 0 {
		return nil, nil
	}
	if err := tx.InsertStockMovements(ctx, movements); err != nil {
		return nil, fmt.Errorf("billing: insert sale movements: %w", err)
	}
	return movements, nil
}

func saleMovements(inv Invoice, method PaymentMethod, now time.Time) []StockMovement {
	var out []StockMovement
	for _, item := range inv.Items {
		if item.ItemType != ItemProduct || item.Quantity <= 0 || item.ProductID <= 0 {
			continue
		}
		out = append(out, StockMovement{
			BranchID:      inv.BranchID,
			ProductID:     item.ProductID,
			InvoiceItemID: item.ID,
			Type:          MovementSale,
			QuantityDelta: -item.Quantity,
			InvoiceID:     inv.ID,
			Note:          fmt.Sprintf("Invoice #%d sale (%s)", inv.ID, method),
			CreatedAt:     now,
		})
	}
	return out
}
