package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/dentaloffice/internal/billing"
)

// Settler is implemented by billing.Service.
type Settler interface {
	Settle(ctx context.Context, req billing.SettleRequest) (*billing.SettlementResult, error)
}

// SettleOptions defines the flags for the settle command.
type SettleOptions struct {
	InvoiceID    int64
	Amount       string
	Method       string
	BuyerType    string
	BuyerTIN     string
	EmployeeCode string
	QPayTxnID    string
	IssueReceipt bool
	ActorID      int64
	JSONOutput   bool
	Stdout       io.Writer
	Stderr       io.Writer
}

// SettleCommand applies one payment and prints the resulting invoice. Exit codes:
// 0 success, 1 usage or infrastructure failure, 2 settlement rejected, 3 retryable conflict.
func SettleCommand(ctx context.Context, settler Settler, opts SettleOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.InvoiceID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "settle: invoice id must be positive")
		return 1
	}
	amount, err := decimal.NewFromString(opts.Amount)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "settle: invalid amount %q\n", opts.Amount)
		return 1
	}

	result, err := settler.Settle(ctx, billing.SettleRequest{
		InvoiceID:    opts.InvoiceID,
		Amount:       amount,
		Method:       opts.Method,
		BuyerType:    billing.BuyerType(opts.BuyerType),
		BuyerTIN:     opts.BuyerTIN,
		EmployeeCode: opts.EmployeeCode,
		QPayTxnID:    opts.QPayTxnID,
		IssueReceipt: opts.IssueReceipt,
		ActorID:      opts.ActorID,
		Meta:         map[string]any{"source": "billingctl"},
	})
	if err != nil {
		be := billing.AsError(err)
		_, _ = fmt.Fprintf(opts.Stderr, "settle: %s: %s\n", be.Code, be.ProblemDetail())
		switch be.Category {
		case billing.CategoryConflict:
			return 3
		case billing.CategoryInternal:
			_, _ = fmt.Fprintf(opts.Stderr, "settle: cause: %v\n", err)
			return 1
		default:
			return 2
		}
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(result.View); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "settle: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	v := result.View
	replay := ""
	if result.Replayed {
		replay = " (replayed)"
	}
	_, _ = fmt.Fprintf(opts.Stdout, "invoice %d %s%s: paid %s, unpaid %s\n",
		v.ID, v.Status, replay, result.PaidTotal.StringFixed(2), result.UnpaidAmount.StringFixed(2))
	if v.Receipt != nil {
		_, _ = fmt.Fprintf(opts.Stdout, "receipt %s\n", v.Receipt.ReceiptNumber)
	}
	return 0
}
