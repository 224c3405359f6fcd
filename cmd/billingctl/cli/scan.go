package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/odyssey-erp/dentaloffice/internal/billing"
)

// Scanner runs the settlement integrity checks.
type Scanner interface {
	Run(ctx context.Context, limit int) (billing.IntegrityReport, error)
}

// ScanOptions defines the flags for the scan command.
type ScanOptions struct {
	Limit      int
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ScanCommand runs the integrity scan inline. It exits 10 when findings exist.
func ScanCommand(ctx context.Context, scanner Scanner, opts ScanOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	report, err := scanner.Run(ctx, opts.Limit)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "scan: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(report); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "scan: encode json: %v\n", err)
			return 1
		}
	} else {
		renderScanHuman(opts.Stdout, report)
	}
	if !report.Clean() {
		return 10
	}
	return 0
}

func renderScanHuman(out io.Writer, report billing.IntegrityReport) {
	if report.Clean() {
		_, _ = fmt.Fprintln(out, "No settlement integrity findings.")
		return
	}
	checks := make([]string, 0, len(report.Counts))
	for check, count := range report.Counts {
		if count > 0 {
			checks = append(checks, string(check))
		}
	}
	sort.Strings(checks)
	_, _ = fmt.Fprintf(out, "%d finding(s):\n", len(report.Findings))
	for _, check := range checks {
		_, _ = fmt.Fprintf(out, "%s: %d\n", check, report.Counts[billing.IntegrityCheck(check)])
	}
	for _, f := range report.Findings {
		_, _ = fmt.Fprintf(out, " - invoice %d [%s] %s\n", f.InvoiceID, f.Check, f.Detail)
	}
}
