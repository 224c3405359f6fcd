package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// debitBenefit decrements the employee benefit balance and records the usage row.
// It must run inside the settlement transaction so that a later failure undoes both.
func (s *Service) debitBenefit(ctx context.Context, tx TxRepository, state SettlementState, req SettleRequest) (EmployeeBenefitUsage, error) {
	code := strings.TrimSpace(req.EmployeeCode)
	benefit, err := tx.GetActiveBenefitForUpdate(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return EmployeeBenefitUsage{}, ErrInvalidBenefitCode.withDetail("code %q", code)
	}
	if err != nil {
		return EmployeeBenefitUsage{}, fmt.Errorf("billing: load benefit: %w", err)
	}
	if !benefit.IsActive {
		return EmployeeBenefitUsage{}, ErrInvalidBenefitCode.withDetail("code %q is inactive", code)
	}
	if benefit.RemainingAmount.LessThan(req.Amount) {
		return EmployeeBenefitUsage{}, ErrInsufficientBenefit.withDetail("remaining %s, requested %s",
			formatAmount(benefit.RemainingAmount), formatAmount(req.Amount))
	}
	if _, err := tx.DebitBenefit(ctx, benefit.ID, req.Amount); err != nil {
		if errors.Is(err, ErrNotFound) {
			return EmployeeBenefitUsage{}, ErrInsufficientBenefit
		}
		return EmployeeBenefitUsage{}, fmt.Errorf("billing: debit benefit: %w", err)
	}
	usage := EmployeeBenefitUsage{
		BenefitID:   benefit.ID,
		InvoiceID:   state.Invoice.ID,
		EncounterID: state.Invoice.EncounterID,
		PatientID:   state.Invoice.PatientID,
		AmountUsed:  req.Amount,
		CreatedAt:   s.now(),
	}
	if state.Encounter != nil {
		usage.PatientBookNumber = state.Encounter.PatientBookNumber
	}
	usage, err = tx.InsertBenefitUsage(ctx, usage)
	if err != nil {
		return EmployeeBenefitUsage{}, fmt.Errorf("billing: insert benefit usage: %w", err)
	}
	return usage, nil
}
