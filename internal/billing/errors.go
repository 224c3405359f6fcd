package billing

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/dentaloffice/internal/platform/db"
)

// Category groups settlement errors by how callers should react.
type Category string

const (
	// CategoryValidation rejects malformed input before any read.
	CategoryValidation Category = "validation"
	// CategoryPrecondition rejects after reading invoice state, before writing.
	CategoryPrecondition Category = "precondition"
	// CategoryBusiness aborts the settlement transaction on a business rule.
	CategoryBusiness Category = "business"
	// CategoryConflict signals concurrent settlement; safe to retry.
	CategoryConflict Category = "conflict"
	// CategoryInternal hides infrastructure failures from end users.
	CategoryInternal Category = "internal"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeInvalidAmount         Code = "INVALID_AMOUNT"
	CodeMethodRequired        Code = "METHOD_REQUIRED"
	CodeInvoiceNotFound       Code = "INVOICE_NOT_FOUND"
	CodeAppointmentStatus     Code = "APPOINTMENT_STATUS_NOT_ALLOWED"
	CodeSterilizationMismatch Code = "UNRESOLVED_STERILIZATION_MISMATCH"
	CodeInvalidBaseAmount     Code = "INVALID_BASE_AMOUNT"
	CodeInvalidBuyerType      Code = "INVALID_BUYER_TYPE"
	CodeBuyerTINRequired      Code = "B2B_BUYER_TIN_REQUIRED"
	CodeAlreadyPaid           Code = "ALREADY_PAID"
	CodeAmountExceedsUnpaid   Code = "AMOUNT_EXCEEDS_UNPAID"
	CodeAllocationRequired    Code = "ALLOCATION_REQUIRED"
	CodeEmployeeCodeRequired  Code = "EMPLOYEE_CODE_REQUIRED"
	CodeInvalidBenefitCode    Code = "INVALID_BENEFIT_CODE"
	CodeInsufficientBenefit   Code = "INSUFFICIENT_BENEFIT_BALANCE"
	CodeSettlementInProgress  Code = "SETTLEMENT_IN_PROGRESS"
	CodeInternal              Code = "INTERNAL_ERROR"
)

// Error is a settlement failure with a stable code.
type Error struct {
	Code     Code
	Category Category
	Message  string
	Detail   string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("billing: %s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("billing: %s: %s", e.Code, e.Message)
}

// Is matches errors by code so sentinel comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Retryable reports whether the caller may retry the same request unchanged.
func (e *Error) Retryable() bool {
	return e.Category == CategoryConflict || e.Category == CategoryInternal
}

// HTTPStatus maps the error category onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryPrecondition:
		if e.Code == CodeInvoiceNotFound {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case CategoryBusiness:
		return http.StatusUnprocessableEntity
	case CategoryConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ProblemCode returns the stable code rendered in problem responses.
func (e *Error) ProblemCode() string { return string(e.Code) }

// ProblemDetail returns the user-facing message. Internal errors never expose detail.
func (e *Error) ProblemDetail() string {
	if e.Category == CategoryInternal || e.Detail == "" {
		return e.Message
	}
	return e.Message + ": " + e.Detail
}

func newError(code Code, category Category, message string) *Error {
	return &Error{Code: code, Category: category, Message: message}
}

func (e *Error) withDetail(format string, args ...any) *Error {
	cp := *e
	cp.Detail = fmt.Sprintf(format, args...)
	return &cp
}

// Sentinel settlement errors. Returned values may carry an extra Detail; compare with errors.Is.
var (
	ErrInvalidAmount         = newError(CodeInvalidAmount, CategoryValidation, "amount must be a positive number")
	ErrMethodRequired        = newError(CodeMethodRequired, CategoryValidation, "payment method is required")
	ErrInvoiceNotFound       = newError(CodeInvoiceNotFound, CategoryPrecondition, "invoice not found")
	ErrAppointmentStatus     = newError(CodeAppointmentStatus, CategoryPrecondition, "settlement not allowed for current appointment status")
	ErrSterilizationMismatch = newError(CodeSterilizationMismatch, CategoryPrecondition, "encounter has an unresolved sterilization mismatch")
	ErrInvalidBaseAmount     = newError(CodeInvalidBaseAmount, CategoryPrecondition, "invoice amount must be greater than zero")
	ErrInvalidBuyerType      = newError(CodeInvalidBuyerType, CategoryValidation, "buyer type must be B2C or B2B")
	ErrBuyerTINRequired      = newError(CodeBuyerTINRequired, CategoryPrecondition, "buyer TIN is required for B2B invoices")
	ErrAlreadyPaid           = newError(CodeAlreadyPaid, CategoryPrecondition, "invoice is already fully paid")
	ErrAmountExceedsUnpaid   = newError(CodeAmountExceedsUnpaid, CategoryPrecondition, "amount exceeds the unpaid balance")
	ErrAllocationRequired    = newError(CodeAllocationRequired, CategoryPrecondition, "invoice has split allocations; use the allocation settlement")
	ErrEmployeeCodeRequired  = newError(CodeEmployeeCodeRequired, CategoryValidation, "employee code is required for EMPLOYEE_BENEFIT payments")
	ErrInvalidBenefitCode    = newError(CodeInvalidBenefitCode, CategoryBusiness, "invalid employee benefit code")
	ErrInsufficientBenefit   = newError(CodeInsufficientBenefit, CategoryBusiness, "insufficient employee benefit balance")
	ErrSettlementInProgress  = newError(CodeSettlementInProgress, CategoryConflict, "another settlement for this invoice is in progress")
	ErrInternal              = newError(CodeInternal, CategoryInternal, "settlement failed, please retry")
)

// ErrMissingBranch is returned when a fully paid invoice has no branch to issue stock from.
var ErrMissingBranch = errors.New("billing: invoice has no branch for stock movements")

// AsError extracts a settlement error. Errors that are not settlement errors map to ErrInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if db.IsRetryable(err) {
		return ErrSettlementInProgress
	}
	return ErrInternal
}

var amountPrinter = message.NewPrinter(language.English)

func formatAmount(d decimal.Decimal) string {
	f, _ := d.Round(2).Float64()
	if d.Equal(d.Truncate(0)) {
		return amountPrinter.Sprintf("%.0f", f)
	}
	return amountPrinter.Sprintf("%.2f", f)
}
