package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/dentaloffice/internal/shared"
)

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// AutoIssueReceipt issues the fiscal receipt on full payment even when the
	// request did not ask for it.
	AutoIssueReceipt bool
	ReceiptPrefix    string
	// MaxReplayAttempts bounds re-runs after a concurrent provider txn insert.
	MaxReplayAttempts int
}

// Service coordinates invoice settlement.
type Service struct {
	repo          Repository
	locker        InvoiceLocker
	audit         AuditPort
	metrics       *Metrics
	logger        *slog.Logger
	cfg           ServiceConfig
	receiptNumber ReceiptNumberFunc
	tracer        trace.Tracer
	replays       singleflight.Group
	clock         func() time.Time
}

// NewService builds Service. locker, audit and metrics are optional.
func NewService(repo Repository, locker InvoiceLocker, audit AuditPort, metrics *Metrics, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxReplayAttempts <= 0 {
		cfg.MaxReplayAttempts = 2
	}
	return &Service{
		repo:          repo,
		locker:        locker,
		audit:         audit,
		metrics:       metrics,
		logger:        logger,
		cfg:           cfg,
		receiptNumber: DefaultReceiptNumber(cfg.ReceiptPrefix),
		tracer:        otel.Tracer("github.com/odyssey-erp/dentaloffice/internal/billing"),
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *Service) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock()
}

// GetInvoice returns the current view of an invoice.
func (s *Service) GetInvoice(ctx context.Context, id int64) (InvoiceView, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return InvoiceView{}, ErrInvoiceNotFound
	}
	if err != nil {
		return InvoiceView{}, fmt.Errorf("billing: get invoice: %w", err)
	}
	return NewInvoiceView(inv), nil
}

// Settle applies a payment to an invoice and propagates invoice status, appointment
// status, stock movements, fiscal receipt and benefit ledger changes atomically.
func (s *Service) Settle(ctx context.Context, req SettleRequest) (*SettlementResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "billing.Settle", trace.WithAttributes(
		attribute.Int64("invoice.id", req.InvoiceID),
		attribute.String("payment.method", req.Method),
	))
	defer span.End()

	method, err := ValidateRequest(req)
	if err != nil {
		s.metrics.observe(method, outcomeLabel(nil, err), start)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	req.Method = string(method)

	var result *SettlementResult
	if method == MethodQPay && req.QPayTxnID != "" {
		result, err = s.settleShared(ctx, req, method)
	} else {
		result, err = s.settleLocked(ctx, req, method)
	}

	s.metrics.observe(method, outcomeLabel(result, err), start)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("settlement.replayed", result.Replayed))
	return result, nil
}

// settleShared collapses identical concurrent QPAY confirmations into one settlement.
// The shared call does not inherit any single caller's cancellation; each caller
// stops waiting when its own context is done.
func (s *Service) settleShared(ctx context.Context, req SettleRequest, method PaymentMethod) (*SettlementResult, error) {
	key := strconv.FormatInt(req.InvoiceID, 10) + ":" + req.QPayTxnID
	detached := context.WithoutCancel(ctx)
	ch := s.replays.DoChan(key, func() (any, error) {
		return s.settleLocked(detached, req, method)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("billing: await settlement: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SettlementResult), nil
	}
}

func (s *Service) settleLocked(ctx context.Context, req SettleRequest, method PaymentMethod) (*SettlementResult, error) {
	if s.locker != nil {
		release, err := s.locker.Lock(ctx, req.InvoiceID)
		if err != nil {
			if errors.Is(err, shared.ErrLockNotObtained) {
				return nil, ErrSettlementInProgress.withDetail("invoice %d", req.InvoiceID)
			}
			return nil, fmt.Errorf("billing: lock invoice: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release invoice lock", slog.Int64("invoice_id", req.InvoiceID), slog.Any("error", err))
			}
		}()
	}

	var (
		result *SettlementResult
		err    error
	)
	for attempt := 1; attempt <= s.cfg.MaxReplayAttempts; attempt++ {
		result, err = s.apply(ctx, req, method)
		if !errors.Is(err, ErrDuplicateProviderTxn) {
			break
		}
		s.logger.Info("provider txn committed concurrently, re-reading",
			slog.Int64("invoice_id", req.InvoiceID),
			slog.String("qpay_txn_id", req.QPayTxnID),
			slog.Int("attempt", attempt))
	}
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		s.recordAudit(ctx, req, result)
	}
	return result, nil
}

// apply runs one settlement attempt inside a single transaction.
func (s *Service) apply(ctx context.Context, req SettleRequest, method PaymentMethod) (*SettlementResult, error) {
	var result *SettlementResult
	var issued, debited int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		issued, debited = 0, 0
		state, err := loadState(ctx, tx, req.InvoiceID)
		if err != nil {
			return err
		}

		if method == MethodQPay {
			if existing, ok := state.Invoice.FindPaymentByProviderTxn(req.QPayTxnID); ok {
				result = newResult(state.Invoice, &existing, true)
				return nil
			}
		}

		if err := CheckPreconditions(state, req); err != nil {
			return err
		}

		inv := &state.Invoice
		buyerType, tin := effectiveBuyer(*inv, req)
		if buyerType != inv.BuyerType || tin != inv.BuyerTIN {
			if err := tx.UpdateInvoiceBuyer(ctx, inv.ID, buyerType, tin); err != nil {
				return fmt.Errorf("billing: update buyer: %w", err)
			}
			inv.BuyerType, inv.BuyerTIN = buyerType, tin
		}

		meta := copyMeta(req.Meta)
		if method == MethodEmployeeBenefit {
			usage, err := s.debitBenefit(ctx, tx, state, req)
			if err != nil {
				return err
			}
			meta["employeeCode"] = req.EmployeeCode
			meta["benefitUsageId"] = usage.ID
			debited = 1
		}

		applied, movements, err := s.applyPayment(ctx, tx, state, req, method, meta)
		if err != nil {
			return err
		}
		issued = movements
		result = applied
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.addStockMovements(issued)
	if debited > 0 {
		s.metrics.incBenefitDebit()
	}
	return result, nil
}

// applyPayment inserts the payment and propagates its consequences.
func (s *Service) applyPayment(ctx context.Context, tx TxRepository, state SettlementState, req SettleRequest, method PaymentMethod, meta map[string]any) (*SettlementResult, int, error) {
	inv := state.Invoice
	now := s.now()

	payment, err := tx.InsertPayment(ctx, Payment{
		InvoiceID:     inv.ID,
		Amount:        req.Amount,
		Method:        method,
		Meta:          meta,
		ProviderTxnID: providerTxnID(method, req.QPayTxnID),
		CreatedBy:     req.ActorID,
		Timestamp:     now,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateProviderTxn) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("billing: insert payment: %w", err)
	}

	payments, err := tx.ListPayments(ctx, inv.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("billing: list payments: %w", err)
	}
	inv.Payments = payments
	base := inv.BaseAmount()
	paid := PaidTotal(payments)
	status := NextInvoiceStatus(inv.Status, paid, base)

	var issued int
	if paid.GreaterThanOrEqual(base) {
		movements, err := issueSaleMovements(ctx, tx, inv, method, now)
		if err != nil {
			return nil, 0, err
		}
		issued = len(movements)
		if inv.Receipt == nil && (req.IssueReceipt || s.cfg.AutoIssueReceipt) {
			receipt, err := tx.InsertReceipt(ctx, s.buildReceipt(inv, now))
			if err != nil {
				return nil, 0, fmt.Errorf("billing: insert receipt: %w", err)
			}
			inv.Receipt = &receipt
		}
	}

	if status != inv.Status {
		if err := tx.UpdateInvoiceStatus(ctx, inv.ID, status); err != nil {
			return nil, 0, fmt.Errorf("billing: update invoice status: %w", err)
		}
		inv.Status = status
	}

	if state.Appointment != nil {
		next := NextAppointmentStatus(paid, base)
		if next != state.Appointment.Status {
			if err := tx.UpdateAppointmentStatus(ctx, state.Appointment.ID, next); err != nil {
				return nil, 0, fmt.Errorf("billing: update appointment status: %w", err)
			}
		}
	}

	s.logger.Info("settlement applied",
		slog.Int64("invoice_id", inv.ID),
		slog.Int64("payment_id", payment.ID),
		slog.String("method", string(method)),
		slog.String("amount", payment.Amount.String()),
		slog.String("status", string(inv.Status)),
		slog.Float64("paid_ratio", paidRatio(paid, base)),
		slog.Int("stock_movements", issued))

	return newResult(inv, &payment, false), issued, nil
}

func loadState(ctx context.Context, tx TxRepository, invoiceID int64) (SettlementState, error) {
	inv, err := tx.LockInvoice(ctx, invoiceID)
	if errors.Is(err, ErrNotFound) {
		return SettlementState{}, ErrInvoiceNotFound.withDetail("invoice %d", invoiceID)
	}
	if err != nil {
		return SettlementState{}, fmt.Errorf("billing: lock invoice: %w", err)
	}
	state := SettlementState{Invoice: inv}
	if inv.EncounterID > 0 {
		enc, err := tx.GetEncounter(ctx, inv.EncounterID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return SettlementState{}, fmt.Errorf("billing: load encounter: %w", err)
		}
		state.Encounter = enc
		if enc != nil && enc.AppointmentID > 0 {
			appt, err := tx.GetAppointment(ctx, enc.AppointmentID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return SettlementState{}, fmt.Errorf("billing: load appointment: %w", err)
			}
			state.Appointment = appt
		}
		mismatch, err := tx.HasUnresolvedMismatch(ctx, inv.EncounterID)
		if err != nil {
			return SettlementState{}, fmt.Errorf("billing: check sterilization mismatch: %w", err)
		}
		state.HasUnresolvedMismatch = mismatch
	}
	allocated, err := tx.HasAllocationRows(ctx, inv.ID)
	if err != nil {
		return SettlementState{}, fmt.Errorf("billing: check allocations: %w", err)
	}
	state.HasAllocationRows = allocated
	return state, nil
}

func newResult(inv Invoice, payment *Payment, replayed bool) *SettlementResult {
	view := NewInvoiceView(inv)
	return &SettlementResult{
		View:         view,
		Payment:      payment,
		PaidTotal:    view.PaidTotal,
		UnpaidAmount: view.UnpaidAmount,
		Replayed:     replayed,
	}
}

func (s *Service) recordAudit(ctx context.Context, req SettleRequest, result *SettlementResult) {
	if s.audit == nil || result == nil || result.Payment == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  req.ActorID,
		Action:   "billing.settle",
		Entity:   "invoice",
		EntityID: strconv.FormatInt(req.InvoiceID, 10),
		Meta: map[string]any{
			"payment_id": result.Payment.ID,
			"amount":     result.Payment.Amount.String(),
			"method":     string(result.Payment.Method),
			"paid_total": result.PaidTotal.String(),
			"status":     string(result.View.Status),
		},
		At: s.now(),
	})
	if err != nil {
		s.logger.Warn("audit settlement", slog.Int64("invoice_id", req.InvoiceID), slog.Any("error", err))
	}
}

func providerTxnID(method PaymentMethod, txnID string) string {
	if method != MethodQPay {
		return ""
	}
	return txnID
}

func copyMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
