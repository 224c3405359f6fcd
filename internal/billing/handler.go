package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/dentaloffice/internal/platform/httpx"
	"github.com/odyssey-erp/dentaloffice/internal/shared"
)

// QPayConfirmation is the payload handed to the background settlement queue.
type QPayConfirmation struct {
	InvoiceID int64           `json:"invoiceId"`
	TxnID     string          `json:"txnId"`
	Amount    decimal.Decimal `json:"amount"`
	Meta      map[string]any  `json:"meta,omitempty"`
}

// ConfirmationQueue enqueues QPAY confirmations for asynchronous settlement.
type ConfirmationQueue interface {
	EnqueueQPayConfirmation(ctx context.Context, c QPayConfirmation) error
}

// DeliveryStore records webhook deliveries already accepted.
type DeliveryStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

const webhookModule = "qpay_webhook"

// Handler exposes settlement over JSON HTTP.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	queue      ConfirmationQueue
	deliveries DeliveryStore
	validator  *validator.Validate
}

// NewHandler builds Handler. queue and deliveries are only needed for the webhook route.
func NewHandler(logger *slog.Logger, service *Service, queue ConfirmationQueue, deliveries DeliveryStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		service:    service,
		queue:      queue,
		deliveries: deliveries,
		validator:  validator.New(),
	}
}

// MountRoutes registers billing routes under the caller's prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/invoices/{id}", h.getInvoice)
	r.Post("/invoices/{id}/settle", h.settle)
}

// MountWebhooks registers provider callbacks.
func (h *Handler) MountWebhooks(r chi.Router) {
	r.Post("/qpay", h.qpayWebhook)
}

type settleBody struct {
	Amount       decimal.Decimal `json:"amount"`
	Method       string          `json:"method" validate:"max=32"`
	Meta         map[string]any  `json:"meta"`
	BuyerType    string          `json:"buyerType" validate:"max=8"`
	BuyerTIN     string          `json:"buyerTin" validate:"max=32"`
	EmployeeCode string          `json:"employeeCode" validate:"max=64"`
	QPayTxnID    string          `json:"qpayTxnId" validate:"max=128"`
	IssueReceipt bool            `json:"issueReceipt"`
}

type settleResponse struct {
	Invoice      InvoiceView     `json:"invoice"`
	Payment      *PaymentView    `json:"payment,omitempty"`
	PaidTotal    decimal.Decimal `json:"paidTotal"`
	UnpaidAmount decimal.Decimal `json:"unpaidAmount"`
	Replayed     bool            `json:"replayed"`
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := parseInvoiceID(r)
	if !ok {
		httpx.RespondError(w, ErrInvoiceNotFound)
		return
	}
	var body settleBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "Bad Request", "malformed JSON body", "INVALID_REQUEST")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "Bad Request", describeValidation(err), "INVALID_REQUEST")
		return
	}

	result, err := h.service.Settle(r.Context(), SettleRequest{
		InvoiceID:    invoiceID,
		Amount:       body.Amount,
		Method:       body.Method,
		Meta:         body.Meta,
		BuyerType:    BuyerType(body.BuyerType),
		BuyerTIN:     body.BuyerTIN,
		EmployeeCode: body.EmployeeCode,
		QPayTxnID:    body.QPayTxnID,
		IssueReceipt: body.IssueReceipt,
		ActorID:      shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, invoiceID, err)
		return
	}

	resp := settleResponse{
		Invoice:      result.View,
		PaidTotal:    result.PaidTotal,
		UnpaidAmount: result.UnpaidAmount,
		Replayed:     result.Replayed,
	}
	if result.Payment != nil {
		resp.Payment = &PaymentView{
			ID:            result.Payment.ID,
			Amount:        result.Payment.Amount,
			Method:        result.Payment.Method,
			ProviderTxnID: result.Payment.ProviderTxnID,
			Timestamp:     result.Payment.Timestamp,
		}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := parseInvoiceID(r)
	if !ok {
		httpx.RespondError(w, ErrInvoiceNotFound)
		return
	}
	view, err := h.service.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		h.respondError(w, r, invoiceID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

type qpayWebhookBody struct {
	InvoiceID int64           `json:"invoiceId" validate:"required,gt=0"`
	TxnID     string          `json:"txnId" validate:"required,max=128"`
	Amount    decimal.Decimal `json:"amount"`
	Meta      map[string]any  `json:"meta"`
}

// qpayWebhook accepts a provider confirmation and defers settlement to the worker.
func (h *Handler) qpayWebhook(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "settlement queue not configured")
		return
	}
	var body qpayWebhookBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "Bad Request", "malformed JSON body", "INVALID_REQUEST")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "Bad Request", describeValidation(err), "INVALID_REQUEST")
		return
	}
	if !body.Amount.IsPositive() {
		httpx.RespondError(w, ErrInvalidAmount)
		return
	}

	key := QPayDeliveryKey(body.InvoiceID, body.TxnID)
	if h.deliveries != nil {
		if err := h.deliveries.CheckAndInsert(r.Context(), key, webhookModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
				return
			}
			h.logger.Error("claim qpay delivery", slog.String("key", key), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
	}

	err := h.queue.EnqueueQPayConfirmation(r.Context(), QPayConfirmation{
		InvoiceID: body.InvoiceID,
		TxnID:     body.TxnID,
		Amount:    body.Amount,
		Meta:      body.Meta,
	})
	if err != nil {
		h.logger.Error("enqueue qpay confirmation", slog.String("key", key), slog.Any("error", err))
		if h.deliveries != nil {
			if delErr := h.deliveries.Delete(context.WithoutCancel(r.Context()), key); delErr != nil {
				h.logger.Warn("release qpay delivery", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "confirmation could not be queued")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// QPayDeliveryKey identifies one provider confirmation for an invoice.
func QPayDeliveryKey(invoiceID int64, txnID string) string {
	return fmt.Sprintf("qpay:%d:%s", invoiceID, txnID)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, invoiceID int64, err error) {
	be := AsError(err)
	switch be.Category {
	case CategoryInternal:
		h.logger.Error("settlement failed", slog.Int64("invoice_id", invoiceID), slog.String("path", r.URL.Path), slog.Any("error", err))
	case CategoryConflict:
		h.logger.Warn("settlement conflict", slog.Int64("invoice_id", invoiceID), slog.String("code", string(be.Code)))
	default:
		h.logger.Info("settlement rejected", slog.Int64("invoice_id", invoiceID), slog.String("code", string(be.Code)))
	}
	httpx.RespondError(w, be)
}

func parseInvoiceID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(fields, "; ")
}
