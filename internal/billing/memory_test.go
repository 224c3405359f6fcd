package billing

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/dentaloffice/internal/shared"
)

var errBoom = errors.New("boom")

type memState struct {
	invoices     map[int64]Invoice
	payments     []Payment
	encounters   map[int64]Encounter
	appointments map[int64]Appointment
	mismatches   map[int64]bool
	allocations  map[int64]bool
	benefits     map[string]EmployeeBenefit
	usages       []EmployeeBenefitUsage
	movements    []StockMovement
	receipts     map[int64]FiscalReceipt
	nextID       int64
}

func (s *memState) clone() *memState {
	cp := &memState{
		invoices:     make(map[int64]Invoice, len(s.invoices)),
		payments:     append([]Payment(nil), s.payments...),
		encounters:   make(map[int64]Encounter, len(s.encounters)),
		appointments: make(map[int64]Appointment, len(s.appointments)),
		mismatches:   make(map[int64]bool, len(s.mismatches)),
		allocations:  make(map[int64]bool, len(s.allocations)),
		benefits:     make(map[string]EmployeeBenefit, len(s.benefits)),
		usages:       append([]EmployeeBenefitUsage(nil), s.usages...),
		movements:    append([]StockMovement(nil), s.movements...),
		receipts:     make(map[int64]FiscalReceipt, len(s.receipts)),
		nextID:       s.nextID,
	}
	for k, v := range s.invoices {
		cp.invoices[k] = v
	}
	for k, v := range s.encounters {
		cp.encounters[k] = v
	}
	for k, v := range s.appointments {
		cp.appointments[k] = v
	}
	for k, v := range s.mismatches {
		cp.mismatches[k] = v
	}
	for k, v := range s.allocations {
		cp.allocations[k] = v
	}
	for k, v := range s.benefits {
		cp.benefits[k] = v
	}
	for k, v := range s.receipts {
		cp.receipts[k] = v
	}
	return cp
}

// memoryRepo serialises transactions with a mutex. In PostgreSQL the same ordering comes
// from the invoice row write in lockInvoice plus the 40001 retry in db.WithTx.
// A failing callback restores the snapshot taken at transaction start.
type memoryRepo struct {
	mu     sync.Mutex
	state  *memState
	faults map[string]error
	// concurrent is committed by "another transaction" when InsertPayment hits its txn id.
	concurrent *Payment
	txCount    int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		state: &memState{
			invoices:     map[int64]Invoice{},
			encounters:   map[int64]Encounter{},
			appointments: map[int64]Appointment{},
			mismatches:   map[int64]bool{},
			allocations:  map[int64]bool{},
			benefits:     map[string]EmployeeBenefit{},
			receipts:     map[int64]FiscalReceipt{},
			nextID:       1000,
		},
		faults: map[string]error{},
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCount++
	snapshot := m.state.clone()
	if err := fn(ctx, &memoryTx{repo: m}); err != nil {
		m.state = snapshot
		if m.concurrent != nil && errors.Is(err, ErrDuplicateProviderTxn) {
			m.state.payments = append(m.state.payments, *m.concurrent)
			m.concurrent = nil
		}
		return err
	}
	return nil
}

func (m *memoryRepo) GetInvoice(_ context.Context, id int64) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.invoice(id)
}

func (s *memState) invoice(id int64) (Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	inv.Payments = s.paymentsFor(id)
	if rc, ok := s.receipts[id]; ok {
		inv.Receipt = &rc
	}
	return inv, nil
}

func (s *memState) paymentsFor(invoiceID int64) []Payment {
	var out []Payment
	for _, p := range s.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	return out
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// seed helpers

func (m *memoryRepo) addInvoice(inv Invoice) {
	m.state.invoices[inv.ID] = inv
}

func (m *memoryRepo) addEncounter(enc Encounter, appt *Appointment) {
	m.state.encounters[enc.ID] = enc
	if appt != nil {
		m.state.appointments[appt.ID] = *appt
	}
}

func (m *memoryRepo) addBenefit(b EmployeeBenefit) {
	m.state.benefits[b.Code] = b
}

func (m *memoryRepo) paymentCount(invoiceID int64) int {
	return len(m.state.paymentsFor(invoiceID))
}

func (m *memoryRepo) saleMovements(invoiceID int64) []StockMovement {
	var out []StockMovement
	for _, mv := range m.state.movements {
		if mv.InvoiceID == invoiceID && mv.Type == MovementSale {
			out = append(out, mv)
		}
	}
	return out
}

type memoryTx struct {
	repo *memoryRepo
}

func (t *memoryTx) fault(name string) error {
	return t.repo.faults[name]
}

func (t *memoryTx) st() *memState { return t.repo.state }

func (t *memoryTx) LockInvoice(_ context.Context, id int64) (Invoice, error) {
	if err := t.fault("LockInvoice"); err != nil {
		return Invoice{}, err
	}
	return t.st().invoice(id)
}

func (t *memoryTx) GetEncounter(_ context.Context, id int64) (*Encounter, error) {
	enc, ok := t.st().encounters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &enc, nil
}

func (t *memoryTx) GetAppointment(_ context.Context, id int64) (*Appointment, error) {
	appt, ok := t.st().appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &appt, nil
}

func (t *memoryTx) HasUnresolvedMismatch(_ context.Context, encounterID int64) (bool, error) {
	return t.st().mismatches[encounterID], nil
}

func (t *memoryTx) HasAllocationRows(_ context.Context, invoiceID int64) (bool, error) {
	return t.st().allocations[invoiceID], nil
}

func (t *memoryTx) ListPayments(_ context.Context, invoiceID int64) ([]Payment, error) {
	return t.st().paymentsFor(invoiceID), nil
}

func (t *memoryTx) InsertPayment(_ context.Context, p Payment) (Payment, error) {
	if err := t.fault("InsertPayment"); err != nil {
		return Payment{}, err
	}
	if c := t.repo.concurrent; c != nil && c.InvoiceID == p.InvoiceID && c.ProviderTxnID == p.ProviderTxnID {
		return Payment{}, ErrDuplicateProviderTxn
	}
	if p.ProviderTxnID != "" {
		for _, existing := range t.st().paymentsFor(p.InvoiceID) {
			if existing.ProviderTxnID == p.ProviderTxnID {
				return Payment{}, ErrDuplicateProviderTxn
			}
		}
	}
	p.ID = t.st().id()
	t.st().payments = append(t.st().payments, p)
	return p, nil
}

func (t *memoryTx) UpdateInvoiceBuyer(_ context.Context, invoiceID int64, buyerType BuyerType, tin string) error {
	inv := t.st().invoices[invoiceID]
	inv.BuyerType, inv.BuyerTIN = buyerType, tin
	t.st().invoices[invoiceID] = inv
	return nil
}

func (t *memoryTx) UpdateInvoiceStatus(_ context.Context, invoiceID int64, status InvoiceStatus) error {
	if err := t.fault("UpdateInvoiceStatus"); err != nil {
		return err
	}
	inv := t.st().invoices[invoiceID]
	inv.Status = status
	t.st().invoices[invoiceID] = inv
	return nil
}

func (t *memoryTx) UpdateAppointmentStatus(_ context.Context, appointmentID int64, status AppointmentStatus) error {
	if err := t.fault("UpdateAppointmentStatus"); err != nil {
		return err
	}
	appt := t.st().appointments[appointmentID]
	appt.Status = status
	t.st().appointments[appointmentID] = appt
	return nil
}

func (t *memoryTx) GetActiveBenefitForUpdate(_ context.Context, code string) (EmployeeBenefit, error) {
	b, ok := t.st().benefits[code]
	if !ok {
		return EmployeeBenefit{}, ErrNotFound
	}
	return b, nil
}

func (t *memoryTx) DebitBenefit(_ context.Context, benefitID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	for code, b := range t.st().benefits {
		if b.ID != benefitID {
			continue
		}
		if !b.IsActive || b.RemainingAmount.LessThan(amount) {
			return decimal.Zero, ErrNotFound
		}
		b.RemainingAmount = b.RemainingAmount.Sub(amount)
		t.st().benefits[code] = b
		return b.RemainingAmount, nil
	}
	return decimal.Zero, ErrNotFound
}

func (t *memoryTx) InsertBenefitUsage(_ context.Context, usage EmployeeBenefitUsage) (EmployeeBenefitUsage, error) {
	if err := t.fault("InsertBenefitUsage"); err != nil {
		return EmployeeBenefitUsage{}, err
	}
	usage.ID = t.st().id()
	t.st().usages = append(t.st().usages, usage)
	return usage, nil
}

func (t *memoryTx) HasSaleMovements(_ context.Context, invoiceID int64) (bool, error) {
	return len(t.repo.saleMovements(invoiceID)) > 0, nil
}

func (t *memoryTx) InsertStockMovements(_ context.Context, movements []StockMovement) error {
	if err := t.fault("InsertStockMovements"); err != nil {
		return err
	}
	for _, mv := range movements {
		if t.hasMovement(mv.InvoiceID, mv.InvoiceItemID, mv.Type) {
			continue
		}
		mv.ID = t.st().id()
		t.st().movements = append(t.st().movements, mv)
	}
	return nil
}

// hasMovement mirrors stock_movements_invoice_item_type_uq.
func (t *memoryTx) hasMovement(invoiceID, itemID int64, typ MovementType) bool {
	for _, mv := range t.st().movements {
		if mv.InvoiceID == invoiceID && mv.InvoiceItemID == itemID && mv.Type == typ {
			return true
		}
	}
	return false
}

func (t *memoryTx) InsertReceipt(_ context.Context, receipt FiscalReceipt) (FiscalReceipt, error) {
	if existing, ok := t.st().receipts[receipt.InvoiceID]; ok {
		return existing, nil
	}
	receipt.ID = t.st().id()
	t.st().receipts[receipt.InvoiceID] = receipt
	return receipt, nil
}

type fakeLocker struct {
	mu     sync.Mutex
	held   map[int64]bool
	calls  int
	denied bool
}

func (l *fakeLocker) Lock(_ context.Context, invoiceID int64) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.denied || l.held[invoiceID] {
		return nil, shared.ErrLockNotObtained
	}
	if l.held == nil {
		l.held = map[int64]bool{}
	}
	l.held[invoiceID] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, invoiceID)
		return nil
	}, nil
}

type fakeAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *fakeAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}
