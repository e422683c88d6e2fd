package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"gudangkas/backend/internal/apperr"
	"gudangkas/backend/internal/cache"
	"gudangkas/backend/internal/delivery"
	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/outbox"
	"gudangkas/backend/internal/store"
	"gudangkas/backend/internal/store/memory"
)

type fakeProvider struct {
	status    delivery.Status
	err       error
	lastOrder delivery.OrderDetails
	polls     int
}

func (p *fakeProvider) GetStatus(_ context.Context, _ delivery.StatusQuery) (delivery.Status, error) {
	p.polls++
	return p.status, p.err
}

func (p *fakeProvider) CreateOrder(_ context.Context, details delivery.OrderDetails) (delivery.Order, error) {
	p.lastOrder = details
	return delivery.Order{ExternalID: "SHP-" + details.ReceiptID, TrackingNumber: "JNE123", ProviderStatus: "booked"}, nil
}

// flakyRepo fails the next failMovements cash movement writes.
type flakyRepo struct {
	*memory.Store
	failMovements int
}

func (r *flakyRepo) CreateCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	if r.failMovements > 0 {
		r.failMovements--
		return nil, errors.New("connection reset")
	}
	return r.Store.CreateCashMovement(ctx, movement)
}

// racingRepo records one cash-in movement right after the open session is
// looked up, the way a payment landing during a close would.
type racingRepo struct {
	*memory.Store
	amount decimal.Decimal
}

func (r *racingRepo) GetOpenCashboxSession(ctx context.Context) (*domain.CashboxSession, error) {
	session, err := r.Store.GetOpenCashboxSession(ctx)
	if err == nil && r.amount.IsPositive() {
		_, _ = r.Store.CreateCashMovement(ctx, domain.CashMovement{
			SessionID: session.ID,
			Amount:    r.amount,
			Direction: domain.CashIn,
			Source:    domain.CashSourcePayment,
			ReceiptID: "rcp-kasir-2",
		})
		r.amount = decimal.Zero
	}
	return session, err
}

func flakyMovements(n int) func(*memory.Store) store.Repository {
	return func(m *memory.Store) store.Repository {
		return &flakyRepo{Store: m, failMovements: n}
	}
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

type testEnv struct {
	svc      *Service
	repo     *memory.Store
	provider *fakeProvider
	spool    *outbox.MemorySpool
	locker   *cache.MemoryLocker
	clock    *testClock
	ctx      context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithRepo(t, nil)
}

func newTestEnvWithRepo(t *testing.T, wrap func(*memory.Store) store.Repository) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &testEnv{
		repo:     memory.NewSeeded(),
		provider: &fakeProvider{},
		spool:    outbox.NewMemorySpool(),
		locker:   cache.NewMemoryLocker(),
		clock:    &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		ctx:      WithActor(context.Background(), domain.Actor{Username: "kasir-ani", Role: "cashier"}),
	}
	var repo store.Repository = env.repo
	if wrap != nil {
		repo = wrap(env.repo)
	}
	env.svc = New(repo, Options{
		Provider: env.provider,
		Spool:    env.spool,
		Locker:   env.locker,
		Logger:   logger,
		Clock:    env.clock.Now,
	})
	return env
}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

// exampleSale is 2 x 50 with 10% off and 5% tax: grand total 94.50.
func exampleSale() domain.ReceiptCreateRequest {
	return domain.ReceiptCreateRequest{
		Type:       domain.ReceiptTypeSale,
		CustomerID: "cus-budi",
		Items: []domain.ReceiptItemInput{{
			VariantID: "var-kaos-hitam-m",
			Qty:       2,
			UnitPrice: dec("50"),
			Discount:  &domain.Discount{Mode: domain.DiscountPercent, Value: dec("10")},
		}},
		TaxPercent: dec("5"),
	}
}

func (e *testEnv) openDrawer(t *testing.T, opening string) domain.CashboxSession {
	t.Helper()
	resp, err := e.svc.OpenCashbox(e.ctx, domain.CashboxOpenRequest{OpeningAmount: dec(opening)})
	if err != nil {
		t.Fatalf("open cashbox: %v", err)
	}
	return resp.Session
}

func assertCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := apperr.CodeOf(err); got != code {
		t.Fatalf("expected %s error, got %s (%v)", code, got, err)
	}
}

func TestQuoteMatchesWorkedExample(t *testing.T) {
	env := newTestEnv(t)
	req := exampleSale()

	quote, err := env.svc.Quote(env.ctx, domain.QuoteRequest{
		Type:         req.Type,
		Items:        req.Items,
		TaxPercent:   req.TaxPercent,
		IncludeItems: true,
	})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !quote.Totals.GrandTotal.Equal(dec("94.5")) || !quote.Totals.TaxTotal.Equal(dec("4.5")) {
		t.Fatalf("unexpected totals %+v", quote.Totals)
	}
	if len(quote.Items) != 1 || !quote.Items[0].NetTotal.Equal(dec("90")) {
		t.Fatalf("unexpected quote lines %+v", quote.Items)
	}

	_, err = env.svc.Quote(env.ctx, domain.QuoteRequest{Type: "layaway", Items: req.Items})
	assertCode(t, err, apperr.CodeValidation)
}

func TestSalePaymentsAdvanceToCompleted(t *testing.T) {
	env := newTestEnv(t)

	created, err := env.svc.CreateReceipt(env.ctx, exampleSale())
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if created.Receipt.Status != domain.StatusOrdered || !created.DueTotal.Equal(dec("94.5")) {
		t.Fatalf("unexpected new sale %+v", created)
	}
	if created.Receipt.Items[0].Snapshot.ProductCode != "KAOS-01" {
		t.Fatalf("expected snapshot from catalog, got %+v", created.Receipt.Items[0].Snapshot)
	}

	partial, err := env.svc.AddPayment(env.ctx, created.Receipt.ID, domain.PaymentRequest{Amount: dec("50"), Method: "card"})
	if err != nil {
		t.Fatalf("partial payment: %v", err)
	}
	if partial.Receipt.Status != domain.StatusOrdered || !partial.DueTotal.Equal(dec("44.5")) {
		t.Fatalf("expected ordered with 44.5 due, got %s due %s", partial.Receipt.Status, partial.DueTotal)
	}
	if !partial.PaidTotal.Add(partial.DueTotal).Equal(partial.Receipt.Totals.GrandTotal) {
		t.Fatalf("paid + due must equal grand total")
	}

	_, err = env.svc.AddPayment(env.ctx, created.Receipt.ID, domain.PaymentRequest{Amount: dec("44.51"), Method: "transfer"})
	assertCode(t, err, apperr.CodeValidation)

	final, err := env.svc.AddPayment(env.ctx, created.Receipt.ID, domain.PaymentRequest{Amount: dec("44.5"), Method: "transfer"})
	if err != nil {
		t.Fatalf("final payment: %v", err)
	}
	if final.Receipt.Status != domain.StatusCompleted || !final.DueTotal.IsZero() {
		t.Fatalf("expected completed sale, got %s due %s", final.Receipt.Status, final.DueTotal)
	}

	_, err = env.svc.AddPayment(env.ctx, created.Receipt.ID, domain.PaymentRequest{Amount: dec("1"), Method: "card"})
	assertCode(t, err, apperr.CodeReceiptLocked)
}

func TestPaymentGuards(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.AddPayment(env.ctx, "rcp-missing", domain.PaymentRequest{Amount: dec("1"), Method: "card"})
	assertCode(t, err, apperr.CodeReceiptNotFound)

	purchase, err := env.svc.CreateReceipt(env.ctx, domain.ReceiptCreateRequest{
		Type:      domain.ReceiptTypePurchase,
		CompanyID: "cmp-konveksi-jaya",
		Items:     []domain.ReceiptItemInput{{VariantID: "var-kaos-hitam-m", Qty: 1, UnitCost: dec("30")}},
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	_, err = env.svc.AddPayment(env.ctx, purchase.Receipt.ID, domain.PaymentRequest{Amount: dec("1"), Method: "card"})
	assertCode(t, err, apperr.CodeValidation)

	sale, err := env.svc.CreateReceipt(env.ctx, exampleSale())
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	_, err = env.svc.AddPayment(env.ctx, sale.Receipt.ID, domain.PaymentRequest{Amount: dec("0"), Method: "card"})
	assertCode(t, err, apperr.CodeValidation)
	_, err = env.svc.AddPayment(env.ctx, sale.Receipt.ID, domain.PaymentRequest{Amount: dec("5"), Method: "voucher"})
	assertCode(t, err, apperr.CodeValidation)

	// No open drawer wins over the overpay check.
	_, err = env.svc.AddPayment(env.ctx, sale.Receipt.ID, domain.PaymentRequest{Amount: dec("1000"), Method: "cash"})
	assertCode(t, err, apperr.CodeCashboxClosed)

	stored, err := env.svc.GetReceipt(env.ctx, sale.Receipt.ID)
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if len(stored.Receipt.Payments) != 0 {
		t.Fatalf("rejected payments must not be recorded, got %d", len(stored.Receipt.Payments))
	}
}

func TestCashPaymentPostsDrawerMovement(t *testing.T) {
	env := newTestEnv(t)
	session := env.openDrawer(t, "100")

	sale, err := env.svc.CreateReceipt(env.ctx, exampleSale())
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := env.svc.AddPayment(env.ctx, sale.Receipt.ID, domain.PaymentRequest{Amount: dec("94.5"), Method: "CASH"}); err != nil {
		t.Fatalf("cash payment: %v", err)
	}

	movements, err := env.svc.ListCashMovements(env.ctx, session.ID)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(movements.Movements) != 1 {
		t.Fatalf("expected one movement, got %d", len(movements.Movements))
	}
	m := movements.Movements[0]
	if m.Direction != domain.CashIn || m.Source != domain.CashSourcePayment || m.ReceiptID != sale.Receipt.ID || m.UserID != "kasir-ani" {
		t.Fatalf("unexpected movement %+v", m)
	}

	current, err := env.svc.CurrentCashbox(env.ctx)
	if err != nil {
		t.Fatalf("current cashbox: %v", err)
	}
	if !current.ExpectedCash.Equal(dec("194.5")) || current.CountedAmount != nil {
		t.Fatalf("unexpected live report %+v", current)
	}
}

func TestCashboxSettlementExample(t *testing.T) {
	env := newTestEnv(t)
	session := env.openDrawer(t, "100")

	_, err := env.svc.OpenCashbox(env.ctx, domain.CashboxOpenRequest{OpeningAmount: dec("5")})
	assertCode(t, err, apperr.CodeConflict)

	walkIn, err := env.svc.CreateReceipt(env.ctx, domain.ReceiptCreateRequest{
		Type:     domain.ReceiptTypeSale,
		Items:    []domain.ReceiptItemInput{{VariantID: "var-kemeja-putih-l", Qty: 5, UnitPrice: dec("50")}},
		Payments: []domain.PaymentRequest{{Amount: dec("250"), Method: "cash"}},
	})
	if err != nil {
		t.Fatalf("walk-in sale: %v", err)
	}
	if walkIn.Receipt.Status != domain.StatusCompleted || walkIn.Receipt.CompletedAt == nil {
		t.Fatalf("expected walk-in sale completed at creation, got %s", walkIn.Receipt.Status)
	}

	if _, err := env.svc.AdjustCashbox(env.ctx, domain.CashboxAdjustRequest{Direction: domain.CashOut, Amount: dec("30"), Reason: "beli plastik"}); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	report, err := env.svc.CloseCashbox(env.ctx, domain.CashboxCloseRequest{CountedAmount: dec("315")})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if report.SessionID != session.ID || !report.ExpectedCash.Equal(dec("320")) || !report.Variance.Equal(dec("-5")) {
		t.Fatalf("unexpected settlement %+v", report)
	}
	if !report.Totals.BySource.Sale.Equal(dec("250")) || !report.Totals.BySource.AdjustmentOut.Equal(dec("30")) {
		t.Fatalf("unexpected totals by source %+v", report.Totals.BySource)
	}

	_, err = env.svc.CloseCashbox(env.ctx, domain.CashboxCloseRequest{CountedAmount: dec("0")})
	assertCode(t, err, apperr.CodeNoOpenSession)
	_, err = env.svc.AdjustCashbox(env.ctx, domain.CashboxAdjustRequest{Direction: domain.CashIn, Amount: dec("1"), Reason: "koreksi"})
	assertCode(t, err, apperr.CodeCashboxClosed)

	stored, err := env.svc.CashboxReport(env.ctx, session.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !stored.Variance.Equal(dec("-5")) || stored.ClosedBy != "kasir-ani" {
		t.Fatalf("unexpected stored report %+v", stored)
	}
}

func TestCloseSettlesMovementsRecordedDuringClose(t *testing.T) {
	racing := &racingRepo{}
	env := newTestEnvWithRepo(t, func(m *memory.Store) store.Repository {
		racing.Store = m
		return racing
	})
	session := env.openDrawer(t, "100")
	racing.amount = dec("40")

	report, err := env.svc.CloseCashbox(env.ctx, domain.CashboxCloseRequest{CountedAmount: dec("140")})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !report.ExpectedCash.Equal(dec("140")) || !report.Variance.IsZero() || !report.Totals.CashIn.Equal(dec("40")) {
		t.Fatalf("close must settle every movement in the session, got %+v", report)
	}

	stored, err := env.repo.GetCashboxSession(env.ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !stored.ExpectedCash.Equal(dec("140")) || !stored.Variance.IsZero() {
		t.Fatalf("persisted settlement drifted from the log: expected %s variance %s", stored.ExpectedCash, stored.Variance)
	}
	rebuilt, err := env.svc.CashboxReport(env.ctx, session.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !rebuilt.ExpectedCash.Equal(*stored.ExpectedCash) || !rebuilt.Variance.Equal(*stored.Variance) {
		t.Fatalf("rebuilt report %+v disagrees with persisted session %+v", rebuilt, stored)
	}
}

func TestPurchaseEditReconcilesStock(t *testing.T) {
	env := newTestEnv(t)
	stock := func(id string) int {
		t.Helper()
		v, err := env.svc.GetVariant(env.ctx, id)
		if err != nil {
			t.Fatalf("get variant %s: %v", id, err)
		}
		return v.Qty
	}

	created, err := env.svc.CreateReceipt(env.ctx, domain.ReceiptCreateRequest{
		Type:      domain.ReceiptTypePurchase,
		CompanyID: "cmp-konveksi-jaya",
		Items: []domain.ReceiptItemInput{
			{VariantID: "var-kaos-hitam-m", Qty: 5, UnitCost: dec("30")},
			{VariantID: "var-kaos-hitam-m", Qty: 2, UnitCost: dec("30")},
		},
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if got := stock("var-kaos-hitam-m"); got != 47 {
		t.Fatalf("expected 47 after purchase, got %d", got)
	}

	// Rename the product in the catalog; the existing line keeps its snapshot.
	variant, _ := env.repo.GetVariant(context.Background(), "var-kaos-hitam-m")
	variant.ProductName = "Kaos Premium"
	env.repo.PutVariant(*variant)

	updated, err := env.svc.UpdateReceipt(env.ctx, created.Receipt.ID, domain.ReceiptUpdateRequest{
		Items: []domain.ReceiptItemInput{
			{VariantID: "var-kaos-hitam-m", Qty: 3, UnitCost: dec("30")},
			{VariantID: "var-celana-putih-l", Qty: 4, UnitCost: dec("80")},
		},
	})
	if err != nil {
		t.Fatalf("update purchase: %v", err)
	}
	if got := stock("var-kaos-hitam-m"); got != 43 {
		t.Fatalf("expected 43 after edit, got %d", got)
	}
	if got := stock("var-celana-putih-l"); got != 44 {
		t.Fatalf("expected 44 after edit, got %d", got)
	}
	if updated.Receipt.Items[0].Snapshot.ProductName != "Kaos Polos Cotton" {
		t.Fatalf("existing line snapshot was re-derived: %+v", updated.Receipt.Items[0].Snapshot)
	}
	if updated.Receipt.Items[1].Snapshot.ProductName != "Celana Chino" {
		t.Fatalf("new line snapshot missing: %+v", updated.Receipt.Items[1].Snapshot)
	}
	if !updated.Receipt.Totals.GrandTotal.Equal(dec("410")) {
		t.Fatalf("expected grand total 410, got %s", updated.Receipt.Totals.GrandTotal)
	}

	// Resubmitting the same lines moves no stock.
	if _, err := env.svc.UpdateReceipt(env.ctx, created.Receipt.ID, domain.ReceiptUpdateRequest{
		Items: []domain.ReceiptItemInput{
			{VariantID: "var-kaos-hitam-m", Qty: 3, UnitCost: dec("30")},
			{VariantID: "var-celana-putih-l", Qty: 4, UnitCost: dec("80")},
		},
	}); err != nil {
		t.Fatalf("idempotent update: %v", err)
	}
	if stock("var-kaos-hitam-m") != 43 || stock("var-celana-putih-l") != 44 {
		t.Fatalf("unchanged lines must not move stock")
	}

	if err := env.svc.DeleteReceipt(env.ctx, created.Receipt.ID); err != nil {
		t.Fatalf("delete purchase: %v", err)
	}
	if stock("var-kaos-hitam-m") != 40 || stock("var-celana-putih-l") != 40 {
		t.Fatalf("delete must reverse stock")
	}
	_, err = env.svc.GetReceipt(env.ctx, created.Receipt.ID)
	assertCode(t, err, apperr.CodeReceiptNotFound)
}

func TestPurchaseRejectsUnknownVariantAndLockedEdits(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateReceipt(env.ctx, domain.ReceiptCreateRequest{
		Type:      domain.ReceiptTypePurchase,
		CompanyID: "cmp-konveksi-jaya",
		Items:     []domain.ReceiptItemInput{{VariantID: "var-ghost", Qty: 1}},
	})
	assertCode(t, err, apperr.CodeValidation)

	created, err := env.svc.CreateReceipt(env.ctx, domain.ReceiptCreateRequest{
		Type:      domain.ReceiptTypePurchase,
		CompanyID: "cmp-konveksi-jaya",
		Items:     []domain.ReceiptItemInput{{VariantID: "var-kaos-putih-m", Qty: 2, UnitCost: dec("30")}},
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	for _, next := range []domain.ReceiptStatus{domain.StatusOnDelivery, domain.StatusCompleted} {
		if _, err := env.svc.TransitionReceipt(env.ctx, created.Receipt.ID, domain.StatusChangeRequest{Status: next}); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}

	_, err = env.svc.UpdateReceipt(env.ctx, created.Receipt.ID, domain.ReceiptUpdateRequest{
		Items: []domain.ReceiptItemInput{{VariantID: "var-kaos-putih-m", Qty: 9}},
	})
	assertCode(t, err, apperr.CodeReceiptLocked)
	assertCode(t, env.svc.DeleteReceipt(env.ctx, created.Receipt.ID), apperr.CodeReceiptLocked)
	_, err = env.svc.TransitionReceipt(env.ctx, created.Receipt.ID, domain.StatusChangeRequest{Status: domain.StatusOrdered})
	assertCode(t, err, apperr.CodeReceiptLocked)
}

func TestSaleTransitionsRespectDeliveryGuards(t *testing.T) {
	env := newTestEnv(t)
	sale, err := env.svc.CreateReceipt(env.ctx, exampleSale())
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	_, err = env.svc.TransitionReceipt(env.ctx, sale.Receipt.ID, domain.StatusChangeRequest{Status: domain.StatusOnDelivery})
	assertCode(t, err, apperr.CodeInvalidStatusTransition)
	_, err = env.svc.TransitionReceipt(env.ctx, "rcp-missing", domain.StatusChangeRequest{Status: domain.StatusCompleted})
	assertCode(t, err, apperr.CodeReceiptNotFound)

	// ordered -> completed is fine for a walk-in sale without delivery.
	done, err := env.svc.TransitionReceipt(env.ctx, sale.Receipt.ID, domain.StatusChangeRequest{Status: domain.StatusCompleted})
	if err != nil {
		t.Fatalf("complete walk-in: %v", err)
	}
	if done.Receipt.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Receipt.Status)
	}
}

func TestUpdateSaleCannotDropBelowPaid(t *testing.T) {
	env := newTestEnv(t)
	sale, err := env.svc.CreateReceipt(env.ctx, exampleSale())
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := env.svc.AddPayment(env.ctx, sale.Receipt.ID, domain.PaymentRequest{Amount: dec("60"), Method: "card"}); err != nil {
		t.Fatalf("payment: %v", err)
	}

	_, err = env.svc.UpdateReceipt(env.ctx, sale.Receipt.ID, domain.ReceiptUpdateRequest{
		Items: []domain.ReceiptItemInput{{VariantID: "var-kaos-hitam-m", Qty: 1, UnitPrice: dec("50")}},
	})
	assertCode(t, err, apperr.CodeValidation)

	if v, _ := env.svc.GetVariant(env.ctx, "var-kaos-hitam-m"); v.Qty != 40 {
		t.Fatalf("sales must not move stock, got %d", v.Qty)
	}
}

func TestUpdateSaleDownToPaidCompletesIt(t *testing.T) {
	env := newTestEnv(t)
	sale, err := env.svc.CreateReceipt(env.ctx, exampleSale())
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := env.svc.AddPayment(env.ctx, sale.Receipt.ID, domain.PaymentRequest{Amount: dec("50"), Method: "card"}); err != nil {
		t.Fatalf("payment: %v", err)
	}

	edited, err := env.svc.UpdateReceipt(env.ctx, sale.Receipt.ID, domain.ReceiptUpdateRequest{
		Items: []domain.ReceiptItemInput{{VariantID: "var-kaos-hitam-m", Qty: 1, UnitPrice: dec("50")}},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !edited.DueTotal.IsZero() || edited.Receipt.Status != domain.StatusCompleted || edited.Receipt.CompletedAt == nil {
		t.Fatalf("expected settled edit to complete the sale, got %s due %s", edited.Receipt.Status, edited.DueTotal)
	}

	_, err = env.svc.AddPayment(env.ctx, sale.Receipt.ID, domain.PaymentRequest{Amount: dec("0.01"), Method: "card"})
	assertCode(t, err, apperr.CodeReceiptLocked)
}

func TestManualPaymentSettlesDeliverySale(t *testing.T) {
	env := newTestEnv(t)

	collected := attachedSale(t, env, "20")
	paid, err := env.svc.AddPayment(env.ctx, collected.Receipt.ID, domain.PaymentRequest{Amount: dec("74.5"), Method: "transfer"})
	if err != nil {
		t.Fatalf("pay on delivery: %v", err)
	}
	if paid.Receipt.Status != domain.StatusPaymentCollected || !paid.DueTotal.IsZero() {
		t.Fatalf("expected payment_collected while on delivery, got %s due %s", paid.Receipt.Status, paid.DueTotal)
	}

	handed := attachedSale(t, env, "")
	if _, err := env.svc.TransitionReceipt(env.ctx, handed.Receipt.ID, domain.StatusChangeRequest{Status: domain.StatusReadyToReceive}); err != nil {
		t.Fatalf("ready to receive: %v", err)
	}
	partial, err := env.svc.AddPayment(env.ctx, handed.Receipt.ID, domain.PaymentRequest{Amount: dec("40"), Method: "transfer"})
	if err != nil {
		t.Fatalf("partial payment: %v", err)
	}
	if partial.Receipt.Status != domain.StatusReadyToReceive {
		t.Fatalf("partial payment must not move status, got %s", partial.Receipt.Status)
	}
	done, err := env.svc.AddPayment(env.ctx, handed.Receipt.ID, domain.PaymentRequest{Amount: dec("54.5"), Method: "transfer"})
	if err != nil {
		t.Fatalf("settling payment: %v", err)
	}
	if done.Receipt.Status != domain.StatusCompleted || done.Receipt.CompletedAt == nil {
		t.Fatalf("expected completed from ready_to_receive, got %s", done.Receipt.Status)
	}
}

func TestSaleReturnCashRefund(t *testing.T) {
	env := newTestEnv(t)
	req := domain.ReceiptCreateRequest{
		Type:         domain.ReceiptTypeSaleReturn,
		Items:        []domain.ReceiptItemInput{{VariantID: "var-kaos-hitam-l", Qty: 1, UnitPrice: dec("75")}},
		RefundMethod: "cash",
	}

	_, err := env.svc.CreateReceipt(env.ctx, req)
	assertCode(t, err, apperr.CodeCashboxClosed)

	session := env.openDrawer(t, "200")
	created, err := env.svc.CreateReceipt(env.ctx, req)
	if err != nil {
		t.Fatalf("create return: %v", err)
	}
	if created.Receipt.Status != domain.StatusCompleted {
		t.Fatalf("expected refunded return to complete, got %s", created.Receipt.Status)
	}

	report, err := env.svc.CashboxReport(env.ctx, session.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !report.Totals.CashOut.Equal(dec("75")) || !report.Totals.BySource.Return.Equal(dec("75")) || !report.ExpectedCash.Equal(dec("125")) {
		t.Fatalf("unexpected report after refund %+v", report)
	}
}

func attachedSale(t *testing.T, env *testEnv, paid string) domain.ReceiptResponse {
	t.Helper()
	sale, err := env.svc.CreateReceipt(env.ctx, exampleSale())
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if paid != "" {
		if _, err := env.svc.AddPayment(env.ctx, sale.Receipt.ID, domain.PaymentRequest{Amount: dec(paid), Method: "transfer"}); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	attached, err := env.svc.AttachDelivery(env.ctx, sale.Receipt.ID, domain.DeliveryAttachRequest{
		Company:       "jne",
		RecipientName: "Budi",
		Address:       "Jl. Melati 4, Bandung",
	})
	if err != nil {
		t.Fatalf("attach delivery: %v", err)
	}
	return attached
}

func TestDeliverySyncCollectsCOD(t *testing.T) {
	env := newTestEnv(t)
	attached := attachedSale(t, env, "20")
	if attached.Receipt.Status != domain.StatusOnDelivery || attached.Receipt.Delivery.ExternalID == "" {
		t.Fatalf("unexpected attached receipt %+v", attached.Receipt)
	}
	if !env.provider.lastOrder.CODAmount.Equal(dec("74.5")) {
		t.Fatalf("expected COD amount 74.5, got %s", env.provider.lastOrder.CODAmount)
	}

	// Delivery sales cannot skip payment collection.
	_, err := env.svc.TransitionReceipt(env.ctx, attached.Receipt.ID, domain.StatusChangeRequest{Status: domain.StatusCompleted})
	assertCode(t, err, apperr.CodeInvalidStatusTransition)

	env.provider.status = delivery.Status{ProviderStatus: "DELIVERED_COD", TrackingNumber: "JNE123", Internal: domain.StatusPaymentCollected}
	result, err := env.svc.SyncDeliveries(env.ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Updated != 1 || len(result.Errors) != 0 {
		t.Fatalf("unexpected sync result %+v", result)
	}

	synced, err := env.svc.GetReceipt(env.ctx, attached.Receipt.ID)
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if synced.Receipt.Status != domain.StatusPaymentCollected || !synced.DueTotal.IsZero() {
		t.Fatalf("expected collected and settled, got %s due %s", synced.Receipt.Status, synced.DueTotal)
	}
	last := synced.Receipt.Payments[len(synced.Receipt.Payments)-1]
	if last.Method != domain.PaymentMethodCOD || !last.Amount.Equal(dec("74.5")) {
		t.Fatalf("unexpected cod payment %+v", last)
	}
	if len(synced.Receipt.Delivery.History) != 1 || synced.Receipt.Delivery.Status != "DELIVERED_COD" {
		t.Fatalf("unexpected delivery %+v", synced.Receipt.Delivery)
	}

	// Not due again until the backoff passes.
	again, err := env.svc.SyncDeliveries(env.ctx)
	if err != nil || again.Updated != 0 {
		t.Fatalf("expected nothing due, got %+v err %v", again, err)
	}

	env.clock.now = env.clock.now.Add(7 * time.Hour)
	env.provider.status = delivery.Status{ProviderStatus: "RECEIVED", Internal: domain.StatusCompleted}
	if _, err := env.svc.SyncDeliveries(env.ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	completed, _ := env.svc.GetReceipt(env.ctx, attached.Receipt.ID)
	if completed.Receipt.Status != domain.StatusCompleted {
		t.Fatalf("expected completed after delivery, got %s", completed.Receipt.Status)
	}
}

func TestDeliverySyncCODCompletesReadyToReceiveSale(t *testing.T) {
	env := newTestEnv(t)
	attached := attachedSale(t, env, "")
	if _, err := env.svc.TransitionReceipt(env.ctx, attached.Receipt.ID, domain.StatusChangeRequest{Status: domain.StatusReadyToReceive}); err != nil {
		t.Fatalf("ready to receive: %v", err)
	}

	env.provider.status = delivery.Status{ProviderStatus: "DELIVERED_COD", Internal: domain.StatusPaymentCollected}
	result, err := env.svc.SyncDeliveries(env.ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Updated != 1 || len(result.Errors) != 0 {
		t.Fatalf("expected clean sync, got %+v", result)
	}
	synced, _ := env.svc.GetReceipt(env.ctx, attached.Receipt.ID)
	if synced.Receipt.Status != domain.StatusCompleted || !synced.DueTotal.IsZero() {
		t.Fatalf("expected cod to complete the sale, got %s due %s", synced.Receipt.Status, synced.DueTotal)
	}
}

func TestDeliverySyncCollectsPerItemErrors(t *testing.T) {
	env := newTestEnv(t)
	attached := attachedSale(t, env, "")

	env.provider.err = errors.New("courier timeout")
	result, err := env.svc.SyncDeliveries(env.ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Updated != 1 || len(result.Errors) != 1 || result.Errors[0].ID != attached.Receipt.ID {
		t.Fatalf("expected recorded provider error, got %+v", result)
	}
	stored, _ := env.svc.GetReceipt(env.ctx, attached.Receipt.ID)
	if stored.Receipt.Delivery.NextSyncAt == nil || !stored.Receipt.Delivery.NextSyncAt.Equal(env.clock.now.Add(6*time.Hour)) {
		t.Fatalf("backoff must advance on provider errors: %+v", stored.Receipt.Delivery)
	}
	if stored.Receipt.Delivery.History[0].Error == "" {
		t.Fatalf("expected error in history")
	}

	env.provider.err = nil
	env.provider.status = delivery.Status{ProviderStatus: "RETURNED", Internal: domain.StatusPending}
	env.clock.now = env.clock.now.Add(7 * time.Hour)
	result, err = env.svc.SyncDeliveries(env.ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Updated != 1 || len(result.Errors) != 1 {
		t.Fatalf("expected invalid transition to be reported, got %+v", result)
	}
	stored, _ = env.svc.GetReceipt(env.ctx, attached.Receipt.ID)
	if stored.Receipt.Status != domain.StatusOnDelivery {
		t.Fatalf("status must not change on invalid transition, got %s", stored.Receipt.Status)
	}
}

func TestDeliverySyncHonorsJobLock(t *testing.T) {
	env := newTestEnv(t)
	lease, err := env.locker.Obtain(context.Background(), syncLockKey, time.Minute)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}

	_, err = env.svc.SyncDeliveries(env.ctx)
	assertCode(t, err, apperr.CodeConflict)

	_ = lease.Release(context.Background())
	if _, err := env.svc.SyncDeliveries(env.ctx); err != nil {
		t.Fatalf("sync after release: %v", err)
	}
}

func TestFailedCashMovementIsSpooledAndReplayed(t *testing.T) {
	env := newTestEnvWithRepo(t, flakyMovements(1))
	session := env.openDrawer(t, "0")

	sale, err := env.svc.CreateReceipt(env.ctx, exampleSale())
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	paid, err := env.svc.AddPayment(env.ctx, sale.Receipt.ID, domain.PaymentRequest{Amount: dec("94.5"), Method: "cash"})
	if err != nil {
		t.Fatalf("payment must succeed even when the movement fails: %v", err)
	}
	if paid.Receipt.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", paid.Receipt.Status)
	}

	pending, _ := env.spool.Pending(context.Background(), 10)
	if len(pending) != 1 || pending[0].Movement.SessionID != session.ID {
		t.Fatalf("expected one spooled movement, got %+v", pending)
	}
	spooled := pending[0].Movement
	if spooled.ID == "" || !spooled.CreatedAt.Equal(env.clock.now) {
		t.Fatalf("expected spooled movement stamped once with id and time, got %+v", spooled)
	}

	result, err := env.svc.ReplayCashMovements(env.ctx, 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Posted != 1 {
		t.Fatalf("expected one posted, got %+v", result)
	}
	movements, _ := env.svc.ListCashMovements(env.ctx, session.ID)
	if len(movements.Movements) != 1 || movements.Movements[0].ID != spooled.ID {
		t.Fatalf("expected replayed movement to keep its id %s, got %+v", spooled.ID, movements.Movements)
	}
}

func TestReplayMarksMovementDeadAfterSessionClose(t *testing.T) {
	env := newTestEnvWithRepo(t, flakyMovements(1))
	env.openDrawer(t, "0")

	sale, err := env.svc.CreateReceipt(env.ctx, exampleSale())
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := env.svc.AddPayment(env.ctx, sale.Receipt.ID, domain.PaymentRequest{Amount: dec("10"), Method: "cash"}); err != nil {
		t.Fatalf("payment: %v", err)
	}
	if _, err := env.svc.CloseCashbox(env.ctx, domain.CashboxCloseRequest{CountedAmount: dec("10")}); err != nil {
		t.Fatalf("close: %v", err)
	}

	result, err := env.svc.ReplayCashMovements(env.ctx, 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Dead != 1 || result.Posted != 0 {
		t.Fatalf("expected dead entry, got %+v", result)
	}
	dead, _ := env.spool.List(context.Background(), outbox.StatusDead, 10)
	if len(dead) != 1 {
		t.Fatalf("expected dead entry in spool, got %d", len(dead))
	}
}

func TestAuditLogRecordsActor(t *testing.T) {
	env := newTestEnv(t)
	env.openDrawer(t, "50")

	logs, err := env.svc.ListAuditLogs(env.ctx, "2026-03-02", 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "cashbox_open" || logs[0].ActorUsername != "kasir-ani" {
		t.Fatalf("unexpected audit logs %+v", logs)
	}

	_, err = env.svc.ListAuditLogs(env.ctx, "02-03-2026", 10)
	assertCode(t, err, apperr.CodeValidation)
}
