package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("GUDANGKAS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set GUDANGKAS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, logrus.New())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func seedVariant(t *testing.T, s *Store, stamp int64, qty int) string {
	t.Helper()
	ctx := context.Background()
	productID := fmt.Sprintf("prd-it-%d", stamp)
	sizeID := fmt.Sprintf("size-it-%d", stamp)
	colorID := fmt.Sprintf("color-it-%d", stamp)
	variantID := fmt.Sprintf("var-it-%d", stamp)

	statements := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO products (id, code, name) VALUES ($1, $2, 'Kaos IT')`, []any{productID, "IT-" + productID}},
		{`INSERT INTO sizes (id, name) VALUES ($1, $2)`, []any{sizeID, "XL-" + sizeID}},
		{`INSERT INTO colors (id, name) VALUES ($1, $2)`, []any{colorID, "Navy-" + colorID}},
		{`INSERT INTO variants (id, product_id, size_id, color_id, qty) VALUES ($1, $2, $3, $4, $5)`, []any{variantID, productID, sizeID, colorID, qty}},
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM receipts WHERE id IN (SELECT receipt_id FROM receipt_items WHERE variant_id = $1)`, variantID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM variants WHERE id = $1`, variantID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM colors WHERE id = $1`, colorID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sizes WHERE id = $1`, sizeID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})
	return variantID
}

func TestReceiptStockAndPaymentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	variantID := seedVariant(t, s, stamp, 10)

	receipt := domain.Receipt{
		ID:     fmt.Sprintf("rcp-it-%d", stamp),
		Type:   domain.ReceiptTypeSale,
		Status: domain.StatusOrdered,
		Items: []domain.ReceiptItem{{
			VariantID: variantID,
			Qty:       3,
			UnitPrice: decimal.RequireFromString("50000"),
			Discount:  &domain.Discount{Mode: domain.DiscountPercent, Value: decimal.NewFromInt(10)},
		}},
		Totals: domain.Totals{GrandTotal: decimal.RequireFromString("135000")},
	}
	created, err := s.CreateReceipt(ctx, receipt, []domain.StockDelta{{VariantID: variantID, Delta: -3}})
	if err != nil {
		t.Fatalf("create receipt: %v", err)
	}
	if len(created.Items) != 1 || created.Items[0].Discount == nil {
		t.Fatalf("expected item discount to round-trip, got %+v", created.Items)
	}

	variant, err := s.GetVariant(ctx, variantID)
	if err != nil {
		t.Fatalf("get variant: %v", err)
	}
	if variant.Qty != 7 {
		t.Fatalf("expected stock 7 after sale, got %d", variant.Qty)
	}

	_, err = s.CreateReceipt(ctx, domain.Receipt{
		ID:     fmt.Sprintf("rcp-it-over-%d", stamp),
		Type:   domain.ReceiptTypeSale,
		Status: domain.StatusOrdered,
		Items:  []domain.ReceiptItem{{VariantID: variantID, Qty: 8}},
	}, []domain.StockDelta{{VariantID: variantID, Delta: -8}})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	payment := domain.Payment{Amount: decimal.RequireFromString("135000"), Method: domain.PaymentMethodCash, At: time.Now().UTC()}
	paid, err := s.AppendPayment(ctx, created.ID, payment, domain.StatusOrdered, domain.StatusCompleted)
	if err != nil {
		t.Fatalf("append payment: %v", err)
	}
	if paid.Status != domain.StatusCompleted || paid.CompletedAt == nil || len(paid.Payments) != 1 {
		t.Fatalf("unexpected receipt after payment: %+v", paid)
	}

	if _, err := s.AppendPayment(ctx, created.ID, payment, domain.StatusOrdered, domain.StatusCompleted); !errors.Is(err, store.ErrStaleWrite) {
		t.Fatalf("expected stale write, got %v", err)
	}
}

func TestCashboxSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if open, err := s.GetOpenCashboxSession(ctx); err == nil {
		t.Skipf("database already has open session %s", open.ID)
	}

	session, err := s.CreateCashboxSession(ctx, domain.CashboxSession{OpeningAmount: decimal.NewFromInt(100), OpenedBy: "it"})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cash_movements WHERE session_id = $1`, session.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cashbox_sessions WHERE id = $1`, session.ID)
	})

	if _, err := s.CreateCashboxSession(ctx, domain.CashboxSession{OpenedBy: "it"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second open, got %v", err)
	}
	if _, err := s.CreateCashMovement(ctx, domain.CashMovement{
		SessionID: session.ID, Amount: decimal.NewFromInt(250), Direction: domain.CashIn, Source: domain.CashSourceSale,
	}); err != nil {
		t.Fatalf("movement: %v", err)
	}

	counted := decimal.NewFromInt(345)
	variance := decimal.NewFromInt(-5)
	closed, err := s.CloseCashboxSession(ctx, session.ID, func(open domain.CashboxSession, movements []domain.CashMovement) domain.CashboxSession {
		in := decimal.Zero
		for _, m := range movements {
			in = in.Add(m.Amount)
		}
		expected := open.OpeningAmount.Add(in)
		diff := counted.Sub(expected)
		open.ClosedBy = "it"
		open.CountedAmount = &counted
		open.ExpectedCash = &expected
		open.Variance = &diff
		open.Totals = &domain.CashboxTotals{CashIn: in, CashOut: decimal.Zero}
		return open
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != domain.CashboxClosed || closed.Totals == nil || !closed.Variance.Equal(variance) {
		t.Fatalf("unexpected closed session: %+v", closed)
	}
	if _, err := s.CreateCashMovement(ctx, domain.CashMovement{
		SessionID: session.ID, Amount: decimal.NewFromInt(1), Direction: domain.CashIn, Source: domain.CashSourcePayment,
	}); !errors.Is(err, store.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
