package cashbook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gudangkas/backend/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func move(amount string, direction domain.CashDirection, source domain.CashSource) domain.CashMovement {
	return domain.CashMovement{Amount: dec(amount), Direction: direction, Source: source}
}

func TestSettleClosingExample(t *testing.T) {
	movements := []domain.CashMovement{
		move("150", domain.CashIn, domain.CashSourceSale),
		move("100", domain.CashIn, domain.CashSourcePayment),
		move("30", domain.CashOut, domain.CashSourceReturn),
	}
	totals := Summarize(movements)
	if !totals.CashIn.Equal(dec("250")) || !totals.CashOut.Equal(dec("30")) {
		t.Fatalf("unexpected totals in=%s out=%s", totals.CashIn, totals.CashOut)
	}

	expected, variance := Settle(dec("100"), dec("315"), totals)
	if !expected.Equal(dec("320")) {
		t.Fatalf("expected cash 320, got %s", expected)
	}
	if !variance.Equal(dec("-5")) {
		t.Fatalf("expected variance -5, got %s", variance)
	}
}

func TestSummarizeSplitsAdjustmentsByDirection(t *testing.T) {
	totals := Summarize([]domain.CashMovement{
		move("20", domain.CashIn, domain.CashSourceAdjustment),
		move("5", domain.CashOut, domain.CashSourceAdjustment),
		move("12.5", domain.CashOut, domain.CashSourceReturn),
		move("40", domain.CashIn, domain.CashSourceSale),
	})
	if !totals.BySource.AdjustmentIn.Equal(dec("20")) || !totals.BySource.AdjustmentOut.Equal(dec("5")) {
		t.Fatalf("unexpected adjustment split: %+v", totals.BySource)
	}
	if !totals.BySource.Return.Equal(dec("12.5")) || !totals.BySource.Sale.Equal(dec("40")) {
		t.Fatalf("unexpected source totals: %+v", totals.BySource)
	}
	if !totals.CashIn.Equal(dec("60")) || !totals.CashOut.Equal(dec("17.5")) {
		t.Fatalf("unexpected direction totals in=%s out=%s", totals.CashIn, totals.CashOut)
	}
}

func TestSummarizeEmptySession(t *testing.T) {
	totals := Summarize(nil)
	if !totals.CashIn.IsZero() || !totals.CashOut.IsZero() {
		t.Fatalf("expected zero totals, got %+v", totals)
	}
}

func TestReportOpenAndClosedSession(t *testing.T) {
	opened := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	session := domain.CashboxSession{
		ID:            "cbx-1",
		Status:        domain.CashboxOpen,
		OpeningAmount: dec("100"),
		OpenedAt:      opened,
		OpenedBy:      "kasir",
	}
	totals := Summarize([]domain.CashMovement{move("75", domain.CashIn, domain.CashSourcePayment)})

	live := Report(session, totals)
	if !live.ExpectedCash.Equal(dec("175")) {
		t.Fatalf("expected live cash 175, got %s", live.ExpectedCash)
	}
	if live.CountedAmount != nil || live.Variance != nil {
		t.Fatalf("open session report must not carry counted amount or variance")
	}

	counted := dec("180")
	closed := opened.Add(8 * time.Hour)
	session.Status = domain.CashboxClosed
	session.CountedAmount = &counted
	session.ClosedAt = &closed
	session.ClosedBy = "supervisor"

	final := Report(session, totals)
	if final.Variance == nil || !final.Variance.Equal(dec("5")) {
		t.Fatalf("expected variance 5, got %v", final.Variance)
	}
	if final.ClosedBy != "supervisor" || final.ClosedAt == nil {
		t.Fatalf("expected close metadata on report, got %+v", final)
	}
}
