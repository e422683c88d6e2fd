// Package cashbook aggregates cash movements of a drawer session and settles
// the expected against the counted amount.
package cashbook

import (
	"github.com/shopspring/decimal"

	"gudangkas/backend/internal/domain"
)

// Summarize totals movements by direction and by source. Adjustments are split
// by direction, every other source is summed regardless of direction.
func Summarize(movements []domain.CashMovement) domain.CashboxTotals {
	totals := domain.CashboxTotals{
		CashIn:  decimal.Zero,
		CashOut: decimal.Zero,
		BySource: domain.CashSourceTotals{
			Sale:          decimal.Zero,
			Payment:       decimal.Zero,
			Return:        decimal.Zero,
			AdjustmentIn:  decimal.Zero,
			AdjustmentOut: decimal.Zero,
		},
	}
	for _, movement := range movements {
		amount := movement.Amount
		if movement.Direction == domain.CashOut {
			totals.CashOut = totals.CashOut.Add(amount)
		} else {
			totals.CashIn = totals.CashIn.Add(amount)
		}

		switch movement.Source {
		case domain.CashSourceSale:
			totals.BySource.Sale = totals.BySource.Sale.Add(amount)
		case domain.CashSourcePayment:
			totals.BySource.Payment = totals.BySource.Payment.Add(amount)
		case domain.CashSourceReturn:
			totals.BySource.Return = totals.BySource.Return.Add(amount)
		case domain.CashSourceAdjustment:
			if movement.Direction == domain.CashOut {
				totals.BySource.AdjustmentOut = totals.BySource.AdjustmentOut.Add(amount)
			} else {
				totals.BySource.AdjustmentIn = totals.BySource.AdjustmentIn.Add(amount)
			}
		}
	}
	return totals
}

// Expected is opening + cash in - cash out.
func Expected(opening decimal.Decimal, totals domain.CashboxTotals) decimal.Decimal {
	return opening.Add(totals.CashIn).Sub(totals.CashOut)
}

// Settle returns the expected drawer amount and counted minus expected.
func Settle(opening decimal.Decimal, counted decimal.Decimal, totals domain.CashboxTotals) (decimal.Decimal, decimal.Decimal) {
	expected := Expected(opening, totals)
	return expected, counted.Sub(expected)
}

// Report builds the settlement view of a session. For an open session the
// counted amount and variance stay nil.
func Report(session domain.CashboxSession, totals domain.CashboxTotals) domain.CashboxReport {
	report := domain.CashboxReport{
		SessionID:     session.ID,
		OpenedAt:      session.OpenedAt,
		OpenedBy:      session.OpenedBy,
		ClosedAt:      session.ClosedAt,
		ClosedBy:      session.ClosedBy,
		OpeningAmount: session.OpeningAmount,
		ExpectedCash:  Expected(session.OpeningAmount, totals),
		Totals:        totals,
	}
	if session.CountedAmount != nil {
		counted := *session.CountedAmount
		_, variance := Settle(session.OpeningAmount, counted, totals)
		report.CountedAmount = &counted
		report.Variance = &variance
	}
	return report
}
