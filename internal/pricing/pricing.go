// Package pricing computes receipt totals. It is pure and performs no I/O.
//
// Steps run in a fixed order and every intermediate figure is rounded to two
// decimals before the next step consumes it:
//
//	line, line discount -> item subtotal, item discount total
//	-> subtotal after items -> bill discount -> subtotal after bill
//	-> tax -> grand total
package pricing

import (
	"github.com/shopspring/decimal"

	"gudangkas/backend/internal/domain"
)

const places = 2

var hundred = decimal.NewFromInt(100)

type Payload struct {
	Type         domain.ReceiptType
	Items        []domain.ReceiptItem
	BillDiscount *domain.Discount
	TaxPercent   decimal.Decimal
}

type Options struct {
	IncludeItems bool
}

type Result struct {
	Totals domain.Totals
	Items  []domain.QuoteLine
}

// ComputeTotals never fails. Negative or missing figures count as zero and a
// percent discount above 100 is treated as 100.
func ComputeTotals(payload Payload, opts Options) Result {
	saleLike := payload.Type.SaleLike()

	itemSubtotal := decimal.Zero
	itemDiscountTotal := decimal.Zero
	var lines []domain.QuoteLine
	if opts.IncludeItems {
		lines = make([]domain.QuoteLine, 0, len(payload.Items))
	}

	for _, item := range payload.Items {
		unit := nonNegative(item.UnitCost)
		if saleLike {
			unit = nonNegative(item.UnitPrice)
		}
		qty := item.Qty
		if qty < 0 {
			qty = 0
		}

		line := round(unit.Mul(decimal.NewFromInt(int64(qty))))
		lineDiscount := discountAgainst(item.Discount, line)
		net := round(clampZero(line.Sub(lineDiscount)))

		itemSubtotal = itemSubtotal.Add(line)
		itemDiscountTotal = itemDiscountTotal.Add(lineDiscount)

		if opts.IncludeItems {
			lines = append(lines, domain.QuoteLine{
				VariantID:    item.VariantID,
				Qty:          qty,
				Unit:         round(unit),
				LineTotal:    line,
				LineDiscount: lineDiscount,
				NetTotal:     net,
			})
		}
	}
	itemSubtotal = round(itemSubtotal)
	itemDiscountTotal = round(itemDiscountTotal)

	subAfterItems := round(clampZero(itemSubtotal.Sub(itemDiscountTotal)))
	billDiscountTotal := discountAgainst(payload.BillDiscount, subAfterItems)
	subAfterBill := round(clampZero(subAfterItems.Sub(billDiscountTotal)))

	taxPercent := clampPercent(payload.TaxPercent)
	taxTotal := round(subAfterBill.Mul(taxPercent).Div(hundred))
	grandTotal := round(subAfterBill.Add(taxTotal))

	return Result{
		Totals: domain.Totals{
			ItemSubtotal:           itemSubtotal,
			ItemDiscountTotal:      itemDiscountTotal,
			BillDiscountTotal:      billDiscountTotal,
			SubTotalAfterDiscounts: subAfterBill,
			TaxPercent:             taxPercent,
			TaxTotal:               taxTotal,
			GrandTotal:             grandTotal,
		},
		Items: lines,
	}
}

// PayloadOf rebuilds the pricing input from a stored receipt.
func PayloadOf(receipt domain.Receipt) Payload {
	return Payload{
		Type:         receipt.Type,
		Items:        receipt.Items,
		BillDiscount: receipt.BillDiscount,
		TaxPercent:   receipt.TaxPercent,
	}
}

// DueTotal is grand total minus paid, floored at zero.
func DueTotal(grandTotal decimal.Decimal, paid decimal.Decimal) decimal.Decimal {
	return round(clampZero(grandTotal.Sub(paid)))
}

func discountAgainst(discount *domain.Discount, base decimal.Decimal) decimal.Decimal {
	if discount == nil {
		return decimal.Zero
	}
	value := nonNegative(discount.Value)
	switch discount.Mode {
	case domain.DiscountPercent:
		if value.GreaterThan(hundred) {
			value = hundred
		}
		return round(base.Mul(value).Div(hundred))
	case domain.DiscountAmount:
		return round(decimal.Min(value, base))
	default:
		return decimal.Zero
	}
}

func clampPercent(value decimal.Decimal) decimal.Decimal {
	value = nonNegative(value)
	if value.GreaterThan(hundred) {
		return hundred
	}
	return value
}

func nonNegative(value decimal.Decimal) decimal.Decimal {
	if value.IsNegative() {
		return decimal.Zero
	}
	return value
}

func clampZero(value decimal.Decimal) decimal.Decimal {
	return nonNegative(value)
}

func round(value decimal.Decimal) decimal.Decimal {
	return value.Round(places)
}
