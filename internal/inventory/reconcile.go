// Package inventory turns receipt line changes into per-variant stock deltas.
package inventory

import (
	"sort"

	"gudangkas/backend/internal/domain"
)

// Diff returns new minus old quantity for every variant touched on either
// side. Lines for the same variant are summed first. Zero deltas are
// dropped and the result is ordered by variant id.
func Diff(oldItems []domain.ReceiptItem, newItems []domain.ReceiptItem) []domain.StockDelta {
	oldQty := sumByVariant(oldItems)
	newQty := sumByVariant(newItems)

	touched := make(map[string]struct{}, len(oldQty)+len(newQty))
	for id := range oldQty {
		touched[id] = struct{}{}
	}
	for id := range newQty {
		touched[id] = struct{}{}
	}

	deltas := make([]domain.StockDelta, 0, len(touched))
	for id := range touched {
		delta := newQty[id] - oldQty[id]
		if delta == 0 {
			continue
		}
		deltas = append(deltas, domain.StockDelta{VariantID: id, Delta: delta})
	}
	sort.Slice(deltas, func(i, j int) bool {
		return deltas[i].VariantID < deltas[j].VariantID
	})
	return deltas
}

// Apply adds deltas onto a copy of qty.
func Apply(qty map[string]int, deltas []domain.StockDelta) map[string]int {
	next := make(map[string]int, len(qty)+len(deltas))
	for id, value := range qty {
		next[id] = value
	}
	for _, delta := range deltas {
		next[delta.VariantID] += delta.Delta
	}
	return next
}

// Check reports whether deltas account for the whole quantity change
// between the two item sets.
func Check(oldItems []domain.ReceiptItem, newItems []domain.ReceiptItem, deltas []domain.StockDelta) bool {
	sum := 0
	for _, delta := range deltas {
		sum += delta.Delta
	}
	return totalQty(newItems)-totalQty(oldItems) == sum
}

func sumByVariant(items []domain.ReceiptItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, item := range items {
		out[item.VariantID] += item.Qty
	}
	return out
}

func totalQty(items []domain.ReceiptItem) int {
	total := 0
	for _, item := range items {
		total += item.Qty
	}
	return total
}
