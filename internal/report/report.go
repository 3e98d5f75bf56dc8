// Package report computes read-side aggregates over ledger snapshots. All
// functions are pure: they never touch storage and never mutate their inputs,
// so totals for adjacent windows always sum to the totals of the combined
// window.
package report

import (
	"slices"
	"time"

	"probite/backend/internal/domain"
)

// Window selects transactions with From <= CreatedAt < To. An empty Branch
// matches every branch; PaidOnly restricts to transactions currently marked
// paid.
type Window struct {
	From     time.Time
	To       time.Time
	Branch   string
	PaidOnly bool
}

func (w Window) contains(at time.Time) bool {
	return !at.Before(w.From) && at.Before(w.To)
}

func (w Window) matchesTransaction(tx domain.Transaction) bool {
	if !w.contains(tx.CreatedAt) {
		return false
	}
	if w.Branch != "" && tx.Branch != w.Branch {
		return false
	}
	if w.PaidOnly && tx.PaymentState != domain.PaymentPaid {
		return false
	}
	return true
}

type Totals struct {
	Count       int64
	TotalAmount int64
	TotalProfit int64
}

func WindowedTotals(txs []domain.Transaction, w Window) Totals {
	var totals Totals
	for _, tx := range txs {
		if !w.matchesTransaction(tx) {
			continue
		}
		totals.Count++
		totals.TotalAmount += tx.TotalAmount
		totals.TotalProfit += tx.TotalProfit
	}
	return totals
}

// BestSellers ranks products by quantity sold across txs, descending. Lines
// whose product id no longer resolves in products are skipped. Ties keep the
// order in which the products were first encountered while scanning txs, so
// the ranking is stable for a fixed input order.
func BestSellers(txs []domain.Transaction, products map[string]domain.Product, topN int) []domain.BestSeller {
	qtyByProduct := make(map[string]int)
	firstSeen := make(map[string]int)

	for _, tx := range txs {
		for _, line := range tx.Lines {
			if _, ok := products[line.ProductID]; !ok {
				continue
			}
			if _, seen := firstSeen[line.ProductID]; !seen {
				firstSeen[line.ProductID] = len(firstSeen)
			}
			qtyByProduct[line.ProductID] += line.Qty
		}
	}

	ranked := make([]domain.BestSeller, 0, len(qtyByProduct))
	for id, qty := range qtyByProduct {
		ranked = append(ranked, domain.BestSeller{
			ProductID: id,
			Name:      products[id].Name,
			Qty:       qty,
		})
	}

	slices.SortFunc(ranked, func(a, b domain.BestSeller) int {
		if a.Qty != b.Qty {
			return b.Qty - a.Qty
		}
		return firstSeen[a.ProductID] - firstSeen[b.ProductID]
	})

	if topN > 0 && len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}

type ExpenseSummary struct {
	Count       int64
	TotalAmount int64
}

func ExpenseTotals(expenses []domain.Expense, w Window) ExpenseSummary {
	var summary ExpenseSummary
	for _, expense := range expenses {
		if !w.contains(expense.CreatedAt) {
			continue
		}
		if w.Branch != "" && expense.Branch != w.Branch {
			continue
		}
		summary.Count++
		summary.TotalAmount += expense.Amount
	}
	return summary
}
