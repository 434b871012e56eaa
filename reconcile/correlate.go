package reconcile

import (
	"sort"
	"time"

	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/shopspring/decimal"
)

// Scoring holds the weights of the order-invoice heuristic.
type Scoring struct {
	ExactMatchScore int
	ToleranceScore  int
	// AmountTolerance is relative to the order total and inclusive.
	AmountTolerance decimal.Decimal
	WindowDays      int
	AcceptThreshold int
}

func DefaultScoring() Scoring {
	return Scoring{
		ExactMatchScore: 100,
		ToleranceScore:  50,
		AmountTolerance: decimal.NewFromFloat(0.10),
		WindowDays:      30,
		AcceptThreshold: 50,
	}
}

func ScoringFromSettings(s config.ReconcileSettings) Scoring {
	return Scoring{
		ExactMatchScore: s.ExactMatchScore,
		ToleranceScore:  s.ToleranceScore,
		AmountTolerance: decimal.NewFromFloat(s.AmountTolerance),
		WindowDays:      s.WindowDays,
		AcceptThreshold: s.AcceptThreshold,
	}
}

// OrderRef and InvoiceRef are the fields the heuristic reads.
type OrderRef struct {
	CardCode string
	Total    decimal.Decimal
	Date     time.Time
}

type InvoiceRef struct {
	DocEntry int
	DocNum   int
	CardCode string
	Total    decimal.Decimal
	Date     time.Time
}

// Candidate is a scored invoice. It is never persisted.
type Candidate struct {
	Invoice InvoiceRef
	Score   int
}

// InWindow reports whether the invoice is dated between the order date and
// WindowDays after it, both inclusive.
func (s Scoring) InWindow(order OrderRef, inv InvoiceRef) bool {
	days := utils.DaysBetween(order.Date, inv.Date)
	return days >= 0 && days <= s.WindowDays
}

// Score rates one invoice against an order. The amount part is the exact
// score for equal totals, else the tolerance score when the difference is
// within AmountTolerance of the order total. The date part is
// max(0, WindowDays - days between the two documents).
func (s Scoring) Score(order OrderRef, inv InvoiceRef) int {
	score := 0
	diff := inv.Total.Sub(order.Total).Abs()
	switch {
	case diff.IsZero():
		score += s.ExactMatchScore
	case order.Total.IsPositive() && diff.LessThanOrEqual(order.Total.Mul(s.AmountTolerance)):
		score += s.ToleranceScore
	}
	days := utils.DaysBetween(order.Date, inv.Date)
	if days < 0 {
		days = -days
	}
	if proximity := s.WindowDays - days; proximity > 0 {
		score += proximity
	}
	return score
}

// Rank scores every eligible invoice (same partner, inside the window, not
// excluded) and returns them best first. Ties go to the earlier invoice, then
// to the lower document entry.
func (s Scoring) Rank(order OrderRef, invoices []InvoiceRef, excluded map[int]bool) []Candidate {
	var out []Candidate
	for _, inv := range invoices {
		if inv.CardCode != order.CardCode || excluded[inv.DocEntry] || !s.InWindow(order, inv) {
			continue
		}
		out = append(out, Candidate{Invoice: inv, Score: s.Score(order, inv)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Invoice.Date.Equal(b.Invoice.Date) {
			return a.Invoice.Date.Before(b.Invoice.Date)
		}
		return a.Invoice.DocEntry < b.Invoice.DocEntry
	})
	return out
}

// Correlate returns the best candidate if it reaches AcceptThreshold, else nil.
// A nil result is inconclusive, not an error: the order is evaluated again on
// the next run.
func (s Scoring) Correlate(order OrderRef, invoices []InvoiceRef, excluded map[int]bool) *Candidate {
	ranked := s.Rank(order, invoices, excluded)
	if len(ranked) == 0 || ranked[0].Score < s.AcceptThreshold {
		return nil
	}
	best := ranked[0]
	return &best
}
