/*
balance.go - Pure balance calculations over contract snapshots

PURPOSE:
  Computes drawdown progress, renewal eligibility, and portfolio-level
  aggregates from funding contracts. This is the calculation layer that
  answers "how much of this allocation is left, and which contracts
  need attention?"

KEY INSIGHT:
  Everything here is side-effect-free and operates on snapshots the
  caller already holds. No store access, no clock access; the caller
  passes "today" in, which keeps renewal checks deterministic in tests.

CALCULATIONS:
  DrawdownPercentage: (original - current) / original * 100
  NeedsRenewal:       Active and ending within the look-ahead window
  Summarize:          Portfolio totals plus active/expiring counts

EXAMPLE:
  Contract originally 10,000 with 2,500 left:

  DrawdownPercentage = 75
  RemainingBalance   = 2,500

SEE ALSO:
  - contracts.go: Uses NeedsRenewal for the expiring-soon listing
  - report: Renders Summarize output to a workbook
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// RenewalLookahead is how far ahead of a contract's end date it starts
// counting as expiring soon.
const RenewalLookahead = 30 * 24 * time.Hour

var hundred = decimal.NewFromInt(100)

// =============================================================================
// PER-CONTRACT CALCULATIONS
// =============================================================================

// DrawdownPercentage returns how much of the original allocation has
// been consumed, as a percentage. Defined as zero when the original
// amount is zero.
func DrawdownPercentage(c FundingContract) decimal.Decimal {
	if c.OriginalAmount.IsZero() {
		return decimal.Zero
	}
	drawn := c.OriginalAmount.Sub(c.CurrentBalance)
	return drawn.Div(c.OriginalAmount).Mul(hundred)
}

// RemainingBalance returns the undrawn portion of the allocation.
func RemainingBalance(c FundingContract) decimal.Decimal {
	return c.CurrentBalance
}

// NeedsRenewal reports whether c is an active contract whose end date
// falls within the renewal look-ahead window of today. Open-ended
// contracts never need renewal.
func NeedsRenewal(c FundingContract, today time.Time) bool {
	return ExpiresWithin(c, today, RenewalLookahead)
}

// ExpiresWithin is NeedsRenewal with a caller-chosen window.
func ExpiresWithin(c FundingContract, today time.Time, window time.Duration) bool {
	if c.Status != ContractActive || c.EndDate == nil {
		return false
	}
	if c.EndDate.Before(today) {
		// Already past its window; expiry handling, not renewal.
		return false
	}
	return !c.EndDate.After(today.Add(window))
}

// =============================================================================
// PORTFOLIO AGGREGATES
// =============================================================================

// BalanceSummary aggregates a set of contracts for dashboards and the
// report export.
type BalanceSummary struct {
	TotalOriginal   decimal.Decimal
	TotalCurrent    decimal.Decimal
	TotalDrawnDown  decimal.Decimal
	ActiveContracts int
	ExpiringSoon    int
}

// Summarize folds contracts into portfolio totals. An empty input
// yields all-zero aggregates.
func Summarize(contracts []FundingContract, today time.Time) BalanceSummary {
	s := BalanceSummary{
		TotalOriginal:  decimal.Zero,
		TotalCurrent:   decimal.Zero,
		TotalDrawnDown: decimal.Zero,
	}
	for _, c := range contracts {
		s.TotalOriginal = s.TotalOriginal.Add(c.OriginalAmount)
		s.TotalCurrent = s.TotalCurrent.Add(c.CurrentBalance)
		if c.Status == ContractActive {
			s.ActiveContracts++
		}
		if NeedsRenewal(c, today) {
			s.ExpiringSoon++
		}
	}
	s.TotalDrawnDown = s.TotalOriginal.Sub(s.TotalCurrent)
	return s
}
