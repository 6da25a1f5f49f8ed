package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/carebridge/funding-engine/ledger"
)

// TypeDrawdown is the automation type handled by DrawdownRunner.
const TypeDrawdown = "drawdown"

// drawdownActor is recorded as creator and poster on generated
// transactions so audit trails distinguish them from user activity.
const drawdownActor = "system:drawdown"

// DrawdownRunner bills active auto-drawdown contracts for the whole
// periods that have elapsed since their last drawdown. Each contract
// is settled independently: one failing contract is counted and
// logged but never blocks the rest of the batch.
type DrawdownRunner struct {
	store ledger.Store
	tx    *ledger.TransactionService
	log   *logrus.Logger
}

func NewDrawdownRunner(store ledger.Store, tx *ledger.TransactionService, log *logrus.Logger) *DrawdownRunner {
	return &DrawdownRunner{store: store, tx: tx, log: log}
}

func (r *DrawdownRunner) Type() string { return TypeDrawdown }

// Run walks every active contract with auto-drawdown enabled and
// posts one transaction covering its elapsed periods. The claim row
// written with each post makes the pass idempotent: re-running over
// the same period is a counted skip, not a second charge.
func (r *DrawdownRunner) Run(ctx context.Context, rc RunContext) (RunReport, error) {
	active := ledger.ContractActive
	auto := true
	contracts, err := r.store.ListContracts(ctx, ledger.ContractFilter{
		Status:       &active,
		AutoDrawdown: &auto,
	})
	if err != nil {
		return RunReport{}, fmt.Errorf("list contracts: %w", err)
	}

	metrics := map[string]int64{
		"considered":           int64(len(contracts)),
		"generated":            0,
		"skipped_not_due":      0,
		"skipped_no_cost":      0,
		"skipped_claimed":      0,
		"insufficient_balance": 0,
		"failed":               0,
	}
	var firstErr error

	for _, c := range contracts {
		if err := ctx.Err(); err != nil {
			return RunReport{Metrics: metrics}, err
		}

		since := c.StartDate
		if c.LastDrawdownDate != nil {
			since = *c.LastDrawdownDate
		}
		periods, periodEnd := ElapsedPeriods(c.DrawdownRate, since, rc.Now)
		if periods == 0 {
			metrics["skipped_not_due"]++
			continue
		}
		if c.DailySupportItemCost.IsZero() {
			metrics["skipped_no_cost"]++
			r.log.WithFields(logrus.Fields{
				"component":   "drawdown",
				"contract_id": c.ID,
			}).Warn("auto-drawdown contract has no daily cost, skipping")
			continue
		}

		claimed, err := r.store.HasDrawdownClaim(ctx, c.ID, periodEnd)
		if err != nil {
			metrics["failed"]++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if claimed {
			metrics["skipped_claimed"]++
			continue
		}

		if err := r.settle(ctx, c, since, periodEnd, rc); err != nil {
			switch {
			case errors.Is(err, ledger.ErrInsufficientBalance):
				// An exhausted contract is a business condition, not a
				// run failure. It will keep surfacing until renewal.
				metrics["insufficient_balance"]++
				r.log.WithFields(logrus.Fields{
					"component":   "drawdown",
					"contract_id": c.ID,
				}).Warn("contract balance too low for drawdown")
			case errors.Is(err, ledger.ErrDuplicateClaim):
				metrics["skipped_claimed"]++
			default:
				metrics["failed"]++
				if firstErr == nil {
					firstErr = err
				}
				r.log.WithFields(logrus.Fields{
					"component":   "drawdown",
					"contract_id": c.ID,
					"error":       err.Error(),
				}).Error("drawdown failed for contract")
			}
			continue
		}
		metrics["generated"]++
	}

	report := RunReport{
		Summary: fmt.Sprintf("considered %d contracts, generated %d drawdowns",
			metrics["considered"], metrics["generated"]),
		Metrics: metrics,
	}
	if firstErr != nil {
		return report, fmt.Errorf("%w: %d contracts failed, first: %v",
			ledger.ErrRunnerFailure, metrics["failed"], firstErr)
	}
	return report, nil
}

// settle bills one contract for the days covered by its elapsed
// periods. Creation, posting, the claim, and the cursor advance all
// commit in one store transaction.
func (r *DrawdownRunner) settle(ctx context.Context, c ledger.FundingContract, since, periodEnd time.Time, rc RunContext) error {
	days := DaysBetween(since, periodEnd)
	in := ledger.CreateTransactionInput{
		ResidentID: c.ResidentID,
		ContractID: c.ID,
		OccurredAt: periodEnd,
		Quantity:   decimal.NewFromInt(int64(days)),
		UnitPrice:  c.DailySupportItemCost,
		Note: fmt.Sprintf("automated drawdown for %d day(s) ending %s",
			days, periodEnd.Format("2006-01-02")),
		CreatedBy: drawdownActor,
	}
	claim := ledger.DrawdownClaim{
		ContractID: c.ID,
		PeriodEnd:  periodEnd,
		RunID:      rc.RunID,
	}
	_, err := r.tx.PostGenerated(ctx, in, claim)
	return err
}
