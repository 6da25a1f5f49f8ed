package automation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/funding-engine/automation"
	"github.com/carebridge/funding-engine/ledger"
)

// newDrawdownRun hands the runner a run context pinned to the world clock.
func newDrawdownRun(w *world) (*automation.DrawdownRunner, automation.RunContext) {
	runner := automation.NewDrawdownRunner(w.store, w.tx, testLogger())
	rc := automation.RunContext{RunID: ledger.NewRunID(), Now: w.now}
	return runner, rc
}

func TestDrawdownRun_BillsElapsedDays(t *testing.T) {
	// GIVEN: A daily contract whose billing started ten days ago
	// WHEN: Running the drawdown
	// THEN: One posted transaction covers all ten days at the daily cost

	w := newWorld(t)
	c := w.seedAutoContract(t, 10, ledger.DrawdownDaily, "185", "67000")
	runner, rc := newDrawdownRun(w)

	report, err := runner.Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.Metrics["considered"])
	assert.Equal(t, int64(1), report.Metrics["generated"])
	assert.True(t, w.contractBalance(t, c.ID).Equal(d("65150")))

	txs, err := w.tx.ListByContract(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Quantity.Equal(d("10")))
	assert.True(t, txs[0].UnitPrice.Equal(d("185")))
	assert.Equal(t, ledger.TxPosted, txs[0].Status)
	assert.Equal(t, "system:drawdown", txs[0].PostedBy)
}

func TestDrawdownRun_WeeklyBillsWholePeriodsOnly(t *testing.T) {
	// GIVEN: A weekly contract ten days into its term
	// WHEN: Running the drawdown
	// THEN: Exactly one week is billed; three leftover days roll forward

	w := newWorld(t)
	c := w.seedAutoContract(t, 10, ledger.DrawdownWeekly, "162", "58000")
	runner, rc := newDrawdownRun(w)

	_, err := runner.Run(context.Background(), rc)
	require.NoError(t, err)

	// 7 days x 162.00
	assert.True(t, w.contractBalance(t, c.ID).Equal(d("56866")),
		"got %s", w.contractBalance(t, c.ID))

	got, err := w.contracts.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastDrawdownDate)
	assert.True(t, got.LastDrawdownDate.Equal(w.today.AddDate(0, 0, -3)),
		"cursor should sit at the end of the billed week")
}

func TestDrawdownRun_RerunAfterSettle_NothingDue(t *testing.T) {
	// The cursor advance makes a rerun within the same period a no-op.

	w := newWorld(t)
	c := w.seedAutoContract(t, 10, ledger.DrawdownDaily, "185", "67000")
	runner, rc := newDrawdownRun(w)

	_, err := runner.Run(context.Background(), rc)
	require.NoError(t, err)
	billed := w.contractBalance(t, c.ID)

	report, err := runner.Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, int64(0), report.Metrics["generated"])
	assert.Equal(t, int64(1), report.Metrics["skipped_not_due"])
	assert.True(t, w.contractBalance(t, c.ID).Equal(billed), "rerun must not double charge")
}

func TestDrawdownRun_ClaimedPeriodSkipped(t *testing.T) {
	// GIVEN: A claim row for the pending period but no cursor advance,
	//        as left behind by a racing scheduler instance
	// WHEN: Running the drawdown
	// THEN: The period is skipped as claimed, not billed again

	w := newWorld(t)
	c := w.seedAutoContract(t, 10, ledger.DrawdownDaily, "185", "67000")
	require.NoError(t, w.store.ClaimDrawdown(context.Background(), ledger.DrawdownClaim{
		ContractID: c.ID,
		PeriodEnd:  w.today,
		ClaimedAt:  w.now,
	}))
	runner, rc := newDrawdownRun(w)

	report, err := runner.Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.Metrics["skipped_claimed"])
	assert.Equal(t, int64(0), report.Metrics["generated"])
	assert.True(t, w.contractBalance(t, c.ID).Equal(d("67000")))
}

func TestDrawdownRun_ContractStartedToday_NotDue(t *testing.T) {
	w := newWorld(t)
	w.seedAutoContract(t, 0, ledger.DrawdownDaily, "185", "67000")
	runner, rc := newDrawdownRun(w)

	report, err := runner.Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.Metrics["skipped_not_due"])
	assert.Equal(t, int64(0), report.Metrics["generated"])
}

func TestDrawdownRun_ZeroDailyCost_SkippedNotFailed(t *testing.T) {
	w := newWorld(t)
	c := w.seedAutoContract(t, 10, ledger.DrawdownDaily, "0", "67000")
	runner, rc := newDrawdownRun(w)

	report, err := runner.Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.Metrics["skipped_no_cost"])
	assert.True(t, w.contractBalance(t, c.ID).Equal(d("67000")))
}

func TestDrawdownRun_InsufficientBalance_CountedNotFailed(t *testing.T) {
	// GIVEN: Seven days due at 120.00 against a 500.00 balance
	// WHEN: Running the drawdown
	// THEN: The exhausted contract is counted, the run still succeeds,
	//       and nothing is billed

	w := newWorld(t)
	c := w.seedAutoContract(t, 7, ledger.DrawdownDaily, "120", "500")
	runner, rc := newDrawdownRun(w)

	report, err := runner.Run(context.Background(), rc)
	require.NoError(t, err, "an exhausted contract is not a runner failure")

	assert.Equal(t, int64(1), report.Metrics["insufficient_balance"])
	assert.Equal(t, int64(0), report.Metrics["generated"])
	assert.True(t, w.contractBalance(t, c.ID).Equal(d("500")))

	txs, err := w.tx.ListByContract(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, txs, "the rolled-back billing must not persist")
}

func TestDrawdownRun_OneBadContractDoesNotBlockTheRest(t *testing.T) {
	w := newWorld(t)
	broke := w.seedAutoContract(t, 7, ledger.DrawdownDaily, "120", "500")
	healthy := w.seedAutoContract(t, 7, ledger.DrawdownDaily, "120", "10000")
	runner, rc := newDrawdownRun(w)

	report, err := runner.Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.Metrics["considered"])
	assert.Equal(t, int64(1), report.Metrics["generated"])
	assert.Equal(t, int64(1), report.Metrics["insufficient_balance"])
	assert.True(t, w.contractBalance(t, broke.ID).Equal(d("500")))
	assert.True(t, w.contractBalance(t, healthy.ID).Equal(d("9160")))
}

func TestDrawdownRun_ManualAndInactiveContractsIgnored(t *testing.T) {
	// Only active contracts with auto-drawdown enabled are considered.

	w := newWorld(t)
	ctx := context.Background()

	// Active but manual.
	res := ledger.Resident{ID: ledger.NewResidentID(), OrganizationID: "org-1", Name: "Manual", CreatedAt: w.now}
	require.NoError(t, w.store.CreateResident(ctx, res))
	manual, err := w.contracts.Create(ctx, ledger.CreateContractInput{
		ResidentID:     res.ID,
		OrganizationID: "org-1",
		ContractType:   "ndis-core",
		OriginalAmount: d("10000"),
		StartDate:      w.today.AddDate(0, 0, -10),
		DrawdownRate:   ledger.DrawdownDaily,
	})
	require.NoError(t, err)
	_, err = w.contracts.Activate(ctx, manual.ID)
	require.NoError(t, err)

	// Auto-drawdown but no longer active.
	cancelled := w.seedAutoContract(t, 10, ledger.DrawdownDaily, "185", "67000")
	_, err = w.contracts.UpdateStatus(ctx, cancelled.ID, ledger.ContractCancelled)
	require.NoError(t, err)

	runner, rc := newDrawdownRun(w)
	report, err := runner.Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, int64(0), report.Metrics["considered"])
	assert.Equal(t, int64(0), report.Metrics["generated"])
}

// =============================================================================
// AUTOMATION CRUD
// =============================================================================

func TestAutomationCreate_FirstRunWins(t *testing.T) {
	// The requested first run is the initial next-run time verbatim;
	// the schedule only governs runs after that.

	w := newWorld(t)
	first := at(2026, time.April, 1, 14, 30)
	a := w.seedAutomation(t, "noop", first, true)

	assert.True(t, a.NextRunAt.Equal(first))
	assert.True(t, a.IsEnabled)
}

func TestAutomationSetEnabled_KeepsSchedule(t *testing.T) {
	w := newWorld(t)
	a := w.seedAutomation(t, "noop", w.now, true)

	off, err := w.autos.SetEnabled(context.Background(), a.ID, false)
	require.NoError(t, err)
	assert.False(t, off.IsEnabled)
	assert.True(t, off.NextRunAt.Equal(a.NextRunAt), "toggling must not reschedule")

	on, err := w.autos.SetEnabled(context.Background(), a.ID, true)
	require.NoError(t, err)
	assert.True(t, on.IsEnabled)
}

func TestAutomationCreate_RejectsBadSchedule(t *testing.T) {
	w := newWorld(t)

	_, err := w.autos.Create(context.Background(), ledger.CreateAutomationInput{
		OrganizationID: "org-1",
		Name:           "broken",
		Type:           "noop",
		FirstRunAt:     w.now,
		Schedule:       ledger.Schedule{Kind: ledger.ScheduleInterval},
	})
	require.ErrorIs(t, err, ledger.ErrValidation)

	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "schedule.every", verr.Issues[0].Field)
}

func TestAutomationRuns_UnknownAutomation(t *testing.T) {
	w := newWorld(t)
	_, err := w.autos.Runs(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrAutomationNotFound)
}
