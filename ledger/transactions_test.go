package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/funding-engine/ledger"
	"github.com/carebridge/funding-engine/ledger/store"
	"github.com/carebridge/funding-engine/lock"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// txFixture wires a transaction service against one active contract.
type txFixture struct {
	store     *store.Memory
	contracts *ledger.ContractService
	tx        *ledger.TransactionService
	resident  ledger.Resident
	contract  ledger.FundingContract
}

func newTxFixture(t *testing.T, original string) *txFixture {
	t.Helper()
	st := store.NewMemory()
	log := testLogger()

	contracts := ledger.NewContractService(st, log)
	tx := ledger.NewTransactionService(st, lock.NewKeyedMutex(), log)

	ctx := context.Background()
	res := seedResident(t, st, "org-1")
	in := contractInput(res.ID, "org-1")
	in.OriginalAmount = d(original)
	c, err := contracts.Create(ctx, in)
	require.NoError(t, err)
	active, err := contracts.Activate(ctx, c.ID)
	require.NoError(t, err)

	return &txFixture{store: st, contracts: contracts, tx: tx, resident: res, contract: *active}
}

// draft creates a draft transaction with an explicit amount.
func (f *txFixture) draft(t *testing.T, amount string) *ledger.Transaction {
	t.Helper()
	amt := d(amount)
	tx, err := f.tx.Create(context.Background(), ledger.CreateTransactionInput{
		ResidentID: f.resident.ID,
		ContractID: f.contract.ID,
		OccurredAt: date(2026, time.February, 10),
		Amount:     &amt,
		CreatedBy:  "tester",
	})
	require.NoError(t, err)
	return tx
}

func (f *txFixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	c, err := f.contracts.Get(context.Background(), f.contract.ID)
	require.NoError(t, err)
	return c.CurrentBalance
}

func auditActions(entries []ledger.AuditEntry) []ledger.AuditAction {
	actions := make([]ledger.AuditAction, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	return actions
}

// =============================================================================
// CREATE
// =============================================================================

func TestTransactionCreate_DerivesAmount(t *testing.T) {
	// GIVEN: An active contract
	// WHEN: Creating a draft with quantity and unit price
	// THEN: Amount = quantity x unit price, exactly

	f := newTxFixture(t, "1000")

	tx, err := f.tx.Create(context.Background(), ledger.CreateTransactionInput{
		ResidentID: f.resident.ID,
		ContractID: f.contract.ID,
		OccurredAt: date(2026, time.February, 10),
		Quantity:   d("3"),
		UnitPrice:  d("142.50"),
		CreatedBy:  "tester",
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.TxDraft, tx.Status)
	assert.True(t, tx.Amount.Equal(d("427.50")), "got %s", tx.Amount)
	assert.False(t, tx.IsOrphaned)
}

func TestTransactionCreate_AmountOverride(t *testing.T) {
	f := newTxFixture(t, "1000")

	override := d("99.95")
	tx, err := f.tx.Create(context.Background(), ledger.CreateTransactionInput{
		ResidentID: f.resident.ID,
		ContractID: f.contract.ID,
		OccurredAt: date(2026, time.February, 10),
		Quantity:   d("3"),
		UnitPrice:  d("142.50"),
		Amount:     &override,
		CreatedBy:  "tester",
	})
	require.NoError(t, err)
	assert.True(t, tx.Amount.Equal(override), "override should win over quantity x price")
}

func TestTransactionCreate_OutsideWindow_FlaggedOrphaned(t *testing.T) {
	// GIVEN: A contract covering calendar year 2026
	// WHEN: Creating a transaction dated before its start
	// THEN: Accepted, but flagged orphaned

	f := newTxFixture(t, "1000")

	amt := d("50")
	tx, err := f.tx.Create(context.Background(), ledger.CreateTransactionInput{
		ResidentID: f.resident.ID,
		ContractID: f.contract.ID,
		OccurredAt: date(2025, time.November, 1),
		Amount:     &amt,
		CreatedBy:  "tester",
	})
	require.NoError(t, err)
	assert.True(t, tx.IsOrphaned)
}

func TestTransactionCreate_ContractMissing(t *testing.T) {
	f := newTxFixture(t, "1000")

	amt := d("50")
	_, err := f.tx.Create(context.Background(), ledger.CreateTransactionInput{
		ResidentID: f.resident.ID,
		ContractID: "missing",
		OccurredAt: date(2026, time.February, 10),
		Amount:     &amt,
		CreatedBy:  "tester",
	})
	assert.ErrorIs(t, err, ledger.ErrContractNotFound)
}

func TestTransactionCreate_ResidentMismatch(t *testing.T) {
	f := newTxFixture(t, "1000")

	amt := d("50")
	_, err := f.tx.Create(context.Background(), ledger.CreateTransactionInput{
		ResidentID: "someone-else",
		ContractID: f.contract.ID,
		OccurredAt: date(2026, time.February, 10),
		Amount:     &amt,
		CreatedBy:  "tester",
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// POST
// =============================================================================

func TestTransactionPost_DecrementsBalance(t *testing.T) {
	// GIVEN: An active contract with 1000 and a 300 draft
	// WHEN: Posting the draft
	// THEN: Status flips, actor and time recorded, balance drops to 700

	f := newTxFixture(t, "1000")
	tx := f.draft(t, "300")

	posted, err := f.tx.Post(context.Background(), tx.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, ledger.TxPosted, posted.Status)
	assert.Equal(t, "alice", posted.PostedBy)
	require.NotNil(t, posted.PostedAt)
	assert.True(t, f.balance(t).Equal(d("700")))
}

func TestTransactionPost_AuditTrailOrder(t *testing.T) {
	f := newTxFixture(t, "1000")
	tx := f.draft(t, "300")

	_, err := f.tx.Post(context.Background(), tx.ID, "alice")
	require.NoError(t, err)

	entries, err := f.tx.Audit(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.AuditAction{
		ledger.AuditCreated,
		ledger.AuditValidated,
		ledger.AuditPosted,
		ledger.AuditBalanceUpdated,
	}, auditActions(entries))
}

func TestTransactionPost_BlankActor_Rejected(t *testing.T) {
	f := newTxFixture(t, "1000")
	tx := f.draft(t, "300")

	_, err := f.tx.Post(context.Background(), tx.ID, "   ")
	assert.ErrorIs(t, err, ledger.ErrValidation)
	assert.True(t, f.balance(t).Equal(d("1000")), "balance must be untouched")
}

func TestTransactionPost_AlreadyPosted_Rejected(t *testing.T) {
	f := newTxFixture(t, "1000")
	tx := f.draft(t, "300")

	_, err := f.tx.Post(context.Background(), tx.ID, "alice")
	require.NoError(t, err)

	_, err = f.tx.Post(context.Background(), tx.ID, "alice")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	assert.True(t, f.balance(t).Equal(d("700")), "double post must not bill twice")
}

func TestTransactionPost_InsufficientBalance_NoMutation(t *testing.T) {
	// GIVEN: A contract with 100 left and a 250 draft
	// WHEN: Posting
	// THEN: InsufficientBalanceError with the shortfall; nothing changes

	f := newTxFixture(t, "100")
	tx := f.draft(t, "250")

	_, err := f.tx.Post(context.Background(), tx.ID, "alice")

	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, f.contract.ID, ib.ContractID)
	assert.True(t, ib.Available.Equal(d("100")))
	assert.True(t, ib.Requested.Equal(d("250")))
	assert.True(t, ib.Shortfall.Equal(d("150")))

	assert.True(t, f.balance(t).Equal(d("100")), "balance must be untouched")
	cur, err := f.tx.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxDraft, cur.Status, "transaction must stay draft")
}

func TestTransactionPost_ExactBalance_Allowed(t *testing.T) {
	// Draining the contract to exactly zero is legal.
	f := newTxFixture(t, "100")
	tx := f.draft(t, "100")

	_, err := f.tx.Post(context.Background(), tx.ID, "alice")
	require.NoError(t, err)
	assert.True(t, f.balance(t).IsZero())
}

// =============================================================================
// VOID
// =============================================================================

func TestTransactionVoid_RestoresExactly(t *testing.T) {
	// GIVEN: 1000 allocation; 300 and 200 posted
	// WHEN: Voiding the 300
	// THEN: Balance is 800, bit-for-bit

	f := newTxFixture(t, "1000")
	first := f.draft(t, "300")
	second := f.draft(t, "200")

	_, err := f.tx.Post(context.Background(), first.ID, "alice")
	require.NoError(t, err)
	_, err = f.tx.Post(context.Background(), second.ID, "alice")
	require.NoError(t, err)
	require.True(t, f.balance(t).Equal(d("500")))

	voided, err := f.tx.Void(context.Background(), first.ID, ledger.VoidInput{
		Reason: "billing error",
		Actor:  "bob",
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.TxVoided, voided.Status)
	assert.Equal(t, "bob", voided.VoidedBy)
	assert.Equal(t, "billing error", voided.VoidReason)
	assert.True(t, f.balance(t).Equal(d("800")))
}

func TestTransactionVoid_FractionalAmounts_Exact(t *testing.T) {
	// Post-then-void with cent fractions must round-trip exactly; this
	// is the decimal arithmetic guarantee.
	f := newTxFixture(t, "1000")

	tx, err := f.tx.Create(context.Background(), ledger.CreateTransactionInput{
		ResidentID: f.resident.ID,
		ContractID: f.contract.ID,
		OccurredAt: date(2026, time.February, 10),
		Quantity:   d("3"),
		UnitPrice:  d("0.10"),
		CreatedBy:  "tester",
	})
	require.NoError(t, err)

	_, err = f.tx.Post(context.Background(), tx.ID, "alice")
	require.NoError(t, err)
	require.True(t, f.balance(t).Equal(d("999.70")), "got %s", f.balance(t))

	_, err = f.tx.Void(context.Background(), tx.ID, ledger.VoidInput{Reason: "oops", Actor: "alice"})
	require.NoError(t, err)
	assert.True(t, f.balance(t).Equal(d("1000")), "got %s", f.balance(t))
}

func TestTransactionVoid_RequiresReasonAndActor(t *testing.T) {
	f := newTxFixture(t, "1000")
	tx := f.draft(t, "300")
	_, err := f.tx.Post(context.Background(), tx.ID, "alice")
	require.NoError(t, err)

	_, err = f.tx.Void(context.Background(), tx.ID, ledger.VoidInput{Actor: "bob"})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = f.tx.Void(context.Background(), tx.ID, ledger.VoidInput{Reason: "dup"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestTransactionVoid_DraftRejected(t *testing.T) {
	f := newTxFixture(t, "1000")
	tx := f.draft(t, "300")

	_, err := f.tx.Void(context.Background(), tx.ID, ledger.VoidInput{Reason: "dup", Actor: "bob"})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestTransactionVoid_AppendsToAuditTrail(t *testing.T) {
	f := newTxFixture(t, "1000")
	tx := f.draft(t, "300")

	_, err := f.tx.Post(context.Background(), tx.ID, "alice")
	require.NoError(t, err)
	_, err = f.tx.Void(context.Background(), tx.ID, ledger.VoidInput{Reason: "dup", Actor: "bob"})
	require.NoError(t, err)

	entries, err := f.tx.Audit(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.AuditAction{
		ledger.AuditCreated,
		ledger.AuditValidated,
		ledger.AuditPosted,
		ledger.AuditBalanceUpdated,
		ledger.AuditVoided,
		ledger.AuditBalanceUpdated,
	}, auditActions(entries))
}

// =============================================================================
// DRAFT EDITS
// =============================================================================

func TestTransactionUpdate_RepricingRederivesAmount(t *testing.T) {
	f := newTxFixture(t, "1000")
	tx := f.draft(t, "300")

	qty := d("4")
	price := d("25")
	updated, err := f.tx.Update(context.Background(), tx.ID, ledger.UpdateTransactionInput{
		Quantity:  &qty,
		UnitPrice: &price,
	})
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(d("100")), "new quantity x price supersedes the old override")
}

func TestTransactionUpdate_PostedImmutable(t *testing.T) {
	f := newTxFixture(t, "1000")
	tx := f.draft(t, "300")
	_, err := f.tx.Post(context.Background(), tx.ID, "alice")
	require.NoError(t, err)

	note := "edited"
	_, err = f.tx.Update(context.Background(), tx.ID, ledger.UpdateTransactionInput{Note: &note})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestTransactionDelete_DraftOnly(t *testing.T) {
	f := newTxFixture(t, "1000")
	ctx := context.Background()

	draft := f.draft(t, "300")
	require.NoError(t, f.tx.Delete(ctx, draft.ID))
	_, err := f.tx.Get(ctx, draft.ID)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	// The audit trail survives the row.
	entries, err := f.tx.Audit(ctx, draft.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	posted := f.draft(t, "100")
	_, err = f.tx.Post(ctx, posted.ID, "alice")
	require.NoError(t, err)
	err = f.tx.Delete(ctx, posted.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestTransactionPost_ConcurrentFanOut_NeverOverdraws(t *testing.T) {
	// GIVEN: 100 in the contract and twenty 10-unit drafts
	// WHEN: Posting all twenty concurrently
	// THEN: Exactly ten posts land; the rest fail on balance; never below zero

	f := newTxFixture(t, "100")
	ctx := context.Background()

	drafts := make([]*ledger.Transaction, 20)
	for i := range drafts {
		drafts[i] = f.draft(t, "10")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(drafts))
	for i, tx := range drafts {
		wg.Add(1)
		go func(i int, id ledger.TransactionID) {
			defer wg.Done()
			_, errs[i] = f.tx.Post(ctx, id, "worker")
		}(i, tx.ID)
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		default:
			require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
			insufficient++
		}
	}

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 10, insufficient)
	assert.True(t, f.balance(t).IsZero(), "got %s", f.balance(t))
}

// =============================================================================
// GENERATED DRAWDOWNS
// =============================================================================

func TestPostGenerated_BillsAndClaimsAtomically(t *testing.T) {
	// GIVEN: An active contract
	// WHEN: Posting a generated drawdown with its period claim
	// THEN: One posted transaction, the claim recorded, the cursor advanced

	f := newTxFixture(t, "1000")
	ctx := context.Background()
	periodEnd := date(2026, time.February, 1)

	in := ledger.CreateTransactionInput{
		ResidentID: f.resident.ID,
		ContractID: f.contract.ID,
		OccurredAt: periodEnd,
		Quantity:   d("31"),
		UnitPrice:  d("10"),
		CreatedBy:  "system:drawdown",
	}
	claim := ledger.DrawdownClaim{ContractID: f.contract.ID, PeriodEnd: periodEnd}

	posted, err := f.tx.PostGenerated(ctx, in, claim)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxPosted, posted.Status)
	assert.True(t, f.balance(t).Equal(d("690")))

	claimed, err := f.store.HasDrawdownClaim(ctx, f.contract.ID, periodEnd)
	require.NoError(t, err)
	assert.True(t, claimed)

	c, err := f.contracts.Get(ctx, f.contract.ID)
	require.NoError(t, err)
	require.NotNil(t, c.LastDrawdownDate)
	assert.True(t, c.LastDrawdownDate.Equal(periodEnd))
}

func TestPostGenerated_DuplicatePeriod_RejectedAndRolledBack(t *testing.T) {
	// Re-billing a claimed period must fail and must not touch the
	// balance a second time.

	f := newTxFixture(t, "1000")
	ctx := context.Background()
	periodEnd := date(2026, time.February, 1)

	in := ledger.CreateTransactionInput{
		ResidentID: f.resident.ID,
		ContractID: f.contract.ID,
		OccurredAt: periodEnd,
		Quantity:   d("31"),
		UnitPrice:  d("10"),
		CreatedBy:  "system:drawdown",
	}
	claim := ledger.DrawdownClaim{ContractID: f.contract.ID, PeriodEnd: periodEnd}

	_, err := f.tx.PostGenerated(ctx, in, claim)
	require.NoError(t, err)

	_, err = f.tx.PostGenerated(ctx, in, claim)
	assert.ErrorIs(t, err, ledger.ErrDuplicateClaim)
	assert.True(t, f.balance(t).Equal(d("690")), "second attempt must not bill")

	txs, err := f.tx.ListByContract(ctx, f.contract.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "the rolled-back transaction must not persist")
}
