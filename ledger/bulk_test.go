package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/funding-engine/ledger"
)

func newBulkFixture(t *testing.T) (*ledger.BulkCoordinator, *txFixture) {
	t.Helper()
	f := newTxFixture(t, "10000")
	return ledger.NewBulkCoordinator(f.tx, testLogger()), f
}

func TestBulkApply_PostAllSucceed(t *testing.T) {
	// GIVEN: Three drafts
	// WHEN: Bulk posting them
	// THEN: All three land and the balance reflects the sum

	bulk, f := newBulkFixture(t)
	ids := []ledger.TransactionID{
		f.draft(t, "100").ID,
		f.draft(t, "200").ID,
		f.draft(t, "300").ID,
	}

	res, err := bulk.Apply(context.Background(), ids, ledger.BulkPost, "", "alice")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Processed)
	assert.Empty(t, res.Errors)
	assert.True(t, f.balance(t).Equal(d("9400")))
}

func TestBulkApply_PartialFailure_SiblingsSurvive(t *testing.T) {
	// GIVEN: Two drafts and one already-posted transaction
	// WHEN: Bulk posting all three
	// THEN: The two drafts post; the bad id is reported; nothing rolls back

	bulk, f := newBulkFixture(t)
	ctx := context.Background()

	good1 := f.draft(t, "100")
	alreadyPosted := f.draft(t, "200")
	good2 := f.draft(t, "300")
	_, err := f.tx.Post(ctx, alreadyPosted.ID, "alice")
	require.NoError(t, err)

	res, err := bulk.Apply(ctx,
		[]ledger.TransactionID{good1.ID, alreadyPosted.ID, good2.ID},
		ledger.BulkPost, "", "alice")
	require.NoError(t, err, "per-id failures are result data, not an Apply error")

	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, alreadyPosted.ID, res.Errors[0].TransactionID)

	// All three amounts are billed: the duplicate was posted before the batch.
	assert.True(t, f.balance(t).Equal(d("9400")))
}

func TestBulkApply_VoidBatch(t *testing.T) {
	bulk, f := newBulkFixture(t)
	ctx := context.Background()

	first := f.draft(t, "100")
	second := f.draft(t, "200")
	_, err := f.tx.Post(ctx, first.ID, "alice")
	require.NoError(t, err)
	_, err = f.tx.Post(ctx, second.ID, "alice")
	require.NoError(t, err)

	res, err := bulk.Apply(ctx,
		[]ledger.TransactionID{first.ID, second.ID},
		ledger.BulkVoid, "duplicate billing run", "bob")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Processed)
	assert.True(t, f.balance(t).Equal(d("10000")), "voids restore the full balance")

	got, err := f.tx.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "duplicate billing run", got.VoidReason)
}

func TestBulkApply_UpFrontRejections(t *testing.T) {
	// Whole-batch input problems reject before a single id is touched.

	bulk, f := newBulkFixture(t)
	ctx := context.Background()
	tx := f.draft(t, "100")
	ids := []ledger.TransactionID{tx.ID}

	cases := []struct {
		name   string
		ids    []ledger.TransactionID
		action ledger.BulkAction
		reason string
		actor  string
		field  string
	}{
		{"empty id list", nil, ledger.BulkPost, "", "alice", "transactionIds"},
		{"unknown action", ids, ledger.BulkAction("approve"), "", "alice", "action"},
		{"void without reason", ids, ledger.BulkVoid, "", "alice", "reason"},
		{"missing actor", ids, ledger.BulkPost, "", "", "actor"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := bulk.Apply(ctx, tc.ids, tc.action, tc.reason, tc.actor)
			require.ErrorIs(t, err, ledger.ErrValidation)

			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			require.NotEmpty(t, verr.Issues)
			assert.Equal(t, tc.field, verr.Issues[0].Field)
		})
	}

	// The draft stayed untouched throughout.
	got, err := f.tx.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxDraft, got.Status)
}
