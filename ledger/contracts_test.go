package ledger_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/funding-engine/ledger"
	"github.com/carebridge/funding-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================
// Note: d, date, and endDate are defined in balance_test.go

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newContractService(t *testing.T) (*ledger.ContractService, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return ledger.NewContractService(st, testLogger()), st
}

func seedResident(t *testing.T, st *store.Memory, org string) ledger.Resident {
	t.Helper()
	r := ledger.Resident{
		ID:             ledger.NewResidentID(),
		OrganizationID: org,
		Name:           "Test Resident",
		CreatedAt:      date(2026, time.January, 1),
	}
	require.NoError(t, st.CreateResident(context.Background(), r))
	return r
}

func contractInput(residentID ledger.ResidentID, org string) ledger.CreateContractInput {
	return ledger.CreateContractInput{
		ResidentID:     residentID,
		OrganizationID: org,
		ContractType:   "ndis-core",
		OriginalAmount: d("15000"),
		StartDate:      date(2026, time.January, 1),
		EndDate:        endDate(2026, time.December, 31),
		DrawdownRate:   ledger.DrawdownMonthly,
	}
}

// =============================================================================
// CREATE
// =============================================================================

func TestContractCreate_DraftWithFullAllocation(t *testing.T) {
	// GIVEN: A resident and a valid contract input
	// WHEN: Creating the contract
	// THEN: It is a Draft with the full allocation unconsumed

	svc, st := newContractService(t)
	ctx := context.Background()
	res := seedResident(t, st, "org-1")

	c, err := svc.Create(ctx, contractInput(res.ID, "org-1"))
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, ledger.ContractDraft, c.Status)
	assert.True(t, c.CurrentBalance.Equal(d("15000")), "balance should start at the full allocation")
	assert.True(t, c.OriginalAmount.Equal(c.CurrentBalance))
	assert.False(t, c.CreatedAt.IsZero())
}

func TestContractCreate_MissingResident(t *testing.T) {
	svc, _ := newContractService(t)

	_, err := svc.Create(context.Background(), contractInput("no-such-resident", "org-1"))
	assert.ErrorIs(t, err, ledger.ErrResidentNotFound)
}

func TestContractCreate_OrganizationMismatch(t *testing.T) {
	// GIVEN: A resident belonging to org-1
	// WHEN: Creating a contract for them under org-2
	// THEN: Rejected as a validation error before anything is written

	svc, st := newContractService(t)
	ctx := context.Background()
	res := seedResident(t, st, "org-1")

	_, err := svc.Create(ctx, contractInput(res.ID, "org-2"))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	contracts, listErr := st.ListContracts(ctx, ledger.ContractFilter{})
	require.NoError(t, listErr)
	assert.Empty(t, contracts, "no contract should be created")
}

func TestContractCreate_NegativeAmount_Rejected(t *testing.T) {
	svc, st := newContractService(t)
	res := seedResident(t, st, "org-1")

	in := contractInput(res.ID, "org-1")
	in.OriginalAmount = d("-100")

	_, err := svc.Create(context.Background(), in)

	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Issues, 1)
	assert.Equal(t, "originalAmount", verr.Issues[0].Field)
}

func TestContractCreate_EndBeforeStart_Rejected(t *testing.T) {
	svc, st := newContractService(t)
	res := seedResident(t, st, "org-1")

	in := contractInput(res.ID, "org-1")
	in.EndDate = endDate(2025, time.June, 30)

	_, err := svc.Create(context.Background(), in)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// LIFECYCLE TRANSITIONS
// =============================================================================

func TestContractActivate(t *testing.T) {
	svc, st := newContractService(t)
	ctx := context.Background()
	res := seedResident(t, st, "org-1")

	c, err := svc.Create(ctx, contractInput(res.ID, "org-1"))
	require.NoError(t, err)

	activated, err := svc.Activate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ContractActive, activated.Status)
	assert.True(t, activated.CurrentBalance.Equal(c.OriginalAmount))
}

func TestContractActivate_InitializesZeroBalance(t *testing.T) {
	// GIVEN: A draft row whose balance was zeroed out (externally seeded)
	// WHEN: Activating it
	// THEN: The balance is initialized to the full allocation

	svc, st := newContractService(t)
	ctx := context.Background()
	res := seedResident(t, st, "org-1")

	c := ledger.FundingContract{
		ID:             ledger.NewContractID(),
		ResidentID:     res.ID,
		OrganizationID: "org-1",
		Status:         ledger.ContractDraft,
		OriginalAmount: d("8000"),
		CurrentBalance: d("0"),
		StartDate:      date(2026, time.January, 1),
	}
	require.NoError(t, st.CreateContract(ctx, c))

	activated, err := svc.Activate(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, activated.CurrentBalance.Equal(d("8000")))
}

func TestContractUpdateStatus_LegalMoves(t *testing.T) {
	// Each row exercises one edge of the transition table.
	cases := []struct {
		name string
		via  []ledger.ContractStatus
	}{
		{"draft to cancelled", []ledger.ContractStatus{ledger.ContractCancelled}},
		{"active to expired", []ledger.ContractStatus{ledger.ContractActive, ledger.ContractExpired}},
		{"active to cancelled", []ledger.ContractStatus{ledger.ContractActive, ledger.ContractCancelled}},
		{"active to renewed", []ledger.ContractStatus{ledger.ContractActive, ledger.ContractRenewed}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, st := newContractService(t)
			ctx := context.Background()
			res := seedResident(t, st, "org-1")

			c, err := svc.Create(ctx, contractInput(res.ID, "org-1"))
			require.NoError(t, err)

			for _, next := range tc.via {
				c, err = svc.UpdateStatus(ctx, c.ID, next)
				require.NoError(t, err)
			}
			assert.Equal(t, tc.via[len(tc.via)-1], c.Status)
		})
	}
}

func TestContractUpdateStatus_IllegalMove(t *testing.T) {
	// GIVEN: A cancelled contract
	// WHEN: Trying to activate it
	// THEN: InvalidTransitionError carrying from/to

	svc, st := newContractService(t)
	ctx := context.Background()
	res := seedResident(t, st, "org-1")

	c, err := svc.Create(ctx, contractInput(res.ID, "org-1"))
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, c.ID, ledger.ContractCancelled)
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, c.ID, ledger.ContractActive)

	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	var tre *ledger.InvalidTransitionError
	require.ErrorAs(t, err, &tre)
	assert.Equal(t, string(ledger.ContractCancelled), tre.From)
	assert.Equal(t, string(ledger.ContractActive), tre.To)
}

func TestContractTerminalStates_Frozen(t *testing.T) {
	// No transition leaves expired, cancelled, or renewed.
	terminals := []ledger.ContractStatus{
		ledger.ContractExpired,
		ledger.ContractCancelled,
		ledger.ContractRenewed,
	}
	targets := []ledger.ContractStatus{
		ledger.ContractDraft,
		ledger.ContractActive,
		ledger.ContractExpired,
		ledger.ContractCancelled,
		ledger.ContractRenewed,
	}

	for _, from := range terminals {
		require.True(t, from.Terminal())
		for _, to := range targets {
			assert.False(t, ledger.CanTransition(from, to),
				"%s -> %s should be illegal", from, to)
		}
	}
}

func TestContractUpdateStatus_NotFound(t *testing.T) {
	svc, _ := newContractService(t)

	_, err := svc.UpdateStatus(context.Background(), "missing", ledger.ContractActive)
	assert.ErrorIs(t, err, ledger.ErrContractNotFound)
}

// =============================================================================
// RENEWAL CHAINS
// =============================================================================

func TestContractRenew_BuildsDraftChild(t *testing.T) {
	// GIVEN: An active contract
	// WHEN: Renewing it
	// THEN: A Draft child carries the parent's configuration and a fresh
	//       allocation, linked by ParentContractID; the parent is untouched

	svc, st := newContractService(t)
	ctx := context.Background()
	res := seedResident(t, st, "org-1")

	in := contractInput(res.ID, "org-1")
	in.AutoDrawdown = true
	in.SupportItemCode = "01_011_0107_1_1"
	in.DailySupportItemCost = d("142.50")
	parent, err := svc.Create(ctx, in)
	require.NoError(t, err)
	_, err = svc.Activate(ctx, parent.ID)
	require.NoError(t, err)

	child, err := svc.Renew(ctx, parent.ID, ledger.RenewContractInput{
		Amount:    d("16000"),
		StartDate: date(2027, time.January, 1),
		EndDate:   endDate(2027, time.December, 31),
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.ContractDraft, child.Status)
	assert.True(t, child.CurrentBalance.Equal(d("16000")))
	require.NotNil(t, child.ParentContractID)
	assert.Equal(t, parent.ID, *child.ParentContractID)
	assert.Equal(t, parent.ContractType, child.ContractType)
	assert.Equal(t, parent.DrawdownRate, child.DrawdownRate)
	assert.True(t, child.AutoDrawdown)
	assert.Equal(t, "01_011_0107_1_1", child.SupportItemCode)
	assert.True(t, child.DailySupportItemCost.Equal(d("142.50")))

	stored, err := svc.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ContractActive, stored.Status, "renew alone must not flip the parent")
}

func TestContractRenew_RequiresActiveParent(t *testing.T) {
	svc, st := newContractService(t)
	ctx := context.Background()
	res := seedResident(t, st, "org-1")

	parent, err := svc.Create(ctx, contractInput(res.ID, "org-1"))
	require.NoError(t, err)

	_, err = svc.Renew(ctx, parent.ID, ledger.RenewContractInput{
		Amount:    d("16000"),
		StartDate: date(2027, time.January, 1),
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestContractRenew_MissingParent(t *testing.T) {
	svc, _ := newContractService(t)

	_, err := svc.Renew(context.Background(), "missing", ledger.RenewContractInput{
		Amount:    d("16000"),
		StartDate: date(2027, time.January, 1),
	})
	assert.ErrorIs(t, err, ledger.ErrContractNotFound)
}

func TestContractMarkRenewed_CompletesChain(t *testing.T) {
	// The full renewal handshake: renew, activate the child, then flip
	// the parent to Renewed.

	svc, st := newContractService(t)
	ctx := context.Background()
	res := seedResident(t, st, "org-1")

	parent, err := svc.Create(ctx, contractInput(res.ID, "org-1"))
	require.NoError(t, err)
	_, err = svc.Activate(ctx, parent.ID)
	require.NoError(t, err)

	child, err := svc.Renew(ctx, parent.ID, ledger.RenewContractInput{
		Amount:    d("16000"),
		StartDate: date(2027, time.January, 1),
	})
	require.NoError(t, err)

	_, err = svc.Activate(ctx, child.ID)
	require.NoError(t, err)

	renewed, err := svc.MarkRenewed(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ContractRenewed, renewed.Status)
}

// =============================================================================
// EXPIRY LISTINGS
// =============================================================================

func TestContractExpiringSoon(t *testing.T) {
	// GIVEN: Active contracts ending in 10 and 60 days, plus a draft
	// WHEN: Listing expiring contracts
	// THEN: Only the near-active one appears within the default window

	svc, st := newContractService(t)
	ctx := context.Background()
	res := seedResident(t, st, "org-1")
	today := date(2026, time.March, 1)

	near := contractInput(res.ID, "org-1")
	near.EndDate = endDate(2026, time.March, 11)
	nearC, err := svc.Create(ctx, near)
	require.NoError(t, err)
	_, err = svc.Activate(ctx, nearC.ID)
	require.NoError(t, err)

	far := contractInput(res.ID, "org-1")
	far.EndDate = endDate(2026, time.April, 30)
	farC, err := svc.Create(ctx, far)
	require.NoError(t, err)
	_, err = svc.Activate(ctx, farC.ID)
	require.NoError(t, err)

	draft := contractInput(res.ID, "org-1")
	draft.EndDate = endDate(2026, time.March, 5)
	_, err = svc.Create(ctx, draft)
	require.NoError(t, err)

	expiring, err := svc.ExpiringSoon(ctx, today)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, nearC.ID, expiring[0].ID)

	wider, err := svc.ExpiringWithin(ctx, today, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, wider, 2, "the wider window should catch both active contracts")
}

// =============================================================================
// LISTING FILTERS
// =============================================================================

func TestContractList_Filters(t *testing.T) {
	svc, st := newContractService(t)
	ctx := context.Background()

	alice := seedResident(t, st, "org-1")
	bob := seedResident(t, st, "org-2")

	a, err := svc.Create(ctx, contractInput(alice.ID, "org-1"))
	require.NoError(t, err)
	_, err = svc.Activate(ctx, a.ID)
	require.NoError(t, err)

	_, err = svc.Create(ctx, contractInput(bob.ID, "org-2"))
	require.NoError(t, err)

	byResident, err := svc.List(ctx, ledger.ContractFilter{ResidentID: &alice.ID})
	require.NoError(t, err)
	require.Len(t, byResident, 1)
	assert.Equal(t, a.ID, byResident[0].ID)

	active := ledger.ContractActive
	byStatus, err := svc.List(ctx, ledger.ContractFilter{Status: &active})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, a.ID, byStatus[0].ID)

	org := "org-2"
	byOrg, err := svc.List(ctx, ledger.ContractFilter{OrganizationID: &org})
	require.NoError(t, err)
	require.Len(t, byOrg, 1)
	assert.Equal(t, bob.ID, byOrg[0].ResidentID)

	all, err := svc.List(ctx, ledger.ContractFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestContractGet_NotFound(t *testing.T) {
	svc, _ := newContractService(t)

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrContractNotFound)
}
