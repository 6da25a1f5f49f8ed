/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates residents, funding
	contracts, and transactions that demonstrate specific features.

AVAILABLE SCENARIOS:

	new-resident:  Single active contract with manual fortnightly billing
	renewal-chain: Expiring contract with a prepared renewal + a completed chain
	auto-drawdown: Backdated auto-drawdown contracts, billed on the next tick
	bulk-billing:  Draft invoices staged for a bulk post, plus a voided one

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create residents
 3. Create and activate funding contracts
 4. Add posted/draft transactions
 5. Optionally register a billing automation

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "auto-drawdown"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - server.go: /api/scenarios routes
  - ledger/contracts.go: contract lifecycle used by the loaders
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carebridge/funding-engine/automation"
	"github.com/carebridge/funding-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "new-resident",
		Name:        "New Resident",
		Description: "One active contract billed manually each fortnight",
	},
	{
		ID:          "renewal-chain",
		Name:        "Renewal Chain",
		Description: "Nearly exhausted contract expiring soon, with a renewal drafted and an older completed chain",
	},
	{
		ID:          "auto-drawdown",
		Name:        "Automated Drawdown",
		Description: "Backdated auto-drawdown contracts and an enabled automation; POST /api/scheduler/tick to bill them",
	},
	{
		ID:          "bulk-billing",
		Name:        "Bulk Billing",
		Description: "A batch of draft invoices staged for POST /api/transactions/bulk, plus a voided invoice with its audit trail",
	},
}

// resetter is the store capability behind scenario loading. All
// bundled stores implement it; it stays out of the ledger.Store port
// because nothing outside the demo endpoints may wipe data.
type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	// Find the scenario details
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	// Scenario ID exists but not in list (shouldn't happen)
	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          current,
		Name:        current,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	store, ok := h.Store.(resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support scenario loading", nil)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = "" // Clear current scenario on reset
	h.mu.Unlock()

	var err error
	switch req.ScenarioID {
	case "new-resident":
		err = h.loadNewResidentScenario(ctx)
	case "renewal-chain":
		err = h.loadRenewalChainScenario(ctx)
	case "auto-drawdown":
		err = h.loadAutoDrawdownScenario(ctx)
	case "bulk-billing":
		err = h.loadBulkBillingScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	// Track the loaded scenario
	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data without loading a scenario.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	store, ok := h.Store.(resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support resets", nil)
		return
	}

	if err := store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// Loaders go through the services, never the raw store, so every
// seeded row passes the same validation and balance rules as API
// traffic. Dates are derived from the handler clock.

func (h *Handler) loadNewResidentScenario(ctx context.Context) error {
	today := midnight(h.clock())
	admission := today.AddDate(0, -6, 0)

	res, err := h.Residents.Create(ctx, ledger.CreateResidentInput{
		OrganizationID: "org-sunrise",
		Name:           "Margaret Holt",
		AdmissionDate:  &admission,
	})
	if err != nil {
		return err
	}

	// Year-long core supports contract, billed manually each fortnight.
	start := today.AddDate(0, -3, 0)
	end := start.AddDate(1, 0, 0)
	renewal := end.AddDate(0, -1, 0)
	contract, err := h.Contracts.Create(ctx, ledger.CreateContractInput{
		ResidentID:           res.ID,
		OrganizationID:       res.OrganizationID,
		ContractType:         "ndis-core",
		OriginalAmount:       decimal.NewFromInt(52000),
		StartDate:            start,
		EndDate:              &end,
		RenewalDate:          &renewal,
		DrawdownRate:         ledger.DrawdownMonthly,
		SupportItemCode:      "01_011_0107_1_1",
		DailySupportItemCost: decimal.RequireFromString("142.50"),
	})
	if err != nil {
		return err
	}
	if _, err := h.Contracts.Activate(ctx, contract.ID); err != nil {
		return err
	}

	// Two posted fortnightly invoices.
	for i := 0; i < 2; i++ {
		occurred := today.AddDate(0, 0, -14*(2-i))
		tx, err := h.Transactions.Create(ctx, ledger.CreateTransactionInput{
			ResidentID: res.ID,
			ContractID: contract.ID,
			OccurredAt: occurred,
			Quantity:   decimal.NewFromInt(14),
			UnitPrice:  decimal.RequireFromString("142.50"),
			Note:       fmt.Sprintf("Fortnightly care fee ending %s", occurred.Format(dateLayout)),
			CreatedBy:  "care.admin@sunrise.example",
		})
		if err != nil {
			return err
		}
		if _, err := h.Transactions.Post(ctx, tx.ID, "care.admin@sunrise.example"); err != nil {
			return err
		}
	}

	// Current fortnight still in draft, waiting for review.
	_, err = h.Transactions.Create(ctx, ledger.CreateTransactionInput{
		ResidentID: res.ID,
		ContractID: contract.ID,
		OccurredAt: today,
		Quantity:   decimal.NewFromInt(14),
		UnitPrice:  decimal.RequireFromString("142.50"),
		Note:       fmt.Sprintf("Fortnightly care fee ending %s", today.Format(dateLayout)),
		CreatedBy:  "care.admin@sunrise.example",
	})
	return err
}

func (h *Handler) loadRenewalChainScenario(ctx context.Context) error {
	today := midnight(h.clock())

	// Harold: contract ends in three weeks with little balance left.
	// A renewal is drafted but not started, so the contract shows up
	// on /api/contracts/expiring and its child on the renewal chain.
	admission := today.AddDate(-2, 0, 0)
	harold, err := h.Residents.Create(ctx, ledger.CreateResidentInput{
		OrganizationID: "org-sunrise",
		Name:           "Harold Bennett",
		AdmissionDate:  &admission,
	})
	if err != nil {
		return err
	}

	start := today.AddDate(0, -11, 0)
	end := today.AddDate(0, 0, 21)
	current, err := h.Contracts.Create(ctx, ledger.CreateContractInput{
		ResidentID:           harold.ID,
		OrganizationID:       harold.OrganizationID,
		ContractType:         "ndis-core",
		OriginalAmount:       decimal.NewFromInt(48000),
		StartDate:            start,
		EndDate:              &end,
		DrawdownRate:         ledger.DrawdownMonthly,
		SupportItemCode:      "01_011_0107_1_1",
		DailySupportItemCost: decimal.RequireFromString("165.00"),
	})
	if err != nil {
		return err
	}
	if _, err := h.Contracts.Activate(ctx, current.ID); err != nil {
		return err
	}

	// Three posted quarterly invoices leave 2,955 of the 48,000.
	for i := 0; i < 3; i++ {
		occurred := start.AddDate(0, 3*(i+1), 0)
		tx, err := h.Transactions.Create(ctx, ledger.CreateTransactionInput{
			ResidentID: harold.ID,
			ContractID: current.ID,
			OccurredAt: occurred,
			Quantity:   decimal.NewFromInt(91),
			UnitPrice:  decimal.RequireFromString("165.00"),
			Note:       fmt.Sprintf("Quarterly care fee ending %s", occurred.Format(dateLayout)),
			CreatedBy:  "care.admin@sunrise.example",
		})
		if err != nil {
			return err
		}
		if _, err := h.Transactions.Post(ctx, tx.ID, "care.admin@sunrise.example"); err != nil {
			return err
		}
	}

	// Renewal drafted for the next funding period.
	nextStart := end.AddDate(0, 0, 1)
	nextEnd := nextStart.AddDate(1, 0, 0)
	if _, err := h.Contracts.Renew(ctx, current.ID, ledger.RenewContractInput{
		Amount:    decimal.NewFromInt(50400),
		StartDate: nextStart,
		EndDate:   &nextEnd,
	}); err != nil {
		return err
	}

	// Joan: a completed chain. Her old contract was renewed two
	// months ago and the successor is the active one.
	joanAdmission := today.AddDate(-3, 0, 0)
	joan, err := h.Residents.Create(ctx, ledger.CreateResidentInput{
		OrganizationID: "org-sunrise",
		Name:           "Joan Whitfield",
		AdmissionDate:  &joanAdmission,
	})
	if err != nil {
		return err
	}

	oldStart := today.AddDate(-1, -2, 0)
	oldEnd := today.AddDate(0, -2, 0)
	old, err := h.Contracts.Create(ctx, ledger.CreateContractInput{
		ResidentID:           joan.ID,
		OrganizationID:       joan.OrganizationID,
		ContractType:         "ndis-core",
		OriginalAmount:       decimal.NewFromInt(46000),
		StartDate:            oldStart,
		EndDate:              &oldEnd,
		DrawdownRate:         ledger.DrawdownMonthly,
		SupportItemCode:      "01_011_0107_1_1",
		DailySupportItemCost: decimal.RequireFromString("158.00"),
	})
	if err != nil {
		return err
	}
	if _, err := h.Contracts.Activate(ctx, old.ID); err != nil {
		return err
	}

	for i := 0; i < 4; i++ {
		occurred := oldStart.AddDate(0, 3*(i+1), 0)
		amount := decimal.NewFromInt(11200)
		tx, err := h.Transactions.Create(ctx, ledger.CreateTransactionInput{
			ResidentID: joan.ID,
			ContractID: old.ID,
			OccurredAt: occurred,
			Amount:     &amount,
			Note:       fmt.Sprintf("Quarterly care fee ending %s", occurred.Format(dateLayout)),
			CreatedBy:  "care.admin@sunrise.example",
		})
		if err != nil {
			return err
		}
		if _, err := h.Transactions.Post(ctx, tx.ID, "care.admin@sunrise.example"); err != nil {
			return err
		}
	}

	successor, err := h.Contracts.Renew(ctx, old.ID, ledger.RenewContractInput{
		Amount:    decimal.NewFromInt(47500),
		StartDate: oldEnd.AddDate(0, 0, 1),
		EndDate:   ptrTime(oldEnd.AddDate(1, 0, 1)),
	})
	if err != nil {
		return err
	}
	if _, err := h.Contracts.Activate(ctx, successor.ID); err != nil {
		return err
	}
	_, err = h.Contracts.MarkRenewed(ctx, old.ID)
	return err
}

func (h *Handler) loadAutoDrawdownScenario(ctx context.Context) error {
	today := midnight(h.clock())

	// Dorothy: daily-rate contract ten days behind on billing. The
	// next tick posts one transaction covering all ten days.
	dorothyAdmission := today.AddDate(0, -1, 0)
	dorothy, err := h.Residents.Create(ctx, ledger.CreateResidentInput{
		OrganizationID: "org-sunrise",
		Name:           "Dorothy Pike",
		AdmissionDate:  &dorothyAdmission,
	})
	if err != nil {
		return err
	}
	if err := h.seedAutoContract(ctx, dorothy, decimal.NewFromInt(67000),
		today.AddDate(0, 0, -10), ledger.DrawdownDaily, "185.00"); err != nil {
		return err
	}

	// Frank: weekly rate, three weeks behind.
	frankAdmission := today.AddDate(0, -2, 0)
	frank, err := h.Residents.Create(ctx, ledger.CreateResidentInput{
		OrganizationID: "org-sunrise",
		Name:           "Frank Osei",
		AdmissionDate:  &frankAdmission,
	})
	if err != nil {
		return err
	}
	if err := h.seedAutoContract(ctx, frank, decimal.NewFromInt(58000),
		today.AddDate(0, 0, -21), ledger.DrawdownWeekly, "162.00"); err != nil {
		return err
	}

	// Ernest: a top-up contract too small for the week it owes. The
	// tick reports it under insufficient_balance instead of billing.
	ernestAdmission := today.AddDate(0, -3, 0)
	ernest, err := h.Residents.Create(ctx, ledger.CreateResidentInput{
		OrganizationID: "org-sunrise",
		Name:           "Ernest Gable",
		AdmissionDate:  &ernestAdmission,
	})
	if err != nil {
		return err
	}
	if err := h.seedAutoContract(ctx, ernest, decimal.NewFromInt(500),
		today.AddDate(0, 0, -7), ledger.DrawdownDaily, "120.00"); err != nil {
		return err
	}

	// Due immediately: first run is this morning, so the next tick
	// picks it up and reschedules it for tomorrow.
	_, err = h.Automations.Create(ctx, ledger.CreateAutomationInput{
		OrganizationID: "org-sunrise",
		Name:           "Nightly drawdown",
		Type:           automation.TypeDrawdown,
		IsEnabled:      true,
		Schedule:       ledger.Schedule{Kind: ledger.ScheduleDaily, AtHour: 2},
		FirstRunAt:     today,
	})
	return err
}

func (h *Handler) loadBulkBillingScenario(ctx context.Context) error {
	today := midnight(h.clock())
	admission := today.AddDate(0, -8, 0)

	nora, err := h.Residents.Create(ctx, ledger.CreateResidentInput{
		OrganizationID: "org-harbourview",
		Name:           "Nora Castellanos",
		AdmissionDate:  &admission,
	})
	if err != nil {
		return err
	}

	start := today.AddDate(0, -4, 0)
	end := start.AddDate(1, 0, 0)
	contract, err := h.Contracts.Create(ctx, ledger.CreateContractInput{
		ResidentID:           nora.ID,
		OrganizationID:       nora.OrganizationID,
		ContractType:         "respite-care",
		OriginalAmount:       decimal.NewFromInt(55000),
		StartDate:            start,
		EndDate:              &end,
		DrawdownRate:         ledger.DrawdownWeekly,
		SupportItemCode:      "01_013_0107_1_1",
		DailySupportItemCost: decimal.RequireFromString("158.00"),
	})
	if err != nil {
		return err
	}
	if _, err := h.Contracts.Activate(ctx, contract.ID); err != nil {
		return err
	}

	// One posted invoice and one posted-then-voided duplicate give
	// the audit endpoint a full post/void history to show.
	posted, err := h.Transactions.Create(ctx, ledger.CreateTransactionInput{
		ResidentID: nora.ID,
		ContractID: contract.ID,
		OccurredAt: today.AddDate(0, 0, -42),
		Quantity:   decimal.NewFromInt(7),
		UnitPrice:  decimal.RequireFromString("158.00"),
		Note:       "Weekly respite care",
		CreatedBy:  "finance@harbourview.example",
	})
	if err != nil {
		return err
	}
	if _, err := h.Transactions.Post(ctx, posted.ID, "finance@harbourview.example"); err != nil {
		return err
	}

	duplicate, err := h.Transactions.Create(ctx, ledger.CreateTransactionInput{
		ResidentID: nora.ID,
		ContractID: contract.ID,
		OccurredAt: today.AddDate(0, 0, -42),
		Quantity:   decimal.NewFromInt(7),
		UnitPrice:  decimal.RequireFromString("158.00"),
		Note:       "Weekly respite care",
		CreatedBy:  "finance@harbourview.example",
	})
	if err != nil {
		return err
	}
	if _, err := h.Transactions.Post(ctx, duplicate.ID, "finance@harbourview.example"); err != nil {
		return err
	}
	if _, err := h.Transactions.Void(ctx, duplicate.ID, ledger.VoidInput{
		Reason: "Duplicate of the invoice already posted for this week",
		Actor:  "finance@harbourview.example",
	}); err != nil {
		return err
	}

	// Five weekly invoices left in draft, staged for a bulk post.
	for i := 0; i < 5; i++ {
		occurred := today.AddDate(0, 0, -7*(5-i))
		if _, err := h.Transactions.Create(ctx, ledger.CreateTransactionInput{
			ResidentID: nora.ID,
			ContractID: contract.ID,
			OccurredAt: occurred,
			Quantity:   decimal.NewFromInt(7),
			UnitPrice:  decimal.RequireFromString("158.00"),
			Note:       fmt.Sprintf("Weekly respite care ending %s", occurred.Format(dateLayout)),
			CreatedBy:  "finance@harbourview.example",
		}); err != nil {
			return err
		}
	}
	return nil
}

// seedAutoContract creates and activates a backdated auto-drawdown
// contract so the next scheduler tick owes it at least one period.
func (h *Handler) seedAutoContract(ctx context.Context, res *ledger.Resident, amount decimal.Decimal, start time.Time, rate ledger.DrawdownRate, dailyCost string) error {
	end := start.AddDate(1, 0, 0)
	contract, err := h.Contracts.Create(ctx, ledger.CreateContractInput{
		ResidentID:           res.ID,
		OrganizationID:       res.OrganizationID,
		ContractType:         "ndis-core",
		OriginalAmount:       amount,
		StartDate:            start,
		EndDate:              &end,
		DrawdownRate:         rate,
		AutoDrawdown:         true,
		SupportItemCode:      "01_011_0107_1_1",
		DailySupportItemCost: decimal.RequireFromString(dailyCost),
	})
	if err != nil {
		return err
	}
	_, err = h.Contracts.Activate(ctx, contract.ID)
	return err
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func ptrTime(t time.Time) *time.Time { return &t }
