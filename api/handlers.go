/*
handlers.go - HTTP API handlers for the funding engine

PURPOSE:
  Exposes the funding ledger via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the domain
  services. No business rules live here: handlers parse, call, map.

ENDPOINTS:
  Residents:
    GET    /api/residents               List residents
    POST   /api/residents               Create resident
    GET    /api/residents/{id}          Get resident

  Contracts:
    POST   /api/contracts               Create funding contract (draft)
    GET    /api/contracts               List, filter by residentId/status
    GET    /api/contracts/expiring      Contracts ending within ?days=
    GET    /api/contracts/{id}          Get contract
    POST   /api/contracts/{id}/activate Draft -> active
    POST   /api/contracts/{id}/status   Lifecycle transition
    POST   /api/contracts/{id}/renew    Spawn successor contract
    GET    /api/contracts/{id}/transactions

  Balance:
    GET    /api/balance/summary         Portfolio aggregates
    GET    /api/balance/summary.xlsx    Spreadsheet export

  Transactions:
    POST   /api/transactions            Create draft
    GET    /api/transactions/{id}       Get transaction
    PATCH  /api/transactions/{id}       Update draft
    DELETE /api/transactions/{id}       Delete draft
    POST   /api/transactions/{id}/post  Commit against balance
    POST   /api/transactions/{id}/void  Reverse a posted transaction
    POST   /api/transactions/bulk       Batch post/void
    GET    /api/transactions/{id}/audit Audit trail

  Automations:
    POST   /api/automations             Create automation
    GET    /api/automations             List automations
    GET    /api/automations/{id}        Get automation
    POST   /api/automations/{id}/enable Toggle
    GET    /api/automations/{id}/runs   Run history

  Scheduler:
    POST   /api/scheduler/tick          External tick (bearer token)

  Scenarios:
    GET    /api/scenarios               List demo scenarios
    POST   /api/scenarios/load          Load a demo scenario

ERROR HANDLING:
  Domain errors map to HTTP status by class:
  - 400: Validation errors, malformed input
  - 404: Contract/transaction/resident/automation not found
  - 409: Illegal lifecycle transitions, duplicate drawdown claims
  - 422: Insufficient balance
  - 503: Retryable conflicts (concurrent modification, busy tick lock)
  - 500: Everything else
  Bulk is special: 200 all succeeded, 207 partial, 422 none.

SECURITY NOTE:
  Only /api/scheduler/tick is guarded (shared secret, constant-time
  compare). Everything else is public; front it with a gateway in
  production.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/carebridge/funding-engine/automation"
	"github.com/carebridge/funding-engine/ledger"
	"github.com/carebridge/funding-engine/report"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Services bundles the domain dependencies behind the HTTP layer.
type Services struct {
	Residents    *ledger.ResidentService
	Contracts    *ledger.ContractService
	Transactions *ledger.TransactionService
	Bulk         *ledger.BulkCoordinator
	Automations  *automation.Service
	Scheduler    *automation.Scheduler

	// Store is only touched by the scenario loaders; request handlers
	// go through the services above.
	Store ledger.Store
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services

	log   *logrus.Logger
	token string
	clock func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler around the domain services.
func NewHandler(s Services, log *logrus.Logger) *Handler {
	return &Handler{
		Services: s,
		log:      log,
		clock:    time.Now,
	}
}

// WithSchedulerToken sets the shared secret for the tick endpoint.
// Without a token the endpoint is open; that is for development only.
func (h *Handler) WithSchedulerToken(token string) *Handler {
	h.token = token
	return h
}

// WithClock fixes the handler's notion of now for tests.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

// =============================================================================
// RESIDENT HANDLERS
// =============================================================================

// ListResidents returns residents, optionally filtered by organization.
func (h *Handler) ListResidents(w http.ResponseWriter, r *http.Request) {
	residents, err := h.Residents.List(r.Context(), r.URL.Query().Get("organizationId"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]ResidentDTO, len(residents))
	for i, res := range residents {
		dtos[i] = toResidentDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetResident returns a single resident.
func (h *Handler) GetResident(w http.ResponseWriter, r *http.Request) {
	id := ledger.ResidentID(chi.URLParam(r, "id"))

	res, err := h.Residents.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResidentDTO(*res))
}

// CreateResident creates a new resident.
func (h *Handler) CreateResident(w http.ResponseWriter, r *http.Request) {
	var req CreateResidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	admission, err := parseOptionalDate(req.AdmissionDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid admission_date format (use YYYY-MM-DD)", err)
		return
	}

	res, err := h.Residents.Create(r.Context(), ledger.CreateResidentInput{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		AdmissionDate:  admission,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResidentDTO(*res))
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// CreateContract creates a draft funding contract.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req CreateContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	original, err := parseAmount(req.OriginalAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid original_amount", err)
		return
	}
	dailyCost, err := parseAmount(req.DailySupportItemCost)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid daily_support_item_cost", err)
		return
	}
	startDate, err := parseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date format (use YYYY-MM-DD)", err)
		return
	}
	endDate, err := parseOptionalDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_date format (use YYYY-MM-DD)", err)
		return
	}
	renewalDate, err := parseOptionalDate(req.RenewalDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid renewal_date format (use YYYY-MM-DD)", err)
		return
	}

	c, err := h.Contracts.Create(r.Context(), ledger.CreateContractInput{
		ResidentID:           ledger.ResidentID(req.ResidentID),
		OrganizationID:       req.OrganizationID,
		ContractType:         req.ContractType,
		OriginalAmount:       original,
		StartDate:            startDate,
		EndDate:              endDate,
		RenewalDate:          renewalDate,
		DrawdownRate:         ledger.DrawdownRate(req.DrawdownRate),
		AutoDrawdown:         req.AutoDrawdown,
		SupportItemCode:      req.SupportItemCode,
		DailySupportItemCost: dailyCost,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractDTO(*c, h.clock()))
}

// GetContract returns a single contract.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	id := ledger.ContractID(chi.URLParam(r, "id"))

	c, err := h.Contracts.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(*c, h.clock()))
}

// ListContracts returns contracts filtered by resident and status.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	var filter ledger.ContractFilter
	if v := r.URL.Query().Get("residentId"); v != "" {
		id := ledger.ResidentID(v)
		filter.ResidentID = &id
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := ledger.ContractStatus(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("organizationId"); v != "" {
		filter.OrganizationID = &v
	}

	contracts, err := h.Contracts.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	today := h.clock()
	dtos := make([]ContractDTO, len(contracts))
	for i, c := range contracts {
		dtos[i] = toContractDTO(c, today)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ActivateContract moves a draft contract to active.
func (h *Handler) ActivateContract(w http.ResponseWriter, r *http.Request) {
	id := ledger.ContractID(chi.URLParam(r, "id"))

	c, err := h.Contracts.Activate(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(*c, h.clock()))
}

// UpdateContractStatus applies a lifecycle transition.
func (h *Handler) UpdateContractStatus(w http.ResponseWriter, r *http.Request) {
	id := ledger.ContractID(chi.URLParam(r, "id"))

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "Status is required", nil)
		return
	}

	c, err := h.Contracts.UpdateStatus(r.Context(), id, ledger.ContractStatus(req.Status))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(*c, h.clock()))
}

// RenewContract spawns a successor contract and marks the parent renewed.
func (h *Handler) RenewContract(w http.ResponseWriter, r *http.Request) {
	parentID := ledger.ContractID(chi.URLParam(r, "id"))

	var req RenewContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	startDate, err := parseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date format (use YYYY-MM-DD)", err)
		return
	}
	endDate, err := parseOptionalDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_date format (use YYYY-MM-DD)", err)
		return
	}

	child, err := h.Contracts.Renew(r.Context(), parentID, ledger.RenewContractInput{
		Amount:    amount,
		StartDate: startDate,
		EndDate:   endDate,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractDTO(*child, h.clock()))
}

// ListContractTransactions returns a contract's transactions.
func (h *Handler) ListContractTransactions(w http.ResponseWriter, r *http.Request) {
	id := ledger.ContractID(chi.URLParam(r, "id"))

	// 404 before listing so a bad id is not an empty list.
	if _, err := h.Contracts.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}

	txs, err := h.Transactions.ListByContract(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListExpiringContracts returns active contracts ending within ?days=
// (default 30).
func (h *Handler) ListExpiringContracts(w http.ResponseWriter, r *http.Request) {
	window := ledger.RenewalLookahead
	if v := r.URL.Query().Get("days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			writeError(w, http.StatusBadRequest, "Invalid days parameter", err)
			return
		}
		window = time.Duration(days) * 24 * time.Hour
	}

	today := h.clock()
	contracts, err := h.Contracts.ExpiringWithin(r.Context(), today, window)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]ContractDTO, len(contracts))
	for i, c := range contracts {
		dtos[i] = toContractDTO(c, today)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalanceSummary returns portfolio-wide balance aggregates.
func (h *Handler) GetBalanceSummary(w http.ResponseWriter, r *http.Request) {
	var filter ledger.ContractFilter
	if v := r.URL.Query().Get("organizationId"); v != "" {
		filter.OrganizationID = &v
	}

	contracts, err := h.Contracts.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	now := h.clock()
	writeJSON(w, http.StatusOK, toBalanceSummaryDTO(ledger.Summarize(contracts, now), now))
}

// ExportBalanceSummary streams the balance report as a spreadsheet.
func (h *Handler) ExportBalanceSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var filter ledger.ContractFilter
	organizationID := r.URL.Query().Get("organizationId")
	if organizationID != "" {
		filter.OrganizationID = &organizationID
	}

	contracts, err := h.Contracts.List(ctx, filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	residents, err := h.Residents.List(ctx, organizationID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	now := h.clock()
	rep := report.Build(contracts, residents, now)

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="balance-summary-`+now.Format(dateLayout)+`.xlsx"`)
	if err := rep.WriteXLSX(w); err != nil {
		// Headers are already out; all we can do is log.
		h.log.WithError(err).Error("balance report export failed")
	}
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateTransaction creates a draft transaction.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	occurredAt, err := parseDate(req.OccurredAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid occurred_at format (use YYYY-MM-DD or RFC3339)", err)
		return
	}
	quantity, err := parseAmount(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}
	unitPrice, err := parseAmount(req.UnitPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit_price", err)
		return
	}
	amount, err := parseOptionalAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	tx, err := h.Transactions.Create(r.Context(), ledger.CreateTransactionInput{
		ResidentID: ledger.ResidentID(req.ResidentID),
		ContractID: ledger.ContractID(req.ContractID),
		OccurredAt: occurredAt,
		Quantity:   quantity,
		UnitPrice:  unitPrice,
		Amount:     amount,
		Note:       req.Note,
		CreatedBy:  req.CreatedBy,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// GetTransaction returns a single transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	tx, err := h.Transactions.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// UpdateTransaction patches a draft transaction.
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	var req UpdateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var in ledger.UpdateTransactionInput
	if req.OccurredAt != nil {
		t, err := parseDate(*req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid occurred_at format (use YYYY-MM-DD or RFC3339)", err)
			return
		}
		in.OccurredAt = &t
	}
	var err error
	if req.Quantity != nil {
		if in.Quantity, err = parseOptionalAmount(*req.Quantity); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid quantity", err)
			return
		}
	}
	if req.UnitPrice != nil {
		if in.UnitPrice, err = parseOptionalAmount(*req.UnitPrice); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid unit_price", err)
			return
		}
	}
	if req.Amount != nil {
		if in.Amount, err = parseOptionalAmount(*req.Amount); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount", err)
			return
		}
	}
	in.Note = req.Note

	tx, err := h.Transactions.Update(r.Context(), id, in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// DeleteTransaction removes a draft transaction.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	if err := h.Transactions.Delete(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// PostTransaction commits a draft transaction against its contract.
func (h *Handler) PostTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	var req PostTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.Transactions.Post(r.Context(), id, req.Actor)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// VoidTransaction reverses a posted transaction and restores balance.
func (h *Handler) VoidTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	var req VoidTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.Transactions.Void(r.Context(), id, ledger.VoidInput{
		Reason: req.Reason,
		Actor:  req.Actor,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// BulkTransactions applies post or void across a batch of ids.
// 200 when everything succeeded, 207 on partial success, 422 when
// nothing went through.
func (h *Handler) BulkTransactions(w http.ResponseWriter, r *http.Request) {
	var req BulkTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ids := make([]ledger.TransactionID, len(req.TransactionIDs))
	for i, id := range req.TransactionIDs {
		ids[i] = ledger.TransactionID(id)
	}

	result, err := h.Bulk.Apply(r.Context(), ids, ledger.BulkAction(req.Action), req.Reason, req.Actor)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	switch {
	case result.Success:
		status = http.StatusOK
	case result.Processed > 0:
		status = http.StatusMultiStatus
	default:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

// GetTransactionAudit returns a transaction's audit trail.
func (h *Handler) GetTransactionAudit(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	// 404 before listing so a bad id is not an empty trail.
	if _, err := h.Transactions.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}

	entries, err := h.Transactions.Audit(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// AUTOMATION HANDLERS
// =============================================================================

// CreateAutomation registers a scheduled automation.
func (h *Handler) CreateAutomation(w http.ResponseWriter, r *http.Request) {
	var req CreateAutomationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	schedule := ledger.Schedule{
		Kind:       ledger.ScheduleKind(req.Schedule.Kind),
		AtHour:     req.Schedule.AtHour,
		AtMinute:   req.Schedule.AtMinute,
		DayOfMonth: req.Schedule.DayOfMonth,
	}
	if req.Schedule.Every != "" {
		every, err := time.ParseDuration(req.Schedule.Every)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid schedule.every duration", err)
			return
		}
		schedule.Every = every
	}

	firstRunAt, err := parseDate(req.FirstRunAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid first_run_at format (use YYYY-MM-DD or RFC3339)", err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	a, err := h.Automations.Create(r.Context(), ledger.CreateAutomationInput{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Type:           req.Type,
		IsEnabled:      enabled,
		Schedule:       schedule,
		FirstRunAt:     firstRunAt,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAutomationDTO(*a))
}

// ListAutomations returns automations, optionally by organization.
func (h *Handler) ListAutomations(w http.ResponseWriter, r *http.Request) {
	automations, err := h.Automations.List(r.Context(), r.URL.Query().Get("organizationId"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]AutomationDTO, len(automations))
	for i, a := range automations {
		dtos[i] = toAutomationDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAutomation returns a single automation.
func (h *Handler) GetAutomation(w http.ResponseWriter, r *http.Request) {
	id := ledger.AutomationID(chi.URLParam(r, "id"))

	a, err := h.Automations.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAutomationDTO(*a))
}

// EnableAutomation toggles an automation. Body {"enabled": false}
// disables; an empty body enables.
func (h *Handler) EnableAutomation(w http.ResponseWriter, r *http.Request) {
	id := ledger.AutomationID(chi.URLParam(r, "id"))

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	a, err := h.Automations.SetEnabled(r.Context(), id, enabled)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAutomationDTO(*a))
}

// ListAutomationRuns returns an automation's run history.
func (h *Handler) ListAutomationRuns(w http.ResponseWriter, r *http.Request) {
	id := ledger.AutomationID(chi.URLParam(r, "id"))

	runs, err := h.Automations.Runs(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]AutomationRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toAutomationRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SCHEDULER HANDLERS
// =============================================================================

// TickScheduler triggers a scheduler tick, for external cron setups.
// Guarded by the shared secret; a tick that loses the tick lock to a
// concurrent invocation maps to 503 so the caller knows to retry.
func (h *Handler) TickScheduler(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeTick(r) {
		writeError(w, http.StatusUnauthorized, "Invalid or missing scheduler token", nil)
		return
	}

	result, err := h.Scheduler.Tick(r.Context(), h.clock())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if result.Skipped {
		h.writeDomainError(w, ledger.ErrTickSkipped)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// authorizeTick checks the bearer token in constant time. No
// configured token means the endpoint is open (development mode).
func (h *Handler) authorizeTick(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	got := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger error classes onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var ve *ledger.ValidationError
	var ib *ledger.InsufficientBalanceError

	switch {
	case ledger.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})

	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   ve.Error(),
			Code:    "validation_failed",
			Details: ve.Issues,
		})
	case errors.Is(err, ledger.ErrValidation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "validation_failed"})

	case errors.As(err, &ib):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: ib.Error(),
			Code:  "insufficient_balance",
			Details: map[string]string{
				"available": ib.Available.StringFixed(2),
				"requested": ib.Requested.StringFixed(2),
				"shortfall": ib.Shortfall.StringFixed(2),
			},
		})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "insufficient_balance"})

	case errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, ledger.ErrDuplicateClaim):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict"})

	case ledger.IsRetryable(err):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "retry_later"})

	default:
		h.log.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error", Code: "internal"})
	}
}
