/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Decimal fields travel as strings ("2500.00") so clients never see
  float rounding. Dates are "2006-01-02"; timestamps are RFC3339.

VALIDATION:
  DTOs are pure data carriers. Parsing errors (bad dates, bad
  decimals) are reported by the handlers; domain rules are enforced
  by the ledger input validators.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/validate.go: Domain-level input validation
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/carebridge/funding-engine/automation"
	"github.com/carebridge/funding-engine/ledger"
)

const dateLayout = "2006-01-02"

// =============================================================================
// ERROR RESPONSES
// =============================================================================

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// RESIDENTS
// =============================================================================

type ResidentDTO struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organization_id"`
	Name           string  `json:"name"`
	AdmissionDate  *string `json:"admission_date,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type CreateResidentRequest struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	AdmissionDate  string `json:"admission_date,omitempty"`
}

func toResidentDTO(r ledger.Resident) ResidentDTO {
	return ResidentDTO{
		ID:             string(r.ID),
		OrganizationID: r.OrganizationID,
		Name:           r.Name,
		AdmissionDate:  dateStr(r.AdmissionDate),
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// CONTRACTS
// =============================================================================

type ContractDTO struct {
	ID                   string  `json:"id"`
	ResidentID           string  `json:"resident_id"`
	OrganizationID       string  `json:"organization_id"`
	ContractType         string  `json:"contract_type"`
	Status               string  `json:"status"`
	OriginalAmount       string  `json:"original_amount"`
	CurrentBalance       string  `json:"current_balance"`
	DrawdownPercent      string  `json:"drawdown_percent"`
	DrawdownRate         string  `json:"drawdown_rate"`
	AutoDrawdown         bool    `json:"auto_drawdown"`
	LastDrawdownDate     *string `json:"last_drawdown_date,omitempty"`
	RenewalDate          *string `json:"renewal_date,omitempty"`
	ParentContractID     *string `json:"parent_contract_id,omitempty"`
	StartDate            string  `json:"start_date"`
	EndDate              *string `json:"end_date,omitempty"`
	SupportItemCode      string  `json:"support_item_code,omitempty"`
	DailySupportItemCost string  `json:"daily_support_item_cost"`
	NeedsRenewal         bool    `json:"needs_renewal"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

type CreateContractRequest struct {
	ResidentID           string `json:"resident_id"`
	OrganizationID       string `json:"organization_id"`
	ContractType         string `json:"contract_type"`
	OriginalAmount       string `json:"original_amount"`
	DrawdownRate         string `json:"drawdown_rate"`
	AutoDrawdown         bool   `json:"auto_drawdown"`
	SupportItemCode      string `json:"support_item_code,omitempty"`
	DailySupportItemCost string `json:"daily_support_item_cost,omitempty"`
	StartDate            string `json:"start_date"`
	EndDate              string `json:"end_date,omitempty"`
	RenewalDate          string `json:"renewal_date,omitempty"`
}

type RenewContractRequest struct {
	Amount    string `json:"amount"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date,omitempty"`
}

func toContractDTO(c ledger.FundingContract, today time.Time) ContractDTO {
	var parent *string
	if c.ParentContractID != nil {
		p := string(*c.ParentContractID)
		parent = &p
	}
	return ContractDTO{
		ID:                   string(c.ID),
		ResidentID:           string(c.ResidentID),
		OrganizationID:       c.OrganizationID,
		ContractType:         c.ContractType,
		Status:               string(c.Status),
		OriginalAmount:       c.OriginalAmount.StringFixed(2),
		CurrentBalance:       c.CurrentBalance.StringFixed(2),
		DrawdownPercent:      ledger.DrawdownPercentage(c).Round(1).String(),
		DrawdownRate:         string(c.DrawdownRate),
		AutoDrawdown:         c.AutoDrawdown,
		LastDrawdownDate:     dateStr(c.LastDrawdownDate),
		RenewalDate:          dateStr(c.RenewalDate),
		ParentContractID:     parent,
		StartDate:            c.StartDate.Format(dateLayout),
		EndDate:              dateStr(c.EndDate),
		SupportItemCode:      c.SupportItemCode,
		DailySupportItemCost: c.DailySupportItemCost.StringFixed(2),
		NeedsRenewal:         ledger.NeedsRenewal(c, today),
		CreatedAt:            c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            c.UpdatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID         string  `json:"id"`
	ResidentID string  `json:"resident_id"`
	ContractID string  `json:"contract_id"`
	OccurredAt string  `json:"occurred_at"`
	Quantity   string  `json:"quantity"`
	UnitPrice  string  `json:"unit_price"`
	Amount     string  `json:"amount"`
	Note       string  `json:"note,omitempty"`
	Status     string  `json:"status"`
	IsOrphaned bool    `json:"is_orphaned"`
	CreatedBy  string  `json:"created_by"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
	PostedAt   *string `json:"posted_at,omitempty"`
	PostedBy   string  `json:"posted_by,omitempty"`
	VoidedAt   *string `json:"voided_at,omitempty"`
	VoidedBy   string  `json:"voided_by,omitempty"`
	VoidReason string  `json:"void_reason,omitempty"`
}

type CreateTransactionRequest struct {
	ResidentID string `json:"resident_id"`
	ContractID string `json:"contract_id"`
	OccurredAt string `json:"occurred_at"`
	Quantity   string `json:"quantity,omitempty"`
	UnitPrice  string `json:"unit_price,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Note       string `json:"note,omitempty"`
	CreatedBy  string `json:"created_by"`
}

type UpdateTransactionRequest struct {
	OccurredAt *string `json:"occurred_at,omitempty"`
	Quantity   *string `json:"quantity,omitempty"`
	UnitPrice  *string `json:"unit_price,omitempty"`
	Amount     *string `json:"amount,omitempty"`
	Note       *string `json:"note,omitempty"`
}

type PostTransactionRequest struct {
	Actor string `json:"actor"`
}

type VoidTransactionRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type BulkTransactionRequest struct {
	TransactionIDs []string `json:"transaction_ids"`
	Action         string   `json:"action"`
	Reason         string   `json:"reason,omitempty"`
	Actor          string   `json:"actor"`
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:         string(t.ID),
		ResidentID: string(t.ResidentID),
		ContractID: string(t.ContractID),
		OccurredAt: t.OccurredAt.Format(time.RFC3339),
		Quantity:   t.Quantity.String(),
		UnitPrice:  t.UnitPrice.StringFixed(2),
		Amount:     t.Amount.StringFixed(2),
		Note:       t.Note,
		Status:     string(t.Status),
		IsOrphaned: t.IsOrphaned,
		CreatedBy:  t.CreatedBy,
		CreatedAt:  t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  t.UpdatedAt.Format(time.RFC3339),
		PostedAt:   timeStr(t.PostedAt),
		PostedBy:   t.PostedBy,
		VoidedAt:   timeStr(t.VoidedAt),
		VoidedBy:   t.VoidedBy,
		VoidReason: t.VoidReason,
	}
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

type AuditEntryDTO struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Action        string `json:"action"`
	Actor         string `json:"actor"`
	At            string `json:"at"`
	Note          string `json:"note,omitempty"`
}

func toAuditEntryDTO(e ledger.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:            string(e.ID),
		TransactionID: string(e.TransactionID),
		Action:        string(e.Action),
		Actor:         e.Actor,
		At:            e.At.Format(time.RFC3339),
		Note:          e.Note,
	}
}

// =============================================================================
// BALANCE SUMMARY
// =============================================================================

type BalanceSummaryDTO struct {
	TotalOriginal   string `json:"total_original"`
	TotalCurrent    string `json:"total_current"`
	TotalDrawnDown  string `json:"total_drawn_down"`
	ActiveContracts int    `json:"active_contracts"`
	ExpiringSoon    int    `json:"expiring_soon"`
	GeneratedAt     string `json:"generated_at"`
}

func toBalanceSummaryDTO(s ledger.BalanceSummary, at time.Time) BalanceSummaryDTO {
	return BalanceSummaryDTO{
		TotalOriginal:   s.TotalOriginal.StringFixed(2),
		TotalCurrent:    s.TotalCurrent.StringFixed(2),
		TotalDrawnDown:  s.TotalDrawnDown.StringFixed(2),
		ActiveContracts: s.ActiveContracts,
		ExpiringSoon:    s.ExpiringSoon,
		GeneratedAt:     at.Format(time.RFC3339),
	}
}

// =============================================================================
// AUTOMATIONS
// =============================================================================

type ScheduleDTO struct {
	Kind       string `json:"kind"`
	Every      string `json:"every,omitempty"`
	AtHour     int    `json:"at_hour,omitempty"`
	AtMinute   int    `json:"at_minute,omitempty"`
	DayOfMonth int    `json:"day_of_month,omitempty"`
}

type AutomationDTO struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organization_id"`
	Name           string      `json:"name"`
	Type           string      `json:"type"`
	IsEnabled      bool        `json:"is_enabled"`
	Schedule       ScheduleDTO `json:"schedule"`
	NextRunAt      string      `json:"next_run_at"`
	LastRunAt      *string     `json:"last_run_at,omitempty"`
	LastRunStatus  string      `json:"last_run_status,omitempty"`
	CreatedAt      string      `json:"created_at"`
	UpdatedAt      string      `json:"updated_at"`
}

type CreateAutomationRequest struct {
	OrganizationID string      `json:"organization_id"`
	Name           string      `json:"name"`
	Type           string      `json:"type"`
	Enabled        *bool       `json:"enabled,omitempty"`
	Schedule       ScheduleDTO `json:"schedule"`
	FirstRunAt     string      `json:"first_run_at"`
}

type AutomationRunDTO struct {
	ID           string           `json:"id"`
	AutomationID string           `json:"automation_id"`
	Status       string           `json:"status"`
	StartedAt    string           `json:"started_at"`
	FinishedAt   *string          `json:"finished_at,omitempty"`
	Summary      string           `json:"summary,omitempty"`
	Metrics      map[string]int64 `json:"metrics,omitempty"`
	Error        string           `json:"error,omitempty"`
}

func toScheduleDTO(s ledger.Schedule) ScheduleDTO {
	dto := ScheduleDTO{Kind: string(s.Kind)}
	if s.Kind == ledger.ScheduleInterval {
		dto.Every = s.Every.String()
	} else {
		dto.AtHour = s.AtHour
		dto.AtMinute = s.AtMinute
		dto.DayOfMonth = s.DayOfMonth
	}
	return dto
}

func toAutomationDTO(a ledger.Automation) AutomationDTO {
	return AutomationDTO{
		ID:             string(a.ID),
		OrganizationID: a.OrganizationID,
		Name:           a.Name,
		Type:           a.Type,
		IsEnabled:      a.IsEnabled,
		Schedule:       toScheduleDTO(a.Schedule),
		NextRunAt:      a.NextRunAt.Format(time.RFC3339),
		LastRunAt:      timeStr(a.LastRunAt),
		LastRunStatus:  string(a.LastRunStatus),
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      a.UpdatedAt.Format(time.RFC3339),
	}
}

func toAutomationRunDTO(run ledger.AutomationRun) AutomationRunDTO {
	return AutomationRunDTO{
		ID:           string(run.ID),
		AutomationID: string(run.AutomationID),
		Status:       string(run.Status),
		StartedAt:    run.StartedAt.Format(time.RFC3339),
		FinishedAt:   timeStr(run.FinishedAt),
		Summary:      run.Summary,
		Metrics:      run.Metrics,
		Error:        run.Error,
	}
}

// TickResultDTO mirrors automation.TickResult; the scheduler's own
// JSON tags are the API contract for tick responses.
type TickResultDTO = automation.TickResult

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func dateStr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

func timeStr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// parseDate accepts "2006-01-02" or RFC3339.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseOptionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseOptionalAmount(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
