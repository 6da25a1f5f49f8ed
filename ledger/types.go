/*
Package ledger provides the funding-contract balance engine.

PURPOSE:
  This package contains the domain types and services for managing
  funding contracts and the transactions drawn against them. A contract
  holds an allocated amount; posting a transaction draws the balance
  down, voiding restores it. The engine guards the monetary invariants
  across every state transition.

KEY CONCEPTS IN THIS FILE (types.go):
  - FundingContract: An allocation with a depleting balance and a lifecycle
  - Transaction: A draft/posted/voided charge against one contract
  - AuditEntry: An immutable record of who did what to a transaction
  - Automation/AutomationRun: Scheduled drawdown configuration and outcomes

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal so post-then-void restores balances exactly
  2. Invariants: 0 <= CurrentBalance <= OriginalAmount holds after every operation
  3. Type Safety: Strong typing for IDs prevents mixing contract/transaction IDs
  4. Auditability: Transaction history is append-only, never rewritten

USAGE:
  contract := ledger.FundingContract{
      ID:             ledger.NewContractID(),
      ResidentID:     "resident-123",
      OriginalAmount: ledger.MustParseDecimal("15000"),
      Status:         ledger.ContractDraft,
  }

SEE ALSO:
  - contracts.go: Contract lifecycle and renewal chains
  - transactions.go: Posting and voiding against the balance
  - balance.go: Pure balance calculations
  - store.go: Persistence ports
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ContractID string
type TransactionID string
type ResidentID string
type AutomationID string
type RunID string

func NewContractID() ContractID       { return ContractID(uuid.NewString()) }
func NewTransactionID() TransactionID { return TransactionID(uuid.NewString()) }
func NewResidentID() ResidentID       { return ResidentID(uuid.NewString()) }
func NewAutomationID() AutomationID   { return AutomationID(uuid.NewString()) }
func NewRunID() RunID                 { return RunID(uuid.NewString()) }

// MustParseDecimal parses s, returning zero on malformed input.
// Intended for literals in tests and seed data.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// FUNDING CONTRACT - Allocation with a depleting balance
// =============================================================================

type ContractStatus string

const (
	ContractDraft     ContractStatus = "Draft"
	ContractActive    ContractStatus = "Active"
	ContractExpired   ContractStatus = "Expired"
	ContractCancelled ContractStatus = "Cancelled"
	ContractRenewed   ContractStatus = "Renewed"
)

// Terminal reports whether no further transitions are legal from s.
func (s ContractStatus) Terminal() bool {
	return s == ContractExpired || s == ContractCancelled || s == ContractRenewed
}

type DrawdownRate string

const (
	DrawdownDaily   DrawdownRate = "daily"
	DrawdownWeekly  DrawdownRate = "weekly"
	DrawdownMonthly DrawdownRate = "monthly"
)

type FundingContract struct {
	ID             ContractID
	ResidentID     ResidentID
	OrganizationID string

	// ContractType is opaque configuration (e.g. "NDIS", "private"),
	// copied verbatim onto renewal children.
	ContractType string

	Status ContractStatus

	OriginalAmount decimal.Decimal
	CurrentBalance decimal.Decimal

	DrawdownRate     DrawdownRate
	AutoDrawdown     bool
	LastDrawdownDate *time.Time
	RenewalDate      *time.Time

	// ParentContractID links a renewal child back to the contract it
	// continues. The chain is a one-directional ancestry; children
	// never point forward, so cycles cannot be constructed.
	ParentContractID *ContractID

	StartDate time.Time
	EndDate   *time.Time // open-ended when nil

	SupportItemCode      string
	DailySupportItemCost decimal.Decimal

	// Version is the optimistic concurrency counter. Stores reject a
	// write whose version does not match the stored row.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InWindow reports whether at falls inside [StartDate, EndDate].
// An absent EndDate leaves the window open on the right.
func (c *FundingContract) InWindow(at time.Time) bool {
	if at.Before(c.StartDate) {
		return false
	}
	if c.EndDate != nil && at.After(*c.EndDate) {
		return false
	}
	return true
}

// =============================================================================
// TRANSACTION - Charge against one contract
// =============================================================================

type TransactionStatus string

const (
	TxDraft  TransactionStatus = "draft"
	TxPosted TransactionStatus = "posted"
	TxVoided TransactionStatus = "voided"
)

type Transaction struct {
	ID         TransactionID
	ResidentID ResidentID
	ContractID ContractID

	OccurredAt time.Time
	Quantity   decimal.Decimal
	UnitPrice  decimal.Decimal
	Amount     decimal.Decimal
	Note       string

	Status TransactionStatus

	// IsOrphaned is set once at creation when OccurredAt falls outside
	// the contract window. It is never re-evaluated, even if the
	// window later changes.
	IsOrphaned bool

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time

	PostedAt *time.Time
	PostedBy string

	VoidedAt   *time.Time
	VoidedBy   string
	VoidReason string
}

// =============================================================================
// AUDIT - Append-only history per transaction
// =============================================================================

type AuditAction string

const (
	AuditCreated        AuditAction = "created"
	AuditValidated      AuditAction = "validated"
	AuditPosted         AuditAction = "posted"
	AuditVoided         AuditAction = "voided"
	AuditBalanceUpdated AuditAction = "balance_updated"
)

type AuditEntry struct {
	ID            string
	TransactionID TransactionID
	Action        AuditAction
	Actor         string
	At            time.Time
	Note          string
}

// =============================================================================
// RESIDENT - Minimal registry the contracts hang off
// =============================================================================

// Resident carries only what the engine needs: existence and
// organization scoping. The wider application owns the full record.
type Resident struct {
	ID             ResidentID
	OrganizationID string
	Name           string
	AdmissionDate  *time.Time
	CreatedAt      time.Time
}

// =============================================================================
// AUTOMATION - Scheduled drawdown configuration
// =============================================================================

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval" // fixed duration between runs
	ScheduleDaily    ScheduleKind = "daily"    // calendar rule: every day at HH:MM
	ScheduleMonthly  ScheduleKind = "monthly"  // calendar rule: day N at HH:MM
)

// Schedule is pure data; next-run computation lives in the automation
// package so stores stay free of calendar logic.
type Schedule struct {
	Kind       ScheduleKind
	Every      time.Duration // interval kind
	AtHour     int           // calendar kinds
	AtMinute   int
	DayOfMonth int // monthly kind, clamped to month length
}

type Automation struct {
	ID             AutomationID
	OrganizationID string
	Name           string

	// Type selects the runner strategy (e.g. "drawdown").
	Type string

	IsEnabled bool
	Schedule  Schedule

	NextRunAt     time.Time
	LastRunAt     *time.Time
	LastRunStatus RunStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AutomationRun is one scheduler invocation outcome for one automation.
// Observational only; business logic never reads it back.
type AutomationRun struct {
	ID           RunID
	AutomationID AutomationID
	Status       RunStatus
	StartedAt    time.Time
	FinishedAt   *time.Time
	Summary      string
	Metrics      map[string]int64
	Error        string
}

// DrawdownClaim marks one billing period of one contract as generated.
// Written atomically with the drawdown post, it makes scheduler
// retries after a crash idempotent per (contract, period).
type DrawdownClaim struct {
	ContractID ContractID
	PeriodEnd  time.Time
	RunID      RunID
	ClaimedAt  time.Time
}
