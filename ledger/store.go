/*
store.go - Persistence ports for contracts, transactions, and automations

PURPOSE:
  Defines the interface between the domain services and the database.
  Services depend only on these ports; implementations swap between an
  in-memory double, SQLite, and PostgreSQL.

KEY INTERFACES:
  ContractStore:    Funding contract rows with version-checked updates
  TransactionStore: Transactions plus their append-only audit trail
  ResidentStore:    Minimal resident registry
  AutomationStore:  Automations, run records, drawdown claims
  Store:            All of the above, plus WithTx

MISSING ROWS:
  Get methods return (nil, nil) when the row does not exist. Services
  translate that into the sentinel not-found errors; stores never
  invent domain errors beyond the two they own (version conflicts and
  duplicate claims).

VERSIONED WRITES:
  UpdateContract compares the row's stored version against the one on
  the passed value and fails with ErrConcurrentModification on
  mismatch. Combined with the per-contract lock this makes the balance
  read-check-write safe even across processes.

AUDIT CONTRACT:
  AppendAudit is the only write on the audit trail. No update, no
  delete. Corrections happen as new entries.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and demo mode
  - store/sqlite/sqlite.go: Production default
  - store/postgres/postgres.go: pgx through database/sql

SEE ALSO:
  - transactions.go: Drives TransactionStore inside WithTx
  - automation: Drives AutomationStore from the scheduler
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

// ContractFilter narrows ListContracts. Nil fields match everything.
type ContractFilter struct {
	ResidentID     *ResidentID
	OrganizationID *string
	Status         *ContractStatus
	AutoDrawdown   *bool
}

// =============================================================================
// PORTS
// =============================================================================

type ContractStore interface {
	// CreateContract inserts a new contract row.
	CreateContract(ctx context.Context, c FundingContract) error

	// UpdateContract writes c and bumps its version. The write fails
	// with ErrConcurrentModification when c.Version no longer matches
	// the stored row.
	UpdateContract(ctx context.Context, c FundingContract) error

	GetContract(ctx context.Context, id ContractID) (*FundingContract, error)
	ListContracts(ctx context.Context, filter ContractFilter) ([]FundingContract, error)
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, t Transaction) error
	UpdateTransaction(ctx context.Context, t Transaction) error
	DeleteTransaction(ctx context.Context, id TransactionID) error
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
	ListTransactionsByContract(ctx context.Context, contractID ContractID) ([]Transaction, error)

	// AppendAudit persists one audit entry. Append-only.
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, transactionID TransactionID) ([]AuditEntry, error)
}

type ResidentStore interface {
	CreateResident(ctx context.Context, r Resident) error
	GetResident(ctx context.Context, id ResidentID) (*Resident, error)

	// ListResidents filters by organization; empty means all.
	ListResidents(ctx context.Context, organizationID string) ([]Resident, error)
}

type AutomationStore interface {
	CreateAutomation(ctx context.Context, a Automation) error
	UpdateAutomation(ctx context.Context, a Automation) error
	GetAutomation(ctx context.Context, id AutomationID) (*Automation, error)

	// ListAutomations filters by organization; empty means all.
	ListAutomations(ctx context.Context, organizationID string) ([]Automation, error)

	// ListDueAutomations returns enabled automations with NextRunAt <= now.
	ListDueAutomations(ctx context.Context, now time.Time) ([]Automation, error)

	CreateRun(ctx context.Context, run AutomationRun) error
	UpdateRun(ctx context.Context, run AutomationRun) error
	ListRuns(ctx context.Context, automationID AutomationID) ([]AutomationRun, error)

	// ClaimDrawdown records that a (contract, period) was generated.
	// Fails with ErrDuplicateClaim when the period is already claimed.
	ClaimDrawdown(ctx context.Context, claim DrawdownClaim) error
	HasDrawdownClaim(ctx context.Context, contractID ContractID, periodEnd time.Time) (bool, error)
}

// =============================================================================
// AGGREGATE STORE
// =============================================================================

// Store bundles every port the engine persists through.
type Store interface {
	ContractStore
	TransactionStore
	ResidentStore
	AutomationStore

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
