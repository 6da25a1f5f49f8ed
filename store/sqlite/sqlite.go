/*
Package sqlite provides the SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists funding contracts, transactions and their audit trail,
  residents, automations, run records, and drawdown claims. This is
  the production default backend; store/postgres carries the same
  schema shape for multi-instance deployments.

KEY TABLES:
  contracts:        Funding contract rows with an optimistic version column
  transactions:     Care transactions (draft/posted/voided)
  audit_entries:    Append-only audit trail, ordered by insertion
  residents:        Resident registry
  automations:      Automation definitions and their schedules
  automation_runs:  One row per execution attempt
  drawdown_claims:  One row per billed (contract, period), unique

AUDIT ORDERING:
  audit_entries carries an AUTOINCREMENT seq so entries written within
  the same second keep their insertion order. RFC3339 timestamps alone
  cannot distinguish the validated/posted/balance rows of one posting.

VERSIONED WRITES:
  UpdateContract is compiled as UPDATE ... WHERE id = ? AND version = ?
  with version = version + 1 in the SET list. Zero rows affected means
  either a missing row or a concurrent writer; the two are told apart
  with an existence probe.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within one process. WithTx holds
  the write lock for the whole callback, so helpers never re-lock.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/funding.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/carebridge/funding-engine/ledger"
)

var _ ledger.Store = (*Store)(nil)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Funding contracts
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		resident_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		contract_type TEXT NOT NULL,
		status TEXT NOT NULL,
		original_amount TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		drawdown_rate TEXT NOT NULL,
		auto_drawdown INTEGER NOT NULL DEFAULT 0,
		last_drawdown_date TEXT,
		renewal_date TEXT,
		parent_contract_id TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT,
		support_item_code TEXT,
		daily_support_item_cost TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_resident
		ON contracts(resident_id);
	CREATE INDEX IF NOT EXISTS idx_contracts_organization
		ON contracts(organization_id);

	-- Hot path for the drawdown runner
	CREATE INDEX IF NOT EXISTS idx_contracts_status_auto
		ON contracts(status, auto_drawdown);

	-- Care transactions
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		resident_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		amount TEXT NOT NULL,
		note TEXT,
		status TEXT NOT NULL,
		is_orphaned INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		posted_at TEXT,
		posted_by TEXT,
		voided_at TEXT,
		voided_by TEXT,
		void_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_contract
		ON transactions(contract_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON transactions(status);

	-- Audit trail (append-only; seq preserves insertion order within a second)
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		transaction_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		at TEXT NOT NULL,
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_transaction
		ON audit_entries(transaction_id);

	-- Residents
	CREATE TABLE IF NOT EXISTS residents (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		admission_date TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_residents_organization
		ON residents(organization_id);

	-- Automations
	CREATE TABLE IF NOT EXISTS automations (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		is_enabled INTEGER NOT NULL DEFAULT 1,
		schedule_kind TEXT NOT NULL,
		every_ns INTEGER NOT NULL DEFAULT 0,
		at_hour INTEGER NOT NULL DEFAULT 0,
		at_minute INTEGER NOT NULL DEFAULT 0,
		day_of_month INTEGER NOT NULL DEFAULT 0,
		next_run_at TEXT NOT NULL,
		last_run_at TEXT,
		last_run_status TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Due lookup on every tick
	CREATE INDEX IF NOT EXISTS idx_automations_due
		ON automations(is_enabled, next_run_at);

	-- Run history
	CREATE TABLE IF NOT EXISTS automation_runs (
		id TEXT PRIMARY KEY,
		automation_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		summary TEXT,
		metrics_json TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_automation
		ON automation_runs(automation_id, started_at);

	-- CRITICAL: one billing per (contract, period). The primary key is
	-- what makes drawdown generation idempotent across retried ticks.
	CREATE TABLE IF NOT EXISTS drawdown_claims (
		contract_id TEXT NOT NULL,
		period_end TEXT NOT NULL,
		run_id TEXT NOT NULL,
		claimed_at TEXT NOT NULL,
		PRIMARY KEY (contract_id, period_end)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so the query helpers
// can run inside and outside WithTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// CONTRACTS
// =============================================================================

func (s *Store) CreateContract(ctx context.Context, c ledger.FundingContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createContractIn(ctx, s.db, c)
}

func createContractIn(ctx context.Context, db dbtx, c ledger.FundingContract) error {
	query := `
		INSERT INTO contracts
		(id, resident_id, organization_id, contract_type, status, original_amount,
		 current_balance, drawdown_rate, auto_drawdown, last_drawdown_date, renewal_date,
		 parent_contract_id, start_date, end_date, support_item_code,
		 daily_support_item_cost, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var parentID sql.NullString
	if c.ParentContractID != nil {
		parentID = sql.NullString{String: string(*c.ParentContractID), Valid: true}
	}

	_, err := db.ExecContext(ctx, query,
		c.ID,
		c.ResidentID,
		c.OrganizationID,
		c.ContractType,
		c.Status,
		c.OriginalAmount.String(),
		c.CurrentBalance.String(),
		c.DrawdownRate,
		c.AutoDrawdown,
		nullTime(c.LastDrawdownDate),
		nullTime(c.RenewalDate),
		parentID,
		formatTime(c.StartDate),
		nullTime(c.EndDate),
		nullString(c.SupportItemCode),
		c.DailySupportItemCost.String(),
		c.Version,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert contract: %w", err)
	}
	return nil
}

func (s *Store) UpdateContract(ctx context.Context, c ledger.FundingContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateContractIn(ctx, s.db, c)
}

func updateContractIn(ctx context.Context, db dbtx, c ledger.FundingContract) error {
	query := `
		UPDATE contracts SET
			resident_id = ?,
			organization_id = ?,
			contract_type = ?,
			status = ?,
			original_amount = ?,
			current_balance = ?,
			drawdown_rate = ?,
			auto_drawdown = ?,
			last_drawdown_date = ?,
			renewal_date = ?,
			parent_contract_id = ?,
			start_date = ?,
			end_date = ?,
			support_item_code = ?,
			daily_support_item_cost = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?
	`

	var parentID sql.NullString
	if c.ParentContractID != nil {
		parentID = sql.NullString{String: string(*c.ParentContractID), Valid: true}
	}

	res, err := db.ExecContext(ctx, query,
		c.ResidentID,
		c.OrganizationID,
		c.ContractType,
		c.Status,
		c.OriginalAmount.String(),
		c.CurrentBalance.String(),
		c.DrawdownRate,
		c.AutoDrawdown,
		nullTime(c.LastDrawdownDate),
		nullTime(c.RenewalDate),
		parentID,
		formatTime(c.StartDate),
		nullTime(c.EndDate),
		nullString(c.SupportItemCode),
		c.DailySupportItemCost.String(),
		formatTime(c.UpdatedAt),
		c.ID,
		c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var count int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM contracts WHERE id = ?", c.ID,
		).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return ledger.ErrContractNotFound
		}
		return ledger.ErrConcurrentModification
	}
	return nil
}

const contractColumns = `id, resident_id, organization_id, contract_type, status,
	original_amount, current_balance, drawdown_rate, auto_drawdown,
	last_drawdown_date, renewal_date, parent_contract_id, start_date, end_date,
	support_item_code, daily_support_item_cost, version, created_at, updated_at`

func (s *Store) GetContract(ctx context.Context, id ledger.ContractID) (*ledger.FundingContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getContractIn(ctx, s.db, id)
}

func getContractIn(ctx context.Context, db dbtx, id ledger.ContractID) (*ledger.FundingContract, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+contractColumns+" FROM contracts WHERE id = ?", id)

	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListContracts(ctx context.Context, filter ledger.ContractFilter) ([]ledger.FundingContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listContractsIn(ctx, s.db, filter)
}

func listContractsIn(ctx context.Context, db dbtx, filter ledger.ContractFilter) ([]ledger.FundingContract, error) {
	query := "SELECT " + contractColumns + " FROM contracts"

	var conds []string
	var args []any
	if filter.ResidentID != nil {
		conds = append(conds, "resident_id = ?")
		args = append(args, *filter.ResidentID)
	}
	if filter.OrganizationID != nil {
		conds = append(conds, "organization_id = ?")
		args = append(args, *filter.OrganizationID)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.AutoDrawdown != nil {
		conds = append(conds, "auto_drawdown = ?")
		args = append(args, *filter.AutoDrawdown)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	contracts := make([]ledger.FundingContract, 0)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

func scanContract(row rowScanner) (ledger.FundingContract, error) {
	var (
		c                ledger.FundingContract
		originalAmount   string
		currentBalance   string
		lastDrawdownDate sql.NullString
		renewalDate      sql.NullString
		parentContractID sql.NullString
		startDate        string
		endDate          sql.NullString
		supportItemCode  sql.NullString
		dailyCost        string
		createdAt        string
		updatedAt        string
	)

	err := row.Scan(
		&c.ID, &c.ResidentID, &c.OrganizationID, &c.ContractType, &c.Status,
		&originalAmount, &currentBalance, &c.DrawdownRate, &c.AutoDrawdown,
		&lastDrawdownDate, &renewalDate, &parentContractID, &startDate, &endDate,
		&supportItemCode, &dailyCost, &c.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return c, err
	}

	c.OriginalAmount = ledger.MustParseDecimal(originalAmount)
	c.CurrentBalance = ledger.MustParseDecimal(currentBalance)
	c.DailySupportItemCost = ledger.MustParseDecimal(dailyCost)
	c.LastDrawdownDate = parseNullTime(lastDrawdownDate)
	c.RenewalDate = parseNullTime(renewalDate)
	if parentContractID.Valid {
		pid := ledger.ContractID(parentContractID.String)
		c.ParentContractID = &pid
	}
	c.StartDate = parseTime(startDate)
	c.EndDate = parseNullTime(endDate)
	c.SupportItemCode = supportItemCode.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) CreateTransaction(ctx context.Context, t ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createTransactionIn(ctx, s.db, t)
}

func createTransactionIn(ctx context.Context, db dbtx, t ledger.Transaction) error {
	query := `
		INSERT INTO transactions
		(id, resident_id, contract_id, occurred_at, quantity, unit_price, amount,
		 note, status, is_orphaned, created_by, created_at, updated_at,
		 posted_at, posted_by, voided_at, voided_by, void_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		t.ID,
		t.ResidentID,
		t.ContractID,
		formatTime(t.OccurredAt),
		t.Quantity.String(),
		t.UnitPrice.String(),
		t.Amount.String(),
		nullString(t.Note),
		t.Status,
		t.IsOrphaned,
		t.CreatedBy,
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
		nullTime(t.PostedAt),
		nullString(t.PostedBy),
		nullTime(t.VoidedAt),
		nullString(t.VoidedBy),
		nullString(t.VoidReason),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *Store) UpdateTransaction(ctx context.Context, t ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateTransactionIn(ctx, s.db, t)
}

func updateTransactionIn(ctx context.Context, db dbtx, t ledger.Transaction) error {
	query := `
		UPDATE transactions SET
			resident_id = ?,
			contract_id = ?,
			occurred_at = ?,
			quantity = ?,
			unit_price = ?,
			amount = ?,
			note = ?,
			status = ?,
			is_orphaned = ?,
			created_by = ?,
			updated_at = ?,
			posted_at = ?,
			posted_by = ?,
			voided_at = ?,
			voided_by = ?,
			void_reason = ?
		WHERE id = ?
	`

	res, err := db.ExecContext(ctx, query,
		t.ResidentID,
		t.ContractID,
		formatTime(t.OccurredAt),
		t.Quantity.String(),
		t.UnitPrice.String(),
		t.Amount.String(),
		nullString(t.Note),
		t.Status,
		t.IsOrphaned,
		t.CreatedBy,
		formatTime(t.UpdatedAt),
		nullTime(t.PostedAt),
		nullString(t.PostedBy),
		nullTime(t.VoidedAt),
		nullString(t.VoidedBy),
		nullString(t.VoidReason),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

func (s *Store) DeleteTransaction(ctx context.Context, id ledger.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteTransactionIn(ctx, s.db, id)
}

func deleteTransactionIn(ctx context.Context, db dbtx, id ledger.TransactionID) error {
	res, err := db.ExecContext(ctx, "DELETE FROM transactions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

const transactionColumns = `id, resident_id, contract_id, occurred_at, quantity,
	unit_price, amount, note, status, is_orphaned, created_by, created_at,
	updated_at, posted_at, posted_by, voided_at, voided_by, void_reason`

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransactionIn(ctx, s.db, id)
}

func getTransactionIn(ctx context.Context, db dbtx, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTransactionsByContract(ctx context.Context, contractID ledger.ContractID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactionsIn(ctx, s.db, contractID)
}

func listTransactionsIn(ctx context.Context, db dbtx, contractID ledger.ContractID) ([]ledger.Transaction, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE contract_id = ? ORDER BY occurred_at ASC, id ASC",
		contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	transactions := make([]ledger.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var (
		t          ledger.Transaction
		occurredAt string
		quantity   string
		unitPrice  string
		amount     string
		note       sql.NullString
		createdAt  string
		updatedAt  string
		postedAt   sql.NullString
		postedBy   sql.NullString
		voidedAt   sql.NullString
		voidedBy   sql.NullString
		voidReason sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.ResidentID, &t.ContractID, &occurredAt, &quantity,
		&unitPrice, &amount, &note, &t.Status, &t.IsOrphaned, &t.CreatedBy,
		&createdAt, &updatedAt, &postedAt, &postedBy, &voidedAt, &voidedBy, &voidReason,
	)
	if err != nil {
		return t, err
	}

	t.OccurredAt = parseTime(occurredAt)
	t.Quantity = ledger.MustParseDecimal(quantity)
	t.UnitPrice = ledger.MustParseDecimal(unitPrice)
	t.Amount = ledger.MustParseDecimal(amount)
	t.Note = note.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.PostedAt = parseNullTime(postedAt)
	t.PostedBy = postedBy.String
	t.VoidedAt = parseNullTime(voidedAt)
	t.VoidedBy = voidedBy.String
	t.VoidReason = voidReason.String
	return t, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAuditIn(ctx, s.db, entry)
}

func appendAuditIn(ctx context.Context, db dbtx, entry ledger.AuditEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, transaction_id, action, actor, at, note)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.TransactionID,
		entry.Action,
		entry.Actor,
		formatTime(entry.At),
		nullString(entry.Note),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, transactionID ledger.TransactionID) ([]ledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAuditIn(ctx, s.db, transactionID)
}

func listAuditIn(ctx context.Context, db dbtx, transactionID ledger.TransactionID) ([]ledger.AuditEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, transaction_id, action, actor, at, note
		FROM audit_entries
		WHERE transaction_id = ?
		ORDER BY seq ASC`,
		transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]ledger.AuditEntry, 0)
	for rows.Next() {
		var (
			e    ledger.AuditEntry
			at   string
			note sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Action, &e.Actor, &at, &note); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		e.Note = note.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// RESIDENTS
// =============================================================================

func (s *Store) CreateResident(ctx context.Context, r ledger.Resident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createResidentIn(ctx, s.db, r)
}

func createResidentIn(ctx context.Context, db dbtx, r ledger.Resident) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO residents (id, organization_id, name, admission_date, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID,
		r.OrganizationID,
		r.Name,
		nullTime(r.AdmissionDate),
		formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert resident: %w", err)
	}
	return nil
}

func (s *Store) GetResident(ctx context.Context, id ledger.ResidentID) (*ledger.Resident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getResidentIn(ctx, s.db, id)
}

func getResidentIn(ctx context.Context, db dbtx, id ledger.ResidentID) (*ledger.Resident, error) {
	var (
		r             ledger.Resident
		admissionDate sql.NullString
		createdAt     string
	)
	err := db.QueryRowContext(ctx,
		"SELECT id, organization_id, name, admission_date, created_at FROM residents WHERE id = ?",
		id,
	).Scan(&r.ID, &r.OrganizationID, &r.Name, &admissionDate, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.AdmissionDate = parseNullTime(admissionDate)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

func (s *Store) ListResidents(ctx context.Context, organizationID string) ([]ledger.Resident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listResidentsIn(ctx, s.db, organizationID)
}

func listResidentsIn(ctx context.Context, db dbtx, organizationID string) ([]ledger.Resident, error) {
	query := `
		SELECT id, organization_id, name, admission_date, created_at
		FROM residents`
	var args []any
	if organizationID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, organizationID)
	}
	query += ` ORDER BY name ASC, id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query residents: %w", err)
	}
	defer rows.Close()

	residents := make([]ledger.Resident, 0)
	for rows.Next() {
		var (
			r             ledger.Resident
			admissionDate sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Name, &admissionDate, &createdAt); err != nil {
			return nil, err
		}
		r.AdmissionDate = parseNullTime(admissionDate)
		r.CreatedAt = parseTime(createdAt)
		residents = append(residents, r)
	}
	return residents, rows.Err()
}

// =============================================================================
// AUTOMATIONS
// =============================================================================

func (s *Store) CreateAutomation(ctx context.Context, a ledger.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createAutomationIn(ctx, s.db, a)
}

func createAutomationIn(ctx context.Context, db dbtx, a ledger.Automation) error {
	query := `
		INSERT INTO automations
		(id, organization_id, name, type, is_enabled, schedule_kind, every_ns,
		 at_hour, at_minute, day_of_month, next_run_at, last_run_at,
		 last_run_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		a.ID,
		a.OrganizationID,
		a.Name,
		a.Type,
		a.IsEnabled,
		a.Schedule.Kind,
		int64(a.Schedule.Every),
		a.Schedule.AtHour,
		a.Schedule.AtMinute,
		a.Schedule.DayOfMonth,
		formatTime(a.NextRunAt),
		nullTime(a.LastRunAt),
		nullString(string(a.LastRunStatus)),
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert automation: %w", err)
	}
	return nil
}

func (s *Store) UpdateAutomation(ctx context.Context, a ledger.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateAutomationIn(ctx, s.db, a)
}

func updateAutomationIn(ctx context.Context, db dbtx, a ledger.Automation) error {
	query := `
		UPDATE automations SET
			organization_id = ?,
			name = ?,
			type = ?,
			is_enabled = ?,
			schedule_kind = ?,
			every_ns = ?,
			at_hour = ?,
			at_minute = ?,
			day_of_month = ?,
			next_run_at = ?,
			last_run_at = ?,
			last_run_status = ?,
			updated_at = ?
		WHERE id = ?
	`

	res, err := db.ExecContext(ctx, query,
		a.OrganizationID,
		a.Name,
		a.Type,
		a.IsEnabled,
		a.Schedule.Kind,
		int64(a.Schedule.Every),
		a.Schedule.AtHour,
		a.Schedule.AtMinute,
		a.Schedule.DayOfMonth,
		formatTime(a.NextRunAt),
		nullTime(a.LastRunAt),
		nullString(string(a.LastRunStatus)),
		formatTime(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update automation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrAutomationNotFound
	}
	return nil
}

const automationColumns = `id, organization_id, name, type, is_enabled,
	schedule_kind, every_ns, at_hour, at_minute, day_of_month, next_run_at,
	last_run_at, last_run_status, created_at, updated_at`

func (s *Store) GetAutomation(ctx context.Context, id ledger.AutomationID) (*ledger.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAutomationIn(ctx, s.db, id)
}

func getAutomationIn(ctx context.Context, db dbtx, id ledger.AutomationID) (*ledger.Automation, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+automationColumns+" FROM automations WHERE id = ?", id)

	a, err := scanAutomation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListAutomations(ctx context.Context, organizationID string) ([]ledger.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAutomationsIn(ctx, s.db, organizationID)
}

func listAutomationsIn(ctx context.Context, db dbtx, organizationID string) ([]ledger.Automation, error) {
	query := "SELECT " + automationColumns + " FROM automations"
	var args []any
	if organizationID != "" {
		query += " WHERE organization_id = ?"
		args = append(args, organizationID)
	}
	query += " ORDER BY name ASC, id ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query automations: %w", err)
	}
	defer rows.Close()

	return collectAutomations(rows)
}

func (s *Store) ListDueAutomations(ctx context.Context, now time.Time) ([]ledger.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDueAutomationsIn(ctx, s.db, now)
}

func listDueAutomationsIn(ctx context.Context, db dbtx, now time.Time) ([]ledger.Automation, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+automationColumns+" FROM automations WHERE is_enabled = 1 AND next_run_at <= ? ORDER BY next_run_at ASC, id ASC",
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query due automations: %w", err)
	}
	defer rows.Close()

	return collectAutomations(rows)
}

func collectAutomations(rows *sql.Rows) ([]ledger.Automation, error) {
	automations := make([]ledger.Automation, 0)
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		automations = append(automations, a)
	}
	return automations, rows.Err()
}

func scanAutomation(row rowScanner) (ledger.Automation, error) {
	var (
		a             ledger.Automation
		everyNS       int64
		nextRunAt     string
		lastRunAt     sql.NullString
		lastRunStatus sql.NullString
		createdAt     string
		updatedAt     string
	)

	err := row.Scan(
		&a.ID, &a.OrganizationID, &a.Name, &a.Type, &a.IsEnabled,
		&a.Schedule.Kind, &everyNS, &a.Schedule.AtHour, &a.Schedule.AtMinute,
		&a.Schedule.DayOfMonth, &nextRunAt, &lastRunAt, &lastRunStatus,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return a, err
	}

	a.Schedule.Every = time.Duration(everyNS)
	a.NextRunAt = parseTime(nextRunAt)
	a.LastRunAt = parseNullTime(lastRunAt)
	a.LastRunStatus = ledger.RunStatus(lastRunStatus.String)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func (s *Store) CreateRun(ctx context.Context, run ledger.AutomationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createRunIn(ctx, s.db, run)
}

func createRunIn(ctx context.Context, db dbtx, run ledger.AutomationRun) error {
	metricsJSON, _ := json.Marshal(run.Metrics)

	_, err := db.ExecContext(ctx, `
		INSERT INTO automation_runs (id, automation_id, status, started_at,
			finished_at, summary, metrics_json, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.AutomationID,
		run.Status,
		formatTime(run.StartedAt),
		nullTime(run.FinishedAt),
		nullString(run.Summary),
		string(metricsJSON),
		nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run ledger.AutomationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateRunIn(ctx, s.db, run)
}

func updateRunIn(ctx context.Context, db dbtx, run ledger.AutomationRun) error {
	metricsJSON, _ := json.Marshal(run.Metrics)

	res, err := db.ExecContext(ctx, `
		UPDATE automation_runs SET
			status = ?,
			finished_at = ?,
			summary = ?,
			metrics_json = ?,
			error = ?
		WHERE id = ?`,
		run.Status,
		nullTime(run.FinishedAt),
		nullString(run.Summary),
		string(metricsJSON),
		nullString(run.Error),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrAutomationNotFound
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, automationID ledger.AutomationID) ([]ledger.AutomationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRunsIn(ctx, s.db, automationID)
}

func listRunsIn(ctx context.Context, db dbtx, automationID ledger.AutomationID) ([]ledger.AutomationRun, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, automation_id, status, started_at, finished_at, summary, metrics_json, error
		FROM automation_runs
		WHERE automation_id = ?
		ORDER BY started_at DESC, id ASC`,
		automationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]ledger.AutomationRun, 0)
	for rows.Next() {
		var (
			run         ledger.AutomationRun
			startedAt   string
			finishedAt  sql.NullString
			summary     sql.NullString
			metricsJSON sql.NullString
			runErr      sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.AutomationID, &run.Status, &startedAt,
			&finishedAt, &summary, &metricsJSON, &runErr); err != nil {
			return nil, err
		}

		run.StartedAt = parseTime(startedAt)
		run.FinishedAt = parseNullTime(finishedAt)
		run.Summary = summary.String
		run.Error = runErr.String
		if metricsJSON.Valid && metricsJSON.String != "" && metricsJSON.String != "null" {
			json.Unmarshal([]byte(metricsJSON.String), &run.Metrics)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) ClaimDrawdown(ctx context.Context, claim ledger.DrawdownClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return claimDrawdownIn(ctx, s.db, claim)
}

func claimDrawdownIn(ctx context.Context, db dbtx, claim ledger.DrawdownClaim) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO drawdown_claims (contract_id, period_end, run_id, claimed_at)
		VALUES (?, ?, ?, ?)`,
		claim.ContractID,
		claimDay(claim.PeriodEnd),
		claim.RunID,
		formatTime(claim.ClaimedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateClaim
		}
		return fmt.Errorf("failed to insert drawdown claim: %w", err)
	}
	return nil
}

func (s *Store) HasDrawdownClaim(ctx context.Context, contractID ledger.ContractID, periodEnd time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hasDrawdownClaimIn(ctx, s.db, contractID, periodEnd)
}

func hasDrawdownClaimIn(ctx context.Context, db dbtx, contractID ledger.ContractID, periodEnd time.Time) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM drawdown_claims WHERE contract_id = ? AND period_end = ?",
		contractID, claimDay(periodEnd),
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Reset clears all data. Used by the demo scenario loaders.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"audit_entries", "drawdown_claims", "automation_runs",
		"automations", "transactions", "contracts", "residents",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// txStore runs every operation against the open *sql.Tx. It holds no
// lock of its own; WithTx already owns the store mutex.
type txStore struct {
	tx *sql.Tx
}

var _ ledger.Store = (*txStore)(nil)

func (ts *txStore) CreateContract(ctx context.Context, c ledger.FundingContract) error {
	return createContractIn(ctx, ts.tx, c)
}

func (ts *txStore) UpdateContract(ctx context.Context, c ledger.FundingContract) error {
	return updateContractIn(ctx, ts.tx, c)
}

func (ts *txStore) GetContract(ctx context.Context, id ledger.ContractID) (*ledger.FundingContract, error) {
	return getContractIn(ctx, ts.tx, id)
}

func (ts *txStore) ListContracts(ctx context.Context, filter ledger.ContractFilter) ([]ledger.FundingContract, error) {
	return listContractsIn(ctx, ts.tx, filter)
}

func (ts *txStore) CreateTransaction(ctx context.Context, t ledger.Transaction) error {
	return createTransactionIn(ctx, ts.tx, t)
}

func (ts *txStore) UpdateTransaction(ctx context.Context, t ledger.Transaction) error {
	return updateTransactionIn(ctx, ts.tx, t)
}

func (ts *txStore) DeleteTransaction(ctx context.Context, id ledger.TransactionID) error {
	return deleteTransactionIn(ctx, ts.tx, id)
}

func (ts *txStore) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return getTransactionIn(ctx, ts.tx, id)
}

func (ts *txStore) ListTransactionsByContract(ctx context.Context, contractID ledger.ContractID) ([]ledger.Transaction, error) {
	return listTransactionsIn(ctx, ts.tx, contractID)
}

func (ts *txStore) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	return appendAuditIn(ctx, ts.tx, entry)
}

func (ts *txStore) ListAudit(ctx context.Context, transactionID ledger.TransactionID) ([]ledger.AuditEntry, error) {
	return listAuditIn(ctx, ts.tx, transactionID)
}

func (ts *txStore) CreateResident(ctx context.Context, r ledger.Resident) error {
	return createResidentIn(ctx, ts.tx, r)
}

func (ts *txStore) GetResident(ctx context.Context, id ledger.ResidentID) (*ledger.Resident, error) {
	return getResidentIn(ctx, ts.tx, id)
}

func (ts *txStore) ListResidents(ctx context.Context, organizationID string) ([]ledger.Resident, error) {
	return listResidentsIn(ctx, ts.tx, organizationID)
}

func (ts *txStore) CreateAutomation(ctx context.Context, a ledger.Automation) error {
	return createAutomationIn(ctx, ts.tx, a)
}

func (ts *txStore) UpdateAutomation(ctx context.Context, a ledger.Automation) error {
	return updateAutomationIn(ctx, ts.tx, a)
}

func (ts *txStore) GetAutomation(ctx context.Context, id ledger.AutomationID) (*ledger.Automation, error) {
	return getAutomationIn(ctx, ts.tx, id)
}

func (ts *txStore) ListAutomations(ctx context.Context, organizationID string) ([]ledger.Automation, error) {
	return listAutomationsIn(ctx, ts.tx, organizationID)
}

func (ts *txStore) ListDueAutomations(ctx context.Context, now time.Time) ([]ledger.Automation, error) {
	return listDueAutomationsIn(ctx, ts.tx, now)
}

func (ts *txStore) CreateRun(ctx context.Context, run ledger.AutomationRun) error {
	return createRunIn(ctx, ts.tx, run)
}

func (ts *txStore) UpdateRun(ctx context.Context, run ledger.AutomationRun) error {
	return updateRunIn(ctx, ts.tx, run)
}

func (ts *txStore) ListRuns(ctx context.Context, automationID ledger.AutomationID) ([]ledger.AutomationRun, error) {
	return listRunsIn(ctx, ts.tx, automationID)
}

func (ts *txStore) ClaimDrawdown(ctx context.Context, claim ledger.DrawdownClaim) error {
	return claimDrawdownIn(ctx, ts.tx, claim)
}

func (ts *txStore) HasDrawdownClaim(ctx context.Context, contractID ledger.ContractID, periodEnd time.Time) (bool, error) {
	return hasDrawdownClaimIn(ctx, ts.tx, contractID, periodEnd)
}

// WithTx on an open transaction runs fn directly; nesting reuses the
// same transaction.
func (ts *txStore) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return fn(ts)
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// claimDay reduces a period end to its UTC day. Claims are unique per
// day, matching the in-memory store.
func claimDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
