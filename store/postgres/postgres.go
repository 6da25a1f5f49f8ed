/*
Package postgres provides the PostgreSQL-backed implementation of
ledger.Store for multi-instance deployments.

PURPOSE:
  Same schema shape as store/sqlite with native column types: times as
  TIMESTAMPTZ, money as NUMERIC, booleans as BOOLEAN. The database
  handles concurrency, so there is no process-level mutex here; the
  version column on contracts and the unique claim key do the work
  across instances.

DUPLICATE CLAIMS:
  drawdown_claims has a composite primary key. Unique violations are
  detected through pgconn.PgError code 23505 and surfaced as
  ledger.ErrDuplicateClaim.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite/sqlite.go: Single-node default backend
*/
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/carebridge/funding-engine/ledger"
)

// Compile-time contract assertion ensuring the store satisfies ledger.Store.
var _ ledger.Store = (*Store)(nil)

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

// Store implements ledger.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL store with the given DSN, pings it, and
// applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		resident_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		contract_type TEXT NOT NULL,
		status TEXT NOT NULL,
		original_amount NUMERIC(14,2) NOT NULL,
		current_balance NUMERIC(14,2) NOT NULL,
		drawdown_rate TEXT NOT NULL,
		auto_drawdown BOOLEAN NOT NULL DEFAULT FALSE,
		last_drawdown_date TIMESTAMPTZ,
		renewal_date TIMESTAMPTZ,
		parent_contract_id TEXT,
		start_date TIMESTAMPTZ NOT NULL,
		end_date TIMESTAMPTZ,
		support_item_code TEXT,
		daily_support_item_cost NUMERIC(14,2) NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_resident
		ON contracts(resident_id);
	CREATE INDEX IF NOT EXISTS idx_contracts_organization
		ON contracts(organization_id);
	CREATE INDEX IF NOT EXISTS idx_contracts_status_auto
		ON contracts(status, auto_drawdown);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		resident_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		quantity NUMERIC(14,4) NOT NULL,
		unit_price NUMERIC(14,2) NOT NULL,
		amount NUMERIC(14,2) NOT NULL,
		note TEXT,
		status TEXT NOT NULL,
		is_orphaned BOOLEAN NOT NULL DEFAULT FALSE,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		posted_at TIMESTAMPTZ,
		posted_by TEXT,
		voided_at TIMESTAMPTZ,
		voided_by TEXT,
		void_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_contract
		ON transactions(contract_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON transactions(status);

	CREATE TABLE IF NOT EXISTS audit_entries (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		transaction_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		at TIMESTAMPTZ NOT NULL,
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_transaction
		ON audit_entries(transaction_id);

	CREATE TABLE IF NOT EXISTS residents (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		admission_date TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_residents_organization
		ON residents(organization_id);

	CREATE TABLE IF NOT EXISTS automations (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		schedule_kind TEXT NOT NULL,
		every_ns BIGINT NOT NULL DEFAULT 0,
		at_hour INTEGER NOT NULL DEFAULT 0,
		at_minute INTEGER NOT NULL DEFAULT 0,
		day_of_month INTEGER NOT NULL DEFAULT 0,
		next_run_at TIMESTAMPTZ NOT NULL,
		last_run_at TIMESTAMPTZ,
		last_run_status TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_automations_due
		ON automations(is_enabled, next_run_at);

	CREATE TABLE IF NOT EXISTS automation_runs (
		id TEXT PRIMARY KEY,
		automation_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		summary TEXT,
		metrics_json TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_automation
		ON automation_runs(automation_id, started_at);

	CREATE TABLE IF NOT EXISTS drawdown_claims (
		contract_id TEXT NOT NULL,
		period_end DATE NOT NULL,
		run_id TEXT NOT NULL,
		claimed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (contract_id, period_end)
	);
	`

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

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
	return createContractIn(ctx, s.db, c)
}

func createContractIn(ctx context.Context, db dbtx, c ledger.FundingContract) error {
	query := `
		INSERT INTO contracts
		(id, resident_id, organization_id, contract_type, status, original_amount,
		 current_balance, drawdown_rate, auto_drawdown, last_drawdown_date, renewal_date,
		 parent_contract_id, start_date, end_date, support_item_code,
		 daily_support_item_cost, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

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
		timePtr(c.LastDrawdownDate),
		timePtr(c.RenewalDate),
		contractIDPtr(c.ParentContractID),
		c.StartDate.UTC(),
		timePtr(c.EndDate),
		nullString(c.SupportItemCode),
		c.DailySupportItemCost.String(),
		c.Version,
		c.CreatedAt.UTC(),
		c.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}

func (s *Store) UpdateContract(ctx context.Context, c ledger.FundingContract) error {
	return updateContractIn(ctx, s.db, c)
}

func updateContractIn(ctx context.Context, db dbtx, c ledger.FundingContract) error {
	query := `
		UPDATE contracts SET
			resident_id = $1,
			organization_id = $2,
			contract_type = $3,
			status = $4,
			original_amount = $5,
			current_balance = $6,
			drawdown_rate = $7,
			auto_drawdown = $8,
			last_drawdown_date = $9,
			renewal_date = $10,
			parent_contract_id = $11,
			start_date = $12,
			end_date = $13,
			support_item_code = $14,
			daily_support_item_cost = $15,
			version = version + 1,
			updated_at = $16
		WHERE id = $17 AND version = $18
	`

	res, err := db.ExecContext(ctx, query,
		c.ResidentID,
		c.OrganizationID,
		c.ContractType,
		c.Status,
		c.OriginalAmount.String(),
		c.CurrentBalance.String(),
		c.DrawdownRate,
		c.AutoDrawdown,
		timePtr(c.LastDrawdownDate),
		timePtr(c.RenewalDate),
		contractIDPtr(c.ParentContractID),
		c.StartDate.UTC(),
		timePtr(c.EndDate),
		nullString(c.SupportItemCode),
		c.DailySupportItemCost.String(),
		c.UpdatedAt.UTC(),
		c.ID,
		c.Version,
	)
	if err != nil {
		return fmt.Errorf("update contract: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var count int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM contracts WHERE id = $1", c.ID,
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
	return getContractIn(ctx, s.db, id)
}

func getContractIn(ctx context.Context, db dbtx, id ledger.ContractID) (*ledger.FundingContract, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+contractColumns+" FROM contracts WHERE id = $1", id)

	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListContracts(ctx context.Context, filter ledger.ContractFilter) ([]ledger.FundingContract, error) {
	return listContractsIn(ctx, s.db, filter)
}

func listContractsIn(ctx context.Context, db dbtx, filter ledger.ContractFilter) ([]ledger.FundingContract, error) {
	query := "SELECT " + contractColumns + " FROM contracts"

	var conds []string
	var args []any
	if filter.ResidentID != nil {
		args = append(args, *filter.ResidentID)
		conds = append(conds, fmt.Sprintf("resident_id = $%d", len(args)))
	}
	if filter.OrganizationID != nil {
		args = append(args, *filter.OrganizationID)
		conds = append(conds, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.AutoDrawdown != nil {
		args = append(args, *filter.AutoDrawdown)
		conds = append(conds, fmt.Sprintf("auto_drawdown = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
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
		lastDrawdownDate sql.NullTime
		renewalDate      sql.NullTime
		parentContractID sql.NullString
		endDate          sql.NullTime
		supportItemCode  sql.NullString
		dailyCost        string
	)

	err := row.Scan(
		&c.ID, &c.ResidentID, &c.OrganizationID, &c.ContractType, &c.Status,
		&originalAmount, &currentBalance, &c.DrawdownRate, &c.AutoDrawdown,
		&lastDrawdownDate, &renewalDate, &parentContractID, &c.StartDate, &endDate,
		&supportItemCode, &dailyCost, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}

	c.OriginalAmount = ledger.MustParseDecimal(originalAmount)
	c.CurrentBalance = ledger.MustParseDecimal(currentBalance)
	c.DailySupportItemCost = ledger.MustParseDecimal(dailyCost)
	c.LastDrawdownDate = fromNullTime(lastDrawdownDate)
	c.RenewalDate = fromNullTime(renewalDate)
	if parentContractID.Valid {
		pid := ledger.ContractID(parentContractID.String)
		c.ParentContractID = &pid
	}
	c.EndDate = fromNullTime(endDate)
	c.SupportItemCode = supportItemCode.String
	return c, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) CreateTransaction(ctx context.Context, t ledger.Transaction) error {
	return createTransactionIn(ctx, s.db, t)
}

func createTransactionIn(ctx context.Context, db dbtx, t ledger.Transaction) error {
	query := `
		INSERT INTO transactions
		(id, resident_id, contract_id, occurred_at, quantity, unit_price, amount,
		 note, status, is_orphaned, created_by, created_at, updated_at,
		 posted_at, posted_by, voided_at, voided_by, void_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err := db.ExecContext(ctx, query,
		t.ID,
		t.ResidentID,
		t.ContractID,
		t.OccurredAt.UTC(),
		t.Quantity.String(),
		t.UnitPrice.String(),
		t.Amount.String(),
		nullString(t.Note),
		t.Status,
		t.IsOrphaned,
		t.CreatedBy,
		t.CreatedAt.UTC(),
		t.UpdatedAt.UTC(),
		timePtr(t.PostedAt),
		nullString(t.PostedBy),
		timePtr(t.VoidedAt),
		nullString(t.VoidedBy),
		nullString(t.VoidReason),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *Store) UpdateTransaction(ctx context.Context, t ledger.Transaction) error {
	return updateTransactionIn(ctx, s.db, t)
}

func updateTransactionIn(ctx context.Context, db dbtx, t ledger.Transaction) error {
	query := `
		UPDATE transactions SET
			resident_id = $1,
			contract_id = $2,
			occurred_at = $3,
			quantity = $4,
			unit_price = $5,
			amount = $6,
			note = $7,
			status = $8,
			is_orphaned = $9,
			created_by = $10,
			updated_at = $11,
			posted_at = $12,
			posted_by = $13,
			voided_at = $14,
			voided_by = $15,
			void_reason = $16
		WHERE id = $17
	`

	res, err := db.ExecContext(ctx, query,
		t.ResidentID,
		t.ContractID,
		t.OccurredAt.UTC(),
		t.Quantity.String(),
		t.UnitPrice.String(),
		t.Amount.String(),
		nullString(t.Note),
		t.Status,
		t.IsOrphaned,
		t.CreatedBy,
		t.UpdatedAt.UTC(),
		timePtr(t.PostedAt),
		nullString(t.PostedBy),
		timePtr(t.VoidedAt),
		nullString(t.VoidedBy),
		nullString(t.VoidReason),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
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
	return deleteTransactionIn(ctx, s.db, id)
}

func deleteTransactionIn(ctx context.Context, db dbtx, id ledger.TransactionID) error {
	res, err := db.ExecContext(ctx, "DELETE FROM transactions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
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
	return getTransactionIn(ctx, s.db, id)
}

func getTransactionIn(ctx context.Context, db dbtx, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id)

	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTransactionsByContract(ctx context.Context, contractID ledger.ContractID) ([]ledger.Transaction, error) {
	return listTransactionsIn(ctx, s.db, contractID)
}

func listTransactionsIn(ctx context.Context, db dbtx, contractID ledger.ContractID) ([]ledger.Transaction, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE contract_id = $1 ORDER BY occurred_at ASC, id ASC",
		contractID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
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
		quantity   string
		unitPrice  string
		amount     string
		note       sql.NullString
		postedAt   sql.NullTime
		postedBy   sql.NullString
		voidedAt   sql.NullTime
		voidedBy   sql.NullString
		voidReason sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.ResidentID, &t.ContractID, &t.OccurredAt, &quantity,
		&unitPrice, &amount, &note, &t.Status, &t.IsOrphaned, &t.CreatedBy,
		&t.CreatedAt, &t.UpdatedAt, &postedAt, &postedBy, &voidedAt, &voidedBy, &voidReason,
	)
	if err != nil {
		return t, err
	}

	t.Quantity = ledger.MustParseDecimal(quantity)
	t.UnitPrice = ledger.MustParseDecimal(unitPrice)
	t.Amount = ledger.MustParseDecimal(amount)
	t.Note = note.String
	t.PostedAt = fromNullTime(postedAt)
	t.PostedBy = postedBy.String
	t.VoidedAt = fromNullTime(voidedAt)
	t.VoidedBy = voidedBy.String
	t.VoidReason = voidReason.String
	return t, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	return appendAuditIn(ctx, s.db, entry)
}

func appendAuditIn(ctx context.Context, db dbtx, entry ledger.AuditEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, transaction_id, action, actor, at, note)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID,
		entry.TransactionID,
		entry.Action,
		entry.Actor,
		entry.At.UTC(),
		nullString(entry.Note),
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, transactionID ledger.TransactionID) ([]ledger.AuditEntry, error) {
	return listAuditIn(ctx, s.db, transactionID)
}

func listAuditIn(ctx context.Context, db dbtx, transactionID ledger.TransactionID) ([]ledger.AuditEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, transaction_id, action, actor, at, note
		FROM audit_entries
		WHERE transaction_id = $1
		ORDER BY seq ASC`,
		transactionID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]ledger.AuditEntry, 0)
	for rows.Next() {
		var (
			e    ledger.AuditEntry
			note sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Action, &e.Actor, &e.At, &note); err != nil {
			return nil, err
		}
		e.Note = note.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// RESIDENTS
// =============================================================================

func (s *Store) CreateResident(ctx context.Context, r ledger.Resident) error {
	return createResidentIn(ctx, s.db, r)
}

func createResidentIn(ctx context.Context, db dbtx, r ledger.Resident) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO residents (id, organization_id, name, admission_date, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.ID,
		r.OrganizationID,
		r.Name,
		timePtr(r.AdmissionDate),
		r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert resident: %w", err)
	}
	return nil
}

func (s *Store) GetResident(ctx context.Context, id ledger.ResidentID) (*ledger.Resident, error) {
	return getResidentIn(ctx, s.db, id)
}

func getResidentIn(ctx context.Context, db dbtx, id ledger.ResidentID) (*ledger.Resident, error) {
	var (
		r             ledger.Resident
		admissionDate sql.NullTime
	)
	err := db.QueryRowContext(ctx,
		"SELECT id, organization_id, name, admission_date, created_at FROM residents WHERE id = $1",
		id,
	).Scan(&r.ID, &r.OrganizationID, &r.Name, &admissionDate, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.AdmissionDate = fromNullTime(admissionDate)
	return &r, nil
}

func (s *Store) ListResidents(ctx context.Context, organizationID string) ([]ledger.Resident, error) {
	return listResidentsIn(ctx, s.db, organizationID)
}

func listResidentsIn(ctx context.Context, db dbtx, organizationID string) ([]ledger.Resident, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, organization_id, name, admission_date, created_at
		FROM residents
		WHERE ($1 = '' OR organization_id = $1)
		ORDER BY name ASC, id ASC`,
		organizationID)
	if err != nil {
		return nil, fmt.Errorf("query residents: %w", err)
	}
	defer rows.Close()

	residents := make([]ledger.Resident, 0)
	for rows.Next() {
		var (
			r             ledger.Resident
			admissionDate sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Name, &admissionDate, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.AdmissionDate = fromNullTime(admissionDate)
		residents = append(residents, r)
	}
	return residents, rows.Err()
}

// =============================================================================
// AUTOMATIONS
// =============================================================================

func (s *Store) CreateAutomation(ctx context.Context, a ledger.Automation) error {
	return createAutomationIn(ctx, s.db, a)
}

func createAutomationIn(ctx context.Context, db dbtx, a ledger.Automation) error {
	query := `
		INSERT INTO automations
		(id, organization_id, name, type, is_enabled, schedule_kind, every_ns,
		 at_hour, at_minute, day_of_month, next_run_at, last_run_at,
		 last_run_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
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
		a.NextRunAt.UTC(),
		timePtr(a.LastRunAt),
		nullString(string(a.LastRunStatus)),
		a.CreatedAt.UTC(),
		a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert automation: %w", err)
	}
	return nil
}

func (s *Store) UpdateAutomation(ctx context.Context, a ledger.Automation) error {
	return updateAutomationIn(ctx, s.db, a)
}

func updateAutomationIn(ctx context.Context, db dbtx, a ledger.Automation) error {
	query := `
		UPDATE automations SET
			organization_id = $1,
			name = $2,
			type = $3,
			is_enabled = $4,
			schedule_kind = $5,
			every_ns = $6,
			at_hour = $7,
			at_minute = $8,
			day_of_month = $9,
			next_run_at = $10,
			last_run_at = $11,
			last_run_status = $12,
			updated_at = $13
		WHERE id = $14
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
		a.NextRunAt.UTC(),
		timePtr(a.LastRunAt),
		nullString(string(a.LastRunStatus)),
		a.UpdatedAt.UTC(),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update automation: %w", err)
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
	return getAutomationIn(ctx, s.db, id)
}

func getAutomationIn(ctx context.Context, db dbtx, id ledger.AutomationID) (*ledger.Automation, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+automationColumns+" FROM automations WHERE id = $1", id)

	a, err := scanAutomation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListAutomations(ctx context.Context, organizationID string) ([]ledger.Automation, error) {
	return listAutomationsIn(ctx, s.db, organizationID)
}

func listAutomationsIn(ctx context.Context, db dbtx, organizationID string) ([]ledger.Automation, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+automationColumns+" FROM automations WHERE ($1 = '' OR organization_id = $1) ORDER BY name ASC, id ASC",
		organizationID)
	if err != nil {
		return nil, fmt.Errorf("query automations: %w", err)
	}
	defer rows.Close()

	return collectAutomations(rows)
}

func (s *Store) ListDueAutomations(ctx context.Context, now time.Time) ([]ledger.Automation, error) {
	return listDueAutomationsIn(ctx, s.db, now)
}

func listDueAutomationsIn(ctx context.Context, db dbtx, now time.Time) ([]ledger.Automation, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+automationColumns+" FROM automations WHERE is_enabled AND next_run_at <= $1 ORDER BY next_run_at ASC, id ASC",
		now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due automations: %w", err)
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
		lastRunAt     sql.NullTime
		lastRunStatus sql.NullString
	)

	err := row.Scan(
		&a.ID, &a.OrganizationID, &a.Name, &a.Type, &a.IsEnabled,
		&a.Schedule.Kind, &everyNS, &a.Schedule.AtHour, &a.Schedule.AtMinute,
		&a.Schedule.DayOfMonth, &a.NextRunAt, &lastRunAt, &lastRunStatus,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}

	a.Schedule.Every = time.Duration(everyNS)
	a.LastRunAt = fromNullTime(lastRunAt)
	a.LastRunStatus = ledger.RunStatus(lastRunStatus.String)
	return a, nil
}

func (s *Store) CreateRun(ctx context.Context, run ledger.AutomationRun) error {
	return createRunIn(ctx, s.db, run)
}

func createRunIn(ctx context.Context, db dbtx, run ledger.AutomationRun) error {
	metricsJSON, _ := json.Marshal(run.Metrics)

	_, err := db.ExecContext(ctx, `
		INSERT INTO automation_runs (id, automation_id, status, started_at,
			finished_at, summary, metrics_json, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID,
		run.AutomationID,
		run.Status,
		run.StartedAt.UTC(),
		timePtr(run.FinishedAt),
		nullString(run.Summary),
		string(metricsJSON),
		nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run ledger.AutomationRun) error {
	return updateRunIn(ctx, s.db, run)
}

func updateRunIn(ctx context.Context, db dbtx, run ledger.AutomationRun) error {
	metricsJSON, _ := json.Marshal(run.Metrics)

	res, err := db.ExecContext(ctx, `
		UPDATE automation_runs SET
			status = $1,
			finished_at = $2,
			summary = $3,
			metrics_json = $4,
			error = $5
		WHERE id = $6`,
		run.Status,
		timePtr(run.FinishedAt),
		nullString(run.Summary),
		string(metricsJSON),
		nullString(run.Error),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
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
	return listRunsIn(ctx, s.db, automationID)
}

func listRunsIn(ctx context.Context, db dbtx, automationID ledger.AutomationID) ([]ledger.AutomationRun, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, automation_id, status, started_at, finished_at, summary, metrics_json, error
		FROM automation_runs
		WHERE automation_id = $1
		ORDER BY started_at DESC, id ASC`,
		automationID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]ledger.AutomationRun, 0)
	for rows.Next() {
		var (
			run         ledger.AutomationRun
			finishedAt  sql.NullTime
			summary     sql.NullString
			metricsJSON sql.NullString
			runErr      sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.AutomationID, &run.Status, &run.StartedAt,
			&finishedAt, &summary, &metricsJSON, &runErr); err != nil {
			return nil, err
		}

		run.FinishedAt = fromNullTime(finishedAt)
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
	return claimDrawdownIn(ctx, s.db, claim)
}

func claimDrawdownIn(ctx context.Context, db dbtx, claim ledger.DrawdownClaim) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO drawdown_claims (contract_id, period_end, run_id, claimed_at)
		VALUES ($1, $2, $3, $4)`,
		claim.ContractID,
		claim.PeriodEnd.UTC().Format("2006-01-02"),
		claim.RunID,
		claim.ClaimedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateClaim
		}
		return fmt.Errorf("insert drawdown claim: %w", err)
	}
	return nil
}

func (s *Store) HasDrawdownClaim(ctx context.Context, contractID ledger.ContractID, periodEnd time.Time) (bool, error) {
	return hasDrawdownClaimIn(ctx, s.db, contractID, periodEnd)
}

func hasDrawdownClaimIn(ctx context.Context, db dbtx, contractID ledger.ContractID, periodEnd time.Time) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM drawdown_claims WHERE contract_id = $1 AND period_end = $2",
		contractID, periodEnd.UTC().Format("2006-01-02"),
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Reset clears all data. Used by the demo scenario loaders.
func (s *Store) Reset(ctx context.Context) error {
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

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func contractIDPtr(id *ledger.ContractID) any {
	if id == nil {
		return nil
	}
	return string(*id)
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
