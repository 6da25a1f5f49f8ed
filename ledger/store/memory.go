// Package store provides the in-memory Store implementation.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carebridge/funding-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

var _ ledger.Store = (*Memory)(nil)

type claimKey struct {
	ContractID ledger.ContractID
	PeriodEnd  string // day granularity, UTC
}

func claimDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

type Memory struct {
	mu           sync.RWMutex
	contracts    map[ledger.ContractID]ledger.FundingContract
	transactions map[ledger.TransactionID]ledger.Transaction
	audits       map[ledger.TransactionID][]ledger.AuditEntry
	residents    map[ledger.ResidentID]ledger.Resident
	automations  map[ledger.AutomationID]ledger.Automation
	runs         map[ledger.RunID]ledger.AutomationRun
	claims       map[claimKey]ledger.DrawdownClaim
}

func NewMemory() *Memory {
	return &Memory{
		contracts:    make(map[ledger.ContractID]ledger.FundingContract),
		transactions: make(map[ledger.TransactionID]ledger.Transaction),
		audits:       make(map[ledger.TransactionID][]ledger.AuditEntry),
		residents:    make(map[ledger.ResidentID]ledger.Resident),
		automations:  make(map[ledger.AutomationID]ledger.Automation),
		runs:         make(map[ledger.RunID]ledger.AutomationRun),
		claims:       make(map[claimKey]ledger.DrawdownClaim),
	}
}

// Reset clears all data. Used by the demo scenario loaders.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.contracts = make(map[ledger.ContractID]ledger.FundingContract)
	m.transactions = make(map[ledger.TransactionID]ledger.Transaction)
	m.audits = make(map[ledger.TransactionID][]ledger.AuditEntry)
	m.residents = make(map[ledger.ResidentID]ledger.Resident)
	m.automations = make(map[ledger.AutomationID]ledger.Automation)
	m.runs = make(map[ledger.RunID]ledger.AutomationRun)
	m.claims = make(map[claimKey]ledger.DrawdownClaim)
	return nil
}

// =============================================================================
// CONTRACTS
// =============================================================================

func (m *Memory) CreateContract(_ context.Context, c ledger.FundingContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createContractLocked(c)
}

func (m *Memory) createContractLocked(c ledger.FundingContract) error {
	m.contracts[c.ID] = c
	return nil
}

func (m *Memory) UpdateContract(_ context.Context, c ledger.FundingContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateContractLocked(c)
}

func (m *Memory) updateContractLocked(c ledger.FundingContract) error {
	stored, ok := m.contracts[c.ID]
	if !ok {
		return ledger.ErrContractNotFound
	}
	if stored.Version != c.Version {
		return ledger.ErrConcurrentModification
	}
	c.Version++
	m.contracts[c.ID] = c
	return nil
}

func (m *Memory) GetContract(_ context.Context, id ledger.ContractID) (*ledger.FundingContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getContractLocked(id)
}

func (m *Memory) getContractLocked(id ledger.ContractID) (*ledger.FundingContract, error) {
	c, ok := m.contracts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) ListContracts(_ context.Context, f ledger.ContractFilter) ([]ledger.FundingContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listContractsLocked(f)
}

func (m *Memory) listContractsLocked(f ledger.ContractFilter) ([]ledger.FundingContract, error) {
	result := make([]ledger.FundingContract, 0)
	for _, c := range m.contracts {
		if f.ResidentID != nil && c.ResidentID != *f.ResidentID {
			continue
		}
		if f.OrganizationID != nil && c.OrganizationID != *f.OrganizationID {
			continue
		}
		if f.Status != nil && c.Status != *f.Status {
			continue
		}
		if f.AutoDrawdown != nil && c.AutoDrawdown != *f.AutoDrawdown {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// =============================================================================
// TRANSACTIONS + AUDIT
// =============================================================================

func (m *Memory) CreateTransaction(_ context.Context, t ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createTransactionLocked(t)
}

func (m *Memory) createTransactionLocked(t ledger.Transaction) error {
	m.transactions[t.ID] = t
	return nil
}

func (m *Memory) UpdateTransaction(_ context.Context, t ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateTransactionLocked(t)
}

func (m *Memory) updateTransactionLocked(t ledger.Transaction) error {
	if _, ok := m.transactions[t.ID]; !ok {
		return ledger.ErrTransactionNotFound
	}
	m.transactions[t.ID] = t
	return nil
}

func (m *Memory) DeleteTransaction(_ context.Context, id ledger.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteTransactionLocked(id)
}

func (m *Memory) deleteTransactionLocked(id ledger.TransactionID) error {
	delete(m.transactions, id)
	// Audit entries survive the row; the trail is append-only.
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionLocked(id)
}

func (m *Memory) getTransactionLocked(id ledger.TransactionID) (*ledger.Transaction, error) {
	t, ok := m.transactions[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) ListTransactionsByContract(_ context.Context, contractID ledger.ContractID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTransactionsByContractLocked(contractID)
}

func (m *Memory) listTransactionsByContractLocked(contractID ledger.ContractID) ([]ledger.Transaction, error) {
	result := make([]ledger.Transaction, 0)
	for _, t := range m.transactions {
		if t.ContractID == contractID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].OccurredAt.Before(result[j].OccurredAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) AppendAudit(_ context.Context, e ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAuditLocked(e)
}

func (m *Memory) appendAuditLocked(e ledger.AuditEntry) error {
	m.audits[e.TransactionID] = append(m.audits[e.TransactionID], e)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, id ledger.TransactionID) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAuditLocked(id)
}

func (m *Memory) listAuditLocked(id ledger.TransactionID) ([]ledger.AuditEntry, error) {
	entries := m.audits[id]
	result := make([]ledger.AuditEntry, len(entries))
	copy(result, entries)
	return result, nil
}

// =============================================================================
// RESIDENTS
// =============================================================================

func (m *Memory) CreateResident(_ context.Context, r ledger.Resident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createResidentLocked(r)
}

func (m *Memory) createResidentLocked(r ledger.Resident) error {
	m.residents[r.ID] = r
	return nil
}

func (m *Memory) GetResident(_ context.Context, id ledger.ResidentID) (*ledger.Resident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getResidentLocked(id)
}

func (m *Memory) getResidentLocked(id ledger.ResidentID) (*ledger.Resident, error) {
	r, ok := m.residents[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) ListResidents(_ context.Context, organizationID string) ([]ledger.Resident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listResidentsLocked(organizationID)
}

func (m *Memory) listResidentsLocked(organizationID string) ([]ledger.Resident, error) {
	result := make([]ledger.Resident, 0)
	for _, r := range m.residents {
		if organizationID != "" && r.OrganizationID != organizationID {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// =============================================================================
// AUTOMATIONS + RUNS + CLAIMS
// =============================================================================

func (m *Memory) CreateAutomation(_ context.Context, a ledger.Automation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAutomationLocked(a)
}

func (m *Memory) createAutomationLocked(a ledger.Automation) error {
	m.automations[a.ID] = a
	return nil
}

func (m *Memory) UpdateAutomation(_ context.Context, a ledger.Automation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateAutomationLocked(a)
}

func (m *Memory) updateAutomationLocked(a ledger.Automation) error {
	if _, ok := m.automations[a.ID]; !ok {
		return ledger.ErrAutomationNotFound
	}
	m.automations[a.ID] = a
	return nil
}

func (m *Memory) GetAutomation(_ context.Context, id ledger.AutomationID) (*ledger.Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAutomationLocked(id)
}

func (m *Memory) getAutomationLocked(id ledger.AutomationID) (*ledger.Automation, error) {
	a, ok := m.automations[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *Memory) ListAutomations(_ context.Context, organizationID string) ([]ledger.Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAutomationsLocked(organizationID)
}

func (m *Memory) listAutomationsLocked(organizationID string) ([]ledger.Automation, error) {
	result := make([]ledger.Automation, 0)
	for _, a := range m.automations {
		if organizationID != "" && a.OrganizationID != organizationID {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *Memory) ListDueAutomations(_ context.Context, now time.Time) ([]ledger.Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDueAutomationsLocked(now)
}

func (m *Memory) listDueAutomationsLocked(now time.Time) ([]ledger.Automation, error) {
	result := make([]ledger.Automation, 0)
	for _, a := range m.automations {
		if a.IsEnabled && !a.NextRunAt.After(now) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].NextRunAt.Equal(result[j].NextRunAt) {
			return result[i].NextRunAt.Before(result[j].NextRunAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) CreateRun(_ context.Context, run ledger.AutomationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createRunLocked(run)
}

func (m *Memory) createRunLocked(run ledger.AutomationRun) error {
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) UpdateRun(_ context.Context, run ledger.AutomationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRunLocked(run)
}

func (m *Memory) updateRunLocked(run ledger.AutomationRun) error {
	if _, ok := m.runs[run.ID]; !ok {
		return ledger.ErrAutomationNotFound
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) ListRuns(_ context.Context, automationID ledger.AutomationID) ([]ledger.AutomationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRunsLocked(automationID)
}

func (m *Memory) listRunsLocked(automationID ledger.AutomationID) ([]ledger.AutomationRun, error) {
	result := make([]ledger.AutomationRun, 0)
	for _, run := range m.runs {
		if run.AutomationID == automationID {
			result = append(result, run)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.After(result[j].StartedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) ClaimDrawdown(_ context.Context, claim ledger.DrawdownClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimDrawdownLocked(claim)
}

func (m *Memory) claimDrawdownLocked(claim ledger.DrawdownClaim) error {
	k := claimKey{ContractID: claim.ContractID, PeriodEnd: claimDay(claim.PeriodEnd)}
	if _, ok := m.claims[k]; ok {
		return ledger.ErrDuplicateClaim
	}
	m.claims[k] = claim
	return nil
}

func (m *Memory) HasDrawdownClaim(_ context.Context, contractID ledger.ContractID, periodEnd time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasDrawdownClaimLocked(contractID, periodEnd)
}

func (m *Memory) hasDrawdownClaimLocked(contractID ledger.ContractID, periodEnd time.Time) (bool, error) {
	_, ok := m.claims[claimKey{ContractID: contractID, PeriodEnd: claimDay(periodEnd)}]
	return ok, nil
}

// =============================================================================
// TRANSACTIONS (STORE-LEVEL)
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on
// error. fn receives a view that reuses the already-held write lock.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	view := &memView{parent: m}
	if err := fn(view); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	contracts    map[ledger.ContractID]ledger.FundingContract
	transactions map[ledger.TransactionID]ledger.Transaction
	audits       map[ledger.TransactionID][]ledger.AuditEntry
	residents    map[ledger.ResidentID]ledger.Resident
	automations  map[ledger.AutomationID]ledger.Automation
	runs         map[ledger.RunID]ledger.AutomationRun
	claims       map[claimKey]ledger.DrawdownClaim
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		contracts:    make(map[ledger.ContractID]ledger.FundingContract, len(m.contracts)),
		transactions: make(map[ledger.TransactionID]ledger.Transaction, len(m.transactions)),
		audits:       make(map[ledger.TransactionID][]ledger.AuditEntry, len(m.audits)),
		residents:    make(map[ledger.ResidentID]ledger.Resident, len(m.residents)),
		automations:  make(map[ledger.AutomationID]ledger.Automation, len(m.automations)),
		runs:         make(map[ledger.RunID]ledger.AutomationRun, len(m.runs)),
		claims:       make(map[claimKey]ledger.DrawdownClaim, len(m.claims)),
	}
	for k, v := range m.contracts {
		s.contracts[k] = v
	}
	for k, v := range m.transactions {
		s.transactions[k] = v
	}
	for k, v := range m.audits {
		s.audits[k] = append([]ledger.AuditEntry{}, v...)
	}
	for k, v := range m.residents {
		s.residents[k] = v
	}
	for k, v := range m.automations {
		s.automations[k] = v
	}
	for k, v := range m.runs {
		s.runs[k] = v
	}
	for k, v := range m.claims {
		s.claims[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.contracts = s.contracts
	m.transactions = s.transactions
	m.audits = s.audits
	m.residents = s.residents
	m.automations = s.automations
	m.runs = s.runs
	m.claims = s.claims
}

// memView is the in-transaction face of Memory. The parent's write
// lock is already held, so it calls the *Locked methods directly.
type memView struct {
	parent *Memory
}

var _ ledger.Store = (*memView)(nil)

func (v *memView) CreateContract(_ context.Context, c ledger.FundingContract) error {
	return v.parent.createContractLocked(c)
}

func (v *memView) UpdateContract(_ context.Context, c ledger.FundingContract) error {
	return v.parent.updateContractLocked(c)
}

func (v *memView) GetContract(_ context.Context, id ledger.ContractID) (*ledger.FundingContract, error) {
	return v.parent.getContractLocked(id)
}

func (v *memView) ListContracts(_ context.Context, f ledger.ContractFilter) ([]ledger.FundingContract, error) {
	return v.parent.listContractsLocked(f)
}

func (v *memView) CreateTransaction(_ context.Context, t ledger.Transaction) error {
	return v.parent.createTransactionLocked(t)
}

func (v *memView) UpdateTransaction(_ context.Context, t ledger.Transaction) error {
	return v.parent.updateTransactionLocked(t)
}

func (v *memView) DeleteTransaction(_ context.Context, id ledger.TransactionID) error {
	return v.parent.deleteTransactionLocked(id)
}

func (v *memView) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return v.parent.getTransactionLocked(id)
}

func (v *memView) ListTransactionsByContract(_ context.Context, contractID ledger.ContractID) ([]ledger.Transaction, error) {
	return v.parent.listTransactionsByContractLocked(contractID)
}

func (v *memView) AppendAudit(_ context.Context, e ledger.AuditEntry) error {
	return v.parent.appendAuditLocked(e)
}

func (v *memView) ListAudit(_ context.Context, id ledger.TransactionID) ([]ledger.AuditEntry, error) {
	return v.parent.listAuditLocked(id)
}

func (v *memView) CreateResident(_ context.Context, r ledger.Resident) error {
	return v.parent.createResidentLocked(r)
}

func (v *memView) GetResident(_ context.Context, id ledger.ResidentID) (*ledger.Resident, error) {
	return v.parent.getResidentLocked(id)
}

func (v *memView) ListResidents(_ context.Context, organizationID string) ([]ledger.Resident, error) {
	return v.parent.listResidentsLocked(organizationID)
}

func (v *memView) CreateAutomation(_ context.Context, a ledger.Automation) error {
	return v.parent.createAutomationLocked(a)
}

func (v *memView) UpdateAutomation(_ context.Context, a ledger.Automation) error {
	return v.parent.updateAutomationLocked(a)
}

func (v *memView) GetAutomation(_ context.Context, id ledger.AutomationID) (*ledger.Automation, error) {
	return v.parent.getAutomationLocked(id)
}

func (v *memView) ListAutomations(_ context.Context, organizationID string) ([]ledger.Automation, error) {
	return v.parent.listAutomationsLocked(organizationID)
}

func (v *memView) ListDueAutomations(_ context.Context, now time.Time) ([]ledger.Automation, error) {
	return v.parent.listDueAutomationsLocked(now)
}

func (v *memView) CreateRun(_ context.Context, run ledger.AutomationRun) error {
	return v.parent.createRunLocked(run)
}

func (v *memView) UpdateRun(_ context.Context, run ledger.AutomationRun) error {
	return v.parent.updateRunLocked(run)
}

func (v *memView) ListRuns(_ context.Context, automationID ledger.AutomationID) ([]ledger.AutomationRun, error) {
	return v.parent.listRunsLocked(automationID)
}

func (v *memView) ClaimDrawdown(_ context.Context, claim ledger.DrawdownClaim) error {
	return v.parent.claimDrawdownLocked(claim)
}

func (v *memView) HasDrawdownClaim(_ context.Context, contractID ledger.ContractID, periodEnd time.Time) (bool, error) {
	return v.parent.hasDrawdownClaimLocked(contractID, periodEnd)
}

// WithTx on a view runs fn directly; the enclosing transaction already
// owns the lock and the snapshot.
func (v *memView) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return fn(v)
}
