/*
transactions.go - Transaction state machine and balance mutation

PURPOSE:
  The only code in the system that moves a contract's balance. Posting
  a draft transaction decrements CurrentBalance; voiding a posted one
  restores it. The two are exact inverses under decimal arithmetic:
  post then void returns the balance bit-for-bit.

CRITICAL INVARIANTS:
  1. Balance is only touched by Post and Void. Nothing else.
  2. 0 <= CurrentBalance <= OriginalAmount after every operation.
  3. A failed mutation leaves every row untouched (checks happen
     inside the same store transaction as the writes).
  4. The audit trail is append-only; history is never rewritten.

SERIALIZATION:
  Every balance read-check-write runs under the per-contract lock AND
  inside a store transaction, with the contract row version-checked on
  write. Two concurrent posts against one contract cannot both pass
  the balance check against a stale read.

ORPHANS:
  A transaction whose OccurredAt falls outside the contract window is
  flagged IsOrphaned at creation and still accepted. The flag is not
  re-evaluated if the window later changes.

SEE ALSO:
  - store.go: Ports this service drives
  - bulk.go: Batch application over these operations
  - lock: The per-contract mutual exclusion primitive
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/carebridge/funding-engine/lock"
)

// Metrics is the slice of instrumentation the ledger feeds. The
// metrics package provides the Prometheus implementation; NopMetrics
// keeps tests quiet.
type Metrics interface {
	TransactionPosted()
	TransactionVoided()
	InsufficientBalanceRejected()
}

type NopMetrics struct{}

func (NopMetrics) TransactionPosted()           {}
func (NopMetrics) TransactionVoided()           {}
func (NopMetrics) InsufficientBalanceRejected() {}

// =============================================================================
// TRANSACTION SERVICE
// =============================================================================

// TransactionService owns the draft -> posted -> voided machine.
type TransactionService struct {
	store   Store
	locks   lock.Locker
	log     *logrus.Logger
	metrics Metrics
	clock   func() time.Time
}

func NewTransactionService(store Store, locks lock.Locker, log *logrus.Logger) *TransactionService {
	return &TransactionService{
		store:   store,
		locks:   locks,
		log:     log,
		metrics: NopMetrics{},
		clock:   time.Now,
	}
}

// WithMetrics attaches instrumentation.
func (s *TransactionService) WithMetrics(m Metrics) *TransactionService {
	s.metrics = m
	return s
}

// WithClock overrides the time source. Test hook.
func (s *TransactionService) WithClock(clock func() time.Time) *TransactionService {
	s.clock = clock
	return s
}

func contractLockKey(id ContractID) string {
	return "contract:" + string(id)
}

// =============================================================================
// CREATE / READ
// =============================================================================

// Create always produces a draft. Amount defaults to Quantity x
// UnitPrice unless explicitly overridden.
func (s *TransactionService) Create(ctx context.Context, in CreateTransactionInput) (*Transaction, error) {
	if verr := in.Validate(); verr != nil {
		return nil, verr
	}

	contract, err := s.store.GetContract(ctx, in.ContractID)
	if err != nil {
		return nil, fmt.Errorf("load contract: %w", err)
	}
	if contract == nil {
		return nil, ErrContractNotFound
	}
	if contract.ResidentID != in.ResidentID {
		return nil, &ValidationError{Issues: []FieldIssue{{
			Field:   "residentId",
			Message: "transaction resident does not match contract resident",
		}}}
	}

	amount := in.Quantity.Mul(in.UnitPrice)
	if in.Amount != nil {
		amount = *in.Amount
	}

	now := s.clock()
	t := Transaction{
		ID:         NewTransactionID(),
		ResidentID: in.ResidentID,
		ContractID: in.ContractID,
		OccurredAt: in.OccurredAt,
		Quantity:   in.Quantity,
		UnitPrice:  in.UnitPrice,
		Amount:     amount,
		Note:       in.Note,
		Status:     TxDraft,
		IsOrphaned: !contract.InWindow(in.OccurredAt),
		CreatedBy:  in.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateTransaction(ctx, t); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, s.audit(t.ID, AuditCreated, in.CreatedBy, ""))
	})
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	if t.IsOrphaned {
		s.log.WithFields(logrus.Fields{
			"component":      "transactions",
			"transaction_id": t.ID,
			"contract_id":    t.ContractID,
		}).Warn("transaction occurred outside contract window, flagged orphaned")
	}
	return &t, nil
}

func (s *TransactionService) Get(ctx context.Context, id TransactionID) (*Transaction, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrTransactionNotFound
	}
	return t, nil
}

func (s *TransactionService) ListByContract(ctx context.Context, contractID ContractID) ([]Transaction, error) {
	return s.store.ListTransactionsByContract(ctx, contractID)
}

// Audit returns the append-only history for one transaction,
// chronologically.
func (s *TransactionService) Audit(ctx context.Context, id TransactionID) ([]AuditEntry, error) {
	return s.store.ListAudit(ctx, id)
}

// =============================================================================
// POST - The drawdown
// =============================================================================

// Post commits a draft transaction against its contract's balance.
// The status check, balance check, and decrement are one unit: they
// run under the contract lock inside one store transaction.
func (s *TransactionService) Post(ctx context.Context, id TransactionID, actor string) (*Transaction, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, &ValidationError{Issues: []FieldIssue{{Field: "actor", Message: "is required"}}}
	}

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.Acquire(ctx, contractLockKey(t.ContractID))
	if err != nil {
		return nil, fmt.Errorf("acquire contract lock: %w", err)
	}
	defer release()

	var posted *Transaction
	err = s.store.WithTx(ctx, func(tx Store) error {
		posted, err = s.postInTx(ctx, tx, id, actor)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.TransactionPosted()
	s.log.WithFields(logrus.Fields{
		"component":      "transactions",
		"transaction_id": id,
		"contract_id":    posted.ContractID,
		"amount":         posted.Amount,
	}).Info("transaction posted")
	return posted, nil
}

// PostGenerated creates and posts a scheduler-generated transaction and
// records its drawdown claim, all in one store transaction. A crash
// can therefore never leave a claimed-but-unbilled or billed-but-
// unclaimed period behind.
func (s *TransactionService) PostGenerated(ctx context.Context, in CreateTransactionInput, claim DrawdownClaim) (*Transaction, error) {
	if verr := in.Validate(); verr != nil {
		return nil, verr
	}

	release, err := s.locks.Acquire(ctx, contractLockKey(in.ContractID))
	if err != nil {
		return nil, fmt.Errorf("acquire contract lock: %w", err)
	}
	defer release()

	amount := in.Quantity.Mul(in.UnitPrice)
	if in.Amount != nil {
		amount = *in.Amount
	}

	var posted *Transaction
	err = s.store.WithTx(ctx, func(tx Store) error {
		contract, err := tx.GetContract(ctx, in.ContractID)
		if err != nil {
			return err
		}
		if contract == nil {
			return ErrContractNotFound
		}

		now := s.clock()
		t := Transaction{
			ID:         NewTransactionID(),
			ResidentID: in.ResidentID,
			ContractID: in.ContractID,
			OccurredAt: in.OccurredAt,
			Quantity:   in.Quantity,
			UnitPrice:  in.UnitPrice,
			Amount:     amount,
			Note:       in.Note,
			Status:     TxDraft,
			IsOrphaned: !contract.InWindow(in.OccurredAt),
			CreatedBy:  in.CreatedBy,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.CreateTransaction(ctx, t); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, s.audit(t.ID, AuditCreated, in.CreatedBy, "generated by drawdown automation")); err != nil {
			return err
		}

		posted, err = s.postInTx(ctx, tx, t.ID, in.CreatedBy)
		if err != nil {
			return err
		}

		claim.ClaimedAt = now
		if err := tx.ClaimDrawdown(ctx, claim); err != nil {
			return err
		}

		// Advance the drawdown cursor with the balance change.
		fresh, err := tx.GetContract(ctx, in.ContractID)
		if err != nil {
			return err
		}
		periodEnd := claim.PeriodEnd
		fresh.LastDrawdownDate = &periodEnd
		fresh.UpdatedAt = now
		return tx.UpdateContract(ctx, *fresh)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.TransactionPosted()
	s.log.WithFields(logrus.Fields{
		"component":      "transactions",
		"transaction_id": posted.ID,
		"contract_id":    posted.ContractID,
		"amount":         posted.Amount,
		"period_end":     claim.PeriodEnd.Format("2006-01-02"),
	}).Info("drawdown transaction posted")
	return posted, nil
}

// postInTx runs the post state machine inside an already-open store
// transaction. Caller holds the contract lock.
func (s *TransactionService) postInTx(ctx context.Context, tx Store, id TransactionID, actor string) (*Transaction, error) {
	cur, err := tx.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrTransactionNotFound
	}
	if cur.Status != TxDraft {
		return nil, &InvalidTransitionError{
			Entity: "transaction",
			ID:     string(id),
			From:   string(cur.Status),
			To:     string(TxPosted),
			Reason: "Can only post draft transactions",
		}
	}

	contract, err := tx.GetContract(ctx, cur.ContractID)
	if err != nil {
		return nil, err
	}
	if contract == nil {
		return nil, ErrContractNotFound
	}
	if cur.Amount.GreaterThan(contract.CurrentBalance) {
		s.metrics.InsufficientBalanceRejected()
		return nil, &InsufficientBalanceError{
			ContractID: contract.ID,
			Available:  contract.CurrentBalance,
			Requested:  cur.Amount,
			Shortfall:  cur.Amount.Sub(contract.CurrentBalance),
		}
	}

	now := s.clock()
	before := contract.CurrentBalance
	contract.CurrentBalance = contract.CurrentBalance.Sub(cur.Amount)
	contract.UpdatedAt = now
	if err := tx.UpdateContract(ctx, *contract); err != nil {
		return nil, err
	}

	cur.Status = TxPosted
	cur.PostedAt = &now
	cur.PostedBy = actor
	cur.UpdatedAt = now
	if err := tx.UpdateTransaction(ctx, *cur); err != nil {
		return nil, err
	}

	if err := tx.AppendAudit(ctx, s.audit(id, AuditValidated, actor, "")); err != nil {
		return nil, err
	}
	if err := tx.AppendAudit(ctx, s.audit(id, AuditPosted, actor, "")); err != nil {
		return nil, err
	}
	balanceNote := fmt.Sprintf("balance %s -> %s", before, contract.CurrentBalance)
	if err := tx.AppendAudit(ctx, s.audit(id, AuditBalanceUpdated, actor, balanceNote)); err != nil {
		return nil, err
	}
	return cur, nil
}

// =============================================================================
// VOID - The inverse
// =============================================================================

// Void reverses a posted transaction, restoring exactly the amount
// the post consumed. Reason is mandatory.
func (s *TransactionService) Void(ctx context.Context, id TransactionID, in VoidInput) (*Transaction, error) {
	if verr := in.Validate(); verr != nil {
		return nil, verr
	}

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.Acquire(ctx, contractLockKey(t.ContractID))
	if err != nil {
		return nil, fmt.Errorf("acquire contract lock: %w", err)
	}
	defer release()

	var voided *Transaction
	err = s.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrTransactionNotFound
		}
		if cur.Status != TxPosted {
			return &InvalidTransitionError{
				Entity: "transaction",
				ID:     string(id),
				From:   string(cur.Status),
				To:     string(TxVoided),
				Reason: "Can only void posted transactions",
			}
		}

		contract, err := tx.GetContract(ctx, cur.ContractID)
		if err != nil {
			return err
		}
		if contract == nil {
			return ErrContractNotFound
		}

		now := s.clock()
		before := contract.CurrentBalance
		contract.CurrentBalance = contract.CurrentBalance.Add(cur.Amount)
		contract.UpdatedAt = now
		if err := tx.UpdateContract(ctx, *contract); err != nil {
			return err
		}

		cur.Status = TxVoided
		cur.VoidedAt = &now
		cur.VoidedBy = in.Actor
		cur.VoidReason = in.Reason
		cur.UpdatedAt = now
		if err := tx.UpdateTransaction(ctx, *cur); err != nil {
			return err
		}

		if err := tx.AppendAudit(ctx, s.audit(id, AuditVoided, in.Actor, in.Reason)); err != nil {
			return err
		}
		balanceNote := fmt.Sprintf("balance %s -> %s", before, contract.CurrentBalance)
		if err := tx.AppendAudit(ctx, s.audit(id, AuditBalanceUpdated, in.Actor, balanceNote)); err != nil {
			return err
		}

		voided = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.TransactionVoided()
	s.log.WithFields(logrus.Fields{
		"component":      "transactions",
		"transaction_id": id,
		"contract_id":    voided.ContractID,
		"amount":         voided.Amount,
		"reason":         in.Reason,
	}).Info("transaction voided")
	return voided, nil
}

// =============================================================================
// DRAFT EDITS
// =============================================================================

// Update patches a draft transaction. Posted and voided transactions
// are immutable.
func (s *TransactionService) Update(ctx context.Context, id TransactionID, in UpdateTransactionInput) (*Transaction, error) {
	if verr := in.Validate(); verr != nil {
		return nil, verr
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != TxDraft {
		return nil, &InvalidTransitionError{
			Entity: "transaction",
			ID:     string(id),
			From:   string(cur.Status),
			To:     string(TxDraft),
			Reason: "Can only update draft transactions",
		}
	}

	if in.OccurredAt != nil {
		cur.OccurredAt = *in.OccurredAt
	}
	repriced := false
	if in.Quantity != nil {
		cur.Quantity = *in.Quantity
		repriced = true
	}
	if in.UnitPrice != nil {
		cur.UnitPrice = *in.UnitPrice
		repriced = true
	}
	switch {
	case in.Amount != nil:
		cur.Amount = *in.Amount
	case repriced:
		// Re-derive the default; an earlier explicit override is
		// superseded by the new quantity/price.
		cur.Amount = cur.Quantity.Mul(cur.UnitPrice)
	}
	if in.Note != nil {
		cur.Note = *in.Note
	}
	cur.UpdatedAt = s.clock()

	if err := s.store.UpdateTransaction(ctx, *cur); err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}
	return cur, nil
}

// Delete removes a draft transaction. Its audit entries remain.
func (s *TransactionService) Delete(ctx context.Context, id TransactionID) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != TxDraft {
		return &InvalidTransitionError{
			Entity: "transaction",
			ID:     string(id),
			From:   string(cur.Status),
			To:     "deleted",
			Reason: "Can only delete draft transactions",
		}
	}
	return s.store.DeleteTransaction(ctx, id)
}

func (s *TransactionService) audit(id TransactionID, action AuditAction, actor, note string) AuditEntry {
	return AuditEntry{
		ID:            uuid.NewString(),
		TransactionID: id,
		Action:        action,
		Actor:         actor,
		At:            s.clock(),
		Note:          note,
	}
}
