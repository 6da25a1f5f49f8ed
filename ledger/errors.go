/*
errors.go - Centralized error types for the funding engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is against the sentinels; the HTTP layer
  maps classes to status codes.

ERROR CATEGORIES:
  1. Not-found errors - Referenced contract/transaction/resident missing
  2. Transition errors - Illegal state-machine moves
  3. Balance errors - Posting beyond the remaining allocation
  4. Validation errors - Malformed input, rejected before any mutation

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      var ib *ledger.InsufficientBalanceError
      errors.As(err, &ib) // ib.Available, ib.Requested
  }

SEE ALSO:
  - transactions.go: Returns transition and balance errors
  - contracts.go: Returns transition errors
  - validate.go: Builds ValidationError
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrContractNotFound is returned when a referenced contract doesn't exist.
	ErrContractNotFound = errors.New("contract not found")

	// ErrTransactionNotFound is returned when a referenced transaction doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrResidentNotFound is returned when a referenced resident doesn't exist.
	ErrResidentNotFound = errors.New("resident not found")

	// ErrAutomationNotFound is returned when a referenced automation doesn't exist.
	ErrAutomationNotFound = errors.New("automation not found")

	// ErrInvalidTransition is returned when a state change is not legal
	// from the current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInsufficientBalance is returned when a posting amount exceeds the
	// contract's remaining balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrValidation is returned for malformed input, always before any
	// state mutation is attempted.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrentModification is returned when optimistic locking
	// detects a conflicting write.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrRunnerFailure is returned when an automation's runner failed.
	// Recorded on the run; never aborts sibling automations.
	ErrRunnerFailure = errors.New("automation runner failed")

	// ErrDuplicateClaim is returned when a drawdown period was already
	// generated for a contract. Expected behavior for scheduler retries.
	ErrDuplicateClaim = errors.New("drawdown period already claimed")

	// ErrTickSkipped is returned when another scheduler invocation holds
	// the tick lock.
	ErrTickSkipped = errors.New("scheduler tick already in progress")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	ContractID ContractID
	Available  decimal.Decimal
	Requested  decimal.Decimal
	Shortfall  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on contract %s: available %s, requested %s, shortfall %s",
		e.ContractID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// InvalidTransitionError provides details about an illegal state change.
type InvalidTransitionError struct {
	Entity string // "contract" or "transaction"
	ID     string
	From   string
	To     string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// FieldIssue is one validation problem on one input field.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates every issue found in one input so callers
// see the full list, not just the first failure.
type ValidationError struct {
	Issues []FieldIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("validation failed: %s: %s", e.Issues[0].Field, e.Issues[0].Message)
	}
	return fmt.Sprintf("validation failed: %d issues", len(e.Issues))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrTickSkipped)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateClaim)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContractNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrResidentNotFound) ||
		errors.Is(err, ErrAutomationNotFound)
}
