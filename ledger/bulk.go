/*
bulk.go - Best-effort batch posting and voiding

PURPOSE:
  Applies post or void across a batch of transaction ids. This is NOT
  a database transaction: each id goes through the ledger operation
  independently, and one failure never rolls back siblings already
  applied. Partial success is a designed, user-visible outcome.

UP-FRONT REJECTION:
  Input problems that apply to the whole batch (unknown action, void
  without a reason, empty id list) reject before anything is touched.
  Per-id failures land in the result's error list instead.

SEE ALSO:
  - transactions.go: The operations applied per id
*/
package ledger

import (
	"context"

	"github.com/sirupsen/logrus"
)

type BulkAction string

const (
	BulkPost BulkAction = "post"
	BulkVoid BulkAction = "void"
)

// BulkError records why one id in the batch failed.
type BulkError struct {
	TransactionID TransactionID `json:"transaction_id"`
	Message       string        `json:"message"`
}

// BulkResult reports the batch outcome. Success is true only when
// every id succeeded; Processed counts the ones that did.
type BulkResult struct {
	Success   bool        `json:"success"`
	Processed int         `json:"processed"`
	Errors    []BulkError `json:"errors"`
}

// BulkCoordinator drives the ledger operations over a batch.
type BulkCoordinator struct {
	tx  *TransactionService
	log *logrus.Logger
}

func NewBulkCoordinator(tx *TransactionService, log *logrus.Logger) *BulkCoordinator {
	return &BulkCoordinator{tx: tx, log: log}
}

// Apply processes ids sequentially through post or void. reason is
// required for void and ignored for post.
func (b *BulkCoordinator) Apply(ctx context.Context, ids []TransactionID, action BulkAction, reason, actor string) (BulkResult, error) {
	var issues []FieldIssue
	if len(ids) == 0 {
		issues = append(issues, FieldIssue{Field: "transactionIds", Message: "must not be empty"})
	}
	if action != BulkPost && action != BulkVoid {
		issues = append(issues, FieldIssue{Field: "action", Message: "must be one of: post void"})
	}
	if action == BulkVoid && reason == "" {
		issues = append(issues, FieldIssue{Field: "reason", Message: "is required for void"})
	}
	if actor == "" {
		issues = append(issues, FieldIssue{Field: "actor", Message: "is required"})
	}
	if len(issues) > 0 {
		return BulkResult{}, &ValidationError{Issues: issues}
	}

	result := BulkResult{Errors: []BulkError{}}
	for _, id := range ids {
		var err error
		switch action {
		case BulkPost:
			_, err = b.tx.Post(ctx, id, actor)
		case BulkVoid:
			_, err = b.tx.Void(ctx, id, VoidInput{Reason: reason, Actor: actor})
		}
		if err != nil {
			result.Errors = append(result.Errors, BulkError{TransactionID: id, Message: err.Error()})
			continue
		}
		result.Processed++
	}
	result.Success = len(result.Errors) == 0

	b.log.WithFields(logrus.Fields{
		"component": "bulk",
		"action":    action,
		"total":     len(ids),
		"processed": result.Processed,
		"failed":    len(result.Errors),
	}).Info("bulk operation finished")
	return result, nil
}
