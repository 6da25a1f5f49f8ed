/*
validate.go - Typed input validation, evaluated before any mutation

PURPOSE:
  Every mutating operation takes a typed input struct validated here
  first. A failed validation returns *ValidationError with the full
  issue list and guarantees no state was touched.

MECHANICS:
  Structural rules (required, oneof) ride on go-playground/validator
  tags. Rules the tag language cannot express - decimal signs, date
  ordering, conditional requirements - run as explicit checks and
  append to the same issue list.

SEE ALSO:
  - errors.go: ValidationError / FieldIssue definitions
  - contracts.go, transactions.go: Call these validators first
*/
package ledger

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// tagIssues converts validator.ValidationErrors into field issues.
func tagIssues(err error) []FieldIssue {
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldIssue{{Field: "input", Message: err.Error()}}
	}
	issues := make([]FieldIssue, 0, len(verrs))
	for _, ve := range verrs {
		issues = append(issues, FieldIssue{
			Field:   strings.ToLower(ve.Field()[:1]) + ve.Field()[1:],
			Message: tagMessage(ve),
		})
	}
	return issues
}

func tagMessage(ve validator.FieldError) string {
	switch ve.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + ve.Param()
	default:
		return "failed " + ve.Tag() + " check"
	}
}

func finish(issues []FieldIssue) *ValidationError {
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

// =============================================================================
// CONTRACT INPUTS
// =============================================================================

type CreateContractInput struct {
	ResidentID     ResidentID `validate:"required"`
	OrganizationID string     `validate:"required"`
	ContractType   string     `validate:"required"`

	OriginalAmount decimal.Decimal
	StartDate      time.Time  `validate:"required"`
	EndDate        *time.Time
	RenewalDate    *time.Time

	DrawdownRate         DrawdownRate `validate:"required,oneof=daily weekly monthly"`
	AutoDrawdown         bool
	SupportItemCode      string
	DailySupportItemCost decimal.Decimal
}

func (in CreateContractInput) Validate() *ValidationError {
	issues := tagIssues(validate.Struct(in))
	if in.OriginalAmount.IsNegative() {
		issues = append(issues, FieldIssue{Field: "originalAmount", Message: "must not be negative"})
	}
	if in.DailySupportItemCost.IsNegative() {
		issues = append(issues, FieldIssue{Field: "dailySupportItemCost", Message: "must not be negative"})
	}
	if in.EndDate != nil && in.EndDate.Before(in.StartDate) {
		issues = append(issues, FieldIssue{Field: "endDate", Message: "must not be before startDate"})
	}
	return finish(issues)
}

type RenewContractInput struct {
	Amount    decimal.Decimal
	StartDate time.Time `validate:"required"`
	EndDate   *time.Time
}

func (in RenewContractInput) Validate() *ValidationError {
	issues := tagIssues(validate.Struct(in))
	if in.Amount.IsNegative() {
		issues = append(issues, FieldIssue{Field: "amount", Message: "must not be negative"})
	}
	if in.EndDate != nil && in.EndDate.Before(in.StartDate) {
		issues = append(issues, FieldIssue{Field: "endDate", Message: "must not be before startDate"})
	}
	return finish(issues)
}

// =============================================================================
// TRANSACTION INPUTS
// =============================================================================

type CreateTransactionInput struct {
	ResidentID ResidentID    `validate:"required"`
	ContractID ContractID    `validate:"required"`
	OccurredAt time.Time     `validate:"required"`
	Quantity   decimal.Decimal
	UnitPrice  decimal.Decimal

	// Amount overrides Quantity x UnitPrice when set.
	Amount *decimal.Decimal

	Note      string
	CreatedBy string `validate:"required"`
}

func (in CreateTransactionInput) Validate() *ValidationError {
	issues := tagIssues(validate.Struct(in))
	if in.Quantity.IsNegative() {
		issues = append(issues, FieldIssue{Field: "quantity", Message: "must not be negative"})
	}
	if in.UnitPrice.IsNegative() {
		issues = append(issues, FieldIssue{Field: "unitPrice", Message: "must not be negative"})
	}
	if in.Amount != nil && in.Amount.IsNegative() {
		issues = append(issues, FieldIssue{Field: "amount", Message: "must not be negative"})
	}
	return finish(issues)
}

// UpdateTransactionInput patches a draft transaction. Nil fields are
// left untouched.
type UpdateTransactionInput struct {
	OccurredAt *time.Time
	Quantity   *decimal.Decimal
	UnitPrice  *decimal.Decimal
	Amount     *decimal.Decimal
	Note       *string
}

func (in UpdateTransactionInput) Validate() *ValidationError {
	var issues []FieldIssue
	if in.Quantity != nil && in.Quantity.IsNegative() {
		issues = append(issues, FieldIssue{Field: "quantity", Message: "must not be negative"})
	}
	if in.UnitPrice != nil && in.UnitPrice.IsNegative() {
		issues = append(issues, FieldIssue{Field: "unitPrice", Message: "must not be negative"})
	}
	if in.Amount != nil && in.Amount.IsNegative() {
		issues = append(issues, FieldIssue{Field: "amount", Message: "must not be negative"})
	}
	return finish(issues)
}

type VoidInput struct {
	Reason string `validate:"required"`
	Actor  string `validate:"required"`
}

func (in VoidInput) Validate() *ValidationError {
	issues := tagIssues(validate.Struct(in))
	if strings.TrimSpace(in.Reason) == "" && in.Reason != "" {
		issues = append(issues, FieldIssue{Field: "reason", Message: "must not be blank"})
	}
	return finish(issues)
}

// =============================================================================
// RESIDENT / AUTOMATION INPUTS
// =============================================================================

type CreateResidentInput struct {
	OrganizationID string `validate:"required"`
	Name           string `validate:"required"`
	AdmissionDate  *time.Time
}

func (in CreateResidentInput) Validate() *ValidationError {
	return finish(tagIssues(validate.Struct(in)))
}

type CreateAutomationInput struct {
	OrganizationID string `validate:"required"`
	Name           string `validate:"required"`
	Type           string `validate:"required"`
	IsEnabled      bool
	Schedule       Schedule
	FirstRunAt     time.Time `validate:"required"`
}

func (in CreateAutomationInput) Validate() *ValidationError {
	issues := tagIssues(validate.Struct(in))
	switch in.Schedule.Kind {
	case ScheduleInterval:
		if in.Schedule.Every <= 0 {
			issues = append(issues, FieldIssue{Field: "schedule.every", Message: "must be a positive duration"})
		}
	case ScheduleDaily, ScheduleMonthly:
		if in.Schedule.AtHour < 0 || in.Schedule.AtHour > 23 {
			issues = append(issues, FieldIssue{Field: "schedule.atHour", Message: "must be between 0 and 23"})
		}
		if in.Schedule.AtMinute < 0 || in.Schedule.AtMinute > 59 {
			issues = append(issues, FieldIssue{Field: "schedule.atMinute", Message: "must be between 0 and 59"})
		}
		if in.Schedule.Kind == ScheduleMonthly && (in.Schedule.DayOfMonth < 1 || in.Schedule.DayOfMonth > 31) {
			issues = append(issues, FieldIssue{Field: "schedule.dayOfMonth", Message: "must be between 1 and 31"})
		}
	default:
		issues = append(issues, FieldIssue{Field: "schedule.kind", Message: "must be one of: interval daily monthly"})
	}
	return finish(issues)
}
