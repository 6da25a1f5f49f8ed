/*
contracts.go - Contract lifecycle and renewal chains

PURPOSE:
  Owns every funding-contract state transition. The legal moves live in
  one explicit table; anything else is an InvalidTransition. Renewal
  creates a Draft child linked by ParentContractID - the chain is an
  arena of ids, never object references, so it cannot cycle.

LIFECYCLE:
  Draft -> Active               (activate; balance initialized)
  Draft -> Cancelled
  Active -> Expired             (window closed)
  Active -> Cancelled           (terminal, halts drawdown)
  Active -> Renewed             (after a renewal child activates)

RENEWAL:
  Renew(parent) requires the parent Active and leaves it untouched.
  The status flip to Renewed is a caller-driven follow-up once the
  child activates, which avoids a forced two-phase update across both
  rows.

SEE ALSO:
  - types.go: ContractStatus values
  - balance.go: NeedsRenewal feeding ExpiringSoon
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================

var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractDraft:  {ContractActive, ContractCancelled},
	ContractActive: {ContractExpired, ContractCancelled, ContractRenewed},
}

// CanTransition reports whether from -> to is a legal contract move.
func CanTransition(from, to ContractStatus) bool {
	for _, allowed := range contractTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// =============================================================================
// CONTRACT SERVICE
// =============================================================================

// ContractService owns contract creation, transitions, and renewals.
type ContractService struct {
	store Store
	log   *logrus.Logger
	clock func() time.Time
}

func NewContractService(store Store, log *logrus.Logger) *ContractService {
	return &ContractService{store: store, log: log, clock: time.Now}
}

// WithClock overrides the time source. Test hook.
func (s *ContractService) WithClock(clock func() time.Time) *ContractService {
	s.clock = clock
	return s
}

// Create builds a Draft contract with its full allocation unconsumed.
func (s *ContractService) Create(ctx context.Context, in CreateContractInput) (*FundingContract, error) {
	if verr := in.Validate(); verr != nil {
		return nil, verr
	}

	resident, err := s.store.GetResident(ctx, in.ResidentID)
	if err != nil {
		return nil, fmt.Errorf("load resident: %w", err)
	}
	if resident == nil {
		return nil, ErrResidentNotFound
	}
	if resident.OrganizationID != in.OrganizationID {
		return nil, &ValidationError{Issues: []FieldIssue{{
			Field:   "organizationId",
			Message: "resident belongs to a different organization",
		}}}
	}

	now := s.clock()
	c := FundingContract{
		ID:                   NewContractID(),
		ResidentID:           in.ResidentID,
		OrganizationID:       in.OrganizationID,
		ContractType:         in.ContractType,
		Status:               ContractDraft,
		OriginalAmount:       in.OriginalAmount,
		CurrentBalance:       in.OriginalAmount,
		DrawdownRate:         in.DrawdownRate,
		AutoDrawdown:         in.AutoDrawdown,
		RenewalDate:          in.RenewalDate,
		StartDate:            in.StartDate,
		EndDate:              in.EndDate,
		SupportItemCode:      in.SupportItemCode,
		DailySupportItemCost: in.DailySupportItemCost,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateContract(ctx, c); err != nil {
		return nil, fmt.Errorf("create contract: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"component":   "contracts",
		"contract_id": c.ID,
		"resident_id": c.ResidentID,
	}).Info("contract created")
	return &c, nil
}

func (s *ContractService) Get(ctx context.Context, id ContractID) (*FundingContract, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrContractNotFound
	}
	return c, nil
}

func (s *ContractService) List(ctx context.Context, filter ContractFilter) ([]FundingContract, error) {
	return s.store.ListContracts(ctx, filter)
}

// Activate moves a Draft contract to Active, initializing the balance
// to the full allocation when it was never set.
func (s *ContractService) Activate(ctx context.Context, id ContractID) (*FundingContract, error) {
	return s.UpdateStatus(ctx, id, ContractActive)
}

// UpdateStatus applies one transition from the table.
func (s *ContractService) UpdateStatus(ctx context.Context, id ContractID, to ContractStatus) (*FundingContract, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(c.Status, to) {
		return nil, &InvalidTransitionError{
			Entity: "contract",
			ID:     string(id),
			From:   string(c.Status),
			To:     string(to),
		}
	}

	from := c.Status
	c.Status = to
	if to == ContractActive && c.CurrentBalance.IsZero() && !c.OriginalAmount.IsZero() {
		c.CurrentBalance = c.OriginalAmount
	}
	c.UpdatedAt = s.clock()

	if err := s.store.UpdateContract(ctx, *c); err != nil {
		return nil, fmt.Errorf("update contract status: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"component":   "contracts",
		"contract_id": c.ID,
		"from":        from,
		"to":          to,
	}).Info("contract status changed")
	return c, nil
}

// MarkRenewed is the follow-up transition after a renewal child goes
// Active. Separate from Renew so the two rows never need one lock.
func (s *ContractService) MarkRenewed(ctx context.Context, parentID ContractID) (*FundingContract, error) {
	return s.UpdateStatus(ctx, parentID, ContractRenewed)
}

// Renew creates a Draft child continuing the parent's funding. The
// parent must be Active and is not modified here.
func (s *ContractService) Renew(ctx context.Context, parentID ContractID, in RenewContractInput) (*FundingContract, error) {
	if verr := in.Validate(); verr != nil {
		return nil, verr
	}

	parent, err := s.store.GetContract(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("load parent contract: %w", err)
	}
	if parent == nil {
		return nil, ErrContractNotFound
	}
	if parent.Status != ContractActive {
		return nil, &InvalidTransitionError{
			Entity: "contract",
			ID:     string(parentID),
			From:   string(parent.Status),
			To:     string(ContractRenewed),
			Reason: "Can only renew active contracts",
		}
	}

	now := s.clock()
	pid := parent.ID
	child := FundingContract{
		ID:               NewContractID(),
		ResidentID:       parent.ResidentID,
		OrganizationID:   parent.OrganizationID,
		ContractType:     parent.ContractType,
		Status:           ContractDraft,
		OriginalAmount:   in.Amount,
		CurrentBalance:   in.Amount,
		DrawdownRate:     parent.DrawdownRate,
		AutoDrawdown:     parent.AutoDrawdown,
		ParentContractID: &pid,
		StartDate:        in.StartDate,
		EndDate:          in.EndDate,

		SupportItemCode:      parent.SupportItemCode,
		DailySupportItemCost: parent.DailySupportItemCost,

		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateContract(ctx, child); err != nil {
		return nil, fmt.Errorf("create renewal contract: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"component":   "contracts",
		"contract_id": child.ID,
		"parent_id":   parent.ID,
	}).Info("contract renewed")
	return &child, nil
}

// ExpiringSoon lists active contracts ending within the renewal
// look-ahead of today.
func (s *ContractService) ExpiringSoon(ctx context.Context, today time.Time) ([]FundingContract, error) {
	return s.ExpiringWithin(ctx, today, RenewalLookahead)
}

// ExpiringWithin lists active contracts ending inside an arbitrary
// window of today.
func (s *ContractService) ExpiringWithin(ctx context.Context, today time.Time, window time.Duration) ([]FundingContract, error) {
	active := ContractActive
	contracts, err := s.store.ListContracts(ctx, ContractFilter{Status: &active})
	if err != nil {
		return nil, err
	}
	expiring := make([]FundingContract, 0)
	for _, c := range contracts {
		if ExpiresWithin(c, today, window) {
			expiring = append(expiring, c)
		}
	}
	return expiring, nil
}
