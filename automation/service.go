package automation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carebridge/funding-engine/ledger"
)

// Service manages automation definitions and their run history.
// Execution is the Scheduler's job; this covers the CRUD surface.
type Service struct {
	store ledger.Store
	log   *logrus.Logger
	clock func() time.Time
}

func NewService(store ledger.Store, log *logrus.Logger) *Service {
	return &Service{store: store, log: log, clock: time.Now}
}

// WithClock fixes the service's notion of now for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Create registers a new automation. It first fires at the requested
// time; subsequent runs follow the schedule.
func (s *Service) Create(ctx context.Context, in ledger.CreateAutomationInput) (*ledger.Automation, error) {
	if verr := in.Validate(); verr != nil {
		return nil, verr
	}

	now := s.clock()
	a := ledger.Automation{
		ID:             ledger.NewAutomationID(),
		OrganizationID: in.OrganizationID,
		Name:           in.Name,
		Type:           in.Type,
		IsEnabled:      in.IsEnabled,
		Schedule:       in.Schedule,
		NextRunAt:      in.FirstRunAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateAutomation(ctx, a); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"component":     "automation",
		"automation_id": a.ID,
		"name":          a.Name,
		"type":          a.Type,
		"next_run_at":   a.NextRunAt,
	}).Info("automation created")
	return &a, nil
}

// Get returns one automation by id.
func (s *Service) Get(ctx context.Context, id ledger.AutomationID) (*ledger.Automation, error) {
	a, err := s.store.GetAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ledger.ErrAutomationNotFound
	}
	return a, nil
}

// List returns an organization's automations.
func (s *Service) List(ctx context.Context, organizationID string) ([]ledger.Automation, error) {
	return s.store.ListAutomations(ctx, organizationID)
}

// SetEnabled toggles an automation without touching its schedule. A
// disabled automation keeps its next run time and simply stops being
// picked up by ticks until re-enabled.
func (s *Service) SetEnabled(ctx context.Context, id ledger.AutomationID, enabled bool) (*ledger.Automation, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.IsEnabled == enabled {
		return a, nil
	}

	a.IsEnabled = enabled
	a.UpdatedAt = s.clock()
	if err := s.store.UpdateAutomation(ctx, *a); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"component":     "automation",
		"automation_id": a.ID,
		"enabled":       enabled,
	}).Info("automation toggled")
	return a, nil
}

// Runs returns an automation's run history, most recent first.
func (s *Service) Runs(ctx context.Context, id ledger.AutomationID) ([]ledger.AutomationRun, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, id)
}
