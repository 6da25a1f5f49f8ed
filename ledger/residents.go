/*
residents.go - Minimal resident registry

The wider application owns the rich resident record; the engine needs
just enough to anchor contracts: existence and organization scoping.
*/
package ledger

import (
	"context"
	"time"
)

type ResidentService struct {
	store Store
	clock func() time.Time
}

func NewResidentService(store Store) *ResidentService {
	return &ResidentService{store: store, clock: time.Now}
}

func (s *ResidentService) Create(ctx context.Context, in CreateResidentInput) (*Resident, error) {
	if verr := in.Validate(); verr != nil {
		return nil, verr
	}
	r := Resident{
		ID:             NewResidentID(),
		OrganizationID: in.OrganizationID,
		Name:           in.Name,
		AdmissionDate:  in.AdmissionDate,
		CreatedAt:      s.clock(),
	}
	if err := s.store.CreateResident(ctx, r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *ResidentService) Get(ctx context.Context, id ResidentID) (*Resident, error) {
	r, err := s.store.GetResident(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrResidentNotFound
	}
	return r, nil
}

func (s *ResidentService) List(ctx context.Context, organizationID string) ([]Resident, error) {
	return s.store.ListResidents(ctx, organizationID)
}
