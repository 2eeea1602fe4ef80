package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/repository"
)

// SysBalance is the balance of the system account.
type SysBalance struct {
	Balance decimal.Decimal `json:"balance"`
}

// ProjBalance is the balance of a project and of its RSV sibling.
type ProjBalance struct {
	ProjID      uuid.UUID       `json:"proj_id"`
	Balance     decimal.Decimal `json:"balance"`
	Reservation decimal.Decimal `json:"reservation"`
}

// VlabBalance is the balance of a virtual lab, optionally expanded with
// its projects.
type VlabBalance struct {
	VlabID   uuid.UUID       `json:"vlab_id"`
	Balance  decimal.Decimal `json:"balance"`
	Projects []ProjBalance   `json:"projects,omitempty"`
}

// GetSystemBalance returns the system account balance.
func (s *Service) GetSystemBalance(ctx context.Context) (SysBalance, error) {
	repos := repository.NewGroup(s.db)
	account, err := repos.Account.GetSystemAccount(ctx)
	if err != nil {
		return SysBalance{}, err
	}
	return SysBalance{Balance: account.Balance}, nil
}

// GetProjBalance returns a project balance with its reserved amount.
func (s *Service) GetProjBalance(ctx context.Context, projID uuid.UUID) (ProjBalance, error) {
	repos := repository.NewGroup(s.db)
	proj, err := repos.Account.GetProjAccount(ctx, projID, false)
	if err != nil {
		return ProjBalance{}, err
	}
	balances, err := projBalances(ctx, repos, []domain.Account{proj})
	if err != nil {
		return ProjBalance{}, err
	}
	return balances[0], nil
}

// GetVlabBalance returns a virtual lab balance, expanded with the
// per-project balances when includeProjects is set.
func (s *Service) GetVlabBalance(ctx context.Context, vlabID uuid.UUID, includeProjects bool) (VlabBalance, error) {
	repos := repository.NewGroup(s.db)
	vlab, err := repos.Account.GetVlabAccount(ctx, vlabID, false)
	if err != nil {
		return VlabBalance{}, err
	}
	out := VlabBalance{VlabID: vlab.ID, Balance: vlab.Balance}
	if !includeProjects {
		return out, nil
	}
	projects, err := repos.Account.GetProjAccountsForVlab(ctx, vlabID)
	if err != nil {
		return VlabBalance{}, err
	}
	out.Projects, err = projBalances(ctx, repos, projects)
	if err != nil {
		return VlabBalance{}, err
	}
	return out, nil
}

func projBalances(ctx context.Context, repos *repository.Group, projects []domain.Account) ([]ProjBalance, error) {
	if len(projects) == 0 {
		return nil, nil
	}
	projIDs := make([]uuid.UUID, len(projects))
	for i, p := range projects {
		projIDs[i] = p.ID
	}
	reservations, err := repos.Account.GetReservationAccounts(ctx, projIDs)
	if err != nil {
		return nil, err
	}
	reservationByProj := make(map[uuid.UUID]decimal.Decimal, len(reservations))
	for _, r := range reservations {
		reservationByProj[r.ParentID.UUID] = r.Balance
	}
	out := make([]ProjBalance, len(projects))
	for i, p := range projects {
		reservation, ok := reservationByProj[p.ID]
		if !ok {
			return nil, fmt.Errorf("project %s has no reservation account", p.ID)
		}
		out[i] = ProjBalance{ProjID: p.ID, Balance: p.Balance, Reservation: reservation}
	}
	return out, nil
}
