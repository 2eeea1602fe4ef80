package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openvlab/accounting/internal/apierror"
	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/repository"
)

func requirePositive(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return apierror.InvalidRequest("amount must be positive")
	}
	return nil
}

// TopUp injects funds into a virtual lab, SYS -> VLAB. The system account
// balance may go negative: it tracks the net money injected.
func (s *Service) TopUp(ctx context.Context, vlabID uuid.UUID, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	now := time.Now().UTC()
	return database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		repos := repository.NewGroup(tx)
		return topUpInTx(ctx, repos, vlabID, amount, now)
	})
}

// topUpInTx posts the TOP_UP inside an existing transaction, shared with
// virtual lab creation.
func topUpInTx(
	ctx context.Context,
	repos *repository.Group,
	vlabID uuid.UUID,
	amount decimal.Decimal,
	now time.Time,
) error {
	system, err := repos.Account.GetSystemAccount(ctx)
	if err != nil {
		return err
	}
	vlab, err := repos.Account.GetVlabAccount(ctx, vlabID, false)
	if err != nil {
		return err
	}
	_, err = repos.Ledger.InsertTransaction(ctx, repository.TransactionParams{
		Amount:              amount,
		DebitedFrom:         system.ID,
		CreditedTo:          vlab.ID,
		TransactionDatetime: now,
		TransactionType:     constants.TransactionTopUp,
	})
	return err
}

// AssignBudget moves funds VLAB -> PROJ. The VLAB row is locked so the
// balance check and the posting are atomic.
func (s *Service) AssignBudget(ctx context.Context, vlabID, projID uuid.UUID, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	now := time.Now().UTC()
	return database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		repos := repository.NewGroup(tx)
		accounts, err := repos.Account.GetAccountsByProjID(ctx, projID,
			repository.ForUpdate{Vlab: true})
		if err != nil {
			return err
		}
		if accounts.Vlab.ID != vlabID {
			return apierror.InvalidRequest("The project doesn't belong to the virtual-lab")
		}
		if accounts.Vlab.Balance.LessThan(amount) {
			return apierror.InvalidRequest("Insufficient funds in the virtual-lab account")
		}
		_, err = repos.Ledger.InsertTransaction(ctx, repository.TransactionParams{
			Amount:              amount,
			DebitedFrom:         accounts.Vlab.ID,
			CreditedTo:          accounts.Proj.ID,
			TransactionDatetime: now,
			TransactionType:     constants.TransactionAssignBudget,
		})
		return err
	})
}

// ReverseBudget moves funds PROJ -> VLAB.
func (s *Service) ReverseBudget(ctx context.Context, vlabID, projID uuid.UUID, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	now := time.Now().UTC()
	return database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		repos := repository.NewGroup(tx)
		accounts, err := repos.Account.GetAccountsByProjID(ctx, projID,
			repository.ForUpdate{Proj: true})
		if err != nil {
			return err
		}
		if accounts.Vlab.ID != vlabID {
			return apierror.InvalidRequest("The project doesn't belong to the virtual-lab")
		}
		if accounts.Proj.Balance.LessThan(amount) {
			return apierror.InvalidRequest("Insufficient funds in the project account")
		}
		_, err = repos.Ledger.InsertTransaction(ctx, repository.TransactionParams{
			Amount:              amount,
			DebitedFrom:         accounts.Proj.ID,
			CreditedTo:          accounts.Vlab.ID,
			TransactionDatetime: now,
			TransactionType:     constants.TransactionReverseBudget,
		})
		return err
	})
}

// MoveBudget moves funds between two projects of the same virtual lab.
func (s *Service) MoveBudget(ctx context.Context, vlabID, debitedFrom, creditedTo uuid.UUID, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if debitedFrom == creditedTo {
		return apierror.InvalidRequest("The debited and credited accounts must be different")
	}
	now := time.Now().UTC()
	return database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		repos := repository.NewGroup(tx)
		debited, err := repos.Account.GetAccountsByProjID(ctx, debitedFrom,
			repository.ForUpdate{Proj: true})
		if err != nil {
			return err
		}
		credited, err := repos.Account.GetAccountsByProjID(ctx, creditedTo, repository.ForUpdate{})
		if err != nil {
			return err
		}
		if debited.Vlab.ID != vlabID {
			return apierror.InvalidRequest("The debited project doesn't belong to the virtual-lab")
		}
		if credited.Vlab.ID != vlabID {
			return apierror.InvalidRequest("The credited project doesn't belong to the virtual-lab")
		}
		if debited.Proj.Balance.LessThan(amount) {
			return apierror.InvalidRequest("Insufficient funds in the debited account")
		}
		_, err = repos.Ledger.InsertTransaction(ctx, repository.TransactionParams{
			Amount:              amount,
			DebitedFrom:         debited.Proj.ID,
			CreditedTo:          credited.Proj.ID,
			TransactionDatetime: now,
			TransactionType:     constants.TransactionMoveBudget,
		})
		return err
	})
}
