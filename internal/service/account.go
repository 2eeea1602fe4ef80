package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/repository"
)

// CreateSystemAccount creates the single SYS account.
func (s *Service) CreateSystemAccount(ctx context.Context, id uuid.UUID, name string) (domain.Account, error) {
	var account domain.Account
	err := database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		account, err = repository.NewGroup(tx).Account.AddSysAccount(ctx, id, name)
		return err
	})
	return account, err
}

// CreateVlabAccount creates a virtual lab. A non-zero initial balance is
// injected with a TOP_UP in the same transaction.
func (s *Service) CreateVlabAccount(ctx context.Context, id uuid.UUID, name string, balance decimal.Decimal) (domain.Account, error) {
	now := time.Now().UTC()
	var account domain.Account
	err := database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		repos := repository.NewGroup(tx)
		var err error
		if account, err = repos.Account.AddVlabAccount(ctx, id, name); err != nil {
			return err
		}
		if balance.Sign() == 0 {
			return nil
		}
		if err := topUpInTx(ctx, repos, account.ID, balance, now); err != nil {
			return err
		}
		account, err = repos.Account.GetVlabAccount(ctx, account.ID, false)
		return err
	})
	return account, err
}

// CreateProjAccount creates a project under a virtual lab, together with
// its RSV child.
func (s *Service) CreateProjAccount(ctx context.Context, id uuid.UUID, name string, vlabID uuid.UUID) (domain.Account, error) {
	var account domain.Account
	err := database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		repos := repository.NewGroup(tx)
		if _, err := repos.Account.GetVlabAccount(ctx, vlabID, false); err != nil {
			return err
		}
		var err error
		account, err = repos.Account.AddProjAccount(ctx, id, name, vlabID)
		return err
	})
	return account, err
}
