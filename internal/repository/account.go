package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/openvlab/accounting/internal/apierror"
	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
)

const accountColumns = `id, account_type, parent_id, name, balance, enabled, created_at, updated_at`

// AccountRepository reads and writes the account hierarchy.
type AccountRepository struct {
	db database.DBTX
}

func scanAccount(row interface{ Scan(...any) error }) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(
		&a.ID, &a.AccountType, &a.ParentID, &a.Name,
		&a.Balance, &a.Enabled, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// GetSystemAccount returns the single SYS account.
func (r *AccountRepository) GetSystemAccount(ctx context.Context) (domain.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM account WHERE account_type = $1`,
		constants.AccountSys,
	)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, apierror.NotFound("System account not found")
	}
	if err != nil {
		return a, fmt.Errorf("query system account failed: %w", err)
	}
	return a, nil
}

func (r *AccountRepository) getGeneric(
	ctx context.Context,
	accountID uuid.UUID,
	accountType constants.AccountType,
	forUpdate bool,
) (domain.Account, error) {
	query := `SELECT ` + accountColumns + `
		FROM account
		WHERE account_type = $1 AND id = $2 AND enabled = TRUE`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAccount(r.db.QueryRowContext(ctx, query, accountType, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return a, apierror.NotFound(fmt.Sprintf("%s account %s not found", accountType, accountID))
	}
	if err != nil {
		return a, fmt.Errorf("query %s account failed: %w", accountType, err)
	}
	return a, nil
}

// GetVlabAccount returns the VLAB account for the given id.
func (r *AccountRepository) GetVlabAccount(ctx context.Context, vlabID uuid.UUID, forUpdate bool) (domain.Account, error) {
	return r.getGeneric(ctx, vlabID, constants.AccountVlab, forUpdate)
}

// GetProjAccount returns the PROJ account for the given id.
func (r *AccountRepository) GetProjAccount(ctx context.Context, projID uuid.UUID, forUpdate bool) (domain.Account, error) {
	return r.getGeneric(ctx, projID, constants.AccountProj, forUpdate)
}

// GetReservationAccount returns the RSV child of the given project.
func (r *AccountRepository) GetReservationAccount(ctx context.Context, projID uuid.UUID, forUpdate bool) (domain.Account, error) {
	query := `SELECT ` + accountColumns + `
		FROM account
		WHERE account_type = $1 AND parent_id = $2 AND enabled = TRUE`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAccount(r.db.QueryRowContext(ctx, query, constants.AccountRsv, projID))
	if errors.Is(err, sql.ErrNoRows) {
		return a, apierror.NotFound(fmt.Sprintf("Reservation account for project %s not found", projID))
	}
	if err != nil {
		return a, fmt.Errorf("query reservation account failed: %w", err)
	}
	return a, nil
}

// ForUpdate selects which accounts GetAccountsByProjID locks.
type ForUpdate struct {
	Proj bool
	Rsv  bool
	Vlab bool
}

// GetAccountsByProjID resolves the SYS, VLAB, PROJ and RSV accounts
// related to a project, optionally locking some of them FOR UPDATE.
// Lock order is fixed (PROJ, RSV, VLAB) so concurrent callers cannot
// deadlock on the same project.
func (r *AccountRepository) GetAccountsByProjID(ctx context.Context, projID uuid.UUID, lock ForUpdate) (domain.Accounts, error) {
	var accounts domain.Accounts
	var err error

	if accounts.Proj, err = r.GetProjAccount(ctx, projID, lock.Proj); err != nil {
		return accounts, err
	}
	if accounts.Rsv, err = r.GetReservationAccount(ctx, projID, lock.Rsv); err != nil {
		return accounts, err
	}
	if !accounts.Proj.ParentID.Valid {
		return accounts, fmt.Errorf("project %s has no parent vlab", projID)
	}
	if accounts.Vlab, err = r.GetVlabAccount(ctx, accounts.Proj.ParentID.UUID, lock.Vlab); err != nil {
		return accounts, err
	}
	if accounts.Sys, err = r.GetSystemAccount(ctx); err != nil {
		return accounts, err
	}
	return accounts, nil
}

// GetProjAccountsForVlab returns the enabled projects of a vlab.
func (r *AccountRepository) GetProjAccountsForVlab(ctx context.Context, vlabID uuid.UUID) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+`
		FROM account
		WHERE account_type = $1 AND parent_id = $2 AND enabled = TRUE
		ORDER BY created_at, id`,
		constants.AccountProj, vlabID,
	)
	if err != nil {
		return nil, fmt.Errorf("query projects failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project failed: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetReservationAccounts returns the RSV accounts for the given projects.
func (r *AccountRepository) GetReservationAccounts(ctx context.Context, projIDs []uuid.UUID) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+`
		FROM account
		WHERE account_type = $1 AND parent_id = ANY($2) AND enabled = TRUE`,
		constants.AccountRsv, uuidArray(projIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("query reservation accounts failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation account failed: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AccountRepository) addGeneric(
	ctx context.Context,
	id uuid.UUID,
	accountType constants.AccountType,
	name string,
	parentID uuid.NullUUID,
) (domain.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO account (id, account_type, parent_id, name)
		VALUES ($1, $2, $3, $4)
		RETURNING `+accountColumns,
		id, accountType, parentID, name,
	)
	a, err := scanAccount(row)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return a, apierror.InvalidRequest(fmt.Sprintf("%s account already exists", accountType))
		}
		return a, fmt.Errorf("insert %s account failed: %w", accountType, err)
	}
	return a, nil
}

// AddSysAccount creates the system account. The partial unique index on
// account_type enforces that only one can ever exist.
func (r *AccountRepository) AddSysAccount(ctx context.Context, id uuid.UUID, name string) (domain.Account, error) {
	return r.addGeneric(ctx, id, constants.AccountSys, name, uuid.NullUUID{})
}

// AddVlabAccount creates a virtual lab account.
func (r *AccountRepository) AddVlabAccount(ctx context.Context, id uuid.UUID, name string) (domain.Account, error) {
	return r.addGeneric(ctx, id, constants.AccountVlab, name, uuid.NullUUID{})
}

// AddProjAccount creates a project account together with its RSV child.
func (r *AccountRepository) AddProjAccount(ctx context.Context, id uuid.UUID, name string, vlabID uuid.UUID) (domain.Account, error) {
	proj, err := r.addGeneric(ctx, id, constants.AccountProj, name,
		uuid.NullUUID{UUID: vlabID, Valid: true})
	if err != nil {
		return proj, err
	}
	_, err = r.addGeneric(ctx, uuid.New(), constants.AccountRsv, name+"/RESERVATION",
		uuid.NullUUID{UUID: id, Valid: true})
	if err != nil {
		return proj, err
	}
	return proj, nil
}

// uuidArray renders ids as a PostgreSQL array literal for ANY($n).
func uuidArray(ids []uuid.UUID) string {
	buf := []byte{'{'}
	for i, id := range ids {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, id.String()...)
	}
	return string(append(buf, '}'))
}
