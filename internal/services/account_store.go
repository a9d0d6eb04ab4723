package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ruralpay/ledger/internal/database"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/shopspring/decimal"
)

const accountNumberConstraint = "accounts_account_number_key"

const selectAccount = `
	SELECT a.id, a.client_id, a.holder_id, a.account_number, a.account_type, a.balance,
		a.overdraft_limit, a.status, a.version, a.created_at, a.updated_at, c.full_name, c.email
	FROM accounts a
	JOIN clients c ON c.id = a.client_id
	WHERE a.account_number = $1`

func scanAccount(row *sql.Row) (*models.Account, error) {
	var account models.Account
	err := row.Scan(
		&account.ID, &account.ClientID, &account.HolderID, &account.AccountNumber, &account.Type,
		&account.Balance, &account.OverdraftLimit, &account.Status, &account.Version,
		&account.CreatedAt, &account.UpdatedAt, &account.OwnerName, &account.OwnerEmail,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// findAccount reads an account without locking it. A missing account is
// reported as (nil, nil).
func findAccount(ctx context.Context, q database.Querier, number string) (*models.Account, error) {
	account, err := scanAccount(q.QueryRowContext(ctx, selectAccount, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	return account, nil
}

// lockAccount reads an account FOR UPDATE; the row stays locked until the
// enclosing transaction ends. A missing account is reported as (nil, nil).
func lockAccount(ctx context.Context, tx *sql.Tx, number string) (*models.Account, error) {
	account, err := scanAccount(tx.QueryRowContext(ctx, selectAccount+" FOR UPDATE OF a", number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	return account, nil
}

// updateAccountBalance writes a new balance guarded by the version read under
// lock. Zero affected rows means another writer got there first.
func updateAccountBalance(ctx context.Context, tx *sql.Tx, accountID int64, newBalance decimal.Decimal, version int, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, now, accountID, version)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	return expectOneRow(result, accountID)
}

func updateAccountStatus(ctx context.Context, tx *sql.Tx, accountID int64, status models.AccountStatus, version int, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		status, now, accountID, version)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	return expectOneRow(result, accountID)
}

func expectOneRow(result sql.Result, accountID int64) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return &LedgerError{
			Kind:    KindBusy,
			Message: "the account was modified concurrently, retry later",
			Err:     fmt.Errorf("optimistic lock failed for account %d", accountID),
		}
	}
	return nil
}
