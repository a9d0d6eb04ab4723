package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ruralpay/ledger/internal/database"
	"github.com/ruralpay/ledger/internal/metrics"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/notify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ProvisioningService opens accounts and manages their lifecycle.
type ProvisioningService struct {
	db          *sql.DB
	identifiers *IdentifierGenerator
	audit       *AuditRecorder
	notifier    Notifier
	lockTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Collector
	now         func() time.Time
}

func NewProvisioningService(
	db *sql.DB,
	identifiers *IdentifierGenerator,
	audit *AuditRecorder,
	notifier Notifier,
	lockTimeout time.Duration,
	logger *zap.Logger,
	m *metrics.Collector,
) *ProvisioningService {
	return &ProvisioningService{
		db:          db,
		identifiers: identifiers,
		audit:       audit,
		notifier:    notifier,
		lockTimeout: lockTimeout,
		logger:      logger.Named("provisioning"),
		metrics:     m,
		now:         time.Now,
	}
}

// Provision opens a new account with a zero balance for an existing client.
// The account row and its audit event commit together; the welcome message is
// sent afterwards and cannot fail the call.
func (s *ProvisioningService) Provision(ctx context.Context, actor models.Actor, clientID int64, accountType models.AccountType) (*models.Account, error) {
	if _, ok := accountType.Code(); !ok {
		s.metrics.RecordProvisioning("invalid", string(KindInvalidAccountType))
		return nil, newError(KindInvalidAccountType, "account type %q is not supported", accountType)
	}

	var account *models.Account
	var client *models.Client

	err := database.WithTx(ctx, s.db, database.TxOptions{LockTimeout: s.lockTimeout}, func(tx *sql.Tx) error {
		var err error
		client, err = s.lookupClient(ctx, tx, clientID)
		if err != nil {
			return err
		}

		holderID, err := s.ensureHolder(ctx, tx, clientID)
		if err != nil {
			return err
		}

		account, err = s.insertAccount(ctx, tx, client, holderID, accountType)
		if err != nil {
			return err
		}

		return s.audit.Record(ctx, tx, newAuditEvent(actor, models.ActionAccountCreated, account, nil, account.Snapshot()))
	})
	if err != nil {
		err = classify(err)
		s.metrics.RecordProvisioning(string(accountType), string(KindOf(err)))
		s.logger.Warn("account provisioning failed",
			zap.Int64("client_id", clientID),
			zap.String("account_type", string(accountType)),
			zap.Error(err))
		return nil, err
	}

	s.metrics.RecordProvisioning(string(accountType), metrics.OutcomeSuccess)
	s.logger.Info("account provisioned",
		zap.Int64("client_id", clientID),
		zap.String("account_number", account.AccountNumber))

	notifyAfterCommit(ctx, s.notifier, s.logger, notify.TemplateAccountCreated, client.Email, map[string]string{
		"name":           client.FullName,
		"account_type":   string(account.Type),
		"account_number": account.AccountNumber,
		"balance":        account.Balance.StringFixed(2),
	})

	return account, nil
}

func (s *ProvisioningService) lookupClient(ctx context.Context, tx *sql.Tx, clientID int64) (*models.Client, error) {
	var client models.Client
	err := tx.QueryRowContext(ctx,
		"SELECT id, full_name, email FROM clients WHERE id = $1", clientID).
		Scan(&client.ID, &client.FullName, &client.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(KindClientNotFound, "client %d does not exist", clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("read client: %w", err)
	}
	return &client, nil
}

// ensureHolder returns the holder linkage of the client, creating it on the
// client's first account. Concurrent first provisionings both end up with the
// same row.
func (s *ProvisioningService) ensureHolder(ctx context.Context, tx *sql.Tx, clientID int64) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO account_holders (client_id, created_at)
		VALUES ($1, $2)
		ON CONFLICT (client_id) DO NOTHING`,
		clientID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("create account holder: %w", err)
	}

	var holderID int64
	if err := tx.QueryRowContext(ctx,
		"SELECT id FROM account_holders WHERE client_id = $1", clientID).Scan(&holderID); err != nil {
		return 0, fmt.Errorf("read account holder: %w", err)
	}
	return holderID, nil
}

// insertAccount stores the account under a savepoint so that losing a race
// for a number only discards the failed insert, not the transaction.
func (s *ProvisioningService) insertAccount(ctx context.Context, tx *sql.Tx, client *models.Client, holderID int64, accountType models.AccountType) (*models.Account, error) {
	for attempt := 1; attempt <= s.identifiers.MaxAttempts(); attempt++ {
		number, err := s.identifiers.Generate(ctx, tx, accountType)
		if err != nil {
			return nil, err
		}

		now := s.now().UTC()
		account := &models.Account{
			ClientID:       client.ID,
			HolderID:       holderID,
			AccountNumber:  number,
			Type:           accountType,
			Balance:        decimal.Zero,
			OverdraftLimit: decimal.Zero,
			Status:         models.AccountStatusActive,
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
			OwnerName:      client.FullName,
			OwnerEmail:     client.Email,
		}

		err = database.WithSavepoint(ctx, tx, "account_number", func() error {
			return tx.QueryRowContext(ctx, `
				INSERT INTO accounts (client_id, holder_id, account_number, account_type, balance, overdraft_limit, status, version, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
				RETURNING id`,
				account.ClientID, account.HolderID, account.AccountNumber, account.Type,
				account.Balance, account.OverdraftLimit, account.Status, account.Version, now).
				Scan(&account.ID)
		})
		if database.IsUniqueViolation(err, accountNumberConstraint) {
			s.identifiers.RecordCollision()
			s.logger.Debug("account number taken at insert, regenerating", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert account: %w", err)
		}

		return account, nil
	}

	return nil, newError(KindIdentifierExhausted,
		"no free account number found after %d attempts, retry later", s.identifiers.MaxAttempts())
}

// GetAccount reads an account by number.
func (s *ProvisioningService) GetAccount(ctx context.Context, accountNumber string) (*models.Account, error) {
	account, err := findAccount(ctx, s.db, accountNumber)
	if err != nil {
		return nil, classify(err)
	}
	if account == nil {
		return nil, newError(KindAccountNotFound, "account %s does not exist", accountNumber)
	}
	return account, nil
}

// ChangeStatus moves an account between active and blocked, or retires it as
// inactive. Accounts are never deleted; an inactive account keeps its history
// and must hold a zero balance. Setting the current status is a no-op.
func (s *ProvisioningService) ChangeStatus(ctx context.Context, actor models.Actor, accountNumber string, status models.AccountStatus) (*models.Account, error) {
	if !status.IsValid() {
		return nil, newError(KindInvalidStatus, "status %q is not supported", status)
	}

	var before *models.Account
	var after *models.Account

	err := database.WithTx(ctx, s.db, database.TxOptions{LockTimeout: s.lockTimeout}, func(tx *sql.Tx) error {
		var err error
		before, err = lockAccount(ctx, tx, accountNumber)
		if err != nil {
			return err
		}
		if before == nil {
			return newError(KindAccountNotFound, "account %s does not exist", accountNumber)
		}

		if before.Status == status {
			after = before
			return nil
		}
		if !before.Status.CanTransitionTo(status) {
			return newError(KindInvalidStatusTransition, "account %s cannot go from %s to %s", accountNumber, before.Status, status)
		}
		if status == models.AccountStatusInactive && !before.Balance.IsZero() {
			return newError(KindAccountHasBalance, "account %s still holds %s", accountNumber, before.Balance.StringFixed(2))
		}

		now := s.now().UTC()
		if err := updateAccountStatus(ctx, tx, before.ID, status, before.Version, now); err != nil {
			return err
		}

		updated := *before
		updated.Status = status
		updated.Version++
		updated.UpdatedAt = now
		after = &updated

		return s.audit.Record(ctx, tx, newAuditEvent(actor, models.ActionAccountStatusChanged, after, before.Snapshot(), after.Snapshot()))
	})
	if err != nil {
		err = classify(err)
		s.logger.Warn("account status change failed",
			zap.String("account_number", accountNumber),
			zap.String("status", string(status)),
			zap.Error(err))
		return nil, err
	}

	if after != before {
		s.logger.Info("account status changed",
			zap.String("account_number", accountNumber),
			zap.String("from", string(before.Status)),
			zap.String("to", string(after.Status)))

		notifyAfterCommit(ctx, s.notifier, s.logger, notify.TemplateAccountStatusChanged, after.OwnerEmail, map[string]string{
			"name":            after.OwnerName,
			"account_number":  after.AccountNumber,
			"previous_status": string(before.Status),
			"status":          string(after.Status),
		})
	}

	return after, nil
}
