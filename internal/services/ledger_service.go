package services

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/ledger/internal/database"
	"github.com/ruralpay/ledger/internal/metrics"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/notify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransferRequest describes a movement. A nil or unknown reference is an
// external counterpart.
type TransferRequest struct {
	Origin      *string
	Destination *string
	Amount      decimal.Decimal
	Kind        models.MovementKind
	Description string
}

// TransferStage is how far a transfer got inside its unit of work.
type TransferStage string

const (
	StageValidated    TransferStage = "validated"
	StageDebited      TransferStage = "debited"
	StageCredited     TransferStage = "credited"
	StageAuditWritten TransferStage = "audit_written"
	StageCommitted    TransferStage = "committed"
	StageRolledBack   TransferStage = "rolled_back"
)

const externalCounterpart = "external"

// LedgerService moves funds between accounts and external counterparts.
type LedgerService struct {
	db          *sql.DB
	audit       *AuditRecorder
	notifier    Notifier
	lockTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Collector
	now         func() time.Time
}

func NewLedgerService(db *sql.DB, audit *AuditRecorder, notifier Notifier, lockTimeout time.Duration, logger *zap.Logger, m *metrics.Collector) *LedgerService {
	return &LedgerService{
		db:          db,
		audit:       audit,
		notifier:    notifier,
		lockTimeout: lockTimeout,
		logger:      logger.Named("ledger"),
		metrics:     m,
		now:         time.Now,
	}
}

// movementPlan is a transfer after its accounts have been locked.
type movementPlan struct {
	movement         models.Movement
	origin           *models.Account
	destination      *models.Account
	originAfter      *models.Account
	destinationAfter *models.Account
}

// Transfer executes req atomically: balances, the movement row and the audit
// events commit together or not at all. Notifications go out after commit.
func (s *LedgerService) Transfer(ctx context.Context, actor models.Actor, req TransferRequest) (*models.Movement, error) {
	start := time.Now()
	kindLabel := "invalid"
	if kind, ok := models.ParseMovementKind(string(req.Kind)); ok {
		kindLabel = string(kind)
	}

	plan, err := s.transfer(ctx, actor, req)
	if err != nil {
		s.metrics.RecordTransfer(kindLabel, string(KindOf(err)), time.Since(start))
		return nil, err
	}
	s.metrics.RecordTransfer(kindLabel, metrics.OutcomeSuccess, time.Since(start))

	s.notifyParties(ctx, plan)
	return &plan.movement, nil
}

func (s *LedgerService) transfer(ctx context.Context, actor models.Actor, req TransferRequest) (*movementPlan, error) {
	req, err := validateTransfer(req)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(zap.String("kind", string(req.Kind)), zap.String("amount", req.Amount.StringFixed(2)))
	stage := StageValidated
	var plan *movementPlan

	err = database.WithTx(ctx, s.db, database.TxOptions{LockTimeout: s.lockTimeout}, func(tx *sql.Tx) error {
		locked, err := s.lockParties(ctx, tx, req)
		if err != nil {
			return err
		}

		plan, err = s.plan(req, locked)
		if err != nil {
			return err
		}
		now := plan.movement.CreatedAt

		if plan.origin != nil {
			if err := updateAccountBalance(ctx, tx, plan.origin.ID, plan.originAfter.Balance, plan.origin.Version, now); err != nil {
				return err
			}
		}
		stage = StageDebited

		if plan.destination != nil {
			if err := updateAccountBalance(ctx, tx, plan.destination.ID, plan.destinationAfter.Balance, plan.destination.Version, now); err != nil {
				return err
			}
		}
		stage = StageCredited

		if err := insertMovement(ctx, tx, &plan.movement); err != nil {
			return err
		}

		if plan.origin != nil {
			event := newAuditEvent(actor, models.ActionAccountDebited, plan.origin,
				plan.origin.Snapshot(), withMovement(plan.originAfter.Snapshot(), plan.movement.ID))
			if err := s.audit.Record(ctx, tx, event); err != nil {
				return err
			}
		}
		if plan.destination != nil {
			event := newAuditEvent(actor, models.ActionAccountCredited, plan.destination,
				plan.destination.Snapshot(), withMovement(plan.destinationAfter.Snapshot(), plan.movement.ID))
			if err := s.audit.Record(ctx, tx, event); err != nil {
				return err
			}
		}
		stage = StageAuditWritten

		return nil
	})
	if err != nil {
		err = classify(err)
		logger.Warn("transfer rolled back",
			zap.String("stage", string(StageRolledBack)),
			zap.String("reached", string(stage)),
			zap.Error(err))
		return nil, err
	}

	logger.Info("transfer committed",
		zap.String("stage", string(StageCommitted)),
		zap.String("movement_id", plan.movement.ID.String()))
	return plan, nil
}

// validateTransfer rejects requests that are wrong regardless of account
// state. It runs before any row is touched.
func validateTransfer(req TransferRequest) (TransferRequest, error) {
	if !req.Amount.IsPositive() {
		return req, newError(KindInvalidAmount, "amount must be greater than zero")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return req, newError(KindInvalidAmount, "amount must have at most two decimal places")
	}
	if !models.FitsMoneyColumn(req.Amount) {
		return req, newError(KindInvalidAmount, "amount must have at most 18 integer digits")
	}

	if _, ok := models.ParseMovementKind(string(req.Kind)); !ok {
		return req, newError(KindInvalidTransferKind, "kind %q is not supported", req.Kind)
	}

	req.Origin = normalizeRef(req.Origin)
	req.Destination = normalizeRef(req.Destination)

	if req.Origin == nil && req.Destination == nil {
		return req, newError(KindAccountNotFound, "a movement needs at least one account")
	}
	if req.Origin != nil && req.Destination != nil && *req.Origin == *req.Destination {
		return req, newError(KindSameAccountTransfer, "origin and destination are the same account")
	}

	switch req.Kind {
	case models.MovementTransfer:
		if req.Origin == nil || req.Destination == nil {
			return req, newError(KindInvalidTransferKind, "a transfer needs both an origin and a destination")
		}
	case models.MovementDeposit:
		if req.Destination == nil {
			return req, newError(KindInvalidTransferKind, "a deposit needs a destination account")
		}
	case models.MovementWithdrawal:
		if req.Origin == nil {
			return req, newError(KindInvalidTransferKind, "a withdrawal needs an origin account")
		}
	}

	return req, nil
}

func normalizeRef(ref *string) *string {
	if ref == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*ref)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// lockParties locks every referenced account in ascending number order so
// two transfers over the same pair can never deadlock. References with no
// account map to nil.
func (s *LedgerService) lockParties(ctx context.Context, tx *sql.Tx, req TransferRequest) (map[string]*models.Account, error) {
	var refs []string
	for _, ref := range []*string{req.Origin, req.Destination} {
		if ref != nil {
			refs = append(refs, *ref)
		}
	}
	slices.Sort(refs)

	locked := make(map[string]*models.Account, len(refs))
	for _, ref := range refs {
		account, err := lockAccount(ctx, tx, ref)
		if err != nil {
			return nil, err
		}
		locked[ref] = account
	}
	return locked, nil
}

// plan resolves the locked accounts against the movement kind and computes
// the balances after the movement.
func (s *LedgerService) plan(req TransferRequest, locked map[string]*models.Account) (*movementPlan, error) {
	var origin, destination *models.Account
	if req.Origin != nil {
		origin = locked[*req.Origin]
	}
	if req.Destination != nil {
		destination = locked[*req.Destination]
	}

	if origin == nil && destination == nil {
		return nil, newError(KindAccountNotFound, "neither side of the movement is a known account")
	}

	switch req.Kind {
	case models.MovementTransfer:
		if origin == nil {
			return nil, newError(KindAccountNotFound, "origin account %s does not exist", *req.Origin)
		}
		if destination == nil {
			return nil, newError(KindAccountNotFound, "destination account %s does not exist", *req.Destination)
		}
	case models.MovementDeposit:
		if destination == nil {
			return nil, newError(KindAccountNotFound, "destination account %s does not exist", *req.Destination)
		}
	case models.MovementWithdrawal:
		if origin == nil {
			return nil, newError(KindAccountNotFound, "origin account %s does not exist", *req.Origin)
		}
	}

	for _, account := range []*models.Account{origin, destination} {
		if account != nil && account.Status != models.AccountStatusActive {
			return nil, newError(KindAccountBlocked, "account %s is %s", account.AccountNumber, account.Status)
		}
	}

	originAfter, destinationAfter, err := applyMovement(origin, destination, req.Amount)
	if err != nil {
		return nil, err
	}

	movement := models.Movement{
		ID:             uuid.New(),
		OriginRef:      req.Origin,
		DestinationRef: req.Destination,
		Amount:         req.Amount,
		Kind:           req.Kind,
		Description:    req.Description,
		Status:         models.MovementCompleted,
		CreatedAt:      s.now().UTC(),
	}
	if origin != nil {
		movement.OriginAccountID = &origin.ID
	}
	if destination != nil {
		movement.DestinationAccountID = &destination.ID
	}

	return &movementPlan{
		movement:         movement,
		origin:           origin,
		destination:      destination,
		originAfter:      originAfter,
		destinationAfter: destinationAfter,
	}, nil
}

// applyMovement returns copies of origin and destination with amount moved
// between them. A nil side is external and has no balance to change. The
// origin may not end below its floor and the destination may not outgrow the
// balance column.
func applyMovement(origin, destination *models.Account, amount decimal.Decimal) (*models.Account, *models.Account, error) {
	var originAfter, destinationAfter *models.Account

	if origin != nil {
		next := origin.Balance.Sub(amount)
		if next.LessThan(origin.Floor()) {
			return nil, nil, newError(KindInsufficientFunds, "account %s cannot cover %s", origin.AccountNumber, amount.StringFixed(2))
		}
		o := *origin
		o.Balance = next
		o.Version++
		originAfter = &o
	}

	if destination != nil {
		next := destination.Balance.Add(amount)
		if !models.FitsMoneyColumn(next) {
			return nil, nil, newError(KindInvalidAmount, "account %s cannot hold another %s", destination.AccountNumber, amount.StringFixed(2))
		}
		d := *destination
		d.Balance = next
		d.Version++
		destinationAfter = &d
	}

	return originAfter, destinationAfter, nil
}

func insertMovement(ctx context.Context, tx *sql.Tx, m *models.Movement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO movements (id, origin_account_id, destination_account_id, origin_ref, destination_ref, amount, kind, description, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.OriginAccountID, m.DestinationAccountID, m.OriginRef, m.DestinationRef,
		m.Amount, m.Kind, m.Description, m.Status, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

// notifyParties tells every real account holder about the movement from
// their own side.
func (s *LedgerService) notifyParties(ctx context.Context, plan *movementPlan) {
	m := plan.movement

	if plan.originAfter != nil {
		notifyAfterCommit(ctx, s.notifier, s.logger, notify.TemplateMovementSent, plan.originAfter.OwnerEmail,
			movementVars(m, plan.originAfter, m.DestinationRef))
	}
	if plan.destinationAfter != nil {
		notifyAfterCommit(ctx, s.notifier, s.logger, notify.TemplateMovementReceived, plan.destinationAfter.OwnerEmail,
			movementVars(m, plan.destinationAfter, m.OriginRef))
	}
}

func movementVars(m models.Movement, account *models.Account, counterpart *string) map[string]string {
	other := externalCounterpart
	if counterpart != nil {
		other = *counterpart
	}

	return map[string]string{
		"name":           account.OwnerName,
		"amount":         m.Amount.StringFixed(2),
		"account_number": account.AccountNumber,
		"kind":           string(m.Kind),
		"counterpart":    other,
		"movement_id":    m.ID.String(),
		"balance":        account.Balance.StringFixed(2),
		"description":    m.Description,
	}
}
