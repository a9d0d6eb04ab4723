package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Money columns are NUMERIC(20, 2): at most 18 integer digits.
var moneyLimit = decimal.New(1, 18)

// FitsMoneyColumn reports whether d can be stored in a money column.
func FitsMoneyColumn(d decimal.Decimal) bool {
	return d.Abs().LessThan(moneyLimit)
}

type MovementKind string

const (
	MovementDeposit    MovementKind = "deposit"
	MovementWithdrawal MovementKind = "withdrawal"
	MovementTransfer   MovementKind = "transfer"
)

// ParseMovementKind validates a raw movement kind.
func ParseMovementKind(raw string) (MovementKind, bool) {
	switch k := MovementKind(raw); k {
	case MovementDeposit, MovementWithdrawal, MovementTransfer:
		return k, true
	default:
		return "", false
	}
}

// MovementStatus is only ever written as completed; failed attempts roll back
// and leave no row behind.
type MovementStatus string

const (
	MovementCompleted MovementStatus = "completed"
	MovementFailed    MovementStatus = "failed"
)

// Movement is an append-only record of value moved between two parties. A nil
// account id marks an external counterpart; its reference, when the caller gave
// one, is kept in the matching *Ref field.
type Movement struct {
	ID                   uuid.UUID       `json:"id" db:"id"`
	OriginAccountID      *int64          `json:"origin_account_id,omitempty" db:"origin_account_id"`
	DestinationAccountID *int64          `json:"destination_account_id,omitempty" db:"destination_account_id"`
	OriginRef            *string         `json:"origin_ref,omitempty" db:"origin_ref"`
	DestinationRef       *string         `json:"destination_ref,omitempty" db:"destination_ref"`
	Amount               decimal.Decimal `json:"amount" db:"amount"`
	Kind                 MovementKind    `json:"kind" db:"kind"`
	Description          string          `json:"description" db:"description"`
	Status               MovementStatus  `json:"status" db:"status"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}
