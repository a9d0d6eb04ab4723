package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account numbers are AccountNumberDigits random digits followed by the type
// code. The accounts table enforces the same width.
const (
	AccountNumberDigits = 10
	AccountNumberLength = AccountNumberDigits + 1
)

// AccountType is the product an account belongs to. Its code is the trailing
// digit of every account number, which downstream reporting relies on.
type AccountType string

const (
	AccountTypeChecking AccountType = "checking"
	AccountTypeSavings  AccountType = "savings"
)

var accountTypeCodes = map[AccountType]byte{
	AccountTypeChecking: '1',
	AccountTypeSavings:  '2',
}

// ParseAccountType validates a raw account type.
func ParseAccountType(raw string) (AccountType, bool) {
	t := AccountType(raw)
	_, ok := accountTypeCodes[t]
	return t, ok
}

// Code returns the digit encoding t in account numbers.
func (t AccountType) Code() (byte, bool) {
	c, ok := accountTypeCodes[t]
	return c, ok
}

// AccountTypeFromNumber decodes the account type from the trailing digit of an
// account number.
func AccountTypeFromNumber(number string) (AccountType, bool) {
	if number == "" {
		return "", false
	}
	last := number[len(number)-1]
	for t, c := range accountTypeCodes {
		if c == last {
			return t, true
		}
	}
	return "", false
}

// AccountStatus is the lifecycle state of an account. Accounts are never
// physically deleted; inactive is the terminal state.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusBlocked  AccountStatus = "blocked"
	AccountStatusInactive AccountStatus = "inactive"
)

// IsValid reports whether s is a known status.
func (s AccountStatus) IsValid() bool {
	switch s {
	case AccountStatusActive, AccountStatusBlocked, AccountStatusInactive:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a change from s to next is allowed.
func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	switch s {
	case AccountStatusActive:
		return next == AccountStatusBlocked || next == AccountStatusInactive
	case AccountStatusBlocked:
		return next == AccountStatusActive || next == AccountStatusInactive
	default:
		return false
	}
}

// Account is a ledger entity owned by exactly one client.
type Account struct {
	ID             int64           `json:"id" db:"id"`
	ClientID       int64           `json:"client_id" db:"client_id"`
	HolderID       int64           `json:"holder_id" db:"holder_id"`
	AccountNumber  string          `json:"account_number" db:"account_number"`
	Type           AccountType     `json:"account_type" db:"account_type"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	OverdraftLimit decimal.Decimal `json:"overdraft_limit" db:"overdraft_limit"`
	Status         AccountStatus   `json:"status" db:"status"`
	Version        int             `json:"version" db:"version"` // for optimistic locking
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`

	// Owner contact, filled by reads that join clients.
	OwnerName  string `json:"-"`
	OwnerEmail string `json:"-"`
}

// Floor is the lowest balance the account may reach.
func (a *Account) Floor() decimal.Decimal {
	return a.OverdraftLimit.Neg()
}

// Snapshot returns the audited state of the account.
func (a *Account) Snapshot() Snapshot {
	return Snapshot{
		"id":              a.ID,
		"client_id":       a.ClientID,
		"account_number":  a.AccountNumber,
		"account_type":    string(a.Type),
		"balance":         a.Balance.StringFixed(2),
		"overdraft_limit": a.OverdraftLimit.StringFixed(2),
		"status":          string(a.Status),
	}
}
