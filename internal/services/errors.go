package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ruralpay/ledger/internal/database"
)

// ErrorKind is the stable, machine-readable class of a ledger failure.
type ErrorKind string

const (
	KindInvalidAmount           ErrorKind = "InvalidAmount"
	KindInvalidAccountType      ErrorKind = "InvalidAccountType"
	KindInvalidTransferKind     ErrorKind = "InvalidTransferKind"
	KindSameAccountTransfer     ErrorKind = "SameAccountTransfer"
	KindInvalidStatus           ErrorKind = "InvalidStatus"
	KindInsufficientFunds       ErrorKind = "InsufficientFunds"
	KindAccountNotFound         ErrorKind = "AccountNotFound"
	KindClientNotFound          ErrorKind = "ClientNotFound"
	KindAccountBlocked          ErrorKind = "AccountBlocked"
	KindAccountHasBalance       ErrorKind = "AccountHasBalance"
	KindInvalidStatusTransition ErrorKind = "InvalidStatusTransition"
	KindIdentifierExhausted     ErrorKind = "IdentifierExhausted"
	KindBusy                    ErrorKind = "Busy"
	KindStorage                 ErrorKind = "StorageError"
)

// ErrorClass groups kinds by who is at fault and whether a retry can help.
type ErrorClass string

const (
	ClassValidation ErrorClass = "validation"
	ClassBusiness   ErrorClass = "business"
	ClassContention ErrorClass = "contention"
	ClassStorage    ErrorClass = "storage"
)

func (k ErrorKind) Class() ErrorClass {
	switch k {
	case KindInvalidAmount, KindInvalidAccountType, KindInvalidTransferKind, KindSameAccountTransfer,
		KindInvalidStatus, KindInvalidRequest, KindUnauthorized:
		return ClassValidation
	case KindInsufficientFunds, KindAccountNotFound, KindClientNotFound, KindAccountBlocked,
		KindAccountHasBalance, KindInvalidStatusTransition:
		return ClassBusiness
	case KindIdentifierExhausted, KindBusy:
		return ClassContention
	default:
		return ClassStorage
	}
}

// Retryable reports whether the same request may succeed later unchanged.
func (k ErrorKind) Retryable() bool {
	return k.Class() == ClassContention
}

func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidAmount, KindInvalidAccountType, KindInvalidTransferKind, KindSameAccountTransfer,
		KindInvalidStatus, KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindAccountNotFound, KindClientNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds, KindAccountBlocked, KindAccountHasBalance, KindInvalidStatusTransition:
		return http.StatusUnprocessableEntity
	case KindIdentifierExhausted, KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// LedgerError is returned by every ledger operation. Message is safe to show
// to callers; Err keeps the underlying cause for logs.
type LedgerError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *LedgerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// Is matches any LedgerError of the same kind, so errors.Is(err, ErrBusy)
// works regardless of message.
func (e *LedgerError) Is(target error) bool {
	var t *LedgerError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidAmount           = &LedgerError{Kind: KindInvalidAmount}
	ErrInvalidAccountType      = &LedgerError{Kind: KindInvalidAccountType}
	ErrInvalidTransferKind     = &LedgerError{Kind: KindInvalidTransferKind}
	ErrSameAccountTransfer     = &LedgerError{Kind: KindSameAccountTransfer}
	ErrInvalidStatus           = &LedgerError{Kind: KindInvalidStatus}
	ErrInsufficientFunds       = &LedgerError{Kind: KindInsufficientFunds}
	ErrAccountNotFound         = &LedgerError{Kind: KindAccountNotFound}
	ErrClientNotFound          = &LedgerError{Kind: KindClientNotFound}
	ErrAccountBlocked          = &LedgerError{Kind: KindAccountBlocked}
	ErrAccountHasBalance       = &LedgerError{Kind: KindAccountHasBalance}
	ErrInvalidStatusTransition = &LedgerError{Kind: KindInvalidStatusTransition}
	ErrIdentifierExhausted     = &LedgerError{Kind: KindIdentifierExhausted}
	ErrBusy                    = &LedgerError{Kind: KindBusy}
	ErrStorage                 = &LedgerError{Kind: KindStorage}
)

func newError(kind ErrorKind, format string, args ...any) *LedgerError {
	return &LedgerError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err, defaulting to StorageError for anything
// that is not a LedgerError.
func KindOf(err error) ErrorKind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindStorage
}

// classify converts an error escaping a unit of work into a LedgerError.
// LedgerErrors pass through untouched so business kinds are never downgraded.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var le *LedgerError
	if errors.As(err, &le) {
		return err
	}

	if database.IsContention(err) {
		return &LedgerError{Kind: KindBusy, Message: "the accounts involved are busy, retry later", Err: err}
	}
	return &LedgerError{Kind: KindStorage, Message: "the ledger could not complete the operation", Err: err}
}
