package services

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Send(ctx context.Context, template, recipient string, vars map[string]string) error {
	args := m.Called(template, recipient, vars)
	return args.Error(0)
}

// decimalArg matches a decimal argument by value; decimal.Decimal is sent to
// the driver as its shortest string form ("150" for 150.00).
type decimalArg string

func (d decimalArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	got, err := decimal.NewFromString(s)
	if err != nil {
		return false
	}
	return got.Equal(decimal.RequireFromString(string(d)))
}

// snapshotArg matches a JSONB snapshot containing at least the given keys.
// A nil snapshotArg matches only SQL NULL.
type snapshotArg map[string]any

func (s snapshotArg) Match(v driver.Value) bool {
	if v == nil {
		return s == nil
	}
	b, ok := v.([]byte)
	if !ok || s == nil {
		return false
	}

	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		return false
	}
	for key, want := range s {
		value, present := got[key]
		if !present {
			return false
		}
		if want != nil && fmt.Sprint(value) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

var accountColumns = []string{
	"id", "client_id", "holder_id", "account_number", "account_type", "balance",
	"overdraft_limit", "status", "version", "created_at", "updated_at", "full_name", "email",
}

type testAccount struct {
	id        int64
	number    string
	balance   string
	overdraft string
	status    string
	name      string
	email     string
}

func (a testAccount) rows() *sqlmock.Rows {
	overdraft := a.overdraft
	if overdraft == "" {
		overdraft = "0.00"
	}
	status := a.status
	if status == "" {
		status = "active"
	}
	return sqlmock.NewRows(accountColumns).AddRow(
		a.id, 100+a.id, 200+a.id, a.number, "checking", a.balance,
		overdraft, status, 1, fixedTime, fixedTime, a.name, a.email,
	)
}
