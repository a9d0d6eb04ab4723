package services

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/ruralpay/ledger/internal/metrics"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	clientQuery       = `SELECT id, full_name, email FROM clients WHERE id = \$1`
	holderInsert      = `INSERT INTO account_holders \(client_id, created_at\) VALUES \(\$1, \$2\) ON CONFLICT \(client_id\) DO NOTHING`
	holderQuery       = `SELECT id FROM account_holders WHERE client_id = \$1`
	accountInsert     = `INSERT INTO accounts`
	savepoint         = `^SAVEPOINT account_number$`
	releaseSavepoint  = `^RELEASE SAVEPOINT account_number$`
	rollbackSavepoint = `^ROLLBACK TO SAVEPOINT account_number$`
)

var lockAccountQuery = regexp.QuoteMeta("WHERE a.account_number = $1 FOR UPDATE OF a")

var testActor = models.Actor{ID: "admin-1", IPAddress: "10.0.0.1", UserAgent: "ledger-test"}

type provisioningFixture struct {
	service  *ProvisioningService
	mock     sqlmock.Sqlmock
	notifier *MockNotifier
}

func newProvisioningFixture(t *testing.T, maxAttempts int, random []byte) *provisioningFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	collector := metrics.NewCollector()
	identifiers := NewIdentifierGenerator(maxAttempts, collector)
	identifiers.random = bytes.NewReader(random)

	audit := NewAuditRecorder(db, 100)
	audit.now = func() time.Time { return fixedTime }

	notifier := &MockNotifier{}
	service := NewProvisioningService(db, identifiers, audit, notifier, 0, zap.NewNop(), collector)
	service.now = func() time.Time { return fixedTime }

	return &provisioningFixture{service: service, mock: mock, notifier: notifier}
}

// digits returns n random-source bytes that each produce digit d.
func digits(d byte, n int) []byte {
	return bytes.Repeat([]byte{d}, n)
}

func (f *provisioningFixture) expectClientAndHolder(clientID int64) {
	f.mock.ExpectQuery(clientQuery).WithArgs(clientID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "email"}).AddRow(clientID, "Ada Obi", "ada@example.com"))
	f.mock.ExpectExec(holderInsert).WithArgs(clientID, fixedTime).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(holderQuery).WithArgs(clientID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
}

func (f *provisioningFixture) expectNumberFree(number string) {
	f.mock.ExpectQuery(existsQuery).WithArgs(number).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
}

func (f *provisioningFixture) expectAccountInsert(clientID int64, number string) *sqlmock.ExpectedQuery {
	f.mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	return f.mock.ExpectQuery(accountInsert).
		WithArgs(clientID, int64(3), number, "checking", decimalArg("0"), decimalArg("0"), "active", int64(1), fixedTime)
}

func TestProvisioningService_Provision(t *testing.T) {
	ctx := context.Background()

	t.Run("checking account for a first-time client", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, digits(4, 10))

		f.mock.ExpectBegin()
		f.expectClientAndHolder(7)
		f.expectNumberFree("44444444441")
		f.expectAccountInsert(7, "44444444441").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
		f.mock.ExpectExec(releaseSavepoint).WillReturnResult(sqlmock.NewResult(0, 0))
		f.mock.ExpectExec("INSERT INTO audit_events").
			WithArgs(sqlmock.AnyArg(), "admin-1", models.ActionAccountCreated, models.EntityAccount, "44444444441",
				snapshotArg(nil), snapshotArg{"balance": "0.00", "status": "active", "account_type": "checking"},
				"10.0.0.1", "ledger-test", fixedTime).
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectCommit()

		f.notifier.On("Send", notify.TemplateAccountCreated, "ada@example.com", mock.MatchedBy(func(vars map[string]string) bool {
			return vars["account_number"] == "44444444441" && vars["balance"] == "0.00" && vars["name"] == "Ada Obi"
		})).Return(nil).Once()

		account, err := f.service.Provision(ctx, testActor, 7, models.AccountTypeChecking)
		require.NoError(t, err)

		assert.Equal(t, int64(42), account.ID)
		assert.Equal(t, int64(3), account.HolderID)
		assert.Equal(t, "44444444441", account.AccountNumber)
		assert.True(t, strings.HasSuffix(account.AccountNumber, "1"))
		assert.Equal(t, "0.00", account.Balance.StringFixed(2))
		assert.Equal(t, models.AccountStatusActive, account.Status)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		f.notifier.AssertExpectations(t)
	})

	t.Run("regenerates after losing an insert race", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, append(digits(4, 10), digits(5, 10)...))

		f.mock.ExpectBegin()
		f.expectClientAndHolder(7)
		f.expectNumberFree("44444444441")
		f.expectAccountInsert(7, "44444444441").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "accounts_account_number_key"})
		f.mock.ExpectExec(rollbackSavepoint).WillReturnResult(sqlmock.NewResult(0, 0))
		f.expectNumberFree("55555555551")
		f.expectAccountInsert(7, "55555555551").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(43)))
		f.mock.ExpectExec(releaseSavepoint).WillReturnResult(sqlmock.NewResult(0, 0))
		f.mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectCommit()

		f.notifier.On("Send", notify.TemplateAccountCreated, "ada@example.com", mock.Anything).Return(nil).Once()

		account, err := f.service.Provision(ctx, testActor, 7, models.AccountTypeChecking)
		require.NoError(t, err)
		assert.Equal(t, "55555555551", account.AccountNumber)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("client not found", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, digits(4, 10))

		f.mock.ExpectBegin()
		f.mock.ExpectQuery(clientQuery).WithArgs(int64(99)).WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "email"}))
		f.mock.ExpectRollback()

		_, err := f.service.Provision(ctx, testActor, 99, models.AccountTypeSavings)
		assert.ErrorIs(t, err, ErrClientNotFound)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		f.notifier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("invalid account type touches nothing", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, nil)

		_, err := f.service.Provision(ctx, testActor, 7, models.AccountType("brokerage"))
		assert.ErrorIs(t, err, ErrInvalidAccountType)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("identifier exhaustion rolls back", func(t *testing.T) {
		f := newProvisioningFixture(t, 2, append(digits(4, 10), digits(5, 10)...))

		f.mock.ExpectBegin()
		f.expectClientAndHolder(7)
		f.mock.ExpectQuery(existsQuery).WithArgs("44444444441").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		f.mock.ExpectQuery(existsQuery).WithArgs("55555555551").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		f.mock.ExpectRollback()

		_, err := f.service.Provision(ctx, testActor, 7, models.AccountTypeChecking)
		assert.ErrorIs(t, err, ErrIdentifierExhausted)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		f.notifier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("audit failure leaves no account behind", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, digits(4, 10))

		f.mock.ExpectBegin()
		f.expectClientAndHolder(7)
		f.expectNumberFree("44444444441")
		f.expectAccountInsert(7, "44444444441").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
		f.mock.ExpectExec(releaseSavepoint).WillReturnResult(sqlmock.NewResult(0, 0))
		f.mock.ExpectExec("INSERT INTO audit_events").WillReturnError(errors.New("disk full"))
		f.mock.ExpectRollback()

		account, err := f.service.Provision(ctx, testActor, 7, models.AccountTypeChecking)
		assert.Nil(t, account)
		assert.ErrorIs(t, err, ErrStorage)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		f.notifier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("commit failure is a storage error", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, digits(4, 10))

		f.mock.ExpectBegin()
		f.expectClientAndHolder(7)
		f.expectNumberFree("44444444441")
		f.expectAccountInsert(7, "44444444441").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
		f.mock.ExpectExec(releaseSavepoint).WillReturnResult(sqlmock.NewResult(0, 0))
		f.mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectCommit().WillReturnError(errors.New("connection lost"))

		_, err := f.service.Provision(ctx, testActor, 7, models.AccountTypeChecking)
		assert.ErrorIs(t, err, ErrStorage)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		f.notifier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("notification failure does not fail provisioning", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, digits(4, 10))

		f.mock.ExpectBegin()
		f.expectClientAndHolder(7)
		f.expectNumberFree("44444444441")
		f.expectAccountInsert(7, "44444444441").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
		f.mock.ExpectExec(releaseSavepoint).WillReturnResult(sqlmock.NewResult(0, 0))
		f.mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectCommit()

		f.notifier.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(notify.ErrDeliveryFailed).Once()

		account, err := f.service.Provision(ctx, testActor, 7, models.AccountTypeChecking)
		require.NoError(t, err)
		assert.Equal(t, "44444444441", account.AccountNumber)
		f.notifier.AssertExpectations(t)
	})
}

func TestProvisioningService_LockTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewProvisioningService(db, NewIdentifierGenerator(10, nil), NewAuditRecorder(db, 100),
		nil, 5*time.Second, zap.NewNop(), metrics.NewCollector())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout = '5000ms'")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(lockAccountQuery).WithArgs("44444444441").WillReturnError(&pq.Error{Code: "55P03"})
	mock.ExpectRollback()

	_, err = service.ChangeStatus(context.Background(), testActor, "44444444441", models.AccountStatusBlocked)
	assert.ErrorIs(t, err, ErrBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisioningService_WithoutMetrics(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewProvisioningService(db, NewIdentifierGenerator(10, nil), NewAuditRecorder(db, 100), nil, 0, zap.NewNop(), nil)

	_, err = service.Provision(context.Background(), testActor, 7, models.AccountType("brokerage"))
	assert.ErrorIs(t, err, ErrInvalidAccountType)

	mock.ExpectBegin()
	mock.ExpectQuery(clientQuery).WithArgs(int64(404)).WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "email"}))
	mock.ExpectRollback()

	_, err = service.Provision(context.Background(), testActor, 404, models.AccountTypeChecking)
	assert.ErrorIs(t, err, ErrClientNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisioningService_ChangeStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("blocks an active account", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, nil)
		acc := testAccount{id: 1, number: "40000000011", balance: "20.00", name: "Ada Obi", email: "ada@example.com"}

		f.mock.ExpectBegin()
		f.mock.ExpectQuery(lockAccountQuery).WithArgs(acc.number).WillReturnRows(acc.rows())
		f.mock.ExpectExec("UPDATE accounts SET status").
			WithArgs("blocked", fixedTime, int64(1), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectExec("INSERT INTO audit_events").
			WithArgs(sqlmock.AnyArg(), "admin-1", models.ActionAccountStatusChanged, models.EntityAccount, acc.number,
				snapshotArg{"status": "active"}, snapshotArg{"status": "blocked"},
				"10.0.0.1", "ledger-test", fixedTime).
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectCommit()

		f.notifier.On("Send", notify.TemplateAccountStatusChanged, "ada@example.com", mock.MatchedBy(func(vars map[string]string) bool {
			return vars["previous_status"] == "active" && vars["status"] == "blocked"
		})).Return(nil).Once()

		account, err := f.service.ChangeStatus(ctx, testActor, acc.number, models.AccountStatusBlocked)
		require.NoError(t, err)
		assert.Equal(t, models.AccountStatusBlocked, account.Status)
		assert.Equal(t, 2, account.Version)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		f.notifier.AssertExpectations(t)
	})

	t.Run("same status is a no-op", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, nil)
		acc := testAccount{id: 1, number: "40000000011", balance: "20.00"}

		f.mock.ExpectBegin()
		f.mock.ExpectQuery(lockAccountQuery).WithArgs(acc.number).WillReturnRows(acc.rows())
		f.mock.ExpectCommit()

		account, err := f.service.ChangeStatus(ctx, testActor, acc.number, models.AccountStatusActive)
		require.NoError(t, err)
		assert.Equal(t, models.AccountStatusActive, account.Status)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		f.notifier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("deactivation requires a zero balance", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, nil)
		acc := testAccount{id: 1, number: "40000000011", balance: "20.00"}

		f.mock.ExpectBegin()
		f.mock.ExpectQuery(lockAccountQuery).WithArgs(acc.number).WillReturnRows(acc.rows())
		f.mock.ExpectRollback()

		_, err := f.service.ChangeStatus(ctx, testActor, acc.number, models.AccountStatusInactive)
		assert.ErrorIs(t, err, ErrAccountHasBalance)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("inactive is terminal", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, nil)
		acc := testAccount{id: 1, number: "40000000011", balance: "0.00", status: "inactive"}

		f.mock.ExpectBegin()
		f.mock.ExpectQuery(lockAccountQuery).WithArgs(acc.number).WillReturnRows(acc.rows())
		f.mock.ExpectRollback()

		_, err := f.service.ChangeStatus(ctx, testActor, acc.number, models.AccountStatusActive)
		assert.ErrorIs(t, err, ErrInvalidStatusTransition)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, nil)

		f.mock.ExpectBegin()
		f.mock.ExpectQuery(lockAccountQuery).WithArgs("49999999991").WillReturnRows(sqlmock.NewRows(accountColumns))
		f.mock.ExpectRollback()

		_, err := f.service.ChangeStatus(ctx, testActor, "49999999991", models.AccountStatusBlocked)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("unknown status", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, nil)

		_, err := f.service.ChangeStatus(ctx, testActor, "40000000011", models.AccountStatus("frozen"))
		assert.ErrorIs(t, err, ErrInvalidStatus)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})
}

func TestProvisioningService_GetAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, nil)
		acc := testAccount{id: 5, number: "40000000011", balance: "150.00", name: "Ada Obi"}

		f.mock.ExpectQuery("FROM accounts a JOIN clients c").WithArgs(acc.number).WillReturnRows(acc.rows())

		account, err := f.service.GetAccount(ctx, acc.number)
		require.NoError(t, err)
		assert.Equal(t, int64(5), account.ID)
		assert.Equal(t, "150.00", account.Balance.StringFixed(2))
		assert.Equal(t, models.AccountTypeChecking, account.Type)
		assert.Equal(t, "Ada Obi", account.OwnerName)
	})

	t.Run("missing", func(t *testing.T) {
		f := newProvisioningFixture(t, 10, nil)
		f.mock.ExpectQuery("FROM accounts a JOIN clients c").WithArgs("40000000099").WillReturnRows(sqlmock.NewRows(accountColumns))

		_, err := f.service.GetAccount(ctx, "40000000099")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}
