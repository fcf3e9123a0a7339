package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/tempverify/internal/ledger"
	"github.com/example/tempverify/internal/models"
	"github.com/example/tempverify/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return New(gdb), mock
}

var userColumns = []string{"id", "created_at", "updated_at", "email", "display_name", "password_hash", "plan", "balance", "free_verifications"}

func TestGetUserNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "users" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(userColumns))

	_, err := s.GetUser(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserByEmail(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT \* FROM "users" WHERE email = \$1`).
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow(id.String(), now, now, "ada@example.com", "Ada", "hash", "pro", "12.50", 3))

	u, err := s.GetUserByEmail(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.Equal(t, "pro", u.Plan)
	assert.True(t, u.Balance.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, 3, u.FreeVerifications)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithAccountLocksAndSaves(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "users" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow(id.String(), now, now, "ada@example.com", "Ada", "hash", "payg", "5.00", 0))
	mock.ExpectQuery(`SELECT \* FROM "ledger_entries" WHERE idempotency_key = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`UPDATE "users" SET .*"balance"=.*WHERE id = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithAccount(context.Background(), id, func(tx ledger.AccountTx) error {
		existing, err := tx.EntryByKey("credit:ref-1")
		if err != nil {
			return err
		}
		assert.Nil(t, existing)
		acct := tx.Account()
		acct.Balance = acct.Balance.Sub(decimal.RequireFromString("0.75"))
		return tx.SaveAccount()
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithAccountRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now()
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "users" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow(id.String(), now, now, "ada@example.com", "Ada", "hash", "payg", "5.00", 0))
	mock.ExpectRollback()

	err := s.WithAccount(context.Background(), id, func(ledger.AccountTx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithAccountUnknownUser(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "users" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(userColumns))
	mock.ExpectRollback()

	err := s.WithAccount(context.Background(), uuid.New(), func(ledger.AccountTx) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionSessionCompareAndSet(t *testing.T) {
	s, mock := newMockStore(t)
	sess := &models.VerificationSession{
		BaseModel: models.BaseModel{ID: uuid.New()},
		State:     models.SessionCancelled,
	}

	mock.ExpectExec(`UPDATE "verification_sessions" SET .* WHERE id = \$\d+ AND state = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.TransitionSession(context.Background(), sess, models.SessionAwaitingCode))

	mock.ExpectExec(`UPDATE "verification_sessions" SET .* WHERE id = \$\d+ AND state = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.TransitionSession(context.Background(), sess, models.SessionAwaitingCode)
	assert.ErrorIs(t, err, store.ErrStateConflict)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListEntriesCountsThenPages(t *testing.T) {
	s, mock := newMockStore(t)
	userID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT count\(\*\) FROM "ledger_entries" WHERE user_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`SELECT \* FROM "ledger_entries" WHERE user_id = \$1 ORDER BY created_at DESC LIMIT`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at", "user_id", "amount", "balance_after", "kind", "funding", "reason"}).
			AddRow(uuid.NewString(), now, now, userID.String(), "-0.75", "4.25", "debit", "balance", "verification craigslist"))

	entries, total, err := s.ListEntries(context.Background(), userID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryDebit, entries[0].Kind)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("-0.75")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountCompletedSince(t *testing.T) {
	s, mock := newMockStore(t)
	userID := uuid.New()
	since := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "verification_sessions" WHERE user_id = \$1 AND state = \$2 AND created_at >= \$3`).
		WithArgs(userID, models.SessionCompleted, since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	n, err := s.CountCompletedSince(context.Background(), userID, since)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnsettledSessions(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "verification_sessions" WHERE state IN \(\$1,\$2,\$3\) AND settled = \$4 ORDER BY created_at ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "state", "settled"}).AddRow(id.String(), "cancelled", false))

	sessions, err := s.ListUnsettledSessions(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, models.SessionCancelled, sessions[0].State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUsersForQuota(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT \* FROM "users" WHERE quota_period <> \$1 ORDER BY created_at ASC`).
		WillReturnRows(sqlmock.NewRows(append(userColumns, "quota_period")).
			AddRow(id.String(), now, now, "ada@example.com", "Ada", "hash", "pro", "0", 0, "2026-09"))

	users, err := s.ListUsersForQuota(context.Background(), "2026-10", 0)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "2026-09", users[0].QuotaPeriod)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDuplicateMapping(t *testing.T) {
	assert.ErrorIs(t, duplicate(gorm.ErrDuplicatedKey), store.ErrDuplicate)
	assert.ErrorIs(t, duplicate(&pq.Error{Code: "23505"}), store.ErrDuplicate)
	assert.NotErrorIs(t, duplicate(&pq.Error{Code: "23503"}), store.ErrDuplicate)
	assert.NoError(t, duplicate(nil))
	assert.ErrorIs(t, notFound(gorm.ErrRecordNotFound), store.ErrNotFound)
	assert.ErrorIs(t, notFound(sql.ErrConnDone), sql.ErrConnDone)
}
