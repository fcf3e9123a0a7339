package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tempverify/internal/ledger"
	"github.com/example/tempverify/internal/models"
	"github.com/example/tempverify/internal/store"
)

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateUser(ctx, &models.User{Email: "Ada@Example.com"}))
	err := s.CreateUser(ctx, &models.User{Email: "ada@example.com"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	u, err := s.GetUserByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, "payg", u.Plan)
}

func TestWithAccountDiscardsOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := &models.User{Email: "a@example.com", Balance: decimal.NewFromInt(5)}
	require.NoError(t, s.CreateUser(ctx, u))

	key := "credit:x"
	boom := errors.New("boom")
	err := s.WithAccount(ctx, u.ID, func(tx ledger.AccountTx) error {
		tx.Account().Balance = decimal.NewFromInt(100)
		require.NoError(t, tx.Append(&models.LedgerEntry{UserID: u.ID, IdempotencyKey: &key}))
		require.NoError(t, tx.SaveAccount())
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(5)))
	_, total, err := s.ListEntries(ctx, u.ID, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAppendRejectsDuplicateKeyWithinTransaction(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := &models.User{Email: "a@example.com"}
	require.NoError(t, s.CreateUser(ctx, u))

	key := "refund:1"
	err := s.WithAccount(ctx, u.ID, func(tx ledger.AccountTx) error {
		require.NoError(t, tx.Append(&models.LedgerEntry{UserID: u.ID, IdempotencyKey: &key}))
		return tx.Append(&models.LedgerEntry{UserID: u.ID, IdempotencyKey: &key})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestTransitionSessionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	sess := &models.VerificationSession{UserID: uuid.New(), State: models.SessionAwaitingCode}
	require.NoError(t, s.CreateSession(ctx, sess))

	next := *sess
	next.State = models.SessionCancelled
	require.NoError(t, s.TransitionSession(ctx, &next, models.SessionAwaitingCode))

	again := *sess
	again.State = models.SessionCompleted
	assert.ErrorIs(t, s.TransitionSession(ctx, &again, models.SessionAwaitingCode), store.ErrStateConflict)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, got.State)
	assert.Equal(t, sess.CreatedAt, got.CreatedAt)
}

func TestSessionListingOrder(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	current := base
	s := New(WithClock(func() time.Time { return current }))
	userID := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		current = base.Add(time.Duration(i) * time.Minute)
		sess := &models.VerificationSession{UserID: userID, State: models.SessionAwaitingCode}
		require.NoError(t, s.CreateSession(ctx, sess))
		ids = append(ids, sess.ID)
	}

	newest, total, err := s.ListSessions(ctx, userID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, []uuid.UUID{ids[2], ids[1]}, []uuid.UUID{newest[0].ID, newest[1].ID})

	oldest, err := s.ListSessionsByState(ctx, models.SessionAwaitingCode, 1)
	require.NoError(t, err)
	require.Len(t, oldest, 1)
	assert.Equal(t, ids[0], oldest[0].ID)

	empty, _, err := s.ListSessions(ctx, userID, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCountCompletedSince(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	current := now.AddDate(0, -1, 0)
	s := New(WithClock(func() time.Time { return current }))
	userID := uuid.New()

	require.NoError(t, s.CreateSession(ctx, &models.VerificationSession{UserID: userID, State: models.SessionCompleted}))
	current = now
	require.NoError(t, s.CreateSession(ctx, &models.VerificationSession{UserID: userID, State: models.SessionCompleted}))
	require.NoError(t, s.CreateSession(ctx, &models.VerificationSession{UserID: userID, State: models.SessionCancelled}))

	n, err := s.CountCompletedSince(ctx, userID, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListUnsettledSessions(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := uuid.New()

	pending := &models.VerificationSession{UserID: userID, State: models.SessionExpired}
	for _, sess := range []*models.VerificationSession{
		pending,
		{UserID: userID, State: models.SessionCancelled, Settled: true},
		{UserID: userID, State: models.SessionCompleted},
		{UserID: userID, State: models.SessionAwaitingCode},
	} {
		require.NoError(t, s.CreateSession(ctx, sess))
	}

	got, err := s.ListUnsettledSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pending.ID, got[0].ID)
}

func TestListUsersForQuota(t *testing.T) {
	ctx := context.Background()
	s := New()
	stale := &models.User{Email: "a@example.com", QuotaPeriod: "2026-09"}
	current := &models.User{Email: "b@example.com", QuotaPeriod: "2026-10"}
	require.NoError(t, s.CreateUser(ctx, stale))
	require.NoError(t, s.CreateUser(ctx, current))

	got, err := s.ListUsersForQuota(ctx, "2026-10", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}
