// Package sqlstore persists users, verification sessions and ledger entries
// with GORM on PostgreSQL.
package sqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/tempverify/internal/ledger"
	"github.com/example/tempverify/internal/models"
	"github.com/example/tempverify/internal/store"
)

// Store implements the ledger and session stores on a *gorm.DB.
type Store struct {
	db *gorm.DB
}

// New wraps db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

func duplicate(err error) error {
	var pqErr *pq.Error
	if errors.Is(err, gorm.ErrDuplicatedKey) || (errors.As(err, &pqErr) && pqErr.Code == "23505") {
		return store.ErrDuplicate
	}
	return err
}

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	return duplicate(s.db.WithContext(ctx).Create(u).Error)
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// GetUserByEmail loads a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// WithAccount locks the user row for the duration of a transaction.
func (s *Store) WithAccount(ctx context.Context, userID uuid.UUID, fn func(ledger.AccountTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&u, "id = ?", userID).Error; err != nil {
			return notFound(err)
		}
		return fn(&accountTx{tx: tx, user: &u})
	})
}

type accountTx struct {
	tx   *gorm.DB
	user *models.User
}

func (a *accountTx) Account() *models.User {
	return a.user
}

func (a *accountTx) EntryByKey(key string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := a.tx.Where("idempotency_key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (a *accountTx) Append(entry *models.LedgerEntry) error {
	return duplicate(a.tx.Create(entry).Error)
}

func (a *accountTx) SaveAccount() error {
	return a.tx.Model(&models.User{}).
		Where("id = ?", a.user.ID).
		Updates(map[string]any{
			"balance":            a.user.Balance,
			"free_verifications": a.user.FreeVerifications,
			"plan":               a.user.Plan,
			"quota_period":       a.user.QuotaPeriod,
		}).Error
}

// EntryByID loads a ledger entry.
func (s *Store) EntryByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// ListEntries pages through a user's entries, newest first.
func (s *Store) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.LedgerEntry, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var entries []models.LedgerEntry
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// CreateSession inserts a session.
func (s *Store) CreateSession(ctx context.Context, sess *models.VerificationSession) error {
	return s.db.WithContext(ctx).Create(sess).Error
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*models.VerificationSession, error) {
	var sess models.VerificationSession
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// TransitionSession writes sess only if the stored state is still from.
func (s *Store) TransitionSession(ctx context.Context, sess *models.VerificationSession, from models.SessionState) error {
	sess.UpdatedAt = time.Now()
	res := s.db.WithContext(ctx).
		Model(&models.VerificationSession{}).
		Where("id = ? AND state = ?", sess.ID, from).
		Updates(sessionColumns(sess))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrStateConflict
	}
	return nil
}

func sessionColumns(sess *models.VerificationSession) map[string]any {
	return map[string]any{
		"provider_session_id": sess.ProviderSessionID,
		"phone_number":        sess.PhoneNumber,
		"code":                sess.Code,
		"message_text":        sess.MessageText,
		"state":               sess.State,
		"cost":                sess.Cost,
		"funding":             sess.Funding,
		"charge_entry_id":     sess.ChargeEntryID,
		"refund_entry_id":     sess.RefundEntryID,
		"settled":             sess.Settled,
		"failure_reason":      sess.FailureReason,
		"completed_at":        sess.CompletedAt,
		"cancelled_at":        sess.CancelledAt,
		"provider_expires_at": sess.ProviderExpiresAt,
		"updated_at":          sess.UpdatedAt,
	}
}

// ListSessions pages through a user's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.VerificationSession, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.VerificationSession{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var sessions []models.VerificationSession
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&sessions).Error; err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// ListSessionsByState returns up to limit sessions in state, oldest first.
func (s *Store) ListSessionsByState(ctx context.Context, state models.SessionState, limit int) ([]models.VerificationSession, error) {
	query := s.db.WithContext(ctx).Where("state = ?", state).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var sessions []models.VerificationSession
	err := query.Find(&sessions).Error
	return sessions, err
}

// ListUnsettledSessions returns up to limit sessions that ended without
// completing and are not yet settled, oldest first.
func (s *Store) ListUnsettledSessions(ctx context.Context, limit int) ([]models.VerificationSession, error) {
	query := s.db.WithContext(ctx).
		Where("state IN ? AND settled = ?", unsettledStates, false).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var sessions []models.VerificationSession
	err := query.Find(&sessions).Error
	return sessions, err
}

var unsettledStates = []models.SessionState{models.SessionCancelled, models.SessionExpired, models.SessionFailed}

// ListUsersForQuota returns up to limit users whose free units were last
// granted for a period other than period.
func (s *Store) ListUsersForQuota(ctx context.Context, period string, limit int) ([]models.User, error) {
	query := s.db.WithContext(ctx).Where("quota_period <> ?", period).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var users []models.User
	err := query.Find(&users).Error
	return users, err
}

// CountCompletedSince counts the user's completed sessions created at or after since.
func (s *Store) CountCompletedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.VerificationSession{}).
		Where("user_id = ? AND state = ? AND created_at >= ?", userID, models.SessionCompleted, since).
		Count(&n).Error
	return n, err
}
