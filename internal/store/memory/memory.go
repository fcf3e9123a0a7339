// Package memory is an in-process store for tests and single-node
// development. Ledger operations are serialized per user and buffered until
// the unit of work returns without error.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/tempverify/internal/ledger"
	"github.com/example/tempverify/internal/models"
	"github.com/example/tempverify/internal/store"
)

// Store keeps every record in maps guarded by a RWMutex.
type Store struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]models.User
	emails   map[string]uuid.UUID
	sessions map[uuid.UUID]models.VerificationSession
	entries  []models.LedgerEntry
	byKey    map[string]int
	byID     map[uuid.UUID]int

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		users:    make(map[uuid.UUID]models.User),
		emails:   make(map[string]uuid.UUID),
		sessions: make(map[uuid.UUID]models.VerificationSession),
		byKey:    make(map[string]int),
		byID:     make(map[uuid.UUID]int),
		locks:    make(map[uuid.UUID]*sync.Mutex),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) userLock(id uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) stamp(b *models.BaseModel) {
	now := s.now()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

// CreateUser inserts a user.
func (s *Store) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(u.Email)
	if _, taken := s.emails[email]; taken && email != "" {
		return store.ErrDuplicate
	}
	s.stamp(&u.BaseModel)
	if u.Plan == "" {
		u.Plan = "payg"
	}
	s.users[u.ID] = *u
	if email != "" {
		s.emails[email] = u.ID
	}
	return nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

// GetUserByEmail loads a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	id, ok := s.emails[strings.ToLower(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetUser(ctx, id)
}

// WithAccount serializes fn with every other ledger operation of the user.
func (s *Store) WithAccount(ctx context.Context, userID uuid.UUID, fn func(ledger.AccountTx) error) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	u, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}

	tx := &accountTx{store: s, user: u}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type accountTx struct {
	store   *Store
	user    models.User
	dirty   bool
	pending []models.LedgerEntry
}

func (a *accountTx) Account() *models.User {
	return &a.user
}

func (a *accountTx) EntryByKey(key string) (*models.LedgerEntry, error) {
	for i := range a.pending {
		if k := a.pending[i].IdempotencyKey; k != nil && *k == key {
			e := a.pending[i]
			return &e, nil
		}
	}
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	idx, ok := a.store.byKey[key]
	if !ok {
		return nil, nil
	}
	e := a.store.entries[idx]
	return &e, nil
}

func (a *accountTx) Append(entry *models.LedgerEntry) error {
	if entry.IdempotencyKey != nil {
		if existing, _ := a.EntryByKey(*entry.IdempotencyKey); existing != nil {
			return store.ErrDuplicate
		}
	}
	a.store.stamp(&entry.BaseModel)
	a.pending = append(a.pending, *entry)
	return nil
}

func (a *accountTx) SaveAccount() error {
	a.dirty = true
	return nil
}

func (a *accountTx) commit() error {
	s := a.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range a.pending {
		s.entries = append(s.entries, e)
		idx := len(s.entries) - 1
		s.byID[e.ID] = idx
		if e.IdempotencyKey != nil {
			s.byKey[*e.IdempotencyKey] = idx
		}
	}
	if a.dirty {
		a.user.UpdatedAt = s.now()
		s.users[a.user.ID] = a.user
	}
	return nil
}

// EntryByID loads a ledger entry.
func (s *Store) EntryByID(_ context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	e := s.entries[idx]
	return &e, nil
}

// ListEntries pages through a user's entries, newest first.
func (s *Store) ListEntries(_ context.Context, userID uuid.UUID, limit, offset int) ([]models.LedgerEntry, int64, error) {
	s.mu.RLock()
	var all []models.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].UserID == userID {
			all = append(all, s.entries[i])
		}
	}
	s.mu.RUnlock()
	return page(all, limit, offset), int64(len(all)), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// CreateSession inserts a session.
func (s *Store) CreateSession(_ context.Context, sess *models.VerificationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&sess.BaseModel)
	if _, exists := s.sessions[sess.ID]; exists {
		return store.ErrDuplicate
	}
	s.sessions[sess.ID] = *sess
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(_ context.Context, id uuid.UUID) (*models.VerificationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

// TransitionSession writes sess only if the stored state is still from.
func (s *Store) TransitionSession(_ context.Context, sess *models.VerificationSession, from models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[sess.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.State != from {
		return store.ErrStateConflict
	}
	sess.CreatedAt = current.CreatedAt
	sess.UpdatedAt = s.now()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) sortedSessions(keep func(models.VerificationSession) bool, newestFirst bool) []models.VerificationSession {
	s.mu.RLock()
	out := make([]models.VerificationSession, 0)
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, sess)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListSessions pages through a user's sessions, newest first.
func (s *Store) ListSessions(_ context.Context, userID uuid.UUID, limit, offset int) ([]models.VerificationSession, int64, error) {
	all := s.sortedSessions(func(v models.VerificationSession) bool { return v.UserID == userID }, true)
	return page(all, limit, offset), int64(len(all)), nil
}

// ListSessionsByState returns up to limit sessions in state, oldest first.
func (s *Store) ListSessionsByState(_ context.Context, state models.SessionState, limit int) ([]models.VerificationSession, error) {
	all := s.sortedSessions(func(v models.VerificationSession) bool { return v.State == state }, false)
	return page(all, limit, 0), nil
}

// ListUnsettledSessions returns up to limit sessions that ended without
// completing and are not yet settled, oldest first.
func (s *Store) ListUnsettledSessions(_ context.Context, limit int) ([]models.VerificationSession, error) {
	all := s.sortedSessions(func(v models.VerificationSession) bool {
		return v.State.Terminal() && v.State != models.SessionCompleted && !v.Settled
	}, false)
	return page(all, limit, 0), nil
}

// ListUsersForQuota returns up to limit users whose free units were last
// granted for a period other than period.
func (s *Store) ListUsersForQuota(_ context.Context, period string, limit int) ([]models.User, error) {
	s.mu.RLock()
	out := make([]models.User, 0)
	for _, u := range s.users {
		if u.QuotaPeriod != period {
			out = append(out, u)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

// CountCompletedSince counts the user's completed sessions created at or after since.
func (s *Store) CountCompletedSince(_ context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.State == models.SessionCompleted && !sess.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
