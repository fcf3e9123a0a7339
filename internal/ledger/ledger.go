// Package ledger moves money and free units on user accounts. Every movement
// is an append-only entry and the user's balance always equals the sum of
// their entries. Operations are serialized per user by the Store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/tempverify/internal/errs"
	"github.com/example/tempverify/internal/models"
	"github.com/example/tempverify/internal/store"
)

// AccountTx is a unit of work on one locked user account. Writes become
// visible only when the surrounding WithAccount callback returns nil.
type AccountTx interface {
	Account() *models.User
	// EntryByKey returns the entry with the idempotency key, or nil.
	EntryByKey(key string) (*models.LedgerEntry, error)
	Append(entry *models.LedgerEntry) error
	SaveAccount() error
}

// Store is the transactional persistence the ledger needs.
type Store interface {
	// WithAccount runs fn with the user's account locked against concurrent
	// ledger operations. Returns store.ErrNotFound for unknown users.
	WithAccount(ctx context.Context, userID uuid.UUID, fn func(AccountTx) error) error
	EntryByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.LedgerEntry, int64, error)
}

// QuotaPolicy reports whether a plan's free units may pay for a verification.
type QuotaPolicy func(plan, tier string, capability models.Capability) bool

// DebitRequest reserves the cost of one verification session.
type DebitRequest struct {
	UserID     uuid.UUID
	Amount     decimal.Decimal
	Reason     string
	SessionID  uuid.UUID
	Tier       string
	Capability models.Capability
}

// Charge is the outcome of ReserveAndDebit.
type Charge struct {
	EntryID      uuid.UUID
	Funding      models.Funding
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	// Replayed is set when the session had already been charged.
	Replayed bool
}

// Refund is the outcome of Refund.
type Refund struct {
	EntryID  uuid.UUID
	Amount   decimal.Decimal
	Funding  models.Funding
	Replayed bool
}

// Ledger performs balance operations.
type Ledger struct {
	store  Store
	quota  QuotaPolicy
	logger *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithQuotaPolicy enables free-unit funding for verifications the policy allows.
func WithQuotaPolicy(p QuotaPolicy) Option {
	return func(l *Ledger) {
		l.quota = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// New creates a ledger over s.
func New(s Store, opts ...Option) *Ledger {
	l := &Ledger{store: s, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DebitKey is the idempotency key of a session's charge.
func DebitKey(sessionID uuid.UUID) string {
	return "session:" + sessionID.String() + ":debit"
}

// RefundKey is the idempotency key of the refund of a charge.
func RefundKey(entryID uuid.UUID) string {
	return "refund:" + entryID.String()
}

func creditKey(reference string) string {
	return "credit:" + reference
}

// QuotaKey is the idempotency key of a user's monthly free-unit grant.
func QuotaKey(userID uuid.UUID, period string) string {
	return "quota:" + userID.String() + ":" + period
}

// QuotaPeriod names the calendar month of t in UTC, e.g. "2026-10".
func QuotaPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// ReserveAndDebit charges a session exactly once. A free unit is used when the
// user holds one and the plan allows it; otherwise the balance is debited. A
// balance below the amount yields an InsufficientFunds error and no entry.
func (l *Ledger) ReserveAndDebit(ctx context.Context, req DebitRequest) (Charge, error) {
	if req.Amount.IsNegative() {
		return Charge{}, errs.Validation("amount", "amount cannot be negative")
	}
	if req.SessionID == uuid.Nil {
		return Charge{}, errs.Validation("session_id", "session reference is required")
	}

	key := DebitKey(req.SessionID)
	var charge Charge
	err := l.store.WithAccount(ctx, req.UserID, func(tx AccountTx) error {
		existing, err := tx.EntryByKey(key)
		if err != nil {
			return err
		}
		if existing != nil {
			charge = Charge{
				EntryID:      existing.ID,
				Funding:      existing.Funding,
				Amount:       existing.Amount.Neg(),
				BalanceAfter: existing.BalanceAfter,
				Replayed:     true,
			}
			return nil
		}

		acct := tx.Account()
		sessionID := req.SessionID
		entry := &models.LedgerEntry{
			BaseModel:      models.BaseModel{ID: uuid.New()},
			UserID:         acct.ID,
			Kind:           models.EntryDebit,
			Reason:         req.Reason,
			SessionID:      &sessionID,
			IdempotencyKey: &key,
		}

		if acct.FreeVerifications > 0 && l.quota != nil && l.quota(acct.Plan, req.Tier, req.Capability) {
			acct.FreeVerifications--
			entry.Funding = models.FundingFreeQuota
			entry.Amount = decimal.Zero
		} else {
			if acct.Balance.LessThan(req.Amount) {
				return errs.Insufficient(req.Amount, acct.Balance)
			}
			acct.Balance = acct.Balance.Sub(req.Amount)
			entry.Funding = models.FundingBalance
			entry.Amount = req.Amount.Neg()
		}
		entry.BalanceAfter = acct.Balance

		if err := tx.Append(entry); err != nil {
			return err
		}
		if err := tx.SaveAccount(); err != nil {
			return err
		}
		charge = Charge{
			EntryID:      entry.ID,
			Funding:      entry.Funding,
			Amount:       entry.Amount.Neg(),
			BalanceAfter: entry.BalanceAfter,
		}
		return nil
	})
	if err != nil {
		return Charge{}, l.translate(err, req.UserID)
	}
	if !charge.Replayed {
		l.logger.Info("ledger debit",
			zap.String("user_id", req.UserID.String()),
			zap.String("session_id", req.SessionID.String()),
			zap.String("funding", string(charge.Funding)),
			zap.String("amount", charge.Amount.StringFixed(2)),
		)
	}
	return charge, nil
}

// Credit adds funds to a balance. A non-empty reference makes the call
// idempotent: repeating it returns the original entry.
func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reason, reference string) (*models.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, errs.Validation("amount", "credit amount must be positive")
	}

	var out *models.LedgerEntry
	err := l.store.WithAccount(ctx, userID, func(tx AccountTx) error {
		var keyPtr *string
		if reference != "" {
			key := creditKey(reference)
			existing, err := tx.EntryByKey(key)
			if err != nil {
				return err
			}
			if existing != nil {
				out = existing
				return nil
			}
			keyPtr = &key
		}

		acct := tx.Account()
		acct.Balance = acct.Balance.Add(amount)
		entry := &models.LedgerEntry{
			BaseModel:      models.BaseModel{ID: uuid.New()},
			UserID:         acct.ID,
			Amount:         amount,
			BalanceAfter:   acct.Balance,
			Kind:           models.EntryCredit,
			Funding:        models.FundingBalance,
			Reason:         reason,
			IdempotencyKey: keyPtr,
		}
		if err := tx.Append(entry); err != nil {
			return err
		}
		if err := tx.SaveAccount(); err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return nil, l.translate(err, userID)
	}
	return out, nil
}

// Refund reverses a debit once. Quota-funded debits get their free unit back.
func (l *Ledger) Refund(ctx context.Context, transactionID uuid.UUID) (Refund, error) {
	debit, err := l.store.EntryByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Refund{}, errs.NotFoundf("ledger entry %s not found", transactionID)
		}
		return Refund{}, fmt.Errorf("load ledger entry: %w", err)
	}
	if debit.Kind != models.EntryDebit {
		return Refund{}, errs.Invariant("refund of non-debit entry %s", transactionID)
	}

	key := RefundKey(debit.ID)
	var out Refund
	err = l.store.WithAccount(ctx, debit.UserID, func(tx AccountTx) error {
		existing, err := tx.EntryByKey(key)
		if err != nil {
			return err
		}
		if existing != nil {
			out = Refund{EntryID: existing.ID, Amount: existing.Amount, Funding: existing.Funding, Replayed: true}
			return nil
		}

		acct := tx.Account()
		amount := debit.Amount.Neg()
		if debit.Funding == models.FundingFreeQuota {
			acct.FreeVerifications++
			amount = decimal.Zero
		}
		acct.Balance = acct.Balance.Add(amount)

		debitID := debit.ID
		entry := &models.LedgerEntry{
			BaseModel:      models.BaseModel{ID: uuid.New()},
			UserID:         acct.ID,
			Amount:         amount,
			BalanceAfter:   acct.Balance,
			Kind:           models.EntryCredit,
			Funding:        debit.Funding,
			Reason:         "refund: " + debit.Reason,
			SessionID:      debit.SessionID,
			RefundOf:       &debitID,
			IdempotencyKey: &key,
		}
		if err := tx.Append(entry); err != nil {
			return err
		}
		if err := tx.SaveAccount(); err != nil {
			return err
		}
		out = Refund{EntryID: entry.ID, Amount: amount, Funding: entry.Funding}
		return nil
	})
	if err != nil {
		return Refund{}, l.translate(err, debit.UserID)
	}
	if !out.Replayed {
		l.logger.Info("ledger refund",
			zap.String("user_id", debit.UserID.String()),
			zap.String("debit_id", debit.ID.String()),
			zap.String("amount", out.Amount.StringFixed(2)),
		)
	}
	return out, nil
}

// ChargeFor returns the debit recorded for a session, or nil when the session
// was never charged. It finds charges whose entry id was not saved on the
// session.
func (l *Ledger) ChargeFor(ctx context.Context, userID, sessionID uuid.UUID) (*models.LedgerEntry, error) {
	var out *models.LedgerEntry
	err := l.store.WithAccount(ctx, userID, func(tx AccountTx) error {
		entry, err := tx.EntryByKey(DebitKey(sessionID))
		out = entry
		return err
	})
	if err != nil {
		return nil, l.translate(err, userID)
	}
	return out, nil
}

// ResetQuota restores the user's free units to allowance(plan) for period.
// It reports false when the user was already granted units for period.
func (l *Ledger) ResetQuota(ctx context.Context, userID uuid.UUID, period string, allowance func(plan string) int) (bool, error) {
	key := QuotaKey(userID, period)
	granted := false
	err := l.store.WithAccount(ctx, userID, func(tx AccountTx) error {
		acct := tx.Account()
		if acct.QuotaPeriod == period {
			return nil
		}
		existing, err := tx.EntryByKey(key)
		if err != nil || existing != nil {
			return err
		}

		acct.FreeVerifications = allowance(acct.Plan)
		acct.QuotaPeriod = period
		entry := &models.LedgerEntry{
			BaseModel:      models.BaseModel{ID: uuid.New()},
			UserID:         acct.ID,
			Amount:         decimal.Zero,
			BalanceAfter:   acct.Balance,
			Kind:           models.EntryCredit,
			Funding:        models.FundingFreeQuota,
			Reason:         fmt.Sprintf("free verifications for %s: %d", period, acct.FreeVerifications),
			IdempotencyKey: &key,
		}
		if err := tx.Append(entry); err != nil {
			return err
		}
		if err := tx.SaveAccount(); err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, l.translate(err, userID)
	}
	return granted, nil
}

// ChangePlan moves the user to plan and replaces their free units with the
// plan's allowance for period.
func (l *Ledger) ChangePlan(ctx context.Context, userID uuid.UUID, plan string, allowance int, period string) (*models.User, error) {
	if plan == "" {
		return nil, errs.Validation("plan", "plan is required")
	}
	if allowance < 0 {
		return nil, errs.Validation("allowance", "allowance cannot be negative")
	}

	var out models.User
	err := l.store.WithAccount(ctx, userID, func(tx AccountTx) error {
		acct := tx.Account()
		previous := acct.Plan
		acct.Plan = plan
		acct.FreeVerifications = allowance
		acct.QuotaPeriod = period
		entry := &models.LedgerEntry{
			BaseModel:    models.BaseModel{ID: uuid.New()},
			UserID:       acct.ID,
			Amount:       decimal.Zero,
			BalanceAfter: acct.Balance,
			Kind:         models.EntryCredit,
			Funding:      models.FundingFreeQuota,
			Reason:       fmt.Sprintf("plan %s -> %s", previous, plan),
		}
		if err := tx.Append(entry); err != nil {
			return err
		}
		if err := tx.SaveAccount(); err != nil {
			return err
		}
		out = *acct
		return nil
	})
	if err != nil {
		return nil, l.translate(err, userID)
	}
	l.logger.Info("plan changed",
		zap.String("user_id", userID.String()),
		zap.String("plan", plan),
		zap.Int("free_verifications", allowance),
	)
	return &out, nil
}

// Balance returns the user's balance and free units.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, int, error) {
	var (
		balance decimal.Decimal
		free    int
	)
	err := l.store.WithAccount(ctx, userID, func(tx AccountTx) error {
		balance = tx.Account().Balance
		free = tx.Account().FreeVerifications
		return nil
	})
	if err != nil {
		return decimal.Zero, 0, l.translate(err, userID)
	}
	return balance, free, nil
}

// Entries lists the user's entries, newest first.
func (l *Ledger) Entries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.LedgerEntry, int64, error) {
	return l.store.ListEntries(ctx, userID, limit, offset)
}

func (l *Ledger) translate(err error, userID uuid.UUID) error {
	if _, ok := errs.As(err); ok {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		return errs.NotFoundf("user %s not found", userID)
	}
	return fmt.Errorf("ledger: %w", err)
}
