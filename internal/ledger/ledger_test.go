package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tempverify/internal/errs"
	"github.com/example/tempverify/internal/ledger"
	"github.com/example/tempverify/internal/models"
	"github.com/example/tempverify/internal/pricing"
	"github.com/example/tempverify/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	store  *memory.Store
	ledger *ledger.Ledger
	user   *models.User
}

func newFixture(t *testing.T, plan string, free int) *fixture {
	t.Helper()
	engine, err := pricing.NewEngine(pricing.DefaultTables())
	require.NoError(t, err)

	st := memory.New()
	u := &models.User{Email: uuid.NewString() + "@example.com", Plan: plan, FreeVerifications: free}
	require.NoError(t, st.CreateUser(context.Background(), u))

	return &fixture{
		store:  st,
		ledger: ledger.New(st, ledger.WithQuotaPolicy(engine.FreeQuotaAllows)),
		user:   u,
	}
}

func (f *fixture) fund(t *testing.T, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), f.user.ID, dec(amount), "top-up", "")
	require.NoError(t, err)
}

func (f *fixture) debit(amount string) (ledger.Charge, error) {
	return f.ledger.ReserveAndDebit(context.Background(), ledger.DebitRequest{
		UserID:     f.user.ID,
		Amount:     dec(amount),
		Reason:     "verification craigslist",
		SessionID:  uuid.New(),
		Tier:       "tier1",
		Capability: models.CapabilitySMS,
	})
}

func (f *fixture) assertSumMatchesBalance(t *testing.T) decimal.Decimal {
	t.Helper()
	ctx := context.Background()
	balance, _, err := f.ledger.Balance(ctx, f.user.ID)
	require.NoError(t, err)

	entries, total, err := f.ledger.Entries(ctx, f.user.ID, 0, 0)
	require.NoError(t, err)
	require.EqualValues(t, len(entries), total)

	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	assert.True(t, sum.Equal(balance), "sum %s != balance %s", sum, balance)
	assert.False(t, balance.IsNegative())
	return balance
}

func TestExactBalanceThenInsufficient(t *testing.T) {
	f := newFixture(t, "payg", 0)
	f.fund(t, "0.75")

	charge, err := f.debit("0.75")
	require.NoError(t, err)
	assert.Equal(t, models.FundingBalance, charge.Funding)
	assert.True(t, charge.BalanceAfter.IsZero())

	_, err = f.debit("0.75")
	require.Error(t, err)
	assert.EqualError(t, err, "insufficient_funds: required 0.75, available 0.00")

	e, ok := errs.As(err)
	require.True(t, ok)
	assert.True(t, e.Required.Equal(dec("0.75")))
	assert.True(t, e.Available.IsZero())

	f.assertSumMatchesBalance(t)
}

func TestDebitIsIdempotentPerSession(t *testing.T) {
	f := newFixture(t, "payg", 0)
	f.fund(t, "5.00")
	ctx := context.Background()

	req := ledger.DebitRequest{UserID: f.user.ID, Amount: dec("1.50"), SessionID: uuid.New(), Tier: "tier3", Capability: models.CapabilitySMS}
	first, err := f.ledger.ReserveAndDebit(ctx, req)
	require.NoError(t, err)
	second, err := f.ledger.ReserveAndDebit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.EntryID, second.EntryID)
	assert.True(t, second.Replayed)
	assert.True(t, f.assertSumMatchesBalance(t).Equal(dec("3.50")))
}

func TestFreeQuotaBeforeBalance(t *testing.T) {
	f := newFixture(t, "starter", 1)
	f.fund(t, "1.00")

	charge, err := f.debit("0.68")
	require.NoError(t, err)
	assert.Equal(t, models.FundingFreeQuota, charge.Funding)
	assert.True(t, charge.Amount.IsZero())

	_, free, err := f.ledger.Balance(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, free)

	charge, err = f.debit("0.68")
	require.NoError(t, err)
	assert.Equal(t, models.FundingBalance, charge.Funding)
	assert.True(t, f.assertSumMatchesBalance(t).Equal(dec("0.32")))
}

func TestFreeQuotaRespectsPlanPolicy(t *testing.T) {
	f := newFixture(t, "starter", 3)
	f.fund(t, "5.00")

	charge, err := f.ledger.ReserveAndDebit(context.Background(), ledger.DebitRequest{
		UserID:     f.user.ID,
		Amount:     dec("2.00"),
		SessionID:  uuid.New(),
		Tier:       "tier4",
		Capability: models.CapabilitySMS,
	})
	require.NoError(t, err)
	assert.Equal(t, models.FundingBalance, charge.Funding)
}

func TestRefundIsIdempotent(t *testing.T) {
	f := newFixture(t, "payg", 0)
	f.fund(t, "2.00")
	ctx := context.Background()

	charge, err := f.debit("0.75")
	require.NoError(t, err)

	r1, err := f.ledger.Refund(ctx, charge.EntryID)
	require.NoError(t, err)
	r2, err := f.ledger.Refund(ctx, charge.EntryID)
	require.NoError(t, err)

	assert.Equal(t, r1.EntryID, r2.EntryID)
	assert.False(t, r1.Replayed)
	assert.True(t, r2.Replayed)
	assert.True(t, f.assertSumMatchesBalance(t).Equal(dec("2.00")))
}

func TestRefundRestoresFreeUnit(t *testing.T) {
	f := newFixture(t, "pro", 1)
	ctx := context.Background()

	charge, err := f.debit("0.60")
	require.NoError(t, err)
	require.Equal(t, models.FundingFreeQuota, charge.Funding)

	_, err = f.ledger.Refund(ctx, charge.EntryID)
	require.NoError(t, err)

	balance, free, err := f.ledger.Balance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, free)
	assert.True(t, balance.IsZero())
}

func TestRefundRejectsCredits(t *testing.T) {
	f := newFixture(t, "payg", 0)
	entry, err := f.ledger.Credit(context.Background(), f.user.ID, dec("1.00"), "top-up", "")
	require.NoError(t, err)

	_, err = f.ledger.Refund(context.Background(), entry.ID)
	assert.Equal(t, errs.InvariantViolation, errs.KindOf(err))

	_, err = f.ledger.Refund(context.Background(), uuid.New())
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestCreditWithReferenceIsIdempotent(t *testing.T) {
	f := newFixture(t, "payg", 0)
	ctx := context.Background()

	a, err := f.ledger.Credit(ctx, f.user.ID, dec("10.00"), "card payment", "pay_123")
	require.NoError(t, err)
	b, err := f.ledger.Credit(ctx, f.user.ID, dec("10.00"), "card payment", "pay_123")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.True(t, f.assertSumMatchesBalance(t).Equal(dec("10.00")))
}

func TestValidation(t *testing.T) {
	f := newFixture(t, "payg", 0)
	ctx := context.Background()

	_, err := f.ledger.Credit(ctx, f.user.ID, dec("0"), "nothing", "")
	assert.Equal(t, errs.InputValidation, errs.KindOf(err))

	_, err = f.debit("-1.00")
	assert.Equal(t, errs.InputValidation, errs.KindOf(err))

	_, err = f.ledger.Credit(ctx, uuid.New(), dec("1.00"), "ghost", "")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestChargeForFindsSessionDebit(t *testing.T) {
	f := newFixture(t, "payg", 0)
	f.fund(t, "2.00")
	ctx := context.Background()

	sessionID := uuid.New()
	got, err := f.ledger.ChargeFor(ctx, f.user.ID, sessionID)
	require.NoError(t, err)
	assert.Nil(t, got)

	charge, err := f.ledger.ReserveAndDebit(ctx, ledger.DebitRequest{
		UserID: f.user.ID, Amount: dec("0.75"), SessionID: sessionID, Capability: models.CapabilitySMS,
	})
	require.NoError(t, err)

	got, err = f.ledger.ChargeFor(ctx, f.user.ID, sessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, charge.EntryID, got.ID)

	_, err = f.ledger.ChargeFor(ctx, uuid.New(), sessionID)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestResetQuotaOncePerPeriod(t *testing.T) {
	f := newFixture(t, "pro", 0)
	f.fund(t, "1.00")
	ctx := context.Background()
	allowance := func(plan string) int {
		if plan == "pro" {
			return 20
		}
		return 0
	}

	granted, err := f.ledger.ResetQuota(ctx, f.user.ID, "2026-10", allowance)
	require.NoError(t, err)
	assert.True(t, granted)

	_, err = f.debit("0.75")
	require.NoError(t, err)

	granted, err = f.ledger.ResetQuota(ctx, f.user.ID, "2026-10", allowance)
	require.NoError(t, err)
	assert.False(t, granted)

	_, free, err := f.ledger.Balance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 19, free, "a second grant in the same month must not top up")
	assert.Equal(t, "1.00", f.assertSumMatchesBalance(t).StringFixed(2))
}

func TestChangePlanReplacesAllowance(t *testing.T) {
	f := newFixture(t, "business", 50)
	ctx := context.Background()

	u, err := f.ledger.ChangePlan(ctx, f.user.ID, "starter", 5, "2026-10")
	require.NoError(t, err)
	assert.Equal(t, "starter", u.Plan)
	assert.Equal(t, 5, u.FreeVerifications)
	assert.Equal(t, "2026-10", u.QuotaPeriod)

	granted, err := f.ledger.ResetQuota(ctx, f.user.ID, "2026-10", func(string) int { return 99 })
	require.NoError(t, err)
	assert.False(t, granted)

	_, err = f.ledger.ChangePlan(ctx, f.user.ID, "", 5, "2026-10")
	assert.Equal(t, errs.InputValidation, errs.KindOf(err))
}

func TestConcurrentOperationsKeepSumEqualToBalance(t *testing.T) {
	f := newFixture(t, "starter", 3)
	f.fund(t, "10.00")
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charges []uuid.UUID
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.debit("0.75")
			if err != nil {
				assert.Equal(t, errs.InsufficientFunds, errs.KindOf(err))
				return
			}
			mu.Lock()
			charges = append(charges, c.EntryID)
			mu.Unlock()
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Credit(ctx, f.user.ID, dec("0.25"), "promo", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, id := range charges {
		wg.Add(2)
		for j := 0; j < 2; j++ {
			go func(id uuid.UUID) {
				defer wg.Done()
				_, err := f.ledger.Refund(ctx, id)
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	balance := f.assertSumMatchesBalance(t)
	assert.True(t, balance.Equal(dec("12.50")), "balance %s", balance)

	_, free, err := f.ledger.Balance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, free)
}
