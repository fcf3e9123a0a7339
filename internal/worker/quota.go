package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/tempverify/internal/ledger"
	"github.com/example/tempverify/internal/models"
)

// QuotaLedger grants monthly free units.
type QuotaLedger interface {
	ResetQuota(ctx context.Context, userID uuid.UUID, period string, allowance func(plan string) int) (bool, error)
}

// QuotaUsers finds users not yet granted units for a period.
type QuotaUsers interface {
	ListUsersForQuota(ctx context.Context, period string, limit int) ([]models.User, error)
}

// QuotaResetter restores every user's free verifications to their plan's
// allowance once per calendar month (UTC).
type QuotaResetter struct {
	ledger    QuotaLedger
	users     QuotaUsers
	allowance func(plan string) int
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

// NewQuotaResetter builds a resetter that checks for a new month every interval.
func NewQuotaResetter(l QuotaLedger, users QuotaUsers, allowance func(plan string) int, interval time.Duration, logger *zap.Logger) *QuotaResetter {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuotaResetter{
		ledger:    l,
		users:     users,
		allowance: allowance,
		interval:  interval,
		batchSize: 200,
		logger:    logger,
		now:       time.Now,
	}
}

// Run resets once at start and then every interval until ctx is done.
func (q *QuotaResetter) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		if _, err := q.Tick(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("quota reset failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick grants the current month's units to every user still on an older
// period and returns how many were granted.
func (q *QuotaResetter) Tick(ctx context.Context) (int, error) {
	period := ledger.QuotaPeriod(q.now())
	total := 0
	for {
		users, err := q.users.ListUsersForQuota(ctx, period, q.batchSize)
		if err != nil {
			return total, err
		}

		granted := 0
		for _, u := range users {
			ok, err := q.ledger.ResetQuota(ctx, u.ID, period, q.allowance)
			if err != nil {
				q.logger.Warn("quota reset for user failed", zap.String("user_id", u.ID.String()), zap.Error(err))
				continue
			}
			if ok {
				granted++
			}
		}
		total += granted

		// A batch without progress holds only users that keep failing.
		if len(users) < q.batchSize || granted == 0 {
			break
		}
	}

	if total > 0 {
		q.logger.Info("monthly free verifications granted", zap.String("period", period), zap.Int("users", total))
	}
	return total, nil
}
