package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fetchq/fetchq/internal/logger"
	"github.com/fetchq/fetchq/internal/request"
)

func (l *Ledger) initTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS quota_accounts (
		user_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL,
		consumed INTEGER NOT NULL DEFAULT 0,
		period_reset_at INTEGER NOT NULL
	);
	`
	if _, err := l.db.Exec(query); err != nil {
		return fmt.Errorf("init quota table: %w", err)
	}
	return nil
}

func (l *Ledger) saveAccount(ctx context.Context, acct *Account) error {
	query := `INSERT INTO quota_accounts (user_id, tier, consumed, period_reset_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			tier = excluded.tier,
			consumed = excluded.consumed,
			period_reset_at = excluded.period_reset_at`
	_, err := l.db.ExecContext(ctx, query,
		acct.UserID, string(acct.Tier), acct.Consumed, acct.PeriodResetAt.UnixMilli())
	return err
}

// loadAccount reads a persisted account. Returns nil when the user has no
// record yet or the store is unavailable.
func (l *Ledger) loadAccount(ctx context.Context, userID string) *Account {
	if l.db == nil {
		return nil
	}
	query := `SELECT user_id, tier, consumed, period_reset_at FROM quota_accounts WHERE user_id = ?`

	var acct Account
	var tier string
	var resetAt int64
	err := l.db.QueryRowContext(ctx, query, userID).Scan(&acct.UserID, &tier, &acct.Consumed, &resetAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Warn("quota load degraded", "user", userID, "error", err)
		}
		return nil
	}
	acct.Tier = request.Tier(tier)
	acct.PeriodResetAt = time.UnixMilli(resetAt)
	return &acct
}
