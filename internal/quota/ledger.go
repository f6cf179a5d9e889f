// Package quota enforces per-period consumption ceilings per user through a
// reservation protocol: reserve before work, then commit the actual cost or
// release the hold entirely.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fetchq/fetchq/internal/logger"
	"github.com/fetchq/fetchq/internal/request"
)

// ErrQuotaExceeded is returned when a reservation would push consumption
// over the tier limit. The ledger state is unchanged in that case.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Account tracks one user's consumption in the current period. Records are
// created lazily on first request.
type Account struct {
	UserID        string
	Tier          request.Tier
	Consumed      int64
	PeriodResetAt time.Time

	mu sync.Mutex
}

// Ledger is the quota ledger. Accounts are locked individually so unrelated
// users never serialize against each other.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*Account

	tiers Tiers
	db    *sql.DB
	now   func() time.Time
}

// NewLedger creates a ledger persisting accounts to db. db may be nil for a
// purely in-memory ledger (tests).
func NewLedger(tiers Tiers, db *sql.DB) (*Ledger, error) {
	if tiers == nil {
		tiers = DefaultTiers()
	}
	l := &Ledger{
		accounts: make(map[string]*Account),
		tiers:    tiers,
		db:       db,
		now:      time.Now,
	}
	if db != nil {
		if err := l.initTable(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Reservation is a provisional quota hold. Exactly one of Commit or Release
// must be called; later calls are no-ops.
type Reservation struct {
	ledger  *Ledger
	account *Account
	amount  int64

	mu   sync.Mutex
	done bool
}

// account returns the ledger record for userID, creating or loading it as
// needed.
func (l *Ledger) account(ctx context.Context, userID string, tier request.Tier) *Account {
	l.mu.RLock()
	acct, ok := l.accounts[userID]
	l.mu.RUnlock()
	if ok {
		return acct
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok := l.accounts[userID]; ok {
		return acct
	}

	acct = l.loadAccount(ctx, userID)
	if acct == nil {
		limit := l.tiers[tier]
		acct = &Account{
			UserID:        userID,
			Tier:          tier,
			PeriodResetAt: l.now().Add(limit.Period),
		}
	}
	// Tier changes (e.g. an upgrade) take effect on the next touch.
	acct.Tier = tier
	l.accounts[userID] = acct
	return acct
}

// rollover lazily resets an account whose period has passed. Caller holds
// the account lock.
func (l *Ledger) rollover(acct *Account) {
	now := l.now()
	if acct.PeriodResetAt.After(now) {
		return
	}
	period := l.tiers[acct.Tier].Period
	if period <= 0 {
		period = 24 * time.Hour
	}
	acct.Consumed = 0
	for !acct.PeriodResetAt.After(now) {
		acct.PeriodResetAt = acct.PeriodResetAt.Add(period)
	}
}

// Reserve places an atomic check-and-increment hold of estimate bytes for
// the user. Fails with ErrQuotaExceeded, without mutating state, if the
// hold would breach the tier limit.
func (l *Ledger) Reserve(ctx context.Context, userID string, tier request.Tier, estimate int64) (*Reservation, error) {
	limit, ok := l.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	acct := l.account(ctx, userID, tier)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	l.rollover(acct)

	if acct.Consumed+estimate > limit.LimitBytes {
		return nil, fmt.Errorf("%w: user %s consumed %d of %d, requested %d",
			ErrQuotaExceeded, userID, acct.Consumed, limit.LimitBytes, estimate)
	}

	acct.Consumed += estimate
	l.persist(ctx, acct)

	return &Reservation{ledger: l, account: acct, amount: estimate}, nil
}

// Commit finalizes a reservation at its actual cost, adjusting the
// provisional estimate up or down. Actual consumption may exceed the tier
// limit by at most this one reservation.
func (r *Reservation) Commit(ctx context.Context, actual int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true

	r.account.mu.Lock()
	defer r.account.mu.Unlock()
	r.account.Consumed += actual - r.amount
	if r.account.Consumed < 0 {
		r.account.Consumed = 0
	}
	r.ledger.persist(ctx, r.account)
}

// Release undoes the reservation entirely. Used on cache hits and on
// retryable failures so an attempt that did no work costs nothing.
func (r *Reservation) Release(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true

	r.account.mu.Lock()
	defer r.account.mu.Unlock()
	r.account.Consumed -= r.amount
	if r.account.Consumed < 0 {
		r.account.Consumed = 0
	}
	r.ledger.persist(ctx, r.account)
}

// Consumed returns the user's current-period consumption. Zero for unknown
// users.
func (l *Ledger) Consumed(userID string) int64 {
	l.mu.RLock()
	acct, ok := l.accounts[userID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	l.rollover(acct)
	return acct.Consumed
}

// Limit returns the byte ceiling for a tier.
func (l *Ledger) Limit(tier request.Tier) int64 {
	return l.tiers[tier].LimitBytes
}

// persist best-effort writes the account row. Persistence failures degrade
// (the in-memory ledger stays authoritative) and are logged.
func (l *Ledger) persist(ctx context.Context, acct *Account) {
	if l.db == nil {
		return
	}
	if err := l.saveAccount(ctx, acct); err != nil {
		logger.Warn("quota persistence degraded", "user", acct.UserID, "error", err)
	}
}
