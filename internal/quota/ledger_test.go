package quota

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fetchq/fetchq/internal/database"
	"github.com/fetchq/fetchq/internal/request"
)

func testTiers() Tiers {
	return Tiers{
		request.TierFree:    {LimitBytes: 100, Period: time.Hour},
		request.TierPremium: {LimitBytes: 1000, Period: time.Hour},
	}
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(testTiers(), nil)
	if err != nil {
		t.Fatalf("NewLedger() error: %v", err)
	}
	return l
}

func TestLedger_ReserveCommit(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "u1", request.TierFree, 50)
	if err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	if got := l.Consumed("u1"); got != 50 {
		t.Errorf("Consumed = %d after reserve, want 50", got)
	}

	res.Commit(ctx, 30)
	if got := l.Consumed("u1"); got != 30 {
		t.Errorf("Consumed = %d after commit, want 30", got)
	}
}

func TestLedger_ReserveRelease(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "u1", request.TierFree, 50)
	if err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	res.Release(ctx)

	if got := l.Consumed("u1"); got != 0 {
		t.Errorf("Consumed = %d after release, want 0", got)
	}
}

func TestLedger_ExceededFailsWithoutMutation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// Fill the free allowance exactly.
	res, err := l.Reserve(ctx, "u1", request.TierFree, 100)
	if err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	res.Commit(ctx, 100)

	// One more unit must fail and leave state untouched.
	_, err = l.Reserve(ctx, "u1", request.TierFree, 1)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if got := l.Consumed("u1"); got != 100 {
		t.Errorf("Consumed = %d after failed reserve, want 100", got)
	}
}

func TestLedger_CommitAndReleaseAreIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "u1", request.TierFree, 40)
	if err != nil {
		t.Fatal(err)
	}
	res.Commit(ctx, 40)
	res.Release(ctx) // must be a no-op after Commit
	res.Commit(ctx, 40)

	if got := l.Consumed("u1"); got != 40 {
		t.Errorf("Consumed = %d, want 40", got)
	}
}

func TestLedger_NeverNegative(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "u1", request.TierFree, 10)
	if err != nil {
		t.Fatal(err)
	}
	res.Release(ctx)
	if got := l.Consumed("u1"); got != 0 {
		t.Errorf("Consumed = %d, want 0", got)
	}

	res2, err := l.Reserve(ctx, "u1", request.TierFree, 10)
	if err != nil {
		t.Fatal(err)
	}
	res2.Commit(ctx, 0)
	if got := l.Consumed("u1"); got < 0 {
		t.Errorf("Consumed = %d, must never go below 0", got)
	}
}

func TestLedger_TiersAreIndependentUsers(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Reserve(ctx, "free-user", request.TierFree, 100); err != nil {
		t.Fatalf("free reserve error: %v", err)
	}
	// Premium user has their own, larger allowance.
	if _, err := l.Reserve(ctx, "premium-user", request.TierPremium, 500); err != nil {
		t.Fatalf("premium reserve error: %v", err)
	}
}

func TestLedger_LazyPeriodRollover(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	res, err := l.Reserve(ctx, "u1", request.TierFree, 100)
	if err != nil {
		t.Fatal(err)
	}
	res.Commit(ctx, 100)

	// Within the period: still full.
	if _, err := l.Reserve(ctx, "u1", request.TierFree, 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	// After the period: consumption resets lazily on the next touch.
	l.now = func() time.Time { return base.Add(2 * time.Hour) }

	if _, err := l.Reserve(ctx, "u1", request.TierFree, 100); err != nil {
		t.Errorf("Reserve() after rollover error: %v", err)
	}
}

func TestLedger_BreachBoundedByOneReservation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "u1", request.TierFree, 90)
	if err != nil {
		t.Fatal(err)
	}
	// Actual cost overshot the estimate; the breach is allowed but bounded.
	res.Commit(ctx, 120)

	if got := l.Consumed("u1"); got != 120 {
		t.Errorf("Consumed = %d, want 120", got)
	}
	// No further reservation may be placed while over the limit.
	if _, err := l.Reserve(ctx, "u1", request.TierFree, 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded while over limit, got %v", err)
	}
}

func TestLedger_ConcurrentReservations(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	granted := make(chan *Reservation, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := l.Reserve(ctx, "u1", request.TierFree, 10); err == nil {
				granted <- res
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	// 100-byte limit, 10-byte reservations: exactly 10 may succeed.
	if count != 10 {
		t.Errorf("granted %d reservations, want 10", count)
	}
	if got := l.Consumed("u1"); got != 100 {
		t.Errorf("Consumed = %d, want 100", got)
	}
}

func TestLedger_PersistenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := database.Open(dir)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	ctx := context.Background()

	l1, err := NewLedger(testTiers(), db)
	if err != nil {
		t.Fatal(err)
	}
	res, err := l1.Reserve(ctx, "u1", request.TierFree, 60)
	if err != nil {
		t.Fatal(err)
	}
	res.Commit(ctx, 60)
	db.Close()

	// Reopen: a fresh ledger over the same file sees the consumption.
	if _, err := os.Stat(filepath.Join(dir, "fetchq.db")); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
	db2, err := database.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	l2, err := NewLedger(testTiers(), db2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l2.Reserve(ctx, "u1", request.TierFree, 50); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("restarted ledger should remember consumption, got %v", err)
	}
}

func TestLoadTiers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	content := "premium:\n  limit_bytes: 5368709120\n  period: 24h\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tiers, err := LoadTiers(path)
	if err != nil {
		t.Fatalf("LoadTiers() error: %v", err)
	}
	if tiers[request.TierPremium].LimitBytes != 5<<30 {
		t.Errorf("premium limit = %d, want %d", tiers[request.TierPremium].LimitBytes, int64(5<<30))
	}
	// Unspecified tiers keep defaults.
	if tiers[request.TierFree].LimitBytes != 1<<30 {
		t.Errorf("free limit = %d, want default %d", tiers[request.TierFree].LimitBytes, int64(1<<30))
	}
}
