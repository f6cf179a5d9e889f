package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fetchq/fetchq/internal/database"
	"github.com/fetchq/fetchq/internal/fingerprint"
	"github.com/fetchq/fetchq/internal/store"
	"github.com/fetchq/fetchq/pkg/extractor"
)

func newTestCache(t *testing.T, cfg Config) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	blobs, err := store.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	c, err := New(cfg, rdb, db, blobs)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	return c, mr
}

func sampleResult() *extractor.Result {
	return &extractor.Result{
		Title:        "some video",
		MediaType:    "video",
		SizeEstimate: 1024,
		Streams:      []extractor.Stream{{URL: "https://example.com/v.mp4", Format: "mp4"}},
	}
}

func TestCache_PutThenGet(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()
	fp := fingerprint.Compute("https://example.com/watch?v=abc", nil)

	entry, err := c.Put(ctx, fp, sampleResult())
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if entry.Location == "" {
		t.Error("entry should have a storage location")
	}

	got, ok := c.Get(ctx, fp)
	if !ok {
		t.Fatal("Get() should hit after Put()")
	}
	if got.Result.Title != "some video" {
		t.Errorf("Title = %q, want %q", got.Result.Title, "some video")
	}
	if got.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1 after first hit", got.AccessCount)
	}
}

func TestCache_ConcurrentHitsStayConsistent(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()
	fp := fingerprint.Compute("https://example.com/watch?v=abc", nil)

	if _, err := c.Put(ctx, fp, sampleResult()); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	var wg sync.WaitGroup
	var bad atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				entry, ok := c.Get(ctx, fp)
				if !ok || entry.Result.Title != "some video" {
					bad.Add(1)
					return
				}
			}
		}()
	}
	wg.Wait()

	if n := bad.Load(); n != 0 {
		t.Fatalf("%d goroutines saw a miss or a torn entry", n)
	}

	got, ok := c.Get(ctx, fp)
	if !ok {
		t.Fatal("Get() should still hit after concurrent access")
	}
	if got.AccessCount < 2 {
		t.Errorf("AccessCount = %d, want growth across hits", got.AccessCount)
	}
}

func TestCache_MissOnUnknownFingerprint(t *testing.T) {
	c, _ := newTestCache(t, Config{})

	if _, ok := c.Get(context.Background(), fingerprint.Compute("https://example.com/unknown", nil)); ok {
		t.Error("Get() should miss for unknown fingerprint")
	}
}

func TestCache_ExpiredEntryIsMiss(t *testing.T) {
	c, _ := newTestCache(t, Config{BaseTTL: time.Second})
	ctx := context.Background()
	fp := fingerprint.Compute("https://example.com/watch?v=abc", nil)

	base := time.Now()
	c.now = func() time.Time { return base }

	if _, err := c.Put(ctx, fp, sampleResult()); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	// Two time units past a one-unit TTL.
	c.now = func() time.Time { return base.Add(2 * time.Second) }

	if _, ok := c.Get(ctx, fp); ok {
		t.Error("Get() must never return an expired entry")
	}
}

func TestCache_PromotionFromL3(t *testing.T) {
	c, mr := newTestCache(t, Config{})
	ctx := context.Background()
	fp := fingerprint.Compute("https://example.com/watch?v=abc", nil)

	if _, err := c.Put(ctx, fp, sampleResult()); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	// Drop the fast levels so only the durable level has the entry.
	c.l1.Purge()
	mr.FlushAll()

	got, ok := c.Get(ctx, fp)
	if !ok {
		t.Fatal("Get() should hit from L3")
	}
	if got.Result.Title != "some video" {
		t.Errorf("Title = %q after L3 promotion", got.Result.Title)
	}

	// The hit should have promoted the entry back into L1.
	if _, ok := c.l1.Get(fp); !ok {
		t.Error("entry should be promoted into L1 after an L3 hit")
	}
	// And into L2.
	if !mr.Exists(redisKeyPrefix + string(fp)) {
		t.Error("entry should be promoted into L2 after an L3 hit")
	}
}

func TestCache_PopularEntryGetsLongTTL(t *testing.T) {
	c, _ := newTestCache(t, Config{BaseTTL: time.Hour, PopularFactor: 7, PopularThreshold: 3})
	ctx := context.Background()
	fp := fingerprint.Compute("https://example.com/watch?v=abc", nil)

	base := time.Now()
	c.now = func() time.Time { return base }

	if _, err := c.Put(ctx, fp, sampleResult()); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	var entry *Entry
	for i := 0; i < 3; i++ {
		var ok bool
		entry, ok = c.Get(ctx, fp)
		if !ok {
			t.Fatalf("hit %d missed", i)
		}
	}

	want := base.Add(7 * time.Hour)
	if !entry.ExpiresAt.Equal(want) {
		t.Errorf("popular entry ExpiresAt = %v, want %v", entry.ExpiresAt, want)
	}
}

func TestCache_Invalidate(t *testing.T) {
	c, mr := newTestCache(t, Config{})
	ctx := context.Background()
	fp := fingerprint.Compute("https://example.com/watch?v=abc", nil)

	entry, err := c.Put(ctx, fp, sampleResult())
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	if err := c.Invalidate(ctx, fp); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}

	if _, ok := c.Get(ctx, fp); ok {
		t.Error("Get() should miss after Invalidate()")
	}
	if mr.Exists(redisKeyPrefix + string(fp)) {
		t.Error("L2 key should be deleted")
	}
	if _, err := c.blobs.Get(ctx, entry.Location); err == nil {
		t.Error("payload object should be deleted")
	}
}

func TestCache_InvalidateUnknownIsNoop(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	if err := c.Invalidate(context.Background(), "deadbeef"); err != nil {
		t.Errorf("Invalidate() of unknown fingerprint should be nil, got %v", err)
	}
}

func TestCache_Sweep(t *testing.T) {
	c, _ := newTestCache(t, Config{BaseTTL: time.Minute})
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }

	fpOld := fingerprint.Compute("https://example.com/old", nil)
	fpNew := fingerprint.Compute("https://example.com/new", nil)
	if _, err := c.Put(ctx, fpOld, sampleResult()); err != nil {
		t.Fatal(err)
	}

	c.now = func() time.Time { return base.Add(30 * time.Second) }
	if _, err := c.Put(ctx, fpNew, sampleResult()); err != nil {
		t.Fatal(err)
	}

	// Past the old entry's expiry, before the new one's.
	c.now = func() time.Time { return base.Add(70 * time.Second) }

	swept, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if swept != 1 {
		t.Errorf("Sweep() = %d, want 1", swept)
	}

	if _, ok := c.Get(ctx, fpNew); !ok {
		t.Error("unexpired entry should survive the sweep")
	}
}

func TestCache_DegradedL2StillServes(t *testing.T) {
	c, mr := newTestCache(t, Config{})
	ctx := context.Background()
	fp := fingerprint.Compute("https://example.com/watch?v=abc", nil)

	if _, err := c.Put(ctx, fp, sampleResult()); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	c.l1.Purge()

	// Redis down: lookups must fall through to L3.
	mr.Close()

	if _, ok := c.Get(ctx, fp); !ok {
		t.Error("Get() should still hit via L3 when L2 is unreachable")
	}
}
