package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fetchq/fetchq/internal/fingerprint"
	"github.com/fetchq/fetchq/internal/logger"
	"github.com/fetchq/fetchq/internal/store"
	"github.com/fetchq/fetchq/pkg/extractor"
)

// redisKeyPrefix namespaces cache keys in the shared Redis instance.
const redisKeyPrefix = "cache:result:"

// Config holds cache tuning parameters.
type Config struct {
	// L1Size is the entry capacity of the in-process LRU.
	L1Size int

	// BaseTTL is the retention for entries with little history.
	BaseTTL time.Duration

	// PopularFactor multiplies BaseTTL for frequently accessed entries.
	PopularFactor int

	// PopularThreshold is the access count at which an entry is considered
	// popular.
	PopularThreshold int64

	// SweepInterval is how often the reclaiming pass runs.
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults: 24h base retention, 7x for
// popular entries.
func DefaultConfig() Config {
	return Config{
		L1Size:           1024,
		BaseTTL:          24 * time.Hour,
		PopularFactor:    7,
		PopularThreshold: 10,
		SweepInterval:    time.Hour,
	}
}

// Cache is the three-level result cache.
type Cache struct {
	config Config
	l1     *lru.Cache[fingerprint.Fingerprint, *Entry]
	rdb    *redis.Client // nil disables the L2 level
	db     *sql.DB
	blobs  store.ObjectStore
	now    func() time.Time
}

// New creates a cache over the given stores and initializes the L3 index
// table. rdb may be nil to run without the shared level.
func New(cfg Config, rdb *redis.Client, db *sql.DB, blobs store.ObjectStore) (*Cache, error) {
	def := DefaultConfig()
	if cfg.L1Size <= 0 {
		cfg.L1Size = def.L1Size
	}
	if cfg.BaseTTL <= 0 {
		cfg.BaseTTL = def.BaseTTL
	}
	if cfg.PopularFactor <= 0 {
		cfg.PopularFactor = def.PopularFactor
	}
	if cfg.PopularThreshold <= 0 {
		cfg.PopularThreshold = def.PopularThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	l1, err := lru.New[fingerprint.Fingerprint, *Entry](cfg.L1Size)
	if err != nil {
		return nil, fmt.Errorf("create l1: %w", err)
	}

	c := &Cache{
		config: cfg,
		l1:     l1,
		rdb:    rdb,
		db:     db,
		blobs:  blobs,
		now:    time.Now,
	}
	if err := c.initTable(); err != nil {
		return nil, err
	}
	return c, nil
}

// ttlFor computes the popularity-weighted retention for an entry with the
// given access history.
func (c *Cache) ttlFor(accessCount int64) time.Duration {
	if accessCount >= c.config.PopularThreshold {
		return c.config.BaseTTL * time.Duration(c.config.PopularFactor)
	}
	return c.config.BaseTTL
}

// Get looks up a fingerprint through L1, L2 and L3 in order. A hit is
// promoted into the faster levels, its access count incremented and its
// expiry re-evaluated. Expired entries are evicted lazily and reported as
// misses; a stale entry is never returned.
func (c *Cache) Get(ctx context.Context, fp fingerprint.Fingerprint) (*Entry, bool) {
	now := c.now()

	if entry, ok := c.l1.Get(fp); ok {
		if entry.Expired(now) {
			c.l1.Remove(fp)
		} else {
			entry = c.recordHit(ctx, entry)
			c.l1.Add(fp, entry)
			return entry, true
		}
	}

	if entry, ok := c.getL2(ctx, fp, now); ok {
		entry = c.recordHit(ctx, entry)
		c.l1.Add(fp, entry)
		return entry, true
	}

	entry, err := c.getEntryRow(ctx, fp)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Warn("cache l3 lookup degraded", "fingerprint", fp, "error", err)
		}
		return nil, false
	}
	if entry.Expired(now) {
		// Lazy eviction: the sweeper may not have reached it yet.
		if err := c.evict(ctx, entry); err != nil {
			logger.Warn("cache lazy eviction failed", "fingerprint", fp, "error", err)
		}
		return nil, false
	}

	entry = c.recordHit(ctx, entry)
	c.l1.Add(fp, entry)
	return entry, true
}

// recordHit builds a refreshed copy of the entry with the access count bumped
// and the expiry extended according to the popularity-weighted TTL, writing
// the refreshed metadata back down. Entries are never mutated in place, so a
// goroutine that already holds a hit keeps a consistent snapshot.
func (c *Cache) recordHit(ctx context.Context, entry *Entry) *Entry {
	refreshed := *entry
	refreshed.AccessCount++
	refreshed.ExpiresAt = c.now().Add(c.ttlFor(refreshed.AccessCount))

	if err := c.touchEntryRow(ctx, &refreshed); err != nil {
		logger.Warn("cache metadata refresh degraded", "fingerprint", refreshed.Fingerprint, "error", err)
	}
	c.setL2(ctx, &refreshed)
	return &refreshed
}

// Put stores an extraction result under its fingerprint, writing through
// all three levels. The entry is returned even when slower levels fail;
// such failures are reported as a *StorageError so the caller can log the
// degraded condition without failing the task.
func (c *Cache) Put(ctx context.Context, fp fingerprint.Fingerprint, result *extractor.Result) (*Entry, error) {
	now := c.now()
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	entry := &Entry{
		Fingerprint: fp,
		Result:      *result,
		Size:        result.Size(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.ttlFor(0)),
	}

	var degraded error

	location, err := c.blobs.Put(ctx, string(fp), payload)
	if err != nil {
		degraded = &StorageError{Level: "l3", Op: "put", Err: err}
	} else {
		entry.Location = location
		if err := c.upsertEntryRow(ctx, entry); err != nil {
			degraded = &StorageError{Level: "l3", Op: "index", Err: err}
		}
	}

	c.setL2(ctx, entry)
	c.l1.Add(fp, entry)

	return entry, degraded
}

// Invalidate deletes a fingerprint from every level eagerly, regardless of
// TTL. Used for safety takedowns.
func (c *Cache) Invalidate(ctx context.Context, fp fingerprint.Fingerprint) error {
	c.l1.Remove(fp)

	if c.rdb != nil {
		if err := c.rdb.Del(ctx, redisKeyPrefix+string(fp)).Err(); err != nil {
			logger.Warn("cache l2 invalidate degraded", "fingerprint", fp, "error", err)
		}
	}

	entry, err := c.getEntryRow(ctx, fp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return &StorageError{Level: "l3", Op: "lookup", Err: err}
	}
	return c.evict(ctx, entry)
}

// evict removes an entry's L3 row and its payload object.
func (c *Cache) evict(ctx context.Context, entry *Entry) error {
	c.l1.Remove(entry.Fingerprint)
	if c.rdb != nil {
		c.rdb.Del(ctx, redisKeyPrefix+string(entry.Fingerprint))
	}
	if entry.Location != "" {
		if err := c.blobs.Delete(ctx, entry.Location); err != nil {
			return &StorageError{Level: "l3", Op: "delete", Err: err}
		}
	}
	if err := c.deleteEntryRow(ctx, entry.Fingerprint); err != nil {
		return &StorageError{Level: "l3", Op: "delete-index", Err: err}
	}
	return nil
}

// Sweep removes all entries whose expiry has passed. Returns the number of
// entries reclaimed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	expired, err := c.expiredEntryRows(ctx, c.now())
	if err != nil {
		return 0, &StorageError{Level: "l3", Op: "sweep", Err: err}
	}

	swept := 0
	for _, entry := range expired {
		if err := c.evict(ctx, entry); err != nil {
			logger.Warn("cache sweep eviction failed", "fingerprint", entry.Fingerprint, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}

// StartSweeper runs the reclaiming pass on the configured interval until
// ctx is cancelled.
func (c *Cache) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := c.Sweep(ctx); err != nil {
					logger.Warn("cache sweep failed", "error", err)
				} else if n > 0 {
					logger.Info("cache swept", "entries", n)
				}
			}
		}
	}()
}

// getL2 reads an entry from Redis, treating unreachable Redis and stale
// entries as misses.
func (c *Cache) getL2(ctx context.Context, fp fingerprint.Fingerprint, now time.Time) (*Entry, bool) {
	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, redisKeyPrefix+string(fp)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("cache l2 lookup degraded", "fingerprint", fp, "error", err)
		}
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		logger.Warn("cache l2 entry corrupt", "fingerprint", fp, "error", err)
		return nil, false
	}
	if entry.Expired(now) {
		return nil, false
	}
	return &entry, true
}

// setL2 writes an entry to Redis with a TTL matching its expiry.
func (c *Cache) setL2(ctx context.Context, entry *Entry) {
	if c.rdb == nil {
		return
	}
	ttl := entry.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKeyPrefix+string(entry.Fingerprint), raw, ttl).Err(); err != nil {
		logger.Warn("cache l2 write degraded", "fingerprint", entry.Fingerprint, "error", err)
	}
}
