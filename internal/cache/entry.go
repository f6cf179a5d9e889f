// Package cache implements the multi-level, content-addressed result cache:
// a small in-process LRU (L1), a shared Redis level with TTL (L2) and a
// durable object store with a SQLite index (L3). Lookups promote hits
// upward; stores write through downward.
package cache

import (
	"fmt"
	"time"

	"github.com/fetchq/fetchq/internal/fingerprint"
	"github.com/fetchq/fetchq/pkg/extractor"
)

// Entry is a completed extraction result held by the cache. The payload
// (the serialized result in the object store) is immutable; AccessCount and
// ExpiresAt are mutable metadata.
type Entry struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Result      extractor.Result        `json:"result"`
	Location    string                  `json:"location"`
	Size        int64                   `json:"size"`
	CreatedAt   time.Time               `json:"created_at"`
	ExpiresAt   time.Time               `json:"expires_at"`
	AccessCount int64                   `json:"access_count"`
}

// Expired reports whether the entry must not be served at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// StorageError marks a cache-level I/O failure. Storage errors degrade the
// cache (lookups fall through, stores are logged) but never fail a task.
type StorageError struct {
	Level string
	Op    string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Level, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
