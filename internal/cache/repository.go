package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fetchq/fetchq/internal/fingerprint"
)

// initTable creates the L3 index table if it doesn't exist.
func (c *Cache) initTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		fingerprint TEXT PRIMARY KEY,
		result_json TEXT NOT NULL,
		location TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
	`
	if _, err := c.db.Exec(query); err != nil {
		return fmt.Errorf("init cache table: %w", err)
	}
	return nil
}

func (c *Cache) upsertEntryRow(ctx context.Context, entry *Entry) error {
	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return err
	}
	query := `INSERT INTO cache_entries (fingerprint, result_json, location, size, created_at, expires_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			result_json = excluded.result_json,
			location = excluded.location,
			size = excluded.size,
			expires_at = excluded.expires_at`
	_, err = c.db.ExecContext(ctx, query,
		string(entry.Fingerprint), string(resultJSON), entry.Location, entry.Size,
		entry.CreatedAt.UnixMilli(), entry.ExpiresAt.UnixMilli(), entry.AccessCount)
	return err
}

func (c *Cache) getEntryRow(ctx context.Context, fp fingerprint.Fingerprint) (*Entry, error) {
	query := `SELECT fingerprint, result_json, location, size, created_at, expires_at, access_count
		FROM cache_entries WHERE fingerprint = ?`
	return c.scanEntry(c.db.QueryRowContext(ctx, query, string(fp)))
}

func (c *Cache) touchEntryRow(ctx context.Context, entry *Entry) error {
	query := `UPDATE cache_entries SET access_count = ?, expires_at = ? WHERE fingerprint = ?`
	_, err := c.db.ExecContext(ctx, query,
		entry.AccessCount, entry.ExpiresAt.UnixMilli(), string(entry.Fingerprint))
	return err
}

func (c *Cache) deleteEntryRow(ctx context.Context, fp fingerprint.Fingerprint) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, string(fp))
	return err
}

func (c *Cache) expiredEntryRows(ctx context.Context, now time.Time) ([]*Entry, error) {
	query := `SELECT fingerprint, result_json, location, size, created_at, expires_at, access_count
		FROM cache_entries WHERE expires_at <= ?`
	rows, err := c.db.QueryContext(ctx, query, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := c.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (c *Cache) scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var fp, resultJSON string
	var createdAt, expiresAt int64

	if err := row.Scan(&fp, &resultJSON, &entry.Location, &entry.Size, &createdAt, &expiresAt, &entry.AccessCount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(resultJSON), &entry.Result); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	entry.Fingerprint = fingerprint.Fingerprint(fp)
	entry.CreatedAt = time.UnixMilli(createdAt)
	entry.ExpiresAt = time.UnixMilli(expiresAt)
	return &entry, nil
}

var _ rowScanner = (*sql.Row)(nil)
