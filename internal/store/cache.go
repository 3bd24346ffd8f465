package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CacheItem is an un-dated text fragment awaiting assignment to an entry,
// keyed by its creation timestamp (sub-second precision). The JSON form is
// the peer wire format: one item per NDJSON line.
type CacheItem struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// MarshalJSON emits the timestamp in the fixed-width UTC layout so the wire
// form round-trips through the cache key unchanged.
func (c CacheItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp string `json:"timestamp"`
		Text      string `json:"text"`
	}{formatTime(c.Timestamp), c.Text})
}

// UnmarshalJSON accepts the fixed-width layout or any RFC 3339 timestamp.
func (c *CacheItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp string `json:"timestamp"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, err := parseTime(raw.Timestamp)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, raw.Timestamp); err != nil {
			return fmt.Errorf("invalid cache timestamp %q: %w", raw.Timestamp, err)
		}
	}
	c.Timestamp = t
	c.Text = raw.Text
	return nil
}

// InsertCache stores text stamped with the current time.
func (s *Store) InsertCache(ctx context.Context, text string) (CacheItem, error) {
	item := CacheItem{Timestamp: time.Now(), Text: text}
	if _, err := s.InsertCacheAt(ctx, item.Timestamp, text); err != nil {
		return CacheItem{}, err
	}
	return item, nil
}

// InsertCacheAt stores text under an explicit timestamp. It reports false
// without error when an item with that timestamp already exists, which makes
// peer pulls idempotent.
func (s *Store) InsertCacheAt(ctx context.Context, at time.Time, text string) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO diary_cache (diary_datetime, diary_text) VALUES (?, ?)`,
		formatTime(at), text)
	if err != nil {
		return false, fmt.Errorf("failed to insert cache item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListCache returns all cache items in timestamp order.
func (s *Store) ListCache(ctx context.Context) ([]CacheItem, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT diary_datetime, diary_text FROM diary_cache ORDER BY diary_datetime`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache: %w", err)
	}
	defer rows.Close()
	return scanCacheItems(rows)
}

// SearchCache returns cache items whose text contains the substring.
func (s *Store) SearchCache(ctx context.Context, substring string) ([]CacheItem, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT diary_datetime, diary_text FROM diary_cache
		 WHERE diary_text LIKE '%' || ? || '%' ORDER BY diary_datetime`, substring)
	if err != nil {
		return nil, fmt.Errorf("failed to search cache: %w", err)
	}
	defer rows.Close()
	return scanCacheItems(rows)
}

// DeleteCache removes the item with the given timestamp. Idempotent.
func (s *Store) DeleteCache(ctx context.Context, at time.Time) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM diary_cache WHERE diary_datetime = ?`, formatTime(at)); err != nil {
		return fmt.Errorf("failed to delete cache item: %w", err)
	}
	return nil
}

// ClearCache removes every cache item. Used after a peer has pulled and
// acknowledged the serialized cache.
func (s *Store) ClearCache(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM diary_cache`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func scanCacheItems(rows *sql.Rows) ([]CacheItem, error) {
	var items []CacheItem
	for rows.Next() {
		var (
			item CacheItem
			ts   string
		)
		if err := rows.Scan(&ts, &item.Text); err != nil {
			return nil, fmt.Errorf("failed to scan cache item: %w", err)
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cache timestamp: %w", err)
		}
		item.Timestamp = t
		items = append(items, item)
	}
	return items, rows.Err()
}
