package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/epistle/epistle/internal/diff"
)

// ErrNoEntry is returned when no entry exists for the requested date.
var ErrNoEntry = errors.New("no entry for date")

// Entry is the canonical diary record for one calendar date.
type Entry struct {
	Date         Date
	Text         string
	LastModified time.Time
}

// UpsertEntry inserts or overwrites the entry for date. New text always
// wins. When the overwrite diverges from the previous text (nonzero diff
// distance with at least one removed line), the full diff is recorded in
// the conflict log under a fresh session timestamp, returned to the caller.
// Pure additions and no-op updates return nil.
func (s *Store) UpsertEntry(ctx context.Context, date Date, text string) (*time.Time, error) {
	return s.UpsertEntryAt(ctx, date, text, time.Now())
}

// UpsertEntryAt is UpsertEntry with an explicit last-modified timestamp,
// used by replica imports to record the replica's modification time instead
// of the ingest time.
func (s *Store) UpsertEntryAt(ctx context.Context, date Date, text string, lastModified time.Time) (*time.Time, error) {
	// The read-diff-write must not interleave with another upsert for the
	// same date.
	lock := s.dateLocks.get(string(date))
	lock.Lock()
	defer lock.Unlock()

	return s.upsertLocked(ctx, date, text, lastModified)
}

// upsertLocked is the read-diff-write body of an upsert; the caller holds
// the date's lock.
func (s *Store) upsertLocked(ctx context.Context, date Date, text string, lastModified time.Time) (*time.Time, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT diary_text FROM diary_entries WHERE diary_date = ?`, string(date),
	).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO diary_entries (diary_date, diary_text, last_modified) VALUES (?, ?, ?)`,
			string(date), text, formatTime(lastModified))
		if err != nil {
			return nil, fmt.Errorf("failed to insert entry %s: %w", date, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit insert for %s: %w", date, err)
		}
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read entry %s: %w", date, err)
	}

	cs := diff.Diff(existing, text)

	var session *time.Time
	if cs.Distance > 0 && cs.HasRemoval() {
		at := time.Now()
		if err := insertConflictChunks(ctx, tx, at, date, cs); err != nil {
			return nil, err
		}
		session = &at
	}

	if cs.Distance > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE diary_entries SET diary_text = ?, last_modified = ? WHERE diary_date = ?`,
			text, formatTime(lastModified), string(date))
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE diary_entries SET last_modified = ? WHERE diary_date = ?`,
			formatTime(lastModified), string(date))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update entry %s: %w", date, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update for %s: %w", date, err)
	}
	return session, nil
}

// AppendEntry adds text to the end of the entry for date, separated by a
// blank line, creating the entry when missing or blank. Read and write
// happen under the date's lock, so concurrent appends (cache merge racing
// a daemon pass) serialize instead of dropping each other. An append is a
// pure addition and never records a conflict.
func (s *Store) AppendEntry(ctx context.Context, date Date, text string) error {
	lock := s.dateLocks.get(string(date))
	lock.Lock()
	defer lock.Unlock()

	combined := text
	entry, err := s.GetEntry(ctx, date)
	switch {
	case err == nil && strings.TrimSpace(entry.Text) != "":
		combined = entry.Text + "\n\n" + text
	case err != nil && !errors.Is(err, ErrNoEntry):
		return err
	}
	_, err = s.upsertLocked(ctx, date, combined, time.Now())
	return err
}

// GetEntry returns the entry for date, or ErrNoEntry.
func (s *Store) GetEntry(ctx context.Context, date Date) (Entry, error) {
	var (
		e   Entry
		mod string
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT diary_date, diary_text, last_modified FROM diary_entries WHERE diary_date = ?`,
		string(date),
	).Scan(&e.Date, &e.Text, &mod)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNoEntry, date)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read entry %s: %w", date, err)
	}
	if e.LastModified, err = parseTime(mod); err != nil {
		return Entry{}, fmt.Errorf("failed to parse last_modified for %s: %w", date, err)
	}
	return e, nil
}

// ModifiedMap snapshots every date and its last-modified time. Adapters use
// this to decide staleness without reading full text.
func (s *Store) ModifiedMap(ctx context.Context) (map[Date]time.Time, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT diary_date, last_modified FROM diary_entries`)
	if err != nil {
		return nil, fmt.Errorf("failed to query modified map: %w", err)
	}
	defer rows.Close()

	out := make(map[Date]time.Time)
	for rows.Next() {
		var (
			date Date
			mod  string
		)
		if err := rows.Scan(&date, &mod); err != nil {
			return nil, fmt.Errorf("failed to scan modified map: %w", err)
		}
		t, err := parseTime(mod)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_modified for %s: %w", date, err)
		}
		out[date] = t
	}
	return out, rows.Err()
}

// SearchEntries returns entries whose text contains the substring, ordered
// by date.
func (s *Store) SearchEntries(ctx context.Context, substring string) ([]Entry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT diary_date, diary_text, last_modified FROM diary_entries
		 WHERE diary_text LIKE '%' || ? || '%' ORDER BY diary_date`, substring)
	if err != nil {
		return nil, fmt.Errorf("failed to search entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListDates returns dates with entries, newest first, optionally bounded by
// min/max and paged by start/limit (limit 0 = no limit).
func (s *Store) ListDates(ctx context.Context, min, max *Date, start, limit int) ([]Date, error) {
	modified, err := s.ModifiedMap(ctx)
	if err != nil {
		return nil, err
	}
	var dates []Date
	for d := range modified {
		if min != nil && d < *min {
			continue
		}
		if max != nil && d > *max {
			continue
		}
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] > dates[j] })
	if start > 0 {
		if start >= len(dates) {
			return nil, nil
		}
		dates = dates[start:]
	}
	if limit > 0 && limit < len(dates) {
		dates = dates[:limit]
	}
	return dates, nil
}

// DeleteEntry removes the entry for date. Only used by explicit cleanup of
// stale placeholder entries; normal flow never deletes.
func (s *Store) DeleteEntry(ctx context.Context, date Date) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM diary_entries WHERE diary_date = ?`, string(date)); err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", date, err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e   Entry
			mod string
		)
		if err := rows.Scan(&e.Date, &e.Text, &mod); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		t, err := parseTime(mod)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_modified: %w", err)
		}
		e.LastModified = t
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
