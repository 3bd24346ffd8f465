package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/epistle/epistle/internal/diff"
)

// ErrIllegalDiffType is returned when a chunk reclassification is not a
// rem<->add swap.
var ErrIllegalDiffType = errors.New("illegal diff type change")

// ErrNoSession is returned when a conflict session has no chunks.
var ErrNoSession = errors.New("no conflict session")

// ConflictChunk is one tagged chunk of the diff recorded when an overwrite
// diverged from the previous text. All chunks sharing a session timestamp
// and date reconstruct the full diff of that overwrite.
type ConflictChunk struct {
	ID       int64     `json:"id"`
	Session  time.Time `json:"session"`
	Date     Date      `json:"date"`
	DiffType diff.Type `json:"diff_type"`
	DiffText string    `json:"diff_text"`
}

// insertConflictChunks writes the changeset under a fresh session timestamp
// inside the caller's transaction. The caller has already checked that the
// changeset has nonzero distance and at least one removal.
func insertConflictChunks(ctx context.Context, tx *sql.Tx, at time.Time, date Date, cs diff.Changeset) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO diary_conflict (sync_datetime, diary_date, diff_type, diff_text)
		 VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare conflict insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range cs.Chunks {
		if _, err := stmt.ExecContext(ctx,
			formatTime(at), string(date), string(chunk.Type), chunk.Text); err != nil {
			return fmt.Errorf("failed to record conflict chunk for %s: %w", date, err)
		}
	}
	return nil
}

// ConflictDates returns the distinct dates with recorded conflicts, oldest
// first.
func (s *Store) ConflictDates(ctx context.Context) ([]Date, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT DISTINCT diary_date FROM diary_conflict ORDER BY diary_date`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflict dates: %w", err)
	}
	defer rows.Close()

	var dates []Date
	for rows.Next() {
		var d Date
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan conflict date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// ConflictSessions returns the session timestamps recorded for a date,
// oldest first.
func (s *Store) ConflictSessions(ctx context.Context, date Date) ([]time.Time, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT DISTINCT sync_datetime FROM diary_conflict
		 WHERE diary_date = ? ORDER BY sync_datetime`, string(date))
	if err != nil {
		return nil, fmt.Errorf("failed to list conflict sessions for %s: %w", date, err)
	}
	defer rows.Close()

	var sessions []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan conflict session: %w", err)
		}
		t, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse conflict session: %w", err)
		}
		sessions = append(sessions, t)
	}
	return sessions, rows.Err()
}

// ConflictChunks returns the chunks of one session in recorded order.
func (s *Store) ConflictChunks(ctx context.Context, session time.Time) ([]ConflictChunk, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, sync_datetime, diary_date, diff_type, diff_text
		 FROM diary_conflict WHERE sync_datetime = ? ORDER BY id`, formatTime(session))
	if err != nil {
		return nil, fmt.Errorf("failed to list conflict chunks: %w", err)
	}
	defer rows.Close()

	var chunks []ConflictChunk
	for rows.Next() {
		var (
			c   ConflictChunk
			raw string
			typ string
		)
		if err := rows.Scan(&c.ID, &raw, &c.Date, &typ, &c.DiffText); err != nil {
			return nil, fmt.Errorf("failed to scan conflict chunk: %w", err)
		}
		t, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse conflict session: %w", err)
		}
		c.Session = t
		c.DiffType = diff.Type(typ)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// FirstConflict returns the oldest session of the oldest conflicted date,
// or nil when the log is empty.
func (s *Store) FirstConflict(ctx context.Context) (*time.Time, error) {
	dates, err := s.ConflictDates(ctx)
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return nil, nil
	}
	sessions, err := s.ConflictSessions(ctx, dates[0])
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// UpdateChunkType reclassifies a single chunk. Only rem<->add swaps are
// legal; "same" chunks are context and never change.
func (s *Store) UpdateChunkType(ctx context.Context, id int64, newType diff.Type) error {
	if newType != diff.Add && newType != diff.Rem {
		return fmt.Errorf("%w: %q", ErrIllegalDiffType, newType)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT diff_type FROM diary_conflict WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conflict chunk %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read conflict chunk %d: %w", id, err)
	}
	if diff.Type(current) == diff.Same {
		return fmt.Errorf("%w: chunk %d is %q", ErrIllegalDiffType, id, current)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE diary_conflict SET diff_type = ? WHERE id = ?`, string(newType), id); err != nil {
		return fmt.Errorf("failed to update conflict chunk %d: %w", id, err)
	}
	return tx.Commit()
}

// DeleteConflictChunk removes a single chunk (resolve one line).
func (s *Store) DeleteConflictChunk(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM diary_conflict WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conflict chunk %d: %w", id, err)
	}
	return nil
}

// DeleteConflictSession discards all chunks of one session.
func (s *Store) DeleteConflictSession(ctx context.Context, session time.Time) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM diary_conflict WHERE sync_datetime = ?`, formatTime(session)); err != nil {
		return fmt.Errorf("failed to delete conflict session: %w", err)
	}
	return nil
}

// DeleteConflictsByDate bulk-discards every session recorded for a date.
func (s *Store) DeleteConflictsByDate(ctx context.Context, date Date) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM diary_conflict WHERE diary_date = ?`, string(date)); err != nil {
		return fmt.Errorf("failed to delete conflicts for %s: %w", date, err)
	}
	return nil
}

// CommitConflict folds a session back into its entry: the add and same
// chunks are concatenated in order (rem chunks are skipped) and upserted as
// the entry's new text, then the session is deleted. The upsert may itself
// record a new conflict if other edits landed meanwhile; that session
// timestamp is returned.
func (s *Store) CommitConflict(ctx context.Context, session time.Time) (*time.Time, error) {
	chunks, err := s.ConflictChunks(ctx, session)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, formatTime(session))
	}

	date := chunks[0].Date
	var kept []string
	for _, c := range chunks {
		if c.DiffType == diff.Rem {
			continue
		}
		kept = append(kept, c.DiffText)
	}

	conflict, err := s.UpsertEntry(ctx, date, strings.Join(kept, "\n"))
	if err != nil {
		return nil, err
	}
	if err := s.DeleteConflictSession(ctx, session); err != nil {
		return nil, err
	}
	return conflict, nil
}
