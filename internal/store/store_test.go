package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/epistle/epistle/internal/diff"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "epistle.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

func TestInitSchema_Idempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}
	tables := []string{"diary_entries", "diary_cache", "diary_conflict"}
	for _, table := range tables {
		var count int
		err := s.conn.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestUpsertEntry_InsertThenNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := Date("2020-01-01")

	conflict, err := s.UpsertEntry(ctx, date, "alpha")
	if err != nil {
		t.Fatalf("UpsertEntry() failed: %v", err)
	}
	if conflict != nil {
		t.Fatal("insert should not create a conflict session")
	}

	// Same text again: timestamp refresh only.
	before, _ := s.GetEntry(ctx, date)
	conflict, err = s.UpsertEntry(ctx, date, "alpha")
	if err != nil {
		t.Fatalf("no-op UpsertEntry() failed: %v", err)
	}
	if conflict != nil {
		t.Fatal("no-op update should not create a conflict session")
	}
	after, err := s.GetEntry(ctx, date)
	if err != nil {
		t.Fatalf("GetEntry() failed: %v", err)
	}
	if after.Text != "alpha" {
		t.Errorf("Text = %q, want alpha", after.Text)
	}
	if after.LastModified.Before(before.LastModified) {
		t.Error("no-op update did not refresh last_modified")
	}
}

// Appending lines is not a conflict; dropping lines is.
func TestUpsertEntry_AppendThenRemove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := Date("2020-01-01")

	if _, err := s.UpsertEntry(ctx, date, "alpha"); err != nil {
		t.Fatalf("UpsertEntry() failed: %v", err)
	}

	// Growth: "alpha" -> "alpha\nbeta" is a pure addition.
	conflict, err := s.UpsertEntry(ctx, date, "alpha\nbeta")
	if err != nil {
		t.Fatalf("UpsertEntry() failed: %v", err)
	}
	if conflict != nil {
		t.Fatal("pure addition must not create a conflict session")
	}
	e, _ := s.GetEntry(ctx, date)
	if e.Text != "alpha\nbeta" {
		t.Fatalf("Text = %q, want alpha\\nbeta", e.Text)
	}

	// Removal: "alpha\nbeta" -> "beta" diverges.
	conflict, err = s.UpsertEntry(ctx, date, "beta")
	if err != nil {
		t.Fatalf("UpsertEntry() failed: %v", err)
	}
	if conflict == nil {
		t.Fatal("removal must create a conflict session")
	}
	e, _ = s.GetEntry(ctx, date)
	if e.Text != "beta" {
		t.Errorf("Text = %q, want beta (new text always wins)", e.Text)
	}

	chunks, err := s.ConflictChunks(ctx, *conflict)
	if err != nil {
		t.Fatalf("ConflictChunks() failed: %v", err)
	}
	var rem, same int
	for _, c := range chunks {
		switch c.DiffType {
		case diff.Rem:
			rem++
			if c.DiffText != "alpha" {
				t.Errorf("rem chunk = %q, want alpha", c.DiffText)
			}
		case diff.Same:
			same++
		}
		if c.Date != date {
			t.Errorf("chunk date = %s, want %s", c.Date, date)
		}
	}
	if rem != 1 || same != 1 {
		t.Errorf("chunks rem=%d same=%d, want 1 and 1 (%+v)", rem, same, chunks)
	}
}

func TestUpsertEntry_ConcurrentSameDate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := Date("2021-06-01")

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			_, err := s.UpsertEntry(ctx, date, "line")
			done <- err
		}(i)
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent UpsertEntry() failed: %v", err)
		}
	}
	e, err := s.GetEntry(ctx, date)
	if err != nil {
		t.Fatalf("GetEntry() failed: %v", err)
	}
	if e.Text != "line" {
		t.Errorf("Text = %q, want line", e.Text)
	}
}

func TestCommitConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := Date("2020-02-02")

	if _, err := s.UpsertEntry(ctx, date, "keep\ndrop"); err != nil {
		t.Fatalf("UpsertEntry() failed: %v", err)
	}
	conflict, err := s.UpsertEntry(ctx, date, "keep\nnew")
	if err != nil {
		t.Fatalf("UpsertEntry() failed: %v", err)
	}
	if conflict == nil {
		t.Fatal("expected a conflict session")
	}

	if _, err := s.CommitConflict(ctx, *conflict); err != nil {
		t.Fatalf("CommitConflict() failed: %v", err)
	}

	sessions, err := s.ConflictSessions(ctx, date)
	if err != nil {
		t.Fatalf("ConflictSessions() failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions after commit = %v, want none", sessions)
	}

	// Entry equals the add/same chunks in order: "keep\nnew".
	e, err := s.GetEntry(ctx, date)
	if err != nil {
		t.Fatalf("GetEntry() failed: %v", err)
	}
	if e.Text != "keep\nnew" {
		t.Errorf("Text = %q, want keep\\nnew", e.Text)
	}
}

func TestUpdateChunkType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := Date("2020-03-03")

	if _, err := s.UpsertEntry(ctx, date, "a"); err != nil {
		t.Fatal(err)
	}
	conflict, err := s.UpsertEntry(ctx, date, "b")
	if err != nil {
		t.Fatal(err)
	}
	if conflict == nil {
		t.Fatal("expected a conflict session")
	}
	chunks, err := s.ConflictChunks(ctx, *conflict)
	if err != nil {
		t.Fatal(err)
	}

	var remID int64 = -1
	for _, c := range chunks {
		if c.DiffType == diff.Rem {
			remID = c.ID
		}
	}
	if remID < 0 {
		t.Fatalf("no rem chunk in %+v", chunks)
	}

	if err := s.UpdateChunkType(ctx, remID, diff.Add); err != nil {
		t.Fatalf("rem->add reclassification failed: %v", err)
	}
	if err := s.UpdateChunkType(ctx, remID, diff.Same); !errors.Is(err, ErrIllegalDiffType) {
		t.Errorf("reclassifying to same = %v, want ErrIllegalDiffType", err)
	}
}

func TestInsertCacheAt_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2022, 5, 1, 10, 30, 0, 123456789, time.UTC)

	inserted, err := s.InsertCacheAt(ctx, at, "remote fragment")
	if err != nil {
		t.Fatalf("InsertCacheAt() failed: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported not inserted")
	}
	inserted, err = s.InsertCacheAt(ctx, at, "remote fragment")
	if err != nil {
		t.Fatalf("second InsertCacheAt() failed: %v", err)
	}
	if inserted {
		t.Fatal("duplicate timestamp was inserted twice")
	}

	items, err := s.ListCache(ctx)
	if err != nil {
		t.Fatalf("ListCache() failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("cache has %d items, want 1", len(items))
	}
	if !items[0].Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", items[0].Timestamp, at)
	}
}

func TestCacheItem_JSONRoundTrip(t *testing.T) {
	item := CacheItem{
		Timestamp: time.Date(2022, 5, 1, 10, 30, 0, 5000, time.UTC),
		Text:      "quick capture",
	}
	data, err := item.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() failed: %v", err)
	}
	var back CacheItem
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON() failed: %v", err)
	}
	if !back.Timestamp.Equal(item.Timestamp) || back.Text != item.Text {
		t.Errorf("round trip = %+v, want %+v", back, item)
	}
}

func TestListDates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, d := range []Date{"2019-12-31", "2020-01-01", "2020-01-02", "2020-02-01"} {
		if _, err := s.UpsertEntry(ctx, d, "text"); err != nil {
			t.Fatal(err)
		}
	}

	min, max := Date("2020-01-01"), Date("2020-01-31")
	dates, err := s.ListDates(ctx, &min, &max, 0, 0)
	if err != nil {
		t.Fatalf("ListDates() failed: %v", err)
	}
	want := []Date{"2020-01-02", "2020-01-01"}
	if len(dates) != len(want) {
		t.Fatalf("dates = %v, want %v", dates, want)
	}
	for i := range want {
		if dates[i] != want[i] {
			t.Errorf("dates[%d] = %s, want %s", i, dates[i], want[i])
		}
	}

	dates, err = s.ListDates(ctx, nil, nil, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(dates) != 2 || dates[0] != "2020-01-02" {
		t.Errorf("paged dates = %v, want [2020-01-02 2020-01-01]", dates)
	}
}

func TestSearchEntriesAndCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.UpsertEntry(ctx, "2020-01-01", "walked the dog"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertCache(ctx, "dog park later"); err != nil {
		t.Fatal(err)
	}

	entries, err := s.SearchEntries(ctx, "dog")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %+v, want one match", entries)
	}
	items, err := s.SearchCache(ctx, "dog")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Errorf("cache items = %+v, want one match", items)
	}
}

func TestDeleteConflictsByDate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := Date("2020-04-04")

	for _, text := range []string{"a", "b", "c"} {
		if _, err := s.UpsertEntry(ctx, date, text); err != nil {
			t.Fatal(err)
		}
	}
	dates, err := s.ConflictDates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dates) != 1 {
		t.Fatalf("conflict dates = %v, want [%s]", dates, date)
	}

	if err := s.DeleteConflictsByDate(ctx, date); err != nil {
		t.Fatalf("DeleteConflictsByDate() failed: %v", err)
	}
	dates, err = s.ConflictDates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dates) != 0 {
		t.Errorf("conflict dates after discard = %v, want none", dates)
	}
}

func TestOpen_PathWithURIDelimiters(t *testing.T) {
	// '?' and '#' in the database path must not be read as DSN query or
	// fragment delimiters.
	path := filepath.Join(t.TempDir(), "odd?name#1.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	if _, err := s.UpsertEntry(ctx, "2020-01-01", "odd path"); err != nil {
		t.Fatalf("UpsertEntry() failed: %v", err)
	}
	e, err := s.GetEntry(ctx, "2020-01-01")
	if err != nil || e.Text != "odd path" {
		t.Fatalf("GetEntry() = %+v, %v", e, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database not at the literal path: %v", err)
	}
}

func TestAppendEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := Date("2022-04-01")

	// Missing entry: the appended text becomes the entry.
	if err := s.AppendEntry(ctx, date, "first"); err != nil {
		t.Fatalf("AppendEntry() failed: %v", err)
	}
	e, err := s.GetEntry(ctx, date)
	if err != nil || e.Text != "first" {
		t.Fatalf("GetEntry() = %+v, %v", e, err)
	}

	if err := s.AppendEntry(ctx, date, "second"); err != nil {
		t.Fatalf("AppendEntry() failed: %v", err)
	}
	e, _ = s.GetEntry(ctx, date)
	if e.Text != "first\n\nsecond" {
		t.Errorf("Text = %q, want blank-line separated append", e.Text)
	}

	// Appends only add lines, so no conflict session may exist.
	sessions, err := s.ConflictSessions(ctx, date)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("append recorded a conflict: %v", sessions)
	}
}

func TestAppendEntry_ConcurrentAppendsKeepBoth(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := Date("2022-04-02")

	if _, err := s.UpsertEntry(ctx, date, "base"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 2)
	for _, text := range []string{"from the pull", "from the pass"} {
		go func(text string) {
			done <- s.AppendEntry(ctx, date, text)
		}(text)
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent AppendEntry() failed: %v", err)
		}
	}

	e, err := s.GetEntry(ctx, date)
	if err != nil {
		t.Fatalf("GetEntry() failed: %v", err)
	}
	for _, want := range []string{"base", "from the pull", "from the pass"} {
		if !strings.Contains(e.Text, want) {
			t.Errorf("Text = %q, lost %q", e.Text, want)
		}
	}
}

func TestDeleteEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := Date("2022-04-03")

	if _, err := s.UpsertEntry(ctx, date, "gone soon"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteEntry(ctx, date); err != nil {
		t.Fatalf("DeleteEntry() failed: %v", err)
	}
	if _, err := s.GetEntry(ctx, date); !errors.Is(err, ErrNoEntry) {
		t.Errorf("GetEntry() after delete = %v, want ErrNoEntry", err)
	}
}

func TestFirstConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.FirstConflict(ctx)
	if err != nil {
		t.Fatalf("FirstConflict() failed: %v", err)
	}
	if first != nil {
		t.Fatalf("empty log returned session %v", first)
	}

	// Record a conflict on the later date first, so its session timestamp
	// is older. The oldest date must still win.
	for _, date := range []Date{"2021-05-05", "2020-02-02"} {
		if _, err := s.UpsertEntry(ctx, date, "a"); err != nil {
			t.Fatal(err)
		}
		if conflict, err := s.UpsertEntry(ctx, date, "b"); err != nil || conflict == nil {
			t.Fatalf("UpsertEntry(%s) conflict = %v, err = %v", date, conflict, err)
		}
	}

	first, err = s.FirstConflict(ctx)
	if err != nil {
		t.Fatalf("FirstConflict() failed: %v", err)
	}
	if first == nil {
		t.Fatal("FirstConflict() returned nil with conflicts recorded")
	}
	chunks, err := s.ConflictChunks(ctx, *first)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) == 0 || chunks[0].Date != "2020-02-02" {
		t.Errorf("first conflict chunks = %+v, want oldest date 2020-02-02", chunks)
	}
}

func TestDeleteConflictChunk(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := Date("2020-06-06")

	if _, err := s.UpsertEntry(ctx, date, "alpha\nbeta"); err != nil {
		t.Fatal(err)
	}
	conflict, err := s.UpsertEntry(ctx, date, "beta")
	if err != nil {
		t.Fatal(err)
	}
	if conflict == nil {
		t.Fatal("expected a conflict session")
	}

	chunks, err := s.ConflictChunks(ctx, *conflict)
	if err != nil {
		t.Fatal(err)
	}
	var remID int64 = -1
	for _, c := range chunks {
		if c.DiffType == diff.Rem {
			remID = c.ID
		}
	}
	if remID < 0 {
		t.Fatalf("no rem chunk in %+v", chunks)
	}

	if err := s.DeleteConflictChunk(ctx, remID); err != nil {
		t.Fatalf("DeleteConflictChunk() failed: %v", err)
	}
	chunks, err = s.ConflictChunks(ctx, *conflict)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].DiffType != diff.Same {
		t.Errorf("chunks after delete = %+v, want the same chunk only", chunks)
	}
}
