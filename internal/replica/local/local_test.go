package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/epistle/epistle/internal/store"
)

func testSetup(t *testing.T) (*store.Store, *Interface, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "epistle.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	dir := t.TempDir()
	return st, New(st, dir, nil), dir
}

func TestImportFromLocal(t *testing.T) {
	st, li, dir := testSetup(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "2020-01-01.txt"), []byte("went hiking\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// Empty and malformed files must be skipped.
	if err := os.WriteFile(filepath.Join(dir, "2020-01-02.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a date"), 0644); err != nil {
		t.Fatal(err)
	}

	output, err := li.ImportFromLocal(ctx)
	if err != nil {
		t.Fatalf("ImportFromLocal() failed: %v", err)
	}
	if len(output) != 1 || output[0] != "local import 2020-01-01" {
		t.Fatalf("output = %v, want one import line", output)
	}

	entry, err := st.GetEntry(ctx, "2020-01-01")
	if err != nil {
		t.Fatalf("GetEntry() failed: %v", err)
	}
	if entry.Text != "went hiking\n" {
		t.Errorf("Text = %q", entry.Text)
	}
}

func TestImportFromLocal_SkipsWhenStoreNewer(t *testing.T) {
	st, li, dir := testSetup(t)
	ctx := context.Background()

	if _, err := st.UpsertEntry(ctx, "2020-01-01", "canonical text"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "2020-01-01.txt")
	if err := os.WriteFile(path, []byte("older file text"), 0644); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, stale, stale); err != nil {
		t.Fatal(err)
	}

	output, err := li.ImportFromLocal(ctx)
	if err != nil {
		t.Fatalf("ImportFromLocal() failed: %v", err)
	}
	if len(output) != 0 {
		t.Fatalf("output = %v, want no imports", output)
	}
	entry, _ := st.GetEntry(ctx, "2020-01-01")
	if entry.Text != "canonical text" {
		t.Errorf("Text = %q, file overwrote newer store", entry.Text)
	}
}

func TestCleanupLocal_EditableWindow(t *testing.T) {
	st, li, dir := testSetup(t)
	ctx := context.Background()

	if _, err := li.CleanupLocal(ctx); err != nil {
		t.Fatalf("CleanupLocal() failed: %v", err)
	}

	for i := 0; i < editableWindow; i++ {
		date := store.Today().AddDays(-i)
		if _, err := os.Stat(filepath.Join(dir, string(date)+".txt")); err != nil {
			t.Errorf("missing editable file for %s: %v", date, err)
		}
		if _, err := st.GetEntry(ctx, date); err != nil {
			t.Errorf("missing placeholder entry for %s: %v", date, err)
		}
	}
}

func TestCleanupLocal_RemovesCapturedOldFiles(t *testing.T) {
	st, li, dir := testSetup(t)
	ctx := context.Background()

	old := store.Today().AddDays(-30)
	path := filepath.Join(dir, string(old)+".txt")
	if err := os.WriteFile(path, []byte("captured"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpsertEntry(ctx, old, "captured"); err != nil {
		t.Fatal(err)
	}

	// A second old file whose content the store does not hold yet.
	uncaptured := store.Today().AddDays(-31)
	if err := os.WriteFile(filepath.Join(dir, string(uncaptured)+".txt"),
		[]byte("a much longer body the store never saw"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := li.CleanupLocal(ctx); err != nil {
		t.Fatalf("CleanupLocal() failed: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("captured old file still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, string(uncaptured)+".txt")); err != nil {
		t.Errorf("uncaptured old file was deleted: %v", err)
	}
}

func TestCleanupLocal_PurgesStaleBlankPlaceholders(t *testing.T) {
	st, li, _ := testSetup(t)
	ctx := context.Background()

	// A blank placeholder the window left behind, and a real old entry.
	blank := store.Today().AddDays(-10)
	if _, err := st.UpsertEntry(ctx, blank, ""); err != nil {
		t.Fatal(err)
	}
	kept := store.Today().AddDays(-11)
	if _, err := st.UpsertEntry(ctx, kept, "written that day"); err != nil {
		t.Fatal(err)
	}

	if _, err := li.CleanupLocal(ctx); err != nil {
		t.Fatalf("CleanupLocal() failed: %v", err)
	}

	if _, err := st.GetEntry(ctx, blank); !errors.Is(err, store.ErrNoEntry) {
		t.Errorf("blank placeholder survived cleanup: %v", err)
	}
	if _, err := st.GetEntry(ctx, kept); err != nil {
		t.Errorf("non-blank entry was purged: %v", err)
	}
	// Window placeholders stay: they are still editable days.
	if _, err := st.GetEntry(ctx, store.Today()); err != nil {
		t.Errorf("window placeholder missing: %v", err)
	}
}

func TestExportYears(t *testing.T) {
	st, li, dir := testSetup(t)
	ctx := context.Background()

	for i, date := range []store.Date{"2013-01-01", "2013-06-15", "2014-03-03"} {
		if _, err := st.UpsertEntry(ctx, date, fmt.Sprintf("entry %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	output, err := li.ExportYears(ctx)
	if err != nil {
		t.Fatalf("ExportYears() failed: %v", err)
	}
	want := []string{"local archive 2013 2", "local archive 2014 1"}
	if len(output) != len(want) {
		t.Fatalf("output = %v, want %v", output, want)
	}
	for i := range want {
		if output[i] != want[i] {
			t.Errorf("output[%d] = %q, want %q", i, output[i], want[i])
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "diary_2013.txt"))
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	if got := string(data); got != "entry 0\n\nentry 1\n" {
		t.Errorf("archive content = %q", got)
	}

	// Second pass: archives already newer than the entries, nothing rewritten.
	output, err = li.ExportYears(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range output {
		if !strings.HasSuffix(line, " 0") {
			t.Errorf("unexpected rewrite: %q", line)
		}
	}
}
