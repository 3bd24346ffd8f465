// Package local mirrors the canonical store to and from a directory of
// plain text files, one per date (YYYY-MM-DD.txt), plus yearly archive
// files (diary_<year>.txt). The directory is the human-editable replica: a
// file always exists for today and its three predecessors.
package local

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/epistle/epistle/internal/store"
)

// editableWindow is the number of trailing calendar days that keep an
// editable per-date file in the directory.
const editableWindow = 4

// importTolerance is the slack applied when comparing a file's mtime to the
// stored last-modified time; filesystem timestamps and store timestamps are
// recorded by different clocks.
const importTolerance = time.Second

// Interface syncs entries with the local diary directory.
type Interface struct {
	store  *store.Store
	dir    string
	logger *log.Logger
}

// New creates a local adapter for dir. If logger is nil a default stderr
// logger is used.
func New(st *store.Store, dir string, logger *log.Logger) *Interface {
	if logger == nil {
		logger = log.New(os.Stderr, "[local] ", log.LstdFlags)
	}
	return &Interface{store: st, dir: dir, logger: logger}
}

// Dir returns the replica directory.
func (l *Interface) Dir() string {
	return l.dir
}

func (l *Interface) entryPath(date store.Date) string {
	return filepath.Join(l.dir, string(date)+".txt")
}

// dateFromFilename parses a YYYY-MM-DD.txt name. The bool is false for any
// other file (archives, strays), which callers skip.
func dateFromFilename(name string) (store.Date, bool) {
	base, ok := strings.CutSuffix(name, ".txt")
	if !ok {
		return "", false
	}
	date, err := store.ParseDate(base)
	if err != nil {
		return "", false
	}
	return date, true
}

// ImportFromLocal scans the directory and upserts any date whose file is
// newer than the stored entry (or unknown to the store). Empty files are
// never imported. Returns one result line per imported date.
func (l *Interface) ImportFromLocal(ctx context.Context) ([]string, error) {
	existing, err := l.store.ModifiedMap(ctx)
	if err != nil {
		return nil, err
	}

	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read diary directory: %w", err)
	}

	var output []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		date, ok := dateFromFilename(f.Name())
		if !ok {
			continue
		}
		info, err := f.Info()
		if err != nil {
			l.logger.Printf("WARNING: failed to stat %s: %v", f.Name(), err)
			continue
		}
		if info.Size() == 0 {
			continue
		}

		modified := info.ModTime()
		if current, ok := existing[date]; ok {
			if modified.Sub(current) <= importTolerance {
				continue
			}
		}

		data, err := os.ReadFile(l.entryPath(date))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name(), err)
		}
		text := string(data)
		if strings.TrimSpace(text) == "" {
			continue
		}

		if _, err := l.store.UpsertEntryAt(ctx, date, text, modified); err != nil {
			return nil, err
		}
		output = append(output, fmt.Sprintf("local import %s", date))
	}
	return output, nil
}

// CleanupLocal maintains the editable window: every one of the last four
// calendar days gets a file (and a placeholder entry when the store has
// none), stale window files are rewritten from the store, files older than
// the window whose content has already been captured are removed, and
// blank placeholder entries left behind by the moving window are purged.
// Returns one result line per touched date.
func (l *Interface) CleanupLocal(ctx context.Context) ([]string, error) {
	existing, err := l.store.ModifiedMap(ctx)
	if err != nil {
		return nil, err
	}

	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read diary directory: %w", err)
	}

	oldest := store.Today().AddDays(-(editableWindow - 1))

	type fileMeta struct {
		modTime time.Time
		size    int64
	}
	window := make(map[store.Date]fileMeta)

	var output []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		date, ok := dateFromFilename(f.Name())
		if !ok {
			continue
		}
		info, err := f.Info()
		if err != nil {
			l.logger.Printf("WARNING: failed to stat %s: %v", f.Name(), err)
			continue
		}
		if date >= oldest {
			window[date] = fileMeta{modTime: info.ModTime(), size: info.Size()}
			continue
		}

		// Outside the window. Delete only what the store has already
		// captured: blank files, or files no larger than the stored text.
		remove := info.Size() == 0
		if !remove {
			data, err := os.ReadFile(l.entryPath(date))
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", f.Name(), err)
			}
			if strings.TrimSpace(string(data)) == "" {
				remove = true
			} else if entry, err := l.store.GetEntry(ctx, date); err == nil {
				remove = int64(len(entry.Text)) >= info.Size()
			}
		}
		if remove {
			if err := os.Remove(l.entryPath(date)); err != nil {
				return nil, fmt.Errorf("failed to remove %s: %w", f.Name(), err)
			}
			output = append(output, fmt.Sprintf("local cleanup remove %s", date))
		}
	}

	// Entries older than the window whose text is still blank are
	// placeholders for days that were never written; drop them so they stop
	// exporting and listing.
	for date := range existing {
		if date >= oldest {
			continue
		}
		entry, err := l.store.GetEntry(ctx, date)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(entry.Text) != "" {
			continue
		}
		if err := l.store.DeleteEntry(ctx, date); err != nil {
			return nil, err
		}
		output = append(output, fmt.Sprintf("local cleanup purge %s", date))
	}

	for i := 0; i < editableWindow; i++ {
		date := store.Today().AddDays(-i)
		meta, haveFile := window[date]
		_, haveEntry := existing[date]

		switch {
		case !haveFile:
			// (Re)write the file so the day stays editable.
			text := ""
			if haveEntry {
				entry, err := l.store.GetEntry(ctx, date)
				if err != nil {
					return nil, err
				}
				text = entry.Text
			} else {
				if _, err := l.store.UpsertEntry(ctx, date, ""); err != nil {
					return nil, err
				}
			}
			if err := l.WriteEntryFile(date, text); err != nil {
				return nil, err
			}
			output = append(output, fmt.Sprintf("local cleanup %s", date))
		case !haveEntry:
			if _, err := l.store.UpsertEntry(ctx, date, ""); err != nil {
				return nil, err
			}
			output = append(output, fmt.Sprintf("local cleanup %s", date))
		default:
			// Both exist: refresh the file when the store has moved ahead.
			if existing[date].Sub(meta.modTime) > importTolerance {
				entry, err := l.store.GetEntry(ctx, date)
				if err != nil {
					return nil, err
				}
				if int64(len(entry.Text)) > meta.size {
					if err := l.WriteEntryFile(date, entry.Text); err != nil {
						return nil, err
					}
					output = append(output, fmt.Sprintf("local cleanup %s", date))
				}
			}
		}
	}
	return output, nil
}

// WriteEntryFile writes the per-date file for date.
func (l *Interface) WriteEntryFile(date store.Date, text string) error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("failed to create diary directory: %w", err)
	}
	if err := os.WriteFile(l.entryPath(date), []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write %s.txt: %w", date, err)
	}
	return nil
}

// ExportYears regenerates one archive file per year (diary_<year>.txt)
// containing that year's entries in date order separated by blank lines. A
// year is skipped when the archive file is already newer than the year's
// most recently modified entry. Returns "year count" result lines.
func (l *Interface) ExportYears(ctx context.Context) ([]string, error) {
	modified, err := l.store.ModifiedMap(ctx)
	if err != nil {
		return nil, err
	}

	years := make(map[int][]store.Date)
	newest := make(map[int]time.Time)
	for date, mod := range modified {
		y := date.Year()
		years[y] = append(years[y], date)
		if mod.After(newest[y]) {
			newest[y] = mod
		}
	}

	var yearList []int
	for y := range years {
		yearList = append(yearList, y)
	}
	sort.Ints(yearList)

	var output []string
	for _, year := range yearList {
		path := filepath.Join(l.dir, fmt.Sprintf("diary_%d.txt", year))
		if info, err := os.Stat(path); err == nil {
			if !info.ModTime().Before(newest[year]) {
				output = append(output, fmt.Sprintf("local archive %d 0", year))
				continue
			}
		}

		dates := years[year]
		sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })

		var b strings.Builder
		for _, date := range dates {
			entry, err := l.store.GetEntry(ctx, date)
			if err != nil {
				return nil, err
			}
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(entry.Text)
		}
		b.WriteString("\n")
		if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
			return nil, fmt.Errorf("failed to write archive for %d: %w", year, err)
		}
		output = append(output, fmt.Sprintf("local archive %d %d", year, len(dates)))
	}
	return output, nil
}
