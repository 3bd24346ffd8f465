// Package cloud mirrors the canonical store to and from an object store:
// one object per date, key YYYY-MM-DD.txt, raw UTF-8 body. Provider-reported
// size and last-modified act as the staleness proxy; object listings are
// cached behind an RWMutex with an explicit max age.
//
// Storage access goes through viant/afs, so the base URL selects the
// backend: s3://bucket for production, file:// or mem:// in tests.
package cloud

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
	_ "github.com/viant/afsc/s3"

	"github.com/epistle/epistle/internal/replica"
	"github.com/epistle/epistle/internal/store"
)

// keyCacheMaxAge bounds how long a bucket listing is reused before the next
// export refreshes it.
const keyCacheMaxAge = 5 * replica.TimeBuffer

// retryAttempts bounds the exponential backoff applied to idempotent
// list/get/put calls. Deletes are never retried.
const retryAttempts = 4

// KeyMeta is the staleness proxy for one object: its date, provider
// modification time, and byte size.
type KeyMeta struct {
	Date    store.Date
	ModTime time.Time
	Size    int64
}

// Interface syncs entries with the bucket at baseURL and validates the
// offline backup copy at backupURL (optional).
type Interface struct {
	store     *store.Store
	fs        afs.Service
	baseURL   string
	backupURL string
	logger    *log.Logger

	mu        sync.RWMutex
	keys      []KeyMeta
	fetchedAt time.Time
}

// New creates a cloud adapter. backupURL may be empty, disabling backup
// validation. If logger is nil a default stderr logger is used.
func New(st *store.Store, baseURL, backupURL string, logger *log.Logger) *Interface {
	if logger == nil {
		logger = log.New(os.Stderr, "[cloud] ", log.LstdFlags)
	}
	return &Interface{
		store:     st,
		fs:        afs.New(),
		baseURL:   baseURL,
		backupURL: backupURL,
		logger:    logger,
	}
}

func (c *Interface) objectURL(date store.Date) string {
	return url.Join(c.baseURL, string(date)+".txt")
}

func retryIdempotent(ctx context.Context, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retryAttempts), ctx)
	return backoff.Retry(op, b)
}

// listKeys lists location and parses per-date object names; anything that
// is not a YYYY-MM-DD.txt key is skipped and logged.
func (c *Interface) listKeys(ctx context.Context, location string) ([]KeyMeta, error) {
	var keys []KeyMeta
	err := retryIdempotent(ctx, func() error {
		objects, err := c.fs.List(ctx, location)
		if err != nil {
			return err
		}
		keys = keys[:0]
		for _, obj := range objects {
			if obj.IsDir() {
				continue
			}
			base, ok := strings.CutSuffix(obj.Name(), ".txt")
			if !ok {
				c.logger.Printf("WARNING: skipping non-entry key %q", obj.Name())
				continue
			}
			date, err := store.ParseDate(base)
			if err != nil {
				c.logger.Printf("WARNING: skipping malformed key %q: %v", obj.Name(), err)
				continue
			}
			keys = append(keys, KeyMeta{Date: date, ModTime: obj.ModTime(), Size: obj.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", location, err)
	}
	return keys, nil
}

// fillKeyCache refreshes the bucket listing cache.
func (c *Interface) fillKeyCache(ctx context.Context) ([]KeyMeta, error) {
	keys, err := c.listKeys(ctx, c.baseURL)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return keys, nil
}

// cachedKeys returns the listing cache, refreshing it once it exceeds
// keyCacheMaxAge.
func (c *Interface) cachedKeys(ctx context.Context) ([]KeyMeta, error) {
	c.mu.RLock()
	keys, fetchedAt := c.keys, c.fetchedAt
	c.mu.RUnlock()
	if time.Since(fetchedAt) <= keyCacheMaxAge {
		return keys, nil
	}
	return c.fillKeyCache(ctx)
}

// ImportFromCloud downloads and upserts every object that is plausibly
// newer than the stored entry. Empty objects are never imported. Returns
// one result line per imported date.
func (c *Interface) ImportFromCloud(ctx context.Context) ([]string, error) {
	existing, err := c.store.ModifiedMap(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := c.fillKeyCache(ctx)
	if err != nil {
		return nil, err
	}

	var output []string
	for _, key := range keys {
		if key.Size == 0 {
			continue
		}
		if current, ok := existing[key.Date]; ok {
			entry, err := c.store.GetEntry(ctx, key.Date)
			if err != nil {
				return nil, err
			}
			if !replica.Newer(key.ModTime, current, key.Size, int64(len(entry.Text))) {
				continue
			}
		}

		text, err := c.DownloadEntry(ctx, key.Date)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if _, err := c.store.UpsertEntryAt(ctx, key.Date, text, key.ModTime); err != nil {
			return nil, err
		}
		output = append(output, fmt.Sprintf("cloud import %s", key.Date))
	}
	return output, nil
}

// ExportToCloud re-uploads every date whose stored entry is plausibly newer
// than the bucket copy. Returns one result line per uploaded date.
func (c *Interface) ExportToCloud(ctx context.Context) ([]string, error) {
	modified, err := c.store.ModifiedMap(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := c.cachedKeys(ctx)
	if err != nil {
		return nil, err
	}
	remote := make(map[store.Date]KeyMeta, len(keys))
	for _, key := range keys {
		remote[key.Date] = key
	}

	var dates []store.Date
	for date := range modified {
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })

	var output []string
	for _, date := range dates {
		key, ok := remote[date]
		if ok {
			entry, err := c.store.GetEntry(ctx, date)
			if err != nil {
				return nil, err
			}
			if !replica.Newer(modified[date], key.ModTime, int64(len(entry.Text)), key.Size) {
				continue
			}
		}
		uploaded, err := c.UploadEntry(ctx, date)
		if err != nil {
			return nil, err
		}
		if uploaded {
			output = append(output, fmt.Sprintf("cloud export %s", date))
		}
	}
	return output, nil
}

// UploadEntry uploads the entry for date to the bucket. Entries with blank
// text are skipped; reports whether an upload happened.
func (c *Interface) UploadEntry(ctx context.Context, date store.Date) (bool, error) {
	entry, err := c.store.GetEntry(ctx, date)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(entry.Text) == "" {
		return false, nil
	}
	target := c.objectURL(date)
	err = retryIdempotent(ctx, func() error {
		return c.fs.Upload(ctx, target, file.DefaultFileOsMode, strings.NewReader(entry.Text))
	})
	if err != nil {
		return false, fmt.Errorf("failed to upload %s: %w", date, err)
	}
	c.noteUploaded(date, int64(len(entry.Text)))
	return true, nil
}

// noteUploaded folds a completed upload into the listing cache so a
// following export within the cache window does not re-upload it.
func (c *Interface) noteUploaded(date store.Date, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for i := range c.keys {
		if c.keys[i].Date == date {
			c.keys[i].ModTime = now
			c.keys[i].Size = size
			return
		}
	}
	c.keys = append(c.keys, KeyMeta{Date: date, ModTime: now, Size: size})
}

// DownloadEntry fetches the object body for date.
func (c *Interface) DownloadEntry(ctx context.Context, date store.Date) (string, error) {
	var data []byte
	source := c.objectURL(date)
	err := retryIdempotent(ctx, func() error {
		var err error
		data, err = c.fs.DownloadWithURL(ctx, source)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", date, err)
	}
	return string(bytes.ToValidUTF8(data, []byte("�"))), nil
}

// ValidateBackup compares each backup object's size against the live
// entry's text length. Where the live text has grown, the stale backup
// object is deleted and the entry re-uploaded to the bucket so the offline
// backup can be refreshed out-of-band. A backup object without a matching
// entry is a data-integrity failure. Returns one line per refreshed date.
func (c *Interface) ValidateBackup(ctx context.Context) ([]string, error) {
	if c.backupURL == "" {
		return nil, nil
	}
	keys, err := c.listKeys(ctx, c.backupURL)
	if err != nil {
		return nil, err
	}

	var output []string
	for _, key := range keys {
		entry, err := c.store.GetEntry(ctx, key.Date)
		if err != nil {
			return nil, fmt.Errorf("backup object without entry: %w", err)
		}
		liveLen := int64(len(entry.Text))
		if liveLen <= key.Size {
			continue
		}
		// Precondition (backup smaller than live) was just verified, so the
		// delete is safe; it is still not retried.
		if err := c.fs.Delete(ctx, url.Join(c.backupURL, string(key.Date)+".txt")); err != nil {
			return nil, fmt.Errorf("failed to delete stale backup %s: %w", key.Date, err)
		}
		if _, err := c.UploadEntry(ctx, key.Date); err != nil {
			return nil, err
		}
		output = append(output, fmt.Sprintf("backup refresh %s %d %d", key.Date, key.Size, liveLen))
	}
	return output, nil
}
