// Package syncer runs the full reconciliation pass across every replica.
// The pass is a fixed sequence: pull the peer cache, fold the cache into
// dated entries, import from the local directory and the cloud bucket
// concurrently, maintain the local editable window, export to the cloud and
// the yearly archives concurrently, then validate the backup copy.
//
// A peer failure is logged and skipped; any other failed step aborts the
// remaining sequence.
package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/epistle/epistle/internal/store"
)

// LocalReplica is the file-directory side of a pass.
type LocalReplica interface {
	ImportFromLocal(ctx context.Context) ([]string, error)
	CleanupLocal(ctx context.Context) ([]string, error)
	ExportYears(ctx context.Context) ([]string, error)
}

// CloudReplica is the object-store side of a pass.
type CloudReplica interface {
	ImportFromCloud(ctx context.Context) ([]string, error)
	ExportToCloud(ctx context.Context) ([]string, error)
	ValidateBackup(ctx context.Context) ([]string, error)
}

// PeerReplica pulls quick-capture items from a remote host.
type PeerReplica interface {
	Pull(ctx context.Context) ([]string, error)
}

// Syncer coordinates one reconciliation pass. cloud and peer may be nil
// when the corresponding replica is not configured.
type Syncer struct {
	store  *store.Store
	local  LocalReplica
	cloud  CloudReplica
	peer   PeerReplica
	logger *log.Logger
}

// New creates a syncer. If logger is nil a default stderr logger is used.
func New(st *store.Store, local LocalReplica, cloud CloudReplica, peer PeerReplica, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Syncer{store: st, local: local, cloud: cloud, peer: peer, logger: logger}
}

// SyncEverything runs the full pass and returns the accumulated result
// lines. On error the lines collected before the failing step are still
// returned.
func (s *Syncer) SyncEverything(ctx context.Context) ([]string, error) {
	var output []string

	if s.peer != nil {
		lines, err := s.peer.Pull(ctx)
		// Partial results (items pulled before a lost clear) still count.
		output = append(output, lines...)
		if err != nil {
			s.logger.Printf("WARNING: peer pull failed, continuing: %v", err)
		}
	}

	lines, err := s.MergeCacheToEntries(ctx)
	output = append(output, lines...)
	if err != nil {
		return output, err
	}

	var localIn, cloudIn []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		localIn, err = s.local.ImportFromLocal(gctx)
		return err
	})
	if s.cloud != nil {
		g.Go(func() error {
			var err error
			cloudIn, err = s.cloud.ImportFromCloud(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return output, err
	}
	output = append(output, localIn...)
	output = append(output, cloudIn...)

	lines, err = s.local.CleanupLocal(ctx)
	output = append(output, lines...)
	if err != nil {
		return output, err
	}

	var cloudOut, yearOut []string
	g, gctx = errgroup.WithContext(ctx)
	if s.cloud != nil {
		g.Go(func() error {
			var err error
			cloudOut, err = s.cloud.ExportToCloud(gctx)
			return err
		})
	}
	g.Go(func() error {
		var err error
		yearOut, err = s.local.ExportYears(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return output, err
	}
	output = append(output, cloudOut...)
	output = append(output, yearOut...)

	if s.cloud != nil {
		lines, err = s.cloud.ValidateBackup(ctx)
		output = append(output, lines...)
		if err != nil {
			return output, err
		}
	}
	return output, nil
}

// SyncPeer pulls the peer's quick-capture cache. Unlike the full pass,
// a pull failure is returned to the caller. Returns nil, nil when no peer
// is configured.
func (s *Syncer) SyncPeer(ctx context.Context) ([]string, error) {
	if s.peer == nil {
		return nil, nil
	}
	return s.peer.Pull(ctx)
}

// ValidateBackups checks the offline backup listing against the live
// entries. Returns nil, nil when no cloud replica is configured.
func (s *Syncer) ValidateBackups(ctx context.Context) ([]string, error) {
	if s.cloud == nil {
		return nil, nil
	}
	return s.cloud.ValidateBackup(ctx)
}

// MergeCacheToEntries folds the cache into dated entries. Items are grouped
// by the local calendar date of their timestamp; each group's texts are
// appended, in timestamp order, to whatever the entry already holds. The
// merge only ever adds text, so it can never raise a conflict. Consumed
// items are removed from the cache. Returns one "update" line per touched
// date.
func (s *Syncer) MergeCacheToEntries(ctx context.Context) ([]string, error) {
	items, err := s.store.ListCache(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	// ListCache is timestamp-ordered, so per-date groups stay ordered too.
	byDate := make(map[store.Date][]store.CacheItem)
	for _, item := range items {
		date := store.DateOf(item.Timestamp.Local())
		byDate[date] = append(byDate[date], item)
	}

	var dates []store.Date
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })

	var output []string
	for _, date := range dates {
		group := byDate[date]
		parts := make([]string, 0, len(group))
		for _, item := range group {
			parts = append(parts, item.Text)
		}

		// The store appends under the date's lock, so a pass racing a
		// manual pull cannot drop either side's addition.
		if err := s.store.AppendEntry(ctx, date, strings.Join(parts, "\n\n")); err != nil {
			return output, err
		}
		for _, item := range group {
			if err := s.store.DeleteCache(ctx, item.Timestamp); err != nil {
				return output, err
			}
		}
		output = append(output, fmt.Sprintf("update %s", date))
	}
	return output, nil
}
