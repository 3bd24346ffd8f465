// Package daemon keeps the replicas reconciled in the background.
//
// The daemon:
// 1. Watches the diary directory for per-date file edits
// 2. Runs a full reconciliation pass after changes settle
// 3. Runs a periodic full pass regardless of activity
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SyncFunc runs one full reconciliation pass and returns its result lines.
type SyncFunc func(ctx context.Context) ([]string, error)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to run a pass even without file activity.
	SyncInterval time.Duration

	// DebounceInterval is how long a file must stay quiet before its edit
	// triggers a pass. This batches rapid editor saves together.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     time.Minute,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// NewLogger builds the daemon logger. With a file path it writes to a
// rotating log file; otherwise it writes to stderr.
func NewLogger(logFile string) *log.Logger {
	if logFile == "" {
		return log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}, "[daemon] ", log.LstdFlags)
}

// Daemon watches the diary directory and schedules reconciliation passes.
type Daemon struct {
	dir    string
	syncFn SyncFunc
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event time
	changeQueueMu sync.Mutex

	passMu sync.Mutex // passes never overlap

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon watching dir and running syncFn.
func New(dir string, syncFn SyncFunc) (*Daemon, error) {
	return NewWithConfig(dir, syncFn, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(dir string, syncFn SyncFunc, config *Config) (*Daemon, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if syncFn == nil {
		return nil, fmt.Errorf("syncFn cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		dir:         dir,
		syncFn:      syncFn,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon runs one pass immediately, then watches the diary directory
// and runs further passes after edits settle and on the periodic interval.
// This blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return fmt.Errorf("failed to create diary directory: %w", err)
	}
	d.runPass("startup")

	if err := d.watcher.Add(d.dir); err != nil {
		return fmt.Errorf("failed to watch diary directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.dir)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.periodicSync()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove) == 0 {
				continue
			}
			if !watchable(event.Name) {
				continue
			}

			d.config.Logger.Printf("File event: %s %s", event.Op, event.Name)
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// watchable reports whether an event path is a per-date entry file. Archive
// files are outputs of the pass itself and must not re-trigger it.
func watchable(path string) bool {
	name := filepath.Base(path)
	if filepath.Ext(name) != ".txt" {
		return false
	}
	return !strings.HasPrefix(name, "diary_")
}

// queueChange records a file event for debounced processing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue runs a pass once queued changes have settled.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if d.drainSettledChanges() {
				d.runPass("file change")
			}
		}
	}
}

// drainSettledChanges removes queue items older than the debounce interval
// and reports whether any were removed.
func (d *Daemon) drainSettledChanges() bool {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	drained := false
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		delete(d.changeQueue, path)
		drained = true
	}
	return drained
}

// periodicSync runs a pass on the configured interval.
func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runPass("interval")
		}
	}
}

// runPass runs one reconciliation pass and logs its result lines.
func (d *Daemon) runPass(reason string) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	d.config.Logger.Printf("Sync pass (%s)", reason)
	output, err := d.syncFn(d.ctx)
	for _, line := range output {
		d.config.Logger.Println(line)
	}
	if err != nil {
		d.config.Logger.Printf("Sync pass failed: %v", err)
		return
	}
	d.config.Logger.Printf("Sync pass complete (%d changes)", len(output))
}
