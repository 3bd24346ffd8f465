// Package peer pulls quick-capture fragments from a remote host over a
// restricted command channel. The remote serialize command emits one cache
// item per NDJSON line ({"timestamp": ..., "text": ...}); after a pull that
// inserted anything, the remote clear command drops the peer's cache.
//
// Only one session is in flight per host at a time; distinct hosts proceed
// concurrently.
package peer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/epistle/epistle/internal/store"
)

// retryAttempts bounds the backoff on the (idempotent) pull command. The
// clear command is destructive and never retried.
const retryAttempts = 3

// CommandRunner executes a single remote command. The production runner
// shells out to ssh; tests substitute a fake.
type CommandRunner interface {
	// Output runs the command and returns its captured stdout.
	Output(ctx context.Context, args []string) ([]byte, error)
	// Run runs the command for its side effect.
	Run(ctx context.Context, args []string) error
}

type sshRunner struct{}

func (sshRunner) Output(ctx context.Context, args []string) ([]byte, error) {
	return exec.CommandContext(ctx, "ssh", args...).Output()
}

func (sshRunner) Run(ctx context.Context, args []string) error {
	return exec.CommandContext(ctx, "ssh", args...).Run()
}

// hostLocks serializes sessions per host, creating each mutex lazily on
// first contact.
var hostLocks = struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}{locks: make(map[string]*sync.Mutex)}

func lockHost(host string) *sync.Mutex {
	hostLocks.mu.Lock()
	defer hostLocks.mu.Unlock()
	m, ok := hostLocks.locks[host]
	if !ok {
		m = &sync.Mutex{}
		hostLocks.locks[host] = m
	}
	return m
}

// Interface pulls cache items from one configured peer.
type Interface struct {
	store    *store.Store
	peerURL  *url.URL
	serCmd   string
	clearCmd string
	runner   CommandRunner
	logger   *log.Logger
}

// New creates a peer adapter. rawURL may be empty (no peer configured); a
// URL with a scheme other than ssh marks the peer unreachable and pulls
// become no-ops. serCmd and clearCmd are the remote serialize and clear
// commands.
func New(st *store.Store, rawURL, serCmd, clearCmd string, logger *log.Logger) (*Interface, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[peer] ", log.LstdFlags)
	}
	p := &Interface{
		store:    st,
		serCmd:   serCmd,
		clearCmd: clearCmd,
		runner:   sshRunner{},
		logger:   logger,
	}
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("invalid peer URL %q: %w", rawURL, err)
		}
		p.peerURL = u
	}
	return p, nil
}

// SetRunner substitutes the command runner; used by tests.
func (p *Interface) SetRunner(r CommandRunner) {
	p.runner = r
}

// Reachable reports whether a peer is configured with the ssh scheme.
func (p *Interface) Reachable() bool {
	return p.peerURL != nil && p.peerURL.Scheme == "ssh"
}

// args builds the ssh argument list for cmd: [-p port] user@host cmd.
func (p *Interface) args(cmd string) []string {
	var args []string
	if port := p.peerURL.Port(); port != "" && port != "22" {
		args = append(args, "-p", port)
	}
	target := p.peerURL.Hostname()
	if user := p.peerURL.User.Username(); user != "" {
		target = user + "@" + target
	}
	return append(args, target, cmd)
}

// Pull fetches the peer's serialized cache, inserts every item whose
// timestamp is not already present (idempotent), and clears the remote
// cache when at least one item was inserted. Returns one result line per
// inserted item. A nil, nil return means no reachable peer is configured.
func (p *Interface) Pull(ctx context.Context) ([]string, error) {
	if !p.Reachable() {
		return nil, nil
	}

	host := p.peerURL.Hostname()
	lock := lockHost(host)
	lock.Lock()
	defer lock.Unlock()

	var out []byte
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retryAttempts), ctx)
	err := backoff.Retry(func() error {
		var err error
		out, err = p.runner.Output(ctx, p.args(p.serCmd))
		return err
	}, b)
	if err != nil {
		return nil, fmt.Errorf("failed to pull from %s: %w", host, err)
	}

	var (
		output   []string
		inserted int
	)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var item store.CacheItem
		if err := json.Unmarshal(line, &item); err != nil {
			p.logger.Printf("WARNING: skipping malformed peer line %q: %v", line, err)
			continue
		}
		ok, err := p.store.InsertCacheAt(ctx, item.Timestamp, item.Text)
		if err != nil {
			return nil, err
		}
		if ok {
			inserted++
			output = append(output, fmt.Sprintf("ssh cache %s", item.Timestamp.UTC().Format(store.TimeLayout)))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read peer output: %w", err)
	}

	if inserted > 0 {
		if err := p.runner.Run(ctx, p.args(p.clearCmd)); err != nil {
			return output, fmt.Errorf("failed to clear peer cache on %s: %w", host, err)
		}
	}
	return output, nil
}
