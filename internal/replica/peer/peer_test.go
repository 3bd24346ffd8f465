package peer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/epistle/epistle/internal/store"
)

type fakeRunner struct {
	serOut   []byte
	serErr   error
	serCalls int
	runCalls [][]string
	runErr   error
}

func (f *fakeRunner) Output(ctx context.Context, args []string) ([]byte, error) {
	f.serCalls++
	return f.serOut, f.serErr
}

func (f *fakeRunner) Run(ctx context.Context, args []string) error {
	f.runCalls = append(f.runCalls, args)
	return f.runErr
}

func testSetup(t *testing.T, rawURL string) (*store.Store, *Interface, *fakeRunner) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "epistle.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	p, err := New(st, rawURL, "/usr/bin/epistle ser", "/usr/bin/epistle clear",
		log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	runner := &fakeRunner{}
	p.SetRunner(runner)
	return st, p, runner
}

func serialize(t *testing.T, items ...store.CacheItem) []byte {
	t.Helper()
	var b strings.Builder
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			t.Fatal(err)
		}
		b.Write(line)
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func TestPull(t *testing.T) {
	st, p, runner := testSetup(t, "ssh://phone@10.0.0.2")
	ctx := context.Background()

	t1 := time.Date(2022, 3, 1, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	runner.serOut = serialize(t,
		store.CacheItem{Timestamp: t1, Text: "first thought"},
		store.CacheItem{Timestamp: t2, Text: "second thought"},
	)

	output, err := p.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(output) != 2 {
		t.Fatalf("output = %v, want two lines", output)
	}

	items, err := st.ListCache(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Text != "first thought" || items[1].Text != "second thought" {
		t.Fatalf("cache = %+v", items)
	}

	// Something was inserted, so the remote cache must have been cleared.
	if len(runner.runCalls) != 1 {
		t.Fatalf("clear calls = %d, want 1", len(runner.runCalls))
	}
	args := runner.runCalls[0]
	if args[len(args)-1] != "/usr/bin/epistle clear" || args[len(args)-2] != "phone@10.0.0.2" {
		t.Errorf("clear args = %v", args)
	}
}

func TestPull_IdempotentRedelivery(t *testing.T) {
	st, p, runner := testSetup(t, "ssh://phone@10.0.0.2")
	ctx := context.Background()

	at := time.Date(2022, 3, 1, 8, 0, 0, 123, time.UTC)
	runner.serOut = serialize(t, store.CacheItem{Timestamp: at, Text: "once"})

	if _, err := p.Pull(ctx); err != nil {
		t.Fatal(err)
	}
	// Same payload again, e.g. the clear was lost last time.
	output, err := p.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(output) != 0 {
		t.Errorf("output = %v, want no new inserts", output)
	}
	// Nothing inserted, so no second clear.
	if len(runner.runCalls) != 1 {
		t.Errorf("clear calls = %d, want 1", len(runner.runCalls))
	}

	items, err := st.ListCache(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Errorf("cache has %d items, want 1", len(items))
	}
}

func TestPull_SkipsMalformedLines(t *testing.T) {
	st, p, runner := testSetup(t, "ssh://phone@10.0.0.2")
	ctx := context.Background()

	good := serialize(t, store.CacheItem{Timestamp: time.Now().UTC(), Text: "kept"})
	runner.serOut = append([]byte("{not json}\n"), good...)

	output, err := p.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(output) != 1 {
		t.Fatalf("output = %v, want one line", output)
	}
	items, err := st.ListCache(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Text != "kept" {
		t.Fatalf("cache = %+v", items)
	}
}

func TestPull_NoPeerConfigured(t *testing.T) {
	_, p, runner := testSetup(t, "")
	output, err := p.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if output != nil || runner.serCalls != 0 {
		t.Errorf("pull without a peer must be a no-op")
	}
}

func TestPull_NonSSHSchemeIsUnreachable(t *testing.T) {
	_, p, runner := testSetup(t, "https://example.com")
	output, err := p.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if output != nil || runner.serCalls != 0 {
		t.Errorf("non-ssh peer must be treated as unreachable")
	}
}

func TestPull_SerializeFailureIsRetriedThenReturned(t *testing.T) {
	_, p, runner := testSetup(t, "ssh://phone@10.0.0.2")
	runner.serErr = errors.New("connection refused")

	_, err := p.Pull(context.Background())
	if err == nil {
		t.Fatal("Pull() must fail when serialize keeps failing")
	}
	if runner.serCalls != retryAttempts+1 {
		t.Errorf("serialize attempts = %d, want %d", runner.serCalls, retryAttempts+1)
	}
	if len(runner.runCalls) != 0 {
		t.Error("clear must not run after a failed pull")
	}
}

func TestArgs_NonDefaultPort(t *testing.T) {
	_, p, _ := testSetup(t, "ssh://phone@10.0.0.2:2222")
	args := p.args("/usr/bin/epistle ser")
	want := []string{"-p", "2222", "phone@10.0.0.2", "/usr/bin/epistle ser"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}
