package imageopt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend "compresses" by upper-casing and tagging the input with the
// quality option, so cached and fresh outputs are easy to compare.
type fakeBackend struct {
	calls   atomic.Int32
	fail    func(input []byte) error
	delay   time.Duration
	version string
	verErr  error

	versionCalls atomic.Int32

	running atomic.Int32
	peak    atomic.Int32
}

func (b *fakeBackend) Compress(ctx context.Context, input []byte, cfg Config) ([]byte, error) {
	b.calls.Add(1)
	n := b.running.Add(1)
	defer b.running.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.fail != nil {
		if err := b.fail(input); err != nil {
			return nil, err
		}
	}
	return []byte(fmt.Sprintf("%s|q=%v", bytes.ToUpper(input), cfg["quality"])), nil
}

func (b *fakeBackend) Version() (string, error) {
	b.versionCalls.Add(1)
	if b.verErr != nil {
		return "", b.verErr
	}
	if b.version == "" {
		return "fake-1", nil
	}
	return b.version, nil
}

// spyCache is an in-memory Cache that records every call.
type spyCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    []string
	puts    []string
	getErr  error
	putErr  error
}

func newSpyCache() *spyCache {
	return &spyCache{entries: make(map[string][]byte)}
}

func (c *spyCache) Get(_ context.Context, location, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets = append(c.gets, location+"#"+key)
	if c.getErr != nil {
		return nil, c.getErr
	}
	data, ok := c.entries[location+"#"+key]
	if !ok {
		return nil, errors.New("miss")
	}
	return data, nil
}

func (c *spyCache) Put(_ context.Context, location, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts = append(c.puts, location+"#"+key)
	if c.putErr != nil {
		return c.putErr
	}
	c.entries[location+"#"+key] = bytes.Clone(data)
	return nil
}

func (c *spyCache) counts() (gets, puts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gets), len(c.puts)
}

func tasksOf(names ...string) []Task {
	tasks := make([]Task, len(names))
	for i, name := range names {
		tasks[i] = Task{Input: []byte("data-" + name), Filename: name}
	}
	return tasks
}

func mustRun(t *testing.T, tasks []Task, opts Options) []Outcome {
	t.Helper()
	outcomes, err := Run(context.Background(), tasks, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return outcomes
}

func TestRunEmpty(t *testing.T) {
	cache := newSpyCache()
	backend := &fakeBackend{verErr: errors.New("must not be asked")}

	outcomes, err := Run(context.Background(), nil, Options{
		Backend: backend,
		Cache:   CacheAt(t.TempDir()),
		Store:   cache,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcomes == nil || len(outcomes) != 0 {
		t.Fatalf("outcomes = %#v, want empty non-nil slice", outcomes)
	}
	if gets, puts := cache.counts(); gets != 0 || puts != 0 {
		t.Fatalf("cache touched: %d gets, %d puts", gets, puts)
	}
	if n := backend.versionCalls.Load(); n != 0 {
		t.Fatalf("Version called %d times for an empty batch", n)
	}

	// Without a backend an empty batch still succeeds.
	if _, err := Run(context.Background(), []Task{}, Options{}); err != nil {
		t.Fatalf("Run without backend: %v", err)
	}
}

func TestRunNoBackend(t *testing.T) {
	if _, err := Run(context.Background(), tasksOf("a.png"), Options{}); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("err = %v, want ErrNoBackend", err)
	}
}

func TestRunPreservesOrder(t *testing.T) {
	names := make([]string, 50)
	for i := range names {
		names[i] = fmt.Sprintf("img-%02d.png", i)
	}
	tasks := tasksOf(names...)

	// Later tasks finish first.
	backend := &fakeBackend{}
	var started atomic.Int32
	backend.fail = func([]byte) error {
		n := started.Add(1)
		time.Sleep(time.Duration(50-n) * 100 * time.Microsecond)
		return nil
	}

	outcomes := mustRun(t, tasks, Options{Backend: backend, MaxConcurrency: 8})
	if len(outcomes) != len(tasks) {
		t.Fatalf("len(outcomes) = %d, want %d", len(outcomes), len(tasks))
	}
	for i, o := range outcomes {
		if o.Filename != tasks[i].Filename {
			t.Fatalf("outcomes[%d].Filename = %q, want %q", i, o.Filename, tasks[i].Filename)
		}
		want := fmt.Sprintf("%s|q=<nil>", bytes.ToUpper(tasks[i].Input))
		if string(o.Output) != want {
			t.Fatalf("outcomes[%d].Output = %q, want %q", i, o.Output, want)
		}
	}
}

func TestRunConcurrencyBound(t *testing.T) {
	for _, k := range []int{1, 2, 4} {
		backend := &fakeBackend{delay: 2 * time.Millisecond}
		names := make([]string, 20)
		for i := range names {
			names[i] = fmt.Sprintf("%d.png", i)
		}

		mustRun(t, tasksOf(names...), Options{Backend: backend, MaxConcurrency: k})

		if got := backend.peak.Load(); got > int32(k) {
			t.Fatalf("MaxConcurrency %d: peak in-flight backend calls %d", k, got)
		}
		if got := backend.calls.Load(); got != 20 {
			t.Fatalf("backend calls = %d, want 20", got)
		}
	}
}

func TestRunEmptyInputTask(t *testing.T) {
	cache := newSpyCache()
	backend := &fakeBackend{}
	filterCalled := false

	outcomes := mustRun(t, []Task{{Input: nil, Filename: "empty.png"}, {Input: []byte{}, Filename: "empty2.png"}}, Options{
		Backend: backend,
		Cache:   CacheAt("/cache"),
		Store:   cache,
		Filter: func([]byte, string) bool {
			filterCalled = true
			return true
		},
	})

	for _, o := range outcomes {
		if len(o.Errors) != 1 || !errors.Is(o.Errors[0], ErrEmptyInput) {
			t.Fatalf("%s: Errors = %v, want [ErrEmptyInput]", o.Filename, o.Errors)
		}
		if o.Filtered || len(o.Warnings) != 0 || len(o.Output) != 0 {
			t.Fatalf("%s: unexpected outcome %+v", o.Filename, o)
		}
	}
	if filterCalled {
		t.Fatal("filter called for empty input")
	}
	if backend.calls.Load() != 0 {
		t.Fatal("backend called for empty input")
	}
	if gets, puts := cache.counts(); gets != 0 || puts != 0 {
		t.Fatalf("cache touched: %d gets, %d puts", gets, puts)
	}
}

func TestRunEmptyInputIgnoresBail(t *testing.T) {
	for _, bail := range []bool{true, false} {
		outcomes := mustRun(t, []Task{{Filename: "x.png"}}, Options{Backend: &fakeBackend{}, Bail: bail})
		if len(outcomes[0].Errors) != 1 || len(outcomes[0].Warnings) != 0 {
			t.Fatalf("bail=%v: outcome %+v", bail, outcomes[0])
		}
	}
}

func TestRunFilter(t *testing.T) {
	cache := newSpyCache()
	backend := &fakeBackend{}
	tasks := tasksOf("keep.png", "skip.svg", "keep.jpg")

	outcomes := mustRun(t, tasks, Options{
		Backend: backend,
		Cache:   CacheAt("/cache"),
		Store:   cache,
		Filter: func(input []byte, filename string) bool {
			return !strings.HasSuffix(filename, ".svg")
		},
	})

	skipped := outcomes[1]
	if !skipped.Filtered {
		t.Fatal("skip.svg not filtered")
	}
	if !bytes.Equal(skipped.Output, tasks[1].Input) {
		t.Fatalf("filtered Output = %q, want input", skipped.Output)
	}
	if len(skipped.Errors) != 0 || len(skipped.Warnings) != 0 {
		t.Fatalf("filtered outcome has errors: %+v", skipped)
	}

	if backend.calls.Load() != 2 {
		t.Fatalf("backend calls = %d, want 2", backend.calls.Load())
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if len(cache.gets) != 2 || len(cache.puts) != 2 {
		t.Fatalf("cache calls: %d gets, %d puts, want 2 and 2", len(cache.gets), len(cache.puts))
	}
}

func TestRunCacheIdempotent(t *testing.T) {
	dir := t.TempDir()
	tasks := tasksOf("a.png", "b.png")
	resolver := Static(Config{"quality": 70})

	first := &fakeBackend{}
	out1 := mustRun(t, tasks, Options{Backend: first, Cache: CacheAt(dir), Resolver: resolver})
	if first.calls.Load() != 2 {
		t.Fatalf("first run backend calls = %d, want 2", first.calls.Load())
	}

	second := &fakeBackend{fail: func([]byte) error { return errors.New("should be cached") }}
	out2 := mustRun(t, tasks, Options{Backend: second, Cache: CacheAt(dir), Resolver: resolver})
	if second.calls.Load() != 0 {
		t.Fatalf("second run backend calls = %d, want 0", second.calls.Load())
	}

	for i := range tasks {
		if out1[i].Cached || !out2[i].Cached {
			t.Fatalf("task %d: Cached = %v then %v", i, out1[i].Cached, out2[i].Cached)
		}
		if !bytes.Equal(out1[i].Output, out2[i].Output) {
			t.Fatalf("task %d: outputs differ: %q vs %q", i, out1[i].Output, out2[i].Output)
		}
		if len(out2[i].Warnings) != 0 || len(out2[i].Errors) != 0 {
			t.Fatalf("task %d: cached outcome has failures: %+v", i, out2[i])
		}
	}
}

func TestRunConfigChangeMisses(t *testing.T) {
	cache := newSpyCache()
	tasks := tasksOf("a.png")
	backend := &fakeBackend{}

	mustRun(t, tasks, Options{Backend: backend, Cache: CacheAt("/c"), Store: cache, Resolver: Static(Config{"quality": 70})})
	out := mustRun(t, tasks, Options{Backend: backend, Cache: CacheAt("/c"), Store: cache, Resolver: Static(Config{"quality": 90})})

	if backend.calls.Load() != 2 {
		t.Fatalf("backend calls = %d, want 2", backend.calls.Load())
	}
	if out[0].Cached {
		t.Fatal("changed config served from cache")
	}
	if !strings.HasSuffix(string(out[0].Output), "q=90") {
		t.Fatalf("Output = %q, want q=90 result", out[0].Output)
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if len(cache.puts) != 2 || cache.puts[0] == cache.puts[1] {
		t.Fatalf("puts = %v, want two distinct keys", cache.puts)
	}
}

func TestRunVersionChangeMisses(t *testing.T) {
	cache := newSpyCache()
	tasks := tasksOf("a.png")

	b1 := &fakeBackend{version: "1.0"}
	mustRun(t, tasks, Options{Backend: b1, Cache: CacheAt("/c"), Store: cache, ToolVersion: "t1"})

	b2 := &fakeBackend{version: "2.0"}
	mustRun(t, tasks, Options{Backend: b2, Cache: CacheAt("/c"), Store: cache, ToolVersion: "t1"})
	if b2.calls.Load() != 1 {
		t.Fatal("backend upgrade served from cache")
	}

	b3 := &fakeBackend{version: "2.0"}
	mustRun(t, tasks, Options{Backend: b3, Cache: CacheAt("/c"), Store: cache, ToolVersion: "t2"})
	if b3.calls.Load() != 1 {
		t.Fatal("tool upgrade served from cache")
	}
}

func TestRunVersionUnknown(t *testing.T) {
	cache := newSpyCache()
	backend := &fakeBackend{verErr: errors.New("no version")}

	out := mustRun(t, tasksOf("a.png"), Options{Backend: backend, Cache: CacheAt("/c"), Store: cache})
	if !out[0].Optimized() {
		t.Fatalf("outcome = %+v, want optimized", out[0])
	}
	if _, puts := cache.counts(); puts != 1 {
		t.Fatalf("puts = %d, want 1", puts)
	}
}

func TestRunCacheDisabled(t *testing.T) {
	cache := newSpyCache()
	backend := &fakeBackend{}

	mustRun(t, tasksOf("a.png", "a.png"), Options{Backend: backend, Store: cache})
	mustRun(t, tasksOf("a.png"), Options{Backend: backend, Store: cache, Cache: CacheAt("")})

	if gets, puts := cache.counts(); gets != 0 || puts != 0 {
		t.Fatalf("cache touched: %d gets, %d puts", gets, puts)
	}
	if backend.calls.Load() != 3 {
		t.Fatalf("backend calls = %d, want 3", backend.calls.Load())
	}
	if n := backend.versionCalls.Load(); n != 0 {
		t.Fatalf("Version called %d times with caching disabled", n)
	}
}

func TestRunCacheErrorsSwallowed(t *testing.T) {
	cache := newSpyCache()
	cache.getErr = errors.New("disk on fire")
	cache.putErr = errors.New("disk full")
	backend := &fakeBackend{}

	out := mustRun(t, tasksOf("a.png", "b.png"), Options{Backend: backend, Cache: CacheAt("/c"), Store: cache})
	for _, o := range out {
		if !o.Optimized() {
			t.Fatalf("%s: outcome %+v, want optimized", o.Filename, o)
		}
	}
	if backend.calls.Load() != 2 {
		t.Fatalf("backend calls = %d, want 2", backend.calls.Load())
	}
}

func TestRunCorruptCacheDirIsMiss(t *testing.T) {
	// A regular file where the cache directory should be.
	dir := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(dir, nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	backend := &fakeBackend{}

	out := mustRun(t, tasksOf("a.png"), Options{Backend: backend, Cache: CacheAt(dir)})
	if !out[0].Optimized() || out[0].Cached {
		t.Fatalf("outcome = %+v, want fresh optimized", out[0])
	}
}

func TestRunBail(t *testing.T) {
	broken := errors.New("no compressor registered for this input")
	tasks := []Task{
		{Input: []byte("good"), Filename: "good.png"},
		{Input: []byte("bad"), Filename: "bad.tiff"},
		{Input: []byte("fine"), Filename: "fine.jpg"},
	}

	for _, bail := range []bool{true, false} {
		t.Run(fmt.Sprintf("bail=%v", bail), func(t *testing.T) {
			cache := newSpyCache()
			backend := &fakeBackend{fail: func(input []byte) error {
				if string(input) == "bad" {
					return broken
				}
				return nil
			}}

			out := mustRun(t, tasks, Options{Backend: backend, Bail: bail, Cache: CacheAt("/c"), Store: cache})

			bad := out[1]
			failures := bad.Warnings
			if bail {
				failures = bad.Errors
				if len(bad.Warnings) != 0 {
					t.Fatalf("warnings = %v, want none", bad.Warnings)
				}
			} else if len(bad.Errors) != 0 {
				t.Fatalf("errors = %v, want none", bad.Errors)
			}
			if len(failures) != 1 || !errors.Is(failures[0], broken) {
				t.Fatalf("failures = %v, want wrapped %v", failures, broken)
			}
			var cerr *CompressError
			if !errors.As(failures[0], &cerr) || cerr.Filename != "bad.tiff" {
				t.Fatalf("failure %v is not a CompressError for bad.tiff", failures[0])
			}
			if !bytes.Equal(bad.Output, bad.Input) {
				t.Fatalf("failed Output = %q, want input", bad.Output)
			}

			for _, i := range []int{0, 2} {
				if !out[i].Optimized() {
					t.Fatalf("%s affected by failure: %+v", out[i].Filename, out[i])
				}
			}

			// No retry, and nothing cached for the failure.
			if backend.calls.Load() != 3 {
				t.Fatalf("backend calls = %d, want 3", backend.calls.Load())
			}
			if _, puts := cache.counts(); puts != 2 {
				t.Fatalf("puts = %d, want 2", puts)
			}
		})
	}
}

func TestRunEmptyBackendOutput(t *testing.T) {
	out := mustRun(t, tasksOf("a.png"), Options{Backend: emptyBackend{}, Bail: true})
	if len(out[0].Errors) != 1 || !errors.Is(out[0].Errors[0], errEmptyOutput) {
		t.Fatalf("Errors = %v, want errEmptyOutput", out[0].Errors)
	}
	if !bytes.Equal(out[0].Output, out[0].Input) {
		t.Fatal("Output replaced by empty backend result")
	}
}

func TestRunPanicFailsBatch(t *testing.T) {
	backend := &fakeBackend{fail: func(input []byte) error {
		if string(input) == "data-boom.png" {
			panic("backend defect")
		}
		return nil
	}}

	_, err := Run(context.Background(), tasksOf("a.png", "boom.png", "c.png"), Options{Backend: backend})
	if err == nil {
		t.Fatal("Run returned nil error after a panic")
	}
	if backend.calls.Load() != 3 {
		t.Fatalf("backend calls = %d, want 3", backend.calls.Load())
	}
}

func TestRunResolverPerFile(t *testing.T) {
	resolver := ByExtension(map[string]Config{
		".png": {"quality": 10},
		".jpg": {"quality": 20},
	}, Config{"quality": 99})

	out := mustRun(t, tasksOf("a.PNG", "b.jpg", "c.gif"), Options{Backend: &fakeBackend{}, Resolver: resolver})
	for i, want := range []string{"q=10", "q=20", "q=99"} {
		if !strings.HasSuffix(string(out[i].Output), want) {
			t.Fatalf("%s: Output = %q, want suffix %q", out[i].Filename, out[i].Output, want)
		}
	}
}

type emptyBackend struct{}

func (emptyBackend) Compress(context.Context, []byte, Config) ([]byte, error) { return nil, nil }
func (emptyBackend) Version() (string, error)                                  { return "empty", nil }
